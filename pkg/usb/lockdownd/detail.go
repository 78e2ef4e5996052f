package lockdownd

import (
	"context"
	"fmt"

	"github.com/blacktop/camroll/internal/colors"
)

// DeviceDetail is a point-in-time description of a device. Properties the
// device would not report are set to Unknown.
type DeviceDetail struct {
	UDID      string
	Name      string
	Model     string
	OSVersion string
	Locked    string
	Pairing   State
	Battery   string
}

// Detail reads the device properties shown to users. It never fails as a
// whole; missing properties fall back to Unknown.
func (s *Session) Detail(ctx context.Context) DeviceDetail {
	d := DeviceDetail{
		UDID:      s.udid,
		Name:      s.StringProperty(ctx, "", "DeviceName", Unknown),
		Model:     s.StringProperty(ctx, "", "ProductType", Unknown),
		OSVersion: s.StringProperty(ctx, "", "ProductVersion", Unknown),
		Locked:    Unknown,
		Pairing:   s.State(),
		Battery:   Unknown,
	}
	if v, err := s.QueryProperty(ctx, "", "PasswordProtected"); err == nil {
		if locked, ok := v.(bool); ok {
			d.Locked = fmt.Sprintf("%t", locked)
		}
	}
	if level, ok := s.IntProperty(ctx, BatteryDomain, "BatteryCurrentCapacity"); ok {
		d.Battery = fmt.Sprintf("%d%%", level)
	}
	return d
}

func (d DeviceDetail) String() string {
	return fmt.Sprintf(
		colorFaint("Name:      ")+colorBold("%s\n")+
			colorFaint("Model:     ")+colorBold("%s\n")+
			colorFaint("iOS:       ")+colorBold("%s\n")+
			colorFaint("UDID:      ")+colorBold("%s\n")+
			colorFaint("Locked:    ")+colorBold("%s\n")+
			colorFaint("Pairing:   ")+"%s\n"+
			colorFaint("Battery:   ")+colorBold("%s\n"),
		d.Name,
		d.Model,
		d.OSVersion,
		d.UDID,
		d.Locked,
		d.Pairing.colored(),
		d.Battery,
	)
}

func (s State) colored() string {
	switch s {
	case Trusted, ServiceReady:
		return colors.Success().Sprint(s)
	case AwaitingTrust, Connecting:
		return colors.Warning().Sprint(s)
	case Rejected, Disconnected:
		return colors.Failure().Sprint(s)
	}
	return colorBold(s)
}
