package devicetest

import (
	"fmt"

	"github.com/blacktop/camroll/pkg/usb"
)

const afcService = "com.apple.afc"

// Device bundles the fake services of one attached iPhone.
type Device struct {
	UDID       string
	Attachment *usb.DeviceAttachment
	Lockdown   *Lockdown
	AFC        *AFC
}

// UDID returns a deterministic 40 hex character device identity.
func UDID(n int) string {
	return fmt.Sprintf("%040x", n)
}

// NewDevice attaches a device to m that answers on the lockdownd and AFC ports.
func NewDevice(m *Mux, udid string) (*Device, error) {
	ld, err := NewLockdown(map[string]any{
		"DeviceName":        "Blacktop's iPhone",
		"DeviceClass":       "iPhone",
		"ProductType":       "iPhone15,2",
		"ProductVersion":    "17.4.1",
		"BuildVersion":      "21E236",
		"UniqueDeviceID":    udid,
		"PasswordProtected": false,
	})
	if err != nil {
		return nil, err
	}
	ld.SetValue("com.apple.mobile.battery", "BatteryCurrentCapacity", 87)
	ld.AddService(afcService, AFCPort)

	d := &Device{
		UDID:     udid,
		Lockdown: ld,
		AFC:      NewAFC(),
	}
	d.Attachment = m.Attach(&usb.DeviceAttachment{
		UDID:            udid,
		SerialNumber:    udid,
		ProductID:       0x12a8,
		ConnectionSpeed: 480000000,
	})
	m.Handle(udid, LockdownPort, ld.Serve)
	m.Handle(udid, AFCPort, d.AFC.Serve)

	return d, nil
}
