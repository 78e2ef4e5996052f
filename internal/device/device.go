// Package device tracks attached iOS devices and the sessions open to them.
package device

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blacktop/camroll/internal/colors"
	"github.com/blacktop/camroll/internal/media"
	"github.com/blacktop/camroll/pkg/usb"
	"github.com/blacktop/camroll/pkg/usb/afc"
	"github.com/blacktop/camroll/pkg/usb/lockdownd"
)

var colorFaint = colors.FaintHiBlue().SprintFunc()
var colorBold = colors.Bold().SprintFunc()

// Connection is a rough guess at the link a device is attached over. It is
// shown to users and never changes behavior.
type Connection int

const (
	SlowUSB Connection = iota
	FastUSB
	Wireless
)

func (c Connection) String() string {
	switch c {
	case SlowUSB:
		return "USB"
	case FastUSB:
		return "USB (high speed)"
	case Wireless:
		return "Wi-Fi"
	}
	return lockdownd.Unknown
}

func (c Connection) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// highSpeedUSB is the USB 2.0 high-speed signalling rate in bits/second.
const highSpeedUSB = 480000000

// ClassifyConnection guesses the link class from usbmuxd attachment properties.
func ClassifyConnection(connType string, productID, speed int) Connection {
	t := strings.ToLower(connType)
	if strings.Contains(t, "network") || strings.Contains(t, "wifi") || strings.Contains(t, "wi-fi") {
		return Wireless
	}
	if productID != 0 && speed >= highSpeedUSB {
		return FastUSB
	}
	return SlowUSB
}

// Detail is an immutable snapshot of a connected device.
type Detail struct {
	lockdownd.DeviceDetail
	Connection Connection
}

func (d Detail) String() string {
	return d.DeviceDetail.String() +
		fmt.Sprintf(colorFaint("Link:      ")+colorBold("%s\n"), d.Connection)
}

// Device is one attached device. It is owned by a Registry; callers get it
// through Registry.Get and must not close its session.
type Device struct {
	UDID       string
	Attachment *usb.DeviceAttachment

	session *lockdownd.Session

	mu     sync.Mutex
	detail Detail
	job    *Job
}

func newDevice(ctx context.Context, att *usb.DeviceAttachment, session *lockdownd.Session) *Device {
	d := &Device{
		UDID:       session.UDID(),
		Attachment: att,
		session:    session,
	}
	d.Refresh(ctx)
	return d
}

// Detail returns the last snapshot taken of the device.
func (d *Device) Detail() Detail {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detail
}

// Refresh re-reads the device properties and returns the new snapshot.
func (d *Device) Refresh(ctx context.Context) Detail {
	detail := Detail{DeviceDetail: d.session.Detail(ctx)}
	if d.Attachment != nil {
		detail.Connection = ClassifyConnection(d.Attachment.ConnectionType, d.Attachment.ProductID, d.Attachment.ConnectionSpeed)
	}
	d.mu.Lock()
	d.detail = detail
	d.mu.Unlock()
	return detail
}

// State returns the trust state of the device's session.
func (d *Device) State() lockdownd.State {
	return d.session.State()
}

// Pair asks the user to trust this computer and waits for the answer.
func (d *Device) Pair(ctx context.Context) error {
	err := d.session.Pair(ctx)
	d.Refresh(ctx)
	return err
}

// Unpair forgets the pairing on both sides.
func (d *Device) Unpair(ctx context.Context) error {
	err := d.session.Unpair(ctx)
	d.Refresh(ctx)
	return err
}

// OpenFS starts the file access service and returns the media file system
// on top of it. The caller closes it.
func (d *Device) OpenFS(ctx context.Context) (media.FS, error) {
	c, err := afc.NewClientForSession(ctx, d.session)
	if err != nil {
		return nil, err
	}
	return media.NewAFC(c), nil
}

// DeviceInfo returns the file system statistics reported by the device.
func (d *Device) DeviceInfo(ctx context.Context) (map[string]string, error) {
	c, err := afc.NewClientForSession(ctx, d.session)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.DeviceInfo()
}

func (d *Device) close() error {
	d.mu.Lock()
	job := d.job
	d.job = nil
	d.mu.Unlock()
	if job != nil {
		job.cancel(usb.ErrDeviceDisconnected)
	}
	return d.session.Close()
}
