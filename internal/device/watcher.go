package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/camroll/pkg/usb"
	"github.com/blacktop/camroll/pkg/usb/lockdownd"
)

// DefaultInterval is the watcher polling period.
const DefaultInterval = 2 * time.Second

// Lister returns the devices usbmuxd currently sees.
type Lister interface {
	ListDevices() ([]*usb.DeviceAttachment, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func() ([]*usb.DeviceAttachment, error)

func (f ListerFunc) ListDevices() ([]*usb.DeviceAttachment, error) {
	return f()
}

// NewMuxLister lists devices over a fresh usbmuxd connection per call.
func NewMuxLister(dial usb.Dialer) Lister {
	return ListerFunc(func() ([]*usb.DeviceAttachment, error) {
		return usb.ListDevices(dial)
	})
}

// SessionOpener opens a lockdownd session to a device.
type SessionOpener interface {
	OpenSession(ctx context.Context, udid string) (*lockdownd.Session, error)
}

// Watcher polls usbmuxd and keeps a Registry in sync with what is attached.
type Watcher struct {
	Interval time.Duration
	Registry *Registry

	lister Lister
	opener SessionOpener

	mu             sync.Mutex
	onConnected    []func(Detail)
	onDisconnected []func(udid string)
}

func NewWatcher(lister Lister, opener SessionOpener, registry *Registry) *Watcher {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Watcher{
		Interval: DefaultInterval,
		Registry: registry,
		lister:   lister,
		opener:   opener,
	}
}

// OnConnected registers fn to run for every newly attached device.
func (w *Watcher) OnConnected(fn func(Detail)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onConnected = append(w.onConnected, fn)
}

// OnDisconnected registers fn to run for every detached device. It runs
// after the device's job was cancelled.
func (w *Watcher) OnDisconnected(fn func(udid string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDisconnected = append(w.onDisconnected, fn)
}

// Poll runs one discovery cycle. Devices whose session cannot be opened are
// retried on the next cycle.
func (w *Watcher) Poll(ctx context.Context) error {
	attached, err := w.lister.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	seen := make(map[string]*usb.DeviceAttachment, len(attached))
	var order []string
	for _, att := range attached {
		udid := att.Identity()
		if udid == "" {
			continue
		}
		// prefer the USB attachment when a device is also reachable over the network
		if prev, ok := seen[udid]; ok && ClassifyConnection(prev.ConnectionType, prev.ProductID, prev.ConnectionSpeed) != Wireless {
			continue
		}
		if _, ok := seen[udid]; !ok {
			order = append(order, udid)
		}
		seen[udid] = att
	}

	for _, udid := range w.Registry.UDIDs() {
		if _, ok := seen[udid]; ok {
			continue
		}
		if err := w.Registry.Remove(udid); err != nil {
			log.WithFields(log.Fields{"udid": udid, "err": err}).Debug("failed to close session")
		}
		log.WithField("udid", udid).Info("device disconnected")
		w.emitDisconnected(udid)
	}

	for _, udid := range order {
		att := seen[udid]
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, ok := w.Registry.Get(udid); ok {
			continue
		}
		session, err := w.opener.OpenSession(ctx, udid)
		if err != nil {
			if errors.Is(err, usb.ErrTransportUnavailable) {
				return err
			}
			log.WithFields(log.Fields{"udid": udid, "err": err}).Warn("failed to open session, will retry")
			continue
		}
		d := newDevice(ctx, att, session)
		w.Registry.add(d)
		log.WithFields(log.Fields{"udid": udid, "state": d.State()}).Info("device connected")
		w.emitConnected(d.Detail())
	}

	return nil
}

// Run polls until ctx is done. Only a usbmuxd that is unreachable on the
// first poll is fatal; later poll errors are logged.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Poll(ctx); err != nil {
		if errors.Is(err, usb.ErrTransportUnavailable) {
			return err
		}
		log.WithError(err).Warn("device poll failed")
	}

	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("device poll failed")
			}
		}
	}
}

func (w *Watcher) emitConnected(d Detail) {
	w.mu.Lock()
	handlers := append([]func(Detail){}, w.onConnected...)
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(d)
	}
}

func (w *Watcher) emitDisconnected(udid string) {
	w.mu.Lock()
	handlers := append([]func(string){}, w.onDisconnected...)
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(udid)
	}
}
