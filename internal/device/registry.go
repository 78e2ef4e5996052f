package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/camroll/pkg/usb"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// ErrBusy is returned by Acquire while another job holds the device.
var ErrBusy = errors.New("device is busy with another job")

// Job is the exclusive use of one device by a scan or transfer. Its context
// is cancelled with usb.ErrDeviceDisconnected as the cause when the device
// goes away.
type Job struct {
	ID     string
	Device *Device

	ctx    context.Context
	cancel context.CancelCauseFunc
	once   sync.Once
}

func (j *Job) Context() context.Context {
	return j.ctx
}

// Cancel stops the job as if the user asked for it.
func (j *Job) Cancel() {
	j.cancel(usb.ErrCancelled)
}

// Release gives the device back. It is safe to call more than once.
func (j *Job) Release() {
	j.once.Do(func() {
		j.cancel(nil)
		d := j.Device
		d.mu.Lock()
		if d.job == j {
			d.job = nil
		}
		d.mu.Unlock()
	})
}

// Registry owns the sessions of all attached devices, at most one per UDID.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Get returns the device with udid, if attached.
func (r *Registry) Get(udid string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[udid]
	return d, ok
}

// List returns detail snapshots of all devices ordered by UDID.
func (r *Registry) List() []Detail {
	r.mu.Lock()
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.Unlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].UDID < devices[j].UDID
	})
	details := make([]Detail, 0, len(devices))
	for _, d := range devices {
		details = append(details, d.Detail())
	}
	return details
}

// UDIDs returns the identities of all devices, sorted.
func (r *Registry) UDIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	udids := make([]string, 0, len(r.devices))
	for udid := range r.devices {
		udids = append(udids, udid)
	}
	sort.Strings(udids)
	return udids
}

// Acquire starts a job on udid. The job context derives from ctx.
func (r *Registry) Acquire(ctx context.Context, udid string) (*Job, error) {
	d, ok := r.Get(udid)
	if !ok {
		return nil, fmt.Errorf("%s: %w", udid, usb.ErrDeviceNotFound)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.job != nil {
		return nil, fmt.Errorf("%s: job %s running: %w", udid, d.job.ID, ErrBusy)
	}
	jctx, cancel := context.WithCancelCause(ctx)
	d.job = &Job{
		ID:     uuid.NewString(),
		Device: d,
		ctx:    jctx,
		cancel: cancel,
	}
	return d.job, nil
}

// add takes ownership of d, closing any previous session for the same UDID.
func (r *Registry) add(d *Device) {
	r.mu.Lock()
	old := r.devices[d.UDID]
	r.devices[d.UDID] = d
	r.mu.Unlock()

	if old != nil && old != d {
		if err := old.close(); err != nil {
			log.WithFields(log.Fields{"udid": d.UDID, "err": err}).Debug("failed to close replaced session")
		}
	}
}

// Remove disposes the device's session and cancels its job.
func (r *Registry) Remove(udid string) error {
	r.mu.Lock()
	d, ok := r.devices[udid]
	delete(r.devices, udid)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return d.close()
}

// Close disposes every session.
func (r *Registry) Close() error {
	r.mu.Lock()
	devices := r.devices
	r.devices = make(map[string]*Device)
	r.mu.Unlock()

	var errs error
	for udid, d := range devices {
		if err := d.close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close %s: %w", udid, err))
		}
	}
	return errs
}
