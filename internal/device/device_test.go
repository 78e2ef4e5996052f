package device_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blacktop/camroll/internal/device"
	"github.com/blacktop/camroll/internal/devicetest"
	"github.com/blacktop/camroll/internal/media"
	"github.com/blacktop/camroll/internal/transfer"
	"github.com/blacktop/camroll/pkg/usb"
	"github.com/blacktop/camroll/pkg/usb/lockdownd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	lockdownd.KeyBits = 1024
	os.Exit(m.Run())
}

type events struct {
	mu           sync.Mutex
	connected    []device.Detail
	disconnected []string
}

func (e *events) onConnected(d device.Detail) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = append(e.connected, d)
}

func (e *events) onDisconnected(udid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnected = append(e.disconnected, udid)
}

func (e *events) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.connected), len(e.disconnected)
}

type fixture struct {
	mux     *devicetest.Mux
	devices []*devicetest.Device
	watcher *device.Watcher
	events  *events
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	f := &fixture{mux: devicetest.NewMux(), events: &events{}}
	for i := 1; i <= n; i++ {
		dev, err := devicetest.NewDevice(f.mux, devicetest.UDID(i))
		require.NoError(t, err)
		f.devices = append(f.devices, dev)
	}
	neg := lockdownd.NewNegotiator(f.mux.Dial, nil)
	neg.PollInterval = 5 * time.Millisecond
	f.watcher = device.NewWatcher(device.NewMuxLister(f.mux.Dial), neg, nil)
	f.watcher.OnConnected(f.events.onConnected)
	f.watcher.OnDisconnected(f.events.onDisconnected)
	t.Cleanup(func() { f.watcher.Registry.Close() })
	return f
}

func TestClassifyConnection(t *testing.T) {
	tests := []struct {
		name      string
		connType  string
		productID int
		speed     int
		want      device.Connection
	}{
		{"network", "Network", 0, 0, device.Wireless},
		{"wifi", "Wi-Fi", 0x12a8, 480000000, device.Wireless},
		{"usb2", "USB", 0x12a8, 480000000, device.FastUSB},
		{"usb3", "USB", 0x12a8, 5000000000, device.FastUSB},
		{"full speed", "USB", 0x12a8, 12000000, device.SlowUSB},
		{"no product id", "USB", 0, 480000000, device.SlowUSB},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := device.ClassifyConnection(tt.connType, tt.productID, tt.speed); got != tt.want {
				t.Errorf("ClassifyConnection() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatcher_Poll(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	require.NoError(t, f.watcher.Poll(ctx))
	connected, disconnected := f.events.counts()
	assert.Equal(t, 2, connected)
	assert.Zero(t, disconnected)

	details := f.watcher.Registry.List()
	require.Len(t, details, 2)
	d := details[0]
	assert.Equal(t, devicetest.UDID(1), d.UDID)
	assert.Equal(t, "Blacktop's iPhone", d.Name)
	assert.Equal(t, "iPhone15,2", d.Model)
	assert.Equal(t, "17.4.1", d.OSVersion)
	assert.Equal(t, "false", d.Locked)
	assert.Equal(t, "87%", d.Battery)
	assert.Equal(t, lockdownd.AwaitingTrust, d.Pairing, "no pair record, no trust prompt")
	assert.Equal(t, device.FastUSB, d.Connection)
	assert.Zero(t, f.devices[0].Lockdown.PairRequests())
	assert.Contains(t, d.String(), "Blacktop's iPhone")

	require.NoError(t, f.watcher.Poll(ctx))
	connected, _ = f.events.counts()
	assert.Equal(t, 2, connected, "known devices are not announced again")

	f.mux.Detach(devicetest.UDID(2))
	require.NoError(t, f.watcher.Poll(ctx))
	_, disconnected = f.events.counts()
	assert.Equal(t, 1, disconnected)
	assert.Equal(t, []string{devicetest.UDID(2)}, f.events.disconnected)
	assert.Equal(t, []string{devicetest.UDID(1)}, f.watcher.Registry.UDIDs())
}

type flakyOpener struct {
	device.SessionOpener
	fails int
}

func (o *flakyOpener) OpenSession(ctx context.Context, udid string) (*lockdownd.Session, error) {
	if o.fails > 0 {
		o.fails--
		return nil, usb.ErrDeviceLocked
	}
	return o.SessionOpener.OpenSession(ctx, udid)
}

func TestWatcher_RetriesFailedSession(t *testing.T) {
	mux := devicetest.NewMux()
	_, err := devicetest.NewDevice(mux, devicetest.UDID(1))
	require.NoError(t, err)
	opener := &flakyOpener{SessionOpener: lockdownd.NewNegotiator(mux.Dial, nil), fails: 1}
	w := device.NewWatcher(device.NewMuxLister(mux.Dial), opener, nil)
	defer w.Registry.Close()

	require.NoError(t, w.Poll(context.Background()))
	assert.Empty(t, w.Registry.List())
	require.NoError(t, w.Poll(context.Background()))
	assert.Len(t, w.Registry.List(), 1)
}

func TestWatcher_TransportUnavailable(t *testing.T) {
	f := newFixture(t, 1)
	f.mux.SetDown(true)

	err := f.watcher.Run(context.Background())
	require.ErrorIs(t, err, usb.ErrTransportUnavailable)
}

func TestWatcher_Run(t *testing.T) {
	f := newFixture(t, 1)
	f.watcher.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.watcher.Run(ctx) }()

	require.Eventually(t, func() bool {
		connected, _ := f.events.counts()
		return connected == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.mux.Detach(devicetest.UDID(1))
	require.Eventually(t, func() bool {
		_, disconnected := f.events.counts()
		return disconnected == 1
	}, 2*time.Second, 5*time.Millisecond)

	// later poll errors are not fatal
	f.mux.SetDown(true)
	time.Sleep(30 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRegistry_Acquire(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.watcher.Poll(context.Background()))
	reg := f.watcher.Registry
	udid := devicetest.UDID(1)

	_, err := reg.Acquire(context.Background(), devicetest.UDID(9))
	require.ErrorIs(t, err, usb.ErrDeviceNotFound)

	job, err := reg.Acquire(context.Background(), udid)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	_, err = reg.Acquire(context.Background(), udid)
	require.ErrorIs(t, err, device.ErrBusy)

	job.Release()
	job.Release()
	assert.Error(t, job.Context().Err())

	again, err := reg.Acquire(context.Background(), udid)
	require.NoError(t, err)
	again.Cancel()
	assert.ErrorIs(t, context.Cause(again.Context()), usb.ErrCancelled)
	again.Release()
}

func TestWatcher_DisconnectCancelsJob(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.watcher.Poll(context.Background()))

	job, err := f.watcher.Registry.Acquire(context.Background(), devicetest.UDID(1))
	require.NoError(t, err)
	defer job.Release()

	var sawCancelled bool
	f.watcher.OnDisconnected(func(udid string) {
		sawCancelled = job.Context().Err() != nil
	})

	f.mux.Detach(devicetest.UDID(1))
	require.NoError(t, f.watcher.Poll(context.Background()))

	assert.True(t, sawCancelled, "job is cancelled before handlers run")
	assert.ErrorIs(t, context.Cause(job.Context()), usb.ErrDeviceDisconnected)
	_, ok := f.watcher.Registry.Get(devicetest.UDID(1))
	assert.False(t, ok)
	_, disconnected := f.events.counts()
	assert.Equal(t, 1, disconnected, "every handler runs")
}

func TestDevice_PairScanAndPull(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	mtime := time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)
	afcFake := f.devices[0].AFC
	afcFake.AddFile("/DCIM/100APPLE/IMG_0001.HEIC", make([]byte, 2097152), mtime)
	afcFake.AddFile("/DCIM/100APPLE/IMG_0001.MOV", make([]byte, 10485760), mtime)

	require.NoError(t, f.watcher.Poll(ctx))
	d, ok := f.watcher.Registry.Get(devicetest.UDID(1))
	require.True(t, ok)

	_, err := d.OpenFS(ctx)
	require.ErrorIs(t, err, lockdownd.ErrInvalidState, "no services before trust")

	require.NoError(t, d.Pair(ctx))
	assert.Equal(t, lockdownd.ServiceReady, d.Detail().Pairing)
	_, stored := f.mux.PairRecord(devicetest.UDID(1))
	assert.True(t, stored)

	info, err := d.DeviceInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "iPhone15,2", info["Model"])

	job, err := f.watcher.Registry.Acquire(ctx, d.UDID)
	require.NoError(t, err)
	defer job.Release()

	fsys, err := d.OpenFS(job.Context())
	require.NoError(t, err)
	defer fsys.Close()

	entries, err := media.NewScanner().Scan(job.Context(), fsys, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	dest := t.TempDir()
	res, err := transfer.NewEngine().Transfer(job.Context(), fsys, entries, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, transfer.Completed, res.Status)
	assert.Equal(t, 1, res.Succeeded)
	assert.FileExists(t, filepath.Join(dest, "IMG_0001.HEIC"))
	assert.FileExists(t, filepath.Join(dest, "IMG_0001.MOV"))
	assert.Zero(t, afcFake.OpenHandles())
}
