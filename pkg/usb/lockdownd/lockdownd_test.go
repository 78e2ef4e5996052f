package lockdownd

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/blacktop/camroll/internal/devicetest"
	"github.com/blacktop/camroll/pkg/usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	KeyBits = 1024
	os.Exit(m.Run())
}

func newTestDevice(t *testing.T) (*devicetest.Mux, *devicetest.Device, *Negotiator) {
	t.Helper()
	mux := devicetest.NewMux()
	dev, err := devicetest.NewDevice(mux, devicetest.UDID(1))
	require.NoError(t, err)
	n := NewNegotiator(mux.Dial, nil)
	n.PollInterval = 5 * time.Millisecond
	return mux, dev, n
}

func TestOpenSession_WithoutRecordAwaitsTrust(t *testing.T) {
	_, dev, n := newTestDevice(t)

	s, err := n.OpenSession(context.Background(), dev.UDID)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, AwaitingTrust, s.State())
	assert.Zero(t, dev.Lockdown.PairRequests())
	assert.Zero(t, dev.Lockdown.SessionStarts())
}

func TestPair_ThenReopenWithoutPrompt(t *testing.T) {
	mux, dev, n := newTestDevice(t)
	ctx := context.Background()

	s, err := n.OpenSession(ctx, dev.UDID)
	require.NoError(t, err)
	require.NoError(t, s.Pair(ctx))
	assert.Equal(t, ServiceReady, s.State())
	require.NoError(t, s.Close())
	assert.Equal(t, Disconnected, s.State())

	record, ok := mux.PairRecord(dev.UDID)
	require.True(t, ok, "pair record should be stored")
	assert.NotEmpty(t, record.HostID)
	assert.Equal(t, []byte("escrow"), record.EscrowBag)

	again, err := n.OpenSession(ctx, dev.UDID)
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, ServiceReady, again.State())
	assert.Equal(t, 1, dev.Lockdown.PairRequests())
}

func TestPair_Outcomes(t *testing.T) {
	pending := make([]string, 500)
	for i := range pending {
		pending[i] = devicetest.PairPending
	}

	tests := []struct {
		name      string
		answers   []string
		timeout   time.Duration
		wantErr   error
		wantState State
	}{
		{
			name:      "accepted after prompt",
			answers:   []string{devicetest.PairPending, devicetest.PairPending, devicetest.PairAccept},
			wantState: ServiceReady,
		},
		{
			name:      "denied",
			answers:   []string{devicetest.PairPending, devicetest.PairDenied},
			wantErr:   usb.ErrPairingDenied,
			wantState: Rejected,
		},
		{
			name:      "locked",
			answers:   []string{devicetest.PairLocked},
			wantErr:   usb.ErrDeviceLocked,
			wantState: AwaitingTrust,
		},
		{
			name:      "no answer",
			answers:   pending,
			timeout:   50 * time.Millisecond,
			wantErr:   usb.ErrPairingPending,
			wantState: AwaitingTrust,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, dev, n := newTestDevice(t)
			if tt.timeout > 0 {
				n.PairTimeout = tt.timeout
			}
			dev.Lockdown.QueuePairAnswers(tt.answers...)

			s, err := n.OpenSession(context.Background(), dev.UDID)
			require.NoError(t, err)
			defer s.Close()

			err = s.Pair(context.Background())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				_, stored := mux.PairRecord(dev.UDID)
				assert.False(t, stored, "no record may be stored on failure")
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantState, s.State())
			if tt.wantErr != nil {
				assert.Equal(t, !errors.Is(tt.wantErr, usb.ErrPairingDenied), usb.IsRetryable(err))
			}
		})
	}
}

func TestPair_TimeoutIsPendingAndKeepsChannelUsable(t *testing.T) {
	mux, dev, n := newTestDevice(t)
	n.PairTimeout = 50 * time.Millisecond
	ctx := context.Background()

	pending := make([]string, 2000)
	for i := range pending {
		pending[i] = devicetest.PairPending
	}
	dev.Lockdown.QueuePairAnswers(pending...)

	s, err := n.OpenSession(ctx, dev.UDID)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 20; i++ {
		err := s.Pair(ctx)
		require.ErrorIs(t, err, usb.ErrPairingPending, "attempt %d", i)
		assert.True(t, usb.IsRetryable(err))
		require.Equal(t, AwaitingTrust, s.State(), "attempt %d", i)
	}

	dev.Lockdown.ClearPairAnswers()
	n.PairTimeout = time.Second
	require.NoError(t, s.Pair(ctx))
	assert.Equal(t, ServiceReady, s.State())
	_, stored := mux.PairRecord(dev.UDID)
	assert.True(t, stored)
}

func TestPair_OnlyFromAwaitingTrust(t *testing.T) {
	_, dev, n := newTestDevice(t)
	ctx := context.Background()

	s, err := n.OpenSession(ctx, dev.UDID)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Pair(ctx))

	require.ErrorIs(t, s.Pair(ctx), ErrInvalidState)
	assert.Equal(t, 1, dev.Lockdown.PairRequests())
}

func TestPair_ContextCancelled(t *testing.T) {
	_, dev, n := newTestDevice(t)
	dev.Lockdown.QueuePairAnswers(devicetest.PairPending, devicetest.PairPending, devicetest.PairPending)
	n.PollInterval = time.Second

	s, err := n.OpenSession(context.Background(), dev.UDID)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	require.ErrorIs(t, s.Pair(ctx), context.Canceled)
	assert.Equal(t, AwaitingTrust, s.State())
}

func TestOpenSession_DropsRejectedRecord(t *testing.T) {
	mux, dev, n := newTestDevice(t)
	ctx := context.Background()

	s, err := n.OpenSession(ctx, dev.UDID)
	require.NoError(t, err)
	require.NoError(t, s.Pair(ctx))
	s.Close()

	// factory reset
	dev.Lockdown.Forget()

	s, err = n.OpenSession(ctx, dev.UDID)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, AwaitingTrust, s.State())
	_, stored := mux.PairRecord(dev.UDID)
	assert.False(t, stored, "stale record should be deleted")

	require.NoError(t, s.Pair(ctx))
	assert.Equal(t, ServiceReady, s.State())
}

func TestOpenSession_TransportUnavailable(t *testing.T) {
	mux, dev, n := newTestDevice(t)
	mux.SetDown(true)

	_, err := n.OpenSession(context.Background(), dev.UDID)
	require.ErrorIs(t, err, usb.ErrTransportUnavailable)
	assert.False(t, usb.IsRetryable(err))
	assert.NotEmpty(t, usb.Hint(err))
}

func TestOpenSession_DeviceNotFound(t *testing.T) {
	_, _, n := newTestDevice(t)

	_, err := n.OpenSession(context.Background(), devicetest.UDID(99))
	require.ErrorIs(t, err, usb.ErrDeviceNotFound)
	assert.True(t, usb.IsRetryable(err))
}

func TestSession_StartService(t *testing.T) {
	_, dev, n := newTestDevice(t)
	ctx := context.Background()

	s, err := n.OpenSession(ctx, dev.UDID)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.StartService(ctx, "com.apple.afc")
	require.ErrorIs(t, err, ErrInvalidState, "services need a trusted session")

	require.NoError(t, s.Pair(ctx))

	h, err := s.StartService(ctx, "com.apple.afc")
	require.NoError(t, err)
	assert.Equal(t, devicetest.AFCPort, h.Port)
	assert.False(t, h.SSL)
	require.NoError(t, h.Close())

	_, err = s.StartService(ctx, "com.apple.mobile.screenshotr")
	require.ErrorIs(t, err, usb.ErrServiceUnavailable)
	assert.NotErrorIs(t, err, usb.ErrDeviceLocked)

	dev.Lockdown.SetLocked(true)
	_, err = s.StartService(ctx, "com.apple.afc")
	require.ErrorIs(t, err, usb.ErrDeviceLocked)
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "PasswordProtected", lerr.Code)
}

func TestSession_Detail(t *testing.T) {
	_, dev, n := newTestDevice(t)
	ctx := context.Background()

	s, err := n.OpenSession(ctx, dev.UDID)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Pair(ctx))

	d := s.Detail(ctx)
	assert.Equal(t, "Blacktop's iPhone", d.Name)
	assert.Equal(t, "iPhone15,2", d.Model)
	assert.Equal(t, "17.4.1", d.OSVersion)
	assert.Equal(t, "false", d.Locked)
	assert.Equal(t, "87%", d.Battery)
	assert.Equal(t, ServiceReady, d.Pairing)

	dev.Lockdown.SetValue(BatteryDomain, "BatteryCurrentCapacity", "n/a")
	assert.Equal(t, Unknown, s.Detail(ctx).Battery)
	assert.Equal(t, Unknown, s.StringProperty(ctx, "", "NoSuchKey", Unknown))

	values, err := s.GetValues(ctx)
	require.NoError(t, err)
	assert.Equal(t, dev.UDID, values.UniqueDeviceID)
}

func TestSession_Unpair(t *testing.T) {
	mux, dev, n := newTestDevice(t)
	ctx := context.Background()

	s, err := n.OpenSession(ctx, dev.UDID)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Pair(ctx))

	require.NoError(t, s.Unpair(ctx))
	assert.Equal(t, AwaitingTrust, s.State())
	_, stored := mux.PairRecord(dev.UDID)
	assert.False(t, stored)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Disconnected, "Disconnected"},
		{AwaitingTrust, "AwaitingTrust"},
		{ServiceReady, "ServiceReady"},
		{Rejected, "Rejected"},
		{State(42), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %v, want %v", tt.state, got, tt.want)
		}
	}
}
