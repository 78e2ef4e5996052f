package lockdownd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/camroll/pkg/usb"
	"github.com/google/uuid"
)

const (
	DefaultPairTimeout  = 30 * time.Second
	DefaultPollInterval = time.Second

	resyncTimeout = 5 * time.Second

	// Unknown is the placeholder for device properties that could not be read.
	Unknown = "Unknown"
)

// Negotiator opens lockdownd sessions and drives the pairing handshake.
type Negotiator struct {
	Dial  usb.Dialer
	Store PairRecordStore
	// BUID returns the host system BUID written into new pair records.
	// It defaults to asking usbmuxd.
	BUID         func() (string, error)
	PairTimeout  time.Duration
	PollInterval time.Duration
}

func NewNegotiator(dial usb.Dialer, store PairRecordStore) *Negotiator {
	if store == nil {
		store = &MuxStore{Dial: dial}
	}
	return &Negotiator{
		Dial:         dial,
		Store:        store,
		PairTimeout:  DefaultPairTimeout,
		PollInterval: DefaultPollInterval,
	}
}

func (n *Negotiator) systemBUID() string {
	if n.BUID != nil {
		if buid, err := n.BUID(); err == nil {
			return buid
		}
	}
	if conn, err := usb.NewConnWithDialer(n.Dial); err == nil {
		defer conn.Close()
		if buid, err := conn.ReadBUID(); err == nil {
			return buid
		}
	}
	return strings.ToUpper(uuid.NewString())
}

// Session is an authenticated (or trust-pending) lockdownd control channel
// to one device. Requests on it are serialized.
type Session struct {
	mu        sync.Mutex
	n         *Negotiator
	udid      string
	client    *Client
	record    *usb.PairRecord
	sessionID string
	state     State
}

// OpenSession connects to udid and authenticates with its stored pair record.
// A device without a usable record yields a session in AwaitingTrust.
func (n *Negotiator) OpenSession(ctx context.Context, udid string) (*Session, error) {
	s := &Session{n: n, udid: udid}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	record, err := n.Store.Load(udid)
	if err != nil {
		if errors.Is(err, usb.ErrNoPairRecord) {
			log.WithField("udid", udid).Debug("no pair record, waiting for trust")
			s.state = AwaitingTrust
			return s, nil
		}
		s.Close()
		return nil, fmt.Errorf("failed to load pair record for %s: %w", udid, err)
	}

	if err := s.handshake(ctx, record); err != nil {
		if !errors.Is(err, usb.ErrInvalidPairingRecord) {
			s.Close()
			return nil, err
		}
		log.WithFields(log.Fields{"udid": udid, "err": err}).Warn("device rejected stored pair record, dropping it")
		if err := n.Store.Delete(udid); err != nil && !errors.Is(err, usb.ErrNoPairRecord) {
			log.WithError(err).Debug("failed to delete stale pair record")
		}
		s.client.Close()
		if err := s.connect(ctx); err != nil {
			return nil, err
		}
		s.state = AwaitingTrust
	}

	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	s.state = Connecting
	client, err := NewClient(s.n.Dial, s.udid)
	if err != nil {
		s.state = Disconnected
		return err
	}
	s.client = client
	s.record = nil
	s.sessionID = ""
	s.state = Unauthenticated

	typ, err := client.QueryType(ctx)
	if err != nil {
		client.Close()
		s.state = Disconnected
		return fmt.Errorf("lockdownd QueryType failed: %w", err)
	}
	if typ != lockdownType {
		log.WithField("type", typ).Warn("unexpected lockdownd service type")
	}
	return nil
}

func (s *Session) handshake(ctx context.Context, record *usb.PairRecord) error {
	id, err := s.client.StartSession(ctx, record)
	if err != nil {
		return err
	}
	s.record = record
	s.sessionID = id
	s.state = Trusted

	if _, err := s.client.GetValue(ctx, "", "ProductVersion"); err != nil {
		log.WithError(err).Debug("session probe failed")
		return nil
	}
	s.state = ServiceReady
	return nil
}

// Pair asks the device to trust this host and blocks until the user answers,
// PairTimeout passes or ctx is done.
func (s *Session) Pair(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != AwaitingTrust {
		return fmt.Errorf("%w: cannot pair from %s", ErrInvalidState, s.state)
	}

	pub, err := s.client.GetValue(ctx, "", "DevicePublicKey")
	if err != nil {
		return fmt.Errorf("failed to read device public key: %w", err)
	}
	pubPEM, ok := pub.([]byte)
	if !ok {
		return fmt.Errorf("unexpected DevicePublicKey type %T", pub)
	}
	record, err := NewPairRecord(pubPEM, s.n.systemBUID())
	if err != nil {
		return err
	}

	timeout := s.n.PairTimeout
	if timeout <= 0 {
		timeout = DefaultPairTimeout
	}
	interval := s.n.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for prompted := false; ; {
		escrow, err := s.client.Pair(pctx, record)
		if err == nil {
			record.EscrowBag = escrow
			break
		}
		switch {
		case errors.Is(err, usb.ErrPairingPending):
			if !prompted {
				log.WithField("udid", s.udid).Info("waiting for the user to tap \"Trust\" on the device")
				prompted = true
			}
			select {
			case <-pctx.Done():
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: no answer within %s", usb.ErrPairingPending, timeout)
			case <-time.After(interval):
			}
		case errors.Is(err, usb.ErrPairingDenied):
			s.state = Rejected
			return err
		case ctx.Err() != nil:
			s.resync(ctx)
			return ctx.Err()
		case pctx.Err() != nil, errors.Is(err, os.ErrDeadlineExceeded):
			// the request was cut off mid-exchange; its reply may still be on the wire
			s.resync(ctx)
			return fmt.Errorf("%w: no answer within %s", usb.ErrPairingPending, timeout)
		default:
			return err
		}
	}

	if err := s.n.Store.Save(s.udid, record); err != nil {
		return fmt.Errorf("failed to save pair record for %s: %w", s.udid, err)
	}
	log.WithField("udid", s.udid).Info("paired")

	return s.handshake(ctx, record)
}

// resync replaces the control channel after an aborted request and leaves
// the session waiting for trust again.
func (s *Session) resync(ctx context.Context) {
	s.client.Close()
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resyncTimeout)
	defer cancel()
	if err := s.connect(rctx); err != nil {
		log.WithError(err).WithField("udid", s.udid).Debug("failed to reconnect to lockdownd")
		return
	}
	s.state = AwaitingTrust
}

// Unpair removes this host from the device's trusted list and drops the stored record.
func (s *Session) Unpair(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.record
	if record == nil {
		loaded, err := s.n.Store.Load(s.udid)
		if err != nil {
			return err
		}
		record = loaded
	}
	if err := s.client.Unpair(ctx, record); err != nil {
		log.WithError(err).Debug("device side unpair failed")
	}
	if err := s.n.Store.Delete(s.udid); err != nil && !errors.Is(err, usb.ErrNoPairRecord) {
		return err
	}

	s.client.Close()
	if err := s.connect(ctx); err != nil {
		return err
	}
	s.state = AwaitingTrust
	return nil
}

// QueryProperty reads key from domain ("" for the root domain).
func (s *Session) QueryProperty(ctx context.Context, domain, key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, fmt.Errorf("%w: session is closed", ErrInvalidState)
	}
	return s.client.GetValue(ctx, domain, key)
}

// StringProperty returns the property as a string, or def when it cannot be read.
func (s *Session) StringProperty(ctx context.Context, domain, key, def string) string {
	v, err := s.QueryProperty(ctx, domain, key)
	if err != nil {
		log.WithFields(log.Fields{"domain": domain, "key": key, "err": err}).Debug("property unavailable")
		return def
	}
	switch val := v.(type) {
	case string:
		if val != "" {
			return val
		}
	case bool, uint64, int64, float64:
		return fmt.Sprint(val)
	}
	return def
}

// IntProperty returns the property as an integer and whether it could be read.
func (s *Session) IntProperty(ctx context.Context, domain, key string) (int, bool) {
	v, err := s.QueryProperty(ctx, domain, key)
	if err != nil {
		return 0, false
	}
	switch val := v.(type) {
	case uint64:
		return int(val), true
	case int64:
		return int(val), true
	case float64:
		return int(val), true
	}
	return 0, false
}

func (s *Session) GetValues(ctx context.Context) (*DeviceValues, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, fmt.Errorf("%w: session is closed", ErrInvalidState)
	}
	return s.client.GetValues(ctx)
}

// ServiceHandle is a channel to a device service started through lockdownd.
type ServiceHandle struct {
	Name   string
	Port   int
	SSL    bool
	Client *usb.Client
}

func (h *ServiceHandle) Read(p []byte) (int, error) {
	return h.Client.Conn().Read(p)
}

func (h *ServiceHandle) Write(p []byte) (int, error) {
	return h.Client.Conn().Write(p)
}

func (h *ServiceHandle) Close() error {
	return h.Client.Close()
}

// StartService starts name on the device and connects to it.
func (s *Session) StartService(ctx context.Context, name string) (*ServiceHandle, error) {
	s.mu.Lock()
	if !s.state.Paired() {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot start %s from %s", ErrInvalidState, name, state)
	}
	record := s.record
	resp, err := s.client.StartService(ctx, name, nil)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, usb.ErrDeviceLocked) || errors.Is(err, usb.ErrServiceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", usb.ErrServiceUnavailable, name, err)
	}

	cli, err := usb.NewClient(s.n.Dial, s.udid, resp.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to service %s on port %d: %w", name, resp.Port, err)
	}
	if resp.EnableServiceSSL {
		if err := cli.EnableSSL(record); err != nil {
			cli.Close()
			return nil, fmt.Errorf("%w: failed to enable SSL for service %s: %w", usb.ErrServiceUnavailable, name, err)
		}
	}
	log.WithFields(log.Fields{"service": name, "port": resp.Port}).Debug("service started")

	return &ServiceHandle{
		Name:   name,
		Port:   resp.Port,
		SSL:    resp.EnableServiceSSL,
		Client: cli,
	}, nil
}

func (s *Session) UDID() string {
	return s.udid
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close stops the session and hangs up. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	if s.sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.client.StopSession(ctx, s.sessionID); err != nil {
			log.WithError(err).Debug("StopSession failed")
		}
		cancel()
	}
	err := s.client.Close()
	s.client = nil
	s.state = Disconnected
	return err
}
