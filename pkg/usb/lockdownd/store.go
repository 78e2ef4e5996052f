package lockdownd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/apex/log"
	"github.com/blacktop/camroll/pkg/usb"
	"github.com/blacktop/go-plist"
)

// PairRecordStore persists pair records keyed by device UDID.
type PairRecordStore interface {
	// Load returns usb.ErrNoPairRecord when nothing is stored for udid.
	Load(udid string) (*usb.PairRecord, error)
	Save(udid string, record *usb.PairRecord) error
	Delete(udid string) error
}

// NewStore returns the pair record store named kind ("usbmuxd" or "file").
func NewStore(kind, dir string, dial usb.Dialer) (PairRecordStore, error) {
	switch kind {
	case "", "usbmuxd":
		return &MuxStore{Dial: dial}, nil
	case "file":
		return NewFileStore(dir), nil
	}
	return nil, fmt.Errorf("unknown pair record store %q (expected usbmuxd or file)", kind)
}

// MuxStore keeps pair records in usbmuxd's own database.
type MuxStore struct {
	Dial usb.Dialer
}

func (s *MuxStore) Load(udid string) (*usb.PairRecord, error) {
	conn, err := usb.NewConnWithDialer(s.Dial)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.ReadPairRecord(udid)
}

func (s *MuxStore) Save(udid string, record *usb.PairRecord) error {
	conn, err := usb.NewConnWithDialer(s.Dial)
	if err != nil {
		return err
	}
	defer conn.Close()

	devices, err := conn.ListDevices()
	if err != nil {
		return err
	}
	for _, device := range devices {
		if device.Identity() == udid {
			return conn.SavePairRecord(udid, device.DeviceID, record)
		}
	}
	return fmt.Errorf("%w: %s", usb.ErrDeviceNotFound, udid)
}

func (s *MuxStore) Delete(udid string) error {
	conn, err := usb.NewConnWithDialer(s.Dial)
	if err != nil {
		return err
	}
	defer conn.Close()

	return conn.DeletePairRecord(udid)
}

// FileStore keeps one <UDID>.plist per device in Dir, in the same XML
// format usbmuxd and iTunes use.
type FileStore struct {
	Dir string
}

// NewFileStore returns a store rooted at dir, or at DefaultRecordDir when dir is empty.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = DefaultRecordDir()
	}
	return &FileStore{Dir: dir}
}

// DefaultRecordDir is the system lockdown directory for the current OS.
func DefaultRecordDir() string {
	switch runtime.GOOS {
	case "darwin":
		return "/var/db/lockdown"
	case "windows":
		programData := os.Getenv("ProgramData")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "Apple", "Lockdown")
	default:
		return "/var/lib/lockdown"
	}
}

func (s *FileStore) path(udid string) string {
	return filepath.Join(s.Dir, udid+".plist")
}

func (s *FileStore) Load(udid string) (*usb.PairRecord, error) {
	data, err := os.ReadFile(s.path(udid))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w for %s", usb.ErrNoPairRecord, udid)
		}
		return nil, err
	}
	var record usb.PairRecord
	if _, err := plist.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode pair record %s: %w", s.path(udid), err)
	}
	return &record, nil
}

func (s *FileStore) Save(udid string, record *usb.PairRecord) error {
	data, err := plist.Marshal(record, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("failed to encode pair record: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create pair record directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, udid+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		log.WithError(err).Debug("failed to restrict pair record permissions")
	}

	return os.Rename(tmp.Name(), s.path(udid))
}

func (s *FileStore) Delete(udid string) error {
	if err := os.Remove(s.path(udid)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w for %s", usb.ErrNoPairRecord, udid)
		}
		return err
	}
	return nil
}
