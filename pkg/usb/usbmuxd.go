package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"

	"github.com/blacktop/go-plist"
	"github.com/fatih/color"
)

const (
	ProgName            = "camroll"
	BundleID            = "io.blacktop.camroll"
	ClientVersionString = "camroll-usbmux-0.1.0"

	libUSBMuxVersion = 3
)

var colorFaint = color.New(color.Faint, color.FgHiBlue).SprintFunc()
var colorBold = color.New(color.Bold).SprintFunc()

// Dialer opens a new connection to usbmuxd.
type Dialer func() (net.Conn, error)

// DefaultDialer dials the platform usbmuxd socket (or USBMUXD_SOCKET_ADDRESS).
var DefaultDialer Dialer = usbmuxdDial

type Header struct {
	Length      uint32
	Version     uint32
	MessageType uint32
	Tag         uint32
}

var HeaderSize = uint32(binary.Size(Header{}))

// Conn is a usbmuxd control connection. After a successful Dial it becomes a
// raw byte stream to the requested device port.
type Conn struct {
	net.Conn
	tag uint32
}

func NewConn() (*Conn, error) {
	return NewConnWithDialer(DefaultDialer)
}

func NewConnWithDialer(dial Dialer) (*Conn, error) {
	if dial == nil {
		dial = DefaultDialer
	}
	conn, err := dial()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	return &Conn{Conn: conn}, nil
}

type ResultValue int

const (
	ResultValueOK ResultValue = iota
	ResultValueBadCommand
	ResultValueBadDevice
	ResultValueConnectionRefused
	ResultValueConnectionUnknown1
	ResultValueConnectionUnknown2
	ResultValueBadVersion
)

type connectMessage struct {
	BundleID            string
	ClientVersionString string
	MessageType         string
	ProgName            string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
	DeviceID            uint32
	PortNumber          uint16
}

type resultResponse struct {
	MessageType string
	Number      ResultValue
}

// Dial turns c into a channel to port on the device with the given usbmuxd id.
func (c *Conn) Dial(deviceID, port int) error {
	req := &connectMessage{
		BundleID:            BundleID,
		ClientVersionString: ClientVersionString,
		MessageType:         "Connect",
		ProgName:            ProgName,
		LibUSBMuxVersion:    libUSBMuxVersion,
		DeviceID:            uint32(deviceID),
		PortNumber:          htons(uint16(port)),
	}
	var resp resultResponse
	if err := c.Request(req, &resp); err != nil {
		return err
	}

	switch resp.Number {
	case ResultValueOK:
		return nil
	case ResultValueBadDevice:
		return fmt.Errorf("%w: usbmuxd device id %d", ErrDeviceNotFound, deviceID)
	case ResultValueConnectionRefused:
		return fmt.Errorf("%w: port %d: %w", ErrServiceUnavailable, port, syscall.ECONNREFUSED)
	default:
		return fmt.Errorf("usbmuxd connect to port %d failed with result %d", port, resp.Number)
	}
}

// Connect looks udid up in a fresh device listing and dials port on it.
func (c *Conn) Connect(udid string, port int) (*DeviceAttachment, error) {
	devices, err := c.ListDevices()
	if err != nil {
		return nil, err
	}
	for _, device := range devices {
		if device.Identity() == udid {
			if err := c.Dial(device.DeviceID, port); err != nil {
				return nil, err
			}
			return device, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, udid)
}

// Connect opens a fresh usbmuxd connection and turns it into a channel to port on udid.
func Connect(dial Dialer, udid string, port int) (net.Conn, error) {
	conn, err := NewConnWithDialer(dial)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Connect(udid, port); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

type listDevicesRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
	BundleID            string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
}

type listDevicesResponse struct {
	DeviceList []*DeviceAttached
}

type DeviceAttached struct {
	MessageType string
	DeviceID    int
	Properties  *DeviceAttachment
}

type DeviceAttachment struct {
	ConnectionSpeed int
	ConnectionType  string
	DeviceID        int
	LocationID      int
	ProductID       int
	SerialNumber    string
	UDID            string
	USBSerialNumber string
}

// Identity returns the device UDID. Older usbmuxd builds only report it as SerialNumber.
func (d DeviceAttachment) Identity() string {
	if d.UDID != "" {
		return d.UDID
	}
	return d.SerialNumber
}

func (d DeviceAttachment) String() string {
	return fmt.Sprintf(
		colorFaint("DeviceID: ")+colorBold("%d\n")+
			colorFaint("    ConnectionType:  ")+colorBold("%s\n")+
			colorFaint("    ConnectionSpeed: ")+colorBold("%d\n")+
			colorFaint("    ProductID:       ")+colorBold("%#x\n")+
			colorFaint("    LocationID:      ")+colorBold("%d\n")+
			colorFaint("    UDID:            ")+colorBold("%s\n"),
		d.DeviceID,
		d.ConnectionType,
		d.ConnectionSpeed,
		d.ProductID,
		d.LocationID,
		d.Identity(),
	)
}

func (c *Conn) ListDevices() ([]*DeviceAttachment, error) {
	req := &listDevicesRequest{
		MessageType:         "ListDevices",
		ProgName:            ProgName,
		ClientVersionString: ClientVersionString,
		BundleID:            BundleID,
		LibUSBMuxVersion:    libUSBMuxVersion,
	}
	var resp listDevicesResponse
	if err := c.Request(req, &resp); err != nil {
		return nil, err
	}

	devices := make([]*DeviceAttachment, 0, len(resp.DeviceList))
	for _, device := range resp.DeviceList {
		if device == nil || device.Properties == nil {
			continue
		}
		if device.Properties.DeviceID == 0 {
			device.Properties.DeviceID = device.DeviceID
		}
		devices = append(devices, device.Properties)
	}

	return devices, nil
}

// ListDevices opens a short-lived usbmuxd connection and returns a snapshot of attached devices.
func ListDevices(dial Dialer) ([]*DeviceAttachment, error) {
	conn, err := NewConnWithDialer(dial)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.ListDevices()
}

type PairRecord struct {
	DeviceCertificate []byte
	EscrowBag         []byte `plist:"EscrowBag,omitempty"`
	HostCertificate   []byte
	HostID            string
	HostPrivateKey    []byte
	RootCertificate   []byte
	RootPrivateKey    []byte
	SystemBUID        string
	WiFiMACAddress    string `plist:"WiFiMACAddress,omitempty"`
}

type pairRecordRequest struct {
	BundleID            string
	ClientVersionString string
	ProgName            string
	MessageType         string
	PairRecordID        string `plist:"PairRecordID"`
	PairRecordData      []byte `plist:"PairRecordData,omitempty"`
	DeviceID            int    `plist:"DeviceID,omitempty"`
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
}

type readPairRecordResponse struct {
	MessageType    string
	Number         ResultValue
	PairRecordData []byte
}

func (c *Conn) ReadPairRecord(udid string) (*PairRecord, error) {
	req := &pairRecordRequest{
		BundleID:            BundleID,
		MessageType:         "ReadPairRecord",
		ClientVersionString: ClientVersionString,
		ProgName:            ProgName,
		PairRecordID:        udid,
		LibUSBMuxVersion:    libUSBMuxVersion,
	}
	var resp readPairRecordResponse
	if err := c.Request(req, &resp); err != nil {
		return nil, err
	}
	if len(resp.PairRecordData) == 0 {
		return nil, fmt.Errorf("%w for %s (usbmuxd result %d)", ErrNoPairRecord, udid, resp.Number)
	}

	var record PairRecord
	if _, err := plist.Unmarshal(resp.PairRecordData, &record); err != nil {
		return nil, fmt.Errorf("failed to decode pair record for %s: %w", udid, err)
	}

	return &record, nil
}

func (c *Conn) SavePairRecord(udid string, deviceID int, record *PairRecord) error {
	data, err := plist.Marshal(record, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("failed to encode pair record for %s: %w", udid, err)
	}
	req := &pairRecordRequest{
		BundleID:            BundleID,
		MessageType:         "SavePairRecord",
		ClientVersionString: ClientVersionString,
		ProgName:            ProgName,
		PairRecordID:        udid,
		PairRecordData:      data,
		DeviceID:            deviceID,
		LibUSBMuxVersion:    libUSBMuxVersion,
	}
	var resp resultResponse
	if err := c.Request(req, &resp); err != nil {
		return err
	}
	if resp.Number != ResultValueOK {
		return fmt.Errorf("usbmuxd refused to save pair record for %s: result %d", udid, resp.Number)
	}
	return nil
}

func (c *Conn) DeletePairRecord(udid string) error {
	req := &pairRecordRequest{
		BundleID:            BundleID,
		MessageType:         "DeletePairRecord",
		ClientVersionString: ClientVersionString,
		ProgName:            ProgName,
		PairRecordID:        udid,
		LibUSBMuxVersion:    libUSBMuxVersion,
	}
	var resp resultResponse
	if err := c.Request(req, &resp); err != nil {
		return err
	}
	if resp.Number != ResultValueOK {
		return fmt.Errorf("%w for %s (usbmuxd result %d)", ErrNoPairRecord, udid, resp.Number)
	}
	return nil
}

type readBUIDRequest struct {
	BundleID            string
	ClientVersionString string
	ProgName            string
	MessageType         string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
}

// ReadBUID returns the host's system BUID used in pair records.
func (c *Conn) ReadBUID() (string, error) {
	req := &readBUIDRequest{
		BundleID:            BundleID,
		ClientVersionString: ClientVersionString,
		ProgName:            ProgName,
		MessageType:         "ReadBUID",
		LibUSBMuxVersion:    libUSBMuxVersion,
	}
	var resp struct {
		BUID string `plist:"BUID"`
	}
	if err := c.Request(req, &resp); err != nil {
		return "", err
	}
	if resp.BUID == "" {
		return "", errors.New("usbmuxd returned an empty BUID")
	}
	return resp.BUID, nil
}

func (c *Conn) Request(req, resp any) error {
	if err := c.Send(req); err != nil {
		return err
	}

	return c.Recv(resp)
}

func (c *Conn) Send(msg any) error {
	data, err := plist.Marshal(msg, plist.XMLFormat)
	if err != nil {
		return err
	}

	hdr := &Header{
		Length:      uint32(len(data)) + HeaderSize,
		Version:     1,
		MessageType: 8, // plist
		Tag:         atomic.AddUint32(&c.tag, 1),
	}
	if err := binary.Write(c, binary.LittleEndian, hdr); err != nil {
		return err
	}

	return binary.Write(c, binary.LittleEndian, data)
}

func (c *Conn) Recv(msg any) error {
	var hdr Header
	if err := binary.Read(c, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if hdr.Length < HeaderSize {
		return fmt.Errorf("invalid usbmuxd packet length %d", hdr.Length)
	}

	data := make([]byte, hdr.Length-HeaderSize)
	if _, err := io.ReadFull(c, data); err != nil {
		return err
	}

	if _, err := plist.Unmarshal(data, msg); err != nil {
		return err
	}

	return nil
}

func htons(v uint16) uint16 {
	return (v << 8 & 0xFF00) | (v >> 8 & 0xFF)
}
