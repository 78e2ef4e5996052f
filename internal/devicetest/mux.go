// Package devicetest provides in-memory usbmuxd, lockdownd and AFC servers
// for exercising the device stack without hardware.
package devicetest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/blacktop/camroll/pkg/usb"
	"github.com/blacktop/go-plist"
)

// Handler serves one raw device channel after usbmuxd accepted a Connect.
type Handler func(conn net.Conn)

type handlerKey struct {
	udid string
	port int
}

// Mux is a fake usbmuxd. Its Dial method satisfies usb.Dialer.
type Mux struct {
	mu       sync.Mutex
	devices  []*usb.DeviceAttachment
	records  map[string][]byte
	buid     string
	handlers map[handlerKey]Handler
	down     bool
	nextID   int
}

func NewMux() *Mux {
	return &Mux{
		records:  make(map[string][]byte),
		handlers: make(map[handlerKey]Handler),
		buid:     "00000000-1111-2222-3333-444444444444",
		nextID:   1,
	}
}

// Attach plugs in a device. A zero DeviceID is assigned automatically.
func (m *Mux) Attach(att *usb.DeviceAttachment) *usb.DeviceAttachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if att.DeviceID == 0 {
		att.DeviceID = m.nextID
		m.nextID++
	}
	if att.ConnectionType == "" {
		att.ConnectionType = "USB"
	}
	m.devices = append(m.devices, att)
	return att
}

// Detach unplugs every attachment with the given UDID.
func (m *Mux) Detach(udid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.devices[:0]
	for _, d := range m.devices {
		if d.Identity() != udid {
			kept = append(kept, d)
		}
	}
	m.devices = kept
}

// Handle registers the server for a device port.
func (m *Mux) Handle(udid string, port int, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[handlerKey{udid, port}] = h
}

// SetDown makes every Dial fail as if usbmuxd was not installed.
func (m *Mux) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *Mux) SetPairRecord(udid string, record *usb.PairRecord) error {
	data, err := plist.Marshal(record, plist.XMLFormat)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[udid] = data
	return nil
}

// PairRecord returns the stored record for udid, if any.
func (m *Mux) PairRecord(udid string) (*usb.PairRecord, bool) {
	m.mu.Lock()
	data, ok := m.records[udid]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	var record usb.PairRecord
	if _, err := plist.Unmarshal(data, &record); err != nil {
		return nil, false
	}
	return &record, true
}

func (m *Mux) Dial() (net.Conn, error) {
	m.mu.Lock()
	down := m.down
	m.mu.Unlock()
	if down {
		return nil, &net.OpError{Op: "dial", Net: "unix", Err: errors.New("connect: no such file or directory")}
	}
	client, server := net.Pipe()
	go m.serve(server)
	return client, nil
}

func (m *Mux) serve(conn net.Conn) {
	for {
		msg, tag, err := readMuxMessage(conn)
		if err != nil {
			conn.Close()
			return
		}
		switch msg["MessageType"] {
		case "ListDevices":
			m.mu.Lock()
			list := make([]*usb.DeviceAttached, 0, len(m.devices))
			for _, d := range m.devices {
				cp := *d
				list = append(list, &usb.DeviceAttached{MessageType: "Attached", DeviceID: d.DeviceID, Properties: &cp})
			}
			m.mu.Unlock()
			writeMuxMessage(conn, tag, map[string]any{"DeviceList": list})
		case "ReadBUID":
			writeMuxMessage(conn, tag, map[string]any{"BUID": m.buid})
		case "ReadPairRecord":
			m.mu.Lock()
			data, ok := m.records[fmt.Sprint(msg["PairRecordID"])]
			m.mu.Unlock()
			if !ok {
				writeMuxMessage(conn, tag, result(usb.ResultValueBadDevice))
				continue
			}
			writeMuxMessage(conn, tag, map[string]any{"PairRecordData": data})
		case "SavePairRecord":
			data, _ := msg["PairRecordData"].([]byte)
			m.mu.Lock()
			m.records[fmt.Sprint(msg["PairRecordID"])] = data
			m.mu.Unlock()
			writeMuxMessage(conn, tag, result(usb.ResultValueOK))
		case "DeletePairRecord":
			id := fmt.Sprint(msg["PairRecordID"])
			m.mu.Lock()
			_, ok := m.records[id]
			delete(m.records, id)
			m.mu.Unlock()
			if ok {
				writeMuxMessage(conn, tag, result(usb.ResultValueOK))
			} else {
				writeMuxMessage(conn, tag, result(usb.ResultValueBadDevice))
			}
		case "Connect":
			h, rv := m.route(toInt(msg["DeviceID"]), ntohs(toInt(msg["PortNumber"])))
			writeMuxMessage(conn, tag, result(rv))
			if rv == usb.ResultValueOK {
				h(conn)
				conn.Close()
				return
			}
		default:
			writeMuxMessage(conn, tag, result(usb.ResultValueBadCommand))
		}
	}
}

func (m *Mux) route(deviceID, port int) (Handler, usb.ResultValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.DeviceID != deviceID {
			continue
		}
		h, ok := m.handlers[handlerKey{d.Identity(), port}]
		if !ok {
			return nil, usb.ResultValueConnectionRefused
		}
		return h, usb.ResultValueOK
	}
	return nil, usb.ResultValueBadDevice
}

func result(rv usb.ResultValue) map[string]any {
	return map[string]any{"MessageType": "Result", "Number": int(rv)}
}

func readMuxMessage(r io.Reader) (map[string]any, uint32, error) {
	var hdr usb.Header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, 0, err
	}
	data := make([]byte, hdr.Length-usb.HeaderSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, 0, err
	}
	msg := map[string]any{}
	if _, err := plist.Unmarshal(data, &msg); err != nil {
		return nil, 0, err
	}
	return msg, hdr.Tag, nil
}

func writeMuxMessage(w io.Writer, tag uint32, msg any) error {
	data, err := plist.Marshal(msg, plist.XMLFormat)
	if err != nil {
		return err
	}
	hdr := usb.Header{Length: usb.HeaderSize + uint32(len(data)), Version: 1, MessageType: 8, Tag: tag}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func ntohs(v int) int {
	u := uint16(v)
	return int((u << 8 & 0xFF00) | (u >> 8 & 0xFF))
}

func toInt(v any) int {
	switch n := v.(type) {
	case uint64:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	case uint32:
		return int(n)
	case int32:
		return int(n)
	case uint16:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
