// Package afc implements a read-only Apple File Conduit client.
package afc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"reflect"
	"strings"
	"sync"

	"github.com/blacktop/camroll/pkg/usb"
	"github.com/blacktop/camroll/pkg/usb/lockdownd"
)

const (
	// ServiceName is the lockdownd service for the media partition (/var/mobile/Media).
	ServiceName = "com.apple.afc"
	headerSize  = 40

	afcESuccess             = 0
	afcEUnknownError        = 1
	afcEOpHeaderInvalid     = 2
	afcENoResources         = 3
	afcEReadError           = 4
	afcEWriteError          = 5
	afcEUnknownPacketType   = 6
	afcEInvalidArg          = 7
	afcEObjectNotFound      = 8
	afcEObjectIsDir         = 9
	afcEPermDenied          = 10
	afcEServiceNotConnected = 11
	afcEOpTimeout           = 12
	afcETooMuchData         = 13
	afcEEndOfData           = 14
	afcEOpNotSupported      = 15
	afcEObjectExists        = 16
	afcEObjectBusy          = 17
	afcENoSpaceLeft         = 18
	afcEOpWouldBlock        = 19
	afcEIoError             = 20
	afcEOpInterrupted       = 21
	afcEOpInProgress        = 22
	afcEInternalError       = 23

	afcFOpenRdonly = 0x00000001 /* O_RDONLY */

	afcMagic = "CFA6LPAA"

	maxPayload = 64 << 20
)

var ErrPermissionDenied = fmt.Errorf("afc: %w", fs.ErrPermission)

var (
	errorsToErrors = map[uint64]error{
		afcEUnknownError:        errors.New("unknown error"),
		afcEOpHeaderInvalid:     errors.New("invalid operation header"),
		afcENoResources:         errors.New("no resources"),
		afcEReadError:           errors.New("read error"),
		afcEWriteError:          errors.New("write error"),
		afcEUnknownPacketType:   errors.New("unknown packet type"),
		afcEInvalidArg:          errors.New("invalid argument"),
		afcEObjectNotFound:      usb.ErrFileNotFound,
		afcEObjectIsDir:         errors.New("object is a directory"),
		afcEPermDenied:          ErrPermissionDenied,
		afcEServiceNotConnected: errors.New("service not connected"),
		afcEOpTimeout:           errors.New("operation timeout"),
		afcETooMuchData:         errors.New("too much data"),
		afcEEndOfData:           io.EOF,
		afcEOpNotSupported:      errors.New("operation not supported"),
		afcEObjectExists:        errors.New("object exists"),
		afcEObjectBusy:          errors.New("object busy"),
		afcENoSpaceLeft:         errors.New("no space left"),
		afcEOpWouldBlock:        errors.New("operation would block"),
		afcEIoError:             errors.New("io error"),
		afcEOpInterrupted:       errors.New("operation interrupted"),
		afcEOpInProgress:        errors.New("operation in progress"),
		afcEInternalError:       errors.New("internal error"),
	}
)

func statusError(code uint64) error {
	if code == afcESuccess {
		return nil
	}
	if err, ok := errorsToErrors[code]; ok {
		return err
	}
	return fmt.Errorf("afc status %d", code)
}

// Client is an AFC connection. Only one request may be outstanding at a time;
// the mutex keeps a request and its reply together but callers still own the
// ordering of whole operations.
type Client struct {
	mu        sync.Mutex
	rw        io.ReadWriteCloser
	packetNum uint64
}

type Header struct {
	Magic        [8]byte
	EntireLength uint64
	ThisLength   uint64
	PacketNum    uint64
	Operation    uint64
}

// NewClient speaks AFC over rw, normally a *lockdownd.ServiceHandle.
func NewClient(rw io.ReadWriteCloser) *Client {
	return &Client{rw: rw}
}

// NewClientForSession starts the AFC service on s and connects to it.
func NewClientForSession(ctx context.Context, s *lockdownd.Session) (*Client, error) {
	h, err := s.StartService(ctx, ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", ServiceName, err)
	}
	return NewClient(h), nil
}

func encodeArgs(args ...any) []byte {
	ret := make([]byte, 0)
	for _, arg := range args {
		switch v := arg.(type) {
		case uint64:
			b := make([]byte, 8)
			binary.LittleEndian.PutUint64(b, v)
			ret = append(ret, b...)
		case string:
			ret = append(ret, []byte(v)...)
			ret = append(ret, 0)
		default:
			panic(fmt.Errorf("invalid argument type %v", reflect.TypeOf(v)))
		}
	}
	return ret
}

func decodeStringList(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	ret := strings.Split(string(data), "\x00")
	if ret[len(ret)-1] == "" {
		ret = ret[:len(ret)-1]
	}
	return ret
}

func listToDict(kv []string) (map[string]string, error) {
	if len(kv)%2 != 0 {
		return nil, fmt.Errorf("afc key/value list has odd length %d", len(kv))
	}
	ret := map[string]string{}
	for i := 0; i < len(kv); i += 2 {
		ret[kv[i]] = kv[i+1]
	}
	return ret, nil
}

type response struct {
	operation   uint64
	payloadSize uint64
	data        []byte
	payload     []byte
}

func (c *Client) request(operation int, args ...any) (*response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendRequest(operation, args...); err != nil {
		return nil, err
	}
	return c.recvResponse(nil)
}

func (c *Client) requestStringList(operation int, args ...any) ([]string, error) {
	resp, err := c.request(operation, args...)
	if err != nil {
		return nil, err
	}
	return decodeStringList(resp.payload), nil
}

func (c *Client) sendRequest(operation int, args ...any) error {
	argsData := encodeArgs(args...)
	hdr := &Header{
		EntireLength: headerSize + uint64(len(argsData)),
		ThisLength:   headerSize + uint64(len(argsData)),
		PacketNum:    c.packetNum,
		Operation:    uint64(operation),
	}
	c.packetNum++
	copy(hdr.Magic[:], afcMagic)

	buf := make([]byte, 0, headerSize+len(argsData))
	buf, _ = binary.Append(buf, binary.LittleEndian, hdr)
	buf = append(buf, argsData...)
	_, err := c.rw.Write(buf)
	return err
}

// recvResponse reads one reply. When into is non-nil the payload is read
// into it instead of a fresh buffer.
func (c *Client) recvResponse(into []byte) (*response, error) {
	hdr := &Header{}
	if err := binary.Read(c.rw, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	if string(hdr.Magic[:]) != afcMagic {
		return nil, fmt.Errorf("invalid afc magic %q", hdr.Magic[:])
	}
	if hdr.ThisLength < headerSize || hdr.EntireLength < hdr.ThisLength {
		return nil, fmt.Errorf("invalid afc packet lengths %d/%d", hdr.ThisLength, hdr.EntireLength)
	}

	resp := &response{
		operation:   hdr.Operation,
		payloadSize: hdr.EntireLength - hdr.ThisLength,
	}
	if n := hdr.ThisLength - headerSize; n > 0 {
		resp.data = make([]byte, n)
		if _, err := io.ReadFull(c.rw, resp.data); err != nil {
			return nil, err
		}
	}
	if resp.payloadSize > 0 {
		switch {
		case into != nil && resp.payloadSize <= uint64(len(into)):
			resp.payload = into[:resp.payloadSize]
		case into != nil:
			return nil, fmt.Errorf("buffer is %d, needs %d", len(into), resp.payloadSize)
		case resp.payloadSize > maxPayload:
			return nil, fmt.Errorf("afc payload of %d bytes exceeds limit", resp.payloadSize)
		default:
			resp.payload = make([]byte, resp.payloadSize)
		}
		if _, err := io.ReadFull(c.rw, resp.payload); err != nil {
			return nil, err
		}
	}

	if hdr.Operation == afcOpStatus {
		if len(resp.data) < 8 {
			return nil, errors.New("short afc status packet")
		}
		if err := statusError(binary.LittleEndian.Uint64(resp.data)); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

func (c *Client) Close() error {
	return c.rw.Close()
}
