package usb

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/blacktop/go-plist"
)

const maxMessageSize = 64 << 20

// Client is a channel to one device port that speaks length-prefixed plists.
type Client struct {
	tlsConn  *tls.Conn
	conn     net.Conn
	udid     string
	deviceID int
}

// NewClient dials port on the device identified by udid through usbmuxd.
func NewClient(dial Dialer, udid string, port int) (*Client, error) {
	conn, err := NewConnWithDialer(dial)
	if err != nil {
		return nil, err
	}

	device, err := conn.Connect(udid, port)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Client{
		conn:     conn,
		udid:     udid,
		deviceID: device.DeviceID,
	}, nil
}

// EnableSSL upgrades the channel to TLS using the host identity from record.
func (c *Client) EnableSSL(record *PairRecord) error {
	if record == nil {
		return fmt.Errorf("%w: no pair record to enable SSL with", ErrInvalidPairingRecord)
	}
	cert, err := tls.X509KeyPair(record.HostCertificate, record.HostPrivateKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPairingRecord, err)
	}

	c.tlsConn = tls.Client(c.conn, &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
	})
	if err := c.tlsConn.Handshake(); err != nil {
		c.tlsConn = nil
		return err
	}

	return nil
}

func (c *Client) DisableSSL() {
	c.tlsConn = nil
}

func (c *Client) SSL() bool {
	return c.tlsConn != nil
}

func (c *Client) Request(req, resp any) error {
	if err := c.Send(req); err != nil {
		return err
	}

	return c.Recv(resp)
}

// RequestContext is Request bounded by the ctx deadline.
func (c *Client) RequestContext(ctx context.Context, req, resp any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.Conn().SetDeadline(deadline); err != nil {
			return err
		}
		defer c.Conn().SetDeadline(time.Time{})
	}
	return c.Request(req, resp)
}

func (c *Client) Send(req any) error {
	data, err := plist.Marshal(req, plist.XMLFormat)
	if err != nil {
		return err
	}

	if err := binary.Write(c.Conn(), binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}

	_, err = c.Conn().Write(data)
	return err
}

func (c *Client) Recv(resp any) error {
	data, err := c.RecvBytes()
	if err != nil {
		return err
	}

	if _, err := plist.Unmarshal(data, resp); err != nil {
		return err
	}

	return nil
}

func (c *Client) RecvBytes() ([]byte, error) {
	size := uint32(0)
	if err := binary.Read(c.Conn(), binary.BigEndian, &size); err != nil {
		return nil, err
	}
	if size > maxMessageSize {
		return nil, fmt.Errorf("plist message of %d bytes exceeds limit", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(c.Conn(), data); err != nil {
		return nil, err
	}

	return data, nil
}

func (c *Client) UDID() string {
	return c.udid
}

func (c *Client) DeviceID() int {
	return c.deviceID
}

func (c *Client) Conn() net.Conn {
	if c.tlsConn != nil {
		return c.tlsConn
	}

	return c.conn
}

func (c *Client) Close() error {
	return c.Conn().Close()
}
