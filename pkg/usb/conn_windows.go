//go:build windows

package usb

import (
	"net"
	"os"
	"strings"
)

func usbmuxdDial() (net.Conn, error) {
	if addr := os.Getenv("USBMUXD_SOCKET_ADDRESS"); addr != "" {
		return net.Dial("tcp", strings.TrimPrefix(addr, "TCP:"))
	}
	return net.Dial("tcp", "localhost:27015")
}
