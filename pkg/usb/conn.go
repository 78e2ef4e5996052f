//go:build !windows

package usb

import (
	"net"
	"os"
	"strings"
)

const usbmuxdSocket = "/var/run/usbmuxd"

func usbmuxdDial() (net.Conn, error) {
	if addr := os.Getenv("USBMUXD_SOCKET_ADDRESS"); addr != "" {
		switch {
		case strings.HasPrefix(addr, "UNIX:"):
			return net.Dial("unix", strings.TrimPrefix(addr, "UNIX:"))
		case strings.HasPrefix(addr, "TCP:"):
			return net.Dial("tcp", strings.TrimPrefix(addr, "TCP:"))
		}
		return net.Dial("tcp", addr)
	}
	return net.Dial("unix", usbmuxdSocket)
}
