package utils

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/blacktop/camroll/internal/device"
	"github.com/blacktop/camroll/pkg/usb"
	"github.com/blacktop/camroll/pkg/usb/lockdownd"
)

func TestPickDevice(t *testing.T) {
	if _, err := PickDevice(nil); !errors.Is(err, usb.ErrDeviceNotFound) {
		t.Errorf("PickDevice(nil) error = %v, want %v", err, usb.ErrDeviceNotFound)
	}

	only := device.Detail{DeviceDetail: lockdownd.DeviceDetail{UDID: "abc", Name: "iPhone"}}
	got, err := PickDevice([]device.Detail{only})
	if err != nil {
		t.Fatalf("PickDevice() error = %v", err)
	}
	if got.UDID != "abc" {
		t.Errorf("PickDevice() = %s, want abc", got.UDID)
	}
}

func TestDeviceChoice(t *testing.T) {
	d := device.Detail{DeviceDetail: lockdownd.DeviceDetail{
		UDID:      "00008120-000A",
		Name:      "Blacktop's iPhone",
		Model:     "iPhone15,2",
		OSVersion: "17.4.1",
	}}
	want := "Blacktop's iPhone (iPhone15,2, iOS 17.4.1) 00008120-000A"
	if got := DeviceChoice(d); got != want {
		t.Errorf("DeviceChoice() = %q, want %q", got, want)
	}
}

func TestCanDisplayInline(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"IMG_0001.JPG", true},
		{"IMG_0001.png", true},
		{"IMG_0001.HEIC", false},
		{"IMG_0001.MOV", false},
	}
	for _, tt := range tests {
		if got := CanDisplayInline(tt.name); got != tt.want {
			t.Errorf("CanDisplayInline(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDisplayImageInTerminal(t *testing.T) {
	var buf bytes.Buffer
	DisplayImageInTerminal(&buf, "a.png", []byte("png"), 200)
	out := buf.String()
	if !strings.HasPrefix(out, "\033]1337;File=inline=1") {
		t.Errorf("unexpected prefix %q", out)
	}
	if !strings.Contains(out, ";size=3;width=200px") || !strings.HasSuffix(out, ":cG5n\a\n") {
		t.Errorf("unexpected escape sequence %q", out)
	}
}
