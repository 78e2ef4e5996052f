package afc

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/blacktop/camroll/internal/devicetest"
	"github.com/blacktop/camroll/pkg/usb"
	"github.com/blacktop/camroll/pkg/usb/lockdownd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mtime = time.Date(2024, 3, 9, 14, 30, 0, 123456789, time.UTC)

func newTestClient(t *testing.T) (*Client, *devicetest.AFC) {
	t.Helper()
	fake := devicetest.NewAFC()
	client, server := net.Pipe()
	go fake.Serve(server)
	c := NewClient(client)
	t.Cleanup(func() { c.Close() })
	return c, fake
}

func TestClient_ReadDir(t *testing.T) {
	c, fake := newTestClient(t)
	fake.AddFile("/DCIM/100APPLE/IMG_0001.HEIC", []byte("heic"), mtime)
	fake.AddFile("/DCIM/100APPLE/IMG_0002.JPG", []byte("jpg"), mtime)
	fake.AddDir("/DCIM/101APPLE")
	fake.AddDir("/Private")
	fake.Deny("/Private")

	tests := []struct {
		name string
		dir  string
		want []string
	}{
		{"root", "/DCIM", []string{"100APPLE", "101APPLE"}},
		{"files", "/DCIM/100APPLE", []string{"IMG_0001.HEIC", "IMG_0002.JPG"}},
		{"empty", "/DCIM/101APPLE", []string{}},
		{"missing", "/DCIM/999APPLE", []string{}},
		{"denied", "/Private", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ReadDir(tt.dir)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_Stat(t *testing.T) {
	c, fake := newTestClient(t)
	fake.AddFile("/DCIM/100APPLE/IMG_0001.HEIC", make([]byte, 2048), mtime)

	fi, err := c.Stat("/DCIM/100APPLE/IMG_0001.HEIC")
	require.NoError(t, err)
	assert.Equal(t, "IMG_0001.HEIC", fi.Name())
	assert.EqualValues(t, 2048, fi.Size())
	assert.False(t, fi.IsDir())
	assert.WithinDuration(t, mtime.Truncate(time.Millisecond), fi.ModTime(), 0)
	assert.WithinDuration(t, mtime.Add(-time.Hour).Truncate(time.Millisecond), fi.BirthTime(), 0)
	assert.Equal(t, 1, fi.Links())
	assert.EqualValues(t, 4, fi.Blocks())

	dir, err := c.Stat("/DCIM")
	require.NoError(t, err)
	assert.True(t, dir.IsDir())

	_, err = c.Stat("/DCIM/100APPLE/IMG_9999.HEIC")
	require.ErrorIs(t, err, usb.ErrFileNotFound)
}

func TestClient_StatWithoutBirthTime(t *testing.T) {
	c, fake := newTestClient(t)
	fake.NoBirthTime = true
	fake.AddFile("/DCIM/100APPLE/IMG_0001.JPG", []byte("x"), mtime)

	fi, err := c.Stat("/DCIM/100APPLE/IMG_0001.JPG")
	require.NoError(t, err)
	assert.Equal(t, fi.ModTime(), fi.BirthTime())
}

func TestNewFileInfo(t *testing.T) {
	tests := []struct {
		name    string
		info    map[string]string
		want    time.Time
		wantErr bool
	}{
		{
			name: "truncates to milliseconds",
			info: map[string]string{"st_size": "1", "st_mtime": "1710000000123999999"},
			want: time.UnixMilli(1710000000123),
		},
		{
			name: "zero birthtime falls back",
			info: map[string]string{"st_size": "1", "st_mtime": "1710000000000000000", "st_birthtime": "0"},
			want: time.UnixMilli(1710000000000),
		},
		{
			name:    "bad size",
			info:    map[string]string{"st_size": "big"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fi, err := newFileInfo("/x", tt.info)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newFileInfo() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !fi.BirthTime().Equal(tt.want) {
				t.Errorf("BirthTime() = %v, want %v", fi.BirthTime(), tt.want)
			}
		})
	}
}

func TestFile_ReadAll(t *testing.T) {
	c, fake := newTestClient(t)
	data := bytes.Repeat([]byte("0123456789abcdef"), 10000)
	fake.AddFile("/DCIM/100APPLE/IMG_0001.MOV", data, mtime)

	f, err := c.Open("/DCIM/100APPLE/IMG_0001.MOV")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.OpenHandles())

	size, err := f.Size()
	require.NoError(t, err)
	assert.EqualValues(t, len(data), size)

	var got bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		got.Write(buf[:n])
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, data, got.Bytes())

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.Zero(t, fake.OpenHandles())
}

func TestClient_OpenMissing(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.Open("/DCIM/100APPLE/IMG_0404.JPG")
	require.ErrorIs(t, err, usb.ErrFileNotFound)
}

func TestClient_DeviceInfo(t *testing.T) {
	c, _ := newTestClient(t)

	info, err := c.DeviceInfo()
	require.NoError(t, err)
	assert.Equal(t, "iPhone15,2", info["Model"])
	assert.Contains(t, info, "FSFreeBytes")
}

func TestNewClientForSession(t *testing.T) {
	lockdownd.KeyBits = 1024
	mux := devicetest.NewMux()
	dev, err := devicetest.NewDevice(mux, devicetest.UDID(7))
	require.NoError(t, err)
	dev.AFC.AddFile("/DCIM/100APPLE/IMG_0001.HEIC", []byte("heic"), mtime)

	ctx := context.Background()
	s, err := lockdownd.NewNegotiator(mux.Dial, nil).OpenSession(ctx, dev.UDID)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Pair(ctx))

	c, err := NewClientForSession(ctx, s)
	require.NoError(t, err)
	defer c.Close()

	names, err := c.ReadDir("/DCIM/100APPLE")
	require.NoError(t, err)
	assert.Equal(t, []string{"IMG_0001.HEIC"}, names)
}
