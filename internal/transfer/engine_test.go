package transfer_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/blacktop/camroll/internal/media"
	"github.com/blacktop/camroll/internal/media/mediatest"
	"github.com/blacktop/camroll/internal/transfer"
	"github.com/blacktop/camroll/pkg/usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mtime = time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)

func scan(t *testing.T, fsys media.FS) []*media.Entry {
	t.Helper()
	entries, err := media.NewScanner().Scan(context.Background(), fsys, nil)
	require.NoError(t, err)
	return entries
}

func newEngine() *transfer.Engine {
	e := transfer.NewEngine()
	e.ChunkSize = 64 << 10
	return e
}

func fileSize(t *testing.T, name string) int64 {
	t.Helper()
	fi, err := os.Stat(name)
	require.NoError(t, err)
	return fi.Size()
}

func livePhotoFS() *mediatest.MemFS {
	fsys := mediatest.New()
	fsys.AddFile("/DCIM/100APPLE/IMG_0001.HEIC", make([]byte, 2097152), mtime)
	fsys.AddFile("/DCIM/100APPLE/IMG_0001.MOV", make([]byte, 10485760), mtime)
	return fsys
}

func TestTransfer_LivePhoto(t *testing.T) {
	fsys := livePhotoFS()
	entries := scan(t, fsys)
	require.Len(t, entries, 2)
	dest := filepath.Join(t.TempDir(), "out")

	var last transfer.Progress
	var calls int
	res, err := newEngine().Transfer(context.Background(), fsys, entries, dest, func(p transfer.Progress) {
		calls++
		last = p
	})
	require.NoError(t, err)

	assert.Equal(t, transfer.Completed, res.Status)
	assert.Equal(t, 1, res.Succeeded, "companion counts under its still image")
	assert.Zero(t, res.Skipped)
	assert.Empty(t, res.Failures)
	assert.NotEmpty(t, res.JobID)
	assert.EqualValues(t, 2097152+10485760, res.Bytes)

	assert.EqualValues(t, 2097152, fileSize(t, filepath.Join(dest, "IMG_0001.HEIC")))
	assert.EqualValues(t, 10485760, fileSize(t, filepath.Join(dest, "IMG_0001.MOV")))

	assert.Greater(t, calls, 2097152/(64<<10), "progress after every chunk")
	assert.Equal(t, 1, last.FilesTotal)
	assert.Equal(t, 1, last.FilesDone)
	assert.Equal(t, last.BytesTotal, last.BytesDone)
	assert.Equal(t, "Completed", last.Status)
	assert.Zero(t, fsys.OpenHandles())
}

func TestTransfer_RoundTripAndTimes(t *testing.T) {
	fsys := mediatest.New()
	sizes := []int{0, 1, 64 << 10, 64<<10 + 1, 300000}
	for i, size := range sizes {
		data := []byte(strings.Repeat("x", size))
		fsys.AddFile(fmt.Sprintf("/DCIM/100APPLE/IMG_%04d.JPG", i), data, mtime)
	}
	dest := t.TempDir()

	res, err := newEngine().Transfer(context.Background(), fsys, scan(t, fsys), dest, nil)
	require.NoError(t, err)
	assert.Equal(t, len(sizes), res.Succeeded)

	for i, size := range sizes {
		name := filepath.Join(dest, fmt.Sprintf("IMG_%04d.JPG", i))
		assert.EqualValues(t, size, fileSize(t, name))
		fi, err := os.Stat(name)
		require.NoError(t, err)
		assert.WithinDuration(t, mtime, fi.ModTime(), time.Second)
	}
}

func TestTransfer_Idempotent(t *testing.T) {
	fsys := livePhotoFS()
	fsys.AddFile("/DCIM/100APPLE/IMG_0002.JPG", []byte("jpeg"), mtime)
	entries := scan(t, fsys)
	dest := t.TempDir()

	first, err := newEngine().Transfer(context.Background(), fsys, entries, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Succeeded)

	reads := fsys.ReadCalls()
	second, err := newEngine().Transfer(context.Background(), fsys, entries, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, transfer.Completed, second.Status)
	assert.Equal(t, 2, second.Succeeded)
	assert.Equal(t, 2, second.Skipped)
	assert.Zero(t, second.Bytes)
	assert.Equal(t, reads, fsys.ReadCalls(), "nothing copied twice")
}

func captureLogs(t *testing.T) *memory.Handler {
	t.Helper()
	logger := log.Log.(*log.Logger)
	prev := logger.Handler
	h := memory.New()
	logger.Handler = h
	t.Cleanup(func() { logger.Handler = prev })
	return h
}

func warnings(h *memory.Handler) []string {
	var ret []string
	for _, e := range h.Entries {
		if e.Level == log.WarnLevel {
			ret = append(ret, fmt.Sprintf("%s %v", e.Message, e.Fields["file"]))
		}
	}
	return ret
}

func TestTransfer_NameCollision(t *testing.T) {
	logs := captureLogs(t)
	fsys := mediatest.New()
	fsys.AddFile("/DCIM/100APPLE/IMG_0001.JPG", []byte("first"), mtime)
	fsys.AddFile("/DCIM/101APPLE/IMG_0001.JPG", []byte("second roll"), mtime)
	entries := scan(t, fsys)
	require.Len(t, entries, 2)
	dest := t.TempDir()

	res, err := newEngine().Transfer(context.Background(), fsys, entries, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, transfer.Completed, res.Status)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"/DCIM/101APPLE/IMG_0001.JPG"}, res.Collisions)
	assert.Contains(t, res.String(), "name already used: /DCIM/101APPLE/IMG_0001.JPG")

	got, err := os.ReadFile(filepath.Join(dest, "IMG_0001.JPG"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	require.Len(t, warnings(logs), 1)
	assert.Contains(t, warnings(logs)[0], "/DCIM/101APPLE/IMG_0001.JPG")
}

func TestTransfer_ExistingFileWithDifferentSizeWarns(t *testing.T) {
	logs := captureLogs(t)
	fsys := mediatest.New()
	fsys.AddFile("/DCIM/100APPLE/IMG_0001.JPG", []byte("from the device"), mtime)
	entries := scan(t, fsys)
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "IMG_0001.JPG"), []byte("other"), 0o644))

	res, err := newEngine().Transfer(context.Background(), fsys, entries, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Collisions)
	assert.EqualValues(t, 5, fileSize(t, filepath.Join(dest, "IMG_0001.JPG")), "local file is never overwritten")
	require.Len(t, warnings(logs), 1)
	assert.Contains(t, warnings(logs)[0], "/DCIM/100APPLE/IMG_0001.JPG")
}

func TestTransfer_CompanionCopiedWhenMissing(t *testing.T) {
	fsys := livePhotoFS()
	entries := scan(t, fsys)
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "IMG_0001.HEIC"), []byte("kept"), 0o644))

	res, err := newEngine().Transfer(context.Background(), fsys, entries, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
	assert.EqualValues(t, 4, fileSize(t, filepath.Join(dest, "IMG_0001.HEIC")), "existing file untouched")
	assert.EqualValues(t, 10485760, fileSize(t, filepath.Join(dest, "IMG_0001.MOV")))
}

func TestTransfer_VideoWithoutSelectedStill(t *testing.T) {
	fsys := livePhotoFS()
	entries := scan(t, fsys)
	dest := t.TempDir()

	res, err := newEngine().Transfer(context.Background(), fsys, entries[1:], dest, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.FileExists(t, filepath.Join(dest, "IMG_0001.MOV"))
	assert.NoFileExists(t, filepath.Join(dest, "IMG_0001.HEIC"))
}

func TestTransfer_FailuresDoNotStopBatch(t *testing.T) {
	fsys := mediatest.New()
	for i := range 4 {
		fsys.AddFile(fmt.Sprintf("/DCIM/100APPLE/IMG_%04d.JPG", i), make([]byte, 1000), mtime)
	}
	fsys.AddFile("/DCIM/100APPLE/IMG_0005.HEIC", make([]byte, 1000), mtime)
	fsys.AddFile("/DCIM/100APPLE/IMG_0005.MOV", make([]byte, 1000), mtime)
	entries := scan(t, fsys)
	fsys.FailOpen("/DCIM/100APPLE/IMG_0001.JPG", nil)
	fsys.Truncate("/DCIM/100APPLE/IMG_0002.JPG", 600)
	fsys.FailOpen("/DCIM/100APPLE/IMG_0005.MOV", nil)
	dest := t.TempDir()

	res, err := newEngine().Transfer(context.Background(), fsys, entries, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, transfer.CompletedWithErrors, res.Status)
	assert.Equal(t, 2, res.Succeeded)
	require.Len(t, res.Failures, 3)

	assert.Equal(t, "IMG_0001.JPG", res.Failures[0].Entry.Name)
	assert.ErrorIs(t, res.Failures[0].Err, usb.ErrFileNotFound)
	assert.Equal(t, "IMG_0002.JPG", res.Failures[1].Entry.Name)
	assert.ErrorIs(t, res.Failures[1].Err, usb.ErrTransferIntegrity)
	assert.Equal(t, "IMG_0005.HEIC", res.Failures[2].Entry.Name, "companion failure belongs to the still")
	assert.ErrorIs(t, res.Failures[2].Err, usb.ErrFileNotFound)

	assert.NoFileExists(t, filepath.Join(dest, "IMG_0001.JPG"))
	assert.NoFileExists(t, filepath.Join(dest, "IMG_0002.JPG"), "short copies are removed")
	assert.FileExists(t, filepath.Join(dest, "IMG_0003.JPG"))
	assert.FileExists(t, filepath.Join(dest, "IMG_0005.HEIC"))
	assert.Zero(t, fsys.OpenHandles())
	assert.Contains(t, res.String(), "CompletedWithErrors: 2 succeeded (0 skipped), 3 failed")
}

func TestTransfer_Cancelled(t *testing.T) {
	tests := []struct {
		name       string
		cause      error
		wantErr    error
		wantStatus transfer.Status
	}{
		{"user", nil, usb.ErrCancelled, transfer.Cancelled},
		{"disconnect", usb.ErrDeviceDisconnected, usb.ErrDeviceDisconnected, transfer.Failed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := mediatest.New()
			for i := range 3 {
				fsys.AddFile(fmt.Sprintf("/DCIM/100APPLE/IMG_%04d.JPG", i), make([]byte, 256<<10), mtime)
			}
			entries := scan(t, fsys)
			dest := t.TempDir()

			ctx, cancel := context.WithCancelCause(context.Background())
			defer cancel(nil)
			fsys.OnRead = func(name string, offset int64) {
				if strings.HasSuffix(name, "IMG_0001.JPG") && offset > 0 {
					cancel(tt.cause)
				}
			}

			res, err := newEngine().Transfer(ctx, fsys, entries, dest, nil)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, 1, res.Succeeded)
			assert.FileExists(t, filepath.Join(dest, "IMG_0000.JPG"))
			assert.NoFileExists(t, filepath.Join(dest, "IMG_0001.JPG"), "no partial file left behind")
			assert.NoFileExists(t, filepath.Join(dest, "IMG_0002.JPG"))
			assert.Zero(t, fsys.OpenHandles())
		})
	}
}

func TestTransfer_BrokenChannel(t *testing.T) {
	fsys := mediatest.New()
	for i := range 3 {
		fsys.AddFile(fmt.Sprintf("/DCIM/100APPLE/IMG_%04d.JPG", i), make([]byte, 1000), mtime)
	}
	entries := scan(t, fsys)
	fsys.OnRead = func(name string, offset int64) {
		if strings.HasSuffix(name, "IMG_0001.JPG") {
			fsys.Break(net.ErrClosed)
		}
	}

	res, err := newEngine().Transfer(context.Background(), fsys, entries, t.TempDir(), nil)
	require.ErrorIs(t, err, net.ErrClosed)
	assert.Equal(t, transfer.Failed, res.Status)
	assert.Equal(t, 1, res.Succeeded)
	assert.Len(t, res.Failures, 1)
}

func TestTransfer_CreatesDestination(t *testing.T) {
	fsys := mediatest.New()
	fsys.AddFile("/DCIM/100APPLE/IMG_0001.PNG", []byte("png"), mtime)
	dest := filepath.Join(t.TempDir(), "a", "b", "c")

	_, err := newEngine().Transfer(context.Background(), fsys, scan(t, fsys), dest, nil)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, "IMG_0001.PNG"))

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	res, err := newEngine().Transfer(context.Background(), fsys, scan(t, fsys), filepath.Join(blocker, "sub"), nil)
	require.Error(t, err)
	assert.Equal(t, transfer.Failed, res.Status)
}
