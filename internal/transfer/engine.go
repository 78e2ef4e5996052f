// Package transfer copies media entries from a device file system to a local directory.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/camroll/internal/media"
	"github.com/blacktop/camroll/pkg/usb"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// DefaultChunkSize is the size of each remote read.
const DefaultChunkSize = 1 << 20

// Engine copies entries one at a time over a single FS.
type Engine struct {
	ChunkSize     int
	SpeedInterval time.Duration
	// Now is the clock used for speed estimation.
	Now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{
		ChunkSize:     DefaultChunkSize,
		SpeedInterval: DefaultSpeedInterval,
		Now:           time.Now,
	}
}

// job is the state of one Transfer call.
type job struct {
	*Engine
	ctx      context.Context
	fsys     media.FS
	dest     string
	progress func(Progress)
	speed    *SpeedEstimator
	res      *Result
	state    Progress
	// placed maps a lowercased destination name to the remote path copied there.
	placed map[string]string
}

// Transfer copies entries into dest, creating it when missing. Files that
// already exist at the destination are left untouched and counted as
// succeeded. A live photo video whose still image is also in entries is
// copied together with the still.
//
// Per-file failures are recorded in the result and do not stop the batch.
// Cancellation stops the job after removing the partially written file and
// returns usb.ErrCancelled; a context cancelled with usb.ErrDeviceDisconnected
// as its cause, or a dead file channel, fails the job.
func (e *Engine) Transfer(ctx context.Context, fsys media.FS, entries []*media.Entry, dest string, progress func(Progress)) (*Result, error) {
	j := &job{
		Engine:   e,
		ctx:      ctx,
		fsys:     fsys,
		dest:     dest,
		progress: progress,
		speed:    NewSpeedEstimator(e.SpeedInterval, e.Now),
		res:      &Result{JobID: uuid.NewString()},
		placed:   make(map[string]string),
	}
	return j.run(entries)
}

func (j *job) run(entries []*media.Entry) (*Result, error) {
	if err := os.MkdirAll(j.dest, 0o755); err != nil {
		j.res.Status = Failed
		return j.res, fmt.Errorf("failed to create destination %s: %w", j.dest, err)
	}

	primaries := primaryEntries(entries)
	j.state.FilesTotal = len(primaries)
	for _, entry := range primaries {
		j.state.BytesTotal += entry.Size
		if c := companionOf(entry); c != nil {
			j.state.BytesTotal += c.Size
		}
	}

	logger := log.WithFields(log.Fields{"job": j.res.JobID, "files": len(primaries), "dest": j.dest})
	logger.Debug("transfer started")

	for _, entry := range primaries {
		if j.ctx.Err() != nil {
			return j.interrupted()
		}
		err := j.transferEntry(entry)
		switch {
		case err == nil:
			j.res.Succeeded++
		case j.ctx.Err() != nil:
			return j.interrupted()
		case media.IsChannelBroken(err):
			j.res.Failures = append(j.res.Failures, Failure{Entry: entry, Err: err})
			j.res.Status = Failed
			return j.res, fmt.Errorf("transfer aborted: %w", err)
		default:
			logger.WithFields(log.Fields{"path": entry.Path, "err": err}).Warn("failed to copy file")
			j.res.Failures = append(j.res.Failures, Failure{Entry: entry, Err: err})
		}
		j.state.FilesDone++
		j.report(entry.Name, "Copied "+entry.Name)
	}

	j.res.Status = Completed
	if len(j.res.Failures) > 0 {
		j.res.Status = CompletedWithErrors
	}
	j.report("", j.res.Status.String())
	logger.WithFields(log.Fields{
		"succeeded": j.res.Succeeded,
		"skipped":   j.res.Skipped,
		"failed":    len(j.res.Failures),
	}).Debug("transfer finished")

	return j.res, nil
}

// interrupted ends the job after its context was cancelled.
func (j *job) interrupted() (*Result, error) {
	if cause := context.Cause(j.ctx); cause != nil && errors.Is(cause, usb.ErrDeviceDisconnected) {
		j.res.Status = Failed
		j.report("", "Device disconnected")
		return j.res, cause
	}
	j.res.Status = Cancelled
	j.report("", "Cancelled")
	return j.res, fmt.Errorf("%w: %w", usb.ErrCancelled, j.ctx.Err())
}

func (j *job) transferEntry(entry *media.Entry) error {
	dst := filepath.Join(j.dest, entry.Name)
	switch {
	case j.shadowed(entry):
		j.res.Skipped++
		j.state.BytesDone += entry.Size
		j.report(entry.Name, "Skipped "+entry.Name)
	case exists(dst, entry):
		j.res.Skipped++
		j.state.BytesDone += entry.Size
		j.report(entry.Name, "Skipped "+entry.Name)
	default:
		if _, err := j.copyFile(entry, dst, true); err != nil {
			return err
		}
	}

	c := companionOf(entry)
	if c == nil {
		return nil
	}
	cdst := filepath.Join(j.dest, c.Name)
	if j.shadowed(c) || exists(cdst, c) {
		j.state.BytesDone += c.Size
		return nil
	}
	if _, err := j.copyFile(c, cdst, false); err != nil {
		return fmt.Errorf("live photo video %s: %w", c.Name, err)
	}
	j.report(entry.Name, "Copied "+c.Name)
	return nil
}

// shadowed reports whether another entry of this job already claimed the
// destination name of e, and records the collision.
func (j *job) shadowed(e *media.Entry) bool {
	key := strings.ToLower(e.Name)
	prev, ok := j.placed[key]
	if !ok {
		j.placed[key] = e.Path
		return false
	}
	if prev == e.Path {
		return false
	}
	log.WithFields(log.Fields{
		"file": e.Path,
		"kept": prev,
		"dest": j.dest,
	}).Warn("destination name already used in this pull, skipping")
	j.res.Collisions = append(j.res.Collisions, e.Path)
	return true
}

// copyFile streams one remote file into dst. With chunked set, progress is
// reported after every chunk. The local file is removed on any failure.
func (j *job) copyFile(entry *media.Entry, dst string, chunked bool) (int64, error) {
	src, err := j.fsys.Open(entry.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", entry.Path, err)
	}
	defer src.Close()

	size := entry.Size
	if size <= 0 {
		if n, err := src.Size(); err == nil {
			size = n
		}
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dst, err)
	}

	written, err := j.stream(src, out, entry.Name, size, chunked)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close %s: %w", dst, cerr)
	}
	if err == nil && size > 0 && written != size {
		err = fmt.Errorf("%s: copied %d of %d bytes: %w", entry.Path, written, size, usb.ErrTransferIntegrity)
	}
	if err != nil {
		if rerr := os.Remove(dst); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			log.WithFields(log.Fields{"path": dst, "err": rerr}).Warn("failed to remove partial file")
		}
		return written, err
	}

	if !entry.Modified.IsZero() {
		if err := os.Chtimes(dst, entry.Modified, entry.Modified); err != nil {
			log.WithFields(log.Fields{"path": dst, "err": err}).Debug("failed to set file times")
		}
	}

	return written, nil
}

func (j *job) stream(src io.Reader, dst io.Writer, name string, size int64, chunked bool) (int64, error) {
	chunk := j.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	buf := make([]byte, chunk)

	var written int64
	for {
		if err := j.ctx.Err(); err != nil {
			return written, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("failed to write %s: %w", name, werr)
			}
			written += int64(n)
			j.advance(int64(n))
			if chunked {
				j.report(name, fmt.Sprintf("Copying %s (%s / %s)",
					name, humanize.Bytes(uint64(written)), humanize.Bytes(uint64(max(size, written)))))
			}
		}
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("failed to read %s: %w", name, err)
		}
	}
}

func (j *job) advance(n int64) {
	j.res.Bytes += n
	j.state.BytesDone += n
	j.state.Speed = j.speed.Add(int(n))
}

func (j *job) report(file, status string) {
	if j.progress == nil {
		return
	}
	p := j.state
	p.File = file
	p.Status = status
	j.progress(p)
}

// primaryEntries drops live photo videos whose still image is also selected.
func primaryEntries(entries []*media.Entry) []*media.Entry {
	selected := make(map[*media.Entry]bool, len(entries))
	for _, e := range entries {
		selected[e] = true
	}
	ret := make([]*media.Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsLivePhotoVideo() && selected[e.Companion] {
			continue
		}
		ret = append(ret, e)
	}
	return ret
}

func companionOf(e *media.Entry) *media.Entry {
	if e.Kind != media.Photo || e.Companion == nil {
		return nil
	}
	return e.Companion
}

// exists reports whether name is already present locally. A local file whose
// size differs from e is kept, with a warning.
func exists(name string, e *media.Entry) bool {
	fi, err := os.Lstat(name)
	if err != nil {
		return false
	}
	if fi.Size() != e.Size {
		log.WithFields(log.Fields{
			"file":        e.Path,
			"local":       name,
			"remote-size": humanize.Bytes(uint64(e.Size)),
			"local-size":  humanize.Bytes(uint64(fi.Size())),
		}).Warn("a different file with this name already exists, skipping")
	}
	return true
}
