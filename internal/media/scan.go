package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/camroll/pkg/usb"
)

const (
	// DefaultRoot is the camera roll inside the AFC media partition.
	DefaultRoot          = "/DCIM"
	DefaultProgressEvery = 10
)

// Scanner walks the camera roll, one level of subdirectories deep.
type Scanner struct {
	Root string
	// ProgressEvery is how many classified files pass between progress callbacks.
	ProgressEvery int
}

func NewScanner() *Scanner {
	return &Scanner{
		Root:          DefaultRoot,
		ProgressEvery: DefaultProgressEvery,
	}
}

// Scan lists every recognized photo and video below Root using metadata
// requests only. Entries that cannot be stat'ed are skipped. Live photo
// halves are cross-linked before returning.
func (s *Scanner) Scan(ctx context.Context, fsys FS, progress func(count int)) ([]*Entry, error) {
	root := s.Root
	if root == "" {
		root = DefaultRoot
	}
	every := s.ProgressEvery
	if every <= 0 {
		every = DefaultProgressEvery
	}
	report := func(n int) {
		if progress != nil {
			progress(n)
		}
	}

	dirs, err := fsys.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}
	sort.Strings(dirs)

	var entries []*Entry
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(ctx)
		}
		if hidden(dir) {
			continue
		}
		dirPath := path.Join(root, dir)
		st, err := fsys.Stat(dirPath)
		if err != nil {
			if IsChannelBroken(err) {
				return nil, err
			}
			log.WithFields(log.Fields{"path": dirPath, "err": err}).Debug("skipping unreadable directory")
			continue
		}
		if !st.Dir {
			continue
		}

		names, err := fsys.ReadDir(dirPath)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dirPath, err)
		}
		sort.Strings(names)

		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return nil, cancelled(ctx)
			}
			if hidden(name) {
				continue
			}
			kind := Classify(name)
			if kind == Unknown {
				continue
			}
			p := path.Join(dirPath, name)
			fi, err := fsys.Stat(p)
			if err != nil {
				if IsChannelBroken(err) {
					return nil, err
				}
				log.WithFields(log.Fields{"path": p, "err": err}).Debug("skipping entry")
				continue
			}
			if fi.Dir {
				continue
			}
			entries = append(entries, &Entry{
				Path:     p,
				Name:     name,
				Size:     fi.Size,
				Created:  fi.Created,
				Modified: fi.Modified,
				Kind:     kind,
			})
			if len(entries)%every == 0 {
				report(len(entries))
			}
		}
	}
	report(len(entries))

	pairs := PairLivePhotos(entries)
	log.WithFields(log.Fields{"entries": len(entries), "live_photos": pairs}).Debug("scan finished")

	return entries, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// cancelled maps a done context to usb.ErrCancelled, keeping a disconnect cause.
func cancelled(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, usb.ErrDeviceDisconnected) {
		return cause
	}
	return fmt.Errorf("%w: %w", usb.ErrCancelled, ctx.Err())
}

// IsChannelBroken reports whether err means the file channel itself is gone,
// as opposed to a single unreadable entry.
func IsChannelBroken(err error) bool {
	var opErr *net.OpError
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, usb.ErrDeviceDisconnected) ||
		errors.As(err, &opErr)
}
