// Package mediatest provides an in-memory media.FS for tests.
package mediatest

import (
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/blacktop/camroll/internal/media"
	"github.com/blacktop/camroll/pkg/usb"
)

type memFile struct {
	data     []byte
	modified time.Time
	// served caps how many bytes reads return, to simulate truncated files.
	served int
}

// MemFS is an in-memory device file system.
type MemFS struct {
	mu        sync.Mutex
	files     map[string]*memFile
	dirs      map[string]bool
	failStat  map[string]error
	failOpen  map[string]error
	open      int
	closed    bool
	broken    error
	OnRead    func(name string, offset int64)
	readCalls int
}

func New() *MemFS {
	return &MemFS{
		files:    make(map[string]*memFile),
		dirs:     map[string]bool{"/": true},
		failStat: make(map[string]error),
		failOpen: make(map[string]error),
	}
}

// AddFile stores data at name, creating parent directories.
func (m *MemFS) AddFile(name string, data []byte, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = path.Clean(name)
	m.files[name] = &memFile{data: data, modified: modified, served: len(data)}
	for dir := path.Dir(name); dir != "/" && dir != "."; dir = path.Dir(dir) {
		m.dirs[dir] = true
	}
}

func (m *MemFS) AddDir(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[path.Clean(name)] = true
}

// Truncate makes reads of name end after n bytes while Stat and Size still
// report the full length.
func (m *MemFS) Truncate(name string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path.Clean(name)].served = n
}

// FailStat makes Stat of name fail with err (usb.ErrFileNotFound when nil).
func (m *MemFS) FailStat(name string, err error) {
	if err == nil {
		err = usb.ErrFileNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStat[path.Clean(name)] = err
}

// FailOpen makes Open of name fail with err (usb.ErrFileNotFound when nil).
func (m *MemFS) FailOpen(name string, err error) {
	if err == nil {
		err = usb.ErrFileNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOpen[path.Clean(name)] = err
}

// Break makes every following call fail with err, like a dropped channel.
func (m *MemFS) Break(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken = err
}

// OpenHandles returns the number of files not closed yet.
func (m *MemFS) OpenHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *MemFS) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ReadCalls returns how many Read calls reached the file system.
func (m *MemFS) ReadCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCalls
}

func (m *MemFS) ReadDir(dir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken != nil {
		return nil, m.broken
	}
	dir = path.Clean(dir)
	names := []string{}
	if !m.dirs[dir] {
		return names, nil
	}
	for d := range m.dirs {
		if d != dir && path.Dir(d) == dir {
			names = append(names, path.Base(d))
		}
	}
	for f := range m.files {
		if path.Dir(f) == dir {
			names = append(names, path.Base(f))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemFS) Stat(name string) (*media.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken != nil {
		return nil, m.broken
	}
	name = path.Clean(name)
	if err, ok := m.failStat[name]; ok {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	if m.dirs[name] {
		return &media.FileInfo{Dir: true}, nil
	}
	f, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("stat %s: %w", name, usb.ErrFileNotFound)
	}
	return &media.FileInfo{
		Size:     int64(len(f.data)),
		Created:  f.modified,
		Modified: f.modified,
	}, nil
}

func (m *MemFS) Open(name string) (media.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken != nil {
		return nil, m.broken
	}
	name = path.Clean(name)
	if err, ok := m.failOpen[name]; ok {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	f, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", name, usb.ErrFileNotFound)
	}
	m.open++
	return &memHandle{fs: m, name: name, file: f}, nil
}

func (m *MemFS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memHandle struct {
	fs     *MemFS
	name   string
	file   *memFile
	offset int64
	closed bool
}

func (h *memHandle) Read(p []byte) (int, error) {
	h.fs.mu.Lock()
	hook := h.fs.OnRead
	h.fs.readCalls++
	h.fs.mu.Unlock()
	if hook != nil {
		hook(h.name, h.offset)
	}

	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.fs.broken != nil {
		return 0, h.fs.broken
	}
	if h.closed {
		return 0, io.ErrClosedPipe
	}
	if h.offset >= int64(h.file.served) {
		return 0, io.EOF
	}
	n := copy(p, h.file.data[h.offset:h.file.served])
	h.offset += int64(n)
	return n, nil
}

func (h *memHandle) Size() (int64, error) {
	return int64(len(h.file.data)), nil
}

func (h *memHandle) Close() error {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.fs.open--
	}
	return nil
}
