package media

import (
	"io"
	"time"
)

// FileInfo is the metadata of a remote path.
type FileInfo struct {
	Size     int64
	Created  time.Time
	Modified time.Time
	Dir      bool
}

// File is an open remote file.
type File interface {
	io.ReadCloser
	// Size returns the file length without moving the read offset.
	Size() (int64, error)
}

// FS is the read-only view of a device file system that scanning and
// transfers need. Implementations are not safe for concurrent use.
type FS interface {
	// ReadDir lists dir. Missing or unreadable directories are empty.
	ReadDir(dir string) ([]string, error)
	Stat(name string) (*FileInfo, error)
	Open(name string) (File, error)
	Close() error
}
