package afc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"time"
)

const (
	afcOpStatus         = 0x00000001
	afcOpData           = 0x00000002 /* Data */
	afcOpReadDir        = 0x00000003 /* ReadDir */
	afcOpGetFileInfo    = 0x0000000a /* GetFileInfo */
	afcOpGetDeviceInfo  = 0x0000000b /* GetDeviceInfo */
	afcOpFileRefOpen    = 0x0000000d /* FileRefOpen */
	afcOpFileRefOpenRes = 0x0000000e /* FileRefOpenResult */
	afcOpFileRefRead    = 0x0000000f /* FileRefRead */
	afcOpFileRefSeek    = 0x00000011 /* FileRefSeek */
	afcOpFileRefTell    = 0x00000012 /* FileRefTell */
	afcOpFileRefTellRes = 0x00000013 /* FileRefTellResult */
	afcOpFileRefClose   = 0x00000014 /* FileRefClose */
)

// ReadDir lists dir without "." and "..". A missing or unreadable directory
// is reported as empty.
func (c *Client) ReadDir(dir string) ([]string, error) {
	names, err := c.requestStringList(afcOpReadDir, dir)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, errObjectNotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	ret := make([]string, 0, len(names))
	for _, name := range names {
		if name == "." || name == ".." || name == "" {
			continue
		}
		ret = append(ret, name)
	}
	return ret, nil
}

var errObjectNotFound = errorsToErrors[afcEObjectNotFound]

// Stat returns the metadata of name without reading its content.
func (c *Client) Stat(name string) (*FileInfo, error) {
	info, err := c.requestStringList(afcOpGetFileInfo, name)
	if err != nil {
		if errors.Is(err, errObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", err, name)
		}
		return nil, err
	}
	kv, err := listToDict(info)
	if err != nil {
		return nil, err
	}
	return newFileInfo(name, kv)
}

// DeviceInfo returns the file system summary (Model, FSTotalBytes, FSFreeBytes, FSBlockSize).
func (c *Client) DeviceInfo() (map[string]string, error) {
	info, err := c.requestStringList(afcOpGetDeviceInfo)
	if err != nil {
		return nil, err
	}
	return listToDict(info)
}

// File is a read-only AFC file reference. It must be closed on every path,
// or the device keeps the descriptor open for the life of the connection.
type File struct {
	c      *Client
	ref    uint64
	name   string
	closed bool
}

// Open opens name for reading.
func (c *Client) Open(name string) (*File, error) {
	resp, err := c.request(afcOpFileRefOpen, uint64(afcFOpenRdonly), name)
	if err != nil {
		if errors.Is(err, errObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", err, name)
		}
		return nil, err
	}
	if resp.operation != afcOpFileRefOpenRes || len(resp.data) < 8 {
		return nil, fmt.Errorf("unexpected afc reply %#x to open %s", resp.operation, name)
	}
	return &File{
		c:    c,
		ref:  binary.LittleEndian.Uint64(resp.data),
		name: name,
	}, nil
}

// Read reads up to len(p) bytes. A zero-length reply marks end of data.
func (f *File) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.sendRequest(afcOpFileRefRead, f.ref, uint64(len(p))); err != nil {
		return 0, err
	}
	resp, err := f.c.recvResponse(p)
	if err != nil {
		return 0, err
	}
	if resp.payloadSize == 0 {
		return 0, io.EOF
	}
	return int(resp.payloadSize), nil
}

func (f *File) seek(offset int64, whence int) error {
	_, err := f.c.request(afcOpFileRefSeek, f.ref, uint64(whence), uint64(offset))
	return err
}

func (f *File) tell() (int64, error) {
	resp, err := f.c.request(afcOpFileRefTell, f.ref)
	if err != nil {
		return 0, err
	}
	if resp.operation != afcOpFileRefTellRes || len(resp.data) < 8 {
		return 0, fmt.Errorf("unexpected afc reply %#x to tell", resp.operation)
	}
	return int64(binary.LittleEndian.Uint64(resp.data)), nil
}

// Size seeks to the end to learn the file length and restores the offset.
func (f *File) Size() (int64, error) {
	orig, err := f.tell()
	if err != nil {
		return 0, err
	}
	if err := f.seek(0, io.SeekEnd); err != nil {
		return 0, err
	}
	size, err := f.tell()
	if err != nil {
		return 0, err
	}
	if err := f.seek(orig, io.SeekStart); err != nil {
		return 0, err
	}
	return size, nil
}

func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	_, err := f.c.request(afcOpFileRefClose, f.ref)
	return err
}

// FileInfo is the parsed GetFileInfo record of a remote path.
type FileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	created time.Time
	links   int
	blocks  int64
}

func newFileInfo(name string, info map[string]string) (*FileInfo, error) {
	fi := &FileInfo{
		name: path.Base(name),
	}
	var err error
	if fi.size, err = strconv.ParseInt(info["st_size"], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid st_size for %s: %w", name, err)
	}
	if v, ok := info["st_mtime"]; ok {
		if fi.modTime, err = nsToTime(v); err != nil {
			return nil, fmt.Errorf("invalid st_mtime for %s: %w", name, err)
		}
	}
	fi.created = fi.modTime
	if v, ok := info["st_birthtime"]; ok {
		if t, err := nsToTime(v); err == nil && !t.IsZero() {
			fi.created = t
		}
	}
	fi.links, _ = strconv.Atoi(info["st_nlink"])
	fi.blocks, _ = strconv.ParseInt(info["st_blocks"], 10, 64)

	switch info["st_ifmt"] {
	case "S_IFBLK":
		fi.mode |= os.ModeDevice
	case "S_IFCHR":
		fi.mode |= os.ModeDevice | os.ModeCharDevice
	case "S_IFDIR":
		fi.mode |= os.ModeDir
	case "S_IFIFO":
		fi.mode |= os.ModeNamedPipe
	case "S_IFLNK":
		fi.mode |= os.ModeSymlink
	case "S_IFREG":
		// nothing to do
	case "S_IFSOCK":
		fi.mode |= os.ModeSocket
	}
	return fi, nil
}

// nsToTime converts a nanosecond epoch counter, dropping sub-millisecond precision.
func nsToTime(v string) (time.Time, error) {
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if ns == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ns / int64(time.Millisecond)), nil
}

func (f *FileInfo) Name() string {
	return f.name
}

func (f *FileInfo) Size() int64 {
	return f.size
}

func (f *FileInfo) Mode() os.FileMode {
	return f.mode
}

func (f *FileInfo) ModTime() time.Time {
	return f.modTime
}

// BirthTime is st_birthtime, or ModTime when the device omits it.
func (f *FileInfo) BirthTime() time.Time {
	return f.created
}

func (f *FileInfo) Links() int {
	return f.links
}

func (f *FileInfo) Blocks() int64 {
	return f.blocks
}

func (f *FileInfo) IsDir() bool {
	return f.mode&os.ModeDir != 0
}

func (f *FileInfo) Sys() any {
	return nil
}

var _ fs.FileInfo = (*FileInfo)(nil)
