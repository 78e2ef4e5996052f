package devicetest

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AFCPort is the port the fake lockdownd hands out for com.apple.afc.
const AFCPort = 49152

const (
	afcMagic      = "CFA6LPAA"
	afcHeaderSize = 40

	opStatus      = 0x01
	opData        = 0x02
	opReadDir     = 0x03
	opGetFileInfo = 0x0a
	opGetDevInfo  = 0x0b
	opOpen        = 0x0d
	opOpenResult  = 0x0e
	opRead        = 0x0f
	opSeek        = 0x11
	opTell        = 0x12
	opTellResult  = 0x13
	opClose       = 0x14

	statusSuccess        = 0
	statusUnknownPacket  = 6
	statusInvalidArg     = 7
	statusObjectNotFound = 8
	statusPermDenied     = 10
)

type afcHeader struct {
	Magic        [8]byte
	EntireLength uint64
	ThisLength   uint64
	PacketNum    uint64
	Operation    uint64
}

type afcFile struct {
	data     []byte
	modified time.Time
	created  time.Time
}

type afcHandle struct {
	path   string
	offset int64
}

// AFC is a fake read-only AFC service backed by an in-memory tree.
type AFC struct {
	mu         sync.Mutex
	files      map[string]*afcFile
	dirs       map[string]bool
	denied     map[string]bool
	failStat   map[string]bool
	handles    map[uint64]*afcHandle
	nextHandle uint64
	reads      int
	// NoBirthTime omits st_birthtime from stat replies, as older iOS releases do.
	NoBirthTime bool
}

func NewAFC() *AFC {
	return &AFC{
		files:      make(map[string]*afcFile),
		dirs:       map[string]bool{"/": true},
		denied:     make(map[string]bool),
		failStat:   make(map[string]bool),
		handles:    make(map[uint64]*afcHandle),
		nextHandle: 1,
	}
}

// AddFile stores data at name, creating parent directories.
func (a *AFC) AddFile(name string, data []byte, modified time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name = path.Clean(name)
	a.files[name] = &afcFile{data: data, modified: modified, created: modified.Add(-time.Hour)}
	a.mkdirAll(path.Dir(name))
}

func (a *AFC) AddDir(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mkdirAll(path.Clean(name))
}

// Deny makes name answer every request with a permission error.
func (a *AFC) Deny(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.denied[path.Clean(name)] = true
}

// FailStat makes GetFileInfo on name report object-not-found while it still
// shows up in its directory listing.
func (a *AFC) FailStat(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failStat[path.Clean(name)] = true
}

// OpenHandles returns the number of file handles the client has not closed.
func (a *AFC) OpenHandles() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handles)
}

// Reads returns the number of FileRefRead requests served.
func (a *AFC) Reads() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reads
}

func (a *AFC) mkdirAll(dir string) {
	for dir != "/" && dir != "." {
		a.dirs[dir] = true
		dir = path.Dir(dir)
	}
}

// Serve handles one AFC connection until the peer hangs up.
func (a *AFC) Serve(conn net.Conn) {
	for {
		var hdr afcHeader
		if err := binary.Read(conn, binary.LittleEndian, &hdr); err != nil {
			return
		}
		if string(hdr.Magic[:]) != afcMagic || hdr.ThisLength < afcHeaderSize || hdr.EntireLength < hdr.ThisLength {
			return
		}
		args := make([]byte, hdr.ThisLength-afcHeaderSize)
		if _, err := io.ReadFull(conn, args); err != nil {
			return
		}
		if _, err := io.CopyN(io.Discard, conn, int64(hdr.EntireLength-hdr.ThisLength)); err != nil {
			return
		}

		op, data, payload := a.handle(hdr.Operation, args)
		if err := writeAFCPacket(conn, hdr.PacketNum, op, data, payload); err != nil {
			return
		}
	}
}

func (a *AFC) handle(op uint64, args []byte) (uint64, []byte, []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch op {
	case opReadDir:
		dir := path.Clean(cString(args))
		if a.denied[dir] {
			return status(statusPermDenied)
		}
		if !a.dirs[dir] {
			return status(statusObjectNotFound)
		}
		return opData, nil, stringList(append([]string{".", ".."}, a.children(dir)...))
	case opGetFileInfo:
		name := path.Clean(cString(args))
		if a.denied[name] || a.failStat[name] {
			return status(statusObjectNotFound)
		}
		if a.dirs[name] {
			return opData, nil, stringList([]string{"st_size", "0", "st_ifmt", "S_IFDIR", "st_nlink", "2"})
		}
		f, ok := a.files[name]
		if !ok {
			return status(statusObjectNotFound)
		}
		kv := []string{
			"st_size", strconv.Itoa(len(f.data)),
			"st_blocks", strconv.Itoa((len(f.data) + 511) / 512),
			"st_nlink", "1",
			"st_ifmt", "S_IFREG",
			"st_mtime", strconv.FormatInt(f.modified.UnixNano(), 10),
		}
		if !a.NoBirthTime {
			kv = append(kv, "st_birthtime", strconv.FormatInt(f.created.UnixNano(), 10))
		}
		return opData, nil, stringList(kv)
	case opGetDevInfo:
		return opData, nil, stringList([]string{
			"Model", "iPhone15,2",
			"FSTotalBytes", "127989493760",
			"FSFreeBytes", "42949672960",
			"FSBlockSize", "4096",
		})
	case opOpen:
		if len(args) < 8 {
			return status(statusInvalidArg)
		}
		name := path.Clean(cString(args[8:]))
		if a.denied[name] {
			return status(statusPermDenied)
		}
		if _, ok := a.files[name]; !ok {
			return status(statusObjectNotFound)
		}
		h := a.nextHandle
		a.nextHandle++
		a.handles[h] = &afcHandle{path: name}
		return opOpenResult, u64(h), nil
	case opRead:
		if len(args) < 16 {
			return status(statusInvalidArg)
		}
		h, ok := a.handles[binary.LittleEndian.Uint64(args)]
		if !ok {
			return status(statusInvalidArg)
		}
		a.reads++
		data := a.files[h.path].data
		want := int64(binary.LittleEndian.Uint64(args[8:]))
		end := min(h.offset+want, int64(len(data)))
		start := min(h.offset, end)
		chunk := bytes.Clone(data[start:end])
		h.offset = end
		return opData, nil, chunk
	case opSeek:
		if len(args) < 24 {
			return status(statusInvalidArg)
		}
		h, ok := a.handles[binary.LittleEndian.Uint64(args)]
		if !ok {
			return status(statusInvalidArg)
		}
		whence := binary.LittleEndian.Uint64(args[8:])
		offset := int64(binary.LittleEndian.Uint64(args[16:]))
		switch whence {
		case io.SeekStart:
			h.offset = offset
		case io.SeekCurrent:
			h.offset += offset
		case io.SeekEnd:
			h.offset = int64(len(a.files[h.path].data)) + offset
		default:
			return status(statusInvalidArg)
		}
		return status(statusSuccess)
	case opTell:
		if len(args) < 8 {
			return status(statusInvalidArg)
		}
		h, ok := a.handles[binary.LittleEndian.Uint64(args)]
		if !ok {
			return status(statusInvalidArg)
		}
		return opTellResult, u64(uint64(h.offset)), nil
	case opClose:
		if len(args) < 8 {
			return status(statusInvalidArg)
		}
		delete(a.handles, binary.LittleEndian.Uint64(args))
		return status(statusSuccess)
	}
	return status(statusUnknownPacket)
}

func (a *AFC) children(dir string) []string {
	var names []string
	for d := range a.dirs {
		if d != dir && path.Dir(d) == dir {
			names = append(names, path.Base(d))
		}
	}
	for f := range a.files {
		if path.Dir(f) == dir {
			names = append(names, path.Base(f))
		}
	}
	sort.Strings(names)
	return names
}

func status(code uint64) (uint64, []byte, []byte) {
	return opStatus, u64(code), nil
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func cString(b []byte) string {
	s, _, _ := strings.Cut(string(b), "\x00")
	return s
}

func stringList(items []string) []byte {
	var buf bytes.Buffer
	for _, item := range items {
		buf.WriteString(item)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func writeAFCPacket(w io.Writer, packetNum, op uint64, data, payload []byte) error {
	hdr := afcHeader{
		EntireLength: afcHeaderSize + uint64(len(data)+len(payload)),
		ThisLength:   afcHeaderSize + uint64(len(data)),
		PacketNum:    packetNum,
		Operation:    op,
	}
	copy(hdr.Magic[:], afcMagic)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	buf.Write(data)
	buf.Write(payload)
	_, err := w.Write(buf.Bytes())
	return err
}
