package devicetest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/blacktop/go-plist"
)

// LockdownPort is the lockdownd control port.
const LockdownPort = 62078

// Pair answers the fake device gives to successive Pair requests. An empty
// string accepts the pairing.
const (
	PairAccept   = ""
	PairPending  = "PairingDialogResponsePending"
	PairDenied   = "UserDeniedPairing"
	PairLocked   = "PasswordProtected"
	invalidHost  = "InvalidHostID"
	lockdownType = "com.apple.mobile.lockdown"
)

// Lockdown is a fake lockdownd control service.
type Lockdown struct {
	mu sync.Mutex

	values        map[string]map[string]any
	trusted       map[string]bool
	pairAnswers   []string
	services      map[string]int
	locked        bool
	escrowBag     []byte
	pairRequests  int
	sessionStarts int
}

// NewLockdown returns a device with a fresh RSA public key and the given root-domain values.
func NewLockdown(values map[string]any) (*Lockdown, error) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, err
	}
	pub := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})

	root := map[string]any{"DevicePublicKey": pub}
	for k, v := range values {
		root[k] = v
	}
	return &Lockdown{
		values:    map[string]map[string]any{"": root},
		trusted:   make(map[string]bool),
		services:  make(map[string]int),
		escrowBag: []byte("escrow"),
	}, nil
}

// SetValue sets a property in domain ("" for the root domain).
func (l *Lockdown) SetValue(domain, key string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.values[domain] == nil {
		l.values[domain] = make(map[string]any)
	}
	l.values[domain][key] = value
}

func (l *Lockdown) Value(domain, key string) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.values[domain][key]
}

// Trust marks hostID as paired.
func (l *Lockdown) Trust(hostID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trusted[hostID] = true
}

// Forget drops every trusted host, as a factory reset would.
func (l *Lockdown) Forget() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trusted = make(map[string]bool)
}

// QueuePairAnswers sets the responses for the next Pair requests.
func (l *Lockdown) QueuePairAnswers(answers ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pairAnswers = append(l.pairAnswers, answers...)
}

// ClearPairAnswers drops the queued Pair responses.
func (l *Lockdown) ClearPairAnswers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pairAnswers = nil
}

// AddService advertises service on port.
func (l *Lockdown) AddService(name string, port int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services[name] = port
}

// SetLocked makes StartService fail with PasswordProtected.
func (l *Lockdown) SetLocked(locked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = locked
}

func (l *Lockdown) PairRequests() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pairRequests
}

func (l *Lockdown) SessionStarts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionStarts
}

// Serve handles one lockdownd connection until the peer hangs up.
func (l *Lockdown) Serve(conn net.Conn) {
	inSession := false
	for {
		req, err := readLockdownMessage(conn)
		if err != nil {
			return
		}
		request, _ := req["Request"].(string)
		resp := map[string]any{"Request": request}

		l.mu.Lock()
		switch request {
		case "QueryType":
			resp["Type"] = lockdownType
		case "GetValue":
			domain, _ := req["Domain"].(string)
			key, _ := req["Key"].(string)
			values := l.values[domain]
			if key == "" {
				if values == nil {
					resp["Error"] = "MissingValue"
				} else {
					resp["Value"] = values
				}
			} else if v, ok := values[key]; ok {
				resp["Domain"] = domain
				resp["Key"] = key
				resp["Value"] = v
			} else {
				resp["Error"] = "MissingValue"
			}
		case "StartSession":
			hostID, _ := req["HostID"].(string)
			if !l.trusted[hostID] {
				resp["Error"] = invalidHost
				break
			}
			l.sessionStarts++
			inSession = true
			resp["SessionID"] = fmt.Sprintf("session-%d", l.sessionStarts)
			resp["EnableSessionSSL"] = false
		case "StopSession":
			inSession = false
		case "Pair":
			l.pairRequests++
			answer := PairAccept
			if len(l.pairAnswers) > 0 {
				answer = l.pairAnswers[0]
				l.pairAnswers = l.pairAnswers[1:]
			}
			if answer != PairAccept {
				resp["Error"] = answer
				break
			}
			record, _ := req["PairRecord"].(map[string]any)
			hostID, _ := record["HostID"].(string)
			if hostID == "" {
				resp["Error"] = "InvalidPairRecord"
				break
			}
			l.trusted[hostID] = true
			resp["EscrowBag"] = l.escrowBag
		case "Unpair":
			record, _ := req["PairRecord"].(map[string]any)
			hostID, _ := record["HostID"].(string)
			delete(l.trusted, hostID)
		case "StartService":
			name, _ := req["Service"].(string)
			port, ok := l.services[name]
			switch {
			case !inSession:
				resp["Error"] = "NoRunningSession"
			case l.locked:
				resp["Error"] = "PasswordProtected"
			case !ok:
				resp["Error"] = "InvalidService"
			default:
				resp["Service"] = name
				resp["Port"] = port
				resp["EnableServiceSSL"] = false
			}
		default:
			resp["Error"] = "InvalidRequest"
		}
		l.mu.Unlock()

		if err := writeLockdownMessage(conn, resp); err != nil {
			return
		}
	}
}

func readLockdownMessage(r io.Reader) (map[string]any, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	msg := map[string]any{}
	if _, err := plist.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func writeLockdownMessage(w io.Writer, msg any) error {
	data, err := plist.Marshal(msg, plist.XMLFormat)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
