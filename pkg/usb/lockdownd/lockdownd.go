package lockdownd

import (
	"context"
	"fmt"

	"github.com/blacktop/camroll/internal/colors"
	"github.com/blacktop/camroll/pkg/usb"
)

const (
	lockdownPort    = 62078
	protocolVersion = "2"
	lockdownType    = "com.apple.mobile.lockdown"

	// BatteryDomain holds the battery properties.
	BatteryDomain = "com.apple.mobile.battery"
)

var colorFaint = colors.FaintHiBlue().SprintFunc()
var colorBold = colors.Bold().SprintFunc()

// Error is an error code returned by lockdownd.
type Error struct {
	Request string
	Code    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("lockdownd %s failed: %s", e.Request, e.Code)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case "PasswordProtected":
		return usb.ErrDeviceLocked
	case "UserDeniedPairing":
		return usb.ErrPairingDenied
	case "PairingDialogResponsePending":
		return usb.ErrPairingPending
	case "InvalidHostID", "InvalidPairRecord":
		return usb.ErrInvalidPairingRecord
	case "InvalidService", "ServiceProhibited", "ServiceLimit", "NoRunningSession":
		return usb.ErrServiceUnavailable
	}
	return nil
}

func checkError(request, code string) error {
	if code == "" {
		return nil
	}
	return &Error{Request: request, Code: code}
}

// Client speaks the lockdownd request protocol on the control port.
type Client struct {
	*usb.Client
}

// NewClient connects to lockdownd on the device udid.
func NewClient(dial usb.Dialer, udid string) (*Client, error) {
	cli, err := usb.NewClient(dial, udid, lockdownPort)
	if err != nil {
		return nil, err
	}
	return &Client{cli}, nil
}

type queryTypeRequest struct {
	Label   string
	Request string `plist:"Request"`
}

type queryTypeResponse struct {
	Request string
	Result  string
	Type    string
	Error   string `plist:"Error,omitempty"`
}

func (lc *Client) QueryType(ctx context.Context) (string, error) {
	req := &queryTypeRequest{
		Label:   usb.BundleID,
		Request: "QueryType",
	}
	var resp queryTypeResponse
	if err := lc.RequestContext(ctx, req, &resp); err != nil {
		return "", err
	}
	if err := checkError(req.Request, resp.Error); err != nil {
		return "", err
	}

	return resp.Type, nil
}

type startSessionRequest struct {
	Label           string
	ProtocolVersion string
	Request         string
	HostID          string
	SystemBUID      string
}

type startSessionResponse struct {
	Request          string
	Result           string
	EnableSessionSSL bool
	SessionID        string
	Error            string `plist:"Error,omitempty"`
}

// StartSession authenticates with the host identity in record and upgrades
// the channel to TLS when the device asks for it.
func (lc *Client) StartSession(ctx context.Context, record *usb.PairRecord) (string, error) {
	req := &startSessionRequest{
		Label:           usb.BundleID,
		ProtocolVersion: protocolVersion,
		Request:         "StartSession",
		HostID:          record.HostID,
		SystemBUID:      record.SystemBUID,
	}
	var resp startSessionResponse
	if err := lc.RequestContext(ctx, req, &resp); err != nil {
		return "", err
	}
	if err := checkError(req.Request, resp.Error); err != nil {
		return "", err
	}

	if resp.EnableSessionSSL {
		if err := lc.EnableSSL(record); err != nil {
			return "", fmt.Errorf("%w: failed to enable SSL for lockdown session: %w", usb.ErrInvalidPairingRecord, err)
		}
	}

	return resp.SessionID, nil
}

type stopSessionRequest struct {
	Label     string
	Request   string
	SessionID string
}

func (lc *Client) StopSession(ctx context.Context, sessionID string) error {
	req := &stopSessionRequest{
		Label:     usb.BundleID,
		Request:   "StopSession",
		SessionID: sessionID,
	}
	var resp struct {
		Error string `plist:"Error,omitempty"`
	}
	if err := lc.RequestContext(ctx, req, &resp); err != nil {
		return err
	}
	lc.DisableSSL()
	return checkError(req.Request, resp.Error)
}

type startServiceRequest struct {
	Label     string
	Request   string `plist:"Request"`
	Service   string
	EscrowBag []byte `plist:"EscrowBag,omitempty"`
}

type StartServiceResponse struct {
	Request          string
	Result           string
	Service          string
	Port             int
	EnableServiceSSL bool
	Error            string `plist:"Error,omitempty"`
}

// StartService asks lockdownd to launch service. escrowBag may be nil.
func (lc *Client) StartService(ctx context.Context, service string, escrowBag []byte) (*StartServiceResponse, error) {
	req := &startServiceRequest{
		Label:     usb.BundleID,
		Request:   "StartService",
		Service:   service,
		EscrowBag: escrowBag,
	}

	var resp StartServiceResponse
	if err := lc.RequestContext(ctx, req, &resp); err != nil {
		return nil, err
	}
	if err := checkError(req.Request, resp.Error); err != nil {
		return nil, err
	}

	return &resp, nil
}

type pairRecordPayload struct {
	DeviceCertificate []byte
	HostCertificate   []byte
	RootCertificate   []byte
	HostID            string
	SystemBUID        string
}

type pairingOptions struct {
	ExtendedPairingErrors bool
}

type pairRequest struct {
	Label           string
	ProtocolVersion string
	Request         string
	PairRecord      *pairRecordPayload
	PairingOptions  *pairingOptions `plist:"PairingOptions,omitempty"`
}

type pairResponse struct {
	Request   string
	EscrowBag []byte `plist:"EscrowBag,omitempty"`
	Error     string `plist:"Error,omitempty"`
}

func newPairRequest(request string, record *usb.PairRecord) *pairRequest {
	return &pairRequest{
		Label:           usb.BundleID,
		ProtocolVersion: protocolVersion,
		Request:         request,
		PairRecord: &pairRecordPayload{
			DeviceCertificate: record.DeviceCertificate,
			HostCertificate:   record.HostCertificate,
			RootCertificate:   record.RootCertificate,
			HostID:            record.HostID,
			SystemBUID:        record.SystemBUID,
		},
	}
}

// Pair sends one Pair request and returns the escrow bag on success.
func (lc *Client) Pair(ctx context.Context, record *usb.PairRecord) ([]byte, error) {
	req := newPairRequest("Pair", record)
	req.PairingOptions = &pairingOptions{ExtendedPairingErrors: true}

	var resp pairResponse
	if err := lc.RequestContext(ctx, req, &resp); err != nil {
		return nil, err
	}
	if err := checkError(req.Request, resp.Error); err != nil {
		return nil, err
	}

	return resp.EscrowBag, nil
}

func (lc *Client) Unpair(ctx context.Context, record *usb.PairRecord) error {
	req := newPairRequest("Unpair", record)
	var resp pairResponse
	if err := lc.RequestContext(ctx, req, &resp); err != nil {
		return err
	}
	return checkError(req.Request, resp.Error)
}

type getValueRequest struct {
	Request string
	Label   string
	Domain  string `plist:"Domain,omitempty"`
	Key     string `plist:"Key,omitempty"`
}

type getValueResponse struct {
	Domain  string `plist:"Domain,omitempty"`
	Error   string `plist:"Error,omitempty"`
	Key     string `plist:"Key,omitempty"`
	Request string `plist:"Request,omitempty"`
	Value   any    `plist:"Value,omitempty"`
}

type getValuesResponse struct {
	Error   string `plist:"Error,omitempty"`
	Request string `plist:"Request,omitempty"`
	Value   *DeviceValues
}

func (lc *Client) GetValue(ctx context.Context, domain, key string) (any, error) {
	req := &getValueRequest{
		Request: "GetValue",
		Label:   usb.BundleID,
		Domain:  domain,
		Key:     key,
	}
	var resp getValueResponse
	if err := lc.RequestContext(ctx, req, &resp); err != nil {
		return nil, err
	}
	if err := checkError(req.Request, resp.Error); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// GetValues returns every property of the root domain.
func (lc *Client) GetValues(ctx context.Context) (*DeviceValues, error) {
	req := &getValueRequest{
		Request: "GetValue",
		Label:   usb.BundleID,
	}
	var resp getValuesResponse
	if err := lc.RequestContext(ctx, req, &resp); err != nil {
		return nil, err
	}
	if err := checkError(req.Request, resp.Error); err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return nil, &Error{Request: req.Request, Code: "MissingValue"}
	}
	return resp.Value, nil
}

type DeviceValues struct {
	BuildVersion      string `plist:"BuildVersion,omitempty" json:"build_version,omitempty"`
	DeviceClass       string `plist:"DeviceClass,omitempty" json:"device_class,omitempty"`
	DeviceColor       string `plist:"DeviceColor,omitempty" json:"device_color,omitempty"`
	DeviceName        string `plist:"DeviceName,omitempty" json:"device_name,omitempty"`
	HardwareModel     string `plist:"HardwareModel,omitempty" json:"hardware_model,omitempty"`
	PasswordProtected bool   `plist:"PasswordProtected,omitempty" json:"password_protected"`
	ProductName       string `plist:"ProductName,omitempty" json:"product_name,omitempty"`
	ProductType       string `plist:"ProductType,omitempty" json:"product_type,omitempty"`
	ProductVersion    string `plist:"ProductVersion,omitempty" json:"product_version,omitempty"`
	SerialNumber      string `plist:"SerialNumber,omitempty" json:"serial_number,omitempty"`
	TimeZone          string `plist:"TimeZone,omitempty" json:"time_zone,omitempty"`
	UniqueDeviceID    string `plist:"UniqueDeviceID,omitempty" json:"unique_device_id,omitempty"`
	WiFiAddress       string `plist:"WiFiAddress,omitempty" json:"wi_fi_address,omitempty"`
}

func (dv DeviceValues) String() string {
	return fmt.Sprintf(
		colorFaint("Device Name:       ")+colorBold("%s\n")+
			colorFaint("Device Class:      ")+colorBold("%s\n")+
			colorFaint("Product Type:      ")+colorBold("%s\n")+
			colorFaint("HardwareModel:     ")+colorBold("%s\n")+
			colorFaint("BuildVersion:      ")+colorBold("%s\n")+
			colorFaint("Product Version:   ")+colorBold("%s\n")+
			colorFaint("UniqueDeviceID:    ")+colorBold("%s\n")+
			colorFaint("SerialNumber:      ")+colorBold("%s\n")+
			colorFaint("PasswordProtected: ")+colorBold("%t\n"),
		dv.DeviceName,
		dv.DeviceClass,
		dv.ProductType,
		dv.HardwareModel,
		dv.BuildVersion,
		dv.ProductVersion,
		dv.UniqueDeviceID,
		dv.SerialNumber,
		dv.PasswordProtected,
	)
}
