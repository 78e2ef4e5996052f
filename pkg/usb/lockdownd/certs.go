package lockdownd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/blacktop/camroll/pkg/usb"
	"github.com/google/uuid"
)

// KeyBits is the RSA modulus size of generated pairing keys.
var KeyBits = 2048

const certValidity = 10 * 365 * 24 * time.Hour

// NewPairRecord creates a root CA, a host identity and a device certificate
// for the device public key devicePublicKey (PEM, as reported by lockdownd).
func NewPairRecord(devicePublicKey []byte, systemBUID string) (*usb.PairRecord, error) {
	devKey, err := parseDevicePublicKey(devicePublicKey)
	if err != nil {
		return nil, err
	}

	rootKey, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate root key: %w", err)
	}
	hostKey, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}

	now := time.Now().Add(-time.Minute)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             now,
		NotAfter:              now.Add(certValidity),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyId:          keyID(&rootKey.PublicKey),
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create root certificate: %w", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, err
	}

	leaf := func(pub *rsa.PublicKey) ([]byte, error) {
		tmpl := &x509.Certificate{
			SerialNumber:          big.NewInt(1),
			NotBefore:             now,
			NotAfter:              now.Add(certValidity),
			BasicConstraintsValid: true,
			KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
			SubjectKeyId:          keyID(pub),
		}
		return x509.CreateCertificate(rand.Reader, tmpl, root, pub, rootKey)
	}
	hostDER, err := leaf(&hostKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create host certificate: %w", err)
	}
	deviceDER, err := leaf(devKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create device certificate: %w", err)
	}

	return &usb.PairRecord{
		DeviceCertificate: pemBlock("CERTIFICATE", deviceDER),
		HostCertificate:   pemBlock("CERTIFICATE", hostDER),
		HostPrivateKey:    pemBlock("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(hostKey)),
		RootCertificate:   pemBlock("CERTIFICATE", rootDER),
		RootPrivateKey:    pemBlock("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rootKey)),
		HostID:            strings.ToUpper(uuid.NewString()),
		SystemBUID:        systemBUID,
	}, nil
}

func parseDevicePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("device public key is not PEM encoded")
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse device public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported device public key type %T", key)
	}
	return pub, nil
}

func keyID(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub))
	return sum[:]
}

func pemBlock(typ string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
}
