package tlsutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// CA holds a certificate authority keypair.
type CA struct {
	Cert    *x509.Certificate
	CertPEM []byte
	Key     ed25519.PrivateKey
	KeyPEM  []byte
}

// IssuedCert is an issued certificate and its private key.
type IssuedCert struct {
	CertPEM []byte
	KeyPEM  []byte
	Serial  string
}

// ClientCertRequest describes an editor's client certificate. The common
// name becomes the user id and each role is stored as an organizational unit.
type ClientCertRequest struct {
	UserID   string
	Email    string
	Roles    []string
	Validity time.Duration
}

// GenerateCA creates a new self-signed ed25519 certificate authority.
func GenerateCA(commonName string, validity time.Duration) (*CA, error) {
	if validity <= 0 {
		validity = 10 * 365 * 24 * time.Hour
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ca key: %w", err)
	}
	template := &x509.Certificate{
		Subject:               pkix.Name{CommonName: defaultString(commonName, "editlock-ca")},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}
	der, keyPEM, _, err := sign(template, validity, nil, nil, pub, priv)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse ca cert: %w", err)
	}
	return &CA{
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Key:     priv,
		KeyPEM:  keyPEM,
	}, nil
}

// IssueServer issues a server certificate valid for hosts (DNS names or IPs).
func (ca *CA) IssueServer(hosts []string, validity time.Duration) (IssuedCert, error) {
	if ca == nil {
		return IssuedCert{}, errors.New("ca is nil")
	}
	template := &x509.Certificate{
		Subject:     pkix.Name{CommonName: "editlock-server"},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}
	if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}
	return ca.issue(template, validity)
}

// IssueClient issues a client certificate carrying an editor identity.
func (ca *CA) IssueClient(req ClientCertRequest) (IssuedCert, error) {
	if ca == nil {
		return IssuedCert{}, errors.New("ca is nil")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return IssuedCert{}, errors.New("client certificate requires a user id")
	}
	template := &x509.Certificate{
		Subject: pkix.Name{
			CommonName:         strings.TrimSpace(req.UserID),
			OrganizationalUnit: append([]string(nil), req.Roles...),
		},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		template.EmailAddresses = []string{email}
	}
	return ca.issue(template, req.Validity)
}

func (ca *CA) issue(template *x509.Certificate, validity time.Duration) (IssuedCert, error) {
	if validity <= 0 {
		validity = 365 * 24 * time.Hour
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("generate key: %w", err)
	}
	der, keyPEM, serial, err := sign(template, validity, ca.Cert, ca.Key, pub, priv)
	if err != nil {
		return IssuedCert{}, err
	}
	return IssuedCert{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  keyPEM,
		Serial:  serial,
	}, nil
}

// sign self-signs when parent is nil.
func sign(template *x509.Certificate, validity time.Duration, parent *x509.Certificate, parentKey ed25519.PrivateKey, pub ed25519.PublicKey, priv ed25519.PrivateKey) ([]byte, []byte, string, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, nil, "", fmt.Errorf("generate serial: %w", err)
	}
	now := time.Now().UTC()
	template.SerialNumber = serial
	template.NotBefore = now.Add(-time.Hour)
	template.NotAfter = now.Add(validity)
	if parent == nil {
		parent, parentKey = template, priv
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, parentKey)
	if err != nil {
		return nil, nil, "", fmt.Errorf("create certificate: %w", err)
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, "", fmt.Errorf("marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	return der, keyPEM, serial.Text(16), nil
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// LoadCA reads a CA certificate and its ed25519 key from one PEM file.
func LoadCA(path string) (*CA, error) {
	m, err := readPEMFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	for i, cert := range m.certs {
		if !cert.IsCA {
			continue
		}
		keyPEM, signer, ok := m.keyFor(cert)
		if !ok {
			return nil, fmt.Errorf("ca private key not found in %s", path)
		}
		key, ok := signer.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("ca private key must be ed25519, got %T", signer)
		}
		return &CA{Cert: cert, CertPEM: m.certPEMs[i], Key: key, KeyPEM: keyPEM}, nil
	}
	return nil, fmt.Errorf("ca certificate not found in %s", path)
}
