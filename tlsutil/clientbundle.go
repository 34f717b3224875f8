package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ClientBundle is a parsed client PEM holding the CA certificates and one
// client key pair.
type ClientBundle struct {
	Certificate tls.Certificate
	ClientCert  *x509.Certificate
	CACerts     []*x509.Certificate
	CAPool      *x509.CertPool
}

// LoadClientBundle parses a client bundle from path.
func LoadClientBundle(path string) (*ClientBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client bundle: %w", err)
	}
	return LoadClientBundleFromBytes(data)
}

// LoadClientBundleFromBytes parses a client bundle. Non-CA certificates
// after the first are treated as intermediates.
func LoadClientBundleFromBytes(data []byte) (*ClientBundle, error) {
	m, err := decodePEM(data)
	if err != nil {
		return nil, fmt.Errorf("client bundle: %w", err)
	}
	out := &ClientBundle{CAPool: x509.NewCertPool()}
	var chainPEM []byte
	for i, cert := range m.certs {
		if cert.IsCA {
			out.CACerts = append(out.CACerts, cert)
			out.CAPool.AddCert(cert)
			continue
		}
		if out.ClientCert == nil {
			out.ClientCert = cert
		}
		chainPEM = append(chainPEM, m.certPEMs[i]...)
	}
	if out.ClientCert == nil {
		return nil, errors.New("client bundle: client certificate not found")
	}
	keyPEM, _, ok := m.keyFor(out.ClientCert)
	if !ok {
		return nil, errors.New("client bundle: matching private key not found")
	}
	if len(out.CACerts) == 0 {
		return nil, errors.New("client bundle: CA certificate required")
	}
	out.Certificate, err = tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("client bundle: build key pair: %w", err)
	}
	return out, nil
}

// TLSConfig returns a client configuration presenting the bundle's
// certificate and trusting its CAs.
func (b *ClientBundle) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{b.Certificate},
		RootCAs:      b.CAPool,
	}
}
