// Package tlsutil loads and issues the certificates editlock uses for TLS
// and mutual TLS.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// ServerTLS is the material a TLS listener needs. ClientCAs is nil unless
// client certificates are required.
type ServerTLS struct {
	Certificate tls.Certificate
	ClientCAs   *x509.CertPool
	Denylist    map[string]struct{}
}

// LoadServer reads the server key pair and, when clientCAFile is set, the
// pool used to verify client certificates. denylistPath lists revoked client
// serials in hex, one per line.
func LoadServer(certFile, keyFile, clientCAFile, denylistPath string) (*ServerTLS, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	out := &ServerTLS{Certificate: cert, Denylist: map[string]struct{}{}}
	if clientCAFile != "" {
		m, err := readPEMFile(clientCAFile)
		if err != nil {
			return nil, fmt.Errorf("tls: read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		added := 0
		for _, ca := range m.certs {
			if ca.IsCA {
				pool.AddCert(ca)
				added++
			}
		}
		if added == 0 {
			return nil, fmt.Errorf("tls: no CA certificate in %s", clientCAFile)
		}
		out.ClientCAs = pool
	}
	if denylistPath != "" {
		serials, err := LoadDenylist(denylistPath)
		if err != nil {
			return nil, err
		}
		for _, s := range serials {
			out.Denylist[s] = struct{}{}
		}
	}
	return out, nil
}

// Config returns a server tls.Config. With client CAs loaded every
// connection must present a certificate that chains to them and is not
// on the denylist.
func (s *ServerTLS) Config() *tls.Config {
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{s.Certificate},
		NextProtos:   []string{"h2", "http/1.1"},
	}
	if s.ClientCAs == nil {
		return cfg
	}
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	cfg.ClientCAs = s.ClientCAs
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		return s.VerifyClient(rawCerts)
	}
	return cfg
}

// VerifyClient checks a raw client chain against the CA pool and denylist.
func (s *ServerTLS) VerifyClient(rawCerts [][]byte) error {
	if len(rawCerts) == 0 {
		return errors.New("mtls: missing client certificate")
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("mtls: parse client certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	leaf := certs[0]
	serial := strings.ToLower(leaf.SerialNumber.Text(16))
	if _, revoked := s.Denylist[serial]; revoked {
		return fmt.Errorf("mtls: certificate %s revoked", serial)
	}
	opts := x509.VerifyOptions{
		Roots:         s.ClientCAs,
		CurrentTime:   time.Now(),
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("mtls: verify client certificate: %w", err)
	}
	return nil
}

// LoadDenylist reads revoked serials, skipping blank lines and # comments.
func LoadDenylist(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read denylist: %w", err)
	}
	var serials []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		serials = append(serials, line)
	}
	return NormalizeSerials(serials), nil
}

// NormalizeSerials lowercases, trims, de-duplicates and sorts serials.
func NormalizeSerials(serials []string) []string {
	set := make(map[string]struct{}, len(serials))
	for _, s := range serials {
		s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x")
		if s == "" {
			continue
		}
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
