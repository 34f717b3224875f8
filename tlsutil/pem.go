package tlsutil

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// pemMaterial is every certificate and private key found in a PEM file.
type pemMaterial struct {
	certs    []*x509.Certificate
	certPEMs [][]byte
	keys     []crypto.Signer
	keyPEMs  [][]byte
}

func readPEMFile(path string) (*pemMaterial, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodePEM(data)
}

func decodePEM(data []byte) (*pemMaterial, error) {
	out := &pemMaterial{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			out.certs = append(out.certs, cert)
			out.certPEMs = append(out.certPEMs, pem.EncodeToMemory(block))
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			key, err := parsePrivateKey(block)
			if err != nil {
				return nil, fmt.Errorf("parse private key: %w", err)
			}
			out.keys = append(out.keys, key)
			out.keyPEMs = append(out.keyPEMs, pem.EncodeToMemory(block))
		}
	}
	return out, nil
}

// keyFor returns the PEM of the private key matching cert.
func (m *pemMaterial) keyFor(cert *x509.Certificate) ([]byte, crypto.Signer, bool) {
	for i, key := range m.keys {
		if publicKeysEqual(cert.PublicKey, key.Public()) {
			return m.keyPEMs[i], key, true
		}
	}
	return nil, nil, false
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		return nil, err
	}
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return k, nil
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch ak := a.(type) {
	case ed25519.PublicKey:
		bk, ok := b.(ed25519.PublicKey)
		return ok && bytes.Equal(ak, bk)
	case *rsa.PublicKey:
		bk, ok := b.(*rsa.PublicKey)
		return ok && ak.Equal(bk)
	case *ecdsa.PublicKey:
		bk, ok := b.(*ecdsa.PublicKey)
		return ok && ak.Equal(bk)
	default:
		return false
	}
}

// EncodeClientBundle concatenates CA, client certificate and key into one PEM.
func EncodeClientBundle(caCertPEM, clientCertPEM, clientKeyPEM []byte) ([]byte, error) {
	if len(clientCertPEM) == 0 || len(clientKeyPEM) == 0 {
		return nil, errors.New("encode client bundle: missing components")
	}
	var buf bytes.Buffer
	buf.Write(caCertPEM)
	buf.Write(clientCertPEM)
	buf.Write(clientKeyPEM)
	return buf.Bytes(), nil
}

// FirstCertificateFromPEM returns the first certificate contained in pemBytes.
func FirstCertificateFromPEM(pemBytes []byte) (*x509.Certificate, error) {
	m, err := decodePEM(pemBytes)
	if err != nil {
		return nil, err
	}
	if len(m.certs) == 0 {
		return nil, errors.New("no certificate found")
	}
	return m.certs[0], nil
}
