package tlsutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadClientBundle(t *testing.T) {
	ca, err := GenerateCA("test-ca", 24*time.Hour)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	issued, err := ca.IssueClient(ClientCertRequest{UserID: "u-42", Email: "ed@example.com", Roles: []string{"admin"}, Validity: 12 * time.Hour})
	if err != nil {
		t.Fatalf("issue client: %v", err)
	}
	data, err := EncodeClientBundle(ca.CertPEM, issued.CertPEM, issued.KeyPEM)
	if err != nil {
		t.Fatalf("encode client bundle: %v", err)
	}
	path := filepath.Join(t.TempDir(), "client.pem")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}

	parsed, err := LoadClientBundle(path)
	if err != nil {
		t.Fatalf("load client bundle: %v", err)
	}
	if parsed.ClientCert.Subject.CommonName != "u-42" {
		t.Fatalf("unexpected common name %q", parsed.ClientCert.Subject.CommonName)
	}
	if ou := parsed.ClientCert.Subject.OrganizationalUnit; len(ou) != 1 || ou[0] != "admin" {
		t.Fatalf("unexpected roles %v", ou)
	}
	if len(parsed.CACerts) != 1 {
		t.Fatalf("expected 1 CA, got %d", len(parsed.CACerts))
	}
	if cfg := parsed.TLSConfig(); len(cfg.Certificates) != 1 || cfg.RootCAs == nil {
		t.Fatal("expected client tls config with certificate and roots")
	}
}

func TestLoadClientBundleErrors(t *testing.T) {
	ca, err := GenerateCA("", time.Hour)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	issued, err := ca.IssueClient(ClientCertRequest{UserID: "u"})
	if err != nil {
		t.Fatalf("issue client: %v", err)
	}
	if _, err := LoadClientBundleFromBytes(ca.CertPEM); err == nil {
		t.Fatal("expected missing client certificate error")
	}
	if _, err := LoadClientBundleFromBytes(append(append([]byte{}, ca.CertPEM...), issued.CertPEM...)); err == nil {
		t.Fatal("expected missing key error")
	}
	if _, err := LoadClientBundleFromBytes(append(append([]byte{}, issued.CertPEM...), issued.KeyPEM...)); err == nil {
		t.Fatal("expected missing CA error")
	}
	if _, err := ca.IssueClient(ClientCertRequest{}); err == nil {
		t.Fatal("expected user id to be required")
	}
}
