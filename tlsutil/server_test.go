package tlsutil

import (
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func rawChain(t *testing.T, certPEM []byte) [][]byte {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("decode certificate")
	}
	return [][]byte{block.Bytes}
}

func TestLoadServerVerifiesClients(t *testing.T) {
	dir := t.TempDir()
	ca, err := GenerateCA("editlock-test", time.Hour)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	srvCert, err := ca.IssueServer([]string{"localhost", "127.0.0.1"}, time.Hour)
	if err != nil {
		t.Fatalf("issue server: %v", err)
	}
	good, err := ca.IssueClient(ClientCertRequest{UserID: "alice"})
	if err != nil {
		t.Fatalf("issue client: %v", err)
	}
	revoked, err := ca.IssueClient(ClientCertRequest{UserID: "mallory"})
	if err != nil {
		t.Fatalf("issue client: %v", err)
	}
	other, err := GenerateCA("other", time.Hour)
	if err != nil {
		t.Fatalf("generate other ca: %v", err)
	}
	stranger, err := other.IssueClient(ClientCertRequest{UserID: "eve"})
	if err != nil {
		t.Fatalf("issue stranger: %v", err)
	}

	certFile := writeFile(t, dir, "server.pem", srvCert.CertPEM)
	keyFile := writeFile(t, dir, "server.key", srvCert.KeyPEM)
	caFile := writeFile(t, dir, "ca.pem", ca.CertPEM)
	denyFile := writeFile(t, dir, "deny.txt", []byte("# revoked\n\n"+strings.ToUpper(revoked.Serial)+"\n"))

	st, err := LoadServer(certFile, keyFile, caFile, denyFile)
	if err != nil {
		t.Fatalf("load server: %v", err)
	}
	cfg := st.Config()
	if cfg.ClientCAs == nil || cfg.VerifyPeerCertificate == nil {
		t.Fatal("expected client verification to be configured")
	}
	if err := st.VerifyClient(rawChain(t, good.CertPEM)); err != nil {
		t.Fatalf("expected valid client, got %v", err)
	}
	if err := st.VerifyClient(rawChain(t, revoked.CertPEM)); err == nil || !strings.Contains(err.Error(), "revoked") {
		t.Fatalf("expected revoked error, got %v", err)
	}
	if err := st.VerifyClient(rawChain(t, stranger.CertPEM)); err == nil {
		t.Fatal("expected foreign CA to be rejected")
	}
	if err := st.VerifyClient(nil); err == nil {
		t.Fatal("expected missing certificate error")
	}
}

func TestLoadServerWithoutClientCA(t *testing.T) {
	dir := t.TempDir()
	ca, err := GenerateCA("", time.Hour)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	srvCert, err := ca.IssueServer(nil, time.Hour)
	if err != nil {
		t.Fatalf("issue server: %v", err)
	}
	st, err := LoadServer(writeFile(t, dir, "s.pem", srvCert.CertPEM), writeFile(t, dir, "s.key", srvCert.KeyPEM), "", "")
	if err != nil {
		t.Fatalf("load server: %v", err)
	}
	if cfg := st.Config(); cfg.ClientCAs != nil || cfg.VerifyPeerCertificate != nil {
		t.Fatal("expected plain TLS without client auth")
	}
	if _, err := LoadServer(writeFile(t, dir, "s2.pem", srvCert.CertPEM), writeFile(t, dir, "s2.key", srvCert.KeyPEM), writeFile(t, dir, "notca.pem", srvCert.CertPEM), ""); err == nil {
		t.Fatal("expected error for client CA file without a CA certificate")
	}
}

func TestLoadCARoundTrip(t *testing.T) {
	ca, err := GenerateCA("editlock-ca", time.Hour)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	path := writeFile(t, t.TempDir(), "ca.pem", append(append([]byte{}, ca.CertPEM...), ca.KeyPEM...))
	loaded, err := LoadCA(path)
	if err != nil {
		t.Fatalf("load ca: %v", err)
	}
	if !loaded.Cert.Equal(ca.Cert) || !loaded.Key.Equal(ca.Key) {
		t.Fatal("loaded CA does not match generated CA")
	}
}

func TestNormalizeSerials(t *testing.T) {
	got := NormalizeSerials([]string{" AB ", "0xab", "", "01"})
	if len(got) != 2 || got[0] != "01" || got[1] != "ab" {
		t.Fatalf("unexpected serials %v", got)
	}
}
