package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dray-io/fdbexporter/internal/logging"
)

func generateTestCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	certPath = filepath.Join(dir, "cert.pem")
	certFile, err := os.Create(certPath)
	if err != nil {
		t.Fatalf("failed to create cert file: %v", err)
	}
	pem.Encode(certFile, &pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	certFile.Close()

	keyPath = filepath.Join(dir, "key.pem")
	keyFile, err := os.Create(keyPath)
	if err != nil {
		t.Fatalf("failed to create key file: %v", err)
	}
	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	pem.Encode(keyFile, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})
	keyFile.Close()

	return certPath, keyPath
}

func TestCertReloader_Load(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := generateTestCert(t, dir)

	logger := logging.Discard()

	reloader, err := NewCertReloader(certPath, keyPath, logger)
	if err != nil {
		t.Fatalf("NewCertReloader failed: %v", err)
	}

	cert, err := reloader.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}
	if cert == nil {
		t.Fatal("certificate should not be nil")
	}
}

func TestCertReloader_Reload(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := generateTestCert(t, dir)

	logger := logging.Discard()

	reloader, err := NewCertReloader(certPath, keyPath, logger)
	if err != nil {
		t.Fatalf("NewCertReloader failed: %v", err)
	}

	cert1, err := reloader.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}

	// Generate a new certificate (same paths)
	generateTestCert(t, dir)

	if err := reloader.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	cert2, err := reloader.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate after reload failed: %v", err)
	}

	// Certificates should be different (new serial number)
	if cert1 == cert2 {
		t.Error("certificates should be different after reload")
	}
}

func TestCertReloader_InvalidCert(t *testing.T) {
	dir := t.TempDir()

	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	// Write invalid content
	os.WriteFile(certPath, []byte("invalid cert"), 0644)
	os.WriteFile(keyPath, []byte("invalid key"), 0644)

	logger := logging.Discard()

	_, err := NewCertReloader(certPath, keyPath, logger)
	if err == nil {
		t.Error("expected error for invalid certificate")
	}
}

func TestCertReloader_MissingFiles(t *testing.T) {
	logger := logging.Discard()

	_, err := NewCertReloader("/nonexistent/cert.pem", "/nonexistent/key.pem", logger)
	if err == nil {
		t.Error("expected error for missing files")
	}
}

func TestNewTLSListener(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := generateTestCert(t, dir)

	logger := logging.Discard()

	tlsCfg := TLSConfig{
		CertFile: certPath,
		KeyFile:  keyPath,
	}

	ln, reloader, err := NewTLSListener("127.0.0.1:0", tlsCfg, logger)
	if err != nil {
		t.Fatalf("NewTLSListener failed: %v", err)
	}
	defer ln.Close()

	if reloader == nil {
		t.Error("reloader should not be nil")
	}

	if ln.Addr() == nil {
		t.Error("listener should have an address")
	}
}

func TestNewTLSListener_Disabled(t *testing.T) {
	logger := logging.Discard()

	tlsCfg := TLSConfig{CertFile: "cert.pem"}

	_, _, err := NewTLSListener("127.0.0.1:0", tlsCfg, logger)
	if err == nil {
		t.Error("expected error when the key file is missing")
	}
}

func TestNewTLSListener_MissingCert(t *testing.T) {
	logger := logging.Discard()

	tlsCfg := TLSConfig{
		CertFile: "",
		KeyFile:  "",
	}

	_, _, err := NewTLSListener("127.0.0.1:0", tlsCfg, logger)
	if err == nil {
		t.Error("expected error for missing cert files")
	}
}
func TestCertReloader_WatcherStopsCleanly(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := generateTestCert(t, dir)

	logger := logging.Discard()

	reloader, err := NewCertReloader(certPath, keyPath, logger)
	if err != nil {
		t.Fatalf("NewCertReloader failed: %v", err)
	}

	reloader.StartWatcher(100 * time.Millisecond)

	// Let it run briefly
	time.Sleep(50 * time.Millisecond)

	// Stop should complete without blocking
	done := make(chan struct{})
	go func() {
		reloader.Stop()
		close(done)
	}()

	select {
	case <-done:
		// Good, stopped cleanly
	case <-time.After(time.Second):
		t.Fatal("Stop() blocked for too long")
	}
}

func TestCertReloader_StopWithoutStart(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := generateTestCert(t, dir)

	reloader, err := NewCertReloader(certPath, keyPath, logging.Discard())
	if err != nil {
		t.Fatalf("NewCertReloader failed: %v", err)
	}

	reloader.Stop()
	reloader.Stop()
}

func TestCertReloader_WatcherPicksUpNewCert(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := generateTestCert(t, dir)

	reloader, err := NewCertReloader(certPath, keyPath, logging.Discard())
	if err != nil {
		t.Fatalf("NewCertReloader failed: %v", err)
	}
	before, _ := reloader.GetCertificate(nil)

	reloader.StartWatcher(20 * time.Millisecond)
	defer reloader.Stop()

	// Make sure the new files get a later modification time.
	time.Sleep(20 * time.Millisecond)
	generateTestCert(t, dir)
	future := time.Now().Add(time.Minute)
	os.Chtimes(certPath, future, future)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cur, _ := reloader.GetCertificate(nil); cur != before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("certificate was not reloaded")
}

func TestHealthServer_TLS(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := generateTestCert(t, dir)

	h := NewHealthServer("127.0.0.1:0", logging.Discard())
	h.SetTLS(TLSConfig{CertFile: certPath, KeyFile: keyPath})
	if err := h.Start(); err != nil {
		t.Fatalf("failed to start health server: %v", err)
	}
	defer h.Close()

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := client.Get("https://" + h.Addr() + "/health")
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Errorf("unexpected response %d %q", resp.StatusCode, body)
	}
	if resp.TLS == nil {
		t.Error("expected a TLS connection")
	}

	// Plain HTTP must not be served on the TLS port.
	plain := &http.Client{Timeout: 2 * time.Second}
	if resp, err := plain.Get("http://" + h.Addr() + "/health"); err == nil {
		if resp.StatusCode == http.StatusOK {
			t.Error("expected plain HTTP to be refused")
		}
		resp.Body.Close()
	}
}

func TestHealthServer_TLSBadCert(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	os.WriteFile(certPath, []byte("invalid cert"), 0o644)
	os.WriteFile(keyPath, []byte("invalid key"), 0o644)

	h := NewHealthServer("127.0.0.1:0", logging.Discard())
	h.SetTLS(TLSConfig{CertFile: certPath, KeyFile: keyPath})
	if err := h.Start(); err == nil {
		h.Close()
		t.Fatal("expected Start to fail with an invalid certificate")
	}
}
