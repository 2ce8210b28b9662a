package tlsmgr

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// selfSigned produces a throwaway cert/key pair for storage tests.
func selfSigned(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		DNSNames:     []string{cn},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

func TestSaveWritesStrictModes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	cs := NewCertStorage(dir)
	certPEM, keyPEM := selfSigned(t, "ecm.example.com")

	info, err := cs.Save(certPEM, keyPEM, nil)
	if err != nil {
		t.Fatal(err)
	}
	if info.Subject != "ecm.example.com" {
		t.Errorf("subject = %q", info.Subject)
	}

	dirInfo, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if dirInfo.Mode().Perm() != 0o700 {
		t.Errorf("tls dir mode = %o, want 700", dirInfo.Mode().Perm())
	}
	keyInfo, err := os.Stat(cs.KeyPath())
	if err != nil {
		t.Fatal(err)
	}
	if keyInfo.Mode().Perm() != 0o600 {
		t.Errorf("key mode = %o, want 600", keyInfo.Mode().Perm())
	}
	certInfo, err := os.Stat(cs.CertPath())
	if err != nil {
		t.Fatal(err)
	}
	if certInfo.Mode().Perm() != 0o640 {
		t.Errorf("cert mode = %o, want 640", certInfo.Mode().Perm())
	}
}

func TestValidatePairRejectsMismatch(t *testing.T) {
	certPEM, _ := selfSigned(t, "a.example.com")
	_, otherKey := selfSigned(t, "b.example.com")

	if _, err := ValidatePair(certPEM, otherKey); err == nil {
		t.Error("mismatched cert/key pair accepted")
	}
}

func TestInfoRoundTrip(t *testing.T) {
	cs := NewCertStorage(filepath.Join(t.TempDir(), "tls"))
	certPEM, keyPEM := selfSigned(t, "ecm.example.com")

	if !cs.HasCertificate() {
		// expected: nothing stored yet
	} else {
		t.Fatal("HasCertificate true before save")
	}

	if _, err := cs.Save(certPEM, keyPEM, nil); err != nil {
		t.Fatal(err)
	}
	if !cs.HasCertificate() {
		t.Fatal("HasCertificate false after save")
	}

	info, err := cs.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info == nil || info.Subject != "ecm.example.com" {
		t.Errorf("info = %+v", info)
	}
	if d := info.DaysUntilExpiry(); d < 85 || d > 90 {
		t.Errorf("days until expiry = %d, want ~90", d)
	}
}

func TestSettingsStoreRoundTrip(t *testing.T) {
	store := NewSettingsStore(t.TempDir())

	// Defaults when no file exists.
	s, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.Mode != ModeLetsEncrypt || s.RenewDaysBeforeExpiry != 30 {
		t.Errorf("defaults = %+v", s)
	}

	s.Domain = "ecm.example.com"
	s.ACMEEmail = "ops@example.com"
	s.DNSProvider = "cloudflare"
	s.DNSAPIToken = "secret-token"
	if err := store.Save(s); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(store.Dir(), "settings.json"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("settings mode = %o, want 600 (holds dns secrets)", info.Mode().Perm())
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Domain != "ecm.example.com" || loaded.DNSAPIToken != "secret-token" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"valid_http01", func(s *Settings) {
			s.Domain = "x.example.com"
			s.ACMEEmail = "a@b.c"
		}, false},
		{"missing_domain", func(s *Settings) { s.ACMEEmail = "a@b.c" }, true},
		{"missing_email", func(s *Settings) { s.Domain = "x.example.com" }, true},
		{"cloudflare_without_token", func(s *Settings) {
			s.Domain = "x.example.com"
			s.ACMEEmail = "a@b.c"
			s.DNSProvider = "cloudflare"
		}, true},
		{"unknown_provider", func(s *Settings) {
			s.Domain = "x.example.com"
			s.ACMEEmail = "a@b.c"
			s.DNSProvider = "gandi"
		}, true},
		{"manual_mode_no_domain_needed", func(s *Settings) { s.Mode = ModeManual }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := defaultSettings()
			tt.mutate(s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
