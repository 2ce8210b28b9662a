// Package tlsmgr manages the TLS lifecycle: settings, certificate storage,
// ACME issuance over HTTP-01 and DNS-01, the renewal loop, and supervision
// of the HTTPS child process.
package tlsmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Settings is the operator-facing TLS configuration, stored as JSON in the
// TLS directory. The file holds DNS API secrets, so it is written 0600.
type Settings struct {
	Enabled    bool   `json:"enabled"`
	Mode       string `json:"mode"` // letsencrypt or manual
	Domain     string `json:"domain"`
	ACMEEmail  string `json:"acme_email"`
	UseStaging bool   `json:"use_staging"`

	DNSProvider        string `json:"dns_provider,omitempty"` // "", cloudflare, route53
	DNSAPIToken        string `json:"dns_api_token,omitempty"`
	AWSAccessKeyID     string `json:"aws_access_key_id,omitempty"`
	AWSSecretAccessKey string `json:"aws_secret_access_key,omitempty"`
	AWSRegion          string `json:"aws_region,omitempty"`

	AutoRenew            bool `json:"auto_renew"`
	RenewDaysBeforeExpiry int  `json:"renew_days_before_expiry"`
	HTTPSPort            int  `json:"https_port"`

	CertIssuedAt  *time.Time `json:"cert_issued_at,omitempty"`
	CertExpiresAt *time.Time `json:"cert_expires_at,omitempty"`
	CertSubject   string     `json:"cert_subject,omitempty"`
	CertIssuer    string     `json:"cert_issuer,omitempty"`

	LastRenewalAttempt *time.Time `json:"last_renewal_attempt,omitempty"`
	LastRenewalError   string     `json:"last_renewal_error,omitempty"`
}

// Modes.
const (
	ModeLetsEncrypt = "letsencrypt"
	ModeManual      = "manual"
)

// SettingsStore persists Settings under <configDir>/tls/settings.json.
type SettingsStore struct {
	mu   sync.Mutex
	path string
	dir  string
}

func NewSettingsStore(configDir string) *SettingsStore {
	dir := filepath.Join(configDir, "tls")
	return &SettingsStore{dir: dir, path: filepath.Join(dir, "settings.json")}
}

// Dir returns the TLS directory (certs, account key, settings).
func (s *SettingsStore) Dir() string { return s.dir }

func (s *SettingsStore) ensureDir() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	return os.Chmod(s.dir, 0o700)
}

// Load reads settings, returning defaults when the file does not exist.
func (s *SettingsStore) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return defaultSettings(), nil
	}
	if err != nil {
		return nil, err
	}
	settings := defaultSettings()
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return settings, nil
}

// Save writes settings atomically with mode 0600.
func (s *SettingsStore) Save(settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDir(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Validate checks settings at write time.
func (s *Settings) Validate() error {
	switch s.Mode {
	case ModeLetsEncrypt:
		if s.Domain == "" {
			return fmt.Errorf("letsencrypt mode requires a domain")
		}
		if s.ACMEEmail == "" {
			return fmt.Errorf("letsencrypt mode requires acme_email")
		}
		switch s.DNSProvider {
		case "", "cloudflare", "route53":
		default:
			return fmt.Errorf("unknown dns_provider %q", s.DNSProvider)
		}
		if s.DNSProvider == "cloudflare" && s.DNSAPIToken == "" {
			return fmt.Errorf("cloudflare dns provider requires dns_api_token")
		}
		if s.DNSProvider == "route53" && (s.AWSAccessKeyID == "" || s.AWSSecretAccessKey == "") {
			return fmt.Errorf("route53 dns provider requires aws credentials")
		}
	case ModeManual:
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}
	if s.HTTPSPort < 1 || s.HTTPSPort > 65535 {
		return fmt.Errorf("https_port %d out of range", s.HTTPSPort)
	}
	if s.RenewDaysBeforeExpiry < 1 {
		return fmt.Errorf("renew_days_before_expiry must be >= 1")
	}
	return nil
}

func defaultSettings() *Settings {
	return &Settings{
		Mode:                  ModeLetsEncrypt,
		AutoRenew:             true,
		RenewDaysBeforeExpiry: 30,
		HTTPSPort:             8443,
	}
}
