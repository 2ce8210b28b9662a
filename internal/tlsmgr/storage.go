package tlsmgr

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CertInfo summarizes the stored leaf certificate.
type CertInfo struct {
	Subject   string    `json:"subject"`
	Issuer    string    `json:"issuer"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	DNSNames  []string  `json:"dns_names"`
}

// DaysUntilExpiry is negative for expired certificates.
func (ci *CertInfo) DaysUntilExpiry() int {
	return int(time.Until(ci.NotAfter).Hours() / 24)
}

func (ci *CertInfo) IsExpired() bool {
	return time.Now().After(ci.NotAfter)
}

// CertStorage owns the on-disk certificate material under the TLS
// directory: cert.pem (0640), key.pem (0600), chain.pem, fullchain.pem,
// acme_account.json. The directory itself is 0700.
type CertStorage struct {
	dir string
}

func NewCertStorage(dir string) *CertStorage {
	return &CertStorage{dir: dir}
}

func (cs *CertStorage) CertPath() string      { return filepath.Join(cs.dir, "cert.pem") }
func (cs *CertStorage) KeyPath() string       { return filepath.Join(cs.dir, "key.pem") }
func (cs *CertStorage) ChainPath() string     { return filepath.Join(cs.dir, "chain.pem") }
func (cs *CertStorage) FullchainPath() string { return filepath.Join(cs.dir, "fullchain.pem") }
func (cs *CertStorage) AccountPath() string   { return filepath.Join(cs.dir, "acme_account.json") }

func (cs *CertStorage) ensureDir() error {
	if err := os.MkdirAll(cs.dir, 0o700); err != nil {
		return err
	}
	return os.Chmod(cs.dir, 0o700)
}

// ValidatePair checks that the certificate and key parse and that the
// certificate's public key matches the private key.
func ValidatePair(certPEM, keyPEM []byte) (*CertInfo, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("certificate/key mismatch: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	switch leaf.PublicKey.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
	default:
		return nil, fmt.Errorf("unsupported public key type %T", leaf.PublicKey)
	}
	return &CertInfo{
		Subject:   leaf.Subject.CommonName,
		Issuer:    leaf.Issuer.CommonName,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		DNSNames:  leaf.DNSNames,
	}, nil
}

// Save validates the pair and writes all files with strict modes. The
// fullchain is cert + chain, what the HTTPS listener serves.
func (cs *CertStorage) Save(certPEM, keyPEM, chainPEM []byte) (*CertInfo, error) {
	info, err := ValidatePair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	if err := cs.ensureDir(); err != nil {
		return nil, err
	}

	if err := os.WriteFile(cs.CertPath(), certPEM, 0o640); err != nil {
		return nil, err
	}
	if err := os.WriteFile(cs.KeyPath(), keyPEM, 0o600); err != nil {
		return nil, err
	}
	fullchain := certPEM
	if len(chainPEM) > 0 {
		if err := os.WriteFile(cs.ChainPath(), chainPEM, 0o640); err != nil {
			return nil, err
		}
		fullchain = append(append([]byte{}, certPEM...), chainPEM...)
	}
	if err := os.WriteFile(cs.FullchainPath(), fullchain, 0o640); err != nil {
		return nil, err
	}
	return info, nil
}

// Info reads and summarizes the stored certificate, or nil when absent.
func (cs *CertStorage) Info() (*CertInfo, error) {
	certPEM, err := os.ReadFile(cs.CertPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", cs.CertPath())
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	return &CertInfo{
		Subject:   leaf.Subject.CommonName,
		Issuer:    leaf.Issuer.CommonName,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		DNSNames:  leaf.DNSNames,
	}, nil
}

// HasCertificate reports whether both cert and key files exist.
func (cs *CertStorage) HasCertificate() bool {
	if _, err := os.Stat(cs.CertPath()); err != nil {
		return false
	}
	_, err := os.Stat(cs.KeyPath())
	return err == nil
}
