package tlsmgr

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme"
)

// ACME directories.
const (
	LetsEncryptProduction = "https://acme-v02.api.letsencrypt.org/directory"
	LetsEncryptStaging    = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// Poll cadence for authorization and order state: 2 s intervals, ~60 s per
// phase. Cancellation is honored between polls.
const (
	pollInterval = 2 * time.Second
	pollAttempts = 30
)

// ErrIssuance wraps any ACME protocol failure; the renewal loop records it
// and keeps serving the old certificate.
var ErrIssuance = errors.New("acme issuance failed")

// Issuer runs the ACME order flow and stores the resulting certificate.
type Issuer struct {
	storage    *CertStorage
	challenges *ChallengeServer
	log        zerolog.Logger
}

func NewIssuer(storage *CertStorage, challenges *ChallengeServer, log zerolog.Logger) *Issuer {
	return &Issuer{storage: storage, challenges: challenges, log: log}
}

type acmeAccount struct {
	URI    string `json:"uri"`
	KeyPEM string `json:"key_pem"`
}

// accountClient loads or registers the ACME account (RSA-4096 key) and
// returns a ready client.
func (i *Issuer) accountClient(ctx context.Context, settings *Settings) (*acme.Client, error) {
	directory := LetsEncryptProduction
	if settings.UseStaging {
		directory = LetsEncryptStaging
	}

	data, err := os.ReadFile(i.storage.AccountPath())
	if err == nil {
		var acct acmeAccount
		if jerr := json.Unmarshal(data, &acct); jerr == nil {
			if key := parseRSAKey([]byte(acct.KeyPEM)); key != nil {
				return &acme.Client{Key: key, DirectoryURL: directory}, nil
			}
		}
		i.log.Warn().Msg("stored acme account unreadable, registering a new one")
	}

	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, err
	}
	client := &acme.Client{Key: key, DirectoryURL: directory}
	account, err := client.Register(ctx, &acme.Account{
		Contact: []string{"mailto:" + settings.ACMEEmail},
	}, acme.AcceptTOS)
	if err != nil {
		return nil, fmt.Errorf("%w: register account: %v", ErrIssuance, err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	acct := acmeAccount{URI: account.URI, KeyPEM: string(keyPEM)}
	if data, err := json.MarshalIndent(acct, "", "  "); err == nil {
		if werr := os.WriteFile(i.storage.AccountPath(), data, 0o600); werr != nil {
			i.log.Warn().Err(werr).Msg("failed to persist acme account")
		}
	}
	i.log.Info().Str("uri", account.URI).Bool("staging", settings.UseStaging).
		Msg("acme account registered")
	return client, nil
}

// Issue walks the ACME order state machine for the configured domain:
// newOrder → authorizations → challenge response → poll authorization →
// finalize with CSR → download chain. With a DNS provider configured the
// dns-01 challenge is used; otherwise http-01 answered from the main
// listener. The issued certificate is validated and saved.
func (i *Issuer) Issue(ctx context.Context, settings *Settings, dns DNSProvider) (*CertInfo, error) {
	client, err := i.accountClient(ctx, settings)
	if err != nil {
		return nil, err
	}

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(settings.Domain))
	if err != nil {
		return nil, fmt.Errorf("%w: new order: %v", ErrIssuance, err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := i.solveAuthorization(ctx, client, authzURL, settings, dns); err != nil {
			return nil, err
		}
	}

	certKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: settings.Domain},
		DNSNames: []string{settings.Domain},
	}, certKey)
	if err != nil {
		return nil, err
	}

	finalizeCtx, cancel := context.WithTimeout(ctx, pollInterval*pollAttempts)
	defer cancel()
	ders, _, err := client.CreateOrderCert(finalizeCtx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, fmt.Errorf("%w: finalize order: %v", ErrIssuance, err)
	}

	var certPEM, chainPEM []byte
	for n, der := range ders {
		block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		if n == 0 {
			certPEM = block
		} else {
			chainPEM = append(chainPEM, block...)
		}
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(certKey),
	})

	info, err := i.storage.Save(certPEM, keyPEM, chainPEM)
	if err != nil {
		return nil, fmt.Errorf("save issued certificate: %w", err)
	}
	i.log.Info().Str("domain", settings.Domain).Time("expires", info.NotAfter).
		Msg("certificate issued")
	return info, nil
}

// solveAuthorization answers one authorization's challenge and polls it to
// the valid state.
func (i *Issuer) solveAuthorization(ctx context.Context, client *acme.Client, authzURL string, settings *Settings, dns DNSProvider) error {
	authz, err := client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("%w: get authorization: %v", ErrIssuance, err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var challenge *acme.Challenge
	wantType := "http-01"
	if dns != nil {
		wantType = "dns-01"
	}
	for _, ch := range authz.Challenges {
		if ch.Type == wantType {
			challenge = ch
			break
		}
	}
	if challenge == nil {
		return fmt.Errorf("%w: no %s challenge offered", ErrIssuance, wantType)
	}

	var cleanup func()
	if dns != nil {
		keyAuth, err := client.DNS01ChallengeRecord(challenge.Token)
		if err != nil {
			return fmt.Errorf("%w: dns challenge record: %v", ErrIssuance, err)
		}
		zoneID, err := dns.GetZoneID(ctx, settings.Domain)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIssuance, err)
		}
		name := "_acme-challenge." + settings.Domain
		recordID, err := dns.CreateTXTRecord(ctx, zoneID, name, keyAuth, 120)
		if err != nil {
			return fmt.Errorf("%w: create txt record: %v", ErrIssuance, err)
		}
		cleanup = func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := dns.DeleteTXTRecord(cleanupCtx, zoneID, recordID); err != nil {
				i.log.Warn().Err(err).Str("record", name).Msg("failed to delete challenge record")
			}
		}
	} else {
		keyAuth, err := client.HTTP01ChallengeResponse(challenge.Token)
		if err != nil {
			return fmt.Errorf("%w: http challenge response: %v", ErrIssuance, err)
		}
		i.challenges.Set(challenge.Token, keyAuth)
		cleanup = func() { i.challenges.Delete(challenge.Token) }
	}
	defer cleanup()

	if _, err := client.Accept(ctx, challenge); err != nil {
		return fmt.Errorf("%w: accept challenge: %v", ErrIssuance, err)
	}
	return i.pollAuthorization(ctx, client, authzURL)
}

// pollAuthorization polls until valid/invalid, checking cancellation
// between polls.
func (i *Issuer) pollAuthorization(ctx context.Context, client *acme.Client, authzURL string) error {
	for attempt := 0; attempt < pollAttempts; attempt++ {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return fmt.Errorf("%w: poll authorization: %v", ErrIssuance, err)
		}
		switch authz.Status {
		case acme.StatusValid:
			return nil
		case acme.StatusInvalid:
			return fmt.Errorf("%w: authorization invalid", ErrIssuance)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return fmt.Errorf("%w: authorization never validated within %s", ErrIssuance,
		pollInterval*pollAttempts)
}

func parseRSAKey(keyPEM []byte) *rsa.PrivateKey {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil
	}
	return key
}
