package tlsmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Manager ties the pieces together: settings, storage, issuance, renewal,
// and listener supervision.
type Manager struct {
	Settings   *SettingsStore
	Storage    *CertStorage
	Issuer     *Issuer
	Supervisor *Supervisor
	Challenges *ChallengeServer

	log zerolog.Logger
}

func NewManager(configDir string, log zerolog.Logger) *Manager {
	settings := NewSettingsStore(configDir)
	storage := NewCertStorage(settings.Dir())
	challenges := NewChallengeServer()
	return &Manager{
		Settings:   settings,
		Storage:    storage,
		Issuer:     NewIssuer(storage, challenges, log),
		Supervisor: NewSupervisor(storage, log),
		Challenges: challenges,
		log:        log,
	}
}

// dnsProvider builds the configured DNS adapter, or nil for http-01.
func (m *Manager) dnsProvider(ctx context.Context, settings *Settings) (DNSProvider, error) {
	switch settings.DNSProvider {
	case "":
		return nil, nil
	case "cloudflare":
		return &CloudflareProvider{Token: settings.DNSAPIToken}, nil
	case "route53":
		return NewRoute53Provider(ctx, settings.AWSAccessKeyID, settings.AWSSecretAccessKey, settings.AWSRegion)
	}
	return nil, fmt.Errorf("unknown dns provider %q", settings.DNSProvider)
}

// IssueNow runs a full issuance for the current settings and records the
// outcome in the settings file. On success the HTTPS listener is
// (re)started with the new files.
func (m *Manager) IssueNow(ctx context.Context) error {
	settings, err := m.Settings.Load()
	if err != nil {
		return err
	}
	if settings.Mode != ModeLetsEncrypt {
		return fmt.Errorf("issuance requires letsencrypt mode")
	}

	now := time.Now().UTC()
	settings.LastRenewalAttempt = &now

	dns, err := m.dnsProvider(ctx, settings)
	if err != nil {
		settings.LastRenewalError = err.Error()
		_ = m.Settings.Save(settings)
		return err
	}

	info, err := m.Issuer.Issue(ctx, settings, dns)
	if err != nil {
		settings.LastRenewalError = err.Error()
		_ = m.Settings.Save(settings)
		return err
	}

	settings.LastRenewalError = ""
	settings.CertIssuedAt = &info.NotBefore
	settings.CertExpiresAt = &info.NotAfter
	settings.CertSubject = info.Subject
	settings.CertIssuer = info.Issuer
	if err := m.Settings.Save(settings); err != nil {
		return err
	}

	if settings.Enabled {
		if err := m.Supervisor.Restart(settings.HTTPSPort); err != nil {
			m.log.Error().Err(err).Msg("https restart after issuance failed")
		}
	}
	return nil
}

// InstallManual validates and stores an operator-supplied pair, then
// restarts the listener when enabled.
func (m *Manager) InstallManual(certPEM, keyPEM, chainPEM []byte) (*CertInfo, error) {
	info, err := m.Storage.Save(certPEM, keyPEM, chainPEM)
	if err != nil {
		return nil, err
	}
	settings, err := m.Settings.Load()
	if err != nil {
		return nil, err
	}
	settings.Mode = ModeManual
	settings.CertIssuedAt = &info.NotBefore
	settings.CertExpiresAt = &info.NotAfter
	settings.CertSubject = info.Subject
	settings.CertIssuer = info.Issuer
	settings.LastRenewalError = ""
	if err := m.Settings.Save(settings); err != nil {
		return nil, err
	}
	if settings.Enabled {
		if err := m.Supervisor.Restart(settings.HTTPSPort); err != nil {
			m.log.Error().Err(err).Msg("https restart after manual install failed")
		}
	}
	return info, nil
}

// CheckAndRenew renews when the stored certificate is inside the renewal
// window. A failed renewal records the error and keeps the old cert.
func (m *Manager) CheckAndRenew(ctx context.Context) error {
	settings, err := m.Settings.Load()
	if err != nil {
		return err
	}
	if !settings.Enabled || !settings.AutoRenew || settings.Mode != ModeLetsEncrypt {
		return nil
	}
	info, err := m.Storage.Info()
	if err != nil {
		return err
	}
	if info == nil {
		m.log.Info().Msg("no certificate on disk, issuing")
		return m.IssueNow(ctx)
	}

	daysLeft := info.DaysUntilExpiry()
	if daysLeft > settings.RenewDaysBeforeExpiry {
		m.log.Debug().Int("days_left", daysLeft).Msg("certificate renewal not needed yet")
		return nil
	}

	m.log.Info().Int("days_left", daysLeft).Int("threshold", settings.RenewDaysBeforeExpiry).
		Msg("certificate inside renewal window, renewing")
	return m.IssueNow(ctx)
}

// RunRenewalLoop wakes on the given interval (default 24 h) and runs the
// renewal check until ctx is cancelled.
func (m *Manager) RunRenewalLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	m.log.Info().Dur("interval", interval).Msg("certificate renewal loop started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("certificate renewal loop stopped")
			return
		case <-ticker.C:
			if err := m.CheckAndRenew(ctx); err != nil {
				m.log.Error().Err(err).Msg("certificate renewal failed; keeping existing certificate")
			}
		}
	}
}

// StartIfEnabled brings the HTTPS listener up at boot when settings allow.
func (m *Manager) StartIfEnabled(ctx context.Context) error {
	settings, err := m.Settings.Load()
	if err != nil {
		return err
	}
	if !settings.Enabled || !m.Storage.HasCertificate() {
		return nil
	}
	if err := m.Supervisor.Start(settings.HTTPSPort); err != nil {
		return err
	}
	return m.Supervisor.WatchCertFiles(ctx, settings.HTTPSPort)
}

// SetEnabled transitions the listener to match the desired state.
func (m *Manager) SetEnabled(enabled bool) error {
	settings, err := m.Settings.Load()
	if err != nil {
		return err
	}
	settings.Enabled = enabled
	if err := m.Settings.Save(settings); err != nil {
		return err
	}
	if enabled {
		if !m.Storage.HasCertificate() {
			return fmt.Errorf("cannot enable https: no certificate installed")
		}
		return m.Supervisor.Start(settings.HTTPSPort)
	}
	return m.Supervisor.Stop()
}
