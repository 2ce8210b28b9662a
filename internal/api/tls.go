package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/ecm-engine/internal/tlsmgr"
)

type TLSHandler struct {
	manager *tlsmgr.Manager
}

func NewTLSHandler(manager *tlsmgr.Manager) *TLSHandler {
	return &TLSHandler{manager: manager}
}

func (h *TLSHandler) Routes(r chi.Router) {
	r.Route("/tls", func(r chi.Router) {
		r.Get("/settings", h.getSettings)
		r.Put("/settings", h.updateSettings)
		r.Get("/status", h.status)
		r.Post("/issue", h.issue)
		r.Post("/renew", h.renew)
		r.Post("/enable", h.enable)
		r.Post("/disable", h.disable)
		r.Post("/certificate", h.uploadCertificate)
	})
}

// redacted strips secrets before settings leave the process.
func redacted(s *tlsmgr.Settings) *tlsmgr.Settings {
	out := *s
	if out.DNSAPIToken != "" {
		out.DNSAPIToken = "***"
	}
	if out.AWSSecretAccessKey != "" {
		out.AWSSecretAccessKey = "***"
	}
	return &out
}

func (h *TLSHandler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.manager.Settings.Load()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, redacted(settings))
}

func (h *TLSHandler) updateSettings(w http.ResponseWriter, r *http.Request) {
	existing, err := h.manager.Settings.Load()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var incoming tlsmgr.Settings
	if err := DecodeJSON(r, &incoming); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Redacted secrets posted back unchanged keep their stored values.
	if incoming.DNSAPIToken == "***" {
		incoming.DNSAPIToken = existing.DNSAPIToken
	}
	if incoming.AWSSecretAccessKey == "***" {
		incoming.AWSSecretAccessKey = existing.AWSSecretAccessKey
	}
	// Certificate metadata is owned by the issuance path.
	incoming.CertIssuedAt = existing.CertIssuedAt
	incoming.CertExpiresAt = existing.CertExpiresAt
	incoming.CertSubject = existing.CertSubject
	incoming.CertIssuer = existing.CertIssuer
	incoming.LastRenewalAttempt = existing.LastRenewalAttempt
	incoming.LastRenewalError = existing.LastRenewalError

	if err := incoming.Validate(); err != nil {
		WriteValidationError(w, err.Error())
		return
	}
	if err := h.manager.Settings.Save(&incoming); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, redacted(&incoming))
}

func (h *TLSHandler) status(w http.ResponseWriter, r *http.Request) {
	settings, err := h.manager.Settings.Load()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	info, err := h.manager.Storage.Info()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := map[string]any{
		"enabled":       settings.Enabled,
		"mode":          settings.Mode,
		"https_running": h.manager.Supervisor.Running(),
		"https_port":    h.manager.Supervisor.Port(),
	}
	if info != nil {
		out["certificate"] = info
		out["days_until_expiry"] = info.DaysUntilExpiry()
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *TLSHandler) issue(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.IssueNow(r.Context()); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.status(w, r)
}

func (h *TLSHandler) renew(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.CheckAndRenew(r.Context()); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.status(w, r)
}

func (h *TLSHandler) enable(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.SetEnabled(true); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.status(w, r)
}

func (h *TLSHandler) disable(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.SetEnabled(false); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.status(w, r)
}

// uploadCertificate installs an operator-supplied pair (manual mode).
func (h *TLSHandler) uploadCertificate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CertPEM  string `json:"cert_pem"`
		KeyPEM   string `json:"key_pem"`
		ChainPEM string `json:"chain_pem,omitempty"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := h.manager.InstallManual([]byte(req.CertPEM), []byte(req.KeyPEM), []byte(req.ChainPEM))
	if err != nil {
		WriteValidationError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, info)
}
