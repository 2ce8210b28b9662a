package config

import "testing"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/ecm")
	t.Setenv("UPSTREAM_URL", "http://upstream:9191")
	t.Setenv("UPSTREAM_USERNAME", "admin")
	t.Setenv("UPSTREAM_PASSWORD", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load(Overrides{EnvFile: "/nonexistent"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.MaxConcurrentProbes != 3 || cfg.StrikeThreshold != 3 {
		t.Errorf("probe defaults = %d/%d", cfg.MaxConcurrentProbes, cfg.StrikeThreshold)
	}
	if cfg.SnapshotStreamCap != 500 {
		t.Errorf("SnapshotStreamCap = %d, want 500", cfg.SnapshotStreamCap)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadOverridesWin(t *testing.T) {
	setRequired(t)
	t.Setenv("HTTP_ADDR", ":9000")
	cfg, err := Load(Overrides{EnvFile: "/nonexistent", HTTPAddr: ":7000"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":7000" {
		t.Errorf("HTTPAddr = %q, want CLI override :7000", cfg.HTTPAddr)
	}
}

func TestAuthTokenAutoGenerated(t *testing.T) {
	setRequired(t)
	cfg, err := Load(Overrides{EnvFile: "/nonexistent"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthToken == "" || !cfg.AuthTokenGenerated {
		t.Error("auth token not auto-generated")
	}

	t.Setenv("AUTH_ENABLED", "false")
	cfg, err = Load(Overrides{EnvFile: "/nonexistent"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthToken != "" {
		t.Error("token present with auth disabled")
	}
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	setRequired(t)
	t.Setenv("UPSTREAM_PASSWORD", "")
	cfg, err := Load(Overrides{EnvFile: "/nonexistent"})
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("missing upstream credentials accepted")
	}
}
