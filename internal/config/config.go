package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Upstream IPTV/EPG backend
	UpstreamURL      string        `env:"UPSTREAM_URL,required"`
	UpstreamUsername string        `env:"UPSTREAM_USERNAME"`
	UpstreamPassword string        `env:"UPSTREAM_PASSWORD"`
	UpstreamTimeout  time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
	UpstreamPageSize int           `env:"UPSTREAM_PAGE_SIZE" envDefault:"250"`

	ConfigDir string `env:"CONFIG_DIR" envDefault:"./config"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthEnabled        bool   `env:"AUTH_ENABLED" envDefault:"true"`
	AuthToken          string `env:"AUTH_TOKEN"`
	AuthTokenGenerated bool   // true when auto-generated (not from env/config)
	WriteToken         string `env:"WRITE_TOKEN"`
	RateLimitRPS       float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst     int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	CORSOrigins        string  `env:"CORS_ORIGINS"`
	LogLevel           string  `env:"LOG_LEVEL" envDefault:"info"`
	MetricsEnabled     bool    `env:"METRICS_ENABLED" envDefault:"true"`

	// Cache fronting hot upstream reads
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	CacheMaxSize int           `env:"CACHE_MAX_SIZE" envDefault:"5000"`

	// Stream probing
	ProbeBinary           string        `env:"PROBE_BINARY" envDefault:"ffprobe"`
	MaxConcurrentProbes   int           `env:"MAX_CONCURRENT_PROBES" envDefault:"3"`
	StreamProbeTimeout    time.Duration `env:"STREAM_PROBE_TIMEOUT" envDefault:"30s"`
	BitrateSampleDuration time.Duration `env:"BITRATE_SAMPLE_DURATION" envDefault:"5s"`
	ProbeRetryCount       int           `env:"PROBE_RETRY_COUNT" envDefault:"1"`
	ProbeRetryDelay       time.Duration `env:"PROBE_RETRY_DELAY" envDefault:"2s"`
	SkipRecentlyProbedHours int         `env:"SKIP_RECENTLY_PROBED_HOURS" envDefault:"24"`
	StrikeThreshold       int           `env:"STRIKE_THRESHOLD" envDefault:"3"`
	DeprioritizeFailed    bool          `env:"DEPRIORITIZE_FAILED_STREAMS" envDefault:"true"`

	// M3U change detection
	SnapshotStreamCap int `env:"M3U_SNAPSHOT_STREAM_CAP" envDefault:"500"`
	ChangeLogNameCap  int `env:"M3U_CHANGELOG_NAME_CAP" envDefault:"50"`

	// Notification targets
	SMTPHost       string `env:"SMTP_HOST"`
	SMTPPort       int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername   string `env:"SMTP_USERNAME"`
	SMTPPassword   string `env:"SMTP_PASSWORD"`
	SMTPFrom       string `env:"SMTP_FROM"`
	DiscordWebhook string `env:"DISCORD_WEBHOOK_URL"`
	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID string `env:"TELEGRAM_CHAT_ID"`
	DispatchTimeout time.Duration `env:"NOTIFY_DISPATCH_TIMEOUT" envDefault:"10s"`

	// Optional MQTT event publishing (home-automation integrations)
	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"ecm-engine"`
	MQTTTopic     string `env:"MQTT_TOPIC" envDefault:"ecm/events"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	// TLS / HTTPS
	HTTPSPort       int  `env:"ECM_HTTPS_PORT" envDefault:"8443"`
	HTTPSSubprocess bool `env:"ECM_HTTPS_SUBPROCESS"`
	RenewalInterval time.Duration `env:"TLS_RENEWAL_INTERVAL" envDefault:"24h"`
}

// Validate checks cross-field constraints that env tags cannot express.
func (c *Config) Validate() error {
	if c.UpstreamUsername == "" || c.UpstreamPassword == "" {
		return fmt.Errorf("UPSTREAM_USERNAME and UPSTREAM_PASSWORD must be set")
	}
	if c.MaxConcurrentProbes < 1 {
		return fmt.Errorf("MAX_CONCURRENT_PROBES must be >= 1")
	}
	if c.SnapshotStreamCap < 1 {
		return fmt.Errorf("M3U_SNAPSHOT_STREAM_CAP must be >= 1")
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	UpstreamURL string
	ConfigDir   string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.UpstreamURL != "" {
		cfg.UpstreamURL = overrides.UpstreamURL
	}
	if overrides.ConfigDir != "" {
		cfg.ConfigDir = overrides.ConfigDir
	}

	// When auth is explicitly disabled, clear any tokens so middleware passes everything through.
	if !cfg.AuthEnabled {
		cfg.AuthToken = ""
		cfg.WriteToken = ""
	} else if cfg.AuthToken == "" {
		// Auto-generate AUTH_TOKEN if not configured so the API is never open to
		// automated scanners. The token changes on each restart; set AUTH_TOKEN
		// in .env for a persistent one.
		b := make([]byte, 32)
		if _, err := rand.Read(b); err == nil {
			cfg.AuthToken = base64.URLEncoding.EncodeToString(b)
			cfg.AuthTokenGenerated = true
		}
	}

	return cfg, nil
}
