package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	ecmengine "github.com/snarg/ecm-engine"
	"github.com/snarg/ecm-engine/internal/api"
	"github.com/snarg/ecm-engine/internal/autocreate"
	"github.com/snarg/ecm-engine/internal/bulk"
	"github.com/snarg/ecm-engine/internal/cache"
	"github.com/snarg/ecm-engine/internal/config"
	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/m3u"
	"github.com/snarg/ecm-engine/internal/normalize"
	"github.com/snarg/ecm-engine/internal/notify"
	"github.com/snarg/ecm-engine/internal/probe"
	"github.com/snarg/ecm-engine/internal/tasks"
	"github.com/snarg/ecm-engine/internal/tlsmgr"
	"github.com/snarg/ecm-engine/internal/upstream"
	"github.com/snarg/ecm-engine/internal/xmltv"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	var tlsCert, tlsKey string
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.UpstreamURL, "upstream-url", "", "Upstream API base URL (overrides UPSTREAM_URL)")
	flag.StringVar(&overrides.ConfigDir, "config-dir", "", "Configuration directory (overrides CONFIG_DIR)")
	flag.StringVar(&tlsCert, "tls-cert", "", "Serve TLS with this certificate (set by the HTTPS supervisor)")
	flag.StringVar(&tlsKey, "tls-key", "", "Serve TLS with this key (set by the HTTPS supervisor)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)

	// The HTTPS child serves the same API over TLS but must not run the
	// schedulers; the parent owns those.
	isChild := tlsmgr.IsHTTPSSubprocess() || cfg.HTTPSSubprocess
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Bool("https_child", isChild).
		Str("log_level", level.String()).
		Msg("ecm-engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if !isChild {
		if err := db.InitSchema(ctx, ecmengine.SchemaSQL); err != nil {
			log.Fatal().Err(err).Msg("schema initialization failed")
		}
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("schema migration failed")
		}
	}

	// Upstream API client
	up := upstream.New(upstream.Options{
		BaseURL:  cfg.UpstreamURL,
		Username: cfg.UpstreamUsername,
		Password: cfg.UpstreamPassword,
		Timeout:  cfg.UpstreamTimeout,
		PageSize: cfg.UpstreamPageSize,
		Log:      log.With().Str("component", "upstream").Logger(),
	})

	// Cache fronting hot upstream reads
	hotCache := cache.New(cfg.CacheTTL, cfg.CacheMaxSize)
	defer hotCache.Close()

	// Tag index + normalization engine
	tagIndex := normalize.NewTagIndex(func(ctx context.Context, groupID int64) ([]normalize.IndexTag, error) {
		dbTags, err := db.ListTags(ctx, groupID)
		if err != nil {
			return nil, err
		}
		tags := make([]normalize.IndexTag, 0, len(dbTags))
		for _, t := range dbTags {
			if t.Enabled {
				tags = append(tags, normalize.IndexTag{Value: t.Value, CaseSensitive: t.CaseSensitive})
			}
		}
		return tags, nil
	})
	normalizer := normalize.NewEngine(tagIndex, log.With().Str("component", "normalize").Logger())

	// Notification fanout
	senders := &notify.Senders{
		SMTPHost:          cfg.SMTPHost,
		SMTPPort:          cfg.SMTPPort,
		SMTPUsername:      cfg.SMTPUsername,
		SMTPPassword:      cfg.SMTPPassword,
		SMTPFrom:          cfg.SMTPFrom,
		DiscordWebhookURL: cfg.DiscordWebhook,
		TelegramBotToken:  cfg.TelegramToken,
		TelegramChatID:    cfg.TelegramChatID,
		HTTP:              &http.Client{Timeout: cfg.DispatchTimeout},
		Log:               log.With().Str("component", "notify").Logger(),
	}
	var mqttPub *notify.MQTTPublisher
	if cfg.MQTTBrokerURL != "" && !isChild {
		mqttPub, err = notify.ConnectMQTT(notify.MQTTOptions{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.MQTTTopic,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Log:       log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Warn().Err(err).Msg("mqtt connect failed; events will not be published")
		} else {
			defer mqttPub.Close()
		}
	}
	notifier := notify.NewService(db, senders, notify.NewEventBus(256), mqttPub,
		nil, cfg.DispatchTimeout, log.With().Str("component", "notify").Logger())

	// Probe engine
	prober := &probe.FFProbe{
		Binary:         cfg.ProbeBinary,
		Timeout:        cfg.StreamProbeTimeout,
		SampleDuration: cfg.BitrateSampleDuration,
	}
	probeEngine := probe.NewEngine(db, prober, probe.Options{
		MaxConcurrent:   cfg.MaxConcurrentProbes,
		RetryCount:      cfg.ProbeRetryCount,
		RetryDelay:      cfg.ProbeRetryDelay,
		SkipRecentlyFor: time.Duration(cfg.SkipRecentlyProbedHours) * time.Hour,
		StrikeThreshold: cfg.StrikeThreshold,
	}, log.With().Str("component", "probe").Logger())

	// M3U change detection + digests
	detector := m3u.NewDetector(db, up, cfg.SnapshotStreamCap, cfg.ChangeLogNameCap,
		log.With().Str("component", "m3u").Logger())
	digest := m3u.NewDispatcher(db, senders, log.With().Str("component", "digest").Logger())

	// Auto-creation pipeline, bulk applier, EPG synthesis
	pipeline := autocreate.NewPipeline(up, db, log.With().Str("component", "autocreate").Logger())
	applier := bulk.NewApplier(up, log.With().Str("component", "bulk").Logger())
	epg := xmltv.NewEngine(log.With().Str("component", "xmltv").Logger())

	// TLS lifecycle
	tlsManager := tlsmgr.NewManager(cfg.ConfigDir, log.With().Str("component", "tls").Logger())

	// Task engine
	engine := tasks.NewEngine(db, notifier, log.With().Str("component", "tasks").Logger())
	if !isChild {
		registerTasks(ctx, registerDeps{
			cfg:      cfg,
			log:      log,
			db:       db,
			engine:   engine,
			upstream: up,
			probe:    probeEngine,
			prober:   prober,
			detector: detector,
			digest:   digest,
			pipeline: pipeline,
			tls:      tlsManager,
			notifier: notifier,
		})
		go engine.RunScheduler(ctx)
		go tlsManager.RunRenewalLoop(ctx, cfg.RenewalInterval)
		if err := tlsManager.StartIfEnabled(ctx); err != nil {
			log.Warn().Err(err).Msg("https listener not started")
		}
	}

	sortConfig := func() probe.SortConfig {
		cfgOut := probe.SortConfig{
			Keys:               []string{probe.KeyResolution, probe.KeyBitrate, probe.KeyAccountPriority, probe.KeyCodec},
			CodecPreference:    []string{"hevc", "h264", "mpeg2video"},
			DeprioritizeFailed: cfg.DeprioritizeFailed,
			AccountPriority:    map[int64]int{},
		}
		listCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if accounts, err := up.ListM3UAccounts(listCtx); err == nil {
			for _, a := range accounts {
				cfgOut.AccountPriority[a.ID] = a.Priority
			}
		}
		return cfgOut
	}

	// HTTP server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:     cfg,
		DB:         db,
		Upstream:   up,
		Cache:      hotCache,
		Normalizer: normalizer,
		TagIndex:   tagIndex,
		AutoCreate: pipeline,
		Probe:      probeEngine,
		Detector:   detector,
		Digest:     digest,
		TaskEngine: engine,
		Bulk:       applier,
		EPG:        epg,
		TLS:        tlsManager,
		Notify:     notifier,
		SortConfig: sortConfig,
		Version:    fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime),
		StartTime:  startTime,
		Log:        httpLog,
	})

	errCh := make(chan error, 1)
	go func() {
		if tlsCert != "" && tlsKey != "" {
			errCh <- srv.StartTLS(tlsCert, tlsKey)
		} else {
			errCh <- srv.Start()
		}
	}()

	log.Info().
		Str("listen", cfg.HTTPAddr).
		Dur("startup_ms", time.Since(startTime)).
		Msg("ecm-engine ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if !isChild {
		if err := tlsManager.Supervisor.Stop(); err != nil {
			log.Error().Err(err).Msg("https child stop error")
		}
		engine.Shutdown()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("ecm-engine stopped")
}
