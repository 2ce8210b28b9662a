package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/autocreate"
	"github.com/snarg/ecm-engine/internal/bulk"
	"github.com/snarg/ecm-engine/internal/cache"
	"github.com/snarg/ecm-engine/internal/config"
	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/m3u"
	"github.com/snarg/ecm-engine/internal/metrics"
	"github.com/snarg/ecm-engine/internal/normalize"
	"github.com/snarg/ecm-engine/internal/notify"
	"github.com/snarg/ecm-engine/internal/probe"
	"github.com/snarg/ecm-engine/internal/tasks"
	"github.com/snarg/ecm-engine/internal/tlsmgr"
	"github.com/snarg/ecm-engine/internal/upstream"
	"github.com/snarg/ecm-engine/internal/xmltv"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

type ServerOptions struct {
	Config     *config.Config
	DB         *database.DB
	Upstream   *upstream.Client
	Cache      *cache.Cache
	Normalizer *normalize.Engine
	TagIndex   *normalize.TagIndex
	AutoCreate *autocreate.Pipeline
	Probe      *probe.Engine
	Detector   *m3u.Detector
	Digest     *m3u.Dispatcher
	TaskEngine *tasks.Engine
	Bulk       *bulk.Applier
	EPG        *xmltv.Engine
	TLS        *tlsmgr.Manager
	Notify     *notify.Service
	SortConfig func() probe.SortConfig

	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.Config.CORSOrigins != "" {
		for _, o := range strings.Split(opts.Config.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}

	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))

	// The ACME HTTP-01 challenge handler rides the main listener so plain
	// HTTP keeps answering challenges whatever the HTTPS child is doing.
	r.Get(tlsmgr.ChallengePrefix+"*", opts.TLS.Challenges.Handler())

	// Unauthenticated: health and metrics.
	health := NewHealthHandler(opts.DB, opts.Upstream, opts.Version, opts.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	if opts.Config.MetricsEnabled {
		prometheus.MustRegister(metrics.NewCollector(opts.DB.Pool, opts.Config.StrikeThreshold))
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	// Authenticated API.
	r.Group(func(r chi.Router) {
		r.Use(MaxBodySize(10 << 20))
		if opts.Config.MetricsEnabled {
			r.Use(metrics.InstrumentHandler)
		}
		r.Use(BearerAuth(opts.Config.AuthToken, opts.Config.WriteToken))
		r.Use(WriteAuth(opts.Config.WriteToken))

		r.Route("/api/v1", func(r chi.Router) {
			NewNormalizationHandler(opts.DB, opts.Normalizer, opts.TagIndex, opts.Upstream).Routes(r)
			NewTagsHandler(opts.DB, opts.TagIndex).Routes(r)
			NewAutoCreateHandler(opts.DB, opts.AutoCreate).Routes(r)
			NewProbeHandler(opts.DB, opts.Probe, opts.Upstream, opts.SortConfig).Routes(r)
			NewM3UHandler(opts.DB, opts.Detector, opts.Digest).Routes(r)
			NewTasksHandler(opts.DB, opts.TaskEngine).Routes(r)
			NewBulkHandler(opts.Bulk).Routes(r)
			NewChannelsHandler(opts.Upstream, opts.Cache, opts.EPG).Routes(r)
			NewTLSHandler(opts.TLS).Routes(r)
			NewNotificationsHandler(opts.DB, opts.Notify).Routes(r)
			NewEventsHandler(opts.Notify.Bus()).Routes(r)
		})
	})

	srv := &http.Server{
		Addr:        opts.Config.HTTPAddr,
		Handler:     r,
		ReadTimeout: opts.Config.ReadTimeout,
		IdleTimeout: opts.Config.IdleTimeout,
		// WriteTimeout 0 allows long-lived SSE connections; non-streaming
		// handlers finish quickly on their own.
		WriteTimeout: 0,
	}

	return &Server{http: srv, log: opts.Log}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// StartTLS serves the same handler over TLS; used by the HTTPS child.
func (s *Server) StartTLS(certFile, keyFile string) error {
	s.log.Info().Str("addr", s.http.Addr).Msg("https server starting")
	err := s.http.ListenAndServeTLS(certFile, keyFile)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
