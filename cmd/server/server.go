package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/putdesk/internal/analysis"
	"github.com/yourorg/putdesk/internal/assistant"
	"github.com/yourorg/putdesk/internal/circuitbreaker"
	"github.com/yourorg/putdesk/internal/config"
	"github.com/yourorg/putdesk/internal/fetch"
	"github.com/yourorg/putdesk/internal/portfolio"
)

const version = "1.0.0"

// Deps are the services behind the HTTP API. Publisher and Cache may be nil.
type Deps struct {
	Service   *analysis.Service
	Breaker   *circuitbreaker.CircuitBreaker
	Book      *portfolio.Book
	Publisher *assistant.Publisher
	Cache     *fetch.CachedProvider
}

// Server represents the dashboard API server instance
type Server struct {
	config config.Config
	deps   Deps

	router *chi.Mux
	server *http.Server

	registry  *prometheus.Registry
	metrics   *serverMetrics
	rateLimit *rate.Limiter

	startTime time.Time
}

// serverMetrics holds Prometheus metrics for the server
type serverMetrics struct {
	requestCounter     *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	providerErrors     *prometheus.CounterVec
	circuitTrips       *prometheus.CounterVec
	screenedContracts  *prometheus.GaugeVec
	comparisonsCounter prometheus.Counter
}

// registerMetrics sets up Prometheus metrics collection on reg
func registerMetrics(reg *prometheus.Registry, breaker *circuitbreaker.CircuitBreaker) *serverMetrics {
	m := &serverMetrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "putdesk_requests_total",
				Help: "Total number of requests processed",
			},
			[]string{"route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "putdesk_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "putdesk_provider_errors_total",
				Help: "Total number of market-data provider errors",
			},
			[]string{"kind"},
		),
		circuitTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "putdesk_circuit_trips_total",
				Help: "Number of times a chain tripped the circuit breaker",
			},
			[]string{"symbol"},
		),
		screenedContracts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "putdesk_screened_contracts",
				Help: "Contracts returned by the last screen of a symbol",
			},
			[]string{"symbol"},
		),
		comparisonsCounter: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "putdesk_comparisons_total",
				Help: "Number of comparisons computed",
			},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestCounter,
		m.requestDuration,
		m.providerErrors,
		m.circuitTrips,
		m.screenedContracts,
		m.comparisonsCounter,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "putdesk_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			func() float64 { return float64(breaker.GetState()) },
		),
	)

	return m
}

// NewServer creates a new server instance and registers its routes
func NewServer(cfg config.Config, deps Deps) *Server {
	s := &Server{
		config:    cfg,
		deps:      deps,
		router:    chi.NewRouter(),
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}
	s.metrics = registerMetrics(s.registry, deps.Breaker)

	deps.Breaker.WithTripCallback(func(reason, symbol string) {
		s.metrics.circuitTrips.WithLabelValues(symbol).Inc()
	})

	if cfg.RateLimitRPS > 0 {
		s.rateLimit = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
		logrus.Infof("Rate limiting initialized: %v req/s, burst: %d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logrus.WithFields(logrus.Fields{
		"port":         cfg.Port,
		"provider":     providerName(cfg),
		"max_dte":      cfg.MaxDaysToExpiration,
		"rate_limit":   cfg.RateLimitRPS,
		"assistant":    deps.Publisher != nil && deps.Publisher.Enabled(),
		"cached_chain": deps.Cache != nil,
	}).Info("Server initialized")

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/circuit", s.handleCircuitStatus)
	s.router.Post("/circuit", s.handleCircuitStatus)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Use(middleware.Timeout(s.requestTimeout()))

		r.Get("/screen", s.handleScan)
		r.Route("/options/{symbol}", func(r chi.Router) {
			r.Get("/chain", s.handleChain)
			r.Get("/screen", s.handleScreen)
			r.Post("/compare", s.handleCompare)
			r.Get("/stress", s.handleStress)
			r.Post("/refresh", s.handleRefresh)
		})

		r.Get("/positions", s.handleListPositions)
		r.Post("/positions", s.handleOpenPosition)
		r.Post("/positions/{id}/close", s.handleClosePosition)
		r.Post("/positions/{id}/expire", s.handleExpirePosition)
		r.Get("/account", s.handleAccount)
	})
}

// requestTimeout leaves room for every expiration of a chain to be fetched.
func (s *Server) requestTimeout() time.Duration {
	if s.config.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return 3 * s.config.RequestTimeout
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.requestCounter.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.metrics.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())

		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   status,
			"duration": time.Since(start),
		}).Debug("Handled request")
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimit != nil && !s.rateLimit.Allow() {
			s.errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins the HTTP server and sets up graceful shutdown
func (s *Server) Start() {
	stopPurge := make(chan struct{})
	go s.purgeCache(stopPurge)

	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
	close(stopPurge)
	if s.deps.Publisher != nil {
		s.deps.Publisher.Stop()
	}

	logrus.Info("Server stopped")
}

// purgeCache drops expired provider answers once a minute until stop is closed
func (s *Server) purgeCache(stop <-chan struct{}) {
	if s.deps.Cache == nil {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.deps.Cache.Purge(); n > 0 {
				logrus.Debugf("Purged %d expired cache entries", n)
			}
		case <-stop:
			return
		}
	}
}

func providerName(cfg config.Config) string {
	if cfg.SnapshotFile != "" {
		return "snapshot:" + cfg.SnapshotFile
	}
	return cfg.ProviderURL
}
