// Package main is the entry point for the putdesk API server: a paper-trading dashboard
// backend that screens, compares and stress-tests cash-secured puts over live option chains.
package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/putdesk/internal/analysis"
	"github.com/yourorg/putdesk/internal/assistant"
	"github.com/yourorg/putdesk/internal/calc"
	"github.com/yourorg/putdesk/internal/circuitbreaker"
	"github.com/yourorg/putdesk/internal/compare"
	"github.com/yourorg/putdesk/internal/config"
	"github.com/yourorg/putdesk/internal/fetch"
	"github.com/yourorg/putdesk/internal/otel"
	"github.com/yourorg/putdesk/internal/portfolio"
	"github.com/yourorg/putdesk/internal/scenario"
)

// setupLogging configures logrus from the loaded configuration
func setupLogging(level, format string) {
	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// newProvider picks the snapshot provider when a file is configured and Tradier otherwise
func newProvider(cfg config.Config) (fetch.Provider, error) {
	if cfg.SnapshotFile != "" {
		p, err := fetch.LoadSnapshot(cfg.SnapshotFile)
		if err != nil {
			return nil, err
		}
		logrus.Infof("Serving %d symbols from snapshot %s", len(p.Symbols()), cfg.SnapshotFile)
		return p, nil
	}

	if cfg.ProviderToken == "" {
		logrus.Warn("PROVIDER_TOKEN is not set, provider requests will be rejected")
	}
	opts := fetch.DefaultTradierOptions()
	opts.BaseURL = cfg.ProviderURL
	opts.Token = cfg.ProviderToken
	opts.RequestsPerSecond = cfg.ProviderRPS
	opts.Timeout = cfg.RequestTimeout
	return fetch.NewTradierClient(opts), nil
}

// buildServer wires every component from the configuration
func buildServer(cfg config.Config) (*Server, error) {
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("market-data provider: %w", err)
	}
	cached := fetch.NewCachedProvider(provider, fetch.CacheTTLs{
		Quote:       cfg.CacheTTLQuote,
		Chain:       cfg.CacheTTLChain,
		Expirations: cfg.CacheTTLExpirations,
	}, nil)

	calculator := calc.New(calc.Options{RiskFreeRate: cfg.RiskFreeRate})

	scorer, err := compare.NewScorer(
		compare.WithWeights(cfg.ScoreWeights),
		compare.WithVolatilityFloor(cfg.VolatilityFloor),
		compare.WithGrid(cfg.ScenarioGrid),
	)
	if err != nil {
		return nil, fmt.Errorf("comparison scorer: %w", err)
	}

	cash, err := portfolio.ParseCash(cfg.InitialCash)
	if err != nil {
		return nil, err
	}

	breaker := circuitbreaker.New(cfg.Thresholds()).WithResetDelay(cfg.CircuitResetDelay)

	publisherConfig := assistant.DefaultPublisherConfig()
	publisherConfig.WebhookURL = cfg.AssistantWebhookURL
	publisherConfig.APIKey = cfg.AssistantAPIKey
	publisherConfig.BatchSize = cfg.AssistantBatchSize
	publisherConfig.Interval = cfg.AssistantInterval
	publisher := assistant.NewPublisher(publisherConfig)

	service := analysis.NewService(analysis.Deps{
		Provider:            cached,
		Breaker:             breaker,
		Calculator:          calculator,
		Scorer:              scorer,
		Projector:           scenario.NewProjector(calculator, scenario.WithMinSafetyBuffer(cfg.MinSafetyBuffer)),
		Publisher:           publisher,
		MaxDaysToExpiration: cfg.MaxDaysToExpiration,
	})

	return NewServer(cfg, Deps{
		Service:   service,
		Breaker:   breaker,
		Book:      portfolio.NewBook(cash, nil),
		Publisher: publisher,
		Cache:     cached,
	}), nil
}

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	shutdownTracer := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdownTracer()

	server, err := buildServer(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize server: %v", err)
	}

	server.Start()
}
