// Package config provides configuration loading and management for the application.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/putdesk/internal/cache"
	"github.com/yourorg/putdesk/internal/calc"
	"github.com/yourorg/putdesk/internal/circuitbreaker"
	"github.com/yourorg/putdesk/internal/compare"
	"github.com/yourorg/putdesk/internal/scenario"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Market-data provider
	ProviderURL    string
	ProviderToken  string
	ProviderRPS    float64
	RequestTimeout time.Duration
	// MaxDaysToExpiration bounds which expirations are fetched
	MaxDaysToExpiration int

	// SnapshotFile switches the provider to a static chain snapshot
	SnapshotFile string

	// Analytics
	RiskFreeRate    float64
	VolatilityFloor float64
	MinSafetyBuffer float64
	ScoreWeights    compare.Weights
	ScenarioGrid    scenario.Grid

	// Provider cache
	CacheTTLQuote       time.Duration
	CacheTTLChain       time.Duration
	CacheTTLExpirations time.Duration

	// Inbound API rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Circuit breaker settings
	MaxImpliedVol     float64
	MaxUnderlyingMove float64
	MinContracts      int
	CircuitResetDelay time.Duration

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Chat assistant webhook
	AssistantWebhookURL string
	AssistantAPIKey     string
	AssistantBatchSize  int
	AssistantInterval   time.Duration

	// Paper account starting cash, as a decimal string
	InitialCash string

	LogLevel  string
	LogFormat string
}

// Load creates a new Config from environment variables. A .env file in the working
// directory (or the file named by ENV_FILE) is read first when present; variables
// already set in the environment win.
func Load() Config {
	loadDotEnv(GetEnvOrDefault("ENV_FILE", ".env"))

	thresholds := circuitbreaker.DefaultThresholds()

	return Config{
		Port:                GetEnvOrDefault("PORT", "8080"),
		ProviderURL:         strings.TrimRight(GetEnvOrDefault("PROVIDER_URL", "https://sandbox.tradier.com/v1"), "/"),
		ProviderToken:       GetEnvOrDefault("PROVIDER_TOKEN", ""),
		ProviderRPS:         GetEnvAsFloat("PROVIDER_RPS", 2),
		RequestTimeout:      GetEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		MaxDaysToExpiration: GetEnvAsInt("MAX_DTE", 60),
		SnapshotFile:        GetEnvOrDefault("SNAPSHOT_FILE", ""),
		RiskFreeRate:        GetEnvAsFloat("RISK_FREE_RATE", calc.DefaultRiskFreeRate),
		VolatilityFloor:     GetEnvAsFloat("VOLATILITY_FLOOR", compare.DefaultVolatilityFloor),
		MinSafetyBuffer:     GetEnvAsFloat("MIN_SAFETY_BUFFER", scenario.DefaultMinSafetyBuffer),
		ScoreWeights:        GetEnvAsJSON("SCORE_WEIGHTS", compare.DefaultWeights()),
		ScenarioGrid:        GetEnvAsJSON("SCENARIO_GRID", scenario.DefaultGrid()),
		CacheTTLQuote:       GetEnvAsDuration("CACHE_TTL_QUOTE", cache.TTLQuote),
		CacheTTLChain:       GetEnvAsDuration("CACHE_TTL_CHAIN", cache.TTLChain),
		CacheTTLExpirations: GetEnvAsDuration("CACHE_TTL_EXPIRATIONS", cache.TTLExpirations),
		RateLimitRPS:        GetEnvAsFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:      GetEnvAsInt("RATE_LIMIT_BURST", 20),
		MaxImpliedVol:       GetEnvAsFloat("MAX_IMPLIED_VOL", thresholds.MaxImpliedVolatility),
		MaxUnderlyingMove:   GetEnvAsFloat("MAX_UNDERLYING_MOVE", thresholds.MaxUnderlyingMove),
		MinContracts:        GetEnvAsInt("MIN_CONTRACTS", thresholds.MinContracts),
		CircuitResetDelay:   GetEnvAsDuration("CIRCUIT_RESET_DELAY", 5*time.Minute),
		OtelEndpoint:        GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		AssistantWebhookURL: GetEnvOrDefault("ASSISTANT_WEBHOOK_URL", ""),
		AssistantAPIKey:     GetEnvOrDefault("ASSISTANT_API_KEY", ""),
		AssistantBatchSize:  GetEnvAsInt("ASSISTANT_BATCH_SIZE", 10),
		AssistantInterval:   GetEnvAsDuration("ASSISTANT_INTERVAL", 30*time.Second),
		InitialCash:         GetEnvOrDefault("INITIAL_CASH", "100000"),
		LogLevel:            strings.ToLower(GetEnvOrDefault("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(GetEnvOrDefault("LOG_FORMAT", "text")),
	}
}

// Thresholds returns the circuit breaker thresholds configured for the provider.
func (c Config) Thresholds() circuitbreaker.Thresholds {
	t := circuitbreaker.DefaultThresholds()
	t.MaxImpliedVolatility = c.MaxImpliedVol
	t.MaxUnderlyingMove = c.MaxUnderlyingMove
	t.MinContracts = c.MinContracts
	return t
}

func loadDotEnv(path string) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("Could not read %s: %v", path, err)
	}
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		logrus.Warnf("Invalid integer in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		logrus.Warnf("Invalid float in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		logrus.Warnf("Invalid boolean in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.Warnf("Invalid duration in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsJSON decodes a JSON-valued environment variable into a T, or returns the default
// when the variable is unset or does not decode.
func GetEnvAsJSON[T any](key string, defaultValue T) T {
	value, exists := GetEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	var out T
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		logrus.Warnf("Invalid JSON in %s: %v, using default", key, err)
		return defaultValue
	}
	return out
}
