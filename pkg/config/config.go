package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// ErrInvalidConfig is returned by Validate for unusable settings.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds environment-driven settings for the trading client.
type Config struct {
	Port string

	// Broker
	Token           string
	Sandbox         bool
	APIURL          string // empty picks the production or sandbox default
	StreamURL       string
	BrokerAccountID string
	RESTRateLimit   float64
	SandboxBalance  decimal.Decimal // seeded into the sandbox account at start

	// Market data
	UseMockFeed  bool
	PingInterval time.Duration
	HubBuffer    int
	HubPolicy    string // "block" or "drop_oldest"

	// Execution
	DryRun               bool
	DryRunInitialBalance decimal.Decimal
	DryRunCurrency       string
	DryRunFeeRate        decimal.Decimal // e.g. 0.0005 = 5 bps
	OrderWorkers         int
	ResyncInterval       time.Duration
	ReconcileInterval    time.Duration // 0 disables journal/broker reconciliation

	// Storage
	DBPath         string
	StrategiesPath string

	// API auth; empty disables bearer checks
	JWTSecret string

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string
	LogMaxAge int
}

// Load reads environment variables into Config. envFile is loaded first when
// given; otherwise a .env in the working directory is used if present.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		// Ignore error so the app still starts when .env is missing.
		_ = godotenv.Load()
	}

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/invest.db")
	}

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Token:                os.Getenv("TINKOFF_TOKEN"),
		Sandbox:              getEnvBool("TINKOFF_SANDBOX", true),
		APIURL:               os.Getenv("TINKOFF_API_URL"),
		StreamURL:            os.Getenv("TINKOFF_STREAM_URL"),
		BrokerAccountID:      os.Getenv("BROKER_ACCOUNT_ID"),
		RESTRateLimit:        getEnvFloat("REST_RATE_LIMIT", 2),
		SandboxBalance:       getEnvDecimal("SANDBOX_BALANCE", decimal.NewFromInt(100000)),
		UseMockFeed:          getEnvBool("MARKET_MOCK", false),
		PingInterval:         getEnvDuration("PING_INTERVAL", 30*time.Second),
		HubBuffer:            getEnvInt("HUB_BUFFER", 256),
		HubPolicy:            strings.ToLower(getEnv("HUB_POLICY", "drop_oldest")),
		DryRun:               getEnvBool("DRY_RUN", false),
		DryRunInitialBalance: getEnvDecimal("DRY_RUN_INITIAL_BALANCE", decimal.NewFromInt(100000)),
		DryRunCurrency:       strings.ToUpper(getEnv("DRY_RUN_CURRENCY", "USD")),
		DryRunFeeRate:        getEnvDecimal("DRY_RUN_FEE_RATE", decimal.RequireFromString("0.0005")),
		OrderWorkers:         getEnvInt("ORDER_WORKERS", 4),
		ResyncInterval:       getEnvDuration("RESYNC_INTERVAL", time.Minute),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		DBPath:               dbPath,
		StrategiesPath:       getEnv("STRATEGIES_PATH", "./strategies.yaml"),
		JWTSecret:            os.Getenv("API_JWT_SECRET"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		LogOutput:            getEnv("LOG_OUTPUT", "stdout"),
		LogMaxAge:            getEnvInt("LOG_MAX_AGE", 7),
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	var problems []string
	if !c.DryRun && c.Token == "" {
		problems = append(problems, "TINKOFF_TOKEN is required unless DRY_RUN is set")
	}
	if !c.UseMockFeed && c.Token == "" {
		problems = append(problems, "TINKOFF_TOKEN is required for the live market stream (set MARKET_MOCK for local runs)")
	}
	if c.Port == "" {
		problems = append(problems, "PORT is empty")
	} else if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		problems = append(problems, fmt.Sprintf("PORT %q is not a valid port", c.Port))
	}
	if c.RESTRateLimit <= 0 {
		problems = append(problems, "REST_RATE_LIMIT must be positive")
	}
	if c.HubBuffer <= 0 {
		problems = append(problems, "HUB_BUFFER must be positive")
	}
	if c.HubPolicy != "block" && c.HubPolicy != "drop_oldest" {
		problems = append(problems, fmt.Sprintf("HUB_POLICY %q is not block or drop_oldest", c.HubPolicy))
	}
	if c.OrderWorkers <= 0 {
		problems = append(problems, "ORDER_WORKERS must be positive")
	}
	if c.ResyncInterval <= 0 {
		problems = append(problems, "RESYNC_INTERVAL must be positive")
	}
	if c.ReconcileInterval < 0 {
		problems = append(problems, "RECONCILE_INTERVAL must not be negative")
	}
	if c.DryRun {
		if !c.DryRunInitialBalance.IsPositive() {
			problems = append(problems, "DRY_RUN_INITIAL_BALANCE must be positive")
		}
		if c.DryRunFeeRate.IsNegative() {
			problems = append(problems, "DRY_RUN_FEE_RATE must not be negative")
		}
		if c.DryRunCurrency == "" {
			problems = append(problems, "DRY_RUN_CURRENCY is empty")
		}
	}
	if c.DBPath == "" {
		problems = append(problems, "DB_PATH is empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Mode is the human label shown in the status API.
func (c *Config) Mode() string {
	switch {
	case c.DryRun:
		return "DRY_RUN"
	case c.Sandbox:
		return "SANDBOX"
	default:
		return "LIVE"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("45s") or plain seconds ("45").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
