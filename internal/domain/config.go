package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the complete Heron configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier selects default collaborator drivers
	Tier Tier `json:"tier" yaml:"tier"`

	// Engine settings
	Monitor  MonitorConfig    `json:"monitor" yaml:"monitor"`
	Detector DetectorConfig   `json:"detector" yaml:"detector"`
	Severity SeverityPolicy   `json:"severity" yaml:"severity"`
	Risk     RiskWeights      `json:"risk" yaml:"risk"`
	Rules    []RuleDefinition `json:"rules" yaml:"rules"`

	// RulesFromRepository loads the rule set from the repository instead of Rules.
	RulesFromRepository bool `json:"rulesFromRepository" yaml:"rulesFromRepository"`

	// Collaborators
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// MonitorConfig holds graph lifecycle and scheduling parameters.
type MonitorConfig struct {
	// Retention is how far behind the latest transaction edges are kept in the graph.
	Retention Duration `json:"retention" yaml:"retention"`
	// ScanInterval is the pattern scan cadence; 0 disables cadence scans.
	ScanInterval Duration `json:"scanInterval" yaml:"scanInterval"`
	// ScanEvery triggers a scan after this many insertions; 0 disables.
	ScanEvery int `json:"scanEvery" yaml:"scanEvery"`
	// PruneInterval is the pruning cadence; 0 disables automatic pruning.
	PruneInterval Duration `json:"pruneInterval" yaml:"pruneInterval"`
	// EvalWorkers bounds parallel rule evaluation within a batch.
	EvalWorkers int `json:"evalWorkers" yaml:"evalWorkers"`
	// DedupWindow is the alert dedup bucket width (24h = calendar day, UTC).
	DedupWindow Duration `json:"dedupWindow" yaml:"dedupWindow"`
	// SeenTTL is how long ingested ids are remembered by the seen cache.
	SeenTTL Duration `json:"seenTtl" yaml:"seenTtl"`
	// ExtraCurrencies are accepted besides ISO 4217 codes (e.g. BTC, ETH, USDT).
	ExtraCurrencies []string `json:"extraCurrencies" yaml:"extraCurrencies"`
	// MaxFutureSkew rejects transactions dated further ahead of the wall clock; 0 disables.
	MaxFutureSkew Duration `json:"maxFutureSkew" yaml:"maxFutureSkew"`
}

// Validate checks engine parameters. Errors wrap ErrConfiguration.
func (c MonitorConfig) Validate() error {
	switch {
	case c.Retention <= 0:
		return fmt.Errorf("%w: retention must be positive", ErrConfiguration)
	case c.ScanInterval < 0 || c.PruneInterval < 0:
		return fmt.Errorf("%w: intervals must not be negative", ErrConfiguration)
	case c.ScanEvery < 0:
		return fmt.Errorf("%w: scan_every must not be negative", ErrConfiguration)
	case c.EvalWorkers < 1:
		return fmt.Errorf("%w: eval workers must be at least 1", ErrConfiguration)
	case c.DedupWindow <= 0:
		return fmt.Errorf("%w: dedup window must be positive", ErrConfiguration)
	case c.MaxFutureSkew < 0:
		return fmt.Errorf("%w: max future skew must not be negative", ErrConfiguration)
	}
	return nil
}

// Validate checks detector parameters. Errors wrap ErrConfiguration.
func (c DetectorConfig) Validate() error {
	switch {
	case c.CycleWindow <= 0:
		return fmt.Errorf("%w: cycle window must be positive", ErrConfiguration)
	case c.MinCycleLength < 2:
		return fmt.Errorf("%w: min cycle length must be at least 2", ErrConfiguration)
	case c.MaxCycleLength < c.MinCycleLength:
		return fmt.Errorf("%w: max cycle length %d is below min %d", ErrConfiguration, c.MaxCycleLength, c.MinCycleLength)
	case c.MaxCyclesPerScan < 0:
		return fmt.Errorf("%w: max cycles per scan must not be negative", ErrConfiguration)
	case c.FanWindow <= 0:
		return fmt.Errorf("%w: fan window must be positive", ErrConfiguration)
	case c.FanBranching < 1:
		return fmt.Errorf("%w: fan branching must be at least 1", ErrConfiguration)
	case c.FanAggregate.IsNegative():
		return fmt.Errorf("%w: fan aggregate must not be negative", ErrConfiguration)
	case c.FanThreshold.IsNegative():
		return fmt.Errorf("%w: fan threshold must not be negative", ErrConfiguration)
	case c.ClusterMinSize < 0:
		return fmt.Errorf("%w: cluster min size must not be negative", ErrConfiguration)
	}
	return nil
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs with SQLite, an in-memory cache and channels
	TierCommunity Tier = "community"

	// TierPro runs with PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultDetectorConfig returns detector defaults: cycles of 3 to 8 hops within 72h,
// fan-out/in above 5 counterparties and 10,000 within 24h.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		CycleWindow:      Duration(72 * time.Hour),
		MinCycleLength:   3,
		MaxCycleLength:   8,
		MaxCyclesPerScan: 10000,
		FanWindow:        Duration(24 * time.Hour),
		FanBranching:     5,
		FanAggregate:     decimal.NewFromInt(10000),
		FanThreshold:     decimal.NewFromInt(10000),
		ClusterMinSize:   0,
	}
}

// DefaultMonitorConfig returns engine lifecycle defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Retention:       Duration(30 * 24 * time.Hour),
		ScanInterval:    Duration(5 * time.Minute),
		ScanEvery:       1000,
		PruneInterval:   Duration(10 * time.Minute),
		EvalWorkers:     8,
		DedupWindow:     Duration(24 * time.Hour),
		SeenTTL:         Duration(31 * 24 * time.Hour),
		ExtraCurrencies: []string{"BTC", "ETH", "USDT", "USDC"},
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:     TierCommunity,
		Monitor:  DefaultMonitorConfig(),
		Detector: DefaultDetectorConfig(),
		Severity: DefaultSeverityPolicy(),
		Risk:     DefaultRiskWeights(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./heron.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100000,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "heron",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "heron",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   10000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
