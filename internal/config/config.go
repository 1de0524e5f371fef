// Package config loads the Heron configuration: tier defaults, an optional
// YAML file, then HERON_* environment overrides, validated as a whole.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HERON_"

// Load returns the validated configuration. An empty path skips the file.
// Errors wrap domain.ErrConfiguration.
func Load(path string) (*domain.Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*domain.Config, error) {
	var data []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: error reading config file: %v", domain.ErrConfiguration, err)
		}
		data = raw
	}

	tier, err := resolveTier(data, lookup)
	if err != nil {
		return nil, err
	}

	cfg := domain.DefaultConfig()
	if tier == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: error parsing config file: %v", domain.ErrConfiguration, err)
		}
	}
	cfg.Tier = tier

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveTier picks the tier from the environment, else the file, else community.
func resolveTier(data []byte, lookup func(string) (string, bool)) (domain.Tier, error) {
	tier := domain.TierCommunity
	if len(data) > 0 {
		var head struct {
			Tier domain.Tier `yaml:"tier"`
		}
		if err := yaml.Unmarshal(data, &head); err != nil {
			return "", fmt.Errorf("%w: error parsing config file: %v", domain.ErrConfiguration, err)
		}
		if head.Tier != "" {
			tier = head.Tier
		}
	}
	if v, ok := lookup(EnvPrefix + "TIER"); ok && v != "" {
		tier = domain.Tier(v)
	}

	switch tier {
	case domain.TierCommunity, domain.TierPro:
		return tier, nil
	default:
		return "", fmt.Errorf("%w: unknown tier %q", domain.ErrConfiguration, tier)
	}
}

// applyEnv overlays HERON_* variables.
func applyEnv(cfg *domain.Config, lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}

	env.str("HOST", &cfg.Server.Host)
	env.int("PORT", &cfg.Server.Port)
	env.str("LOG_LEVEL", &cfg.Logging.Level)
	env.str("LOG_FORMAT", &cfg.Logging.Format)
	if v, ok := env.get("DEBUG"); ok && v == "true" {
		cfg.Logging.Level = "debug"
	}

	env.str("REPOSITORY_DRIVER", &cfg.Repository.Driver)
	env.str("SQLITE_PATH", &cfg.Repository.SQLitePath)
	env.str("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	env.int("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	env.str("POSTGRES_USER", &cfg.Repository.PostgresUser)
	env.str("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	env.str("POSTGRES_DB", &cfg.Repository.PostgresDB)
	env.str("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	env.str("CACHE_TYPE", &cfg.Cache.Type)
	env.str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	env.str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	env.int("REDIS_DB", &cfg.Cache.RedisDB)

	env.str("EVENTBUS_TYPE", &cfg.EventBus.Type)
	env.str("NATS_URL", &cfg.EventBus.NATSUrl)
	env.str("NATS_TOKEN", &cfg.EventBus.NATSToken)

	env.bool("TRACING_ENABLED", &cfg.Tracing.Enabled)
	env.bool("RULES_FROM_REPOSITORY", &cfg.RulesFromRepository)

	env.duration("RETENTION", &cfg.Monitor.Retention)
	env.duration("SCAN_INTERVAL", &cfg.Monitor.ScanInterval)
	env.int("SCAN_EVERY", &cfg.Monitor.ScanEvery)
	env.duration("PRUNE_INTERVAL", &cfg.Monitor.PruneInterval)
	env.int("EVAL_WORKERS", &cfg.Monitor.EvalWorkers)
	env.duration("DEDUP_WINDOW", &cfg.Monitor.DedupWindow)
	env.duration("MAX_FUTURE_SKEW", &cfg.Monitor.MaxFutureSkew)

	return env.err
}

// Validate checks every engine section. Rule definitions are validated here
// and again, with CEL compilation, when the evaluator is built.
func Validate(cfg *domain.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is required", domain.ErrConfiguration)
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", domain.ErrConfiguration, cfg.Server.Port)
	}

	var errs []error
	errs = append(errs, cfg.Monitor.Validate(), cfg.Detector.Validate(), cfg.Severity.Validate())

	seen := make(map[string]struct{}, len(cfg.Rules))
	for i := range cfg.Rules {
		def := &cfg.Rules[i]
		if _, dup := seen[def.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate rule id %q", domain.ErrConfiguration, def.ID))
			continue
		}
		seen[def.ID] = struct{}{}
		errs = append(errs, def.Validate())
	}

	for _, err := range errs {
		if err != nil {
			return errors.Join(errs...)
		}
	}
	return nil
}

// envReader records the first parse failure so applyEnv stays linear.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *envReader) get(name string) (string, bool) {
	v, ok := r.lookup(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *envReader) fail(name, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s%s=%q: %v", domain.ErrConfiguration, EnvPrefix, name, value, err)
	}
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

func (r *envReader) int(name string, dst *int) {
	if v, ok := r.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) bool(name string, dst *bool) {
	if v, ok := r.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(name string, dst *domain.Duration) {
	if v, ok := r.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = domain.Duration(d)
	}
}
