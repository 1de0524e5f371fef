package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/shopspring/decimal"
)

func envMap(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heron.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("", envMap(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Repository.Driver != "sqlite" || cfg.EventBus.Type != "channel" {
		t.Errorf("unexpected community collaborators: %s/%s", cfg.Repository.Driver, cfg.EventBus.Type)
	}
	if cfg.Detector.MaxCycleLength != 8 {
		t.Errorf("expected default max cycle length 8, got %d", cfg.Detector.MaxCycleLength)
	}
}

func TestLoadProTierFromEnv(t *testing.T) {
	cfg, err := load("", envMap(map[string]string{"HERON_TIER": "pro"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Repository.Driver != "postgres" || cfg.Cache.Type != "redis" || cfg.EventBus.Type != "nats" {
		t.Errorf("unexpected pro collaborators: %+v", cfg)
	}
}

func TestLoadExampleFile(t *testing.T) {
	cfg, err := load(filepath.Join("..", "..", "configs", "heron.example.yaml"), envMap(nil))
	if err != nil {
		t.Fatalf("example config should load: %v", err)
	}
	if len(cfg.Rules) != 9 {
		t.Fatalf("expected 9 rules, got %d", len(cfg.Rules))
	}

	s := cfg.Rules[2]
	if s.Kind != domain.RuleStructuring || s.Structuring == nil {
		t.Fatalf("expected structuring rule, got %+v", s)
	}
	if !s.Structuring.SubThreshold.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("unexpected sub threshold %s", s.Structuring.SubThreshold)
	}
	if s.Structuring.Window.Duration() != 24*time.Hour {
		t.Errorf("unexpected window %s", s.Structuring.Window)
	}
	if cfg.Monitor.Retention.Duration() != 720*time.Hour {
		t.Errorf("unexpected retention %s", cfg.Monitor.Retention)
	}
	if cfg.Monitor.MaxFutureSkew.Duration() != 24*time.Hour {
		t.Errorf("unexpected max future skew %s", cfg.Monitor.MaxFutureSkew)
	}

	p := cfg.Rules[7]
	if p.Kind != domain.RuleNewPayee || p.NewPayee == nil || p.NewPayee.LookBack.Duration() != 720*time.Hour {
		t.Errorf("expected new payee rule with 720h look-back, got %+v", p)
	}
}

func TestFileOverridesOnlyGivenKeys(t *testing.T) {
	path := writeFile(t, `
detector:
  maxCycleLength: 5
monitor:
  scanEvery: 50
`)
	cfg, err := load(path, envMap(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Detector.MaxCycleLength != 5 || cfg.Monitor.ScanEvery != 50 {
		t.Errorf("file values not applied: %+v %+v", cfg.Detector, cfg.Monitor)
	}
	if cfg.Detector.MinCycleLength != 3 || cfg.Monitor.EvalWorkers != 8 {
		t.Error("unset keys should keep defaults")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  port: 9000\n")
	cfg, err := load(path, envMap(map[string]string{
		"HERON_PORT":            "9100",
		"HERON_DEBUG":           "true",
		"HERON_SCAN_INTERVAL":   "30s",
		"HERON_NATS_URL":        "nats://bus:4222",
		"HERON_MAX_FUTURE_SKEW": "2h",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("expected env port 9100, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
	if cfg.Monitor.ScanInterval.Duration() != 30*time.Second {
		t.Errorf("expected 30s scan interval, got %s", cfg.Monitor.ScanInterval)
	}
	if cfg.EventBus.NATSUrl != "nats://bus:4222" {
		t.Errorf("unexpected nats url %s", cfg.EventBus.NATSUrl)
	}
	if cfg.Monitor.MaxFutureSkew.Duration() != 2*time.Hour {
		t.Errorf("expected 2h max future skew, got %s", cfg.Monitor.MaxFutureSkew)
	}
}

func TestConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{"unknown tier", "tier: enterprise\n", nil},
		{"bad yaml", "detector: [unclosed\n", nil},
		{"bad env int", "", map[string]string{"HERON_PORT": "eighty"}},
		{"bad env duration", "", map[string]string{"HERON_RETENTION": "forever"}},
		{"zero retention", "monitor:\n  retention: 0s\n", nil},
		{"negative future skew", "monitor:\n  maxFutureSkew: -1h\n", nil},
		{"new payee without look-back", `
rules:
  - id: p
    kind: new_payee
    newPayee: {minAmount: "1"}
`, nil},
		{"max below min cycle", "detector:\n  maxCycleLength: 2\n", nil},
		{"inverted severity", "severity:\n  ruleOnly: HIGH\n  patternOnly: MEDIUM\n  compound: LOW\n", nil},
		{"negative threshold", `
rules:
  - id: big
    kind: threshold
    threshold:
      limit: "-5"
`, nil},
		{"empty risk set", `
rules:
  - id: c
    kind: high_risk_country
    highRiskCountry:
      countries: []
`, nil},
		{"duplicate rule id", `
rules:
  - id: dup
    kind: threshold
    threshold: {limit: "1"}
  - id: dup
    kind: threshold
    threshold: {limit: "2"}
`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			_, err := load(path, envMap(tt.env))
			if !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
