// Package config loads the Daybook runtime configuration.
//
// Server knobs come from environment variables with sensible defaults.
// The provider/condition registry is a YAML document loaded separately so
// the host can reload it at runtime without restarting.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daybook-io/daybook/pkg/models"
)

// Config holds all configuration for the Daybook daemon.
type Config struct {
	Port             int
	Version          string
	DataDir          string
	RegistryPath     string
	PostgresURL      string // optional entry archive
	RolloverInterval time.Duration
	MaxConcurrent    int // cap on simultaneous generations
	Telemetry        TelemetryConfig
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:             envInt("DAYBOOK_PORT", 8080),
		Version:          envStr("DAYBOOK_VERSION", "0.2.0"),
		DataDir:          envStr("DAYBOOK_DATA_DIR", ""),
		RegistryPath:     envStr("DAYBOOK_REGISTRY_PATH", "daybook.yaml"),
		PostgresURL:      envStr("DAYBOOK_POSTGRES_URL", ""),
		RolloverInterval: envDuration("DAYBOOK_ROLLOVER_INTERVAL", time.Minute),
		MaxConcurrent:    envInt("DAYBOOK_MAX_CONCURRENT", 3),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "daybookd"),
		},
	}
}

// ── Registry document ────────────────────────────────────────

// Selection configures provider ordering for the failover layer.
type Selection struct {
	DefaultProvider   string              `yaml:"default_provider"`
	FallbackProviders []string            `yaml:"fallback_providers"`
	Preferred         map[string][]string `yaml:"preferred"` // category → provider names
}

// Registry is the reloadable provider/condition document.
type Registry struct {
	Providers     []models.ProviderProfile `yaml:"providers"`
	Selection     Selection                `yaml:"selection"`
	Conditions    []models.TriggerRule     `yaml:"conditions"`
	ClaimedEvents []models.ClaimedEvent    `yaml:"claimed_events"`
}

// LoadRegistry reads and validates the registry document. A missing file
// is not an error: built-in defaults apply.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRegistry(), nil
		}
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}

	if len(reg.Conditions) == 0 {
		reg.Conditions = DefaultRegistry().Conditions
	}
	if len(reg.ClaimedEvents) == 0 {
		reg.ClaimedEvents = DefaultRegistry().ClaimedEvents
	}

	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return &reg, nil
}

// Validate checks the registry for malformed entries. Validation failures
// are fatal at startup: a half-applied registry is worse than none.
func (r *Registry) Validate() error {
	seen := make(map[string]bool, len(r.Providers))
	for i := range r.Providers {
		p := &r.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d: missing name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %q: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if p.Kind == "" {
			return fmt.Errorf("provider %q: missing kind", p.Name)
		}
	}

	if d := r.Selection.DefaultProvider; d != "" && !seen[d] {
		return fmt.Errorf("selection: default_provider %q is not a configured provider", d)
	}

	for i := range r.Conditions {
		c := &r.Conditions[i]
		if c.ID == "" {
			return fmt.Errorf("condition %d: missing id", i)
		}
		switch c.Kind {
		case models.RuleEvent:
			if c.Probability < 0 || c.Probability > 1 {
				return fmt.Errorf("condition %q: probability %v out of [0,1]", c.ID, c.Probability)
			}
		case models.RuleTime:
			if _, err := ParseClock(c.TimeStart); err != nil {
				return fmt.Errorf("condition %q: time_start: %w", c.ID, err)
			}
			if _, err := ParseClock(c.TimeEnd); err != nil {
				return fmt.Errorf("condition %q: time_end: %w", c.ID, err)
			}
		case models.RuleImage:
			// no extra fields
		case models.RuleExpr:
			if c.Expr == "" {
				return fmt.Errorf("condition %q: missing expr", c.ID)
			}
		default:
			return fmt.Errorf("condition %q: unknown kind %q", c.ID, c.Kind)
		}
	}
	return nil
}

// ParseClock parses a "HH:MM" wall-clock string into minutes past midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// DefaultRegistry returns the built-in conditions and claimed events used
// when the registry document is absent or leaves them out.
func DefaultRegistry() *Registry {
	return &Registry{
		Conditions: []models.TriggerRule{
			{ID: "any-event", Kind: models.RuleEvent, AppliesTo: []string{models.CategoryAll}, Probability: 0.3, Active: true},
			{ID: "evening-weather", Kind: models.RuleTime, AppliesTo: []string{models.CategoryWeather}, TimeStart: "18:00", TimeEnd: "23:00", Active: true},
			{ID: "photo-moment", Kind: models.RuleImage, AppliesTo: []string{models.CategoryPhoto}, Active: true},
		},
		ClaimedEvents: []models.ClaimedEvent{
			{Category: models.CategoryAnniversary, Name: "birthday", Claimed: true},
			{Category: models.CategoryAnniversary, Name: "first-meeting", Claimed: true},
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
