// Package config loads the application configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v4"

	"github.com/Rin0913/modhost/internal/health"
	"github.com/Rin0913/modhost/internal/module"
)

const (
	EnvLogLevel  = "MODHOST_LOG_LEVEL"
	EnvRedisAddr = "REDIS_ADDR"

	healthMonitorModule = "health-monitor"
)

var ErrInvalid = errors.New("invalid configuration")

// ModuleConfig selects a module to load and the values handed to its
// Configure. Scalar values of any YAML type are accepted.
type ModuleConfig struct {
	Name    string         `yaml:"name"`
	Enabled *bool          `yaml:"enabled,omitempty"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// IsEnabled reports whether the module should be loaded; unset means yes.
func (m ModuleConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Values renders Config as the string map modules consume.
func (m ModuleConfig) Values() module.Config {
	out := make(module.Config, len(m.Config))
	for k, v := range m.Config {
		if v == nil {
			out[k] = ""
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

type Config struct {
	LogLevel     string               `yaml:"log_level"`
	Modules      []ModuleConfig       `yaml:"modules"`
	HealthChecks []health.CheckConfig `yaml:"health_checks"`
}

// Default loads the three bundled modules with their built-in settings.
func Default() Config {
	return Config{
		LogLevel: "info",
		Modules: []ModuleConfig{
			{Name: healthMonitorModule},
			{Name: "http-server"},
			{Name: "api"},
		},
	}
}

// Load reads path, applies environment overrides and validates the result.
// An empty path yields Default with overrides.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		applyEnv(&cfg)
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies environment overrides and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		for i := range cfg.Modules {
			m := &cfg.Modules[i]
			if m.Name != healthMonitorModule {
				continue
			}
			if m.Config == nil {
				m.Config = make(map[string]any)
			}
			if _, set := m.Config["redis_addr"]; !set {
				m.Config["redis_addr"] = v
			}
		}
	}
}

// Validate rejects unnamed or duplicate modules and health checks.
func (c Config) Validate() error {
	var problems []string

	seen := make(map[string]bool)
	for i, m := range c.Modules {
		switch {
		case strings.TrimSpace(m.Name) == "":
			problems = append(problems, fmt.Sprintf("modules[%d]: missing name", i))
		case seen[m.Name]:
			problems = append(problems, fmt.Sprintf("modules[%d]: duplicate module %q", i, m.Name))
		}
		seen[m.Name] = true
	}

	checks := make(map[string]bool)
	for i, hc := range c.HealthChecks {
		switch {
		case strings.TrimSpace(hc.Name) == "":
			problems = append(problems, fmt.Sprintf("health_checks[%d]: missing name", i))
		case checks[hc.Name]:
			problems = append(problems, fmt.Sprintf("health_checks[%d]: duplicate check %q", i, hc.Name))
		case hc.Type == "":
			problems = append(problems, fmt.Sprintf("health_checks[%d]: missing type", i))
		case hc.TimeoutMs < 0 || hc.IntervalMs < 0 || hc.MaxFailures < 0:
			problems = append(problems, fmt.Sprintf("health_checks[%d]: negative value", i))
		}
		checks[hc.Name] = true
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// EnabledModules returns the names of the modules to load, in file order.
func (c Config) EnabledModules() []string {
	var out []string
	for _, m := range c.Modules {
		if m.IsEnabled() {
			out = append(out, m.Name)
		}
	}
	return out
}

// Module returns the entry for name.
func (c Config) Module(name string) (ModuleConfig, bool) {
	for _, m := range c.Modules {
		if m.Name == name {
			return m, true
		}
	}
	return ModuleConfig{}, false
}

// CheckNames returns the configured health check names, sorted.
func (c Config) CheckNames() []string {
	out := make([]string, 0, len(c.HealthChecks))
	for _, hc := range c.HealthChecks {
		out = append(out, hc.Name)
	}
	sort.Strings(out)
	return out
}
