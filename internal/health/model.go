package health

import "time"

// Check types understood by the built-in probe engine. Other types resolve
// to checkers registered at runtime.
const (
	TypeHTTP   = "http"
	TypeTCP    = "tcp"
	TypeCustom = "custom"
)

// CheckConfig describes one monitored target, keyed by Name.
type CheckConfig struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	TimeoutMs   int    `json:"timeout_ms" yaml:"timeout_ms"`
	IntervalMs  int    `json:"interval_ms" yaml:"interval_ms"`
	MaxFailures int    `json:"max_failures" yaml:"max_failures"`
}

// Timeout returns the configured probe timeout, or def when unset.
func (c CheckConfig) Timeout(def time.Duration) time.Duration {
	if c.TimeoutMs > 0 {
		return time.Duration(c.TimeoutMs) * time.Millisecond
	}
	return def
}

// Interval returns the configured polling interval, or def when unset.
func (c CheckConfig) Interval(def time.Duration) time.Duration {
	if c.IntervalMs > 0 {
		return time.Duration(c.IntervalMs) * time.Millisecond
	}
	return def
}

// Result is the outcome of a single probe.
type Result struct {
	Name         string        `json:"name"`
	Healthy      bool          `json:"healthy"`
	Status       string        `json:"status"`
	LastCheck    time.Time     `json:"last_check"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
}

// Target is the classified state of a monitored name.
type Target struct {
	Check    CheckConfig `json:"check"`
	Healthy  bool        `json:"healthy"`
	Failures int         `json:"consecutive_failures"`
	Last     Result      `json:"last"`
}

// StatusChange is the payload published on TopicStatusChange.
type StatusChange struct {
	Module  string `json:"module"`
	Healthy bool   `json:"healthy"`
}

// Bus topics used by the health monitor.
const (
	TopicStatusChange = "health.status_change"
	TopicCheck        = "health.check"
	TopicAdd          = "health.add"
	TopicRemove       = "health.remove"
)
