package module

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidConfig is wrapped by every ConfigError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError reports a configuration value that could not be applied.
type ConfigError struct {
	Module string
	Key    string
	Value  string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Module == "" {
		return fmt.Sprintf("config %s=%q: %v", e.Key, e.Value, e.Err)
	}
	return fmt.Sprintf("module %s: config %s=%q: %v", e.Module, e.Key, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() []error { return []error{ErrInvalidConfig, e.Err} }

// Config is the string-keyed configuration handed to Configure.
type Config map[string]string

// Clone returns an independent copy; nil stays nil.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// String returns the value of key or def when absent.
func (c Config) String(key, def string) string {
	if v, ok := c[key]; ok {
		return v
	}
	return def
}

// Int parses key as a base-10 integer. An absent key yields def.
func (c Config) Int(key string, def int) (int, error) {
	v, ok := c[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, &ConfigError{Key: key, Value: v, Err: err}
	}
	return n, nil
}

// Bool treats "true" and "1" as true and anything else as false, matching
// the flags accepted by the bundled modules.
func (c Config) Bool(key string, def bool) bool {
	v, ok := c[key]
	if !ok {
		return def
	}
	return v == "true" || v == "1"
}

// Named attaches the module name to a ConfigError, passing other errors through.
func Named(module string, err error) error {
	var ce *ConfigError
	if errors.As(err, &ce) && ce.Module == "" {
		ce.Module = module
	}
	return err
}
