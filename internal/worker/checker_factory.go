package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.yaml.in/yaml/v4"

	"github.com/Rin0913/modhost/internal/health"
	"github.com/Rin0913/modhost/internal/log"
)

// CheckerConfig is the layout of a checkers file:
//
//	checkers:
//	  disk:
//	    type: command
//	    command: /usr/local/bin/check_disk
type CheckerConfig struct {
	Checkers map[string]CheckerEntry `yaml:"checkers"`
}

type CheckerEntry struct {
	Type    string `yaml:"type"`
	Command string `yaml:"command"`
}

// LoadConfig registers the checkers described in the YAML file at path and
// returns the names it registered.
func (e *Engine) LoadConfig(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg CheckerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	logger := log.WithComponent("worker")
	var names []string
	for name, entry := range cfg.Checkers {
		switch entry.Type {
		case "command":
			if strings.TrimSpace(entry.Command) == "" {
				return names, fmt.Errorf("checker %q: empty command", name)
			}
			e.MakeCommandChecker(name, entry.Command)
			names = append(names, name)
			logger.Info().
				Str("event", "checker.loaded").
				Str("checker", name).
				Str("command", entry.Command).
				Msg("command checker loaded")
		default:
			logger.Warn().
				Str("event", "checker.unsupported").
				Str("checker", name).
				Str("type", entry.Type).
				Msg("skipping checker of unsupported type")
		}
	}
	return names, nil
}

// MakeCommandChecker registers a checker that runs command with the check
// endpoint as its last argument. A zero exit status is healthy.
func (e *Engine) MakeCommandChecker(name string, command string) {
	fn := func(ctx context.Context, check health.CheckConfig) (string, error) {
		cmdStr := command
		if check.Endpoint != "" {
			cmdStr = fmt.Sprintf("%s %s", command, check.Endpoint)
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return "Command failed", fmt.Errorf("%w: %s", err, msg)
			}
			return "Command failed", err
		}

		if out := firstLine(stdout.String()); out != "" {
			return out, nil
		}
		return "Healthy", nil
	}

	e.RegisterChecker(name, fn)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
