package config

import (
	"fmt"
	"strconv"
	"strings"
)

// envPrefix is the prefix for environment overrides. Sections are separated
// by a double underscore, e.g. OPERATOR_AGENTS__MAX_PARALLEL=2.
const envPrefix = "OPERATOR_"

// envSetters maps SECTION__KEY names to setter functions.
var envSetters = map[string]func(*Config, string) error{
	"TICKETS__DIR": func(c *Config, v string) error { c.Tickets.Dir = v; return nil },

	"AGENTS__MAX_PARALLEL":                   envInt(func(c *Config, n int) { c.Agents.MaxParallel = n }),
	"AGENTS__CORES_RESERVED":                 envInt(func(c *Config, n int) { c.Agents.CoresReserved = n }),
	"AGENTS__POLL_INTERVAL_SECS":             envInt(func(c *Config, n int) { c.Agents.PollIntervalSecs = n }),
	"AGENTS__SILENCE_THRESHOLD_SECS":         envInt(func(c *Config, n int) { c.Agents.SilenceThresholdSecs = n }),
	"AGENTS__STEP_TIMEOUT_SECS":              envInt(func(c *Config, n int) { c.Agents.StepTimeoutSecs = n }),
	"AGENTS__GENERATION_TIMEOUT_SECS":        envInt(func(c *Config, n int) { c.Agents.GenerationTimeoutSecs = n }),
	"AGENTS__PR_CHECK_INTERVAL_SECS":         envInt(func(c *Config, n int) { c.Agents.PRCheckIntervalSecs = n }),
	"AGENTS__RATE_LIMIT_CHECK_INTERVAL_SECS": envInt(func(c *Config, n int) { c.Agents.RateLimitIntervalSecs = n }),

	"TOOLS__DEFAULT_PROVIDER": func(c *Config, v string) error { c.Tools.DefaultProvider = v; return nil },
	"TOOLS__CLAUDE__MODEL":    func(c *Config, v string) error { c.Tools.Claude.Model = v; return nil },
	"TOOLS__OPENCODE__MODEL":  func(c *Config, v string) error { c.Tools.Opencode.Model = v; return nil },
	"TOOLS__DOCKER__IMAGE":    func(c *Config, v string) error { c.Tools.Docker.Image = v; return nil },

	"WORKTREES__BASE_DIR": func(c *Config, v string) error { c.Worktrees.BaseDir = v; return nil },

	"API__HOST": func(c *Config, v string) error { c.API.Host = v; return nil },
	"API__PORT": envInt(func(c *Config, n int) { c.API.Port = n }),

	"COLLECTIONS__ACTIVE": func(c *Config, v string) error { c.Collections.Active = v; return nil },

	"LOGGING__LEVEL":  func(c *Config, v string) error { c.Logging.Level = v; return nil },
	"LOGGING__FORMAT": func(c *Config, v string) error { c.Logging.Format = v; return nil },
	"LOGGING__OUTPUT": func(c *Config, v string) error { c.Logging.Output = v; return nil },
}

func envInt(set func(*Config, int)) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("expected integer, got %q", v)
		}
		set(c, n)
		return nil
	}
}

// applyEnv overlays OPERATOR_* variables from environ onto cfg. Unknown
// OPERATOR_ keys are ignored so unrelated variables cannot break startup.
func applyEnv(cfg *Config, environ []string) error {
	for _, entry := range environ {
		if !strings.HasPrefix(entry, envPrefix) {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(entry, envPrefix), "=")
		if !ok {
			continue
		}
		setter, ok := envSetters[key]
		if !ok {
			continue
		}
		if err := setter(cfg, value); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
	}
	return nil
}
