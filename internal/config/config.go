// Package config loads operator configuration with a layered overlay:
// built-in defaults, the workspace config under .tickets/operator, the user
// config under ~/.config/operator, an explicit --config path, and finally
// OPERATOR_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/operatorhq/operator/internal/logging"
)

// Config represents the full operator configuration.
type Config struct {
	Version       string              `toml:"version"`
	Tickets       TicketsConfig       `toml:"tickets"`
	Agents        AgentsConfig        `toml:"agents"`
	Tools         ToolsConfig         `toml:"tools"`
	Worktrees     WorktreesConfig     `toml:"worktrees"`
	API           APIConfig           `toml:"api"`
	Notifications NotificationsConfig `toml:"notifications"`
	Collections   CollectionsConfig   `toml:"collections"`
	Projects      []ProjectConfig     `toml:"projects"`
	Logging       *logging.Config     `toml:"logging"`
}

// TicketsConfig locates the tickets tree.
type TicketsConfig struct {
	Dir string `toml:"dir"`
}

// AgentsConfig holds supervisor scheduling knobs.
type AgentsConfig struct {
	MaxParallel           int `toml:"max_parallel"`
	CoresReserved         int `toml:"cores_reserved"`
	PollIntervalSecs      int `toml:"poll_interval_secs"`
	SilenceThresholdSecs  int `toml:"silence_threshold_secs"`
	StepTimeoutSecs       int `toml:"step_timeout_secs"`
	GenerationTimeoutSecs int `toml:"generation_timeout_secs"`
	PRCheckIntervalSecs   int `toml:"pr_check_interval_secs"`
	RateLimitIntervalSecs int `toml:"rate_limit_check_interval_secs"`
}

// ToolsConfig describes the LLM CLI tools the launcher can drive.
type ToolsConfig struct {
	DefaultProvider string       `toml:"default_provider"`
	Claude          ToolConfig   `toml:"claude"`
	Opencode        ToolConfig   `toml:"opencode"`
	Docker          DockerConfig `toml:"docker"`
}

// ToolConfig is the launch contract for a single LLM CLI.
//
// CommandTemplate supports the placeholders {{config_flags}}, {{yolo_flags}},
// {{model_flag}}, {{model}}, {{session_id}} and {{prompt_file}}.
type ToolConfig struct {
	Command         string   `toml:"command"`
	Model           string   `toml:"model"`
	ModelFlag       string   `toml:"model_flag"`
	CommandTemplate string   `toml:"command_template"`
	YoloFlags       []string `toml:"yolo_flags"`
}

// DockerConfig wraps a launch command in a container runtime.
type DockerConfig struct {
	Image string   `toml:"image"`
	Mount string   `toml:"mount"`
	Env   []string `toml:"env"`
}

// WorktreesConfig locates the worktree base directory.
type WorktreesConfig struct {
	BaseDir string `toml:"base_dir"`
}

// APIConfig configures the REST server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// NotificationsConfig configures event sinks.
type NotificationsConfig struct {
	Desktop  DesktopConfig   `toml:"desktop"`
	Webhooks []WebhookConfig `toml:"webhooks"`
}

// DesktopConfig configures the OS notification sink.
type DesktopConfig struct {
	Enabled bool   `toml:"enabled"`
	Sound   string `toml:"sound"`
}

// WebhookConfig configures one webhook sink. An empty URL disables the entry.
// BearerEnv and BasicEnv name environment variables read at construction time.
type WebhookConfig struct {
	Name      string   `toml:"name"`
	URL       string   `toml:"url"`
	Events    []string `toml:"events"`
	BearerEnv string   `toml:"bearer_env"`
	BasicEnv  string   `toml:"basic_env"`
}

// CollectionsConfig selects the active issue-type collection, with optional
// per-project overrides.
type CollectionsConfig struct {
	Active           string            `toml:"active"`
	ProjectOverrides map[string]string `toml:"project_overrides"`
}

// ProjectConfig maps a project identifier to its repository checkout.
type ProjectConfig struct {
	Name       string `toml:"name"`
	Path       string `toml:"path"`
	BaseBranch string `toml:"base_branch"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Version: "1",
		Tickets: TicketsConfig{Dir: ".tickets"},
		Agents: AgentsConfig{
			MaxParallel:           2,
			CoresReserved:         1,
			PollIntervalSecs:      5,
			SilenceThresholdSecs:  30,
			StepTimeoutSecs:       30 * 60,
			GenerationTimeoutSecs: 5 * 60,
			PRCheckIntervalSecs:   60,
			RateLimitIntervalSecs: 300,
		},
		Tools: ToolsConfig{
			DefaultProvider: "claude",
			Claude: ToolConfig{
				Command:         "claude",
				Model:           "sonnet",
				ModelFlag:       "--model",
				CommandTemplate: `claude {{yolo_flags}} {{config_flags}} {{model_flag}} {{model}} --session-id {{session_id}} "$(cat {{prompt_file}})"`,
				YoloFlags:       []string{"--dangerously-skip-permissions"},
			},
			Opencode: ToolConfig{
				Command:         "opencode",
				ModelFlag:       "--model",
				CommandTemplate: `opencode run {{yolo_flags}} {{config_flags}} {{model_flag}} {{model}} --session {{session_id}} "$(cat {{prompt_file}})"`,
				YoloFlags:       []string{"--yolo"},
			},
			Docker: DockerConfig{Mount: "/workspace"},
		},
		Worktrees: WorktreesConfig{
			BaseDir: filepath.Join(homeDir, ".operator", "worktrees"),
		},
		API: APIConfig{Host: "127.0.0.1", Port: 7180},
		Notifications: NotificationsConfig{
			Desktop: DesktopConfig{Enabled: true},
		},
		Collections: CollectionsConfig{Active: "dev"},
		Logging:     logging.DefaultConfig(),
	}
}

// Load resolves the overlay chain. root is the workspace root containing the
// .tickets directory; explicitPath is the --config flag value, empty if unset.
func Load(root, explicitPath string) (*Config, error) {
	cfg := DefaultConfig()

	workspacePath := filepath.Join(root, cfg.Tickets.Dir, "operator", "config.toml")
	if err := mergeFile(cfg, workspacePath); err != nil {
		return nil, err
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(homeDir, ".config", "operator", "config.toml")
		if err := mergeFile(cfg, userPath); err != nil {
			return nil, err
		}
	}

	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return nil, fmt.Errorf("config file %s: %w", explicitPath, err)
		}
		if err := mergeFile(cfg, explicitPath); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg, os.Environ()); err != nil {
		return nil, err
	}

	cfg.Tickets.Dir = expandPath(cfg.Tickets.Dir)
	cfg.Worktrees.BaseDir = expandPath(cfg.Worktrees.BaseDir)
	for i := range cfg.Projects {
		cfg.Projects[i].Path = expandPath(cfg.Projects[i].Path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mergeFile overlays one TOML file onto cfg. Missing files are fine.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if _, err := toml.Decode(os.ExpandEnv(string(data)), cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Save writes the configuration to a file.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate checks invariants that would otherwise fail deep inside a launch.
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	if c.Agents.MaxParallel < 1 {
		return fmt.Errorf("agents.max_parallel must be at least 1, got %d", c.Agents.MaxParallel)
	}
	if c.Agents.CoresReserved < 0 {
		return fmt.Errorf("agents.cores_reserved must not be negative, got %d", c.Agents.CoresReserved)
	}
	switch c.Tools.DefaultProvider {
	case "claude", "opencode":
	default:
		return fmt.Errorf("unknown default provider %q (supported: claude, opencode)", c.Tools.DefaultProvider)
	}
	return nil
}

// Tool returns the tool configuration for a provider name.
func (c *Config) Tool(provider string) (ToolConfig, error) {
	switch provider {
	case "claude":
		return c.Tools.Claude, nil
	case "opencode":
		return c.Tools.Opencode, nil
	default:
		return ToolConfig{}, fmt.Errorf("unknown provider %q", provider)
	}
}

// Project returns the project configuration by name.
func (c *Config) Project(name string) (ProjectConfig, bool) {
	for _, p := range c.Projects {
		if p.Name == name {
			return p, true
		}
	}
	return ProjectConfig{}, false
}

// ActiveCollectionFor returns the active collection name, honoring a
// per-project override when one is configured.
func (c *Config) ActiveCollectionFor(project string) string {
	if name, ok := c.Collections.ProjectOverrides[project]; ok && name != "" {
		return name
	}
	return c.Collections.Active
}
