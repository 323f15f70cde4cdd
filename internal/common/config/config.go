// Package config provides configuration management for termbridge.
// Settings live in a TOML file with one [global] table and one or more
// [[agents]] blocks; per-agent keys override their [global] counterparts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root of settings.toml.
type Config struct {
	Global Global  `mapstructure:"global"`
	Agents []Agent `mapstructure:"agents"`
}

// Global holds app-wide settings plus the default values inherited by
// every agent block.
type Global struct {
	// DataDir is the root for per-agent state and workspaces.
	DataDir string `mapstructure:"data_dir"`

	Logging LoggingConfig `mapstructure:"logging"`
	Events  EventsConfig  `mapstructure:"events"`
	Share   ShareConfig   `mapstructure:"share"`
	Tunnel  TunnelConfig  `mapstructure:"tunnel"`
	MCP     MCPConfig     `mapstructure:"mcp"`
	Gateway GatewayConfig `mapstructure:"gateway"`

	// Agent defaults, overridable per [[agents]] block.
	Mode            string  `mapstructure:"mode"`
	AllowedUsers    []int64 `mapstructure:"allowed_users"`
	AdminUsers      []int64 `mapstructure:"admin_users"`
	ClaudeCommand   string  `mapstructure:"claude_command"`
	WhisperModel    string  `mapstructure:"whisper_model"`
	CronDefaultTZ   string  `mapstructure:"cron_default_tz"`
	Locale          string  `mapstructure:"locale"`
	TerminalBackend string  `mapstructure:"terminal_backend"`

	// Loop cadences, in seconds.
	MonitorPollSeconds int `mapstructure:"monitor_poll_seconds"`
	StatusPollSeconds  int `mapstructure:"status_poll_seconds"`
	FreezeTimeoutSecs  int `mapstructure:"freeze_timeout_seconds"`
}

// Agent is one [[agents]] block.
type Agent struct {
	Name            string  `mapstructure:"name"`
	BotTokenEnv     string  `mapstructure:"bot_token_env"`
	Mode            string  `mapstructure:"mode"`
	AllowedUsers    []int64 `mapstructure:"allowed_users"`
	AdminUsers      []int64 `mapstructure:"admin_users"`
	ClaudeCommand   string  `mapstructure:"claude_command"`
	WhisperModel    string  `mapstructure:"whisper_model"`
	CronDefaultTZ   string  `mapstructure:"cron_default_tz"`
	Locale          string  `mapstructure:"locale"`
	TerminalBackend string  `mapstructure:"terminal_backend"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// EventsConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type EventsConfig struct {
	NATSUrl       string `mapstructure:"nats_url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// ShareConfig holds the embedded share server configuration. The server
// binds to localhost only; the tunnel is the sole public exposure.
type ShareConfig struct {
	Port int `mapstructure:"port"`

	// Upload limits: parts per request and bytes per part.
	MaxFiles     int   `mapstructure:"max_files"`
	MaxFileBytes int64 `mapstructure:"max_file_bytes"`
}

// TunnelConfig holds the tunnel child process configuration.
type TunnelConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Binary  string   `mapstructure:"binary"`
	Args    []string `mapstructure:"args"`
}

// MCPConfig holds the embedded MCP tool server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// GatewayConfig holds the localhost debug event-stream configuration.
type GatewayConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// MonitorPollInterval returns the transcript poll cadence as a Duration.
func (g *Global) MonitorPollInterval() time.Duration {
	return time.Duration(g.MonitorPollSeconds) * time.Second
}

// StatusPollInterval returns the pane poll cadence as a Duration.
func (g *Global) StatusPollInterval() time.Duration {
	return time.Duration(g.StatusPollSeconds) * time.Second
}

// FreezeTimeout returns the frozen-session threshold as a Duration.
func (g *Global) FreezeTimeout() time.Duration {
	return time.Duration(g.FreezeTimeoutSecs) * time.Second
}

// ResolvedDataDir expands a leading ~ in DataDir.
func (g *Global) ResolvedDataDir() string {
	dir := g.DataDir
	if strings.HasPrefix(dir, "~/") || dir == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
		}
	}
	return dir
}

// AgentDir returns the state directory for the named agent.
func (g *Global) AgentDir(name string) string {
	return filepath.Join(g.ResolvedDataDir(), "agents", name)
}

// Resolved returns a copy of the agent with empty fields filled from the
// global defaults.
func (a Agent) Resolved(g *Global) Agent {
	out := a
	if out.Mode == "" {
		out.Mode = g.Mode
	}
	if len(out.AllowedUsers) == 0 {
		out.AllowedUsers = g.AllowedUsers
	}
	if len(out.AdminUsers) == 0 {
		out.AdminUsers = g.AdminUsers
	}
	if out.ClaudeCommand == "" {
		out.ClaudeCommand = g.ClaudeCommand
	}
	if out.WhisperModel == "" {
		out.WhisperModel = g.WhisperModel
	}
	if out.CronDefaultTZ == "" {
		out.CronDefaultTZ = g.CronDefaultTZ
	}
	if out.Locale == "" {
		out.Locale = g.Locale
	}
	if out.TerminalBackend == "" {
		out.TerminalBackend = g.TerminalBackend
	}
	if out.BotTokenEnv == "" {
		out.BotTokenEnv = strings.ToUpper(out.Name) + "_BOT_TOKEN"
	}
	return out
}

// Token reads the bot token from the agent's configured env var.
func (a Agent) Token() (string, error) {
	tok := os.Getenv(a.BotTokenEnv)
	if tok == "" {
		return "", fmt.Errorf("bot token env %s is not set", a.BotTokenEnv)
	}
	return tok, nil
}

// IsAllowed reports whether the user id is on the agent's allow-list.
func (a Agent) IsAllowed(userID int64) bool {
	for _, id := range a.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// AdminUser returns the id to alert for operational failures. Falls back
// to the first allowed user when no admin is configured.
func (a Agent) AdminUser() int64 {
	if len(a.AdminUsers) > 0 {
		return a.AdminUsers[0]
	}
	if len(a.AllowedUsers) > 0 {
		return a.AllowedUsers[0]
	}
	return 0
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TERMBRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.data_dir", "~/.termbridge")

	v.SetDefault("global.logging.level", "info")
	v.SetDefault("global.logging.format", detectDefaultLogFormat())
	v.SetDefault("global.logging.output_path", "stdout")

	// Empty URL means use the in-memory event bus
	v.SetDefault("global.events.nats_url", "")
	v.SetDefault("global.events.client_id", "termbridge")
	v.SetDefault("global.events.max_reconnects", 10)

	v.SetDefault("global.share.port", 8787)
	v.SetDefault("global.share.max_files", 20)
	v.SetDefault("global.share.max_file_bytes", 50<<20)

	v.SetDefault("global.tunnel.enabled", true)
	v.SetDefault("global.tunnel.binary", "cloudflared")
	v.SetDefault("global.tunnel.args", []string{})

	v.SetDefault("global.mcp.enabled", true)
	v.SetDefault("global.mcp.port", 8790)

	v.SetDefault("global.gateway.enabled", false)
	v.SetDefault("global.gateway.port", 8791)

	v.SetDefault("global.mode", "topic")
	v.SetDefault("global.claude_command", "claude")
	v.SetDefault("global.whisper_model", "base")
	v.SetDefault("global.cron_default_tz", "UTC")
	v.SetDefault("global.locale", "en")
	v.SetDefault("global.terminal_backend", "tmux")

	v.SetDefault("global.monitor_poll_seconds", 2)
	v.SetDefault("global.status_poll_seconds", 1)
	v.SetDefault("global.freeze_timeout_seconds", 60)
}

// Load reads settings.toml from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads settings from the specified path or default locations.
// A missing settings file is a hard error: the bridge cannot run without
// at least one configured agent.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TERMBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("settings")
	v.SetConfigType("toml")

	if configPath != "" {
		if strings.HasSuffix(configPath, ".toml") {
			v.SetConfigFile(configPath)
		} else {
			v.AddConfigPath(configPath)
		}
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".termbridge"))
		}
		v.AddConfigPath("/etc/termbridge/")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading settings file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling settings: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that the loaded settings can actually run a bridge.
func validate(cfg *Config) error {
	var errs []string

	if len(cfg.Agents) == 0 {
		errs = append(errs, "at least one [[agents]] block is required")
	}

	seen := make(map[string]bool)
	for i := range cfg.Agents {
		a := cfg.Agents[i].Resolved(&cfg.Global)
		if a.Name == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].name is required", i))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Sprintf("duplicate agent name %q", a.Name))
		}
		seen[a.Name] = true
		if a.Mode != "topic" && a.Mode != "chat" {
			errs = append(errs, fmt.Sprintf("agent %q: mode must be topic or chat", a.Name))
		}
		if len(a.AllowedUsers) == 0 {
			errs = append(errs, fmt.Sprintf("agent %q: allowed_users must not be empty", a.Name))
		}
		if a.ClaudeCommand == "" {
			errs = append(errs, fmt.Sprintf("agent %q: claude_command is required", a.Name))
		}
	}

	if cfg.Global.Share.Port <= 0 || cfg.Global.Share.Port > 65535 {
		errs = append(errs, "global.share.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Global.Logging.Level)] {
		errs = append(errs, "global.logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Global.Logging.Format)] {
		errs = append(errs, "global.logging.format must be one of: json, text")
	}

	if cfg.Global.MonitorPollSeconds <= 0 {
		errs = append(errs, "global.monitor_poll_seconds must be positive")
	}
	if cfg.Global.StatusPollSeconds <= 0 {
		errs = append(errs, "global.status_poll_seconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// ResolvedAgents returns every agent block with global defaults applied.
func (c *Config) ResolvedAgents() []Agent {
	out := make([]Agent, 0, len(c.Agents))
	for i := range c.Agents {
		out = append(out, c.Agents[i].Resolved(&c.Global))
	}
	return out
}
