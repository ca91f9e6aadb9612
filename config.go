package stormlsp

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ProcessLimits bounds the resources of a spawned server. Percentages are
// of total system memory / of one CPU. Zero means unlimited.
type ProcessLimits struct {
	Enabled          bool `toml:"enabled" yaml:"enabled" json:"enabled"`
	MaxMemoryPercent int  `toml:"max_memory_percent" yaml:"max_memory_percent" json:"max_memory_percent"`
	MaxCPUPercent    int  `toml:"max_cpu_percent" yaml:"max_cpu_percent" json:"max_cpu_percent"`
}

// DefaultProcessLimits caps a language server at half of system memory,
// matching what the editor this engine grew out of shipped with.
func DefaultProcessLimits() ProcessLimits {
	return ProcessLimits{Enabled: true, MaxMemoryPercent: 50}
}

// ServerConfig tells the engine how to run one language's server. It is
// immutable once a connection is spawned from it; changing configuration
// means recreating the connection.
type ServerConfig struct {
	Command               string            `toml:"command" yaml:"command" json:"command"`
	Args                  []string          `toml:"args" yaml:"args" json:"args"`
	Env                   map[string]string `toml:"env" yaml:"env" json:"env"`
	Enabled               bool              `toml:"enabled" yaml:"enabled" json:"enabled"`
	AutoStart             bool              `toml:"auto_start" yaml:"auto_start" json:"auto_start"`
	InitializationOptions json.RawMessage   `toml:"initialization_options" yaml:"initialization_options" json:"initialization_options,omitempty"`
	Limits                ProcessLimits     `toml:"limits" yaml:"limits" json:"limits"`
}

// SupervisorConfig tunes crash recovery and cooldown behavior.
type SupervisorConfig struct {
	// MaxFailures is how many consecutive failures inside FailureWindow are
	// tolerated before the language enters cooldown.
	MaxFailures int `toml:"max_failures" yaml:"max_failures" json:"max_failures"`

	// FailureWindow is the sliding window for counting consecutive failures.
	FailureWindow time.Duration `toml:"failure_window" yaml:"failure_window" json:"failure_window"`

	// CooldownInitial is the first cooldown duration; each further cooldown
	// grows by CooldownMultiplier up to CooldownMax.
	CooldownInitial    time.Duration `toml:"cooldown_initial" yaml:"cooldown_initial" json:"cooldown_initial"`
	CooldownMax        time.Duration `toml:"cooldown_max" yaml:"cooldown_max" json:"cooldown_max"`
	CooldownMultiplier float64       `toml:"cooldown_multiplier" yaml:"cooldown_multiplier" json:"cooldown_multiplier"`

	// RestartDelay spaces automatic respawns that are not in cooldown.
	RestartDelay time.Duration `toml:"restart_delay" yaml:"restart_delay" json:"restart_delay"`
}

// DefaultSupervisorConfig returns the default supervision tuning.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxFailures:        2,
		FailureWindow:      10 * time.Second,
		CooldownInitial:    5 * time.Second,
		CooldownMax:        60 * time.Second,
		CooldownMultiplier: 2.0,
		RestartDelay:       250 * time.Millisecond,
	}
}

// Config is the engine's full configuration.
type Config struct {
	Servers        map[string]ServerConfig `toml:"servers" yaml:"servers" json:"servers"`
	Supervise      SupervisorConfig        `toml:"supervise" yaml:"supervise" json:"supervise"`
	RequestTimeout time.Duration           `toml:"request_timeout" yaml:"request_timeout" json:"request_timeout"`
	InitTimeout    time.Duration           `toml:"init_timeout" yaml:"init_timeout" json:"init_timeout"`
}

// DefaultConfig returns a config with common servers registered and
// defaults for everything else.
func DefaultConfig() Config {
	return Config{
		Servers:        DefaultServerConfigs(),
		Supervise:      DefaultSupervisorConfig(),
		RequestTimeout: 30 * time.Second,
		InitTimeout:    30 * time.Second,
	}
}

// applyDefaults fills zero values after decoding a config file.
func (c *Config) applyDefaults() {
	def := DefaultSupervisorConfig()
	if c.Supervise.MaxFailures == 0 {
		c.Supervise.MaxFailures = def.MaxFailures
	}
	if c.Supervise.FailureWindow == 0 {
		c.Supervise.FailureWindow = def.FailureWindow
	}
	if c.Supervise.CooldownInitial == 0 {
		c.Supervise.CooldownInitial = def.CooldownInitial
	}
	if c.Supervise.CooldownMax == 0 {
		c.Supervise.CooldownMax = def.CooldownMax
	}
	if c.Supervise.CooldownMultiplier == 0 {
		c.Supervise.CooldownMultiplier = def.CooldownMultiplier
	}
	if c.Supervise.RestartDelay == 0 {
		c.Supervise.RestartDelay = def.RestartDelay
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.Servers == nil {
		c.Servers = make(map[string]ServerConfig)
	}
}

// LoadConfig reads a config file, picking the parser by extension
// (.toml, .yaml/.yml). A missing file yields DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parsing %s", path)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parsing %s", path)
		}
	default:
		return Config{}, errors.Newf("unsupported config format %q", filepath.Ext(path))
	}

	cfg.applyDefaults()
	return cfg, nil
}

// DefaultServerConfigs returns configurations for common language servers.
func DefaultServerConfigs() map[string]ServerConfig {
	mk := func(command string, args ...string) ServerConfig {
		return ServerConfig{
			Command:   command,
			Args:      args,
			Enabled:   true,
			AutoStart: true,
			Limits:    DefaultProcessLimits(),
		}
	}
	return map[string]ServerConfig{
		"go":         mk("gopls", "serve"),
		"rust":       mk("rust-analyzer"),
		"typescript": mk("typescript-language-server", "--stdio"),
		"javascript": mk("typescript-language-server", "--stdio"),
		"python":     mk("pylsp"),
		"c":          mk("clangd"),
		"cpp":        mk("clangd"),
	}
}

// AutoDetectServers filters the defaults down to servers actually present
// on PATH.
func AutoDetectServers() map[string]ServerConfig {
	available := make(map[string]ServerConfig)
	for lang, cfg := range DefaultServerConfigs() {
		if _, err := exec.LookPath(cfg.Command); err == nil {
			available[lang] = cfg
		}
	}
	return available
}
