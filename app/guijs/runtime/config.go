package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRegistryURL    = "https://registry.npmjs.org/guijs-version-marker/latest"
	DefaultRuntimeBinary  = "node"
	DefaultPackageManager = "npm"
	DefaultLauncherBinary = "guijs-orchestrator"
	DefaultServerBinary   = "guijs-server"
)

// BinaryRule rewrites part of a dependency name into the name of the binary it
// installs on PATH.
type BinaryRule struct {
	Match   string `yaml:"match" toml:"match"`
	Replace string `yaml:"replace" toml:"replace"`
}

// DefaultBinaryRules turn "@guijs/server-core" into "guijs-server".
func DefaultBinaryRules() []BinaryRule {
	return []BinaryRule{
		{Match: "@guijs/", Replace: "guijs-"},
		{Match: "-core", Replace: ""},
	}
}

// Config captures every knob shared across the CLI, the splash screen and the
// bridge server.
type Config struct {
	RegistryURL    string        `yaml:"registry_url" toml:"registry_url"`
	RuntimeBinary  string        `yaml:"runtime_binary" toml:"runtime_binary"`
	PackageManager string        `yaml:"package_manager" toml:"package_manager"`
	LauncherBinary string        `yaml:"launcher_binary" toml:"launcher_binary"`
	ServerBinary   string        `yaml:"server_binary" toml:"server_binary"`
	BinaryRules    []BinaryRule  `yaml:"binary_rules" toml:"binary_rules"`
	ReloadDelay    time.Duration `yaml:"reload_delay" toml:"reload_delay"`
	SettleDelay    time.Duration `yaml:"settle_delay" toml:"settle_delay"`
	// ManifestTimeout bounds the registry request. Zero means no timeout.
	ManifestTimeout time.Duration `yaml:"manifest_timeout" toml:"manifest_timeout"`
	TaskLimit       int           `yaml:"task_limit" toml:"task_limit"`
	StartupScript   string        `yaml:"startup_script" toml:"startup_script"`
	DataDir         string        `yaml:"data_dir" toml:"data_dir"`
	LogPath         string        `yaml:"log_path" toml:"log_path"`
	LogLevel        string        `yaml:"log_level" toml:"log_level"`
	JournalPath     string        `yaml:"journal_path" toml:"journal_path"`
	TracePath       string        `yaml:"trace_path" toml:"trace_path"`
	BridgeAddr      string        `yaml:"bridge_addr" toml:"bridge_addr"`
}

// DefaultConfig returns the launcher defaults rooted in the user's home
// directory. Errors from os.UserHomeDir fall back to the working directory.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".guijs")
	return Config{
		RegistryURL:    DefaultRegistryURL,
		RuntimeBinary:  DefaultRuntimeBinary,
		PackageManager: DefaultPackageManager,
		LauncherBinary: DefaultLauncherBinary,
		ServerBinary:   DefaultServerBinary,
		BinaryRules:    DefaultBinaryRules(),
		ReloadDelay:    100 * time.Millisecond,
		SettleDelay:    300 * time.Millisecond,
		TaskLimit:      4,
		DataDir:        dataDir,
		LogPath:        filepath.Join(dataDir, "guijs.log"),
		LogLevel:       "info",
		JournalPath:    filepath.Join(dataDir, "journal.db"),
		BridgeAddr:     "127.0.0.1:4599",
	}
}

// DefaultConfigPath is where the launcher looks for a config file when none is
// passed on the command line.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfig().DataDir, "config.yaml")
}

// Normalize fills missing defaults and makes every path absolute so the rest
// of the runtime never has to re-check the same invariants.
func (c *Config) Normalize() error {
	def := DefaultConfig()
	if c.RegistryURL == "" {
		c.RegistryURL = def.RegistryURL
	}
	if !strings.HasPrefix(c.RegistryURL, "http://") && !strings.HasPrefix(c.RegistryURL, "https://") {
		return fmt.Errorf("registry url must be http(s): %q", c.RegistryURL)
	}
	if c.RuntimeBinary == "" {
		c.RuntimeBinary = def.RuntimeBinary
	}
	if c.PackageManager == "" {
		c.PackageManager = def.PackageManager
	}
	if c.LauncherBinary == "" {
		c.LauncherBinary = def.LauncherBinary
	}
	if c.ServerBinary == "" {
		c.ServerBinary = def.ServerBinary
	}
	if c.BinaryRules == nil {
		c.BinaryRules = def.BinaryRules
	}
	for _, rule := range c.BinaryRules {
		if rule.Match == "" {
			return errors.New("binary rule with empty match")
		}
	}
	if c.ReloadDelay < 0 || c.SettleDelay < 0 || c.ManifestTimeout < 0 {
		return errors.New("delays and timeouts must not be negative")
	}
	if c.TaskLimit <= 0 {
		c.TaskLimit = def.TaskLimit
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	dataDir, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	c.DataDir = dataDir
	c.LogPath = c.resolve(c.LogPath, "guijs.log")
	c.JournalPath = c.resolve(c.JournalPath, "journal.db")
	if c.TracePath != "" {
		c.TracePath = c.resolve(c.TracePath, "")
	}
	if c.StartupScript != "" {
		c.StartupScript = c.resolve(c.StartupScript, "")
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.BridgeAddr == "" {
		c.BridgeAddr = def.BridgeAddr
	}
	return nil
}

func (c *Config) resolve(path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(c.DataDir, path)
}

// LoadConfigFile overlays the file at path onto cfg. YAML and TOML are picked
// by extension. A missing file is reported with os.ErrNotExist so callers can
// ignore it for the default path.
func LoadConfigFile(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

// SaveConfigFile writes cfg as YAML, creating parent directories as needed.
func SaveConfigFile(path string, cfg Config) error {
	if path == "" {
		return errors.New("config path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
