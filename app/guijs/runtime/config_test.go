package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigNormalizeFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DataDir: dir, JournalPath: "j.db", TracePath: "trace.ndjson"}
	require.NoError(t, cfg.Normalize())

	require.Equal(t, DefaultRegistryURL, cfg.RegistryURL)
	require.Equal(t, "node", cfg.RuntimeBinary)
	require.Equal(t, "npm", cfg.PackageManager)
	require.Equal(t, DefaultBinaryRules(), cfg.BinaryRules)
	require.Equal(t, 4, cfg.TaskLimit)
	require.Equal(t, filepath.Join(dir, "guijs.log"), cfg.LogPath)
	require.Equal(t, filepath.Join(dir, "j.db"), cfg.JournalPath)
	require.Equal(t, filepath.Join(dir, "trace.ndjson"), cfg.TracePath)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestConfigNormalizeRejectsBadValues(t *testing.T) {
	cfg := Config{DataDir: t.TempDir(), RegistryURL: "ftp://example.com"}
	require.Error(t, cfg.Normalize())

	cfg = Config{DataDir: t.TempDir(), ReloadDelay: -time.Second}
	require.Error(t, cfg.Normalize())

	cfg = Config{DataDir: t.TempDir(), BinaryRules: []BinaryRule{{Replace: "x"}}}
	require.Error(t, cfg.Normalize())
}

func TestLoadConfigFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
registry_url: https://registry.example.com/marker
package_manager: pnpm
settle_delay: 50ms
task_limit: 2
binary_rules:
  - match: "@acme/"
    replace: "acme-"
`), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, LoadConfigFile(path, &cfg))
	require.Equal(t, "https://registry.example.com/marker", cfg.RegistryURL)
	require.Equal(t, "pnpm", cfg.PackageManager)
	require.Equal(t, 50*time.Millisecond, cfg.SettleDelay)
	require.Equal(t, 100*time.Millisecond, cfg.ReloadDelay)
	require.Equal(t, 2, cfg.TaskLimit)
	require.Equal(t, []BinaryRule{{Match: "@acme/", Replace: "acme-"}}, cfg.BinaryRules)
}

func TestLoadConfigFileTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
runtime_binary = "nodejs"
reload_delay = "250ms"
bridge_addr = "127.0.0.1:9000"

[[binary_rules]]
match = "@guijs/"
replace = "gj-"
`), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, LoadConfigFile(path, &cfg))
	require.Equal(t, "nodejs", cfg.RuntimeBinary)
	require.Equal(t, 250*time.Millisecond, cfg.ReloadDelay)
	require.Equal(t, "127.0.0.1:9000", cfg.BridgeAddr)
	require.Equal(t, []BinaryRule{{Match: "@guijs/", Replace: "gj-"}}, cfg.BinaryRules)
}

func TestLoadConfigFileErrors(t *testing.T) {
	require.Error(t, LoadConfigFile("", &Config{}))

	cfg := DefaultConfig()
	err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), &cfg)
	require.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	require.Error(t, LoadConfigFile(path, &cfg))
}

func TestSaveConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.PackageManager = "yarn"
	require.NoError(t, SaveConfigFile(path, cfg))

	var loaded Config
	require.NoError(t, LoadConfigFile(path, &loaded))
	require.Equal(t, "yarn", loaded.PackageManager)
	require.Equal(t, cfg.SettleDelay, loaded.SettleDelay)
}
