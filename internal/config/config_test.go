package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rzbill/runnerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// No config file anywhere near the temp working directory.
	cfg, err := Load(filepath.Join(t.TempDir(), "runnerd.yaml"))
	assert.Error(t, err, "an explicitly given missing file is an error")

	cfg = Default()
	assert.Equal(t, "/var/lib/runnerd/journal", cfg.DataDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Stop)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runnerd.yaml")
	content := `
data_dir: /srv/runnerd/journal
work_root: /srv/runnerd/work
reconcile_schedule: "*/5 * * * *"
timeouts:
  stop: 10s
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/runnerd/journal", cfg.DataDir)
	assert.Equal(t, "/srv/runnerd/work", cfg.WorkRoot)
	assert.Equal(t, "*/5 * * * *", cfg.ReconcileSchedule)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Stop)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// Unset keys keep their defaults.
	assert.Equal(t, "/var/lib/runnerd/state", cfg.StateRoot)
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.Configure)
}

func TestEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runnerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from-file\n"), 0o644))

	t.Setenv("RUNNERD_DATA_DIR", "/from-env")
	t.Setenv("RUNNERD_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from-env", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRunners(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ci-01.yaml"), []byte(`
url: https://github.com/example/repo
tokenFile: /run/secrets/ci-01-token
package: /opt/runner/bin/Runner.Listener
extraLabels: [gpu]
ephemeral: true
nodeRuntimes: [node20]
`), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "named.yml"), []byte(`
name: builder
enable: false
url: https://github.com/example-org
tokenFile: /run/secrets/builder-token
package: /opt/runner/bin/Runner.Listener
nodeRuntimes: [node24]
`), 0o644))

	// Ignored: not YAML, dotfile, subdirectory.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.yaml"), []byte("x: 1"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))

	defs, err := LoadRunners(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	// Sorted by file name: ci-01.yaml before named.yml.
	assert.Equal(t, "ci-01", defs[0].Name, "name falls back to the file base name")
	assert.True(t, defs[0].Enable, "enable defaults to true")
	assert.True(t, defs[0].Ephemeral)
	assert.Equal(t, []types.NodeRuntime{types.RuntimeNode20}, defs[0].NodeRuntimes)

	assert.Equal(t, "builder", defs[1].Name)
	assert.False(t, defs[1].Enable)
}

func TestLoadRunnersMissingDir(t *testing.T) {
	_, err := LoadRunners(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestLoadRunnersBadYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("url: [unclosed"), 0o644))
	_, err := LoadRunners(dir)
	assert.Error(t, err)
}
