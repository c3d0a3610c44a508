package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rzbill/runnerd/pkg/log"
	"github.com/rzbill/runnerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	base := t.TempDir()
	return NewManager(
		WithRoots(
			filepath.Join(base, "work"),
			filepath.Join(base, "state"),
			filepath.Join(base, "log"),
		),
		WithLogger(log.NewTestLogger()),
	)
}

func testDefinition(name string) *types.RunnerDefinition {
	return &types.RunnerDefinition{
		Enable:       true,
		Name:         name,
		URL:          "https://github.com/example/repo",
		TokenFile:    "/run/secrets/token",
		Package:      "/opt/runner/bin/Runner.Listener",
		NodeRuntimes: []types.NodeRuntime{types.RuntimeNode20},
	}
}

func TestPathsDerivation(t *testing.T) {
	m := newTestManager(t)
	def := testDefinition("ci-01")

	paths := m.Paths(def)
	assert.Equal(t, "ci-01", filepath.Base(paths.WorkDir))
	assert.Equal(t, "ci-01", filepath.Base(paths.StateDir))
	assert.Equal(t, "ci-01", filepath.Base(paths.LogDir))

	def.WorkDir = "/srv/custom-work"
	assert.Equal(t, "/srv/custom-work", m.Paths(def).WorkDir)
}

func TestPrepareCreatesLayout(t *testing.T) {
	m := newTestManager(t)
	paths, err := m.Prepare(testDefinition("ci-01"))
	require.NoError(t, err)

	for _, dir := range []string{paths.WorkDir, paths.StateDir, paths.LogDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	info, err := os.Stat(paths.StateDir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestPrepareEmptiesWorkDirButKeepsIt(t *testing.T) {
	m := newTestManager(t)
	def := testDefinition("ci-01")

	paths, err := m.Prepare(def)
	require.NoError(t, err)

	// Leave debris from a previous job behind.
	require.NoError(t, os.MkdirAll(filepath.Join(paths.WorkDir, "checkout", "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(paths.WorkDir, "stale.log"), []byte("old"), 0o644))

	paths, err = m.Prepare(def)
	require.NoError(t, err)

	entries, err := os.ReadDir(paths.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "work dir must be emptied on every prepare")

	info, err := os.Stat(paths.WorkDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "work dir itself must survive")
}

func TestPrepareLeavesStateDirAlone(t *testing.T) {
	m := newTestManager(t)
	def := testDefinition("ci-01")

	paths, err := m.Prepare(def)
	require.NoError(t, err)

	artifact := filepath.Join(paths.StateDir, ".credentials")
	require.NoError(t, os.WriteFile(artifact, []byte("registration"), 0o600))

	_, err = m.Prepare(def)
	require.NoError(t, err)
	assert.FileExists(t, artifact, "prepare must never touch registration state")
}

func TestWipeState(t *testing.T) {
	m := newTestManager(t)
	def := testDefinition("ci-01")

	paths, err := m.Prepare(def)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(paths.StateDir, ".credentials"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(paths.StateDir, "fingerprint.json"), []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(paths.StateDir, lockFileName), nil, 0o600))

	require.NoError(t, m.WipeState(def))

	entries, err := os.ReadDir(paths.StateDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, lockFileName, entries[0].Name(), "the supervisor lock file survives the wipe")
}
