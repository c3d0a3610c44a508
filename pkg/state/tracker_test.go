package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rzbill/runnerd/pkg/log"
	"github.com/rzbill/runnerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDefinition() *types.RunnerDefinition {
	return &types.RunnerDefinition{
		Enable:       true,
		Name:         "ci-01",
		URL:          "https://github.com/example/repo",
		TokenFile:    "/run/secrets/token",
		Package:      "/opt/runner/bin/Runner.Listener",
		NodeRuntimes: []types.NodeRuntime{types.RuntimeNode20},
	}
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(t.TempDir(), log.NewTestLogger())
}

func TestComputeDeterminism(t *testing.T) {
	def := testDefinition()
	first := Compute(def, types.CredentialPAT)
	second := Compute(def, types.CredentialPAT)
	assert.Equal(t, first, second)
}

func TestComputeSensitivity(t *testing.T) {
	base := Compute(testDefinition(), types.CredentialPAT)

	mutations := map[string]func(*types.RunnerDefinition){
		"url":         func(d *types.RunnerDefinition) { d.URL = "https://github.com/example/other" },
		"name":        func(d *types.RunnerDefinition) { d.Name = "ci-02" },
		"runnerGroup": func(d *types.RunnerDefinition) { d.RunnerGroup = "builders" },
		"labels":      func(d *types.RunnerDefinition) { d.ExtraLabels = []string{"gpu"} },
		"workDir":     func(d *types.RunnerDefinition) { d.WorkDir = "/srv/work" },
		"ephemeral":   func(d *types.RunnerDefinition) { d.Ephemeral = true },
	}

	for field, mutate := range mutations {
		def := testDefinition()
		mutate(def)
		assert.NotEqual(t, base, Compute(def, types.CredentialPAT), "changing %s must change the fingerprint", field)
	}

	// Credential kind is part of the identity too.
	assert.NotEqual(t, base, Compute(testDefinition(), types.CredentialRegistrationToken))
}

func TestComputeLabelOrderIrrelevant(t *testing.T) {
	a := testDefinition()
	a.ExtraLabels = []string{"gpu", "fast"}
	b := testDefinition()
	b.ExtraLabels = []string{"fast", "gpu"}
	assert.Equal(t, Compute(a, types.CredentialPAT), Compute(b, types.CredentialPAT))
}

func TestCommitAndLoad(t *testing.T) {
	tracker := newTestTracker(t)
	def := testDefinition()

	_, ok := tracker.Load()
	assert.False(t, ok)
	assert.True(t, tracker.NeedsReregistration(def, types.CredentialPAT))

	fp, err := tracker.Commit(def, types.CredentialPAT)
	require.NoError(t, err)
	assert.Equal(t, Compute(def, types.CredentialPAT), fp.Hash)

	loaded, ok := tracker.Load()
	require.True(t, ok)
	assert.Equal(t, fp.Hash, loaded.Hash)
	assert.False(t, tracker.NeedsReregistration(def, types.CredentialPAT))

	// Drift in the definition is detected.
	def.ExtraLabels = []string{"gpu"}
	assert.True(t, tracker.NeedsReregistration(def, types.CredentialPAT))
}

func TestCorruptFingerprintReadsAsAbsent(t *testing.T) {
	dir := t.TempDir()
	tracker := NewTracker(dir, log.NewTestLogger())
	def := testDefinition()

	_, err := tracker.Commit(def, types.CredentialPAT)
	require.NoError(t, err)

	// Truncate the stored file mid-document.
	path := filepath.Join(dir, fingerprintFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o600))

	_, ok := tracker.Load()
	assert.False(t, ok)
	assert.True(t, tracker.NeedsReregistration(def, types.CredentialPAT))
}

func TestCommitLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	tracker := NewTracker(dir, log.NewTestLogger())

	_, err := tracker.Commit(testDefinition(), types.CredentialPAT)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp-")
	}
}

func TestClear(t *testing.T) {
	tracker := newTestTracker(t)
	def := testDefinition()

	_, err := tracker.Commit(def, types.CredentialPAT)
	require.NoError(t, err)
	require.NoError(t, tracker.Clear())

	_, ok := tracker.Load()
	assert.False(t, ok)

	// Clearing an absent fingerprint is fine.
	assert.NoError(t, tracker.Clear())
}

func TestAcquireExclusive(t *testing.T) {
	dir := t.TempDir()
	logger := log.NewTestLogger()

	first := NewTracker(dir, logger)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := NewTracker(dir, logger)
	assert.Error(t, second.Acquire())

	require.NoError(t, first.Release())
	assert.NoError(t, second.Acquire())
	assert.NoError(t, second.Release())
}
