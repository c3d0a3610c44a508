package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rzbill/runnerd/pkg/log"
	"github.com/rzbill/runnerd/pkg/state"
	"github.com/rzbill/runnerd/pkg/store"
	"github.com/rzbill/runnerd/pkg/types"
	"github.com/rzbill/runnerd/pkg/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent behaves like the external agent binary: the configure subcommand
// records its arguments, the run subcommand dumps its environment. Both exit
// with the code given in CONFIGURE_EXIT / RUN_EXIT.
const fakeAgent = `#!/bin/sh
case "$1" in
  configure)
    shift
    echo "$@" > configure-args
    echo "configuring against coordinator" >&2
    exit "${CONFIGURE_EXIT:-0}"
    ;;
  run)
    env > run-env
    exit "${RUN_EXIT:-0}"
    ;;
esac
exit 99
`

// crashAgent dies from an uncaught signal mid-run, the way an OOM-killed or
// externally terminated agent would.
const crashAgent = `#!/bin/sh
if [ "$1" = "run" ]; then
  kill -KILL $$
fi
exit 0
`

const trapAgent = `#!/bin/sh
if [ "$1" = "run" ]; then
  trap 'exit 0' TERM
  while true; do sleep 0.1; done
fi
exit 0
`

type stubResolver struct {
	kind         types.CredentialKind
	token        string
	classifyErr  error
	resolveErr   error
	resolveCalls int
}

func (s *stubResolver) Classify(*types.RunnerDefinition) (types.CredentialKind, error) {
	if s.classifyErr != nil {
		return "", s.classifyErr
	}
	return s.kind, nil
}

func (s *stubResolver) Resolve(context.Context, *types.RunnerDefinition) (*types.RegistrationToken, error) {
	s.resolveCalls++
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	return &types.RegistrationToken{Value: s.token, Kind: s.kind, ObtainedAt: time.Now()}, nil
}

type fakeJournal struct {
	records []store.RunRecord
}

func (j *fakeJournal) Append(_ context.Context, record store.RunRecord) error {
	j.records = append(j.records, record)
	return nil
}

func writeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type fixture struct {
	def        *types.RunnerDefinition
	sup        *Supervisor
	workspaces *workspace.Manager
	resolver   *stubResolver
	journal    *fakeJournal
}

func newFixture(t *testing.T, script string, mutate func(*types.RunnerDefinition)) *fixture {
	t.Helper()

	base := t.TempDir()
	def := &types.RunnerDefinition{
		Enable:       true,
		Name:         "ci-01",
		URL:          "https://github.com/example/repo",
		TokenFile:    "/run/secrets/token",
		Package:      writeAgent(t, script),
		NodeRuntimes: []types.NodeRuntime{types.RuntimeNode20},
	}
	if mutate != nil {
		mutate(def)
	}

	logger := log.NewTestLogger()
	workspaces := workspace.NewManager(
		workspace.WithRoots(
			filepath.Join(base, "work"),
			filepath.Join(base, "state"),
			filepath.Join(base, "log"),
		),
		workspace.WithLogger(logger),
	)
	resolver := &stubResolver{kind: types.CredentialPAT, token: "REGTOKEN"}
	journal := &fakeJournal{}

	sup := New(def,
		WithWorkspaces(workspaces),
		WithResolver(resolver),
		WithJournal(journal),
		WithLogger(logger),
		WithStopTimeout(5*time.Second),
	)
	return &fixture{def: def, sup: sup, workspaces: workspaces, resolver: resolver, journal: journal}
}

func (f *fixture) stateDir() string {
	return f.workspaces.Paths(f.def).StateDir
}

func TestRunRegistersAndStartsAgent(t *testing.T) {
	f := newFixture(t, fakeAgent, nil)

	result, err := f.sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeExited, result.Outcome)
	assert.Equal(t, 0, result.ExitCode)

	args, err := os.ReadFile(filepath.Join(f.stateDir(), "configure-args"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "--url https://github.com/example/repo")
	assert.Contains(t, string(args), "--token REGTOKEN")
	assert.Contains(t, string(args), "--name ci-01")
	assert.NotContains(t, string(args), "--ephemeral")

	tracker := state.NewTracker(f.stateDir(), log.NewTestLogger())
	_, ok := tracker.Load()
	assert.True(t, ok, "fingerprint must be committed after configure")
}

func TestRunSkipsConfigureWhenFingerprintMatches(t *testing.T) {
	f := newFixture(t, fakeAgent, nil)

	_, err := f.sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.resolver.resolveCalls)

	// Remove the marker; an idempotent restart must not configure again.
	require.NoError(t, os.Remove(filepath.Join(f.stateDir(), "configure-args")))

	_, err = f.sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.resolver.resolveCalls, "unchanged definitions must not re-register")
	assert.NoFileExists(t, filepath.Join(f.stateDir(), "configure-args"))
}

func TestRunReconfiguresOnDrift(t *testing.T) {
	f := newFixture(t, fakeAgent, nil)

	_, err := f.sup.Run(context.Background())
	require.NoError(t, err)

	f.def.ExtraLabels = []string{"gpu"}
	_, err = f.sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.resolver.resolveCalls)

	args, err := os.ReadFile(filepath.Join(f.stateDir(), "configure-args"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "gpu")
}

func TestEphemeralCleanCompletionRequestsRestart(t *testing.T) {
	f := newFixture(t, fakeAgent, func(d *types.RunnerDefinition) { d.Ephemeral = true })

	result, err := f.sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRestartRequested, result.Outcome)
	assert.Equal(t, types.RunnerStateUnregistered, f.sup.State())

	// The fingerprint is gone, so the next cycle must re-register.
	tracker := state.NewTracker(f.stateDir(), log.NewTestLogger())
	assert.True(t, tracker.NeedsReregistration(f.def, types.CredentialPAT))
}

func TestEphemeralRestartWipesState(t *testing.T) {
	f := newFixture(t, fakeAgent, func(d *types.RunnerDefinition) { d.Ephemeral = true })

	_, err := f.sup.Run(context.Background())
	require.NoError(t, err)

	stale := filepath.Join(f.stateDir(), ".credentials")
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0o600))

	_, err = f.sup.Run(context.Background())
	require.NoError(t, err)
	assert.NoFileExists(t, stale, "ephemeral start must destroy stale registration artifacts")
	assert.Equal(t, 2, f.resolver.resolveCalls, "every ephemeral cycle re-registers")
}

func TestEphemeralCrashIsFailureWithoutWipe(t *testing.T) {
	f := newFixture(t, fakeAgent, func(d *types.RunnerDefinition) { d.Ephemeral = true })
	t.Setenv("RUN_EXIT", "7")

	result, err := f.sup.Run(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsProcessError(err))
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 7, result.ExitCode)
	assert.Equal(t, types.RunnerStateFailed, f.sup.State())

	// State survives: the committed fingerprint is still there.
	tracker := state.NewTracker(f.stateDir(), log.NewTestLogger())
	_, ok := tracker.Load()
	assert.True(t, ok, "a crash must not destroy registration state")
}

func TestNonEphemeralNonZeroExitReported(t *testing.T) {
	f := newFixture(t, fakeAgent, nil)
	t.Setenv("RUN_EXIT", "3")

	result, err := f.sup.Run(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsProcessError(err))
	assert.Equal(t, OutcomeExited, result.Outcome)
	assert.Equal(t, 3, result.ExitCode)
}

func TestConfigureFailurePropagatesOutput(t *testing.T) {
	f := newFixture(t, fakeAgent, nil)
	t.Setenv("CONFIGURE_EXIT", "2")

	result, err := f.sup.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)

	var ce *types.ConfigureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.ExitCode)
	assert.Contains(t, ce.Output, "configuring against coordinator")

	// No fingerprint committed for a failed configure.
	tracker := state.NewTracker(f.stateDir(), log.NewTestLogger())
	_, ok := tracker.Load()
	assert.False(t, ok)
}

func TestLaunchFailure(t *testing.T) {
	f := newFixture(t, fakeAgent, func(d *types.RunnerDefinition) {
		d.Package = "/nonexistent/agent-binary"
	})

	result, err := f.sup.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
}

func TestSignalKilledAgentIsNotLaunchFailure(t *testing.T) {
	f := newFixture(t, crashAgent, nil)

	result, err := f.sup.Run(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsProcessError(err))
	assert.Equal(t, OutcomeExited, result.Outcome,
		"a running agent killed by a signal exited abnormally, it did not fail to launch")
	assert.Equal(t, -1, result.ExitCode)
}

func TestGracefulStop(t *testing.T) {
	f := newFixture(t, trapAgent, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	result, err := f.sup.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExited, result.Outcome)
}

func TestAgentEnvironment(t *testing.T) {
	f := newFixture(t, fakeAgent, func(d *types.RunnerDefinition) {
		d.ExtraPackages = []string{"/opt/extra/bin"}
		d.ExtraEnvironment = map[string]string{
			"CACHE_DIR":   "/var/cache/ci",
			"RUNNER_NAME": "spoofed", // must not win over the reserved variable
		}
	})

	_, err := f.sup.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.stateDir(), "run-env"))
	require.NoError(t, err)
	env := string(data)

	assert.Contains(t, env, "RUNNER_NAME=ci-01")
	assert.NotContains(t, env, "RUNNER_NAME=spoofed")
	assert.Contains(t, env, "CACHE_DIR=/var/cache/ci")
	assert.Contains(t, env, "RUNNER_URL=https://github.com/example/repo")
	assert.Contains(t, env, "RUNNER_NODE_RUNTIMES=node20")

	for _, line := range strings.Split(env, "\n") {
		if strings.HasPrefix(line, "PATH=") {
			assert.True(t, strings.HasPrefix(line, "PATH=/opt/extra/bin"+string(os.PathListSeparator)))
		}
	}
}

func TestJournalRecordsCycles(t *testing.T) {
	f := newFixture(t, fakeAgent, func(d *types.RunnerDefinition) { d.Ephemeral = true })

	_, err := f.sup.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.journal.records, 1)
	record := f.journal.records[0]
	assert.Equal(t, "ci-01", record.Runner)
	assert.Equal(t, store.OutcomeEphemeralComplete, record.Outcome)
	assert.True(t, record.Ephemeral)
	assert.NotEmpty(t, record.Fingerprint)
	assert.False(t, record.FinishedAt.Before(record.StartedAt))
}
