// Package supervisor owns the lifecycle of one runner's agent process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rzbill/runnerd/pkg/log"
	"github.com/rzbill/runnerd/pkg/state"
	"github.com/rzbill/runnerd/pkg/store"
	"github.com/rzbill/runnerd/pkg/types"
	"github.com/rzbill/runnerd/pkg/workspace"
)

// Outcome classifies how one supervision cycle ended.
type Outcome string

const (
	// OutcomeRestartRequested means an ephemeral agent processed one job and
	// self-deregistered; the external service layer should restart the
	// manager, which wipes state and re-registers on the next cycle.
	OutcomeRestartRequested Outcome = "restart-requested"

	// OutcomeExited means a non-ephemeral agent exited (or a stop was
	// requested); the external restart policy governs what happens next.
	OutcomeExited Outcome = "exited"

	// OutcomeFailed means the configure step failed, the agent could not be
	// launched, or an ephemeral agent exited abnormally.
	OutcomeFailed Outcome = "failed"
)

// Result reports the end of a supervision cycle to the caller.
type Result struct {
	Outcome  Outcome
	ExitCode int
}

// TokenResolver supplies registration credentials. Implemented by
// credential.Resolver; stubbed in tests.
type TokenResolver interface {
	Classify(def *types.RunnerDefinition) (types.CredentialKind, error)
	Resolve(ctx context.Context, def *types.RunnerDefinition) (*types.RegistrationToken, error)
}

// Journal records completed supervision cycles. Implemented by
// store.HistoryStore; a nil journal disables recording.
type Journal interface {
	Append(ctx context.Context, record store.RunRecord) error
}

// Reserved environment variables the manager sets for agent identity. Extra
// environment entries never override these.
var reservedEnv = []string{
	"RUNNER_NAME",
	"RUNNER_URL",
	"RUNNER_WORK_DIRECTORY",
}

const (
	// DefaultStopTimeout is how long a graceful stop waits before SIGKILL.
	DefaultStopTimeout = 30 * time.Second

	// DefaultConfigureTimeout bounds the external configure step.
	DefaultConfigureTimeout = 5 * time.Minute
)

// Supervisor drives one runner through workspace preparation, credential
// resolution, optional re-registration, and the agent run, interpreting the
// agent's exit by its semantics rather than by the bare fact of exiting.
type Supervisor struct {
	def        *types.RunnerDefinition
	workspaces *workspace.Manager
	resolver   TokenResolver
	journal    Journal
	logger     log.Logger

	stopTimeout      time.Duration
	configureTimeout time.Duration

	mu      sync.RWMutex
	current types.RunnerState
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithWorkspaces sets the workspace manager.
func WithWorkspaces(m *workspace.Manager) Option {
	return func(s *Supervisor) {
		s.workspaces = m
	}
}

// WithResolver sets the token resolver.
func WithResolver(r TokenResolver) Option {
	return func(s *Supervisor) {
		s.resolver = r
	}
}

// WithJournal sets the run-history journal.
func WithJournal(j Journal) Option {
	return func(s *Supervisor) {
		s.journal = j
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithStopTimeout sets the graceful stop timeout.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.stopTimeout = d
	}
}

// WithConfigureTimeout bounds the external configure step.
func WithConfigureTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.configureTimeout = d
	}
}

// New creates a supervisor for one runner definition.
func New(def *types.RunnerDefinition, options ...Option) *Supervisor {
	s := &Supervisor{
		def:              def,
		logger:           log.NewLogger(),
		stopTimeout:      DefaultStopTimeout,
		configureTimeout: DefaultConfigureTimeout,
		current:          types.RunnerStateUnregistered,
	}
	for _, option := range options {
		option(s)
	}
	if s.workspaces == nil {
		s.workspaces = workspace.NewManager(workspace.WithLogger(s.logger))
	}
	s.logger = s.logger.WithComponent("supervisor").With(log.Str("runner", def.EffectiveName()))
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() types.RunnerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Supervisor) setState(st types.RunnerState) {
	s.mu.Lock()
	s.current = st
	s.mu.Unlock()
}

// Run executes one full supervision cycle: prepare the workspace, wipe state
// for ephemeral runners, re-register if the fingerprint drifted, then launch
// the agent and wait for it to exit. The cycle is strictly sequential; the
// only shared resource is the state directory, guarded by an on-disk lock.
func (s *Supervisor) Run(ctx context.Context) (Result, error) {
	cycleID := uuid.New().String()
	startedAt := time.Now().UTC()

	result, fingerprint, err := s.run(ctx)

	if s.journal != nil {
		record := store.RunRecord{
			ID:          cycleID,
			Runner:      s.def.EffectiveName(),
			Fingerprint: fingerprint,
			Ephemeral:   s.def.Ephemeral,
			StartedAt:   startedAt,
			FinishedAt:  time.Now().UTC(),
			Outcome:     journalOutcome(result.Outcome),
			ExitCode:    result.ExitCode,
		}
		if err != nil {
			record.Error = err.Error()
		}
		if appendErr := s.journal.Append(context.WithoutCancel(ctx), record); appendErr != nil {
			s.logger.Warn("Failed to record supervision cycle", log.Err(appendErr))
		}
	}

	return result, err
}

func (s *Supervisor) run(ctx context.Context) (Result, string, error) {
	name := s.def.EffectiveName()

	paths, err := s.workspaces.Prepare(s.def)
	if err != nil {
		s.setState(types.RunnerStateFailed)
		return Result{Outcome: OutcomeFailed}, "", err
	}

	tracker := state.NewTracker(paths.StateDir, s.logger)
	if err := tracker.Acquire(); err != nil {
		s.setState(types.RunnerStateFailed)
		return Result{Outcome: OutcomeFailed}, "", err
	}
	defer func() {
		if err := tracker.Release(); err != nil {
			s.logger.Warn("Failed to release state lock", log.Err(err))
		}
	}()

	// Ephemeral runners start from a guaranteed-fresh identity: stale local
	// registration artifacts are destroyed before anything else happens.
	if s.def.Ephemeral {
		if err := s.workspaces.WipeState(s.def); err != nil {
			s.setState(types.RunnerStateFailed)
			return Result{Outcome: OutcomeFailed}, "", err
		}
	}

	kind, err := s.resolver.Classify(s.def)
	if err != nil {
		s.setState(types.RunnerStateFailed)
		return Result{Outcome: OutcomeFailed}, "", err
	}

	if tracker.NeedsReregistration(s.def, kind) {
		s.setState(types.RunnerStateRegistering)
		s.logger.Info("Registration required", log.Str("credential_kind", string(kind)))

		token, err := s.resolver.Resolve(ctx, s.def)
		if err != nil {
			s.setState(types.RunnerStateFailed)
			return Result{Outcome: OutcomeFailed}, "", err
		}

		if err := s.configure(ctx, token, paths); err != nil {
			s.setState(types.RunnerStateFailed)
			return Result{Outcome: OutcomeFailed}, "", err
		}

		// Commit only after the external configure step succeeded.
		if _, err := tracker.Commit(s.def, kind); err != nil {
			s.setState(types.RunnerStateFailed)
			return Result{Outcome: OutcomeFailed}, "", err
		}
	} else {
		s.logger.Debug("Registration fingerprint unchanged, skipping configure")
	}

	fingerprint := state.Compute(s.def, kind)
	s.setState(types.RunnerStateIdle)

	exitCode, runErr := s.runAgent(ctx, paths)

	// A stop request is a graceful exit, not a verdict on the agent.
	if ctx.Err() != nil {
		s.setState(types.RunnerStateIdle)
		s.logger.Info("Agent stopped on request", log.Int("exit_code", exitCode))
		return Result{Outcome: OutcomeExited, ExitCode: exitCode}, fingerprint, nil
	}

	if runErr != nil && exitCode < 0 {
		// An exec.ExitError with a negative code means the agent ran and was
		// killed by a signal; anything else means it never started.
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			s.setState(types.RunnerStateFailed)
			return Result{Outcome: OutcomeFailed, ExitCode: exitCode}, fingerprint, &types.ProcessError{
				Runner:   name,
				ExitCode: exitCode,
				Message:  "launching agent",
				Cause:    runErr,
			}
		}
	}

	if s.def.Ephemeral {
		if exitCode == 0 {
			// Clean single-job completion: the agent already deregistered
			// itself. Ask the service layer for a restart; the next cycle
			// wipes state and registers fresh.
			s.setState(types.RunnerStateDeregistering)
			if err := tracker.Clear(); err != nil {
				s.logger.Warn("Failed to clear fingerprint after ephemeral completion", log.Err(err))
			}
			s.setState(types.RunnerStateUnregistered)
			s.logger.Info("Ephemeral job complete, requesting clean restart")
			return Result{Outcome: OutcomeRestartRequested, ExitCode: 0}, fingerprint, nil
		}

		// Ephemeral success is detected by exit semantics, not by the mere
		// fact the process exited. Anything else is a failure: no wipe, no
		// automatic restart request.
		s.setState(types.RunnerStateFailed)
		return Result{Outcome: OutcomeFailed, ExitCode: exitCode}, fingerprint, &types.ProcessError{
			Runner:   name,
			ExitCode: exitCode,
			Message:  fmt.Sprintf("ephemeral agent exited abnormally (exit %d)", exitCode),
			Cause:    runErr,
		}
	}

	// Non-ephemeral: every exit is reported upward for restart-policy
	// handling; the supervisor does not loop.
	s.setState(types.RunnerStateIdle)
	s.logger.Info("Agent exited", log.Int("exit_code", exitCode))
	if exitCode != 0 {
		return Result{Outcome: OutcomeExited, ExitCode: exitCode}, fingerprint, &types.ProcessError{
			Runner:   name,
			ExitCode: exitCode,
			Message:  fmt.Sprintf("agent exited with code %d", exitCode),
			Cause:    runErr,
		}
	}
	return Result{Outcome: OutcomeExited, ExitCode: 0}, fingerprint, nil
}

// configure runs the external agent's configure subcommand with the resolved
// token. A non-zero exit is terminal for this start attempt; the surrounding
// service supervisor's restart policy governs retry cadence.
func (s *Supervisor) configure(ctx context.Context, token *types.RegistrationToken, paths workspace.Paths) error {
	args := []string{
		"configure",
		"--unattended",
		"--url", s.def.URL,
		"--token", token.Value,
		"--name", s.def.EffectiveName(),
		"--work", paths.WorkDir,
	}
	if labels := s.def.EffectiveLabels(); len(labels) > 0 {
		args = append(args, "--labels", strings.Join(labels, ","))
	}
	if s.def.RunnerGroup != "" {
		args = append(args, "--runnergroup", s.def.RunnerGroup)
	}
	if s.def.Replace {
		args = append(args, "--replace")
	}
	if s.def.Ephemeral {
		args = append(args, "--ephemeral")
	}

	cfgCtx, cancel := context.WithTimeout(ctx, s.configureTimeout)
	defer cancel()

	cmd := exec.CommandContext(cfgCtx, s.def.Package, args...)
	cmd.Dir = paths.StateDir
	cmd.Env = s.agentEnv(paths)

	output, err := cmd.CombinedOutput()
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &types.ConfigureError{
			Runner:   s.def.EffectiveName(),
			ExitCode: exitCode,
			Output:   strings.TrimSpace(string(output)),
		}
	}

	s.logger.Info("Configured runner registration",
		log.Str("url", s.def.URL),
		log.Bool("ephemeral", s.def.Ephemeral))
	return nil
}

// runAgent launches the agent's run subcommand and waits for it to exit.
// Cancellation sends SIGTERM and escalates to SIGKILL after the stop timeout.
// The returned exit code is -1 when the agent never started.
func (s *Supervisor) runAgent(ctx context.Context, paths workspace.Paths) (int, error) {
	logPath := filepath.Join(paths.LogDir, "agent.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return -1, fmt.Errorf("opening agent log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(s.def.Package, "run")
	cmd.Dir = paths.StateDir
	cmd.Env = s.agentEnv(paths)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return -1, err
	}

	s.setState(types.RunnerStateRunning)
	s.logger.Info("Agent started", log.Int("pid", cmd.Process.Pid))

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		return exitCodeOf(cmd, err), err
	case <-ctx.Done():
	}

	// Graceful stop: SIGTERM, bounded wait, then SIGKILL.
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("Failed to signal agent", log.Err(err))
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return exitCodeOf(cmd, err), err
	case <-timer.C:
		s.logger.Warn("Agent did not stop in time, killing", log.Duration("timeout", s.stopTimeout))
		if err := cmd.Process.Kill(); err != nil {
			s.logger.Warn("Failed to kill agent", log.Err(err))
		}
		err := <-done
		return exitCodeOf(cmd, err), err
	}
}

// agentEnv merges the process environment, extra package paths, node
// runtimes, and extra environment entries. Extras never override the
// reserved agent identity variables.
func (s *Supervisor) agentEnv(paths workspace.Paths) []string {
	reserved := map[string]string{
		"RUNNER_NAME":           s.def.EffectiveName(),
		"RUNNER_URL":            s.def.URL,
		"RUNNER_WORK_DIRECTORY": paths.WorkDir,
	}

	env := os.Environ()
	path := os.Getenv("PATH")
	if len(s.def.ExtraPackages) > 0 {
		path = strings.Join(append(append([]string{}, s.def.ExtraPackages...), path), string(os.PathListSeparator))
	}

	merged := make([]string, 0, len(env)+len(s.def.ExtraEnvironment)+len(reserved)+2)
	for _, kv := range env {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		key := kv[:idx]
		if key == "PATH" {
			continue
		}
		if _, ok := reserved[key]; ok {
			continue
		}
		if _, ok := s.def.ExtraEnvironment[key]; ok {
			continue
		}
		merged = append(merged, kv)
	}
	for key, value := range s.def.ExtraEnvironment {
		if isReserved(key) {
			s.logger.Warn("Ignoring extra environment entry that shadows a reserved variable",
				log.Str("key", key))
			continue
		}
		merged = append(merged, key+"="+value)
	}
	for key, value := range reserved {
		merged = append(merged, key+"="+value)
	}
	merged = append(merged, "PATH="+path)

	if len(s.def.NodeRuntimes) > 0 {
		runtimes := make([]string, 0, len(s.def.NodeRuntimes))
		for _, rt := range s.def.NodeRuntimes {
			runtimes = append(runtimes, string(rt))
		}
		merged = append(merged, "RUNNER_NODE_RUNTIMES="+strings.Join(runtimes, ","))
	}

	return merged
}

func isReserved(key string) bool {
	for _, r := range reservedEnv {
		if key == r {
			return true
		}
	}
	return key == "PATH"
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func journalOutcome(o Outcome) store.Outcome {
	switch o {
	case OutcomeRestartRequested:
		return store.OutcomeEphemeralComplete
	case OutcomeExited:
		return store.OutcomeExited
	default:
		return store.OutcomeFailed
	}
}
