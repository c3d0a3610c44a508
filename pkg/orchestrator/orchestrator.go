// Package orchestrator reconciles the full set of configured runners.
package orchestrator

import (
	"context"
	"sync"

	"github.com/rzbill/runnerd/pkg/log"
	"github.com/rzbill/runnerd/pkg/supervisor"
	"github.com/rzbill/runnerd/pkg/types"
)

// CycleRunner runs one supervision cycle for a runner. Implemented by
// supervisor.Supervisor; stubbed in tests.
type CycleRunner interface {
	Run(ctx context.Context) (supervisor.Result, error)
}

// Factory builds the cycle runner for a definition.
type Factory func(def *types.RunnerDefinition) CycleRunner

// RunnerOutcome is the per-runner result of a reconciliation pass.
type RunnerOutcome struct {
	Name   string
	Result supervisor.Result
	Err    error
}

// Report summarizes one reconciliation pass.
type Report struct {
	Outcomes []RunnerOutcome

	// Skipped lists runners that were already being supervised when the pass
	// started (relevant for scheduled re-reconciliation).
	Skipped []string
}

// Failed returns the outcomes that ended in error.
func (r *Report) Failed() []RunnerOutcome {
	var failed []RunnerOutcome
	for _, outcome := range r.Outcomes {
		if outcome.Err != nil {
			failed = append(failed, outcome)
		}
	}
	return failed
}

// Orchestrator drives an independent supervisor per enabled runner
// definition. Runner failures are isolated: one runner's error never aborts
// its siblings. Only an unsatisfiable set (duplicate names) is fatal.
type Orchestrator struct {
	definitions []*types.RunnerDefinition
	factory     Factory
	logger      log.Logger

	mu     sync.Mutex
	active map[string]bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.WithComponent("orchestrator")
	}
}

// WithFactory overrides how per-runner supervisors are built.
func WithFactory(factory Factory) Option {
	return func(o *Orchestrator) {
		o.factory = factory
	}
}

// New creates an orchestrator over a set of runner definitions.
func New(definitions []*types.RunnerDefinition, options ...Option) *Orchestrator {
	o := &Orchestrator{
		definitions: definitions,
		logger:      log.NewLogger().WithComponent("orchestrator"),
		active:      make(map[string]bool),
	}
	for _, option := range options {
		option(o)
	}
	if o.factory == nil {
		o.factory = func(def *types.RunnerDefinition) CycleRunner {
			return supervisor.New(def, supervisor.WithLogger(o.logger))
		}
	}
	return o
}

// Validate checks the definition set without starting anything. Duplicate
// names make the whole set unsatisfiable.
func (o *Orchestrator) Validate() error {
	seen := make(map[string]struct{})
	for _, def := range o.definitions {
		if !def.Enable {
			continue
		}
		name := def.EffectiveName()
		if _, dup := seen[name]; dup {
			return &types.DuplicateNameError{Name: name}
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Reconcile runs one supervision cycle for every enabled runner that is not
// already being supervised, concurrently, and waits for the started cycles to
// finish. No runner starts if the set fails validation.
func (o *Orchestrator) Reconcile(ctx context.Context) (*Report, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	enabled := o.enabledDefinitions()
	o.warnSharedIdentity(enabled)

	report := &Report{}
	var wg sync.WaitGroup
	var reportMu sync.Mutex

	for _, def := range enabled {
		name := def.EffectiveName()

		// Per-runner validation failures are isolated like runtime failures:
		// one broken definition must not keep its siblings down.
		if err := def.Validate(); err != nil {
			o.logger.Error("Runner definition invalid", log.Str("runner", name), log.Err(err))
			reportMu.Lock()
			report.Outcomes = append(report.Outcomes, RunnerOutcome{Name: name, Err: err})
			reportMu.Unlock()
			continue
		}

		if !o.markActive(name) {
			o.logger.Debug("Runner already supervised, skipping", log.Str("runner", name))
			report.Skipped = append(report.Skipped, name)
			continue
		}

		wg.Add(1)
		go func(def *types.RunnerDefinition, name string) {
			defer wg.Done()
			defer o.markIdle(name)

			result, err := o.factory(def).Run(ctx)
			if err != nil {
				o.logger.Error("Runner reconciliation failed",
					log.Str("runner", name), log.Err(err))
			}

			reportMu.Lock()
			report.Outcomes = append(report.Outcomes, RunnerOutcome{Name: name, Result: result, Err: err})
			reportMu.Unlock()
		}(def, name)
	}

	wg.Wait()
	return report, nil
}

func (o *Orchestrator) enabledDefinitions() []*types.RunnerDefinition {
	var enabled []*types.RunnerDefinition
	for _, def := range o.definitions {
		if def.Enable {
			enabled = append(enabled, def)
		}
	}
	return enabled
}

func (o *Orchestrator) markActive(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[name] {
		return false
	}
	o.active[name] = true
	return true
}

func (o *Orchestrator) markIdle(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, name)
}

// warnSharedIdentity documents the isolation caveat: runners without their
// own user/group share the manager identity and can read each other's state.
// Enforcement is the operator's job via per-runner user/group assignment.
func (o *Orchestrator) warnSharedIdentity(defs []*types.RunnerDefinition) {
	var shared []string
	for _, def := range defs {
		if def.Identity() == types.IdentityShared {
			shared = append(shared, def.EffectiveName())
		}
	}
	if len(shared) > 1 {
		o.logger.Warn("Multiple runners share the manager identity and can access each other's state",
			log.F("runners", shared))
	}
}
