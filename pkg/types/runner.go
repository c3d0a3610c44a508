// Package types defines the core types shared across runnerd components.
package types

import (
	"fmt"
	"os"
	"runtime"
	"sort"
)

// NodeRuntime identifies a Node.js runtime shipped alongside the agent for
// javascript-based actions. The set is closed: adding a runtime is an enum
// addition here, not a config format change.
type NodeRuntime string

const (
	RuntimeNode20 NodeRuntime = "node20"
	RuntimeNode24 NodeRuntime = "node24"
)

// Valid reports whether the runtime identifier is a recognized member of the set.
func (r NodeRuntime) Valid() bool {
	switch r {
	case RuntimeNode20, RuntimeNode24:
		return true
	}
	return false
}

// IdentityScope describes how a runner's OS identity relates to its siblings.
type IdentityScope string

const (
	// IdentityExclusive means the runner has its own user/group and its state
	// is unreadable by sibling runners.
	IdentityExclusive IdentityScope = "exclusive"

	// IdentityShared means the runner runs under the manager's shared identity.
	// Runners in this scope can read each other's state; isolating them is the
	// operator's responsibility via per-runner user/group assignment.
	IdentityShared IdentityScope = "shared"
)

// RunnerState is the in-memory lifecycle state of a supervised runner. It is
// never persisted; it is reconstructed from fingerprint presence and process
// liveness on every start.
type RunnerState string

const (
	RunnerStateUnregistered  RunnerState = "Unregistered"
	RunnerStateRegistering   RunnerState = "Registering"
	RunnerStateIdle          RunnerState = "Idle"
	RunnerStateRunning       RunnerState = "Running"
	RunnerStateDeregistering RunnerState = "Deregistering"
	RunnerStateFailed        RunnerState = "Failed"
)

// RunnerDefinition is the declarative configuration of one runner. It is owned
// by the orchestrator and immutable for the duration of a reconciliation pass.
type RunnerDefinition struct {
	// Enable controls whether this runner participates in reconciliation.
	Enable bool `yaml:"enable"`

	// Name identifies the runner at the remote coordinator. Defaults to the
	// host name. Must be unique within one manager instance.
	Name string `yaml:"name"`

	// URL of the repository or organization the runner registers against.
	URL string `yaml:"url"`

	// TokenFile is the path to the credential used for (re)registration. The
	// file content, not the path, determines the credential kind.
	TokenFile string `yaml:"tokenFile"`

	// RunnerGroup is the optional remote runner group.
	RunnerGroup string `yaml:"runnerGroup"`

	// ExtraLabels are appended to the default label set.
	ExtraLabels []string `yaml:"extraLabels"`

	// NoDefaultLabels suppresses the implicit default labels.
	NoDefaultLabels bool `yaml:"noDefaultLabels"`

	// Replace allows overwriting an existing remote registration of the same name.
	Replace bool `yaml:"replace"`

	// Ephemeral configures the runner to process exactly one job, deregister,
	// and require fresh registration before running again.
	Ephemeral bool `yaml:"ephemeral"`

	// Package is the path to the agent binary invoked for configure and run.
	Package string `yaml:"package"`

	// ExtraPackages are paths prepended to the agent's PATH.
	ExtraPackages []string `yaml:"extraPackages"`

	// ExtraEnvironment is merged into the agent's environment. Entries never
	// override the manager's own reserved agent identity variables.
	ExtraEnvironment map[string]string `yaml:"extraEnvironment"`

	// ServiceOverrides is an opaque passthrough to the external service
	// supervisor's unit definition. runnerd carries it, the init layer consumes it.
	ServiceOverrides map[string]string `yaml:"serviceOverrides"`

	// User and Group select the OS identity the runner runs under. Both unset
	// means the shared manager identity.
	User  string `yaml:"user"`
	Group string `yaml:"group"`

	// WorkDir overrides the derived per-runner working directory.
	WorkDir string `yaml:"workDir"`

	// NodeRuntimes lists the Node.js runtimes provided to the agent.
	NodeRuntimes []NodeRuntime `yaml:"nodeRuntimes"`
}

// DefaultLabels returns the implicit labels applied unless suppressed.
func DefaultLabels() []string {
	return []string{"self-hosted", runtime.GOOS, runtime.GOARCH}
}

// EffectiveName returns the configured name, falling back to the host name.
func (d *RunnerDefinition) EffectiveName() string {
	if d.Name != "" {
		return d.Name
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "runner"
	}
	return hostname
}

// EffectiveLabels returns the sorted union of default labels (unless
// suppressed) and extra labels, deduplicated.
func (d *RunnerDefinition) EffectiveLabels() []string {
	seen := make(map[string]struct{})
	var labels []string

	add := func(label string) {
		if label == "" {
			return
		}
		if _, ok := seen[label]; ok {
			return
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}

	if !d.NoDefaultLabels {
		for _, label := range DefaultLabels() {
			add(label)
		}
	}
	for _, label := range d.ExtraLabels {
		add(label)
	}

	sort.Strings(labels)
	return labels
}

// Identity returns the runner's identity scope.
func (d *RunnerDefinition) Identity() IdentityScope {
	if d.User == "" && d.Group == "" {
		return IdentityShared
	}
	return IdentityExclusive
}

// Validate checks that the definition is complete enough to reconcile.
func (d *RunnerDefinition) Validate() error {
	if !d.Enable {
		return nil
	}
	if d.URL == "" {
		return NewValidationError(fmt.Sprintf("runner %q: url is required", d.EffectiveName()))
	}
	if d.TokenFile == "" {
		return NewValidationError(fmt.Sprintf("runner %q: tokenFile is required", d.EffectiveName()))
	}
	if d.Package == "" {
		return NewValidationError(fmt.Sprintf("runner %q: package (agent binary) is required", d.EffectiveName()))
	}
	if len(d.NodeRuntimes) == 0 {
		return NewValidationError(fmt.Sprintf("runner %q: at least one node runtime is required", d.EffectiveName()))
	}
	for _, rt := range d.NodeRuntimes {
		if !rt.Valid() {
			return NewValidationError(fmt.Sprintf("runner %q: unsupported node runtime %q", d.EffectiveName(), rt))
		}
	}
	return nil
}
