// Package workspace prepares per-runner work, state, and log directories.
package workspace

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/rzbill/runnerd/pkg/log"
	"github.com/rzbill/runnerd/pkg/types"
)

const lockFileName = ".runnerd.lock"

// Paths holds the resolved directory layout for one runner.
type Paths struct {
	WorkDir  string
	StateDir string
	LogDir   string
}

// Manager computes and prepares the filesystem layout under the configured
// roots: state_dir/<name>, work_dir/<name> (or the configured override),
// log_dir/<name>.
type Manager struct {
	workRoot  string
	stateRoot string
	logRoot   string
	logger    log.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRoots sets the work, state, and log root directories.
func WithRoots(workRoot, stateRoot, logRoot string) ManagerOption {
	return func(m *Manager) {
		m.workRoot = workRoot
		m.stateRoot = stateRoot
		m.logRoot = logRoot
	}
}

// WithLogger sets the logger for the manager.
func WithLogger(logger log.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger.WithComponent("workspace")
	}
}

// NewManager creates a workspace manager with the given options.
func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{
		workRoot:  "/var/lib/runnerd/work",
		stateRoot: "/var/lib/runnerd/state",
		logRoot:   "/var/log/runnerd",
		logger:    log.NewLogger().WithComponent("workspace"),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Paths resolves the directory layout for a definition without touching disk.
// An unset workDir derives a per-runner subpath under the work root.
func (m *Manager) Paths(def *types.RunnerDefinition) Paths {
	name := def.EffectiveName()
	workDir := def.WorkDir
	if workDir == "" {
		workDir = filepath.Join(m.workRoot, name)
	}
	return Paths{
		WorkDir:  workDir,
		StateDir: filepath.Join(m.stateRoot, name),
		LogDir:   filepath.Join(m.logRoot, name),
	}
}

// Prepare creates the runner's directories and empties the working directory.
//
// The work dir is recursively emptied, never deleted, on every invocation;
// this is unconditional and independent of the ephemeral flag, so every
// service (re)start begins with a clean workspace. The state dir is never
// emptied here; the supervisor owns the ephemeral wipe.
func (m *Manager) Prepare(def *types.RunnerDefinition) (Paths, error) {
	paths := m.Paths(def)

	if err := os.MkdirAll(paths.StateDir, 0o700); err != nil {
		return Paths{}, types.NewWorkspaceError(paths.StateDir, "creating state directory", err)
	}
	if err := os.MkdirAll(paths.LogDir, 0o750); err != nil {
		return Paths{}, types.NewWorkspaceError(paths.LogDir, "creating log directory", err)
	}
	if err := os.MkdirAll(paths.WorkDir, 0o755); err != nil {
		return Paths{}, types.NewWorkspaceError(paths.WorkDir, "creating work directory", err)
	}

	if err := emptyDir(paths.WorkDir, nil); err != nil {
		return Paths{}, types.NewWorkspaceError(paths.WorkDir, "clearing work directory", err)
	}

	if def.Identity() == types.IdentityExclusive {
		for _, dir := range []string{paths.WorkDir, paths.StateDir, paths.LogDir} {
			if err := chownIdentity(dir, def.User, def.Group); err != nil {
				return Paths{}, err
			}
		}
	}

	m.logger.Debug("Prepared workspace",
		log.Str("runner", def.EffectiveName()),
		log.Str("work_dir", paths.WorkDir),
		log.Str("state_dir", paths.StateDir))

	return paths, nil
}

// WipeState empties the runner's state directory, destroying local
// registration artifacts (fingerprint included) ahead of a fresh ephemeral
// registration. The directory itself and the supervisor's lock file survive.
func (m *Manager) WipeState(def *types.RunnerDefinition) error {
	paths := m.Paths(def)
	keep := map[string]struct{}{lockFileName: {}}
	if err := emptyDir(paths.StateDir, keep); err != nil {
		return types.NewWorkspaceError(paths.StateDir, "wiping state directory", err)
	}
	m.logger.Info("Wiped runner state for fresh registration",
		log.Str("runner", def.EffectiveName()),
		log.Str("state_dir", paths.StateDir))
	return nil
}

// emptyDir removes every entry of dir except the kept names, leaving the
// directory itself in place.
func emptyDir(dir string, keep map[string]struct{}) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if _, ok := keep[entry.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// chownIdentity assigns ownership of dir to the configured user/group.
func chownIdentity(dir, userName, groupName string) error {
	uid, gid := -1, -1

	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return types.NewWorkspaceError(dir, fmt.Sprintf("looking up user %q", userName), err)
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return types.NewWorkspaceError(dir, fmt.Sprintf("parsing uid for %q", userName), err)
		}
		if groupName == "" {
			gid, err = strconv.Atoi(u.Gid)
			if err != nil {
				return types.NewWorkspaceError(dir, fmt.Sprintf("parsing gid for %q", userName), err)
			}
		}
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return types.NewWorkspaceError(dir, fmt.Sprintf("looking up group %q", groupName), err)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return types.NewWorkspaceError(dir, fmt.Sprintf("parsing gid for %q", groupName), err)
		}
	}

	if err := os.Chown(dir, uid, gid); err != nil {
		return types.NewWorkspaceError(dir, "assigning ownership", err)
	}
	return nil
}
