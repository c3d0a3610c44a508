// Package state tracks per-runner registration fingerprints.
//
// A fingerprint summarizes the registration-affecting parts of a runner
// definition. It is committed after a successful configure step and compared
// on every service start; any drift forces a re-registration instead of
// scattering "this option re-registers" logic across the config surface.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rzbill/runnerd/pkg/log"
	"github.com/rzbill/runnerd/pkg/types"
)

const (
	fingerprintFile = "fingerprint.json"
	lockFile        = ".runnerd.lock"

	// fingerprintVersion guards the on-disk format. A version bump reads as
	// "absent" and forces re-registration, never a migration.
	fingerprintVersion = 1
)

// Fingerprint is the persisted registration summary.
type Fingerprint struct {
	Version     int       `json:"version"`
	Hash        string    `json:"hash"`
	CommittedAt time.Time `json:"committed_at"`
}

// Tracker owns fingerprint persistence for a single runner's state directory.
type Tracker struct {
	stateDir string
	logger   log.Logger
	lock     *flock.Flock
}

// NewTracker creates a tracker rooted at the runner's state directory.
func NewTracker(stateDir string, logger log.Logger) *Tracker {
	return &Tracker{
		stateDir: stateDir,
		logger:   logger.WithComponent("state"),
		lock:     flock.New(filepath.Join(stateDir, lockFile)),
	}
}

// Acquire takes the on-disk lock guarding this runner's state directory.
// Exactly one supervisor may hold it; a second manager instance configured
// with the same runner name fails here instead of corrupting state.
func (t *Tracker) Acquire() error {
	locked, err := t.lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking state directory %s: %w", t.stateDir, err)
	}
	if !locked {
		return fmt.Errorf("state directory %s is locked by another supervisor", t.stateDir)
	}
	return nil
}

// Release drops the state directory lock.
func (t *Tracker) Release() error {
	return t.lock.Unlock()
}

// Compute derives the deterministic fingerprint hash for a definition and its
// current credential kind. Equal definitions always hash equal, so idempotent
// restarts do not re-register.
func Compute(def *types.RunnerDefinition, kind types.CredentialKind) string {
	fields := []string{
		"v" + strconv.Itoa(fingerprintVersion),
		def.URL,
		def.EffectiveName(),
		def.RunnerGroup,
		strings.Join(def.EffectiveLabels(), ","),
		def.WorkDir,
		strconv.FormatBool(def.Ephemeral),
		string(kind),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Load reads the stored fingerprint. A missing, corrupt, or truncated file
// reads as absent; that forces re-registration and is never an error.
func (t *Tracker) Load() (Fingerprint, bool) {
	path := filepath.Join(t.stateDir, fingerprintFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Fingerprint{}, false
	}

	var fp Fingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		t.logger.Warn("Stored fingerprint is corrupt, treating as absent",
			log.Str("path", path), log.Err(err))
		return Fingerprint{}, false
	}
	if fp.Version != fingerprintVersion || fp.Hash == "" {
		t.logger.Warn("Stored fingerprint has unknown version, treating as absent",
			log.Str("path", path), log.Int("version", fp.Version))
		return Fingerprint{}, false
	}
	return fp, true
}

// NeedsReregistration reports whether the definition has drifted from the
// stored fingerprint, or no fingerprint exists.
func (t *Tracker) NeedsReregistration(def *types.RunnerDefinition, kind types.CredentialKind) bool {
	prev, ok := t.Load()
	if !ok {
		return true
	}
	return prev.Hash != Compute(def, kind)
}

// Commit atomically replaces the stored fingerprint. Called only after the
// external configure step succeeds. Write-temp-then-rename keeps a crash
// mid-write from ever leaving a partial file behind.
func (t *Tracker) Commit(def *types.RunnerDefinition, kind types.CredentialKind) (Fingerprint, error) {
	fp := Fingerprint{
		Version:     fingerprintVersion,
		Hash:        Compute(def, kind),
		CommittedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(fp)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("encoding fingerprint: %w", err)
	}

	tmp, err := os.CreateTemp(t.stateDir, fingerprintFile+".tmp-*")
	if err != nil {
		return Fingerprint{}, fmt.Errorf("creating fingerprint temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return Fingerprint{}, fmt.Errorf("writing fingerprint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return Fingerprint{}, fmt.Errorf("syncing fingerprint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Fingerprint{}, fmt.Errorf("closing fingerprint temp file: %w", err)
	}

	final := filepath.Join(t.stateDir, fingerprintFile)
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return Fingerprint{}, fmt.Errorf("replacing fingerprint: %w", err)
	}

	t.logger.Debug("Committed registration fingerprint",
		log.Str("runner", def.EffectiveName()),
		log.Str("hash", fp.Hash[:12]))

	return fp, nil
}

// Clear removes the stored fingerprint. Used when the runner's local
// registration artifacts are destroyed (ephemeral wipe or explicit removal).
func (t *Tracker) Clear() error {
	err := os.Remove(filepath.Join(t.stateDir, fingerprintFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing fingerprint: %w", err)
	}
	return nil
}
