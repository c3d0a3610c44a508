// Package store persists the run-history journal for supervised runners.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rzbill/runnerd/pkg/log"
)

// Outcome classifies how a supervision cycle ended.
type Outcome string

const (
	// OutcomeEphemeralComplete is the clean single-job completion of an
	// ephemeral runner; the agent self-deregistered and a restart was requested.
	OutcomeEphemeralComplete Outcome = "ephemeral-complete"

	// OutcomeExited is a non-ephemeral agent exit, handed to the external
	// restart policy.
	OutcomeExited Outcome = "exited"

	// OutcomeFailed is a configure failure, a launch failure, or an
	// unexpected agent exit.
	OutcomeFailed Outcome = "failed"
)

// RunRecord is one journal entry per supervision cycle.
type RunRecord struct {
	ID          string    `json:"id"`
	Runner      string    `json:"runner"`
	Fingerprint string    `json:"fingerprint"`
	Ephemeral   bool      `json:"ephemeral"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Outcome     Outcome   `json:"outcome"`
	ExitCode    int       `json:"exit_code"`
	Error       string    `json:"error,omitempty"`
}

// HistoryStore is a BadgerDB-backed journal of supervision cycles, read by
// runnerctl history.
type HistoryStore struct {
	db        *badger.DB
	path      string
	logger    log.Logger
	retention time.Duration
}

// HistoryOption configures a HistoryStore.
type HistoryOption func(*HistoryStore)

// WithRetention bounds how long journal entries are kept.
func WithRetention(d time.Duration) HistoryOption {
	return func(s *HistoryStore) {
		s.retention = d
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger log.Logger) HistoryOption {
	return func(s *HistoryStore) {
		s.logger = logger.WithComponent("store")
	}
}

// NewHistoryStore creates a new BadgerDB-backed history store.
func NewHistoryStore(options ...HistoryOption) *HistoryStore {
	s := &HistoryStore{
		logger:    log.NewLogger().WithComponent("store"),
		retention: 30 * 24 * time.Hour,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Open opens the journal database at path.
func (s *HistoryStore) Open(path string) error {
	s.path = path

	opts := badger.DefaultOptions(path)
	opts.Logger = &badgerLogAdapter{logger: s.logger}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open history db: %w", err)
	}
	s.db = db

	s.logger.Debug("History store opened", log.Str("path", path))
	return nil
}

// Close closes the journal database.
func (s *HistoryStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// historyKey orders entries per runner by start time so reverse iteration
// yields newest first.
func historyKey(runner string, startedAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("history/%s/%020d/%s", runner, startedAt.UnixNano(), id))
}

// Append writes a run record. Records carry a TTL per the retention setting.
func (s *HistoryStore) Append(ctx context.Context, record RunRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding run record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(historyKey(record.Runner, record.StartedAt, record.ID), data)
		if s.retention > 0 {
			entry = entry.WithTTL(s.retention)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("appending run record: %w", err)
	}

	s.logger.Debug("Recorded supervision cycle",
		log.Str("runner", record.Runner),
		log.Str("outcome", string(record.Outcome)),
		log.Int("exit_code", record.ExitCode))
	return nil
}

// List returns the newest records first for one runner, or across all runners
// when runner is empty, up to limit (0 means no limit).
func (s *HistoryStore) List(ctx context.Context, runner string, limit int) ([]RunRecord, error) {
	prefix := []byte("history/")
	if runner != "" {
		prefix = []byte("history/" + runner + "/")
	}

	var records []RunRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts from the key just past the prefix range.
		// Keys group by runner before time, so the early limit cutoff is only
		// valid when listing a single runner.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if runner != "" && limit > 0 && len(records) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var record RunRecord
				if err := json.Unmarshal(val, &record); err != nil {
					// Skip undecodable entries rather than failing the listing.
					s.logger.Warn("Skipping corrupt run record", log.Err(err))
					return nil
				}
				records = append(records, record)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing run records: %w", err)
	}

	// An all-runners listing comes out grouped per runner; re-sort so it is
	// globally newest first before applying the limit.
	if runner == "" {
		sort.Slice(records, func(i, j int) bool {
			return records[i].StartedAt.After(records[j].StartedAt)
		})
		if limit > 0 && len(records) > limit {
			records = records[:limit]
		}
	}
	return records, nil
}

// badgerLogAdapter adapts the runnerd logger to BadgerDB's logger interface.
type badgerLogAdapter struct {
	logger log.Logger
}

func (l *badgerLogAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf("BadgerDB: "+format, args...))
}

func (l *badgerLogAdapter) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf("BadgerDB: "+format, args...))
}

func (l *badgerLogAdapter) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf("BadgerDB: "+format, args...))
}

func (l *badgerLogAdapter) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf("BadgerDB: "+format, args...))
}
