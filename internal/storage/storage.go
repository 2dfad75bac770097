package storage

import (
	"context"
	"maps"
	"sync"

	"github.com/italolelis/wheel_mirror/internal/logctx"
)

// Status is the persisted state of a transfer. In-progress transfers are
// never written, so only the terminal states appear on disk.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// TransferRecord is the outcome recorded for a single remote URL.
type TransferRecord struct {
	Status Status `json:"status"`
	Hash   string `json:"hash"`
	Size   int64  `json:"size"`
}

// IsCompleted reports whether the record claims a finished, hashed download.
func (r TransferRecord) IsCompleted() bool {
	return r.Status == StatusCompleted && r.Hash != ""
}

// Snapshot maps remote URLs to their transfer records.
type Snapshot map[string]TransferRecord

// ProgressRepository persists whole snapshots.
type ProgressRepository interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
}

// Store is the in-memory view of transfer progress shared by all transfer
// workers. Every completion is flushed to the repository while holding the
// lock, so concurrent completions cannot overwrite each other's records.
type Store struct {
	mu      sync.Mutex
	repo    ProgressRepository
	records Snapshot
}

// Open loads the persisted snapshot. Load failures are logged and the store
// starts empty: every record is re-verified before it is trusted anyway.
func Open(ctx context.Context, repo ProgressRepository) *Store {
	logger := logctx.LoggerFromContext(ctx)

	records, err := repo.Load(ctx)
	if err != nil {
		logger.Warn("failed to load progress, starting empty", "err", err)

		records = nil
	}

	if records == nil {
		records = make(Snapshot)
	}

	logger.Debug("progress loaded", "records", len(records))

	return &Store{repo: repo, records: records}
}

// Lookup returns the record for url.
func (s *Store) Lookup(url string) (TransferRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[url]

	return rec, ok
}

// Complete records url as completed and persists the full snapshot.
// The in-memory record is kept even when persisting fails.
func (s *Store) Complete(ctx context.Context, url, hash string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[url] = TransferRecord{Status: StatusCompleted, Hash: hash, Size: size}

	return s.persist(ctx)
}

// Forget drops the record for url and persists the snapshot.
func (s *Store) Forget(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[url]; !ok {
		return nil
	}

	delete(s.records, url)

	return s.persist(ctx)
}

// Records returns a copy of all records.
func (s *Store) Records() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return maps.Clone(s.records)
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

// persist must be called with s.mu held. The save ignores cancellation of
// ctx: a completion reported after the file was renamed into place must
// still reach disk when the run is interrupted.
func (s *Store) persist(ctx context.Context) error {
	if err := s.repo.Save(context.WithoutCancel(ctx), maps.Clone(s.records)); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to save progress", "err", err)

		return err
	}

	return nil
}
