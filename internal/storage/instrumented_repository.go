package storage

import (
	"context"

	"github.com/italolelis/wheel_mirror/internal/telemetry"
)

// InstrumentedRepository wraps a ProgressRepository with telemetry.
type InstrumentedRepository struct {
	repo      ProgressRepository
	telemetry *telemetry.Telemetry
	backend   string
}

// NewInstrumentedRepository creates a new instrumented progress repository.
func NewInstrumentedRepository(repo ProgressRepository, tel *telemetry.Telemetry, backend string) *InstrumentedRepository {
	return &InstrumentedRepository{
		repo:      repo,
		telemetry: tel,
		backend:   backend,
	}
}

// Load retrieves the snapshot with telemetry.
func (r *InstrumentedRepository) Load(ctx context.Context) (Snapshot, error) {
	var result Snapshot

	err := r.telemetry.InstrumentStoreOperation(ctx, r.backend, "load", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Load(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Save persists the snapshot with telemetry.
func (r *InstrumentedRepository) Save(ctx context.Context, snapshot Snapshot) error {
	return r.telemetry.InstrumentStoreOperation(ctx, r.backend, "save", func(ctx context.Context) error {
		return r.repo.Save(ctx, snapshot)
	})
}
