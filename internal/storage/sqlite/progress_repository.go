package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/wheel_mirror/internal/storage"
)

// ProgressRepository stores transfer records in SQLite, one row per URL.
type ProgressRepository struct {
	db *sql.DB
}

func NewProgressRepository(db *sql.DB) *ProgressRepository {
	return &ProgressRepository{db: db}
}

func (r *ProgressRepository) Load(ctx context.Context) (storage.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT url, status, content_hash, size_bytes FROM transfers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshot := storage.Snapshot{}

	for rows.Next() {
		var (
			url    string
			status string
			record storage.TransferRecord
		)

		if err := rows.Scan(&url, &status, &record.Hash, &record.Size); err != nil {
			return nil, err
		}

		record.Status = storage.Status(status)
		snapshot[url] = record
	}

	return snapshot, rows.Err()
}

// Save replaces the table contents with snapshot inside one transaction.
func (r *ProgressRepository) Save(ctx context.Context, snapshot storage.Snapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM transfers`); err != nil {
		return fmt.Errorf("failed to clear transfers: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transfers (url, status, content_hash, size_bytes, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Format(time.RFC3339)

	for url, rec := range snapshot {
		if _, err := stmt.ExecContext(ctx, url, string(rec.Status), rec.Hash, rec.Size, now); err != nil {
			return fmt.Errorf("failed to insert transfer %s: %w", url, err)
		}
	}

	return tx.Commit()
}
