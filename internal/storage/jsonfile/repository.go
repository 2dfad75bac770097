package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/italolelis/wheel_mirror/internal/storage"
)

const filePerm = 0o644

// ProgressRepository keeps the whole progress snapshot in one JSON document:
// {"<url>": {"status": "completed", "hash": "<sha256>", "size": 123}}.
type ProgressRepository struct {
	path string
}

func NewProgressRepository(path string) *ProgressRepository {
	return &ProgressRepository{path: path}
}

// Load reads the snapshot. A missing file is an empty snapshot, not an error.
func (r *ProgressRepository) Load(_ context.Context) (storage.Snapshot, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return storage.Snapshot{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read progress file: %w", err)
	}

	snapshot := storage.Snapshot{}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode progress file %s: %w", r.path, err)
	}

	return snapshot, nil
}

// Save writes the snapshot next to the target and renames it into place, so
// readers never observe a half-written document.
func (r *ProgressRepository) Save(_ context.Context, snapshot storage.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create progress directory: %w", err)
		}
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("failed to write progress file: %w", err)
	}

	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("failed to replace progress file: %w", err)
	}

	return nil
}
