package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"

	"github.com/italolelis/wheel_mirror/internal/integrity"
	"github.com/italolelis/wheel_mirror/internal/logctx"
	"github.com/italolelis/wheel_mirror/internal/storage"
	"github.com/italolelis/wheel_mirror/internal/transfer"
)

type CheckStatus string

const (
	CheckOK       CheckStatus = "ok"
	CheckMissing  CheckStatus = "missing"
	CheckMismatch CheckStatus = "mismatch"
	CheckError    CheckStatus = "error"
)

type Check struct {
	URL      string
	Filename string
	Status   CheckStatus
	Err      error
}

type VerifyReport struct {
	Checked   int
	Invalid   []Check
	Forgotten int
}

// Verify re-hashes the file behind every completed record. With prune set,
// records whose file is missing or altered are forgotten so the next run
// downloads them again.
func Verify(ctx context.Context, store *storage.Store, dataDir string, prune bool) (VerifyReport, error) {
	logger := logctx.LoggerFromContext(ctx)

	records := store.Records()

	urls := make([]string, 0, len(records))
	for u, rec := range records {
		if rec.IsCompleted() {
			urls = append(urls, u)
		}
	}

	slices.Sort(urls)

	var (
		report VerifyReport
		errs   []error
	)

	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		c := check(u, records[u], dataDir)
		report.Checked++

		if c.Status == CheckOK {
			continue
		}

		logger.Warn("record failed verification", "url", u, "file", c.Filename, "status", c.Status, "err", c.Err)
		report.Invalid = append(report.Invalid, c)

		if !prune {
			continue
		}

		if err := store.Forget(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("failed to forget %s: %w", u, err))

			continue
		}

		report.Forgotten++
	}

	logger.Info("verification finished",
		"checked", report.Checked, "invalid", len(report.Invalid), "forgotten", report.Forgotten)

	return report, errors.Join(errs...)
}

func check(u string, rec storage.TransferRecord, dataDir string) Check {
	c := Check{URL: u}

	name, err := transfer.FilenameFromURL(u)
	if err != nil {
		c.Status, c.Err = CheckError, err

		return c
	}

	c.Filename = name

	hash, err := integrity.HashFile(filepath.Join(dataDir, name))

	switch {
	case errors.Is(err, fs.ErrNotExist):
		c.Status = CheckMissing
	case err != nil:
		c.Status, c.Err = CheckError, err
	case hash != rec.Hash:
		c.Status = CheckMismatch
		c.Err = &transfer.IntegrityError{Filename: name, Expected: rec.Hash, Actual: hash}
	default:
		c.Status = CheckOK
	}

	return c
}
