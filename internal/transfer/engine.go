package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/wheel_mirror/internal/downloader/progress"
	"github.com/italolelis/wheel_mirror/internal/integrity"
	"github.com/italolelis/wheel_mirror/internal/logctx"
	"github.com/italolelis/wheel_mirror/internal/storage"
	"github.com/italolelis/wheel_mirror/internal/telemetry"
)

const (
	// ChunkSize is the size of each block read from the network and appended to the partial file.
	ChunkSize = integrity.BlockSize
	// PartSuffix marks in-flight or abandoned downloads in the output directory.
	PartSuffix = ".part"

	dirPerm          = 0o755
	filePerm         = 0o644
	progressInterval = 16 * 1024 * 1024
)

type Outcome string

const (
	OutcomeCached     Outcome = "cached"
	OutcomeDownloaded Outcome = "downloaded"
	OutcomeFailed     Outcome = "failed"
)

// Result is the outcome of one Fetch call. Failures are reported here rather
// than returned, so callers can log and move on to the next URL.
type Result struct {
	URL         string
	Filename    string
	Outcome     Outcome
	Bytes       int64 // size of the final file
	Transferred int64 // bytes received over the network by this call
	Resumed     bool
	Duration    time.Duration
	Err         error
}

func (r Result) Failed() bool {
	return r.Outcome == OutcomeFailed
}

// Options configures an Engine.
type Options struct {
	OutputDir string
	// PreservePartials keeps the partial file after transient network
	// failures so the next run resumes instead of starting over. When false,
	// any failure deletes the partial file.
	PreservePartials bool
	Telemetry        *telemetry.Telemetry
}

// Engine performs resumable, verified downloads of single URLs into OutputDir.
// Fetch is safe for concurrent use as long as concurrent calls target
// different file names.
type Engine struct {
	client *http.Client
	store  *storage.Store
	opts   Options
}

func NewEngine(client *http.Client, store *storage.Store, opts Options) *Engine {
	return &Engine{
		client: client,
		store:  store,
		opts:   opts,
	}
}

// FilenameFromURL derives the local file name from the last segment of the
// URL path. Query and fragment are ignored.
func FilenameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &InvalidURLError{URL: rawURL, Reason: "failed to parse", Err: err}
	}

	name := path.Base(u.Path)
	switch name {
	case "", ".", "..", "/":
		return "", &InvalidURLError{URL: rawURL, Reason: "no file name in path"}
	}

	if strings.ContainsAny(name, `/\`) {
		return "", &InvalidURLError{URL: rawURL, Reason: "file name contains a path separator"}
	}

	return name, nil
}

// Fetch downloads rawURL unless a verified copy already exists.
func (e *Engine) Fetch(ctx context.Context, rawURL string) Result {
	start := time.Now()

	e.opts.Telemetry.IncrementActiveTransfers(ctx)
	defer e.opts.Telemetry.DecrementActiveTransfers(ctx)

	var res Result

	_ = e.opts.Telemetry.InstrumentOperation(ctx, "transfer_fetch", "transfer_engine", func(ctx context.Context) error {
		res = e.fetch(ctx, rawURL)

		return res.Err
	})

	res.Duration = time.Since(start)
	e.opts.Telemetry.RecordTransfer(ctx, string(res.Outcome), res.Transferred, res.Duration)

	return res
}

func (e *Engine) fetch(ctx context.Context, rawURL string) Result {
	res := Result{URL: rawURL, Outcome: OutcomeFailed}

	name, err := FilenameFromURL(rawURL)
	if err != nil {
		res.Err = err

		return res
	}

	res.Filename = name

	ctx = logctx.With(ctx, "url", rawURL, "file", name)
	logger := logctx.LoggerFromContext(ctx)

	finalPath := filepath.Join(e.opts.OutputDir, name)
	partPath := finalPath + PartSuffix

	if size, ok := e.verifyCompleted(ctx, rawURL, finalPath); ok {
		logger.Info("file exists and verified, skipping")

		res.Outcome = OutcomeCached
		res.Bytes = size

		return res
	}

	if err := os.MkdirAll(e.opts.OutputDir, dirPerm); err != nil {
		res.Err = fmt.Errorf("failed to create output directory: %w", err)

		return res
	}

	total := e.remoteSize(ctx, rawURL)
	offset := e.resumeOffset(ctx, partPath, total)

	att, err := e.download(ctx, rawURL, partPath, offset, total)
	res.Resumed = att.resumed
	res.Transferred = att.transferred

	if err == nil && att.expected > 0 && att.size != att.expected {
		err = &SizeMismatchError{Filename: name, Expected: att.expected, Actual: att.size}
	}

	var hash string
	if err == nil {
		hash, err = e.verifyPartial(rawURL, name, partPath)
	}

	if err == nil {
		if renameErr := os.Rename(partPath, finalPath); renameErr != nil {
			err = fmt.Errorf("failed to finalize %s: %w", name, renameErr)
		}
	}

	if err != nil {
		logger.Error("download failed", "err", err)
		e.discardAfterFailure(ctx, partPath, err)

		res.Err = err

		return res
	}

	if err := e.store.Complete(ctx, rawURL, hash, att.size); err != nil {
		// The file is in place; the next run re-downloads it at worst.
		logger.Warn("download saved but progress not persisted", "err", err)
	}

	logger.Info("downloaded file",
		"size", humanize.Bytes(uint64(att.size)),
		"transferred", humanize.Bytes(uint64(att.transferred)),
		"resumed", att.resumed,
	)

	res.Outcome = OutcomeDownloaded
	res.Bytes = att.size

	return res
}

// verifyCompleted reports whether the store claims rawURL is complete and the
// file on disk still hashes to the recorded digest.
func (e *Engine) verifyCompleted(ctx context.Context, rawURL, finalPath string) (int64, bool) {
	logger := logctx.LoggerFromContext(ctx)

	rec, ok := e.store.Lookup(rawURL)
	if !ok || !rec.IsCompleted() {
		return 0, false
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		logger.Info("recorded as completed but file is missing, downloading again")

		return 0, false
	}

	hash, err := integrity.HashFile(finalPath)
	if err != nil {
		logger.Warn("failed to hash existing file, downloading again", "err", err)

		return 0, false
	}

	if hash != rec.Hash {
		logger.Warn("existing file failed verification, downloading again",
			"recorded_hash", rec.Hash, "actual_hash", hash)

		return 0, false
	}

	return info.Size(), true
}

// remoteSize asks the server for the file size. Any failure yields 0, which
// means "unknown" and only disables resuming.
func (e *Engine) remoteSize(ctx context.Context, rawURL string) int64 {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0
	}

	resp, err := e.client.Do(req)
	if err != nil {
		logger.Debug("HEAD request failed, remote size unknown", "err", err)

		return 0
	}

	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		logger.Debug("HEAD request rejected, remote size unknown", "status", resp.StatusCode)

		return 0
	}

	if resp.ContentLength < 0 {
		return 0
	}

	return resp.ContentLength
}

// resumeOffset returns the size of a usable partial file, or 0 after removing
// one that cannot be resumed because it is not smaller than the remote file.
func (e *Engine) resumeOffset(ctx context.Context, partPath string, total int64) int64 {
	logger := logctx.LoggerFromContext(ctx)

	info, err := os.Stat(partPath)
	if err != nil {
		return 0
	}

	size := info.Size()
	if size < total {
		if size > 0 {
			logger.Info("resuming partial download",
				"offset", humanize.Bytes(uint64(size)), "total", humanize.Bytes(uint64(total)))
		}

		return size
	}

	logger.Info("discarding stale partial file", "partial_size", size, "remote_size", total)

	if err := os.Remove(partPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to remove stale partial file", "err", err)
	}

	return 0
}

type attempt struct {
	size        int64 // bytes in the partial file after the attempt
	expected    int64 // 0 when the final size is unknown
	transferred int64
	resumed     bool
}

func (e *Engine) download(ctx context.Context, rawURL, partPath string, offset, total int64) (attempt, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return attempt{}, &InvalidURLError{URL: rawURL, Reason: "failed to build request", Err: err}
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return attempt{}, &NetworkError{Operation: "get", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		contentRange := resp.Header.Get("Content-Range")
		if !strings.HasPrefix(contentRange, fmt.Sprintf("bytes %d-", offset)) {
			return attempt{}, &RangeMismatchError{Offset: offset, ContentRange: contentRange}
		}
	case http.StatusOK:
		if offset > 0 {
			logger.Warn("server ignored range request, restarting from the beginning")

			offset = 0
		}
	default:
		return attempt{}, &NetworkError{Operation: "get", StatusCode: resp.StatusCode, Message: resp.Status}
	}

	expected := total
	if expected == 0 && resp.ContentLength >= 0 {
		expected = offset + resp.ContentLength
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if offset == 0 {
		flags |= os.O_TRUNC
	}

	out, err := os.OpenFile(partPath, flags, filePerm)
	if err != nil {
		return attempt{}, fmt.Errorf("failed to open partial file: %w", err)
	}

	pr := progress.NewReader(resp.Body, offset, expected, progressInterval, func(position, total int64) {
		if total > 0 {
			logger.Debug("download progress",
				"downloaded", humanize.Bytes(uint64(position)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(position)*100/float64(total), 2))
		} else {
			logger.Debug("download progress", "downloaded", humanize.Bytes(uint64(position)))
		}
	})

	n, copyErr := copyBlocks(out, pr)
	closeErr := out.Close()

	att := attempt{
		size:        offset + n,
		expected:    expected,
		transferred: n,
		resumed:     offset > 0,
	}

	if copyErr != nil {
		return att, copyErr
	}

	if closeErr != nil {
		return att, fmt.Errorf("failed to close partial file: %w", closeErr)
	}

	return att, nil
}

// copyBlocks appends src to dst in ChunkSize blocks. Read failures are
// network failures; write failures are local.
func copyBlocks(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)

	var written int64

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("failed to write partial file: %w", werr)
			}

			written += int64(n)
		}

		if errors.Is(rerr, io.EOF) {
			return written, nil
		}

		if rerr != nil {
			return written, &NetworkError{Operation: "stream", Message: rerr.Error(), Err: rerr}
		}
	}
}

// verifyPartial hashes the finished partial file and checks it against the
// digest the index published in the URL fragment, if any.
func (e *Engine) verifyPartial(rawURL, name, partPath string) (string, error) {
	hash, err := integrity.HashFile(partPath)
	if err != nil {
		return "", err
	}

	if expected, ok := integrity.ExpectedDigest(rawURL); ok && expected != hash {
		return "", &IntegrityError{Filename: name, Expected: expected, Actual: hash}
	}

	return hash, nil
}

// discardAfterFailure removes the partial file unless it is worth resuming:
// PreservePartials is set and the failure was a transient network problem.
// Corrupt content is always removed.
func (e *Engine) discardAfterFailure(ctx context.Context, partPath string, cause error) {
	logger := logctx.LoggerFromContext(ctx)

	if e.opts.PreservePartials && isTransient(cause) {
		logger.Info("keeping partial file for the next run")

		return
	}

	if err := os.Remove(partPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to remove partial file", "err", err)
	}
}

func isTransient(err error) bool {
	var netErr *NetworkError

	return errors.As(err, &netErr) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
