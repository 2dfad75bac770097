package downloader

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/wheel_mirror/internal/logctx"
	"github.com/italolelis/wheel_mirror/internal/transfer"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxParallel is the number of transfers run at once when none is configured.
const DefaultMaxParallel = 4

// Fetcher downloads a single URL. *transfer.Engine implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) transfer.Result
}

// Downloader fans the wheel URLs of one package out to a bounded set of
// workers. A failed URL never cancels its siblings.
//
// File names are claimed for the lifetime of the Downloader, so one instance
// should serve a whole run.
type Downloader struct {
	fetcher     Fetcher
	maxParallel int

	mu     sync.Mutex
	claims map[string]string // file name -> URL that owns it
}

func NewDownloader(fetcher Fetcher, maxParallel int) *Downloader {
	if maxParallel < 1 {
		maxParallel = DefaultMaxParallel
	}

	return &Downloader{
		fetcher:     fetcher,
		maxParallel: maxParallel,
		claims:      make(map[string]string),
	}
}

// DownloadPackage fetches every URL and returns one result per distinct URL,
// in input order. It returns once all of them have finished.
func (d *Downloader) DownloadPackage(ctx context.Context, pkg string, urls []string) []transfer.Result {
	ctx = logctx.With(ctx, "package", pkg)
	logger := logctx.LoggerFromContext(ctx)

	jobs, results := d.plan(urls)

	logger.Info("downloading package", "wheels", len(jobs), "max_parallel", d.maxParallel)

	// Workers only report through results; errgroup is used for its limit and
	// Wait, so no goroutine returns an error.
	var (
		wg errgroup.Group
		mu sync.Mutex
	)

	wg.SetLimit(d.maxParallel)

	for _, j := range jobs {
		wg.Go(func() error {
			res := d.fetcher.Fetch(ctx, j.url)

			mu.Lock()
			results[j.index] = res
			mu.Unlock()

			return nil
		})
	}

	_ = wg.Wait()

	s := Summarize(results)
	logger.Info("package finished",
		"downloaded", s.Downloaded,
		"cached", s.Cached,
		"failed", s.Failed,
		"transferred", humanize.Bytes(uint64(s.Transferred)),
	)

	return results
}

type job struct {
	index int
	url   string
}

// plan drops duplicate URLs and rejects URLs whose file name is already
// claimed by a different URL earlier in the run, since both would write the
// same file. Rejected URLs get a failed result without being fetched.
func (d *Downloader) plan(urls []string) ([]job, []transfer.Result) {
	var (
		jobs    []job
		results []transfer.Result
	)

	seen := make(map[string]struct{}, len(urls))

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}

		seen[u] = struct{}{}

		name, err := transfer.FilenameFromURL(u)
		if err != nil {
			results = append(results, transfer.Result{URL: u, Outcome: transfer.OutcomeFailed, Err: err})

			continue
		}

		if owner, ok := d.claims[name]; ok && owner != u {
			results = append(results, transfer.Result{
				URL:      u,
				Filename: name,
				Outcome:  transfer.OutcomeFailed,
				Err:      &transfer.FilenameConflictError{Filename: name, URL: u, Owner: owner},
			})

			continue
		}

		d.claims[name] = u
		jobs = append(jobs, job{index: len(results), url: u})
		results = append(results, transfer.Result{URL: u, Filename: name})
	}

	return jobs, results
}

// Summary counts the outcomes of a set of results.
type Summary struct {
	Downloaded  int
	Cached      int
	Failed      int
	Transferred int64
}

func Summarize(results []transfer.Result) Summary {
	var s Summary

	for _, r := range results {
		switch r.Outcome {
		case transfer.OutcomeDownloaded:
			s.Downloaded++
		case transfer.OutcomeCached:
			s.Cached++
		default:
			s.Failed++
		}

		s.Transferred += r.Transferred
	}

	return s
}

// Add accumulates other into s.
func (s *Summary) Add(other Summary) {
	s.Downloaded += other.Downloaded
	s.Cached += other.Cached
	s.Failed += other.Failed
	s.Transferred += other.Transferred
}
