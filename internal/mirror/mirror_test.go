package mirror_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/wheel_mirror/internal/downloader"
	"github.com/italolelis/wheel_mirror/internal/index"
	"github.com/italolelis/wheel_mirror/internal/mirror"
	"github.com/italolelis/wheel_mirror/internal/storage"
	"github.com/italolelis/wheel_mirror/internal/storage/jsonfile"
	"github.com/italolelis/wheel_mirror/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fooWheel = "foo-1.0-py3-none-any.whl"

// indexServer is a minimal simple index: /simple/<pkg> lists wheels served
// from /simple/<file>.
type indexServer struct {
	mu     sync.Mutex
	pages  map[string]string
	files  map[string][]byte
	gets   map[string]int
	broken map[string]bool
}

func (s *indexServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(r.URL.Path)

	s.mu.Lock()
	if r.Method == http.MethodGet {
		s.gets[name]++
	}
	page, isPage := s.pages[name]
	data, isFile := s.files[name]
	broken := s.broken[name]
	s.mu.Unlock()

	switch {
	case broken:
		w.WriteHeader(http.StatusBadGateway)
	case isPage:
		_, _ = w.Write([]byte(page))
	case isFile:
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
	default:
		http.NotFound(w, r)
	}
}

func (s *indexServer) fileGets() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for name, c := range s.gets {
		if _, ok := s.files[name]; ok {
			n += c
		}
	}

	return n
}

type env struct {
	server       *indexServer
	baseURL      string
	dataDir      string
	progressFile string
	client       *http.Client
}

func newEnv(t *testing.T) *env {
	t.Helper()

	s := &indexServer{
		pages: map[string]string{
			"foo": `<html><body><a href="` + fooWheel + `">` + fooWheel + `</a></body></html>`,
		},
		files:  map[string][]byte{fooWheel: bytes.Repeat([]byte("wheel-bytes!"), 2000)},
		gets:   map[string]int{},
		broken: map[string]bool{},
	}

	server := httptest.NewServer(s)
	t.Cleanup(server.Close)

	dir := t.TempDir()

	return &env{
		server:       s,
		baseURL:      server.URL + "/simple/",
		dataDir:      filepath.Join(dir, "data"),
		progressFile: filepath.Join(dir, "download_progress.json"),
		client:       server.Client(),
	}
}

// run builds the full pipeline from scratch, like a fresh process would.
func (e *env) run(t *testing.T, packages ...string) mirror.Report {
	t.Helper()

	ctx := context.Background()
	store := storage.Open(ctx, jsonfile.NewProgressRepository(e.progressFile))
	engine := transfer.NewEngine(e.client, store, transfer.Options{OutputDir: e.dataDir})
	m := mirror.New(index.NewClient(e.client), downloader.NewDownloader(engine, 4), nil)

	return m.Run(ctx, e.baseURL, packages)
}

func TestRun_EndToEnd(t *testing.T) {
	e := newEnv(t)

	report := e.run(t, "foo")

	require.Len(t, report.Packages, 1)
	assert.Equal(t, mirror.PackageComplete, report.Packages[0].Status)
	assert.Equal(t, 1, report.Totals.Downloaded)
	assert.Zero(t, report.Incomplete())

	want := e.server.files[fooWheel]
	got, err := os.ReadFile(filepath.Join(e.dataDir, fooWheel))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	raw, err := os.ReadFile(e.progressFile)
	require.NoError(t, err)

	var progress map[string]storage.TransferRecord
	require.NoError(t, json.Unmarshal(raw, &progress))

	sum := sha256.Sum256(want)
	assert.Equal(t, map[string]storage.TransferRecord{
		e.baseURL + fooWheel: {Status: storage.StatusCompleted, Hash: hex.EncodeToString(sum[:]), Size: int64(len(want))},
	}, progress)
}

func TestRun_SecondRunTransfersNothing(t *testing.T) {
	e := newEnv(t)

	e.run(t, "foo")
	require.Equal(t, 1, e.server.fileGets())

	before, err := os.ReadDir(e.dataDir)
	require.NoError(t, err)

	report := e.run(t, "foo")
	assert.Equal(t, 1, report.Totals.Cached)
	assert.Zero(t, report.Totals.Downloaded)
	assert.Equal(t, 1, e.server.fileGets())

	after, err := os.ReadDir(e.dataDir)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestRun_ListingFailureMovesOnToNextPackage(t *testing.T) {
	e := newEnv(t)
	e.server.mu.Lock()
	e.server.broken["bar"] = true
	e.server.mu.Unlock()

	report := e.run(t, "bar", "missing", "foo")

	require.Len(t, report.Packages, 3)
	assert.Equal(t, mirror.PackageFailed, report.Packages[0].Status)
	assert.Error(t, report.Packages[0].Err)
	assert.Equal(t, mirror.PackageFailed, report.Packages[1].Status)
	assert.Equal(t, mirror.PackageComplete, report.Packages[2].Status)
	assert.Equal(t, 2, report.Incomplete())

	_, err := os.Stat(filepath.Join(e.dataDir, fooWheel))
	assert.NoError(t, err)
}

type fakeLister map[string][]string

func (f fakeLister) WheelURLs(_ context.Context, _, pkg string) ([]string, error) {
	urls, ok := f[pkg]
	if !ok {
		return nil, errors.New("no page")
	}

	return urls, nil
}

type fakeDispatcher struct {
	packages []string
	cancel   context.CancelFunc
	fail     map[string]bool
}

func (f *fakeDispatcher) DownloadPackage(_ context.Context, pkg string, urls []string) []transfer.Result {
	f.packages = append(f.packages, pkg)

	if f.cancel != nil {
		f.cancel()
	}

	results := make([]transfer.Result, 0, len(urls))
	for _, u := range urls {
		outcome := transfer.OutcomeDownloaded
		if f.fail[u] {
			outcome = transfer.OutcomeFailed
		}

		results = append(results, transfer.Result{URL: u, Outcome: outcome})
	}

	return results
}

func TestRun_PackageStatuses(t *testing.T) {
	lister := fakeLister{
		"a":     {"https://x.test/a-1.0-py3-none-any.whl"},
		"b":     {"https://x.test/b-1.0-py3-none-any.whl", "https://x.test/b-2.0-py3-none-any.whl"},
		"empty": {},
	}
	d := &fakeDispatcher{fail: map[string]bool{"https://x.test/b-2.0-py3-none-any.whl": true}}

	report := mirror.New(lister, d, nil).Run(context.Background(), "https://x.test/simple/", []string{"a", "b", "empty"})

	require.Len(t, report.Packages, 3)
	assert.Equal(t, mirror.PackageComplete, report.Packages[0].Status)
	assert.Equal(t, mirror.PackagePartial, report.Packages[1].Status)
	assert.Equal(t, 2, report.Packages[1].Wheels)
	assert.Equal(t, mirror.PackageNoWheels, report.Packages[2].Status)
	assert.Equal(t, []string{"a", "b"}, d.packages)
	assert.Equal(t, downloader.Summary{Downloaded: 2, Failed: 1}, report.Totals)
}

func TestRun_CancellationSkipsRemainingPackages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lister := fakeLister{
		"a": {"https://x.test/a-1.0-py3-none-any.whl"},
		"b": {"https://x.test/b-1.0-py3-none-any.whl"},
	}
	d := &fakeDispatcher{cancel: cancel}

	report := mirror.New(lister, d, nil).Run(ctx, "https://x.test/simple/", []string{"a", "b"})

	assert.Equal(t, []string{"a"}, d.packages)
	require.Len(t, report.Packages, 2)
	assert.Equal(t, mirror.PackageSkipped, report.Packages[1].Status)
	assert.ErrorIs(t, report.Packages[1].Err, context.Canceled)
}
