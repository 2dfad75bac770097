package transfer_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/wheel_mirror/internal/storage"
	"github.com/italolelis/wheel_mirror/internal/storage/jsonfile"
	"github.com/italolelis/wheel_mirror/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wheelName = "foo-1.0-py3-none-any.whl"

// wheelServer serves in-memory files with real HEAD and Range semantics and
// can be told to misbehave.
type wheelServer struct {
	mu          sync.Mutex
	files       map[string][]byte
	heads       int
	gets        int
	ranges      []string
	status      int  // forced status for GET requests
	ignoreRange bool // answer range requests with the whole file
	truncateAt  int  // announce the full length, send only this many bytes
	noHead      bool

	badContentRange bool // answer range requests with 206 for the whole file
	shortBody       int  // chunked GET body cut to this many bytes
}

func (s *wheelServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data, ok := s.files[path.Base(r.URL.Path)]
	status, ignoreRange, truncateAt, noHead := s.status, s.ignoreRange, s.truncateAt, s.noHead
	badContentRange, shortBody := s.badContentRange, s.shortBody

	if r.Method == http.MethodHead {
		s.heads++
	} else {
		s.gets++
		s.ranges = append(s.ranges, r.Header.Get("Range"))
	}
	s.mu.Unlock()

	switch {
	case !ok:
		http.NotFound(w, r)
	case r.Method == http.MethodHead && noHead:
		w.WriteHeader(http.StatusMethodNotAllowed)
	case r.Method == http.MethodGet && status != 0:
		w.WriteHeader(status)
	case r.Method == http.MethodGet && truncateAt > 0:
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data[:truncateAt])
	case r.Method == http.MethodGet && badContentRange:
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(data)-1, len(data)))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(data)
	case r.Method == http.MethodGet && shortBody > 0:
		// Flushing before the body forces chunked encoding without a length.
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = w.Write(data[:shortBody])
	case r.Method == http.MethodGet && ignoreRange:
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	default:
		http.ServeContent(w, r, path.Base(r.URL.Path), time.Time{}, bytes.NewReader(data))
	}
}

func (s *wheelServer) set(fn func(s *wheelServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(s)
}

func (s *wheelServer) counts() (heads, gets int, ranges []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.heads, s.gets, append([]string(nil), s.ranges...)
}

func (s *wheelServer) reset() {
	s.set(func(s *wheelServer) {
		s.heads, s.gets, s.ranges = 0, 0, nil
	})
}

type fixture struct {
	server  *wheelServer
	url     string
	baseURL string
	outDir  string
	store   *storage.Store
	engine  *transfer.Engine
	data    []byte
}

// wheelBytes returns deterministic content spanning several transfer blocks.
func wheelBytes() []byte {
	data := make([]byte, 3*transfer.ChunkSize+123)
	for i := range data {
		data[i] = byte(i % 251)
	}

	return data
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:])
}

func newFixture(t *testing.T, preserve bool) *fixture {
	t.Helper()

	data := wheelBytes()
	ws := &wheelServer{files: map[string][]byte{wheelName: data}}
	server := httptest.NewServer(ws)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	outDir := filepath.Join(dir, "data")
	store := storage.Open(context.Background(), jsonfile.NewProgressRepository(filepath.Join(dir, "download_progress.json")))

	return &fixture{
		server:  ws,
		url:     server.URL + "/packages/" + wheelName,
		baseURL: server.URL,
		outDir:  outDir,
		store:   store,
		engine: transfer.NewEngine(server.Client(), store, transfer.Options{
			OutputDir:        outDir,
			PreservePartials: preserve,
		}),
		data: data,
	}
}

func (f *fixture) finalPath() string { return filepath.Join(f.outDir, wheelName) }
func (f *fixture) partPath() string  { return f.finalPath() + transfer.PartSuffix }

func (f *fixture) writePart(t *testing.T, b []byte) {
	t.Helper()

	require.NoError(t, os.MkdirAll(f.outDir, 0o755))
	require.NoError(t, os.WriteFile(f.partPath(), b, 0o644))
}

func (f *fixture) requireFinal(t *testing.T) {
	t.Helper()

	got, err := os.ReadFile(f.finalPath())
	require.NoError(t, err)
	require.Equal(t, len(f.data), len(got))
	require.Equal(t, f.data, got)

	_, err = os.Stat(f.partPath())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFetch_DownloadsAndRecords(t *testing.T) {
	f := newFixture(t, false)

	res := f.engine.Fetch(context.Background(), f.url)
	require.NoError(t, res.Err)

	assert.Equal(t, transfer.OutcomeDownloaded, res.Outcome)
	assert.Equal(t, wheelName, res.Filename)
	assert.Equal(t, int64(len(f.data)), res.Bytes)
	assert.Equal(t, int64(len(f.data)), res.Transferred)
	assert.False(t, res.Resumed)
	f.requireFinal(t)

	rec, ok := f.store.Lookup(f.url)
	require.True(t, ok)
	assert.Equal(t, storage.TransferRecord{
		Status: storage.StatusCompleted,
		Hash:   sha256Hex(f.data),
		Size:   int64(len(f.data)),
	}, rec)
}

func TestFetch_CachedSkipsNetwork(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.engine.Fetch(context.Background(), f.url).Err)
	f.server.reset()

	res := f.engine.Fetch(context.Background(), f.url)
	require.NoError(t, res.Err)
	assert.Equal(t, transfer.OutcomeCached, res.Outcome)
	assert.Equal(t, int64(len(f.data)), res.Bytes)

	heads, gets, _ := f.server.counts()
	assert.Zero(t, heads)
	assert.Zero(t, gets)
}

func TestFetch_TamperedFileIsDownloadedAgain(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(t *testing.T, path string)
	}{
		{
			name: "modified content",
			tamper: func(t *testing.T, p string) {
				require.NoError(t, os.WriteFile(p, []byte("tampered"), 0o644))
			},
		},
		{
			name: "deleted file",
			tamper: func(t *testing.T, p string) {
				require.NoError(t, os.Remove(p))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)

			require.NoError(t, f.engine.Fetch(context.Background(), f.url).Err)
			tt.tamper(t, f.finalPath())
			f.server.reset()

			res := f.engine.Fetch(context.Background(), f.url)
			require.NoError(t, res.Err)
			assert.Equal(t, transfer.OutcomeDownloaded, res.Outcome)
			f.requireFinal(t)

			_, gets, _ := f.server.counts()
			assert.Equal(t, 1, gets)
		})
	}
}

func TestFetch_ResumesFromPartialFile(t *testing.T) {
	f := newFixture(t, false)

	k := transfer.ChunkSize + 17
	f.writePart(t, f.data[:k])

	res := f.engine.Fetch(context.Background(), f.url)
	require.NoError(t, res.Err)

	assert.True(t, res.Resumed)
	assert.Equal(t, int64(len(f.data)-k), res.Transferred)
	f.requireFinal(t)

	_, _, ranges := f.server.counts()
	assert.Equal(t, []string{"bytes=" + strconv.Itoa(k) + "-"}, ranges)

	rec, ok := f.store.Lookup(f.url)
	require.True(t, ok)
	assert.Equal(t, sha256Hex(f.data), rec.Hash)
	assert.Equal(t, int64(len(f.data)), rec.Size)
}

func TestFetch_StalePartialIsDiscarded(t *testing.T) {
	tests := []struct {
		name string
		part func(data []byte) []byte
	}{
		{"same size as remote", func(data []byte) []byte { return bytes.Repeat([]byte{'x'}, len(data)) }},
		{"larger than remote", func(data []byte) []byte { return append(append([]byte{}, data...), "garbage"...) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.writePart(t, tt.part(f.data))

			res := f.engine.Fetch(context.Background(), f.url)
			require.NoError(t, res.Err)
			assert.False(t, res.Resumed)
			f.requireFinal(t)

			_, _, ranges := f.server.counts()
			assert.Equal(t, []string{""}, ranges)
		})
	}
}

func TestFetch_UnknownRemoteSizeRestartsFromZero(t *testing.T) {
	f := newFixture(t, false)
	f.server.set(func(s *wheelServer) { s.noHead = true })
	f.writePart(t, f.data[:100])

	res := f.engine.Fetch(context.Background(), f.url)
	require.NoError(t, res.Err)
	f.requireFinal(t)

	_, _, ranges := f.server.counts()
	assert.Equal(t, []string{""}, ranges)
}

func TestFetch_ServerIgnoringRangeDoesNotDuplicateBytes(t *testing.T) {
	f := newFixture(t, false)
	f.server.set(func(s *wheelServer) { s.ignoreRange = true })
	f.writePart(t, f.data[:500])

	res := f.engine.Fetch(context.Background(), f.url)
	require.NoError(t, res.Err)
	assert.False(t, res.Resumed)
	f.requireFinal(t)

	_, _, ranges := f.server.counts()
	assert.Equal(t, []string{"bytes=500-"}, ranges)
}

func TestFetch_HTTPErrorLeavesNoRecord(t *testing.T) {
	tests := []struct {
		name     string
		preserve bool
		wantPart bool
	}{
		{"default policy removes partial", false, false},
		{"preserve policy keeps partial", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.preserve)
			f.server.set(func(s *wheelServer) { s.status = http.StatusServiceUnavailable })
			f.writePart(t, f.data[:100])

			res := f.engine.Fetch(context.Background(), f.url)
			require.Error(t, res.Err)
			assert.True(t, res.Failed())

			var netErr *transfer.NetworkError
			require.ErrorAs(t, res.Err, &netErr)
			assert.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)

			_, ok := f.store.Lookup(f.url)
			assert.False(t, ok)

			_, err := os.Stat(f.finalPath())
			assert.ErrorIs(t, err, os.ErrNotExist)

			_, err = os.Stat(f.partPath())
			assert.Equal(t, tt.wantPart, err == nil)
		})
	}
}

// Corrupt content is never worth resuming, so the partial goes even when
// PreservePartials is set.
func TestFetch_CorruptContentAlwaysDiscarded(t *testing.T) {
	tests := []struct {
		name    string
		part    int
		mode    func(s *wheelServer)
		wantErr any
	}{
		{
			name:    "content range does not start at the offset",
			part:    100,
			mode:    func(s *wheelServer) { s.badContentRange = true },
			wantErr: new(*transfer.RangeMismatchError),
		},
		{
			name:    "chunked body shorter than the advertised size",
			mode:    func(s *wheelServer) { s.shortBody = transfer.ChunkSize + 10 },
			wantErr: new(*transfer.SizeMismatchError),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.server.set(tt.mode)
			if tt.part > 0 {
				f.writePart(t, f.data[:tt.part])
			}

			res := f.engine.Fetch(context.Background(), f.url)
			require.Error(t, res.Err)
			require.ErrorAs(t, res.Err, tt.wantErr)
			assert.Equal(t, transfer.OutcomeFailed, res.Outcome)

			_, err := os.Stat(f.partPath())
			assert.ErrorIs(t, err, os.ErrNotExist)

			_, err = os.Stat(f.finalPath())
			assert.ErrorIs(t, err, os.ErrNotExist)

			assert.Equal(t, 0, f.store.Len())
		})
	}
}

// By default every failure deletes the partial file; PreservePartials keeps it
// for interrupted streams.
func TestFetch_InterruptedStream_DefaultPolicyRestartsFromZero(t *testing.T) {
	f := newFixture(t, false)
	f.server.set(func(s *wheelServer) { s.truncateAt = 2 * transfer.ChunkSize })

	res := f.engine.Fetch(context.Background(), f.url)
	require.Error(t, res.Err)

	var netErr *transfer.NetworkError
	require.ErrorAs(t, res.Err, &netErr)

	_, err := os.Stat(f.partPath())
	assert.ErrorIs(t, err, os.ErrNotExist)

	f.server.set(func(s *wheelServer) { s.truncateAt = 0 })

	require.NoError(t, f.engine.Fetch(context.Background(), f.url).Err)
	f.requireFinal(t)

	_, _, ranges := f.server.counts()
	assert.Equal(t, []string{"", ""}, ranges)
}

func TestFetch_InterruptedStream_PreservePolicyResumes(t *testing.T) {
	f := newFixture(t, true)
	k := 2 * transfer.ChunkSize
	f.server.set(func(s *wheelServer) { s.truncateAt = k })

	res := f.engine.Fetch(context.Background(), f.url)
	require.Error(t, res.Err)

	info, err := os.Stat(f.partPath())
	require.NoError(t, err)
	assert.Equal(t, int64(k), info.Size())

	f.server.set(func(s *wheelServer) { s.truncateAt = 0 })

	res = f.engine.Fetch(context.Background(), f.url)
	require.NoError(t, res.Err)
	assert.True(t, res.Resumed)
	f.requireFinal(t)

	_, _, ranges := f.server.counts()
	assert.Equal(t, []string{"", "bytes=" + strconv.Itoa(k) + "-"}, ranges)
}

func TestFetch_IndexDigest(t *testing.T) {
	t.Run("matching digest", func(t *testing.T) {
		f := newFixture(t, false)
		u := f.url + "#sha256=" + sha256Hex(f.data)

		res := f.engine.Fetch(context.Background(), u)
		require.NoError(t, res.Err)
		f.requireFinal(t)

		_, ok := f.store.Lookup(u)
		assert.True(t, ok)
	})

	t.Run("mismatching digest is never kept", func(t *testing.T) {
		f := newFixture(t, true)
		u := f.url + "#sha256=" + sha256Hex([]byte("something else"))

		res := f.engine.Fetch(context.Background(), u)

		var integrityErr *transfer.IntegrityError
		require.ErrorAs(t, res.Err, &integrityErr)
		assert.Equal(t, sha256Hex(f.data), integrityErr.Actual)

		_, err := os.Stat(f.finalPath())
		assert.ErrorIs(t, err, os.ErrNotExist)
		_, err = os.Stat(f.partPath())
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.Zero(t, f.store.Len())
	})
}

func TestFetch_NotFound(t *testing.T) {
	f := newFixture(t, false)

	res := f.engine.Fetch(context.Background(), f.baseURL+"/packages/missing-1.0-py3-none-any.whl")

	var netErr *transfer.NetworkError
	require.ErrorAs(t, res.Err, &netErr)
	assert.Equal(t, http.StatusNotFound, netErr.StatusCode)
	assert.Zero(t, f.store.Len())
}

func TestFetch_CancelledContext(t *testing.T) {
	f := newFixture(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.engine.Fetch(ctx, f.url)
	assert.True(t, res.Failed())
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Zero(t, f.store.Len())
}

func TestFetch_InvalidURL(t *testing.T) {
	f := newFixture(t, false)

	res := f.engine.Fetch(context.Background(), f.baseURL+"/")

	var urlErr *transfer.InvalidURLError
	require.ErrorAs(t, res.Err, &urlErr)

	_, gets, _ := f.server.counts()
	assert.Zero(t, gets)
}

func TestFilenameFromURL(t *testing.T) {
	tests := []struct {
		rawURL  string
		want    string
		wantErr bool
	}{
		{"https://example.test/simple/foo-1.0-py3-none-any.whl", "foo-1.0-py3-none-any.whl", false},
		{"https://files.test/packages/ab/cd/bar-2.0-cp312-cp312-manylinux_2_17_x86_64.whl#sha256=00", "bar-2.0-cp312-cp312-manylinux_2_17_x86_64.whl", false},
		{"https://files.test/baz-1.0-py3-none-any.whl?token=abc", "baz-1.0-py3-none-any.whl", false},
		{"https://files.test/pkg%2Bplus-1.0-py3-none-any.whl", "pkg+plus-1.0-py3-none-any.whl", false},
		{"https://files.test/", "", true},
		{"https://files.test", "", true},
		{"https://files.test/dir/..", "", true},
		{"%zz", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.rawURL, func(t *testing.T) {
			got, err := transfer.FilenameFromURL(tt.rawURL)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
