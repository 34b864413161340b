package downloader_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/bdm/internal/common"
	"github.com/NamanBalaji/bdm/internal/downloader"
	"github.com/NamanBalaji/bdm/internal/metrics"
	"github.com/NamanBalaji/bdm/internal/resume"
	httpProto "github.com/NamanBalaji/bdm/pkg/protocol/http"
)

// fileServer serves data with range support and a few switchable misbehaviours.
type fileServer struct {
	data        []byte
	etag        string
	ignoreRange bool
	status      int
	// failures is the number of leading requests answered with 503.
	failures atomic.Int32
	// stallAfter makes full-body responses hang after this many bytes.
	stallAfter atomic.Int64
	// dropAfter makes full-body responses close the connection after this many bytes.
	dropAfter atomic.Int64

	mu       sync.Mutex
	ranges   []string
	ifRanges []string
}

func (s *fileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.ranges = append(s.ranges, r.Header.Get("Range"))
	s.ifRanges = append(s.ifRanges, r.Header.Get("If-Range"))
	s.mu.Unlock()

	if s.failures.Add(-1) >= 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	if s.etag != "" {
		w.Header().Set("ETag", s.etag)
	}
	if r.Header.Get("Range") != "" && !s.ignoreRange {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(s.data))
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
	if n := s.stallAfter.Load(); n > 0 {
		_, _ = w.Write(s.data[:n])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return
	}
	if n := s.dropAfter.Load(); n > 0 {
		_, _ = w.Write(s.data[:n])
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
		return
	}
	_, _ = w.Write(s.data)
}

func (s *fileServer) requests() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...), append([]string(nil), s.ifRanges...)
}

type recorder struct {
	mu       sync.Mutex
	states   []common.TaskStateChanged
	progress []common.TaskProgress

	onState    func(common.TaskStateChanged)
	onProgress func(common.TaskProgress)
}

func (r *recorder) TaskStateChanged(c common.TaskStateChanged) {
	r.mu.Lock()
	r.states = append(r.states, c)
	fn := r.onState
	r.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (r *recorder) TaskProgress(p common.TaskProgress) {
	r.mu.Lock()
	r.progress = append(r.progress, p)
	fn := r.onProgress
	r.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

func (r *recorder) stateSeq() []common.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := make([]common.State, 0, len(r.states))
	for _, c := range r.states {
		seq = append(seq, c.New)
	}
	return seq
}

func (r *recorder) progressEvents() []common.TaskProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]common.TaskProgress(nil), r.progress...)
}

func testData(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func fastRetry() downloader.RetryPolicy {
	return downloader.RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
		Factor:     2,
	}
}

func newTask(t *testing.T, url, dest string, rec *recorder, mutate func(*downloader.Options)) *downloader.Task {
	t.Helper()
	opts := downloader.Options{
		Fetcher:               httpProto.NewClient(nil),
		Store:                 resume.NewFileStore(),
		Observer:              rec,
		Retry:                 fastRetry(),
		RemovePartialOnCancel: true,
		ProgressInterval:      time.Nanosecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return downloader.NewTask(common.DownloadJob{URL: url, Destination: dest}, opts)
}

func assertMonotonic(t *testing.T, events []common.TaskProgress) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		require.GreaterOrEqual(t, cur.Generation, prev.Generation)
		if cur.Generation == prev.Generation {
			assert.GreaterOrEqual(t, cur.BytesCompleted, prev.BytesCompleted, "event %d", i)
		}
	}
}

func TestTaskDownloadsFile(t *testing.T) {
	data := testData(300 * 1024)
	srv := &fileServer{data: data, etag: `"v1"`}
	server := httptest.NewServer(srv)
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "nested", "out.bin")
	rec := &recorder{}
	task := newTask(t, server.URL+"/out.bin", dest, rec, nil)

	require.NoError(t, task.Run(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoFileExists(t, resume.PartialPath(dest))
	assert.NoFileExists(t, resume.MarkerPath(dest))

	assert.Equal(t, []common.State{
		common.StateConnecting,
		common.StateDownloading,
		common.StateCompleted,
	}, rec.stateSeq())

	events := rec.progressEvents()
	require.NotEmpty(t, events)
	assertMonotonic(t, events)
	last := events[len(events)-1]
	assert.Equal(t, int64(len(data)), last.BytesCompleted)
	assert.Equal(t, int64(len(data)), last.TotalBytes)

	snap := task.Snapshot()
	assert.Equal(t, common.StateCompleted, snap.State)
	assert.Equal(t, int64(len(data)), snap.BytesCompleted)
	assert.Empty(t, snap.LastError)
}

func TestTaskPauseAndResumeIsByteExact(t *testing.T) {
	data := testData(512 * 1024)
	srv := &fileServer{data: data, etag: `"v1"`}
	srv.stallAfter.Store(128 * 1024)
	server := httptest.NewServer(srv)
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	ctx, cancel := context.WithCancelCause(context.Background())
	var once sync.Once
	rec := &recorder{onProgress: func(p common.TaskProgress) {
		if p.BytesCompleted > 0 {
			once.Do(func() { cancel(downloader.ErrPaused) })
		}
	}}
	task := newTask(t, server.URL, dest, rec, nil)

	err := task.Run(ctx)
	require.ErrorIs(t, err, downloader.ErrPaused)
	assert.Equal(t, common.StatePaused, task.State())
	assert.Empty(t, task.Snapshot().LastError)

	paused := task.Snapshot().BytesCompleted
	require.Greater(t, paused, int64(0))

	fi, err := os.Stat(resume.PartialPath(dest))
	require.NoError(t, err)
	assert.Equal(t, paused, fi.Size())

	st, err := resume.NewFileStore().Load(dest)
	require.NoError(t, err)
	assert.Equal(t, paused, st.BytesCompleted)
	assert.Equal(t, int64(len(data)), st.TotalBytes)
	assert.Equal(t, `"v1"`, st.Validator.ETag)

	srv.stallAfter.Store(0)
	rec.mu.Lock()
	rec.onProgress = nil
	rec.mu.Unlock()

	require.NoError(t, task.Requeue(""))
	require.NoError(t, task.Run(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "resumed file differs from source")

	ranges, ifRanges := srv.requests()
	require.Len(t, ranges, 2)
	assert.Equal(t, "", ranges[0])
	assert.Equal(t, "bytes="+strconv.FormatInt(paused, 10)+"-", ranges[1])
	assert.Equal(t, `"v1"`, ifRanges[1])

	events := rec.progressEvents()
	assertMonotonic(t, events)
	assert.Equal(t, 0, events[len(events)-1].Generation)

	assert.Equal(t, []common.State{
		common.StateConnecting,
		common.StateDownloading,
		common.StatePaused,
		common.StatePending,
		common.StateConnecting,
		common.StateDownloading,
		common.StateCompleted,
	}, rec.stateSeq())
}

func seedPartial(t *testing.T, dest, url string, content []byte, total int64, etag string) {
	t.Helper()
	require.NoError(t, os.WriteFile(resume.PartialPath(dest), content, 0o644))
	require.NoError(t, resume.NewFileStore().Save(&resume.State{
		Destination:    dest,
		BytesCompleted: int64(len(content)),
		TotalBytes:     total,
		SourceURL:      url,
		Validator:      httpProto.Validator{ETag: etag},
	}))
}

func TestTaskRestartsWhenRangeIgnored(t *testing.T) {
	data := testData(200 * 1024)
	srv := &fileServer{data: data, etag: `"v1"`, ignoreRange: true}
	server := httptest.NewServer(srv)
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	seedPartial(t, dest, server.URL, bytes.Repeat([]byte{'x'}, 1000), int64(len(data)), `"v1"`)

	rec := &recorder{}
	task := newTask(t, server.URL, dest, rec, nil)
	require.NoError(t, task.Run(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ranges, _ := srv.requests()
	assert.Equal(t, []string{"bytes=1000-"}, ranges)

	snap := task.Snapshot()
	assert.Equal(t, 1, snap.Generation)
	assert.Equal(t, int64(len(data)), snap.BytesCompleted)

	events := rec.progressEvents()
	require.NotEmpty(t, events)
	assert.Equal(t, int64(0), events[0].BytesCompleted)
	assert.Equal(t, 1, events[0].Generation)
	assertMonotonic(t, events)
}

func TestTaskNotFoundFailsWithoutRetry(t *testing.T) {
	srv := &fileServer{status: http.StatusNotFound}
	server := httptest.NewServer(srv)
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	rec := &recorder{}
	task := newTask(t, server.URL, dest, rec, nil)

	err := task.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httpProto.StatusCode(err))

	ranges, _ := srv.requests()
	assert.Len(t, ranges, 1)
	assert.Equal(t, []common.State{common.StateConnecting, common.StateFailed}, rec.stateSeq())

	snap := task.Snapshot()
	assert.Equal(t, common.StateFailed, snap.State)
	assert.Contains(t, snap.LastError, "404")
	assert.NoFileExists(t, dest)
}

func TestTaskRetriesTransientFailures(t *testing.T) {
	data := testData(10 * 1024)
	srv := &fileServer{data: data}
	srv.failures.Store(2)
	server := httptest.NewServer(srv)
	defer server.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	dest := filepath.Join(t.TempDir(), "out.bin")
	rec := &recorder{}
	task := newTask(t, server.URL, dest, rec, func(o *downloader.Options) {
		o.Metrics = m
		o.Retry.Jitter = 0.2
		o.Retry.Rand = func() float64 { return 0.5 }
	})

	require.NoError(t, task.Run(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.Equal(t, []common.State{
		common.StateConnecting,
		common.StateRetrying,
		common.StateConnecting,
		common.StateRetrying,
		common.StateConnecting,
		common.StateDownloading,
		common.StateCompleted,
	}, rec.stateSeq())

	var retries []common.TaskStateChanged
	rec.mu.Lock()
	for _, c := range rec.states {
		if c.New == common.StateRetrying {
			retries = append(retries, c)
		}
	}
	rec.mu.Unlock()
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, 2, retries[1].Attempt)
	assert.LessOrEqual(t, retries[0].RetryIn, retries[1].RetryIn)
	assert.Contains(t, retries[0].Error, "503")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Retries))
	assert.Equal(t, float64(len(data)), testutil.ToFloat64(m.BytesDownloaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskTransitions.WithLabelValues("completed")))
}

func TestTaskGivesUpAfterMaxRetries(t *testing.T) {
	srv := &fileServer{}
	srv.failures.Store(100)
	server := httptest.NewServer(srv)
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	rec := &recorder{}
	task := newTask(t, server.URL, dest, rec, func(o *downloader.Options) {
		o.Retry.MaxRetries = 2
	})

	err := task.Run(context.Background())
	require.Error(t, err)
	assert.True(t, httpProto.IsTransient(err), "cause is preserved")
	assert.Equal(t, common.StateFailed, task.State())

	ranges, _ := srv.requests()
	assert.Len(t, ranges, 3)

	seq := rec.stateSeq()
	require.GreaterOrEqual(t, len(seq), 2)
	assert.Equal(t, []common.State{common.StateRetrying, common.StateFailed}, seq[len(seq)-2:])
}

func TestTaskRetryBudgetSurvivesRestartFromZero(t *testing.T) {
	data := testData(300 * 1024)
	srv := &fileServer{data: data, ignoreRange: true}
	srv.dropAfter.Store(100 * 1024)
	server := httptest.NewServer(srv)
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	rec := &recorder{}
	task := newTask(t, server.URL, dest, rec, func(o *downloader.Options) {
		o.Retry.MaxRetries = 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := task.Run(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, downloader.ErrPaused)
	assert.Equal(t, common.StateFailed, task.State())

	ranges, _ := srv.requests()
	assert.Len(t, ranges, 3)

	var retries int
	for _, s := range rec.stateSeq() {
		if s == common.StateRetrying {
			retries++
		}
	}
	assert.Equal(t, 3, retries, "two retries and the exhausted budget")
}

func TestTaskRedirectLoopFailsWithoutRetry(t *testing.T) {
	var requests atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Redirect(w, r, server.URL+"/loop", http.StatusFound)
	}))
	defer server.Close()

	rec := &recorder{}
	task := newTask(t, server.URL+"/loop", filepath.Join(t.TempDir(), "out.bin"), rec, nil)

	err := task.Run(context.Background())
	require.Error(t, err)
	assert.False(t, httpProto.IsTransient(err))
	assert.Contains(t, err.Error(), "too many redirects")
	assert.Equal(t, []common.State{common.StateConnecting, common.StateFailed}, rec.stateSeq())
	assert.LessOrEqual(t, int(requests.Load()), 11)
}

func TestTaskPauseDuringBackoff(t *testing.T) {
	srv := &fileServer{}
	srv.failures.Store(100)
	server := httptest.NewServer(srv)
	defer server.Close()

	ctx, cancel := context.WithCancelCause(context.Background())
	rec := &recorder{onState: func(c common.TaskStateChanged) {
		if c.New == common.StateRetrying {
			cancel(downloader.ErrPaused)
		}
	}}
	task := newTask(t, server.URL, filepath.Join(t.TempDir(), "out.bin"), rec, func(o *downloader.Options) {
		o.Retry.BaseDelay = time.Minute
		o.Retry.MaxDelay = time.Minute
	})

	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, downloader.ErrPaused)
	case <-time.After(5 * time.Second):
		t.Fatal("pause did not interrupt backoff")
	}
	assert.Equal(t, []common.State{common.StateConnecting, common.StateRetrying, common.StatePaused}, rec.stateSeq())
}

func TestTaskCancel(t *testing.T) {
	data := testData(512 * 1024)

	run := func(t *testing.T, removePartial bool) (*downloader.Task, *fileServer, string) {
		srv := &fileServer{data: data, etag: `"v1"`}
		srv.stallAfter.Store(128 * 1024)
		server := httptest.NewServer(srv)
		t.Cleanup(server.Close)

		dest := filepath.Join(t.TempDir(), "out.bin")
		ctx, cancel := context.WithCancelCause(context.Background())
		var once sync.Once
		rec := &recorder{onProgress: func(p common.TaskProgress) {
			if p.BytesCompleted > 0 {
				once.Do(func() { cancel(downloader.ErrCancelled) })
			}
		}}
		task := newTask(t, server.URL, dest, rec, func(o *downloader.Options) {
			o.RemovePartialOnCancel = removePartial
		})

		err := task.Run(ctx)
		require.ErrorIs(t, err, downloader.ErrCancelled)
		assert.Equal(t, common.StateCancelled, task.State())
		assert.NoFileExists(t, resume.MarkerPath(dest))
		return task, srv, dest
	}

	t.Run("removes partial by default", func(t *testing.T) {
		_, _, dest := run(t, true)
		assert.NoFileExists(t, resume.PartialPath(dest))
	})

	t.Run("kept partial restarts from zero on resubmit", func(t *testing.T) {
		task, srv, dest := run(t, false)
		assert.FileExists(t, resume.PartialPath(dest))
		before := task.Snapshot().BytesCompleted

		srv.stallAfter.Store(0)
		require.NoError(t, task.Requeue(""))
		require.NoError(t, task.Run(context.Background()))

		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		ranges, _ := srv.requests()
		require.Len(t, ranges, 2)
		assert.Equal(t, "", ranges[1], "no resume state means a full request")
		if before > 0 {
			assert.Equal(t, 1, task.Snapshot().Generation)
		}
	})
}

func TestTaskFinishesCompletePartialWithoutRequest(t *testing.T) {
	data := testData(4096)
	srv := &fileServer{data: data}
	server := httptest.NewServer(srv)
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	seedPartial(t, dest, server.URL, data, int64(len(data)), "")

	rec := &recorder{}
	task := newTask(t, server.URL, dest, rec, nil)
	require.NoError(t, task.Run(context.Background()))

	ranges, _ := srv.requests()
	assert.Empty(t, ranges)
	assert.Equal(t, []common.State{common.StateConnecting, common.StateCompleted}, rec.stateSeq())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTaskRangeNotSatisfiable(t *testing.T) {
	t.Run("resource shrank", func(t *testing.T) {
		data := testData(300)
		srv := &fileServer{data: data, etag: `"v1"`}
		server := httptest.NewServer(srv)
		defer server.Close()

		dest := filepath.Join(t.TempDir(), "out.bin")
		seedPartial(t, dest, server.URL, testData(500), -1, `"v1"`)

		rec := &recorder{}
		task := newTask(t, server.URL, dest, rec, nil)
		require.NoError(t, task.Run(context.Background()))

		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		ranges, _ := srv.requests()
		assert.Equal(t, []string{"bytes=500-", ""}, ranges)
		assert.Equal(t, 1, task.Snapshot().Generation)
		assert.NotContains(t, rec.stateSeq(), common.StateRetrying)
	})

	t.Run("partial already holds everything", func(t *testing.T) {
		data := testData(300)
		srv := &fileServer{data: data, etag: `"v1"`}
		server := httptest.NewServer(srv)
		defer server.Close()

		dest := filepath.Join(t.TempDir(), "out.bin")
		seedPartial(t, dest, server.URL, data, -1, `"v1"`)

		task := newTask(t, server.URL, dest, &recorder{}, nil)
		require.NoError(t, task.Run(context.Background()))

		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, data, got)
		assert.Equal(t, int64(300), task.Snapshot().TotalBytes)
	})
}

func TestTaskChangedURLDiscardsResumeState(t *testing.T) {
	data := testData(2048)
	srv := &fileServer{data: data}
	server := httptest.NewServer(srv)
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	seedPartial(t, dest, "http://elsewhere.invalid/file", testData(100), 2048, "")

	task := newTask(t, server.URL, dest, &recorder{}, nil)
	require.NoError(t, task.Run(context.Background()))

	ranges, _ := srv.requests()
	assert.Equal(t, []string{""}, ranges)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTaskDiskErrorIsPermanent(t *testing.T) {
	srv := &fileServer{data: testData(100)}
	server := httptest.NewServer(srv)
	defer server.Close()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	rec := &recorder{}
	task := newTask(t, server.URL, filepath.Join(blocker, "out.bin"), rec, nil)

	err := task.Run(context.Background())
	var werr *downloader.WriteError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, "mkdir", werr.Op)
	assert.Equal(t, []common.State{common.StateConnecting, common.StateFailed}, rec.stateSeq())

	ranges, _ := srv.requests()
	assert.Empty(t, ranges)
}

func TestTaskIdleControls(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.bin")
	rec := &recorder{}
	task := newTask(t, "http://example.com/a", dest, rec, nil)

	require.NoError(t, task.Pause())
	assert.ErrorIs(t, task.Pause(), downloader.ErrInvalidTransition)
	require.NoError(t, task.Requeue(""))
	assert.Equal(t, common.StatePending, task.State())

	require.NoError(t, task.Cancel())
	assert.Equal(t, common.StateCancelled, task.State())
	assert.ErrorIs(t, task.Cancel(), downloader.ErrInvalidTransition)

	require.NoError(t, task.Requeue("http://example.com/b"))
	assert.Equal(t, "http://example.com/b", task.Job().URL)
	assert.Equal(t, common.StatePending, task.State())

	require.NoError(t, task.Pause())
	require.NoError(t, task.Requeue("http://example.com/c"))
	assert.Equal(t, "http://example.com/b", task.Job().URL, "paused tasks keep their url")
}
