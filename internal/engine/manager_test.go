package engine_test

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/bdm/internal/common"
	"github.com/NamanBalaji/bdm/internal/downloader"
	"github.com/NamanBalaji/bdm/internal/engine"
	"github.com/NamanBalaji/bdm/internal/metrics"
	"github.com/NamanBalaji/bdm/internal/resume"
	httpProto "github.com/NamanBalaji/bdm/pkg/protocol/http"
)

const testSize = 8 * 1024

// holdServer serves the same payload on every path except /missing. While
// hold is open, full-body responses stop halfway until it is closed.
type holdServer struct {
	data []byte
	hold chan struct{}

	mu          sync.Mutex
	inflight    int
	maxInflight int
	requests    int
}

func newHoldServer(t *testing.T, held bool) (*holdServer, *httptest.Server) {
	t.Helper()

	data := make([]byte, testSize)
	rand.New(rand.NewSource(7)).Read(data)
	s := &holdServer{data: data}
	if held {
		s.hold = make(chan struct{})
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *holdServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/missing" {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	s.requests++
	s.inflight++
	s.maxInflight = max(s.maxInflight, s.inflight)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	if r.Header.Get("Range") != "" {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(s.data))
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
	half := len(s.data) / 2
	_, _ = w.Write(s.data[:half])
	w.(http.Flusher).Flush()
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-r.Context().Done():
			return
		}
	}
	_, _ = w.Write(s.data[half:])
}

func (s *holdServer) release() { close(s.hold) }

func (s *holdServer) stats() (maxInflight, requests int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInflight, s.requests
}

func newManager(t *testing.T, cfg *engine.Config, m *metrics.Metrics) *engine.Manager {
	t.Helper()

	if cfg == nil {
		cfg = engine.DefaultConfig()
	}
	cfg.Retry = downloader.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Factor: 2}
	cfg.ProgressInterval = 5 * time.Millisecond
	cfg.SummaryInterval = 10 * time.Millisecond

	clientCfg := httpProto.DefaultConfig()
	clientCfg.ChunkSize = 1024
	mgr := engine.New(cfg, httpProto.NewClient(clientCfg), resume.NewFileStore(), m)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return mgr
}

func jobs(srv *httptest.Server, dir string, n int) []common.DownloadJob {
	out := make([]common.DownloadJob, n)
	for i := range out {
		name := fmt.Sprintf("file%d.bin", i)
		out[i] = common.DownloadJob{URL: srv.URL + "/" + name, Destination: filepath.Join(dir, name)}
	}
	return out
}

func waitState(t *testing.T, mgr *engine.Manager, dest string, want common.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := mgr.Task(dest)
		return err == nil && snap.State == want
	}, 5*time.Second, 5*time.Millisecond, "waiting for %s to become %s", dest, want)
}

func waitSettled(t *testing.T, mgr *engine.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, mgr.Wait(ctx))
}

// collect drains a subscription until it is closed.
func collect(ch <-chan common.Event) <-chan []common.Event {
	out := make(chan []common.Event, 1)
	go func() {
		var events []common.Event
		for ev := range ch {
			events = append(events, ev)
		}
		out <- events
	}()
	return out
}

func TestManagerRespectsConcurrencyLimit(t *testing.T) {
	s, srv := newHoldServer(t, true)
	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cfg := engine.DefaultConfig()
	cfg.MaxConcurrentDownloads = 2
	mgr := newManager(t, cfg, m)

	ch, _ := mgr.Subscribe()
	events := collect(ch)

	batch := jobs(srv, dir, 5)
	require.NoError(t, mgr.Submit(batch...))

	require.Eventually(t, func() bool {
		return mgr.Status().ActiveCount() == 2
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	status := mgr.Status()
	assert.Equal(t, 2, status.ActiveCount())
	assert.Equal(t, 3, status.Counts[common.StatePending])
	assert.Equal(t, 2, status.MaxConcurrent)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveTasks))
	assert.Equal(t, []string{batch[2].Destination, batch[3].Destination, batch[4].Destination}, mgr.Queued())

	s.release()
	waitSettled(t, mgr)

	peak, _ := s.stats()
	assert.Equal(t, 2, peak)

	for _, job := range batch {
		got, err := os.ReadFile(job.Destination)
		require.NoError(t, err)
		assert.Equal(t, s.data, got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveTasks))

	active, maxActive := 0, 0
	for _, ev := range <-events {
		if ev.State == nil {
			continue
		}
		if !ev.State.Old.Active() && ev.State.New.Active() {
			active++
		}
		if ev.State.Old.Active() && !ev.State.New.Active() {
			active--
		}
		maxActive = max(maxActive, active)
	}
	assert.Equal(t, 2, maxActive)
	assert.Zero(t, active)
}

func TestManagerFailureDoesNotBlockOthers(t *testing.T) {
	_, srv := newHoldServer(t, false)
	dir := t.TempDir()

	cfg := engine.DefaultConfig()
	cfg.MaxConcurrentDownloads = 1
	mgr := newManager(t, cfg, nil)

	missing := common.DownloadJob{URL: srv.URL + "/missing", Destination: filepath.Join(dir, "missing.bin")}
	batch := append([]common.DownloadJob{missing}, jobs(srv, dir, 2)...)
	require.NoError(t, mgr.Submit(batch...))
	waitSettled(t, mgr)

	snaps := mgr.Tasks()
	require.Len(t, snaps, 3)
	assert.Equal(t, common.StateFailed, snaps[0].State)
	assert.Contains(t, snaps[0].LastError, "404")
	assert.Equal(t, common.StateCompleted, snaps[1].State)
	assert.Equal(t, common.StateCompleted, snaps[2].State)

	status := mgr.Status()
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 1, status.Counts[common.StateFailed])
	assert.Equal(t, 2, status.Counts[common.StateCompleted])
	assert.Equal(t, int64(2*testSize), status.BytesCompleted)
	assert.True(t, status.Settled())
}

func TestManagerPauseResume(t *testing.T) {
	s, srv := newHoldServer(t, true)
	dir := t.TempDir()
	mgr := newManager(t, nil, nil)

	job := jobs(srv, dir, 1)[0]
	require.NoError(t, mgr.Submit(job))

	require.Eventually(t, func() bool {
		snap, err := mgr.Task(job.Destination)
		return err == nil && snap.BytesCompleted == testSize/2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.Pause(job.Destination))
	waitState(t, mgr, job.Destination, common.StatePaused)
	require.NoError(t, mgr.Pause(job.Destination))

	_, err := os.Stat(resume.MarkerPath(job.Destination))
	require.NoError(t, err, "resume marker kept while paused")

	require.NoError(t, mgr.Resume(job.Destination))
	waitSettled(t, mgr)

	snap, err := mgr.Task(job.Destination)
	require.NoError(t, err)
	assert.Equal(t, common.StateCompleted, snap.State)
	assert.Zero(t, snap.Generation)

	got, err := os.ReadFile(job.Destination)
	require.NoError(t, err)
	assert.Equal(t, s.data, got)

	_, err = os.Stat(resume.PartialPath(job.Destination))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, mgr.Resume(job.Destination), "resuming a completed task is a no-op")
	assert.Equal(t, common.StateCompleted, must(mgr.Task(job.Destination)).State)
}

func TestManagerPauseAllResumeAll(t *testing.T) {
	s, srv := newHoldServer(t, true)
	dir := t.TempDir()

	cfg := engine.DefaultConfig()
	cfg.MaxConcurrentDownloads = 2
	mgr := newManager(t, cfg, nil)

	batch := jobs(srv, dir, 4)
	require.NoError(t, mgr.Submit(batch...))
	require.Eventually(t, func() bool {
		return mgr.Status().ActiveCount() == 2
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.PauseAll(ctx))

	status := mgr.Status()
	assert.Equal(t, 4, status.Counts[common.StatePaused])
	assert.True(t, status.Settled())

	s.release()
	require.NoError(t, mgr.ResumeAll())
	waitSettled(t, mgr)

	assert.Equal(t, 4, mgr.Status().Counts[common.StateCompleted])
	for _, job := range batch {
		got, err := os.ReadFile(job.Destination)
		require.NoError(t, err)
		assert.Equal(t, s.data, got)
	}
}

func TestManagerCancel(t *testing.T) {
	s, srv := newHoldServer(t, true)
	dir := t.TempDir()

	cfg := engine.DefaultConfig()
	cfg.MaxConcurrentDownloads = 1
	mgr := newManager(t, cfg, nil)

	batch := jobs(srv, dir, 3)
	require.NoError(t, mgr.Submit(batch...))
	waitState(t, mgr, batch[0].Destination, common.StateDownloading)

	// queued task
	require.NoError(t, mgr.Cancel(batch[2].Destination))
	assert.Equal(t, common.StateCancelled, must(mgr.Task(batch[2].Destination)).State)
	require.NoError(t, mgr.Cancel(batch[2].Destination))

	// running task
	require.NoError(t, mgr.Cancel(batch[0].Destination))
	waitState(t, mgr, batch[0].Destination, common.StateCancelled)
	_, err := os.Stat(resume.PartialPath(batch[0].Destination))
	assert.True(t, os.IsNotExist(err), "partial removed on cancel")

	s.release()
	waitSettled(t, mgr)
	assert.Equal(t, common.StateCompleted, must(mgr.Task(batch[1].Destination)).State)

	err = mgr.Cancel(batch[1].Destination)
	assert.ErrorIs(t, err, downloader.ErrInvalidTransition)

	assert.ErrorIs(t, mgr.Cancel(filepath.Join(dir, "unknown")), engine.ErrTaskNotFound)
	assert.ErrorIs(t, mgr.Pause(filepath.Join(dir, "unknown")), engine.ErrTaskNotFound)
	assert.ErrorIs(t, mgr.Resume(filepath.Join(dir, "unknown")), engine.ErrTaskNotFound)
	_, err = mgr.Task(filepath.Join(dir, "unknown"))
	assert.ErrorIs(t, err, engine.ErrTaskNotFound)

	// a cancelled task starts over when resumed
	require.NoError(t, mgr.Resume(batch[0].Destination))
	waitSettled(t, mgr)
	got, err := os.ReadFile(batch[0].Destination)
	require.NoError(t, err)
	assert.Equal(t, s.data, got)
}

func TestManagerCancelAll(t *testing.T) {
	_, srv := newHoldServer(t, true)
	dir := t.TempDir()

	cfg := engine.DefaultConfig()
	cfg.MaxConcurrentDownloads = 1
	mgr := newManager(t, cfg, nil)

	batch := jobs(srv, dir, 3)
	require.NoError(t, mgr.Submit(batch...))
	waitState(t, mgr, batch[0].Destination, common.StateDownloading)
	require.NoError(t, mgr.Pause(batch[1].Destination))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.CancelAll(ctx))

	status := mgr.Status()
	assert.Equal(t, 3, status.Counts[common.StateCancelled])
	assert.True(t, status.Settled())
	assert.Zero(t, status.BytesCompleted)
}

func TestManagerSubmit(t *testing.T) {
	s, srv := newHoldServer(t, false)
	dir := t.TempDir()
	mgr := newManager(t, nil, nil)

	t.Run("invalid job", func(t *testing.T) {
		err := mgr.Submit(common.DownloadJob{URL: srv.URL + "/a"})
		assert.ErrorIs(t, err, engine.ErrInvalidJob)
	})

	t.Run("duplicate destination rejects the batch", func(t *testing.T) {
		dest := filepath.Join(dir, "dup.bin")
		err := mgr.Submit(
			common.DownloadJob{URL: srv.URL + "/a", Destination: filepath.Join(dir, "other.bin")},
			common.DownloadJob{URL: srv.URL + "/a", Destination: dest},
			common.DownloadJob{URL: srv.URL + "/b", Destination: filepath.Join(dir, ".", "dup.bin")},
		)
		assert.ErrorIs(t, err, engine.ErrDuplicateDestination)
		assert.Empty(t, mgr.Tasks())
	})

	t.Run("completed resubmit is a no-op", func(t *testing.T) {
		job := common.DownloadJob{URL: srv.URL + "/c", Destination: filepath.Join(dir, "c.bin")}
		require.NoError(t, mgr.Submit(job))
		waitSettled(t, mgr)
		before := must(mgr.Task(job.Destination))

		require.NoError(t, mgr.Submit(job))
		after := must(mgr.Task(job.Destination))
		assert.Equal(t, before.ID, after.ID)
		assert.Equal(t, common.StateCompleted, after.State)
	})

	t.Run("failed resubmit runs again with the new url", func(t *testing.T) {
		dest := filepath.Join(dir, "f.bin")
		require.NoError(t, mgr.Submit(common.DownloadJob{URL: srv.URL + "/missing", Destination: dest}))
		waitSettled(t, mgr)
		failed := must(mgr.Task(dest))
		require.Equal(t, common.StateFailed, failed.State)

		require.NoError(t, mgr.Submit(common.DownloadJob{URL: srv.URL + "/f", Destination: dest}))
		waitSettled(t, mgr)

		done := must(mgr.Task(dest))
		assert.Equal(t, failed.ID, done.ID)
		assert.Equal(t, common.StateCompleted, done.State)
		assert.Equal(t, srv.URL+"/f", done.Job.URL)
		assert.Empty(t, done.LastError)

		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, s.data, got)
	})

	assert.Len(t, mgr.Tasks(), 2)
}

func TestManagerWaitHonoursContext(t *testing.T) {
	s, srv := newHoldServer(t, true)
	mgr := newManager(t, nil, nil)

	require.NoError(t, mgr.Submit(jobs(srv, t.TempDir(), 1)...))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, mgr.Wait(ctx), context.DeadlineExceeded)

	s.release()
	waitSettled(t, mgr)
}

func TestManagerStatusUnknownTotal(t *testing.T) {
	_, srv := newHoldServer(t, true)
	mgr := newManager(t, nil, nil)

	require.NoError(t, mgr.Submit(jobs(srv, t.TempDir(), 1)...))
	// nothing is known about a queued task's size yet
	status := mgr.Status()
	if status.Counts[common.StatePending] == 1 {
		assert.Equal(t, int64(-1), status.TotalBytes)
	}

	require.Eventually(t, func() bool {
		return mgr.Status().TotalBytes == testSize
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManagerShutdown(t *testing.T) {
	_, srv := newHoldServer(t, true)
	dir := t.TempDir()
	mgr := newManager(t, nil, nil)

	ch, _ := mgr.Subscribe()
	events := collect(ch)

	job := jobs(srv, dir, 1)[0]
	require.NoError(t, mgr.Submit(job))
	require.Eventually(t, func() bool {
		return must(mgr.Task(job.Destination)).BytesCompleted == testSize/2
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))
	require.NoError(t, mgr.Shutdown(ctx))

	assert.Equal(t, common.StatePaused, must(mgr.Task(job.Destination)).State)
	_, err := os.Stat(resume.MarkerPath(job.Destination))
	assert.NoError(t, err)

	assert.ErrorIs(t, mgr.Submit(jobs(srv, dir, 2)[1]), engine.ErrManagerClosed)
	assert.ErrorIs(t, mgr.Resume(job.Destination), engine.ErrManagerClosed)

	var got []common.Event
	select {
	case got = <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not closed by shutdown")
	}
	var last *common.BatchSummary
	for _, ev := range got {
		if ev.Summary != nil {
			last = ev.Summary
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Status.Counts[common.StatePaused])

	late, _ := mgr.Subscribe()
	_, open := <-late
	assert.False(t, open)
}

func TestManagerPublishesSummaries(t *testing.T) {
	_, srv := newHoldServer(t, false)
	mgr := newManager(t, nil, nil)

	ch, unsubscribe := mgr.Subscribe()
	defer unsubscribe()

	require.NoError(t, mgr.Submit(jobs(srv, t.TempDir(), 2)...))

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Summary != nil && ev.Summary.Status.Counts[common.StateCompleted] == 2 {
				assert.Equal(t, 2, ev.Summary.Status.Total)
				assert.Equal(t, int64(2*testSize), ev.Summary.Status.BytesCompleted)
				return
			}
		case <-timeout:
			t.Fatal("no summary reporting both tasks completed")
		}
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
