package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/NamanBalaji/bdm/internal/common"
	"github.com/NamanBalaji/bdm/internal/logger"
	"github.com/NamanBalaji/bdm/internal/metrics"
	"github.com/NamanBalaji/bdm/internal/resume"
	"github.com/NamanBalaji/bdm/internal/speed"
	httpProto "github.com/NamanBalaji/bdm/pkg/protocol/http"
)

// DefaultProgressInterval is the minimum spacing of progress events for one task.
const DefaultProgressInterval = 250 * time.Millisecond

// Fetcher streams a resource into a sink. *httpProto.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, req httpProto.Request, sink httpProto.Sink) httpProto.Result
}

// Observer receives the events of a task. Calls for one task are
// serialized and arrive in transition order. An Observer may call
// Snapshot but none of the control methods.
type Observer interface {
	TaskStateChanged(change common.TaskStateChanged)
	TaskProgress(progress common.TaskProgress)
}

type Options struct {
	Fetcher  Fetcher
	Store    resume.Store
	Observer Observer
	Metrics  *metrics.Metrics
	Retry    RetryPolicy
	Headers  map[string]string
	// RemovePartialOnCancel deletes the partial file when a task is cancelled.
	RemovePartialOnCancel bool
	ProgressInterval      time.Duration
	SpeedWindow           time.Duration
	Now                   func() time.Time
}

// Task downloads one job. Run is driven by a single worker goroutine;
// Pause, Cancel and Requeue may only be called while Run is not executing.
type Task struct {
	ID uuid.UUID

	opts  Options
	log   zerolog.Logger
	speed *speed.Tracker

	// emitMu orders state changes with the events describing them.
	emitMu          sync.Mutex
	lastProgress    time.Time
	progressPending bool

	mu         sync.RWMutex
	job        common.DownloadJob
	state      common.State
	bytes      int64
	total      int64
	attempt    int
	// highWater is the furthest offset written since the last requeue.
	// Only bytes past it count as progress that renews the retry budget.
	highWater  int64
	generation int
	lastErr    error
	validator  httpProto.Validator
	updatedAt  time.Time

	// owned by the worker running Run
	file *os.File
}

func NewTask(job common.DownloadJob, opts Options) *Task {
	if opts.Fetcher == nil {
		opts.Fetcher = httpProto.NewClient(nil)
	}
	if opts.Store == nil {
		opts.Store = resume.NewFileStore()
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.BaseDelay == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	id := uuid.New()
	return &Task{
		ID:        id,
		opts:      opts,
		log:       logger.With("task").With().Str("destination", job.Destination).Str("task_id", id.String()).Logger(),
		speed:     speed.NewTrackerWithClock(opts.SpeedWindow, opts.Now),
		job:       job,
		state:     common.StatePending,
		total:     -1,
		updatedAt: opts.Now(),
	}
}

func (t *Task) Job() common.DownloadJob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.job
}

func (t *Task) State() common.State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Err returns the error recorded by the last failure or retry, if any.
func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

func (t *Task) Snapshot() common.TaskSnapshot {
	t.mu.RLock()
	snap := common.TaskSnapshot{
		ID:             t.ID,
		Job:            t.job,
		State:          t.state,
		BytesCompleted: t.bytes,
		TotalBytes:     t.total,
		Attempt:        t.attempt,
		Generation:     t.generation,
		UpdatedAt:      t.updatedAt,
	}
	if t.lastErr != nil {
		snap.LastError = t.lastErr.Error()
	}
	t.mu.RUnlock()

	if snap.State.Active() {
		snap.Speed = t.speed.Speed()
		snap.ETA, snap.ETAKnown = t.speed.ETA(snap.TotalBytes)
	}
	return snap
}

// Run drives the task from Pending until it completes, fails, or ctx is
// cancelled. A cancellation cause of ErrCancelled cancels the task; any
// other cancellation pauses it. The returned error is nil on completion,
// ErrPaused or ErrCancelled on interruption, and the failure otherwise.
func (t *Task) Run(ctx context.Context) error {
	if err := t.transition(common.StateConnecting, nil, 0); err != nil {
		return err
	}
	t.speed.Reset()

	for {
		err := t.fetchOnce(ctx)
		if err == nil {
			return nil
		}
		if cause := interruption(ctx); cause != nil {
			return t.interrupt(cause)
		}
		if !httpProto.IsTransient(err) {
			return t.fail(err)
		}
		if err := t.retry(ctx, err); err != nil {
			return err
		}
	}
}

// Pause parks a task that is waiting for a worker.
func (t *Task) Pause() error {
	return t.transition(common.StatePaused, nil, 0)
}

// Cancel cancels a task that is not running and removes its artifacts.
func (t *Task) Cancel() error {
	t.discardArtifacts()
	return t.transition(common.StateCancelled, nil, 0)
}

// Requeue moves a paused, failed or cancelled task back to Pending. A
// non-empty url replaces the job URL of a failed or cancelled task.
func (t *Task) Requeue(url string) error {
	t.mu.Lock()
	if url != "" && url != t.job.URL && t.state.Terminal() && t.state != common.StateCompleted {
		t.log.Info().Str("url", url).Msg("job url replaced")
		t.job.URL = url
	}
	t.attempt = 0
	t.highWater = 0
	t.mu.Unlock()

	return t.transition(common.StatePending, nil, 0)
}

func (t *Task) fetchOnce(ctx context.Context) error {
	for {
		start, err := t.open()
		if err != nil {
			return err
		}

		t.mu.RLock()
		total, url, validator := t.total, t.job.URL, t.validator
		t.mu.RUnlock()

		if total >= 0 && start == total && start > 0 {
			t.log.Debug().Int64("bytes", start).Msg("partial file already complete")
			return t.complete()
		}

		sink := &partialSink{task: t, offset: start}
		res := t.opts.Fetcher.Fetch(ctx, httpProto.Request{
			URL:       url,
			StartByte: start,
			Validator: validator,
			Headers:   t.opts.Headers,
		}, sink)
		t.opts.Metrics.ObserveFetch(res.Outcome.String(), res.Duration)

		switch res.Outcome {
		case httpProto.OutcomeCompleted:
			return t.complete()
		case httpProto.OutcomeCancelled:
			t.closeFile()
			return context.Cause(ctx)
		}

		t.closeFile()

		if start > 0 && errors.Is(res.Err, httpProto.ErrRangeNotSatisfiable) {
			if res.TotalSize == start {
				t.mu.Lock()
				t.total = start
				t.mu.Unlock()
				return t.complete()
			}
			t.log.Info().Int64("offset", start).Msg("range not satisfiable, restarting from zero")
			if err := t.restartFromZero(); err != nil {
				return err
			}
			continue
		}

		return res.Err
	}
}

// open positions the partial file for writing and returns the offset to
// request from. Valid resume state for the same URL is continued; anything
// else starts over.
func (t *Task) open() (int64, error) {
	job := t.Job()
	partial := resume.PartialPath(job.Destination)

	if err := os.MkdirAll(filepath.Dir(job.Destination), 0o755); err != nil {
		return 0, writeErr("mkdir", filepath.Dir(job.Destination), err)
	}

	st, err := t.opts.Store.Load(job.Destination)
	switch {
	case err == nil && st.SourceURL == job.URL:
	case err == nil:
		t.log.Info().Str("previous_url", st.SourceURL).Msg("resume state belongs to another url, restarting")
		st = nil
	case errors.Is(err, resume.ErrNotFound):
		st = nil
	case errors.Is(err, resume.ErrUnresumable):
		t.log.Warn().Err(err).Msg("discarding resume state")
		st = nil
	default:
		return 0, writeErr("load resume state", job.Destination, err)
	}

	if st != nil {
		f, err := os.OpenFile(partial, os.O_WRONLY, 0o644)
		if err != nil {
			return 0, writeErr("open", partial, err)
		}
		if _, err := f.Seek(st.BytesCompleted, io.SeekStart); err != nil {
			f.Close()
			return 0, writeErr("seek", partial, err)
		}
		t.file = f

		t.mu.Lock()
		if st.BytesCompleted < t.bytes {
			t.generation++
		}
		t.bytes = st.BytesCompleted
		t.total = st.TotalBytes
		t.validator = st.Validator
		t.mu.Unlock()

		t.log.Info().Int64("offset", st.BytesCompleted).Msg("resuming partial download")
		return st.BytesCompleted, nil
	}

	if err := t.opts.Store.Discard(job.Destination); err != nil {
		return 0, writeErr("discard resume state", job.Destination, err)
	}
	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, writeErr("create", partial, err)
	}
	t.file = f

	t.mu.Lock()
	if t.bytes > 0 {
		t.generation++
	}
	t.bytes = 0
	t.validator = httpProto.Validator{}
	t.mu.Unlock()
	return 0, nil
}

// restartFromZero drops all progress. The open partial file, if any, is truncated.
func (t *Task) restartFromZero() error {
	dest := t.Job().Destination

	if t.file != nil {
		if err := t.file.Truncate(0); err != nil {
			return writeErr("truncate", t.file.Name(), err)
		}
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return writeErr("seek", t.file.Name(), err)
		}
	} else if err := os.Truncate(resume.PartialPath(dest), 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return writeErr("truncate", resume.PartialPath(dest), err)
	}

	if err := t.opts.Store.Discard(dest); err != nil {
		return writeErr("discard resume state", dest, err)
	}

	t.mu.Lock()
	t.bytes = 0
	t.generation++
	t.validator = httpProto.Validator{}
	t.mu.Unlock()

	t.speed.Reset()
	t.reportProgress(progressAlways)
	return nil
}

func (t *Task) complete() error {
	dest := t.Job().Destination
	partial := resume.PartialPath(dest)

	if t.file != nil {
		if err := t.file.Sync(); err != nil {
			t.closeFile()
			return writeErr("sync", partial, err)
		}
		err := t.file.Close()
		t.file = nil
		if err != nil {
			return writeErr("close", partial, err)
		}
	}

	if err := os.Rename(partial, dest); err != nil {
		return writeErr("rename", partial, err)
	}
	if err := t.opts.Store.Discard(dest); err != nil {
		t.log.Warn().Err(err).Msg("failed to discard resume state")
	}

	t.mu.Lock()
	if t.total < 0 {
		t.total = t.bytes
	}
	bytes := t.bytes
	t.mu.Unlock()

	t.reportProgress(progressAlways)
	t.log.Info().Int64("bytes", bytes).Msg("download completed")
	return t.transition(common.StateCompleted, nil, 0)
}

func (t *Task) fail(err error) error {
	t.closeFile()
	t.reportProgress(progressFlush)
	ev := t.log.Error().Err(err)
	if status := httpProto.StatusCode(err); status != 0 {
		ev = ev.Int("status", status)
	}
	ev.Msg("download failed")

	if terr := t.transition(common.StateFailed, err, 0); terr != nil {
		return terr
	}
	return err
}

func (t *Task) interrupt(cause error) error {
	t.closeFile()
	t.reportProgress(progressFlush)

	if errors.Is(cause, ErrCancelled) {
		t.discardArtifacts()
		if err := t.transition(common.StateCancelled, nil, 0); err != nil {
			return err
		}
		return ErrCancelled
	}

	if err := t.transition(common.StatePaused, nil, 0); err != nil {
		return err
	}
	return ErrPaused
}

func (t *Task) retry(ctx context.Context, cause error) error {
	t.mu.Lock()
	t.attempt++
	attempt := t.attempt
	t.mu.Unlock()

	if attempt > t.opts.Retry.MaxRetries {
		// a Retrying change with no delay marks the exhausted budget
		if err := t.transition(common.StateRetrying, cause, 0); err != nil {
			return err
		}
		return t.fail(fmt.Errorf("giving up after %d retries: %w", t.opts.Retry.MaxRetries, cause))
	}

	delay := t.opts.Retry.Backoff(attempt)
	t.opts.Metrics.Retry()
	ev := t.log.Warn().Err(cause).Int("attempt", attempt).Dur("backoff", delay)
	if status := httpProto.StatusCode(cause); status != 0 {
		ev = ev.Int("status", status)
	}
	ev.Msg("transient failure, retrying")

	if err := t.transition(common.StateRetrying, cause, delay); err != nil {
		return err
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return t.interrupt(interruption(ctx))
	case <-timer.C:
	}

	return t.transition(common.StateConnecting, nil, 0)
}

func (t *Task) discardArtifacts() {
	dest := t.Job().Destination
	if err := t.opts.Store.Discard(dest); err != nil {
		t.log.Warn().Err(err).Msg("failed to discard resume state")
	}
	if !t.opts.RemovePartialOnCancel {
		return
	}
	if err := os.Remove(resume.PartialPath(dest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.log.Warn().Err(err).Msg("failed to remove partial file")
	}
}

func (t *Task) closeFile() {
	if t.file == nil {
		return
	}
	if err := t.file.Sync(); err != nil {
		t.log.Warn().Err(err).Msg("failed to sync partial file")
	}
	if err := t.file.Close(); err != nil {
		t.log.Warn().Err(err).Msg("failed to close partial file")
	}
	t.file = nil
}

func (t *Task) transition(to common.State, cause error, retryIn time.Duration) error {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	from := t.state
	if !common.CanTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	t.state = to
	switch {
	case cause != nil:
		t.lastErr = cause
	case to == common.StatePending || to == common.StateCompleted:
		t.lastErr = nil
	}
	t.updatedAt = t.opts.Now()
	change := common.TaskStateChanged{
		Destination: t.job.Destination,
		Old:         from,
		New:         to,
		Attempt:     t.attempt,
		RetryIn:     retryIn,
	}
	if cause != nil {
		change.Error = cause.Error()
	}
	t.mu.Unlock()

	t.opts.Metrics.Transition(to.String())
	t.log.Debug().Stringer("from", from).Stringer("to", to).Msg("state changed")

	if t.opts.Observer != nil {
		t.opts.Observer.TaskStateChanged(change)
	}
	return nil
}

type progressMode int

const (
	progressThrottled progressMode = iota
	// progressFlush emits only if a throttled event was suppressed.
	progressFlush
	progressAlways
)

func (t *Task) reportProgress(mode progressMode) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	now := t.opts.Now()
	switch mode {
	case progressFlush:
		if !t.progressPending {
			return
		}
	case progressThrottled:
		if !t.lastProgress.IsZero() && now.Sub(t.lastProgress) < t.opts.ProgressInterval {
			t.progressPending = true
			return
		}
	}
	t.progressPending = false
	t.lastProgress = now

	if t.opts.Observer == nil {
		return
	}

	t.mu.RLock()
	p := common.TaskProgress{
		Destination:    t.job.Destination,
		BytesCompleted: t.bytes,
		TotalBytes:     t.total,
		Generation:     t.generation,
	}
	t.mu.RUnlock()

	p.Speed = t.speed.Speed()
	p.ETA, p.ETAKnown = t.speed.ETA(p.TotalBytes)
	t.opts.Observer.TaskProgress(p)
}

func interruption(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), ErrCancelled) {
		return ErrCancelled
	}
	return ErrPaused
}

func (t *Task) resumeStateLocked() resume.State {
	return resume.State{
		Destination:    t.job.Destination,
		BytesCompleted: t.bytes,
		TotalBytes:     t.total,
		SourceURL:      t.job.URL,
		Validator:      t.validator,
		UpdatedAt:      t.updatedAt,
	}
}
