package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NamanBalaji/bdm/internal/common"
	"github.com/NamanBalaji/bdm/internal/downloader"
	"github.com/NamanBalaji/bdm/internal/logger"
	"github.com/NamanBalaji/bdm/internal/metrics"
	"github.com/NamanBalaji/bdm/internal/resume"
)

var (
	// ErrTaskNotFound is returned when no task has the given destination.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateDestination is returned when one batch names a destination twice.
	ErrDuplicateDestination = errors.New("duplicate destination in batch")

	// ErrInvalidJob is returned for jobs without a URL or destination.
	ErrInvalidJob = errors.New("invalid job")

	// ErrManagerClosed is returned by operations after Shutdown.
	ErrManagerClosed = errors.New("manager is shut down")
)

type entry struct {
	task *downloader.Task
	// cancel and done are set while a worker runs the task.
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func (e *entry) running() bool { return e.cancel != nil }

// Manager schedules download tasks on a bounded pool of workers.
type Manager struct {
	cfg     Config
	fetcher downloader.Fetcher
	store   resume.Store
	metrics *metrics.Metrics
	bus     *Bus

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   map[string]*entry
	order   []string
	queue   *taskQueue
	active  int
	closed  bool
	stopped bool

	changeMu sync.Mutex
	changed  chan struct{}

	summaryKick chan struct{}
	stopCh      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	loops  sync.WaitGroup
}

// New starts a Manager. The store is owned by the caller and must outlive Shutdown.
// m may be nil.
func New(cfg *Config, fetcher downloader.Fetcher, store resume.Store, m *metrics.Metrics) *Manager {
	if cfg == nil {
		logger.Debugf("No config provided, using default config")
		cfg = DefaultConfig()
	}
	if store == nil {
		store = resume.NewFileStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		cfg:         cfg.withDefaults(),
		fetcher:     fetcher,
		store:       store,
		metrics:     m,
		bus:         NewBus(),
		tasks:       make(map[string]*entry),
		queue:       newTaskQueue(),
		changed:     make(chan struct{}),
		summaryKick: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	mgr.cond = sync.NewCond(&mgr.mu)

	mgr.loops.Add(2)
	go mgr.dispatchLoop()
	go mgr.summaryLoop()

	logger.Infof("Download manager started with %d workers", mgr.cfg.MaxConcurrentDownloads)
	return mgr
}

// Submit adds jobs in order. A batch naming one destination twice is
// rejected as a whole. Known destinations are not duplicated: completed
// or queued tasks are left alone and failed or cancelled ones are queued
// again, taking the new URL.
func (m *Manager) Submit(jobs ...common.DownloadJob) error {
	seen := make(map[string]struct{}, len(jobs))
	normalized := make([]common.DownloadJob, 0, len(jobs))
	for _, job := range jobs {
		if job.URL == "" || job.Destination == "" {
			return fmt.Errorf("%w: url=%q destination=%q", ErrInvalidJob, job.URL, job.Destination)
		}
		job.Destination = filepath.Clean(job.Destination)
		if _, dup := seen[job.Destination]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateDestination, job.Destination)
		}
		seen[job.Destination] = struct{}{}
		normalized = append(normalized, job)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	for _, job := range normalized {
		e, ok := m.tasks[job.Destination]
		if !ok {
			e = &entry{task: downloader.NewTask(job, m.taskOptions())}
			m.tasks[job.Destination] = e
			m.order = append(m.order, job.Destination)
			m.queue.PushBack(job.Destination)
			logger.Infof("Queued %s -> %s", job.URL, job.Destination)
			continue
		}

		m.settleLocked(e)
		switch state := e.task.State(); state {
		case common.StateFailed, common.StateCancelled:
			if err := e.task.Requeue(job.URL); err != nil {
				return err
			}
			m.queue.PushBack(job.Destination)
			logger.Infof("Requeued %s task for %s", state, job.Destination)
		default:
			logger.Debugf("Ignoring resubmit of %s task %s", state, job.Destination)
		}
	}

	m.cond.Broadcast()
	return nil
}

// Pause stops a task and keeps its resume state. Paused tasks are left alone.
func (m *Manager) Pause(dest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(dest)
	if err != nil {
		return err
	}
	return m.pauseLocked(e)
}

func (m *Manager) pauseLocked(e *entry) error {
	m.settleLocked(e)
	if e.running() {
		e.cancel(downloader.ErrPaused)
		return nil
	}

	switch e.task.State() {
	case common.StatePaused:
		return nil
	case common.StatePending:
		m.queue.Remove(e.task.Job().Destination)
	}
	return e.task.Pause()
}

// Resume queues a paused task again. Failed and cancelled tasks are
// restarted too; pending, running and completed tasks are left alone.
func (m *Manager) Resume(dest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	e, err := m.lookup(dest)
	if err != nil {
		return err
	}
	if err := m.resumeLocked(e); err != nil {
		return err
	}
	m.cond.Broadcast()
	return nil
}

func (m *Manager) resumeLocked(e *entry) error {
	m.settleLocked(e)

	switch e.task.State() {
	case common.StatePaused, common.StateFailed, common.StateCancelled:
	default:
		return nil
	}

	if err := e.task.Requeue(""); err != nil {
		return err
	}
	dest := e.task.Job().Destination
	if m.cfg.ResumeToFront {
		m.queue.PushFront(dest)
	} else {
		m.queue.PushBack(dest)
	}
	return nil
}

// Cancel stops a task, discarding resume state and, by configuration, the partial file.
func (m *Manager) Cancel(dest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(dest)
	if err != nil {
		return err
	}
	return m.cancelLocked(e)
}

func (m *Manager) cancelLocked(e *entry) error {
	m.settleLocked(e)
	if e.running() {
		e.cancel(downloader.ErrCancelled)
		return nil
	}

	switch state := e.task.State(); state {
	case common.StateCancelled:
		return nil
	case common.StateCompleted, common.StateFailed:
		return fmt.Errorf("%w: cannot cancel %s task", downloader.ErrInvalidTransition, state)
	case common.StatePending:
		m.queue.Remove(e.task.Job().Destination)
	}
	return e.task.Cancel()
}

// PauseAll pauses every queued or running task and waits until running
// ones have stopped or ctx ends.
func (m *Manager) PauseAll(ctx context.Context) error {
	return m.signalAll(ctx, "pause", func(e *entry) error {
		if !e.running() && e.task.State() != common.StatePending {
			return nil
		}
		return m.pauseLocked(e)
	})
}

// CancelAll cancels every task that is not completed or failed and waits
// until running ones have stopped or ctx ends.
func (m *Manager) CancelAll(ctx context.Context) error {
	return m.signalAll(ctx, "cancel", func(e *entry) error {
		if state := e.task.State(); state == common.StateCompleted || state == common.StateFailed {
			return nil
		}
		return m.cancelLocked(e)
	})
}

func (m *Manager) signalAll(ctx context.Context, op string, signal func(*entry) error) error {
	m.mu.Lock()
	var waits []chan struct{}
	for _, dest := range m.order {
		e := m.tasks[dest]
		if e.running() {
			waits = append(waits, e.done)
		}
		if err := signal(e); err != nil {
			logger.Warnf("Failed to %s %s: %v", op, dest, err)
		}
	}
	m.mu.Unlock()

	logger.Infof("Waiting for %d running task(s) to %s", len(waits), op)

	var g errgroup.Group
	for _, done := range waits {
		done := done
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// ResumeAll queues every paused task in submission order.
func (m *Manager) ResumeAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	for _, dest := range m.order {
		e := m.tasks[dest]
		if e.task.State() != common.StatePaused {
			continue
		}
		if err := m.resumeLocked(e); err != nil {
			logger.Warnf("Failed to resume %s: %v", dest, err)
		}
	}
	m.cond.Broadcast()
	return nil
}

// Subscribe streams events until the returned function is called or the manager shuts down.
func (m *Manager) Subscribe() (<-chan common.Event, func()) {
	return m.bus.Subscribe()
}

func (m *Manager) Status() common.BatchStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := common.BatchStatus{
		Total:         len(m.order),
		Counts:        make(map[common.State]int, len(common.States)),
		MaxConcurrent: m.cfg.MaxConcurrentDownloads,
	}
	for _, dest := range m.order {
		snap := m.tasks[dest].task.Snapshot()
		status.Counts[snap.State]++
		status.Speed += snap.Speed
		if snap.State == common.StateCancelled {
			continue
		}
		status.BytesCompleted += snap.BytesCompleted
		if snap.TotalBytes < 0 || status.TotalBytes < 0 {
			status.TotalBytes = -1
		} else {
			status.TotalBytes += snap.TotalBytes
		}
	}
	return status
}

// Queued returns the destinations waiting for a worker, next to run first.
func (m *Manager) Queued() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Keys()
}

// Tasks returns snapshots in submission order.
func (m *Manager) Tasks() []common.TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := make([]common.TaskSnapshot, 0, len(m.order))
	for _, dest := range m.order {
		snaps = append(snaps, m.tasks[dest].task.Snapshot())
	}
	return snaps
}

func (m *Manager) Task(dest string) (common.TaskSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(dest)
	if err != nil {
		return common.TaskSnapshot{}, err
	}
	return e.task.Snapshot(), nil
}

// Wait blocks until no task is pending or running, or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	for {
		changed := m.changes()
		if m.Status().Settled() {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown pauses all work, keeping resume state, stops the workers and
// closes subscriptions. It returns ctx.Err() if tasks did not stop in time.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	logger.Infof("Shutting down download manager")
	pauseErr := m.PauseAll(ctx)

	m.mu.Lock()
	m.stopped = true
	m.cond.Broadcast()
	m.mu.Unlock()
	close(m.stopCh)
	m.cancel()

	waitChan := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.loops.Wait()
		close(waitChan)
	}()

	select {
	case <-waitChan:
		logger.Infof("All workers stopped")
	case <-ctx.Done():
		logger.Warnf("Shutdown timed out, some tasks may not have stopped")
		if pauseErr == nil {
			pauseErr = ctx.Err()
		}
	}

	m.bus.Publish(common.NewSummaryEvent(m.Status()))
	m.bus.Close()
	return pauseErr
}

// settleLocked waits for a worker that has already published its final
// state to release the task.
func (m *Manager) settleLocked(e *entry) {
	for e.running() {
		if state := e.task.State(); state != common.StatePaused && !state.Terminal() {
			return
		}
		m.cond.Wait()
	}
}

func (m *Manager) lookup(dest string) (*entry, error) {
	e, ok := m.tasks[filepath.Clean(dest)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, dest)
	}
	return e, nil
}

func (m *Manager) taskOptions() downloader.Options {
	return downloader.Options{
		Fetcher:               m.fetcher,
		Store:                 m.store,
		Observer:              observer{m},
		Metrics:               m.metrics,
		Retry:                 m.cfg.Retry,
		Headers:               m.cfg.Headers,
		RemovePartialOnCancel: m.cfg.RemovePartialOnCancel,
		ProgressInterval:      m.cfg.ProgressInterval,
		SpeedWindow:           m.cfg.SpeedWindow,
	}
}

// dispatchLoop starts queued tasks while slots are free. It returns once
// the manager is stopped.
func (m *Manager) dispatchLoop() {
	defer m.loops.Done()

	for {
		m.mu.Lock()
		for !m.stopped && (m.active >= m.cfg.MaxConcurrentDownloads || m.queue.Len() == 0) {
			m.cond.Wait()
		}
		if m.stopped {
			m.mu.Unlock()
			return
		}

		dest, _ := m.queue.PopFront()
		e := m.tasks[dest]
		ctx, cancel := context.WithCancelCause(m.ctx)
		e.cancel = cancel
		e.done = make(chan struct{})
		m.active++
		m.metrics.SetActive(m.active)
		m.wg.Add(1)
		m.mu.Unlock()

		go m.run(ctx, e, cancel)
	}
}

func (m *Manager) run(ctx context.Context, e *entry, cancel context.CancelCauseFunc) {
	defer m.wg.Done()

	dest := e.task.Job().Destination
	logger.Debugf("Starting download %s", dest)
	err := e.task.Run(ctx)
	switch {
	case err == nil:
		logger.Infof("Download %s completed", dest)
	case errors.Is(err, downloader.ErrPaused), errors.Is(err, downloader.ErrCancelled):
		logger.Infof("Download %s stopped: %v", dest, err)
	default:
		logger.Errorf("Download %s failed: %v", dest, err)
	}
	cancel(nil)

	m.mu.Lock()
	e.cancel = nil
	close(e.done)
	e.done = nil
	m.active--
	m.metrics.SetActive(m.active)
	m.cond.Broadcast()
	m.mu.Unlock()

	m.notifyChange()
}

// summaryLoop publishes a BatchSummary after state changes and
// periodically while tasks are running.
func (m *Manager) summaryLoop() {
	defer m.loops.Done()

	ticker := time.NewTicker(m.cfg.SummaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-m.summaryKick:
			m.bus.Publish(common.NewSummaryEvent(m.Status()))
		case <-ticker.C:
			status := m.Status()
			if status.ActiveCount() > 0 {
				m.bus.Publish(common.NewSummaryEvent(status))
			}
		}
	}
}

func (m *Manager) changes() <-chan struct{} {
	m.changeMu.Lock()
	defer m.changeMu.Unlock()
	return m.changed
}

func (m *Manager) notifyChange() {
	m.changeMu.Lock()
	close(m.changed)
	m.changed = make(chan struct{})
	m.changeMu.Unlock()
}

// observer forwards task events to the bus.
type observer struct{ m *Manager }

func (o observer) TaskStateChanged(change common.TaskStateChanged) {
	o.m.bus.Publish(common.NewStateEvent(change))
	o.m.notifyChange()
	select {
	case o.m.summaryKick <- struct{}{}:
	default:
	}
}

func (o observer) TaskProgress(progress common.TaskProgress) {
	o.m.bus.Publish(common.NewProgressEvent(progress))
}
