package downloader

import (
	"github.com/NamanBalaji/bdm/internal/common"
	httpProto "github.com/NamanBalaji/bdm/pkg/protocol/http"
)

// partialSink writes a response body into the task's partial file and
// persists resume state after every chunk.
type partialSink struct {
	task   *Task
	offset int64
}

func (s *partialSink) Begin(info httpProto.ResponseInfo) error {
	t := s.task

	if s.offset > 0 && !info.RangeHonored {
		t.log.Info().Int("status", info.StatusCode).Int64("offset", s.offset).
			Msg("server did not honor range request, restarting from zero")
		if err := t.restartFromZero(); err != nil {
			return err
		}
		s.offset = 0
	}

	t.mu.Lock()
	if info.TotalSize >= 0 || !info.RangeHonored {
		t.total = info.TotalSize
	}
	if !info.Validator.IsZero() {
		t.validator = info.Validator
	}
	t.mu.Unlock()

	return t.transition(common.StateDownloading, nil, 0)
}

func (s *partialSink) Write(p []byte) (int, error) {
	t := s.task

	n, err := t.file.Write(p)
	if err != nil {
		return n, writeErr("write", t.file.Name(), err)
	}
	if err := t.file.Sync(); err != nil {
		return n, writeErr("sync", t.file.Name(), err)
	}

	t.mu.Lock()
	t.bytes += int64(n)
	if t.bytes > t.highWater {
		t.highWater = t.bytes
		t.attempt = 0
	}
	t.updatedAt = t.opts.Now()
	st := t.resumeStateLocked()
	t.mu.Unlock()

	t.speed.Record(st.BytesCompleted)
	t.opts.Metrics.AddBytes(n)

	if err := t.opts.Store.Save(&st); err != nil {
		return n, writeErr("save resume state", st.Destination, err)
	}

	t.reportProgress(progressThrottled)
	return n, nil
}
