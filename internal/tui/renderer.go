package tui

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/NamanBalaji/bdm/internal/common"
)

const (
	barWidth       = 30
	maxNameLen     = 30
	clearLine      = "\r\033[K"
	liveRedrawRate = 200 * time.Millisecond
)

// Renderer prints manager events. Every state change gets its own line.
// With live output the last line is a progress bar redrawn in place;
// otherwise a summary line is printed at most once per SummaryEvery.
type Renderer struct {
	out  io.Writer
	live bool

	// SummaryEvery spaces summary lines when output is not live.
	SummaryEvery time.Duration

	lastStatus  common.BatchStatus
	haveStatus  bool
	lastSummary time.Time
	statusDrawn bool
	now         func() time.Time
}

func NewRenderer(out io.Writer, live bool) *Renderer {
	return &Renderer{out: out, live: live, SummaryEvery: 5 * time.Second, now: time.Now}
}

// Run renders events until the channel is closed.
func (r *Renderer) Run(events <-chan common.Event) {
	for ev := range events {
		r.Handle(ev)
	}
	if r.live && r.statusDrawn {
		fmt.Fprintln(r.out)
	}
}

func (r *Renderer) Handle(ev common.Event) {
	switch {
	case ev.State != nil:
		r.printLine(StateLine(*ev.State))
	case ev.Summary != nil:
		r.lastStatus, r.haveStatus = ev.Summary.Status, true
		r.drawStatus(false)
	}
}

func (r *Renderer) printLine(line string) {
	if r.live && r.statusDrawn {
		fmt.Fprint(r.out, clearLine)
	}
	fmt.Fprintln(r.out, line)
	if r.live && r.haveStatus {
		r.drawStatus(true)
	}
}

func (r *Renderer) drawStatus(force bool) {
	now := r.now()
	if r.live {
		if !force && r.statusDrawn && now.Sub(r.lastSummary) < liveRedrawRate {
			return
		}
		fmt.Fprint(r.out, clearLine+StatusLine(r.lastStatus))
		r.statusDrawn = true
		r.lastSummary = now
		return
	}
	if !r.lastSummary.IsZero() && now.Sub(r.lastSummary) < r.SummaryEvery {
		return
	}
	r.lastSummary = now
	fmt.Fprintln(r.out, StatusLine(r.lastStatus))
}

func shortName(dest string) string {
	name := filepath.Base(dest)
	if len(name) > maxNameLen {
		name = name[:maxNameLen-3] + "..."
	}
	return name
}

// StateLine describes one state change.
func StateLine(c common.TaskStateChanged) string {
	state := stateStyle(c.New).Render(fmt.Sprintf("%-11s", c.New))
	line := fmt.Sprintf("%s %s", state, nameStyle.Render(shortName(c.Destination)))

	switch c.New {
	case common.StateRetrying:
		if c.RetryIn > 0 {
			line += faintStyle.Render(fmt.Sprintf("  attempt %d in %s", c.Attempt, FormatETA(c.RetryIn, true)))
		} else {
			line += faintStyle.Render("  no retries left")
		}
		if c.Error != "" {
			line += "  " + errorStyle.Render(c.Error)
		}
	case common.StateFailed:
		if c.Error != "" {
			line += "  " + errorStyle.Render(c.Error)
		}
	case common.StatePending:
		if c.Old != common.StatePending {
			line += faintStyle.Render("  requeued")
		}
	}
	return line
}

// StatusLine renders aggregate progress of a batch.
func StatusLine(s common.BatchStatus) string {
	pct, known := Percent(s.BytesCompleted, s.TotalBytes)

	var b strings.Builder
	if known {
		b.WriteString(progressBar(barWidth, pct))
		fmt.Fprintf(&b, " %5.1f%%", pct*100)
	} else {
		b.WriteString(progressBar(barWidth, 0))
		b.WriteString("     ?%")
	}

	eta, etaKnown := batchETA(s)
	fmt.Fprintf(&b, "  %s / %s  %s  ETA %s",
		FormatSize(s.BytesCompleted), FormatSize(s.TotalBytes), FormatSpeed(s.Speed), FormatETA(eta, etaKnown))
	fmt.Fprintf(&b, "  %s", faintStyle.Render(fmt.Sprintf("active %d/%d  done %d  failed %d  queued %d",
		s.ActiveCount(), s.MaxConcurrent,
		s.Counts[common.StateCompleted], s.Counts[common.StateFailed], s.Counts[common.StatePending])))
	return b.String()
}

func batchETA(s common.BatchStatus) (time.Duration, bool) {
	if s.TotalBytes < 0 || s.Speed <= 0 {
		return 0, false
	}
	remaining := s.TotalBytes - s.BytesCompleted
	if remaining <= 0 {
		return 0, false
	}
	return time.Duration(float64(remaining) / float64(s.Speed) * float64(time.Second)), true
}

// Failure is a task that did not complete.
type Failure struct {
	URL    string
	Reason string
}

// Report summarizes a finished session.
type Report struct {
	Duration time.Duration
	Status   common.BatchStatus
	Failures []Failure
	// FailedFile is where failed links were saved, if any.
	FailedFile string
}

// RenderReport describes a finished session.
func RenderReport(r Report) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Session finished"))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "  Duration:   %s\n", r.Duration.Round(100*time.Millisecond))
	fmt.Fprintf(&b, "  Processed:  %d\n", r.Status.Total)
	fmt.Fprintf(&b, "  Completed:  %s\n", statusStyleCompleted.Render(fmt.Sprint(r.Status.Counts[common.StateCompleted])))
	fmt.Fprintf(&b, "  Failed:     %s\n", statusStyleFailed.Render(fmt.Sprint(r.Status.Counts[common.StateFailed])))
	if n := r.Status.Counts[common.StatePaused] + r.Status.Counts[common.StatePending]; n > 0 {
		fmt.Fprintf(&b, "  Unfinished: %s\n", statusStylePaused.Render(fmt.Sprint(n)))
	}
	if n := r.Status.Counts[common.StateCancelled]; n > 0 {
		fmt.Fprintf(&b, "  Cancelled:  %d\n", n)
	}
	fmt.Fprintf(&b, "  Downloaded: %s\n", FormatSize(r.Status.BytesCompleted))

	for _, f := range r.Failures {
		fmt.Fprintf(&b, "  %s %s\n", errorStyle.Render("✗"), f.URL)
		fmt.Fprintf(&b, "    %s\n", faintStyle.Render(f.Reason))
	}
	if r.FailedFile != "" {
		fmt.Fprintf(&b, "  Failed links saved to %s\n", r.FailedFile)
	}
	return b.String()
}
