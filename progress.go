package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gosuri/uilive"
)

// progressSnapshot is the state of one copy at a point in time.
type progressSnapshot struct {
	Done     int64
	Total    int64
	Elapsed  time.Duration
	Rate     float64 // bytes per second
	ETA      time.Duration
	ETAKnown bool
}

// Percent returns the completed share in the range [0, 100].
func (s progressSnapshot) Percent() float64 {
	if s.Total <= 0 {
		return 100
	}
	p := float64(s.Done) * 100 / float64(s.Total)
	if p > 100 {
		p = 100
	}
	return p
}

// progressTracker turns byte counters into rate and ETA.
type progressTracker struct {
	total int64
	start time.Time
	now   func() time.Time
	done  int64
}

func newProgressTracker(total int64, now func() time.Time) *progressTracker {
	if now == nil {
		now = time.Now
	}
	return &progressTracker{total: total, start: now(), now: now}
}

// Update records the cumulative byte count and returns the new state.
func (t *progressTracker) Update(done int64) progressSnapshot {
	t.done = done
	return t.Snapshot()
}

// Snapshot computes the current state. The ETA stays unknown until some
// bytes have moved and time has passed.
func (t *progressTracker) Snapshot() progressSnapshot {
	s := progressSnapshot{
		Done:    t.done,
		Total:   t.total,
		Elapsed: t.now().Sub(t.start),
	}
	if s.Done <= 0 || s.Elapsed <= 0 {
		return s
	}

	s.Rate = float64(s.Done) / s.Elapsed.Seconds()
	remaining := s.Total - s.Done
	if remaining < 0 {
		remaining = 0
	}
	s.ETA = time.Duration(float64(remaining) / s.Rate * float64(time.Second))
	s.ETAKnown = true
	return s
}

const progressBarWidth = 50

// formatProgressLine renders a snapshot as a single status line.
func formatProgressLine(label string, s progressSnapshot) string {
	pct := s.Percent()
	filled := int(pct / 100 * progressBarWidth)
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", progressBarWidth-filled)

	return fmt.Sprintf("%s [%s] %5.1f%% %s / %s, %s, ETA %s",
		label, bar, pct,
		formatBytes(s.Done), formatBytes(s.Total),
		formatSpeed(s.Rate), formatETA(s.ETA, s.ETAKnown))
}

// progressPrinter redraws one status line per copy on a terminal.
type progressPrinter struct {
	label    string
	writer   *uilive.Writer
	tracker  *progressTracker
	interval time.Duration
	now      func() time.Time

	lastPrint time.Time
	printed   bool
}

func newProgressPrinter(out io.Writer, label string, total int64, interval time.Duration, now func() time.Time) *progressPrinter {
	if now == nil {
		now = time.Now
	}
	w := uilive.New()
	w.Out = out
	return &progressPrinter{
		label:    label,
		writer:   w,
		tracker:  newProgressTracker(total, now),
		interval: interval,
		now:      now,
	}
}

// Report is a progressFunc. Redraws are limited to one per interval.
func (p *progressPrinter) Report(done, total int64) {
	if total > 0 {
		p.tracker.total = total
	}
	s := p.tracker.Update(done)
	if p.printed && p.now().Sub(p.lastPrint) < p.interval {
		return
	}
	p.print(s)
}

// Finish draws the final state and ends the line.
func (p *progressPrinter) Finish() {
	p.print(p.tracker.Snapshot())
}

func (p *progressPrinter) print(s progressSnapshot) {
	_, _ = fmt.Fprintln(p.writer, formatProgressLine(p.label, s))
	_ = p.writer.Flush()
	p.lastPrint = p.now()
	p.printed = true
}
