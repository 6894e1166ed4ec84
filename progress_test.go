package main

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock advances by step on every call.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func TestProgressTrackerETAUnknownBeforeFirstByte(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0), step: time.Second}
	tr := newProgressTracker(100, clock.Now)

	s := tr.Snapshot()
	require.False(t, s.ETAKnown)
	require.Zero(t, s.Rate)
	require.Equal(t, "--:--:--.-", formatETA(s.ETA, s.ETAKnown))
}

func TestProgressTrackerRateAndETA(t *testing.T) {
	start := time.Unix(1000, 0)
	now := start
	tr := newProgressTracker(1000, func() time.Time { return now })

	now = start.Add(2 * time.Second)
	s := tr.Update(250)
	require.True(t, s.ETAKnown)
	require.InDelta(t, 125.0, s.Rate, 0.001)
	require.Equal(t, 6*time.Second, s.ETA)
	require.InDelta(t, 25.0, s.Percent(), 0.001)

	now = start.Add(8 * time.Second)
	s = tr.Update(1000)
	require.Zero(t, s.ETA)
	require.InDelta(t, 100.0, s.Percent(), 0.001)
}

func TestFormatETA(t *testing.T) {
	require.Equal(t, "00:00:00.0", formatETA(0, true))
	require.Equal(t, "01:02:03.5", formatETA(time.Hour+2*time.Minute+3500*time.Millisecond, true))
}

func TestProgressPrinterRateLimit(t *testing.T) {
	start := time.Unix(0, 0)
	now := start
	var out bytes.Buffer
	p := newProgressPrinter(&out, "A", 400, time.Second, func() time.Time { return now })

	now = start.Add(10 * time.Millisecond)
	p.Report(100, 400)
	first := out.Len()
	require.NotZero(t, first)

	now = start.Add(20 * time.Millisecond)
	p.Report(200, 400)
	require.Equal(t, first, out.Len())

	now = start.Add(2 * time.Second)
	p.Report(400, 400)
	require.Greater(t, out.Len(), first)

	p.Finish()
	require.Contains(t, out.String(), "100.0%")
}

func TestCopyWithProgress(t *testing.T) {
	src := bytes.Repeat([]byte("0123456789"), 1000)
	var dst bytes.Buffer
	var calls []int64

	n, err := copyWithProgress(&dst, bytes.NewReader(src), int64(len(src)), make([]byte, 4096), func(done, total int64) {
		require.Equal(t, int64(len(src)), total)
		calls = append(calls, done)
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(src)), n)
	require.Equal(t, src, dst.Bytes())
	require.NotEmpty(t, calls)
	require.Equal(t, int64(len(src)), calls[len(calls)-1])
	for i := 1; i < len(calls); i++ {
		require.Greater(t, calls[i], calls[i-1])
	}
}

func TestCopyWithProgressStopsAtTotal(t *testing.T) {
	var dst bytes.Buffer
	n, err := copyWithProgress(&dst, strings.NewReader("abcdefgh"), 4, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
	require.Equal(t, "abcd", dst.String())
}

func TestCopyWithProgressShortSource(t *testing.T) {
	var dst bytes.Buffer
	_, err := copyWithProgress(&dst, strings.NewReader("abc"), 10, nil, nil)
	require.ErrorIs(t, err, ErrIO)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestCopyWithProgressReadError(t *testing.T) {
	_, err := copyWithProgress(io.Discard, failingReader{}, 10, nil, nil)
	require.ErrorIs(t, err, ErrIO)
}
