package util

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats counts the frames and bytes one relay session moved in each
// direction. Remote is TCP to link, Local is link to TCP.
type Stats struct {
	RemoteFrames atomic.Int64
	RemoteBytes  atomic.Int64
	LocalFrames  atomic.Int64
	LocalBytes   atomic.Int64
}

func (s *Stats) AddRemote(n int) { s.RemoteFrames.Add(1); s.RemoteBytes.Add(int64(n)) }
func (s *Stats) AddLocal(n int)  { s.LocalFrames.Add(1); s.LocalBytes.Add(int64(n)) }

// Summary renders the cumulative totals.
func (s *Stats) Summary() string {
	return fmt.Sprintf("remote %d frames / %d bytes, local %d frames / %d bytes",
		s.RemoteFrames.Load(), s.RemoteBytes.Load(),
		s.LocalFrames.Load(), s.LocalBytes.Load())
}

// StatsReporter logs per-interval rates. It has no goroutine of its own:
// the owner calls Tick from its loop.
type StatsReporter struct {
	stats    *Stats
	interval time.Duration
	last     time.Time

	prevRemote, prevLocal             int64
	prevRemoteFrames, prevLocalFrames int64
}

// NewStatsReporter returns a reporter for s. A zero interval disables it.
func NewStatsReporter(s *Stats, interval time.Duration, now time.Time) *StatsReporter {
	return &StatsReporter{stats: s, interval: interval, last: now}
}

// Tick logs a stats line if the interval has elapsed and there was traffic.
// It reports whether a line was logged.
func (r *StatsReporter) Tick(now time.Time) bool {
	if r == nil || r.interval <= 0 || now.Sub(r.last) < r.interval {
		return false
	}
	secs := now.Sub(r.last).Seconds()
	r.last = now

	remote := r.stats.RemoteBytes.Load()
	local := r.stats.LocalBytes.Load()
	remoteFrames := r.stats.RemoteFrames.Load()
	localFrames := r.stats.LocalFrames.Load()

	inS := float64(remote-r.prevRemote) / secs
	outS := float64(local-r.prevLocal) / secs
	inF := remoteFrames - r.prevRemoteFrames
	outF := localFrames - r.prevLocalFrames

	r.prevRemote, r.prevLocal = remote, local
	r.prevRemoteFrames, r.prevLocalFrames = remoteFrames, localFrames

	if inF == 0 && outF == 0 {
		return false
	}
	pterm.DefaultLogger.Info(formatStats(inS, outS, inF, outF))
	return true
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the interval rates for display in the logger.
func formatStats(inS, outS float64, inF, outF int64) string {
	return fmt.Sprintf("Remote: %s/s %4d fr | Local: %s/s %4d fr",
		formatBytes(inS),
		inF,
		formatBytes(outS),
		outF,
	)
}
