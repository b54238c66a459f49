package util

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// TestFormatBytes verifies the fixed-width unit formatting.
func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{5 * 1024 * 1024, " 5.0 MiB"},
	}
	for _, tc := range testCases {
		got := formatBytes(tc.in)
		if got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(got) != 8 {
			t.Errorf("formatBytes(%v) width = %d, want 8", tc.in, len(got))
		}
	}
}

// TestStatsReporterTick verifies interval gating and silence without traffic.
func TestStatsReporterTick(t *testing.T) {
	var out bytes.Buffer
	SetLogOutput(&out)
	defer SetLogOutput(nil)

	var s Stats
	start := time.Unix(1000, 0)
	r := NewStatsReporter(&s, time.Second, start)

	s.AddRemote(10)
	if r.Tick(start.Add(500 * time.Millisecond)) {
		t.Fatal("reported before the interval elapsed")
	}
	if !r.Tick(start.Add(time.Second)) {
		t.Fatal("expected a report after the interval")
	}
	if !strings.Contains(out.String(), "Remote:") {
		t.Fatalf("report not logged: %q", out.String())
	}
	if r.Tick(start.Add(2 * time.Second)) {
		t.Fatal("reported an interval with no traffic")
	}

	s.AddLocal(3)
	s.AddLocal(4)
	if !r.Tick(start.Add(3 * time.Second)) {
		t.Fatal("expected a report for local traffic")
	}
	if got := s.Summary(); got != "remote 1 frames / 10 bytes, local 2 frames / 7 bytes" {
		t.Fatalf("Summary = %q", got)
	}
}

// TestStatsReporterDisabled verifies a zero interval never reports.
func TestStatsReporterDisabled(t *testing.T) {
	var s Stats
	r := NewStatsReporter(&s, 0, time.Unix(0, 0))
	s.AddRemote(1)
	if r.Tick(time.Unix(3600, 0)) {
		t.Fatal("disabled reporter logged")
	}
	var nilReporter *StatsReporter
	if nilReporter.Tick(time.Now()) {
		t.Fatal("nil reporter logged")
	}
}

// TestSessionIDStable verifies the id depends on every address.
func TestSessionIDStable(t *testing.T) {
	a := SessionID("10.0.0.1:40000", "unix", "unix")
	if a != SessionID("10.0.0.1:40000", "unix", "unix") {
		t.Fatal("SessionID not deterministic")
	}
	if a == SessionID("10.0.0.1:40001", "unix", "unix") {
		t.Fatal("SessionID ignores the TCP address")
	}
	if SessionID("ab", "c") == SessionID("a", "bc") {
		t.Fatal("SessionID does not separate fields")
	}
}
