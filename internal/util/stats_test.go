package util

import (
	"strings"
	"testing"

	"github.com/1ureka/reattach/internal/config"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}
	for _, tc := range tests {
		got := formatBytes(tc.in)
		if got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(got) != 8 {
			t.Errorf("formatBytes(%v) has width %d, want 8", tc.in, len(got))
		}
	}
}

func TestFormatStats(t *testing.T) {
	got := formatStats(2048, 0, 3, 4, 1)
	for _, part := range []string{"In:  2.0 KiB/s", "Msg: 3↓ 4↑", "Dropped: 1"} {
		if !strings.Contains(got, part) {
			t.Errorf("formatStats = %q, missing %q", got, part)
		}
	}
}

func TestStatsCounters(t *testing.T) {
	var s Stats
	s.AddIn(10)
	s.AddIn(5)
	s.AddOut(7)
	s.AddRecv()
	s.AddSent()
	s.AddSent()
	s.AddDropped()

	if s.BytesIn.Load() != 15 || s.BytesOut.Load() != 7 {
		t.Errorf("bytes = %d/%d, want 15/7", s.BytesIn.Load(), s.BytesOut.Load())
	}
	if s.MessagesIn.Load() != 1 || s.MessagesOut.Load() != 2 || s.Dropped.Load() != 1 {
		t.Errorf("unexpected counters in=%d out=%d dropped=%d",
			s.MessagesIn.Load(), s.MessagesOut.Load(), s.Dropped.Load())
	}
}

func TestNewLoggerQuietWithoutVerbose(t *testing.T) {
	cfg := config.Default()
	cfg.LogFile = t.TempDir() + "/never.log"

	logger, closer, err := NewLogger(cfg, config.RoleServer)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer closer.Close()
	logger.Info("dropped")
}

func TestNewLoggerWritesFile(t *testing.T) {
	cfg := config.Default()
	cfg.Verbose = true
	cfg.LogFile = t.TempDir() + "/nested/relay.log"

	logger, closer, err := NewLogger(cfg, config.RoleServer)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Debug("hello", logger.Args("id", "abc"))
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
