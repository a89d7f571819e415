package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Relay traffic counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts traffic through one relay. The relay loop updates it from
// its own goroutine while the reporter reads it from another, so every
// field is atomic.
type Stats struct {
	BytesIn     atomic.Int64 // bytes read from the local stream and queued for the channel
	BytesOut    atomic.Int64 // bytes written to the local stream from the channel
	MessagesIn  atomic.Int64 // complete messages received from the channel
	MessagesOut atomic.Int64 // messages sent over the channel
	Dropped     atomic.Int64 // datagrams discarded as malformed or evicted
}

func (s *Stats) AddIn(n int)  { s.BytesIn.Add(int64(n)) }
func (s *Stats) AddOut(n int) { s.BytesOut.Add(int64(n)) }
func (s *Stats) AddRecv()     { s.MessagesIn.Add(1) }
func (s *Stats) AddSent()     { s.MessagesOut.Add(1) }
func (s *Stats) AddDropped()  { s.Dropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics every
// interval while there is traffic. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, logger *pterm.Logger, s *Stats, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		seconds := interval.Seconds()
		var prevIn, prevOut, prevDropped int64
		for {
			select {
			case <-ticker.C:
				in := s.BytesIn.Load()
				out := s.BytesOut.Load()
				dropped := s.Dropped.Load()

				inS := float64(in-prevIn) / seconds
				outS := float64(out-prevOut) / seconds

				if in != prevIn || out != prevOut || dropped != prevDropped {
					logger.Info(formatStats(inS, outS, s.MessagesIn.Load(), s.MessagesOut.Load(), dropped))
				}

				prevIn = in
				prevOut = out
				prevDropped = dropped

			case <-ctx.Done():
				return
			}
		}
	}()
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

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, msgIn, msgOut, dropped int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Msg: %d↓ %d↑ | Dropped: %d",
		formatBytes(inS),
		formatBytes(outS),
		msgIn,
		msgOut,
		dropped,
	)
}
