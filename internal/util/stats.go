package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide bridge counter.
var Stats = &stats{}

type stats struct {
	FramesWritten  atomic.Int64 // mock display frames written
	Updates        atomic.Int64 // channel updates decoded by the host loop
	Anomalies      atomic.Int64 // torn or malformed reads discarded
	GuestRestarts  atomic.Int64 // guest respawns after an exit
	PacketsSent    atomic.Int64 // mirror packets handed to the DataChannel
	PacketsDropped atomic.Int64 // mirror packets dropped on a full queue or a congested channel
	BytesSent      atomic.Int64 // cumulative bytes written to the DataChannel
}

func (s *stats) AddFrame()   { s.FramesWritten.Add(1) }
func (s *stats) AddUpdate()  { s.Updates.Add(1) }
func (s *stats) AddRestart() { s.GuestRestarts.Add(1) }
func (s *stats) AddDropped() { s.PacketsDropped.Add(1) }

func (s *stats) AddAnomalies(n uint64) { s.Anomalies.Add(int64(n)) }

func (s *stats) AddSent(n int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

// snapshot is one reading of every counter.
type snapshot struct {
	frames, updates, anomalies, restarts, sent, dropped, bytes int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		frames:    s.FramesWritten.Load(),
		updates:   s.Updates.Load(),
		anomalies: s.Anomalies.Load(),
		restarts:  s.GuestRestarts.Load(),
		sent:      s.PacketsSent.Load(),
		dropped:   s.PacketsDropped.Load(),
		bytes:     s.BytesSent.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const statsInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs bridge statistics
// every 10 seconds when anything changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur, statsInterval.Seconds()))
				}
				prev = cur

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

// formatStats renders the change between two snapshots over seconds.
func formatStats(prev, cur snapshot, seconds float64) string {
	return fmt.Sprintf("Frames: %5.1f/s | Updates: %4d | Anomalies: %2d | Restarts: %2d | Mirror: %s/s %3d↓",
		float64(cur.frames-prev.frames)/seconds,
		cur.updates-prev.updates,
		cur.anomalies-prev.anomalies,
		cur.restarts-prev.restarts,
		formatBytes(float64(cur.bytes-prev.bytes)/seconds),
		cur.dropped-prev.dropped,
	)
}
