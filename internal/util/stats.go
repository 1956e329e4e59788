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

// Stats is the process-wide signaling traffic counter.
var Stats = &stats{}

type stats struct {
	Connects    atomic.Int64 // cumulative relay connections since process start
	Disconnects atomic.Int64 // cumulative relay disconnections since process start
	EventsSent  atomic.Int64 // cumulative events written to the relay channel
	EventsRecv  atomic.Int64 // cumulative events read from the relay channel
	BytesSent   atomic.Int64
	BytesRecv   atomic.Int64
}

func (s *stats) AddConn()    { s.Connects.Add(1) }
func (s *stats) RemoveConn() { s.Disconnects.Add(1) }

func (s *stats) AddSent(n int) {
	s.EventsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.EventsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

var reporting atomic.Bool

// StartStatsReporter launches a goroutine that logs signaling statistics
// every 10 seconds while there is traffic. It stops when ctx is cancelled.
// At most one reporter runs per process; it returns false when one already
// does.
func StartStatsReporter(ctx context.Context) bool {
	if !reporting.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer reporting.Store(false)
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if line, ok := formatDelta(prev, cur, reportInterval); ok {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
	return true
}

type snapshot struct {
	conns, disconns      int64
	evSent, evRecv       int64
	bytesSent, bytesRecv int64
}

func takeSnapshot() snapshot {
	return snapshot{
		conns:     Stats.Connects.Load(),
		disconns:  Stats.Disconnects.Load(),
		evSent:    Stats.EventsSent.Load(),
		evRecv:    Stats.EventsRecv.Load(),
		bytesSent: Stats.BytesSent.Load(),
		bytesRecv: Stats.BytesRecv.Load(),
	}
}

// formatDelta renders the change between two snapshots. It reports false
// when nothing happened during the interval.
func formatDelta(prev, cur snapshot, interval time.Duration) (string, bool) {
	secs := interval.Seconds()
	inC := cur.conns - prev.conns
	outC := cur.disconns - prev.disconns
	evOut := cur.evSent - prev.evSent
	evIn := cur.evRecv - prev.evRecv

	if inC == 0 && outC == 0 && evOut == 0 && evIn == 0 {
		return "", false
	}

	return fmt.Sprintf("Events: %3d↑ %3d↓ | Out: %s/s | In: %s/s | Conn: %2d↑ %2d↓",
		evOut,
		evIn,
		formatBytes(float64(cur.bytesSent-prev.bytesSent)/secs),
		formatBytes(float64(cur.bytesRecv-prev.bytesRecv)/secs),
		inC,
		outC,
	), true
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
