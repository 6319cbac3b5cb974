package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// statsInterval is how often the reporter wakes up to check the counters.
const statsInterval = 30 * time.Second

// Stats counts what the proxy has seen since startup. The pumps and the
// event sink bump these from their own goroutines.
var Stats statsCounters

type statsCounters struct {
	Accepted  atomic.Int64 // connections accepted
	Closed    atomic.Int64 // pairs fully wound down
	BytesUp   atomic.Int64 // bytes read from clients
	BytesDown atomic.Int64 // bytes read from servers
	Events    atomic.Int64 // events published to the renderer
}

func (s *statsCounters) ConnOpened()   { s.Accepted.Add(1) }
func (s *statsCounters) ConnClosed()   { s.Closed.Add(1) }
func (s *statsCounters) AddUp(n int)   { s.BytesUp.Add(int64(n)) }
func (s *statsCounters) AddDown(n int) { s.BytesDown.Add(int64(n)) }
func (s *statsCounters) AddEvent()     { s.Events.Add(1) }

// statsSnapshot is a comparable copy of the counters, taken so the
// reporter can tell whether anything happened since it last spoke.
type statsSnapshot struct {
	accepted int64
	closed   int64
	up       int64
	down     int64
}

func (s *statsCounters) snapshot() statsSnapshot {
	return statsSnapshot{
		accepted: s.Accepted.Load(),
		closed:   s.Closed.Load(),
		up:       s.BytesUp.Load(),
		down:     s.BytesDown.Load(),
	}
}

func (s statsSnapshot) String() string {
	return fmt.Sprintf("%d live / %d total connections, %s upstream, %s downstream",
		s.accepted-s.closed, s.accepted, sizeString(s.up), sizeString(s.down))
}

// sizeString renders a byte count with a binary unit and one decimal.
func sizeString(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	value := float64(n)
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	for i, unit := range units {
		value /= 1024
		if value < 1024 || i == len(units)-1 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
	}
	return fmt.Sprintf("%d B", n)
}

// StartStatsReporter launches a goroutine that logs the totals whenever
// they have moved since the previous report. An idle proxy stays silent.
// The reporter stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		var last statsSnapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != last {
					LogInfo("%s", cur)
					last = cur
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
