package es

import "time"

// SnapshotStats is the per-aggregate bookkeeping a SnapshotStrategy
// decides on. The repository maintains it across saves.
type SnapshotStats struct {
	// EventsSinceSnapshot counts events appended since the last successful
	// snapshot (or since version 0 when none exists).
	EventsSinceSnapshot int
	// LastSnapshotAt is when the last snapshot was taken; zero when none.
	LastSnapshotAt time.Time
	// ReplayLatency is a smoothed (EWMA) observation of recent load replay
	// latency for this aggregate. Zero when no history is available.
	ReplayLatency time.Duration
}

// SnapshotStrategy decides, after each successful append, whether a new
// snapshot should be materialized. Snapshotting is best-effort: a decision
// of true never blocks or fails the originating save.
type SnapshotStrategy interface {
	ShouldSnapshot(stats SnapshotStats) bool
}

// === Fixed-count ===

// FixedCountStrategy snapshots every N events. It is the deterministic
// default.
type FixedCountStrategy struct {
	N int
}

const DefaultSnapshotEvery = 10

func NewFixedCountStrategy(n int) *FixedCountStrategy {
	if n <= 0 {
		n = DefaultSnapshotEvery
	}
	return &FixedCountStrategy{N: n}
}

func (s *FixedCountStrategy) ShouldSnapshot(stats SnapshotStats) bool {
	return stats.EventsSinceSnapshot >= s.N
}

// === Time-based ===

// TimeStrategy snapshots when the elapsed wall-clock time since the last
// snapshot exceeds Interval, regardless of event count.
type TimeStrategy struct {
	Interval time.Duration
	Clock    func() time.Time
}

func NewTimeStrategy(interval time.Duration) *TimeStrategy {
	return &TimeStrategy{Interval: interval, Clock: time.Now}
}

func (s *TimeStrategy) ShouldSnapshot(stats SnapshotStats) bool {
	if stats.EventsSinceSnapshot == 0 {
		return false
	}
	now := s.Clock
	if now == nil {
		now = time.Now
	}
	if stats.LastSnapshotAt.IsZero() {
		return true
	}
	return now().Sub(stats.LastSnapshotAt) >= s.Interval
}

// === Adaptive ===

// AdaptiveStrategy bounds worst-case load time by weighting event count
// against observed replay latency: it snapshots once
//
//	events/MaxEvents + replay/TargetReplay >= 1
//
// With no latency history it degrades to fixed-count behavior at
// MaxEvents.
type AdaptiveStrategy struct {
	// TargetReplay is the replay latency the strategy tries to stay under.
	TargetReplay time.Duration
	// MaxEvents is the event-count bound (and the fixed-count fallback).
	MaxEvents int
}

func NewAdaptiveStrategy(targetReplay time.Duration, maxEvents int) *AdaptiveStrategy {
	if targetReplay <= 0 {
		targetReplay = 100 * time.Millisecond
	}
	if maxEvents <= 0 {
		maxEvents = 10 * DefaultSnapshotEvery
	}
	return &AdaptiveStrategy{TargetReplay: targetReplay, MaxEvents: maxEvents}
}

func (s *AdaptiveStrategy) ShouldSnapshot(stats SnapshotStats) bool {
	if stats.EventsSinceSnapshot == 0 {
		return false
	}
	if stats.ReplayLatency == 0 {
		return stats.EventsSinceSnapshot >= s.MaxEvents
	}
	score := float64(stats.EventsSinceSnapshot)/float64(s.MaxEvents) +
		float64(stats.ReplayLatency)/float64(s.TargetReplay)
	return score >= 1
}
