// Package scheduler computes the next wave of tasks to execute from the
// dependency graph, the set of completed task ids, and the mission's
// execution strategy. It also detects oscillation: identical waves repeating
// without mission progress, which would otherwise retry forever.
package scheduler

import (
	"sort"
	"strings"

	"github.com/worldmind/worldmind/internal/core"
)

// Defaults for the oscillation detector.
const (
	DefaultWindowSize           = 4
	DefaultOscillationThreshold = 6
)

// Options configures a Scheduler.
type Options struct {
	// MaxParallel caps the wave size under the PARALLEL strategy. Values
	// below 1 are treated as 1.
	MaxParallel int
	// WindowSize is the number of consecutive wave fingerprints compared by
	// the oscillation detector. Values below DefaultWindowSize are raised to it.
	WindowSize int
	// OscillationThreshold is the minimum wave count before the detector may
	// fire. Zero means DefaultOscillationThreshold.
	OscillationThreshold int
}

// Wave is the scheduler's output for one scheduling round.
type Wave struct {
	// TaskIDs is the ordered subsequence of task ids to execute concurrently.
	// Empty means the mission should converge.
	TaskIDs []core.TaskID
	// OscillationDetected is set when the wave was forced empty because the
	// recent fingerprint window repeated.
	OscillationDetected bool
}

// Scheduler holds the oscillation window across scheduling rounds. It is
// owned by the mission runner and used by a single goroutine; one Scheduler
// serves one mission.
type Scheduler struct {
	maxParallel int
	windowSize  int
	threshold   int

	fingerprints []string
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	maxParallel := opts.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	windowSize := opts.WindowSize
	if windowSize < DefaultWindowSize {
		windowSize = DefaultWindowSize
	}
	threshold := opts.OscillationThreshold
	if threshold == 0 {
		threshold = DefaultOscillationThreshold
	}
	return &Scheduler{
		maxParallel: maxParallel,
		windowSize:  windowSize,
		threshold:   threshold,
	}
}

// NextWave computes the wave for the current scheduling round. waveCount is
// the mission's wave counter before this round (used by the oscillation
// detector). Tie-break is always original planning order; tasks are never
// reordered across waves.
func (s *Scheduler) NextWave(tasks []*core.Task, completed map[core.TaskID]bool, strategy core.ExecutionStrategy, waveCount int) Wave {
	ready := make([]*core.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.IsReady(completed) {
			ready = append(ready, t)
		}
	}

	if len(ready) == 0 {
		// Remaining-but-blocked tasks produce an empty wave as well; the
		// converge node decides COMPLETED vs FAILED from the aggregate.
		return Wave{}
	}

	var ids []core.TaskID
	switch strategy {
	case core.StrategySequential:
		ids = []core.TaskID{ready[0].ID}
	default:
		n := len(ready)
		if n > s.maxParallel {
			n = s.maxParallel
		}
		ids = make([]core.TaskID, 0, n)
		for _, t := range ready[:n] {
			ids = append(ids, t.ID)
		}
	}

	s.record(fingerprint(ids))
	if waveCount > s.threshold && s.oscillating() {
		return Wave{OscillationDetected: true}
	}
	return Wave{TaskIDs: ids}
}

// Reset clears the oscillation window, e.g. after a cooldown pause.
func (s *Scheduler) Reset() {
	s.fingerprints = nil
}

func (s *Scheduler) record(fp string) {
	s.fingerprints = append(s.fingerprints, fp)
	if max := 2 * s.windowSize; len(s.fingerprints) > max {
		s.fingerprints = s.fingerprints[len(s.fingerprints)-max:]
	}
}

// oscillating reports whether the last two equal-length windows of wave
// fingerprints are identical.
func (s *Scheduler) oscillating() bool {
	w := s.windowSize
	if len(s.fingerprints) < 2*w {
		return false
	}
	recent := s.fingerprints[len(s.fingerprints)-w:]
	prior := s.fingerprints[len(s.fingerprints)-2*w : len(s.fingerprints)-w]
	for i := range recent {
		if recent[i] != prior[i] {
			return false
		}
	}
	return true
}

// fingerprint is the order-insensitive identity of a wave: the sorted id
// list. Two waves containing the same tasks fingerprint identically even if
// planning order changed between retries.
func fingerprint(ids []core.TaskID) string {
	sorted := make([]string, len(ids))
	for i, id := range ids {
		sorted[i] = string(id)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
