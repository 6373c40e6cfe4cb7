package wal

import "time"

// Scheduler runs file-handle TTL closer tasks. A single Scheduler value may be held
// by many segments at once; it is a thin named wrapper rather than its own goroutine
// because time.AfterFunc already multiplexes onto the runtime's timer heap, which is
// all the sharing multiple segments need.
type Scheduler struct{}

// NewScheduler returns a scheduler usable by any number of file handle managers.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Schedule arranges for f to run once after d, and returns a handle that can cancel
// or re-arm it. f runs on its own goroutine, as with any time.AfterFunc callback.
func (s *Scheduler) Schedule(d time.Duration, f func()) *ScheduledTask {
	return &ScheduledTask{timer: time.AfterFunc(d, f)}
}

// ScheduledTask is a single pending closer tick.
type ScheduledTask struct {
	timer *time.Timer
}

// Cancel stops the task if it hasn't fired yet. Mirrors the "indirect reference to
// itself" design note: the task reads this handle on entry rather than closing over
// a strong reference to the segment.
func (t *ScheduledTask) Cancel() bool {
	return t.timer.Stop()
}

// Rearm reschedules the task to fire again after d, for the "accessed since last
// tick (or still active), wait one more interval" branch of the two-tick heuristic.
func (t *ScheduledTask) Rearm(d time.Duration) bool {
	return t.timer.Reset(d)
}
