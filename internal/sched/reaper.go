package sched

import "sync"

// ReleaseThread frees a dead thread's kernel resources: its stack and
// descriptor (§4.4 "Reaper"). The scheduler core has no notion of a kernel
// stack — that allocation lives above this package, typically backed by
// internal/slab — so ReleaseThread is a caller-supplied hook invoked once
// per reaped thread.
type ReleaseThread func(t *Thread)

// reaper drains threads that exited, detaching each from the global dead
// list and invoking its release hook. The dead-threads list is protected by
// a single mutex, standing in for disabling interrupts during enqueue
// (§5); only the reaper ever dequeues, and Drain holds the same mutex just
// long enough to detach the whole batch.
type reaper struct {
	sched *Scheduler

	mu   sync.Mutex
	dead []*Thread

	release ReleaseThread
}

func newReaper(s *Scheduler) *reaper {
	return &reaper{sched: s}
}

// SetRelease installs the hook invoked for each reaped thread.
func (r *reaper) SetRelease(fn ReleaseThread) { r.release = fn }

func (r *reaper) enqueue(t *Thread) {
	r.mu.Lock()
	r.dead = append(r.dead, t)
	r.mu.Unlock()
}

// Drain detaches every currently-queued dead thread and releases it,
// returning how many were reaped. A real kernel thread would loop calling
// this forever; callers (tests, cmd/kernel) drive it explicitly or from a
// background goroutine.
func (r *reaper) Drain() int {
	r.mu.Lock()
	batch := r.dead
	r.dead = nil
	r.mu.Unlock()

	for _, t := range batch {
		if r.release != nil {
			r.release(t)
		}
		if t.Process != nil {
			t.Process.removeThread(t.ID)
		}
	}
	if r.sched != nil {
		r.sched.metrics.RecordSchedReaped(len(batch))
	}
	return len(batch)
}

// Pending reports how many dead threads are currently queued, awaiting a
// reaper pass.
func (r *reaper) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dead)
}
