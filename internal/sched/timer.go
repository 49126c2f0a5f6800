package sched

import (
	"sort"
	"sync"

	"github.com/racoonbattle/matrix/internal/platform"
)

// TimerCallback runs in interrupt context (it is invoked from DoClockTick,
// which the platform timer driver calls directly): it must not block and
// must not call back into the scheduler directly (§4.3, §9 design note);
// it may only set flags consulted by the ISR return path.
type TimerCallback func()

// Timer is a one-shot deadline armed on a CPU's wheel (§3 "Timer").
type Timer struct {
	deadline uint64 // absolute microseconds since boot
	callback TimerCallback
	canceled bool
}

// Wheel holds the one-shot software timers owned by a single CPU, ordered
// by deadline ascending (§4.3). All operations execute with the owning
// CPU's timer lock held.
type Wheel struct {
	mu      sync.Mutex
	cpu     *CPU
	entries []*Timer
}

func newWheel(cpu *CPU) *Wheel {
	return &Wheel{cpu: cpu}
}

// Set arms a timer to fire after relativeMicros, returning a handle Cancel
// can later use.
func (w *Wheel) Set(relativeMicros uint64, cb TimerCallback) *Timer {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline := w.cpu.SystemTime() + relativeMicros
	t := &Timer{deadline: deadline, callback: cb}
	i := sort.Search(len(w.entries), func(i int) bool { return w.entries[i].deadline >= deadline })
	w.entries = append(w.entries, nil)
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = t
	return t
}

// Cancel prevents a previously-set timer from firing, if it hasn't already.
func (w *Wheel) Cancel(t *Timer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t.canceled = true
}

// DoClockTick walks expired timers in deadline order, invoking each
// callback exactly once, and reports whether a reschedule is now required
// (§4.3, §4.4). Called by the platform timer driver on every tick.
func (w *Wheel) DoClockTick() bool {
	now := w.cpu.SystemTime()

	w.mu.Lock()
	var due []*Timer
	i := 0
	for i < len(w.entries) && w.entries[i].deadline <= now {
		i++
	}
	due, w.entries = w.entries[:i], w.entries[i:]
	w.mu.Unlock()

	for _, t := range due {
		if !t.canceled {
			t.callback()
		}
	}

	return w.cpu.consumeNeedResched()
}

// SystemTime returns (rdtsc() - offset) / cyclesPerMicrosecond for the
// owning CPU (§4.3).
func (cpu *CPU) SystemTime() uint64 {
	elapsed := cpu.cycles.ReadCycles() - cpu.systemTimeOffset
	if cpu.cyclesPerMicrosecond == 0 {
		return elapsed
	}
	return elapsed / cpu.cyclesPerMicrosecond
}

// BootTimeUnix computes boot_time_unix = cmos_unix_time() - system_time(),
// fixed once at init (§4.3).
func BootTimeUnix(cmos platform.CMOS, cpu *CPU) int64 {
	return cmos.ReadTime().UnixSeconds() - int64(cpu.SystemTime()/1_000_000)
}
