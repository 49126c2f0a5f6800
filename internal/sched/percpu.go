package sched

import (
	"sync"
	"sync/atomic"

	"github.com/racoonbattle/matrix/internal/platform"
)

// CPUState tracks whether a CPU record participates in scheduling (§3).
type CPUState int

const (
	Offline CPUState = iota
	Online
)

// CPU is a per-CPU state descriptor (§3 "CPU Record"): id, calibration,
// scheduler run queues, timer wheel and current thread. The scheduler-state
// fields are guarded by mu, a short critical-section spinlock stand-in
// (§5); the reschedule path always acquires it with interrupts treated as
// already disabled by the caller.
type CPU struct {
	id    int
	state CPUState

	cycles               platform.Cycles
	cyclesPerMicrosecond uint64
	systemTimeOffset     uint64

	timer        *Wheel
	preemptTimer *Timer // pending quantum-expiry timer for the current thread, if any

	mu          sync.Mutex
	active      *runQueue
	expired     *runQueue
	prevThread  *Thread
	idleThread  *Thread
	current     *Thread
	total       int // count of ready+running threads on this CPU
	needResched atomic.Bool
}

func newCPU(id int, cycles platform.Cycles, cyclesPerMicrosecond, systemTimeOffset uint64) *CPU {
	cpu := &CPU{
		id:                   id,
		state:                Online,
		cycles:               cycles,
		cyclesPerMicrosecond: cyclesPerMicrosecond,
		systemTimeOffset:     systemTimeOffset,
		active:               newRunQueue(),
		expired:              newRunQueue(),
	}
	cpu.timer = newWheel(cpu)
	return cpu
}

// ID returns the CPU's identifier.
func (cpu *CPU) ID() int { return cpu.id }

// State reports whether the CPU is online.
func (cpu *CPU) State() CPUState { return cpu.state }

// Total reports the number of ready+running threads currently on this CPU.
func (cpu *CPU) Total() int {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	return cpu.total
}

// Current returns the thread currently running on this CPU, or nil.
func (cpu *CPU) Current() *Thread {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	return cpu.current
}

// Timer exposes the CPU's timer wheel, e.g. so a platform.TimerDriver can
// drive it via OnTick.
func (cpu *CPU) Timer() *Wheel { return cpu.timer }

func (cpu *CPU) markNeedResched() {
	cpu.needResched.Store(true)
}

func (cpu *CPU) consumeNeedResched() bool {
	return cpu.needResched.Swap(false)
}

// highestReadyPriority reports the highest-priority ready thread across
// both queues, or -1 if none; used by §8's priority-invariant checks.
func (cpu *CPU) highestReadyPriority() int {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	a := cpu.active.highestReady()
	e := cpu.expired.highestReady()
	switch {
	case a < 0:
		return e
	case e < 0:
		return a
	case a < e:
		return a
	default:
		return e
	}
}
