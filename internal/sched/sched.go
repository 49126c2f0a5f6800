package sched

import (
	"sync"
	"sync/atomic"

	"github.com/racoonbattle/matrix/internal/platform"
)

// ContextSwitch performs the architecture-level register-frame swap
// between two threads (§4.6 "Architecture Context Switch"). It is an
// external collaborator the scheduler only consumes — a real port provides
// an assembly implementation; NoopContextSwitch below is the host stand-in.
type ContextSwitch interface {
	Switch(prev, next *Thread)
}

// AddressSpaceSwitch installs the next process's page tables (§4.6). Also
// an external collaborator, consumed not implemented.
type AddressSpaceSwitch interface {
	Switch(next *Process)
}

// NoopContextSwitch is the default ContextSwitch: real register save/restore
// is architecture-specific and out of scope (§1); tests and the host demo
// only need the scheduling decision, not the actual execution transfer.
type NoopContextSwitch struct{}

func (NoopContextSwitch) Switch(prev, next *Thread) {}

// NoopAddressSpaceSwitch is the default AddressSpaceSwitch.
type NoopAddressSpaceSwitch struct{}

func (NoopAddressSpaceSwitch) Switch(next *Process) {}

// AdjustPriority is the priority-adjustment hook consulted before a thread
// is enqueued (§4.4). The intended I/O-bound-boost policy is left
// unspecified (§9 open question); the default never changes priority.
type AdjustPriority func(t *Thread)

// NoopAdjustPriority is the no-op default required by §9.
func NoopAdjustPriority(t *Thread) {}

// Metrics receives counter updates for scheduler events. Satisfied
// structurally by internal/telemetry's MetricsCollector (SPEC_FULL.md
// AMBIENT STACK); this package never imports telemetry.
type Metrics interface {
	RecordSchedAdmission()
	RecordSchedReschedule()
	RecordSchedPreemption()
	RecordSchedReaped(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordSchedAdmission()    {}
func (noopMetrics) RecordSchedReschedule()   {}
func (noopMetrics) RecordSchedPreemption()   {}
func (noopMetrics) RecordSchedReaped(n int)  {}

// Scheduler owns the CPU table and the cross-CPU admission/reaper state
// (§3, §4.4).
type Scheduler struct {
	cpus []*CPU

	globalMu      sync.Mutex
	globalRunning int

	adjustPriority AdjustPriority
	ctxSwitch      ContextSwitch
	addrSwitch     AddressSpaceSwitch
	metrics        Metrics

	reaper *reaper

	nextThreadID uint64
}

// Config parameterizes New.
type Config struct {
	NumCPUs        int
	Cycles         platform.Cycles
	Calibrate      func(platform.Cycles) uint64 // cycles-per-microsecond; if it or Cycles is nil, 1 cycle per microsecond is used
	AdjustPriority AdjustPriority
	ContextSwitch  ContextSwitch
	AddrSwitch     AddressSpaceSwitch

	// Metrics, if set, receives counter updates for admission, reschedule,
	// preemption and reap events (SPEC_FULL.md AMBIENT STACK).
	Metrics Metrics
}

// New builds a scheduler with cfg.NumCPUs CPU records, each with its own
// idle thread, and creates the reaper, which runs whenever Reaper().Drain
// is called.
func New(cfg Config) *Scheduler {
	if cfg.NumCPUs <= 0 {
		cfg.NumCPUs = 1
	}
	if cfg.AdjustPriority == nil {
		cfg.AdjustPriority = NoopAdjustPriority
	}
	if cfg.ContextSwitch == nil {
		cfg.ContextSwitch = NoopContextSwitch{}
	}
	if cfg.AddrSwitch == nil {
		cfg.AddrSwitch = NoopAddressSpaceSwitch{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}

	s := &Scheduler{
		adjustPriority: cfg.AdjustPriority,
		ctxSwitch:      cfg.ContextSwitch,
		addrSwitch:     cfg.AddrSwitch,
		metrics:        cfg.Metrics,
	}
	s.reaper = newReaper(s)

	cyclesPerMicro := uint64(1)
	if cfg.Calibrate != nil && cfg.Cycles != nil {
		cyclesPerMicro = cfg.Calibrate(cfg.Cycles)
	}
	cycles := cfg.Cycles
	if cycles == nil {
		cycles = platform.SystemCycles{}
	}

	for i := 0; i < cfg.NumCPUs; i++ {
		offset := cycles.ReadCycles()
		cpu := newCPU(i, cycles, cyclesPerMicro, offset)
		idle := NewThread(s.allocThreadID(), "idle", nil, NumPriorities-1)
		idle.isIdle = true
		idle.state = Ready
		cpu.idleThread = idle
		s.cpus = append(s.cpus, cpu)
	}
	return s
}

// CPUs returns the scheduler's CPU table.
func (s *Scheduler) CPUs() []*CPU { return s.cpus }

func (s *Scheduler) allocThreadID() uint64 {
	return atomic.AddUint64(&s.nextThreadID, 1)
}

// NewThread allocates a thread id and constructs a ready thread not yet
// admitted to any CPU; call InsertThread to admit it.
func (s *Scheduler) NewThread(name string, proc *Process, priority int) *Thread {
	return NewThread(s.allocThreadID(), name, proc, priority)
}

// InsertThread admits a ready thread to a CPU chosen by load balancing
// (§4.4 sched_insert_thread): on a single-CPU system the current CPU (cpu0,
// since the host simulation has no notion of "the CPU this call runs on")
// is used; otherwise the first CPU whose total is strictly below the
// target average is chosen, falling back to the lowest-id CPU.
func (s *Scheduler) InsertThread(t *Thread) {
	s.globalMu.Lock()
	s.globalRunning++
	global := s.globalRunning // already includes this thread, i.e. "+1" from §4.4
	s.globalMu.Unlock()

	avg := ceilDiv(global, len(s.cpus))

	cpu := s.cpus[0]
	if len(s.cpus) > 1 {
		chosen := false
		for _, c := range s.cpus {
			if c.Total() < avg {
				cpu = c
				chosen = true
				break
			}
		}
		if !chosen {
			cpu = s.cpus[0]
		}
	}

	s.adjustPriority(t)

	cpu.mu.Lock()
	t.state = Ready
	t.affinity = cpu.id
	cpu.active.enqueue(t)
	cpu.total++
	cpu.mu.Unlock()

	s.metrics.RecordSchedAdmission()
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return a
	}
	return (a + b - 1) / b
}

// rescheduleReason distinguishes why the outgoing thread is leaving the
// CPU, which decides which queue a still-Running thread is demoted to
// (§4.4): a quantum expiry demotes onto the expired queue so that every
// ready thread at a priority runs once before any of them runs a second
// time (round-robin within priority); a voluntary yield keeps the thread
// eligible this round by returning it to active. Block and exit never
// re-enqueue the outgoing thread at all.
type rescheduleReason int

const (
	reasonYield rescheduleReason = iota
	reasonPreempt
	reasonBlock
	reasonExit
)

// Reschedule runs the core scheduling decision on cpuID (§4.4
// sched_reschedule) as if entered from the timer-interrupt return path: an
// outgoing Running thread is necessarily quantum-exhausted here, so it is
// demoted onto the expired queue. Explicit yield/block/exit go through
// Yield, Sleep and Exit instead, which classify the outgoing thread
// correctly.
func (s *Scheduler) Reschedule(cpuID int) {
	s.reschedule(cpuID, reasonPreempt)
}

// Tick drives cpuID's timer wheel for one platform tick and performs the
// reschedule if a timer fired requesting one. DoClockTick runs in
// (simulated) interrupt context and only sets a flag; Tick is the
// ISR-return half of preemption (§4.3, §9 design note) where the flag is
// acted on. A platform.TimerDriver calls this once per tick via TickSink.
func (s *Scheduler) Tick(cpuID int) {
	cpu := s.cpus[cpuID]
	if cpu.timer.DoClockTick() {
		s.reschedule(cpuID, reasonPreempt)
	}
}

// TickSink binds cpuID to this scheduler as a platform.TickSink, for
// registration with a platform.TimerDriver.
func (s *Scheduler) TickSink(cpuID int) platform.TickSink {
	return cpuTickSink{s: s, cpuID: cpuID}
}

type cpuTickSink struct {
	s     *Scheduler
	cpuID int
}

func (c cpuTickSink) OnTick() { c.s.Tick(c.cpuID) }

func (s *Scheduler) reschedule(cpuID int, reason rescheduleReason) {
	cpu := s.cpus[cpuID]

	cpu.mu.Lock()
	prev := cpu.current

	if prev != nil && prev != cpu.idleThread {
		switch prev.state {
		case Running:
			prev.state = Ready
			if reason == reasonPreempt {
				cpu.expired.enqueue(prev)
			} else {
				cpu.active.enqueue(prev)
			}
		case Sleeping:
			cpu.total--
			s.decGlobalRunning()
		case Dead:
			cpu.total--
			s.decGlobalRunning()
		}
	}

	if cpu.preemptTimer != nil {
		cpu.timer.Cancel(cpu.preemptTimer)
		cpu.preemptTimer = nil
	}

	next := cpu.active.dequeueHighest()
	if next == nil {
		cpu.active, cpu.expired = cpu.expired, cpu.active
		next = cpu.active.dequeueHighest()
	}
	if next == nil {
		next = cpu.idleThread
	}

	next.state = Running
	next.affinity = cpu.id
	if next.isIdle {
		next.quantum = 0
	} else {
		next.quantum = ThreadQuantum
	}

	cpu.prevThread = prev
	cpu.current = next
	quantum := next.quantum
	cpu.mu.Unlock()

	var armed *Timer
	if quantum > 0 {
		armed = cpu.timer.Set(uint64(quantum)*tickGranularityMicros, func() {
			next.quantum = 0
			cpu.markNeedResched()
		})
	}
	cpu.mu.Lock()
	cpu.preemptTimer = armed
	cpu.mu.Unlock()

	s.addrSwitch.Switch(procOf(next))
	s.ctxSwitch.Switch(prev, next)

	s.metrics.RecordSchedReschedule()
	if reason == reasonPreempt {
		s.metrics.RecordSchedPreemption()
	}

	s.postSwitch(cpu, prev)
}

// tickGranularityMicros is the platform timer's fixed tick granularity
// (§1 "a programmable one-shot timer"); ten milliseconds, a conventional
// kernel HZ=100 tick length.
const tickGranularityMicros = 10_000

func procOf(t *Thread) *Process {
	if t == nil {
		return nil
	}
	return t.Process
}

func (s *Scheduler) decGlobalRunning() {
	s.globalMu.Lock()
	s.globalRunning--
	s.globalMu.Unlock()
}

// postSwitch queues a previously-dead outgoing thread to the reaper
// (§4.4 sched_post_switch).
func (s *Scheduler) postSwitch(cpu *CPU, prev *Thread) {
	if prev != nil && prev.state == Dead {
		if prev.Process != nil {
			prev.Process.addCPUTime(uint64(ThreadQuantum - prev.quantum))
		}
		s.reaper.enqueue(prev)
	}
}

// Exit marks the current thread on cpuID dead and immediately reschedules;
// the reaper later frees its resources (§4.4 state machine, "exit").
func (s *Scheduler) Exit(cpuID int, status int) {
	cpu := s.cpus[cpuID]
	cpu.mu.Lock()
	t := cpu.current
	cpu.mu.Unlock()
	if t == nil || t.isIdle {
		return
	}
	t.state = Dead
	if t.Process != nil {
		t.Process.ExitStatus = status
		t.Process.removeThread(t.ID)
	}
	s.reschedule(cpuID, reasonExit)
}

// Sleep transitions the current thread on cpuID to sleeping and
// reschedules (§4.4 "block").
func (s *Scheduler) Sleep(cpuID int) {
	cpu := s.cpus[cpuID]
	cpu.mu.Lock()
	t := cpu.current
	cpu.mu.Unlock()
	if t == nil || t.isIdle {
		return
	}
	t.state = Sleeping
	s.reschedule(cpuID, reasonBlock)
}

// Wake transitions a sleeping thread back to ready and re-admits it
// (§4.4 "wake").
func (s *Scheduler) Wake(t *Thread) {
	if t.state != Sleeping {
		return
	}
	t.state = Ready
	s.globalMu.Lock()
	s.globalRunning++
	s.globalMu.Unlock()
	cpu := s.cpus[0]
	if t.affinity >= 0 && t.affinity < len(s.cpus) {
		cpu = s.cpus[t.affinity]
	}
	cpu.mu.Lock()
	cpu.active.enqueue(t)
	cpu.total++
	cpu.mu.Unlock()
}

// Yield voluntarily gives up the remainder of the current thread's quantum
// on cpuID.
func (s *Scheduler) Yield(cpuID int) {
	cpu := s.cpus[cpuID]
	cpu.mu.Lock()
	if cpu.current != nil {
		cpu.current.quantum = 0
	}
	cpu.mu.Unlock()
	s.reschedule(cpuID, reasonYield)
}

// Reaper exposes the scheduler's reaper thread for driving it explicitly
// (e.g. in tests) or wiring it into InsertThread as a real scheduled thread.
func (s *Scheduler) Reaper() *reaper { return s.reaper }

// GlobalRunning reports the total ready+running thread count across all
// CPUs, used by load-balancing and by tests.
func (s *Scheduler) GlobalRunning() int {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	return s.globalRunning
}
