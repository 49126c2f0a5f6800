package sched

import (
	"sync"
	"testing"

	"github.com/racoonbattle/matrix/internal/platform"
	"github.com/racoonbattle/matrix/internal/vfs"
)

// fakeCycles is a manually-advanced platform.Cycles so reschedule/timer
// tests run on deterministic ticks instead of wall-clock time.
type fakeCycles struct{ now uint64 }

func (f *fakeCycles) ReadCycles() uint64 { return f.now }
func (f *fakeCycles) advance(d uint64)   { f.now += d }

func newTestScheduler(t *testing.T, numCPUs int) (*Scheduler, *fakeCycles) {
	t.Helper()
	fc := &fakeCycles{now: 1000}
	s := New(Config{
		NumCPUs: numCPUs,
		Cycles:  fc,
		Calibrate: func(platform.Cycles) uint64 {
			return 1 // one cycle per microsecond
		},
	})
	return s, fc
}

func TestInsertThreadAdmitsReady(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	proc := NewProcess(1)
	th := s.NewThread("worker", proc, 5)
	s.InsertThread(th)

	if got := s.CPUs()[0].Total(); got != 1 {
		t.Fatalf("cpu0 Total() = %d, want 1", got)
	}
	if th.State() != Ready {
		t.Fatalf("thread state = %v, want Ready", th.State())
	}
}

// TestPriorityInvariant checks §8's core scheduling invariant: with both a
// high- and low-priority thread ready on the same CPU, Reschedule always
// picks the higher-priority (lower-numbered) one first.
func TestPriorityInvariant(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	proc := NewProcess(1)

	low := s.NewThread("low", proc, 20)
	high := s.NewThread("high", proc, 2)
	s.InsertThread(low)
	s.InsertThread(high)

	s.Reschedule(0)
	cur := s.CPUs()[0].Current()
	if cur != high {
		t.Fatalf("scheduled thread = %q (priority %d), want %q (priority %d)",
			cur.Name, cur.Priority, high.Name, high.Priority)
	}
}

// TestFairnessWithinPriority checks that N threads at the same priority
// each get a turn before any of them runs twice (round-robin via the
// active/expired queue swap).
func TestFairnessWithinPriority(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	proc := NewProcess(1)

	const n = 5
	threads := make([]*Thread, n)
	for i := 0; i < n; i++ {
		th := s.NewThread("worker", proc, 10)
		threads[i] = th
		s.InsertThread(th)
	}

	seen := make(map[uint64]int)
	for i := 0; i < n; i++ {
		s.Reschedule(0)
		cur := s.CPUs()[0].Current()
		if cur == nil || cur.isIdle {
			t.Fatalf("reschedule #%d picked no real thread", i)
		}
		seen[cur.ID]++
	}

	if len(seen) != n {
		t.Fatalf("round-robin visited %d distinct threads in %d reschedules, want %d", len(seen), n, n)
	}
	for _, th := range threads {
		if seen[th.ID] != 1 {
			t.Fatalf("thread %d scheduled %d times in one round, want exactly 1", th.ID, seen[th.ID])
		}
	}
}

func TestReaperRoundTrip(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	proc := NewProcess(1)

	var released []*Thread
	s.Reaper().SetRelease(func(th *Thread) {
		released = append(released, th)
	})

	th := s.NewThread("transient", proc, 10)
	s.InsertThread(th)
	s.Reschedule(0) // th becomes current

	s.Exit(0, 0)

	if n := s.Reaper().Drain(); n != 1 {
		t.Fatalf("Drain() = %d, want 1", n)
	}
	if len(released) != 1 || released[0] != th {
		t.Fatalf("release hook did not run for the exited thread")
	}
	if proc.ThreadCount() != 0 {
		t.Fatalf("process ThreadCount() = %d, want 0 after reap", proc.ThreadCount())
	}
	if s.Reaper().Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 after Drain", s.Reaper().Pending())
	}
}

func TestYieldReturnsThreadToActive(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	proc := NewProcess(1)

	a := s.NewThread("a", proc, 10)
	b := s.NewThread("b", proc, 10)
	s.InsertThread(a)
	s.InsertThread(b)

	s.Reschedule(0)
	first := s.CPUs()[0].Current()

	s.Yield(0)
	second := s.CPUs()[0].Current()
	if second == first {
		t.Fatalf("Yield did not switch to the other ready thread")
	}
	if first.State() != Ready {
		t.Fatalf("yielded thread state = %v, want Ready", first.State())
	}
}

// TestQuantumExpiryPreemption drives the timer wheel forward past a
// thread's quantum and checks Tick() performs the preemption automatically.
func TestQuantumExpiryPreemption(t *testing.T) {
	s, fc := newTestScheduler(t, 1)
	proc := NewProcess(1)

	a := s.NewThread("a", proc, 10)
	b := s.NewThread("b", proc, 10)
	s.InsertThread(a)
	s.InsertThread(b)

	s.Reschedule(0)
	running := s.CPUs()[0].Current()

	fc.advance(uint64(ThreadQuantum) * tickGranularityMicros)
	s.Tick(0)

	next := s.CPUs()[0].Current()
	if next == running {
		t.Fatal("Tick() did not preempt the quantum-exhausted thread")
	}
	if running.State() != Ready {
		t.Fatalf("preempted thread state = %v, want Ready", running.State())
	}
}

func TestSleepWakeRoundTrip(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	proc := NewProcess(1)

	th := s.NewThread("sleeper", proc, 10)
	s.InsertThread(th)
	s.Reschedule(0)

	before := s.GlobalRunning()
	s.Sleep(0)
	if th.State() != Sleeping {
		t.Fatalf("state after Sleep = %v, want Sleeping", th.State())
	}
	if s.GlobalRunning() != before-1 {
		t.Fatalf("GlobalRunning() = %d, want %d after sleep", s.GlobalRunning(), before-1)
	}

	s.Wake(th)
	if th.State() != Ready {
		t.Fatalf("state after Wake = %v, want Ready", th.State())
	}
	if s.GlobalRunning() != before {
		t.Fatalf("GlobalRunning() = %d, want %d after wake", s.GlobalRunning(), before)
	}
}

// TestProcessRootCwdAndFiles checks the §3 Process attributes this
// package is responsible for: root/cwd VFS nodes and the file-descriptor
// table. This is also the grounding for VFS.Lookup's relative-path
// branch — a process's cwd is the base node a real caller supplies.
func TestProcessRootCwdAndFiles(t *testing.T) {
	v := vfs.New()
	if err := v.RegisterType(vfs.NewMemType("memfs")); err != nil {
		t.Fatalf("RegisterType: %v", err)
	}
	if err := v.Mount("none", "/", "memfs", nil); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	root := v.Root()
	root.Refer()
	proc := NewProcess(1)
	proc.SetRoot(root)
	root.Refer()
	proc.SetCwd(root)

	if proc.Root() != root {
		t.Fatalf("Root() = %v, want the node passed to SetRoot", proc.Root())
	}
	if proc.Cwd() != root {
		t.Fatalf("Cwd() = %v, want the node passed to SetCwd", proc.Cwd())
	}

	node, err := v.Create("/f", vfs.File)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	found, err := v.Lookup(proc.Cwd(), "f", vfs.File)
	if err != nil {
		t.Fatalf("relative Lookup via Cwd: %v", err)
	}
	node.Deref()

	fd := proc.AddFile(found)
	got, ok := proc.File(fd)
	if !ok || got != found {
		t.Fatalf("File(%d) = (%v, %v), want (%v, true)", fd, got, ok, found)
	}
	if !proc.CloseFile(fd) {
		t.Fatalf("CloseFile(%d) = false, want true", fd)
	}
	if _, ok := proc.File(fd); ok {
		t.Fatalf("File(%d) still present after CloseFile", fd)
	}
}

// TestConcurrentAdmissionAcrossCPUs admits threads from many goroutines
// at once — the real shape of a multiprocessor scheduler, where more
// than one CPU's admission path runs concurrently against the shared
// global run count and per-CPU queues. Run with -race to check
// InsertThread's globalMu/per-CPU mu actually serialize the counters.
func TestConcurrentAdmissionAcrossCPUs(t *testing.T) {
	s, _ := newTestScheduler(t, 4)
	proc := NewProcess(1)

	const goroutines = 16
	const threadsPerGoroutine = 25
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < threadsPerGoroutine; i++ {
				th := s.NewThread("worker", proc, 10)
				s.InsertThread(th)
			}
		}()
	}
	wg.Wait()

	want := goroutines * threadsPerGoroutine
	if got := s.GlobalRunning(); got != want {
		t.Fatalf("GlobalRunning() = %d, want %d", got, want)
	}

	total := 0
	for _, cpu := range s.CPUs() {
		total += cpu.Total()
	}
	if total != want {
		t.Fatalf("sum of per-CPU Total() = %d, want %d", total, want)
	}
}

// TestConcurrentReschedulePerCPU reschedules every CPU from its own
// goroutine simultaneously, mirroring N independent timer interrupts
// landing at once. Each CPU's run queues are private, so this must be
// race-free without any cross-CPU synchronization in the caller.
func TestConcurrentReschedulePerCPU(t *testing.T) {
	s, _ := newTestScheduler(t, 4)
	proc := NewProcess(1)

	// InsertThread's own load balancing (§4.4) spreads these evenly
	// across every CPU, since each CPU's total starts at zero.
	for i := 0; i < 3*len(s.CPUs()); i++ {
		th := s.NewThread("worker", proc, 10)
		s.InsertThread(th)
	}

	var wg sync.WaitGroup
	for _, cpu := range s.CPUs() {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				s.Reschedule(id)
			}
		}(cpu.ID())
	}
	wg.Wait()

	for _, cpu := range s.CPUs() {
		if cpu.Current() == nil {
			t.Fatalf("cpu %d has no current thread after concurrent reschedules", cpu.ID())
		}
	}
}

type countingMetrics struct {
	admissions, reschedules, preemptions, reaped int
}

func (m *countingMetrics) RecordSchedAdmission()  { m.admissions++ }
func (m *countingMetrics) RecordSchedReschedule() { m.reschedules++ }
func (m *countingMetrics) RecordSchedPreemption() { m.preemptions++ }
func (m *countingMetrics) RecordSchedReaped(n int) { m.reaped += n }

func TestMetricsHooksFire(t *testing.T) {
	fc := &fakeCycles{now: 1000}
	m := &countingMetrics{}
	s := New(Config{NumCPUs: 1, Cycles: fc, Metrics: m})
	proc := NewProcess(1)

	th := s.NewThread("worker", proc, 10)
	s.InsertThread(th)
	if m.admissions != 1 {
		t.Fatalf("admissions = %d, want 1", m.admissions)
	}

	s.Reschedule(0)
	if m.reschedules != 1 || m.preemptions != 1 {
		t.Fatalf("reschedules=%d preemptions=%d, want 1 and 1", m.reschedules, m.preemptions)
	}

	s.Exit(0, 0)
	s.Reaper().Drain()
	if m.reaped != 1 {
		t.Fatalf("reaped = %d, want 1", m.reaped)
	}
}
