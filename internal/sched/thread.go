// Package sched implements the priority-preemptive multiprocessor scheduler
// (§3, §4.4): per-CPU active/expired run queues, load-balanced thread
// admission, a timer-wheel-driven preemption path, and the idle/reaper
// threads. Threads and mounts live in explicit, id-keyed collections rather
// than intrusive link-list fields (§9 design note).
package sched

import (
	"sync"
	"sync/atomic"

	"github.com/racoonbattle/matrix/internal/vfs"
)

// NumPriorities is the number of run-queue priority levels, 0 highest.
const NumPriorities = 32

// ThreadQuantum is the number of timer ticks a thread runs before a
// mandatory reschedule (§4.4).
const ThreadQuantum = 5

// ThreadState is a node in the thread state machine (§4.4).
type ThreadState int

const (
	Ready ThreadState = iota
	Running
	Sleeping
	Dead
)

func (s ThreadState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// ProcessState tracks process lifecycle (§3).
type ProcessState int

const (
	ProcessRunning ProcessState = iota
	ProcessDead
)

// Process owns a set of threads and aggregates their CPU time (§3), with
// process-keyed stats as a supplemented feature beyond the base design.
//
// §3 also names an address-space handle, a file-descriptor table, and a
// root/cwd VFS node as Process attributes. Address-space switching is
// itself out of scope (§1 Non-goals, no demand paging/user-space ABI), so
// AddrSpace is carried only as an opaque handle a caller may attach; the
// file-descriptor table and root/cwd nodes are real, since VFS.Lookup's
// relative-path branch depends on a process actually supplying a cwd.
type Process struct {
	ID         uint64
	ExitStatus int
	AddrSpace  interface{}

	mu           sync.Mutex
	state        ProcessState
	threads      map[uint64]*Thread
	cpuTimeTicks uint64

	root  *vfs.Node
	cwd   *vfs.Node
	files map[int]*vfs.Node
	nextFD int
}

func NewProcess(id uint64) *Process {
	return &Process{ID: id, state: ProcessRunning, threads: make(map[uint64]*Thread), files: make(map[int]*vfs.Node)}
}

// SetRoot attaches the process's root VFS node (§3), transferring
// ownership of the caller's reference to the process.
func (p *Process) SetRoot(n *vfs.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root != nil {
		p.root.Deref()
	}
	p.root = n
}

// Root returns the process's root VFS node, or nil if none was set.
func (p *Process) Root() *vfs.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root
}

// SetCwd attaches the process's current-working-directory VFS node (§3),
// transferring ownership of the caller's reference to the process. This
// is the base node VFS.Lookup's relative-path branch resolves against.
func (p *Process) SetCwd(n *vfs.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cwd != nil {
		p.cwd.Deref()
	}
	p.cwd = n
}

// Cwd returns the process's current-working-directory VFS node, or nil
// if none was set.
func (p *Process) Cwd() *vfs.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

// AddFile installs node in the process's file-descriptor table (§3) and
// returns the assigned descriptor, taking ownership of the caller's
// reference.
func (p *Process) AddFile(n *vfs.Node) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := p.nextFD
	p.nextFD++
	p.files[fd] = n
	return fd
}

// File looks up a descriptor in the process's file-descriptor table.
func (p *Process) File(fd int) (*vfs.Node, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.files[fd]
	return n, ok
}

// CloseFile removes and derefs the node behind fd, reporting whether fd
// was open.
func (p *Process) CloseFile(fd int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.files[fd]
	if !ok {
		return false
	}
	delete(p.files, fd)
	n.Deref()
	return true
}

func (p *Process) addThread(t *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads[t.ID] = t
}

func (p *Process) removeThread(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.threads, id)
	if len(p.threads) == 0 {
		p.state = ProcessDead
	}
}

// ThreadCount reports the number of live threads still owned by the process.
func (p *Process) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// CPUTimeTicks reports the ticks credited to the process as its threads
// exit: each exiting thread adds ThreadQuantum minus its remaining quantum
// at exit. Threads still live contribute nothing.
func (p *Process) CPUTimeTicks() uint64 {
	return atomic.LoadUint64(&p.cpuTimeTicks)
}

func (p *Process) addCPUTime(ticks uint64) {
	atomic.AddUint64(&p.cpuTimeTicks, ticks)
}

// Thread is a schedulable unit of execution (§3).
type Thread struct {
	ID       uint64
	Name     string
	Process  *Process
	Priority int // 0 highest ... NumPriorities-1 lowest

	quantum  int // remaining-quantum ticks
	state    ThreadState
	affinity int // CPU last scheduled on, -1 if never scheduled

	isIdle bool
}

// NewThread creates a ready thread not yet admitted to any CPU.
func NewThread(id uint64, name string, proc *Process, priority int) *Thread {
	if priority < 0 {
		priority = 0
	}
	if priority >= NumPriorities {
		priority = NumPriorities - 1
	}
	t := &Thread{
		ID:       id,
		Name:     name,
		Process:  proc,
		Priority: priority,
		state:    Ready,
		affinity: -1,
	}
	if proc != nil {
		proc.addThread(t)
	}
	return t
}

// State returns the thread's current lifecycle state.
func (t *Thread) State() ThreadState { return t.state }

// Quantum returns remaining quantum ticks.
func (t *Thread) Quantum() int { return t.quantum }

// Affinity returns the CPU the thread last ran on, or -1.
func (t *Thread) Affinity() int { return t.affinity }
