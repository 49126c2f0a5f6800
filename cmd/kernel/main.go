// cmd/kernel boots a simulated instance of the Matrix kernel core: it
// wires the heap pool, slab caches, per-CPU scheduler and VFS together,
// then runs a small demo workload and serves /healthz and /metrics over
// HTTP.
//
// The boot banner, multiboot parsing and ramdisk loading that a real
// x86 boot entry performs are out of scope (§1); this program stands in
// for them with an ordinary Go process so the core is runnable and
// observable end to end.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/racoonbattle/matrix/internal/heap"
	"github.com/racoonbattle/matrix/internal/platform"
	"github.com/racoonbattle/matrix/internal/sched"
	"github.com/racoonbattle/matrix/internal/slab"
	"github.com/racoonbattle/matrix/internal/telemetry"
	"github.com/racoonbattle/matrix/internal/vfs"
)

const (
	Version = "0.1.0"

	DefaultNumCPUs    = 4
	DefaultHeapStart  = 4096
	DefaultHeapMax    = 64 * 1024 * 1024
	DefaultStackBytes = 4096 // one simulated kernel stack per thread

	DefaultMetricsPort = 9101

	TickGranularity = 10 * time.Millisecond
)

// Kernel owns every core subsystem: heap pool, stack slab cache,
// scheduler, VFS and the telemetry collector shared across them.
type Kernel struct {
	pool       *heap.Pool
	stackCache *slab.Cache
	scheduler  *sched.Scheduler
	vfs        *vfs.VFS
	metrics    *telemetry.MetricsCollector

	stacksMu sync.Mutex
	stacks   map[uint64]slab.Ptr // thread id -> simulated kernel stack

	timers []*platform.TimerDriver

	metricsServer *http.Server
}

// NewKernel assembles the heap pool, the stack slab cache layered on it,
// a per-CPU scheduler, and a mounted root VFS, matching §2's data flow
// (Heap Pool backs Slab Cache backs everything else; CPU Table owns
// Scheduler and Timer Wheel; VFS is orthogonal, heap-backed).
func NewKernel(numCPUs int) (*Kernel, error) {
	metrics := telemetry.NewMetricsCollector()

	mapper := platform.NewMmapPageMapper()
	pool, err := heap.Create(mapper, heap.Config{
		Max:     DefaultHeapMax,
		Initial: DefaultHeapStart,
		Metrics: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: creating heap pool: %w", err)
	}

	stackCache, err := slab.NewCacheWithMetrics(pool, "kstack", DefaultStackBytes, nil, nil, metrics)
	if err != nil {
		return nil, fmt.Errorf("kernel: creating kernel-stack slab cache: %w", err)
	}

	cycles := platform.SystemCycles{}
	scheduler := sched.New(sched.Config{
		NumCPUs: numCPUs,
		Cycles:  cycles,
		Calibrate: func(c platform.Cycles) uint64 {
			return platform.CalibrateCycles(c, 2*time.Millisecond)
		},
		Metrics: metrics,
	})

	vfsCore := vfs.NewWithMetrics(metrics)
	if err := vfsCore.RegisterType(vfs.NewMemType("ramfs")); err != nil {
		return nil, fmt.Errorf("kernel: registering root filesystem type: %w", err)
	}
	if err := vfsCore.Mount("ramdisk0", "/", "ramfs", nil); err != nil {
		return nil, fmt.Errorf("kernel: mounting root filesystem: %w", err)
	}

	k := &Kernel{
		pool:       pool,
		stackCache: stackCache,
		scheduler:  scheduler,
		vfs:        vfsCore,
		metrics:    metrics,
		stacks:     make(map[uint64]slab.Ptr),
	}

	scheduler.Reaper().SetRelease(k.releaseThread)

	for _, cpu := range scheduler.CPUs() {
		driver := platform.NewTimerDriver(TickGranularity, scheduler.TickSink(cpu.ID()))
		k.timers = append(k.timers, driver)
	}

	return k, nil
}

// spawnThread admits a new ready thread to the scheduler, allocating its
// simulated kernel stack from stackCache first (§3 "Thread", §4.2).
func (k *Kernel) spawnThread(name string, proc *sched.Process, priority int) (*sched.Thread, error) {
	stack, err := k.stackCache.Alloc()
	if err != nil {
		return nil, fmt.Errorf("kernel: allocating kernel stack for %q: %w", name, err)
	}
	t := k.scheduler.NewThread(name, proc, priority)
	k.stacksMu.Lock()
	k.stacks[t.ID] = stack
	k.stacksMu.Unlock()
	k.scheduler.InsertThread(t)
	return t, nil
}

// releaseThread frees a reaped thread's simulated kernel stack, matching
// §4.4's reaper ("frees kernel stack, descriptor"). The thread descriptor
// itself is an ordinary Go value and needs no manual release.
func (k *Kernel) releaseThread(t *sched.Thread) {
	k.stacksMu.Lock()
	stack, ok := k.stacks[t.ID]
	delete(k.stacks, t.ID)
	k.stacksMu.Unlock()
	if ok {
		k.stackCache.Free(stack)
	}
}

// Start brings every CPU's timer driver online and begins serving the
// metrics/health endpoints.
func (k *Kernel) Start() error {
	for _, d := range k.timers {
		d.Start()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", k.handleHealth)
	mux.HandleFunc("/metrics", k.handleMetrics)
	k.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", DefaultMetricsPort),
		Handler: mux,
	}
	go func() {
		if err := k.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	return nil
}

// Shutdown stops every CPU's timer and the metrics server.
func (k *Kernel) Shutdown() error {
	for _, d := range k.timers {
		d.Stop()
	}
	if k.metricsServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return k.metricsServer.Shutdown(ctx)
}

func (k *Kernel) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (k *Kernel) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(k.metrics.ExportPrometheusMetrics()))
}

// runDemoWorkload exercises the wired subsystems end to end: it admits a
// handful of CPU-bound threads, creates a VFS entry under a traced
// lookup, and lets the reaper run once a thread exits.
func (k *Kernel) runDemoWorkload() {
	ctx, span := telemetry.StartWorkloadSpan(context.Background(), "demo_workload")
	defer span.End()

	proc := sched.NewProcess(1)

	// Root and cwd are the real caller VFS.Lookup's relative-path branch
	// is for (§3 Process "root/cwd VFS node"); every other lookup in this
	// program resolves an absolute path and never touches that branch.
	root := k.vfs.Root()
	root.Refer()
	proc.SetRoot(root)
	root.Refer()
	proc.SetCwd(root)

	var workers []*sched.Thread
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("worker-%d", i)
		spanCtx, admitSpan := telemetry.StartAdmissionSpan(ctx, name, 7)
		th, err := k.spawnThread(name, proc, 7)
		if err != nil {
			telemetry.RecordError(spanCtx, err)
			log.Printf("spawn %s: %v", name, err)
		} else {
			workers = append(workers, th)
		}
		admitSpan.End()
	}

	// InsertThread's load balancing (§4.4) spread the workers across
	// whichever CPUs had spare capacity; drive each one's reschedule
	// decision directly (standing in for the ISR-return path a real
	// preemption would take) so its admitted thread actually becomes
	// current, then exit it to exercise the reaper end to end (§8
	// scenario 6). A CPU may need more than one reschedule/exit pair if
	// more than one worker landed on it.
	perCPU := make(map[int]int)
	for _, th := range workers {
		perCPU[th.Affinity()]++
	}
	for cpuID, n := range perCPU {
		for i := 0; i < n; i++ {
			_, rescheduleSpan := telemetry.StartRescheduleSpan(ctx, cpuID)
			k.scheduler.Reschedule(cpuID)
			rescheduleSpan.End()
			k.scheduler.Exit(cpuID, 0)
		}
	}

	createCtx, createSpan := telemetry.StartCreateSpan(ctx, "/greeting.txt")
	if _, err := k.vfs.Create("/greeting.txt", vfs.File); err != nil {
		telemetry.RecordError(createCtx, err)
		createSpan.End()
		log.Printf("create /greeting.txt: %v", err)
		return
	}
	createSpan.End()

	// Resolved relative to the process's cwd rather than as an absolute
	// path, so VFS.Lookup's base-node branch actually runs.
	_, lookupSpan := telemetry.StartLookupSpan(ctx, "greeting.txt")
	node, err := k.vfs.Lookup(proc.Cwd(), "greeting.txt", vfs.File)
	lookupSpan.End()
	if err != nil {
		log.Printf("lookup greeting.txt: %v", err)
		return
	}
	defer node.Deref()

	if _, err := k.vfs.Write(node, 0, []byte("hello from the matrix kernel\n")); err != nil {
		log.Printf("write /greeting.txt: %v", err)
	}

	time.Sleep(5 * TickGranularity)
	reaped := k.scheduler.Reaper().Drain()
	log.Printf("demo workload: reaped %d thread(s)", reaped)
}

func main() {
	fmt.Printf("Matrix kernel v%s\n", Version)
	fmt.Println("================================")

	if endpoint := os.Getenv("JAEGER_ENDPOINT"); endpoint != "" {
		if err := telemetry.InitTracing(endpoint); err != nil {
			log.Printf("tracing init skipped: %v", err)
		}
	}

	k, err := NewKernel(DefaultNumCPUs)
	if err != nil {
		log.Fatalf("kernel init: %v", err)
	}

	fmt.Printf("heap pool committed: %d bytes (max %d)\n", k.pool.Len(), DefaultHeapMax)
	fmt.Printf("scheduler: %d CPUs online\n", len(k.scheduler.CPUs()))
	fmt.Println("root filesystem mounted at /")

	if err := k.Start(); err != nil {
		log.Fatalf("kernel start: %v", err)
	}
	fmt.Printf("metrics/health listening on :%d\n", DefaultMetricsPort)

	k.runDemoWorkload()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Printf("tracing shutdown error: %v", err)
	}
	if err := k.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
