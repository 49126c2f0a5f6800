// Package telemetry's metrics half collects atomic counters for the
// kernel core's own operations (pool grow/contract, slab creation/release,
// scheduler admission/reschedule, VFS lookup/mount) and exposes them
// through a hand-written Prometheus-text exporter, no client library.
package telemetry

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// MetricsCollector accumulates counters for the kernel core's operations:
// plain int64 fields touched only through sync/atomic, no locking on the
// hot path.
type MetricsCollector struct {
	heapAllocs    int64
	heapFrees     int64
	heapGrows     int64
	heapContracts int64
	heapOOM       int64

	slabNewSlabs     int64
	slabReleasedSlabs int64

	schedAdmissions  int64
	schedReschedules int64
	schedPreemptions int64
	schedReaped      int64

	vfsLookups  int64
	vfsMounts   int64
	vfsUmounts  int64
	vfsCreates  int64
	vfsMisses   int64 // cache misses serviced by read_node
}

// NewMetricsCollector returns a zeroed collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

func (mc *MetricsCollector) RecordHeapAlloc()    { atomic.AddInt64(&mc.heapAllocs, 1) }
func (mc *MetricsCollector) RecordHeapFree()     { atomic.AddInt64(&mc.heapFrees, 1) }
func (mc *MetricsCollector) RecordHeapGrow()     { atomic.AddInt64(&mc.heapGrows, 1) }
func (mc *MetricsCollector) RecordHeapContract() { atomic.AddInt64(&mc.heapContracts, 1) }
func (mc *MetricsCollector) RecordHeapOOM()      { atomic.AddInt64(&mc.heapOOM, 1) }

func (mc *MetricsCollector) RecordSlabNew()      { atomic.AddInt64(&mc.slabNewSlabs, 1) }
func (mc *MetricsCollector) RecordSlabReleased() { atomic.AddInt64(&mc.slabReleasedSlabs, 1) }

func (mc *MetricsCollector) RecordSchedAdmission()  { atomic.AddInt64(&mc.schedAdmissions, 1) }
func (mc *MetricsCollector) RecordSchedReschedule() { atomic.AddInt64(&mc.schedReschedules, 1) }
func (mc *MetricsCollector) RecordSchedPreemption() { atomic.AddInt64(&mc.schedPreemptions, 1) }
func (mc *MetricsCollector) RecordSchedReaped(n int) {
	atomic.AddInt64(&mc.schedReaped, int64(n))
}

func (mc *MetricsCollector) RecordVFSLookup()  { atomic.AddInt64(&mc.vfsLookups, 1) }
func (mc *MetricsCollector) RecordVFSMount()   { atomic.AddInt64(&mc.vfsMounts, 1) }
func (mc *MetricsCollector) RecordVFSUmount()  { atomic.AddInt64(&mc.vfsUmounts, 1) }
func (mc *MetricsCollector) RecordVFSCreate()  { atomic.AddInt64(&mc.vfsCreates, 1) }
func (mc *MetricsCollector) RecordVFSCacheMiss() { atomic.AddInt64(&mc.vfsMisses, 1) }

// ExportPrometheusMetrics renders the current counters as Prometheus text
// exposition format for a /metrics handler to serve directly.
func (mc *MetricsCollector) ExportPrometheusMetrics() string {
	var b strings.Builder

	line := func(help, typ, name string, v int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", name, help, name, typ, name, v)
	}

	line("Heap blocks allocated", "counter", "matrix_heap_allocs_total", atomic.LoadInt64(&mc.heapAllocs))
	line("Heap blocks freed", "counter", "matrix_heap_frees_total", atomic.LoadInt64(&mc.heapFrees))
	line("Heap pool growth events", "counter", "matrix_heap_grows_total", atomic.LoadInt64(&mc.heapGrows))
	line("Heap pool contraction events", "counter", "matrix_heap_contracts_total", atomic.LoadInt64(&mc.heapContracts))
	line("Heap allocations that failed with out-of-memory", "counter", "matrix_heap_oom_total", atomic.LoadInt64(&mc.heapOOM))

	line("Slabs created", "counter", "matrix_slab_new_total", atomic.LoadInt64(&mc.slabNewSlabs))
	line("Slabs released back to the heap", "counter", "matrix_slab_released_total", atomic.LoadInt64(&mc.slabReleasedSlabs))

	line("Threads admitted to a CPU run queue", "counter", "matrix_sched_admissions_total", atomic.LoadInt64(&mc.schedAdmissions))
	line("Reschedule decisions made", "counter", "matrix_sched_reschedules_total", atomic.LoadInt64(&mc.schedReschedules))
	line("Quantum-expiry preemptions", "counter", "matrix_sched_preemptions_total", atomic.LoadInt64(&mc.schedPreemptions))
	line("Threads reaped", "counter", "matrix_sched_reaped_total", atomic.LoadInt64(&mc.schedReaped))

	line("Path lookups performed", "counter", "matrix_vfs_lookups_total", atomic.LoadInt64(&mc.vfsLookups))
	line("Mounts established", "counter", "matrix_vfs_mounts_total", atomic.LoadInt64(&mc.vfsMounts))
	line("Mounts torn down", "counter", "matrix_vfs_umounts_total", atomic.LoadInt64(&mc.vfsUmounts))
	line("Nodes created", "counter", "matrix_vfs_creates_total", atomic.LoadInt64(&mc.vfsCreates))
	line("Node-cache misses serviced by read_node", "counter", "matrix_vfs_cache_misses_total", atomic.LoadInt64(&mc.vfsMisses))

	return b.String()
}
