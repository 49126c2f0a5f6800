package platform

import (
	"sync"
	"time"
)

// TickSink receives the platform timer's interrupt, once per CPU, at a fixed
// granularity (§4.6 "Platform Timer"). Implementations live in internal/sched.
type TickSink interface {
	OnTick()
}

// TimerDriver fires a TickSink at a fixed granularity, standing in for the
// PIT/APIC timer interrupt. It is started once per CPU.
type TimerDriver struct {
	granularity time.Duration
	sink        TickSink

	mu      sync.Mutex
	ticker  *time.Ticker
	stopped chan struct{}
}

// NewTimerDriver creates a driver that calls sink.OnTick() every granularity.
func NewTimerDriver(granularity time.Duration, sink TickSink) *TimerDriver {
	return &TimerDriver{granularity: granularity, sink: sink}
}

// Start begins delivering ticks on a background goroutine.
func (d *TimerDriver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ticker != nil {
		return
	}
	d.ticker = time.NewTicker(d.granularity)
	d.stopped = make(chan struct{})
	ticker := d.ticker
	stopped := d.stopped
	go func() {
		for {
			select {
			case <-ticker.C:
				d.sink.OnTick()
			case <-stopped:
				return
			}
		}
	}()
}

// Stop halts tick delivery. Safe to call more than once.
func (d *TimerDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ticker == nil {
		return
	}
	d.ticker.Stop()
	close(d.stopped)
	d.ticker = nil
}
