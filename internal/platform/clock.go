package platform

import (
	"time"
)

// BrokenDownTime mirrors a CMOS/RTC register layout (century, year, month,
// day, hour, minute, second) rather than collapsing straight to a single
// UTC instant, since real RTC hardware exposes these fields individually
// and callers may want them broken out (§4.3/§4.6).
type BrokenDownTime struct {
	Century int
	Year    int // two-digit year within the century
	Month   int
	Day     int
	Hour    int
	Minute  int
	Second  int
}

// UnixSeconds converts the broken-down time to seconds since the Unix epoch.
func (b BrokenDownTime) UnixSeconds() int64 {
	year := b.Century*100 + b.Year
	t := time.Date(year, time.Month(b.Month), b.Day, b.Hour, b.Minute, b.Second, 0, time.UTC)
	return t.Unix()
}

// CMOS reads the real-time clock once at boot to anchor Unix time (§4.3).
type CMOS interface {
	ReadTime() BrokenDownTime
}

// SystemCMOS reads the host's wall clock, used when no CMOS chip is present.
type SystemCMOS struct{}

func (SystemCMOS) ReadTime() BrokenDownTime {
	now := time.Now().UTC()
	year := now.Year()
	return BrokenDownTime{
		Century: year / 100,
		Year:    year % 100,
		Month:   int(now.Month()),
		Day:     now.Day(),
		Hour:    now.Hour(),
		Minute:  now.Minute(),
		Second:  now.Second(),
	}
}

// Cycles returns a monotonic cycle counter, standing in for rdtsc (§4.3).
// The host simulation uses nanoseconds since it has no cycle-accurate
// counter; cycles-per-microsecond calibration therefore comes out at
// roughly 1000, computed by CalibrateCycles below rather than hardcoded, so the rest of
// the core never assumes a fixed ratio.
type Cycles interface {
	ReadCycles() uint64
}

// SystemCycles implements Cycles with time.Now().UnixNano(), treating one
// nanosecond as one "cycle" — monotonic and cheap, matching rdtsc's role.
type SystemCycles struct{}

func (SystemCycles) ReadCycles() uint64 { return uint64(time.Now().UnixNano()) }

// CalibrateCycles sleeps for interval and derives cycles-per-microsecond
// from the cycles that elapsed, restoring cpu.c's CPUID calibration loop
// (SPEC_FULL.md supplement #7). interval should be long enough for the
// Cycles source to advance measurably (≥1ms recommended).
func CalibrateCycles(c Cycles, interval time.Duration) uint64 {
	start := c.ReadCycles()
	time.Sleep(interval)
	end := c.ReadCycles()
	elapsedCycles := end - start
	micros := uint64(interval / time.Microsecond)
	if micros == 0 {
		micros = 1
	}
	cpm := elapsedCycles / micros
	if cpm == 0 {
		cpm = 1
	}
	return cpm
}
