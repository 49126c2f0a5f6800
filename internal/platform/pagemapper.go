// Package platform provides the host-side implementations of the
// collaborators the kernel core treats as external (§4.6, §6 of the design):
// page mapping, the platform timer tick, CMOS/RTC time, and cycle-counter
// calibration. None of these are the subject of the core — the core only
// consumes the interfaces declared here.
package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is the platform's MMU page size. A single hardware platform is
// assumed; multi-architecture support is out of scope (§1 Non-goals).
const PageSize = 4096

// PageMapper backs a growable virtual range. A real port would walk page
// tables and handle physical frame allocation; this host simulation reserves
// the full maximum range once with PROT_NONE and commits/decommits pages
// with mprotect as the range grows or contracts, mirroring the reserve/commit
// split used by most userspace arena allocators.
type PageMapper interface {
	// Reserve reserves n bytes, rounded up to a page boundary, with no
	// backing storage committed. The returned slice has length n but every
	// byte faults until Grow commits it.
	Reserve(n int) (mem []byte, err error)
	// Grow commits mem[oldLen:newLen] for access governed by flags.
	Grow(mem []byte, oldLen, newLen int, flags MapFlags) error
	// Shrink decommits mem[newLen:oldLen]; re-accessing it before a
	// subsequent Grow is a fault, in real hardware and here alike.
	Shrink(mem []byte, oldLen, newLen int) error
	// Release releases the entire reservation.
	Release(mem []byte) error
}

// MapFlags carries a heap pool's access policy (§3 Heap Pool attributes
// "supervisor", "readonly") down to the page mapper so Grow can commit
// pages with the right protection instead of always mapping read-write.
type MapFlags struct {
	// Supervisor marks the range as kernel-only. POSIX mmap/mprotect has
	// no user/supervisor (ring) permission bit to enforce this with in an
	// unprivileged process — x86's page-table U/S bit has no mmap-level
	// equivalent — so this field is recorded for collaborator-contract
	// parity with the original design but does not change the protection
	// bits this host simulation requests.
	Supervisor bool
	// ReadOnly, when set, commits the range without PROT_WRITE.
	ReadOnly bool
}

// RoundUpPage rounds n up to the next multiple of PageSize.
func RoundUpPage(n int) int {
	if n%PageSize == 0 {
		return n
	}
	return n + (PageSize - n%PageSize)
}

// MmapPageMapper implements PageMapper on top of anonymous mmap + mprotect.
type MmapPageMapper struct{}

func NewMmapPageMapper() *MmapPageMapper { return &MmapPageMapper{} }

func (MmapPageMapper) Reserve(n int) ([]byte, error) {
	n = RoundUpPage(n)
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("platform: reserve %d bytes: %w", n, err)
	}
	return mem, nil
}

func (MmapPageMapper) Grow(mem []byte, oldLen, newLen int, flags MapFlags) error {
	if newLen <= oldLen {
		return nil
	}
	prot := unix.PROT_READ
	if !flags.ReadOnly {
		prot |= unix.PROT_WRITE
	}
	if err := unix.Mprotect(mem[oldLen:newLen], prot); err != nil {
		return fmt.Errorf("platform: commit [%d:%d): %w", oldLen, newLen, err)
	}
	return nil
}

func (MmapPageMapper) Shrink(mem []byte, oldLen, newLen int) error {
	if newLen >= oldLen {
		return nil
	}
	_ = unix.Madvise(mem[newLen:oldLen], unix.MADV_DONTNEED)
	if err := unix.Mprotect(mem[newLen:oldLen], unix.PROT_NONE); err != nil {
		return fmt.Errorf("platform: decommit [%d:%d): %w", newLen, oldLen, err)
	}
	return nil
}

func (MmapPageMapper) Release(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("platform: release: %w", err)
	}
	return nil
}
