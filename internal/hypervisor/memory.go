package hypervisor

import (
	"fmt"
	"syscall"
	"unsafe"
)

// x86_64 boot layout constants (spec.md §4.4 steps 3-4). The 32-bit MMIO
// gap sits below 4GiB so that guest physical memory above it still maps
// contiguously for large-memory guests; anything that would overlap the
// gap is relocated above it, exactly as Firecracker's own x86_64::layout
// does it.
const (
	MMIOGapStart = 0xC000_0000        // 3 GiB
	MMIOGapSize  = 0x2000_0000        // 512 MiB
	MMIOGapEnd   = MMIOGapStart + MMIOGapSize
)

// Region is one contiguous guest-physical memory region backed by an
// anonymous mmap.
type Region struct {
	GuestPhysAddr uint64
	Bytes         []byte
}

// GuestMemory is the set of regions backing a VM, cheaply cloneable by
// reference so vCPU threads can share it without the supervisor (spec.md
// §3 "Ownership summary").
type GuestMemory struct {
	regions []Region
}

// NewGuestMemory mmaps anonymous memory for a guest of memSizeBytes,
// splitting around the MMIO gap when the requested size would otherwise
// overlap it.
func NewGuestMemory(memSizeBytes uint64) (*GuestMemory, error) {
	gm := &GuestMemory{}

	lowSize := memSizeBytes
	if lowSize > MMIOGapStart {
		lowSize = MMIOGapStart
	}
	low, err := mmapAnon(lowSize)
	if err != nil {
		return nil, fmt.Errorf("mmap low region: %w", err)
	}
	gm.regions = append(gm.regions, Region{GuestPhysAddr: 0, Bytes: low})

	if memSizeBytes > MMIOGapStart {
		highSize := memSizeBytes - MMIOGapStart
		high, err := mmapAnon(highSize)
		if err != nil {
			gm.Close()
			return nil, fmt.Errorf("mmap high region: %w", err)
		}
		gm.regions = append(gm.regions, Region{GuestPhysAddr: MMIOGapEnd, Bytes: high})
	}

	return gm, nil
}

func mmapAnon(size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	return syscall.Mmap(-1, 0, int(size),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS|syscall.MAP_NORESERVE)
}

// BindToVM registers every region with KVM via KVM_SET_USER_MEMORY_REGION.
func (gm *GuestMemory) BindToVM(vmFD int) error {
	for i, r := range gm.regions {
		if len(r.Bytes) == 0 {
			continue
		}
		if err := SetUserMemoryRegion(vmFD, uint32(i), r.GuestPhysAddr, uint64(len(r.Bytes)), uint64(uintptr(unsafe.Pointer(&r.Bytes[0])))); err != nil {
			return fmt.Errorf("bind region %d: %w", i, err)
		}
	}
	return nil
}

// WriteAt copies data into guest memory at the given guest physical
// address. All of data must fit inside the single region containing addr;
// a write that runs past that region's end is an error. Used by the kernel/cmdline
// loader (an external collaborator per spec.md §1; this is the minimal
// primitive it would be built on).
func (gm *GuestMemory) WriteAt(addr uint64, data []byte) error {
	for _, r := range gm.regions {
		if addr < r.GuestPhysAddr || addr >= r.GuestPhysAddr+uint64(len(r.Bytes)) {
			continue
		}
		off := addr - r.GuestPhysAddr
		n := copy(r.Bytes[off:], data)
		if n < len(data) {
			return fmt.Errorf("write at 0x%x: %d bytes did not fit in region", addr, len(data))
		}
		return nil
	}
	return fmt.Errorf("write at 0x%x: no backing region", addr)
}

func (gm *GuestMemory) Close() error {
	var firstErr error
	for _, r := range gm.regions {
		if len(r.Bytes) == 0 {
			continue
		}
		if err := syscall.Munmap(r.Bytes); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Regions exposes the backing slices, e.g. for the kernel loader.
func (gm *GuestMemory) Regions() []Region { return gm.regions }
