package hypervisor

import "unsafe"

// Full Linux direct-boot (ELF64 kernel + zero-page boot params) is an
// external collaborator per spec.md §1 ("kernel ELF loader" is explicitly
// out of scope; only its interface is specified). LoadFlatBinary is the
// narrow primitive the core itself depends on: copy an already-assembled
// guest image into memory and point a vCPU's registers at it. It is what
// the external loader would ultimately call after it has done ELF
// parsing and boot-param construction.
func LoadFlatBinary(mem *GuestMemory, image []byte, loadAddr uint64) error {
	return mem.WriteAt(loadAddr, image)
}

// SetupFlatSegments configures CS/DS/ES/FS/GS/SS as flat 4GiB segments and
// positions RIP at entryPoint, matching the real-mode-to-protected-mode
// convention the teacher's VCPU.initRegisters used for its boot tests.
func SetupFlatSegments(vcpuFD int, entryPoint, stackTop uint64) error {
	sregs, err := GetSregs(vcpuFD)
	if err != nil {
		return err
	}

	flatCode := KvmSegment{Base: 0, Limit: 0xFFFFFFFF, Type: 11, Present: 1, DB: 1, S: 1, G: 1}
	flatData := KvmSegment{Base: 0, Limit: 0xFFFFFFFF, Type: 3, Present: 1, DB: 1, S: 1, G: 1}

	sregs.CS = flatCode
	sregs.DS = flatData
	sregs.ES = flatData
	sregs.FS = flatData
	sregs.GS = flatData
	sregs.SS = flatData
	sregs.CR0 &^= 1 // real mode: PE bit clear

	if err := SetSregs(vcpuFD, sregs); err != nil {
		return err
	}

	regs := &KvmRegs{RFLAGS: 0x2, RIP: entryPoint, RSP: stackTop}
	return SetRegs(vcpuFD, regs)
}

// BootParams is the minimal architecture boot descriptor spec.md §4.4
// step 6 calls for ("E820 equivalent, vCPU count"). A full zero-page
// (Linux boot protocol's struct boot_params, with its real E820 map) is
// the external kernel loader's job per spec.md §1; this is the narrow
// primitive the core writes itself before entering the guest.
type BootParams struct {
	E820Entries uint8
	_           [3]byte
	VCPUCount   uint32
}

// WriteBootParams writes a BootParams descriptor into guest memory at addr.
func WriteBootParams(mem *GuestMemory, addr uint64, vcpuCount int) error {
	bp := BootParams{VCPUCount: uint32(vcpuCount)}
	buf := (*[unsafe.Sizeof(BootParams{})]byte)(unsafe.Pointer(&bp))[:]
	return mem.WriteAt(addr, buf)
}
