// Package hypervisor wraps the subset of the KVM ioctl interface the
// supervisor needs: VM/vCPU creation, guest memory regions, the IRQ chip,
// the PIT, and the irqfd/ioeventfd bindings device attach uses (spec.md
// §2.4, §4.4 step 5). Adapted from the teacher's core_engine/hypervisor
// package, with the ioctl numbers now derived from the kernel's own
// encoding (see ioctl.go) instead of hand-picked placeholders, and with
// the IRQ chip / PIT / irqfd / ioeventfd ioctls the teacher never needed.
package hypervisor

import (
	"fmt"
	"syscall"
	"unsafe"
)

const devKVMPath = "/dev/kvm"

var (
	kvmCreateVM            = io(kvmIOCType, 0x01)
	kvmGetVCPUMmapSize      = io(kvmIOCType, 0x04)
	kvmCreateVCPU           = io(kvmIOCType, 0x41)
	kvmRun                  = io(kvmIOCType, 0x80)
	kvmGetRegs              = ior(kvmIOCType, 0x81, unsafe.Sizeof(KvmRegs{}))
	kvmSetRegs              = iow(kvmIOCType, 0x82, unsafe.Sizeof(KvmRegs{}))
	kvmGetSregs             = ior(kvmIOCType, 0x83, unsafe.Sizeof(KvmSregs{}))
	kvmSetSregs             = iow(kvmIOCType, 0x84, unsafe.Sizeof(KvmSregs{}))
	kvmSetUserMemoryRegion  = iow(kvmIOCType, 0x46, unsafe.Sizeof(KvmUserspaceMemoryRegion{}))
	kvmCreateIRQChip        = io(kvmIOCType, 0x60)
	kvmCreatePIT2           = iow(kvmIOCType, 0x77, unsafe.Sizeof(KvmPitConfig{}))
	kvmIRQFd                = iow(kvmIOCType, 0x76, unsafe.Sizeof(KvmIRQFd{}))
	kvmIOEventFd            = iow(kvmIOCType, 0x79, unsafe.Sizeof(KvmIOEventFd{}))
	kvmSetTSSAddr           = io(kvmIOCType, 0x47)
	kvmSetIdentityMapAddr   = iow(kvmIOCType, 0x48, unsafe.Sizeof(uint64(0)))
	kvmIRQLine              = iow(kvmIOCType, 0x61, unsafe.Sizeof(KvmIRQLevel{}))
)

// KVM_EXIT_* reasons (subset relevant to spec.md §4.3's exit-handling table).
const (
	ExitUnknown    uint32 = 0
	ExitIO         uint32 = 2
	ExitHlt        uint32 = 5
	ExitMmio       uint32 = 6
	ExitIRQWindow  uint32 = 7
	ExitShutdown   uint32 = 8
	ExitFailEntry  uint32 = 9
	ExitInternal   uint32 = 17
)

const (
	ExitIODirectionIn  uint8 = 0
	ExitIODirectionOut uint8 = 1
)

type KvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type KvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

type KvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

type KvmDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

type KvmSregs struct {
	CS, DS, ES, FS, GS, SS KvmSegment
	TR, LDT                KvmSegment
	GDT, IDT               KvmDtable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [4]uint64
}

// KvmRun is the mmapped kvm_run structure. The union area that carries
// per-exit-reason data (io/mmio/etc.) is kept as a raw byte slice and
// reinterpreted by the vCPU worker per exit reason, mirroring the C union.
type KvmRun struct {
	RequestInterruptWindow uint8
	_                      [7]byte
	ExitReason             uint32
	ReadyForInterruptInj   uint8
	IfFlag                 uint8
	_                      [2]byte
	CR8                    uint64
	ApicBase               uint64
	Union                  [256]byte
}

// KvmIo mirrors the `io` member of kvm_run's exit union.
type KvmIo struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// KvmMmio mirrors the `mmio` member of kvm_run's exit union.
type KvmMmio struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]byte
}

type KvmPitConfig struct {
	Flags uint32
	_     [15]uint32
}

type KvmIRQFd struct {
	FD     uint32
	GSI    uint32
	Flags  uint32
	RestFD uint32
	_      [16]byte
}

type KvmIOEventFd struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	FD        int32
	Flags     uint32
	_         [36]byte
}

type KvmIRQLevel struct {
	IRQ   uint32
	Level uint32
}

// OpenKVM opens the system-wide /dev/kvm descriptor.
func OpenKVM() (int, error) {
	fd, err := syscall.Open(devKVMPath, syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", devKVMPath, err)
	}
	return fd, nil
}

func doIoctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func CreateVM(kvmFD int) (int, error) {
	r, err := doIoctl(kvmFD, kvmCreateVM, 0)
	return int(r), err
}

func GetVCPUMmapSize(kvmFD int) (int, error) {
	r, err := doIoctl(kvmFD, kvmGetVCPUMmapSize, 0)
	return int(r), err
}

func CreateVCPU(vmFD int, id int) (int, error) {
	r, err := doIoctl(vmFD, kvmCreateVCPU, uintptr(id))
	return int(r), err
}

func SetUserMemoryRegion(vmFD int, slot uint32, guestPhysAddr, size, userspaceAddr uint64) error {
	region := KvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    size,
		UserspaceAddr: userspaceAddr,
	}
	_, err := doIoctl(vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	return err
}

func GetRegs(vcpuFD int) (*KvmRegs, error) {
	var regs KvmRegs
	_, err := doIoctl(vcpuFD, kvmGetRegs, uintptr(unsafe.Pointer(&regs)))
	return &regs, err
}

func SetRegs(vcpuFD int, regs *KvmRegs) error {
	_, err := doIoctl(vcpuFD, kvmSetRegs, uintptr(unsafe.Pointer(regs)))
	return err
}

func GetSregs(vcpuFD int) (*KvmSregs, error) {
	var sregs KvmSregs
	_, err := doIoctl(vcpuFD, kvmGetSregs, uintptr(unsafe.Pointer(&sregs)))
	return &sregs, err
}

func SetSregs(vcpuFD int, sregs *KvmSregs) error {
	_, err := doIoctl(vcpuFD, kvmSetSregs, uintptr(unsafe.Pointer(sregs)))
	return err
}

func Run(vcpuFD int) error {
	_, err := doIoctl(vcpuFD, kvmRun, 0)
	return err
}

// CreateIRQChip installs an emulated (split or in-kernel) PIC/IOAPIC.
func CreateIRQChip(vmFD int) error {
	_, err := doIoctl(vmFD, kvmCreateIRQChip, 0)
	return err
}

// CreatePIT2 installs the in-kernel PIT model.
func CreatePIT2(vmFD int) error {
	cfg := KvmPitConfig{}
	_, err := doIoctl(vmFD, kvmCreatePIT2, uintptr(unsafe.Pointer(&cfg)))
	return err
}

// SetTSSAddr and SetIdentityMapAddr are required on x86 before
// CreateIRQChip when using the in-kernel local APIC.
func SetTSSAddr(vmFD int, addr uint64) error {
	_, err := doIoctl(vmFD, kvmSetTSSAddr, uintptr(addr))
	return err
}

func SetIdentityMapAddr(vmFD int, addr uint64) error {
	_, err := doIoctl(vmFD, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))
	return err
}

// RegisterIRQFd binds an eventfd to a GSI so that writing to it raises the
// corresponding interrupt without a vCPU exit (used by virtio devices).
func RegisterIRQFd(vmFD int, eventFD int, gsi uint32) error {
	irqfd := KvmIRQFd{FD: uint32(eventFD), GSI: gsi}
	_, err := doIoctl(vmFD, kvmIRQFd, uintptr(unsafe.Pointer(&irqfd)))
	return err
}

// RegisterIOEventFd binds an eventfd to a guest MMIO/PIO address so that a
// guest write to that address signals the fd without a vCPU exit.
func RegisterIOEventFd(vmFD int, eventFD int, addr uint64, length uint32, datamatch uint64, withDatamatch bool) error {
	const ioeventfdFlagDatamatch = 1 << 0
	ev := KvmIOEventFd{Addr: addr, Len: length, FD: int32(eventFD)}
	if withDatamatch {
		ev.Flags |= ioeventfdFlagDatamatch
		ev.Datamatch = datamatch
	}
	_, err := doIoctl(vmFD, kvmIOEventFd, uintptr(unsafe.Pointer(&ev)))
	return err
}

// SetIRQLine asserts or deasserts a legacy PIC/IOAPIC line.
func SetIRQLine(vmFD int, irq uint32, level bool) error {
	l := uint32(0)
	if level {
		l = 1
	}
	req := KvmIRQLevel{IRQ: irq, Level: l}
	_, err := doIoctl(vmFD, kvmIRQLine, uintptr(unsafe.Pointer(&req)))
	return err
}

// IoExit reinterprets kvm_run's union as the IO-exit layout.
func (r *KvmRun) IoExit() *KvmIo {
	return (*KvmIo)(unsafe.Pointer(&r.Union[0]))
}

// MmioExit reinterprets kvm_run's union as the MMIO-exit layout.
func (r *KvmRun) MmioExit() *KvmMmio {
	return (*KvmMmio)(unsafe.Pointer(&r.Union[0]))
}

// IoData returns the byte slice KVM placed (or expects) the port-I/O
// payload in, at DataOffset from the start of the kvm_run structure.
func (r *KvmRun) IoData(io *KvmIo) []byte {
	base := uintptr(unsafe.Pointer(r))
	ptr := base + uintptr(io.DataOffset)
	n := int(io.Size) * int(io.Count)
	if n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
}
