// Package vcpu implements the one-OS-thread-per-vCPU worker model of
// spec.md §4.3: each worker runs KVM_RUN in a loop, translates exit
// reasons into bus reads/writes, and terminates cooperatively via a
// shared kill flag backed up by a real-time signal that actually
// preempts a blocked KVM_RUN (spec.md §9 "vCPU cancellation").
package vcpu

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vmmstack/microvmm/internal/hypervisor"
)

// RTSigOffset matches Linux's SIGRTMIN; each vCPU is assigned
// RTSigOffset+id so that a signal destined for one worker's thread never
// gets misdelivered to another (spec.md §6 "VCPU_RTSIG_OFFSET").
const RTSigOffset = 35 // SIGRTMIN on glibc/Linux

// PIOBus is the legacy port-I/O routing surface a VCPU dispatches to.
type PIOBus interface {
	HandleIO(port uint16, direction uint8, data []byte) error
}

// MMIOBus is the memory-mapped I/O routing surface a VCPU dispatches to.
type MMIOBus interface {
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

// Metrics is the narrow counter surface the run loop increments
// (spec.md §4.3's table and §7's "degraded observation" policy).
type Metrics interface {
	IncIOIn()
	IncIOOut()
	IncMMIO()
	IncFailures()
}

// Logger is satisfied by *logrus.Entry/*logrus.Logger.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// BootCompletePort/Value are the magic guest-side signal of spec.md §6:
// an OUT of byte 123 to port 0x03F0 means "guest userland signals boot
// complete".
const (
	BootCompletePort  uint16 = 0x03F0
	BootCompleteValue byte   = 123
)

// Handle is the supervisor's view of a running worker (spec.md §3
// "VcpuHandle"): it owns the join point and the means to interrupt it.
type Handle struct {
	ID           int
	killSignaled *atomic.Bool
	tid          int32 // set once the worker has locked its OS thread
	tidReady     chan struct{}
	done         chan error
}

// Kill sets the shared flag and signals the worker's OS thread so a
// blocked KVM_RUN returns with EINTR (spec.md §5 "Cancellation").
func (h *Handle) Kill() {
	h.killSignaled.Store(true)
	<-h.tidReady
	tid := atomic.LoadInt32(&h.tid)
	if tid != 0 {
		_ = unix.Tgkill(unix.Getpid(), int(tid), syscall.Signal(RTSigOffset+h.ID))
	}
}

// Join blocks until the worker's run loop has returned.
func (h *Handle) Join() error {
	return <-h.done
}

// Worker is a single vCPU's execution context.
type Worker struct {
	id      int
	fd      int
	run     *hypervisor.KvmRun
	runMmap []byte

	pio     PIOBus
	mmio    MMIOBus
	metrics Metrics
	log     Logger

	exitEventFD       int
	startInstanceNSec *int64 // process-wide atomic, set once by supervisor at start_instance
	barrier           *Barrier
}

// New creates the vCPU fd, mmaps its kvm_run page, and prepares (but does
// not start) the worker.
func New(id, vmFD int, mmapSize int, pio PIOBus, mmio MMIOBus, metrics Metrics, log Logger, exitEventFD int, startInstanceNSec *int64, barrier *Barrier) (*Worker, error) {
	fd, err := hypervisor.CreateVCPU(vmFD, id)
	if err != nil {
		return nil, fmt.Errorf("create vcpu %d: %w", id, err)
	}

	mm, err := syscall.Mmap(fd, 0, mmapSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("mmap kvm_run for vcpu %d: %w", id, err)
	}

	return &Worker{
		id:                id,
		fd:                fd,
		run:               (*hypervisor.KvmRun)(unsafe.Pointer(&mm[0])),
		runMmap:           mm,
		pio:               pio,
		mmio:              mmio,
		metrics:           metrics,
		log:               log,
		exitEventFD:       exitEventFD,
		startInstanceNSec: startInstanceNSec,
		barrier:           barrier,
	}, nil
}

// FD exposes the raw vCPU fd so boot-time register setup (architecture
// specific, see hypervisor.SetupFlatSegments) can configure it before Run.
func (w *Worker) FD() int { return w.fd }

// Start launches the worker on a dedicated OS thread and returns a handle
// the supervisor uses to cancel and join it.
func (w *Worker) Start() *Handle {
	h := &Handle{
		ID:           w.id,
		killSignaled: &atomic.Bool{},
		tidReady:     make(chan struct{}),
		done:         make(chan error, 1),
	}
	go w.run_(h)
	return h
}

func (w *Worker) run_(h *Handle) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	atomic.StoreInt32(&h.tid, int32(unix.Gettid()))
	close(h.tidReady)

	installNoopSignalHandler(RTSigOffset + w.id)

	w.barrier.Wait()

	err := w.loop(h.killSignaled)

	_ = signalExit(w.exitEventFD)
	h.done <- err
	close(h.done)
}

// loop is the KVM_RUN / exit-reason dispatch table of spec.md §4.3.
func (w *Worker) loop(killSignaled *atomic.Bool) error {
	for {
		if killSignaled.Load() {
			return nil
		}

		if err := hypervisor.Run(w.fd); err != nil {
			if err == syscall.EAGAIN || err == syscall.EINTR {
				continue
			}
			w.metrics.IncFailures()
			w.log.Errorf("vcpu %d: KVM_RUN failed: %v", w.id, err)
			return err
		}

		switch w.run.ExitReason {
		case hypervisor.ExitIO:
			w.handleIO()

		case hypervisor.ExitMmio:
			w.handleMMIO()

		case hypervisor.ExitHlt, hypervisor.ExitShutdown:
			w.log.Infof("vcpu %d: guest halted/shutdown", w.id)
			return nil

		case hypervisor.ExitFailEntry, hypervisor.ExitInternal, hypervisor.ExitUnknown:
			w.metrics.IncFailures()
			w.log.Errorf("vcpu %d: fatal exit reason %d", w.id, w.run.ExitReason)
			return fmt.Errorf("vcpu %d: fatal kvm exit reason %d", w.id, w.run.ExitReason)

		default:
			w.log.Warnf("vcpu %d: unhandled kvm exit reason %d", w.id, w.run.ExitReason)
		}

		if killSignaled.Load() {
			return nil
		}
	}
}

func (w *Worker) handleIO() {
	io := w.run.IoExit()
	data := w.run.IoData(io)

	if io.Direction == hypervisor.ExitIODirectionOut && io.Port == BootCompletePort &&
		len(data) > 0 && data[0] == BootCompleteValue {
		w.logBootComplete()
	}

	if err := w.pio.HandleIO(io.Port, io.Direction, data); err != nil {
		w.log.Warnf("vcpu %d: unhandled io on port 0x%x: %v", w.id, io.Port, err)
	}

	if io.Direction == hypervisor.ExitIODirectionIn {
		w.metrics.IncIOIn()
	} else {
		w.metrics.IncIOOut()
	}
}

func (w *Worker) logBootComplete() {
	if w.startInstanceNSec == nil {
		return
	}
	start := atomic.LoadInt64(w.startInstanceNSec)
	if start == 0 {
		return
	}
	elapsed := time.Duration(time.Now().UnixNano() - start)
	w.log.Infof("Guest-boot-time = %d us %d ms", elapsed.Microseconds(), elapsed.Milliseconds())
}

func (w *Worker) handleMMIO() {
	mmio := w.run.MmioExit()
	data := mmio.Data[:mmio.Len]
	if err := w.mmio.HandleMMIO(mmio.PhysAddr, data, mmio.IsWrite == 1); err != nil {
		w.log.Warnf("vcpu %d: unhandled mmio at 0x%x: %v", w.id, mmio.PhysAddr, err)
	}
	w.metrics.IncMMIO()
}

// Close releases the mmap and the vCPU fd. Must only be called after the
// worker's run loop has returned.
func (w *Worker) Close() error {
	if w.runMmap != nil {
		_ = syscall.Munmap(w.runMmap)
		w.runMmap = nil
	}
	return syscall.Close(w.fd)
}

func signalExit(eventFD int) error {
	buf := make([]byte, 8)
	buf[0] = 1
	_, err := syscall.Write(eventFD, buf)
	return err
}
