package vmm

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vmmstack/microvmm/internal/api"
	"github.com/vmmstack/microvmm/internal/config"
	"github.com/vmmstack/microvmm/internal/devices"
	"github.com/vmmstack/microvmm/internal/dispatch"
	"github.com/vmmstack/microvmm/internal/hypervisor"
	"github.com/vmmstack/microvmm/internal/network"
	"github.com/vmmstack/microvmm/internal/ratelimit"
	"github.com/vmmstack/microvmm/internal/seccomp"
	"github.com/vmmstack/microvmm/internal/vcpu"
)

const metricsInterval = 60 * 1e9 // nanoseconds; see armMetricsTimer

// StartInstance runs the nine-step boot sequence of spec.md §4.4. It is
// only ever invoked from the supervisor's own goroutine, via dispatchAction.
func (s *Supervisor) StartInstance() *api.ActionError {
	if s.instance.State() != config.Uninitialized {
		return api.InstanceStartFailed(api.KindUser, "StartMicroVm is only valid from Uninitialized")
	}
	s.instance.SetState(config.Starting)

	// Step 1: start timestamp for later boot-time measurement. It is a
	// wall-clock UnixNano value, not a monotonic clock reading.
	atomic.StoreInt64(&s.startInstanceNSec, time.Now().UnixNano())

	// Step 2: health check.
	if s.kernel == nil {
		s.instance.SetState(config.Uninitialized)
		return api.InstanceStartFailed(api.KindUser, "no boot source configured")
	}

	// From here on, failure happens after Starting was entered while
	// configuring VM memory or KVM primitives: spec.md §7 treats that as
	// fatal, so every remaining step reports through fail rather than
	// reverting state for a retry.

	// Step 3: guest memory.
	mem, err := hypervisor.NewGuestMemory(uint64(s.machine.MemSizeMiB) * 1024 * 1024)
	if err != nil {
		return s.fail(api.KindInternal, fmt.Errorf("init guest memory: %w", err))
	}
	s.guestMem = mem

	// Step 4: MMIO device manager + device attach + cmdline wiring.
	s.mmioMgr = devices.NewMMIODeviceManager(hypervisor.MMIOGapStart, 0x1000)
	if err := s.attachBlockDevices(); err != nil {
		return s.fail(api.KindUser, err)
	}
	if err := s.attachNetDevices(); err != nil {
		return s.fail(api.KindUser, err)
	}

	// Step 5: KVM VM init.
	if err := s.initKVM(); err != nil {
		return s.fail(api.KindInternal, err)
	}

	// Step 6: kernel image, cmdline, boot descriptor.
	if err := s.loadKernel(); err != nil {
		return s.fail(api.KindInternal, err)
	}

	// Step 7: exit eventfd + stdin event.
	if err := s.registerExitAndStdin(); err != nil {
		return s.fail(api.KindInternal, err)
	}

	// Step 8: vCPU threads, seccomp, start barrier release.
	if err := s.startVCPUs(); err != nil {
		return s.fail(api.KindInternal, err)
	}

	// Step 9: periodic metrics timer + first flush.
	if err := s.armMetricsTimer(); err != nil {
		return s.fail(api.KindInternal, err)
	}
	if err := s.metrics.Flush(s.loggerCfg.MetricsFifo); err != nil {
		s.log.Warnf("initial metrics flush failed: %v", err)
	}

	s.instance.SetState(config.Running)
	return nil
}

// fail logs the boot failure and invokes Stop, which never returns: per
// spec.md §7, a start_instance failure while configuring VM memory or KVM
// primitives after Starting was entered is fatal. It still returns an
// *api.ActionError so callers can satisfy Go's control-flow expectations,
// even though Stop's os.Exit means that value is never actually observed.
func (s *Supervisor) fail(kind api.Kind, err error) *api.ActionError {
	s.log.Errorf("start_instance: %v", err)
	s.Stop(2)
	return api.InstanceStartFailed(kind, err.Error())
}

// attachBlockDevices implements spec.md §4.5's block-device rules. blocks
// is kept root-first sorted by config.BlockDeviceConfigs, so the first
// entry here (if any root device exists) always becomes /dev/vda.
func (s *Supervisor) attachBlockDevices() error {
	for _, cfg := range s.blocks.List() {
		flags := os.O_RDWR
		if cfg.IsReadOnly {
			flags = os.O_RDONLY
		}
		f, err := os.OpenFile(cfg.PathOnHost, flags, 0)
		if err != nil {
			return fmt.Errorf("attach block device %s: %w", cfg.DriveID, err)
		}

		if cfg.IsRootDevice {
			if cfg.PartUUID == "" {
				s.cmdlineExtra += " root=/dev/vda"
			} else {
				s.cmdlineExtra += " root=PARTUUID=" + cfg.PartUUID
			}
			if cfg.IsReadOnly {
				s.cmdlineExtra += " ro"
			}
		}

		limiter := ratelimit.NewPair(cfg.RateLimiter)

		// The Go registry hands back device_idx synchronously at NewDevice
		// time, so the off-by-one bookkeeping spec.md §4.5 calls out
		// (needed because the original's Vec push happens after token
		// allocation) does not arise here.
		deviceIdx, sink := s.registry.NewDevice()
		s.dispatcher.AllocateTokens(deviceIdx, devices.BlockEventCount)

		handler := devices.NewBlockDeviceHandler(cfg.DriveID, cfg.IsRootDevice, cfg.IsReadOnly, f, limiter, s.metrics)
		sink <- handler

		s.blockHandlers[cfg.DriveID] = handler
		s.blockDeviceIdx[cfg.DriveID] = deviceIdx
		base := s.mmioMgr.Allocate(handler)
		if err := s.queueVirtioIRQ(base); err != nil {
			return fmt.Errorf("attach block device %s: %w", cfg.DriveID, err)
		}
	}
	return nil
}

// attachNetDevices implements spec.md §4.5's network-device rules.
func (s *Supervisor) attachNetDevices() error {
	for _, cfg := range s.nets.List() {
		if err := s.nets.TakeTapHandle(cfg.IfaceID); err != nil {
			return fmt.Errorf("attach net device %s: %w", cfg.IfaceID, err)
		}
		tap, err := network.OpenTap(cfg.HostDevName)
		if err != nil {
			return fmt.Errorf("attach net device %s: %w", cfg.IfaceID, err)
		}

		rx := ratelimit.NewPair(cfg.RxRateLimiter)
		tx := ratelimit.NewPair(cfg.TxRateLimiter)

		deviceIdx, sink := s.registry.NewDevice()
		handler := devices.NewNetDeviceHandler(cfg.IfaceID, cfg.AllowMMDSRequests, tap, rx, tx, s.metrics)
		sink <- handler
		s.netHandlers[cfg.IfaceID] = handler

		// The RX queue sub-event is bound straight to the TAP fd: a
		// readable TAP means a frame the guest's virtio-net driver needs.
		// The TX-kick and rate-limiter-timer sub-events belong to the
		// virtqueue collaborator (out of scope, spec.md §1); their table
		// slots are reserved so device_idx bookkeeping still spans
		// devices.NetEventCount even though only RX has a live fd today.
		if _, err := s.dispatcher.AddEvent(tap.FD(), dispatch.Tag{Kind: dispatch.TagDeviceHandler, DeviceIdx: deviceIdx, SubEventID: devices.NetEventRxQueue}); err != nil {
			return fmt.Errorf("attach net device %s: register tap fd: %w", cfg.IfaceID, err)
		}
		s.dispatcher.AllocateTokens(deviceIdx, devices.NetEventCount-1)

		base := s.mmioMgr.Allocate(handler)
		if err := s.queueVirtioIRQ(base); err != nil {
			return fmt.Errorf("attach net device %s: %w", cfg.IfaceID, err)
		}
	}
	return nil
}

// queueVirtioIRQ reserves a GSI and an eventfd for a newly-attached
// device's virtio interrupt line, deferring the actual KVM_IRQFD bind
// until initKVM's ApplyPending call (spec.md §4.4 step 5).
func (s *Supervisor) queueVirtioIRQ(_ uint64) error {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("create irqfd eventfd: %w", err)
	}
	gsi := s.nextGSI
	s.nextGSI++
	s.mmioMgr.QueueVMRequest(func() error {
		return hypervisor.RegisterIRQFd(s.vmFD, efd, uint32(gsi))
	})
	return nil
}

// initKVM implements spec.md §4.4 step 5.
func (s *Supervisor) initKVM() error {
	kvmFD, err := hypervisor.OpenKVM()
	if err != nil {
		return fmt.Errorf("open /dev/kvm: %w", err)
	}
	vmFD, err := hypervisor.CreateVM(kvmFD)
	if err != nil {
		return fmt.Errorf("create vm: %w", err)
	}
	s.kvmFD, s.vmFD = kvmFD, vmFD

	if err := s.guestMem.BindToVM(vmFD); err != nil {
		return err
	}
	if err := hypervisor.SetTSSAddr(vmFD, kvmTSSAddr); err != nil {
		return fmt.Errorf("set tss addr: %w", err)
	}
	if err := hypervisor.SetIdentityMapAddr(vmFD, identityMapAddr); err != nil {
		return fmt.Errorf("set identity map addr: %w", err)
	}
	if err := hypervisor.CreateIRQChip(vmFD); err != nil {
		return fmt.Errorf("create irqchip: %w", err)
	}
	if err := hypervisor.CreatePIT2(vmFD); err != nil {
		return fmt.Errorf("create pit2: %w", err)
	}
	if err := s.mmioMgr.ApplyPending(); err != nil {
		return err
	}

	s.registerLegacyDevices()

	mmapSize, err := hypervisor.GetVCPUMmapSize(kvmFD)
	if err != nil {
		return fmt.Errorf("get vcpu mmap size: %w", err)
	}
	s.vcpuMmapSize = mmapSize
	return nil
}

// registerLegacyDevices wires the serial console and the i8042
// shutdown-signal device onto the legacy PIO bus. KVM's in-kernel IRQ
// chip and PIT (just created above) stand in for the teacher's userspace
// PIC/PIT emulation (see DESIGN.md).
func (s *Supervisor) registerLegacyDevices() {
	s.ioBus = devices.NewIOBus()

	serial := devices.NewSerialPort(s.log.Writer())
	s.ioBus.RegisterDevice(devices.COM1PortBase, devices.COM1PortEnd, serial)

	s.exitEventFD, _ = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	i8042 := devices.NewI8042Device(s.exitEventFD)
	s.ioBus.RegisterDevice(devices.I8042PortData, devices.I8042PortStatus, i8042)
}

// loadKernel implements spec.md §4.4 step 6.
func (s *Supervisor) loadKernel() error {
	data, err := io.ReadAll(s.kernel.KernelFile)
	if err != nil {
		return fmt.Errorf("read kernel image: %w", err)
	}
	if err := hypervisor.LoadFlatBinary(s.guestMem, data, kernelLoadAddr); err != nil {
		return fmt.Errorf("load kernel image: %w", err)
	}

	cmdline := s.kernel.Cmdline + s.cmdlineExtra
	if err := s.guestMem.WriteAt(s.kernel.CmdlineAddr, append([]byte(cmdline), 0)); err != nil {
		return fmt.Errorf("load cmdline: %w", err)
	}

	if err := hypervisor.WriteBootParams(s.guestMem, bootParamsAddr, s.machine.VCPUCount); err != nil {
		return fmt.Errorf("write boot params: %w", err)
	}
	return nil
}

// registerExitAndStdin implements spec.md §4.4 step 7.
func (s *Supervisor) registerExitAndStdin() error {
	h, err := s.dispatcher.AddEvent(s.exitEventFD, dispatch.Tag{Kind: dispatch.TagExit})
	if err != nil {
		return fmt.Errorf("register exit eventfd: %w", err)
	}
	s.exitHandle = &h

	if err := s.dispatcher.EnableStdinEvent(int(os.Stdin.Fd()), s.log.Warnf); err != nil {
		return fmt.Errorf("enable stdin event: %w", err)
	}
	return nil
}

// startVCPUs implements spec.md §4.4 step 8. The barrier is sized
// vcpu_count+1 so that the supervisor itself is the participant whose
// arrival (after seccomp install) releases every worker together.
func (s *Supervisor) startVCPUs() error {
	barrier := vcpu.NewBarrier(s.machine.VCPUCount + 1)

	stackTop := s.guestMem.Regions()[0].GuestPhysAddr + uint64(len(s.guestMem.Regions()[0].Bytes)) - 0x10

	for id := 0; id < s.machine.VCPUCount; id++ {
		w, err := vcpu.New(id, s.vmFD, s.vcpuMmapSize, s.ioBus, s.mmioMgr, s.metrics, s.log, s.exitEventFD, &s.startInstanceNSec, barrier)
		if err != nil {
			return fmt.Errorf("create vcpu %d: %w", id, err)
		}
		if err := hypervisor.SetupFlatSegments(w.FD(), kernelLoadAddr, stackTop); err != nil {
			return fmt.Errorf("configure vcpu %d registers: %w", id, err)
		}
		s.vcpuWorkers = append(s.vcpuWorkers, w)
		s.vcpuHandles = append(s.vcpuHandles, w.Start())
	}

	if err := seccomp.Install(s.seccompLevel, nil); err != nil {
		return fmt.Errorf("install seccomp: %w", err)
	}
	barrier.Wait()
	return nil
}

// armMetricsTimer implements spec.md §4.6/§4.4 step 9.
func (s *Supervisor) armMetricsTimer() error {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("create metrics timerfd: %w", err)
	}
	interval := unix.NsecToTimespec(metricsInterval)
	spec := &unix.ItimerSpec{Interval: interval, Value: interval}
	if err := unix.TimerfdSettime(fd, 0, spec, nil); err != nil {
		return fmt.Errorf("arm metrics timerfd: %w", err)
	}
	if _, err := s.dispatcher.AddEvent(fd, dispatch.Tag{Kind: dispatch.TagWriteMetrics}); err != nil {
		return fmt.Errorf("register metrics timerfd: %w", err)
	}
	s.metricsTimerFD = fd
	return nil
}
