// Package vmm implements the control-plane state machine of spec.md §4.4:
// the Supervisor holds pending configuration, enforces the before-boot vs.
// after-boot mutation rules, drives the boot sequence, and is the single
// goroutine that ever touches the dispatch table, the device managers, and
// the vCPU handle set.
package vmm

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vmmstack/microvmm/internal/api"
	"github.com/vmmstack/microvmm/internal/config"
	"github.com/vmmstack/microvmm/internal/devices"
	"github.com/vmmstack/microvmm/internal/dispatch"
	"github.com/vmmstack/microvmm/internal/hypervisor"
	"github.com/vmmstack/microvmm/internal/logging"
	"github.com/vmmstack/microvmm/internal/metrics"
	"github.com/vmmstack/microvmm/internal/seccomp"
	"github.com/vmmstack/microvmm/internal/vcpu"
)

// x86_64 boot-layout constants the supervisor itself needs to hand the
// external kernel loader / register-setup primitives (hypervisor package)
// an address to work with; full ELF parsing and zero-page synthesis stay
// out of scope per spec.md §1.
const (
	kernelLoadAddr  = 0x0010_0000 // 1 MiB
	cmdlineAddr     = 0x0002_0000
	bootParamsAddr  = 0x0000_7000
	kvmTSSAddr      = 0xFFFB_D000
	identityMapAddr = 0xFFFB_C000
)

// Supervisor is the VMM struct of spec.md §2 item 6. Every field below is
// touched exclusively from the goroutine running Run, except InstanceInfo
// (its own RWMutex) and actionCh/notifyFD (which SubmitAction, called from
// the API collaborator's goroutine, writes to).
type Supervisor struct {
	instance *config.InstanceInfo
	machine  config.MachineConfiguration
	kernel   *config.KernelConfig
	blocks   *config.BlockDeviceConfigs
	nets     *config.NetworkInterfaceConfigs

	loggerCfg    api.LoggerConfig
	seccompLevel seccomp.Level

	log     *logging.Logger
	metrics *metrics.Sink

	dispatcher *dispatch.Dispatcher
	registry   *dispatch.Registry

	guestMem *hypervisor.GuestMemory
	mmioMgr  *devices.MMIODeviceManager
	ioBus    *devices.IOBus
	nextGSI  int

	kvmFD, vmFD  int
	vcpuMmapSize int
	vcpuHandles  []*vcpu.Handle
	vcpuWorkers  []*vcpu.Worker

	blockHandlers  map[string]*devices.BlockDeviceHandler
	blockDeviceIdx map[string]int
	netHandlers    map[string]*devices.NetDeviceHandler
	cmdlineExtra   string

	exitEventFD    int
	exitHandle     *dispatch.Handle
	metricsTimerFD int

	notifyFD int
	actionCh chan *api.Action

	startInstanceNSec int64 // written atomically, read by vcpu workers

	killOnce sync.Once
}

// New builds a Supervisor around a freshly created dispatcher and device
// registry. log and metricsSink are constructed by cmd/vmm before the
// control plane exists, since early log lines (flag parsing, jailer
// handoff) need somewhere to go.
func New(id string, seccompLevel seccomp.Level, log *logging.Logger, metricsSink *metrics.Sink) (*Supervisor, error) {
	d, err := dispatch.New()
	if err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}

	s := &Supervisor{
		instance:       config.NewInstanceInfo(id),
		machine:        config.DefaultMachineConfiguration(),
		blocks:         config.NewBlockDeviceConfigs(),
		nets:           config.NewNetworkInterfaceConfigs(),
		seccompLevel:   seccompLevel,
		log:            log,
		metrics:        metricsSink,
		dispatcher:     d,
		registry:       dispatch.NewRegistry(),
		nextGSI:        5, // 0-4 are reserved for legacy PIC/PIT/RTC lines
		blockHandlers:  make(map[string]*devices.BlockDeviceHandler),
		blockDeviceIdx: make(map[string]int),
		netHandlers:    make(map[string]*devices.NetDeviceHandler),
		actionCh:       make(chan *api.Action, 32),
	}

	notifyFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("vmm: create action-queue eventfd: %w", err)
	}
	s.notifyFD = notifyFD
	if _, err := d.AddEvent(notifyFD, dispatch.Tag{Kind: dispatch.TagVmmActionRequest}); err != nil {
		return nil, fmt.Errorf("vmm: register action-queue eventfd: %w", err)
	}

	return s, nil
}

// InstanceInfo exposes the reader/writer-protected identity+state record
// the API collaborator reads from its own goroutine.
func (s *Supervisor) InstanceInfo() *config.InstanceInfo { return s.instance }
