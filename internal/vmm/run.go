package vmm

import (
	"encoding/binary"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/vmmstack/microvmm/internal/api"
	"github.com/vmmstack/microvmm/internal/config"
	"github.com/vmmstack/microvmm/internal/dispatch"
)

// Run is the supervisor's event loop: the sole scheduler on this goroutine
// (spec.md §2), blocking at the readiness-wait primitive and translating
// every wakeup into the matching handler.
func (s *Supervisor) Run() error {
	for {
		ready, err := s.dispatcher.Wait()
		if err != nil {
			return err
		}
		for _, r := range ready {
			s.handleReady(r)
		}
	}
}

func (s *Supervisor) handleReady(r dispatch.Ready) {
	switch r.Tag.Kind {
	case dispatch.TagExit:
		s.log.Warnf("exit event observed (i8042 reset pulse or fatal vcpu exit); stopping")
		s.Stop(0)

	case dispatch.TagStdin:
		s.handleStdin()

	case dispatch.TagDeviceHandler:
		h, err := s.registry.Get(r.Tag.DeviceIdx)
		if err != nil {
			s.log.Errorf("device handler lookup: %v", err)
			return
		}
		if err := h.HandleEvent(r.Tag.SubEventID); err != nil {
			s.log.Warnf("device %d sub-event %d: %v", r.Tag.DeviceIdx, r.Tag.SubEventID, err)
		}

	case dispatch.TagVmmActionRequest:
		s.drainActions()

	case dispatch.TagWriteMetrics:
		s.handleMetricsTimer()
	}
}

// drainActions implements spec.md §4.4's run_vmm_action: the notify
// eventfd's counter tells us how many SubmitAction calls fired since the
// last read, and we pop exactly that many envelopes; a failed or zero
// counter read still attempts one pop. Finding the channel empty is a
// spurious wakeup, logged and ignored rather than treated as an error.
func (s *Supervisor) drainActions() {
	buf := make([]byte, 8)
	n, err := syscall.Read(s.notifyFD, buf)
	count := uint64(1)
	if err == nil && n == 8 {
		count = binary.LittleEndian.Uint64(buf)
		if count == 0 {
			count = 1
		}
	}

	for i := uint64(0); i < count; i++ {
		select {
		case a := <-s.actionCh:
			s.dispatchAction(a)
		default:
			s.log.Warnf("vmm action readiness with an empty queue (spurious wakeup)")
			return
		}
	}
}

// SubmitAction is the API collaborator's half of the channel described in
// spec.md §2: it enqueues a, then signals the notify eventfd so the
// supervisor's next Wait wakes on TagVmmActionRequest. Safe to call from
// any goroutine.
func (s *Supervisor) SubmitAction(a *api.Action) {
	s.actionCh <- a

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	_, _ = syscall.Write(s.notifyFD, buf)
}

func (s *Supervisor) handleStdin() {
	buf := make([]byte, 128)
	n, err := syscall.Read(int(os.Stdin.Fd()), buf)
	if err != nil || n == 0 {
		// spec.md §7: "stdin read error -> disable stdin event", a local
		// recovery rather than a fatal condition.
		s.log.Warnf("stdin read error, disabling stdin event: %v", err)
		_ = s.dispatcher.DisableStdinEvent(int(os.Stdin.Fd()))
		return
	}
	// Forwarding host stdin into the guest console's receive FIFO is UART
	// emulation detail out of scope (spec.md §1); logging stands in for it.
	s.log.Infof("stdin: %q", buf[:n])
}

func (s *Supervisor) handleMetricsTimer() {
	buf := make([]byte, 8)
	_, _ = syscall.Read(s.metricsTimerFD, buf)
	if err := s.metrics.Flush(s.loggerCfg.MetricsFifo); err != nil {
		s.log.Warnf("periodic metrics flush failed: %v", err)
	}
}

// Stop implements spec.md §4.4's shutdown path, the single exit point of
// the process. It is safe to call more than once (e.g. both a fatal vcpu
// exit and a SIGTERM racing) because killOnce makes it idempotent.
func (s *Supervisor) Stop(exitCode int) {
	s.killOnce.Do(func() {
		s.instance.SetState(config.Halting)

		for _, h := range s.vcpuHandles {
			h.Kill()
		}
		for _, h := range s.vcpuHandles {
			_ = h.Join()
		}
		for _, w := range s.vcpuWorkers {
			_ = w.Close()
		}

		if s.exitHandle != nil {
			_ = s.dispatcher.RemoveEvent(*s.exitHandle)
		}
		_ = s.dispatcher.DisableStdinEvent(int(os.Stdin.Fd()))
		restoreTerminal()

		if err := s.metrics.Flush(s.loggerCfg.MetricsFifo); err != nil {
			s.log.Warnf("final metrics flush failed: %v", err)
		}

		s.instance.SetState(config.Halted)
		_ = s.log.Close()
		os.Exit(exitCode)
	})
}

// restoreTerminal puts stdin back into canonical mode, undoing whatever
// raw-mode configuration the API collaborator's shell might have left in
// place (spec.md §4.4 "restores the terminal to canonical mode"). Best
// effort: a non-tty stdin (ENOTTY) is silently ignored.
func restoreTerminal() {
	fd := int(os.Stdin.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return
	}
	t.Lflag |= unix.ICANON | unix.ECHO
	_ = unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
