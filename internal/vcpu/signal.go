package vcpu

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var installOnce sync.Map // signal number -> struct{}

// installNoopSignalHandler ensures sig has a registered (non-default,
// non-ignored) disposition before this worker enters its run loop. The
// handler itself does nothing: the only purpose of the signal is to
// interrupt a blocked KVM_RUN ioctl with EINTR (spec.md §4.3, §9 "vCPU
// cancellation"). signal.Notify is process-wide and idempotent, so it is
// safe to call once per distinct signal number across all workers.
func installNoopSignalHandler(sig int) {
	if _, loaded := installOnce.LoadOrStore(sig, struct{}{}); loaded {
		return
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.Signal(sig))
	go func() {
		for range sigCh {
			// Intentionally empty: presence of a registered handler is
			// what makes the signal preempt a blocking syscall.
		}
	}()
}
