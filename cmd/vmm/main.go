// Command vmm is the microVM supervisor binary of spec.md §2: it wires the
// control-plane Supervisor to the HTTP front door over --api-sock, installs
// the process-signal and panic-hook policy of spec.md §6/§7, and runs the
// single readiness-driven event loop until the guest halts or the process
// is stopped.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/vmmstack/microvmm/internal/apiserver"
	"github.com/vmmstack/microvmm/internal/logging"
	"github.com/vmmstack/microvmm/internal/metrics"
	"github.com/vmmstack/microvmm/internal/seccomp"
	"github.com/vmmstack/microvmm/internal/vmm"
)

// Exit codes, spec.md §6.
const (
	exitOK                 = 0
	exitGeneric            = 1
	exitUnexpectedInternal = 2
	exitBadSyscall         = 148
	exitSigbus             = 149
	exitSigsegv            = 150
	exitBadConfiguration   = 151
	exitArgumentParsing    = 152
)

// options is the CLI surface of spec.md §6: exactly two flags.
type options struct {
	APISock string `long:"api-sock" default:"/tmp/firecracker.socket" description:"path of the unix socket the API front door listens on"`
	Jailed  bool   `long:"jailed" description:"informational: set when this process was exec'd from inside a jailer cgroup"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(exitArgumentParsing)
	}

	logging.IsJailed.Store(opts.Jailed)
	log := logging.New()
	metricsSink := metrics.New()

	defer panicHook(log, metricsSink)

	// spec.md §6's CLI surface is deliberately limited to --api-sock and
	// --jailed; the seccomp level the boot sequence applies (spec.md §4.4
	// step 8) is fixed here rather than exposed as a third flag.
	sup, err := vmm.New("", seccomp.LevelAdvanced, log, metricsSink)
	if err != nil {
		log.Errorf("failed to construct supervisor: %v", err)
		os.Exit(exitUnexpectedInternal)
	}

	srv, err := apiserver.New(opts.APISock, sup)
	if err != nil {
		log.Errorf("failed to start api server: %v", err)
		os.Exit(exitUnexpectedInternal)
	}

	installSignalHandlers(sup, log)

	go func() {
		if err := srv.Serve(); err != nil {
			log.Errorf("api server stopped: %v", err)
		}
	}()

	if err := sup.Run(); err != nil {
		log.Errorf("event loop terminated: %v", err)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		sup.Stop(exitUnexpectedInternal)
	}
}

// installSignalHandlers implements spec.md §6's process-signal table.
// VCPU_RTSIG_OFFSET is deliberately excluded: it is only ever delivered to
// a specific vCPU's thread ID via tgkill (internal/vcpu), never installed
// as a process-wide handler here.
func installSignalHandlers(sup *vmm.Supervisor, log *logging.Logger) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGSYS, syscall.SIGBUS, syscall.SIGSEGV, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		for sig := range ch {
			switch sig {
			case syscall.SIGSYS:
				log.Errorf("seccomp violation (SIGSYS)")
				sup.Stop(exitBadSyscall)
			case syscall.SIGBUS:
				log.Errorf("SIGBUS")
				sup.Stop(exitSigbus)
			case syscall.SIGSEGV:
				log.Errorf("SIGSEGV")
				sup.Stop(exitSigsegv)
			case syscall.SIGTERM, syscall.SIGINT:
				log.Infof("received %v, shutting down", sig)
				sup.Stop(exitOK)
			}
		}
	}()
}

// panicHook mirrors the original's main.rs panic hook (SPEC_FULL.md
// "SUPPLEMENTED FEATURES"): log, flush metrics, exit with the
// unexpected-internal-error code. It never re-panics: spec.md §7 treats a
// panic in any thread as fatal, and os.Exit is the single exit path.
func panicHook(log *logging.Logger, metricsSink *metrics.Sink) {
	if r := recover(); r != nil {
		log.Errorf("panic: %v", r)
		if err := metricsSink.Flush(os.Getenv("FIRECRACKER_METRICS_FIFO")); err != nil {
			log.Errorf("panic-path metrics flush failed: %v", err)
		}
		fmt.Fprintf(os.Stderr, "vmm: fatal: %v\n", r)
		os.Exit(exitUnexpectedInternal)
	}
}
