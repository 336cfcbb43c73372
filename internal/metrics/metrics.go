// Package metrics is the prometheus-backed sink of SPEC_FULL.md's ambient
// stack: a small registry of counters the vCPU run loop and device
// handlers increment, flushed on the periodic timer of spec.md §4.6.
package metrics

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Sink is the counter set spec.md §4.3 and §4.6 name explicitly:
// exit_io_in, exit_io_out, failures, missed_metrics_count, and
// device_events (one counter per attached block/net handler kick).
type Sink struct {
	registry *prometheus.Registry

	exitIOIn           prometheus.Counter
	exitIOOut          prometheus.Counter
	exitMMIO           prometheus.Counter
	failures           prometheus.Counter
	missedMetricsCount prometheus.Counter
	deviceEvents       prometheus.Counter

	missed int64 // mirrored as a plain atomic for fast-path reads in tests
}

func New() *Sink {
	r := prometheus.NewRegistry()
	s := &Sink{
		registry: r,
		exitIOIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firecracker_exit_io_in_total", Help: "KVM_EXIT_IO (in) count.",
		}),
		exitIOOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firecracker_exit_io_out_total", Help: "KVM_EXIT_IO (out) count.",
		}),
		exitMMIO: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firecracker_exit_mmio_total", Help: "KVM_EXIT_MMIO count.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firecracker_vcpu_failures_total", Help: "Fatal or erroring vCPU exits.",
		}),
		missedMetricsCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firecracker_missed_metrics_count_total", Help: "Periodic metrics flushes that failed.",
		}),
		deviceEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firecracker_device_events_total", Help: "Block/net device dispatch events handled.",
		}),
	}
	r.MustRegister(s.exitIOIn, s.exitIOOut, s.exitMMIO, s.failures, s.missedMetricsCount, s.deviceEvents)
	return s
}

func (s *Sink) IncIOIn()         { s.exitIOIn.Inc() }
func (s *Sink) IncIOOut()        { s.exitIOOut.Inc() }
func (s *Sink) IncMMIO()         { s.exitMMIO.Inc() }
func (s *Sink) IncFailures()     { s.failures.Inc() }
func (s *Sink) IncDeviceEvents() { s.deviceEvents.Inc() }

func (s *Sink) incMissed() {
	s.missedMetricsCount.Inc()
	atomic.AddInt64(&s.missed, 1)
}

// MissedCount reports missed_metrics_count for tests.
func (s *Sink) MissedCount() int64 { return atomic.LoadInt64(&s.missed) }

// Flush writes the registry's current value in Prometheus text format to
// metricsFifo, matching ConfigureLogger's metrics_fifo field (spec.md §6).
// On failure it increments missed_metrics_count itself, per spec.md §4.6.
func (s *Sink) Flush(metricsFifo string) error {
	f, err := os.OpenFile(metricsFifo, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		s.incMissed()
		return fmt.Errorf("metrics: open metrics fifo %s: %w", metricsFifo, err)
	}
	defer f.Close()

	families, err := s.registry.Gather()
	if err != nil {
		s.incMissed()
		return fmt.Errorf("metrics: gather: %w", err)
	}
	enc := expfmt.NewEncoder(f, expfmt.FmtText)
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			s.incMissed()
			return fmt.Errorf("metrics: encode: %w", err)
		}
	}
	return nil
}
