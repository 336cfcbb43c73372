package devices

import (
	"fmt"
	"sync"

	"github.com/vmmstack/microvmm/internal/network"
	"github.com/vmmstack/microvmm/internal/ratelimit"
)

// NetEventCount is the number of dispatch sub-events a virtio-net device
// reserves: RX queue kick, TX queue kick, and the rate-limiter timer
// (spec.md §4.5).
const NetEventCount = 3

const (
	NetEventRxQueue = iota
	NetEventTxQueue
	NetEventRateLimiter
)

// NetMetrics is the narrow counter surface a net handler increments.
type NetMetrics interface {
	IncDeviceEvents()
}

// NetDeviceHandler is the lazily-installed capability for one virtio-net
// interface. As with BlockDeviceHandler, virtqueue descriptor processing
// is an external collaborator; this shell owns the TAP fd, the per-
// direction rate limiters, and the MMDS-allow flag.
type NetDeviceHandler struct {
	mu sync.Mutex

	IfaceID           string
	AllowMMDSRequests bool

	tap     *network.TapDevice
	rx, tx  *ratelimit.Pair
	metrics NetMetrics
}

func NewNetDeviceHandler(ifaceID string, allowMMDS bool, tap *network.TapDevice, rx, tx *ratelimit.Pair, metrics NetMetrics) *NetDeviceHandler {
	return &NetDeviceHandler{
		IfaceID:           ifaceID,
		AllowMMDSRequests: allowMMDS,
		tap:               tap,
		rx:                rx,
		tx:                tx,
		metrics:           metrics,
	}
}

// HandleEvent implements dispatch.DeviceHandler.
func (h *NetDeviceHandler) HandleEvent(subEventID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch subEventID {
	case NetEventRxQueue:
		if !h.rx.AllowOp() {
			return nil
		}
		h.metrics.IncDeviceEvents()
		return nil
	case NetEventTxQueue:
		if !h.tx.AllowOp() {
			return nil
		}
		h.metrics.IncDeviceEvents()
		return nil
	case NetEventRateLimiter:
		return nil
	default:
		return fmt.Errorf("net device %s: unknown sub-event %d", h.IfaceID, subEventID)
	}
}

// HandleMMIO implements devices.MmioDevice; see BlockDeviceHandler's note
// on virtio-mmio register scope.
func (h *NetDeviceHandler) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	if !isWrite {
		for i := range data {
			data[i] = 0
		}
	}
	return nil
}

// Close releases the backing TAP fd.
func (h *NetDeviceHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tap == nil {
		return nil
	}
	return h.tap.Close()
}
