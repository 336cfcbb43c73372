package vcpu

import "sync"

// Barrier is a simple rendezvous point sized at construction: every
// participant's Wait blocks until exactly that many participants have
// arrived, then releases all of them together. Used to hold vCPU worker
// threads at the top of their run loop until the supervisor has finished
// installing seccomp (spec.md §4.3, §4.4 step 8: "push their handles;
// apply seccomp ...; release the start barrier").
type Barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	gen     int
}

func NewBarrier(size int) *Barrier {
	b := &Barrier{size: size}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks the caller until size participants (across all callers) have
// called Wait.
func (b *Barrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.gen
	b.arrived++
	if b.arrived == b.size {
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}
