// Package config holds the VMM's configuration data model: instance state,
// machine shape, kernel source, and the block/net device lists. Everything
// here is mutated exclusively by the supervisor's goroutine; InstanceInfo
// additionally supports concurrent reads from the API surface.
package config

import (
	"sync"

	"github.com/google/uuid"
)

// State is a position in the instance lifecycle.
type State int

const (
	Uninitialized State = iota
	Starting
	Running
	Halting
	Halted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Halting:
		return "Halting"
	case Halted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// InstanceInfo is the reader/writer-protected record of instance identity
// and lifecycle state. The supervisor is the sole writer; the API surface
// reads it to answer GetInstanceInfo-style queries and to gate requests.
type InstanceInfo struct {
	mu    sync.RWMutex
	id    string
	state State
}

// NewInstanceInfo creates instance state with the given id, generating a
// random one if empty.
func NewInstanceInfo(id string) *InstanceInfo {
	if id == "" {
		id = uuid.NewString()
	}
	return &InstanceInfo{id: id, state: Uninitialized}
}

func (i *InstanceInfo) ID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.id
}

func (i *InstanceInfo) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// SetState performs the lifecycle transition. Callers are expected to be
// the supervisor goroutine; no transition validation happens here, that is
// the control-plane state machine's job.
func (i *InstanceInfo) SetState(s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = s
}

// IsPreBoot reports whether the instance has not yet left Uninitialized.
func (i *InstanceInfo) IsPreBoot() bool {
	return i.State() == Uninitialized
}
