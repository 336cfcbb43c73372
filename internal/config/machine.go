package config

import "errors"

// CPUTemplate selects a masked feature set presented to the guest.
type CPUTemplate string

const (
	CPUTemplateNone CPUTemplate = ""
	CPUTemplateC3   CPUTemplate = "C3"
	CPUTemplateT2   CPUTemplate = "T2"
)

// MachineConfiguration is the VM shape: vCPU count, memory size, hyperthreading,
// and an optional CPU template. Mutable only while the instance is Uninitialized.
type MachineConfiguration struct {
	VCPUCount   int
	MemSizeMiB  int
	HTEnabled   bool
	CPUTemplate CPUTemplate
}

// DefaultMachineConfiguration matches the documented fresh-instance defaults
// (scenario 1 of spec.md §8).
func DefaultMachineConfiguration() MachineConfiguration {
	return MachineConfiguration{
		VCPUCount:   1,
		MemSizeMiB:  128,
		HTEnabled:   false,
		CPUTemplate: CPUTemplateNone,
	}
}

var (
	ErrInvalidVCPUCount       = errors.New("InvalidVcpuCount")
	ErrInvalidMemorySize      = errors.New("InvalidMemorySize")
	ErrUpdateNotAllowedPostBoot = errors.New("UpdateNotAllowPostBoot")
)

// PartialMachineConfiguration carries only the fields the caller supplied;
// nil means "leave as is".
type PartialMachineConfiguration struct {
	VCPUCount   *int
	MemSizeMiB  *int
	HTEnabled   *bool
	CPUTemplate *CPUTemplate
}

// Apply merges patch onto the receiver, enforcing the vcpu-count/memory and
// hyperthreading-parity invariants from spec.md §3 and §8. On error the
// receiver is left unmodified.
func (m *MachineConfiguration) Apply(patch PartialMachineConfiguration) error {
	next := *m

	if patch.VCPUCount != nil {
		if *patch.VCPUCount < 1 {
			return ErrInvalidVCPUCount
		}
		next.VCPUCount = *patch.VCPUCount
	}
	if patch.MemSizeMiB != nil {
		if *patch.MemSizeMiB < 1 {
			return ErrInvalidMemorySize
		}
		next.MemSizeMiB = *patch.MemSizeMiB
	}
	if patch.HTEnabled != nil {
		next.HTEnabled = *patch.HTEnabled
	}
	if patch.CPUTemplate != nil {
		next.CPUTemplate = *patch.CPUTemplate
	}

	if next.HTEnabled && next.VCPUCount > 1 && next.VCPUCount%2 != 0 {
		return ErrInvalidVCPUCount
	}

	*m = next
	return nil
}
