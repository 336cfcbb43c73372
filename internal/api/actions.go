// Package api defines the control-plane envelope types that flow from the
// API surface to the supervisor's single consuming goroutine (spec.md §6),
// and the User/Internal error taxonomy of spec.md §7.
package api

import (
	"github.com/vmmstack/microvmm/internal/config"
)

// Kind distinguishes a bad-request-style failure from an internal one, so
// the HTTP front door can map each to the right status class (spec.md §7).
type Kind int

const (
	KindUser Kind = iota
	KindInternal
)

// ActionError is the reply payload carried over every action's one-shot
// reply channel when the request did not succeed.
type ActionError struct {
	Kind    Kind
	Message string
}

func (e *ActionError) Error() string { return e.Message }

func UserError(msg string) *ActionError     { return &ActionError{Kind: KindUser, Message: msg} }
func InternalError(msg string) *ActionError { return &ActionError{Kind: KindInternal, Message: msg} }

// BootSource is the payload of ConfigureBootSource.
type BootSource struct {
	KernelImagePath string
	BootArgs        string
}

// LoggerConfig is the payload of ConfigureLogger.
type LoggerConfig struct {
	LogFifo        string
	MetricsFifo    string
	Level          string
	ShowLevel      bool
	ShowLogOrigin  bool
}

// UpdateDrivePathRequest is the payload of UpdateDrivePath.
type UpdateDrivePathRequest struct {
	DriveID    string
	PathOnHost string
}

// Action is the envelope delivered over the supervisor's single MPSC-style
// channel. Reply is always written to exactly once by the supervisor; a
// closed/dropped Reply on the caller's side is a programming error and is
// fatal per spec.md §4.4.
type Action struct {
	Kind  ActionKind
	Reply chan Reply

	BootSource       *BootSource
	LoggerConfig     *LoggerConfig
	MachinePatch     *config.PartialMachineConfiguration
	BlockDevice      *config.BlockDeviceConfig
	NetworkInterface *config.NetworkInterfaceConfig
	UpdateDrivePath  *UpdateDrivePathRequest
	DriveID          string
}

// ActionKind enumerates the rows of spec.md §6's control-plane table.
type ActionKind int

const (
	ConfigureBootSource ActionKind = iota
	ConfigureLogger
	GetMachineConfiguration
	SetVmConfiguration
	InsertBlockDevice
	InsertNetworkDevice
	UpdateDrivePath
	RescanBlockDevice
	StartMicroVm
)

// Reply is what the supervisor sends back on Action.Reply.
type Reply struct {
	Err       *ActionError
	MachineConfiguration *config.MachineConfiguration
}

// InstanceStartFailed wraps a start_instance failure, tagged with its Kind
// per spec.md §6/§7.
func InstanceStartFailed(kind Kind, message string) *ActionError {
	return &ActionError{Kind: kind, Message: message}
}
