package config

import (
	"errors"
	"os"
)

// CmdlineMaxSize mirrors the original's x86_64::layout::CMDLINE_MAX_SIZE.
const CmdlineMaxSize = 4096

// DefaultKernelCmdline is used when the caller doesn't supply boot_args.
const DefaultKernelCmdline = "reboot=k panic=1 pci=off nomodules 8250.nr_uarts=0"

var (
	ErrInvalidKernelPath        = errors.New("InvalidKernelPath")
	ErrEmptyKernelPath          = errors.New("EmptyKernelPath")
	ErrInvalidKernelCommandLine = errors.New("InvalidKernelCommandLine")
)

// KernelConfig is set once before boot and consumed once at start_instance.
type KernelConfig struct {
	KernelFile   *os.File
	Cmdline      string
	CmdlineAddr  uint64
}

// NewKernelConfig opens kernelImagePath and validates the command line,
// mirroring configure_boot_source (spec.md §6, original_source/vmm/src/lib.rs).
func NewKernelConfig(kernelImagePath string, cmdline string, cmdlineAddr uint64) (*KernelConfig, error) {
	if kernelImagePath == "" {
		return nil, ErrEmptyKernelPath
	}
	f, err := os.Open(kernelImagePath)
	if err != nil {
		return nil, ErrInvalidKernelPath
	}
	if cmdline == "" {
		cmdline = DefaultKernelCmdline
	}
	if len(cmdline) > CmdlineMaxSize || !isASCII(cmdline) {
		f.Close()
		return nil, ErrInvalidKernelCommandLine
	}
	return &KernelConfig{KernelFile: f, Cmdline: cmdline, CmdlineAddr: cmdlineAddr}, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7E || s[i] < 0x20 {
			return false
		}
	}
	return true
}
