package jailer

import (
	"fmt"
	"os"
	"syscall"
)

// Exec attaches the current process to j's cgroups and then execs path
// with args/env, replacing the jailer process image with the VMM binary
// (spec.md §4.1 "Jailer (pre-exec)"). It never returns on success.
func (j *Jailer) Exec(path string, args, env []string) error {
	if err := j.AttachPid(os.Getpid()); err != nil {
		return err
	}
	if err := syscall.Exec(path, args, env); err != nil {
		return fmt.Errorf("jailer: exec %s: %w", path, err)
	}
	return nil
}
