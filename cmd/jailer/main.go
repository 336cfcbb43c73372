// Command jailer is the privileged pre-exec launcher of spec.md §4.1: it
// builds the per-instance cgroup hierarchy, pins the instance to a NUMA
// node, establishes the chroot/uid/gid confinement SPEC_FULL.md's CLI
// surface adds (original_source/jailer/src/lib.rs's namespace-and-privilege
// drop, condensed), and execs the VMM binary in the jail.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/vmmstack/microvmm/internal/jailer"
)

type options struct {
	ID            string `long:"id" required:"true" description:"instance id; also the cgroup/chroot leaf directory name"`
	NumaNode      int    `long:"numa-node" required:"true" description:"NUMA node to pin the instance's cpuset.mems to"`
	ExecFile      string `long:"exec-file" required:"true" description:"path to the vmm binary to exec once jailed"`
	UID           int    `long:"uid" required:"true" description:"uid to drop privileges to before exec"`
	GID           int    `long:"gid" required:"true" description:"gid to drop privileges to before exec"`
	ChrootBaseDir string `long:"chroot-base-dir" default:"/srv/jailer" description:"base directory under which the per-instance chroot jail is built"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(152)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "jailer: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	execFileName := filepath.Base(opts.ExecFile)

	j := jailer.New(opts.ID, opts.NumaNode, execFileName)
	if err := j.CreateAndAttach(); err != nil {
		return fmt.Errorf("create_and_attach: %w", err)
	}

	chrootDir := filepath.Join(opts.ChrootBaseDir, execFileName, opts.ID, "root")
	if err := os.MkdirAll(chrootDir, 0o750); err != nil {
		return fmt.Errorf("create chroot dir %s: %w", chrootDir, err)
	}

	jailedExecPath := filepath.Join("/", execFileName)
	dst := filepath.Join(chrootDir, execFileName)
	if err := bindOrCopy(opts.ExecFile, dst); err != nil {
		return fmt.Errorf("stage exec file into jail: %w", err)
	}

	if err := syscall.Chroot(chrootDir); err != nil {
		return fmt.Errorf("chroot %s: %w", chrootDir, err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}

	// Drop group privileges before user privileges: once the uid change
	// below succeeds, a process without CAP_SETGID can no longer call
	// setgid at all.
	if err := syscall.Setgid(opts.GID); err != nil {
		return fmt.Errorf("setgid %d: %w", opts.GID, err)
	}
	if err := syscall.Setuid(opts.UID); err != nil {
		return fmt.Errorf("setuid %d: %w", opts.UID, err)
	}

	env := append(os.Environ(), "FIRECRACKER_ID="+opts.ID)
	args := []string{jailedExecPath, "--jailed", "--api-sock", "/run/firecracker.socket"}
	return j.Exec(jailedExecPath, args, env)
}

// bindOrCopy stages the exec file into the jail. A hard link is attempted
// first (cheap, same-filesystem case the jailer convention assumes); a
// plain copy is the fallback across filesystem boundaries.
func bindOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
