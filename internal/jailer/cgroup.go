// Package jailer implements the privileged pre-exec launcher of spec.md
// §4.1: it builds a per-instance cgroup hierarchy under the cpu, cpuset,
// and pids controllers, pins the instance to a NUMA node, and attaches the
// current process to each leaf before cmd/jailer execs the VMM binary.
// Grounded in original_source/jailer/src/cgroup.rs's writeln_special /
// readln_special single-line pseudo-file convention (SPEC_FULL.md
// "SUPPLEMENTED FEATURES").
package jailer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Controllers required by spec.md §4.1.
var Controllers = []string{"cpu", "cpuset", "pids"}

// mountLine matches "cgroup <dir> cgroup <options> 0 0" exactly, per
// spec.md §6 "Jailer cgroup layout".
var mountLine = regexp.MustCompile(`^cgroup (\S+) cgroup (\S+) 0 0$`)

// Cgroup is one controller's leaf directory and the tasks file attach_pid
// writes to (spec.md §3 "Cgroup").
type Cgroup struct {
	Controller string
	LeafDir    string
	TasksPath  string
}

// Jailer owns the set of per-controller cgroups created for one instance.
type Jailer struct {
	ID           string
	NumaNode     int
	ExecFileName string
	Cgroups      []Cgroup
}

// New returns a Jailer ready to CreateAndAttach.
func New(id string, numaNode int, execFileName string) *Jailer {
	return &Jailer{ID: id, NumaNode: numaNode, ExecFileName: execFileName}
}

// CreateAndAttach implements spec.md §4.1's create_and_attach: parses
// /proc/mounts to find each required controller's mount point, creates
// <mount>/<exec_file_name>/<id>/, and for cpuset propagates cpuset.cpus
// and cpuset.mems from the nearest non-empty ancestor before overwriting
// cpuset.mems with numaNode.
func (j *Jailer) CreateAndAttach() error {
	mounts, err := parseCgroupMounts("/proc/mounts")
	if err != nil {
		return err
	}

	for _, controller := range Controllers {
		mountDir, ok := mounts[controller]
		if !ok {
			return fmt.Errorf("jailer: no cgroup mount found for controller %q", controller)
		}

		leaf := filepath.Join(mountDir, j.ExecFileName, j.ID)
		if err := os.MkdirAll(leaf, 0o755); err != nil {
			return fmt.Errorf("jailer: create cgroup dir %s: %w", leaf, err)
		}

		if controller == "cpuset" {
			if err := inheritFromParent(leaf, "cpuset.cpus"); err != nil {
				return fmt.Errorf("jailer: inherit cpuset.cpus: %w", err)
			}
			if err := inheritFromParent(leaf, "cpuset.mems"); err != nil {
				return fmt.Errorf("jailer: inherit cpuset.mems: %w", err)
			}
			if err := writelnSpecial(filepath.Join(leaf, "cpuset.mems"), strconv.Itoa(j.NumaNode)); err != nil {
				return fmt.Errorf("jailer: set cpuset.mems to NUMA node %d: %w", j.NumaNode, err)
			}
		}

		j.Cgroups = append(j.Cgroups, Cgroup{
			Controller: controller,
			LeafDir:    leaf,
			TasksPath:  filepath.Join(leaf, "tasks"),
		})
	}

	return nil
}

// AttachPid writes pid once to every recorded tasks file.
func (j *Jailer) AttachPid(pid int) error {
	for _, cg := range j.Cgroups {
		if err := writelnSpecial(cg.TasksPath, strconv.Itoa(pid)); err != nil {
			return fmt.Errorf("jailer: attach pid to %s: %w", cg.TasksPath, err)
		}
	}
	return nil
}

// parseCgroupMounts scans a /proc/mounts-formatted file for lines matching
// mountLine, returning one mount directory per controller named in its
// options. Exactly one line must be consumed per required controller;
// spec.md §4.1 treats duplicate or missing controllers as fatal.
func parseCgroupMounts(procMountsPath string) (map[string]string, error) {
	f, err := os.Open(procMountsPath)
	if err != nil {
		return nil, fmt.Errorf("jailer: open %s: %w", procMountsPath, err)
	}
	defer f.Close()

	found := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m := mountLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		dir, opts := m[1], m[2]
		for _, controller := range Controllers {
			if hasOption(opts, controller) {
				if _, dup := found[controller]; dup {
					return nil, fmt.Errorf("jailer: duplicate cgroup mount for controller %q", controller)
				}
				found[controller] = dir
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("jailer: scan %s: %w", procMountsPath, err)
	}

	for _, controller := range Controllers {
		if _, ok := found[controller]; !ok {
			return nil, fmt.Errorf("jailer: missing cgroup mount for controller %q", controller)
		}
	}
	return found, nil
}

func hasOption(opts, name string) bool {
	for _, o := range strings.Split(opts, ",") {
		if o == name {
			return true
		}
	}
	return false
}

// inheritFromParent ensures leafDir/file carries the value currently in
// the parent directory's copy of file. If the parent's copy is empty, it
// recurses once into the grandparent to populate it, then retries. A
// concurrent sibling jailer populating the parent at the same time is
// benign (spec.md §4.1): the write may itself fail, but ensureInherited
// re-reads the parent's copy afterwards and only fails if it is still
// empty.
func inheritFromParent(leafDir, file string) error {
	val, err := ensureInherited(filepath.Dir(leafDir), file, 1)
	if err != nil {
		return err
	}
	return writelnSpecial(filepath.Join(leafDir, file), val)
}

// ensureInherited returns dir/file's value, populating it from dir's own
// parent first if it is currently empty. retriesLeft bounds the recursion
// to a single retry, matching spec.md §4.1: "Fails if after one retry the
// parent remains empty."
func ensureInherited(dir, file string, retriesLeft int) (string, error) {
	path := filepath.Join(dir, file)
	val, err := readlnSpecial(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if val != "" {
		return val, nil
	}
	if retriesLeft <= 0 {
		return "", fmt.Errorf("%s remained empty after one retry", path)
	}

	parentVal, err := ensureInherited(filepath.Dir(dir), file, retriesLeft-1)
	if err != nil {
		return "", err
	}
	// A sibling jailer may have populated path concurrently; a write error
	// here is benign as long as the post-condition (path is non-empty)
	// holds, so re-read rather than propagate the write's own error.
	_ = writelnSpecial(path, parentVal)

	val, err = readlnSpecial(path)
	if err != nil {
		return "", fmt.Errorf("re-read %s: %w", path, err)
	}
	if val == "" {
		return "", fmt.Errorf("%s still empty after retry", path)
	}
	return val, nil
}

// readlnSpecial reads a single-line cgroup pseudo-file, stripping the
// trailing newline (original_source/jailer/src/cgroup.rs convention).
func readlnSpecial(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\n"), nil
}

// writelnSpecial writes a single line with a trailing newline, matching
// the kernel's expectation for cgroup control files.
func writelnSpecial(path, value string) error {
	return os.WriteFile(path, []byte(value+"\n"), 0o644)
}
