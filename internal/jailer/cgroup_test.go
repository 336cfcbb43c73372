package jailer

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMounts(t *testing.T, dir string, cpu, cpuset, pids string) string {
	t.Helper()
	content := "" +
		"cgroup " + cpu + " cgroup rw,cpu,cpuacct 0 0\n" +
		"cgroup " + cpuset + " cgroup rw,cpuset 0 0\n" +
		"cgroup " + pids + " cgroup rw,pids 0 0\n"
	path := filepath.Join(dir, "mounts")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseCgroupMountsHappyPath(t *testing.T) {
	dir := t.TempDir()
	cpuDir := filepath.Join(dir, "cpu")
	cpusetDir := filepath.Join(dir, "cpuset")
	pidsDir := filepath.Join(dir, "pids")
	for _, d := range []string{cpuDir, cpusetDir, pidsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	mountsPath := writeMounts(t, dir, cpuDir, cpusetDir, pidsDir)

	found, err := parseCgroupMounts(mountsPath)
	if err != nil {
		t.Fatalf("parseCgroupMounts: %v", err)
	}
	if found["cpu"] != cpuDir || found["cpuset"] != cpusetDir || found["pids"] != pidsDir {
		t.Fatalf("unexpected mount map: %+v", found)
	}
}

func TestParseCgroupMountsMissingController(t *testing.T) {
	dir := t.TempDir()
	content := "cgroup " + dir + " cgroup rw,cpu 0 0\n"
	mountsPath := filepath.Join(dir, "mounts")
	if err := os.WriteFile(mountsPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := parseCgroupMounts(mountsPath); err == nil {
		t.Fatal("expected an error when cpuset/pids controllers are missing")
	}
}

func TestParseCgroupMountsDuplicateController(t *testing.T) {
	dir := t.TempDir()
	content := "" +
		"cgroup " + filepath.Join(dir, "a") + " cgroup rw,cpu 0 0\n" +
		"cgroup " + filepath.Join(dir, "b") + " cgroup rw,cpu 0 0\n"
	mountsPath := filepath.Join(dir, "mounts")
	if err := os.WriteFile(mountsPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := parseCgroupMounts(mountsPath); err == nil {
		t.Fatal("expected an error on duplicate cpu controller mounts")
	}
}

func TestWritelnReadlnSpecialRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpuset.mems")
	if err := writelnSpecial(path, "0"); err != nil {
		t.Fatal(err)
	}
	got, err := readlnSpecial(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != "0" {
		t.Fatalf("readlnSpecial = %q, want %q", got, "0")
	}
}

func TestInheritFromParentPopulatesFromGrandparent(t *testing.T) {
	root := t.TempDir()
	grandparent := filepath.Join(root, "A")
	parent := filepath.Join(grandparent, "B")
	leaf := filepath.Join(parent, "C")
	for _, d := range []string{grandparent, parent, leaf} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	if err := writelnSpecial(filepath.Join(grandparent, "cpuset.cpus"), "0-3"); err != nil {
		t.Fatal(err)
	}
	// parent's copy starts out empty.
	if err := writelnSpecial(filepath.Join(parent, "cpuset.cpus"), ""); err != nil {
		t.Fatal(err)
	}

	if err := inheritFromParent(leaf, "cpuset.cpus"); err != nil {
		t.Fatalf("inheritFromParent: %v", err)
	}

	got, err := readlnSpecial(filepath.Join(leaf, "cpuset.cpus"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "0-3" {
		t.Fatalf("leaf cpuset.cpus = %q, want %q", got, "0-3")
	}
}

func TestInheritFromParentFailsWhenGrandparentAlsoEmpty(t *testing.T) {
	root := t.TempDir()
	grandparent := filepath.Join(root, "A")
	parent := filepath.Join(grandparent, "B")
	leaf := filepath.Join(parent, "C")
	for _, d := range []string{grandparent, parent, leaf} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := writelnSpecial(filepath.Join(grandparent, "cpuset.cpus"), ""); err != nil {
		t.Fatal(err)
	}
	if err := writelnSpecial(filepath.Join(parent, "cpuset.cpus"), ""); err != nil {
		t.Fatal(err)
	}

	if err := inheritFromParent(leaf, "cpuset.cpus"); err == nil {
		t.Fatal("expected an error when both parent and grandparent are empty")
	}
}
