package config

import "testing"

func TestNewInstanceInfoGeneratesID(t *testing.T) {
	i := NewInstanceInfo("")
	if i.ID() == "" {
		t.Fatal("expected a generated id, got empty string")
	}
	if i.State() != Uninitialized {
		t.Fatalf("expected fresh instance to be Uninitialized, got %v", i.State())
	}
	if !i.IsPreBoot() {
		t.Fatal("expected fresh instance to be pre-boot")
	}
}

func TestInstanceInfoExplicitID(t *testing.T) {
	i := NewInstanceInfo("my-instance")
	if i.ID() != "my-instance" {
		t.Fatalf("ID() = %q, want %q", i.ID(), "my-instance")
	}
}

func TestInstanceInfoSetState(t *testing.T) {
	i := NewInstanceInfo("x")
	i.SetState(Running)
	if i.State() != Running {
		t.Fatalf("State() = %v, want Running", i.State())
	}
	if i.IsPreBoot() {
		t.Fatal("IsPreBoot should be false once Running")
	}
}

func TestMachineConfigurationApplyVCPUParity(t *testing.T) {
	m := DefaultMachineConfiguration()

	ht := true
	vcpus := 3
	patch := PartialMachineConfiguration{HTEnabled: &ht, VCPUCount: &vcpus}
	if err := m.Apply(patch); err != ErrInvalidVCPUCount {
		t.Fatalf("Apply with odd vcpu count + HT = %v, want ErrInvalidVCPUCount", err)
	}
	// the receiver must be untouched on error
	if m.HTEnabled {
		t.Fatal("Apply must leave the receiver unmodified on error")
	}

	vcpus = 4
	patch = PartialMachineConfiguration{HTEnabled: &ht, VCPUCount: &vcpus}
	if err := m.Apply(patch); err != nil {
		t.Fatalf("Apply with even vcpu count + HT: unexpected error %v", err)
	}
	if m.VCPUCount != 4 || !m.HTEnabled {
		t.Fatalf("unexpected machine config after Apply: %+v", m)
	}
}

func TestMachineConfigurationApplyInvalidMemory(t *testing.T) {
	m := DefaultMachineConfiguration()
	zero := 0
	if err := m.Apply(PartialMachineConfiguration{MemSizeMiB: &zero}); err != ErrInvalidMemorySize {
		t.Fatalf("Apply with zero memory = %v, want ErrInvalidMemorySize", err)
	}
}

func TestBlockDeviceConfigsRootSortedFirst(t *testing.T) {
	b := NewBlockDeviceConfigs()
	if err := b.Insert(BlockDeviceConfig{DriveID: "data1"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Insert(BlockDeviceConfig{DriveID: "root", IsRootDevice: true}); err != nil {
		t.Fatal(err)
	}

	list := b.List()
	if len(list) != 2 || !list[0].IsRootDevice || list[0].DriveID != "root" {
		t.Fatalf("expected root device sorted to index 0, got %+v", list)
	}
}

func TestBlockDeviceConfigsRejectsSecondRoot(t *testing.T) {
	b := NewBlockDeviceConfigs()
	if err := b.Insert(BlockDeviceConfig{DriveID: "root1", IsRootDevice: true}); err != nil {
		t.Fatal(err)
	}
	err := b.Insert(BlockDeviceConfig{DriveID: "root2", IsRootDevice: true})
	if err != ErrRootBlockDeviceAlreadySet {
		t.Fatalf("second root device insert = %v, want ErrRootBlockDeviceAlreadySet", err)
	}
}

func TestBlockDeviceConfigsInsertIsIdempotentOnDriveID(t *testing.T) {
	b := NewBlockDeviceConfigs()
	cfg := BlockDeviceConfig{DriveID: "d1", PathOnHost: "/a"}
	if err := b.Insert(cfg); err != nil {
		t.Fatal(err)
	}
	cfg.PathOnHost = "/b"
	if err := b.Insert(cfg); err != nil {
		t.Fatal(err)
	}
	if len(b.List()) != 1 {
		t.Fatalf("expected one entry after re-insert, got %d", len(b.List()))
	}
	got, ok := b.Get("d1")
	if !ok || got.PathOnHost != "/b" {
		t.Fatalf("expected updated path on re-insert, got %+v", got)
	}
}

func TestBlockDeviceConfigsUpdatePathUnknownDrive(t *testing.T) {
	b := NewBlockDeviceConfigs()
	if err := b.UpdatePath("missing", "/x"); err != ErrInvalidBlockDeviceID {
		t.Fatalf("UpdatePath on unknown drive = %v, want ErrInvalidBlockDeviceID", err)
	}
}

func TestNetworkInterfaceConfigsGet(t *testing.T) {
	n := NewNetworkInterfaceConfigs()
	if err := n.Insert(NetworkInterfaceConfig{IfaceID: "eth0", HostDevName: "tap0"}); err != nil {
		t.Fatal(err)
	}
	got, ok := n.Get("eth0")
	if !ok || got.HostDevName != "tap0" {
		t.Fatalf("Get(eth0) = %+v, %v", got, ok)
	}
	if _, ok := n.Get("eth1"); ok {
		t.Fatal("expected Get on unknown iface to report false")
	}
}
