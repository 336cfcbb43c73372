package vmm

import (
	"fmt"
	"os"

	"github.com/vmmstack/microvmm/internal/api"
	"github.com/vmmstack/microvmm/internal/config"
)

// dispatchAction runs one envelope to completion and ships the reply back
// on its one-shot channel. Per spec.md §4.4, a blocked/closed reply
// channel means a dropped caller, which is a fatal programming error.
func (s *Supervisor) dispatchAction(a *api.Action) {
	var reply api.Reply

	switch a.Kind {
	case api.ConfigureBootSource:
		reply.Err = s.configureBootSource(a.BootSource)
	case api.ConfigureLogger:
		reply.Err = s.configureLogger(a.LoggerConfig)
	case api.GetMachineConfiguration:
		mc := s.machine
		reply.MachineConfiguration = &mc
	case api.SetVmConfiguration:
		reply.Err = s.setVMConfiguration(a.MachinePatch)
	case api.InsertBlockDevice:
		reply.Err = s.insertBlockDevice(a.BlockDevice)
	case api.InsertNetworkDevice:
		reply.Err = s.insertNetworkDevice(a.NetworkInterface)
	case api.UpdateDrivePath:
		reply.Err = s.updateDrivePath(a.UpdateDrivePath)
	case api.RescanBlockDevice:
		reply.Err = s.rescanBlockDevice(a.DriveID)
	case api.StartMicroVm:
		reply.Err = s.StartInstance()
	default:
		reply.Err = api.InternalError(fmt.Sprintf("unknown action kind %d", a.Kind))
	}

	select {
	case a.Reply <- reply:
	default:
		s.log.Errorf("vmm: reply channel for action %d did not accept the reply; dropped caller is fatal", a.Kind)
		s.Stop(2)
	}
}

func (s *Supervisor) configureBootSource(bs *api.BootSource) *api.ActionError {
	if !s.instance.IsPreBoot() {
		return api.UserError(config.ErrUpdateNotAllowedPostBoot.Error())
	}
	if bs == nil {
		return api.UserError(config.ErrEmptyKernelPath.Error())
	}
	kc, err := config.NewKernelConfig(bs.KernelImagePath, bs.BootArgs, cmdlineAddr)
	if err != nil {
		return api.UserError(err.Error())
	}
	s.kernel = kc
	return nil
}

func (s *Supervisor) configureLogger(lc *api.LoggerConfig) *api.ActionError {
	if !s.instance.IsPreBoot() {
		return api.UserError(config.ErrUpdateNotAllowedPostBoot.Error())
	}
	if lc == nil {
		return api.InternalError("missing logger configuration")
	}
	if err := s.log.Reconfigure(lc.LogFifo, lc.Level, lc.ShowLevel, lc.ShowLogOrigin); err != nil {
		return api.InternalError(err.Error())
	}
	s.loggerCfg = *lc
	return nil
}

func (s *Supervisor) setVMConfiguration(patch *config.PartialMachineConfiguration) *api.ActionError {
	if !s.instance.IsPreBoot() {
		return api.UserError(config.ErrUpdateNotAllowedPostBoot.Error())
	}
	if patch == nil {
		return nil
	}
	if err := s.machine.Apply(*patch); err != nil {
		return api.UserError(err.Error())
	}
	return nil
}

func (s *Supervisor) insertBlockDevice(cfg *config.BlockDeviceConfig) *api.ActionError {
	if !s.instance.IsPreBoot() {
		return api.UserError(config.ErrUpdateNotAllowedPostBoot.Error())
	}
	if cfg == nil {
		return api.UserError(config.ErrInvalidBlockDeviceID.Error())
	}
	if err := s.blocks.Insert(*cfg); err != nil {
		return api.UserError(err.Error())
	}
	return nil
}

func (s *Supervisor) insertNetworkDevice(cfg *config.NetworkInterfaceConfig) *api.ActionError {
	if !s.instance.IsPreBoot() {
		return api.UserError(config.ErrUpdateNotAllowedPostBoot.Error())
	}
	if cfg == nil {
		return api.UserError(config.ErrInvalidIfaceID.Error())
	}
	if err := s.nets.Insert(*cfg); err != nil {
		return api.UserError(err.Error())
	}
	return nil
}

// rescanBlockDevice is rejected pre-boot (spec.md §4.4: "rescan_block_device
// is rejected when state = Uninitialized"). Actual virtqueue rescan
// notification is the virtio collaborator's job (out of scope, spec.md
// §1); this validates the request and locates the handler for it.
func (s *Supervisor) rescanBlockDevice(driveID string) *api.ActionError {
	if s.instance.IsPreBoot() {
		return api.UserError(config.ErrOperationNotAllowedPreBoot.Error())
	}
	if _, ok := s.blockHandlers[driveID]; !ok {
		return api.UserError(config.ErrInvalidBlockDeviceID.Error())
	}
	return nil
}

// updateDrivePath implements spec.md §4.4's always-accepted path: pre-boot
// it only rewrites the config entry; post-boot it also re-opens the
// backing file and hands it to the live handler before issuing a rescan.
func (s *Supervisor) updateDrivePath(req *api.UpdateDrivePathRequest) *api.ActionError {
	if req == nil {
		return api.UserError(config.ErrInvalidBlockDeviceID.Error())
	}
	if err := s.blocks.UpdatePath(req.DriveID, req.PathOnHost); err != nil {
		return api.UserError(err.Error())
	}
	if s.instance.IsPreBoot() {
		return nil
	}

	cfg, ok := s.blocks.Get(req.DriveID)
	if !ok {
		return api.InternalError("update_drive_path: config vanished for " + req.DriveID)
	}
	flags := os.O_RDWR
	if cfg.IsReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(req.PathOnHost, flags, 0)
	if err != nil {
		return api.UserError(fmt.Sprintf("update_drive_path: open %s: %v", req.PathOnHost, err))
	}

	h, ok := s.blockHandlers[req.DriveID]
	if !ok {
		_ = f.Close()
		return api.InternalError("update_drive_path: no live handler for " + req.DriveID)
	}
	if err := h.UpdateFile(f); err != nil {
		return api.InternalError(err.Error())
	}

	return s.rescanBlockDevice(req.DriveID)
}
