package config

import "errors"

var (
	ErrDriveIDNotUnique        = errors.New("drive_id is not unique")
	ErrInvalidBlockDeviceID    = errors.New("InvalidBlockDeviceID")
	ErrRootBlockDeviceAlreadySet = errors.New("A root block device already exists")
	ErrOperationNotAllowedPreBoot = errors.New("OperationNotAllowedPreBoot")
)

// BlockDeviceConfig describes one virtio-block drive (spec.md §3).
type BlockDeviceConfig struct {
	DriveID       string
	PathOnHost    string
	IsRootDevice  bool
	PartUUID      string
	IsReadOnly    bool
	RateLimiter   *RateLimiterConfig
}

// BlockDeviceConfigs is the ordered list of configured drives, kept sorted
// so that a root device (if any) is always at index 0 (spec.md §3, §4.5).
type BlockDeviceConfigs struct {
	list []BlockDeviceConfig
}

func NewBlockDeviceConfigs() *BlockDeviceConfigs {
	return &BlockDeviceConfigs{}
}

func (b *BlockDeviceConfigs) List() []BlockDeviceConfig {
	return b.list
}

func (b *BlockDeviceConfigs) indexOf(driveID string) int {
	for i := range b.list {
		if b.list[i].DriveID == driveID {
			return i
		}
	}
	return -1
}

// HasRootDevice reports whether a root device is configured.
func (b *BlockDeviceConfigs) HasRootDevice() bool {
	for i := range b.list {
		if b.list[i].IsRootDevice {
			return true
		}
	}
	return false
}

// Insert adds cfg, or updates the existing entry with the same DriveID
// (round-trip idempotence required by spec.md §8). At most one root
// device is allowed; inserting a second one is rejected rather than
// silently demoting the first, since the wire protocol has no notion of
// "replace the current root".
func (b *BlockDeviceConfigs) Insert(cfg BlockDeviceConfig) error {
	if cfg.IsRootDevice {
		for i := range b.list {
			if b.list[i].IsRootDevice && b.list[i].DriveID != cfg.DriveID {
				return ErrRootBlockDeviceAlreadySet
			}
		}
	}

	if idx := b.indexOf(cfg.DriveID); idx != -1 {
		b.list[idx] = cfg
	} else {
		b.list = append(b.list, cfg)
	}

	b.sortRootFirst()
	return nil
}

// UpdatePath rewrites path_on_host for an existing drive (update_drive_path,
// spec.md §4.4). Valid in any lifecycle state; the caller (Supervisor)
// performs the post-boot re-open and handler notification.
func (b *BlockDeviceConfigs) UpdatePath(driveID, path string) error {
	idx := b.indexOf(driveID)
	if idx == -1 {
		return ErrInvalidBlockDeviceID
	}
	b.list[idx].PathOnHost = path
	return nil
}

func (b *BlockDeviceConfigs) Get(driveID string) (BlockDeviceConfig, bool) {
	idx := b.indexOf(driveID)
	if idx == -1 {
		return BlockDeviceConfig{}, false
	}
	return b.list[idx], true
}

func (b *BlockDeviceConfigs) sortRootFirst() {
	for i := range b.list {
		if b.list[i].IsRootDevice && i != 0 {
			b.list[0], b.list[i] = b.list[i], b.list[0]
			return
		}
	}
}
