package configuration

import (
	"fmt"
	"slices"
)

type FsType string

const (
	FsTypeExt2  FsType = "ext2"
	FsTypeExt3  FsType = "ext3"
	FsTypeExt4  FsType = "ext4"
	FsTypeVfat  FsType = "vfat"
	FsTypeMsdos FsType = "msdos"
	FsTypeBtrfs FsType = "btrfs"
	FsTypeSwap  FsType = "swap"
)

var supportedFsTypes = []string{
	string(FsTypeExt2),
	string(FsTypeExt3),
	string(FsTypeExt4),
	string(FsTypeVfat),
	string(FsTypeMsdos),
	string(FsTypeBtrfs),
	string(FsTypeSwap),
}

func (ft *FsType) IsValid() error {
	if !slices.Contains(supportedFsTypes, string(*ft)) {
		return fmt.Errorf("invalid filesystem type (%s)", *ft)
	}
	return nil
}

// IsExt reports whether the type is a member of the ext family.
func (ft FsType) IsExt() bool {
	return ft == FsTypeExt2 || ft == FsTypeExt3 || ft == FsTypeExt4
}

// SupportedFsTypes returns all valid filesystem types.
func SupportedFsTypes() []string {
	return supportedFsTypes
}
