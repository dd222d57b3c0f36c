package configuration

import (
	"fmt"
	"strings"

	"github.com/osforge/imagetools/internal/sliceutils"
)

// Partition defines one filesystem of the staged image: its mountpoint, size, and
// filesystem attributes. For raw images, Disk selects which disk image the
// partition is laid out on.
type Partition struct {
	Mountpoint   string `yaml:"mountpoint"`
	Size         uint64 `yaml:"size"`
	FsType       FsType `yaml:"fsType"`
	Label        string `yaml:"label"`
	BlockSize    int    `yaml:"blockSize"`
	MountOptions string `yaml:"mountOptions"`
	Boot         bool   `yaml:"boot"`
	Disk         string `yaml:"disk"`

	Subvolumes []Subvolume         `yaml:"subvolumes"`
	Snapshots  []SubvolumeSnapshot `yaml:"snapshots"`
}

func (p *Partition) IsValid() error {
	err := p.FsType.IsValid()
	if err != nil {
		return err
	}

	if p.FsType == FsTypeSwap {
		if p.Mountpoint != "" {
			return fmt.Errorf("swap partition may not have a mountpoint (%s)", p.Mountpoint)
		}
	} else {
		if p.Mountpoint == "" || !strings.HasPrefix(p.Mountpoint, "/") {
			return fmt.Errorf("partition mountpoint (%s) must be an absolute path", p.Mountpoint)
		}
	}

	if p.Size == 0 {
		return fmt.Errorf("partition (%s) must have a non-zero size", p.Mountpoint)
	}

	if len(p.Subvolumes) > 0 || len(p.Snapshots) > 0 {
		if p.FsType != FsTypeBtrfs {
			return fmt.Errorf("partition (%s) declares subvolumes but is not btrfs", p.Mountpoint)
		}
	}

	subvolumeMountpoints := make(map[string]bool)
	for _, subvolume := range p.Subvolumes {
		err = subvolume.IsValid()
		if err != nil {
			return fmt.Errorf("invalid 'subvolumes' field:\n%w", err)
		}

		// At most one subvolume may claim any mountpoint, "/" included; otherwise
		// the last one created would silently win.
		if subvolumeMountpoints[subvolume.Mountpoint] {
			return fmt.Errorf("duplicate subvolume mountpoint (%s)", subvolume.Mountpoint)
		}
		subvolumeMountpoints[subvolume.Mountpoint] = true
	}

	for _, snapshot := range p.Snapshots {
		err = snapshot.IsValid()
		if err != nil {
			return fmt.Errorf("invalid 'snapshots' field:\n%w", err)
		}

		baseExists := sliceutils.ContainsFunc(p.Subvolumes, func(s Subvolume) bool {
			return s.Name == snapshot.Base
		})
		if !baseExists {
			return fmt.Errorf("snapshot (%s) refers to unknown subvolume (%s)", snapshot.Name, snapshot.Base)
		}
	}

	return nil
}
