package imagestagerlib

import (
	"fmt"
	"path/filepath"

	"github.com/osforge/imagetools/imagegen/configuration"
	"github.com/osforge/imagetools/imagegen/diskutils"
)

// defaultDiskName groups partitions that do not name a disk.
const defaultDiskName = "sda"

// diskSlackMiB covers the partition table and alignment gaps at the start of a
// raw disk image.
const diskSlackMiB = 2

// RawImage stages a raw-type layout: one partitioned disk image per declared disk,
// with all partitions mounted into a shared staging root.
type RawImage struct {
	config     *configuration.Config
	workDir    string
	stagingDir string

	diskPaths map[string]string
	mount     *diskutils.PartitionedMount
}

// NewRawImage plans the disk images for config under workDir, mounted at
// stagingDir.
func NewRawImage(config *configuration.Config, workDir, stagingDir string,
	allocator *diskutils.LoopDeviceAllocator, skipFormat bool,
) (*RawImage, error) {
	if config.ImageType != configuration.ImageTypeRaw {
		return nil, fmt.Errorf("layout (%s) is not a raw image layout", config.Name)
	}

	image := &RawImage{
		config:     config,
		workDir:    workDir,
		stagingDir: stagingDir,
		diskPaths:  make(map[string]string),
		mount:      diskutils.NewPartitionedMount(stagingDir, skipFormat),
	}

	diskSizes := make(map[string]uint64)
	var diskOrder []string
	for _, partition := range config.Partitions {
		diskName := partition.Disk
		if diskName == "" {
			diskName = defaultDiskName
		}

		if _, seen := diskSizes[diskName]; !seen {
			diskOrder = append(diskOrder, diskName)
		}
		diskSizes[diskName] += partition.Size
	}

	for _, diskName := range diskOrder {
		diskPath := filepath.Join(workDir, rawDiskFileName(config.Name, diskName))
		image.diskPaths[diskName] = diskPath

		sizeMiB := int64(diskSizes[diskName]) + diskSlackMiB
		disk := diskutils.NewSparseLoopbackDisk(allocator, diskPath, sizeMiB*diskutils.MiB)

		err := image.mount.AddDisk(diskName, disk)
		if err != nil {
			return nil, err
		}
	}

	for _, partition := range config.Partitions {
		diskName := partition.Disk
		if diskName == "" {
			diskName = defaultDiskName
		}

		err := image.mount.AddPartition(int64(partition.Size), diskName,
			partition.Mountpoint, string(partition.FsType),
			diskutils.PartitionOptions{
				Label:        partition.Label,
				MountOptions: partition.MountOptions,
				Boot:         partition.Boot,
			})
		if err != nil {
			return nil, err
		}
	}

	return image, nil
}

// DiskPaths maps each declared disk to its image file path.
func (i *RawImage) DiskPaths() map[string]string {
	return i.diskPaths
}

// StagingDir returns the shared mount root.
func (i *RawImage) StagingDir() string {
	return i.stagingDir
}

func (i *RawImage) Mount() error {
	return i.mount.Mount()
}

func (i *RawImage) Unmount() error {
	return i.mount.Unmount()
}

// Fstab renders fstab entries for the staged partitions, identified by UUID while
// mounted and by label otherwise.
func (i *RawImage) Fstab() string {
	return partitionedFstab(i.mount.Partitions())
}

// rawDiskFileName derives a disk image file name. A single-disk layout on the
// default disk takes the bare layout name.
func rawDiskFileName(layoutName, diskName string) string {
	if diskName == defaultDiskName {
		return layoutName + ".raw"
	}
	return fmt.Sprintf("%s-%s.raw", layoutName, diskName)
}

// partitionedFstab renders fstab lines for a partitioned mount's partitions.
func partitionedFstab(partitions []*diskutils.Partition) string {
	fstab := ""
	for _, partition := range partitions {
		if partition.FsType == "swap" {
			device := fmt.Sprintf("LABEL=%s", partition.Label)
			if uuid := partition.UUID(); uuid != "" {
				device = fmt.Sprintf("UUID=%s", uuid)
			}
			fstab += fmt.Sprintf("%s\tswap\tswap\tdefaults\t0\t0\n", device)
			continue
		}

		options := partition.Options
		if options == "" {
			options = "defaults"
		}

		device := fmt.Sprintf("LABEL=%s", partition.Label)
		if uuid := partition.UUID(); uuid != "" {
			device = fmt.Sprintf("UUID=%s", uuid)
		}

		fsck := 2
		if partition.Mountpoint == "/" {
			fsck = 1
		}

		fstab += fmt.Sprintf("%s\t%s\t%s\t%s\t0\t%d\n",
			device, partition.Mountpoint, partition.FsType, options, fsck)
	}
	return fstab
}
