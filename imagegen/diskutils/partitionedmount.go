package diskutils

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/osforge/imagetools/internal/logger"
	"github.com/osforge/imagetools/internal/shell"
	"golang.org/x/sys/unix"
)

// partitionStartMiB leaves room for the boot loader ahead of the first partition.
const partitionStartMiB = 1

// newFilesystemMount is indirected so tests can substitute recording mounts.
var newFilesystemMount = NewFilesystemMount

// PartitionOptions carries the optional attributes of an added partition.
type PartitionOptions struct {
	Label        string
	MountOptions string
	Boot         bool
}

// Partition is one registered partition of a PartitionedMount.
type Partition struct {
	SizeMiB    int64
	DiskName   string
	Mountpoint string
	FsType     string
	Label      string
	Options    string
	Boot       bool

	// number is the 1-based partition index on its disk, fixed at registration.
	number int
	device string
	mount  FilesystemMount
}

// Device returns the mapped partition device path. Valid only while mounted.
func (p *Partition) Device() string {
	return p.device
}

// UUID returns the partition filesystem's UUID. Valid only while mounted.
func (p *Partition) UUID() string {
	if p.mount == nil {
		return ""
	}
	return p.mount.UUID()
}

// PartitionedMount lays multiple partitions out on one or more disks, formats them,
// and mounts them into a single staging root.
type PartitionedMount struct {
	mountDir   string
	skipFormat bool

	diskNames  []string
	disks      map[string]Disk
	partitions []*Partition

	mapped  []string
	mounted []*Partition
}

func NewPartitionedMount(mountDir string, skipFormat bool) *PartitionedMount {
	return &PartitionedMount{
		mountDir:   mountDir,
		skipFormat: skipFormat,
		disks:      make(map[string]Disk),
	}
}

func (m *PartitionedMount) MountDir() string {
	return m.mountDir
}

// AddDisk registers a disk under a name that partitions refer to.
func (m *PartitionedMount) AddDisk(name string, disk Disk) error {
	if _, exists := m.disks[name]; exists {
		return fmt.Errorf("duplicate disk name (%s)", name)
	}
	m.diskNames = append(m.diskNames, name)
	m.disks[name] = disk
	return nil
}

// AddPartition appends a partition to a registered disk. On-disk order follows
// registration order; mount order is decided later by mountpoint.
func (m *PartitionedMount) AddPartition(sizeMiB int64, diskName, mountpoint, fsType string, options PartitionOptions) error {
	if _, exists := m.disks[diskName]; !exists {
		return fmt.Errorf("partition (%s) refers to unknown disk (%s)", mountpoint, diskName)
	}

	if fsType != "swap" {
		// Validate the filesystem type up front. The real mount is built later,
		// once the partition device exists.
		_, err := NewFilesystemMount(NewRawDisk("", 0), "", fsType, FilesystemMountOptions{})
		if err != nil {
			return err
		}
	}

	number := 1
	for _, partition := range m.partitions {
		if partition.DiskName == diskName {
			number++
		}
	}

	m.partitions = append(m.partitions, &Partition{
		SizeMiB:    sizeMiB,
		DiskName:   diskName,
		Mountpoint: mountpoint,
		FsType:     fsType,
		Label:      options.Label,
		Options:    options.MountOptions,
		Boot:       options.Boot,
		number:     number,
	})
	return nil
}

// Partitions returns the registered partitions in registration order.
func (m *PartitionedMount) Partitions() []*Partition {
	return m.partitions
}

func (m *PartitionedMount) Mount() (err error) {
	defer func() {
		if err != nil {
			m.rollback()
		}
	}()

	for _, name := range m.diskNames {
		err = m.disks[name].Create()
		if err != nil {
			return err
		}
	}

	if !m.skipFormat {
		for _, name := range m.diskNames {
			err = m.writePartitionTable(name)
			if err != nil {
				return err
			}
		}
	}

	for _, name := range m.diskNames {
		err = m.mapPartitions(name)
		if err != nil {
			return err
		}
	}

	err = WaitForDevicesToSettle()
	if err != nil {
		return err
	}

	if !m.skipFormat {
		err = m.formatSwapPartitions()
		if err != nil {
			return err
		}
	}

	return m.mountPartitions()
}

// mountPartitions mounts the registered partitions in mount order, recording each
// success for reverse teardown.
func (m *PartitionedMount) mountPartitions() error {
	for _, index := range mountOrder(m.partitions) {
		partition := m.partitions[index]
		err := m.mountPartition(partition)
		if err != nil {
			return err
		}
		m.mounted = append(m.mounted, partition)
	}

	return nil
}

// writePartitionTable writes an msdos label and the disk's partitions with parted,
// then asks the kernel to reread the table.
func (m *PartitionedMount) writePartitionTable(diskName string) error {
	disk := m.disks[diskName]
	device := disk.Device()

	logger.Log.Debugf("Writing partition table on (%s)", device)

	_, stderr, err := shell.Execute("parted", "-s", device, "mklabel", "msdos")
	if err != nil {
		return &MountError{
			Path: device,
			Err:  fmt.Errorf("failed to create disk label:\n%v\n%w", stderr, err),
		}
	}

	start := int64(partitionStartMiB)
	for _, partition := range m.partitions {
		if partition.DiskName != diskName {
			continue
		}

		end := start + partition.SizeMiB
		_, stderr, err = shell.Execute("parted", "-s", "--", device,
			"unit", "MiB",
			"mkpart", "primary", partedFsType(partition.FsType),
			strconv.FormatInt(start, 10), strconv.FormatInt(end, 10))
		if err != nil {
			return &MountError{
				Path: device,
				Err:  fmt.Errorf("failed to create partition %d:\n%v\n%w", partition.number, stderr, err),
			}
		}

		if partition.Boot {
			_, stderr, err = shell.Execute("parted", "-s", device,
				"set", strconv.Itoa(partition.number), "boot", "on")
			if err != nil {
				return &MountError{
					Path: device,
					Err:  fmt.Errorf("failed to set boot flag on partition %d:\n%v\n%w", partition.number, stderr, err),
				}
			}
		}

		start = end
	}

	return requestKernelRereadPartitionTable(device)
}

// requestKernelRereadPartitionTable asks the kernel to reload a device's partition
// table. Busy-device errors are ignored; kpartx maps the partitions regardless.
func requestKernelRereadPartitionTable(device string) error {
	f, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open (%s):\n%w", device, err)
	}
	defer f.Close()

	err = unix.IoctlSetInt(int(f.Fd()), unix.BLKRRPART, 0)
	if err != nil && err != unix.EBUSY {
		logger.Log.Warnf("Kernel refused to reread partition table on (%s): %v", device, err)
	}
	return nil
}

// mapPartitions exposes the disk's partitions as device-mapper nodes and records the
// resulting device path on each partition.
func (m *PartitionedMount) mapPartitions(diskName string) error {
	disk := m.disks[diskName]
	device := disk.Device()

	stdout, stderr, err := shell.Execute("kpartx", "-a", "-s", "-v", device)
	if err != nil {
		return &MountError{
			Path: device,
			Err:  fmt.Errorf("failed to map partitions:\n%v\n%w", stderr, err),
		}
	}

	mapNames := parseKpartxOutput(stdout)

	diskPartitions := make([]*Partition, 0)
	for _, partition := range m.partitions {
		if partition.DiskName == diskName {
			diskPartitions = append(diskPartitions, partition)
		}
	}

	if len(mapNames) < len(diskPartitions) {
		return &MountError{
			Path: device,
			Err: fmt.Errorf("kpartx mapped %d partitions, expected %d",
				len(mapNames), len(diskPartitions)),
		}
	}

	for i, partition := range diskPartitions {
		partition.device = filepath.Join("/dev/mapper", mapNames[i])
	}

	m.mapped = append(m.mapped, device)
	return nil
}

func (m *PartitionedMount) formatSwapPartitions() error {
	for _, partition := range m.partitions {
		if partition.FsType != "swap" {
			continue
		}

		args := []string{}
		if partition.Label != "" {
			args = append(args, "-L", truncateLabel(partition.Label, extLabelMaxLength))
		}
		args = append(args, partition.device)

		_, stderr, err := shell.Execute("mkswap", args...)
		if err != nil {
			return &MountError{
				Path: partition.device,
				Err:  fmt.Errorf("failed to format swap partition:\n%v\n%w", stderr, err),
			}
		}
	}
	return nil
}

func (m *PartitionedMount) mountPartition(partition *Partition) error {
	mountDir := filepath.Join(m.mountDir, partition.Mountpoint)

	mount, err := newFilesystemMount(
		NewRawDisk(partition.device, partition.SizeMiB*MiB),
		mountDir,
		partition.FsType,
		FilesystemMountOptions{
			Label:          partition.Label,
			MountOptions:   partition.Options,
			SkipFormat:     m.skipFormat,
			RemoveMountDir: false,
		})
	if err != nil {
		return err
	}

	err = mount.Mount()
	if err != nil {
		return err
	}

	partition.mount = mount
	return nil
}

func (m *PartitionedMount) Unmount() error {
	for i := len(m.mounted) - 1; i >= 0; i-- {
		err := m.mounted[i].mount.Unmount()
		if err != nil {
			return err
		}
	}
	m.mounted = nil

	for i := len(m.mapped) - 1; i >= 0; i-- {
		_, stderr, err := shell.Execute("kpartx", "-d", m.mapped[i])
		if err != nil {
			return &MountError{
				Path: m.mapped[i],
				Err:  fmt.Errorf("failed to unmap partitions:\n%v\n%w", stderr, err),
			}
		}
	}
	m.mapped = nil

	for _, name := range m.diskNames {
		err := m.disks[name].Cleanup()
		if err != nil {
			return err
		}
	}

	return nil
}

// Cleanup tears everything down, tolerating partial failures.
func (m *PartitionedMount) Cleanup() error {
	return m.Unmount()
}

// rollback undoes the parts of Mount that completed, ignoring errors.
func (m *PartitionedMount) rollback() {
	for i := len(m.mounted) - 1; i >= 0; i-- {
		m.mounted[i].mount.Unmount()
	}
	m.mounted = nil

	for i := len(m.mapped) - 1; i >= 0; i-- {
		shell.Execute("kpartx", "-d", m.mapped[i])
	}
	m.mapped = nil

	for _, name := range m.diskNames {
		m.disks[name].Cleanup()
	}
}

// mountOrder returns partition indexes sorted so that parents mount before their
// children, with the root filesystem first. Swap partitions are excluded.
func mountOrder(partitions []*Partition) []int {
	var order []int
	for i, partition := range partitions {
		if partition.FsType == "swap" {
			continue
		}
		order = append(order, i)
	}

	sort.SliceStable(order, func(a, b int) bool {
		return partitions[order[a]].Mountpoint < partitions[order[b]].Mountpoint
	})
	return order
}

// parseKpartxOutput extracts device-mapper names from "add map loop0p1 ..." lines,
// preserving order.
func parseKpartxOutput(output string) []string {
	var names []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "add" || fields[1] != "map" {
			continue
		}
		names = append(names, fields[2])
	}
	return names
}

// partedFsType maps a mkfs-style filesystem name to parted's partition type name.
func partedFsType(fsType string) string {
	switch fsType {
	case "vfat", "msdos":
		return "fat32"
	case "swap":
		return "linux-swap"
	case "ext2", "ext3", "ext4", "btrfs":
		return fsType
	default:
		return "ext2"
	}
}
