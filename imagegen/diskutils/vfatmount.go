package diskutils

import (
	"fmt"
	"strings"

	"github.com/osforge/imagetools/internal/logger"
	"github.com/osforge/imagetools/internal/shell"
)

// VfatMount manages a FAT filesystem on a disk. FAT cannot be shrunk, so Resparse
// only verifies the filesystem and reports the declared size.
type VfatMount struct {
	diskMount
	label string
	uuid  string
}

func newVfatMount(disk Disk, mountDir, fsType string, options FilesystemMountOptions) *VfatMount {
	return &VfatMount{
		diskMount: diskMount{
			disk:           disk,
			mountDir:       mountDir,
			fsType:         fsType,
			mountOptions:   options.MountOptions,
			skipFormat:     options.SkipFormat,
			removeMountDir: options.RemoveMountDir,
		},
		label: truncateLabel(options.Label, otherLabelMaxLength),
	}
}

func (m *VfatMount) UUID() string {
	return m.uuid
}

func (m *VfatMount) Label() string {
	return m.label
}

func (m *VfatMount) FsType() string {
	return m.fsType
}

func (m *VfatMount) Mount() error {
	exists := false
	if !m.disk.Fixed() {
		diskExists, err := m.disk.Exists()
		if err != nil {
			return err
		}
		exists = diskExists
	}

	err := m.disk.Create()
	if err != nil {
		return err
	}

	switch chooseMountAction(m.skipFormat, m.disk.Fixed(), exists) {
	case mountActionReuse:
		// Keep the existing filesystem untouched.

	case mountActionRestore:
		err = m.restoreFilesystem()
		if err != nil {
			return err
		}

	default:
		err = m.format()
		if err != nil {
			return err
		}
	}

	err = m.readUUID()
	if err != nil {
		return err
	}

	return m.mountDisk("")
}

// restoreFilesystem revalidates an existing FAT image and grows its backing file
// back to the declared size. The filesystem itself is not resized.
func (m *VfatMount) restoreFilesystem() error {
	err := m.fsck()
	if err != nil {
		return err
	}

	sparse, ok := m.disk.(sparseBackedDisk)
	if !ok {
		return nil
	}

	current, err := sparse.BackingFileSize()
	if err != nil {
		return err
	}
	if current >= m.disk.Size() {
		return nil
	}

	expander, ok := m.disk.(interface {
		Expand(create bool, size int64) error
	})
	if !ok {
		return nil
	}
	return expander.Expand(false, m.disk.Size())
}

func (m *VfatMount) Unmount() error {
	return m.unmountDisk()
}

func (m *VfatMount) Cleanup() error {
	err := m.unmountDisk()
	if err != nil {
		return err
	}
	return m.disk.Cleanup()
}

func (m *VfatMount) format() error {
	device := m.disk.Device()
	logger.Log.Debugf("Formatting (%s) as %s", device, m.fsType)

	var args []string
	if m.label != "" {
		args = append(args, "-n", m.label)
	}
	args = append(args, device)

	_, stderr, err := shell.Execute("mkfs.vfat", args...)
	if err != nil {
		return &MountError{
			Path: device,
			Err:  fmt.Errorf("failed to format (%s) as %s:\n%v\n%w", device, m.fsType, stderr, err),
		}
	}
	return nil
}

func (m *VfatMount) target() string {
	if sparse, ok := m.disk.(sparseBackedDisk); ok {
		return sparse.BackingFile()
	}
	return m.disk.Device()
}

func (m *VfatMount) readUUID() error {
	stdout, stderr, err := shell.Execute("blkid", "-s", "UUID", "-o", "value", m.disk.Device())
	if err != nil {
		return fmt.Errorf("failed to read filesystem UUID of (%s):\n%v\n%w", m.disk.Device(), stderr, err)
	}
	m.uuid = strings.TrimSpace(stdout)
	return nil
}

func (m *VfatMount) fsck() error {
	_, stderr, err := shell.Execute("fsck.vfat", "-y", m.target())
	if err != nil {
		return fmt.Errorf("filesystem check of (%s) failed:\n%v\n%w", m.target(), stderr, err)
	}
	return nil
}

// Resparse checks the filesystem and returns the declared size unchanged.
func (m *VfatMount) Resparse(size int64) (int64, error) {
	err := m.Cleanup()
	if err != nil {
		return 0, err
	}

	err = m.fsck()
	if err != nil {
		return 0, err
	}

	return m.disk.Size(), nil
}
