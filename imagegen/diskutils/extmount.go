package diskutils

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/osforge/imagetools/internal/logger"
	"github.com/osforge/imagetools/internal/shell"
	"github.com/sirupsen/logrus"
)

// sparseBackedDisk is satisfied by loopback disks whose capacity lives in a file the
// mount may resize.
type sparseBackedDisk interface {
	Disk
	BackingFile() string
	BackingFileSize() (int64, error)
	Truncate(size int64) error
}

// ExtMount manages an ext2/ext3/ext4 filesystem on a disk.
type ExtMount struct {
	diskMount
	blockSize int
	label     string
	uuid      string
}

func newExtMount(disk Disk, mountDir, fsType string, options FilesystemMountOptions) *ExtMount {
	blockSize := options.BlockSize
	if blockSize == 0 {
		blockSize = 4096
	}

	return &ExtMount{
		diskMount: diskMount{
			disk:           disk,
			mountDir:       mountDir,
			fsType:         fsType,
			mountOptions:   options.MountOptions,
			skipFormat:     options.SkipFormat,
			removeMountDir: options.RemoveMountDir,
		},
		blockSize: blockSize,
		label:     truncateLabel(options.Label, extLabelMaxLength),
	}
}

func (m *ExtMount) UUID() string {
	return m.uuid
}

func (m *ExtMount) Label() string {
	return m.label
}

func (m *ExtMount) FsType() string {
	return m.fsType
}

func (m *ExtMount) Mount() error {
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
		err = m.readUUID()

	case mountActionRestore:
		_, err = m.resizeFilesystem(RestoreDeclaredSize)
		if err == nil {
			err = m.readUUID()
		}

	default:
		err = m.format()
	}
	if err != nil {
		return err
	}

	return m.mountDisk("")
}

func (m *ExtMount) Unmount() error {
	return m.unmountDisk()
}

// Cleanup unmounts the filesystem and releases the underlying disk.
func (m *ExtMount) Cleanup() error {
	err := m.unmountDisk()
	if err != nil {
		return err
	}
	return m.disk.Cleanup()
}

func (m *ExtMount) format() error {
	device := m.disk.Device()
	logger.Log.Debugf("Formatting (%s) as %s", device, m.fsType)

	args := []string{"-F", "-m", "1", "-b", strconv.Itoa(m.blockSize)}
	if m.label != "" {
		args = append(args, "-L", m.label)
	}
	args = append(args, device)

	_, stderr, err := shell.Execute(fmt.Sprintf("mkfs.%s", m.fsType), args...)
	if err != nil {
		return &MountError{
			Path: device,
			Err:  fmt.Errorf("failed to format (%s) as %s:\n%v\n%w", device, m.fsType, stderr, err),
		}
	}

	err = m.readUUID()
	if err != nil {
		return err
	}

	// Disable periodic checks and turn on the features the staged OS expects.
	_, stderr, err = shell.Execute("tune2fs", "-c0", "-i0", "-Odir_index", "-ouser_xattr,acl", device)
	if err != nil {
		return &MountError{
			Path: device,
			Err:  fmt.Errorf("failed to tune (%s):\n%v\n%w", device, stderr, err),
		}
	}

	return nil
}

// target returns the path e2fsprogs tools should operate on. The backing file is
// preferred so that the tools work while the loop device is detached.
func (m *ExtMount) target() string {
	if sparse, ok := m.disk.(sparseBackedDisk); ok {
		return sparse.BackingFile()
	}
	return m.disk.Device()
}

func (m *ExtMount) readUUID() error {
	stdout, stderr, err := shell.Execute("dumpe2fs", "-h", m.target())
	if err != nil {
		return fmt.Errorf("failed to read superblock of (%s):\n%v\n%w", m.target(), stderr, err)
	}

	uuid, err := parseDumpe2fsField(stdout, "Filesystem UUID")
	if err != nil {
		return fmt.Errorf("failed to read filesystem UUID of (%s):\n%w", m.target(), err)
	}

	m.uuid = uuid
	return nil
}

func (m *ExtMount) fsck() error {
	_, stderr, err := shell.Execute("e2fsck", "-f", "-y", m.target())
	if err != nil {
		return fmt.Errorf("filesystem check of (%s) failed:\n%v\n%w", m.target(), stderr, err)
	}
	return nil
}

// resizeFilesystem grows or shrinks the filesystem to size bytes. A negative size
// selects the disk's declared size. Returns the size the filesystem ends up with.
func (m *ExtMount) resizeFilesystem(size int64) (int64, error) {
	target := size
	if target < 0 {
		target = m.disk.Size()
	}

	sparse, isSparse := m.disk.(sparseBackedDisk)
	if isSparse {
		current, err := sparse.BackingFileSize()
		if err != nil {
			return 0, err
		}
		if target == current {
			return target, nil
		}
		if target > current {
			expander, ok := m.disk.(interface {
				Expand(create bool, size int64) error
			})
			if !ok {
				return 0, fmt.Errorf("disk backing (%s) cannot be expanded", sparse.BackingFile())
			}
			err = expander.Expand(false, target)
			if err != nil {
				return 0, err
			}
		}
	}

	err := m.fsck()
	if err != nil {
		return 0, err
	}

	err = m.runResize2fs(target)
	if err != nil {
		return 0, err
	}
	return target, nil
}

func (m *ExtMount) runResize2fs(size int64) error {
	_, stderr, err := shell.NewExecBuilder("resize2fs", m.target(), fmt.Sprintf("%dK", size/KiB)).
		LogLevel(logrus.TraceLevel, logrus.TraceLevel).
		ExecuteCaptureOuput()
	if err != nil {
		return fmt.Errorf("resize2fs to %d bytes failed:\n%v\n%w", size, stderr, err)
	}
	return nil
}

// resizeToMinimal shrinks the filesystem as far as resize2fs will allow and returns
// the resulting size in bytes. The search starts from the current filesystem extent
// and tightens the bound on every successful shrink.
func (m *ExtMount) resizeToMinimal() (int64, error) {
	err := m.fsck()
	if err != nil {
		return 0, err
	}

	stdout, stderr, err := shell.Execute("dumpe2fs", "-h", m.target())
	if err != nil {
		return 0, fmt.Errorf("failed to read superblock of (%s):\n%v\n%w", m.target(), stderr, err)
	}

	blockCountField, err := parseDumpe2fsField(stdout, "Block count")
	if err != nil {
		return 0, err
	}
	blockSizeField, err := parseDumpe2fsField(stdout, "Block size")
	if err != nil {
		return 0, err
	}

	blockCount, err := strconv.ParseInt(blockCountField, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse block count (%s):\n%w", blockCountField, err)
	}
	blockSize, err := strconv.ParseInt(blockSizeField, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse block size (%s):\n%w", blockSizeField, err)
	}

	top := blockCount * blockSize
	logger.Log.Debugf("Shrinking filesystem on (%s), starting from %d bytes", m.target(), top)

	minimal := minimalSizeSearch(top, func(size int64) bool {
		return m.runResize2fs(size) == nil
	})

	logger.Log.Debugf("Minimal filesystem size for (%s) is %d bytes", m.target(), minimal)
	return minimal, nil
}

// Resparse shrinks the filesystem to its minimal size, truncates the backing file to
// match, and then regrows the filesystem to size. A negative size restores the
// disk's declared size; zero leaves the filesystem minimal. Returns the minimal
// size found.
func (m *ExtMount) Resparse(size int64) (minSize int64, err error) {
	err = m.Cleanup()
	if err != nil {
		return 0, err
	}

	sparse, ok := m.disk.(sparseBackedDisk)
	if !ok {
		return 0, fmt.Errorf("cannot resparse a fixed disk (%s)", m.disk.Device())
	}

	minSize, err = m.resizeToMinimal()
	if err != nil {
		return 0, err
	}

	err = sparse.Truncate(minSize)
	if err != nil {
		return 0, err
	}

	if size != 0 {
		_, err = m.resizeFilesystem(size)
		if err != nil {
			return 0, err
		}
	}

	return minSize, nil
}

// parseDumpe2fsField extracts the value of a "Field name:   value" line from
// dumpe2fs output.
func parseDumpe2fsField(output string, fieldName string) (string, error) {
	prefix := fieldName + ":"
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), nil
		}
	}
	return "", fmt.Errorf("field (%s) not found in dumpe2fs output", fieldName)
}
