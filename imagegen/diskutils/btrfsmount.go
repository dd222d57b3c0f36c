package diskutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/osforge/imagetools/internal/file"
	"github.com/osforge/imagetools/internal/logger"
	"github.com/osforge/imagetools/internal/shell"
)

const subvolumeMetadataSuffix = ".subvolume_metadata"

// rootSubvolumeMountpoint marks the subvolume mounted as the filesystem root.
const rootSubvolumeMountpoint = "/"

// Subvolume describes a btrfs subvolume to create inside the filesystem.
type Subvolume struct {
	Name         string
	Mountpoint   string
	MountOptions string
	Quota        bool
}

// SubvolumeSnapshot describes a read-only snapshot taken of a base subvolume when
// the filesystem is unmounted for the last time.
type SubvolumeSnapshot struct {
	Name string
	Base string
}

// subvolumeRecord is a created subvolume together with its kernel-assigned id. The
// records are persisted in a sidecar file next to the backing image so that a
// re-mount of an existing image can restore the same layout.
type subvolumeRecord struct {
	id         int
	name       string
	mountpoint string
	options    string
}

// BtrfsMount manages a btrfs filesystem with optional subvolumes and snapshots.
type BtrfsMount struct {
	diskMount
	label string
	uuid  string

	subvolumes []Subvolume
	snapshots  []SubvolumeSnapshot

	records        []subvolumeRecord
	mountedSubvols []string
	snapped        bool
}

func newBtrfsMount(disk Disk, mountDir string, options FilesystemMountOptions) *BtrfsMount {
	return &BtrfsMount{
		diskMount: diskMount{
			disk:           disk,
			mountDir:       mountDir,
			fsType:         "btrfs",
			mountOptions:   options.MountOptions,
			skipFormat:     options.SkipFormat,
			removeMountDir: options.RemoveMountDir,
		},
		label:      truncateLabel(options.Label, otherLabelMaxLength),
		subvolumes: options.Subvolumes,
		snapshots:  options.Snapshots,
	}
}

func (m *BtrfsMount) UUID() string {
	return m.uuid
}

func (m *BtrfsMount) Label() string {
	return m.label
}

func (m *BtrfsMount) FsType() string {
	return m.fsType
}

func (m *BtrfsMount) Mount() error {
	reuse := m.skipFormat
	if !m.disk.Fixed() {
		exists, err := m.disk.Exists()
		if err != nil {
			return err
		}
		reuse = reuse || exists
	}

	err := m.disk.Create()
	if err != nil {
		return err
	}

	if !reuse {
		err = m.format()
		if err != nil {
			return err
		}
	}

	err = m.readUUID()
	if err != nil {
		return err
	}

	err = m.mountDisk("")
	if err != nil {
		return err
	}

	if reuse {
		err = m.loadSubvolumeMetadata()
	} else {
		err = m.createSubvolumes()
		if err == nil {
			err = m.writeSubvolumeMetadata()
		}
	}
	if err != nil {
		m.unmountDisk()
		return err
	}

	err = m.mountSubvolumes()
	if err != nil {
		m.unmountSubvolumes()
		m.unmountDisk()
		return err
	}

	return nil
}

func (m *BtrfsMount) Unmount() error {
	err := m.unmountSubvolumes()
	if err != nil {
		return err
	}

	err = m.unmountDisk()
	if err != nil {
		return err
	}

	return m.createSnapshots()
}

func (m *BtrfsMount) Cleanup() error {
	err := m.Unmount()
	if err != nil {
		return err
	}
	return m.disk.Cleanup()
}

func (m *BtrfsMount) format() error {
	device := m.disk.Device()
	logger.Log.Debugf("Formatting (%s) as btrfs", device)

	args := []string{"-f"}
	if m.label != "" {
		args = append(args, "-L", m.label)
	}
	args = append(args, device)

	_, stderr, err := shell.Execute("mkfs.btrfs", args...)
	if err != nil {
		return &MountError{
			Path: device,
			Err:  fmt.Errorf("failed to format (%s) as btrfs:\n%v\n%w", device, stderr, err),
		}
	}
	return nil
}

func (m *BtrfsMount) readUUID() error {
	stdout, stderr, err := shell.Execute("blkid", "-s", "UUID", "-o", "value", m.disk.Device())
	if err != nil {
		return fmt.Errorf("failed to read filesystem UUID of (%s):\n%v\n%w", m.disk.Device(), stderr, err)
	}
	m.uuid = strings.TrimSpace(stdout)
	return nil
}

func (m *BtrfsMount) metadataPath() string {
	sparse, ok := m.disk.(sparseBackedDisk)
	if !ok {
		return ""
	}
	return sparse.BackingFile() + subvolumeMetadataSuffix
}

func (m *BtrfsMount) createSubvolumes() error {
	if len(m.subvolumes) == 0 {
		return nil
	}

	quotaEnabled := false
	for _, subvolume := range m.subvolumes {
		logger.Log.Debugf("Creating subvolume (%s)", subvolume.Name)

		_, stderr, err := shell.Execute("btrfs", "subvolume", "create",
			filepath.Join(m.mountDir, subvolume.Name))
		if err != nil {
			return fmt.Errorf("failed to create subvolume (%s):\n%v\n%w", subvolume.Name, stderr, err)
		}

		if subvolume.Quota && !quotaEnabled {
			_, stderr, err = shell.Execute("btrfs", "quota", "enable", m.mountDir)
			if err != nil {
				return fmt.Errorf("failed to enable quota on (%s):\n%v\n%w", m.mountDir, stderr, err)
			}
			quotaEnabled = true
		}
	}

	ids, err := m.listSubvolumeIds()
	if err != nil {
		return err
	}

	m.records = m.records[:0]
	for _, subvolume := range m.subvolumes {
		id, found := ids[subvolume.Name]
		if !found {
			return fmt.Errorf("created subvolume (%s) not present in subvolume list", subvolume.Name)
		}
		m.records = append(m.records, subvolumeRecord{
			id:         id,
			name:       subvolume.Name,
			mountpoint: subvolume.Mountpoint,
			options:    subvolume.MountOptions,
		})

		if subvolume.Mountpoint == rootSubvolumeMountpoint {
			_, stderr, err := shell.Execute("btrfs", "subvolume", "set-default",
				strconv.Itoa(id), m.mountDir)
			if err != nil {
				return fmt.Errorf("failed to set default subvolume (%s):\n%v\n%w", subvolume.Name, stderr, err)
			}
		}
	}

	return nil
}

func (m *BtrfsMount) listSubvolumeIds() (map[string]int, error) {
	stdout, stderr, err := shell.Execute("btrfs", "subvolume", "list", m.mountDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list subvolumes of (%s):\n%v\n%w", m.mountDir, stderr, err)
	}
	return parseSubvolumeList(stdout), nil
}

func (m *BtrfsMount) writeSubvolumeMetadata() error {
	path := m.metadataPath()
	if path == "" || len(m.records) == 0 {
		return nil
	}

	err := file.Write(formatSubvolumeMetadata(m.records), path)
	if err != nil {
		return fmt.Errorf("failed to write subvolume metadata (%s):\n%w", path, err)
	}
	return nil
}

func (m *BtrfsMount) loadSubvolumeMetadata() error {
	path := m.metadataPath()
	if path == "" {
		return nil
	}

	exists, err := file.IsFile(path)
	if err != nil || !exists {
		return err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read subvolume metadata (%s):\n%w", path, err)
	}

	m.records, err = parseSubvolumeMetadata(string(content))
	if err != nil {
		return fmt.Errorf("failed to parse subvolume metadata (%s):\n%w", path, err)
	}
	return nil
}

// mountSubvolumes remounts the base directory so the default subvolume set during
// creation becomes visible, then mounts each remaining subvolume under its
// mountpoint.
func (m *BtrfsMount) mountSubvolumes() error {
	remount, defaultOptions := defaultSubvolumeRemount(m.records)

	if remount {
		err := m.unmountDisk()
		if err != nil {
			return err
		}
		err = m.mountDisk(defaultOptions)
		if err != nil {
			return err
		}
	}

	for _, record := range m.records {
		if record.mountpoint == rootSubvolumeMountpoint {
			continue
		}

		target := filepath.Join(m.mountDir, record.mountpoint)
		err := os.MkdirAll(target, os.ModePerm)
		if err != nil {
			return &MountError{Path: target, Err: fmt.Errorf("failed to create subvolume mountpoint:\n%w", err)}
		}

		options := fmt.Sprintf("defaults,subvolid=%d", record.id)
		if record.options != "" {
			options = fmt.Sprintf("%s,subvolid=%d", record.options, record.id)
		}

		_, stderr, err := shell.Execute("mount", "-t", "btrfs", "-o", options, m.disk.Device(), target)
		if err != nil {
			return &MountError{
				Path: target,
				Err:  fmt.Errorf("failed to mount subvolume (%s):\n%v\n%w", record.name, stderr, err),
			}
		}

		m.mountedSubvols = append(m.mountedSubvols, target)
	}

	return nil
}

// unmountSubvolumes detaches subvolume mounts in the reverse of mount order.
func (m *BtrfsMount) unmountSubvolumes() error {
	for i := len(m.mountedSubvols) - 1; i >= 0; i-- {
		target := m.mountedSubvols[i]

		mounted, err := IsMountPoint(target)
		if err != nil {
			return err
		}
		if !mounted {
			continue
		}

		_, stderr, err := shell.Execute("umount", "-l", target)
		if err != nil {
			return &MountError{
				Path: target,
				Err:  fmt.Errorf("failed to unmount subvolume:\n%v\n%w", stderr, err),
			}
		}
	}

	m.mountedSubvols = nil
	return nil
}

// createSnapshots takes the configured snapshots exactly once, against the true
// filesystem root rather than the default subvolume.
func (m *BtrfsMount) createSnapshots() error {
	if m.snapped || len(m.snapshots) == 0 {
		return nil
	}

	err := m.disk.Create()
	if err != nil {
		return err
	}

	rootDir, err := os.MkdirTemp("", "btrfsroot")
	if err != nil {
		return fmt.Errorf("failed to create snapshot staging directory:\n%w", err)
	}
	defer os.Remove(rootDir)

	_, stderr, err := shell.Execute("mount", "-t", "btrfs", "-o", "subvolid=0", m.disk.Device(), rootDir)
	if err != nil {
		return &MountError{
			Path: rootDir,
			Err:  fmt.Errorf("failed to mount filesystem root:\n%v\n%w", stderr, err),
		}
	}
	defer shell.Execute("umount", "-l", rootDir)

	for _, snapshot := range m.snapshots {
		logger.Log.Debugf("Snapshotting subvolume (%s) as (%s)", snapshot.Base, snapshot.Name)

		_, stderr, err := shell.Execute("btrfs", "subvolume", "snapshot",
			filepath.Join(rootDir, snapshot.Base), filepath.Join(rootDir, snapshot.Name))
		if err != nil {
			return fmt.Errorf("failed to snapshot subvolume (%s):\n%v\n%w", snapshot.Base, stderr, err)
		}
	}

	m.snapped = true
	return nil
}

func (m *BtrfsMount) target() string {
	if sparse, ok := m.disk.(sparseBackedDisk); ok {
		return sparse.BackingFile()
	}
	return m.disk.Device()
}

// Resparse checks the filesystem and returns the declared size unchanged. Btrfs is
// not shrunk offline.
func (m *BtrfsMount) Resparse(size int64) (int64, error) {
	err := m.Cleanup()
	if err != nil {
		return 0, err
	}

	_, stderr, err := shell.Execute("btrfsck", m.target())
	if err != nil {
		return 0, fmt.Errorf("filesystem check of (%s) failed:\n%v\n%w", m.target(), stderr, err)
	}

	return m.disk.Size(), nil
}

// defaultSubvolumeRemount decides whether the base mount must be redone after
// subvolume creation, and with which options. set-default only affects future
// mounts, so any subvolume layout needs the remount for the base directory to show
// the default subvolume instead of the top-level tree.
func defaultSubvolumeRemount(records []subvolumeRecord) (remount bool, options string) {
	for _, record := range records {
		if record.mountpoint == rootSubvolumeMountpoint {
			options = record.options
		}
	}
	return len(records) > 0, options
}

// parseSubvolumeList maps subvolume names to ids from "btrfs subvolume list" output.
// Lines have the form "ID 256 gen 30 top level 5 path home".
func parseSubvolumeList(output string) map[string]int {
	ids := make(map[string]int)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "ID" {
			continue
		}

		id, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}

		pathIndex := -1
		for i, field := range fields {
			if field == "path" {
				pathIndex = i
				break
			}
		}
		if pathIndex < 0 || pathIndex+1 >= len(fields) {
			continue
		}

		ids[fields[pathIndex+1]] = id
	}
	return ids
}

// formatSubvolumeMetadata renders records as tab-separated "id name mountpoint
// options" lines.
func formatSubvolumeMetadata(records []subvolumeRecord) string {
	var sb strings.Builder
	for _, record := range records {
		options := record.options
		if options == "" {
			options = "defaults"
		}
		fmt.Fprintf(&sb, "%d\t%s\t%s\t%s\n", record.id, record.name, record.mountpoint, options)
	}
	return sb.String()
}

func parseSubvolumeMetadata(content string) ([]subvolumeRecord, error) {
	var records []subvolumeRecord
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("malformed subvolume metadata line (%s)", line)
		}

		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("malformed subvolume id (%s):\n%w", fields[0], err)
		}

		records = append(records, subvolumeRecord{
			id:         id,
			name:       fields[1],
			mountpoint: fields[2],
			options:    fields[3],
		})
	}
	return records, nil
}
