package diskutils

import (
	"fmt"
	"strings"
)

const (
	extLabelMaxLength   = 16
	otherLabelMaxLength = 32
)

// RestoreDeclaredSize asks Resparse to regrow the filesystem to the disk's declared
// size after shrinking.
const RestoreDeclaredSize int64 = -1

// FilesystemMount is a formatted filesystem layered on a Disk. Resparse shrinks the
// backing file to its minimal supportable size and returns that size; a non-zero
// target regrows the filesystem afterwards.
type FilesystemMount interface {
	Mount

	Cleanup() error
	Resparse(size int64) (minSize int64, err error)
	UUID() string
	Label() string
	FsType() string
	Disk() Disk
}

// FilesystemMountOptions carries the optional knobs of NewFilesystemMount.
type FilesystemMountOptions struct {
	// Label is the filesystem volume label. Over-long labels are truncated to the
	// filesystem's limit.
	Label string

	// BlockSize is the filesystem block size in bytes. Zero selects mkfs's default.
	BlockSize int

	// MountOptions is a comma-separated option string passed to mount.
	MountOptions string

	// SkipFormat mounts an existing filesystem instead of creating one.
	SkipFormat bool

	// RemoveMountDir removes the mount directory on unmount if the mount created it.
	RemoveMountDir bool

	// Subvolumes and Snapshots apply to btrfs only.
	Subvolumes []Subvolume
	Snapshots  []SubvolumeSnapshot
}

// NewFilesystemMount builds the mount implementation for fsType. An unrecognized
// filesystem type is an error at construction, before any tool is run.
func NewFilesystemMount(disk Disk, mountDir, fsType string, options FilesystemMountOptions) (FilesystemMount, error) {
	switch fsType {
	case "ext2", "ext3", "ext4":
		return newExtMount(disk, mountDir, fsType, options), nil

	case "vfat", "msdos":
		return newVfatMount(disk, mountDir, fsType, options), nil

	case "btrfs":
		return newBtrfsMount(disk, mountDir, options), nil

	default:
		return nil, fmt.Errorf("unknown filesystem type (%s)", fsType)
	}
}

// mountAction selects what Mount does with whatever is already on the disk.
type mountAction int

const (
	mountActionReuse mountAction = iota
	mountActionRestore
	mountActionFormat
)

// chooseMountAction preserves existing filesystem content whenever the disk carries
// any: an explicit skip-format reuses it as is, and a pre-existing backing file on a
// resizable disk is checked and restored instead of reformatted.
func chooseMountAction(skipFormat, fixed, exists bool) mountAction {
	switch {
	case skipFormat:
		return mountActionReuse
	case !fixed && exists:
		return mountActionRestore
	default:
		return mountActionFormat
	}
}

// truncateLabel strips path separators and clamps the label to the filesystem's
// maximum length.
func truncateLabel(label string, maxLength int) string {
	label = strings.ReplaceAll(label, "/", "")
	if len(label) > maxLength {
		return label[:maxLength]
	}
	return label
}

// minimalSizeSearch finds the smallest size in bytes that probe accepts, by binary
// search over (0, top]. probe reports whether the filesystem can be shrunk to the
// candidate size; a rejected candidate means the true minimum is larger.
func minimalSizeSearch(top int64, probe func(size int64) bool) int64 {
	bot := int64(0)
	for top != bot+1 {
		candidate := bot + (top-bot)/2
		if probe(candidate) {
			top = candidate
		} else {
			bot = candidate
		}
	}
	return top
}
