package diskutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/osforge/imagetools/internal/logger"
	"github.com/osforge/imagetools/internal/shell"
)

// DeviceMapperSnapshot overlays a copy-on-write disk on top of an origin disk using
// the device-mapper snapshot target. Writes land in the COW disk; the origin is
// untouched.
type DeviceMapperSnapshot struct {
	origin  *LoopbackDisk
	cow     *SparseLoopbackDisk
	name    string
	created bool
}

func NewDeviceMapperSnapshot(origin *LoopbackDisk, cow *SparseLoopbackDisk) *DeviceMapperSnapshot {
	return &DeviceMapperSnapshot{
		origin: origin,
		cow:    cow,
	}
}

// Path returns the snapshot's device path. Valid only after a successful Create.
func (s *DeviceMapperSnapshot) Path() string {
	if s.name == "" {
		return ""
	}
	return filepath.Join("/dev/mapper", s.name)
}

func (s *DeviceMapperSnapshot) Create() (err error) {
	if s.created {
		return nil
	}

	err = s.origin.Create()
	if err != nil {
		return &SnapshotError{Err: err}
	}

	err = s.cow.Create()
	if err != nil {
		s.origin.Cleanup()
		return &SnapshotError{Err: err}
	}

	originSize, err := s.origin.BackingFileSize()
	if err != nil {
		s.cleanupDisks()
		return &SnapshotError{Err: err}
	}

	s.name = fmt.Sprintf("imgmin-%d-%s", os.Getpid(), uuid.NewString()[:8])
	table := fmt.Sprintf("0 %d snapshot %s %s p 8",
		originSize/SectorSize, s.origin.Device(), s.cow.Device())

	logger.Log.Debugf("Creating snapshot (%s)", s.name)
	_, stderr, err := shell.Execute("dmsetup", "create", s.name, "--table", table)
	if err != nil {
		s.name = ""
		s.cleanupDisks()
		return &SnapshotError{Err: fmt.Errorf("failed to create snapshot device:\n%v\n%w", stderr, err)}
	}

	s.created = true
	return nil
}

// Remove tears the snapshot down. With ignoreErrors set, teardown continues past
// failures so that as much as possible is released.
func (s *DeviceMapperSnapshot) Remove(ignoreErrors bool) error {
	if s.created {
		// The snapshot device stays busy briefly after its last user closes it.
		time.Sleep(2 * time.Second)

		_, stderr, err := shell.Execute("dmsetup", "remove", s.name)
		if err != nil && !ignoreErrors {
			return &SnapshotError{Err: fmt.Errorf("failed to remove snapshot device (%s):\n%v\n%w", s.name, stderr, err)}
		}
		s.created = false
		s.name = ""
	}

	err := s.cow.Cleanup()
	if err != nil && !ignoreErrors {
		return &SnapshotError{Err: err}
	}

	err = s.origin.Cleanup()
	if err != nil && !ignoreErrors {
		return &SnapshotError{Err: err}
	}

	return nil
}

// CowUsed returns the number of bytes of the COW disk the snapshot has consumed.
func (s *DeviceMapperSnapshot) CowUsed() (int64, error) {
	if !s.created {
		return 0, &SnapshotError{Err: fmt.Errorf("snapshot does not exist")}
	}

	stdout, stderr, err := shell.Execute("dmsetup", "status", s.name)
	if err != nil {
		return 0, &SnapshotError{Err: fmt.Errorf("failed to query snapshot status:\n%v\n%w", stderr, err)}
	}

	used, err := parseSnapshotStatus(stdout)
	if err != nil {
		return 0, &SnapshotError{Err: err}
	}
	return used, nil
}

func (s *DeviceMapperSnapshot) cleanupDisks() {
	s.cow.Cleanup()
	s.origin.Cleanup()
}

// parseSnapshotStatus extracts the used sector count from dmsetup status output of
// the form "0 8388608 snapshot 10560/8388608 16" and converts it to bytes.
func parseSnapshotStatus(output string) (int64, error) {
	fields := strings.Fields(output)
	if len(fields) < 4 || fields[2] != "snapshot" {
		return 0, fmt.Errorf("unexpected snapshot status (%s)", strings.TrimSpace(output))
	}

	usage := strings.SplitN(fields[3], "/", 2)
	usedSectors, err := strconv.ParseInt(usage[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected snapshot usage field (%s):\n%w", fields[3], err)
	}

	return usedSectors * SectorSize, nil
}

// CreateImageMinimizer builds a squashfs image at outputPath containing the COW
// overlay needed to restore imagePath to full size from its minimized form. The
// overlay is sized by snapshotting the image and growing its filesystem to fullSize.
func CreateImageMinimizer(outputPath string, imagePath string, fullSize int64, allocator *LoopDeviceAllocator) (err error) {
	logger.Log.Infof("Creating minimizer overlay (%s) for (%s)", outputPath, imagePath)

	imageInfo, err := os.Stat(imagePath)
	if err != nil {
		return fmt.Errorf("failed to stat image (%s):\n%w", imagePath, err)
	}

	cowPath := filepath.Join(filepath.Dir(outputPath), "osmin")

	origin := NewLoopbackDisk(allocator, imagePath, imageInfo.Size())
	cow := NewSparseLoopbackDisk(allocator, cowPath, fullSize)
	snapshot := NewDeviceMapperSnapshot(origin, cow)

	err = snapshot.Create()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			snapshot.Remove(true)
			os.Remove(cowPath)
		}
	}()

	// Growing the filesystem on the snapshot device writes only the blocks the
	// resize touches into the COW overlay.
	_, stderr, err := shell.Execute("resize2fs", snapshot.Path(), fmt.Sprintf("%dK", fullSize/KiB))
	if err != nil {
		return fmt.Errorf("failed to grow snapshot filesystem:\n%v\n%w", stderr, err)
	}

	used, err := snapshot.CowUsed()
	if err != nil {
		return err
	}

	err = snapshot.Remove(false)
	if err != nil {
		return err
	}

	err = os.Truncate(cowPath, used)
	if err != nil {
		return fmt.Errorf("failed to truncate overlay file (%s):\n%w", cowPath, err)
	}

	workDir, err := os.MkdirTemp(filepath.Dir(outputPath), "osmin-squash")
	if err != nil {
		return fmt.Errorf("failed to create squashfs staging directory:\n%w", err)
	}
	defer os.RemoveAll(workDir)

	err = os.Rename(cowPath, filepath.Join(workDir, "osmin"))
	if err != nil {
		return fmt.Errorf("failed to stage overlay file:\n%w", err)
	}

	_, stderr, err = shell.Execute("mksquashfs", workDir, outputPath, "-noappend")
	if err != nil {
		return &SquashfsError{Err: fmt.Errorf("mksquashfs failed:\n%v\n%w", stderr, err)}
	}

	return nil
}
