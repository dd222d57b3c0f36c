package imagestagerlib

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/osforge/imagetools/imagegen/configuration"
	"github.com/osforge/imagetools/imagegen/diskutils"
	"github.com/osforge/imagetools/internal/logger"
	"github.com/osforge/imagetools/internal/shell"
)

// newFilesystemMount is indirected so tests can substitute recording mounts.
var newFilesystemMount = diskutils.NewFilesystemMount

// LoopImage is one partition of a loop-type build, staged as its own sparse image
// file on a loop device.
type LoopImage struct {
	Partition configuration.Partition
	ImagePath string

	mount diskutils.FilesystemMount
}

// UUID returns the image filesystem's UUID. Valid only after a mount.
func (i *LoopImage) UUID() string {
	if i.mount == nil {
		return ""
	}
	return i.mount.UUID()
}

// LoopImageSet stages every partition of a loop-type layout as a separate loopback
// image and mounts them together into one staging root.
type LoopImageSet struct {
	config     *configuration.Config
	workDir    string
	stagingDir string
	allocator  *diskutils.LoopDeviceAllocator
	skipFormat bool

	images  []*LoopImage
	mounted []*LoopImage
}

// NewLoopImageSet plans the image files for config under workDir, mounted at
// stagingDir. With skipFormat set, existing image files are reused instead of
// formatted.
func NewLoopImageSet(config *configuration.Config, workDir, stagingDir string,
	allocator *diskutils.LoopDeviceAllocator, skipFormat bool,
) (*LoopImageSet, error) {
	if config.ImageType != configuration.ImageTypeLoop {
		return nil, fmt.Errorf("layout (%s) is not a loop image layout", config.Name)
	}

	set := &LoopImageSet{
		config:     config,
		workDir:    workDir,
		stagingDir: stagingDir,
		allocator:  allocator,
		skipFormat: skipFormat,
	}

	for _, partition := range config.Partitions {
		set.images = append(set.images, &LoopImage{
			Partition: partition,
			ImagePath: filepath.Join(workDir, imageFileName(config.Name, partition.Mountpoint)),
		})
	}

	// Parents must mount before their children.
	sort.SliceStable(set.images, func(a, b int) bool {
		return set.images[a].Partition.Mountpoint < set.images[b].Partition.Mountpoint
	})

	return set, nil
}

// SetImageNames overrides the planned image file names. Used when re-mounting a
// packaged build whose manifest records the real names.
func (s *LoopImageSet) SetImageNames(names map[string]string) {
	for _, image := range s.images {
		name, found := names[image.Partition.Mountpoint]
		if found && name != "" {
			image.ImagePath = filepath.Join(s.workDir, name)
		}
	}
}

// Images returns the planned images in mount order.
func (s *LoopImageSet) Images() []*LoopImage {
	return s.images
}

// StagingDir returns the shared mount root.
func (s *LoopImageSet) StagingDir() string {
	return s.stagingDir
}

// Mount attaches and mounts every image, formatting them unless the set reuses
// existing files. A failure rolls back the images already mounted.
func (s *LoopImageSet) Mount() (err error) {
	defer func() {
		if err != nil {
			s.rollback()
		}
	}()

	for _, image := range s.images {
		partition := image.Partition

		disk := diskutils.NewSparseLoopbackDisk(s.allocator, image.ImagePath,
			int64(partition.Size)*diskutils.MiB)

		subvolumes := make([]diskutils.Subvolume, 0, len(partition.Subvolumes))
		for _, subvolume := range partition.Subvolumes {
			subvolumes = append(subvolumes, diskutils.Subvolume{
				Name:         subvolume.Name,
				Mountpoint:   subvolume.Mountpoint,
				MountOptions: subvolume.MountOptions,
				Quota:        subvolume.Quota,
			})
		}
		snapshots := make([]diskutils.SubvolumeSnapshot, 0, len(partition.Snapshots))
		for _, snapshot := range partition.Snapshots {
			snapshots = append(snapshots, diskutils.SubvolumeSnapshot{
				Name: snapshot.Name,
				Base: snapshot.Base,
			})
		}

		image.mount, err = newFilesystemMount(disk,
			filepath.Join(s.stagingDir, partition.Mountpoint),
			string(partition.FsType),
			diskutils.FilesystemMountOptions{
				Label:        partition.Label,
				BlockSize:    partition.BlockSize,
				MountOptions: partition.MountOptions,
				SkipFormat:   s.skipFormat,
				Subvolumes:   subvolumes,
				Snapshots:    snapshots,
			})
		if err != nil {
			return err
		}

		err = image.mount.Mount()
		if err != nil {
			return err
		}
		s.mounted = append(s.mounted, image)
	}

	return nil
}

// Unmount detaches the images in the reverse of mount order. The loop devices are
// released as well.
func (s *LoopImageSet) Unmount() error {
	var firstError error
	for i := len(s.mounted) - 1; i >= 0; i-- {
		err := s.mounted[i].mount.Cleanup()
		if err != nil && firstError == nil {
			firstError = err
		}
	}
	s.mounted = nil
	return firstError
}

func (s *LoopImageSet) rollback() {
	for i := len(s.mounted) - 1; i >= 0; i-- {
		s.mounted[i].mount.Cleanup()
	}
	s.mounted = nil
}

// Resparse shrinks every image's backing file to its minimal size. size selects the
// filesystem size to restore afterwards, as in FilesystemMount.Resparse.
func (s *LoopImageSet) Resparse(size int64) error {
	for _, image := range s.images {
		if image.mount == nil {
			continue
		}

		logger.Log.Infof("Shrinking image (%s)", image.ImagePath)
		minSize, err := image.mount.Resparse(size)
		if err != nil {
			return creatorErrorf("shrink", err)
		}
		logger.Log.Debugf("Image (%s) minimal size is %d bytes", image.ImagePath, minSize)
	}
	return nil
}

// OptimizeForDistribution drops the huge_file feature from ext4 images and
// revalidates them, so older kernels can mount the shipped images.
func (s *LoopImageSet) OptimizeForDistribution() error {
	for _, image := range s.images {
		if image.Partition.FsType != configuration.FsTypeExt4 {
			continue
		}

		_, stderr, err := shell.Execute("tune2fs", "-O", "^huge_file", image.ImagePath)
		if err != nil {
			return creatorErrorf("optimize", fmt.Errorf("tune2fs failed on (%s):\n%v\n%w", image.ImagePath, stderr, err))
		}

		// tune2fs requires a filesystem check after a feature change.
		_, stderr, err = shell.Execute("e2fsck", "-f", "-y", image.ImagePath)
		if err != nil {
			return creatorErrorf("optimize", fmt.Errorf("e2fsck failed on (%s):\n%v\n%w", image.ImagePath, stderr, err))
		}
	}
	return nil
}

// Fstab renders the fstab entries for the staged filesystems, identified by UUID.
// Valid only while the set is mounted.
func (s *LoopImageSet) Fstab() string {
	var sb strings.Builder
	for _, image := range s.images {
		options := image.Partition.MountOptions
		if options == "" {
			options = "defaults"
		}

		device := fmt.Sprintf("UUID=%s", image.UUID())
		if image.UUID() == "" {
			device = fmt.Sprintf("LABEL=%s", image.Partition.Label)
		}

		fsck := 2
		if image.Partition.Mountpoint == "/" {
			fsck = 1
		}

		fmt.Fprintf(&sb, "%s\t%s\t%s\t%s\t0\t%d\n",
			device, image.Partition.Mountpoint, image.Partition.FsType, options, fsck)
	}
	return sb.String()
}

// ImageNames maps each mountpoint to its image file name.
func (s *LoopImageSet) ImageNames() map[string]string {
	names := make(map[string]string)
	for _, image := range s.images {
		names[image.Partition.Mountpoint] = filepath.Base(image.ImagePath)
	}
	return names
}

// imageFileName derives the image file name for a partition. The root partition
// takes the bare layout name; other mountpoints are folded into the name.
func imageFileName(layoutName, mountpoint string) string {
	if mountpoint == "/" {
		return layoutName + ".img"
	}
	suffix := strings.ReplaceAll(strings.Trim(mountpoint, "/"), "/", "_")
	return fmt.Sprintf("%s-%s.img", layoutName, suffix)
}
