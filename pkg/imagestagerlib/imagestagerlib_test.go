package imagestagerlib

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/osforge/imagetools/imagegen/configuration"
	"github.com/osforge/imagetools/imagegen/diskutils"
	"github.com/osforge/imagetools/internal/logger"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

func testConfig() configuration.Config {
	return configuration.Config{
		Name:      "core-image",
		Arch:      "x86_64",
		ImageType: configuration.ImageTypeLoop,
		PackTo:    "core-image.tar.gz",
		Partitions: []configuration.Partition{
			{Mountpoint: "/home", Size: 1024, FsType: configuration.FsTypeExt4, Label: "home"},
			{Mountpoint: "/", Size: 4096, FsType: configuration.FsTypeExt4, Label: "rootfs"},
		},
	}
}

func TestImageFileName(t *testing.T) {
	assert.Equal(t, "core.img", imageFileName("core", "/"))
	assert.Equal(t, "core-home.img", imageFileName("core", "/home"))
	assert.Equal(t, "core-var_lib.img", imageFileName("core", "/var/lib"))
}

func TestNewLoopImageSetMountOrder(t *testing.T) {
	config := testConfig()
	set, err := NewLoopImageSet(&config, "/tmp/work", "/tmp/staging", nil, false)
	assert.NoError(t, err)

	images := set.Images()
	assert.Len(t, images, 2)
	assert.Equal(t, "/", images[0].Partition.Mountpoint)
	assert.Equal(t, "/home", images[1].Partition.Mountpoint)
	assert.Equal(t, "/tmp/work/core-image.img", images[0].ImagePath)
	assert.Equal(t, "/tmp/work/core-image-home.img", images[1].ImagePath)
}

func TestNewLoopImageSetRejectsRawLayout(t *testing.T) {
	config := testConfig()
	config.ImageType = configuration.ImageTypeRaw

	_, err := NewLoopImageSet(&config, "/tmp/work", "/tmp/staging", nil, false)
	assert.Error(t, err)
}

func TestSetImageNames(t *testing.T) {
	config := testConfig()
	set, err := NewLoopImageSet(&config, "/tmp/work", "/tmp/staging", nil, false)
	assert.NoError(t, err)

	set.SetImageNames(map[string]string{
		"/": "renamed-root.img",
	})

	assert.Equal(t, "/tmp/work/renamed-root.img", set.Images()[0].ImagePath)
	assert.Equal(t, "/tmp/work/core-image-home.img", set.Images()[1].ImagePath)
}

func TestFstabFallsBackToLabel(t *testing.T) {
	config := testConfig()
	set, err := NewLoopImageSet(&config, "/tmp/work", "/tmp/staging", nil, false)
	assert.NoError(t, err)

	fstab := set.Fstab()

	// No mount has happened, so UUIDs are unknown and labels are used.
	assert.Contains(t, fstab, "LABEL=rootfs\t/\text4\tdefaults\t0\t1")
	assert.Contains(t, fstab, "LABEL=home\t/home\text4\tdefaults\t0\t2")
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	config := testConfig()

	manifest := NewManifest(&config, map[string]string{
		"/":     "core-image.img",
		"/home": "core-image-home.img",
	})

	err := manifest.Save(dir)
	assert.NoError(t, err)

	loaded, err := LoadManifest(dir)
	assert.NoError(t, err)

	assert.Equal(t, "x86_64", loaded.Arch)
	assert.Len(t, loaded.Partitions, 2)
	assert.Equal(t, "/home", loaded.Partitions[0].Mountpoint)
	assert.Equal(t, "core-image-home.img", loaded.Partitions[0].Name)
	assert.Equal(t, uint64(1024), loaded.Partitions[0].Size)
	assert.Equal(t, "ext4", loaded.Partitions[1].FsType)
}

func TestLoadManifestMissing(t *testing.T) {
	_, err := LoadManifest(t.TempDir())
	assert.Error(t, err)
}

func TestConfigFromManifest(t *testing.T) {
	base := testConfig()
	manifest := NewManifest(&base, map[string]string{
		"/":     "core-image.img",
		"/home": "core-image-home.img",
	})

	rebuilt, err := configFromManifest(&base, manifest)
	assert.NoError(t, err)

	assert.Equal(t, configuration.ImageTypeLoop, rebuilt.ImageType)
	assert.Len(t, rebuilt.Partitions, 2)
	assert.Equal(t, "/", rebuilt.RootPartition().Mountpoint)
}

func TestManifestPathIsHidden(t *testing.T) {
	assert.Equal(t, ".mountpoints.xml", filepath.Base(manifestPath("/some/dir")))
}

type recordingFsMount struct {
	name string
	log  *[]string
	fail bool
}

func (m *recordingFsMount) Mount() error {
	if m.fail {
		return fmt.Errorf("mount of (%s) failed", m.name)
	}
	*m.log = append(*m.log, "mount "+m.name)
	return nil
}

func (m *recordingFsMount) Unmount() error {
	*m.log = append(*m.log, "unmount "+m.name)
	return nil
}

func (m *recordingFsMount) MountDir() string {
	return m.name
}

func (m *recordingFsMount) Cleanup() error {
	*m.log = append(*m.log, "cleanup "+m.name)
	return nil
}

func (m *recordingFsMount) Resparse(size int64) (int64, error) {
	return size, nil
}

func (m *recordingFsMount) UUID() string {
	return ""
}

func (m *recordingFsMount) Label() string {
	return ""
}

func (m *recordingFsMount) FsType() string {
	return "ext4"
}

func (m *recordingFsMount) Disk() diskutils.Disk {
	return nil
}

// withRecordingFsMounts substitutes the filesystem mount factory with one that
// records mount activity. Mounting failMountDir fails.
func withRecordingFsMounts(t *testing.T, log *[]string, failMountDir string) {
	original := newFilesystemMount
	newFilesystemMount = func(disk diskutils.Disk, mountDir, fsType string,
		options diskutils.FilesystemMountOptions,
	) (diskutils.FilesystemMount, error) {
		return &recordingFsMount{name: mountDir, log: log, fail: mountDir == failMountDir}, nil
	}
	t.Cleanup(func() {
		newFilesystemMount = original
	})
}

func layoutWithMountpoints(mountpoints []string) configuration.Config {
	config := configuration.Config{
		Name:      "core-image",
		Arch:      "x86_64",
		ImageType: configuration.ImageTypeLoop,
	}
	for _, mountpoint := range mountpoints {
		config.Partitions = append(config.Partitions, configuration.Partition{
			Mountpoint: mountpoint,
			Size:       1024,
			FsType:     configuration.FsTypeExt4,
		})
	}
	return config
}

func splitFsMountLog(log []string, verb string) []string {
	var names []string
	for _, entry := range log {
		if name, found := strings.CutPrefix(entry, verb+" "); found {
			names = append(names, name)
		}
	}
	return names
}

func TestLoopImageSetUnmountReversesMountOrder(t *testing.T) {
	layouts := [][]string{
		{"/", "/home", "/var"},
		{"/", "/home", "/srv", "/var"},
		{"/", "/home", "/opt", "/srv", "/var"},
	}

	for _, mountpoints := range layouts {
		t.Run(fmt.Sprintf("%dImages", len(mountpoints)), func(t *testing.T) {
			var log []string
			withRecordingFsMounts(t, &log, "")

			config := layoutWithMountpoints(mountpoints)
			set, err := NewLoopImageSet(&config, "/tmp/work", "/staging", nil, false)
			assert.NoError(t, err)

			assert.NoError(t, set.Mount())

			mounts := splitFsMountLog(log, "mount")
			assert.Len(t, mounts, len(mountpoints))
			assert.Equal(t, "/staging", mounts[0])

			assert.NoError(t, set.Unmount())

			cleanups := splitFsMountLog(log, "cleanup")
			assert.Len(t, cleanups, len(mounts))
			for i := range mounts {
				assert.Equal(t, mounts[i], cleanups[len(cleanups)-1-i])
			}
		})
	}
}

func TestLoopImageSetMountFailureRollsBack(t *testing.T) {
	var log []string
	withRecordingFsMounts(t, &log, "/staging/opt")

	config := layoutWithMountpoints([]string{"/", "/home", "/opt", "/srv"})
	set, err := NewLoopImageSet(&config, "/tmp/work", "/staging", nil, false)
	assert.NoError(t, err)

	err = set.Mount()
	assert.Error(t, err)

	// The two images mounted before the failure are released in reverse order.
	assert.Equal(t, []string{"/staging/home", "/staging"}, splitFsMountLog(log, "cleanup"))
	assert.Empty(t, set.mounted)
}
