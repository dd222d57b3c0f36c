package diskutils

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/osforge/imagetools/internal/logger"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

func TestNextLoopDeviceIdEmptyDevDir(t *testing.T) {
	id, err := nextLoopDeviceId([]string{"sda", "null", "tty0"})
	assert.NoError(t, err)
	assert.Equal(t, minLoopDeviceId, id)
}

func TestNextLoopDeviceIdPicksOnePastHighest(t *testing.T) {
	id, err := nextLoopDeviceId([]string{"loop0", "loop7", "loop42", "loop12"})
	assert.NoError(t, err)
	assert.Equal(t, 43, id)
}

func TestNextLoopDeviceIdIgnoresNonLoopNames(t *testing.T) {
	id, err := nextLoopDeviceId([]string{"loop", "loopback", "loop1p1", "loop15"})
	assert.NoError(t, err)
	assert.Equal(t, 16, id)
}

func TestNextLoopDeviceIdExhausted(t *testing.T) {
	_, err := nextLoopDeviceId([]string{"loop99"})
	assert.Error(t, err)
}

func TestNextLoopDeviceIdIgnoresIdsAboveRange(t *testing.T) {
	id, err := nextLoopDeviceId([]string{"loop250", "loop30"})
	assert.NoError(t, err)
	assert.Equal(t, 31, id)
}

func TestMinimalSizeSearchConvergesToSmallestAccepted(t *testing.T) {
	const trueMinimum = int64(1234567)
	const top = int64(4 * GiB)

	probes := 0
	minimal := minimalSizeSearch(top, func(size int64) bool {
		probes++
		return size >= trueMinimum
	})

	assert.Equal(t, trueMinimum, minimal)
	// Binary search over (0, top] takes at most ceil(log2(top)) probes.
	assert.LessOrEqual(t, probes, 33)
}

func TestMinimalSizeSearchAllSizesAccepted(t *testing.T) {
	minimal := minimalSizeSearch(1024, func(size int64) bool {
		return true
	})
	assert.Equal(t, int64(1), minimal)
}

func TestMinimalSizeSearchOnlyTopAccepted(t *testing.T) {
	const top = int64(4096)
	minimal := minimalSizeSearch(top, func(size int64) bool {
		return size >= top
	})
	assert.Equal(t, top, minimal)
}

func TestTruncateLabelShortLabelUnchanged(t *testing.T) {
	assert.Equal(t, "rootfs", truncateLabel("rootfs", extLabelMaxLength))
}

func TestTruncateLabelStripsSlashes(t *testing.T) {
	assert.Equal(t, "boot", truncateLabel("/boot", otherLabelMaxLength))
}

func TestTruncateLabelClampsExtLabel(t *testing.T) {
	label := truncateLabel("a-very-long-volume-label-name", extLabelMaxLength)
	assert.Len(t, label, extLabelMaxLength)
	assert.Equal(t, "a-very-long-volu", label)
}

func TestParseDumpe2fsField(t *testing.T) {
	output := "dumpe2fs 1.47.0 (5-Feb-2023)\n" +
		"Filesystem volume name:   rootfs\n" +
		"Filesystem UUID:          c01dcafe-0000-4000-8000-1234567890ab\n" +
		"Block count:              1048576\n" +
		"Block size:               4096\n"

	uuid, err := parseDumpe2fsField(output, "Filesystem UUID")
	assert.NoError(t, err)
	assert.Equal(t, "c01dcafe-0000-4000-8000-1234567890ab", uuid)

	blockCount, err := parseDumpe2fsField(output, "Block count")
	assert.NoError(t, err)
	assert.Equal(t, "1048576", blockCount)
}

func TestParseDumpe2fsFieldMissing(t *testing.T) {
	_, err := parseDumpe2fsField("Block size: 4096\n", "Filesystem UUID")
	assert.Error(t, err)
}

func TestNewFilesystemMountUnknownType(t *testing.T) {
	_, err := NewFilesystemMount(NewRawDisk("/dev/null", 0), "/mnt", "ntfs", FilesystemMountOptions{})
	assert.Error(t, err)
	assert.ErrorContains(t, err, "unknown filesystem type")
}

func TestNewFilesystemMountKnownTypes(t *testing.T) {
	for _, fsType := range []string{"ext2", "ext3", "ext4", "vfat", "msdos", "btrfs"} {
		mount, err := NewFilesystemMount(NewRawDisk("/dev/null", 0), "/mnt", fsType, FilesystemMountOptions{})
		assert.NoError(t, err, fsType)
		assert.Equal(t, fsType, mount.FsType())
	}
}

func TestParseSnapshotStatus(t *testing.T) {
	used, err := parseSnapshotStatus("0 8388608 snapshot 10560/8388608 16\n")
	assert.NoError(t, err)
	assert.Equal(t, int64(10560*SectorSize), used)
}

func TestParseSnapshotStatusMalformed(t *testing.T) {
	_, err := parseSnapshotStatus("0 8388608 linear\n")
	assert.Error(t, err)
}

func TestParseKpartxOutput(t *testing.T) {
	output := "add map loop11p1 (253:0): 0 409600 linear 7:11 2048\n" +
		"add map loop11p2 (253:1): 0 8388608 linear 7:11 411648\n"

	names := parseKpartxOutput(output)
	assert.Equal(t, []string{"loop11p1", "loop11p2"}, names)
}

func TestParseKpartxOutputIgnoresNoise(t *testing.T) {
	output := "device-mapper: reload ioctl failed\n" +
		"add map loop11p1 (253:0): 0 409600 linear 7:11 2048\n"

	names := parseKpartxOutput(output)
	assert.Equal(t, []string{"loop11p1"}, names)
}

func TestParseSubvolumeList(t *testing.T) {
	output := "ID 256 gen 30 top level 5 path root\n" +
		"ID 257 gen 31 top level 5 path home\n"

	ids := parseSubvolumeList(output)
	assert.Equal(t, map[string]int{"root": 256, "home": 257}, ids)
}

func TestSubvolumeMetadataRoundTrip(t *testing.T) {
	records := []subvolumeRecord{
		{id: 256, name: "root", mountpoint: "/", options: "defaults,noatime"},
		{id: 257, name: "home", mountpoint: "/home", options: ""},
	}

	parsed, err := parseSubvolumeMetadata(formatSubvolumeMetadata(records))
	assert.NoError(t, err)
	assert.Len(t, parsed, 2)

	assert.Equal(t, records[0], parsed[0])

	// Empty options are persisted as "defaults".
	assert.Equal(t, "defaults", parsed[1].options)
	assert.Equal(t, "home", parsed[1].name)
	assert.Equal(t, 257, parsed[1].id)
}

func TestParseSubvolumeMetadataMalformed(t *testing.T) {
	_, err := parseSubvolumeMetadata("256\troot\n")
	assert.Error(t, err)
}

func TestMountOrderRootFirst(t *testing.T) {
	partitions := []*Partition{
		{Mountpoint: "/home", FsType: "ext4"},
		{Mountpoint: "/", FsType: "ext4"},
		{Mountpoint: "/boot", FsType: "vfat"},
	}

	order := mountOrder(partitions)
	assert.Equal(t, []int{1, 2, 0}, order)
}

func TestMountOrderSkipsSwap(t *testing.T) {
	partitions := []*Partition{
		{Mountpoint: "/", FsType: "ext4"},
		{Mountpoint: "", FsType: "swap"},
	}

	order := mountOrder(partitions)
	assert.Equal(t, []int{0}, order)
}

func TestPartedFsType(t *testing.T) {
	assert.Equal(t, "fat32", partedFsType("vfat"))
	assert.Equal(t, "linux-swap", partedFsType("swap"))
	assert.Equal(t, "ext4", partedFsType("ext4"))
	assert.Equal(t, "btrfs", partedFsType("btrfs"))
}

func TestAddPartitionUnknownDisk(t *testing.T) {
	mount := NewPartitionedMount("/tmp/staging", false)
	err := mount.AddPartition(100, "missing", "/", "ext4", PartitionOptions{})
	assert.Error(t, err)
}

func TestAddPartitionUnknownFsType(t *testing.T) {
	mount := NewPartitionedMount("/tmp/staging", false)
	err := mount.AddDisk("sda", NewRawDisk("/dev/null", 0))
	assert.NoError(t, err)

	err = mount.AddPartition(100, "sda", "/", "zfs", PartitionOptions{})
	assert.Error(t, err)
}

func TestChooseMountAction(t *testing.T) {
	assert.Equal(t, mountActionReuse, chooseMountAction(true, false, true))
	assert.Equal(t, mountActionReuse, chooseMountAction(true, true, false))

	// An existing backing file on a resizable disk is restored, never reformatted.
	assert.Equal(t, mountActionRestore, chooseMountAction(false, false, true))

	assert.Equal(t, mountActionFormat, chooseMountAction(false, false, false))
	assert.Equal(t, mountActionFormat, chooseMountAction(false, true, true))
}

func TestDefaultSubvolumeRemountWithoutOptions(t *testing.T) {
	// set-default only affects future mounts, so the remount must happen even when
	// the root subvolume carries no mount options.
	remount, options := defaultSubvolumeRemount([]subvolumeRecord{
		{id: 256, name: "root", mountpoint: "/", options: ""},
		{id: 257, name: "home", mountpoint: "/home", options: "noatime"},
	})
	assert.True(t, remount)
	assert.Empty(t, options)
}

func TestDefaultSubvolumeRemountWithOptions(t *testing.T) {
	remount, options := defaultSubvolumeRemount([]subvolumeRecord{
		{id: 256, name: "root", mountpoint: "/", options: "defaults,compress=zstd"},
	})
	assert.True(t, remount)
	assert.Equal(t, "defaults,compress=zstd", options)
}

func TestDefaultSubvolumeRemountNoSubvolumes(t *testing.T) {
	remount, _ := defaultSubvolumeRemount(nil)
	assert.False(t, remount)
}

func TestDefaultSubvolumeRemountWithoutRootSubvolume(t *testing.T) {
	remount, options := defaultSubvolumeRemount([]subvolumeRecord{
		{id: 257, name: "home", mountpoint: "/home", options: ""},
	})
	assert.True(t, remount)
	assert.Empty(t, options)
}

type stubDisk struct {
	log *[]string
}

func (d *stubDisk) Create() error {
	return nil
}

func (d *stubDisk) Cleanup() error {
	*d.log = append(*d.log, "disk cleanup")
	return nil
}

func (d *stubDisk) Device() string {
	return "/dev/stub"
}

func (d *stubDisk) Size() int64 {
	return 0
}

func (d *stubDisk) Fixed() bool {
	return false
}

func (d *stubDisk) Exists() (bool, error) {
	return true, nil
}

type recordingMount struct {
	name string
	log  *[]string
	fail bool
}

func (m *recordingMount) Mount() error {
	if m.fail {
		return fmt.Errorf("mount of (%s) failed", m.name)
	}
	*m.log = append(*m.log, "mount "+m.name)
	return nil
}

func (m *recordingMount) Unmount() error {
	*m.log = append(*m.log, "unmount "+m.name)
	return nil
}

func (m *recordingMount) MountDir() string {
	return m.name
}

func (m *recordingMount) Cleanup() error {
	*m.log = append(*m.log, "cleanup "+m.name)
	return nil
}

func (m *recordingMount) Resparse(size int64) (int64, error) {
	return size, nil
}

func (m *recordingMount) UUID() string {
	return ""
}

func (m *recordingMount) Label() string {
	return ""
}

func (m *recordingMount) FsType() string {
	return "ext4"
}

func (m *recordingMount) Disk() Disk {
	return nil
}

// withRecordingMounts substitutes the filesystem mount factory with one that
// records mount activity. Mounting failMountDir fails.
func withRecordingMounts(t *testing.T, log *[]string, failMountDir string) {
	original := newFilesystemMount
	newFilesystemMount = func(disk Disk, mountDir, fsType string, options FilesystemMountOptions) (FilesystemMount, error) {
		return &recordingMount{name: mountDir, log: log, fail: mountDir == failMountDir}, nil
	}
	t.Cleanup(func() {
		newFilesystemMount = original
	})
}

func splitMountLog(log []string, verb string) []string {
	var names []string
	for _, entry := range log {
		if name, found := strings.CutPrefix(entry, verb+" "); found {
			names = append(names, name)
		}
	}
	return names
}

func TestPartitionedMountUnmountReversesMountOrder(t *testing.T) {
	layouts := [][]string{
		{"/", "/boot", "/home"},
		{"/", "/boot", "/home", "/var"},
		{"/", "/boot", "/home", "/srv", "/var"},
	}

	for _, mountpoints := range layouts {
		t.Run(fmt.Sprintf("%dPartitions", len(mountpoints)), func(t *testing.T) {
			var log []string
			withRecordingMounts(t, &log, "")

			mount := NewPartitionedMount("/staging", true)
			assert.NoError(t, mount.AddDisk("sda", &stubDisk{log: &log}))
			for _, mountpoint := range mountpoints {
				assert.NoError(t, mount.AddPartition(128, "sda", mountpoint, "ext4", PartitionOptions{}))
			}

			assert.NoError(t, mount.mountPartitions())

			mounts := splitMountLog(log, "mount")
			assert.Len(t, mounts, len(mountpoints))
			assert.Equal(t, "/staging", mounts[0])

			assert.NoError(t, mount.Unmount())

			unmounts := splitMountLog(log, "unmount")
			assert.Len(t, unmounts, len(mounts))
			for i := range mounts {
				assert.Equal(t, mounts[i], unmounts[len(unmounts)-1-i])
			}

			assert.Equal(t, "disk cleanup", log[len(log)-1])
		})
	}
}

func TestPartitionedMountRollbackAfterPartialMount(t *testing.T) {
	var log []string
	withRecordingMounts(t, &log, "/staging/home")

	mount := NewPartitionedMount("/staging", true)
	assert.NoError(t, mount.AddDisk("sda", &stubDisk{log: &log}))
	for _, mountpoint := range []string{"/", "/boot", "/home", "/var"} {
		assert.NoError(t, mount.AddPartition(128, "sda", mountpoint, "ext4", PartitionOptions{}))
	}

	err := mount.mountPartitions()
	assert.Error(t, err)
	mount.rollback()

	// The two partitions mounted before the failure are released in reverse order.
	assert.Equal(t, []string{"/staging/boot", "/staging"}, splitMountLog(log, "unmount"))
	assert.Equal(t, "disk cleanup", log[len(log)-1])
	assert.Empty(t, mount.mounted)
}

func TestAddPartitionNumbersPerDisk(t *testing.T) {
	mount := NewPartitionedMount("/tmp/staging", false)
	assert.NoError(t, mount.AddDisk("sda", NewRawDisk("/dev/null", 0)))
	assert.NoError(t, mount.AddDisk("sdb", NewRawDisk("/dev/null2", 0)))

	assert.NoError(t, mount.AddPartition(100, "sda", "/boot", "vfat", PartitionOptions{Boot: true}))
	assert.NoError(t, mount.AddPartition(4096, "sda", "/", "ext4", PartitionOptions{}))
	assert.NoError(t, mount.AddPartition(1024, "sdb", "/home", "ext4", PartitionOptions{}))

	partitions := mount.Partitions()
	assert.Equal(t, 1, partitions[0].number)
	assert.Equal(t, 2, partitions[1].number)
	assert.Equal(t, 1, partitions[2].number)
}
