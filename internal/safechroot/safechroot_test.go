package safechroot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/osforge/imagetools/internal/logger"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

func TestComposeBindMountsOrder(t *testing.T) {
	extras := []*MountPoint{
		NewMountPoint("/srv/cache", "/var/cache/build", ""),
	}
	hostDefaults := []string{"/proc", "/sys", "/dev"}
	moduleDirs := []string{"/lib/modules/6.1.0"}

	mounts := composeBindMounts("/tmp/root", extras, hostDefaults, moduleDirs)

	assert.Len(t, mounts, 5)

	// Caller extras first, then defaults, then modules, with the host root last.
	assert.Equal(t, "/srv/cache", mounts[0].Source())
	assert.Equal(t, "/tmp/root/var/cache/build", mounts[0].MountDir())

	assert.Equal(t, "/proc", mounts[1].Source())
	assert.Equal(t, "/tmp/root/proc", mounts[1].MountDir())

	assert.Equal(t, "/lib/modules/6.1.0", mounts[3].Source())

	assert.Equal(t, "/", mounts[4].Source())
	assert.Equal(t, "/tmp/root/parentroot", mounts[4].MountDir())
}

func TestComposeBindMountsNoExtras(t *testing.T) {
	mounts := composeBindMounts("/tmp/root", nil, []string{"/proc"}, nil)

	assert.Len(t, mounts, 2)
	assert.Equal(t, "/proc", mounts[0].Source())
	assert.Equal(t, "/", mounts[1].Source())
}

func TestValidateExtraMountsRejectsRootTarget(t *testing.T) {
	_, err := validateExtraMounts([]*MountPoint{NewMountPoint("/srv", "/", "")})
	assert.Error(t, err)
}

func TestValidateExtraMountsRejectsRootSource(t *testing.T) {
	_, err := validateExtraMounts([]*MountPoint{NewMountPoint("/", "/mnt", "")})
	assert.Error(t, err)
}

func TestValidateExtraMountsRejectsDefaultShadow(t *testing.T) {
	_, err := validateExtraMounts([]*MountPoint{NewMountPoint("/srv/proc", "/proc", "")})
	assert.Error(t, err)
}

func TestValidateExtraMountsSkipsMissingSource(t *testing.T) {
	validated, err := validateExtraMounts([]*MountPoint{
		NewMountPoint("/does/not/exist/anywhere", "/mnt/a", ""),
	})
	assert.NoError(t, err)
	assert.Empty(t, validated)
}

func TestValidateExtraMountsKeepsExistingSource(t *testing.T) {
	dir := t.TempDir()
	validated, err := validateExtraMounts([]*MountPoint{
		NewMountPoint(dir, "/mnt/a", "ro"),
	})
	assert.NoError(t, err)
	assert.Len(t, validated, 1)
	assert.Equal(t, dir, validated[0].source)
}

func TestArchFromFileOutput(t *testing.T) {
	assert.Equal(t, ArchArm,
		archFromFileOutput("/bin/bash: ELF 32-bit LSB executable, ARM, EABI5 version 1 (SYSV)"))
	assert.Equal(t, ArchAarch64,
		archFromFileOutput("/bin/bash: ELF 64-bit LSB executable, ARM aarch64, version 1 (SYSV)"))
	assert.Equal(t, ArchMips,
		archFromFileOutput("/bin/bash: ELF 32-bit MSB executable, MIPS, MIPS32 version 1"))
	assert.Equal(t, ArchIntel,
		archFromFileOutput("/bin/bash: ELF 64-bit LSB executable, x86-64, version 1 (SYSV)"))
	assert.Equal(t, ArchUnknown,
		archFromFileOutput("/bin/bash: ASCII text"))
}

func TestChrootInitializeRejectsMissingRoot(t *testing.T) {
	chroot := NewChroot("/does/not/exist/root")
	err := chroot.Initialize(nil)
	assert.Error(t, err)
}

func TestSaveRootDirSkipsSavingOntoItself(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "keep"), []byte("x"), 0o644))

	err := SaveRootDir(dir, dir)
	assert.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "keep"))
	assert.NoError(t, err)
	assert.Equal(t, "x", string(content))
}

func TestSaveRootDirOverwritesExistingSave(t *testing.T) {
	root := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(root, "fresh"), []byte("fresh"), 0o644))

	saveTo := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(saveTo, "stale"), []byte("stale"), 0o644))

	assert.NoError(t, SaveRootDir(root, saveTo))

	_, err := os.Stat(filepath.Join(saveTo, "stale"))
	assert.True(t, os.IsNotExist(err))

	content, err := os.ReadFile(filepath.Join(saveTo, "fresh"))
	assert.NoError(t, err)
	assert.Equal(t, "fresh", string(content))
}
