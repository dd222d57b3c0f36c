// Package buildconfig loads the tool-wide settings file. The file is optional; every
// setting has a default that matches a bare host.
package buildconfig

import (
	"fmt"

	"github.com/osforge/imagetools/internal/file"
	"gopkg.in/ini.v1"
)

const (
	// DefaultPath is where the settings file is looked for when no override is given.
	DefaultPath = "/etc/imagestager/imagestager.conf"

	defaultTmpDir       = "/var/tmp/imagestager"
	defaultLoopLockFile = "/var/lock/imagestager-loopdev.lock"
)

// BuildConfig holds the host-level settings shared by all builds.
type BuildConfig struct {
	// TmpDir is where staging roots and scratch images are created.
	TmpDir string
	// LoopLockFile serializes loop device allocation across concurrent builds.
	LoopLockFile string
	// ChrootSaveTo, if set, snapshots the staging root to this directory before an
	// interactive chroot session.
	ChrootSaveTo string
}

// Default returns the built-in settings.
func Default() BuildConfig {
	return BuildConfig{
		TmpDir:       defaultTmpDir,
		LoopLockFile: defaultLoopLockFile,
	}
}

// Load reads the settings file at path, falling back to defaults for absent keys.
// A missing file is not an error.
func Load(path string) (BuildConfig, error) {
	config := Default()

	exists, err := file.IsFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to check settings file (%s):\n%w", path, err)
	}
	if !exists {
		return config, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return config, fmt.Errorf("failed to parse settings file (%s):\n%w", path, err)
	}

	section := iniFile.Section("general")
	config.TmpDir = section.Key("tmpdir").MustString(config.TmpDir)
	config.LoopLockFile = section.Key("loop_lock_file").MustString(config.LoopLockFile)

	chrootSection := iniFile.Section("chroot")
	config.ChrootSaveTo = chrootSection.Key("saveto").MustString(config.ChrootSaveTo)

	return config, nil
}
