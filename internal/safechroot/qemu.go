package safechroot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/osforge/imagetools/internal/file"
	"github.com/osforge/imagetools/internal/logger"
	"github.com/osforge/imagetools/internal/shell"
)

// TargetArch classifies the CPU architecture of the binaries in a staging root.
type TargetArch string

const (
	ArchUnknown TargetArch = ""
	ArchIntel   TargetArch = "intel"
	ArchArm     TargetArch = "arm"
	ArchAarch64 TargetArch = "aarch64"
	ArchMips    TargetArch = "mips"
)

// qemuBinaries maps a foreign architecture to the static user-mode emulator binary
// that must be present inside the chroot for its binaries to run.
var qemuBinaries = map[TargetArch]string{
	ArchArm:     "qemu-arm-static",
	ArchAarch64: "qemu-aarch64-static",
	ArchMips:    "qemu-mips-static",
}

// DetectTargetArch inspects well-known binaries in the staging root to decide what
// architecture the root was built for.
func DetectTargetArch(rootDir string) (TargetArch, error) {
	for _, probe := range []string{"/bin/bash", "/sbin/init", "/bin/sh"} {
		path := filepath.Join(rootDir, probe)

		exists, err := file.IsFile(path)
		if err != nil {
			return ArchUnknown, err
		}
		if !exists {
			continue
		}

		stdout, stderr, err := shell.Execute("file", path)
		if err != nil {
			return ArchUnknown, fmt.Errorf("failed to probe (%s):\n%v\n%w", path, stderr, err)
		}

		arch := archFromFileOutput(stdout)
		if arch != ArchUnknown {
			return arch, nil
		}
	}
	return ArchUnknown, nil
}

// archFromFileOutput classifies file(1) output for an ELF binary.
func archFromFileOutput(output string) TargetArch {
	switch {
	case strings.Contains(output, "aarch64") || strings.Contains(output, "ARM aarch64"):
		return ArchAarch64
	case strings.Contains(output, "ARM"):
		return ArchArm
	case strings.Contains(output, "MIPS"):
		return ArchMips
	case strings.Contains(output, "x86"), strings.Contains(output, "Intel 80386"):
		return ArchIntel
	default:
		return ArchUnknown
	}
}

// SetupQemuEmulator copies the host's static emulator for the root's architecture
// into the root so that its binaries can run. The returned cleanup removes the copy.
// A root matching the host architecture needs no emulator and returns a no-op.
func SetupQemuEmulator(rootDir string) (cleanup func(), err error) {
	noop := func() {}

	arch, err := DetectTargetArch(rootDir)
	if err != nil {
		return noop, err
	}

	binary, foreign := qemuBinaries[arch]
	if !foreign {
		return noop, nil
	}

	hostPath := filepath.Join("/usr/bin", binary)
	exists, err := file.IsFile(hostPath)
	if err != nil {
		return noop, err
	}
	if !exists {
		return noop, fmt.Errorf("emulator (%s) required for this root is not installed on the host", hostPath)
	}

	chrootPath := filepath.Join(rootDir, "usr/bin", binary)
	err = file.Copy(hostPath, chrootPath)
	if err != nil {
		return noop, fmt.Errorf("failed to install emulator into chroot:\n%w", err)
	}

	logger.Log.Debugf("Installed emulator (%s) into chroot", binary)
	return func() {
		os.Remove(chrootPath)
	}, nil
}

// SaveRootDir copies the staging root's contents to saveTo before an interactive
// session, so that experiments inside the chroot can be rolled back. Saving a root
// onto itself is skipped; an existing save directory is replaced.
func SaveRootDir(rootDir, saveTo string) error {
	rootAbs, err := filepath.Abs(rootDir)
	if err != nil {
		return err
	}
	saveAbs, err := filepath.Abs(saveTo)
	if err != nil {
		return err
	}
	if rootAbs == saveAbs {
		logger.Log.Warnf("Save directory (%s) is the chroot itself, skipping save", saveTo)
		return nil
	}

	exists, err := file.IsDir(saveAbs)
	if err != nil {
		return err
	}
	if exists {
		logger.Log.Warnf("Save directory (%s) already exists, overwriting", saveTo)
		err = os.RemoveAll(saveAbs)
		if err != nil {
			return fmt.Errorf("failed to clear save directory (%s):\n%w", saveTo, err)
		}
	}

	logger.Log.Infof("Saving chroot contents to (%s)", saveTo)

	err = os.MkdirAll(saveAbs, os.ModePerm)
	if err != nil {
		return fmt.Errorf("failed to create save directory (%s):\n%w", saveTo, err)
	}

	err = file.CopyDir(rootAbs, saveAbs)
	if err != nil {
		return fmt.Errorf("failed to save chroot contents:\n%w", err)
	}
	return nil
}
