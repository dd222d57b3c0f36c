// Package diskutils manages the block-level resources behind an image build: loop
// devices, backing files, filesystems, partition tables, and device-mapper snapshots.
package diskutils

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/sys/mountinfo"
	"github.com/osforge/imagetools/internal/logger"
	"github.com/osforge/imagetools/internal/retry"
	"github.com/osforge/imagetools/internal/shell"
)

// Unit to byte conversion values.
const (
	B   = 1
	KiB = 1024
	MiB = 1024 * 1024
	GiB = 1024 * 1024 * 1024

	// SectorSize is the 512-byte sector unit used by losetup and dmsetup.
	SectorSize = 512
)

type loopbackListOutput struct {
	Devices []loopbackDevice `json:"loopdevices"`
}

type loopbackDevice struct {
	Name        string `json:"name"`
	BackingFile string `json:"back-file"`
}

// attachedLoopDevices returns the kernel's current list of attached loop devices.
func attachedLoopDevices() ([]loopbackDevice, error) {
	stdout, stderr, err := shell.Execute("losetup", "--list", "--json", "--output", "NAME,BACK-FILE")
	if err != nil {
		return nil, fmt.Errorf("failed to read loopback list:\n%v\n%w", stderr, err)
	}

	var output loopbackListOutput
	if stdout != "" {
		err = json.Unmarshal([]byte(stdout), &output)
		if err != nil {
			return nil, fmt.Errorf("failed to parse loopback devices list JSON:\n%w", err)
		}
	}

	return output.Devices, nil
}

// isLoopDeviceAttached reports whether the device node currently has a backing file.
func isLoopDeviceAttached(devicePath string) (bool, error) {
	devices, err := attachedLoopDevices()
	if err != nil {
		return false, err
	}

	for _, device := range devices {
		if device.Name == devicePath {
			return true, nil
		}
	}
	return false, nil
}

// DetachLoopbackDevice releases the loop device's backing file binding.
// Failure to detach is logged, not returned, so that cleanup paths can proceed.
func DetachLoopbackDevice(diskDevPath string) (err error) {
	logger.Log.Debugf("Detaching loopback device path: %v", diskDevPath)
	_, stderr, err := shell.Execute("losetup", "-d", diskDevPath)
	if err != nil {
		logger.Log.Warnf("Failed to detach loopback device using losetup: %v", stderr)
	}
	return
}

// WaitForLoopbackToDetach blocks until the kernel no longer lists the device as
// attached to the disk file, or times out.
func WaitForLoopbackToDetach(devicePath string, diskPath string) error {
	if !filepath.IsAbs(diskPath) {
		return fmt.Errorf("internal error: loopback disk path must be absolute (%s)", diskPath)
	}

	detached, err := retry.RunWithExpBackoff(context.Background(), func() error {
		devices, err := attachedLoopDevices()
		if err != nil {
			return err
		}

		for _, device := range devices {
			if device.Name == devicePath && device.BackingFile == diskPath {
				return fmt.Errorf("loopback device (%s) is still attached to (%s)", devicePath, diskPath)
			}
		}
		return nil
	}, 10, 120*time.Millisecond, 2.0)
	if !detached {
		return fmt.Errorf("timed out waiting for loopback device (%s) for disk (%s) to close:\n%w", devicePath, diskPath, err)
	}
	return nil
}

// Sync flushes all dirty pages to disk.
func Sync() error {
	_, _, err := shell.Execute("sync")
	if err != nil {
		return fmt.Errorf("failed to sync:\n%w", err)
	}
	return nil
}

// WaitForDevicesToSettle waits for all udev events to be processed on the system.
// Used after partition table writes so that partition device nodes exist.
func WaitForDevicesToSettle() error {
	logger.Log.Debugf("Waiting for devices to settle")
	_, _, err := shell.Execute("udevadm", "settle")
	if err != nil {
		return fmt.Errorf("failed to wait for devices to settle:\n%w", err)
	}
	return nil
}

// IsMountPoint reports whether the OS mount table contains an entry whose target is
// the given directory.
func IsMountPoint(path string) (bool, error) {
	mounted, err := mountinfo.Mounted(path)
	if err != nil {
		if strings.Contains(err.Error(), "no such file or directory") {
			return false, nil
		}
		return false, fmt.Errorf("failed to query mount table for (%s):\n%w", path, err)
	}
	return mounted, nil
}
