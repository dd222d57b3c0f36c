package diskutils

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/osforge/imagetools/internal/logger"
	"github.com/osforge/imagetools/internal/shell"
	"golang.org/x/sys/unix"
)

const (
	loopDeviceMajor = 7

	// Loop ids below minLoopDeviceId are left for other users of the loop driver.
	minLoopDeviceId = 10
	maxLoopDeviceId = 100
)

var loopDeviceNameRegex = regexp.MustCompile(`^loop(\d+)$`)

// LoopDeviceAllocator hands out loop devices, serialized across processes by a lock
// file so that concurrent builds never race for the same device node.
type LoopDeviceAllocator struct {
	lockFile string
}

func NewLoopDeviceAllocator(lockFile string) *LoopDeviceAllocator {
	return &LoopDeviceAllocator{
		lockFile: lockFile,
	}
}

// Attach binds diskPath to a free loop device and returns the device path.
func (a *LoopDeviceAllocator) Attach(diskPath string) (devicePath string, err error) {
	logger.Log.Debugf("Attaching (%s) to a loopback device", diskPath)

	devicePath, err = a.allocateDevice()
	if err != nil {
		return "", &MountError{Path: diskPath, Err: err}
	}

	_, stderr, err := shell.Execute("losetup", devicePath, diskPath)
	if err != nil {
		return "", &MountError{
			Path: diskPath,
			Err:  fmt.Errorf("failed to attach (%s) to (%s):\n%v\n%w", diskPath, devicePath, stderr, err),
		}
	}

	return devicePath, nil
}

// allocateDevice picks a free loop device node while holding the allocator lock,
// creating the node if the kernel has not yet populated it.
func (a *LoopDeviceAllocator) allocateDevice() (devicePath string, err error) {
	unlock, err := a.lock()
	if err != nil {
		return "", err
	}
	defer unlock()

	devicePath, err = a.findFreeDevice()
	if err != nil {
		logger.Log.Debugf("Falling back to losetup device discovery: %v", err)

		stdout, stderr, losetupErr := shell.Execute("losetup", "-f")
		if losetupErr != nil {
			return "", fmt.Errorf("failed to find a free loop device:\n%v\n%w", stderr, losetupErr)
		}
		devicePath = strings.TrimSpace(stdout)
	}

	return devicePath, nil
}

func (a *LoopDeviceAllocator) lock() (unlock func(), err error) {
	err = os.MkdirAll(filepath.Dir(a.lockFile), os.ModePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file directory:\n%w", err)
	}

	fd, err := os.OpenFile(a.lockFile, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open loop device lock file (%s):\n%w", a.lockFile, err)
	}

	err = unix.Flock(int(fd.Fd()), unix.LOCK_EX)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("failed to lock (%s):\n%w", a.lockFile, err)
	}

	unlock = func() {
		unix.Flock(int(fd.Fd()), unix.LOCK_UN)
		fd.Close()
		// Removal is best effort. Waiters already holding the fd are unaffected.
		os.Remove(a.lockFile)
	}
	return unlock, nil
}

// findFreeDevice computes the next device id above the ones already present in /dev,
// creates its node if needed, and verifies it is not attached.
func (a *LoopDeviceAllocator) findFreeDevice() (devicePath string, err error) {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return "", fmt.Errorf("failed to list /dev:\n%w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	id, err := nextLoopDeviceId(names)
	if err != nil {
		return "", err
	}

	devicePath = fmt.Sprintf("/dev/loop%d", id)

	_, statErr := os.Stat(devicePath)
	if os.IsNotExist(statErr) {
		err = unix.Mknod(devicePath, unix.S_IFBLK|0o660, int(unix.Mkdev(loopDeviceMajor, uint32(id))))
		if err != nil {
			return "", fmt.Errorf("failed to create device node (%s):\n%w", devicePath, err)
		}
		return devicePath, nil
	}
	if statErr != nil {
		return "", fmt.Errorf("failed to stat (%s):\n%w", devicePath, statErr)
	}

	attached, err := isLoopDeviceAttached(devicePath)
	if err != nil {
		return "", err
	}
	if attached {
		return "", fmt.Errorf("device (%s) is busy", devicePath)
	}

	return devicePath, nil
}

// nextLoopDeviceId returns the loop id one past the highest id found in the device
// name list, clamped to the reserved range.
func nextLoopDeviceId(deviceNames []string) (int, error) {
	maxId := minLoopDeviceId - 1
	for _, name := range deviceNames {
		match := loopDeviceNameRegex.FindStringSubmatch(name)
		if match == nil {
			continue
		}

		id, err := strconv.Atoi(match[1])
		if err != nil || id >= maxLoopDeviceId {
			continue
		}
		if id > maxId {
			maxId = id
		}
	}

	id := maxId + 1
	if id >= maxLoopDeviceId {
		return 0, fmt.Errorf("out of loop device ids (max %d)", maxLoopDeviceId)
	}
	return id, nil
}
