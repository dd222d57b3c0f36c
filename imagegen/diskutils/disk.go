package diskutils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/osforge/imagetools/internal/logger"
)

// Disk is a block device that filesystem mounts are layered on. Create is idempotent;
// Cleanup releases whatever Create acquired.
type Disk interface {
	Create() error
	Cleanup() error

	// Device returns the block device path. Valid only after a successful Create.
	Device() string

	// Size returns the declared disk size in bytes.
	Size() int64

	// Fixed reports whether the disk's capacity is outside the tool's control, such
	// as a physical device or an existing partition.
	Fixed() bool

	// Exists reports whether the disk's backing storage is already present.
	Exists() (bool, error)
}

// RawDisk wraps a block device that already exists, such as a partition node created
// by kpartx. Create and Cleanup are no-ops.
type RawDisk struct {
	device string
	size   int64
}

func NewRawDisk(device string, size int64) *RawDisk {
	return &RawDisk{
		device: device,
		size:   size,
	}
}

func (d *RawDisk) Create() error {
	return nil
}

func (d *RawDisk) Cleanup() error {
	return nil
}

func (d *RawDisk) Device() string {
	return d.device
}

func (d *RawDisk) Size() int64 {
	return d.size
}

func (d *RawDisk) Fixed() bool {
	return true
}

func (d *RawDisk) Exists() (bool, error) {
	_, err := os.Stat(d.device)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat (%s):\n%w", d.device, err)
	}
	return true, nil
}

// LoopbackDisk is a file attached to a loop device. The backing file must already
// exist when Create runs.
type LoopbackDisk struct {
	allocator   *LoopDeviceAllocator
	backingFile string
	size        int64
	device      string
}

func NewLoopbackDisk(allocator *LoopDeviceAllocator, backingFile string, size int64) *LoopbackDisk {
	return &LoopbackDisk{
		allocator:   allocator,
		backingFile: backingFile,
		size:        size,
	}
}

func (d *LoopbackDisk) Create() (err error) {
	if d.device != "" {
		return nil
	}

	d.device, err = d.allocator.Attach(d.backingFile)
	return
}

func (d *LoopbackDisk) Cleanup() error {
	if d.device == "" {
		return nil
	}

	device := d.device
	d.device = ""

	err := DetachLoopbackDevice(device)
	if err != nil {
		return err
	}
	return WaitForLoopbackToDetach(device, d.backingFile)
}

func (d *LoopbackDisk) Device() string {
	return d.device
}

func (d *LoopbackDisk) Size() int64 {
	return d.size
}

func (d *LoopbackDisk) Fixed() bool {
	return false
}

func (d *LoopbackDisk) Exists() (bool, error) {
	_, err := os.Stat(d.backingFile)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat (%s):\n%w", d.backingFile, err)
	}
	return true, nil
}

// BackingFile returns the path of the file behind the loop device.
func (d *LoopbackDisk) BackingFile() string {
	return d.backingFile
}

// BackingFileSize returns the apparent size of the backing file in bytes.
func (d *LoopbackDisk) BackingFileSize() (int64, error) {
	info, err := os.Stat(d.backingFile)
	if err != nil {
		return 0, fmt.Errorf("failed to stat (%s):\n%w", d.backingFile, err)
	}
	return info.Size(), nil
}

// Truncate shrinks or grows the backing file to exactly size bytes without
// allocating blocks.
func (d *LoopbackDisk) Truncate(size int64) error {
	err := os.Truncate(d.backingFile, size)
	if err != nil {
		return fmt.Errorf("failed to truncate (%s) to %d bytes:\n%w", d.backingFile, size, err)
	}
	return nil
}

// SparseLoopbackDisk owns its backing file and creates it sparsely on demand.
type SparseLoopbackDisk struct {
	LoopbackDisk
}

func NewSparseLoopbackDisk(allocator *LoopDeviceAllocator, backingFile string, size int64) *SparseLoopbackDisk {
	return &SparseLoopbackDisk{
		LoopbackDisk: LoopbackDisk{
			allocator:   allocator,
			backingFile: backingFile,
			size:        size,
		},
	}
}

func (d *SparseLoopbackDisk) Create() (err error) {
	if d.device != "" {
		return nil
	}

	logger.Log.Debugf("Creating sparse file (%s) of %d bytes", d.backingFile, d.size)

	err = d.Expand(true, d.size)
	if err != nil {
		return err
	}

	d.device, err = d.allocator.Attach(d.backingFile)
	return
}

// Expand grows the backing file's apparent size to at least size bytes by writing a
// single zero byte at the end, keeping the file sparse. With create set, the file
// and its parent directory are created first.
func (d *SparseLoopbackDisk) Expand(create bool, size int64) error {
	flags := os.O_WRONLY
	if create {
		err := os.MkdirAll(filepath.Dir(d.backingFile), os.ModePerm)
		if err != nil {
			return fmt.Errorf("failed to create directory for (%s):\n%w", d.backingFile, err)
		}
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(d.backingFile, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open sparse file (%s):\n%w", d.backingFile, err)
	}
	defer f.Close()

	if size > 0 {
		_, err = f.WriteAt([]byte{0}, size-1)
		if err != nil {
			return fmt.Errorf("failed to expand sparse file (%s) to %d bytes:\n%w", d.backingFile, size, err)
		}
	}

	return nil
}
