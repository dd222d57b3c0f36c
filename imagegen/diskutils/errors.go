package diskutils

import "fmt"

// MountError reports a failure to bind, attach, format, or mount a disk or directory.
type MountError struct {
	Path string
	Err  error
}

func (e *MountError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("mount error (%s): %v", e.Path, e.Err)
	}
	return fmt.Sprintf("mount error: %v", e.Err)
}

func (e *MountError) Unwrap() error {
	return e.Err
}

// SnapshotError reports a device-mapper snapshot failure.
type SnapshotError struct {
	Err error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot error: %v", e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// SquashfsError reports a mksquashfs failure.
type SquashfsError struct {
	Err error
}

func (e *SquashfsError) Error() string {
	return fmt.Sprintf("squashfs error: %v", e.Err)
}

func (e *SquashfsError) Unwrap() error {
	return e.Err
}
