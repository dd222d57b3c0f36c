package shell

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CheckRunningAsRoot returns an error if the process lacks the privileges needed for
// mount, losetup, and mknod operations.
func CheckRunningAsRoot(toolName string) error {
	if unix.Geteuid() != 0 {
		return fmt.Errorf("%s must be run as root", toolName)
	}
	return nil
}
