package diskutils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/osforge/imagetools/internal/file"
	"github.com/osforge/imagetools/internal/logger"
	"github.com/osforge/imagetools/internal/shell"
)

// Mount is anything that can be attached to and detached from the VFS.
type Mount interface {
	Mount() error
	Unmount() error
	MountDir() string
}

// BindMount mirrors a host directory into a staging root. An optional mount option
// such as "ro" is applied with a bind remount after the initial bind.
type BindMount struct {
	source  string
	dest    string
	option  string
	mounted bool
}

// NewBindMount prepares a bind of source at root/dest. An empty dest binds source at
// the same path under root.
func NewBindMount(source, root, dest, option string) *BindMount {
	if dest == "" {
		dest = source
	}
	return &BindMount{
		source: source,
		dest:   filepath.Join(root, dest),
		option: option,
	}
}

func (m *BindMount) Source() string {
	return m.source
}

func (m *BindMount) MountDir() string {
	return m.dest
}

func (m *BindMount) Mount() error {
	if m.mounted {
		return nil
	}

	alreadyMounted, err := IsMountPoint(m.dest)
	if err != nil {
		return err
	}
	if alreadyMounted {
		logger.Log.Warnf("Skipping already-mounted directory (%s)", m.dest)
		return nil
	}

	err = os.MkdirAll(m.dest, os.ModePerm)
	if err != nil {
		return &MountError{Path: m.dest, Err: fmt.Errorf("failed to create bind target:\n%w", err)}
	}

	_, stderr, err := shell.Execute("mount", "--bind", m.source, m.dest)
	if err != nil {
		return &MountError{
			Path: m.dest,
			Err:  fmt.Errorf("failed to bind mount (%s):\n%v\n%w", m.source, stderr, err),
		}
	}

	if m.option != "" {
		_, stderr, err = shell.Execute("mount", "--bind", "-o", fmt.Sprintf("remount,%s", m.option), m.dest)
		if err != nil {
			shell.Execute("umount", "-l", m.dest)
			return &MountError{
				Path: m.dest,
				Err:  fmt.Errorf("failed to remount (%s) with option (%s):\n%v\n%w", m.dest, m.option, stderr, err),
			}
		}
	}

	m.mounted = true
	return nil
}

func (m *BindMount) Unmount() error {
	mounted, err := IsMountPoint(m.dest)
	if err != nil {
		return err
	}
	if !mounted {
		m.mounted = false
		return nil
	}

	_, stderr, err := shell.Execute("umount", "-l", m.dest)
	if err != nil {
		return &MountError{
			Path: m.dest,
			Err:  fmt.Errorf("failed to unmount bind (%s):\n%v\n%w", m.dest, stderr, err),
		}
	}

	m.mounted = false
	return nil
}

// diskMount holds the state shared by all filesystem mounts layered on a Disk.
type diskMount struct {
	disk         Disk
	mountDir     string
	fsType       string
	mountOptions string
	skipFormat   bool

	mounted        bool
	createdDir     bool
	removeMountDir bool
}

func (m *diskMount) MountDir() string {
	return m.mountDir
}

func (m *diskMount) Disk() Disk {
	return m.disk
}

// mountDisk mounts the disk's device at the mount directory, creating the directory
// if needed. extraOptions is appended after the configured mount options.
func (m *diskMount) mountDisk(extraOptions string) error {
	if m.mounted {
		return nil
	}

	alreadyMounted, err := IsMountPoint(m.mountDir)
	if err != nil {
		return err
	}
	if alreadyMounted {
		logger.Log.Warnf("Skipping already-mounted directory (%s)", m.mountDir)
		m.mounted = true
		return nil
	}

	exists, err := file.IsDir(m.mountDir)
	if err != nil {
		return err
	}
	if !exists {
		err = os.MkdirAll(m.mountDir, os.ModePerm)
		if err != nil {
			return &MountError{Path: m.mountDir, Err: fmt.Errorf("failed to create mount directory:\n%w", err)}
		}
		m.createdDir = true
	}

	options := m.mountOptions
	if extraOptions != "" {
		if options != "" {
			options += ","
		}
		options += extraOptions
	}

	args := []string{"-t", m.fsType}
	if options != "" {
		args = append(args, "-o", options)
	}
	args = append(args, m.disk.Device(), m.mountDir)

	logger.Log.Debugf("Mounting (%s) at (%s)", m.disk.Device(), m.mountDir)
	_, stderr, err := shell.Execute("mount", args...)
	if err != nil {
		return &MountError{
			Path: m.mountDir,
			Err:  fmt.Errorf("failed to mount (%s):\n%v\n%w", m.disk.Device(), stderr, err),
		}
	}

	m.mounted = true
	return nil
}

// unmountDisk detaches the filesystem and removes the mount directory if this mount
// created it and removal was requested.
func (m *diskMount) unmountDisk() error {
	mounted, err := IsMountPoint(m.mountDir)
	if err != nil {
		return err
	}

	if mounted {
		Sync()

		logger.Log.Debugf("Unmounting (%s)", m.mountDir)
		_, stderr, err := shell.Execute("umount", "-l", m.mountDir)
		if err != nil {
			return &MountError{
				Path: m.mountDir,
				Err:  fmt.Errorf("failed to unmount:\n%v\n%w", stderr, err),
			}
		}
	}

	m.mounted = false

	if m.createdDir && m.removeMountDir {
		removed, err := file.RemoveDirIfEmpty(m.mountDir)
		if err != nil {
			logger.Log.Warnf("Failed to remove mount directory (%s): %v", m.mountDir, err)
		} else if removed {
			m.createdDir = false
		}
	}

	return nil
}
