// Package safechroot runs commands inside a staging root with the host directories
// an OS expects bind-mounted in, and tears the environment down safely even when
// several builds share the same root.
package safechroot

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/osforge/imagetools/imagegen/diskutils"
	"github.com/osforge/imagetools/internal/file"
	"github.com/osforge/imagetools/internal/logger"
	"github.com/osforge/imagetools/internal/shell"
	"golang.org/x/sys/unix"
)

const (
	// lockFileName marks a staging root as in use by a chroot session.
	lockFileName = ".chroot.lock"

	// parentRootDir exposes the host's root filesystem read-only inside the chroot.
	parentRootDir = "/parentroot"
)

// defaultBindMounts are the host directories every chroot session gets, in mount
// order. Entries missing on the host are skipped.
var defaultBindMounts = []string{
	"/proc",
	"/proc/sys/fs/binfmt_misc",
	"/sys",
	"/dev",
	"/dev/pts",
	"/dev/shm",
	"/var/lib/dbus",
	"/var/run/dbus",
	"/var/lock",
}

// MountPoint is a caller-requested bind of a host directory into the chroot.
type MountPoint struct {
	source  string
	dest    string
	options string
}

// NewMountPoint binds source at dest inside the chroot. An empty dest reuses the
// source path. options is a mount option string such as "ro".
func NewMountPoint(source, dest, options string) *MountPoint {
	return &MountPoint{
		source:  source,
		dest:    dest,
		options: options,
	}
}

// Chroot is a staging root prepared for running commands inside it.
type Chroot struct {
	rootDir    string
	mounts     []*diskutils.BindMount
	mounted    []*diskutils.BindMount
	extraDests []string
	lockFile   *os.File
}

// NewChroot prepares a session on rootDir. Nothing is mounted until Initialize.
func NewChroot(rootDir string) *Chroot {
	return &Chroot{
		rootDir: rootDir,
	}
}

func (c *Chroot) RootDir() string {
	return c.rootDir
}

// Initialize validates the requested binds, mounts the bind set, copies the host's
// resolv.conf in, and marks the root as in use.
func (c *Chroot) Initialize(extraMounts []*MountPoint) (err error) {
	logger.Log.Debugf("Initializing chroot environment at (%s)", c.rootDir)

	exists, err := file.IsDir(c.rootDir)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("chroot root (%s) is not a directory", c.rootDir)
	}

	validated, err := validateExtraMounts(extraMounts)
	if err != nil {
		return err
	}

	moduleDirs, err := kernelModuleDirs()
	if err != nil {
		return err
	}

	hostDefaults := []string{}
	for _, dir := range defaultBindMounts {
		dirExists, err := file.IsDir(dir)
		if err != nil {
			return err
		}
		if dirExists {
			hostDefaults = append(hostDefaults, dir)
		}
	}

	c.mounts = composeBindMounts(c.rootDir, validated, hostDefaults, moduleDirs)

	c.extraDests = nil
	for _, extra := range validated {
		dest := extra.dest
		if dest == "" {
			dest = extra.source
		}
		c.extraDests = append(c.extraDests, filepath.Join(c.rootDir, dest))
	}

	defer func() {
		if err != nil {
			c.unmountAll()
		}
	}()

	for _, mount := range c.mounts {
		err = mount.Mount()
		if err != nil {
			return err
		}
		c.mounted = append(c.mounted, mount)
	}

	err = c.copyResolvConf()
	if err != nil {
		return err
	}

	return c.acquireLock()
}

// Run executes a program inside the chroot and streams its output to the log.
func (c *Chroot) Run(program string, args ...string) error {
	logger.Log.Infof("Running (%s) in chroot (%s)", program, c.rootDir)

	cmd := exec.Command(program, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: c.rootDir}
	cmd.Dir = "/"
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err != nil {
		return fmt.Errorf("command (%s) failed in chroot:\n%w", program, err)
	}
	return nil
}

// Close releases the session. Binds are always unmounted; destructive cleanup of
// shared state runs only when no other session holds the root.
func (c *Chroot) Close() error {
	c.releaseLock()

	err := c.unmountAll()
	if err != nil {
		return err
	}

	if c.lockHeldByOthers() {
		logger.Log.Debugf("Chroot (%s) still in use by another session, skipping cleanup", c.rootDir)
		return nil
	}

	err = KillChrootProcesses(c.rootDir)
	if err != nil {
		logger.Log.Warnf("Failed to stop chroot processes: %v", err)
	}

	c.blankResolvConf()

	for _, dest := range c.extraDests {
		_, err = file.RemoveDirIfEmpty(dest)
		if err != nil {
			logger.Log.Warnf("Failed to remove (%s): %v", dest, err)
		}
	}

	parentRoot := filepath.Join(c.rootDir, parentRootDir)
	_, err = file.RemoveDirIfEmpty(parentRoot)
	if err != nil {
		logger.Log.Warnf("Failed to remove (%s): %v", parentRoot, err)
	}

	os.Remove(filepath.Join(c.rootDir, lockFileName))
	return nil
}

func (c *Chroot) unmountAll() error {
	var firstError error
	for i := len(c.mounted) - 1; i >= 0; i-- {
		err := c.mounted[i].Unmount()
		if err != nil && firstError == nil {
			firstError = err
		}
	}
	c.mounted = nil
	return firstError
}

func (c *Chroot) copyResolvConf() error {
	const resolvConf = "/etc/resolv.conf"

	hostExists, err := file.IsFile(resolvConf)
	if err != nil || !hostExists {
		return err
	}

	err = file.Copy(resolvConf, filepath.Join(c.rootDir, resolvConf))
	if err != nil {
		logger.Log.Warnf("Failed to copy resolv.conf into chroot: %v", err)
	}
	return nil
}

// blankResolvConf truncates the chroot's resolv.conf so the host's nameservers do
// not leak into the packaged image.
func (c *Chroot) blankResolvConf() {
	resolvConf := filepath.Join(c.rootDir, "etc", "resolv.conf")

	exists, err := file.IsFile(resolvConf)
	if err != nil || !exists {
		return
	}

	err = file.Write("", resolvConf)
	if err != nil {
		logger.Log.Warnf("Failed to blank resolv.conf in chroot: %v", err)
	}
}

func (c *Chroot) lockPath() string {
	return filepath.Join(c.rootDir, lockFileName)
}

// acquireLock opens the session marker file and keeps the handle open so that other
// sessions can detect this one with fuser.
func (c *Chroot) acquireLock() error {
	f, err := os.OpenFile(c.lockPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create chroot lock (%s):\n%w", c.lockPath(), err)
	}
	c.lockFile = f
	return nil
}

func (c *Chroot) releaseLock() {
	if c.lockFile != nil {
		c.lockFile.Close()
		c.lockFile = nil
	}
}

// lockHeldByOthers probes whether any process still has the lock file open.
func (c *Chroot) lockHeldByOthers() bool {
	exists, err := file.IsFile(c.lockPath())
	if err != nil || !exists {
		return false
	}

	// fuser exits 0 when at least one process has the file open.
	_, _, err = shell.Execute("fuser", "-s", c.lockPath())
	return err == nil
}

// validateExtraMounts rejects binds that would shadow the default set or the chroot
// root itself, and binds whose source does not exist.
func validateExtraMounts(extraMounts []*MountPoint) ([]*MountPoint, error) {
	var validated []*MountPoint
	for _, mount := range extraMounts {
		if mount.source == "" || mount.source == "/" {
			return nil, fmt.Errorf("invalid bind mount source (%s)", mount.source)
		}

		dest := mount.dest
		if dest == "" {
			dest = mount.source
		}
		if dest == "/" {
			return nil, fmt.Errorf("bind mount may not target the chroot root")
		}

		for _, defaultDir := range defaultBindMounts {
			if dest == defaultDir {
				return nil, fmt.Errorf("bind mount (%s) shadows a default mount", dest)
			}
		}

		exists, err := file.IsDir(mount.source)
		if err != nil {
			return nil, err
		}
		if !exists {
			logger.Log.Warnf("Skipping bind mount of missing directory (%s)", mount.source)
			continue
		}

		validated = append(validated, mount)
	}
	return validated, nil
}

// composeBindMounts builds the full bind set in mount order: caller extras, host
// defaults, kernel module directories read-only, and finally the host root exposed
// read-only at parentroot.
func composeBindMounts(rootDir string, extras []*MountPoint, hostDefaults []string, moduleDirs []string) []*diskutils.BindMount {
	var mounts []*diskutils.BindMount

	for _, extra := range extras {
		mounts = append(mounts, diskutils.NewBindMount(extra.source, rootDir, extra.dest, extra.options))
	}

	for _, dir := range hostDefaults {
		mounts = append(mounts, diskutils.NewBindMount(dir, rootDir, "", ""))
	}

	for _, dir := range moduleDirs {
		mounts = append(mounts, diskutils.NewBindMount(dir, rootDir, "", "ro"))
	}

	mounts = append(mounts, diskutils.NewBindMount("/", rootDir, parentRootDir, "ro"))
	return mounts
}

// kernelModuleDirs returns the running kernel's module directory if present.
func kernelModuleDirs() ([]string, error) {
	var uname unix.Utsname
	err := unix.Uname(&uname)
	if err != nil {
		return nil, fmt.Errorf("failed to read kernel release:\n%w", err)
	}

	release := unix.ByteSliceToString(uname.Release[:])
	moduleDir := filepath.Join("/lib/modules", release)

	exists, err := file.IsDir(moduleDir)
	if err != nil || !exists {
		return nil, err
	}
	return []string{moduleDir}, nil
}

// KillChrootProcesses stops every process whose root is the given directory, first
// politely and then forcibly.
func KillChrootProcesses(rootDir string) error {
	rootDir = filepath.Clean(rootDir)

	pids, err := chrootedPids(rootDir)
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		return nil
	}

	logger.Log.Infof("Stopping %d processes still running in (%s)", len(pids), rootDir)
	for _, pid := range pids {
		unix.Kill(pid, unix.SIGTERM)
	}
	time.Sleep(5 * time.Second)

	pids, err = chrootedPids(rootDir)
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		return nil
	}

	for _, pid := range pids {
		logger.Log.Warnf("Force killing process %d", pid)
		unix.Kill(pid, unix.SIGKILL)
	}
	time.Sleep(2 * time.Second)

	return nil
}

// chrootedPids lists processes whose root link resolves to rootDir.
func chrootedPids(rootDir string) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("failed to list /proc:\n%w", err)
	}

	var pids []int
	for _, entry := range entries {
		pid := 0
		_, err := fmt.Sscanf(entry.Name(), "%d", &pid)
		if err != nil || pid <= 0 || pid == os.Getpid() {
			continue
		}

		link, err := os.Readlink(filepath.Join("/proc", entry.Name(), "root"))
		if err != nil {
			continue
		}

		if filepath.Clean(link) == rootDir || strings.HasPrefix(filepath.Clean(link), rootDir+"/") {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
