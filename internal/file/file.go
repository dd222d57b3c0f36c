// Package file contains small filesystem helpers shared across the toolkit.
package file

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/osforge/imagetools/internal/logger"
)

// PathExists reports whether the path exists at all (file, directory, or special).
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// IsDir reports whether the path exists and is a directory.
func IsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// IsFile reports whether the path exists and is a regular file.
func IsFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// GetSize returns the size in bytes of the file at path.
func GetSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat (%s):\n%w", path, err)
	}
	return info.Size(), nil
}

// ReadLines returns the file's content split into lines, without line terminators.
func ReadLines(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(content), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

// Copy copies a regular file, creating the destination's parent directory if needed.
// The destination inherits the source's permissions.
func Copy(src, dst string) error {
	logger.Log.Debugf("Copying (%s) to (%s)", src, dst)

	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to read source file info:\n%w", err)
	}
	if srcInfo.IsDir() {
		return fmt.Errorf("source (%s) is not a file", src)
	}

	err = os.MkdirAll(filepath.Dir(dst), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create destination directory:\n%w", err)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file:\n%w", err)
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, srcInfo.Mode())
	if err != nil {
		return fmt.Errorf("failed to create destination file:\n%w", err)
	}

	_, err = io.Copy(dstFile, srcFile)
	if err != nil {
		dstFile.Close()
		return fmt.Errorf("failed to copy file:\n%w", err)
	}

	err = dstFile.Close()
	if err != nil {
		return fmt.Errorf("failed to finalize destination file:\n%w", err)
	}

	return nil
}

// CopyDir recursively copies a directory tree, preserving permissions and copying
// symlinks without dereferencing them.
func CopyDir(src, dst string) error {
	logger.Log.Debugf("Copying directory (%s) to (%s)", src, dst)

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, relPath)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode())

		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to read symlink (%s):\n%w", path, err)
			}
			return os.Symlink(linkTarget, target)

		case info.Mode().IsRegular():
			return Copy(path, target)

		default:
			// Device nodes, sockets, and fifos are skipped; they are recreated by the
			// chroot's own mounts.
			return nil
		}
	})
}

// RemoveDirIfEmpty removes the directory if it exists and contains no entries.
// Returns whether the directory was removed.
func RemoveDirIfEmpty(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if len(entries) > 0 {
		return false, nil
	}

	err = os.Remove(path)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Write writes the string to the file, truncating any existing content.
func Write(content, path string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
