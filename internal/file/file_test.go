package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/osforge/imagetools/internal/logger"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

func TestPathExists(t *testing.T) {
	dir := t.TempDir()

	exists, err := PathExists(dir)
	assert.NoError(t, err)
	assert.True(t, exists)

	exists, err = PathExists(filepath.Join(dir, "missing"))
	assert.NoError(t, err)
	assert.False(t, exists)
}

func TestIsDirAndIsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	assert.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	isDir, err := IsDir(dir)
	assert.NoError(t, err)
	assert.True(t, isDir)

	isDir, err = IsDir(path)
	assert.NoError(t, err)
	assert.False(t, isDir)

	isFile, err := IsFile(path)
	assert.NoError(t, err)
	assert.True(t, isFile)

	isFile, err = IsFile(dir)
	assert.NoError(t, err)
	assert.False(t, isFile)
}

func TestGetSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sized")
	assert.NoError(t, os.WriteFile(path, []byte("12345"), 0o644))

	size, err := GetSize(path)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestReadLinesDropsTrailingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines")
	assert.NoError(t, os.WriteFile(path, []byte("one\ntwo\n"), 0o644))

	lines, err := ReadLines(path)
	assert.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestCopyPreservesPermissions(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.sh")
	assert.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"), 0o755))

	dst := filepath.Join(dir, "nested", "dst.sh")
	assert.NoError(t, Copy(src, dst))

	info, err := os.Stat(dst)
	assert.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	content, err := os.ReadFile(dst)
	assert.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(content))
}

func TestCopyRejectsDirectorySource(t *testing.T) {
	dir := t.TempDir()
	err := Copy(dir, filepath.Join(dir, "dst"))
	assert.Error(t, err)
}

func TestCopyDir(t *testing.T) {
	src := t.TempDir()
	assert.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(src, "sub", "f"), []byte("data"), 0o644))
	assert.NoError(t, os.Symlink("sub/f", filepath.Join(src, "link")))

	dst := t.TempDir()
	assert.NoError(t, CopyDir(src, dst))

	content, err := os.ReadFile(filepath.Join(dst, "sub", "f"))
	assert.NoError(t, err)
	assert.Equal(t, "data", string(content))

	target, err := os.Readlink(filepath.Join(dst, "link"))
	assert.NoError(t, err)
	assert.Equal(t, "sub/f", target)
}

func TestRemoveDirIfEmpty(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	assert.NoError(t, os.Mkdir(empty, 0o755))

	removed, err := RemoveDirIfEmpty(empty)
	assert.NoError(t, err)
	assert.True(t, removed)

	nonEmpty := filepath.Join(dir, "full")
	assert.NoError(t, os.Mkdir(nonEmpty, 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(nonEmpty, "f"), []byte("x"), 0o644))

	removed, err = RemoveDirIfEmpty(nonEmpty)
	assert.NoError(t, err)
	assert.False(t, removed)

	removed, err = RemoveDirIfEmpty(filepath.Join(dir, "missing"))
	assert.NoError(t, err)
	assert.False(t, removed)
}

func TestWriteTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	assert.NoError(t, Write("long initial content", path))
	assert.NoError(t, Write("short", path))

	content, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, "short", string(content))
}
