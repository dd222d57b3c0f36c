package tarutils

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

func TestCompressionForPath(t *testing.T) {
	assert.Equal(t, CompressionGzip, CompressionForPath("images.tar.gz"))
	assert.Equal(t, CompressionGzip, CompressionForPath("images.tgz"))
	assert.Equal(t, CompressionXz, CompressionForPath("images.tar.xz"))
	assert.Equal(t, CompressionNone, CompressionForPath("images.tar"))
}

func createSourceTree(t *testing.T) string {
	sourceDir := t.TempDir()

	err := os.MkdirAll(filepath.Join(sourceDir, "subdir"), os.ModePerm)
	assert.NoError(t, err)

	err = os.WriteFile(filepath.Join(sourceDir, "root.img"), []byte("root contents"), 0o644)
	assert.NoError(t, err)

	err = os.WriteFile(filepath.Join(sourceDir, "subdir", "nested.txt"), []byte("nested"), 0o600)
	assert.NoError(t, err)

	return sourceDir
}

func testRoundTrip(t *testing.T, archiveName string, compression Compression) {
	sourceDir := createSourceTree(t)
	archivePath := filepath.Join(t.TempDir(), archiveName)

	err := CreateTarArchive(sourceDir, archivePath, compression)
	assert.NoError(t, err)

	outputDir := t.TempDir()
	err = ExpandTarArchive(archivePath, outputDir)
	assert.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(outputDir, "root.img"))
	assert.NoError(t, err)
	assert.Equal(t, "root contents", string(content))

	content, err = os.ReadFile(filepath.Join(outputDir, "subdir", "nested.txt"))
	assert.NoError(t, err)
	assert.Equal(t, "nested", string(content))
}

func TestRoundTripUncompressed(t *testing.T) {
	testRoundTrip(t, "images.tar", CompressionNone)
}

func TestRoundTripGzip(t *testing.T) {
	testRoundTrip(t, "images.tar.gz", CompressionGzip)
}

func TestRoundTripXz(t *testing.T) {
	testRoundTrip(t, "images.tar.xz", CompressionXz)
}

func TestCreateTarArchiveUnknownCompression(t *testing.T) {
	sourceDir := createSourceTree(t)
	err := CreateTarArchive(sourceDir, filepath.Join(t.TempDir(), "out.tar"), Compression("zstd"))
	assert.Error(t, err)
}

func TestExpandTarArchiveMissingFile(t *testing.T) {
	err := ExpandTarArchive(filepath.Join(t.TempDir(), "missing.tar"), t.TempDir())
	assert.Error(t, err)
}
