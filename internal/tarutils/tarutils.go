// Package tarutils packages directories of built images into compressed tar archives
// and expands them back for inspection.
package tarutils

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/osforge/imagetools/internal/logger"
	"github.com/ulikunitz/xz"
)

// Compression selects the archive's compression codec.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gz"
	CompressionXz   Compression = "xz"
)

// CompressionForPath derives the codec from an archive file name.
func CompressionForPath(path string) Compression {
	switch {
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		return CompressionGzip
	case strings.HasSuffix(path, ".tar.xz"):
		return CompressionXz
	default:
		return CompressionNone
	}
}

// CreateTarArchive packages sourceDir's contents into an archive at outputArchivePath,
// compressed according to the codec.
func CreateTarArchive(sourceDir, outputArchivePath string, compression Compression) error {
	logger.Log.Infof("Creating archive (%s) from (%s)", outputArchivePath, sourceDir)

	outFile, err := os.Create(outputArchivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive (%s):\n%w", outputArchivePath, err)
	}
	defer outFile.Close()

	var tarDest io.Writer = outFile
	var closeCompressor func() error

	switch compression {
	case CompressionGzip:
		gw := pgzip.NewWriter(outFile)
		tarDest = gw
		closeCompressor = gw.Close

	case CompressionXz:
		xw, err := xz.NewWriter(outFile)
		if err != nil {
			return fmt.Errorf("failed to create xz writer:\n%w", err)
		}
		tarDest = xw
		closeCompressor = xw.Close

	case CompressionNone:

	default:
		return fmt.Errorf("unknown compression (%s)", compression)
	}

	tw := tar.NewWriter(tarDest)

	err = filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		err = tw.WriteHeader(header)
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create archive (%s):\n%w", outputArchivePath, err)
	}

	err = tw.Close()
	if err != nil {
		return fmt.Errorf("failed to finalize archive:\n%w", err)
	}

	if closeCompressor != nil {
		err = closeCompressor()
		if err != nil {
			return fmt.Errorf("failed to finalize compressed stream:\n%w", err)
		}
	}

	return nil
}

// ExpandTarArchive extracts an archive into outputDir. The codec is derived from the
// archive file name.
func ExpandTarArchive(sourceArchivePath, outputDir string) error {
	logger.Log.Infof("Expanding archive (%s) to (%s)", sourceArchivePath, outputDir)

	f, err := os.Open(sourceArchivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive (%s):\n%w", sourceArchivePath, err)
	}
	defer f.Close()

	var tarSource io.Reader = f
	switch CompressionForPath(sourceArchivePath) {
	case CompressionGzip:
		gzr, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for (%s):\n%w", sourceArchivePath, err)
		}
		defer gzr.Close()
		tarSource = gzr

	case CompressionXz:
		xzr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for (%s):\n%w", sourceArchivePath, err)
		}
		tarSource = xzr
	}

	tr := tar.NewReader(tarSource)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read header from archive:\n%w", err)
		}

		// Reject entries that would escape the expansion root.
		cleanName := filepath.Clean(header.Name)
		if strings.Contains(cleanName, "..") || filepath.IsAbs(cleanName) {
			return fmt.Errorf("unallowed file reference in archive: (%s) may reference a file outside the expansion root (%s)",
				header.Name, outputDir)
		}

		target := filepath.Join(outputDir, cleanName)

		switch header.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(target, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("failed to create folder (%s):\n%w", target, err)
			}

		case tar.TypeReg:
			err = os.MkdirAll(filepath.Dir(target), 0o755)
			if err != nil {
				return fmt.Errorf("failed to create parent folder for (%s):\n%w", target, err)
			}

			outFile, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY,
				os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file (%s):\n%w", target, err)
			}

			_, err = io.Copy(outFile, tr)
			outFile.Close()
			if err != nil {
				return fmt.Errorf("failed to extract file (%s):\n%w", target, err)
			}

		case tar.TypeSymlink:
			err = os.Symlink(header.Linkname, target)
			if err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink (%s):\n%w", target, err)
			}
		}
	}

	return nil
}
