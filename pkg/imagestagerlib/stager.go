// Package imagestagerlib drives the image staging workflow: creating per-partition
// loopback images, mounting them into a staging root, handing the root to an
// installer, and packaging the result.
package imagestagerlib

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/osforge/imagetools/imagegen/configuration"
	"github.com/osforge/imagetools/imagegen/diskutils"
	"github.com/osforge/imagetools/internal/buildconfig"
	"github.com/osforge/imagetools/internal/file"
	"github.com/osforge/imagetools/internal/logger"
	"github.com/osforge/imagetools/internal/safechroot"
	"github.com/osforge/imagetools/internal/tarutils"
)

// InstallFunc populates the staged root filesystem. It runs with every partition
// mounted under rootDir.
type InstallFunc func(rootDir string) error

// CreateOptions tunes the staging workflow.
type CreateOptions struct {
	// Shrink minimizes the image files after installation instead of leaving them
	// at their declared sizes.
	Shrink bool

	// MinimizerOverlay additionally builds a squashfs overlay that can restore a
	// shrunk root image to its declared size.
	MinimizerOverlay bool

	// OutputDir receives the finished images or archive.
	OutputDir string
}

// Stager owns one build of a loop-type image layout.
type Stager struct {
	config      configuration.Config
	buildConfig buildconfig.BuildConfig
	allocator   *diskutils.LoopDeviceAllocator
}

func New(config configuration.Config, buildConfig buildconfig.BuildConfig) *Stager {
	return &Stager{
		config:      config,
		buildConfig: buildConfig,
		allocator:   diskutils.NewLoopDeviceAllocator(buildConfig.LoopLockFile),
	}
}

// Create stages the layout, runs install inside it, and packages the result into
// options.OutputDir.
func (s *Stager) Create(install InstallFunc, options CreateOptions) (err error) {
	buildDir := filepath.Join(s.buildConfig.TmpDir,
		fmt.Sprintf("%s-%s", s.config.Name, uuid.NewString()[:8]))
	workDir := filepath.Join(buildDir, "images")
	stagingDir := filepath.Join(buildDir, "staging")

	for _, dir := range []string{workDir, stagingDir} {
		err = os.MkdirAll(dir, os.ModePerm)
		if err != nil {
			return creatorErrorf("setup", err)
		}
	}
	defer os.RemoveAll(buildDir)

	if s.config.ImageType == configuration.ImageTypeRaw {
		return s.createRaw(install, workDir, stagingDir, options)
	}

	images, err := NewLoopImageSet(&s.config, workDir, stagingDir, s.allocator, false)
	if err != nil {
		return creatorErrorf("setup", err)
	}

	err = images.Mount()
	if err != nil {
		return creatorErrorf("mount", err)
	}

	err = install(stagingDir)
	if err != nil {
		images.Unmount()
		return creatorErrorf("install", err)
	}

	err = s.writeFstab(stagingDir, images.Fstab())
	if err != nil {
		images.Unmount()
		return creatorErrorf("install", err)
	}

	err = images.Unmount()
	if err != nil {
		return creatorErrorf("unmount", err)
	}

	resparseTarget := diskutils.RestoreDeclaredSize
	if options.Shrink {
		resparseTarget = 0
	}
	err = images.Resparse(resparseTarget)
	if err != nil {
		return err
	}

	err = images.OptimizeForDistribution()
	if err != nil {
		return err
	}

	if options.MinimizerOverlay {
		err = s.createMinimizerOverlay(images, workDir)
		if err != nil {
			return err
		}
	}

	return s.packageImages(images, workDir, options.OutputDir)
}

// createRaw stages a raw-type layout: partitioned disk images instead of one image
// file per filesystem.
func (s *Stager) createRaw(install InstallFunc, workDir, stagingDir string, options CreateOptions) error {
	image, err := NewRawImage(&s.config, workDir, stagingDir, s.allocator, false)
	if err != nil {
		return creatorErrorf("setup", err)
	}

	err = image.Mount()
	if err != nil {
		return creatorErrorf("mount", err)
	}

	err = install(stagingDir)
	if err != nil {
		image.Unmount()
		return creatorErrorf("install", err)
	}

	err = s.writeFstab(stagingDir, image.Fstab())
	if err != nil {
		image.Unmount()
		return creatorErrorf("install", err)
	}

	err = image.Unmount()
	if err != nil {
		return creatorErrorf("unmount", err)
	}

	err = os.MkdirAll(options.OutputDir, os.ModePerm)
	if err != nil {
		return creatorErrorf("package", err)
	}

	if s.config.PackTo != "" {
		archivePath := filepath.Join(options.OutputDir, s.config.PackTo)
		err = tarutils.CreateTarArchive(workDir, archivePath,
			tarutils.CompressionForPath(archivePath))
		if err != nil {
			return creatorErrorf("package", err)
		}
		logger.Log.Infof("Packaged disk images into (%s)", archivePath)
		return nil
	}

	err = file.CopyDir(workDir, options.OutputDir)
	if err != nil {
		return creatorErrorf("package", err)
	}
	logger.Log.Infof("Copied disk images into (%s)", options.OutputDir)
	return nil
}

// writeFstab renders the mounted filesystems into the staged root's /etc/fstab.
func (s *Stager) writeFstab(stagingDir, fstab string) error {
	etcDir := filepath.Join(stagingDir, "etc")

	exists, err := file.IsDir(etcDir)
	if err != nil {
		return err
	}
	if !exists {
		logger.Log.Warnf("Staged root has no /etc directory, skipping fstab")
		return nil
	}

	return file.Write(fstab, filepath.Join(etcDir, "fstab"))
}

// createMinimizerOverlay records the blocks needed to regrow the shrunk root image
// back to its declared size.
func (s *Stager) createMinimizerOverlay(images *LoopImageSet, workDir string) error {
	root := s.config.RootPartition()
	if root == nil || !root.FsType.IsExt() {
		logger.Log.Warnf("Minimizer overlay requires an ext root partition, skipping")
		return nil
	}

	var rootImage *LoopImage
	for _, image := range images.Images() {
		if image.Partition.Mountpoint == "/" {
			rootImage = image
		}
	}

	overlayPath := filepath.Join(workDir, s.config.Name+".osmin.squashfs")
	err := diskutils.CreateImageMinimizer(overlayPath, rootImage.ImagePath,
		int64(root.Size)*diskutils.MiB, s.allocator)
	if err != nil {
		return creatorErrorf("minimizer", err)
	}
	return nil
}

// packageImages writes the manifest sidecar and either archives the work directory
// or copies the image files into outputDir.
func (s *Stager) packageImages(images *LoopImageSet, workDir, outputDir string) error {
	manifest := NewManifest(&s.config, images.ImageNames())
	err := manifest.Save(workDir)
	if err != nil {
		return creatorErrorf("package", err)
	}

	err = os.MkdirAll(outputDir, os.ModePerm)
	if err != nil {
		return creatorErrorf("package", err)
	}

	if s.config.PackTo != "" {
		archivePath := filepath.Join(outputDir, s.config.PackTo)
		err = tarutils.CreateTarArchive(workDir, archivePath,
			tarutils.CompressionForPath(archivePath))
		if err != nil {
			return creatorErrorf("package", err)
		}
		logger.Log.Infof("Packaged images into (%s)", archivePath)
		return nil
	}

	err = file.CopyDir(workDir, outputDir)
	if err != nil {
		return creatorErrorf("package", err)
	}
	logger.Log.Infof("Copied images into (%s)", outputDir)
	return nil
}

// Chroot mounts a previously packaged build and opens an interactive shell inside
// it. target is either the archive produced by Create or a directory of images with
// a manifest sidecar. Changes made in the shell land in the image files.
func (s *Stager) Chroot(target string) (err error) {
	imageDir := target

	isArchive, err := file.IsFile(target)
	if err != nil {
		return err
	}
	if isArchive {
		imageDir, err = os.MkdirTemp(s.buildConfig.TmpDir, "chroot-images")
		if err != nil {
			return fmt.Errorf("failed to create image staging directory:\n%w", err)
		}
		defer os.RemoveAll(imageDir)

		err = tarutils.ExpandTarArchive(target, imageDir)
		if err != nil {
			return err
		}
	}

	manifest, err := LoadManifest(imageDir)
	if err != nil {
		return err
	}

	config, err := configFromManifest(&s.config, manifest)
	if err != nil {
		return err
	}

	stagingDir, err := os.MkdirTemp(s.buildConfig.TmpDir, "chroot-root")
	if err != nil {
		return fmt.Errorf("failed to create staging root:\n%w", err)
	}
	defer os.Remove(stagingDir)

	images, err := NewLoopImageSet(&config, imageDir, stagingDir, s.allocator, true)
	if err != nil {
		return err
	}

	names := make(map[string]string)
	for _, partition := range manifest.Partitions {
		names[partition.Mountpoint] = partition.Name
	}
	images.SetImageNames(names)

	err = images.Mount()
	if err != nil {
		return err
	}
	defer func() {
		unmountErr := images.Unmount()
		if err == nil {
			err = unmountErr
		}
	}()

	if s.buildConfig.ChrootSaveTo != "" {
		err = safechroot.SaveRootDir(stagingDir, s.buildConfig.ChrootSaveTo)
		if err != nil {
			return err
		}
	}

	cleanupEmulator, err := safechroot.SetupQemuEmulator(stagingDir)
	if err != nil {
		return err
	}
	defer cleanupEmulator()

	chroot := safechroot.NewChroot(stagingDir)
	err = chroot.Initialize(nil)
	if err != nil {
		return err
	}
	defer chroot.Close()

	err = chroot.Run("/bin/bash")
	if err != nil {
		return err
	}

	if isArchive && s.config.PackTo != "" {
		// Repackage so that shell changes survive in the archive.
		err = chroot.Close()
		if err != nil {
			return err
		}
		err = images.Unmount()
		if err != nil {
			return err
		}
		return s.packageImages(images, imageDir, filepath.Dir(target))
	}

	return nil
}

// configFromManifest rebuilds enough of a layout config from a packaged build's
// manifest to re-mount its images.
func configFromManifest(base *configuration.Config, manifest Manifest) (configuration.Config, error) {
	config := configuration.Config{
		Name:      base.Name,
		Arch:      manifest.Arch,
		ImageType: configuration.ImageTypeLoop,
		PackTo:    base.PackTo,
	}

	for _, partition := range manifest.Partitions {
		config.Partitions = append(config.Partitions, configuration.Partition{
			Mountpoint: partition.Mountpoint,
			Size:       partition.Size,
			FsType:     configuration.FsType(partition.FsType),
			Label:      partition.Label,
		})
	}

	err := config.IsValid()
	if err != nil {
		return config, fmt.Errorf("packaged build has an invalid layout:\n%w", err)
	}
	return config, nil
}
