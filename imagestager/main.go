// Tool to stage OS images as loopback-mounted filesystems and package the result.

package main

import (
	"os"
	"os/signal"

	"github.com/osforge/imagetools/imagegen/configuration"
	"github.com/osforge/imagetools/internal/buildconfig"
	"github.com/osforge/imagetools/internal/exe"
	"github.com/osforge/imagetools/internal/logger"
	"github.com/osforge/imagetools/internal/shell"
	"github.com/osforge/imagetools/pkg/imagestagerlib"

	"golang.org/x/sys/unix"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app          = kingpin.New("imagestager", "Tool to stage OS images as loopback-mounted filesystems and package the result.")
	settingsFile = app.Flag("settings", "Path to the tool settings file.").Default(buildconfig.DefaultPath).String()
	logFlags     = exe.SetupLogFlags(app)

	createCmd        = app.Command("create", "Create and package an image from a layout config.")
	createConfigFile = createCmd.Flag("config", "Path to the image layout config file.").Required().ExistingFile()
	installScript    = createCmd.Flag("install-script", "Script run with the staging root as its argument to populate the image.").Required().ExistingFile()
	outputDir        = createCmd.Flag("output-dir", "Directory to place the finished images.").Required().String()
	shrink           = createCmd.Flag("shrink", "Shrink the image files to their minimal size.").Bool()
	minimizer        = createCmd.Flag("minimizer", "Also build a squashfs overlay that restores a shrunk root image to full size.").Bool()

	chrootCmd        = app.Command("chroot", "Open a shell inside a previously packaged image.")
	chrootConfigFile = chrootCmd.Flag("config", "Path to the image layout config file.").Required().ExistingFile()
	chrootTarget     = chrootCmd.Arg("target", "Packaged image archive or image directory.").Required().String()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	logger.InitBestEffort(logFlags)

	// Loop devices and mounts must not leak when the build is interrupted.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM)
	go func() {
		sig := <-signals
		logger.Log.Errorf("Received signal (%v), stopping", sig)
		shell.PermanentlyStopAllChildProcesses()
		os.Exit(1)
	}()

	err := shell.CheckRunningAsRoot("imagestager")
	if err != nil {
		logger.Log.Fatalf("%v", err)
	}

	settings, err := buildconfig.Load(*settingsFile)
	if err != nil {
		logger.Log.Fatalf("Failed to load settings: %v", err)
	}

	switch command {
	case createCmd.FullCommand():
		err = create(settings)
	case chrootCmd.FullCommand():
		err = chrootImage(settings)
	}
	if err != nil {
		logger.Log.Fatalf("%v", err)
	}
}

func create(settings buildconfig.BuildConfig) error {
	config, err := configuration.Load(*createConfigFile)
	if err != nil {
		return err
	}

	stager := imagestagerlib.New(config, settings)
	return stager.Create(runInstallScript, imagestagerlib.CreateOptions{
		Shrink:           *shrink,
		MinimizerOverlay: *minimizer,
		OutputDir:        *outputDir,
	})
}

// runInstallScript hands the staging root to the user's install script.
func runInstallScript(rootDir string) error {
	return shell.ExecuteLive(false, *installScript, rootDir)
}

func chrootImage(settings buildconfig.BuildConfig) error {
	config, err := configuration.Load(*chrootConfigFile)
	if err != nil {
		return err
	}

	stager := imagestagerlib.New(config, settings)
	return stager.Chroot(*chrootTarget)
}
