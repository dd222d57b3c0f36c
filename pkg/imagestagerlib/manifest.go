package imagestagerlib

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"

	"github.com/osforge/imagetools/imagegen/configuration"
	"github.com/osforge/imagetools/internal/file"
)

// manifestFileName is the sidecar stored next to packaged images that records which
// image file belongs at which mountpoint.
const manifestFileName = ".mountpoints.xml"

// Manifest maps the image files of a packaged build back to their mountpoints so
// that the build can be re-mounted later.
type Manifest struct {
	XMLName    xml.Name            `xml:"image"`
	Arch       string              `xml:"arch,attr"`
	Partitions []ManifestPartition `xml:"partition"`
}

// ManifestPartition is one image file of a packaged build.
type ManifestPartition struct {
	Mountpoint string `xml:"mountpoint,attr"`
	Label      string `xml:"label,attr"`
	Name       string `xml:"name,attr"`
	Size       uint64 `xml:"size,attr"`
	FsType     string `xml:"fstype,attr"`
}

// NewManifest records the image layout of a staged build.
func NewManifest(config *configuration.Config, imageNames map[string]string) Manifest {
	manifest := Manifest{
		Arch: config.Arch,
	}

	for _, partition := range config.Partitions {
		manifest.Partitions = append(manifest.Partitions, ManifestPartition{
			Mountpoint: partition.Mountpoint,
			Label:      partition.Label,
			Name:       imageNames[partition.Mountpoint],
			Size:       partition.Size,
			FsType:     string(partition.FsType),
		})
	}
	return manifest
}

// Save writes the manifest into dir.
func (m *Manifest) Save(dir string) error {
	content, err := xml.MarshalIndent(m, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to serialize image manifest:\n%w", err)
	}

	path := manifestPath(dir)
	err = file.Write(xml.Header+string(content)+"\n", path)
	if err != nil {
		return fmt.Errorf("failed to write image manifest (%s):\n%w", path, err)
	}
	return nil
}

// LoadManifest reads the manifest sidecar from dir.
func LoadManifest(dir string) (Manifest, error) {
	var manifest Manifest

	path := manifestPath(dir)
	content, err := os.ReadFile(path)
	if err != nil {
		return manifest, fmt.Errorf("failed to read image manifest (%s):\n%w", path, err)
	}

	err = xml.Unmarshal(content, &manifest)
	if err != nil {
		return manifest, fmt.Errorf("failed to parse image manifest (%s):\n%w", path, err)
	}
	return manifest, nil
}

func manifestPath(dir string) string {
	return filepath.Join(dir, manifestFileName)
}
