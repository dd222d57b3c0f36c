// Package configuration parses and validates the image layout description: which
// filesystems the staged OS consists of, their sizes, and how they are packaged.
package configuration

import (
	"bytes"
	"fmt"
	"os"

	"github.com/osforge/imagetools/internal/logger"
	"gopkg.in/yaml.v3"
)

// Config is the top-level image layout description.
type Config struct {
	Name      string    `yaml:"name"`
	Arch      string    `yaml:"arch"`
	ImageType ImageType `yaml:"imageType"`

	// PackTo, if set, packages the staged images into this archive. The archive
	// name's extension selects the compression.
	PackTo string `yaml:"packTo"`

	Partitions []Partition `yaml:"partitions"`
}

func (c *Config) IsValid() (err error) {
	if c.Name == "" {
		return fmt.Errorf("config must have a name")
	}

	err = c.ImageType.IsValid()
	if err != nil {
		return err
	}

	if len(c.Partitions) == 0 {
		return fmt.Errorf("config must declare at least one partition")
	}

	rootCount := 0
	mountpoints := make(map[string]bool)
	for i := range c.Partitions {
		partition := &c.Partitions[i]

		err = partition.IsValid()
		if err != nil {
			return fmt.Errorf("invalid 'partitions' field:\n%w", err)
		}

		if partition.Mountpoint == "/" {
			rootCount++
		}

		if partition.Mountpoint != "" {
			if mountpoints[partition.Mountpoint] {
				return fmt.Errorf("duplicate partition mountpoint (%s)", partition.Mountpoint)
			}
			mountpoints[partition.Mountpoint] = true
		}

		if c.ImageType == ImageTypeLoop && partition.FsType == FsTypeSwap {
			return fmt.Errorf("loop images do not support swap partitions")
		}
	}

	if rootCount != 1 {
		return fmt.Errorf("config must declare exactly one root (/) partition, found %d", rootCount)
	}

	return nil
}

// RootPartition returns the partition mounted at /.
func (c *Config) RootPartition() *Partition {
	for i := range c.Partitions {
		if c.Partitions[i].Mountpoint == "/" {
			return &c.Partitions[i]
		}
	}
	return nil
}

// Load reads and validates a layout description from a YAML file.
func Load(configFilePath string) (Config, error) {
	logger.Log.Debugf("Loading image layout from (%s)", configFilePath)

	var config Config

	content, err := os.ReadFile(configFilePath)
	if err != nil {
		return config, fmt.Errorf("failed to read config file (%s):\n%w", configFilePath, err)
	}

	return LoadFrom(content)
}

// LoadFrom parses and validates a layout description from YAML content.
func LoadFrom(content []byte) (Config, error) {
	var config Config

	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)

	err := decoder.Decode(&config)
	if err != nil {
		return config, fmt.Errorf("failed to parse config:\n%w", err)
	}

	if config.ImageType == "" {
		config.ImageType = ImageTypeLoop
	}

	err = config.IsValid()
	if err != nil {
		return config, fmt.Errorf("invalid config:\n%w", err)
	}

	return config, nil
}
