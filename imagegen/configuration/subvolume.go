package configuration

import "fmt"

// Subvolume describes a btrfs subvolume created inside a partition's filesystem.
type Subvolume struct {
	Name         string `yaml:"name"`
	Mountpoint   string `yaml:"mountpoint"`
	MountOptions string `yaml:"mountOptions"`
	Quota        bool   `yaml:"quota"`
}

func (s *Subvolume) IsValid() error {
	if s.Name == "" {
		return fmt.Errorf("subvolume must have a name")
	}
	if s.Mountpoint == "" {
		return fmt.Errorf("subvolume (%s) must have a mountpoint", s.Name)
	}
	return nil
}

// SubvolumeSnapshot describes a snapshot taken of a subvolume when the image is
// finalized.
type SubvolumeSnapshot struct {
	Name string `yaml:"name"`
	Base string `yaml:"base"`
}

func (s *SubvolumeSnapshot) IsValid() error {
	if s.Name == "" {
		return fmt.Errorf("snapshot must have a name")
	}
	if s.Base == "" {
		return fmt.Errorf("snapshot (%s) must name a base subvolume", s.Name)
	}
	return nil
}
