package configuration

import (
	"fmt"
	"slices"
)

type ImageType string

const (
	// ImageTypeLoop stages every partition as its own loopback image file.
	ImageTypeLoop ImageType = "loop"

	// ImageTypeRaw stages all partitions inside a single partitioned disk image.
	ImageTypeRaw ImageType = "raw"
)

var supportedImageTypes = []string{
	string(ImageTypeLoop),
	string(ImageTypeRaw),
}

func (it *ImageType) IsValid() error {
	if !slices.Contains(supportedImageTypes, string(*it)) {
		return fmt.Errorf("invalid image type (%s)", *it)
	}
	return nil
}

// SupportedImageTypes returns all valid image types.
func SupportedImageTypes() []string {
	return supportedImageTypes
}
