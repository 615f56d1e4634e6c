// Package imageprobe loads basic image information for collection scans:
// pixel dimensions, format, and the EXIF capture date when present.
//
// The Prober interface is the seam for alternative loaders (raw formats,
// external probing tools). The default prober uses the standard image
// decoders plus a minimal EXIF reader for JPEG capture dates.
package imageprobe

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"time"
)

// ErrNotImage is returned when a file cannot be decoded as an image.
// Scans treat this as "skip the file", not as a failure.
var ErrNotImage = errors.New("not an image")

// Info describes a probed image.
type Info struct {
	Format      string
	Width       int
	Height      int
	CaptureDate *time.Time // nil when the image carries no capture date
}

// Prober loads image information from a file path.
type Prober interface {
	Probe(path string) (*Info, error)
}

// Default is the standard-decoder prober.
type Default struct{}

var _ Prober = Default{}

// Probe decodes the image header at path. EXIF orientation values 5-8
// rotate the frame by 90 degrees, so width and height are swapped for
// them, matching what a renderer honoring orientation will produce.
func (Default) Probe(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	config, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotImage, path)
	}

	info := &Info{
		Format: format,
		Width:  config.Width,
		Height: config.Height,
	}

	if format == "jpeg" {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind %s: %w", path, err)
		}
		if exif, err := parseJPEGExif(f); err == nil && exif != nil {
			if exif.Orientation >= 5 && exif.Orientation <= 8 {
				info.Width, info.Height = info.Height, info.Width
			}
			info.CaptureDate = exif.CaptureDate
		}
	}

	return info, nil
}
