package imaging

import (
	"bytes"
	"fmt"
	"image"
	"os"

	"github.com/ironsheep/pillcount/internal/failure"
)

// ImageInfo describes an image file without decoding its pixels.
type ImageInfo struct {
	// Width and Height are the stored dimensions, before any EXIF rotation.
	Width  int `json:"width"`
	Height int `json:"height"`

	// Format is the decoder name: "png", "jpeg" or "gif".
	Format string `json:"format"`

	// FileSizeBytes is the size of the file on disk in bytes.
	FileSizeBytes int64 `json:"file_size_bytes"`
}

// ReadFile loads an image file for Validate. Files larger than maxBytes are
// rejected with TooLarge before being read; a maxBytes of 0 disables the
// check. Missing or unreadable files are DecodeError.
func ReadFile(path string, maxBytes int64) ([]byte, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, failure.New(failure.DecodeError, "load", err)
	}
	if stat.IsDir() {
		return nil, failure.Newf(failure.DecodeError, "load", "%s is a directory", path)
	}
	if maxBytes > 0 && stat.Size() > maxBytes {
		return nil, failure.Newf(failure.TooLarge, "load",
			"file is %d bytes, limit is %d", stat.Size(), maxBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.New(failure.DecodeError, "load", err)
	}
	return data, nil
}

// Inspect reads the header of encoded image data.
func Inspect(data []byte) (*ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, failure.New(failure.DecodeError, "inspect", fmt.Errorf("failed to read image config: %w", err))
	}
	return &ImageInfo{
		Width:         cfg.Width,
		Height:        cfg.Height,
		Format:        format,
		FileSizeBytes: int64(len(data)),
	}, nil
}
