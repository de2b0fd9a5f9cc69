package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"io"
	"math"
	"time"

	"github.com/disintegration/imaging"

	"github.com/ironsheep/pillcount/internal/failure"
)

// Policy limits and normalizes incoming captures.
type Policy struct {
	// MaxBytes is the largest accepted input size in bytes.
	MaxBytes int64 `json:"max_bytes"`

	// MaxDimension is the largest width or height submitted for detection.
	MaxDimension int `json:"max_dimension"`

	// Quality is the JPEG quality (0.0-1.0) used when re-encoding a resized image.
	Quality float64 `json:"quality"`

	// LoadTimeout bounds how long decoding may take.
	LoadTimeout time.Duration `json:"load_timeout"`
}

// DefaultPolicy returns the limits used for phone captures.
func DefaultPolicy() Policy {
	return Policy{
		MaxBytes:     10 << 20,
		MaxDimension: 1024,
		Quality:      0.85,
		LoadTimeout:  30 * time.Second,
	}
}

// SourceImage is the decoded capture at full resolution. It is not modified
// after Validate returns.
type SourceImage struct {
	// Data holds the original encoded bytes.
	Data []byte

	// Image is the decoded, orientation-corrected image.
	Image image.Image

	// Width and Height are the oriented pixel dimensions.
	Width  int
	Height int

	// Format is the decoder name reported by image.DecodeConfig ("jpeg", "png", "gif").
	Format string
}

// Size returns the byte size of the original data.
func (s *SourceImage) Size() int64 {
	return int64(len(s.Data))
}

// InferenceImage is the encoded payload submitted for detection.
type InferenceImage struct {
	Data     []byte
	Width    int
	Height   int
	MimeType string

	// Scale is Width/SourceImage.Width, in (0, 1].
	Scale float64
}

// Validated pairs a capture with the payload derived from it.
type Validated struct {
	Source    *SourceImage
	Inference *InferenceImage

	// Resized reports whether the inference payload was downscaled.
	Resized bool
}

// decodeImage decodes with EXIF auto-orientation. Replaced in tests.
var decodeImage = func(r io.Reader) (image.Image, error) {
	return imaging.Decode(r, imaging.AutoOrientation(true))
}

// Validate checks data against p and prepares it for detection.
func Validate(ctx context.Context, data []byte, p Policy) (*Validated, error) {
	if p.MaxBytes > 0 && int64(len(data)) > p.MaxBytes {
		return nil, failure.Newf(failure.TooLarge, "validate",
			"image is %d bytes, limit is %d", len(data), p.MaxBytes)
	}
	if len(data) == 0 {
		return nil, failure.Newf(failure.DecodeError, "validate", "empty image data")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, failure.New(failure.DecodeError, "validate", err)
	}

	img, err := decodeWithin(ctx, data, p.LoadTimeout)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	src := &SourceImage{
		Data:   data,
		Image:  img,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Format: format,
	}

	newW, newH, scale := FitWithin(src.Width, src.Height, p.MaxDimension)
	resized := scale < 1
	// An orientation tag that swaps axes means the raw bytes no longer match
	// the decoded geometry, so they cannot be sent as-is.
	reoriented := cfg.Width != src.Width || cfg.Height != src.Height

	if !resized && !reoriented {
		return &Validated{
			Source: src,
			Inference: &InferenceImage{
				Data:     data,
				Width:    src.Width,
				Height:   src.Height,
				MimeType: "image/" + format,
				Scale:    1,
			},
		}, nil
	}

	out := img
	if resized {
		out = imaging.Resize(img, newW, newH, imaging.Lanczos)
	}
	encoded, err := EncodeJPEG(out, p.Quality)
	if err != nil {
		return nil, failure.New(failure.Internal, "validate", err)
	}

	return &Validated{
		Source: src,
		Inference: &InferenceImage{
			Data:     encoded,
			Width:    newW,
			Height:   newH,
			MimeType: "image/jpeg",
			Scale:    scale,
		},
		Resized: resized,
	}, nil
}

// decodeWithin decodes data, giving up after timeout or when ctx ends. An
// abandoned decode finishes in the background and its result is dropped; the
// channel is buffered so that goroutine never blocks.
func decodeWithin(ctx context.Context, data []byte, timeout time.Duration) (image.Image, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type decoded struct {
		img image.Image
		err error
	}
	decode := decodeImage
	done := make(chan decoded, 1)
	go func() {
		img, err := decode(bytes.NewReader(data))
		done <- decoded{img: img, err: err}
	}()

	select {
	case d := <-done:
		if d.err != nil {
			return nil, failure.New(failure.DecodeError, "validate", d.err)
		}
		return d.img, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, failure.New(failure.LoadTimeout, "validate",
				fmt.Errorf("decode exceeded %s: %w", timeout, ctx.Err()))
		}
		return nil, failure.New(failure.Canceled, "validate", ctx.Err())
	}
}

// FitWithin returns the dimensions of a width x height image scaled so that
// neither side exceeds maxDim, and the scale factor applied. Dimensions are
// floor-rounded with integer arithmetic so the longer side equals maxDim
// exactly. Images already within bounds (or maxDim <= 0) return scale 1.
func FitWithin(width, height, maxDim int) (int, int, float64) {
	longest := width
	if height > longest {
		longest = height
	}
	if maxDim <= 0 || longest <= maxDim {
		return width, height, 1
	}

	newW := width * maxDim / longest
	newH := height * maxDim / longest
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	return newW, newH, float64(maxDim) / float64(longest)
}

// EncodeJPEG encodes img as JPEG at quality in the 0.0-1.0 range.
func EncodeJPEG(img image.Image, quality float64) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality(quality))); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// jpegQuality converts a 0.0-1.0 quality to the 1-100 scale.
func jpegQuality(q float64) int {
	v := int(math.Round(q * 100))
	if v < 1 {
		return 1
	}
	if v > 100 {
		return 100
	}
	return v
}

// Dimensions reads the pixel size of encoded image data without a full decode.
func Dimensions(data []byte) (int, int, error) {
	info, err := Inspect(data)
	if err != nil {
		return 0, 0, err
	}
	return info.Width, info.Height, nil
}
