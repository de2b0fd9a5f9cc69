// Package imaging validates and normalizes captured photos before detection.
//
// A capture arrives as raw bytes. Validate enforces the byte-size limit,
// decodes the image within a bounded wait, applies EXIF orientation, and
// produces two views of it:
//
//   - SourceImage: the full-resolution decoded image used for annotation.
//   - InferenceImage: the encoded payload submitted for detection, downscaled
//     when either dimension exceeds the policy maximum.
//
// # Coordinate System
//
// Pixel coordinates are 0-based with (0,0) at the top-left corner, X
// increasing rightward and Y increasing downward. InferenceImage.Scale is the
// ratio inference/original and is the same for both axes.
//
// # Downscaling
//
// When max(width, height) exceeds Policy.MaxDimension, both dimensions are
// multiplied by MaxDimension/max(width, height) and floor-rounded. The longer
// axis therefore lands exactly on MaxDimension:
//
//	3024x4032, MaxDimension 1024 -> 768x1024 (scale 0.2540)
//
// The resized copy is re-encoded as JPEG at Policy.Quality. Images already
// within the limit are passed through byte-for-byte.
//
// # Error Handling
//
// Failures are *failure.Error values: TooLarge for oversized input,
// DecodeError for undecodable data and LoadTimeout when decoding exceeds
// Policy.LoadTimeout.
package imaging
