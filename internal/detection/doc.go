// Package detection talks to the hosted object-detection service and holds
// the detection geometry shared by the rest of the pipeline.
//
// # Coordinate Spaces
//
// A Detection is always top-left based: (X, Y) is the upper-left corner and
// Width/Height extend right and down. Two coordinate spaces are in play:
//
//   - Inference space: pixels of the (possibly downscaled) image submitted to
//     the service.
//   - Original space: pixels of the full-resolution capture.
//
// The service reports center-based boxes; Client.Detect converts them with
//
//	X = centerX - width/2
//	Y = centerY - height/2
//
// MapToOriginal moves detections from inference to original space by dividing
// every spatial field by the scale factor s = inference/original (0 < s <= 1).
// At s == 1 the detections are returned untouched.
//
// # Confidence
//
// Confidence is in the range 0.0 to 1.0. The client never drops detections;
// FilterByConfidence applies the pipeline threshold (keep if confidence >=
// threshold) and preserves the order the service returned.
//
// # Errors
//
// Client failures are *failure.Error values: NetworkError for transport
// failures and non-2xx responses, ParseError for malformed bodies.
package detection
