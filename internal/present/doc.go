// Package present turns an annotated surface into a JPEG artifact and manages
// the lifetime of the transient handle used to display it.
//
// A Presenter owns at most one current artifact. Presenting a new result
// releases the superseded handle, and Close releases the current one, so
// every acquired handle is released exactly once across repeated
// capture/retake cycles. Save writes the artifact under a name derived from
// the count and creation time; Share hands it to a Sharer and falls back to
// Save when sharing is unavailable or fails.
package present
