package pipeline

import "sync"

// ProgressFunc receives a completion percentage (0-100) and a short status
// message.
type ProgressFunc func(percent int, message string)

// Progress steps reported for every run.
const (
	StepValidating = 5
	StepDetecting  = 20
	StepMapping    = 70
	StepRendering  = 80
	StepPresenting = 95
	StepDone       = 100
)

// monotonic wraps fn so that reports with a lower percentage than one
// already delivered are dropped. Calls are serialized. A nil fn yields a
// no-op.
func monotonic(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(int, string) {}
	}
	var mu sync.Mutex
	last := -1
	return func(percent int, message string) {
		mu.Lock()
		defer mu.Unlock()
		if percent < last {
			return
		}
		last = percent
		fn(percent, message)
	}
}
