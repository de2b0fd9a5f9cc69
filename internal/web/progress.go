package web

import (
	"sync"
	"time"
)

// ProgressEvent is one progress report sent to websocket clients.
type ProgressEvent struct {
	Session string    `json:"session"`
	Token   string    `json:"token,omitempty"`
	Percent int       `json:"percent"`
	Message string    `json:"message"`
	Status  string    `json:"status,omitempty"`
	Count   *int      `json:"count,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// progressHub fans progress events out to the subscribers of each session.
// Slow subscribers miss events rather than block a capture.
type progressHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan ProgressEvent]struct{}
}

func newProgressHub() *progressHub {
	return &progressHub{subs: make(map[string]map[chan ProgressEvent]struct{})}
}

// subscribe registers a listener for session. The returned function
// unsubscribes and closes the channel.
func (h *progressHub) subscribe(session string) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, 16)

	h.mu.Lock()
	if h.subs[session] == nil {
		h.subs[session] = make(map[chan ProgressEvent]struct{})
	}
	h.subs[session][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[session], ch)
			if len(h.subs[session]) == 0 {
				delete(h.subs, session)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// publish delivers ev to every subscriber of ev.Session without blocking.
func (h *progressHub) publish(ev ProgressEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.Session] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// count returns the number of subscribers for session.
func (h *progressHub) count(session string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[session])
}
