package present

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownHandle is returned when releasing a handle that is not held.
var ErrUnknownHandle = errors.New("unknown artifact handle")

// Artifact is an encoded, displayable result.
type Artifact struct {
	// ID is the handle assigned by Handles.Acquire.
	ID string `json:"id"`

	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`

	// Width and Height are the encoded image dimensions.
	Width  int `json:"width"`
	Height int `json:"height"`

	// Count is the number of detections drawn on the image.
	Count int `json:"count"`

	CreatedAt time.Time `json:"created_at"`
}

// Size returns the encoded size in bytes.
func (a *Artifact) Size() int {
	return len(a.Data)
}

// Handles issues and releases transient references to artifacts.
type Handles interface {
	// Acquire stores a and returns its handle.
	Acquire(a *Artifact) string

	// Release drops the handle. Releasing an unknown or already released
	// handle returns ErrUnknownHandle.
	Release(id string) error

	// Get resolves a live handle.
	Get(id string) (*Artifact, bool)
}

// Registry is an in-memory Handles implementation keyed by random UUIDs.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*Artifact
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*Artifact)}
}

// Acquire stores a under a new handle and sets a.ID.
func (r *Registry) Acquire(a *Artifact) string {
	id := uuid.NewString()
	a.ID = id

	r.mu.Lock()
	r.items[id] = a
	r.mu.Unlock()
	return id
}

// Release removes a handle.
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return ErrUnknownHandle
	}
	delete(r.items, id)
	return nil
}

// Get returns the artifact for a live handle.
func (r *Registry) Get(id string) (*Artifact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.items[id]
	return a, ok
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
