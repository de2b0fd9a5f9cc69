package present

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ironsheep/pillcount/internal/imaging"
	"github.com/ironsheep/pillcount/internal/log"
	"github.com/ironsheep/pillcount/internal/render"
)

// ErrNoResult is returned when an operation needs a current artifact and
// there is none.
var ErrNoResult = errors.New("no result to present")

// Options configures a Presenter.
type Options struct {
	// Quality is the JPEG quality (0.0-1.0) of the artifact.
	Quality float64 `json:"quality"`

	// Prefix starts every generated file name.
	Prefix string `json:"prefix"`

	// OutputDir is where Save writes when no directory is given.
	OutputDir string `json:"output_dir"`

	// Now supplies artifact timestamps. Defaults to time.Now.
	Now func() time.Time `json:"-"`

	// Logger receives release warnings. Defaults to the global logger.
	Logger *slog.Logger `json:"-"`
}

// DefaultOptions returns the standard artifact settings.
func DefaultOptions() Options {
	return Options{
		Quality:   0.95,
		Prefix:    "pills",
		OutputDir: ".",
	}
}

// Method names how Share delivered the artifact.
type Method string

const (
	MethodShare Method = "share"
	MethodSave  Method = "save"
)

// ShareResult reports where a shared artifact went.
type ShareResult struct {
	Method Method `json:"method"`

	// Location is the share target's reference or the saved file path.
	Location string `json:"location"`

	// Fallback is the share error that caused a save, if any.
	Fallback string `json:"fallback,omitempty"`
}

// Presenter holds the current artifact for one view.
type Presenter struct {
	mu      sync.Mutex
	handles Handles
	sharer  Sharer
	opts    Options
	logger  *slog.Logger
	current *Artifact
}

// NewPresenter creates a Presenter. sharer may be nil, in which case Share
// always saves.
func NewPresenter(handles Handles, sharer Sharer, opts Options) *Presenter {
	if opts.Quality <= 0 {
		opts.Quality = DefaultOptions().Quality
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultOptions().Prefix
	}
	if opts.OutputDir == "" {
		opts.OutputDir = DefaultOptions().OutputDir
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.L()
	}
	return &Presenter{
		handles: handles,
		sharer:  sharer,
		opts:    opts,
		logger:  logger.With("component", "present"),
	}
}

// Encode converts an annotated result to a JPEG artifact without acquiring a
// handle.
func (p *Presenter) Encode(result *render.Result, count int) (*Artifact, error) {
	if result == nil || result.Image == nil {
		return nil, errors.New("present: nil result")
	}
	data, err := imaging.EncodeJPEG(result.Image, p.opts.Quality)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Data:      data,
		MimeType:  "image/jpeg",
		Width:     result.Width,
		Height:    result.Height,
		Count:     count,
		CreatedAt: p.opts.Now(),
	}, nil
}

// Present encodes result and makes it current, acquiring its handle and
// releasing the one it supersedes.
func (p *Presenter) Present(result *render.Result, count int) (*Artifact, error) {
	a, err := p.Encode(result, count)
	if err != nil {
		return nil, err
	}
	p.Commit(a)
	return a, nil
}

// Commit acquires a handle for an already encoded artifact and makes it
// current.
func (p *Presenter) Commit(a *Artifact) {
	p.handles.Acquire(a)

	p.mu.Lock()
	prev := p.current
	p.current = a
	p.mu.Unlock()

	if prev != nil {
		p.release(prev)
	}
}

// Current returns the current artifact, or nil.
func (p *Presenter) Current() *Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// FileName returns the generated name of the current artifact.
func (p *Presenter) FileName() (string, error) {
	a := p.Current()
	if a == nil {
		return "", ErrNoResult
	}
	return FileName(p.opts.Prefix, a.Count, a.CreatedAt, "jpg"), nil
}

// Save writes the current artifact into dir (OutputDir when empty) and
// returns the file path.
func (p *Presenter) Save(dir string) (string, error) {
	a := p.Current()
	if a == nil {
		return "", ErrNoResult
	}
	if dir == "" {
		dir = p.opts.OutputDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(dir, FileName(p.opts.Prefix, a.Count, a.CreatedAt, "jpg"))
	if err := os.WriteFile(path, a.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	p.logger.Info("artifact saved", "path", path, "count", a.Count, "bytes", a.Size())
	return path, nil
}

// Share hands the current artifact to the sharer. When no sharer is
// configured or it fails, the artifact is saved to OutputDir instead.
func (p *Presenter) Share(ctx context.Context) (*ShareResult, error) {
	a := p.Current()
	if a == nil {
		return nil, ErrNoResult
	}

	var fallback string
	if p.sharer != nil {
		name := FileName(p.opts.Prefix, a.Count, a.CreatedAt, "jpg")
		loc, err := p.sharer.Share(ctx, a, name)
		if err == nil {
			return &ShareResult{Method: MethodShare, Location: loc}, nil
		}
		p.logger.Warn("share failed, saving instead", "error", err)
		fallback = err.Error()
	} else {
		fallback = ErrShareUnsupported.Error()
	}

	path, err := p.Save("")
	if err != nil {
		return nil, err
	}
	return &ShareResult{Method: MethodSave, Location: path, Fallback: fallback}, nil
}

// Close releases the current handle. It is safe to call more than once.
func (p *Presenter) Close() {
	p.mu.Lock()
	prev := p.current
	p.current = nil
	p.mu.Unlock()

	if prev != nil {
		p.release(prev)
	}
}

// release is best effort: failures are logged, never returned.
func (p *Presenter) release(a *Artifact) {
	if err := p.handles.Release(a.ID); err != nil {
		p.logger.Warn("failed to release artifact handle", "id", a.ID, "error", err)
	}
}
