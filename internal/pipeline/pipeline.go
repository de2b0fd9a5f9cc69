// Package pipeline runs the capture → detect → map → render flow and tracks
// the current result of a presenting view.
//
// A Pipeline is stateless and may be shared. A Session owns one view's
// result: each Capture gets a fresh run token and cancels the run it
// supersedes, and a run's result is committed only while its token is still
// current (last capture wins).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ironsheep/pillcount/internal/detection"
	"github.com/ironsheep/pillcount/internal/failure"
	"github.com/ironsheep/pillcount/internal/imaging"
	"github.com/ironsheep/pillcount/internal/log"
	"github.com/ironsheep/pillcount/internal/render"
)

// Detector submits an encoded image for detection.
type Detector interface {
	Detect(ctx context.Context, image []byte) (*detection.Response, error)
}

// Params overrides pipeline defaults for a single run.
type Params struct {
	// Threshold replaces the default confidence threshold when non-nil.
	Threshold *float64

	// Style selects a named render style; empty uses the default renderer.
	Style string

	// Token is the run token Session.Capture uses. Empty means a new one is
	// generated.
	Token string
}

// Outcome is the result of one run.
type Outcome struct {
	// Token identifies the run. Set by Session.
	Token string `json:"token,omitempty"`

	// Count is the number of detections kept after filtering.
	Count int `json:"count"`

	// Detections are in original image space, in service order.
	Detections []detection.Detection `json:"detections"`

	// RawCount is the number of detections before filtering.
	RawCount  int     `json:"raw_count"`
	Threshold float64 `json:"threshold"`

	OriginalWidth   int     `json:"original_width"`
	OriginalHeight  int     `json:"original_height"`
	InferenceWidth  int     `json:"inference_width"`
	InferenceHeight int     `json:"inference_height"`
	Scale           float64 `json:"scale"`

	// Artifact is the display handle of the presented JPEG. Set by Session.
	Artifact string `json:"artifact,omitempty"`

	Style    string        `json:"style"`
	Duration time.Duration `json:"duration_ns"`

	// Result is the annotated surface.
	Result *render.Result `json:"-"`
}

// Options configures a Pipeline.
type Options struct {
	Policy    imaging.Policy
	Threshold float64
	Logger    *slog.Logger
}

// DefaultOptions returns the standard policy and a 0.50 threshold.
func DefaultOptions() Options {
	return Options{
		Policy:    imaging.DefaultPolicy(),
		Threshold: 0.5,
	}
}

// Pipeline wires the validator, detector, filter, mapper and renderer.
type Pipeline struct {
	opts     Options
	detector Detector
	renderer *render.Renderer
	logger   *slog.Logger

	mu     sync.Mutex
	styled map[string]*render.Renderer
}

// New creates a Pipeline. renderer is used when a run names no style.
func New(opts Options, detector Detector, renderer *render.Renderer) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = log.L()
	}
	return &Pipeline{
		opts:     opts,
		detector: detector,
		renderer: renderer,
		logger:   logger.With("component", "pipeline"),
		styled:   make(map[string]*render.Renderer),
	}
}

// Threshold returns the default confidence threshold.
func (p *Pipeline) Threshold() float64 {
	return p.opts.Threshold
}

// rendererFor returns the renderer for a named style, building it once.
func (p *Pipeline) rendererFor(style string) (*render.Renderer, error) {
	if style == "" || style == p.renderer.Style().Name {
		return p.renderer, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.styled[style]; ok {
		return r, nil
	}
	s, err := render.StyleByName(style)
	if err != nil {
		return nil, err
	}
	r, err := render.NewRenderer(s)
	if err != nil {
		return nil, err
	}
	p.styled[style] = r
	return r, nil
}

// Run processes one capture. Progress is reported in non-decreasing order
// up to StepRendering; presenting is left to the caller.
func (p *Pipeline) Run(ctx context.Context, data []byte, params Params, progress ProgressFunc) (*Outcome, error) {
	start := time.Now()
	report := monotonic(progress)

	threshold := p.opts.Threshold
	if params.Threshold != nil {
		threshold = *params.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, failure.Newf(failure.Internal, "run", "threshold %.2f outside 0-1", threshold)
	}
	renderer, err := p.rendererFor(params.Style)
	if err != nil {
		return nil, failure.New(failure.Internal, "run", err)
	}

	report(StepValidating, "Validating image")
	v, err := imaging.Validate(ctx, data, p.opts.Policy)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("image validated",
		"width", v.Source.Width, "height", v.Source.Height,
		"inference_width", v.Inference.Width, "inference_height", v.Inference.Height,
		"resized", v.Resized)

	report(StepDetecting, "Detecting pills")
	resp, err := p.detector.Detect(ctx, v.Inference.Data)
	if err != nil {
		return nil, err
	}
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	report(StepMapping, "Mapping detections")
	kept := detection.FilterByConfidence(resp.Detections, threshold)
	scale := detection.ScaleFactor(v.Source.Width, v.Source.Height, resp.ImageWidth, resp.ImageHeight, v.Inference.Scale)
	mapped := detection.MapToOriginal(kept, scale)

	report(StepRendering, "Drawing markers")
	result, err := renderer.Render(v.Source.Image, mapped)
	if err != nil {
		return nil, failure.New(failure.Internal, "render", err)
	}
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	out := &Outcome{
		Count:           len(mapped),
		Detections:      mapped,
		RawCount:        len(resp.Detections),
		Threshold:       threshold,
		OriginalWidth:   v.Source.Width,
		OriginalHeight:  v.Source.Height,
		InferenceWidth:  v.Inference.Width,
		InferenceHeight: v.Inference.Height,
		Scale:           scale,
		Style:           renderer.Style().Name,
		Duration:        time.Since(start),
		Result:          result,
	}
	p.logger.Info("run complete",
		"count", out.Count, "raw", out.RawCount, "threshold", threshold,
		"scale", fmt.Sprintf("%.4f", scale), "duration", out.Duration)
	return out, nil
}

func checkContext(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.New(failure.NetworkError, "run", err)
	}
	return failure.New(failure.Canceled, "run", err)
}
