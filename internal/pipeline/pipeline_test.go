package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ironsheep/pillcount/internal/detection"
	"github.com/ironsheep/pillcount/internal/failure"
	"github.com/ironsheep/pillcount/internal/imaging"
	"github.com/ironsheep/pillcount/internal/render"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{200, 200, 200, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// fakeDetector returns a fixed response and records the payload it saw.
type fakeDetector struct {
	mu      sync.Mutex
	resp    *detection.Response
	err     error
	payload []byte
}

func (f *fakeDetector) Detect(_ context.Context, image []byte) (*detection.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload = image
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newTestPipeline(t *testing.T, det Detector, maxDim int) *Pipeline {
	t.Helper()
	r, err := render.NewRenderer(render.DefaultStyle())
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}
	opts := DefaultOptions()
	opts.Policy.MaxDimension = maxDim
	opts.Logger = discard
	return New(opts, det, r)
}

var testConfidences = []float64{0.9, 0.4, 0.5, 0.51, 0.0, 1.0, 0.49, 0.6, 0.3, 0.8}

func tenDetections() []detection.Detection {
	dets := make([]detection.Detection, len(testConfidences))
	for i, c := range testConfidences {
		dets[i] = detection.Detection{X: float64(i * 5), Y: 10, Width: 4, Height: 6, Confidence: c}
	}
	return dets
}

func TestRun_FiltersAndMaps(t *testing.T) {
	det := &fakeDetector{resp: &detection.Response{Detections: tenDetections()}}
	p := newTestPipeline(t, det, 100)

	out, err := p.Run(context.Background(), encodePNG(t, 200, 100), Params{}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	w, h, err := imaging.Dimensions(det.payload)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if w != 100 || h != 50 {
		t.Errorf("payload dimensions: got %dx%d, want 100x50", w, h)
	}

	if out.Count != 6 || out.RawCount != 10 {
		t.Fatalf("count: got %d of %d, want 6 of 10", out.Count, out.RawCount)
	}
	wantConf := []float64{0.9, 0.5, 0.51, 1.0, 0.6, 0.8}
	wantX := []float64{0, 20, 30, 50, 70, 90}
	for i, d := range out.Detections {
		if d.Confidence != wantConf[i] {
			t.Errorf("detection %d confidence: got %v, want %v", i, d.Confidence, wantConf[i])
		}
		if d.X != wantX[i] || d.Width != 8 || d.Height != 12 {
			t.Errorf("detection %d: got %+v, want x=%v w=8 h=12", i, d, wantX[i])
		}
	}

	if out.OriginalWidth != 200 || out.OriginalHeight != 100 {
		t.Errorf("original: got %dx%d, want 200x100", out.OriginalWidth, out.OriginalHeight)
	}
	if out.Result.Width != 200 || out.Result.Height != 100 {
		t.Errorf("result: got %dx%d, want 200x100", out.Result.Width, out.Result.Height)
	}
	if out.Scale != 0.5 {
		t.Errorf("scale: got %v, want 0.5", out.Scale)
	}
}

func TestRun_ThresholdOverride(t *testing.T) {
	det := &fakeDetector{resp: &detection.Response{Detections: tenDetections()}}
	p := newTestPipeline(t, det, 1024)

	threshold := 0.8
	out, err := p.Run(context.Background(), encodePNG(t, 50, 50), Params{Threshold: &threshold, Style: "minimal"}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Count != 3 {
		t.Errorf("count: got %d, want 3", out.Count)
	}
	if out.Style != "minimal" {
		t.Errorf("style: got %s, want minimal", out.Style)
	}
	if out.Scale != 1 {
		t.Errorf("scale: got %v, want 1", out.Scale)
	}

	bad := 1.5
	if _, err := p.Run(context.Background(), encodePNG(t, 5, 5), Params{Threshold: &bad}, nil); err == nil {
		t.Error("Run should reject a threshold above 1")
	}
	if _, err := p.Run(context.Background(), encodePNG(t, 5, 5), Params{Style: "neon"}, nil); err == nil {
		t.Error("Run should reject an unknown style")
	}
}

func TestRun_ProgressOrder(t *testing.T) {
	det := &fakeDetector{resp: &detection.Response{}}
	p := newTestPipeline(t, det, 1024)

	var got []int
	_, err := p.Run(context.Background(), encodePNG(t, 10, 10), Params{}, func(percent int, _ string) {
		got = append(got, percent)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []int{StepValidating, StepDetecting, StepMapping, StepRendering}
	if len(got) != len(want) {
		t.Fatalf("progress: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("progress: got %v, want %v", got, want)
			break
		}
	}
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		det  *fakeDetector
		want failure.Kind
	}{
		{"decode", []byte("not an image"), &fakeDetector{resp: &detection.Response{}}, failure.DecodeError},
		{"network", nil, &fakeDetector{err: failure.Newf(failure.NetworkError, "detect", "down")}, failure.NetworkError},
		{"parse", nil, &fakeDetector{err: failure.Newf(failure.ParseError, "detect", "bad json")}, failure.ParseError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.data
			if data == nil {
				data = encodePNG(t, 10, 10)
			}
			p := newTestPipeline(t, tt.det, 1024)

			_, err := p.Run(context.Background(), data, Params{}, nil)
			if got := failure.KindOf(err); got != tt.want {
				t.Errorf("kind: got %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestMonotonic(t *testing.T) {
	var got []int
	report := monotonic(func(percent int, _ string) { got = append(got, percent) })

	for _, p := range []int{5, 20, 10, 20, 70, 50, 100} {
		report(p, "")
	}

	want := []int{5, 20, 20, 70, 100}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	// nil callbacks are allowed
	monotonic(nil)(5, "")
}
