package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ironsheep/pillcount/internal/detection"
	"github.com/ironsheep/pillcount/internal/failure"
	"github.com/ironsheep/pillcount/internal/pipeline"
	"github.com/ironsheep/pillcount/internal/present"
	"github.com/ironsheep/pillcount/internal/render"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeDetector struct {
	dets []detection.Detection
	err  error
}

func (f *fakeDetector) Detect(context.Context, []byte) (*detection.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &detection.Response{Detections: f.dets}, nil
}

func (f *fakeDetector) CheckHealth(context.Context) error {
	return f.err
}

// testDetector is what the server needs from a detection client.
type testDetector interface {
	pipeline.Detector
	HealthChecker
}

// gatedDetector holds its first Detect call until the run is canceled.
type gatedDetector struct {
	fakeDetector
	calls   atomic.Int32
	started chan struct{}
}

func (g *gatedDetector) Detect(ctx context.Context, data []byte) (*detection.Response, error) {
	if g.calls.Add(1) == 1 {
		close(g.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return g.fakeDetector.Detect(ctx, data)
}

func newTestServer(t *testing.T, det testDetector) (*Server, *present.Registry) {
	t.Helper()

	r, err := render.NewRenderer(render.DefaultStyle())
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}
	popts := pipeline.DefaultOptions()
	popts.Logger = discard
	p := pipeline.New(popts, det, r)

	registry := present.NewRegistry()
	outDir := t.TempDir()
	sessions := pipeline.NewSessions(func(id string) *pipeline.Session {
		opts := present.DefaultOptions()
		opts.OutputDir = outDir
		opts.Logger = discard
		return pipeline.NewSession(id, p, present.NewPresenter(registry, nil, opts), discard)
	})

	s := New(sessions, registry, det, Options{MaxBytes: 1 << 20, Version: "test", Logger: discard})
	return s, registry
}

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{230, 230, 230, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func captureRequest(t *testing.T, session string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	body, contentType := captureForm(t, data, fields)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+session+"/captures", body)
	req.Header.Set("Content-Type", contentType)
	return req
}

// captureForm builds a multipart capture body and its content type.
func captureForm(t *testing.T, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if data != nil {
		part, err := w.CreateFormFile("file", "capture.png")
		if err != nil {
			t.Fatal(err)
		}
		part.Write(data)
	}
	w.Close()
	return &body, w.FormDataContentType()
}

func do(t *testing.T, s *Server, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, body
}

func decode(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return out
}

func pills() []detection.Detection {
	return []detection.Detection{
		{X: 2, Y: 2, Width: 8, Height: 8, Confidence: 0.95},
		{X: 20, Y: 2, Width: 8, Height: 8, Confidence: 0.55},
		{X: 40, Y: 2, Width: 8, Height: 8, Confidence: 0.15},
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeDetector{})

	resp, body := do(t, s, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if got := decode(t, body)["status"]; got != "ok" {
		t.Errorf("status field: got %v, want ok", got)
	}
}

func TestHealth_Deep(t *testing.T) {
	s, _ := newTestServer(t, &fakeDetector{err: failure.New(failure.NetworkError, "health", errors.New("refused"))})

	resp, body := do(t, s, httptest.NewRequest(http.MethodGet, "/api/health?deep=true", nil))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", resp.StatusCode)
	}
	if got := decode(t, body)["status"]; got != "degraded" {
		t.Errorf("status field: got %v, want degraded", got)
	}
}

func TestCaptureFlow(t *testing.T) {
	s, registry := newTestServer(t, &fakeDetector{dets: pills()})

	resp, body := do(t, s, captureRequest(t, "tray", encodePNG(t, 64, 48), nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capture status: got %d, want 200 (%s)", resp.StatusCode, body)
	}
	view := decode(t, body)
	outcome := view["outcome"].(map[string]interface{})
	if outcome["count"] != float64(2) {
		t.Errorf("count: got %v, want 2", outcome["count"])
	}
	url, _ := view["artifact_url"].(string)
	if !strings.HasPrefix(url, "/api/artifacts/") {
		t.Fatalf("artifact_url: got %q", url)
	}

	resp, body = do(t, s, httptest.NewRequest(http.MethodGet, url, nil))
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("artifact: got %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(body)); err != nil || cfg.Width != 64 || cfg.Height != 48 {
		t.Errorf("artifact dimensions: got %+v, %v", cfg, err)
	}

	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, "/api/sessions/tray/download", nil))
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "pills-2-") {
		t.Errorf("Content-Disposition: got %q", cd)
	}

	resp, body = do(t, s, httptest.NewRequest(http.MethodGet, "/api/sessions/tray/result", nil))
	if resp.StatusCode != http.StatusOK || decode(t, body)["status"] != "ready" {
		t.Errorf("result: got %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, s, httptest.NewRequest(http.MethodPost, "/api/sessions/tray/share", nil))
	if resp.StatusCode != http.StatusOK || decode(t, body)["method"] != "save" {
		t.Errorf("share: got %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, s, httptest.NewRequest(http.MethodPost, "/api/sessions/tray/retake", nil))
	if resp.StatusCode != http.StatusOK || decode(t, body)["status"] != "idle" {
		t.Errorf("retake: got %d %s", resp.StatusCode, body)
	}
	if registry.Len() != 0 {
		t.Errorf("live handles after retake: got %d, want 0", registry.Len())
	}

	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, url, nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("released artifact: got %d, want 404", resp.StatusCode)
	}
	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, "/api/sessions/tray/download", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("download after retake: got %d, want 404", resp.StatusCode)
	}

	resp, _ = do(t, s, httptest.NewRequest(http.MethodDelete, "/api/sessions/tray", nil))
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: got %d, want 204", resp.StatusCode)
	}
	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, "/api/sessions/tray/result", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("result after delete: got %d, want 404", resp.StatusCode)
	}
}

func TestCapture_RecaptureReleasesPrevious(t *testing.T) {
	s, registry := newTestServer(t, &fakeDetector{dets: pills()})

	for i := 0; i < 3; i++ {
		resp, body := do(t, s, captureRequest(t, "tray", encodePNG(t, 16, 16), nil))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("capture %d: got %d (%s)", i, resp.StatusCode, body)
		}
	}
	if registry.Len() != 1 {
		t.Errorf("live handles: got %d, want 1", registry.Len())
	}
}

func TestCapture_Threshold(t *testing.T) {
	s, _ := newTestServer(t, &fakeDetector{dets: pills()})

	resp, body := do(t, s, captureRequest(t, "a", encodePNG(t, 16, 16), map[string]string{"threshold": "0.1", "style": "contrast"}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d (%s)", resp.StatusCode, body)
	}
	outcome := decode(t, body)["outcome"].(map[string]interface{})
	if outcome["count"] != float64(3) || outcome["style"] != "contrast" {
		t.Errorf("outcome: got count %v style %v", outcome["count"], outcome["style"])
	}

	resp, _ = do(t, s, captureRequest(t, "a", encodePNG(t, 16, 16), map[string]string{"threshold": "2"}))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad threshold: got %d, want 400", resp.StatusCode)
	}
}

func TestCapture_Failures(t *testing.T) {
	tests := []struct {
		name     string
		det      *fakeDetector
		data     []byte
		wantCode int
		wantKind string
	}{
		{"undecodable", &fakeDetector{}, []byte("not an image"), http.StatusUnprocessableEntity, "decode_error"},
		{"too large", &fakeDetector{}, make([]byte, (1<<20)+1), http.StatusRequestEntityTooLarge, "too_large"},
		{"network", &fakeDetector{err: failure.Newf(failure.NetworkError, "detect", "down")}, nil, http.StatusBadGateway, "network_error"},
		{"parse", &fakeDetector{err: failure.Newf(failure.ParseError, "detect", "bad")}, nil, http.StatusBadGateway, "parse_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, tt.det)
			data := tt.data
			if data == nil {
				data = encodePNG(t, 8, 8)
			}

			resp, body := do(t, s, captureRequest(t, "x", data, nil))
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status: got %d, want %d (%s)", resp.StatusCode, tt.wantCode, body)
			}
			out := decode(t, body)
			if out["kind"] != tt.wantKind {
				t.Errorf("kind: got %v, want %s", out["kind"], tt.wantKind)
			}
			if out["error"] == "" {
				t.Error("error message missing")
			}
		})
	}
}

func TestCapture_MissingFile(t *testing.T) {
	s, _ := newTestServer(t, &fakeDetector{})

	resp, _ := do(t, s, captureRequest(t, "x", nil, map[string]string{"threshold": "0.5"}))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestUnknownSession(t *testing.T) {
	s, _ := newTestServer(t, &fakeDetector{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/sessions/nope/result"},
		{http.MethodGet, "/api/sessions/nope/download"},
		{http.MethodPost, "/api/sessions/nope/share"},
		{http.MethodPost, "/api/sessions/nope/retake"},
		{http.MethodDelete, "/api/sessions/nope"},
		{http.MethodGet, "/api/artifacts/nope"},
	} {
		resp, body := do(t, s, httptest.NewRequest(tc.method, tc.path, nil))
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s: got %d, want 404", tc.method, tc.path, resp.StatusCode)
		}
		if _, ok := decode(t, body)["error"]; !ok {
			t.Errorf("%s %s: error body missing", tc.method, tc.path)
		}
	}
}

func TestProgressWS_RequiresUpgrade(t *testing.T) {
	s, _ := newTestServer(t, &fakeDetector{})

	resp, _ := do(t, s, httptest.NewRequest(http.MethodGet, "/ws/sessions/x/progress", nil))
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status: got %d, want 426", resp.StatusCode)
	}
}

func TestProgressHub(t *testing.T) {
	h := newProgressHub()

	events, unsubscribe := h.subscribe("a")
	other, unsubscribeOther := h.subscribe("b")
	defer unsubscribeOther()

	h.publish(ProgressEvent{Session: "a", Percent: 5, Message: "Validating image"})
	h.publish(ProgressEvent{Session: "a", Percent: 20, Message: "Detecting pills"})

	for _, want := range []int{5, 20} {
		select {
		case ev := <-events:
			if ev.Percent != want {
				t.Errorf("percent: got %d, want %d", ev.Percent, want)
			}
			if ev.Time.IsZero() {
				t.Error("event time should be set")
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	select {
	case ev := <-other:
		t.Errorf("session b received %+v", ev)
	default:
	}

	unsubscribe()
	unsubscribe()
	if h.count("a") != 0 {
		t.Errorf("subscribers: got %d, want 0", h.count("a"))
	}
	if _, ok := <-events; ok {
		t.Error("channel should be closed after unsubscribe")
	}

	// Publishing with no subscribers or a full buffer never blocks.
	full, unsubscribeFull := h.subscribe("c")
	defer unsubscribeFull()
	for i := 0; i < 100; i++ {
		h.publish(ProgressEvent{Session: "c", Percent: i})
	}
	if len(full) != cap(full) {
		t.Errorf("buffer: got %d, want %d", len(full), cap(full))
	}
}

func TestSessions_SurviveConnectionReuse(t *testing.T) {
	s, registry := newTestServer(t, &fakeDetector{dets: pills()})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.App().Listener(ln)
	t.Cleanup(func() { s.App().Shutdown() })

	// One connection for every request, so fiber reuses its buffers.
	client := &http.Client{
		Transport: &http.Transport{MaxConnsPerHost: 1, MaxIdleConnsPerHost: 1},
		Timeout:   10 * time.Second,
	}
	base := "http://" + ln.Addr().String()
	send := func(method, path string, body io.Reader, contentType string) (int, []byte) {
		t.Helper()
		req, err := http.NewRequest(method, base+path, body)
		if err != nil {
			t.Fatal(err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, data
	}

	body, contentType := captureForm(t, encodePNG(t, 64, 16), nil)
	if code, data := send(http.MethodPost, "/api/sessions/aaaa1111/captures", body, contentType); code != http.StatusOK {
		t.Fatalf("capture: got %d (%s)", code, data)
	}
	if code, _ := send(http.MethodGet, "/api/sessions/zzzz9999/result", nil, ""); code != http.StatusNotFound {
		t.Errorf("unrelated session: got %d, want 404", code)
	}

	code, data := send(http.MethodGet, "/api/sessions/aaaa1111/result", nil, "")
	if code != http.StatusOK {
		t.Fatalf("result: got %d (%s)", code, data)
	}
	if got := decode(t, data)["session"]; got != "aaaa1111" {
		t.Errorf("session: got %v, want aaaa1111", got)
	}
	session, ok := s.sessions.Lookup("aaaa1111")
	if !ok || session.ID() != "aaaa1111" {
		t.Fatalf("lookup: got %v", ok)
	}

	if code, _ := send(http.MethodDelete, "/api/sessions/aaaa1111", nil, ""); code != http.StatusNoContent {
		t.Errorf("delete: got %d, want 204", code)
	}
	if registry.Len() != 0 {
		t.Errorf("live handles after delete: got %d, want 0", registry.Len())
	}
}

func TestCapture_SupersededRunPublishesNoFailure(t *testing.T) {
	det := &gatedDetector{fakeDetector: fakeDetector{dets: pills()}, started: make(chan struct{})}
	s, registry := newTestServer(t, det)

	events, unsubscribe := s.hub.subscribe("tray")
	defer unsubscribe()

	firstReq := captureRequest(t, "tray", encodePNG(t, 16, 16), nil)
	first := make(chan int, 1)
	go func() {
		resp, err := s.App().Test(firstReq, -1)
		if err != nil {
			first <- 0
			return
		}
		resp.Body.Close()
		first <- resp.StatusCode
	}()

	select {
	case <-det.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached detection")
	}

	resp, body := do(t, s, captureRequest(t, "tray", encodePNG(t, 16, 16), nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second capture: got %d (%s)", resp.StatusCode, body)
	}
	token := decode(t, body)["outcome"].(map[string]interface{})["token"]

	select {
	case code := <-first:
		if code != http.StatusConflict {
			t.Errorf("superseded capture: got %d, want 409", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("superseded capture never returned")
	}

	var got []ProgressEvent
	for len(events) > 0 {
		got = append(got, <-events)
	}
	if len(got) == 0 {
		t.Fatal("no progress events")
	}
	for _, ev := range got {
		if ev.Status == pipeline.StatusFailed.String() {
			t.Errorf("unexpected failure event: %+v", ev)
		}
		if ev.Token == "" {
			t.Errorf("event without token: %+v", ev)
		}
	}
	last := got[len(got)-1]
	if last.Status != pipeline.StatusReady.String() || last.Token != token {
		t.Errorf("last event: got %s/%s, want ready/%v", last.Status, last.Token, token)
	}

	session, _ := s.sessions.Lookup("tray")
	if session.Status() != pipeline.StatusReady {
		t.Errorf("status: got %v, want ready", session.Status())
	}
	if registry.Len() != 1 {
		t.Errorf("live handles: got %d, want 1", registry.Len())
	}
}

func TestCapture_OverBodyLimit(t *testing.T) {
	s, _ := newTestServer(t, &fakeDetector{})

	resp, body := do(t, s, captureRequest(t, "x", make([]byte, (1<<20)+bodySlack+1), nil))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status: got %d, want 413 (%s)", resp.StatusCode, body)
	}
	out := decode(t, body)
	if out["kind"] != "too_large" {
		t.Errorf("kind: got %v, want too_large", out["kind"])
	}
	if out["error"] != failure.Message(failure.TooLarge) {
		t.Errorf("error: got %v", out["error"])
	}
}
