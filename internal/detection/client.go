package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ironsheep/pillcount/internal/failure"
	"github.com/ironsheep/pillcount/internal/log"
)

// PayloadMode selects how the image is placed in the request body.
type PayloadMode string

const (
	// PayloadBase64 sends the base64-encoded image as a form-urlencoded body.
	PayloadBase64 PayloadMode = "base64"
	// PayloadMultipart sends the raw image as a multipart "file" field.
	PayloadMultipart PayloadMode = "multipart"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// Config holds detection service settings.
type Config struct {
	// Endpoint is the full model URL, e.g. "https://detect.roboflow.com/pill-detection/1".
	Endpoint string

	// APIKey is sent as the api_key query parameter when set.
	APIKey string

	// Payload selects the request body encoding.
	Payload PayloadMode

	// Timeout bounds a single request attempt.
	Timeout time.Duration

	// MaxRetries is how many extra attempts are made after a transport
	// failure or a 429/5xx response. Zero disables retries.
	MaxRetries int

	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client

	// Logger receives retry warnings. Defaults to the global logger.
	Logger *slog.Logger
}

// DefaultConfig returns the hosted pill model defaults without an API key.
func DefaultConfig() Config {
	return Config{
		Endpoint:   "https://detect.roboflow.com/pill-detection/1",
		Payload:    PayloadBase64,
		Timeout:    30 * time.Second,
		MaxRetries: 0,
		RetryDelay: time.Second,
	}
}

// Response is a parsed detection result in inference space.
type Response struct {
	// Detections in the order the service returned them, top-left based.
	Detections []Detection `json:"detections"`

	// ImageWidth and ImageHeight echo the size the service ran on; zero when
	// the service did not report it.
	ImageWidth  int `json:"image_width,omitempty"`
	ImageHeight int `json:"image_height,omitempty"`
}

// Client submits images to the detection service.
type Client struct {
	config   Config
	endpoint *url.URL
	http     *http.Client
	logger   *slog.Logger
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("detection: endpoint required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("detection: invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("detection: unsupported endpoint scheme %q", u.Scheme)
	}
	switch cfg.Payload {
	case "":
		cfg.Payload = PayloadBase64
	case PayloadBase64, PayloadMultipart:
	default:
		return nil, fmt.Errorf("detection: unknown payload mode %q", cfg.Payload)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultConfig().Timeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.L()
	}

	return &Client{
		config:   cfg,
		endpoint: u,
		http:     hc,
		logger:   logger.With("component", "detection"),
	}, nil
}

// Detect submits an encoded image and returns every prediction converted to
// top-left form. No detection is filtered out here.
func (c *Client) Detect(ctx context.Context, image []byte) (*Response, error) {
	body, err := c.doWithRetry(ctx, image)
	if err != nil {
		return nil, err
	}
	return parseResponse(body)
}

// doWithRetry performs the request, retrying transport failures and 429/5xx
// responses up to MaxRetries times.
func (c *Client) doWithRetry(ctx context.Context, image []byte) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, contextFailure(ctx)
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		req, err := c.newRequest(ctx, image)
		if err != nil {
			return nil, failure.New(failure.Internal, "detect", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, contextFailure(ctx)
			}
			lastErr = failure.New(failure.NetworkError, "detect", err)
			c.logger.Warn("detection request failed", "attempt", attempt+1, "error", err)
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			fe := &failure.Error{
				Kind:   failure.NetworkError,
				Op:     "detect",
				Status: resp.StatusCode,
				Err:    fmt.Errorf("service responded %s: %s", resp.Status, snippet(body)),
			}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				lastErr = fe
				c.logger.Warn("detection service error", "attempt", attempt+1, "status", resp.StatusCode)
				continue
			}
			return nil, fe
		}
		if readErr != nil {
			lastErr = failure.New(failure.NetworkError, "detect", fmt.Errorf("read response: %w", readErr))
			continue
		}
		return body, nil
	}

	return nil, lastErr
}

// newRequest builds one POST attempt. The body is rebuilt per attempt.
func (c *Client) newRequest(ctx context.Context, image []byte) (*http.Request, error) {
	u := *c.endpoint
	if c.config.APIKey != "" {
		q := u.Query()
		q.Set("api_key", c.config.APIKey)
		u.RawQuery = q.Encode()
	}

	var body bytes.Buffer
	contentType := "application/x-www-form-urlencoded"

	switch c.config.Payload {
	case PayloadMultipart:
		w := multipart.NewWriter(&body)
		part, err := w.CreateFormFile("file", "image.jpg")
		if err != nil {
			return nil, fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(image); err != nil {
			return nil, fmt.Errorf("write image data: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close multipart writer: %w", err)
		}
		contentType = w.FormDataContentType()
	default:
		body.WriteString(base64.StdEncoding.EncodeToString(image))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// CheckHealth reports whether the service endpoint is reachable. Any status
// below 500 counts as reachable, since the model route rejects bare GETs.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.String(), nil)
	if err != nil {
		return failure.New(failure.Internal, "health", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return failure.New(failure.NetworkError, "health", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode >= 500 {
		return &failure.Error{
			Kind:   failure.NetworkError,
			Op:     "health",
			Status: resp.StatusCode,
			Err:    fmt.Errorf("service unhealthy: %s", resp.Status),
		}
	}
	return nil
}

type wirePrediction struct {
	X          *float64 `json:"x"`
	Y          *float64 `json:"y"`
	Width      *float64 `json:"width"`
	Height     *float64 `json:"height"`
	Confidence float64  `json:"confidence"`
	Class      string   `json:"class"`
}

type wireResponse struct {
	Predictions *[]wirePrediction `json:"predictions"`
	Image       *struct {
		Width  flexInt `json:"width"`
		Height flexInt `json:"height"`
	} `json:"image"`
}

// parseResponse decodes a service body into a Response.
func parseResponse(body []byte) (*Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, failure.New(failure.ParseError, "detect", fmt.Errorf("decode response: %w", err))
	}
	if wire.Predictions == nil {
		return nil, failure.Newf(failure.ParseError, "detect", "response has no predictions field")
	}

	dets := make([]Detection, 0, len(*wire.Predictions))
	for i, p := range *wire.Predictions {
		if p.X == nil || p.Y == nil || p.Width == nil || p.Height == nil {
			return nil, failure.Newf(failure.ParseError, "detect", "prediction %d is missing box fields", i)
		}
		dets = append(dets, FromCenter(*p.X, *p.Y, *p.Width, *p.Height, p.Confidence, p.Class))
	}

	resp := &Response{Detections: dets}
	if wire.Image != nil {
		resp.ImageWidth = int(wire.Image.Width)
		resp.ImageHeight = int(wire.Image.Height)
	}
	return resp, nil
}

// flexInt accepts both 640 and "640"; the hosted API has sent both.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid dimension %q: %w", s, err)
		}
		*f = flexInt(n)
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// contextFailure classifies a finished context: cancellation means the run
// was superseded, a deadline means the service did not answer in time.
func contextFailure(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return failure.New(failure.Canceled, "detect", ctx.Err())
	}
	return failure.New(failure.NetworkError, "detect", ctx.Err())
}

// snippet trims a response body for error messages.
func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
