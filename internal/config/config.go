// Package config loads pillcount settings from PILLCOUNT_* environment
// variables and derives the per-component configurations from them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ironsheep/pillcount/internal/detection"
	"github.com/ironsheep/pillcount/internal/imaging"
	"github.com/ironsheep/pillcount/internal/pipeline"
	"github.com/ironsheep/pillcount/internal/present"
	"github.com/ironsheep/pillcount/internal/render"
)

// Config is the complete runtime configuration.
type Config struct {
	// Detection service
	APIKey        string
	Endpoint      string
	Payload       detection.PayloadMode
	DetectTimeout time.Duration
	MaxRetries    int
	RetryDelay    time.Duration

	// Image policy
	Confidence       float64
	MaxBytes         int64
	MaxDimension     int
	InferenceQuality float64
	LoadTimeout      time.Duration

	// Output
	OutputQuality float64
	Style         string
	OutputDir     string
	FilePrefix    string
	ShareURL      string

	// Surfaces
	HTTPAddr string

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration using getenv. Unset variables take their
// defaults; malformed values are errors.
func LoadFrom(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}
	policy := imaging.DefaultPolicy()
	det := detection.DefaultConfig()
	out := present.DefaultOptions()

	cfg := &Config{
		APIKey:        e.str("PILLCOUNT_API_KEY", ""),
		Endpoint:      e.str("PILLCOUNT_ENDPOINT", det.Endpoint),
		Payload:       detection.PayloadMode(e.str("PILLCOUNT_PAYLOAD", string(det.Payload))),
		DetectTimeout: e.duration("PILLCOUNT_DETECT_TIMEOUT", det.Timeout),
		MaxRetries:    e.integer("PILLCOUNT_MAX_RETRIES", det.MaxRetries),
		RetryDelay:    e.duration("PILLCOUNT_RETRY_DELAY", det.RetryDelay),

		Confidence:       e.number("PILLCOUNT_CONFIDENCE", pipeline.DefaultOptions().Threshold),
		MaxBytes:         int64(e.integer("PILLCOUNT_MAX_BYTES", int(policy.MaxBytes))),
		MaxDimension:     e.integer("PILLCOUNT_MAX_DIMENSION", policy.MaxDimension),
		InferenceQuality: e.number("PILLCOUNT_INFERENCE_QUALITY", policy.Quality),
		LoadTimeout:      e.duration("PILLCOUNT_LOAD_TIMEOUT", policy.LoadTimeout),

		OutputQuality: e.number("PILLCOUNT_OUTPUT_QUALITY", out.Quality),
		Style:         e.str("PILLCOUNT_STYLE", render.DefaultStyle().Name),
		OutputDir:     e.str("PILLCOUNT_OUTPUT_DIR", out.OutputDir),
		FilePrefix:    e.str("PILLCOUNT_FILE_PREFIX", out.Prefix),
		ShareURL:      e.str("PILLCOUNT_SHARE_URL", ""),

		HTTPAddr:  e.str("PILLCOUNT_HTTP_ADDR", ":8080"),
		LogLevel:  e.str("PILLCOUNT_LOG_LEVEL", "info"),
		LogFormat: e.str("PILLCOUNT_LOG_FORMAT", "text"),
	}
	if len(e.errs) > 0 {
		return nil, errors.Join(e.errs...)
	}
	return cfg, nil
}

// Validate checks ranges and required values. A missing API key is an error
// because every detection request needs one.
func (c *Config) Validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, errors.New("PILLCOUNT_API_KEY is required"))
	}
	if c.Endpoint == "" {
		errs = append(errs, errors.New("PILLCOUNT_ENDPOINT must not be empty"))
	}
	if c.Payload != detection.PayloadBase64 && c.Payload != detection.PayloadMultipart {
		errs = append(errs, fmt.Errorf("PILLCOUNT_PAYLOAD must be %q or %q", detection.PayloadBase64, detection.PayloadMultipart))
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		errs = append(errs, fmt.Errorf("PILLCOUNT_CONFIDENCE must be within 0-1, got %v", c.Confidence))
	}
	if c.MaxBytes <= 0 {
		errs = append(errs, errors.New("PILLCOUNT_MAX_BYTES must be positive"))
	}
	if c.MaxDimension <= 0 {
		errs = append(errs, errors.New("PILLCOUNT_MAX_DIMENSION must be positive"))
	}
	for name, q := range map[string]float64{
		"PILLCOUNT_INFERENCE_QUALITY": c.InferenceQuality,
		"PILLCOUNT_OUTPUT_QUALITY":    c.OutputQuality,
	} {
		if q <= 0 || q > 1 {
			errs = append(errs, fmt.Errorf("%s must be within (0, 1], got %v", name, q))
		}
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("PILLCOUNT_MAX_RETRIES must not be negative"))
	}
	if _, err := render.StyleByName(c.Style); err != nil {
		errs = append(errs, fmt.Errorf("PILLCOUNT_STYLE: %w", err))
	}
	return errors.Join(errs...)
}

// Policy returns the image validation policy.
func (c *Config) Policy() imaging.Policy {
	return imaging.Policy{
		MaxBytes:     c.MaxBytes,
		MaxDimension: c.MaxDimension,
		Quality:      c.InferenceQuality,
		LoadTimeout:  c.LoadTimeout,
	}
}

// Detection returns the detection client configuration.
func (c *Config) Detection() detection.Config {
	return detection.Config{
		Endpoint:   c.Endpoint,
		APIKey:     c.APIKey,
		Payload:    c.Payload,
		Timeout:    c.DetectTimeout,
		MaxRetries: c.MaxRetries,
		RetryDelay: c.RetryDelay,
	}
}

// RenderStyle returns the configured annotation style.
func (c *Config) RenderStyle() (render.Style, error) {
	return render.StyleByName(c.Style)
}

// Present returns the presenter options.
func (c *Config) Present() present.Options {
	return present.Options{
		Quality:   c.OutputQuality,
		Prefix:    c.FilePrefix,
		OutputDir: c.OutputDir,
	}
}

// Pipeline returns the pipeline options.
func (c *Config) Pipeline() pipeline.Options {
	return pipeline.Options{
		Policy:    c.Policy(),
		Threshold: c.Confidence,
	}
}

// Sharer returns the configured share target, or nil when sharing is off.
func (c *Config) Sharer() present.Sharer {
	if ws := present.NewWebhookSharer(c.ShareURL, c.DetectTimeout); ws != nil {
		return ws
	}
	return nil
}

// env collects parse errors while reading variables.
type env struct {
	get  func(string) string
	errs []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *env) number(key string, def float64) float64 {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

// duration accepts Go durations ("30s") or a bare number of seconds.
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
	return def
}
