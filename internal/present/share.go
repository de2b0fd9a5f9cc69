package present

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrShareUnsupported means no share target is configured.
var ErrShareUnsupported = errors.New("sharing is not configured")

// Sharer delivers an artifact to an external target and returns a reference
// to it (a URL or an identifier).
type Sharer interface {
	Share(ctx context.Context, a *Artifact, name string) (string, error)
}

// WebhookSharer posts the JPEG body to a URL.
type WebhookSharer struct {
	URL    string
	Client *http.Client
}

// NewWebhookSharer returns a sharer for url, or nil when url is empty.
func NewWebhookSharer(url string, timeout time.Duration) *WebhookSharer {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookSharer{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Share posts a. The response's Location header, or its trimmed body, is
// returned as the reference; the target URL is used when both are empty.
func (w *WebhookSharer) Share(ctx context.Context, a *Artifact, name string) (string, error) {
	if w == nil || w.URL == "" {
		return "", ErrShareUnsupported
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(a.Data))
	if err != nil {
		return "", fmt.Errorf("failed to create share request: %w", err)
	}
	req.Header.Set("Content-Type", a.MimeType)
	req.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	req.Header.Set("X-Pill-Count", strconv.Itoa(a.Count))

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("share request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("share target returned status %d", resp.StatusCode)
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	if ref := strings.TrimSpace(string(body)); ref != "" {
		return ref, nil
	}
	return w.URL, nil
}
