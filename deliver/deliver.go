// Package deliver performs the single terminal update back to the requesting
// client. The delivery handle is single-use and time-boxed: an ack was already
// sent by the chat-facing collaborator before the pipeline was enqueued, and
// this follow-up must land within the handle's validity window. There is no
// retry; expiry and failure are outcomes, not errors to propagate.
package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Handle is the addressing information for the one allowed terminal update.
type Handle struct {
	AppID    string        `json:"app_id"`
	Token    string        `json:"token"`
	IssuedAt time.Time     `json:"issued_at"`
	Validity time.Duration `json:"validity"`
}

// Expired reports whether the handle's validity window has elapsed at t.
func (h Handle) Expired(t time.Time) bool {
	if h.Validity <= 0 {
		return false
	}
	return t.After(h.IssuedAt.Add(h.Validity))
}

// Outcome is the result of the single delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	Expired
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Expired:
		return "expired"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Payload is the terminal message body.
type Payload struct {
	Content  string `json:"content"`
	VoiceRef string `json:"voice_ref,omitempty"`
}

// Webhook delivers via the followup-message endpoint
// {base}/webhooks/{app_id}/{token}/messages/@original.
type Webhook struct {
	BaseURL    string
	HTTPClient *http.Client

	// now is injectable for tests.
	now func() time.Time
}

// NewWebhook returns a Webhook deliverer for the given API base URL.
func NewWebhook(baseURL string) *Webhook {
	return &Webhook{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

func (w *Webhook) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

// Deliver makes exactly one attempt to edit the original acknowledgment with
// the terminal payload. A lapsed validity window, or a not-found-class
// rejection from the remote side (the token already invalidated), maps to
// Expired; any other failure maps to Failed. The returned error carries detail
// for logging only; callers must not treat Expired/Failed as fatal.
func (w *Webhook) Deliver(ctx context.Context, h Handle, p Payload) (Outcome, error) {
	if h.Expired(w.clock()) {
		return Expired, fmt.Errorf("delivery handle expired at %s", h.IssuedAt.Add(h.Validity).Format(time.RFC3339))
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Failed, fmt.Errorf("marshal payload: %w", err)
	}
	url := fmt.Sprintf("%s/webhooks/%s/%s/messages/@original", w.BaseURL, h.AppID, h.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return Failed, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return Failed, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Delivered, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized:
		// The remote rejects post-expiry tokens as unknown; not a bug here.
		return Expired, fmt.Errorf("remote rejected handle: status %d", resp.StatusCode)
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Failed, fmt.Errorf("delivery failed: status %d: %s", resp.StatusCode, string(b))
	}
}
