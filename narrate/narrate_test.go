package narrate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/matchscribe/backend/analysis"
	"github.com/onnwee/matchscribe/backend/backoff"
)

func testScore() *analysis.ScoreResult {
	return &analysis.ScoreResult{
		AlgoVersion: "v1",
		Mode:        "summoners_rift",
		Champion:    "Ahri",
		Win:         true,
		DurationMin: 24.5,
		Kills:       9,
		Deaths:      2,
		Assists:     7,
		KDA:         8,
		Rating:      82,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient("test-key", "test-model", srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, srv
}

func TestNarrateSendsScoreAndReturnsContent(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := map[string]any{"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": "  Ahri dominated mid with a 9/2/7 scoreline.  "}},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	})

	text, err := c.Narrate(context.Background(), testScore())
	if err != nil {
		t.Fatalf("Narrate: %v", err)
	}
	if text != "Ahri dominated mid with a 9/2/7 scoreline." {
		t.Errorf("text = %q, want trimmed content", text)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody.Model != "test-model" || len(gotBody.Messages) != 2 {
		t.Errorf("request body = %+v", gotBody)
	}
	if !strings.Contains(gotBody.Messages[1].Content, "Ahri") {
		t.Errorf("score not in user message: %q", gotBody.Messages[1].Content)
	}
}

func TestNarrateRateLimitCarriesHint(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Narrate(context.Background(), testScore())
	var rl *backoff.RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Errorf("retry after = %s, want 7s", rl.RetryAfter)
	}
}

func TestNarrateClientErrorIsNonRetryable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	})

	_, err := c.Narrate(context.Background(), testScore())
	var nr *backoff.NonRetryableError
	if !errors.As(err, &nr) {
		t.Fatalf("err = %v, want NonRetryableError", err)
	}
}

func TestNarrateServerErrorIsTransient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Narrate(context.Background(), testScore())
	if err == nil {
		t.Fatal("expected error")
	}
	var nr *backoff.NonRetryableError
	if errors.As(err, &nr) {
		t.Errorf("5xx classified non-retryable: %v", err)
	}
	var rl *backoff.RateLimitedError
	if errors.As(err, &rl) {
		t.Errorf("5xx classified rate-limited: %v", err)
	}
}

func TestNarrateRejectsEmptyContent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": "   "}},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	})

	if _, err := c.Narrate(context.Background(), testScore()); err == nil {
		t.Fatal("empty content accepted")
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("", "model", ""); err == nil {
		t.Error("missing api key accepted")
	}
	if _, err := NewClient("key", "", ""); err == nil {
		t.Error("missing model accepted")
	}
	c, err := NewClient("key", "model", "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.baseURL != defaultBaseURL {
		t.Errorf("baseURL = %q", c.baseURL)
	}
}
