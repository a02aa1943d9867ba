package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

// MockRiotServer creates a test server that mocks Riot match-v5 API responses.
type MockRiotServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockRiotServer creates a new mock match-data API server. Paths without a
// registered handler return 404, which the client maps to a non-retryable error.
func NewMockRiotServer(t *testing.T) *MockRiotServer {
	t.Helper()
	m := &MockRiotServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockMatch registers a match payload for /lol/match/v5/matches/{id}.
func (m *MockRiotServer) MockMatch(matchID string, durationSec int64, queueID int, participants []map[string]any) {
	m.Handlers["/lol/match/v5/matches/"+matchID] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{
			"metadata": map[string]any{"matchId": matchID},
			"info": map[string]any{
				"gameDuration": durationSec,
				"queueId":      queueID,
				"participants": participants,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockTimeline registers a timeline payload with the given frame timestamps (ms).
func (m *MockRiotServer) MockTimeline(matchID string, frameTimestamps []int64) {
	m.Handlers["/lol/match/v5/matches/"+matchID+"/timeline"] = func(w http.ResponseWriter, r *http.Request) {
		frames := make([]map[string]any, 0, len(frameTimestamps))
		for _, ts := range frameTimestamps {
			frames = append(frames, map[string]any{"timestamp": ts})
		}
		response := map[string]any{
			"info": map[string]any{
				"frameInterval": int64(60000),
				"frames":        frames,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockRateLimit registers a 429 with a Retry-After hint for the given path.
func (m *MockRiotServer) MockRateLimit(path string, retryAfterSec int) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		if retryAfterSec > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}
}
