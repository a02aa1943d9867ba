package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/matchscribe/backend/analysis"
	"github.com/onnwee/matchscribe/backend/db"
	"github.com/onnwee/matchscribe/backend/deliver"
	"github.com/onnwee/matchscribe/backend/queue"
	"github.com/onnwee/matchscribe/backend/telemetry"
)

// Handlers carries the wired dependencies for the HTTP endpoints.
type Handlers struct {
	deps Deps
}

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleStatus reports queue depth, worker heartbeat and stage moving averages.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"queue_depth": 0,
	}
	if h.deps.Dispatcher != nil {
		status["queue_depth"] = h.deps.Dispatcher.Depth()
	}
	if h.deps.DB != nil {
		status["worker_heartbeat"] = db.GetKV(r.Context(), h.deps.DB, "worker_heartbeat")
		avgs := map[string]string{}
		for _, stage := range []string{"fetching", "scoring", "narrating", "voicing", "delivering", "total"} {
			if v := db.GetKV(r.Context(), h.deps.DB, "avg_stage_"+stage+"_ms"); v != "" {
				avgs[stage] = v
			}
		}
		status["avg_stage_ms"] = avgs
	}
	writeJSON(w, http.StatusOK, status)
}

// analysisRequest is the POST /analyses body.
type analysisRequest struct {
	MatchID     string `json:"match_id"`
	RequesterID string `json:"requester_id"`
	PUUID       string `json:"puuid"`
	ModeHint    int    `json:"mode_hint,omitempty"`
	// AppID/Token identify the chat interaction awaiting the terminal update.
	// Both empty means the result is stored without delivery.
	AppID string `json:"app_id,omitempty"`
	Token string `json:"token,omitempty"`
}

// HandleAnalyses accepts new analysis requests (POST).
func (h *Handlers) HandleAnalyses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body analysisRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.MatchID) == "" || strings.TrimSpace(body.PUUID) == "" {
		http.Error(w, "match_id and puuid are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	// A terminal record answers immediately from the store.
	if existing, err := h.deps.Store.Get(ctx, body.MatchID); err == nil && existing != nil && existing.Status == analysis.StatusCompleted {
		writeJSON(w, http.StatusOK, existing)
		return
	}
	if err := h.deps.Store.EnsurePending(ctx, body.MatchID); err != nil {
		telemetry.LoggerWithCorr(ctx).Error("ensure pending", slog.Any("err", err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	req := analysis.Request{
		MatchID:     body.MatchID,
		RequesterID: body.RequesterID,
		PUUID:       body.PUUID,
		ModeHint:    body.ModeHint,
		EnqueuedAt:  time.Now().UTC(),
	}
	if body.Token != "" {
		req.Handle = deliver.Handle{
			AppID:    body.AppID,
			Token:    body.Token,
			IssuedAt: time.Now().UTC(),
			Validity: h.deps.Validity,
		}
	}
	if err := h.deps.Dispatcher.Enqueue(h.deps.Route, req); err != nil {
		if errors.Is(err, queue.ErrRouteFull) {
			http.Error(w, "analysis queue full, try later", http.StatusServiceUnavailable)
			return
		}
		telemetry.LoggerWithCorr(ctx).Error("enqueue analysis", slog.Any("err", err))
		http.Error(w, "enqueue error", http.StatusInternalServerError)
		return
	}
	telemetry.LoggerWithCorr(ctx).Info("analysis enqueued",
		slog.String("match_id", body.MatchID), slog.String("requester_id", body.RequesterID))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"match_id": body.MatchID,
		"status":   string(analysis.StatusPending),
	})
}

// HandleAnalysisGet serves GET /analyses/{matchID}.
func (h *Handlers) HandleAnalysisGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	matchID := strings.TrimPrefix(r.URL.Path, "/analyses/")
	if matchID == "" || strings.Contains(matchID, "/") {
		http.Error(w, "invalid match id", http.StatusBadRequest)
		return
	}
	rec, err := h.deps.Store.Get(r.Context(), matchID)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("get analysis", slog.String("match_id", matchID), slog.Any("err", err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
