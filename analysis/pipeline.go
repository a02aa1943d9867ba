package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/matchscribe/backend/backoff"
	"github.com/onnwee/matchscribe/backend/deliver"
	"github.com/onnwee/matchscribe/backend/riotapi"
	"github.com/onnwee/matchscribe/backend/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// Request is one "analyze this match for this requester" job.
type Request struct {
	MatchID     string         `json:"match_id"`
	RequesterID string         `json:"requester_id"`
	PUUID       string         `json:"puuid"`
	ModeHint    int            `json:"mode_hint,omitempty"`
	Handle      deliver.Handle `json:"handle"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// Fetcher obtains raw match data from the upstream API.
type Fetcher interface {
	GetMatch(ctx context.Context, matchID string) (*riotapi.Match, error)
	GetTimeline(ctx context.Context, matchID string) (*riotapi.Timeline, error)
}

// Narrator produces human-readable text from a structured score.
type Narrator interface {
	Narrate(ctx context.Context, score *ScoreResult) (string, error)
}

// Synthesizer turns narrative text into a voice asset and returns its reference.
type Synthesizer interface {
	Synthesize(ctx context.Context, matchID, text string) (string, error)
}

// Deliverer performs the single terminal update to the requesting client.
type Deliverer interface {
	Deliver(ctx context.Context, h deliver.Handle, p deliver.Payload) (deliver.Outcome, error)
}

// ErrUpstreamUnavailable marks a run killed by the FETCHING stage.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Error kinds persisted on failed/degraded records.
const (
	errKindUpstream = "UpstreamUnavailable"
)

// Options is the immutable pipeline configuration, built once in main.
type Options struct {
	AlgoVersion   string
	FetchRetry    *backoff.Caller
	LLMRetry      *backoff.Caller
	VoiceEnabled  bool
	VoiceMinChars int
	// StaleAfter bounds how long an in-flight record blocks re-claiming.
	// A worker killed mid-run stops touching its record, so once updated_at
	// falls this far behind the match is taken over instead of staying
	// wedged. Defaults to 5 minutes; set it to the task time limit.
	StaleAfter time.Duration
	// Validate rejects implausible generated narratives. Defaults to
	// DefaultValidator(DefaultSignatures).
	Validate NarrativeValidator
	// EMA, when set, receives per-stage durations in milliseconds for
	// moving-average bookkeeping (kv table in production).
	EMA func(ctx context.Context, stage string, ms float64)
}

// Pipeline sequences fetch, score, persist, narrate, voice and delivery under
// the record's status state machine. Narrator, Synthesizer and Deliverer are
// optional; a nil value disables that stage (the pipeline degrades the same
// way it does on stage failure).
type Pipeline struct {
	store    Store
	fetch    Fetcher
	narrator Narrator
	voice    Synthesizer
	deliver  Deliverer
	opts     Options
}

// NewPipeline wires the pipeline. store and fetch are required.
func NewPipeline(store Store, fetch Fetcher, narrator Narrator, voice Synthesizer, deliverer Deliverer, opts Options) *Pipeline {
	if opts.FetchRetry == nil {
		opts.FetchRetry = backoff.New("fetch", 5, 2*time.Second, 2, true)
	}
	if opts.LLMRetry == nil {
		opts.LLMRetry = backoff.New("narrate", 3, 2*time.Second, 2, true)
	}
	if opts.Validate == nil {
		opts.Validate = DefaultValidator(DefaultSignatures)
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	return &Pipeline{store: store, fetch: fetch, narrator: narrator, voice: voice, deliver: deliverer, opts: opts}
}

// Run executes one pipeline run for req.MatchID and returns the authoritative
// record. A non-nil error is only returned for store failures and the fatal
// FETCHING path; every later stage degrades instead of failing the run.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Record, error) {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("match_id", req.MatchID), slog.String("component", "pipeline"))
	telemetry.IncRuns()
	runStart := time.Now()

	// Idempotent dedup: the guarded claim only succeeds when the record is
	// absent, pending, failed, or abandoned in flight past the staleness
	// cutoff, so a live or completed record short-circuits the run even when
	// two requests race.
	claimed, err := p.store.Claim(ctx, req.MatchID, time.Now().UTC().Add(-p.opts.StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	if !claimed {
		existing, err := p.store.Get(ctx, req.MatchID)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup: %w", err)
		}
		logger.Info("dedup short-circuit", slog.String("status", string(existing.Status)))
		telemetry.IncDeduped()
		return existing, nil
	}

	// A run authors the entire record; prior pending/failed state is replaced.
	rec := &Record{MatchID: req.MatchID, Status: StatusPending, AlgoVersion: p.opts.AlgoVersion}

	// FETCHING (the claim already persisted the status)
	if err := rec.Advance(StatusFetching); err != nil {
		return nil, err
	}
	match, timeline, err := p.runFetch(ctx, rec, req.MatchID)
	if err != nil {
		rec.ErrorKind = errKindUpstream
		if aerr := rec.Advance(StatusFailed); aerr != nil {
			logger.Error("status advance failed", slog.Any("err", aerr))
		}
		// The run may have died to its own deadline; the FAILED write must
		// still land or the record wedges in fetching.
		if uerr := p.store.Upsert(context.WithoutCancel(ctx), rec); uerr != nil {
			logger.Error("persist failed record", slog.Any("err", uerr))
		}
		telemetry.IncFailed()
		logger.Error("fetch exhausted retries, run failed", slog.Any("err", err))
		return rec, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	// SCORING is total: strategy faults re-dispatch to the fallback internally.
	if err := p.transition(ctx, rec, StatusScoring); err != nil {
		return nil, err
	}
	mode := p.detectMode(match, req.ModeHint)
	scoreStart := time.Now()
	_, scoreSpan := telemetry.StartStageSpan(ctx, "scoring", rec.MatchID)
	score := RoutedScore(mode, p.opts.AlgoVersion, match, timeline, req.PUUID)
	p.stageDone(ctx, rec, scoreSpan, "scoring", time.Since(scoreStart), "success", nil)
	rec.Mode = mode.String()
	rec.Score = score

	// PERSISTED is the durability checkpoint: from here the analysis survives any
	// later-stage failure.
	if err := p.transition(ctx, rec, StatusPersisted); err != nil {
		return nil, err
	}

	// NARRATING never fails; rejection and call failure substitute the template.
	if err := p.transition(ctx, rec, StatusNarrating); err != nil {
		return nil, err
	}
	rec.Narrative = p.runNarrate(ctx, rec, score)

	// Voice is feature-flagged and length-gated; failure leaves the ref null.
	if p.opts.VoiceEnabled && p.voice != nil && len(rec.Narrative) >= p.opts.VoiceMinChars {
		if err := p.transition(ctx, rec, StatusVoicing); err != nil {
			return nil, err
		}
		p.runVoice(ctx, rec)
	}

	// DELIVERING makes exactly one attempt; Expired/Failed are logged and swallowed.
	if err := p.transition(ctx, rec, StatusDelivering); err != nil {
		return nil, err
	}
	p.runDeliver(ctx, rec, req.Handle)

	// COMPLETED regardless of delivery outcome: the analysis itself succeeded
	// and stays queryable through the cached-result path.
	if err := rec.Advance(StatusCompleted); err != nil {
		return nil, err
	}
	rec.recordStage("total", time.Since(runStart))
	// Terminal write: survives a task deadline that expired during delivery.
	if err := p.store.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		return nil, fmt.Errorf("persist completed record: %w", err)
	}
	telemetry.IncCompleted()
	telemetry.ObserveRun(time.Since(runStart).Seconds())
	logger.Info("analysis complete",
		slog.String("mode", rec.Mode),
		slog.Float64("rating", score.Rating),
		slog.Duration("total_duration", time.Since(runStart)))
	return rec, nil
}

// transition advances the record and persists the new status so concurrent
// enqueue attempts observe the in-flight state.
func (p *Pipeline) transition(ctx context.Context, rec *Record, next Status) error {
	if err := rec.Advance(next); err != nil {
		return err
	}
	if err := p.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist %s status: %w", next, err)
	}
	return nil
}

func (p *Pipeline) detectMode(match *riotapi.Match, hint int) Mode {
	mode := DetectMode(match.Info.QueueID)
	if mode == ModeUnknown && hint != 0 {
		mode = DetectMode(hint)
	}
	return mode
}

// runFetch obtains match and timeline via the rate-limited caller. The match
// payload is required; a non-retryable timeline miss (some modes never have
// one) degrades to a nil timeline instead of failing the run.
func (p *Pipeline) runFetch(ctx context.Context, rec *Record, matchID string) (*riotapi.Match, *riotapi.Timeline, error) {
	ctx, span := telemetry.StartStageSpan(ctx, "fetching", matchID)
	start := time.Now()
	var match *riotapi.Match
	err := p.opts.FetchRetry.Do(ctx, func(ctx context.Context) error {
		m, err := p.fetch.GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		match = m
		return nil
	})
	if err != nil {
		p.stageDone(ctx, rec, span, "fetching", time.Since(start), "fail", err)
		return nil, nil, err
	}

	var timeline *riotapi.Timeline
	tlErr := p.opts.FetchRetry.Do(ctx, func(ctx context.Context) error {
		tl, err := p.fetch.GetTimeline(ctx, matchID)
		if err != nil {
			return err
		}
		timeline = tl
		return nil
	})
	if tlErr != nil {
		var ex *backoff.ExhaustedError
		if errors.As(tlErr, &ex) && ex.Kind == backoff.KindNonRetryable {
			telemetry.LoggerWithCorr(ctx).Warn("timeline unavailable, scoring without it", slog.String("match_id", matchID), slog.Any("err", tlErr))
			p.stageDone(ctx, rec, span, "fetching", time.Since(start), "fallback", nil)
			return match, nil, nil
		}
		p.stageDone(ctx, rec, span, "fetching", time.Since(start), "fail", tlErr)
		return nil, nil, tlErr
	}
	p.stageDone(ctx, rec, span, "fetching", time.Since(start), "success", nil)
	return match, timeline, nil
}

// runNarrate returns LLM text when available and plausible, and the
// deterministic template otherwise. This path never raises.
func (p *Pipeline) runNarrate(ctx context.Context, rec *Record, score *ScoreResult) string {
	ctx, span := telemetry.StartStageSpan(ctx, "narrating", rec.MatchID)
	start := time.Now()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("match_id", rec.MatchID))
	if p.narrator == nil {
		p.stageDone(ctx, rec, span, "narrating", time.Since(start), "fallback", nil)
		return TemplateNarrative(score)
	}
	var text string
	err := p.opts.LLMRetry.Do(ctx, func(ctx context.Context) error {
		out, err := p.narrator.Narrate(ctx, score)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	if err != nil {
		logger.Warn("narrative generation unavailable, using template", slog.Any("err", err))
		p.stageDone(ctx, rec, span, "narrating", time.Since(start), "fallback", err)
		return TemplateNarrative(score)
	}
	if verr := p.opts.Validate(score, text); verr != nil {
		logger.Warn("narrative rejected as implausible, using template", slog.Any("err", verr))
		p.stageDone(ctx, rec, span, "narrating", time.Since(start), "fallback", verr)
		return TemplateNarrative(score)
	}
	p.stageDone(ctx, rec, span, "narrating", time.Since(start), "success", nil)
	return text
}

func (p *Pipeline) runVoice(ctx context.Context, rec *Record) {
	ctx, span := telemetry.StartStageSpan(ctx, "voicing", rec.MatchID)
	start := time.Now()
	ref, err := p.voice.Synthesize(ctx, rec.MatchID, rec.Narrative)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("voice synthesis failed, continuing without asset",
			slog.String("match_id", rec.MatchID), slog.Any("err", err))
		p.stageDone(ctx, rec, span, "voicing", time.Since(start), "fail", err)
		return
	}
	rec.VoiceRef = ref
	p.stageDone(ctx, rec, span, "voicing", time.Since(start), "success", nil)
}

func (p *Pipeline) runDeliver(ctx context.Context, rec *Record, h deliver.Handle) {
	ctx, span := telemetry.StartStageSpan(ctx, "delivering", rec.MatchID)
	start := time.Now()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("match_id", rec.MatchID))
	if p.deliver == nil || h.Token == "" {
		p.stageDone(ctx, rec, span, "delivering", time.Since(start), "fallback", nil)
		return
	}
	outcome, err := p.deliver.Deliver(ctx, h, deliver.Payload{Content: rec.Narrative, VoiceRef: rec.VoiceRef})
	switch outcome {
	case deliver.Delivered:
		p.stageDone(ctx, rec, span, "delivering", time.Since(start), "success", nil)
	case deliver.Expired:
		logger.Warn("delivery window elapsed, result stays queryable", slog.Any("err", err))
		p.stageDone(ctx, rec, span, "delivering", time.Since(start), "fallback", nil)
	default:
		logger.Warn("delivery failed, not retrying", slog.Any("err", err))
		p.stageDone(ctx, rec, span, "delivering", time.Since(start), "fail", err)
	}
}

// stageDone closes the stage span and emits the structured per-stage event,
// recording the duration on the record and in the metrics/EMA sinks.
func (p *Pipeline) stageDone(ctx context.Context, rec *Record, span trace.Span, stage string, d time.Duration, outcome string, err error) {
	telemetry.EndStageSpan(span, outcome, err)
	rec.recordStage(stage, d)
	telemetry.CountStage(stage, outcome)
	telemetry.ObserveStage(stage, d.Seconds())
	if p.opts.EMA != nil {
		p.opts.EMA(ctx, stage, float64(d.Milliseconds()))
	}
	telemetry.LoggerWithCorr(ctx).Info("stage event",
		slog.String("match_id", rec.MatchID),
		slog.String("stage", stage),
		slog.String("outcome", outcome),
		slog.Duration("duration", d))
}
