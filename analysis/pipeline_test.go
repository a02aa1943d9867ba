package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/matchscribe/backend/backoff"
	"github.com/onnwee/matchscribe/backend/deliver"
	"github.com/onnwee/matchscribe/backend/riotapi"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// fakeFetcher serves a canned match/timeline after an optional run of errors.
type fakeFetcher struct {
	match       *riotapi.Match
	timeline    *riotapi.Timeline
	matchErrs   []error // consumed one per GetMatch call before success
	timelineErr error   // returned on every GetTimeline call when set
	matchCalls  int
}

func (f *fakeFetcher) GetMatch(ctx context.Context, matchID string) (*riotapi.Match, error) {
	f.matchCalls++
	if len(f.matchErrs) > 0 {
		err := f.matchErrs[0]
		f.matchErrs = f.matchErrs[1:]
		return nil, err
	}
	return f.match, nil
}

func (f *fakeFetcher) GetTimeline(ctx context.Context, matchID string) (*riotapi.Timeline, error) {
	if f.timelineErr != nil {
		return nil, f.timelineErr
	}
	return f.timeline, nil
}

type narratorFunc func(ctx context.Context, score *ScoreResult) (string, error)

func (f narratorFunc) Narrate(ctx context.Context, score *ScoreResult) (string, error) {
	return f(ctx, score)
}

type synthFunc func(ctx context.Context, matchID, text string) (string, error)

func (f synthFunc) Synthesize(ctx context.Context, matchID, text string) (string, error) {
	return f(ctx, matchID, text)
}

type fakeDeliverer struct {
	outcome deliver.Outcome
	err     error
	calls   int
	got     deliver.Payload
}

func (f *fakeDeliverer) Deliver(ctx context.Context, h deliver.Handle, p deliver.Payload) (deliver.Outcome, error) {
	f.calls++
	f.got = p
	return f.outcome, f.err
}

func testMatch(queueID int) *riotapi.Match {
	m := &riotapi.Match{}
	m.Metadata.MatchID = "EUW1_100"
	m.Info.GameDuration = 1470 // 24.5 minutes
	m.Info.QueueID = queueID
	m.Info.Participants = []riotapi.Participant{
		{PUUID: "me", ChampionName: "Ahri", TeamID: 100, TeamPosition: "MIDDLE",
			Kills: 9, Deaths: 2, Assists: 7, TotalDamageDealtToChampions: 28000,
			GoldEarned: 12000, VisionScore: 25, TotalMinionsKilled: 190, Win: true},
		{PUUID: "ally", ChampionName: "Braum", TeamID: 100, Kills: 1, Deaths: 5, Assists: 14,
			TotalDamageDealtToChampions: 8000, GoldEarned: 7000, Win: true},
		{PUUID: "enemy", ChampionName: "Zed", TeamID: 200, Kills: 6, Deaths: 4, Assists: 2,
			TotalDamageDealtToChampions: 21000, GoldEarned: 10500},
	}
	return m
}

func fastCaller(name string, attempts int) *backoff.Caller {
	return backoff.New(name, attempts, time.Millisecond, 2, false)
}

func testHandle() deliver.Handle {
	return deliver.Handle{AppID: "app", Token: "tok", IssuedAt: time.Now(), Validity: time.Hour}
}

func newTestPipeline(store Store, f Fetcher, n Narrator, v Synthesizer, d Deliverer, mutate func(*Options)) *Pipeline {
	opts := Options{
		AlgoVersion: "v1",
		FetchRetry:  fastCaller("fetch", 3),
		LLMRetry:    fastCaller("narrate", 2),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewPipeline(store, f, n, v, d, opts)
}

func TestRunHappyPath(t *testing.T) {
	store := NewMemoryStore()
	fetcher := &fakeFetcher{match: testMatch(420), timeline: &riotapi.Timeline{}}
	narrator := narratorFunc(func(ctx context.Context, score *ScoreResult) (string, error) {
		return "A dominant mid-lane performance on Ahri.", nil
	})
	dlv := &fakeDeliverer{outcome: deliver.Delivered}
	p := newTestPipeline(store, fetcher, narrator, nil, dlv, nil)

	rec, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me", Handle: testHandle()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if rec.Mode != "summoners_rift" {
		t.Errorf("mode = %q, want summoners_rift", rec.Mode)
	}
	if rec.Narrative != "A dominant mid-lane performance on Ahri." {
		t.Errorf("narrative = %q", rec.Narrative)
	}
	if rec.Score == nil || rec.Score.Rating <= 0 {
		t.Errorf("score missing or unrated: %+v", rec.Score)
	}
	if dlv.calls != 1 {
		t.Errorf("deliver calls = %d, want 1", dlv.calls)
	}
	if dlv.got.Content != rec.Narrative {
		t.Errorf("delivered content = %q", dlv.got.Content)
	}
	for _, stage := range []string{"fetching", "scoring", "narrating", "delivering", "total"} {
		if _, ok := rec.StageDurations[stage]; !ok {
			t.Errorf("missing stage duration %q", stage)
		}
	}

	stored, err := store.Get(context.Background(), "EUW1_100")
	if err != nil || stored == nil {
		t.Fatalf("Get after run: rec=%v err=%v", stored, err)
	}
	if stored.Status != StatusCompleted {
		t.Errorf("stored status = %s", stored.Status)
	}
}

func TestRunRetriesRateLimitedFetch(t *testing.T) {
	store := NewMemoryStore()
	rle := backoff.RateLimited(errors.New("429"), 0)
	fetcher := &fakeFetcher{match: testMatch(420), matchErrs: []error{rle, rle}}
	p := newTestPipeline(store, fetcher, nil, nil, nil, nil)

	rec, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if fetcher.matchCalls != 3 {
		t.Errorf("match fetch attempts = %d, want 3", fetcher.matchCalls)
	}
}

func TestRunFailsWhenFetchExhausted(t *testing.T) {
	store := NewMemoryStore()
	rle := backoff.RateLimited(errors.New("429"), 0)
	fetcher := &fakeFetcher{matchErrs: []error{rle, rle, rle}}
	p := newTestPipeline(store, fetcher, nil, nil, nil, nil)

	rec, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me"})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.ErrorKind != "UpstreamUnavailable" {
		t.Errorf("error kind = %q", rec.ErrorKind)
	}
	stored, _ := store.Get(context.Background(), "EUW1_100")
	if stored == nil || stored.Status != StatusFailed {
		t.Errorf("stored record = %+v, want persisted failed status", stored)
	}
}

func TestRunDegradesOnMissingTimeline(t *testing.T) {
	store := NewMemoryStore()
	fetcher := &fakeFetcher{
		match:       testMatch(420),
		timelineErr: backoff.NonRetryable(errors.New("404 no timeline")),
	}
	p := newTestPipeline(store, fetcher, nil, nil, nil, nil)

	rec, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed despite missing timeline", rec.Status)
	}
	if rec.Score == nil {
		t.Fatal("score missing")
	}
}

func TestRunFallsBackToTemplateOnNarratorError(t *testing.T) {
	store := NewMemoryStore()
	fetcher := &fakeFetcher{match: testMatch(420)}
	narrator := narratorFunc(func(ctx context.Context, score *ScoreResult) (string, error) {
		return "", fmt.Errorf("llm down")
	})
	p := newTestPipeline(store, fetcher, narrator, nil, nil, nil)

	rec, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if !strings.Contains(rec.Narrative, "Ahri") || !strings.Contains(rec.Narrative, "24.5") {
		t.Errorf("template narrative missing score facts: %q", rec.Narrative)
	}
}

func TestRunRejectsHallucinatedNarrative(t *testing.T) {
	store := NewMemoryStore()
	fetcher := &fakeFetcher{match: testMatch(420)}
	narrator := narratorFunc(func(ctx context.Context, score *ScoreResult) (string, error) {
		return "I could not analyze this game because the match duration is zero.", nil
	})
	p := newTestPipeline(store, fetcher, narrator, nil, nil, nil)

	rec, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(strings.ToLower(rec.Narrative), "duration is zero") {
		t.Fatalf("hallucinated narrative stored verbatim: %q", rec.Narrative)
	}
	if !strings.Contains(rec.Narrative, "24.5") {
		t.Errorf("template narrative should carry the real duration: %q", rec.Narrative)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
}

func TestRunVoiceFailureIsNonFatal(t *testing.T) {
	store := NewMemoryStore()
	fetcher := &fakeFetcher{match: testMatch(450)}
	synth := synthFunc(func(ctx context.Context, matchID, text string) (string, error) {
		return "", fmt.Errorf("tts quota exceeded")
	})
	p := newTestPipeline(store, fetcher, nil, synth, nil, func(o *Options) {
		o.VoiceEnabled = true
		o.VoiceMinChars = 1
	})

	rec, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if rec.VoiceRef != "" {
		t.Errorf("voice ref = %q, want empty after synth failure", rec.VoiceRef)
	}
}

func TestRunSkipsVoiceBelowMinChars(t *testing.T) {
	store := NewMemoryStore()
	fetcher := &fakeFetcher{match: testMatch(420)}
	called := false
	synth := synthFunc(func(ctx context.Context, matchID, text string) (string, error) {
		called = true
		return "ref", nil
	})
	p := newTestPipeline(store, fetcher, nil, synth, nil, func(o *Options) {
		o.VoiceEnabled = true
		o.VoiceMinChars = 100000
	})

	rec, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if called {
		t.Error("synthesizer called despite narrative below length gate")
	}
	if _, ok := rec.StageDurations["voicing"]; ok {
		t.Error("voicing stage recorded for a skipped stage")
	}
}

func TestRunVoiceSuccessSetsRef(t *testing.T) {
	store := NewMemoryStore()
	fetcher := &fakeFetcher{match: testMatch(420)}
	dlv := &fakeDeliverer{outcome: deliver.Delivered}
	synth := synthFunc(func(ctx context.Context, matchID, text string) (string, error) {
		return "voice/EUW1_100.mp3", nil
	})
	p := newTestPipeline(store, fetcher, nil, synth, dlv, func(o *Options) {
		o.VoiceEnabled = true
		o.VoiceMinChars = 1
	})

	rec, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me", Handle: testHandle()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.VoiceRef != "voice/EUW1_100.mp3" {
		t.Errorf("voice ref = %q", rec.VoiceRef)
	}
	if dlv.got.VoiceRef != rec.VoiceRef {
		t.Errorf("delivered voice ref = %q", dlv.got.VoiceRef)
	}
}

func TestRunDeliveryOutcomesAreNonFatal(t *testing.T) {
	cases := []struct {
		name    string
		outcome deliver.Outcome
		err     error
	}{
		{"expired", deliver.Expired, errors.New("interaction gone")},
		{"failed", deliver.Failed, errors.New("status 500")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			fetcher := &fakeFetcher{match: testMatch(420)}
			dlv := &fakeDeliverer{outcome: tc.outcome, err: tc.err}
			p := newTestPipeline(store, fetcher, nil, nil, dlv, nil)

			rec, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me", Handle: testHandle()})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if rec.Status != StatusCompleted {
				t.Fatalf("status = %s, want completed regardless of delivery outcome", rec.Status)
			}
			if dlv.calls != 1 {
				t.Errorf("deliver calls = %d, want exactly 1", dlv.calls)
			}
		})
	}
}

func TestRunDedupShortCircuits(t *testing.T) {
	store := NewMemoryStore()
	for _, status := range []Status{StatusFetching, StatusNarrating, StatusCompleted} {
		t.Run(string(status), func(t *testing.T) {
			if err := store.Upsert(context.Background(), &Record{MatchID: "M_" + string(status), Status: status}); err != nil {
				t.Fatal(err)
			}
			fetcher := &fakeFetcher{match: testMatch(420)}
			p := newTestPipeline(store, fetcher, nil, nil, nil, nil)

			rec, err := p.Run(context.Background(), Request{MatchID: "M_" + string(status), PUUID: "me"})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if rec.Status != status {
				t.Errorf("status = %s, want existing %s returned unchanged", rec.Status, status)
			}
			if fetcher.matchCalls != 0 {
				t.Errorf("fetch called %d times on a deduped run", fetcher.matchCalls)
			}
		})
	}
}

func TestRunRestartsFailedRecord(t *testing.T) {
	store := NewMemoryStore()
	failed := &Record{MatchID: "EUW1_100", Status: StatusFailed, ErrorKind: "UpstreamUnavailable"}
	if err := store.Upsert(context.Background(), failed); err != nil {
		t.Fatal(err)
	}
	fetcher := &fakeFetcher{match: testMatch(420)}
	p := newTestPipeline(store, fetcher, nil, nil, nil, nil)

	rec, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed after re-run", rec.Status)
	}
	if rec.ErrorKind != "" {
		t.Errorf("error kind = %q, want cleared on re-run", rec.ErrorKind)
	}
}

func TestRunUsesModeHintForUnknownQueue(t *testing.T) {
	store := NewMemoryStore()
	fetcher := &fakeFetcher{match: testMatch(9999)}
	p := newTestPipeline(store, fetcher, nil, nil, nil, nil)

	rec, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me", ModeHint: 450})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Mode != "aram" {
		t.Errorf("mode = %q, want aram from hint", rec.Mode)
	}
}

func TestRunEmitsStageSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	defer otel.SetTracerProvider(prev)

	store := NewMemoryStore()
	fetcher := &fakeFetcher{match: testMatch(420)}
	dlv := &fakeDeliverer{outcome: deliver.Delivered}
	p := newTestPipeline(store, fetcher, nil, nil, dlv, nil)

	if _, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me", Handle: testHandle()}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	names := make(map[string]bool)
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	for _, want := range []string{"stage.fetching", "stage.scoring", "stage.narrating", "stage.delivering"} {
		if !names[want] {
			t.Errorf("missing span %q, recorded %v", want, names)
		}
	}
}

// cancelSensitiveStore rejects writes once the request context is done, the
// way a real driver would.
type cancelSensitiveStore struct{ *MemoryStore }

func (s *cancelSensitiveStore) Upsert(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Upsert(ctx, rec)
}

// deadlineFetcher simulates an upstream call that outlives the task's time
// limit: the run's context dies while the fetch is in flight.
type deadlineFetcher struct{ cancel context.CancelFunc }

func (f *deadlineFetcher) GetMatch(ctx context.Context, matchID string) (*riotapi.Match, error) {
	f.cancel()
	return nil, context.DeadlineExceeded
}

func (f *deadlineFetcher) GetTimeline(ctx context.Context, matchID string) (*riotapi.Timeline, error) {
	return nil, context.DeadlineExceeded
}

func TestRunPersistsFailureAfterTaskDeadline(t *testing.T) {
	store := &cancelSensitiveStore{NewMemoryStore()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newTestPipeline(store, &deadlineFetcher{cancel: cancel}, nil, nil, nil, nil)

	rec, err := p.Run(ctx, Request{MatchID: "EUW1_100", PUUID: "me"})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}

	// The FAILED write must land even though the run's context is dead,
	// otherwise the record wedges in fetching and blocks every retry.
	stored, gerr := store.Get(context.Background(), "EUW1_100")
	if gerr != nil || stored == nil {
		t.Fatalf("Get after run: rec=%v err=%v", stored, gerr)
	}
	if stored.Status != StatusFailed {
		t.Fatalf("stored status = %s, want failed persisted past the dead context", stored.Status)
	}

	// And a fresh run may retake the match immediately.
	fresh := &fakeFetcher{match: testMatch(420)}
	p2 := newTestPipeline(store, fresh, nil, nil, nil, nil)
	rec2, err := p2.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me"})
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if rec2.Status != StatusCompleted {
		t.Errorf("re-run status = %s, want completed", rec2.Status)
	}
	if fresh.matchCalls == 0 {
		t.Error("re-run never reached the fetcher")
	}
}

func TestRunReclaimsStaleInFlightRecord(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Upsert(context.Background(), &Record{MatchID: "EUW1_100", Status: StatusFetching}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	fetcher := &fakeFetcher{match: testMatch(420)}
	p := newTestPipeline(store, fetcher, nil, nil, nil, func(o *Options) {
		o.StaleAfter = time.Millisecond
	})

	rec, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed after stale takeover", rec.Status)
	}
	if fetcher.matchCalls == 0 {
		t.Error("fetch never called, stale record was not retaken")
	}
}

func TestRunSkipsDeliveryWithoutHandle(t *testing.T) {
	store := NewMemoryStore()
	fetcher := &fakeFetcher{match: testMatch(420)}
	dlv := &fakeDeliverer{outcome: deliver.Delivered}
	p := newTestPipeline(store, fetcher, nil, nil, dlv, nil)

	rec, err := p.Run(context.Background(), Request{MatchID: "EUW1_100", PUUID: "me"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dlv.calls != 0 {
		t.Errorf("deliver called %d times without a handle", dlv.calls)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("status = %s", rec.Status)
	}
}
