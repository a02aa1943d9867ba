package analysis

import (
	"fmt"
	"time"
)

// Record is the durable analysis entity, one per match identifier.
// It is mutated exclusively by the worker executing that match's pipeline run
// and is never deleted by the pipeline itself.
type Record struct {
	MatchID     string       `json:"match_id"`
	Status      Status       `json:"status"`
	Mode        string       `json:"mode,omitempty"`
	Score       *ScoreResult `json:"score,omitempty"`
	Narrative   string       `json:"narrative,omitempty"`
	VoiceRef    string       `json:"voice_ref,omitempty"`
	AlgoVersion string       `json:"algo_version,omitempty"`

	// StageDurations holds per-stage processing time in milliseconds.
	StageDurations map[string]int64 `json:"stage_durations,omitempty"`

	ErrorKind string    `json:"error_kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Advance moves the record to next, enforcing monotonic ordering within a run.
func (r *Record) Advance(next Status) error {
	if !r.Status.canAdvance(next) {
		return fmt.Errorf("illegal status transition %s -> %s for match %s", r.Status, next, r.MatchID)
	}
	r.Status = next
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// recordStage stores a stage duration on the record.
func (r *Record) recordStage(stage string, d time.Duration) {
	if r.StageDurations == nil {
		r.StageDurations = make(map[string]int64)
	}
	r.StageDurations[stage] = d.Milliseconds()
}
