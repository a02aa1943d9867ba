package analysis

import (
	"context"
	"time"
)

// Store is the idempotent result store keyed by match identifier. Upsert is
// last-write-wins on the full record: any single pipeline run authors the
// entire record, and runs are deduplicated at the pipeline layer.
type Store interface {
	// Get returns the record for matchID, or (nil, nil) when absent.
	Get(ctx context.Context, matchID string) (*Record, error)
	// Upsert writes the full record, creating or replacing it.
	Upsert(ctx context.Context, rec *Record) error
	// EnsurePending creates a pending record for matchID if none exists.
	// Existing records are left untouched.
	EnsurePending(ctx context.Context, matchID string) error
	// Claim atomically marks matchID as fetching when no live run owns it:
	// the record is absent, pending, failed, or in flight but not updated
	// since staleBefore. A run killed mid-flight stops touching its record,
	// so a stale timestamp means the owner is gone and the match may be
	// retaken. A zero staleBefore never steals in-flight records. Claim
	// returns false when a live or completed record holds the match.
	Claim(ctx context.Context, matchID string, staleBefore time.Time) (bool, error)
}
