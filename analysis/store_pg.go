package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore is the Postgres-backed Store over the analyses table.
type PGStore struct{ DB *sql.DB }

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{DB: db} }

func (s *PGStore) Get(ctx context.Context, matchID string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT match_id, status, COALESCE(mode,''), score, COALESCE(narrative,''),
		COALESCE(voice_ref,''), COALESCE(algo_version,''), stage_durations, COALESCE(error_kind,''),
		created_at, COALESCE(updated_at, created_at)
		FROM analyses WHERE match_id=$1`, matchID)
	var rec Record
	var scoreJSON, durationsJSON []byte
	var status string
	err := row.Scan(&rec.MatchID, &status, &rec.Mode, &scoreJSON, &rec.Narrative,
		&rec.VoiceRef, &rec.AlgoVersion, &durationsJSON, &rec.ErrorKind,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis %s: %w", matchID, err)
	}
	rec.Status = Status(status)
	if len(scoreJSON) > 0 {
		var sc ScoreResult
		if err := json.Unmarshal(scoreJSON, &sc); err != nil {
			return nil, fmt.Errorf("decode score for %s: %w", matchID, err)
		}
		rec.Score = &sc
	}
	if len(durationsJSON) > 0 {
		if err := json.Unmarshal(durationsJSON, &rec.StageDurations); err != nil {
			return nil, fmt.Errorf("decode stage durations for %s: %w", matchID, err)
		}
	}
	return &rec, nil
}

func (s *PGStore) Upsert(ctx context.Context, rec *Record) error {
	var scoreJSON, durationsJSON []byte
	var err error
	if rec.Score != nil {
		if scoreJSON, err = json.Marshal(rec.Score); err != nil {
			return fmt.Errorf("encode score for %s: %w", rec.MatchID, err)
		}
	}
	if len(rec.StageDurations) > 0 {
		if durationsJSON, err = json.Marshal(rec.StageDurations); err != nil {
			return fmt.Errorf("encode stage durations for %s: %w", rec.MatchID, err)
		}
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO analyses
		(match_id, status, mode, score, narrative, voice_ref, algo_version, stage_durations, error_kind, created_at, updated_at)
		VALUES ($1,$2,NULLIF($3,''),$4,NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),$8,NULLIF($9,''),NOW(),NOW())
		ON CONFLICT(match_id) DO UPDATE SET
			status=EXCLUDED.status,
			mode=EXCLUDED.mode,
			score=EXCLUDED.score,
			narrative=EXCLUDED.narrative,
			voice_ref=EXCLUDED.voice_ref,
			algo_version=EXCLUDED.algo_version,
			stage_durations=EXCLUDED.stage_durations,
			error_kind=EXCLUDED.error_kind,
			updated_at=NOW()`,
		rec.MatchID, string(rec.Status), rec.Mode, nullableJSON(scoreJSON), rec.Narrative,
		rec.VoiceRef, rec.AlgoVersion, nullableJSON(durationsJSON), rec.ErrorKind)
	if err != nil {
		return fmt.Errorf("upsert analysis %s: %w", rec.MatchID, err)
	}
	return nil
}

func (s *PGStore) EnsurePending(ctx context.Context, matchID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO analyses (match_id, status, created_at, updated_at)
		VALUES ($1,$2,NOW(),NOW()) ON CONFLICT(match_id) DO NOTHING`, matchID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("ensure pending %s: %w", matchID, err)
	}
	return nil
}

// Claim is a single guarded statement so two concurrent runs cannot both win:
// the conflict update fires when the existing record is idle, or when it is
// non-terminal but untouched since staleBefore (its owner died mid-run).
func (s *PGStore) Claim(ctx context.Context, matchID string, staleBefore time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO analyses (match_id, status, created_at, updated_at)
		VALUES ($1,$2,NOW(),NOW())
		ON CONFLICT(match_id) DO UPDATE SET status=EXCLUDED.status, updated_at=NOW()
		WHERE analyses.status IN ($3,$4)
		   OR (analyses.status <> $5 AND analyses.updated_at < $6)`,
		matchID, string(StatusFetching), string(StatusPending), string(StatusFailed),
		string(StatusCompleted), staleBefore.UTC())
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", matchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", matchID, err)
	}
	return n > 0, nil
}

// nullableJSON maps empty payloads to SQL NULL instead of an empty string,
// which JSONB columns reject.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ Store = (*PGStore)(nil)
