package analysis

import (
	"fmt"
	"log/slog"

	"github.com/onnwee/matchscribe/backend/riotapi"
)

// Mode is the closed set of game-type classifications the scorers understand.
// Anything the detector does not recognize collapses to ModeUnknown, which the
// strategy factory maps to the fallback scorer.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeSummonersRift
	ModeARAM
	ModeArena
)

func (m Mode) String() string {
	switch m {
	case ModeSummonersRift:
		return "summoners_rift"
	case ModeARAM:
		return "aram"
	case ModeArena:
		return "arena"
	default:
		return "unknown"
	}
}

// DetectMode maps an upstream queue id onto a Mode. Total: unrecognized ids,
// including ids that do not exist yet, return ModeUnknown.
func DetectMode(queueID int) Mode {
	switch queueID {
	case 420, 440, 400, 430, 490: // ranked solo/flex, normal draft/blind, quickplay
		return ModeSummonersRift
	case 450:
		return ModeARAM
	case 1700, 1710:
		return ModeArena
	default:
		return ModeUnknown
	}
}

// Strategy computes a structured score plus team/role-relative summary from
// raw match data. puuid identifies the requester's participant entry.
type Strategy interface {
	Name() string
	Score(m *riotapi.Match, tl *riotapi.Timeline, puuid string) (*ScoreResult, error)
}

// StrategyFor returns the scorer for a mode. Total function: every Mode value,
// known or not, yields a non-nil strategy.
func StrategyFor(mode Mode, algoVersion string) Strategy {
	switch mode {
	case ModeSummonersRift:
		return &summonersRiftStrategy{algo: algoVersion}
	case ModeARAM:
		return &aramStrategy{algo: algoVersion}
	case ModeArena:
		return &arenaStrategy{algo: algoVersion}
	case ModeUnknown:
		return &fallbackStrategy{algo: algoVersion}
	default:
		return &fallbackStrategy{algo: algoVersion}
	}
}

// RoutedScore runs the mode's strategy and re-dispatches to the fallback on
// any error or panic inside a non-fallback scorer. The fallback itself never
// fails, so this always returns a valid ScoreResult.
func RoutedScore(mode Mode, algoVersion string, m *riotapi.Match, tl *riotapi.Timeline, puuid string) *ScoreResult {
	strat := StrategyFor(mode, algoVersion)
	res, err := safeScore(strat, m, tl, puuid)
	if err == nil {
		return res
	}
	slog.Warn("strategy faulted, falling back", slog.String("strategy", strat.Name()), slog.Any("err", err))
	fb := &fallbackStrategy{algo: algoVersion}
	res, ferr := safeScore(fb, m, tl, puuid)
	if ferr != nil {
		// Contract violation in the fallback; produce the minimal valid score
		// directly rather than surfacing a run failure.
		slog.Error("fallback strategy errored, emitting minimal score", slog.Any("err", ferr))
		return fb.minimal(m, puuid)
	}
	return res
}

func safeScore(s Strategy, m *riotapi.Match, tl *riotapi.Timeline, puuid string) (res *ScoreResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Score(m, tl, puuid)
}
