package analysis

import (
	"fmt"

	"github.com/onnwee/matchscribe/backend/riotapi"
)

// findParticipant returns the requester's entry and their team's totals.
func findParticipant(m *riotapi.Match, puuid string) (*riotapi.Participant, teamTotals, bool) {
	var totals teamTotals
	var me *riotapi.Participant
	for i := range m.Info.Participants {
		p := &m.Info.Participants[i]
		if p.PUUID == puuid {
			me = p
		}
	}
	if me == nil {
		return nil, totals, false
	}
	for i := range m.Info.Participants {
		p := &m.Info.Participants[i]
		if p.TeamID == me.TeamID {
			totals.damage += p.TotalDamageDealtToChampions
			totals.kills += p.Kills
			totals.gold += p.GoldEarned
		}
	}
	return me, totals, true
}

type teamTotals struct {
	damage int64
	kills  int
	gold   int64
}

func durationMin(m *riotapi.Match) float64 {
	return float64(m.Info.GameDuration) / 60.0
}

// base fills the fields every strategy shares.
func base(algo string, mode Mode, m *riotapi.Match, p *riotapi.Participant, totals teamTotals) *ScoreResult {
	dur := durationMin(m)
	s := &ScoreResult{
		AlgoVersion: algo,
		Mode:        mode.String(),
		Champion:    p.ChampionName,
		Role:        p.TeamPosition,
		Win:         p.Win,
		DurationMin: dur,
		Kills:       p.Kills,
		Deaths:      p.Deaths,
		Assists:     p.Assists,
		KDA:         kda(p.Kills, p.Deaths, p.Assists),
	}
	if totals.damage > 0 {
		s.DamageShare = float64(p.TotalDamageDealtToChampions) / float64(totals.damage)
	}
	if dur > 0 {
		s.GoldPerMin = float64(p.GoldEarned) / dur
		s.CSPerMin = float64(p.TotalMinionsKilled+p.NeutralMinionsKilled) / dur
		s.VisionPerMin = float64(p.VisionScore) / dur
	}
	return s
}

// summonersRiftStrategy scores ranked and normal Rift games across lane farm,
// damage share, vision and KDA.
type summonersRiftStrategy struct{ algo string }

func (s *summonersRiftStrategy) Name() string { return "summoners_rift" }

func (s *summonersRiftStrategy) Score(m *riotapi.Match, tl *riotapi.Timeline, puuid string) (*ScoreResult, error) {
	p, totals, ok := findParticipant(m, puuid)
	if !ok {
		return nil, fmt.Errorf("participant %s not in match %s", puuid, m.Metadata.MatchID)
	}
	if m.Info.GameDuration <= 0 {
		return nil, fmt.Errorf("match %s has no duration", m.Metadata.MatchID)
	}
	res := base(s.algo, ModeSummonersRift, m, p, totals)
	res.Rating = clamp(
		res.KDA*12+
			res.DamageShare*100*0.9+
			clamp(res.CSPerMin, 0, 10)*3+
			clamp(res.VisionPerMin, 0, 3)*6+
			winBonus(p.Win),
		0, 100)
	if res.DamageShare >= 0.30 {
		res.Highlights = append(res.Highlights, fmt.Sprintf("carried %.0f%% of the team's damage", res.DamageShare*100))
	}
	if res.CSPerMin >= 8 {
		res.Highlights = append(res.Highlights, fmt.Sprintf("excellent farm at %.1f CS/min", res.CSPerMin))
	}
	if res.Deaths == 0 {
		res.Highlights = append(res.Highlights, "deathless game")
	}
	res.Summary = fmt.Sprintf("%s %s on %s: %s, %.1f KDA over %.1f minutes",
		outcomeWord(p.Win), res.Mode, res.Champion, res.scoreline(), res.KDA, res.DurationMin)
	return res, nil
}

// aramStrategy leans on teamfight output; farm and vision barely exist in ARAM.
type aramStrategy struct{ algo string }

func (s *aramStrategy) Name() string { return "aram" }

func (s *aramStrategy) Score(m *riotapi.Match, tl *riotapi.Timeline, puuid string) (*ScoreResult, error) {
	p, totals, ok := findParticipant(m, puuid)
	if !ok {
		return nil, fmt.Errorf("participant %s not in match %s", puuid, m.Metadata.MatchID)
	}
	if m.Info.GameDuration <= 0 {
		return nil, fmt.Errorf("match %s has no duration", m.Metadata.MatchID)
	}
	res := base(s.algo, ModeARAM, m, p, totals)
	killParticipation := 0.0
	if totals.kills > 0 {
		killParticipation = float64(p.Kills+p.Assists) / float64(totals.kills)
	}
	res.Rating = clamp(
		res.KDA*10+
			res.DamageShare*100*1.1+
			killParticipation*100*0.35+
			winBonus(p.Win),
		0, 100)
	if killParticipation >= 0.7 {
		res.Highlights = append(res.Highlights, fmt.Sprintf("in on %.0f%% of the team's kills", killParticipation*100))
	}
	if res.DamageShare >= 0.28 {
		res.Highlights = append(res.Highlights, fmt.Sprintf("top damage threat with %.0f%% share", res.DamageShare*100))
	}
	res.Summary = fmt.Sprintf("%s ARAM on %s: %s, %.1f KDA over %.1f minutes",
		outcomeWord(p.Win), res.Champion, res.scoreline(), res.KDA, res.DurationMin)
	return res, nil
}

// arenaStrategy scores 2v2v2v2 rounds; only combat stats are meaningful.
type arenaStrategy struct{ algo string }

func (s *arenaStrategy) Name() string { return "arena" }

func (s *arenaStrategy) Score(m *riotapi.Match, tl *riotapi.Timeline, puuid string) (*ScoreResult, error) {
	p, totals, ok := findParticipant(m, puuid)
	if !ok {
		return nil, fmt.Errorf("participant %s not in match %s", puuid, m.Metadata.MatchID)
	}
	res := base(s.algo, ModeArena, m, p, totals)
	res.Rating = clamp(res.KDA*14+res.DamageShare*100*1.2+winBonus(p.Win), 0, 100)
	if res.DamageShare >= 0.55 {
		res.Highlights = append(res.Highlights, "dealt the lion's share of the duo's damage")
	}
	res.Summary = fmt.Sprintf("%s arena on %s: %s over %.1f minutes",
		outcomeWord(p.Win), res.Champion, res.scoreline(), res.DurationMin)
	return res, nil
}

// fallbackStrategy is the mode-agnostic scorer. It uses only the generically
// available fields (kills/deaths/assists/damage/gold) and never fails: missing
// participants, zero durations and unrecognized modes all yield a minimal but
// valid score.
type fallbackStrategy struct{ algo string }

func (s *fallbackStrategy) Name() string { return "fallback" }

func (s *fallbackStrategy) Score(m *riotapi.Match, tl *riotapi.Timeline, puuid string) (*ScoreResult, error) {
	if m == nil {
		return &ScoreResult{AlgoVersion: s.algo, Mode: ModeUnknown.String(), Summary: "no match data"}, nil
	}
	p, totals, ok := findParticipant(m, puuid)
	if !ok {
		return s.minimal(m, puuid), nil
	}
	res := base(s.algo, ModeUnknown, m, p, totals)
	res.Rating = clamp(res.KDA*15+res.DamageShare*100+winBonus(p.Win), 0, 100)
	res.Summary = fmt.Sprintf("%s game on %s: %s, %.1f KDA",
		outcomeWord(p.Win), res.Champion, res.scoreline(), res.KDA)
	return res, nil
}

// minimal is the always-valid floor used when even the participant lookup fails.
func (s *fallbackStrategy) minimal(m *riotapi.Match, puuid string) *ScoreResult {
	res := &ScoreResult{AlgoVersion: s.algo, Mode: ModeUnknown.String()}
	if m != nil {
		res.DurationMin = durationMin(m)
	}
	res.KDA = kda(0, 0, 0)
	res.Summary = "match recorded, detailed stats unavailable"
	return res
}

func winBonus(win bool) float64 {
	if win {
		return 10
	}
	return 0
}

func outcomeWord(win bool) string {
	if win {
		return "won"
	}
	return "lost"
}
