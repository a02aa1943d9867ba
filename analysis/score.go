package analysis

import "fmt"

// ScoreResult is the structured, narrative-ready output of a scoring strategy.
// Every field is populated by every strategy; the fallback strategy fills the
// generically-available fields and zeroes the rest, but never produces a
// partial or invalid structure.
type ScoreResult struct {
	AlgoVersion string  `json:"algo_version"`
	Mode        string  `json:"mode"`
	Champion    string  `json:"champion,omitempty"`
	Role        string  `json:"role,omitempty"`
	Win         bool    `json:"win"`
	DurationMin float64 `json:"duration_min"`

	Kills   int     `json:"kills"`
	Deaths  int     `json:"deaths"`
	Assists int     `json:"assists"`
	KDA     float64 `json:"kda"`

	DamageShare  float64 `json:"damage_share"` // fraction of own team's champion damage
	GoldPerMin   float64 `json:"gold_per_min"`
	CSPerMin     float64 `json:"cs_per_min"`
	VisionPerMin float64 `json:"vision_per_min"`

	// Rating is the headline 0-100 performance score.
	Rating float64 `json:"rating"`

	// Highlights are short, team/role-relative statements feeding the narrative.
	Highlights []string `json:"highlights,omitempty"`

	// Summary is a one-line, deterministic description of the performance.
	Summary string `json:"summary"`
}

// kda computes (kills+assists)/deaths with the deathless convention of
// treating zero deaths as one.
func kda(kills, deaths, assists int) float64 {
	d := deaths
	if d == 0 {
		d = 1
	}
	return float64(kills+assists) / float64(d)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *ScoreResult) scoreline() string {
	return fmt.Sprintf("%d/%d/%d", s.Kills, s.Deaths, s.Assists)
}
