package analysis

import (
	"fmt"
	"strings"
)

// Hallucination signatures: phrases a generator emits when it has lost the
// plot of the actual score data (claiming missing data that is present, or a
// zero duration for a real game). Substring matching is a heuristic, not a
// correctness guarantee; the list is swappable via Options.Validate.
var DefaultSignatures = []string{
	"duration is zero",
	"duration of 0",
	"invalid duration",
	"no match data",
	"no data available",
	"unable to analyze this match",
	"as an ai language model",
}

// NarrativeValidator decides whether generated text plausibly describes the
// score. A non-nil error rejects the narrative and triggers the template path.
type NarrativeValidator func(score *ScoreResult, text string) error

// DefaultValidator returns a validator flagging the given signatures whenever
// they contradict the populated score (a valid nonzero duration, populated
// stats), plus empty output.
func DefaultValidator(signatures []string) NarrativeValidator {
	return func(score *ScoreResult, text string) error {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return fmt.Errorf("empty narrative")
		}
		lower := strings.ToLower(trimmed)
		for _, sig := range signatures {
			if !strings.Contains(lower, sig) {
				continue
			}
			// The signature alone is suspicious; contradicting real data is disqualifying.
			if score != nil && (score.DurationMin > 0 || score.Kills+score.Deaths+score.Assists > 0) {
				return fmt.Errorf("hallucination signature %q against populated score", sig)
			}
			return fmt.Errorf("hallucination signature %q", sig)
		}
		return nil
	}
}

// TemplateNarrative builds the deterministic substitute narrative from the
// score structure. This path never fails and contains no signature phrases.
func TemplateNarrative(score *ScoreResult) string {
	if score == nil {
		return "The match was recorded and its analysis is stored."
	}
	var b strings.Builder
	if score.Champion != "" {
		fmt.Fprintf(&b, "You %s a %.1f-minute game on %s, finishing %s (%.1f KDA).",
			outcomeWord(score.Win), score.DurationMin, score.Champion, score.scoreline(), score.KDA)
	} else {
		fmt.Fprintf(&b, "You %s a %.1f-minute game, finishing %s (%.1f KDA).",
			outcomeWord(score.Win), score.DurationMin, score.scoreline(), score.KDA)
	}
	if score.DamageShare > 0 {
		fmt.Fprintf(&b, " You dealt %.0f%% of your team's champion damage.", score.DamageShare*100)
	}
	for _, h := range score.Highlights {
		fmt.Fprintf(&b, " Highlight: %s.", h)
	}
	fmt.Fprintf(&b, " Overall performance score: %.0f/100.", score.Rating)
	return b.String()
}
