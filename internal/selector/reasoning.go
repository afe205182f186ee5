package selector

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/bidflow/internal/model"
)

// reasoning renders a human-readable explanation of the ranking. cands must
// already be sorted; the winner is cands[0].
func (s *Selector) reasoning(cands []*candidate) string {
	p := message.NewPrinter(language.English)
	var sb strings.Builder

	if s.allBelowThreshold(cands) {
		p.Fprintf(&sb, "LOW CONFIDENCE: every candidate scored below %.0f on spec match; manual review recommended. ", s.lowConfidence)
	}

	winner := cands[0]
	p.Fprintf(&sb, "Selected %q (document %s) with total score %.2f of 100",
		winner.extracted.Counterparty, winner.session.Document.Name, winner.score.Total)
	p.Fprintf(&sb, " (spec match %.1f, margin %.1f, capacity %.1f, priority %.1f).",
		winner.score.SpecMatch, winner.score.Margin, winner.score.Capacity, winner.score.Priority)

	strong, sLabel := maxSubScore(winner.score)
	weak, wLabel := minSubScore(winner.score)
	p.Fprintf(&sb, " Strongest criterion: %s (%.1f); weakest: %s (%.1f).",
		sLabel, strong, wLabel, weak)

	if len(cands) > 1 {
		runnerUp := cands[1]
		p.Fprintf(&sb, " Closest alternative %q scored %.2f.",
			runnerUp.extracted.Counterparty, runnerUp.score.Total)
		if winner.score.Total == runnerUp.score.Total {
			p.Fprintf(&sb, " Tie broken by priority, then submission order, then requested quantity.")
		}
	}

	if winner.matched.EstimatedRevenue > 0 {
		p.Fprintf(&sb, " Estimated revenue %.0f.", winner.matched.EstimatedRevenue)
	}

	return sb.String()
}

func subScores(sc model.Score) []struct {
	label string
	value float64
} {
	return []struct {
		label string
		value float64
	}{
		{"spec match", sc.SpecMatch},
		{"margin", sc.Margin},
		{"capacity", sc.Capacity},
		{"priority", sc.Priority},
	}
}

// maxSubScore returns the winner's strongest sub-score. Ties resolve to the
// first criterion in weight order.
func maxSubScore(sc model.Score) (float64, string) {
	best := subScores(sc)[0]
	for _, s := range subScores(sc)[1:] {
		if s.value > best.value {
			best = s
		}
	}
	return best.value, best.label
}

func minSubScore(sc model.Score) (float64, string) {
	worst := subScores(sc)[0]
	for _, s := range subScores(sc)[1:] {
		if s.value < worst.value {
			worst = s
		}
	}
	return worst.value, worst.label
}

func (s *Selector) allBelowThreshold(cands []*candidate) bool {
	if s.lowConfidence <= 0 {
		return false
	}
	for _, c := range cands {
		if c.score.SpecMatch >= s.lowConfidence {
			return false
		}
	}
	return true
}
