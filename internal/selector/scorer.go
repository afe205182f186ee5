package selector

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bidflow/internal/model"
)

// Weights are the scoring dimension weights. They must sum to 1.0; config
// validation enforces this before a Selector is built.
type Weights struct {
	SpecMatch float64 `mapstructure:"spec_match"`
	Margin    float64 `mapstructure:"margin"`
	Capacity  float64 `mapstructure:"capacity"`
	Priority  float64 `mapstructure:"priority"`
}

// DefaultWeights returns the standard dimension weights.
func DefaultWeights() Weights {
	return Weights{SpecMatch: 0.40, Margin: 0.30, Capacity: 0.20, Priority: 0.10}
}

// Selector ranks a batch's candidate sessions deterministically.
type Selector struct {
	weights       Weights
	priorities    map[string]float64
	lowConfidence float64
}

// New creates a Selector. priorities maps lowercased counterparty names to
// a 0-100 priority score and must contain a "default" entry.
func New(weights Weights, priorities map[string]float64, lowConfidenceThreshold float64) *Selector {
	return &Selector{
		weights:       weights,
		priorities:    priorities,
		lowConfidence: lowConfidenceThreshold,
	}
}

// Result is the outcome of ranking one batch.
type Result struct {
	Scores            []model.Score
	SelectedSessionID string
	Reasoning         string
}

// candidate pairs a session with its decoded stage outputs.
type candidate struct {
	session   *model.Session
	extracted model.ExtractionResult
	matched   model.MatchResult
	score     model.Score
}

// Rank scores every candidate session on the four dimensions, orders them
// with the deterministic tie-break chain, and picks the top session. The
// same inputs always produce the same order.
func (s *Selector) Rank(batchID string, sessions []*model.Session) (*Result, error) {
	if len(sessions) == 0 {
		return nil, eris.New("selector: no candidate sessions")
	}

	cands := make([]*candidate, 0, len(sessions))
	for _, sess := range sessions {
		c := &candidate{session: sess}
		if ok, err := decode(sess, model.StageExtraction, &c.extracted); err != nil {
			return nil, eris.Wrapf(err, "selector: decode extraction for %s", sess.ID)
		} else if !ok {
			return nil, eris.Errorf("selector: session %s missing extraction output", sess.ID)
		}
		if ok, err := decode(sess, model.StageMatching, &c.matched); err != nil {
			return nil, eris.Wrapf(err, "selector: decode match for %s", sess.ID)
		} else if !ok {
			return nil, eris.Errorf("selector: session %s missing match output", sess.ID)
		}

		now := time.Now().UTC()
		c.score = model.Score{
			SessionID: sess.ID,
			BatchID:   batchID,
			SpecMatch: specMatchScore(c.matched),
			Margin:    marginScore(c.matched),
			Capacity:  capacityScore(c.matched, c.extracted),
			Priority:  s.priorityScore(c.extracted.Counterparty),
			CreatedAt: now,
		}
		c.score.Total = round2(s.weights.SpecMatch*c.score.SpecMatch +
			s.weights.Margin*c.score.Margin +
			s.weights.Capacity*c.score.Capacity +
			s.weights.Priority*c.score.Priority)
		cands = append(cands, c)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score.Total != b.score.Total {
			return a.score.Total > b.score.Total
		}
		if a.score.Priority != b.score.Priority {
			return a.score.Priority > b.score.Priority
		}
		if a.session.SubmitOrder != b.session.SubmitOrder {
			return a.session.SubmitOrder < b.session.SubmitOrder
		}
		return a.extracted.RequestedQuantity < b.extracted.RequestedQuantity
	})

	scores := make([]model.Score, len(cands))
	for i, c := range cands {
		c.score.Rank = i + 1
		scores[i] = c.score
	}

	return &Result{
		Scores:            scores,
		SelectedSessionID: cands[0].session.ID,
		Reasoning:         s.reasoning(cands),
	}, nil
}

// specMatchScore averages the per-line catalog match percentages.
func specMatchScore(m model.MatchResult) float64 {
	if len(m.Matches) == 0 {
		return 0
	}
	var sum float64
	for _, lm := range m.Matches {
		sum += lm.MatchPercent
	}
	return clamp01(sum / float64(len(m.Matches)))
}

// marginScore converts the assumed cost ratio into a 0-100 margin score.
func marginScore(m model.MatchResult) float64 {
	return clamp01((1 - m.AssumedCostRatio) * 100)
}

// capacityScore measures how much of the requested quantity available
// capacity covers, capped at 100. Zero requested quantity counts as fully
// covered.
func capacityScore(m model.MatchResult, e model.ExtractionResult) float64 {
	if e.RequestedQuantity <= 0 {
		return 100
	}
	return clamp01(m.AvailableCapacity / e.RequestedQuantity * 100)
}

func (s *Selector) priorityScore(counterparty string) float64 {
	key := strings.ToLower(strings.TrimSpace(counterparty))
	if v, ok := s.priorities[key]; ok {
		return clamp01(v)
	}
	return clamp01(s.priorities["default"])
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func decode(sess *model.Session, st model.Stage, v any) (bool, error) {
	raw := sess.Output(st)
	if len(raw) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}
