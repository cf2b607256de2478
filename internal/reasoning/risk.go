package reasoning

import (
	"fmt"
	"math"
	"sort"
)

// Composite exponents. The composite is a weighted product: monotonic in every
// input and fully deterministic, so identical inputs always rank identically.
const (
	expExploitability = 0.40
	expImpact         = 0.35
	expLikelihood     = 0.25
)

// wafExploitabilityPenalty discounts exploitability when a WAF fronts the
// target.
const wafExploitabilityPenalty = 0.8

// RiskScorer combines feasibility with business-impact metadata into ranked
// severity.
type RiskScorer struct{}

// NewRiskScorer creates a RiskScorer.
func NewRiskScorer() *RiskScorer {
	return &RiskScorer{}
}

// Score produces one RiskScore per assessment. Impact metadata is keyed by
// target; targets without metadata get a neutral 0.5 criticality.
func (r *RiskScorer) Score(assessments []FeasibilityAssessment, hyps []AttackHypothesis, impacts map[string]AssetImpact, wafDetected bool) ([]RiskScore, error) {
	byID := make(map[string]AttackHypothesis, len(hyps))
	for _, h := range hyps {
		byID[h.ID] = h
	}

	out := make([]RiskScore, 0, len(assessments))
	for _, a := range assessments {
		h, ok := byID[a.HypothesisID]
		if !ok {
			return nil, fmt.Errorf("assessment references unknown hypothesis %s", a.HypothesisID)
		}

		impact := AssetImpact{Criticality: 0.5, Exposure: 0.5}
		if im, ok := impacts[h.TargetRef]; ok {
			impact = im
		}

		exploitability := a.Score
		if wafDetected {
			exploitability *= wafExploitabilityPenalty
		}
		likelihood := clamp(0.7*a.Score+0.3*impact.Exposure, 0.01, 0.99)

		out = append(out, RiskScore{
			HypothesisID:   h.ID,
			Exploitability: round4(exploitability),
			Impact:         round4(clamp(impact.Criticality, 0.01, 1)),
			Likelihood:     round4(likelihood),
			Composite:      round4(composite(exploitability, impact.Criticality, likelihood)),
			feasibility:    a.Score,
			seq:            h.Seq,
		})
	}
	return out, nil
}

// composite is the deterministic weighted product.
func composite(exploitability, impact, likelihood float64) float64 {
	e := clamp(exploitability, 0.01, 1)
	i := clamp(impact, 0.01, 1)
	l := clamp(likelihood, 0.01, 1)
	return math.Pow(e, expExploitability) * math.Pow(i, expImpact) * math.Pow(l, expLikelihood)
}

// Rank orders scores composite-descending, breaking ties by feasibility
// descending, then by hypothesis creation order. The ordering is total and
// reproducible for fixed inputs.
func (r *RiskScorer) Rank(scores []RiskScore) []RiskScore {
	ranked := make([]RiskScore, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Composite != ranked[j].Composite {
			return ranked[i].Composite > ranked[j].Composite
		}
		if ranked[i].feasibility != ranked[j].feasibility {
			return ranked[i].feasibility > ranked[j].feasibility
		}
		return ranked[i].seq < ranked[j].seq
	})
	return ranked
}

// Feasibility exposes the retained feasibility score for a ranked entry.
func (s RiskScore) Feasibility() float64 { return s.feasibility }

// CreationSeq exposes the hypothesis creation order for a ranked entry.
func (s RiskScore) CreationSeq() int { return s.seq }

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
