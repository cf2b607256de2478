package reasoning

import (
	"fmt"
	"time"
)

// Synthesize renders the ranked result set for downstream consumers. Pure
// function of its inputs: no side effects, no external calls.
func Synthesize(projectID string, m Methodology, ranked []RiskScore, hyps []AttackHypothesis, excluded int, generatedAt time.Time) *Report {
	byID := make(map[string]AttackHypothesis, len(hyps))
	for _, h := range hyps {
		byID[h.ID] = h
	}

	entries := make([]ReportEntry, 0, len(ranked))
	for i, s := range ranked {
		h, ok := byID[s.HypothesisID]
		if !ok {
			continue
		}
		sev := SeverityFor(s.Composite)
		entries = append(entries, ReportEntry{
			Rank:                    i + 1,
			HypothesisID:            h.ID,
			Description:             h.Description,
			TargetRef:               h.TargetRef,
			Technique:               h.Technique,
			Severity:                sev,
			Composite:               s.Composite,
			Feasibility:             s.Feasibility(),
			WhyItMatters:            whyItMatters(h, s, sev),
			FalsePositiveConfidence: falsePositiveConfidence(h, s),
			Evidence:                h.SupportingEvidence,
		})
	}

	return &Report{
		ProjectID:          projectID,
		Methodology:        m,
		GeneratedAt:        generatedAt,
		Entries:            entries,
		ExcludedHypotheses: excluded,
	}
}

// whyItMatters builds the per-hypothesis stakeholder narrative.
func whyItMatters(h AttackHypothesis, s RiskScore, sev Severity) string {
	return fmt.Sprintf(
		"%s exposure on %s: a %s-class weakness with impact %.0f%% and likelihood %.0f%% would give an attacker a foothold ranked %s for this engagement.",
		techniqueLabel(h.Technique), h.TargetRef, techniqueLabel(h.Technique),
		s.Impact*100, s.Likelihood*100, sev)
}

// falsePositiveConfidence estimates how likely the finding is real, from
// evidence breadth and feasibility. Higher is more trustworthy.
func falsePositiveConfidence(h AttackHypothesis, s RiskScore) float64 {
	breadth := float64(len(h.SupportingEvidence)) / float64(signalSaturation)
	if breadth > 1 {
		breadth = 1
	}
	return round4(clamp(0.6*breadth+0.4*s.Feasibility(), 0.01, 0.99))
}
