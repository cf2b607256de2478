package reasoning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"redcortex/internal/profile"
)

// Feasibility score bounds. A score is never exactly 0 or 1: residual
// uncertainty is always reported.
const (
	feasibilityFloor   = 0.05
	feasibilityCeiling = 0.99
)

// Scoring weights: signal strength, environmental certainty, historical
// precedent.
const (
	weightSignal    = 0.5
	weightCertainty = 0.3
	weightPrecedent = 0.2
)

// signalSaturation is the independent-evidence count at which signal strength
// tops out.
const signalSaturation = 4

// FeasibilityAssessor scores hypotheses for real-world exploitability without
// producing exploit content.
type FeasibilityAssessor struct {
	// Workers bounds concurrent scoring. Hypotheses are independent, so they
	// are assessed in parallel.
	Workers int
}

// NewFeasibilityAssessor creates an assessor with the given parallelism.
func NewFeasibilityAssessor(workers int) *FeasibilityAssessor {
	if workers <= 0 {
		workers = 4
	}
	return &FeasibilityAssessor{Workers: workers}
}

// Assess scores each hypothesis against the profile. A failure on one
// hypothesis excludes it and continues; the excluded count is returned so the
// caller can apply the run-level partial-failure policy.
func (f *FeasibilityAssessor) Assess(ctx context.Context, hyps []AttackHypothesis, p *profile.TechnicalProfile) ([]FeasibilityAssessment, int, error) {
	results := make([]*FeasibilityAssessment, len(hyps))
	var excludedMu sync.Mutex
	excluded := 0

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.Workers)

	for i := range hyps {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			a, err := f.assessOne(hyps[i], p)
			if err != nil {
				// Individual-hypothesis failure is recoverable: exclude it.
				excludedMu.Lock()
				excluded++
				excludedMu.Unlock()
				return nil
			}
			results[i] = &a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	out := make([]FeasibilityAssessment, 0, len(hyps))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, excluded, nil
}

// assessOne scores a single hypothesis. Fails closed: with no signal data the
// score defaults to the explicit floor rather than being omitted.
func (f *FeasibilityAssessor) assessOne(h AttackHypothesis, p *profile.TechnicalProfile) (FeasibilityAssessment, error) {
	if len(h.SupportingEvidence) == 0 {
		return FeasibilityAssessment{}, fmt.Errorf("hypothesis %s has no supporting evidence", h.ID)
	}

	var uncertainty []string

	// Signal strength: how many independent artifacts support the hypothesis.
	signal := float64(len(h.SupportingEvidence)) / float64(signalSaturation)
	if signal > 1 {
		signal = 1
	}
	if len(h.SupportingEvidence) == 1 {
		uncertainty = append(uncertainty, "single_source_signal")
	}

	// Environmental certainty: confidence in the fingerprints referenced by
	// this hypothesis' evidence.
	certainty := f.environmentalCertainty(h, p)
	if certainty == 0 {
		certainty = feasibilityFloor
		uncertainty = append(uncertainty, "no_fingerprint_confidence")
	} else if certainty < 0.5 {
		uncertainty = append(uncertainty, "weak_fingerprint")
	}

	// Historical precedent: was this technique class previously validated on
	// this project.
	precedent := 0.0
	for _, t := range p.History.ValidatedTechniques {
		if Technique(t) == h.Technique {
			precedent = 1.0
			break
		}
	}
	if precedent == 0 {
		uncertainty = append(uncertainty, "no_prior_validation")
	}

	if p.WAFDetected {
		uncertainty = append(uncertainty, "waf_present")
	}

	score := weightSignal*signal + weightCertainty*certainty + weightPrecedent*precedent
	score = clamp(score, feasibilityFloor, feasibilityCeiling)

	sort.Strings(uncertainty)
	return FeasibilityAssessment{
		HypothesisID: h.ID,
		Score:        score,
		Rationale: fmt.Sprintf("signal=%.2f certainty=%.2f precedent=%.0f (%d artifacts, technique %s)",
			signal, certainty, precedent, len(h.SupportingEvidence), strings.TrimPrefix(string(h.Technique), "/")),
		UncertaintyFactors: uncertainty,
	}, nil
}

// environmentalCertainty averages fingerprint confidence over the artifacts
// this hypothesis cites. Returns 0 when no cited artifact is a fingerprint.
func (f *FeasibilityAssessor) environmentalCertainty(h AttackHypothesis, p *profile.TechnicalProfile) float64 {
	cited := make(map[string]bool, len(h.SupportingEvidence))
	for _, ref := range h.SupportingEvidence {
		cited[ref] = true
	}

	sum, n := 0.0, 0
	for _, t := range p.Technologies {
		for _, ref := range t.EvidenceRefs {
			if cited[ref] {
				sum += t.Confidence
				n++
				break
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
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
