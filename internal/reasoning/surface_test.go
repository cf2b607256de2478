package reasoning

import (
	"testing"

	"redcortex/internal/profile"
)

func webProfile() *profile.TechnicalProfile {
	return &profile.TechnicalProfile{
		ProjectID: "proj-1",
		Hosts:     []string{"web.example.com"},
		Services: []profile.Service{
			{Host: "web.example.com", Port: 443, Protocol: "tcp", EvidenceRefs: []string{"p443"}},
			{Host: "web.example.com", Port: 6379, Protocol: "tcp", EvidenceRefs: []string{"p6379"}},
		},
		Endpoints: []profile.Endpoint{
			{Host: "web.example.com", Path: "/wp-admin/", EvidenceRefs: []string{"e1"}},
		},
		Technologies: []profile.Technology{
			{Host: "web.example.com", Name: "WordPress", Version: "5.8.1", Confidence: 0.9, EvidenceRefs: []string{"f1", "f2"}},
		},
	}
}

func TestDeriveEveryHypothesisHasEvidence(t *testing.T) {
	r := NewSurfaceReasoner()
	for _, m := range []Methodology{MethodologyBugBounty, MethodologyOWASP, MethodologyRedTeam, MethodologyPentest} {
		hyps, err := r.Derive(webProfile(), m)
		if err != nil {
			t.Fatalf("Derive(%s) failed: %v", m, err)
		}
		for _, h := range hyps {
			if len(h.SupportingEvidence) == 0 {
				t.Errorf("%s: hypothesis %s has no supporting evidence", m, h.ID)
			}
			if h.TargetRef == "" || h.Technique == "" {
				t.Errorf("%s: hypothesis missing target or technique: %+v", m, h)
			}
		}
	}
}

func TestDeriveCorrelatesAuthBypass(t *testing.T) {
	r := NewSurfaceReasoner()
	hyps, err := r.Derive(webProfile(), MethodologyOWASP)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}

	var found *AttackHypothesis
	for i := range hyps {
		if hyps[i].Technique == TechniqueAuthBypass {
			found = &hyps[i]
		}
	}
	if found == nil {
		t.Fatal("versioned framework + admin endpoint should yield an auth bypass candidate")
	}
	// Correlation evidence cites both the fingerprint and the endpoint.
	if len(found.SupportingEvidence) < 2 {
		t.Errorf("auth bypass candidate should cite both signals, got %v", found.SupportingEvidence)
	}
}

func TestDeriveDeduplicatesByTargetAndTechnique(t *testing.T) {
	p := webProfile()
	p.Endpoints = append(p.Endpoints, profile.Endpoint{
		Host: "web.example.com", Path: "/admin/login", EvidenceRefs: []string{"e2"},
	})

	r := NewSurfaceReasoner()
	hyps, err := r.Derive(p, MethodologyOWASP)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}

	count := 0
	for _, h := range hyps {
		if h.Technique == TechniqueExposedAdmin {
			count++
		}
	}
	if count != 1 {
		t.Errorf("two admin endpoints on one host should collapse to one hypothesis, got %d", count)
	}
}

func TestDeriveMethodologyGatesServiceRules(t *testing.T) {
	r := NewSurfaceReasoner()

	// Bug bounty weights service artifacts below the cut, red team above it.
	bb, err := r.Derive(webProfile(), MethodologyBugBounty)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	rt, err := r.Derive(webProfile(), MethodologyRedTeam)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}

	hasService := func(hyps []AttackHypothesis) bool {
		for _, h := range hyps {
			if h.Technique == TechniqueExposedService {
				return true
			}
		}
		return false
	}
	if hasService(bb) {
		t.Error("bug bounty methodology should skip exposed-service rules")
	}
	if !hasService(rt) {
		t.Error("red team methodology should include exposed-service rules")
	}
}

func TestDeriveRejectsUnknownMethodology(t *testing.T) {
	r := NewSurfaceReasoner()
	if _, err := r.Derive(webProfile(), Methodology("/voodoo")); err == nil {
		t.Fatal("unknown methodology should be rejected")
	}
}

func TestDeriveSeqMatchesCreationOrder(t *testing.T) {
	r := NewSurfaceReasoner()
	hyps, err := r.Derive(webProfile(), MethodologyPentest)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	for i, h := range hyps {
		if h.Seq != i {
			t.Errorf("hypothesis %d has seq %d", i, h.Seq)
		}
	}
}
