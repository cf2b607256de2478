// Package reasoning implements the inference stages of the analysis pipeline:
// attack-surface hypothesis generation, feasibility assessment, risk scoring,
// and report synthesis. Every stage is a pure transformation over immutable
// inputs; cross-stage state travels explicitly through these types.
package reasoning

import "time"

// Methodology selects which artifact classes matter and how rules are weighted.
type Methodology string

const (
	MethodologyBugBounty Methodology = "/bug_bounty"
	MethodologyOWASP     Methodology = "/owasp"
	MethodologyRedTeam   Methodology = "/red_team"
	MethodologyPentest   Methodology = "/pentest"
)

// ValidMethodology reports whether m is a known methodology.
func ValidMethodology(m Methodology) bool {
	switch m {
	case MethodologyBugBounty, MethodologyOWASP, MethodologyRedTeam, MethodologyPentest:
		return true
	}
	return false
}

// Technique is an attack technique class. Hypotheses name a technique class and
// a target, never a specific exploit or payload.
type Technique string

const (
	TechniqueAuthBypass      Technique = "/auth_bypass"
	TechniqueSQLi            Technique = "/sqli"
	TechniqueOutdatedVersion Technique = "/outdated_component"
	TechniqueExposedAdmin    Technique = "/exposed_admin"
	TechniqueExposedService  Technique = "/exposed_service"
	TechniqueDefaultCreds    Technique = "/default_credentials"
	TechniqueInfoDisclosure  Technique = "/info_disclosure"
	TechniqueFreshSurface    Technique = "/fresh_surface"
)

// AttackHypothesis is a candidate attack technique class tied to a target and
// backed by evidence. Never mutated after creation; later stages annotate it
// via separately attached scores keyed by ID.
type AttackHypothesis struct {
	ID                 string    `json:"id"`
	Seq                int       `json:"seq"` // creation order, used as the final ranking tie-break
	Description        string    `json:"description"`
	TargetRef          string    `json:"target_ref"`
	Technique          Technique `json:"technique"`
	SupportingEvidence []string  `json:"supporting_evidence"`
	GeneratedBy        string    `json:"generated_by"`
}

// FeasibilityAssessment scores one hypothesis for real-world exploitability.
// Score is always inside (0,1): residual uncertainty is always reported.
type FeasibilityAssessment struct {
	HypothesisID       string   `json:"hypothesis_id"`
	Score              float64  `json:"score"`
	Rationale          string   `json:"rationale"`
	UncertaintyFactors []string `json:"uncertainty_factors,omitempty"`
}

// AssetImpact is business-impact metadata for a target, supplied by the
// surrounding platform.
type AssetImpact struct {
	TargetRef   string  `json:"target_ref"`
	Criticality float64 `json:"criticality"` // 0..1
	Exposure    float64 `json:"exposure"`    // 0..1, how reachable the asset is
}

// RiskScore combines exploitability, impact, and likelihood into a
// deterministic composite. Identical inputs always yield the identical
// composite, so ranking is reproducible.
type RiskScore struct {
	HypothesisID   string  `json:"hypothesis_id"`
	Exploitability float64 `json:"exploitability"`
	Impact         float64 `json:"impact"`
	Likelihood     float64 `json:"likelihood"`
	Composite      float64 `json:"composite"`

	feasibility float64 // retained for tie-breaking, not serialized
	seq         int
}

// Severity buckets a composite score for stakeholders.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// SeverityFor maps a composite score to a severity band.
func SeverityFor(composite float64) Severity {
	switch {
	case composite >= 0.75:
		return SeverityCritical
	case composite >= 0.5:
		return SeverityHigh
	case composite >= 0.3:
		return SeverityMedium
	case composite >= 0.15:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// ReportEntry is one ranked, evidence-linked hypothesis in the final report.
type ReportEntry struct {
	Rank                    int      `json:"rank"`
	HypothesisID            string   `json:"hypothesis_id"`
	Description             string   `json:"description"`
	TargetRef               string   `json:"target_ref"`
	Technique               Technique `json:"technique"`
	Severity                Severity `json:"severity"`
	Composite               float64  `json:"composite"`
	Feasibility             float64  `json:"feasibility"`
	WhyItMatters            string   `json:"why_it_matters"`
	FalsePositiveConfidence float64  `json:"false_positive_confidence"`
	Evidence                []string `json:"evidence"`
}

// Report is the stakeholder-facing result set for one analysis run.
type Report struct {
	ProjectID   string        `json:"project_id"`
	Methodology Methodology   `json:"methodology"`
	GeneratedAt time.Time     `json:"generated_at"`
	Entries     []ReportEntry `json:"entries"`

	// ExcludedHypotheses counts hypotheses dropped by the partial-failure
	// policy during assessment.
	ExcludedHypotheses int `json:"excluded_hypotheses,omitempty"`
}
