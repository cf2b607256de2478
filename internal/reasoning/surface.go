package reasoning

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"redcortex/internal/profile"
)

// surfaceRule maps an artifact pattern to a candidate technique class.
// Rules describe WHAT surface looks exploitable, never HOW to exploit it.
type surfaceRule struct {
	technique Technique
	class     string // artifact class driving this rule, keys methodology weights
	match     func(p *profile.TechnicalProfile, host string) (evidence []string, detail string, ok bool)
}

// methodologyWeights selects which artifact classes matter per methodology.
// A rule whose class weight is below the cut is skipped entirely.
var methodologyWeights = map[Methodology]map[string]float64{
	MethodologyBugBounty: {
		"endpoint": 1.0, "fingerprint": 0.9, "diff": 1.0, "service": 0.3,
	},
	MethodologyOWASP: {
		"endpoint": 1.0, "fingerprint": 1.0, "diff": 0.3, "service": 0.5,
	},
	MethodologyRedTeam: {
		"endpoint": 0.6, "fingerprint": 0.8, "diff": 0.5, "service": 1.0,
	},
	MethodologyPentest: {
		"endpoint": 0.8, "fingerprint": 1.0, "diff": 0.3, "service": 1.0,
	},
}

const ruleWeightCut = 0.35

var adminPathMarkers = []string{"/admin", "/wp-admin", "/manager", "/console", "/phpmyadmin", "/actuator"}

var riskyServicePorts = map[int]string{
	21:    "ftp",
	23:    "telnet",
	445:   "smb",
	3389:  "rdp",
	5900:  "vnc",
	6379:  "redis",
	9200:  "elasticsearch",
	27017: "mongodb",
}

// surfaceRules is the fixed template-and-correlate rule table.
var surfaceRules = []surfaceRule{
	{
		technique: TechniqueOutdatedVersion,
		class:     "fingerprint",
		match: func(p *profile.TechnicalProfile, host string) ([]string, string, bool) {
			for _, t := range p.TechnologiesOn(host) {
				if t.Version != "" && t.Confidence >= 0.5 {
					return t.EvidenceRefs, fmt.Sprintf("%s %s fingerprinted with version pinned", t.Name, t.Version), true
				}
			}
			return nil, "", false
		},
	},
	{
		technique: TechniqueExposedAdmin,
		class:     "endpoint",
		match: func(p *profile.TechnicalProfile, host string) ([]string, string, bool) {
			for _, ep := range p.EndpointsOn(host) {
				lower := strings.ToLower(ep.Path)
				for _, marker := range adminPathMarkers {
					if strings.HasPrefix(lower, marker) {
						return ep.EvidenceRefs, fmt.Sprintf("administrative surface at %s", ep.Path), true
					}
				}
			}
			return nil, "", false
		},
	},
	{
		// Correlation rule: versioned framework + admin surface on the same
		// host upgrades to an authentication-bypass candidate.
		technique: TechniqueAuthBypass,
		class:     "endpoint",
		match: func(p *profile.TechnicalProfile, host string) ([]string, string, bool) {
			techs := p.TechnologiesOn(host)
			var versioned *profile.Technology
			for i := range techs {
				if techs[i].Version != "" {
					versioned = &techs[i]
					break
				}
			}
			if versioned == nil {
				return nil, "", false
			}
			for _, ep := range p.EndpointsOn(host) {
				lower := strings.ToLower(ep.Path)
				for _, marker := range adminPathMarkers {
					if strings.HasPrefix(lower, marker) {
						evidence := append(append([]string{}, versioned.EvidenceRefs...), ep.EvidenceRefs...)
						return evidence, fmt.Sprintf("versioned %s plus admin surface %s", versioned.Name, ep.Path), true
					}
				}
			}
			return nil, "", false
		},
	},
	{
		technique: TechniqueExposedService,
		class:     "service",
		match: func(p *profile.TechnicalProfile, host string) ([]string, string, bool) {
			for _, svc := range p.ServicesOn(host) {
				if name, risky := riskyServicePorts[svc.Port]; risky {
					return svc.EvidenceRefs, fmt.Sprintf("%s exposed on port %d", name, svc.Port), true
				}
			}
			return nil, "", false
		},
	},
	{
		technique: TechniqueDefaultCreds,
		class:     "service",
		match: func(p *profile.TechnicalProfile, host string) ([]string, string, bool) {
			for _, svc := range p.ServicesOn(host) {
				if name, risky := riskyServicePorts[svc.Port]; risky && (name == "redis" || name == "mongodb" || name == "elasticsearch") {
					return svc.EvidenceRefs, fmt.Sprintf("datastore %s commonly deployed unauthenticated", name), true
				}
			}
			return nil, "", false
		},
	},
	{
		technique: TechniqueInfoDisclosure,
		class:     "endpoint",
		match: func(p *profile.TechnicalProfile, host string) ([]string, string, bool) {
			for _, ep := range p.EndpointsOn(host) {
				lower := strings.ToLower(ep.Path)
				if strings.Contains(lower, ".git") || strings.Contains(lower, ".env") ||
					strings.Contains(lower, "backup") || strings.HasSuffix(lower, ".sql") {
					return ep.EvidenceRefs, fmt.Sprintf("sensitive artifact path %s", ep.Path), true
				}
			}
			return nil, "", false
		},
	},
	{
		technique: TechniqueFreshSurface,
		class:     "diff",
		match: func(p *profile.TechnicalProfile, host string) ([]string, string, bool) {
			for _, svc := range p.ServicesOn(host) {
				if svc.NewSinceLastScan {
					return svc.EvidenceRefs, fmt.Sprintf("port %d appeared since the previous scan", svc.Port), true
				}
			}
			return nil, "", false
		},
	},
}

// SurfaceReasoner derives attack-surface hypotheses from a technical profile.
type SurfaceReasoner struct{}

// NewSurfaceReasoner creates a SurfaceReasoner.
func NewSurfaceReasoner() *SurfaceReasoner {
	return &SurfaceReasoner{}
}

// Derive produces the ordered hypothesis sequence for a profile under the
// given methodology. Candidates are generated per (host, rule), then
// deduplicated by (target, technique). Every returned hypothesis carries at
// least one evidence reference.
func (s *SurfaceReasoner) Derive(p *profile.TechnicalProfile, m Methodology) ([]AttackHypothesis, error) {
	if !ValidMethodology(m) {
		return nil, fmt.Errorf("unknown methodology %q", m)
	}

	weights := methodologyWeights[m]
	seen := make(map[string]bool)
	var out []AttackHypothesis

	for _, host := range p.Hosts {
		for _, rule := range surfaceRules {
			if weights[rule.class] < ruleWeightCut {
				continue
			}
			evidence, detail, ok := rule.match(p, host)
			if !ok || len(evidence) == 0 {
				// No cited evidence means no hypothesis, by construction.
				continue
			}
			dedupeKey := host + string(rule.technique)
			if seen[dedupeKey] {
				continue
			}
			seen[dedupeKey] = true

			out = append(out, AttackHypothesis{
				ID:                 uuid.NewString(),
				Seq:                len(out),
				Description:        fmt.Sprintf("%s candidate on %s: %s", techniqueLabel(rule.technique), host, detail),
				TargetRef:          host,
				Technique:          rule.technique,
				SupportingEvidence: dedupeStrings(evidence),
				GeneratedBy:        "surface_reasoner",
			})
		}
	}
	return out, nil
}

func techniqueLabel(t Technique) string {
	return strings.ReplaceAll(strings.TrimPrefix(string(t), "/"), "_", " ")
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
