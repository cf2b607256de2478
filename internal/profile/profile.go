// Package profile turns raw reconnaissance artifacts into a normalized
// TechnicalProfile for one project. The profile is immutable once produced for
// a run; downstream stages consume it read-only.
package profile

import "time"

// ArtifactClass categorizes a raw recon record.
type ArtifactClass string

const (
	ClassHost        ArtifactClass = "/host"
	ClassPort        ArtifactClass = "/port"
	ClassEndpoint    ArtifactClass = "/endpoint"
	ClassFingerprint ArtifactClass = "/fingerprint"
	ClassScreenshot  ArtifactClass = "/screenshot"
	ClassDiff        ArtifactClass = "/diff"
)

// RawArtifact is one record as delivered by a scan engine. Overlapping records
// from multiple scanners are expected and deduplicated during normalization.
type RawArtifact struct {
	ID         string         `json:"id"`
	Class      ArtifactClass  `json:"class"`
	Host       string         `json:"host"`
	Port       int            `json:"port,omitempty"`
	Protocol   string         `json:"protocol,omitempty"`
	Path       string         `json:"path,omitempty"`
	Technology string         `json:"technology,omitempty"`
	Version    string         `json:"version,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Scanner    string         `json:"scanner,omitempty"`
	ObservedAt time.Time      `json:"observed_at,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Service is a deduplicated (host, port, protocol) observation.
type Service struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`

	// EvidenceRefs lists every raw artifact that reported this service.
	EvidenceRefs []string `json:"evidence_refs"`

	// NewSinceLastScan marks services carrying a diff marker against the
	// previous scan.
	NewSinceLastScan bool `json:"new_since_last_scan"`
}

// Endpoint is a deduplicated HTTP surface path on a host.
type Endpoint struct {
	Host         string   `json:"host"`
	Path         string   `json:"path"`
	EvidenceRefs []string `json:"evidence_refs"`
}

// Technology is a detected stack component with the strongest fingerprint
// confidence seen across scanners.
type Technology struct {
	Host         string   `json:"host"`
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	Confidence   float64  `json:"confidence"`
	EvidenceRefs []string `json:"evidence_refs"`
}

// History records technique classes previously validated on this project,
// consumed by feasibility scoring as precedent.
type History struct {
	ValidatedTechniques []string `json:"validated_techniques,omitempty"`
}

// TechnicalProfile is the normalized recon snapshot for one project.
type TechnicalProfile struct {
	ProjectID    string       `json:"project_id"`
	BuiltAt      time.Time    `json:"built_at"`
	Hosts        []string     `json:"hosts"`
	Services     []Service    `json:"services"`
	Endpoints    []Endpoint   `json:"endpoints"`
	Technologies []Technology `json:"technologies"`
	WAFDetected  bool         `json:"waf_detected"`
	History      History      `json:"history"`

	// ArtifactCount is the raw record count before deduplication.
	ArtifactCount int `json:"artifact_count"`
}

// TechnologiesOn returns the technologies detected on a host.
func (p *TechnicalProfile) TechnologiesOn(host string) []Technology {
	var out []Technology
	for _, t := range p.Technologies {
		if t.Host == host {
			out = append(out, t)
		}
	}
	return out
}

// EndpointsOn returns the endpoints observed on a host.
func (p *TechnicalProfile) EndpointsOn(host string) []Endpoint {
	var out []Endpoint
	for _, e := range p.Endpoints {
		if e.Host == host {
			out = append(out, e)
		}
	}
	return out
}

// ServicesOn returns the services observed on a host.
func (p *TechnicalProfile) ServicesOn(host string) []Service {
	var out []Service
	for _, s := range p.Services {
		if s.Host == host {
			out = append(out, s)
		}
	}
	return out
}
