package profile

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInsufficientData is returned when the artifact set is empty. Callers must
// not proceed to later pipeline stages on an empty profile.
var ErrInsufficientData = fmt.Errorf("insufficient recon data")

// Normalizer builds a TechnicalProfile from raw artifacts.
type Normalizer struct{}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// serviceKey is the stable identity for deduplicating service observations.
func serviceKey(host string, port int, proto string) string {
	return fmt.Sprintf("%s|%d|%s", strings.ToLower(host), port, strings.ToLower(proto))
}

// Build normalizes the artifact set for a project into one profile.
// Returns ErrInsufficientData when the set is empty.
func (n *Normalizer) Build(projectID string, artifacts []RawArtifact, history History) (*TechnicalProfile, error) {
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("%w: project %s has no artifacts", ErrInsufficientData, projectID)
	}

	services := make(map[string]*Service)
	endpoints := make(map[string]*Endpoint)
	techs := make(map[string]*Technology)
	hosts := make(map[string]bool)
	diffHosts := make(map[string]bool)
	wafDetected := false

	for _, a := range artifacts {
		host := strings.ToLower(strings.TrimSpace(a.Host))
		if host != "" {
			hosts[host] = true
		}

		switch a.Class {
		case ClassPort:
			proto := a.Protocol
			if proto == "" {
				proto = "tcp"
			}
			key := serviceKey(host, a.Port, proto)
			svc, ok := services[key]
			if !ok {
				svc = &Service{Host: host, Port: a.Port, Protocol: strings.ToLower(proto)}
				services[key] = svc
			}
			svc.EvidenceRefs = append(svc.EvidenceRefs, a.ID)

		case ClassEndpoint:
			key := host + "|" + a.Path
			ep, ok := endpoints[key]
			if !ok {
				ep = &Endpoint{Host: host, Path: a.Path}
				endpoints[key] = ep
			}
			ep.EvidenceRefs = append(ep.EvidenceRefs, a.ID)

		case ClassFingerprint:
			name := strings.TrimSpace(a.Technology)
			if name == "" {
				continue
			}
			if strings.EqualFold(name, "waf") || strings.Contains(strings.ToLower(name), "firewall") {
				wafDetected = true
			}
			key := host + "|" + strings.ToLower(name)
			t, ok := techs[key]
			if !ok {
				t = &Technology{Host: host, Name: name}
				techs[key] = t
			}
			// Keep the strongest fingerprint seen across scanners.
			if a.Confidence > t.Confidence {
				t.Confidence = a.Confidence
				if a.Version != "" {
					t.Version = a.Version
				}
			} else if t.Version == "" && a.Version != "" {
				t.Version = a.Version
			}
			t.EvidenceRefs = append(t.EvidenceRefs, a.ID)

		case ClassDiff:
			diffHosts[host] = true

		case ClassHost, ClassScreenshot:
			// Host presence and screenshot metadata carry no extra structure.
		}
	}

	p := &TechnicalProfile{
		ProjectID:     projectID,
		BuiltAt:       time.Now().UTC(),
		WAFDetected:   wafDetected,
		History:       history,
		ArtifactCount: len(artifacts),
	}

	for h := range hosts {
		p.Hosts = append(p.Hosts, h)
	}
	sort.Strings(p.Hosts)

	for _, svc := range services {
		svc.NewSinceLastScan = diffHosts[svc.Host]
		p.Services = append(p.Services, *svc)
	}
	sort.Slice(p.Services, func(i, j int) bool {
		if p.Services[i].Host != p.Services[j].Host {
			return p.Services[i].Host < p.Services[j].Host
		}
		return p.Services[i].Port < p.Services[j].Port
	})

	for _, ep := range endpoints {
		p.Endpoints = append(p.Endpoints, *ep)
	}
	sort.Slice(p.Endpoints, func(i, j int) bool {
		if p.Endpoints[i].Host != p.Endpoints[j].Host {
			return p.Endpoints[i].Host < p.Endpoints[j].Host
		}
		return p.Endpoints[i].Path < p.Endpoints[j].Path
	})

	for _, t := range techs {
		p.Technologies = append(p.Technologies, *t)
	}
	sort.Slice(p.Technologies, func(i, j int) bool {
		if p.Technologies[i].Host != p.Technologies[j].Host {
			return p.Technologies[i].Host < p.Technologies[j].Host
		}
		return p.Technologies[i].Name < p.Technologies[j].Name
	})

	return p, nil
}
