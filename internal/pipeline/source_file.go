package pipeline

import (
	"encoding/json"
	"fmt"
	"os"

	"redcortex/internal/profile"
	"redcortex/internal/reasoning"
)

// sourceDocument is the on-disk shape for batch runs: the platform export for
// one project.
type sourceDocument struct {
	Artifacts []profile.RawArtifact            `json:"artifacts"`
	History   profile.History                  `json:"history"`
	Impacts   map[string]reasoning.AssetImpact `json:"impacts"`
}

// LoadStaticSource reads a project's artifact export from a JSON file.
func LoadStaticSource(path, projectID string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact export: %w", err)
	}
	var doc sourceDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse artifact export: %w", err)
	}
	return &StaticSource{
		ArtifactsByProject: map[string][]profile.RawArtifact{projectID: doc.Artifacts},
		HistoryByProject:   map[string]profile.History{projectID: doc.History},
		ImpactsByProject:   map[string]map[string]reasoning.AssetImpact{projectID: doc.Impacts},
	}, nil
}
