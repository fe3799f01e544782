// Package personality holds the per-user trait vector, the adaptation
// rules that nudge it, and the profile file defining trait defaults and
// relationship-stage thresholds.
package personality

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"kindred/internal/domain"
)

// StageDef is one step in the relationship progression. Advancing into a
// stage requires both thresholds; the first stage has none.
type StageDef struct {
	Name       string  `yaml:"name"`
	Meaningful int64   `yaml:"meaningful"` // meaningful-interaction threshold
	Depth      float64 `yaml:"depth"`      // cumulative depth-score threshold
}

// Profile is the personality configuration: default trait values, the
// ordered stage ladder, and the depth score above which an interaction
// counts as meaningful.
type Profile struct {
	Traits          map[string]float64 `yaml:"traits"`
	Stages          []StageDef         `yaml:"stages"`
	MeaningfulDepth float64            `yaml:"meaningfulDepth"`
}

// DefaultProfile returns the built-in configuration: six stages and the
// companion's baseline temperament.
func DefaultProfile() *Profile {
	return &Profile{
		Traits: map[string]float64{
			"warmth":      80,
			"empathy":     90,
			"humor":       50,
			"formality":   30,
			"playfulness": 60,
			"depth":       50,
		},
		Stages: []StageDef{
			{Name: "new"},
			{Name: "acquaintance", Meaningful: 10, Depth: 5},
			{Name: "familiar", Meaningful: 25, Depth: 12},
			{Name: "close", Meaningful: 50, Depth: 25},
			{Name: "trusted", Meaningful: 100, Depth: 50},
			{Name: "intimate", Meaningful: 200, Depth: 100},
		},
		MeaningfulDepth: 0.5,
	}
}

// LoadProfile reads a YAML profile file, falling back to the built-in
// defaults when the path is empty or the file does not exist. Partial
// profiles are merged over the defaults.
func LoadProfile(path string, logger *slog.Logger) (*Profile, error) {
	profile := DefaultProfile()
	if path == "" {
		return profile, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Debug("personality profile not found, using defaults", "path", path)
		return profile, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read personality profile: %w", err)
	}

	var loaded Profile
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse personality profile %s: %w", path, err)
	}

	if len(loaded.Traits) > 0 {
		profile.Traits = loaded.Traits
	}
	if len(loaded.Stages) > 0 {
		profile.Stages = loaded.Stages
	}
	if loaded.MeaningfulDepth > 0 {
		profile.MeaningfulDepth = loaded.MeaningfulDepth
	}

	if err := profile.validate(); err != nil {
		return nil, fmt.Errorf("personality profile %s: %w", path, err)
	}

	logger.Info("loaded personality profile", "path", path, "stages", len(profile.Stages))
	return profile, nil
}

func (p *Profile) validate() error {
	if len(p.Stages) < 2 {
		return fmt.Errorf("at least two stages required")
	}
	seen := map[string]bool{}
	prev := StageDef{}
	for i, st := range p.Stages {
		if st.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if seen[st.Name] {
			return fmt.Errorf("duplicate stage %q", st.Name)
		}
		seen[st.Name] = true
		if i > 0 && (st.Meaningful < prev.Meaningful || st.Depth < prev.Depth) {
			return fmt.Errorf("stage %q thresholds must be non-decreasing", st.Name)
		}
		prev = st
	}
	for name, v := range p.Traits {
		if v < domain.TraitMin || v > domain.TraitMax {
			return fmt.Errorf("trait %q default %v out of range", name, v)
		}
	}
	return nil
}

// InitialTraits returns a fresh trait vector seeded from the profile.
func (p *Profile) InitialTraits() domain.TraitVector {
	tv := make(domain.TraitVector, len(p.Traits))
	for name, v := range p.Traits {
		tv[name] = v
	}
	return tv
}
