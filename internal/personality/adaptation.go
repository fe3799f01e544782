package personality

import (
	"regexp"

	"kindred/internal/domain"
)

// Deltas for adaptation signals. Explicit requests move a trait faster
// than inferred mood patterns.
const (
	explicitDelta = 3.0
	implicitDelta = 1.0
)

// Signal is one detected preference nudge.
type Signal struct {
	Trait    string
	Delta    float64
	Explicit bool
}

type rule struct {
	trait string
	delta float64
	re    *regexp.Regexp
}

// Adapter detects user preference signals and applies them to a trait
// vector.
type Adapter struct {
	rules []rule
}

// NewAdapter compiles the built-in preference patterns.
func NewAdapter() *Adapter {
	mk := func(trait string, delta float64, patterns ...string) []rule {
		rs := make([]rule, 0, len(patterns))
		for _, p := range patterns {
			rs = append(rs, rule{trait: trait, delta: delta, re: regexp.MustCompile(`(?i)` + p)})
		}
		return rs
	}

	var rules []rule
	rules = append(rules, mk("humor", explicitDelta,
		`more\s+humor`, `more\s+jokes`, `funnier`, `lighten\s+up`, `make\s+me\s+laugh`)...)
	rules = append(rules, mk("humor", -explicitDelta,
		`less\s+humor`, `fewer\s+jokes`, `more\s+serious`, `not\s+funny`)...)
	rules = append(rules, mk("empathy", explicitDelta,
		`more\s+understanding`, `more\s+empathy`, `be\s+kinder`, `compassionate`)...)
	rules = append(rules, mk("empathy", -explicitDelta,
		`less\s+empathy`, `don't\s+sympathize`, `more\s+neutral`, `less\s+emotional`)...)
	rules = append(rules, mk("formality", explicitDelta,
		`speak\s+formal`, `more\s+formal`, `professional`, `less\s+casual`)...)
	rules = append(rules, mk("formality", -explicitDelta,
		`speak\s+casual`, `more\s+casual`, `relaxed`, `less\s+formal`)...)
	rules = append(rules, mk("playfulness", explicitDelta,
		`more\s+playful`, `be\s+playful`, `more\s+fun`)...)
	rules = append(rules, mk("playfulness", -explicitDelta,
		`less\s+playful`, `tone\s+it\s+down`, `calm\s+down`)...)
	rules = append(rules, mk("depth", explicitDelta,
		`longer\s+responses`, `more\s+detail`, `elaborate`, `tell\s+me\s+more`)...)
	rules = append(rules, mk("depth", -explicitDelta,
		`shorter\s+responses`, `be\s+brief`, `concise`, `less\s+wordy`, `too\s+long`)...)
	rules = append(rules, mk("warmth", explicitDelta,
		`be\s+warmer`, `more\s+caring`, `more\s+affectionate`)...)
	rules = append(rules, mk("warmth", -explicitDelta,
		`less\s+clingy`, `give\s+me\s+space`, `more\s+distant`)...)

	return &Adapter{rules: rules}
}

// DetectSignals returns explicit preference signals found in a message.
// At most one signal per trait is emitted per message, so a single turn
// cannot stack the same request.
func (a *Adapter) DetectSignals(text string) []Signal {
	seen := map[string]bool{}
	var signals []Signal
	for _, r := range a.rules {
		if seen[r.trait] {
			continue
		}
		if r.re.MatchString(text) {
			signals = append(signals, Signal{Trait: r.trait, Delta: r.delta, Explicit: true})
			seen[r.trait] = true
		}
	}
	return signals
}

// MoodSignals derives implicit signals from a sustained mood trend: a
// persistently negative trend leans the companion toward empathy and away
// from humor, an improving one relaxes back.
func (a *Adapter) MoodSignals(trend string) []Signal {
	switch trend {
	case domain.TrendEscalating:
		return []Signal{
			{Trait: "empathy", Delta: implicitDelta},
			{Trait: "humor", Delta: -implicitDelta},
		}
	case domain.TrendImproving:
		return []Signal{
			{Trait: "playfulness", Delta: implicitDelta},
		}
	default:
		return nil
	}
}

// Apply nudges the trait vector with every signal and reports whether
// anything changed.
func (a *Adapter) Apply(tv domain.TraitVector, signals []Signal) bool {
	changed := false
	for _, sig := range signals {
		before := tv[sig.Trait]
		after := Nudge(tv, sig.Trait, sig.Delta)
		if after != before {
			changed = true
		}
	}
	return changed
}
