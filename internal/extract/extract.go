// Package extract defines the data contract for collaborator-supplied
// facts and mood samples (validation and merge policy), plus a built-in
// heuristic extractor used when no external analyzer is wired in.
package extract

import (
	"regexp"
	"strings"
	"time"

	"kindred/internal/domain"
)

// ValidateFact rejects malformed collaborator input: missing key,
// out-of-range confidence, unknown category or source.
func ValidateFact(f domain.Fact) error {
	if strings.TrimSpace(f.Key) == "" {
		return &domain.ValidationError{Field: "key", Reason: "must not be empty"}
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return &domain.ValidationError{Field: "confidence", Reason: "must be in [0, 1]"}
	}
	if !knownCategory(f.Category) {
		return &domain.ValidationError{Field: "category", Reason: "unknown category " + f.Category}
	}
	switch f.Source {
	case domain.SourceUserStated, domain.SourceInferred:
		return nil
	default:
		return &domain.ValidationError{Field: "source", Reason: "unknown source " + f.Source}
	}
}

// ValidateMood rejects malformed mood samples.
func ValidateMood(s domain.MoodSample) error {
	if strings.TrimSpace(s.Emotion) == "" {
		return &domain.ValidationError{Field: "emotion", Reason: "must not be empty"}
	}
	if s.Intensity < 0 || s.Intensity > 1 {
		return &domain.ValidationError{Field: "intensity", Reason: "must be in [0, 1]"}
	}
	return nil
}

// MergeFact applies the confidence merge policy: an incoming fact with
// strictly lower confidence than the stored one is discarded; equal or
// higher confidence overwrites (most-recent-wins on ties). The returned
// bool reports whether the incoming fact was applied.
func MergeFact(existing domain.Fact, incoming domain.Fact, now time.Time) (domain.Fact, bool) {
	if incoming.Confidence < existing.Confidence {
		return existing, false
	}
	merged := incoming
	merged.CreatedAt = existing.CreatedAt
	merged.UpdatedAt = now
	return merged, true
}

func knownCategory(category string) bool {
	for _, c := range domain.FactCategories {
		if c == category {
			return true
		}
	}
	return false
}

// Analysis is what the built-in extractor derives from one user message.
type Analysis struct {
	Facts []domain.Fact
	Mood  *domain.MoodSample
	Depth float64 // conversation-depth score in [0, 1]
}

type factPattern struct {
	re         *regexp.Regexp
	key        string // empty: derive from captured value
	category   string
	confidence float64
	source     string
}

type emotionPattern struct {
	emotion  string
	keywords []string
}

// Extractor turns raw message text into candidate facts, a mood sample,
// and a depth score. It is deliberately heuristic: a real NLP
// collaborator can replace its output through the same contract.
type Extractor struct {
	facts       []factPattern
	emotions    []emotionPattern
	intensifier *regexp.Regexp
	disclosure  []struct {
		re     *regexp.Regexp
		weight float64
	}
}

func NewExtractor() *Extractor {
	x := &Extractor{
		facts: []factPattern{
			{re: regexp.MustCompile(`(?i)\bmy name is\s+([A-Za-z][\w'-]*)`), key: "name", category: "identity", confidence: 0.9, source: domain.SourceUserStated},
			{re: regexp.MustCompile(`(?i)\bI work (?:as|at|in)\s+([\w ]{2,40})`), key: "occupation", category: "identity", confidence: 0.8, source: domain.SourceUserStated},
			{re: regexp.MustCompile(`(?i)\bI (?:live in|am from|'m from)\s+([\w ]{2,40})`), key: "location", category: "identity", confidence: 0.8, source: domain.SourceUserStated},
			{re: regexp.MustCompile(`(?i)\bmy birthday is\s+(?:on\s+)?([\w ,-]{3,30})`), key: "birthday", category: "date", confidence: 0.9, source: domain.SourceUserStated},
			{re: regexp.MustCompile(`(?i)\bI (?:love|enjoy|adore|really like)\s+([\w ]{2,40})`), category: "interest", confidence: 0.6, source: domain.SourceInferred},
			{re: regexp.MustCompile(`(?i)\bmy favorite [\w]+ is\s+([\w ]{2,40})`), category: "preference", confidence: 0.7, source: domain.SourceUserStated},
		},
		emotions: []emotionPattern{
			{emotion: "joy", keywords: []string{"happy", "glad", "excited", "wonderful", "fantastic", "grateful", "delighted"}},
			{emotion: "sadness", keywords: []string{"sad", "unhappy", "depressed", "miserable", "heartbroken", "down", "lonely"}},
			{emotion: "anger", keywords: []string{"angry", "mad", "furious", "annoyed", "frustrated", "fed up"}},
			{emotion: "fear", keywords: []string{"afraid", "scared", "terrified", "fearful"}},
			{emotion: "anxiety", keywords: []string{"anxious", "nervous", "worried", "stressed", "overwhelmed"}},
			{emotion: "surprise", keywords: []string{"surprised", "amazed", "astonished", "shocked"}},
		},
		intensifier: regexp.MustCompile(`(?i)\b(very|really|extremely|so|totally|completely|absolutely)\b`),
	}

	disclosures := []struct {
		pattern string
		weight  float64
	}{
		{`(?i)I've never told anyone`, 0.9},
		{`(?i)I(?: have)? never admitted`, 0.9},
		{`(?i)to be honest|honestly,`, 0.6},
		{`(?i)\bI feel\b`, 0.5},
		{`(?i)\bI'm struggling\b`, 0.8},
		{`(?i)\bI secretly\b`, 0.85},
	}
	for _, d := range disclosures {
		x.disclosure = append(x.disclosure, struct {
			re     *regexp.Regexp
			weight float64
		}{regexp.MustCompile(d.pattern), d.weight})
	}

	return x
}

// Analyze runs the heuristics over one user message.
func (x *Extractor) Analyze(text string, at time.Time) Analysis {
	var out Analysis

	for _, fp := range x.facts {
		m := fp.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[1])
		if value == "" {
			continue
		}
		key := fp.key
		if key == "" {
			key = fp.category + ":" + slugify(value)
		}
		out.Facts = append(out.Facts, domain.Fact{
			Key:        key,
			Value:      value,
			Category:   fp.category,
			Confidence: fp.confidence,
			Source:     fp.source,
			CreatedAt:  at,
			UpdatedAt:  at,
		})
	}

	if mood := x.detectMood(text, at); mood != nil {
		out.Mood = mood
	}

	out.Depth = x.depthScore(text, out.Mood)
	return out
}

func (x *Extractor) detectMood(text string, at time.Time) *domain.MoodSample {
	lower := strings.ToLower(text)
	for _, ep := range x.emotions {
		for _, kw := range ep.keywords {
			if !strings.Contains(lower, kw) {
				continue
			}
			intensity := 0.6
			if x.intensifier.MatchString(text) {
				intensity = 0.9
			}
			return &domain.MoodSample{Emotion: ep.emotion, Intensity: intensity, Timestamp: at}
		}
	}
	return nil
}

// depthScore blends disclosure markers with emotional intensity. A
// message with neither scores near zero.
func (x *Extractor) depthScore(text string, mood *domain.MoodSample) float64 {
	var depth float64
	for _, d := range x.disclosure {
		if d.re.MatchString(text) && d.weight > depth {
			depth = d.weight
		}
	}
	if mood != nil {
		if v := mood.Intensity * 0.7; v > depth {
			depth = v
		}
	}
	if depth > 1 {
		depth = 1
	}
	return depth
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonWord.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}
