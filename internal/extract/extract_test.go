package extract

import (
	"errors"
	"testing"
	"time"

	"kindred/internal/domain"
)

func validFact() domain.Fact {
	return domain.Fact{
		Key:        "name",
		Value:      "Alice",
		Category:   "identity",
		Confidence: 0.9,
		Source:     domain.SourceUserStated,
	}
}

func TestValidateFact(t *testing.T) {
	if err := ValidateFact(validFact()); err != nil {
		t.Fatalf("valid fact rejected: %v", err)
	}

	cases := map[string]func(*domain.Fact){
		"empty key":        func(f *domain.Fact) { f.Key = "  " },
		"low confidence":   func(f *domain.Fact) { f.Confidence = -0.1 },
		"high confidence":  func(f *domain.Fact) { f.Confidence = 1.1 },
		"unknown category": func(f *domain.Fact) { f.Category = "gossip" },
		"unknown source":   func(f *domain.Fact) { f.Source = "hearsay" },
	}
	for name, mutate := range cases {
		f := validFact()
		mutate(&f)
		var verr *domain.ValidationError
		if err := ValidateFact(f); !errors.As(err, &verr) {
			t.Errorf("%s: expected ValidationError, got %v", name, err)
		}
	}
}

func TestValidateMood(t *testing.T) {
	if err := ValidateMood(domain.MoodSample{Emotion: "joy", Intensity: 0.5}); err != nil {
		t.Fatalf("valid sample rejected: %v", err)
	}
	var verr *domain.ValidationError
	if err := ValidateMood(domain.MoodSample{Emotion: "", Intensity: 0.5}); !errors.As(err, &verr) {
		t.Error("empty emotion must be rejected")
	}
	if err := ValidateMood(domain.MoodSample{Emotion: "joy", Intensity: 1.5}); !errors.As(err, &verr) {
		t.Error("out-of-range intensity must be rejected")
	}
}

func TestMergeFact_ConfidencePolicy(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	created := now.Add(-24 * time.Hour)

	existing := validFact()
	existing.Confidence = 0.8
	existing.CreatedAt = created

	// Lower confidence is discarded.
	lower := validFact()
	lower.Value = "Alicia"
	lower.Confidence = 0.5
	merged, applied := MergeFact(existing, lower, now)
	if applied {
		t.Error("lower confidence must not overwrite")
	}
	if merged.Value != "Alice" {
		t.Errorf("kept value: %s", merged.Value)
	}

	// Equal confidence wins (most recent of equals).
	equal := validFact()
	equal.Value = "Alicia"
	equal.Confidence = 0.8
	merged, applied = MergeFact(existing, equal, now)
	if !applied || merged.Value != "Alicia" {
		t.Errorf("equal confidence should overwrite: applied=%v value=%s", applied, merged.Value)
	}
	if merged.CreatedAt != created {
		t.Error("CreatedAt must be preserved across overwrites")
	}
	if merged.UpdatedAt != now {
		t.Error("UpdatedAt must move to merge time")
	}
}

func TestMergeFact_OrderIndependentOutcome(t *testing.T) {
	now := time.Now()
	low := validFact()
	low.Value = "low"
	low.Confidence = 0.3
	high := validFact()
	high.Value = "high"
	high.Confidence = 0.9

	// low then high
	a, _ := MergeFact(low, high, now)
	// high then low
	b, _ := MergeFact(high, low, now)

	if a.Value != "high" || b.Value != "high" {
		t.Errorf("final value must be the high-confidence one regardless of order: %s / %s", a.Value, b.Value)
	}
}

func TestExtractor_Facts(t *testing.T) {
	x := NewExtractor()
	now := time.Now()

	out := x.Analyze("Hi, my name is Marta and I work as a nurse", now)
	byKey := map[string]domain.Fact{}
	for _, f := range out.Facts {
		byKey[f.Key] = f
	}

	name, ok := byKey["name"]
	if !ok || name.Value != "Marta" {
		t.Fatalf("name fact: %+v", byKey)
	}
	if name.Category != "identity" || name.Source != domain.SourceUserStated {
		t.Errorf("name fact shape: %+v", name)
	}
	occ, ok := byKey["occupation"]
	if !ok || occ.Value != "a nurse" {
		t.Errorf("occupation fact: %+v", occ)
	}

	for _, f := range out.Facts {
		if err := ValidateFact(f); err != nil {
			t.Errorf("extractor emitted invalid fact %+v: %v", f, err)
		}
	}
}

func TestExtractor_InterestKeysAreDerived(t *testing.T) {
	x := NewExtractor()
	out := x.Analyze("I love hiking in the alps", time.Now())

	found := false
	for _, f := range out.Facts {
		if f.Category == "interest" {
			found = true
			if f.Key == "" || f.Source != domain.SourceInferred {
				t.Errorf("interest fact shape: %+v", f)
			}
		}
	}
	if !found {
		t.Error("expected an interest fact")
	}
}

func TestExtractor_Mood(t *testing.T) {
	x := NewExtractor()

	out := x.Analyze("I'm feeling really sad today", time.Now())
	if out.Mood == nil {
		t.Fatal("expected a mood sample")
	}
	if out.Mood.Emotion != "sadness" {
		t.Errorf("emotion: %s", out.Mood.Emotion)
	}
	if out.Mood.Intensity != 0.9 {
		t.Errorf("intensified sample should score 0.9, got %v", out.Mood.Intensity)
	}

	out = x.Analyze("a bit sad I guess", time.Now())
	if out.Mood == nil || out.Mood.Intensity != 0.6 {
		t.Errorf("plain sample should score 0.6: %+v", out.Mood)
	}

	out = x.Analyze("the meeting is at three", time.Now())
	if out.Mood != nil {
		t.Errorf("neutral text yields no mood, got %+v", out.Mood)
	}
}

func TestExtractor_Depth(t *testing.T) {
	x := NewExtractor()

	deep := x.Analyze("I've never told anyone this before", time.Now())
	if deep.Depth < 0.9 {
		t.Errorf("disclosure depth: %v", deep.Depth)
	}

	shallow := x.Analyze("nice weather today", time.Now())
	if shallow.Depth != 0 {
		t.Errorf("neutral depth: %v", shallow.Depth)
	}

	// Emotional intensity contributes when no disclosure marker is present.
	emotional := x.Analyze("I am so terrified of this", time.Now())
	if emotional.Depth <= 0 || emotional.Depth > 1 {
		t.Errorf("emotional depth out of range: %v", emotional.Depth)
	}
}
