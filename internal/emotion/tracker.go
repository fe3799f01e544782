// Package emotion maintains the rolling mood-sample window and derives
// trend signals from it.
package emotion

import (
	"kindred/internal/domain"
)

// negativeEmotions is the negative-valence label set used for trend
// detection.
var negativeEmotions = map[string]bool{
	"sadness":    true,
	"anger":      true,
	"fear":       true,
	"anxiety":    true,
	"grief":      true,
	"loneliness": true,
	"overwhelm":  true,
}

// IsNegative reports whether an emotion label carries negative valence.
func IsNegative(emotion string) bool { return negativeEmotions[emotion] }

// DefaultShiftThreshold is the minimum change in half-window negative
// mean that counts as a trend rather than noise, used when the config
// does not set one. In a full ten-sample window a single max-intensity
// outlier moves a half mean by at most 0.2, which stays below it.
const DefaultShiftThreshold = 0.25

// minSamplesForTrend: with fewer samples than this a half-split is noise,
// so classification stays stable.
const minSamplesForTrend = 4

// Tracker classifies mood trends over a bounded rolling window. The
// window size is independent of the message-history bound.
type Tracker struct {
	window    int
	threshold float64
}

func NewTracker(window int, shiftThreshold float64) *Tracker {
	if window < 2 {
		window = 2
	}
	if shiftThreshold <= 0 {
		shiftThreshold = DefaultShiftThreshold
	}
	return &Tracker{window: window, threshold: shiftThreshold}
}

// Append adds a sample to the window, evicting the oldest when full.
func (t *Tracker) Append(w *domain.MoodWindow, sample domain.MoodSample) {
	w.Samples = append(w.Samples, sample)
	if len(w.Samples) > t.window {
		w.Samples = w.Samples[len(w.Samples)-t.window:]
	}
}

// Classify compares the mean negative-valence intensity of the first and
// second halves of the window. A single extreme sample cannot flip the
// result; only a sustained shift beyond the threshold does.
//
// It records the classification on the window and reports a support
// escalation when "escalating_negative" holds for two consecutive
// checks.
func (t *Tracker) Classify(w *domain.MoodWindow) (trend string, escalate bool) {
	trend = domain.TrendStable

	if len(w.Samples) >= minSamplesForTrend {
		mid := len(w.Samples) / 2
		first := negativeMean(w.Samples[:mid])
		second := negativeMean(w.Samples[mid:])

		switch {
		case second-first > t.threshold:
			trend = domain.TrendEscalating
		case first-second > t.threshold:
			trend = domain.TrendImproving
		}
	}

	escalate = trend == domain.TrendEscalating && w.LastTrend == domain.TrendEscalating
	w.LastTrend = trend
	return trend, escalate
}

// negativeMean averages negative-valence intensity over a half-window;
// non-negative samples contribute zero so a swing toward positive moods
// pulls the mean down.
func negativeMean(samples []domain.MoodSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		if negativeEmotions[s.Emotion] {
			sum += s.Intensity
		}
	}
	return sum / float64(len(samples))
}
