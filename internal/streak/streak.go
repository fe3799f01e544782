// Package streak derives daily-interaction streaks and aggregate usage
// metrics from message timestamps. Updates are O(1) per message: nothing
// replays history.
package streak

import (
	"time"

	"kindred/internal/domain"
)

const dateLayout = "2006-01-02"

// Update folds one interaction into the metrics. The streak increments
// only when the interaction's calendar date is exactly one day after the
// last recorded date; a larger gap resets it to 1; repeats on the same
// date leave it unchanged.
func Update(m *domain.Metrics, role string, words int, at time.Time) {
	m.MessageCount++
	m.TotalWords += int64(words)
	if role == domain.RoleUser {
		m.UserMessageCount++
	}

	if m.FirstInteraction.IsZero() {
		m.FirstInteraction = at
	}
	m.LastInteraction = at

	today := at.Format(dateLayout)
	if today == m.LastInteractionDate {
		return
	}

	m.ActiveDays++

	switch {
	case m.LastInteractionDate == "":
		m.StreakDays = 1
	case isNextDay(m.LastInteractionDate, today):
		m.StreakDays++
	default:
		m.StreakDays = 1
	}

	if m.StreakDays > m.LongestStreak {
		m.LongestStreak = m.StreakDays
	}
	m.LastInteractionDate = today
}

// isNextDay reports whether b is the calendar day immediately after a.
func isNextDay(a, b string) bool {
	ta, err := time.Parse(dateLayout, a)
	if err != nil {
		return false
	}
	return ta.AddDate(0, 0, 1).Format(dateLayout) == b
}
