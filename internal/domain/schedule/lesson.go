// Package schedule defines the biweekly lesson schedule entities.
package schedule

import (
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultLessonDuration is one academic pair.
const DefaultLessonDuration = 90 * time.Minute

// Week is the length of one schedule week.
const Week = 7 * 24 * time.Hour

// Lesson is a recurring schedule entry on a biweekly rotation.
type Lesson struct {
	Name    string
	Teacher string

	// WeekStartOffset is the lesson start time measured from the start
	// of the week (Monday 00:00 local time).
	WeekStartOffset time.Duration

	// WeekIndex selects which week of the biweekly rotation the lesson
	// belongs to (0 or 1).
	WeekIndex int

	Duration time.Duration

	// ChatID identifies the portal chat room of the online lecture.
	ChatID string

	// SilentMode suppresses actual message sends; joins still happen
	// and would-be messages are logged instead.
	SilentMode bool
}

// Validate checks the lesson invariants.
func (l *Lesson) Validate() error {
	if l.Duration <= 0 {
		return errors.New("lesson duration must be positive")
	}
	if l.WeekStartOffset < 0 || l.WeekStartOffset >= Week {
		return errors.New("lesson start offset must be within one week")
	}
	if l.WeekIndex != 0 && l.WeekIndex != 1 {
		return errors.New("week index must be 0 or 1")
	}
	return nil
}

// StartOfWeek returns Monday 00:00 of the week containing t, in t's location.
func StartOfWeek(t time.Time) time.Time {
	// time.Weekday starts the week on Sunday; shift so Monday is day 0.
	days := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return day.AddDate(0, 0, -days)
}

// StartTime returns the lesson's start instant within the week containing t.
func (l *Lesson) StartTime(t time.Time) time.Time {
	return StartOfWeek(t).Add(l.WeekStartOffset)
}

// IsCurrent reports whether the lesson is running at t under the given
// week parity. The occurrence window is [start, start+duration).
func (l *Lesson) IsCurrent(t time.Time, weekParity int) bool {
	if l.WeekIndex != weekParity {
		return false
	}
	start := l.StartTime(t)
	return !t.Before(start) && t.Before(start.Add(l.Duration))
}

// WeekParity computes the active week index (0 or 1) at t.
// firstWeekIndex is a stored correction offset for when the calendar's
// week numbering does not line up with the institution's rotation.
func WeekParity(t time.Time, firstWeekIndex int) int {
	_, week := t.ISOWeek()
	return (week + firstWeekIndex + 1) % 2
}
