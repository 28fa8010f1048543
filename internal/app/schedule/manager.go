// Package schedule manages the biweekly lesson timetable.
//
// All methods must be called from the session owner goroutine.
package schedule

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/eosbot/internal/domain/schedule"
)

// Persister stores the timetable after every mutation.
type Persister interface {
	SaveLessons(lessons []*schedule.Lesson, firstWeekIndex int) error
}

// Manager owns the lesson timetable and the first-week correction index.
type Manager struct {
	store          Persister
	lessons        []*schedule.Lesson
	firstWeekIndex int
}

// NewManager creates an empty schedule manager.
func NewManager(store Persister) *Manager {
	return &Manager{store: store}
}

// Restore installs a previously persisted timetable.
func (m *Manager) Restore(lessons []*schedule.Lesson, firstWeekIndex int) {
	m.lessons = lessons
	m.firstWeekIndex = clampWeekIndex(firstWeekIndex)
	m.sortLessons()
	zlog.Info().Int("count", len(lessons)).Msg("schedule restored")
}

// Add validates and inserts a lesson.
func (m *Manager) Add(l *schedule.Lesson) error {
	if err := l.Validate(); err != nil {
		return errors.Wrapf(err, "lesson %q", l.Name)
	}
	m.lessons = append(m.lessons, l)
	m.sortLessons()
	m.persist()

	zlog.Info().Str("lesson", l.Name).Str("chat_id", l.ChatID).Msg("lesson added")
	return nil
}

// Remove deletes all lessons matching the name and chat id.
func (m *Manager) Remove(name, chatID string) int {
	kept := m.lessons[:0]
	removed := 0
	for _, l := range m.lessons {
		if l.Name == name && l.ChatID == chatID {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	m.lessons = kept
	if removed > 0 {
		m.persist()
		zlog.Info().Str("lesson", name).Int("removed", removed).Msg("lessons removed")
	}
	return removed
}

// Lessons returns the timetable in week order.
func (m *Manager) Lessons() []*schedule.Lesson {
	return append([]*schedule.Lesson(nil), m.lessons...)
}

// FirstWeekIndex returns the parity correction for the year's first week.
func (m *Manager) FirstWeekIndex() int {
	return m.firstWeekIndex
}

// SetFirstWeekIndex updates the parity correction. Out-of-range values
// are clamped to the valid 0..1 range.
func (m *Manager) SetFirstWeekIndex(i int) {
	m.firstWeekIndex = clampWeekIndex(i)
	m.persist()
}

// CurrentLesson returns the lesson whose window covers now on the week
// with matching parity, or nil when no lesson is running.
func (m *Manager) CurrentLesson(now time.Time) *schedule.Lesson {
	parity := schedule.WeekParity(now, m.firstWeekIndex)
	for _, l := range m.lessons {
		if l.IsCurrent(now, parity) {
			return l
		}
	}
	return nil
}

func (m *Manager) sortLessons() {
	sort.SliceStable(m.lessons, func(i, j int) bool {
		if m.lessons[i].WeekIndex != m.lessons[j].WeekIndex {
			return m.lessons[i].WeekIndex < m.lessons[j].WeekIndex
		}
		return m.lessons[i].WeekStartOffset < m.lessons[j].WeekStartOffset
	})
}

func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	if err := m.store.SaveLessons(m.lessons, m.firstWeekIndex); err != nil {
		zlog.Error().Err(err).Msg("failed to persist schedule")
	}
}

func clampWeekIndex(i int) int {
	if i < 0 {
		return 0
	}
	if i > 1 {
		return 1
	}
	return i
}
