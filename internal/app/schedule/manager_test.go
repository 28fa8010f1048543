package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/eosbot/internal/domain/schedule"
)

// recordingStore captures the last persisted timetable.
type recordingStore struct {
	lessons        []*schedule.Lesson
	firstWeekIndex int
	saves          int
}

func (r *recordingStore) SaveLessons(lessons []*schedule.Lesson, firstWeekIndex int) error {
	r.lessons = append([]*schedule.Lesson(nil), lessons...)
	r.firstWeekIndex = firstWeekIndex
	r.saves++
	return nil
}

// monday returns Monday 00:00 of the week containing the given date.
func monday(year int, month time.Month, day int) time.Time {
	return schedule.StartOfWeek(time.Date(year, month, day, 12, 0, 0, 0, time.UTC))
}

func mondayLesson(weekIndex int) *schedule.Lesson {
	return &schedule.Lesson{
		Name:            "Algebra",
		Teacher:         "Dr. Ivanova",
		WeekStartOffset: 10 * time.Hour, // Monday 10:00
		WeekIndex:       weekIndex,
		Duration:        90 * time.Minute,
		ChatID:          "42",
	}
}

func TestCurrentLessonWindow(t *testing.T) {
	weekStart := monday(2026, time.January, 5)
	parity := schedule.WeekParity(weekStart, 0)

	m := NewManager(nil)
	require.NoError(t, m.Add(mondayLesson(parity)))

	tests := []struct {
		name    string
		at      time.Time
		current bool
	}{
		{"before start", weekStart.Add(9*time.Hour + 59*time.Minute), false},
		{"at start", weekStart.Add(10 * time.Hour), true},
		{"mid lesson", weekStart.Add(11 * time.Hour), true},
		{"just before end", weekStart.Add(11*time.Hour + 29*time.Minute), true},
		{"at end", weekStart.Add(11*time.Hour + 30*time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := m.CurrentLesson(tt.at)
			if tt.current {
				require.NotNil(t, l)
				assert.Equal(t, "Algebra", l.Name)
			} else {
				assert.Nil(t, l)
			}
		})
	}
}

func TestCurrentLessonParity(t *testing.T) {
	weekStart := monday(2026, time.January, 5)
	parity := schedule.WeekParity(weekStart, 0)
	during := weekStart.Add(11 * time.Hour)

	m := NewManager(nil)
	require.NoError(t, m.Add(mondayLesson(1-parity)))

	assert.Nil(t, m.CurrentLesson(during), "lesson on the other week must not match")
	assert.NotNil(t, m.CurrentLesson(during.Add(schedule.Week)),
		"same slot one week later flips parity")
}

func TestFirstWeekIndexShiftsParity(t *testing.T) {
	at := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	assert.NotEqual(t, schedule.WeekParity(at, 0), schedule.WeekParity(at, 1))
	assert.Equal(t, schedule.WeekParity(at, 0), schedule.WeekParity(at.Add(2*schedule.Week), 0))
}

func TestAddRejectsInvalidLesson(t *testing.T) {
	m := NewManager(nil)

	bad := mondayLesson(0)
	bad.Duration = 0
	require.Error(t, m.Add(bad))
	assert.Empty(t, m.Lessons())

	bad = mondayLesson(0)
	bad.WeekStartOffset = schedule.Week
	require.Error(t, m.Add(bad))

	bad = mondayLesson(2)
	require.Error(t, m.Add(bad))
}

func TestRemove(t *testing.T) {
	store := &recordingStore{}
	m := NewManager(store)
	require.NoError(t, m.Add(mondayLesson(0)))
	require.NoError(t, m.Add(mondayLesson(1)))

	other := mondayLesson(0)
	other.Name = "Physics"
	other.ChatID = "43"
	require.NoError(t, m.Add(other))

	assert.Equal(t, 2, m.Remove("Algebra", "42"))
	assert.Equal(t, 0, m.Remove("Algebra", "42"))

	lessons := m.Lessons()
	require.Len(t, lessons, 1)
	assert.Equal(t, "Physics", lessons[0].Name)
	assert.Equal(t, lessons, store.lessons)
}

func TestSetFirstWeekIndexClamps(t *testing.T) {
	store := &recordingStore{}
	m := NewManager(store)

	m.SetFirstWeekIndex(5)
	assert.Equal(t, 1, m.FirstWeekIndex())

	m.SetFirstWeekIndex(-3)
	assert.Equal(t, 0, m.FirstWeekIndex())

	assert.Equal(t, 2, store.saves)
	assert.Equal(t, 0, store.firstWeekIndex)
}

func TestRestoreSortsLessons(t *testing.T) {
	m := NewManager(nil)
	late := mondayLesson(0)
	late.WeekStartOffset = 14 * time.Hour
	m.Restore([]*schedule.Lesson{late, mondayLesson(0)}, 7)

	lessons := m.Lessons()
	require.Len(t, lessons, 2)
	assert.Equal(t, 10*time.Hour, lessons[0].WeekStartOffset)
	assert.Equal(t, 1, m.FirstWeekIndex(), "restored index is clamped")
}
