// Package store provides SQLite persistence for profiles, the lesson
// schedule and scheduled-connection records.
//
// The store is only ever used from the session owner goroutine, so all
// operations are plain synchronous statements. Writes happen after every
// mutating event; the on-disk state is the source of truth across
// restarts.
package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/osa030/eosbot/internal/domain/profile"
	"github.com/osa030/eosbot/internal/domain/schedule"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS profiles (
	username         TEXT PRIMARY KEY,
	password         TEXT NOT NULL,
	phrases          TEXT NOT NULL DEFAULT '+',
	max_late_time_ms INTEGER NOT NULL,
	cookie_mid       TEXT NOT NULL DEFAULT '',
	cookie_session   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS lessons (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	name                 TEXT NOT NULL,
	teacher              TEXT NOT NULL,
	week_start_offset_ms INTEGER NOT NULL,
	week_index           INTEGER NOT NULL,
	duration_ms          INTEGER NOT NULL,
	chat_id              TEXT NOT NULL,
	silent_mode          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS schedule_meta (
	id               INTEGER PRIMARY KEY CHECK (id = 1),
	first_week_index INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_connections (
	username            TEXT NOT NULL,
	chat_link           TEXT NOT NULL,
	scheduled_join_time INTEGER NOT NULL,
	fired               INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (username, chat_link)
);
`

// phrasesDelimiter separates chat phrases in their stored form.
const phrasesDelimiter = "|"

// ScheduledRecord is the persisted form of a scheduled connection.
type ScheduledRecord struct {
	Username string
	ChatLink string
	JoinTime time.Time
	Fired    bool
}

// Store is a SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadProfiles loads all stored profiles. Session validity is never
// persisted; loaded profiles start out invalid until checked.
func (s *Store) LoadProfiles() ([]*profile.Profile, error) {
	rows, err := s.db.Query(`SELECT username, password, phrases, max_late_time_ms,
		cookie_mid, cookie_session FROM profiles ORDER BY username`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query profiles")
	}
	defer rows.Close()

	var profiles []*profile.Profile
	for rows.Next() {
		var p profile.Profile
		var phrases string
		var lateMs int64
		if err := rows.Scan(&p.Username, &p.Password, &phrases, &lateMs,
			&p.Cookies[0], &p.Cookies[1]); err != nil {
			return nil, errors.Wrap(err, "failed to scan profile")
		}
		p.Phrases = splitPhrases(phrases)
		p.MaximumLateTime = time.Duration(lateMs) * time.Millisecond
		profiles = append(profiles, &p)
	}
	return profiles, rows.Err()
}

// SaveProfiles replaces the stored profile list.
func (s *Store) SaveProfiles(profiles []*profile.Profile) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM profiles`); err != nil {
			return err
		}
		for _, p := range profiles {
			_, err := tx.Exec(`INSERT INTO profiles
				(username, password, phrases, max_late_time_ms, cookie_mid, cookie_session)
				VALUES (?, ?, ?, ?, ?, ?)`,
				p.Username, p.Password, strings.Join(p.Phrases, phrasesDelimiter),
				p.MaximumLateTime.Milliseconds(), p.Cookies[0], p.Cookies[1])
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadLessons loads the lesson schedule and the stored first-week
// correction index.
func (s *Store) LoadLessons() ([]*schedule.Lesson, int, error) {
	rows, err := s.db.Query(`SELECT name, teacher, week_start_offset_ms, week_index,
		duration_ms, chat_id, silent_mode FROM lessons ORDER BY week_index, week_start_offset_ms`)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to query lessons")
	}
	defer rows.Close()

	var lessons []*schedule.Lesson
	for rows.Next() {
		var l schedule.Lesson
		var offsetMs, durationMs int64
		if err := rows.Scan(&l.Name, &l.Teacher, &offsetMs, &l.WeekIndex,
			&durationMs, &l.ChatID, &l.SilentMode); err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan lesson")
		}
		l.WeekStartOffset = time.Duration(offsetMs) * time.Millisecond
		l.Duration = time.Duration(durationMs) * time.Millisecond
		lessons = append(lessons, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	firstWeekIndex := 0
	err = s.db.QueryRow(`SELECT first_week_index FROM schedule_meta WHERE id = 1`).Scan(&firstWeekIndex)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, errors.Wrap(err, "failed to query schedule meta")
	}

	return lessons, firstWeekIndex, nil
}

// SaveLessons replaces the stored schedule.
func (s *Store) SaveLessons(lessons []*schedule.Lesson, firstWeekIndex int) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM lessons`); err != nil {
			return err
		}
		for _, l := range lessons {
			_, err := tx.Exec(`INSERT INTO lessons
				(name, teacher, week_start_offset_ms, week_index, duration_ms, chat_id, silent_mode)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				l.Name, l.Teacher, l.WeekStartOffset.Milliseconds(), l.WeekIndex,
				l.Duration.Milliseconds(), l.ChatID, l.SilentMode)
			if err != nil {
				return err
			}
		}
		_, err := tx.Exec(`INSERT INTO schedule_meta (id, first_week_index) VALUES (1, ?)
			ON CONFLICT (id) DO UPDATE SET first_week_index = excluded.first_week_index`,
			firstWeekIndex)
		return err
	})
}

// LoadScheduledConnections loads all persisted scheduled-connection
// records.
func (s *Store) LoadScheduledConnections() ([]ScheduledRecord, error) {
	rows, err := s.db.Query(`SELECT username, chat_link, scheduled_join_time, fired
		FROM scheduled_connections`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query scheduled connections")
	}
	defer rows.Close()

	var records []ScheduledRecord
	for rows.Next() {
		var r ScheduledRecord
		var joinMs int64
		if err := rows.Scan(&r.Username, &r.ChatLink, &joinMs, &r.Fired); err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduled connection")
		}
		r.JoinTime = time.UnixMilli(joinMs)
		records = append(records, r)
	}
	return records, rows.Err()
}

// SaveScheduledConnections replaces the stored scheduled-connection
// records.
func (s *Store) SaveScheduledConnections(records []ScheduledRecord) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM scheduled_connections`); err != nil {
			return err
		}
		for _, r := range records {
			_, err := tx.Exec(`INSERT INTO scheduled_connections
				(username, chat_link, scheduled_join_time, fired)
				VALUES (?, ?, ?, ?)`,
				r.Username, r.ChatLink, r.JoinTime.UnixMilli(), r.Fired)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// inTx runs fn inside a transaction.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "transaction failed")
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

func splitPhrases(s string) []string {
	parts := strings.Split(s, phrasesDelimiter)
	phrases := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			phrases = append(phrases, p)
		}
	}
	if len(phrases) == 0 {
		return append([]string(nil), profile.DefaultPhrases...)
	}
	return phrases
}
