// Package coordinator drives scheduled chat joins: it watches the
// lesson timetable, keeps one chat session alive for the current
// lesson's room, and walks every profile into that room at its own
// randomized join time.
package coordinator

import (
	"math/rand/v2"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/eosbot/internal/app/chat"
	appprofile "github.com/osa030/eosbot/internal/app/profile"
	appschedule "github.com/osa030/eosbot/internal/app/schedule"
	"github.com/osa030/eosbot/internal/app/reaction"
	"github.com/osa030/eosbot/internal/infra/config"
	"github.com/osa030/eosbot/internal/infra/portal"
	"github.com/osa030/eosbot/internal/infra/store"
)

// Persister stores the scheduled-connection records after every
// mutation. The on-disk records are the source of truth for "already
// joined" across restarts.
type Persister interface {
	SaveScheduledConnections([]store.ScheduledRecord) error
}

// ScheduledConnection is one profile's planned join into the active
// chat room.
type ScheduledConnection struct {
	Username string
	ChatLink string
	JoinTime time.Time
	// Fired marks that the join reaction already ran for this record.
	Fired bool

	// conn is the live chat connection once opened. Never persisted.
	conn *chat.Connection
}

// Coordinator owns the scheduled-connection records and the active chat
// session. All methods must be called from the portal owner goroutine;
// Tick is driven by its tick hook.
type Coordinator struct {
	portal   *portal.Session
	cfg      *config.Config
	profiles *appprofile.Manager
	schedule *appschedule.Manager
	reaction reaction.Reaction
	store    Persister

	scheduled []*ScheduledConnection
	active    *chat.Session

	onSessionChanged func(s *chat.Session)

	// jitter draws the randomized join delay, uniform over (0, max].
	jitter func(max time.Duration) time.Duration
}

// New creates a coordinator and registers its tick hook on the portal
// session.
func New(p *portal.Session, cfg *config.Config, profiles *appprofile.Manager,
	sched *appschedule.Manager, r reaction.Reaction, st Persister) *Coordinator {
	c := &Coordinator{
		portal:   p,
		cfg:      cfg,
		profiles: profiles,
		schedule: sched,
		reaction: r,
		store:    st,
		jitter: func(max time.Duration) time.Duration {
			return time.Duration(rand.Int64N(int64(max))) + 1
		},
	}
	p.OnTick(c.Tick)
	return c
}

// SetOnSessionChanged installs the callback fired when the active chat
// session is replaced. A nil session means no lesson is running.
func (c *Coordinator) SetOnSessionChanged(fn func(s *chat.Session)) {
	c.onSessionChanged = fn
}

// Restore installs previously persisted scheduled-connection records.
// Must run before the first tick.
func (c *Coordinator) Restore(records []store.ScheduledRecord) {
	for _, r := range records {
		c.scheduled = append(c.scheduled, &ScheduledConnection{
			Username: r.Username,
			ChatLink: r.ChatLink,
			JoinTime: r.JoinTime,
			Fired:    r.Fired,
		})
	}
	zlog.Info().Int("count", len(records)).Msg("scheduled connections restored")
}

// Scheduled returns a snapshot of the current records.
func (c *Coordinator) Scheduled() []ScheduledConnection {
	out := make([]ScheduledConnection, 0, len(c.scheduled))
	for _, sc := range c.scheduled {
		out = append(out, *sc)
	}
	return out
}

// ActiveSession returns the chat session of the current lesson, or nil.
func (c *Coordinator) ActiveSession() *chat.Session {
	return c.active
}

// Tick runs one coordinator pass for the instant now.
func (c *Coordinator) Tick(now time.Time) {
	lesson := c.schedule.CurrentLesson(now)
	if lesson == nil {
		c.teardown()
		return
	}

	link := c.cfg.ChatIndexLink(lesson.ChatID)
	if c.active == nil || c.active.ChatIndexLink() != link {
		// Records for the new room survive the swap: after a restart
		// into a still-running lesson their fired flags must hold.
		// Stale-room records are reaped below.
		c.closeSession()
		c.openSession(lesson.SilentMode, link)
		zlog.Info().Str("session_id", c.active.ID()).Str("lesson", lesson.Name).
			Str("chat_link", link).Msg("lesson started")
	}

	lessonStart := lesson.StartTime(now)
	mutated := c.ensureScheduled(lessonStart, link)
	mutated = c.reapAndOpen(now, link) || mutated
	if mutated {
		c.persist()
	}

	c.active.Update(now)
}

// openSession creates the chat session for the new room and attaches
// the coordinator's listeners.
func (c *Coordinator) openSession(silent bool, link string) {
	s := chat.NewSession(c.portal, c.profiles, link, silent)
	s.SetBotMatcher(c.ownsProfileID)
	s.AddConnectionListener(c)
	s.AddActionListener(c)
	c.active = s
	if c.onSessionChanged != nil {
		c.onSessionChanged(s)
	}
}

// teardown ends the lesson: close the active session and drop every
// scheduled record.
func (c *Coordinator) teardown() {
	c.closeSession()
	if len(c.scheduled) > 0 {
		c.scheduled = nil
		c.persist()
	}
}

// closeSession closes the active chat session, keeping the scheduled
// records. Closing kills every connection of the session, so the
// records' connection pointers are cleared with it.
func (c *Coordinator) closeSession() {
	if c.active == nil {
		return
	}
	c.active.Close()
	c.active = nil
	for _, sc := range c.scheduled {
		sc.conn = nil
	}
	if c.onSessionChanged != nil {
		c.onSessionChanged(nil)
	}
}

// ensureScheduled creates a record for every profile not yet scheduled
// into the active room. The join time is drawn once per record.
func (c *Coordinator) ensureScheduled(lessonStart time.Time, link string) bool {
	mutated := false
	for _, p := range c.profiles.All() {
		if c.find(p.Username, link) != nil {
			continue
		}
		maxLate := p.MaximumLateTime
		if maxLate <= 0 {
			maxLate = time.Duration(c.cfg.Bot.DefaultMaxLateTimeMs) * time.Millisecond
		}
		sc := &ScheduledConnection{
			Username: p.Username,
			ChatLink: link,
			JoinTime: lessonStart.Add(c.jitter(maxLate)),
		}
		c.scheduled = append(c.scheduled, sc)
		mutated = true
		zlog.Info().Str("username", p.Username).Time("join_time", sc.JoinTime).
			Msg("join scheduled")
	}
	return mutated
}

// reapAndOpen re-resolves every record's profile, drops records that no
// longer belong to the active room, and opens the chat connection for
// records whose join time has passed. Removal is two-phase.
func (c *Coordinator) reapAndOpen(now time.Time, link string) bool {
	kept := c.scheduled[:0]
	mutated := false
	for _, sc := range c.scheduled {
		p, err := c.profiles.Get(sc.Username)
		if err != nil || sc.ChatLink != link {
			if sc.conn != nil {
				c.active.DestroyConnection(sc.conn)
			}
			mutated = true
			zlog.Info().Str("username", sc.Username).Msg("scheduled connection dropped")
			continue
		}
		kept = append(kept, sc)

		if sc.conn == nil && now.After(sc.JoinTime) && p.Valid {
			sc.conn = c.active.CreateConnection(p)
			sc.conn.Open()
		}
	}
	c.scheduled = kept
	return mutated
}

// Connected implements chat.ConnectionListener: fire the join reaction
// exactly once per record, surviving restarts via the persisted flag.
func (c *Coordinator) Connected(conn *chat.Connection) {
	sc := c.findLive(conn)
	if sc == nil || sc.Fired {
		return
	}
	sc.Fired = true
	c.persist()
	c.invokeReaction(conn, func() error {
		return c.reaction.OnConnected(conn)
	})
}

// Failed implements chat.ConnectionListener. The record's connection
// pointer is cleared so the next tick recreates the connection; the
// fired flag keeps the join reaction from repeating.
func (c *Coordinator) Failed(conn *chat.Connection, err error) {
	zlog.Error().Str("profile", conn.Profile().String()).Err(err).
		Msg("chat connection lost")
	if sc := c.findLive(conn); sc != nil {
		sc.conn = nil
	}
}

// Action implements chat.ActionListener.
func (c *Coordinator) Action(conn *chat.Connection, a *chat.Action) {
	c.invokeReaction(conn, func() error {
		return c.reaction.OnChatAction(conn, a)
	})
}

// Reconnect re-validates every profile and clears dead connection
// pointers so the next tick can walk the affected profiles back into
// the room. Invoked after a connectivity outage ends.
func (c *Coordinator) Reconnect() {
	zlog.Info().Msg("reconnecting profiles")
	c.CheckProfiles()
	for _, sc := range c.scheduled {
		if sc.conn != nil && sc.conn.State() != chat.StatePolling {
			sc.conn = nil
		}
	}
}

// CheckProfiles runs the check/login fallback for every profile.
func (c *Coordinator) CheckProfiles() {
	for _, p := range c.profiles.All() {
		if err := c.profiles.Check(p); err != nil {
			zlog.Error().Str("username", p.Username).Err(err).Msg("profile check failed")
		}
	}
}

// invokeReaction shields the tick from reaction failures, including
// panics from pluggable implementations.
func (c *Coordinator) invokeReaction(conn *chat.Connection, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Str("profile", conn.Profile().String()).
				Msgf("reaction panicked: %v", r)
		}
	}()
	if err := fn(); err != nil {
		zlog.Error().Str("profile", conn.Profile().String()).Err(err).
			Msg("reaction failed")
	}
}

func (c *Coordinator) find(username, link string) *ScheduledConnection {
	for _, sc := range c.scheduled {
		if sc.Username == username && sc.ChatLink == link {
			return sc
		}
	}
	return nil
}

func (c *Coordinator) findLive(conn *chat.Connection) *ScheduledConnection {
	for _, sc := range c.scheduled {
		if sc.conn == conn {
			return sc
		}
	}
	return nil
}

func (c *Coordinator) ownsProfileID(userID string) bool {
	if userID == "" {
		return false
	}
	for _, p := range c.profiles.All() {
		if p.ProfileID == userID {
			return true
		}
	}
	return false
}

func (c *Coordinator) persist() {
	if c.store == nil {
		return
	}
	records := make([]store.ScheduledRecord, 0, len(c.scheduled))
	for _, sc := range c.scheduled {
		records = append(records, store.ScheduledRecord{
			Username: sc.Username,
			ChatLink: sc.ChatLink,
			JoinTime: sc.JoinTime,
			Fired:    sc.Fired,
		})
	}
	if err := c.store.SaveScheduledConnections(records); err != nil {
		zlog.Error().Err(err).Msg("failed to persist scheduled connections")
	}
}
