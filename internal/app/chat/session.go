// Package chat implements the portal chat protocol: per-connection
// configuration scraping, the poll-loop state machine and the per-room
// session registry that fans chat events out to listeners.
package chat

import (
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/eosbot/internal/domain/profile"
	"github.com/osa030/eosbot/internal/infra/portal"
)

// ProfileSelector makes a profile's cookie identity the active one on
// the shared portal session before a request is built.
type ProfileSelector interface {
	Select(p *profile.Profile)
}

// ConnectionListener receives connection-lifecycle events.
type ConnectionListener interface {
	Connected(c *Connection)
	Failed(c *Connection, err error)
}

// ActionListener receives chat activity batches.
type ActionListener interface {
	Action(c *Connection, a *Action)
}

// Session is one chat room's connection registry, keyed by the chat
// index link. At most one connection exists per profile. All methods
// must be called from the portal owner goroutine.
type Session struct {
	id            string
	portal        *portal.Session
	selector      ProfileSelector
	chatIndexLink string
	silent        bool

	connections map[*profile.Profile]*Connection

	connectionListeners []ConnectionListener
	actionListeners     []ActionListener

	// isBot reports whether a chat user id belongs to one of this
	// process's own profiles.
	isBot func(userID string) bool
}

// NewSession creates a session for one chat room. silent suppresses
// message delivery on every connection of this session.
func NewSession(p *portal.Session, selector ProfileSelector, chatIndexLink string, silent bool) *Session {
	return &Session{
		id:            uuid.NewString(),
		portal:        p,
		selector:      selector,
		chatIndexLink: chatIndexLink,
		silent:        silent,
		connections:   map[*profile.Profile]*Connection{},
		isBot:         func(string) bool { return false },
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// ChatIndexLink returns the chat room link this session is keyed by.
func (s *Session) ChatIndexLink() string {
	return s.chatIndexLink
}

// SetBotMatcher installs the predicate used to flag the process's own
// profiles in user snapshots.
func (s *Session) SetBotMatcher(fn func(userID string) bool) {
	if fn != nil {
		s.isBot = fn
	}
}

// AddConnectionListener registers a lifecycle listener. Listeners must
// be registered before connections are created.
func (s *Session) AddConnectionListener(l ConnectionListener) {
	s.connectionListeners = append(s.connectionListeners, l)
}

// AddActionListener registers a chat-activity listener.
func (s *Session) AddActionListener(l ActionListener) {
	s.actionListeners = append(s.actionListeners, l)
}

// CreateConnection returns the profile's connection, creating it in the
// Disconnected state when absent. Idempotent per profile.
func (s *Session) CreateConnection(p *profile.Profile) *Connection {
	if c, ok := s.connections[p]; ok {
		return c
	}
	c := newConnection(s, p)
	s.connections[p] = c
	return c
}

// Connection returns the profile's live connection, or nil.
func (s *Session) Connection(p *profile.Profile) *Connection {
	return s.connections[p]
}

// DestroyConnection closes and unregisters the connection.
func (s *Session) DestroyConnection(c *Connection) {
	c.Close()
	delete(s.connections, c.profile)
}

// Update ticks every connection and drops those that report terminal.
// Removal is two-phase so connection callbacks never mutate the map
// mid-iteration.
func (s *Session) Update(now time.Time) {
	var dead []*profile.Profile
	for p, c := range s.connections {
		if !c.Update(now) {
			dead = append(dead, p)
		}
	}
	for _, p := range dead {
		delete(s.connections, p)
	}
}

// Close closes every connection and empties the registry.
func (s *Session) Close() {
	for _, c := range s.connections {
		c.Close()
	}
	s.connections = map[*profile.Profile]*Connection{}
	zlog.Debug().Str("session_id", s.id).Str("chat_link", s.chatIndexLink).
		Msg("chat session closed")
}

// Event fan-out goes through the command queue so listener code always
// runs on the owner goroutine, in per-connection arrival order.

func (s *Session) fireConnected(c *Connection) {
	listeners := s.connectionListeners
	s.portal.Invoke(func() {
		for _, l := range listeners {
			l.Connected(c)
		}
	})
}

func (s *Session) fireError(c *Connection, err error) {
	listeners := s.connectionListeners
	s.portal.Invoke(func() {
		for _, l := range listeners {
			l.Failed(c, err)
		}
	})
}

func (s *Session) fireAction(c *Connection, a *Action) {
	listeners := s.actionListeners
	s.portal.Invoke(func() {
		for _, l := range listeners {
			l.Action(c, a)
		}
	})
}
