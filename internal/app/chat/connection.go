package chat

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/eosbot/internal/domain/profile"
	"github.com/osa030/eosbot/internal/infra/portal"
)

// State is a chat connection's protocol phase.
type State int

const (
	// StateDisconnected is the initial phase before Open.
	StateDisconnected State = iota
	// StateConnecting means the landing page fetch is in flight.
	StateConnecting
	// StateConfiguring means configuration parsed and the init exchange
	// is in flight.
	StateConfiguring
	// StatePolling is the connected steady state.
	StatePolling
	// StateClosed is the terminal phase after an orderly close.
	StateClosed
	// StateInvalid is the terminal phase after any protocol, transport
	// or parse error. There is no automatic reconnect from here.
	StateInvalid
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConfiguring:
		return "configuring"
	case StatePolling:
		return "polling"
	case StateClosed:
		return "closed"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// PongTimeout is the slack on top of the ping period after which a
// silent server is treated as a dead connection.
const PongTimeout = 15 * time.Second

// Connection is one profile's live link to one chat room. All methods
// must be called from the session owner goroutine; network callbacks
// arrive there via the command queue.
type Connection struct {
	session *Session
	profile *profile.Profile
	cfg     *Configuration

	state    State
	lastPing time.Time
	lastPong time.Time

	// Server continuation cursors. Only mutated by update responses
	// that decode cleanly.
	lastTime string
	lastRow  string

	seen map[string]struct{}
}

func newConnection(session *Session, p *profile.Profile) *Connection {
	return &Connection{
		session:  session,
		profile:  p,
		state:    StateDisconnected,
		lastTime: "",
		lastRow:  "0",
		seen:     map[string]struct{}{},
	}
}

// Profile returns the owning profile.
func (c *Connection) Profile() *profile.Profile {
	return c.profile
}

// State returns the protocol phase.
func (c *Connection) State() State {
	return c.state
}

// Configuration returns the parsed chat configuration, or nil before
// the configuring phase completed its parse.
func (c *Connection) Configuration() *Configuration {
	return c.cfg
}

// Open starts the protocol: select the owning profile's identity and
// fetch the chat landing page. Calling Open in any state but
// Disconnected is a no-op.
func (c *Connection) Open() {
	if c.state != StateDisconnected {
		return
	}
	c.state = StateConnecting
	c.session.selector.Select(c.profile)

	req, err := c.session.portal.BuildGet(c.session.chatIndexLink, nil)
	if err != nil {
		c.fail(err)
		return
	}
	c.session.portal.ExecuteAsync(req, portal.KindDocument, func(result any, err error) {
		if c.terminal() {
			return
		}
		if err != nil {
			c.fail(errors.Wrap(err, "chat page fetch failed"))
			return
		}
		c.configure(result.(*goquery.Document))
	})
}

// configure parses the landing page and runs the init exchange.
func (c *Connection) configure(page *goquery.Document) {
	cfg, err := ParseConfiguration(page, c.session.chatIndexLink)
	if err != nil {
		c.fail(err)
		return
	}
	c.cfg = cfg
	c.state = StateConfiguring

	// Another connection may have selected its own identity since the
	// page fetch; reselect before the cookies are frozen onto the
	// request.
	c.session.selector.Select(c.profile)
	req, err := c.session.portal.BuildPost(cfg.EndpointURL, map[string]string{
		"action":    "init",
		"chat_init": "1",
		"chat_sid":  cfg.SessionID,
		"theme":     cfg.Theme,
	})
	if err != nil {
		c.fail(err)
		return
	}
	c.session.portal.ExecuteAsync(req, portal.KindJSON, func(result any, err error) {
		if c.terminal() {
			return
		}
		if err != nil {
			c.fail(errors.Wrap(err, "chat init failed"))
			return
		}
		if _, ok := c.processUpdate(result.(json.RawMessage)); !ok {
			return
		}
		c.state = StatePolling
		c.lastPong = time.Now()
		zlog.Info().Str("session_id", c.session.id).
			Str("profile", c.profile.String()).
			Str("chat", c.cfg.Title).Msg("connected to chat")
		c.session.fireConnected(c)
	})
}

// Update drives the poll loop. It reports false once the connection is
// terminal, which tells the owning session to drop it.
func (c *Connection) Update(now time.Time) bool {
	switch c.state {
	case StateClosed, StateInvalid:
		return false
	case StatePolling:
	default:
		return true
	}

	if now.Sub(c.lastPong) > c.cfg.PingPeriod+PongTimeout {
		c.fail(errors.Newf("chat %q stopped answering", c.cfg.Title))
		return false
	}
	if now.After(c.lastPing.Add(c.cfg.PingPeriod)) {
		c.ping(now)
	}
	return true
}

// ping fires one asynchronous update poll. Never blocks the caller.
func (c *Connection) ping(now time.Time) {
	c.lastPing = now

	c.session.selector.Select(c.profile)
	req, err := c.session.portal.BuildPost(c.cfg.EndpointURL, map[string]string{
		"action":        "update",
		"chat_lastrow":  c.lastRow,
		"chat_lasttime": c.lastTime,
		"chat_sid":      c.cfg.SessionID,
		"theme":         c.cfg.Theme,
	})
	if err != nil {
		c.fail(err)
		return
	}
	c.session.portal.ExecuteAsync(req, portal.KindJSON, func(result any, err error) {
		if c.terminal() {
			return
		}
		if err != nil {
			c.fail(errors.Wrap(err, "chat update failed"))
			return
		}
		action, ok := c.processUpdate(result.(json.RawMessage))
		if !ok {
			return
		}
		c.lastPong = time.Now()
		if !action.Empty() {
			c.session.fireAction(c, action)
		}
	})
}

// SendMessage posts a chat message. Before the connection is polling it
// is a logged no-op; in silent mode the delivery is suppressed but
// still logged. A negative server ack is a soft failure that leaves the
// connection alive.
func (c *Connection) SendMessage(text string) {
	if c.state != StatePolling {
		zlog.Warn().Str("profile", c.profile.String()).
			Str("state", c.state.String()).
			Msg("dropping chat message, connection not configured")
		return
	}
	if c.session.silent {
		zlog.Info().Str("profile", c.profile.String()).
			Str("chat", c.cfg.Title).Str("text", text).
			Msg("silent mode, message suppressed")
		return
	}

	c.session.selector.Select(c.profile)
	req, err := c.session.portal.BuildPost(c.cfg.EndpointURL, map[string]string{
		"action":       "chat",
		"chat_message": text,
		"chat_sid":     c.cfg.SessionID,
		"theme":        c.cfg.Theme,
	})
	if err != nil {
		c.fail(err)
		return
	}
	c.session.portal.ExecuteAsync(req, portal.KindText, func(result any, err error) {
		if c.terminal() {
			return
		}
		if err != nil {
			c.fail(errors.Wrap(err, "chat send failed"))
			return
		}
		if !strings.EqualFold(strings.TrimSpace(result.(string)), "true") {
			zlog.Warn().Str("profile", c.profile.String()).
				Str("chat", c.cfg.Title).Msg("chat message not delivered")
		}
	})

	zlog.Info().Str("profile", c.profile.String()).
		Str("chat", c.cfg.Title).Str("text", text).Msg("message sent")
}

// Close takes the connection to its orderly terminal state. In-flight
// callbacks are discarded on arrival. Idempotent.
func (c *Connection) Close() {
	if c.terminal() {
		return
	}
	c.state = StateClosed
}

// processUpdate applies the shared update-response decoding rule. On any
// malformed or error-carrying payload the connection is invalidated and
// its cursor state is left untouched.
func (c *Connection) processUpdate(raw json.RawMessage) (*Action, bool) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		c.fail(errors.New("chat response is not a json object"))
		return nil, false
	}
	if errRaw, ok := payload["error"]; ok {
		c.fail(errors.Newf("chat server error: %s", jsonString(errRaw)))
		return nil, false
	}

	action, err := c.decodeAction(payload)
	if err != nil {
		c.fail(err)
		return nil, false
	}

	// Cursors move only after the whole payload decoded cleanly.
	c.lastTime = ""
	if v, ok := payload["lasttime"]; ok {
		c.lastTime = jsonString(v)
	}
	c.lastRow = "0"
	if v, ok := payload["lastrow"]; ok {
		c.lastRow = jsonString(v)
	}
	return action, true
}

// decodeAction extracts the chat activity from an update payload:
// a full user-snapshot replacement and the not-yet-seen messages.
func (c *Connection) decodeAction(payload map[string]json.RawMessage) (*Action, error) {
	action := &Action{}

	if msgsRaw, ok := payload["msgs"]; ok {
		var msgs map[string]json.RawMessage
		if err := json.Unmarshal(msgsRaw, &msgs); err != nil {
			return nil, errors.Wrap(err, "malformed msgs object")
		}
		keys := make([]string, 0, len(msgs))
		for k := range msgs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			msg, err := parseMessage(msgs[k])
			if err != nil {
				return nil, err
			}
			if _, dup := c.seen[msg.ID]; dup {
				continue
			}
			c.seen[msg.ID] = struct{}{}
			action.Messages = append(action.Messages, msg)
		}
	}

	if usersRaw, ok := payload["users"]; ok {
		users := []UserInfo{}
		if err := json.Unmarshal(usersRaw, &users); err != nil {
			return nil, errors.Wrap(err, "malformed users array")
		}
		for i := range users {
			users[i].Bot = c.session.isBot(users[i].ID)
		}
		action.Users = users
	}

	return action, nil
}

// fail moves the connection to Invalid and fires the error event
// exactly once. No-op on an already-terminal connection.
func (c *Connection) fail(err error) {
	if c.terminal() {
		return
	}
	c.state = StateInvalid
	zlog.Error().Str("profile", c.profile.String()).Err(err).Msg("chat connection failed")
	c.session.fireError(c, err)
}

func (c *Connection) terminal() bool {
	return c.state == StateClosed || c.state == StateInvalid
}

// jsonString renders a raw JSON scalar as its plain string value.
func jsonString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
