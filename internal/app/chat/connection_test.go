package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/eosbot/internal/domain/profile"
	"github.com/osa030/eosbot/internal/infra/portal"
)

type noopSelector struct{}

func (noopSelector) Select(*profile.Profile) {}

func newBareConnection(t *testing.T) *Connection {
	t.Helper()
	ps, err := portal.New("http://eos.example")
	require.NoError(t, err)
	s := NewSession(ps, noopSelector{}, chatIndexLink, false)
	return s.CreateConnection(profile.New("alice", "pw1"))
}

const messageHTML = `<div class=\"chat-message\"><div class=\"chat-message-meta\">` +
	`<span class=\"time\">10:01</span><span class=\"user\"><a href=\"#\">Alice Anderson</a></span>` +
	`</div><div class=\"text\">hello</div></div>`

const systemHTML = `<div class=\"chat-event\"><span class=\"time\">10:00</span>` +
	`<span class=\"event\">Alice Anderson entered the room</span></div>`

func TestProcessUpdateErrorPayloadKeepsCursors(t *testing.T) {
	c := newBareConnection(t)
	c.state = StatePolling
	c.lastTime = "100"
	c.lastRow = "7"

	_, ok := c.processUpdate(json.RawMessage(`{"error":"kicked","lasttime":"999","lastrow":"999"}`))
	require.False(t, ok)
	assert.Equal(t, StateInvalid, c.State())
	assert.Equal(t, "100", c.lastTime)
	assert.Equal(t, "7", c.lastRow)
}

func TestProcessUpdateNonObjectPayload(t *testing.T) {
	c := newBareConnection(t)
	c.state = StatePolling
	c.lastRow = "7"

	_, ok := c.processUpdate(json.RawMessage(`[1,2,3]`))
	require.False(t, ok)
	assert.Equal(t, StateInvalid, c.State())
	assert.Equal(t, "7", c.lastRow)
}

func TestProcessUpdateMalformedMessagesKeepCursors(t *testing.T) {
	c := newBareConnection(t)
	c.state = StatePolling
	c.lastTime = "100"

	_, ok := c.processUpdate(json.RawMessage(`{"lasttime":"200","msgs":{"0":{"userid":"1","message":"x"}}}`))
	require.False(t, ok, "a message without an id must fail the whole payload")
	assert.Equal(t, "100", c.lastTime)
}

func TestProcessUpdateCursorDefaults(t *testing.T) {
	c := newBareConnection(t)
	c.state = StatePolling
	c.lastTime = "100"
	c.lastRow = "7"

	_, ok := c.processUpdate(json.RawMessage(`{}`))
	require.True(t, ok)
	assert.Equal(t, "", c.lastTime)
	assert.Equal(t, "0", c.lastRow)

	_, ok = c.processUpdate(json.RawMessage(`{"lasttime":1588000000,"lastrow":12}`))
	require.True(t, ok, "numeric cursors must be accepted")
	assert.Equal(t, "1588000000", c.lastTime)
	assert.Equal(t, "12", c.lastRow)
}

func TestMessageDeduplication(t *testing.T) {
	c := newBareConnection(t)
	c.state = StatePolling

	payload := fmt.Sprintf(`{"msgs":{"0":{"id":"m1","userid":"5","message":"%s"}}}`, messageHTML)

	action, ok := c.processUpdate(json.RawMessage(payload))
	require.True(t, ok)
	require.Len(t, action.Messages, 1)
	assert.Equal(t, "m1", action.Messages[0].ID)
	assert.Equal(t, "Alice Anderson", action.Messages[0].User)
	assert.Equal(t, "hello", action.Messages[0].Text)
	assert.Equal(t, "10:01", action.Messages[0].Time)

	action, ok = c.processUpdate(json.RawMessage(payload))
	require.True(t, ok)
	assert.Empty(t, action.Messages, "a replayed message id must not surface again")
	assert.True(t, action.Empty())
}

func TestSystemMessageParsing(t *testing.T) {
	c := newBareConnection(t)
	c.state = StatePolling

	payload := fmt.Sprintf(`{"msgs":{"0":{"id":"m2","userid":"5","system":"1","message":"%s"}}}`, systemHTML)

	action, ok := c.processUpdate(json.RawMessage(payload))
	require.True(t, ok)
	require.Len(t, action.Messages, 1)
	assert.Equal(t, MessageTypeSystem, action.Messages[0].Type)
	assert.Equal(t, "Alice Anderson entered the room", action.Messages[0].Text)
	assert.Empty(t, action.Messages[0].User)
}

func TestUserSnapshotReplacesAndFlagsBots(t *testing.T) {
	c := newBareConnection(t)
	c.state = StatePolling
	c.session.SetBotMatcher(func(id string) bool { return id == "77" })

	action, ok := c.processUpdate(json.RawMessage(
		`{"users":[{"name":"Alice","url":"u","picture":"p","id":"77"},{"name":"Carol","url":"u2","picture":"p2","id":"78"}]}`))
	require.True(t, ok)
	require.Len(t, action.Users, 2)
	assert.True(t, action.Users[0].Bot)
	assert.False(t, action.Users[1].Bot)

	action, ok = c.processUpdate(json.RawMessage(`{"users":[]}`))
	require.True(t, ok)
	require.NotNil(t, action.Users, "an empty snapshot still replaces the user list")
	assert.Empty(t, action.Users)

	action, ok = c.processUpdate(json.RawMessage(`{}`))
	require.True(t, ok)
	assert.Nil(t, action.Users, "no snapshot present means no replacement")
}

func TestPongWatchdogInvalidatesSilentConnection(t *testing.T) {
	c := newBareConnection(t)
	c.state = StatePolling
	c.cfg = &Configuration{Title: "Algebra", PingPeriod: 10 * time.Millisecond}
	c.lastPong = time.Now().Add(-time.Minute)

	assert.False(t, c.Update(time.Now()))
	assert.Equal(t, StateInvalid, c.State())
}

func TestUpdateBeforePollingIsAlive(t *testing.T) {
	c := newBareConnection(t)
	assert.True(t, c.Update(time.Now()), "an unopened connection stays registered")

	c.state = StateConnecting
	assert.True(t, c.Update(time.Now()))

	c.Close()
	assert.False(t, c.Update(time.Now()))
}

// fakeChat emulates the chat landing page and AJAX endpoint.
type fakeChat struct {
	srv *httptest.Server

	mu         sync.Mutex
	updates    int
	sends      []string
	identities []string
	failAll    bool
}

func newFakeChat(t *testing.T) *fakeChat {
	t.Helper()
	f := &fakeChat{}

	mux := http.NewServeMux()
	mux.HandleFunc("/mod/chat/gui_ajax/index.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head>
<script>M.cfg = {"sesskey":"sk123"};</script>
<script>M.mod_chat_ajax.init(Y,{"chatroom_name":"Algebra","timer":30,"sid":"sid-1","theme":"bubble"});</script>
</head><body></body></html>`)
	})
	mux.HandleFunc("/mod/chat/chat_ajax.php", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "sk123", r.URL.Query().Get("sesskey"))

		f.mu.Lock()
		defer f.mu.Unlock()
		if ck, err := r.Cookie("MoodleSession"); err == nil {
			f.identities = append(f.identities, ck.Value)
		}
		if f.failAll {
			fmt.Fprint(w, `{"error":"you were kicked"}`)
			return
		}

		switch r.PostForm.Get("action") {
		case "init":
			require.Equal(t, "1", r.PostForm.Get("chat_init"))
			require.Equal(t, "sid-1", r.PostForm.Get("chat_sid"))
			fmt.Fprint(w, `{"lasttime":"100","lastrow":"5"}`)
		case "update":
			f.updates++
			if f.updates == 1 {
				fmt.Fprintf(w, `{"lasttime":"101","lastrow":"6",
					"msgs":{"0":{"id":"m1","userid":"78","message":"%s"}},
					"users":[{"name":"Alice","url":"u","picture":"p","id":"77"}]}`, messageHTML)
			} else {
				fmt.Fprint(w, `{"lasttime":"101","lastrow":"6"}`)
			}
		case "chat":
			f.sends = append(f.sends, r.PostForm.Get("chat_message"))
			fmt.Fprint(w, "true")
		default:
			t.Errorf("unexpected chat action %q", r.PostForm.Get("action"))
		}
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

type recordListener struct {
	connected chan *Connection
	failed    chan error
}

func (l *recordListener) Connected(c *Connection)       { l.connected <- c }
func (l *recordListener) Failed(c *Connection, e error) { l.failed <- e }

type recordActions struct{ ch chan *Action }

func (l *recordActions) Action(c *Connection, a *Action) { l.ch <- a }

func startOwnerLoop(t *testing.T, ps *portal.Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ps.Run(ctx, 5*time.Millisecond)
}

func TestConnectionProtocolEndToEnd(t *testing.T) {
	f := newFakeChat(t)

	ps, err := portal.New(f.srv.URL)
	require.NoError(t, err)

	sess := NewSession(ps, noopSelector{}, f.srv.URL+"/mod/chat/gui_ajax/index.php?id=42", false)
	sess.SetBotMatcher(func(id string) bool { return id == "77" })

	lifecycle := &recordListener{connected: make(chan *Connection, 1), failed: make(chan error, 1)}
	actions := &recordActions{ch: make(chan *Action, 16)}
	sess.AddConnectionListener(lifecycle)
	sess.AddActionListener(actions)

	ps.OnTick(sess.Update)
	startOwnerLoop(t, ps)

	p := profile.New("alice", "pw1")
	ps.InvokeWait(func() {
		conn := sess.CreateConnection(p)
		assert.Same(t, conn, sess.CreateConnection(p), "creation is idempotent per profile")
		conn.Open()
	})

	var conn *Connection
	select {
	case conn = <-lifecycle.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("connection never completed its handshake")
	}

	var state State
	ps.InvokeWait(func() { state = conn.State() })
	assert.Equal(t, StatePolling, state)
	assert.Equal(t, "Algebra", conn.Configuration().Title)

	select {
	case a := <-actions.ch:
		require.Len(t, a.Messages, 1)
		assert.Equal(t, "hello", a.Messages[0].Text)
		require.Len(t, a.Users, 1)
		assert.True(t, a.Users[0].Bot)
	case <-time.After(5 * time.Second):
		t.Fatal("poll loop never delivered the chat action")
	}

	ps.InvokeWait(func() { conn.SendMessage("+") })
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.sends) == 1 && f.sends[0] == "+"
	}, 5*time.Second, 10*time.Millisecond)
}

// cookieSelector mimics the real profile selection: the shared jar holds
// only the selected profile's session cookie.
type cookieSelector struct{ ps *portal.Session }

func (s cookieSelector) Select(p *profile.Profile) {
	s.ps.ClearCookies()
	if p != nil {
		s.ps.SetCookie("MoodleSession", p.Cookies[1])
	}
}

func TestRequestsCarryOwningProfileIdentity(t *testing.T) {
	f := newFakeChat(t)

	ps, err := portal.New(f.srv.URL)
	require.NoError(t, err)

	sess := NewSession(ps, cookieSelector{ps}, f.srv.URL+"/mod/chat/gui_ajax/index.php?id=42", false)
	lifecycle := &recordListener{connected: make(chan *Connection, 1), failed: make(chan error, 1)}
	sess.AddConnectionListener(lifecycle)
	ps.OnTick(sess.Update)
	startOwnerLoop(t, ps)

	alice := profile.New("alice", "pw1")
	alice.Cookies[1] = "alice-session"
	bob := profile.New("bob", "pw2")
	bob.Cookies[1] = "bob-session"

	ps.InvokeWait(func() {
		sess.CreateConnection(alice).Open()
		// bob grabs the shared jar while alice's page fetch is still in
		// flight; the protocol exchanges must reselect alice
		cookieSelector{ps}.Select(bob)
	})

	var conn *Connection
	select {
	case conn = <-lifecycle.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("connection never completed its handshake")
	}

	ps.InvokeWait(func() { conn.SendMessage("+") })
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.sends) == 1
	}, 5*time.Second, 10*time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.identities)
	for _, id := range f.identities {
		assert.Equal(t, "alice-session", id, "request sent under another account's cookies")
	}
}

func TestConnectionServerErrorFiresOnceAndRemoves(t *testing.T) {
	f := newFakeChat(t)

	ps, err := portal.New(f.srv.URL)
	require.NoError(t, err)

	sess := NewSession(ps, noopSelector{}, f.srv.URL+"/mod/chat/gui_ajax/index.php?id=42", false)
	lifecycle := &recordListener{connected: make(chan *Connection, 1), failed: make(chan error, 4)}
	sess.AddConnectionListener(lifecycle)

	ps.OnTick(sess.Update)
	startOwnerLoop(t, ps)

	f.mu.Lock()
	f.failAll = true
	f.mu.Unlock()

	p := profile.New("alice", "pw1")
	ps.InvokeWait(func() { sess.CreateConnection(p).Open() })

	select {
	case err := <-lifecycle.failed:
		assert.Contains(t, err.Error(), "kicked")
	case <-time.After(5 * time.Second):
		t.Fatal("error event never fired")
	}

	require.Eventually(t, func() bool {
		var gone bool
		ps.InvokeWait(func() { gone = sess.Connection(p) == nil })
		return gone
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-lifecycle.failed:
		t.Fatalf("error event fired twice: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSilentModeSuppressesDelivery(t *testing.T) {
	f := newFakeChat(t)

	ps, err := portal.New(f.srv.URL)
	require.NoError(t, err)

	sess := NewSession(ps, noopSelector{}, f.srv.URL+"/mod/chat/gui_ajax/index.php?id=42", true)
	lifecycle := &recordListener{connected: make(chan *Connection, 1), failed: make(chan error, 1)}
	sess.AddConnectionListener(lifecycle)

	ps.OnTick(sess.Update)
	startOwnerLoop(t, ps)

	ps.InvokeWait(func() { sess.CreateConnection(profile.New("alice", "pw1")).Open() })

	var conn *Connection
	select {
	case conn = <-lifecycle.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("connection never completed its handshake")
	}

	ps.InvokeWait(func() { conn.SendMessage("+") })
	time.Sleep(100 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.sends, "silent mode must not deliver messages")
}
