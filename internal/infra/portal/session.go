// Package portal provides the HTTP session shared by all bot accounts.
//
// A single Session owns the cookie jar, both HTTP execution paths and the
// command queue that serializes every stateful operation onto one owner
// goroutine. Network I/O runs on its own goroutines, but completion
// callbacks are always marshalled back through the command queue, so
// domain state never needs locks.
package portal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// MaxRedirects bounds redirect chains on every portal request.
const MaxRedirects = 10

// ErrRedirectLimit is returned when a request exceeds MaxRedirects.
var ErrRedirectLimit = errors.New("redirect limit exceeded")

// Session is the process-wide HTTP session.
type Session struct {
	baseURL *url.URL

	jar *cookiejar.Jar
	// client carries the shared jar and is used on the synchronous path.
	client *http.Client
	// asyncClient is jarless; async requests carry a cookie snapshot
	// frozen at dispatch time so overlapping requests for different
	// profiles cannot cross-pollinate identities.
	asyncClient *http.Client

	mu       sync.Mutex
	commands []func()
	wake     chan struct{}

	tickFns []func(now time.Time)
}

// New creates a session for the given portal base URL.
func New(baseURL string) (*Session, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid portal base url %q", baseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cookie jar")
	}

	checkRedirect := func(req *http.Request, via []*http.Request) error {
		if len(via) > MaxRedirects {
			return ErrRedirectLimit
		}
		return nil
	}

	return &Session{
		baseURL:     u,
		jar:         jar,
		client:      &http.Client{Jar: jar, CheckRedirect: checkRedirect},
		asyncClient: &http.Client{CheckRedirect: checkRedirect},
		wake:        make(chan struct{}, 1),
	}, nil
}

// BaseURL returns the portal root URL.
func (s *Session) BaseURL() *url.URL {
	return s.baseURL
}

// SetCookie stores a cookie in the shared jar, replacing any previous
// value with the same name.
func (s *Session) SetCookie(name, value string) {
	s.jar.SetCookies(s.baseURL, []*http.Cookie{{
		Name:  name,
		Value: value,
		Path:  "/",
	}})
}

// ClearCookies drops all cookies from the shared jar.
func (s *Session) ClearCookies() {
	// net/http/cookiejar has no clear operation; swap in a fresh jar.
	jar, err := cookiejar.New(nil)
	if err != nil {
		// cookiejar.New only fails on bad options, and we pass none.
		panic(err)
	}
	s.jar = jar
	s.client.Jar = jar
}

// CookieValue returns the named cookie's value, or "" if absent.
func (s *Session) CookieValue(name string) string {
	for _, c := range s.jar.Cookies(s.baseURL) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// Execute runs the request synchronously on the calling goroutine and
// decodes the response per kind. Any non-200 status is an error.
func (s *Session) Execute(req *Request, kind ResponseKind) (any, error) {
	return s.do(s.client, req.req, kind)
}

// ExecuteAsync dispatches the request on an I/O goroutine and invokes cb
// on the owner goroutine via the command queue. The request's cookie
// identity is frozen from the jar at dispatch time.
func (s *Session) ExecuteAsync(req *Request, kind ResponseKind, cb func(any, error)) {
	for _, c := range s.jar.Cookies(req.req.URL) {
		req.req.AddCookie(c)
	}

	go func() {
		result, err := s.do(s.asyncClient, req.req, kind)
		s.Invoke(func() {
			cb(result, err)
		})
	}()
}

// do executes the request and decodes the body per kind.
func (s *Session) do(client *http.Client, req *http.Request, kind ResponseKind) (any, error) {
	if kind != KindText && kind != KindDocument && kind != KindJSON {
		return nil, errors.Newf("unsupported response kind: %d", int(kind))
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, ErrRedirectLimit) {
			return nil, errors.Wrapf(ErrRedirectLimit, "request to %s", req.URL)
		}
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("invalid status: %d %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	switch kind {
	case KindDocument:
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse response document")
		}
		return doc, nil
	case KindJSON:
		if !json.Valid(body) {
			return nil, errors.Newf("malformed json response: %s", truncate(string(body), 256))
		}
		return json.RawMessage(body), nil
	default:
		return string(body), nil
	}
}

// Invoke enqueues fn for execution on the owner goroutine.
func (s *Session) Invoke(fn func()) {
	s.mu.Lock()
	s.commands = append(s.commands, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// InvokeWait enqueues fn and blocks until the owner goroutine has run it.
// Must not be called from the owner goroutine itself.
func (s *Session) InvokeWait(fn func()) {
	done := make(chan struct{})
	s.Invoke(func() {
		defer close(done)
		fn()
	})
	<-done
}

// OnTick registers an update hook run by the owner loop once per tick.
// All hooks must be registered before Run is called.
func (s *Session) OnTick(fn func(now time.Time)) {
	s.tickFns = append(s.tickFns, fn)
}

// Run occupies the calling goroutine as the session owner: it drains the
// command queue and drives the registered tick hooks until ctx is done.
func (s *Session) Run(ctx context.Context, tickInterval time.Duration) {
	zlog.Info().Msg("command processing started")

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			zlog.Info().Msg("command processing terminated")
			return
		case <-s.wake:
			s.drain()
		case now := <-ticker.C:
			s.drain()
			for _, fn := range s.tickFns {
				fn(now)
			}
		}
	}
}

// drain runs all queued commands in arrival order.
func (s *Session) drain() {
	for {
		s.mu.Lock()
		if len(s.commands) == 0 {
			s.mu.Unlock()
			return
		}
		cmds := s.commands
		s.commands = nil
		s.mu.Unlock()

		for _, cmd := range cmds {
			s.runCommand(cmd)
		}
	}
}

func (s *Session) runCommand(cmd func()) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Msgf("command panicked: %v", r)
		}
	}()
	cmd()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
