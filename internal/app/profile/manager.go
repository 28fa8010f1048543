// Package profile manages portal accounts: creation, persistence and the
// login/check protocol that keeps their sessions alive.
//
// All methods must be called from the session owner goroutine.
package profile

import (
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/eosbot/internal/domain/profile"
	"github.com/osa030/eosbot/internal/infra/config"
	"github.com/osa030/eosbot/internal/infra/portal"
)

// Portal identity cookie names. The first is the persistent id cookie,
// the second the per-session cookie.
const (
	CookieMoodleID = "MOODLEID1_"
	CookieSession  = "MoodleSession"
)

var (
	// ErrProfileExists is returned when creating a profile whose
	// username is already registered.
	ErrProfileExists = errors.New("profile already exists")
	// ErrProfileNotFound is returned when the named profile is not
	// registered.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrLoginFailed is returned when the portal rejects the
	// credentials or the login page reports an error.
	ErrLoginFailed = errors.New("login failed")
	// ErrLoginPageParse is returned when the portal accepted the login
	// but the response page carries no recognizable user menu. This
	// points at a portal markup change, not at bad credentials.
	ErrLoginPageParse = errors.New("cannot parse login response page")
)

// Persister stores the profile list after every mutation.
type Persister interface {
	SaveProfiles([]*profile.Profile) error
}

// Manager owns the registered profiles, keyed by username.
type Manager struct {
	session  *portal.Session
	cfg      *config.Config
	store    Persister
	profiles map[string]*profile.Profile
}

// NewManager creates an empty profile manager.
func NewManager(session *portal.Session, cfg *config.Config, store Persister) *Manager {
	return &Manager{
		session:  session,
		cfg:      cfg,
		store:    store,
		profiles: map[string]*profile.Profile{},
	}
}

// Restore installs previously persisted profiles. Loaded profiles start
// out invalid until their next check.
func (m *Manager) Restore(profiles []*profile.Profile) {
	for _, p := range profiles {
		p.Invalidate()
		m.profiles[p.Username] = p
	}
	zlog.Info().Int("count", len(profiles)).Msg("profiles restored")
}

// Create registers a new profile. A duplicate username is rejected and
// the existing profile is left untouched.
func (m *Manager) Create(username, password string) (*profile.Profile, error) {
	if _, ok := m.profiles[username]; ok {
		return nil, errors.Wrapf(ErrProfileExists, "username %q", username)
	}

	p := profile.New(username, password)
	m.profiles[username] = p
	m.persist()

	zlog.Info().Str("username", username).Msg("profile created")
	return p, nil
}

// Delete removes a profile.
func (m *Manager) Delete(username string) error {
	if _, ok := m.profiles[username]; !ok {
		return errors.Wrapf(ErrProfileNotFound, "username %q", username)
	}
	delete(m.profiles, username)
	m.persist()

	zlog.Info().Str("username", username).Msg("profile deleted")
	return nil
}

// Get returns the named profile.
func (m *Manager) Get(username string) (*profile.Profile, error) {
	p, ok := m.profiles[username]
	if !ok {
		return nil, errors.Wrapf(ErrProfileNotFound, "username %q", username)
	}
	return p, nil
}

// All returns every registered profile, ordered by username.
func (m *Manager) All() []*profile.Profile {
	profiles := make([]*profile.Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].Username < profiles[j].Username
	})
	return profiles
}

// Select makes the profile's identity the active one on the shared
// session by replacing the jar contents with its stored cookies. A nil
// profile selects the anonymous identity.
func (m *Manager) Select(p *profile.Profile) {
	m.session.ClearCookies()
	if p == nil {
		return
	}
	m.session.SetCookie(CookieMoodleID, p.Cookies[0])
	m.session.SetCookie(CookieSession, p.Cookies[1])
}

// Login performs a fresh credential login for the profile. On success
// the scraped identity and the new session cookies are stored and the
// profile becomes valid; on failure the profile is invalidated.
func (m *Manager) Login(p *profile.Profile) error {
	m.session.ClearCookies()

	req, err := m.session.BuildPost(m.cfg.LoginURL(), map[string]string{
		"username":         p.Username,
		"password":         p.Password,
		"rememberusername": "1",
		"anchor":           "",
	})
	if err != nil {
		return err
	}

	result, err := m.session.Execute(req, portal.KindDocument)
	if err != nil {
		p.Invalidate()
		return errors.Wrapf(err, "login request for %s", p.Username)
	}
	doc := result.(*goquery.Document)

	if msg := loginError(doc); msg != "" {
		p.Invalidate()
		m.persist()
		zlog.Warn().Str("username", p.Username).Str("reason", msg).Msg("login rejected")
		return errors.Wrapf(ErrLoginFailed, "%s: %s", p.Username, msg)
	}

	fullName, profileLink, ok := scrapeIdentity(doc)
	if !ok {
		p.Invalidate()
		m.persist()
		return errors.Wrapf(ErrLoginPageParse, "%s: no user menu on response page", p.Username)
	}

	p.ApplySession(fullName, profileLink)
	p.Cookies[0] = m.session.CookieValue(CookieMoodleID)
	p.Cookies[1] = m.session.CookieValue(CookieSession)
	p.Valid = true
	m.persist()

	zlog.Info().Str("profile", p.String()).Msg("logged in")
	return nil
}

// Check verifies that the profile's stored session is still accepted by
// the portal, falling back to a single fresh login when it is not. A
// check of an already-valid session leaves the profile valid and does
// not repeat the login.
func (m *Manager) Check(p *profile.Profile) error {
	m.Select(p)

	req, err := m.session.BuildGet(m.cfg.IndexURL(), nil)
	if err != nil {
		return err
	}

	result, err := m.session.Execute(req, portal.KindDocument)
	if err != nil {
		zlog.Warn().Str("username", p.Username).Err(err).Msg("session check request failed, retrying with login")
		return m.Login(p)
	}
	doc := result.(*goquery.Document)

	fullName, profileLink, ok := scrapeIdentity(doc)
	if !ok {
		// The stored cookies no longer identify a logged-in user.
		return m.Login(p)
	}

	p.ApplySession(fullName, profileLink)
	p.Cookies[0] = m.session.CookieValue(CookieMoodleID)
	p.Cookies[1] = m.session.CookieValue(CookieSession)
	p.Valid = true
	m.persist()

	zlog.Debug().Str("profile", p.String()).Msg("session check passed")
	return nil
}

// Logout invalidates the profile's session state. The portal session
// itself is left to expire; only the local identity is wiped.
func (m *Manager) Logout(p *profile.Profile) {
	p.Invalidate()
	m.persist()
	zlog.Info().Str("username", p.Username).Msg("logged out")
}

// persist writes the current profile list through the store. Persistence
// failures are logged, not propagated; in-memory state stays
// authoritative for the running process.
func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	if err := m.store.SaveProfiles(m.All()); err != nil {
		zlog.Error().Err(err).Msg("failed to persist profiles")
	}
}

// loginError extracts the portal's error message from a login response,
// or "" when the page shows none.
func loginError(doc *goquery.Document) string {
	if notice := doc.Find("#notice p").First(); notice.Length() > 0 {
		return strings.TrimSpace(notice.Text())
	}
	if loginErr := doc.Find(".loginerrors a").First(); loginErr.Length() > 0 {
		return strings.TrimSpace(loginErr.Text())
	}
	return ""
}

// scrapeIdentity pulls the logged-in user's full name and profile link
// from the page's user menu. ok is false when the menu is absent, which
// is how the portal renders pages for anonymous visitors.
func scrapeIdentity(doc *goquery.Document) (fullName, profileLink string, ok bool) {
	name := strings.TrimSpace(doc.Find(".usermenu .usertext").First().Text())
	if name == "" {
		return "", "", false
	}
	link, _ := doc.Find(`[aria-labelledby="actionmenuaction-2"]`).First().Attr("href")
	return name, link, true
}
