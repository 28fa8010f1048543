// Package profile defines the portal account entity.
package profile

import (
	"fmt"
	"net/url"
	"time"
)

// DefaultMaximumLateTime is how late a bot may join a chat when the
// profile does not configure its own window.
const DefaultMaximumLateTime = 15 * time.Minute

// DefaultPhrases is the fallback greeting said on join.
var DefaultPhrases = []string{"+"}

// Profile represents one portal user account.
//
// The session-derived fields (FullName, ProfileLink, ProfileID, Cookies)
// are only meaningful between a successful login/check and the next
// invalidation.
type Profile struct {
	Username string
	Password string

	// Phrases the bot says in chat on behalf of this profile.
	Phrases []string

	// MaximumLateTime bounds the randomized join delay after lesson start.
	MaximumLateTime time.Duration

	// Session state, populated only on successful login.
	FullName    string
	ProfileLink string
	ProfileID   string

	// Cookies holds the two portal identity cookie values.
	Cookies [2]string

	// Valid is true only between a successful login/check and the next
	// logout or invalidation. It is never persisted.
	Valid bool
}

// New creates a profile with default phrases and lateness window.
func New(username, password string) *Profile {
	return &Profile{
		Username:        username,
		Password:        password,
		Phrases:         append([]string(nil), DefaultPhrases...),
		MaximumLateTime: DefaultMaximumLateTime,
	}
}

// ApplySession records the scraped identity after a successful login.
// The profile id is taken from the profile link's id query parameter.
func (p *Profile) ApplySession(fullName, profileLink string) {
	p.FullName = fullName
	p.ProfileLink = profileLink
	p.ProfileID = ""
	if u, err := url.Parse(profileLink); err == nil {
		p.ProfileID = u.Query().Get("id")
	}
}

// Invalidate wipes all session state and marks the profile invalid.
// Safe to call on an already-invalid profile.
func (p *Profile) Invalidate() {
	p.Valid = false
	p.FullName = ""
	p.ProfileLink = ""
	p.ProfileID = ""
	p.Cookies[0] = ""
	p.Cookies[1] = ""
}

// String identifies the profile in logs.
func (p *Profile) String() string {
	if p.FullName == "" {
		return p.Username + " (N/A)"
	}
	return fmt.Sprintf("%s (%s#%s)", p.Username, p.FullName, p.ProfileID)
}
