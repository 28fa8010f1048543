// Package reaction defines the pluggable per-profile chat behavior
// invoked by the coordinator on connect and on inbound chat activity.
//
// Implementations live outside the protocol core; the coordinator only
// depends on the Reaction capability and catches every failure so a
// misbehaving reaction can never abort a tick.
package reaction

import (
	"math/rand/v2"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/eosbot/internal/app/chat"
	"github.com/osa030/eosbot/internal/infra/config"
)

// Reaction is the capability invoked for a profile's chat connection.
type Reaction interface {
	// OnConnected runs once per scheduled connection, right after the
	// protocol handshake completes.
	OnConnected(c *chat.Connection) error
	// OnChatAction runs for every chat activity batch the connection
	// receives.
	OnChatAction(c *chat.Connection, a *chat.Action) error
}

// New builds the reaction selected by configuration.
func New(cfg config.ReactionConfig) (Reaction, error) {
	switch cfg.Type {
	case "", "phrase":
		return newPhraseReaction(cfg.Settings)
	default:
		return nil, errors.Newf("unknown reaction type %q", cfg.Type)
	}
}

// phraseReaction is the default reaction: say one phrase on join, stay
// quiet afterwards. The phrase is picked uniformly from the profile's
// configured set, falling back to the reaction's own fallback list.
type phraseReaction struct {
	fallback []string
}

type phraseSettings struct {
	Phrases []string `mapstructure:"phrases"`
}

func newPhraseReaction(settings map[string]any) (*phraseReaction, error) {
	var s phraseSettings
	if err := mapstructure.Decode(settings, &s); err != nil {
		return nil, errors.Wrap(err, "invalid phrase reaction settings")
	}
	return &phraseReaction{fallback: s.Phrases}, nil
}

func (r *phraseReaction) OnConnected(c *chat.Connection) error {
	phrases := c.Profile().Phrases
	if len(phrases) == 0 {
		phrases = r.fallback
	}
	if len(phrases) == 0 {
		zlog.Warn().Str("profile", c.Profile().String()).Msg("no join phrase configured")
		return nil
	}
	c.SendMessage(phrases[rand.IntN(len(phrases))])
	return nil
}

func (r *phraseReaction) OnChatAction(*chat.Connection, *chat.Action) error {
	return nil
}
