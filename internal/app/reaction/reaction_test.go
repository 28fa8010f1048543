package reaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/eosbot/internal/infra/config"
)

func TestNewDefaultsToPhrase(t *testing.T) {
	r, err := New(config.ReactionConfig{})
	require.NoError(t, err)
	assert.IsType(t, &phraseReaction{}, r)
}

func TestNewPhraseWithFallbackList(t *testing.T) {
	r, err := New(config.ReactionConfig{
		Type:     "phrase",
		Settings: map[string]any{"phrases": []string{"+", "here"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"+", "here"}, r.(*phraseReaction).fallback)
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(config.ReactionConfig{Type: "lua"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lua")
}

func TestNewRejectsMalformedSettings(t *testing.T) {
	_, err := New(config.ReactionConfig{
		Type:     "phrase",
		Settings: map[string]any{"phrases": 42},
	})
	require.Error(t, err)
}
