package chat

import (
	"encoding/json"
	"net/url"
	"regexp"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
)

// The chat landing page embeds its runtime settings in two inline JS
// blobs. Their shape is an unversioned external contract; when either
// pattern stops matching, the connection fails hard instead of guessing.
var (
	moduleSettingsRe = regexp.MustCompile(`(?s)M\.mod_chat_ajax\.init\(Y,(.+?)\);`)
	apiConfigRe      = regexp.MustCompile(`(?s)M\.cfg\s*=\s*(.+?);`)
)

// ErrInvalidChatPage is returned when the chat landing page does not
// carry the expected embedded configuration.
var ErrInvalidChatPage = errors.New("invalid chat page")

// Configuration is the per-connection chat protocol configuration
// scraped from the chat room's landing page.
type Configuration struct {
	// EndpointURL is the AJAX endpoint all protocol POSTs go to.
	EndpointURL string
	// Title is the chat room's display name.
	Title string
	// SessionID is the server-issued chat session id (chat_sid).
	SessionID string
	// Theme is required by the portal's legacy chat API.
	Theme string
	// PingPeriod is the server-dictated poll interval.
	PingPeriod time.Duration
}

// ParseConfiguration extracts the chat configuration from the landing
// page. chatIndexLink supplies the scheme and host for the synthesized
// AJAX endpoint. Any missing pattern or malformed embedded JSON is a
// hard error.
func ParseConfiguration(page *goquery.Document, chatIndexLink string) (*Configuration, error) {
	scripts := page.Find("script").Text()

	m := moduleSettingsRe.FindStringSubmatch(scripts)
	if m == nil {
		return nil, errors.Wrap(ErrInvalidChatPage, "chat module settings not found")
	}

	var settings struct {
		ChatroomName string `json:"chatroom_name"`
		Timer        int64  `json:"timer"`
		SID          string `json:"sid"`
		Theme        string `json:"theme"`
	}
	if err := json.Unmarshal([]byte(m[1]), &settings); err != nil {
		return nil, errors.Wrapf(ErrInvalidChatPage, "malformed chat module settings: %v", err)
	}
	if settings.SID == "" {
		return nil, errors.Wrap(ErrInvalidChatPage, "chat module settings carry no session id")
	}

	m = apiConfigRe.FindStringSubmatch(scripts)
	if m == nil {
		return nil, errors.Wrap(ErrInvalidChatPage, "api config not found")
	}

	var apiCfg struct {
		Sesskey string `json:"sesskey"`
	}
	if err := json.Unmarshal([]byte(m[1]), &apiCfg); err != nil {
		return nil, errors.Wrapf(ErrInvalidChatPage, "malformed api config: %v", err)
	}
	if apiCfg.Sesskey == "" {
		return nil, errors.Wrap(ErrInvalidChatPage, "api config carries no session key")
	}

	u, err := url.Parse(chatIndexLink)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid chat index link %q", chatIndexLink)
	}

	return &Configuration{
		EndpointURL: u.Scheme + "://" + u.Host + "/mod/chat/chat_ajax.php?sesskey=" + apiCfg.Sesskey,
		Title:       settings.ChatroomName,
		SessionID:   settings.SID,
		Theme:       settings.Theme,
		PingPeriod:  time.Duration(settings.Timer) * time.Millisecond,
	}, nil
}
