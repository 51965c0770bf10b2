package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/enricoaquilina/ss-automation/discord"
)

// UserAgent mimics an official desktop client; user-token requests are
// rejected when it looks like a library.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// Interaction types we emit. Plaintext /commands are unsupported by the
// provider; everything goes through the interactions endpoint.
const (
	interactionApplicationCommand = 2
	interactionMessageComponent   = 3
)

// ErrInvalidToken is returned when the token used to authenticate is
// rejected with a 401.
var ErrInvalidToken = errors.New("invalid token passed")

// StatusError is a non-2xx response from the API, with whatever body
// the provider attached.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Moderation reports whether the error body carries a provider
// moderation code, which makes the request invalid rather than
// transient.
func (e *StatusError) Moderation() bool {
	if e.Code < 400 || e.Code >= 500 {
		return false
	}
	body := strings.ToLower(e.Body)
	return strings.Contains(body, "moderat") || strings.Contains(body, "banned prompt") || strings.Contains(body, "blocked")
}

// Client performs the signed HTTPS calls for one token: slash commands,
// button clicks and message lookups. All requests pass through the
// shared rate limiter keyed by a canonical endpoint template.
type Client struct {
	HTTP      *http.Client
	Token     string
	IsBot     bool
	ChannelID string
	GuildID   string

	// ApplicationID of the provider bot the interactions address.
	ApplicationID string

	limiter *Limiter
	nonce   int64
	log     zerolog.Logger
}

// NewClient creates a REST client for a token. Bot tokens get the
// "Bot " authorization prefix; user tokens are sent raw.
func NewClient(token string, isBot bool, channelID, guildID string, limiter *Limiter, log zerolog.Logger) *Client {
	return &Client{
		HTTP:          &http.Client{Timeout: 20 * time.Second},
		Token:         token,
		IsBot:         isBot,
		ChannelID:     channelID,
		GuildID:       guildID,
		ApplicationID: discord.MidjourneyApplicationID,
		limiter:       limiter,
		nonce:         time.Now().UnixMilli() << 8,
		log:           log,
	}
}

// Nonce returns the next monotone local nonce.
func (c *Client) Nonce() string {
	return strconv.FormatInt(atomic.AddInt64(&c.nonce, 1), 10)
}

func (c *Client) authorization() string {
	if c.IsBot {
		return "Bot " + c.Token
	}
	return c.Token
}

func (c *Client) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", c.authorization())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Origin", "https://discord.com")
	if c.GuildID != "" {
		req.Header.Set("Referer", "https://discord.com/channels/"+c.GuildID+"/"+c.ChannelID)
	} else {
		req.Header.Set("Referer", "https://discord.com/channels/@me")
	}
	return req, nil
}

// do sends a request through the rate limiter and returns the response
// body for 2xx statuses. Other statuses become a *StatusError.
func (c *Client) do(ctx context.Context, method, url, endpoint string, payload interface{}, want int) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	resp, err := c.limiter.WithRetry(ctx, endpoint, 3, nil, func(ctx context.Context) (*http.Response, error) {
		req, err := c.newRequest(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		return c.HTTP.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == want:
		return data, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrInvalidToken
	default:
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
}

// interactionPayload is the envelope both command and component
// interactions share.
type interactionPayload struct {
	Type          int         `json:"type"`
	ApplicationID string      `json:"application_id"`
	GuildID       string      `json:"guild_id"`
	ChannelID     string      `json:"channel_id"`
	SessionID     string      `json:"session_id"`
	MessageID     string      `json:"message_id,omitempty"`
	MessageFlags  int         `json:"message_flags,omitempty"`
	Data          interface{} `json:"data"`
	Nonce         string      `json:"nonce,omitempty"`
}

type commandOption struct {
	Type  int    `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

type commandData struct {
	Version     string          `json:"version"`
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        int             `json:"type"`
	Options     []commandOption `json:"options"`
	Attachments []interface{}   `json:"attachments"`
}

type componentData struct {
	ComponentType int    `json:"component_type"`
	CustomID      string `json:"custom_id"`
}

// SendSlashCommand POSTs a type-2 interaction invoking the imagine
// command with the prompt. sessionID must be the user gateway
// session's id from READY. The provider replies 204 with no body.
func (c *Client) SendSlashCommand(ctx context.Context, prompt, sessionID string) error {
	name, id, version := c.imagineCommand(ctx)

	payload := interactionPayload{
		Type:          interactionApplicationCommand,
		ApplicationID: c.ApplicationID,
		GuildID:       c.GuildID,
		ChannelID:     c.ChannelID,
		SessionID:     sessionID,
		Nonce:         c.Nonce(),
		Data: commandData{
			Version:     version,
			ID:          id,
			Name:        name,
			Type:        1,
			Options:     []commandOption{{Type: 3, Name: "prompt", Value: prompt}},
			Attachments: []interface{}{},
		},
	}

	_, err := c.do(ctx, http.MethodPost, discord.EndpointInteractions, "POST /interactions", payload, http.StatusNoContent)
	if err == nil {
		c.log.Info().Str("prompt", prompt).Msg("sent generation command")
	}
	return err
}

// SendButtonInteraction POSTs a type-3 interaction clicking a message
// component. The provider replies 204 with no body.
func (c *Client) SendButtonInteraction(ctx context.Context, messageID, customID, sessionID string) error {
	payload := interactionPayload{
		Type:          interactionMessageComponent,
		ApplicationID: c.ApplicationID,
		GuildID:       c.GuildID,
		ChannelID:     c.ChannelID,
		SessionID:     sessionID,
		MessageID:     messageID,
		Nonce:         c.Nonce(),
		Data: componentData{
			ComponentType: int(discord.ComponentTypeButton),
			CustomID:      customID,
		},
	}

	_, err := c.do(ctx, http.MethodPost, discord.EndpointInteractions, "POST /interactions", payload, http.StatusNoContent)
	if err == nil {
		c.log.Info().Str("message", messageID).Str("component", customID).Msg("sent button interaction")
	}
	return err
}

// GetMessage fetches a single message by id.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*discord.Message, error) {
	data, err := c.do(ctx, http.MethodGet,
		discord.EndpointChannelMessage(c.ChannelID, messageID),
		"GET /channels/{channel}/messages/{message}", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var m discord.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListRecentMessages fetches up to limit recent channel messages,
// newest first. Used as the polling fallback when gateway delivery is
// in doubt.
func (c *Client) ListRecentMessages(ctx context.Context, limit int) ([]*discord.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	data, err := c.do(ctx, http.MethodGet,
		discord.EndpointChannelMessages(c.ChannelID)+"?limit="+strconv.Itoa(limit),
		"GET /channels/{channel}/messages", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var messages []*discord.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// CurrentUser returns the user the token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (*discord.User, error) {
	data, err := c.do(ctx, http.MethodGet, discord.EndpointCurrentUser, "GET /users/@me", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var u discord.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ChannelGuildID resolves the guild a channel belongs to, used when
// the guild id is not configured.
func (c *Client) ChannelGuildID(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodGet, discord.EndpointChannel(c.ChannelID), "GET /channels/{channel}", nil, http.StatusOK)
	if err != nil {
		return "", err
	}

	var channel struct {
		GuildID string `json:"guild_id"`
	}
	if err := json.Unmarshal(data, &channel); err != nil {
		return "", err
	}
	return channel.GuildID, nil
}

// imagineCommand looks up the live imagine command so the version we
// send matches what the provider currently registers. Falls back to the
// known-working constants when the lookup fails.
func (c *Client) imagineCommand(ctx context.Context) (name, id, version string) {
	name, id, version = discord.ImagineCommandName, discord.ImagineCommandID, discord.ImagineCommandVersion

	data, err := c.do(ctx, http.MethodGet,
		discord.EndpointApplicationCommands(c.ApplicationID)+"?with_localizations=false",
		"GET /applications/{application}/commands", nil, http.StatusOK)
	if err != nil {
		c.log.Debug().Err(err).Msg("imagine command lookup failed, using fallback")
		return
	}

	var commands []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &commands); err != nil {
		return
	}

	for _, cmd := range commands {
		if cmd.Name == discord.ImagineCommandName {
			if cmd.ID != "" {
				id = cmd.ID
			}
			if cmd.Version != "" {
				version = cmd.Version
			}
			return
		}
	}
	return
}
