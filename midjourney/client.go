// Package midjourney drives image generation through the provider's
// Discord surface: it sends interactions, watches the channel through
// two gateway sessions, correlates replies back to prompts and stores
// the resulting artifacts.
package midjourney

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/enricoaquilina/ss-automation/discord"
	"github.com/enricoaquilina/ss-automation/gateway"
	"github.com/enricoaquilina/ss-automation/metrics"
	"github.com/enricoaquilina/ss-automation/observer"
	"github.com/enricoaquilina/ss-automation/rest"
	"github.com/enricoaquilina/ss-automation/storage"
	"github.com/enricoaquilina/ss-automation/stream"
)

// Operation deadlines.
const (
	// generateDeadline bounds a whole Generate call.
	generateDeadline = 600 * time.Second

	// preModerationWindow is how long we wait for any reply before
	// concluding the prompt was blocked silently.
	preModerationWindow = 30 * time.Second

	// variantDeadline bounds one upscale's wait for its result.
	variantDeadline = 180 * time.Second

	// upscaleDeadline bounds UpscaleAll as a whole.
	upscaleDeadline = 240 * time.Second

	// readyDeadline bounds the initial gateway handshakes.
	readyDeadline = 30 * time.Second
)

// Transport is the REST surface Generate and UpscaleAll need. The
// production implementation is *rest.Client.
type Transport interface {
	SendSlashCommand(ctx context.Context, prompt, sessionID string) error
	SendButtonInteraction(ctx context.Context, messageID, customID, sessionID string) error
	GetMessage(ctx context.Context, messageID string) (*discord.Message, error)
	ListRecentMessages(ctx context.Context, limit int) ([]*discord.Message, error)
}

// ImageFetcher downloads artifact bytes from the CDN.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, mime string, err error)
}

// EventPublisher receives lifecycle events. Publishing must never
// block a generation.
type EventPublisher interface {
	Publish(eventType string, data interface{})
}

// claimSet hands out at-most-once claims on message ids so two variant
// waiters can never resolve against the same reply.
type claimSet struct {
	mu   sync.Mutex
	seen *lru.Cache[string, struct{}]
}

func newClaimSet() *claimSet {
	seen, _ := lru.New[string, struct{}](256)
	return &claimSet{seen: seen}
}

// Claim returns true exactly once per id.
func (c *claimSet) Claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen.Get(id); ok {
		return false
	}
	c.seen.Add(id, struct{}{})
	return true
}

// GenerationContext is the state carried from a completed grid into the
// upscale phase.
type GenerationContext struct {
	Prompt        string
	Fingerprint   string
	GridMessageID string
	GridStorageID string
	ImageURL      string
	Buttons       []discord.UpscaleButton
	StartedAt     time.Time

	claims *claimSet
}

// Client is the facade tying the sessions, transport, observer and
// stores together. Generations are serialized; a Client runs one at a
// time.
type Client struct {
	cfg *Config
	log zerolog.Logger

	transport Transport
	fetcher   ImageFetcher
	store     storage.Store
	index     *storage.Index
	publisher EventPublisher

	userSession *gateway.Session
	botSession  *gateway.Session
	obs         *observer.Observer

	// gatewayURL overrides the default gateway endpoint.
	gatewayURL string

	// sessionID yields the user gateway session id interactions must
	// carry.
	sessionID func() string

	// Deadlines, defaulted from the package constants.
	genTimeout     time.Duration
	preWindow      time.Duration
	variantTimeout time.Duration
	upscaleTimeout time.Duration

	genMu   sync.Mutex
	current *GenerationContext

	mu          sync.Mutex
	initialized bool
	closed      bool
}

// Option customizes a Client, mainly for swapping integrations.
type Option func(*Client)

// WithStore replaces the default filesystem store.
func WithStore(s storage.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithTransport replaces the REST transport.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithFetcher replaces the CDN fetcher.
func WithFetcher(f ImageFetcher) Option {
	return func(c *Client) { c.fetcher = f }
}

// WithPublisher attaches a lifecycle event publisher.
func WithPublisher(p EventPublisher) Option {
	return func(c *Client) { c.publisher = p }
}

// WithIndex attaches a redis generation index.
func WithIndex(i *storage.Index) Option {
	return func(c *Client) { c.index = i }
}

// New creates a client from config. Nothing connects until Initialize.
func New(cfg *Config, log zerolog.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:            cfg,
		log:            log,
		genTimeout:     generateDeadline,
		preWindow:      preModerationWindow,
		variantTimeout: variantDeadline,
		upscaleTimeout: upscaleDeadline,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Initialize connects both gateway sessions, waits for READY on each
// and wires the observer. It must be called once before Generate.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client is closed")
	}
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.initialized = true
	c.mu.Unlock()

	if c.obs == nil {
		c.obs = observer.New(c.log.With().Str("component", "observer").Logger())
	}

	if c.transport == nil {
		limiter := rest.NewLimiter(rest.DefaultMinInterval, c.log.With().Str("component", "ratelimit").Logger())
		restClient := rest.NewClient(c.cfg.UserToken, false, c.cfg.ChannelID, c.cfg.GuildID, limiter,
			c.log.With().Str("component", "rest").Logger())

		if c.cfg.GuildID == "" {
			guildID, err := restClient.ChannelGuildID(ctx)
			if err != nil {
				c.log.Warn().Err(err).Msg("could not resolve guild id from channel")
			} else {
				restClient.GuildID = guildID
				c.cfg.GuildID = guildID
			}
		}
		c.transport = restClient
	}
	if c.fetcher == nil {
		c.fetcher = rest.NewFetcher(c.log.With().Str("component", "fetch").Logger())
	}
	if c.store == nil {
		store, err := storage.NewFileStore(c.cfg.StorageDir, c.log.With().Str("component", "storage").Logger())
		if err != nil {
			return err
		}
		c.store = store
	}

	c.userSession = gateway.NewSession(c.cfg.UserToken, false, c.gatewayHandler("user"),
		c.log.With().Str("session", "user").Logger())
	c.botSession = gateway.NewSession(c.cfg.BotToken, true, c.gatewayHandler("bot"),
		c.log.With().Str("session", "bot").Logger())
	if c.gatewayURL != "" {
		c.userSession.Gateway = c.gatewayURL
		c.botSession.Gateway = c.gatewayURL
	}
	c.sessionID = c.userSession.SessionID

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range []*gateway.Session{c.userSession, c.botSession} {
		s := s
		g.Go(func() error {
			if err := s.Open(); err != nil {
				return err
			}
			waitCtx, cancel := context.WithTimeout(gctx, readyDeadline)
			defer cancel()
			return s.WaitReady(waitCtx)
		})
	}

	if err := g.Wait(); err != nil {
		c.teardownSessions()

		// A failed handshake must not latch the client into the
		// idempotency branch; the caller may retry.
		c.mu.Lock()
		c.initialized = false
		c.mu.Unlock()

		if errors.Is(err, gateway.ErrAuthenticationFailed) || errors.Is(err, rest.ErrInvalidToken) {
			return newError(KindAuth, "", "", 0, err)
		}
		return newError(KindTransientNetwork, "", "", 0, err)
	}

	c.log.Info().Str("session_id", c.sessionID()).Msg("both gateway sessions ready")
	return nil
}

// gatewayHandler feeds message dispatches from one session into the
// shared observer.
func (c *Client) gatewayHandler(name string) gateway.Handler {
	return func(e discord.Event) {
		metrics.GatewayEvent(e.Type)

		var kind observer.Kind
		switch e.Type {
		case discord.EventMessageCreate:
			kind = observer.MessageCreate
		case discord.EventMessageUpdate:
			kind = observer.MessageUpdate
		case discord.EventMessageDelete:
			kind = observer.MessageDelete
		default:
			return
		}

		var m discord.Message
		if err := json.Unmarshal(e.RawData, &m); err != nil {
			c.log.Warn().Err(err).Str("session", name).Str("type", e.Type).Msg("failed to decode message event")
			return
		}
		if m.ChannelID != c.cfg.ChannelID {
			return
		}
		c.obs.Publish(kind, &m)
	}
}

// Context returns the state of the most recent successful generation,
// or nil.
func (c *Client) Context() *GenerationContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Client) setContext(gc *GenerationContext) {
	c.mu.Lock()
	c.current = gc
	c.mu.Unlock()
}

// publish forwards a lifecycle event when a publisher is attached.
func (c *Client) publish(eventType string, data interface{}) {
	if c.publisher != nil {
		c.publisher.Publish(eventType, data)
	}
}

func (c *Client) teardownSessions() {
	if c.userSession != nil {
		c.userSession.Close()
	}
	if c.botSession != nil {
		c.botSession.Close()
	}
}

// Close releases everything in reverse dependency order. It is
// idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.teardownSessions()
	if c.obs != nil {
		c.obs.Close()
	}
	if p, ok := c.publisher.(*stream.Publisher); ok && p != nil {
		p.Close()
	}
	if c.index != nil {
		if err := c.index.Close(); err != nil {
			c.log.Warn().Err(err).Msg("error closing index")
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.log.Warn().Err(err).Msg("error closing store")
			return err
		}
	}
	return nil
}
