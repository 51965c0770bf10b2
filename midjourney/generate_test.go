package midjourney

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enricoaquilina/ss-automation/discord"
	"github.com/enricoaquilina/ss-automation/observer"
	"github.com/enricoaquilina/ss-automation/rest"
	"github.com/enricoaquilina/ss-automation/storage"
)

const testChannel = "111222333"

type buttonCall struct {
	messageID string
	customID  string
}

type fakeTransport struct {
	mu       sync.Mutex
	prompts  []string
	buttons  []buttonCall
	slashErr error

	// invoked after a command or click is accepted, used to inject
	// provider replies
	onSlash  func(prompt string)
	onButton func(call buttonCall)

	messages map[string]*discord.Message
}

func (f *fakeTransport) SendSlashCommand(_ context.Context, prompt, _ string) error {
	if f.slashErr != nil {
		return f.slashErr
	}
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.onSlash != nil {
		f.onSlash(prompt)
	}
	return nil
}

func (f *fakeTransport) SendButtonInteraction(_ context.Context, messageID, customID, _ string) error {
	call := buttonCall{messageID: messageID, customID: customID}
	f.mu.Lock()
	f.buttons = append(f.buttons, call)
	f.mu.Unlock()
	if f.onButton != nil {
		f.onButton(call)
	}
	return nil
}

func (f *fakeTransport) GetMessage(_ context.Context, messageID string) (*discord.Message, error) {
	if m, ok := f.messages[messageID]; ok {
		return m, nil
	}
	return nil, &rest.StatusError{Code: 404}
}

func (f *fakeTransport) ListRecentMessages(context.Context, int) ([]*discord.Message, error) {
	return nil, nil
}

type fakeFetcher struct {
	err  error
	urls []string
	mu   sync.Mutex
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	return []byte("image-bytes"), "image/png", nil
}

type savedArtifact struct {
	meta storage.Metadata
	data []byte
}

type memStore struct {
	mu      sync.Mutex
	grids   []savedArtifact
	upscale []savedArtifact
	entries map[string][]storage.VariantEntry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string][]storage.VariantEntry)}
}

func (s *memStore) SaveGrid(_ context.Context, data []byte, meta storage.Metadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grids = append(s.grids, savedArtifact{meta: meta, data: data})
	return "grid/" + meta.MessageID, nil
}

func (s *memStore) SaveUpscale(_ context.Context, data []byte, meta storage.Metadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upscale = append(s.upscale, savedArtifact{meta: meta, data: data})
	return "variant/" + meta.MessageID, nil
}

func (s *memStore) AppendMetadata(_ context.Context, generationID string, entry storage.VariantEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[generationID] = append(s.entries[generationID], entry)
	return nil
}

func (s *memStore) Close() error { return nil }

// testClient builds a client with fast deadlines and fake integrations.
func testClient(t *testing.T, transport *fakeTransport) (*Client, *memStore) {
	t.Helper()

	store := newMemStore()
	obs := observer.NewWithGrace(5*time.Millisecond, zerolog.Nop())
	t.Cleanup(obs.Close)

	c := &Client{
		cfg:            &Config{UserToken: "u", BotToken: "b", ChannelID: testChannel},
		log:            zerolog.Nop(),
		transport:      transport,
		fetcher:        &fakeFetcher{},
		store:          store,
		obs:            obs,
		sessionID:      func() string { return "sess-1" },
		genTimeout:     3 * time.Second,
		preWindow:      250 * time.Millisecond,
		variantTimeout: time.Second,
		upscaleTimeout: 3 * time.Second,
	}
	return c, store
}

var snowflakeSeq int64

// nextSnowflake returns ids with strictly increasing timestamps.
func nextSnowflake() string {
	seq := atomic.AddInt64(&snowflakeSeq, 1)
	return discord.MakeSnowflake(time.Now().Add(time.Duration(seq) * time.Millisecond))
}

func mjMessage(id, content string) *discord.Message {
	return &discord.Message{
		ID:        id,
		ChannelID: testChannel,
		Content:   content,
		Author:    &discord.User{ID: discord.MidjourneyBotID, Bot: true},
	}
}

func mjGrid(id, content string) *discord.Message {
	m := mjMessage(id, content)
	m.Attachments = []*discord.MessageAttachment{{URL: "https://cdn.example/" + id + ".png"}}
	m.Components = []*discord.MessageComponent{{
		Type: discord.ComponentTypeActionRow,
		Components: []*discord.MessageComponent{
			{Type: discord.ComponentTypeButton, Label: "U1", CustomID: "MJ::JOB::upsample::1::" + id},
			{Type: discord.ComponentTypeButton, Label: "U2", CustomID: "MJ::JOB::upsample::2::" + id},
			{Type: discord.ComponentTypeButton, Label: "U3", CustomID: "MJ::JOB::upsample::3::" + id},
			{Type: discord.ComponentTypeButton, Label: "U4", CustomID: "MJ::JOB::upsample::4::" + id},
		},
	}}
	return m
}

func TestGenerateHappyPath(t *testing.T) {
	transport := &fakeTransport{}
	c, store := testClient(t, transport)

	gridID := nextSnowflake()
	transport.onSlash = func(string) {
		go func() {
			progress := mjMessage(nextSnowflake(), "**a castle** - <@1> (31%) (fast)")
			c.obs.Publish(observer.MessageCreate, progress)
			time.Sleep(20 * time.Millisecond)
			c.obs.Publish(observer.MessageCreate, mjGrid(gridID, "**a castle** - <@1> (fast)"))
		}()
	}

	result, err := c.Generate(context.Background(), "a castle", nil)
	require.NoError(t, err)

	assert.Equal(t, gridID, result.GridMessageID)
	assert.Equal(t, "a castle", result.Fingerprint)
	assert.Equal(t, "grid/"+gridID, result.StorageID)

	require.Len(t, store.grids, 1)
	assert.Equal(t, gridID, store.grids[0].meta.GridMessageID)
	assert.Equal(t, "image-bytes", string(store.grids[0].data))

	gc := c.Context()
	require.NotNil(t, gc)
	assert.Equal(t, gridID, gc.GridMessageID)
	assert.Len(t, gc.Buttons, 4)
}

func TestGeneratePreModerationTimeout(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := testClient(t, transport)

	_, err := c.Generate(context.Background(), "something forbidden", nil)
	assert.ErrorIs(t, err, ErrPreModeration)
}

func TestGeneratePostModerationStop(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := testClient(t, transport)

	stoppedID := nextSnowflake()
	transport.onSlash = func(string) {
		go c.obs.Publish(observer.MessageCreate, mjMessage(stoppedID, "**a castle** - <@1> (Stopped)"))
	}

	_, err := c.Generate(context.Background(), "a castle", nil)
	require.ErrorIs(t, err, ErrPostModeration)

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, stoppedID, genErr.MessageID)
}

func TestGenerateEphemeralModeration(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := testClient(t, transport)

	progressID := nextSnowflake()
	transport.onSlash = func(string) {
		go func() {
			c.obs.Publish(observer.MessageCreate, mjMessage(progressID, "**a castle** - <@1> (15%)"))
			time.Sleep(30 * time.Millisecond)
			c.obs.Publish(observer.MessageDelete, &discord.Message{ID: progressID, ChannelID: testChannel})
		}()
	}

	_, err := c.Generate(context.Background(), "a castle", nil)
	assert.ErrorIs(t, err, ErrEphemeralModeration)
}

func TestGenerateQueueFull(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := testClient(t, transport)

	transport.onSlash = func(string) {
		go c.obs.Publish(observer.MessageCreate,
			mjMessage(nextSnowflake(), "Due to extreme demand the queue is full. Please try again later."))
	}

	_, err := c.Generate(context.Background(), "a castle", nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestGenerateJobQueued(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := testClient(t, transport)

	transport.onSlash = func(string) {
		go c.obs.Publish(observer.MessageCreate,
			mjMessage(nextSnowflake(), "**a castle** - <@1> (Waiting to start)"))
	}

	_, err := c.Generate(context.Background(), "a castle", nil)
	assert.ErrorIs(t, err, ErrJobQueued)
}

func TestGenerateProgressWithButtonsIsNotGrid(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := testClient(t, transport)

	finalID := nextSnowflake()
	transport.onSlash = func(string) {
		go func() {
			// Buttons already attached while the render is mid-flight:
			// the percent marker keeps it a progress update.
			c.obs.Publish(observer.MessageCreate, mjGrid(nextSnowflake(), "**a castle** - <@1> (52%)"))
			time.Sleep(20 * time.Millisecond)
			c.obs.Publish(observer.MessageCreate, mjGrid(finalID, "**a castle** - <@1> (fast)"))
		}()
	}

	result, err := c.Generate(context.Background(), "a castle", nil)
	require.NoError(t, err)
	assert.Equal(t, finalID, result.GridMessageID)
}

func TestGenerateIgnoresOtherPrompts(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := testClient(t, transport)

	transport.onSlash = func(string) {
		// A grid for someone else's prompt must not complete ours.
		go c.obs.Publish(observer.MessageCreate,
			mjGrid(nextSnowflake(), "**a palace** - <@2> (fast)"))
	}

	_, err := c.Generate(context.Background(), "a castle", nil)
	assert.ErrorIs(t, err, ErrPreModeration)
}

func TestGenerateAuthFailure(t *testing.T) {
	transport := &fakeTransport{slashErr: rest.ErrInvalidToken}
	c, _ := testClient(t, transport)

	_, err := c.Generate(context.Background(), "a castle", nil)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestGenerateModerationRejection(t *testing.T) {
	transport := &fakeTransport{slashErr: &rest.StatusError{Code: 400, Body: "Banned prompt detected"}}
	c, _ := testClient(t, transport)

	_, err := c.Generate(context.Background(), "something banned", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGenerateOptionsApply(t *testing.T) {
	seed := 42
	opts := &GenerateOptions{
		Seed:        &seed,
		AspectRatio: "16:9",
		Quality:     "2",
		Version:     "6",
		Niji:        true,
	}
	full := opts.apply("a castle")
	assert.Equal(t, "a castle --ar 16:9 --seed 42 --q 2 --v 6 --niji", full)

	assert.Equal(t, "a castle", (*GenerateOptions)(nil).apply("a castle"))
}

func TestGenerateSendsFullPrompt(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := testClient(t, transport)
	c.preWindow = 50 * time.Millisecond

	_, _ = c.Generate(context.Background(), "a castle", &GenerateOptions{AspectRatio: "16:9"})

	require.Len(t, transport.prompts, 1)
	assert.Equal(t, "a castle --ar 16:9", transport.prompts[0])
}

func TestIsProgress(t *testing.T) {
	assert.True(t, isProgress("**a castle** - <@1> (31%) (fast)"))
	assert.False(t, isProgress("**a castle** - <@1> (fast)"))
	assert.False(t, isProgress("no markers at all"))
}
