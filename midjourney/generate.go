package midjourney

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/enricoaquilina/ss-automation/discord"
	"github.com/enricoaquilina/ss-automation/metrics"
	"github.com/enricoaquilina/ss-automation/observer"
	"github.com/enricoaquilina/ss-automation/rest"
	"github.com/enricoaquilina/ss-automation/storage"
	"github.com/enricoaquilina/ss-automation/stream"
)

// GenerateOptions are the provider flags appended to the prompt.
type GenerateOptions struct {
	// Seed pins the noise seed. Nil leaves it random.
	Seed *int

	// AspectRatio like "16:9". Empty uses the provider default.
	AspectRatio string

	// Quality like "1" or "2".
	Quality string

	// Version selects the model version, e.g. "6".
	Version string

	// Niji switches to the anime model.
	Niji bool
}

// apply appends the options as provider flags.
func (o *GenerateOptions) apply(prompt string) string {
	if o == nil {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	if o.AspectRatio != "" {
		b.WriteString(" --ar " + o.AspectRatio)
	}
	if o.Seed != nil {
		b.WriteString(" --seed " + strconv.Itoa(*o.Seed))
	}
	if o.Quality != "" {
		b.WriteString(" --q " + o.Quality)
	}
	if o.Version != "" {
		b.WriteString(" --v " + o.Version)
	}
	if o.Niji {
		b.WriteString(" --niji")
	}
	return b.String()
}

// GenerationResult is what a successful Generate hands back.
type GenerationResult struct {
	Prompt        string
	Fingerprint   string
	GridMessageID string
	ImageURL      string
	StorageID     string
	Buttons       []discord.UpscaleButton
	Elapsed       time.Duration
}

// Reply status markers in provider message content.
const (
	markerStopped   = "(Stopped)"
	markerWaiting   = "(Waiting to start)"
	markerJobQueued = "Job queued"
	markerQueueFull = "queue is full"
)

// progressPattern matches the percentage marker in progress edits,
// like "(31%)".
var progressPattern = regexp.MustCompile(`\(\d+%\)`)

// isProgress reports whether content carries a percentage marker.
func isProgress(content string) bool {
	return progressPattern.MatchString(content)
}

// fromMidjourney reports whether the message was authored by the
// provider bot.
func fromMidjourney(m *discord.Message) bool {
	return m != nil && m.Author != nil && m.Author.ID == discord.MidjourneyBotID
}

// Generate sends the prompt and waits for the four-image grid. It
// blocks until the grid is stored, a failure class is detected, or the
// overall deadline elapses. Generations are serialized per client.
func (c *Client) Generate(ctx context.Context, prompt string, opts *GenerateOptions) (*GenerationResult, error) {
	c.genMu.Lock()
	defer c.genMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.genTimeout)
	defer cancel()

	fullPrompt := opts.apply(prompt)
	fingerprint := Fingerprint(fullPrompt)
	started := time.Now()

	c.log.Info().Str("prompt", fullPrompt).Str("fingerprint", fingerprint).Msg("starting generation")
	c.publish(stream.EventGenerationStarted, stream.GenerationStarted{
		Prompt:      fullPrompt,
		Fingerprint: fingerprint,
	})

	// Subscribe before the command goes out so a reply racing the 204
	// cannot be missed. The predicate stays broad; classification
	// happens on receive.
	sub := c.obs.Subscribe(func(ev observer.Event) bool {
		if ev.Kind == observer.MessageDelete {
			return true
		}
		return fromMidjourney(ev.Message)
	})
	defer sub.Cancel()

	if err := c.transport.SendSlashCommand(ctx, fullPrompt, c.sessionID()); err != nil {
		genErr := classifyTransportError(err, fingerprint, time.Since(started))
		metrics.Generation(genErr.Kind.String())
		c.publishFailure(fullPrompt, genErr)
		return nil, genErr
	}

	result, genErr := c.awaitGrid(ctx, sub, fullPrompt, fingerprint, started)
	if genErr != nil {
		metrics.Generation(genErr.Kind.String())
		c.publishFailure(fullPrompt, genErr)
		return nil, genErr
	}

	metrics.Generation("ok")
	return result, nil
}

// classifyTransportError maps REST failures onto the error taxonomy.
func classifyTransportError(err error, fingerprint string, elapsed time.Duration) *GenerationError {
	var statusErr *rest.StatusError
	switch {
	case errors.Is(err, rest.ErrInvalidToken):
		return newError(KindAuth, "", fingerprint, elapsed, err)
	case errors.As(err, &statusErr) && statusErr.Moderation():
		return newError(KindInvalidRequest, "", fingerprint, elapsed, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindDeadline, "", fingerprint, elapsed, err)
	default:
		return newError(KindTransientNetwork, "", fingerprint, elapsed, err)
	}
}

// awaitGrid consumes observer events until the grid arrives or a
// failure class is established.
func (c *Client) awaitGrid(ctx context.Context, sub *observer.Subscription, fullPrompt, fingerprint string, started time.Time) (*GenerationResult, *GenerationError) {
	preTimer := time.NewTimer(c.preWindow)
	defer preTimer.Stop()

	// Message ids already matched to this prompt. A delete of one of
	// these is the silent moderation path.
	tracked := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return nil, newError(KindDeadline, "", fingerprint, time.Since(started), ctx.Err())

		case <-preTimer.C:
			if len(tracked) > 0 {
				// A reply already arrived, the window no longer applies.
				continue
			}
			return nil, newError(KindPreModeration, "", fingerprint, time.Since(started),
				fmt.Errorf("no provider reply within %s", c.preWindow))

		case ev := <-sub.C:
			m := ev.Message

			if ev.Kind == observer.MessageDelete {
				if tracked[m.ID] {
					return nil, newError(KindEphemeralModeration, m.ID, fingerprint, time.Since(started),
						fmt.Errorf("provider deleted its reply %s", m.ID))
				}
				continue
			}

			matched := matchesFingerprint(m.Content, fingerprint)

			switch {
			case matched && strings.Contains(m.Content, markerStopped):
				return nil, newError(KindPostModeration, m.ID, fingerprint, time.Since(started),
					errors.New("generation stopped mid-flight"))

			case matched && (strings.Contains(m.Content, markerWaiting) || strings.Contains(m.Content, markerJobQueued)):
				tracked[m.ID] = true
				return nil, newError(KindJobQueued, m.ID, fingerprint, time.Since(started),
					errors.New("job parked in provider queue"))

			case strings.Contains(strings.ToLower(m.Content), markerQueueFull):
				return nil, newError(KindQueueFull, m.ID, fingerprint, time.Since(started),
					errors.New("provider queue refused the job"))

			// A percent marker means the render is still in flight,
			// even when buttons are already attached.
			case matched && len(m.Attachments) > 0 && discord.HasFullUpscaleRow(m) && !isProgress(m.Content):
				return c.completeGrid(ctx, m, fullPrompt, fingerprint, started)

			case matched && isProgress(m.Content):
				tracked[m.ID] = true
				c.log.Debug().Str("message", m.ID).Str("content", m.Content).Msg("generation progress")

			case matched:
				// Matched but unclassified, still proof the prompt was
				// not blocked outright.
				tracked[m.ID] = true
			}
		}
	}
}

// completeGrid downloads and stores the grid, records the generation
// context and emits the lifecycle event.
func (c *Client) completeGrid(ctx context.Context, m *discord.Message, fullPrompt, fingerprint string, started time.Time) (*GenerationResult, *GenerationError) {
	imageURL := m.Attachments[0].URL

	data, mime, err := c.fetcher.Fetch(ctx, imageURL)
	if err != nil {
		return nil, newError(KindTransientNetwork, m.ID, fingerprint, time.Since(started),
			fmt.Errorf("grid download failed: %w", err))
	}

	storageID, err := c.store.SaveGrid(ctx, data, storage.Metadata{
		MessageID:     m.ID,
		GridMessageID: m.ID,
		Prompt:        fullPrompt,
		Fingerprint:   fingerprint,
		ImageURL:      imageURL,
		Mime:          mime,
	})
	if err != nil {
		return nil, newError(KindTransientNetwork, m.ID, fingerprint, time.Since(started),
			fmt.Errorf("grid store failed: %w", err))
	}

	if c.index != nil {
		c.index.RecordGeneration(ctx, storage.GenerationRecord{
			GridMessageID: m.ID,
			Prompt:        fullPrompt,
			Fingerprint:   fingerprint,
			GridStorageID: storageID,
			ImageURL:      imageURL,
			CreatedAt:     time.Now().UTC(),
		})
	}

	c.setContext(&GenerationContext{
		Prompt:        fullPrompt,
		Fingerprint:   fingerprint,
		GridMessageID: m.ID,
		GridStorageID: storageID,
		ImageURL:      imageURL,
		Buttons:       discord.UpscaleButtons(m),
		StartedAt:     started,
		claims:        newClaimSet(),
	})

	c.publish(stream.EventGridReady, stream.GridReady{
		GridMessageID: m.ID,
		Prompt:        fullPrompt,
		ImageURL:      imageURL,
		StorageID:     storageID,
	})

	elapsed := time.Since(started)
	c.log.Info().Str("grid", m.ID).Dur("elapsed", elapsed).Msg("grid stored")

	return &GenerationResult{
		Prompt:        fullPrompt,
		Fingerprint:   fingerprint,
		GridMessageID: m.ID,
		ImageURL:      imageURL,
		StorageID:     storageID,
		Buttons:       discord.UpscaleButtons(m),
		Elapsed:       elapsed,
	}, nil
}

// publishFailure emits the failed lifecycle event.
func (c *Client) publishFailure(prompt string, genErr *GenerationError) {
	c.publish(stream.EventGenerationFailed, stream.GenerationFailed{
		Prompt: prompt,
		Kind:   genErr.Kind.String(),
		Reason: genErr.Error(),
	})
}
