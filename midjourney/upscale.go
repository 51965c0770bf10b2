package midjourney

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/enricoaquilina/ss-automation/discord"
	"github.com/enricoaquilina/ss-automation/metrics"
	"github.com/enricoaquilina/ss-automation/observer"
	"github.com/enricoaquilina/ss-automation/storage"
	"github.com/enricoaquilina/ss-automation/stream"
)

// UpscaleResult reports one variant's outcome. Err is nil on success.
type UpscaleResult struct {
	VariantIndex  int
	GridMessageID string
	MessageID     string
	ImageURL      string
	StorageID     string
	Elapsed       time.Duration
	Err           error
}

// UpscaleAll clicks all four upsample buttons of a grid and waits for
// each variant reply. Variants run concurrently; each gets its own
// deadline and the call as a whole is bounded too. A failed variant
// never aborts its siblings.
func (c *Client) UpscaleAll(ctx context.Context, gridMessageID string) ([]UpscaleResult, error) {
	c.genMu.Lock()
	defer c.genMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.upscaleTimeout)
	defer cancel()

	gc, err := c.upscaleContext(ctx, gridMessageID)
	if err != nil {
		return nil, err
	}
	if len(gc.Buttons) != 4 {
		return nil, fmt.Errorf("grid %s has %d upsample buttons, want 4", gridMessageID, len(gc.Buttons))
	}

	results := make([]UpscaleResult, 4)
	var wg sync.WaitGroup
	for _, button := range gc.Buttons {
		button := button
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[button.VariantIndex] = c.upscaleOne(ctx, gc, button)
		}()
	}
	wg.Wait()

	for _, r := range results {
		outcome := "ok"
		if r.Err != nil {
			var genErr *GenerationError
			if errors.As(r.Err, &genErr) {
				outcome = genErr.Kind.String()
			} else {
				outcome = "error"
			}
		}
		metrics.Upscale(outcome)
	}

	return results, nil
}

// upscaleContext resolves the generation context for a grid, refetching
// the message when the in-memory context is missing or stale.
func (c *Client) upscaleContext(ctx context.Context, gridMessageID string) (*GenerationContext, error) {
	if gc := c.Context(); gc != nil && gc.GridMessageID == gridMessageID {
		return gc, nil
	}

	m, err := c.transport.GetMessage(ctx, gridMessageID)
	if err != nil {
		return nil, fmt.Errorf("could not fetch grid message %s: %w", gridMessageID, err)
	}
	if !discord.HasFullUpscaleRow(m) {
		return nil, fmt.Errorf("message %s does not carry a full upsample row", gridMessageID)
	}

	// The grid content wraps the prompt in ** markers; fingerprinting
	// the raw content would never match a variant reply.
	prompt := promptFromContent(m.Content)
	return &GenerationContext{
		Prompt:        prompt,
		Fingerprint:   Fingerprint(prompt),
		GridMessageID: gridMessageID,
		Buttons:       discord.UpscaleButtons(m),
		StartedAt:     time.Now(),
		claims:        newClaimSet(),
	}, nil
}

// variantPredicate matches the reply for one upsample click. Claiming
// the message id happens inside the predicate, on the dispatch
// goroutine, so no reply can resolve two variants.
func variantPredicate(gc *GenerationContext, variantIndex int, notBefore time.Time) observer.Predicate {
	marker := fmt.Sprintf("image #%d", variantIndex+1)

	// Once this waiter has claimed a reply it must stop claiming, or an
	// ambiguous reply could be consumed by a waiter that is already
	// satisfied. Predicates run on the dispatch goroutine only, so a
	// plain bool is safe.
	matched := false

	return func(ev observer.Event) bool {
		if matched || ev.Kind != observer.MessageCreate {
			return false
		}
		m := ev.Message
		if !fromMidjourney(m) || len(m.Attachments) == 0 {
			return false
		}

		// Upscale replies have no buttons of their own; a message
		// with a full upsample row is a grid, not a variant.
		if discord.HasFullUpscaleRow(m) {
			return false
		}

		if ts, err := discord.SnowflakeTimestamp(m.ID); err != nil || ts.Before(notBefore) {
			return false
		}

		refMatch := m.MessageReference != nil && m.MessageReference.MessageID == gc.GridMessageID
		promptMatch := matchesFingerprint(m.Content, gc.Fingerprint)
		if !refMatch && !promptMatch {
			return false
		}

		lc := strings.ToLower(m.Content)
		if strings.Contains(lc, "image #") {
			if !strings.Contains(lc, marker) {
				return false
			}
		} else if !refMatch && !strings.Contains(lc, "upscaled") {
			return false
		}

		if !gc.claims.Claim(m.ID) {
			return false
		}
		matched = true
		return true
	}
}

// upscaleOne clicks one button and waits for its variant.
func (c *Client) upscaleOne(ctx context.Context, gc *GenerationContext, button discord.UpscaleButton) UpscaleResult {
	started := time.Now()
	result := UpscaleResult{
		VariantIndex:  button.VariantIndex,
		GridMessageID: gc.GridMessageID,
	}

	// Replies may beat the interaction 204 back to us, so the
	// subscription goes up first. The snowflake cutoff excludes stale
	// replies from a previous run.
	sub := c.obs.Subscribe(variantPredicate(gc, button.VariantIndex, started.Add(-time.Second)))
	defer sub.Cancel()

	if err := c.transport.SendButtonInteraction(ctx, button.MessageID, button.CustomID, c.sessionID()); err != nil {
		result.Err = classifyTransportError(err, gc.Fingerprint, time.Since(started))
		return result
	}

	timer := time.NewTimer(c.variantTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		result.Err = newError(KindDeadline, "", gc.Fingerprint, time.Since(started), ctx.Err())
		return result

	case <-timer.C:
		result.Err = newError(KindCorrelation, "", gc.Fingerprint, time.Since(started),
			fmt.Errorf("no reply for variant %d within %s", button.VariantIndex+1, c.variantTimeout))
		return result

	case ev := <-sub.C:
		m := ev.Message
		result.MessageID = m.ID
		result.ImageURL = m.Attachments[0].URL

		data, mime, err := c.fetcher.Fetch(ctx, result.ImageURL)
		if err != nil {
			result.Err = newError(KindTransientNetwork, m.ID, gc.Fingerprint, time.Since(started),
				fmt.Errorf("variant download failed: %w", err))
			return result
		}

		storageID, err := c.store.SaveUpscale(ctx, data, storage.Metadata{
			MessageID:     m.ID,
			GridMessageID: gc.GridMessageID,
			Prompt:        gc.Prompt,
			Fingerprint:   gc.Fingerprint,
			ImageURL:      result.ImageURL,
			Mime:          mime,
			VariantIndex:  button.VariantIndex,
		})
		if err != nil {
			result.Err = newError(KindTransientNetwork, m.ID, gc.Fingerprint, time.Since(started),
				fmt.Errorf("variant store failed: %w", err))
			return result
		}
		result.StorageID = storageID

		entry := storage.VariantEntry{
			VariantIndex:  button.VariantIndex,
			MessageID:     m.ID,
			GridMessageID: gc.GridMessageID,
			ImageURL:      result.ImageURL,
			StorageID:     storageID,
			SavedAt:       time.Now().UTC(),
		}
		if err := c.store.AppendMetadata(ctx, gc.GridMessageID, entry); err != nil {
			c.log.Warn().Err(err).Str("grid", gc.GridMessageID).Int("variant", button.VariantIndex).
				Msg("failed to append variant to generation record")
		}
		if c.index != nil {
			c.index.RecordVariant(ctx, gc.GridMessageID, entry)
		}

		c.publish(stream.EventUpscaleSaved, stream.UpscaleSaved{
			GridMessageID: gc.GridMessageID,
			MessageID:     m.ID,
			VariantIndex:  button.VariantIndex,
			ImageURL:      result.ImageURL,
			StorageID:     storageID,
		})

		result.Elapsed = time.Since(started)
		c.log.Info().Int("variant", button.VariantIndex+1).Str("message", m.ID).
			Dur("elapsed", result.Elapsed).Msg("variant stored")
		return result
	}
}
