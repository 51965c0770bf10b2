package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Fetcher downloads artifact bytes from the provider CDN. Downloads
// are retried on transport failures and 5xx; the content must be an
// image.
type Fetcher struct {
	HTTP        *http.Client
	MaxAttempts int
	log         zerolog.Logger
}

// NewFetcher creates a fetcher with a 30s per-attempt deadline and up
// to 3 attempts.
func NewFetcher(log zerolog.Logger) *Fetcher {
	return &Fetcher{
		HTTP:        &http.Client{Timeout: 30 * time.Second},
		MaxAttempts: 3,
		log:         log,
	}
}

// Fetch downloads url and returns the raw bytes and mime type. The
// response content-type must begin with "image/"; no transformation is
// applied.
func (f *Fetcher) Fetch(ctx context.Context, url string) (data []byte, mime string, err error) {
	for attempt := 0; attempt < f.MaxAttempts; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, backoffDelay(attempt-1)) {
				return nil, "", ctx.Err()
			}
		}

		data, mime, err = f.fetchOnce(ctx, url)
		if err == nil {
			return data, mime, nil
		}
		f.log.Warn().Err(err).Str("url", url).Int("attempt", attempt+1).Msg("image download failed")
	}
	return nil, "", err
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := f.HTTP.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &StatusError{Code: resp.StatusCode}
	}

	mime := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(mime, "image/") {
		return nil, "", fmt.Errorf("unexpected content type %q", mime)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, mime, nil
}
