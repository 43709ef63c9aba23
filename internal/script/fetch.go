package script

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/flatnas/scripthost/internal/infrastructure/resilience"
)

// Fetcher retrieves script text from a configured URL. Transient
// failures retry at the transport layer; sustained failure trips a
// circuit breaker so a dead script origin fails fast instead of holding
// every apply request for the full timeout.
type Fetcher struct {
	client   *resty.Client
	breaker  *resilience.Breaker
	maxBytes int64
}

// NewFetcher creates a fetcher with retrying transport.
func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil

	client := resty.NewWithClient(rc.StandardClient()).
		SetTimeout(timeout).
		SetHeader("Accept", "text/javascript, application/javascript, text/plain")

	return &Fetcher{
		client:   client,
		breaker:  resilience.NewBreaker(5, 30*time.Second),
		maxBytes: maxBytes,
	}
}

// Fetch downloads the script text at url, enforcing the size cap.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	var body []byte
	err := f.breaker.Do(func() error {
		resp, err := f.client.R().SetContext(ctx).Get(url)
		if err != nil {
			return fmt.Errorf("script fetch failed: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("script fetch returned status %d", resp.StatusCode())
		}
		// Origins that answer with an HTML page (login portals, error
		// pages behind a 200) are not script sources.
		if ct := resp.Header().Get("Content-Type"); strings.Contains(ct, "text/html") {
			return fmt.Errorf("script fetch returned unusable content type %q", ct)
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return "", err
	}

	if f.maxBytes > 0 && int64(len(body)) > f.maxBytes {
		return "", fmt.Errorf("script of %d bytes exceeds limit of %d", len(body), f.maxBytes)
	}
	return string(body), nil
}
