package slam

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for dataset fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the delay before the second attempt; it doubles after that.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 200 MB.
	maxResponseBytes = 200 << 20
)

// FetchOption configures FetchDataset behavior.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// FetchDataset downloads a dataset from a recorder API and parses it.
// Transport failures and non-200 responses are retried with exponential
// backoff; a body that does not parse is not.
func FetchDataset(ctx context.Context, apiURL string, opts ...FetchOption) (*Dataset, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("fetch dataset: API URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.baseBackoff
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	retries := uint64(max(cfg.maxRetries-1, 0))
	b := backoff.WithContext(backoff.WithMaxRetries(eb, retries), ctx)

	attempts := 0
	ds, err := backoff.RetryWithData(func() (*Dataset, error) {
		attempts++
		body, err := doFetch(ctx, client, apiURL)
		if err != nil {
			return nil, err
		}
		ds, err := ParseDataset(body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return ds, nil
	}, b)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch dataset: %w", ctx.Err())
		}
		return nil, fmt.Errorf("fetch dataset: %d attempts: %w", attempts, err)
	}
	return ds, nil
}

// doFetch performs a single HTTP GET and returns the response body bytes.
func doFetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	return body, nil
}
