package matching

import (
	"bytes"
	"context"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for map fetches.
	DefaultFetchTimeout = 60 * time.Second

	// DefaultMaxRetries is the default number of retry attempts.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes caps a downloaded map at 1 GiB.
	maxResponseBytes = 1 << 30
)

// FetchOption configures FetchCloud behavior.
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

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// FetchCloud downloads a PCD or LAS map over HTTP, retrying transient
// failures with exponential backoff. The format follows the URL path
// extension; anything other than .las is read as PCD.
func FetchCloud(ctx context.Context, rawURL string, opts ...FetchOption) (PointCloud, error) {
	if rawURL == "" {
		return nil, errors.New("fetch cloud: URL is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "fetch cloud")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "fetch cloud")
			case <-time.After(backoff):
			}
		}

		body, err := doFetch(ctx, client, rawURL)
		if err != nil {
			lastErr = err
			continue
		}

		// decode errors are not transient
		cloud, err := decodeCloud(body, strings.ToLower(path.Ext(u.Path)))
		if err != nil {
			return nil, errors.Wrap(err, "fetch cloud")
		}
		return cloud, nil
	}

	return nil, errors.Wrapf(lastErr, "fetch cloud: all %d attempts failed", cfg.maxRetries)
}

func decodeCloud(body []byte, ext string) (PointCloud, error) {
	if ext != ".las" {
		return ReadPCD(bytes.NewReader(body))
	}

	// lidario only reads from a named file
	tmp, err := os.CreateTemp("", "mapmatch-*.las")
	if err != nil {
		return nil, errors.Wrap(err, "staging LAS download")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return nil, errors.Wrap(err, "staging LAS download")
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.Wrap(err, "staging LAS download")
	}
	return ReadLAS(tmp.Name())
}

func doFetch(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "HTTP GET %s", rawURL)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("HTTP GET %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "reading response from %s", rawURL)
	}
	return body, nil
}
