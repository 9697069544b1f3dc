// Package fetch downloads image bytes referenced from spreadsheet rows.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/selfie-check/internal/retry"
)

// ErrTooLarge is returned when a response body exceeds Config.MaxBytes.
var ErrTooLarge = errors.New("response body too large")

// Config controls timeouts, size limits and retries for image downloads.
type Config struct {
	Timeout        time.Duration
	MaxBytes       int64
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	UserAgent      string
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Timeout:        15 * time.Second,
		MaxBytes:       10 << 20,
		Attempts:       2,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		UserAgent:      "selfie-check/1.0",
	}
}

// Error describes a failed download of URL.
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// statusError marks 5xx and 429 responses as temporary so they are retried.
type statusError struct {
	code int
}

func (e statusError) Error() string   { return http.StatusText(e.code) }
func (e statusError) Temporary() bool { return e.code >= 500 || e.code == http.StatusTooManyRequests }

// Client performs GET requests with a per-attempt timeout and bounded retries.
type Client struct {
	http   *http.Client
	cfg    Config
	logger *zap.Logger
}

// New builds a Client with its own http.Client.
func New(cfg Config, logger *zap.Logger) *Client {
	return NewWithHTTPClient(&http.Client{}, cfg, logger)
}

// NewWithHTTPClient builds a Client on top of an existing http.Client.
func NewWithHTTPClient(hc *http.Client, cfg Config, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	return &Client{http: hc, cfg: cfg, logger: logger.Named("fetch")}
}

// Fetch downloads rawURL and returns the body. Failures are reported as *Error.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	backoff := c.cfg.InitialBackoff
	var (
		data   []byte
		status int
		err    error
	)
	for attempt := 0; attempt < c.cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &Error{URL: rawURL, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= c.cfg.MaxBackoff {
				backoff = next
			}
		}

		data, status, err = c.get(ctx, rawURL)
		if err == nil {
			if attempt > 0 {
				c.logger.Debug("fetch succeeded after retry", zap.String("url", rawURL), zap.Int("attempt", attempt+1))
			}
			return data, nil
		}
		if ctx.Err() != nil || !retry.IsTransient(err) {
			break
		}
		c.logger.Debug("transient fetch error", zap.String("url", rawURL), zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return nil, &Error{URL: rawURL, StatusCode: status, Err: err}
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, statusError{code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes+1))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if int64(len(data)) > c.cfg.MaxBytes {
		return nil, resp.StatusCode, ErrTooLarge
	}
	return data, resp.StatusCode, nil
}
