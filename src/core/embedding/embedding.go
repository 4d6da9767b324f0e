package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"docrag/src/core/knowledge"
	"docrag/src/infrastructure/log"
)

const (
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = time.Second
	DefaultMaxInputChars = 8000
)

// ErrEmptyInput is returned for text that is blank after trimming.
var ErrEmptyInput = errors.New("empty embedding input")

// Provider is an external embedding service.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Config controls a Client.
type Config struct {
	// Dimension is the exact vector length every response must have.
	Dimension int
	// MaxRetries is the total number of attempts for transient failures.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between attempts.
	RetryDelay time.Duration
	// MaxInputChars truncates the input, in runes, before it is sent.
	MaxInputChars int
}

func DefaultConfig() Config {
	return Config{
		Dimension:     knowledge.EmbeddingDimension,
		MaxRetries:    DefaultMaxRetries,
		RetryDelay:    DefaultRetryDelay,
		MaxInputChars: DefaultMaxInputChars,
	}
}

// Client turns text into vectors of a fixed dimension. It holds no data and
// is safe for concurrent use.
type Client struct {
	provider Provider
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewClient(p Provider, cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Dimension <= 0 {
		cfg.Dimension = def.Dimension
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = def.MaxInputChars
	}
	return &Client{provider: p, cfg: cfg, sleep: sleepContext}
}

func (c *Client) Model() string  { return c.provider.Model() }
func (c *Client) Dimension() int { return c.cfg.Dimension }

// Embed returns the vector of text. Transient provider failures are retried
// with linear backoff; once attempts are exhausted a *ProviderError is
// returned. A vector of the wrong length is a *DimensionMismatchError and is
// never retried.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	text = Truncate(strings.TrimSpace(text), c.cfg.MaxInputChars)
	if text == "" {
		return nil, ErrEmptyInput
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		vec, err := c.provider.Embed(ctx, text)
		if err == nil {
			if len(vec) != c.cfg.Dimension {
				return nil, &DimensionMismatchError{Model: c.provider.Model(), Got: len(vec), Want: c.cfg.Dimension}
			}
			return vec, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsTransient(err) {
			return nil, &ProviderError{Model: c.provider.Model(), Attempts: attempt, Err: err}
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		delay := c.cfg.RetryDelay * time.Duration(attempt)
		log.Debug("embedding failed, retrying", "model", c.provider.Model(), "attempt", attempt, "delay", delay, "error", err.Error())
		if err := c.sleep(ctx, delay); err != nil {
			return nil, &ProviderError{Model: c.provider.Model(), Attempts: attempt, Err: err}
		}
	}

	return nil, &ProviderError{Model: c.provider.Model(), Attempts: c.cfg.MaxRetries, Err: lastErr}
}

// Truncate keeps the first max runes of s.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ProviderError is an embedding failure that retries could not recover.
type ProviderError struct {
	Model    string
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider %s failed after %d attempt(s): %v", e.Model, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// DimensionMismatchError is a provider response of the wrong length.
type DimensionMismatchError struct {
	Model string
	Got   int
	Want  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding model %s returned %d dimensions, want %d", e.Model, e.Got, e.Want)
}
