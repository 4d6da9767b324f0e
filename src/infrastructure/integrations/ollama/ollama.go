package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"docrag/src/infrastructure/log"
)

const (
	DefaultURL   = "http://localhost:11434"
	DefaultModel = "nomic-embed-text"
)

// StatusError is a non-2xx answer from the Ollama server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama returned %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether retrying the request may help.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client is an embedding provider backed by an Ollama server.
type Client struct {
	api   *api.Client
	model string
}

// NewClient creates a client for baseURL. A trailing "/api" is accepted and
// ignored since the Ollama SDK adds it itself.
func NewClient(baseURL, model string, c *http.Client) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if model == "" {
		model = DefaultModel
	}
	if c == nil {
		c = http.DefaultClient
	}

	u, err := url.Parse(strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/api"))
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", baseURL, err)
	}

	return &Client{
		api:   api.NewClient(u, c),
		model: model,
	}, nil
}

func (c *Client) Model() string {
	return c.model
}

// Embed generates the embedding vector of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.Embed(ctx, &api.EmbedRequest{
		Model: c.model,
		Input: text,
	})
	if err != nil {
		var se api.StatusError
		if errors.As(err, &se) {
			return nil, &StatusError{StatusCode: se.StatusCode, Message: se.ErrorMessage}
		}
		return nil, fmt.Errorf("error making request: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama returned no embedding for model %s", c.model)
	}

	log.Debug("received embedding from ollama", "model", c.model, "dimension", len(resp.Embeddings[0]))
	return resp.Embeddings[0], nil
}

// Ping checks the server answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.api.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama heartbeat failed: %w", err)
	}
	return nil
}
