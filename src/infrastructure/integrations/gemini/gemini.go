package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/generativelanguage/v1beta"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const DefaultModel = "models/embedding-001"

// Task types tell the model which side of a retrieval the text is on.
const (
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
)

// ErrMissingAPIKey is a configuration error: the provider cannot start
// without credentials.
var ErrMissingAPIKey = errors.New("gemini: api key is required")

// APIError wraps a Generative Language API failure.
type APIError struct {
	Code int
	Err  error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini: request failed with status %d: %v", e.Code, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

func (e *APIError) Transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client is an embedding provider backed by the Gemini embedding models.
type Client struct {
	svc      *generativelanguage.Service
	model    string
	taskType string
}

// NewClient creates a Gemini embedding client. Extra options are passed to
// the underlying service, tests use them to point it at a fake endpoint.
func NewClient(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if model == "" {
		model = DefaultModel
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := generativelanguage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini: create service: %w", err)
	}

	return &Client{svc: svc, model: model, taskType: TaskRetrievalDocument}, nil
}

// ForQueries returns a client sharing the same service that embeds search
// queries instead of documents.
func (c *Client) ForQueries() *Client {
	q := *c
	q.taskType = TaskRetrievalQuery
	return &q
}

func (c *Client) Model() string {
	return c.model
}

// Embed generates the embedding vector of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	req := &generativelanguage.EmbedContentRequest{
		Content: &generativelanguage.Content{
			Parts: []*generativelanguage.Part{{Text: text}},
		},
		TaskType: c.taskType,
	}

	resp, err := c.svc.Models.EmbedContent(c.model, req).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return nil, &APIError{Code: gerr.Code, Err: err}
		}
		return nil, fmt.Errorf("gemini: embed content: %w", err)
	}
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("gemini: empty embedding for model %s", c.model)
	}

	out := make([]float32, len(resp.Embedding.Values))
	for i, v := range resp.Embedding.Values {
		out[i] = float32(v)
	}
	return out, nil
}
