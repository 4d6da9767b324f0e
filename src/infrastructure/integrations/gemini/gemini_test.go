package gemini_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"docrag/src/core/embedding"
	"docrag/src/infrastructure/integrations/gemini"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *gemini.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := gemini.NewClient(context.Background(), "test-key", "embedding-001",
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := gemini.NewClient(context.Background(), "", "")
	assert.ErrorIs(t, err, gemini.ErrMissingAPIKey)
}

func TestEmbed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/embedding-001:embedContent"), r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, gemini.TaskRetrievalDocument, body["taskType"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"embedding":{"values":[0.5,-0.25]}}`))
	})

	v, err := c.Embed(context.Background(), "termostato")

	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25}, v)
	assert.Equal(t, "models/embedding-001", c.Model())
}

func TestQueryClientUsesQueryTask(t *testing.T) {
	var tasks []interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		tasks = append(tasks, body["taskType"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"embedding":{"values":[1]}}`))
	})

	_, err := c.ForQueries().Embed(context.Background(), "¿cómo purgar la bomba?")
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), "Purgar la bomba antes de arrancar.")
	require.NoError(t, err)

	assert.Equal(t, []interface{}{gemini.TaskRetrievalQuery, gemini.TaskRetrievalDocument}, tasks)
	assert.Equal(t, c.Model(), c.ForQueries().Model())
}

func TestEmbedErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{name: "unavailable", status: http.StatusServiceUnavailable, transient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, transient: true},
		{name: "bad request", status: http.StatusBadRequest, transient: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"nope"}}`))
			})

			_, err := c.Embed(context.Background(), "termostato")

			var apiErr *gemini.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Code)
			assert.Equal(t, tt.transient, embedding.IsTransient(err))
		})
	}
}
