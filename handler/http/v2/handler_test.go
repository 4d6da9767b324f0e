package v2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrag/src/core/knowledge"
	"docrag/src/core/retrieval"
	"docrag/src/infrastructure/job"
)

type fakeSearcher struct {
	query retrieval.Query
	resp  retrieval.Response
}

func (f *fakeSearcher) Search(_ context.Context, q retrieval.Query) retrieval.Response {
	f.query = q
	return f.resp
}

type fakeJobs struct {
	batchSize  int
	documentID int64
}

func (f *fakeJobs) EnqueueIndexCycle(_ context.Context, batchSize int) (*job.Job, error) {
	f.batchSize = batchSize
	return &job.Job{ID: 1, TaskType: job.TaskTypeIndexCycle, Status: job.JobStatusPending}, nil
}

func (f *fakeJobs) EnqueueClearError(_ context.Context, id int64) (*job.Job, error) {
	f.documentID = id
	return &job.Job{ID: 2, TaskType: job.TaskTypeClearError, Status: job.JobStatusPending}, nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w, out
}

func sampleResponse() retrieval.Response {
	page := 3
	return retrieval.Response{
		Results: []retrieval.Result{{
			Chunk: knowledge.Chunk{
				DocumentID: 7,
				Index:      2,
				Content:    "Purgar la bomba",
				Metadata: knowledge.ChunkMetadata{
					DocumentName: "manual.pdf",
					DocumentType: "procedure",
					PageNumber:   &page,
				},
			},
			Similarity:      0.82,
			Score:           0.91,
			Relevance:       retrieval.RelevanceHigh,
			MatchedKeywords: []string{"bomba"},
			Factors:         retrieval.Factors{Source: "hybrid", Fused: 0.8, KeywordBoost: 1.1, RecencyBoost: 1, Unclamped: 0.91},
		}},
		Total:         1,
		AvgScore:      0.91,
		MaxScore:      0.91,
		MinScore:      0.91,
		DocumentTypes: []string{"procedure", "manual"},
	}
}

func TestSearch(t *testing.T) {
	searcher := &fakeSearcher{resp: sampleResponse()}
	r := newRouter(NewHandler(searcher, nil, nil))

	w, body := do(t, r, http.MethodPost, "/api/v1/knowledge/search", `{
		"query": "purgar bomba",
		"max_results": 3,
		"similarity_threshold": 0.7,
		"search_type": "hybrid",
		"equipment_category_id": 2,
		"fsm_state": "in_progress",
		"boost_recent": true,
		"date_from": "2024-01-01T00:00:00Z"
	}`)

	require.Equal(t, http.StatusOK, w.Code)
	q := searcher.query
	assert.Equal(t, "purgar bomba", q.Text)
	assert.Equal(t, 3, q.MaxResults)
	require.NotNil(t, q.Threshold)
	assert.Equal(t, 0.7, *q.Threshold)
	assert.Equal(t, retrieval.SearchHybrid, q.SearchType)
	require.NotNil(t, q.Context.EquipmentCategoryID)
	assert.Equal(t, int64(2), *q.Context.EquipmentCategoryID)
	assert.Equal(t, "in_progress", q.Context.FSMState)
	assert.True(t, q.BoostRecent)
	require.NotNil(t, q.DateFrom)
	assert.Equal(t, 2024, q.DateFrom.Year())

	assert.Equal(t, float64(1), body["total_results"])
	assert.Equal(t, 0.91, body["max_similarity"])
	assert.NotContains(t, body, "message")

	results := body["results"].([]interface{})
	require.Len(t, results, 1)
	res := results[0].(map[string]interface{})
	assert.Equal(t, float64(7), res["attachment_id"])
	assert.Equal(t, "Purgar la bomba", res["content"])
	assert.Equal(t, 0.82, res["similarity"])
	assert.Equal(t, 0.91, res["final_score"])
	assert.Equal(t, "manual.pdf", res["document_name"])
	assert.Equal(t, "procedure", res["document_type"])
	assert.Equal(t, "high", res["relevance_level"])
	assert.Equal(t, []interface{}{"bomba"}, res["matched_keywords"])
	assert.Equal(t, "hybrid", res["scoring_factors"].(map[string]interface{})["source"])
	assert.Equal(t, float64(3), res["metadata"].(map[string]interface{})["page_number"])
}

func TestSearchWithoutMetadata(t *testing.T) {
	r := newRouter(NewHandler(&fakeSearcher{resp: sampleResponse()}, nil, nil))

	w, body := do(t, r, http.MethodPost, "/api/v1/knowledge/search", `{"query":"bomba","include_metadata":false}`)

	require.Equal(t, http.StatusOK, w.Code)
	res := body["results"].([]interface{})[0].(map[string]interface{})
	assert.NotContains(t, res, "metadata")
}

func TestSearchNoResults(t *testing.T) {
	r := newRouter(NewHandler(&fakeSearcher{resp: retrieval.Response{Results: []retrieval.Result{}}}, nil, nil))

	w, body := do(t, r, http.MethodPost, "/api/v1/knowledge/search", `{"query":"nada"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, noResultsMessage, body["message"])
	assert.Equal(t, []interface{}{}, body["results"])
}

func TestSearchInvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad search type", `{"query":"bomba","search_type":"fuzzy"}`},
		{"threshold above one", `{"query":"bomba","similarity_threshold":1.5}`},
		{"max results too large", `{"query":"bomba","max_results":500}`},
		{"malformed json", `{"query":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(NewHandler(&fakeSearcher{}, nil, nil))
			w, body := do(t, r, http.MethodPost, "/api/v1/knowledge/search", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_REQUEST", body["code"])
		})
	}
}

func TestCheckHealth(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	r := newRouter(NewHandler(&fakeSearcher{}, nil, map[string]Pinger{"store": ok, "embedding": ok}))
	w, body := do(t, r, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	r = newRouter(NewHandler(&fakeSearcher{}, nil, map[string]Pinger{"store": ok, "embedding": down}))
	w, body = do(t, r, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", body["status"])
	components := body["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["store"])
	assert.Equal(t, "connection refused", components["embedding"])
}

func TestJobRoutes(t *testing.T) {
	jobs := &fakeJobs{}
	r := newRouter(NewHandler(&fakeSearcher{}, jobs, nil))

	w, body := do(t, r, http.MethodPost, "/api/v1/knowledge/index", `{"batch_size":25}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 25, jobs.batchSize)
	assert.Equal(t, job.TaskTypeIndexCycle, body["task_type"])

	w, _ = do(t, r, http.MethodPost, "/api/v1/knowledge/index", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 0, jobs.batchSize)

	w, _ = do(t, r, http.MethodPost, "/api/v1/knowledge/documents/42/retry", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, int64(42), jobs.documentID)

	w, body = do(t, r, http.MethodPost, "/api/v1/knowledge/documents/abc/retry", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

func TestJobRoutesDisabled(t *testing.T) {
	r := newRouter(NewHandler(&fakeSearcher{}, nil, nil))

	w, body := do(t, r, http.MethodPost, "/api/v1/knowledge/index", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "JOBS_DISABLED", body["code"])
}
