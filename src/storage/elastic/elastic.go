package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"

	"docrag/src/core/knowledge"
	"docrag/src/infrastructure/log"
)

const DefaultIndex = "ai_document_embeddings"

// Store is a knowledge.Store on an Elasticsearch index with a dense_vector
// field. The index never refreshes on its own: a document becomes visible
// when the refresh after its write succeeds.
type Store struct {
	es    *elasticsearch.Client
	index string
}

type chunkDoc struct {
	AttachmentID        int64                   `json:"attachment_id"`
	ChunkIndex          int                     `json:"chunk_index"`
	Content             string                  `json:"content"`
	Embedding           []float32               `json:"embedding,omitempty"`
	Metadata            knowledge.ChunkMetadata `json:"metadata"`
	DocumentType        string                  `json:"document_type"`
	EquipmentCategories []int64                 `json:"equipment_categories"`
	ServiceNatures      []int64                 `json:"service_natures"`
	CreatedAt           time.Time               `json:"created_at"`
	Generation          string                  `json:"generation"`
}

func NewStore(es *elasticsearch.Client, index string) *Store {
	if index == "" {
		index = DefaultIndex
	}
	return &Store{es: es, index: index}
}

// NewClient builds an Elasticsearch client for the given addresses.
func NewClient(addresses []string, username, password string) (*elasticsearch.Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return es, nil
}

// EnsureIndex creates the chunk index unless it already exists.
func (s *Store) EnsureIndex(ctx context.Context) error {
	res, err := s.es.Indices.Exists([]string{s.index}, s.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}

	body := map[string]interface{}{
		"settings": map[string]interface{}{
			"refresh_interval": "-1",
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"attachment_id": map[string]interface{}{"type": "long"},
				"chunk_index":   map[string]interface{}{"type": "integer"},
				"content":       map[string]interface{}{"type": "text"},
				"embedding": map[string]interface{}{
					"type":       "dense_vector",
					"dims":       knowledge.EmbeddingDimension,
					"index":      true,
					"similarity": "cosine",
				},
				"metadata":             map[string]interface{}{"type": "object", "enabled": false},
				"document_type":        map[string]interface{}{"type": "keyword"},
				"equipment_categories": map[string]interface{}{"type": "long"},
				"service_natures":      map[string]interface{}{"type": "long"},
				"created_at":           map[string]interface{}{"type": "date"},
				"generation":           map[string]interface{}{"type": "keyword"},
			},
		},
	}
	res, err = s.es.Indices.Create(s.index,
		s.es.Indices.Create.WithBody(jsonReader(body)),
		s.es.Indices.Create.WithContext(ctx),
	)
	if err := check(res, err, "create index"); err != nil {
		return err
	}
	log.Info("created elasticsearch index", "index", s.index)
	return nil
}

func (s *Store) InsertDocument(ctx context.Context, documentID int64, chunks []knowledge.IndexedChunk) ([]string, error) {
	if err := knowledge.ValidateChunks(documentID, chunks); err != nil {
		return nil, err
	}

	generation := uuid.NewString()
	now := time.Now()
	ids := make([]string, len(chunks))
	var bulk bytes.Buffer
	for i, c := range chunks {
		created := c.Chunk.CreatedAt
		if created.IsZero() {
			created = now
		}
		ids[i] = fmt.Sprintf("%d-%s-%d", documentID, generation, c.Chunk.Index)
		writeBulk(&bulk, map[string]interface{}{"index": map[string]interface{}{"_id": ids[i]}}, chunkDoc{
			AttachmentID:        documentID,
			ChunkIndex:          c.Chunk.Index,
			Content:             c.Chunk.Content,
			Embedding:           c.Vector,
			Metadata:            c.Chunk.Metadata,
			DocumentType:        c.Chunk.Metadata.DocumentType,
			EquipmentCategories: c.Chunk.Metadata.EquipmentCategories,
			ServiceNatures:      c.Chunk.Metadata.ServiceNatures,
			CreatedAt:           created,
			Generation:          generation,
		})
	}

	if len(ids) > 0 {
		if err := s.bulk(ctx, &bulk); err != nil {
			// Nothing was refreshed yet, so deleting by id removes the
			// partial write before anyone can see it.
			if derr := s.deleteIDs(ctx, ids); derr != nil {
				log.Error(derr, "failed to remove partial write", "document_id", documentID)
			}
			return nil, err
		}
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter":   []interface{}{term("attachment_id", documentID)},
				"must_not": []interface{}{term("generation", generation)},
			},
		},
	}
	res, err := s.es.DeleteByQuery([]string{s.index}, jsonReader(query),
		s.es.DeleteByQuery.WithContext(ctx),
		s.es.DeleteByQuery.WithConflicts("proceed"),
	)
	if err := check(res, err, "delete previous chunks"); err != nil {
		return nil, err
	}

	if err := s.refresh(ctx); err != nil {
		return nil, err
	}

	log.Debug("stored document chunks", "document_id", documentID, "chunks", len(ids))
	return ids, nil
}

func (s *Store) bulk(ctx context.Context, body io.Reader) error {
	res, err := s.es.Bulk(body, s.es.Bulk.WithIndex(s.index), s.es.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to bulk index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to bulk index: %s", res.String())
	}

	var out struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to parse bulk response: %w", err)
	}
	if !out.Errors {
		return nil
	}
	for _, item := range out.Items {
		for _, r := range item {
			if r.Status >= 300 {
				return fmt.Errorf("failed to index chunk %s: %s: %s", r.ID, r.Error.Type, r.Error.Reason)
			}
		}
	}
	return fmt.Errorf("bulk index reported errors")
}

func (s *Store) deleteIDs(ctx context.Context, ids []string) error {
	var buf bytes.Buffer
	for _, id := range ids {
		writeBulk(&buf, map[string]interface{}{"delete": map[string]interface{}{"_id": id}}, nil)
	}
	return s.bulk(ctx, &buf)
}

func (s *Store) refresh(ctx context.Context) error {
	res, err := s.es.Indices.Refresh(
		s.es.Indices.Refresh.WithIndex(s.index),
		s.es.Indices.Refresh.WithContext(ctx),
	)
	return check(res, err, "refresh index")
}

// DeleteDocument removes every chunk of a document.
func (s *Store) DeleteDocument(ctx context.Context, documentID int64) error {
	query := map[string]interface{}{"query": term("attachment_id", documentID)}
	res, err := s.es.DeleteByQuery([]string{s.index}, jsonReader(query),
		s.es.DeleteByQuery.WithContext(ctx),
		s.es.DeleteByQuery.WithConflicts("proceed"),
	)
	if err := check(res, err, "delete chunks"); err != nil {
		return err
	}
	return s.refresh(ctx)
}

// SimilaritySearch runs an approximate kNN query. Elasticsearch reports
// cosine scores as (1 + cos) / 2, which is converted back.
func (s *Store) SimilaritySearch(ctx context.Context, vector []float32, k int, threshold float64, f knowledge.Filters) ([]knowledge.ScoredChunk, error) {
	if len(vector) != knowledge.EmbeddingDimension {
		return nil, fmt.Errorf("%w: query has %d dimensions", knowledge.ErrInvalidVector, len(vector))
	}
	k = limit(k)

	knn := map[string]interface{}{
		"field":          "embedding",
		"query_vector":   vector,
		"k":              k,
		"num_candidates": max(100, k*10),
	}
	if filter := filterClauses(f); len(filter) > 0 {
		knn["filter"] = map[string]interface{}{"bool": map[string]interface{}{"filter": filter}}
	}
	body := map[string]interface{}{
		"knn":     knn,
		"size":    k,
		"_source": map[string]interface{}{"excludes": []string{"embedding"}},
	}

	hits, err := s.search(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("failed to run similarity search: %w", err)
	}
	var out []knowledge.ScoredChunk
	for _, h := range hits {
		h.Score = 2*h.Score - 1
		if h.Score > threshold {
			out = append(out, h)
		}
	}
	return out, nil
}

// KeywordSearch selects candidates with a full-text query and scores them
// with knowledge.KeywordScore.
func (s *Store) KeywordSearch(ctx context.Context, keywords []string, k int, f knowledge.Filters) ([]knowledge.ScoredChunk, error) {
	var should []interface{}
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			should = append(should, map[string]interface{}{
				"match": map[string]interface{}{"content": kw},
			})
		}
	}
	if len(should) == 0 {
		return nil, nil
	}
	k = limit(k)

	query := map[string]interface{}{
		"should":               should,
		"minimum_should_match": 1,
	}
	if filter := filterClauses(f); len(filter) > 0 {
		query["filter"] = filter
	}
	body := map[string]interface{}{
		"query":   map[string]interface{}{"bool": query},
		"size":    k * 3,
		"_source": map[string]interface{}{"excludes": []string{"embedding"}},
	}

	hits, err := s.search(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("failed to run keyword search: %w", err)
	}
	var out []knowledge.ScoredChunk
	for _, h := range hits {
		h.Score = knowledge.KeywordScore(h.Chunk.Content, keywords)
		if h.Score > 0 {
			out = append(out, h)
		}
	}
	sortByScore(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *Store) search(ctx context.Context, body map[string]interface{}) ([]knowledge.ScoredChunk, error) {
	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index),
		s.es.Search.WithBody(jsonReader(body)),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search failed: %s", res.String())
	}

	var out struct {
		Hits struct {
			Hits []struct {
				ID     string   `json:"_id"`
				Score  float64  `json:"_score"`
				Source chunkDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	hits := make([]knowledge.ScoredChunk, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		hits = append(hits, knowledge.ScoredChunk{
			Chunk: knowledge.Chunk{
				ID:         h.ID,
				DocumentID: h.Source.AttachmentID,
				Index:      h.Source.ChunkIndex,
				Content:    h.Source.Content,
				Metadata:   h.Source.Metadata,
				CreatedAt:  h.Source.CreatedAt,
			},
			Score: h.Score,
		})
	}
	return hits, nil
}

func (s *Store) Ping(ctx context.Context) error {
	res, err := s.es.Ping(s.es.Ping.WithContext(ctx))
	return check(res, err, "ping")
}

var (
	_ knowledge.Store           = (*Store)(nil)
	_ knowledge.DocumentDeleter = (*Store)(nil)
)

// filterClauses renders filters as bool filter clauses. Untagged chunks have
// no indexed category values, so must_not exists keeps them.
func filterClauses(f knowledge.Filters) []interface{} {
	var clauses []interface{}
	if len(f.DocumentTypes) > 0 {
		clauses = append(clauses, terms("document_type", f.DocumentTypes))
	}
	if len(f.DocumentIDs) > 0 {
		clauses = append(clauses, terms("attachment_id", f.DocumentIDs))
	}
	if len(f.EquipmentCategoryIDs) > 0 {
		clauses = append(clauses, taggedOrGeneric("equipment_categories", f.EquipmentCategoryIDs))
	}
	if len(f.ServiceNatureIDs) > 0 {
		clauses = append(clauses, taggedOrGeneric("service_natures", f.ServiceNatureIDs))
	}
	if f.CreatedAfter != nil || f.CreatedBefore != nil {
		r := map[string]interface{}{}
		if f.CreatedAfter != nil {
			r["gte"] = f.CreatedAfter.UTC().Format(time.RFC3339Nano)
		}
		if f.CreatedBefore != nil {
			r["lte"] = f.CreatedBefore.UTC().Format(time.RFC3339Nano)
		}
		clauses = append(clauses, map[string]interface{}{"range": map[string]interface{}{"created_at": r}})
	}
	return clauses
}

func taggedOrGeneric(field string, ids []int64) map[string]interface{} {
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"should": []interface{}{
				terms(field, ids),
				map[string]interface{}{"bool": map[string]interface{}{
					"must_not": map[string]interface{}{"exists": map[string]interface{}{"field": field}},
				}},
			},
			"minimum_should_match": 1,
		},
	}
}

func term(field string, value interface{}) map[string]interface{} {
	return map[string]interface{}{"term": map[string]interface{}{field: value}}
}

func terms(field string, values interface{}) map[string]interface{} {
	return map[string]interface{}{"terms": map[string]interface{}{field: values}}
}

func writeBulk(buf *bytes.Buffer, action interface{}, doc interface{}) {
	enc := json.NewEncoder(buf)
	_ = enc.Encode(action)
	if doc != nil {
		_ = enc.Encode(doc)
	}
}

func jsonReader(v interface{}) io.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func check(res *esapi.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to %s: %s", op, res.String())
	}
	return nil
}

func limit(k int) int {
	if k <= 0 {
		return 10
	}
	return k
}

func sortByScore(hits []knowledge.ScoredChunk) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}
