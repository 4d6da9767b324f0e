package weaviate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"docrag/src/core/knowledge"
	"docrag/src/infrastructure/log"
)

// DefaultClassName is the class holding document chunks.
const DefaultClassName = "DocumentChunk"

// chunkNamespace seeds the name-based object ids.
var chunkNamespace = uuid.MustParse("6f1c3f57-2a55-4a8e-9a43-4fb1c1f0a1d2")

const (
	propAttachmentID        = "attachmentId"
	propChunkIndex          = "chunkIndex"
	propContent             = "content"
	propDocumentType        = "documentType"
	propMetadata            = "metadata"
	propEquipmentCategories = "equipmentCategories"
	propServiceNatures      = "serviceNatures"
	propCreatedAt           = "createdAt"
	propGeneration          = "generation"
)

// postFilterFactor widens the candidate limit when category filters are
// applied after the query.
const postFilterFactor = 3

// Store is a knowledge.Store backed by a Weaviate class with externally
// supplied vectors.
//
// A re-index writes the new chunks under a fresh generation and then removes
// the older generations, so a failed write leaves the previous chunks intact.
// Weaviate batches are not transactional: until the old generation is gone,
// searches may return both chunk sets, or part of a first write.
type Store struct {
	client    *weaviate.Client
	className string
}

func NewStore(client *weaviate.Client, className string) *Store {
	if className == "" {
		className = DefaultClassName
	}
	return &Store{
		client:    client,
		className: className,
	}
}

// EnsureSchema creates the chunk class with a cosine HNSW index unless it
// already exists.
func (s *Store) EnsureSchema(ctx context.Context) error {
	exists, err := s.classExists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check if class exists: %w", err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:      s.className,
		Vectorizer: "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			{Name: propAttachmentID, DataType: []string{"int"}},
			{Name: propChunkIndex, DataType: []string{"int"}},
			{Name: propContent, DataType: []string{"text"}},
			{Name: propDocumentType, DataType: []string{"text"}, Tokenization: "field"},
			{Name: propMetadata, DataType: []string{"text"}, IndexFilterable: boolPtr(false), IndexSearchable: boolPtr(false)},
			{Name: propEquipmentCategories, DataType: []string{"int[]"}},
			{Name: propServiceNatures, DataType: []string{"int[]"}},
			{Name: propCreatedAt, DataType: []string{"date"}},
			{Name: propGeneration, DataType: []string{"text"}, Tokenization: "field"},
		},
	}

	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create Weaviate class: %w", err)
	}
	log.Info("created weaviate class", "class", s.className)
	return nil
}

func (s *Store) classExists(ctx context.Context) (bool, error) {
	schema, err := s.client.Schema().Getter().Do(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get schema: %w", err)
	}
	for _, class := range schema.Classes {
		if class.Class == s.className {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) InsertDocument(ctx context.Context, documentID int64, chunks []knowledge.IndexedChunk) ([]string, error) {
	if err := knowledge.ValidateChunks(documentID, chunks); err != nil {
		return nil, err
	}

	generation := uuid.NewString()
	now := time.Now()
	objs := make([]*models.Object, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		if c.Chunk.CreatedAt.IsZero() {
			c.Chunk.CreatedAt = now
		}
		obj, err := s.toObject(generation, c)
		if err != nil {
			return nil, err
		}
		objs[i] = obj
		ids[i] = obj.ID.String()
	}

	if len(objs) > 0 {
		if err := s.batchAdd(ctx, objs); err != nil {
			if derr := s.deleteWhere(ctx, generationFilter(documentID, generation, filters.Equal)); derr != nil {
				log.Error(derr, "failed to remove partial generation", "document_id", documentID, "generation", generation)
			}
			return nil, err
		}
	}

	if err := s.deleteWhere(ctx, generationFilter(documentID, generation, filters.NotEqual)); err != nil {
		return nil, fmt.Errorf("failed to remove previous chunks: %w", err)
	}

	log.Debug("stored document chunks", "document_id", documentID, "chunks", len(objs), "generation", generation)
	return ids, nil
}

func (s *Store) batchAdd(ctx context.Context, objs []*models.Object) error {
	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objs...).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to batch add chunks: %w", err)
	}
	if len(resp) != len(objs) {
		return fmt.Errorf("batch operation returned %d results for %d chunks", len(resp), len(objs))
	}
	for _, r := range resp {
		if r.Result == nil || r.Result.Errors == nil {
			continue
		}
		var msgs []string
		for _, e := range r.Result.Errors.Error {
			msgs = append(msgs, e.Message)
		}
		if len(msgs) > 0 {
			return fmt.Errorf("failed to add chunk %s: %s", r.ID, strings.Join(msgs, "; "))
		}
	}
	return nil
}

func (s *Store) deleteWhere(ctx context.Context, where *filters.WhereBuilder) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(s.className).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx)
	return err
}

// DeleteDocument removes every chunk of a document.
func (s *Store) DeleteDocument(ctx context.Context, documentID int64) error {
	where := filters.Where().
		WithPath([]string{propAttachmentID}).
		WithOperator(filters.Equal).
		WithValueInt(documentID)
	if err := s.deleteWhere(ctx, where); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (s *Store) SimilaritySearch(ctx context.Context, vector []float32, k int, threshold float64, f knowledge.Filters) ([]knowledge.ScoredChunk, error) {
	if len(vector) != knowledge.EmbeddingDimension {
		return nil, fmt.Errorf("%w: query has %d dimensions", knowledge.ErrInvalidVector, len(vector))
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector).
		WithDistance(float32(1 - threshold))

	get := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithFields(resultFields("distance")...).
		WithNearVector(nearVector).
		WithLimit(candidateLimit(k, f))
	if where := whereFilter(f); where != nil {
		get = get.WithWhere(where)
	}

	result, err := get.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	if err := graphQLError(result); err != nil {
		return nil, err
	}

	hits, err := parseObjects(result, s.className)
	if err != nil {
		return nil, err
	}
	var out []knowledge.ScoredChunk
	for _, h := range hits {
		h.Score = 1 - h.Score
		if h.Score > threshold && f.Match(h.Chunk) {
			out = append(out, h)
		}
	}
	return truncate(out, k), nil
}

// KeywordSearch uses BM25 for candidate selection and rescores candidates
// with knowledge.KeywordScore so every backend ranks keyword hits alike.
func (s *Store) KeywordSearch(ctx context.Context, keywords []string, k int, f knowledge.Filters) ([]knowledge.ScoredChunk, error) {
	query := strings.TrimSpace(strings.Join(keywords, " "))
	if query == "" {
		return nil, nil
	}

	bm25 := s.client.GraphQL().Bm25ArgBuilder().
		WithQuery(query).
		WithProperties(propContent)

	get := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithFields(resultFields()...).
		WithBM25(bm25).
		WithLimit(candidateLimit(k, f))
	if where := whereFilter(f); where != nil {
		get = get.WithWhere(where)
	}

	result, err := get.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run bm25 query: %w", err)
	}
	if err := graphQLError(result); err != nil {
		return nil, err
	}

	hits, err := parseObjects(result, s.className)
	if err != nil {
		return nil, err
	}
	var out []knowledge.ScoredChunk
	for _, h := range hits {
		if !f.Match(h.Chunk) {
			continue
		}
		h.Score = knowledge.KeywordScore(h.Chunk.Content, keywords)
		if h.Score > 0 {
			out = append(out, h)
		}
	}
	sortByScore(out)
	return truncate(out, k), nil
}

func (s *Store) Ping(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach weaviate: %w", err)
	}
	if !ready {
		return fmt.Errorf("weaviate is not ready")
	}
	return nil
}

var (
	_ knowledge.Store           = (*Store)(nil)
	_ knowledge.DocumentDeleter = (*Store)(nil)
)

// ObjectID is the name-based uuid of a chunk within one write generation.
func ObjectID(documentID int64, generation string, index int) uuid.UUID {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%d/%s/%d", documentID, generation, index)))
}

func (s *Store) toObject(generation string, c knowledge.IndexedChunk) (*models.Object, error) {
	meta, err := json.Marshal(c.Chunk.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return &models.Object{
		Class: s.className,
		ID:    strfmt.UUID(ObjectID(c.Chunk.DocumentID, generation, c.Chunk.Index).String()),
		Properties: map[string]interface{}{
			propAttachmentID:        c.Chunk.DocumentID,
			propChunkIndex:          c.Chunk.Index,
			propContent:             c.Chunk.Content,
			propDocumentType:        c.Chunk.Metadata.DocumentType,
			propMetadata:            string(meta),
			propEquipmentCategories: nonNil(c.Chunk.Metadata.EquipmentCategories),
			propServiceNatures:      nonNil(c.Chunk.Metadata.ServiceNatures),
			propCreatedAt:           c.Chunk.CreatedAt.UTC().Format(time.RFC3339Nano),
			propGeneration:          generation,
		},
		Vector: c.Vector,
	}, nil
}

func generationFilter(documentID int64, generation string, op filters.WhereOperator) *filters.WhereBuilder {
	return filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().WithPath([]string{propAttachmentID}).WithOperator(filters.Equal).WithValueInt(documentID),
			filters.Where().WithPath([]string{propGeneration}).WithOperator(op).WithValueText(generation),
		})
}

// whereFilter pushes down the filters Weaviate can evaluate directly.
// Category and service nature filters are applied with Filters.Match.
func whereFilter(f knowledge.Filters) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	// An empty type stands for untyped chunks, which Weaviate cannot match
	// with ContainsAny; Filters.Match handles that case.
	if len(f.DocumentTypes) > 0 && !containsEmpty(f.DocumentTypes) {
		operands = append(operands, filters.Where().
			WithPath([]string{propDocumentType}).
			WithOperator(filters.ContainsAny).
			WithValueText(f.DocumentTypes...))
	}
	if len(f.DocumentIDs) > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{propAttachmentID}).
			WithOperator(filters.ContainsAny).
			WithValueInt(f.DocumentIDs...))
	}
	if f.CreatedAfter != nil {
		operands = append(operands, filters.Where().
			WithPath([]string{propCreatedAt}).
			WithOperator(filters.GreaterThanEqual).
			WithValueDate(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		operands = append(operands, filters.Where().
			WithPath([]string{propCreatedAt}).
			WithOperator(filters.LessThanEqual).
			WithValueDate(*f.CreatedBefore))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands)
	}
}

func resultFields(additional ...string) []graphql.Field {
	fields := []graphql.Field{
		{Name: propAttachmentID},
		{Name: propChunkIndex},
		{Name: propContent},
		{Name: propMetadata},
		{Name: propCreatedAt},
	}
	extra := append([]string{"id"}, additional...)
	return append(fields, graphql.Field{Name: "_additional { " + strings.Join(extra, " ") + " }"})
}

func candidateLimit(k int, f knowledge.Filters) int {
	if k <= 0 {
		k = 10
	}
	if len(f.EquipmentCategoryIDs) > 0 || len(f.ServiceNatureIDs) > 0 {
		return k * postFilterFactor
	}
	return k
}

func graphQLError(result *models.GraphQLResponse) error {
	if result == nil || len(result.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		msgs = append(msgs, e.Message)
	}
	return fmt.Errorf("weaviate query failed: %s", strings.Join(msgs, "; "))
}

// parseObjects converts a Get response into scored chunks. Score holds the
// distance when requested, 0 otherwise.
func parseObjects(result *models.GraphQLResponse, className string) ([]knowledge.ScoredChunk, error) {
	if result == nil {
		return nil, nil
	}
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	objects, ok := data[className].([]interface{})
	if !ok {
		return nil, nil
	}

	out := make([]knowledge.ScoredChunk, 0, len(objects))
	for _, obj := range objects {
		objMap, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		var c knowledge.Chunk
		if additional, ok := objMap["_additional"].(map[string]interface{}); ok {
			c.ID, _ = additional["id"].(string)
		}
		c.DocumentID = int64(number(objMap[propAttachmentID]))
		c.Index = int(number(objMap[propChunkIndex]))
		c.Content, _ = objMap[propContent].(string)
		if raw, ok := objMap[propMetadata].(string); ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &c.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of chunk %s: %w", c.ID, err)
			}
		}
		if raw, ok := objMap[propCreatedAt].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				c.CreatedAt = t
			}
		}

		var score float64
		if additional, ok := objMap["_additional"].(map[string]interface{}); ok {
			score = number(additional["distance"])
		}
		out = append(out, knowledge.ScoredChunk{Chunk: c, Score: score})
	}
	return out, nil
}

func number(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func containsEmpty(values []string) bool {
	for _, v := range values {
		if v == "" {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool {
	return &b
}

func sortByScore(hits []knowledge.ScoredChunk) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}

func truncate(hits []knowledge.ScoredChunk, k int) []knowledge.ScoredChunk {
	if k > 0 && len(hits) > k {
		return hits[:k]
	}
	return hits
}
