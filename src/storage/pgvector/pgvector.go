package pgvector

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"docrag/src/core/knowledge"
	"docrag/src/infrastructure/log"
)

const (
	TableName = "ai_document_embeddings"
	batchSize = 100
)

// ChunkRecord is a row of ai_document_embeddings.
type ChunkRecord struct {
	ID           int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	AttachmentID int64           `gorm:"not null;uniqueIndex:idx_ai_document_embeddings_chunk,priority:1" json:"attachment_id"`
	ChunkIndex   int             `gorm:"not null;uniqueIndex:idx_ai_document_embeddings_chunk,priority:2" json:"chunk_index"`
	Content      string          `gorm:"type:varchar(2000);not null" json:"content"`
	Embedding    pgvector.Vector `gorm:"type:vector(768);not null" json:"-"`
	Metadata     Metadata        `gorm:"type:jsonb;not null" json:"metadata"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (ChunkRecord) TableName() string {
	return TableName
}

// Metadata stores knowledge.ChunkMetadata as a jsonb column.
type Metadata knowledge.ChunkMetadata

func (m Metadata) Value() (driver.Value, error) {
	b, err := json.Marshal(knowledge.ChunkMetadata(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src interface{}) error {
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case nil:
		*m = Metadata{}
		return nil
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	var md knowledge.ChunkMetadata
	if err := json.Unmarshal(b, &md); err != nil {
		return err
	}
	*m = Metadata(md)
	return nil
}

type scoredRow struct {
	ID           int64
	AttachmentID int64
	ChunkIndex   int
	Content      string
	Metadata     Metadata
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Score        float64
}

func (r scoredRow) scored() knowledge.ScoredChunk {
	return knowledge.ScoredChunk{
		Chunk: knowledge.Chunk{
			ID:         strconv.FormatInt(r.ID, 10),
			DocumentID: r.AttachmentID,
			Index:      r.ChunkIndex,
			Content:    r.Content,
			Metadata:   knowledge.ChunkMetadata(r.Metadata),
			CreatedAt:  r.CreatedAt,
		},
		Score: r.Score,
	}
}

// Store is a knowledge.Store on PostgreSQL with the pgvector extension.
type Store struct {
	db        *gorm.DB
	snowflake *snowflake.Node
}

func NewStore(db *gorm.DB) (*Store, error) {
	// Initialize snowflake node
	node, err := snowflake.NewNode(3) // Node number 3 for embeddings
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %v", err)
	}

	return &Store{
		db:        db,
		snowflake: node,
	}, nil
}

// Migrate creates the vector extension, the table and its HNSW cosine index.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	if err := db.AutoMigrate(&ChunkRecord{}); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", TableName, err)
	}
	err := db.Exec("CREATE INDEX IF NOT EXISTS idx_ai_document_embeddings_embedding ON " + TableName +
		" USING hnsw (embedding vector_cosine_ops)").Error
	if err != nil {
		return fmt.Errorf("failed to create embedding index: %w", err)
	}
	return nil
}

// InsertDocument replaces the chunks of a document in a single transaction.
func (s *Store) InsertDocument(ctx context.Context, documentID int64, chunks []knowledge.IndexedChunk) ([]string, error) {
	if err := knowledge.ValidateChunks(documentID, chunks); err != nil {
		return nil, err
	}

	now := time.Now()
	records := make([]ChunkRecord, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		created := c.Chunk.CreatedAt
		if created.IsZero() {
			created = now
		}
		records[i] = ChunkRecord{
			ID:           s.snowflake.Generate().Int64(),
			AttachmentID: documentID,
			ChunkIndex:   c.Chunk.Index,
			Content:      c.Chunk.Content,
			Embedding:    pgvector.NewVector(c.Vector),
			Metadata:     Metadata(c.Chunk.Metadata),
			CreatedAt:    created,
			UpdatedAt:    now,
		}
		ids[i] = strconv.FormatInt(records[i].ID, 10)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("attachment_id = ?", documentID).Delete(&ChunkRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete previous chunks: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(records, batchSize).Error; err != nil {
			return fmt.Errorf("failed to insert chunks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug("stored document chunks", "document_id", documentID, "chunks", len(records))
	return ids, nil
}

func (s *Store) SimilaritySearch(ctx context.Context, vector []float32, k int, threshold float64, filters knowledge.Filters) ([]knowledge.ScoredChunk, error) {
	if len(vector) != knowledge.EmbeddingDimension {
		return nil, fmt.Errorf("%w: query has %d dimensions", knowledge.ErrInvalidVector, len(vector))
	}
	vec := pgvector.NewVector(vector)

	where, args := filterSQL(filters)
	query := "SELECT id, attachment_id, chunk_index, content, metadata, created_at, updated_at, " +
		"1 - (embedding <=> ?) AS score FROM " + TableName +
		" WHERE 1 - (embedding <=> ?) > ?" + where +
		" ORDER BY embedding <=> ? LIMIT ?"
	all := append([]interface{}{vec, vec, threshold}, args...)
	all = append(all, vec, limit(k))

	var rows []scoredRow
	if err := s.db.WithContext(ctx).Raw(query, all...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to run similarity search: %w", err)
	}
	return toScored(rows), nil
}

// KeywordSearch ranks chunks by KeywordScore computed in SQL: occurrences of
// a keyword are counted by the length lost when replacing it.
func (s *Store) KeywordSearch(ctx context.Context, keywords []string, k int, filters knowledge.Filters) ([]knowledge.ScoredChunk, error) {
	var kws []string
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			kws = append(kws, kw)
		}
	}
	if len(kws) == 0 {
		return nil, nil
	}

	var (
		counts  []string
		matches []string
		args    []interface{}
	)
	for _, kw := range kws {
		counts = append(counts, "(length(lower(content)) - length(replace(lower(content), ?, ''))) / ?")
		args = append(args, kw, len([]rune(kw)))
	}
	for _, kw := range kws {
		matches = append(matches, "content ILIKE ?")
		args = append(args, "%"+escapeLike(kw)+"%")
	}

	where, fargs := filterSQL(filters)
	args = append(args, fargs...)
	args = append(args, limit(k))

	query := "SELECT id, attachment_id, chunk_index, content, metadata, created_at, updated_at, " +
		fmt.Sprintf("LEAST((%s)::float8 / %d, 1) AS score FROM ", strings.Join(counts, " + "), 3*len(kws)) + TableName +
		" WHERE (" + strings.Join(matches, " OR ") + ")" + where +
		" ORDER BY score DESC, attachment_id, chunk_index LIMIT ?"

	var rows []scoredRow
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to run keyword search: %w", err)
	}
	return toScored(rows), nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// DeleteDocument removes every chunk of a document.
func (s *Store) DeleteDocument(ctx context.Context, documentID int64) error {
	result := s.db.WithContext(ctx).Where("attachment_id = ?", documentID).Delete(&ChunkRecord{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete chunks: %w", result.Error)
	}
	return nil
}

// filterSQL renders filters as " AND ..." conditions. Category and service
// nature conditions also accept chunks that carry no ids of that kind.
func filterSQL(f knowledge.Filters) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if len(f.DocumentTypes) > 0 {
		conds = append(conds, "metadata->>'document_type' = ANY(?)")
		args = append(args, pq.StringArray(f.DocumentTypes))
	}
	if len(f.DocumentIDs) > 0 {
		conds = append(conds, "attachment_id = ANY(?)")
		args = append(args, pq.Int64Array(f.DocumentIDs))
	}
	if len(f.EquipmentCategoryIDs) > 0 {
		conds = append(conds, taggedOrGeneric("equipment_categories"))
		args = append(args, pq.Int64Array(f.EquipmentCategoryIDs))
	}
	if len(f.ServiceNatureIDs) > 0 {
		conds = append(conds, taggedOrGeneric("service_natures"))
		args = append(args, pq.Int64Array(f.ServiceNatureIDs))
	}
	if f.CreatedAfter != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, *f.CreatedBefore)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(conds, " AND "), args
}

func taggedOrGeneric(key string) string {
	field := "metadata->'" + key + "'"
	return "(CASE WHEN COALESCE(jsonb_typeof(" + field + "), 'null') <> 'array' THEN TRUE" +
		" WHEN jsonb_array_length(" + field + ") = 0 THEN TRUE" +
		" ELSE EXISTS (SELECT 1 FROM jsonb_array_elements_text(" + field + ") AS tag WHERE tag::bigint = ANY(?)) END)"
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func limit(k int) int {
	if k <= 0 {
		return 10
	}
	return k
}

func toScored(rows []scoredRow) []knowledge.ScoredChunk {
	out := make([]knowledge.ScoredChunk, len(rows))
	for i, r := range rows {
		out[i] = r.scored()
	}
	return out
}

var (
	_ knowledge.Store           = (*Store)(nil)
	_ knowledge.DocumentDeleter = (*Store)(nil)
)
