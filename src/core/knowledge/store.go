package knowledge

import (
	"context"
	"errors"
)

var (
	// ErrNoIndexableContent is recorded for documents that produced no chunk.
	ErrNoIndexableContent = errors.New("no indexable content")
	// ErrDocumentNotFound is returned by document sources for unknown ids.
	ErrDocumentNotFound = errors.New("document not found")
)

// Store persists chunks with their vectors and answers candidate queries.
type Store interface {
	// InsertDocument replaces every chunk of documentID with chunks. Either
	// all chunks become visible or none do. It returns the new chunk ids.
	InsertDocument(ctx context.Context, documentID int64, chunks []IndexedChunk) ([]string, error)
	// SimilaritySearch returns at most k chunks whose cosine similarity to
	// vector is strictly greater than threshold, best first.
	SimilaritySearch(ctx context.Context, vector []float32, k int, threshold float64, filters Filters) ([]ScoredChunk, error)
	// KeywordSearch returns at most k chunks containing at least one keyword,
	// scored with KeywordScore, best first.
	KeywordSearch(ctx context.Context, keywords []string, k int, filters Filters) ([]ScoredChunk, error)
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
}

// DocumentDeleter is implemented by stores that can drop every chunk of a
// document outside of a re-index.
type DocumentDeleter interface {
	DeleteDocument(ctx context.Context, documentID int64) error
}

// DocumentSource is the business-object store as seen by the indexer.
type DocumentSource interface {
	GetPendingDocuments(ctx context.Context, limit int) ([]Document, error)
	MarkIndexed(ctx context.Context, documentID int64) error
	MarkError(ctx context.Context, documentID int64, reason string) error
}
