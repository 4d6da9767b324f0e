package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"docrag/src/core/knowledge"
)

// Store is an in-process knowledge.Store. Each document's chunks are swapped
// in as a whole under the write lock, so readers see either the previous or
// the new chunk set of a document.
type Store struct {
	mu   sync.RWMutex
	docs map[int64][]knowledge.IndexedChunk
	seq  int64
	now  func() time.Time
}

func New() *Store {
	return &Store{
		docs: make(map[int64][]knowledge.IndexedChunk),
		now:  time.Now,
	}
}

func (s *Store) InsertDocument(ctx context.Context, documentID int64, chunks []knowledge.IndexedChunk) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := knowledge.ValidateChunks(documentID, chunks); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored := make([]knowledge.IndexedChunk, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		s.seq++
		c.Chunk.ID = strconv.FormatInt(s.seq, 10)
		if c.Chunk.CreatedAt.IsZero() {
			c.Chunk.CreatedAt = now
		}
		c.Vector = append([]float32(nil), c.Vector...)
		stored[i] = c
		ids[i] = c.Chunk.ID
	}
	if len(stored) == 0 {
		delete(s.docs, documentID)
	} else {
		s.docs[documentID] = stored
	}
	return ids, nil
}

func (s *Store) SimilaritySearch(ctx context.Context, vector []float32, k int, threshold float64, filters knowledge.Filters) ([]knowledge.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var hits []knowledge.ScoredChunk
	for _, chunks := range s.docs {
		for _, c := range chunks {
			if !filters.Match(c.Chunk) {
				continue
			}
			sim := knowledge.CosineSimilarity(vector, c.Vector)
			if sim > threshold {
				hits = append(hits, knowledge.ScoredChunk{Chunk: c.Chunk, Score: sim})
			}
		}
	}
	s.mu.RUnlock()

	return top(hits, k), nil
}

func (s *Store) KeywordSearch(ctx context.Context, keywords []string, k int, filters knowledge.Filters) ([]knowledge.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(keywords) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	var hits []knowledge.ScoredChunk
	for _, chunks := range s.docs {
		for _, c := range chunks {
			if !filters.Match(c.Chunk) || !containsAny(c.Chunk.Content, keywords) {
				continue
			}
			hits = append(hits, knowledge.ScoredChunk{
				Chunk: c.Chunk,
				Score: knowledge.KeywordScore(c.Chunk.Content, keywords),
			})
		}
	}
	s.mu.RUnlock()

	return top(hits, k), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// DeleteDocument removes every chunk of a document.
func (s *Store) DeleteDocument(ctx context.Context, documentID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, documentID)
	return nil
}

// Chunks returns the stored chunks of a document in index order.
func (s *Store) Chunks(documentID int64) []knowledge.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]knowledge.Chunk, 0, len(s.docs[documentID]))
	for _, c := range s.docs[documentID] {
		out = append(out, c.Chunk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Len returns the number of stored chunks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, chunks := range s.docs {
		n += len(chunks)
	}
	return n
}

func containsAny(content string, keywords []string) bool {
	lower := strings.ToLower(content)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// top orders hits by score, then document and chunk index, and keeps k.
func top(hits []knowledge.ScoredChunk, k int) []knowledge.ScoredChunk {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.DocumentID != b.Chunk.DocumentID {
			return a.Chunk.DocumentID < b.Chunk.DocumentID
		}
		return a.Chunk.Index < b.Chunk.Index
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

var (
	_ knowledge.Store           = (*Store)(nil)
	_ knowledge.DocumentDeleter = (*Store)(nil)
)
