package memory_test

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrag/src/core/knowledge"
	"docrag/src/storage/memory"
)

// direction returns a unit vector at the given angle in the plane of the
// first two axes.
func direction(angle float64) []float32 {
	v := make([]float32, knowledge.EmbeddingDimension)
	v[0] = float32(math.Cos(angle))
	v[1] = float32(math.Sin(angle))
	return v
}

func indexed(docID int64, idx int, docType, content string, vec []float32) knowledge.IndexedChunk {
	return knowledge.IndexedChunk{
		Chunk: knowledge.Chunk{
			DocumentID: docID,
			Index:      idx,
			Content:    content,
			Metadata:   knowledge.ChunkMetadata{DocumentType: docType},
		},
		Vector: vec,
	}
}

func TestInsertAndSimilaritySearch(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	ids, err := s.InsertDocument(ctx, 1, []knowledge.IndexedChunk{
		indexed(1, 0, "manual", "bomba centrífuga", direction(0)),
		indexed(1, 1, "manual", "motor eléctrico", direction(math.Pi/2)),
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])

	_, err = s.InsertDocument(ctx, 2, []knowledge.IndexedChunk{
		indexed(2, 0, "checklist", "lista de verificación de bomba", direction(0.3)),
	})
	require.NoError(t, err)

	hits, err := s.SimilaritySearch(ctx, direction(0), 10, 0.5, knowledge.Filters{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(1), hits[0].Chunk.DocumentID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.InDelta(t, math.Cos(0.3), hits[1].Score, 1e-6)
	for _, h := range hits {
		assert.Greater(t, h.Score, 0.5)
		assert.LessOrEqual(t, h.Score, 1.0+1e-9)
	}

	hits, err = s.SimilaritySearch(ctx, direction(0), 10, 0.5, knowledge.Filters{DocumentTypes: []string{"checklist"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(2), hits[0].Chunk.DocumentID)

	hits, err = s.SimilaritySearch(ctx, direction(0), 1, 0, knowledge.Filters{})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestThresholdIsStrict(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	_, err := s.InsertDocument(ctx, 1, []knowledge.IndexedChunk{indexed(1, 0, "manual", "x", direction(0))})
	require.NoError(t, err)

	hits, err := s.SimilaritySearch(ctx, direction(0), 5, 1.0, knowledge.Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestInsertRejectsWrongDimension(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	_, err := s.InsertDocument(ctx, 1, []knowledge.IndexedChunk{
		indexed(1, 0, "manual", "ok", direction(0)),
		indexed(1, 1, "manual", "bad", make([]float32, 512)),
	})

	assert.ErrorIs(t, err, knowledge.ErrInvalidVector)
	assert.Zero(t, s.Len())
}

func TestReindexSupersedes(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	_, err := s.InsertDocument(ctx, 1, []knowledge.IndexedChunk{
		indexed(1, 0, "manual", "viejo uno", direction(0)),
		indexed(1, 1, "manual", "viejo dos", direction(0)),
	})
	require.NoError(t, err)
	_, err = s.InsertDocument(ctx, 1, []knowledge.IndexedChunk{indexed(1, 0, "manual", "nuevo", direction(0))})
	require.NoError(t, err)

	chunks := s.Chunks(1)
	require.Len(t, chunks, 1)
	assert.Equal(t, "nuevo", chunks[0].Content)
}

func TestDeleteDocument(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	_, err := s.InsertDocument(ctx, 1, []knowledge.IndexedChunk{indexed(1, 0, "manual", "uno", direction(0))})
	require.NoError(t, err)
	_, err = s.InsertDocument(ctx, 2, []knowledge.IndexedChunk{indexed(2, 0, "manual", "dos", direction(0))})
	require.NoError(t, err)

	require.NoError(t, s.DeleteDocument(ctx, 1))
	assert.Empty(t, s.Chunks(1))
	assert.Len(t, s.Chunks(2), 1)
	assert.Equal(t, 1, s.Len())
}

func TestKeywordSearch(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	_, err := s.InsertDocument(ctx, 1, []knowledge.IndexedChunk{
		indexed(1, 0, "manual", "Bomba de agua: la bomba se purga antes de arrancar la bomba", direction(0)),
		indexed(1, 1, "manual", "Motor trifásico", direction(0)),
		indexed(1, 2, "procedure", "Purga de la bomba", direction(0)),
	})
	require.NoError(t, err)

	hits, err := s.KeywordSearch(ctx, []string{"bomba", "purga"}, 10, knowledge.Filters{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, 0, hits[0].Chunk.Index)
	assert.InDelta(t, 4.0/6.0, hits[0].Score, 1e-9)
	assert.InDelta(t, 2.0/6.0, hits[1].Score, 1e-9)

	hits, err = s.KeywordSearch(ctx, nil, 10, knowledge.Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	chunks := make([]knowledge.IndexedChunk, 20)
	for i := range chunks {
		chunks[i] = indexed(1, i, "manual", "bomba", direction(0))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hits, err := s.SimilaritySearch(ctx, direction(0), 100, 0.1, knowledge.Filters{})
				assert.NoError(t, err)
				// A document is visible with all of its chunks or not at all.
				assert.True(t, len(hits) == 0 || len(hits) == 20, "saw %d chunks", len(hits))
			}
		}()
	}
	for j := 0; j < 20; j++ {
		_, err := s.InsertDocument(ctx, 1, chunks)
		require.NoError(t, err)
	}
	wg.Wait()
}
