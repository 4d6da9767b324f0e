package indexer_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrag/src/core/embedding"
	"docrag/src/core/extract"
	"docrag/src/core/indexer"
	"docrag/src/core/knowledge"
	"docrag/src/storage/memory"
)

type fakeSource struct {
	mu      sync.Mutex
	docs    []knowledge.Document
	err     error
	limit   int
	markErr error
	indexed []int64
	errored map[int64]string
}

func (f *fakeSource) GetPendingDocuments(ctx context.Context, limit int) ([]knowledge.Document, error) {
	f.limit = limit
	return f.docs, f.err
}

func (f *fakeSource) MarkIndexed(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.indexed = append(f.indexed, id)
	return nil
}

func (f *fakeSource) MarkError(ctx context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errored == nil {
		f.errored = map[int64]string{}
	}
	f.errored[id] = reason
	return nil
}

type fakeProvider struct {
	dim int
}

func (p fakeProvider) Model() string { return "fake" }

func (p fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, p.dim)
	v[0] = 1
	return v, nil
}

func embedder(dim int) *embedding.Client {
	return embedding.NewClient(fakeProvider{dim: dim}, embedding.DefaultConfig())
}

func textDoc(id int64, content string) knowledge.Document {
	return knowledge.Document{
		ID:                   id,
		Name:                 "doc.txt",
		MimeType:             "text/plain",
		DocumentType:         "manual",
		Payload:              []byte(content),
		EquipmentCategoryIDs: []int64{2},
	}
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newIndexer(src *fakeSource, store knowledge.Store, emb indexer.Embedder, cfg indexer.Config, opts ...indexer.Option) *indexer.Indexer {
	opts = append([]indexer.Option{indexer.WithClock(func() time.Time { return fixedNow })}, opts...)
	return indexer.New(src, store, extract.NewRegistry(nil), emb, cfg, opts...)
}

func TestRunCycleIndexesDocument(t *testing.T) {
	src := &fakeSource{docs: []knowledge.Document{textDoc(7, "Purgar la bomba antes de arrancar el equipo.")}}
	store := memory.New()

	report, err := newIndexer(src, store, embedder(knowledge.EmbeddingDimension), indexer.Config{}).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, indexer.DefaultBatchSize, src.limit)
	assert.Equal(t, 1, report.Documents)
	assert.Equal(t, 1, report.Indexed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 1, report.Chunks)
	assert.Equal(t, []int64{7}, src.indexed)

	chunks := store.Chunks(7)
	require.Len(t, chunks, 1)
	c := chunks[0]
	assert.Equal(t, 0, c.Index)
	assert.Equal(t, "Purgar la bomba antes de arrancar el equipo.", c.Content)

	md := c.Metadata
	assert.Equal(t, "doc.txt", md.DocumentName)
	assert.Equal(t, "manual", md.DocumentType)
	assert.Equal(t, "text/plain", md.MimeType)
	assert.Equal(t, knowledge.ChunkTypeText, md.ChunkType)
	assert.Equal(t, utf8.RuneCountInString(c.Content), md.ChunkLength)
	assert.Nil(t, md.PageNumber)
	assert.Equal(t, fixedNow, md.ProcessedAt)
	assert.Equal(t, []int64{2}, md.EquipmentCategories)
	assert.NotNil(t, md.ServiceNatures)
	assert.Empty(t, md.ServiceNatures)
}

func TestRunCycleSplitsLongText(t *testing.T) {
	text := strings.Repeat("La bomba centrífuga requiere purga periódica del circuito. ", 60)
	src := &fakeSource{docs: []knowledge.Document{textDoc(1, text)}}
	store := memory.New()

	report, err := newIndexer(src, store, embedder(knowledge.EmbeddingDimension), indexer.Config{}).RunCycle(context.Background())
	require.NoError(t, err)

	chunks := store.Chunks(1)
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, len(chunks), report.Chunks)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Content), knowledge.MaxChunkContent)
		assert.GreaterOrEqual(t, utf8.RuneCountInString(c.Content), indexer.DefaultMinChunkSize)
	}
}

func TestRunCycleMarksFailures(t *testing.T) {
	tests := []struct {
		name   string
		doc    knowledge.Document
		reason string
	}{
		{
			name:   "empty payload",
			doc:    knowledge.Document{ID: 3, MimeType: "text/plain", Payload: []byte("   \n ")},
			reason: "no indexable content",
		},
		{
			name:   "unsupported mime type",
			doc:    knowledge.Document{ID: 4, MimeType: "application/zip", Payload: []byte("PK")},
			reason: "unsupported mime type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{docs: []knowledge.Document{tt.doc}}
			store := memory.New()

			report, err := newIndexer(src, store, embedder(knowledge.EmbeddingDimension), indexer.Config{}).RunCycle(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 1, report.Failed)
			require.Len(t, report.Failures, 1)
			assert.Equal(t, tt.doc.ID, report.Failures[0].DocumentID)
			assert.Contains(t, src.errored[tt.doc.ID], tt.reason)
			assert.Empty(t, src.indexed)
			assert.Equal(t, 0, store.Len())
		})
	}
}

func TestMarkIndexedFailureRemovesChunks(t *testing.T) {
	src := &fakeSource{
		docs:    []knowledge.Document{textDoc(9, "Revisar la presión del compresor cada semana.")},
		markErr: errors.New("odoo write failed"),
	}
	store := memory.New()

	report, err := newIndexer(src, store, embedder(knowledge.EmbeddingDimension), indexer.Config{}).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Indexed)
	assert.Contains(t, src.errored[9], "odoo write failed")
	assert.Empty(t, store.Chunks(9))

	hits, err := store.KeywordSearch(context.Background(), []string{"compresor"}, 5, knowledge.Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDimensionMismatchIsNeverStored(t *testing.T) {
	src := &fakeSource{docs: []knowledge.Document{textDoc(5, "Calibración del termostato de la cámara fría.")}}
	store := memory.New()

	report, err := newIndexer(src, store, embedder(512), indexer.Config{}).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, store.Chunks(5))
	assert.Contains(t, src.errored[5], "512")

	var mismatch *embedding.DimensionMismatchError
	_, err = newIndexer(&fakeSource{}, store, embedder(512), indexer.Config{}).IndexDocument(context.Background(), src.docs[0])
	assert.True(t, errors.As(err, &mismatch))
}

func TestRunCycleContinuesAfterFailure(t *testing.T) {
	src := &fakeSource{docs: []knowledge.Document{
		{ID: 1, MimeType: "text/plain"},
		textDoc(2, "Revisar el nivel de aceite del compresor."),
	}}
	store := memory.New()

	report, err := newIndexer(src, store, embedder(knowledge.EmbeddingDimension), indexer.Config{}).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 1, report.Indexed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []int64{2}, src.indexed)
	assert.Len(t, store.Chunks(2), 1)
}

func TestRunCycleSourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}

	_, err := newIndexer(src, memory.New(), embedder(knowledge.EmbeddingDimension), indexer.Config{}).RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRunCycleParallelWorkers(t *testing.T) {
	var docs []knowledge.Document
	for i := int64(1); i <= 10; i++ {
		docs = append(docs, textDoc(i, "Inspeccionar las conexiones eléctricas del tablero."))
	}
	src := &fakeSource{docs: docs}
	store := memory.New()

	var mu sync.Mutex
	var progress []int
	ix := newIndexer(src, store, embedder(knowledge.EmbeddingDimension),
		indexer.Config{Workers: 4, BatchSize: 10},
		indexer.WithProgress(func(done, total int) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 10, total)
			progress = append(progress, done)
		}),
		indexer.WithThrottle(embedding.NewThrottle(0)),
	)

	report, err := ix.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, src.limit)
	assert.Equal(t, 10, report.Indexed)
	assert.Equal(t, 10, store.Len())
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, progress)
}

func TestRunCycleCanceledLeavesDocumentsPending(t *testing.T) {
	src := &fakeSource{docs: []knowledge.Document{textDoc(1, "Limpiar los filtros de aire.")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newIndexer(src, memory.New(), embedder(knowledge.EmbeddingDimension), indexer.Config{}).RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, src.errored)
	assert.Empty(t, src.indexed)
}

func TestWatchStopsWithContext(t *testing.T) {
	src := &fakeSource{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := newIndexer(src, memory.New(), embedder(knowledge.EmbeddingDimension), indexer.Config{}).
		Watch(ctx, 10*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSegmenter(t *testing.T) {
	s := indexer.NewSegmenter(100, 50)
	long := strings.Repeat("Verificar presión del sistema hidráulico. ", 40)

	tests := []struct {
		name string
		raw  knowledge.RawChunk
		want int
	}{
		{"description kept whole", knowledge.RawChunk{Type: knowledge.ChunkTypeImageDescription, Content: long}, 1},
		{"short ocr kept", knowledge.RawChunk{Type: knowledge.ChunkTypeImageOCR, Content: "Placa: modelo X200"}, 1},
		{"blank dropped", knowledge.RawChunk{Type: knowledge.ChunkTypeText, Content: "  "}, 0},
		{"long page split", knowledge.RawChunk{Type: knowledge.ChunkTypePDFPage, Content: long}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, s.Segment(tt.raw), tt.want)
		})
	}
}
