package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"docrag/src/core/embedding"
	"docrag/src/core/extract"
	"docrag/src/core/knowledge"
	"docrag/src/infrastructure/log"
)

const (
	DefaultBatchSize         = 50
	DefaultWorkers           = 1
	DefaultMinChunkSize      = 100
	DefaultImageMinChunkSize = 50
	DefaultInterval          = 300 * time.Second
	DefaultRetryDelay        = 60 * time.Second
)

// Extractors selects the extractor of a MIME type. *extract.Registry
// implements it.
type Extractors interface {
	For(mimeType string) (extract.Extractor, error)
}

// Embedder turns chunk content into a vector. *embedding.Client implements it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Config struct {
	BatchSize         int
	Workers           int
	MinChunkSize      int
	ImageMinChunkSize int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         DefaultBatchSize,
		Workers:           DefaultWorkers,
		MinChunkSize:      DefaultMinChunkSize,
		ImageMinChunkSize: DefaultImageMinChunkSize,
	}
}

// ProgressFunc is called once per finished document of a cycle.
type ProgressFunc func(done, total int)

type Option func(*Indexer)

// WithThrottle spaces embedding calls. Without it calls are not throttled.
func WithThrottle(t *embedding.Throttle) Option {
	return func(ix *Indexer) { ix.throttle = t }
}

func WithProgress(f ProgressFunc) Option {
	return func(ix *Indexer) { ix.progress = f }
}

func WithClock(now func() time.Time) Option {
	return func(ix *Indexer) { ix.now = now }
}

// Indexer moves pending documents from the document source into the store.
type Indexer struct {
	source     knowledge.DocumentSource
	store      knowledge.Store
	extractors Extractors
	embedder   Embedder
	throttle   *embedding.Throttle
	segmenter  *Segmenter
	cfg        Config
	progress   ProgressFunc
	now        func() time.Time
}

func New(source knowledge.DocumentSource, store knowledge.Store, extractors Extractors, embedder Embedder, cfg Config, opts ...Option) *Indexer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = def.MinChunkSize
	}
	if cfg.ImageMinChunkSize <= 0 {
		cfg.ImageMinChunkSize = def.ImageMinChunkSize
	}

	ix := &Indexer{
		source:     source,
		store:      store,
		extractors: extractors,
		embedder:   embedder,
		segmenter:  NewSegmenter(cfg.MinChunkSize, cfg.ImageMinChunkSize),
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Failure is a document that could not be indexed in a cycle.
type Failure struct {
	DocumentID int64  `json:"document_id"`
	Name       string `json:"name"`
	Reason     string `json:"reason"`
}

type CycleReport struct {
	Documents int           `json:"documents"`
	Indexed   int           `json:"indexed"`
	Failed    int           `json:"failed"`
	Chunks    int           `json:"chunks"`
	Duration  time.Duration `json:"duration"`
	Failures  []Failure     `json:"failures,omitempty"`

	mu sync.Mutex
}

func (r *CycleReport) indexed(chunks int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Indexed++
	r.Chunks += chunks
	return r.Indexed + r.Failed
}

func (r *CycleReport) failed(doc knowledge.Document, err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed++
	r.Failures = append(r.Failures, Failure{DocumentID: doc.ID, Name: doc.Name, Reason: err.Error()})
	return r.Indexed + r.Failed
}

// RunCycle indexes one batch of pending documents. A document that fails is
// marked with its error and the cycle goes on; only failing to list the
// pending documents, or ctx ending, fails the cycle.
func (ix *Indexer) RunCycle(ctx context.Context) (*CycleReport, error) {
	return ix.RunBatch(ctx, ix.cfg.BatchSize)
}

// RunBatch is RunCycle with a different batch size. Zero or less uses the
// configured one.
func (ix *Indexer) RunBatch(ctx context.Context, batchSize int) (*CycleReport, error) {
	if batchSize <= 0 {
		batchSize = ix.cfg.BatchSize
	}
	start := ix.now()
	report := &CycleReport{}

	docs, err := ix.source.GetPendingDocuments(ctx, batchSize)
	if err != nil {
		return report, fmt.Errorf("failed to get pending documents: %w", err)
	}
	report.Documents = len(docs)
	if len(docs) == 0 {
		log.Info("no pending documents")
		return report, nil
	}
	log.Info("indexing cycle started", "documents", len(docs), "workers", ix.cfg.Workers)

	var g errgroup.Group
	g.SetLimit(ix.cfg.Workers)
	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ix.handle(ctx, doc, report, len(docs))
			return nil
		})
	}
	waitErr := g.Wait()

	report.Duration = ix.now().Sub(start)
	log.Info("indexing cycle completed",
		"documents", report.Documents,
		"indexed", report.Indexed,
		"failed", report.Failed,
		"chunks", report.Chunks,
		"duration", report.Duration.String())

	if waitErr != nil {
		return report, waitErr
	}
	return report, ctx.Err()
}

func (ix *Indexer) handle(ctx context.Context, doc knowledge.Document, report *CycleReport, total int) {
	n, err := ix.IndexDocument(ctx, doc)
	if err != nil && ctx.Err() != nil {
		// Shutting down: leave the document pending.
		return
	}

	var done int
	if err != nil {
		log.Error(err, "failed to index document", "document_id", doc.ID, "name", doc.Name)
		if markErr := ix.source.MarkError(ctx, doc.ID, err.Error()); markErr != nil {
			log.Error(markErr, "failed to record indexing error", "document_id", doc.ID)
		}
		done = report.failed(doc, err)
	} else {
		done = report.indexed(n)
	}
	if ix.progress != nil {
		ix.progress(done, total)
	}
}

// IndexDocument extracts, segments, embeds and stores one document and marks
// it indexed. It returns the number of stored chunks.
func (ix *Indexer) IndexDocument(ctx context.Context, doc knowledge.Document) (int, error) {
	chunks, err := ix.Chunks(ctx, doc)
	if err != nil {
		return 0, err
	}

	indexed := make([]knowledge.IndexedChunk, 0, len(chunks))
	for _, c := range chunks {
		if err := ix.throttle.Wait(ctx); err != nil {
			return 0, err
		}
		vec, err := ix.embedder.Embed(ctx, c.Content)
		if err != nil {
			return 0, fmt.Errorf("failed to embed chunk %d: %w", c.Index, err)
		}
		indexed = append(indexed, knowledge.IndexedChunk{Chunk: c, Vector: vec})
	}

	if _, err := ix.store.InsertDocument(ctx, doc.ID, indexed); err != nil {
		return 0, fmt.Errorf("failed to store chunks: %w", err)
	}
	if err := ix.source.MarkIndexed(ctx, doc.ID); err != nil {
		ix.dropChunks(ctx, doc.ID)
		return 0, fmt.Errorf("failed to mark document indexed: %w", err)
	}

	log.Info("document indexed", "document_id", doc.ID, "name", doc.Name, "chunks", len(indexed))
	return len(indexed), nil
}

// dropChunks removes the chunks of a document that could not be marked
// indexed, so an errored document is never searchable.
func (ix *Indexer) dropChunks(ctx context.Context, documentID int64) {
	d, ok := ix.store.(knowledge.DocumentDeleter)
	if !ok {
		log.Info("store cannot delete documents, chunks left in place", "document_id", documentID)
		return
	}
	if err := d.DeleteDocument(ctx, documentID); err != nil {
		log.Error(err, "failed to remove chunks of unmarked document", "document_id", documentID)
	}
}

// Chunks runs extraction and segmentation for a document and returns the
// chunks to embed, numbered from zero.
func (ix *Indexer) Chunks(ctx context.Context, doc knowledge.Document) ([]knowledge.Chunk, error) {
	ex, err := ix.extractors.For(doc.MimeType)
	if err != nil {
		return nil, err
	}

	res := ex.Extract(ctx, doc)
	if res.Err != nil {
		return nil, fmt.Errorf("failed to extract document: %w", res.Err)
	}
	for _, f := range res.Failures {
		log.Error(f, "skipped unreadable part", "document_id", doc.ID)
	}

	processedAt := ix.now().UTC()
	var chunks []knowledge.Chunk
	for _, raw := range res.Chunks {
		for _, piece := range ix.segmenter.Segment(raw) {
			chunks = append(chunks, knowledge.Chunk{
				DocumentID: doc.ID,
				Index:      len(chunks),
				Content:    capContent(piece),
				Metadata:   metadata(doc, raw, piece, processedAt),
				CreatedAt:  processedAt,
			})
		}
	}

	if len(chunks) == 0 {
		if len(res.Failures) > 0 {
			return nil, fmt.Errorf("%w: %d parts failed, first: %v", knowledge.ErrNoIndexableContent, len(res.Failures), res.Failures[0])
		}
		return nil, knowledge.ErrNoIndexableContent
	}
	return chunks, nil
}

func metadata(doc knowledge.Document, raw knowledge.RawChunk, piece string, processedAt time.Time) knowledge.ChunkMetadata {
	return knowledge.ChunkMetadata{
		DocumentName:        doc.Name,
		DocumentType:        doc.DocumentType,
		MimeType:            doc.MimeType,
		ChunkLength:         utf8.RuneCountInString(piece),
		ChunkType:           raw.Type,
		PageNumber:          raw.PageNumber,
		TotalPages:          raw.TotalPages,
		ProcessedAt:         processedAt,
		EquipmentCategories: nonNil(doc.EquipmentCategoryIDs),
		ServiceNatures:      nonNil(doc.ServiceNatureIDs),
	}
}

func capContent(s string) string {
	if utf8.RuneCountInString(s) <= knowledge.MaxChunkContent {
		return s
	}
	return string([]rune(s)[:knowledge.MaxChunkContent])
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// Watch runs a cycle every interval until ctx ends. After a failed cycle the
// next one starts after retryDelay instead.
func (ix *Indexer) Watch(ctx context.Context, interval, retryDelay time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}

	for {
		wait := interval
		if _, err := ix.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error(err, "indexing cycle failed", "retry_in", retryDelay.String())
			wait = retryDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
