package knowledge

import (
	"time"
)

const (
	// EmbeddingDimension is the vector length every stored embedding must have.
	EmbeddingDimension = 768
	// MaxChunkContent caps the stored content of a chunk, in runes.
	MaxChunkContent = 2000
)

// ChunkType tells how a raw chunk was produced.
type ChunkType string

const (
	ChunkTypeText             ChunkType = "text"
	ChunkTypePDFPage          ChunkType = "pdf_page"
	ChunkTypeImageOCR         ChunkType = "image_ocr"
	ChunkTypeImageDescription ChunkType = "image_description"
)

// Document is a source document owned by the business-object store.
// The engine only reads it.
type Document struct {
	ID                   int64
	Name                 string
	MimeType             string
	DocumentType         string
	Payload              []byte
	EquipmentCategoryIDs []int64
	ServiceNatureIDs     []int64
	CreatedAt            time.Time
}

// RawChunk is an extractor output before segmentation.
type RawChunk struct {
	Content    string
	PageNumber *int
	TotalPages int
	Type       ChunkType
}

// ChunkMetadata is stored next to every chunk as a JSON object.
type ChunkMetadata struct {
	DocumentName        string    `json:"document_name"`
	DocumentType        string    `json:"document_type"`
	MimeType            string    `json:"mimetype"`
	ChunkLength         int       `json:"chunk_length"`
	ChunkType           ChunkType `json:"chunk_type,omitempty"`
	PageNumber          *int      `json:"page_number"`
	TotalPages          int       `json:"total_pages,omitempty"`
	ProcessedAt         time.Time `json:"processed_at"`
	EquipmentCategories []int64   `json:"equipment_categories"`
	ServiceNatures      []int64   `json:"service_natures"`
}

// Chunk is a stored, searchable fragment of a document.
type Chunk struct {
	ID         string        `json:"id"`
	DocumentID int64         `json:"attachment_id"`
	Index      int           `json:"chunk_index"`
	Content    string        `json:"content"`
	Metadata   ChunkMetadata `json:"metadata"`
	CreatedAt  time.Time     `json:"created_at"`
}

// IndexedChunk is a chunk ready to be written, together with its vector.
type IndexedChunk struct {
	Chunk  Chunk
	Vector []float32
}

// ScoredChunk is a store hit. Score is the cosine similarity for semantic
// searches and the keyword score for keyword searches.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// Filters narrows a search. Empty fields do not filter.
//
// EquipmentCategoryIDs and ServiceNatureIDs match chunks tagged with any of
// the given ids, and chunks that carry no tags of that kind at all.
type Filters struct {
	DocumentTypes        []string
	EquipmentCategoryIDs []int64
	ServiceNatureIDs     []int64
	DocumentIDs          []int64
	CreatedAfter         *time.Time
	CreatedBefore        *time.Time
}

// Match reports whether a chunk passes the filters. Stores that cannot push
// a filter down use it to post-filter.
func (f Filters) Match(c Chunk) bool {
	if len(f.DocumentTypes) > 0 && !containsString(f.DocumentTypes, c.Metadata.DocumentType) {
		return false
	}
	if len(f.DocumentIDs) > 0 && !containsInt(f.DocumentIDs, c.DocumentID) {
		return false
	}
	if len(f.EquipmentCategoryIDs) > 0 && !taggedOrGeneric(c.Metadata.EquipmentCategories, f.EquipmentCategoryIDs) {
		return false
	}
	if len(f.ServiceNatureIDs) > 0 && !taggedOrGeneric(c.Metadata.ServiceNatures, f.ServiceNatureIDs) {
		return false
	}
	if f.CreatedAfter != nil && c.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && c.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

func taggedOrGeneric(tags, want []int64) bool {
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if containsInt(want, t) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int64, n int64) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
