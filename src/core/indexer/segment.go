package indexer

import (
	"strings"

	"docrag/src/core/knowledge"
	"docrag/src/core/segment"
)

// Segmenter picks the splitting profile of a raw chunk from its type.
type Segmenter struct {
	text  *segment.Splitter
	pages *segment.Splitter
	ocr   *segment.Splitter
}

func NewSegmenter(minChunkSize, imageMinChunkSize int) *Segmenter {
	return &Segmenter{
		text:  segment.TextProfile(minChunkSize),
		pages: segment.CompactProfile(minChunkSize),
		ocr:   segment.CompactProfile(imageMinChunkSize),
	}
}

// Segment splits raw content. Image descriptions are kept whole.
func (s *Segmenter) Segment(raw knowledge.RawChunk) []string {
	var pieces []string
	switch raw.Type {
	case knowledge.ChunkTypePDFPage:
		pieces = s.pages.Split(raw.Content)
	case knowledge.ChunkTypeImageOCR:
		pieces = s.ocr.Split(raw.Content)
	case knowledge.ChunkTypeImageDescription:
		pieces = []string{strings.TrimSpace(raw.Content)}
	default:
		pieces = s.text.Split(raw.Content)
	}

	out := pieces[:0]
	for _, p := range pieces {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
