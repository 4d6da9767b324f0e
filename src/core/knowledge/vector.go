package knowledge

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned by stores asked to persist a vector whose
// length is not EmbeddingDimension.
var ErrInvalidVector = errors.New("invalid embedding vector")

// CosineSimilarity returns 1 - cosine distance of a and b, 0 when either
// vector is zero or their lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ValidateChunks checks every chunk of a document before it is written.
func ValidateChunks(documentID int64, chunks []IndexedChunk) error {
	seen := make(map[int]struct{}, len(chunks))
	for _, c := range chunks {
		if c.Chunk.DocumentID != documentID {
			return fmt.Errorf("chunk %d belongs to document %d, not %d", c.Chunk.Index, c.Chunk.DocumentID, documentID)
		}
		if len(c.Vector) != EmbeddingDimension {
			return fmt.Errorf("%w: chunk %d has %d dimensions, want %d", ErrInvalidVector, c.Chunk.Index, len(c.Vector), EmbeddingDimension)
		}
		if _, dup := seen[c.Chunk.Index]; dup {
			return fmt.Errorf("duplicate chunk index %d for document %d", c.Chunk.Index, documentID)
		}
		seen[c.Chunk.Index] = struct{}{}
	}
	return nil
}
