package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"

	"docrag/src/core/knowledge"
)

// ErrUnsupportedMimeType is returned by Registry.For for MIME types no
// extractor handles.
var ErrUnsupportedMimeType = errors.New("unsupported mime type")

// Kind is the closed set of extractor variants.
type Kind int

const (
	KindText Kind = iota + 1
	KindPDF
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPDF:
		return "pdf"
	case KindImage:
		return "image"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// mimeKinds maps every supported MIME type to its extractor.
var mimeKinds = map[string]Kind{
	"text/plain":      KindText,
	"text/html":       KindText,
	"application/pdf": KindPDF,
	"image/jpeg":      KindImage,
	"image/png":       KindImage,
}

// SupportedMimeTypes lists the MIME types the registry can extract, sorted.
func SupportedMimeTypes() []string {
	return []string{"application/pdf", "image/jpeg", "image/png", "text/html", "text/plain"}
}

// KindFor resolves a MIME type, parameters included, to an extractor kind.
func KindFor(mimeType string) (Kind, error) {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	k, ok := mimeKinds[mt]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedMimeType, mimeType)
	}
	return k, nil
}

// Extractor turns a document payload into raw chunks.
type Extractor interface {
	Extract(ctx context.Context, doc knowledge.Document) Result
}

// ExtractionError is the failure of a single unit (page, image) of a
// document. It never fails the whole document.
type ExtractionError struct {
	DocumentID int64
	Page       int
	Err        error
}

func (e *ExtractionError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("document %d page %d: %v", e.DocumentID, e.Page, e.Err)
	}
	return fmt.Sprintf("document %d: %v", e.DocumentID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Result separates the chunks that were extracted from the units that
// failed. Err is set only when the document could not be read at all.
type Result struct {
	Chunks   []knowledge.RawChunk
	Failures []*ExtractionError
	Err      error
}

func (r *Result) fail(docID int64, page int, err error) {
	r.Failures = append(r.Failures, &ExtractionError{DocumentID: docID, Page: page, Err: err})
}

// Registry holds one extractor per kind. Instances are built by the caller
// and injected.
type Registry struct {
	Text  *TextExtractor
	PDF   *PDFExtractor
	Image *ImageExtractor
}

// NewRegistry returns a registry with default extractors. ocr may be nil.
func NewRegistry(ocr OCREngine) *Registry {
	return &Registry{
		Text:  NewTextExtractor(),
		PDF:   NewPDFExtractor(nil),
		Image: NewImageExtractor(ocr),
	}
}

// For selects the extractor for a MIME type.
func (r *Registry) For(mimeType string) (Extractor, error) {
	kind, err := KindFor(mimeType)
	if err != nil {
		return nil, err
	}
	var ex Extractor
	switch kind {
	case KindText:
		if r.Text != nil {
			ex = r.Text
		}
	case KindPDF:
		if r.PDF != nil {
			ex = r.PDF
		}
	case KindImage:
		if r.Image != nil {
			ex = r.Image
		}
	}
	if ex == nil {
		return nil, fmt.Errorf("%w: no %s extractor configured", ErrUnsupportedMimeType, kind)
	}
	return ex, nil
}

func intPtr(n int) *int { return &n }
