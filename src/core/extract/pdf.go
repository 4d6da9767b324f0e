package extract

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"docrag/src/core/knowledge"
	"docrag/src/core/segment"
	"docrag/src/infrastructure/log"
)

var controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)

// PageSource gives access to the pages of a PDF. Pages are 1-based.
type PageSource interface {
	NumPage() int
	PageText(page int) (string, error)
}

// PageOpener parses a PDF payload.
type PageOpener func(data []byte) (PageSource, error)

// PDFExtractor emits one raw chunk per page with enough text.
type PDFExtractor struct {
	open         PageOpener
	minChunkSize int
}

// NewPDFExtractor returns a PDF extractor. A nil opener uses the built-in
// parser.
func NewPDFExtractor(open PageOpener) *PDFExtractor {
	if open == nil {
		open = OpenPDF
	}
	return &PDFExtractor{open: open, minChunkSize: segment.DefaultMinChunkSize}
}

func (e *PDFExtractor) Extract(ctx context.Context, doc knowledge.Document) (res Result) {
	if len(doc.Payload) == 0 {
		return res
	}

	src, err := e.open(doc.Payload)
	if err != nil {
		res.Err = fmt.Errorf("failed to open pdf: %w", err)
		return res
	}

	total := src.NumPage()
	if total == 0 {
		log.Info("pdf has no pages", "document_id", doc.ID)
		return res
	}

	for page := 1; page <= total; page++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		text, err := pageText(src, page)
		if err != nil {
			log.Error(err, "failed to extract pdf page, skipping", "document_id", doc.ID, "page", page)
			res.fail(doc.ID, page, err)
			continue
		}

		text = CleanPageText(text)
		if utf8.RuneCountInString(text) < e.minChunkSize {
			log.Debug("skipping pdf page with too little text", "document_id", doc.ID, "page", page)
			continue
		}

		res.Chunks = append(res.Chunks, knowledge.RawChunk{
			Content:    text,
			PageNumber: intPtr(page),
			TotalPages: total,
			Type:       knowledge.ChunkTypePDFPage,
		})
	}

	log.Info("extracted pdf pages", "document_id", doc.ID, "pages", total, "chunks", len(res.Chunks))
	return res
}

// pageText isolates parser panics, which malformed content streams trigger,
// to the page that caused them.
func pageText(src PageSource, page int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()
	return src.PageText(page)
}

// CleanPageText strips control characters and collapses whitespace while
// keeping paragraph breaks.
func CleanPageText(s string) string {
	s = controlChars.ReplaceAllString(s, " ")
	return NormalizeWhitespace(s)
}

type ledongthucSource struct {
	r *pdf.Reader
}

// OpenPDF parses a payload with github.com/ledongthuc/pdf.
func OpenPDF(data []byte) (src PageSource, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	return &ledongthucSource{r: r}, nil
}

func (s *ledongthucSource) NumPage() int {
	return s.r.NumPage()
}

func (s *ledongthucSource) PageText(page int) (string, error) {
	p := s.r.Page(page)
	if p.V.IsNull() {
		return "", nil
	}
	return p.GetPlainText(nil)
}
