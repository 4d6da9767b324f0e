package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/image/draw"

	"docrag/src/core/knowledge"
	"docrag/src/infrastructure/log"
)

const (
	// MaxOCRSide is the longest image side sent to OCR.
	MaxOCRSide = 2000
	// MinOCRText is the shortest cleaned OCR output kept as content.
	MinOCRText = 50
	minOCRLine = 3
)

var (
	ocrNoise = regexp.MustCompile(`[^\p{L}\p{N}\s.,;:!?\-()\[\]"'/\\]`)
	errNoOCR = errors.New("ocr unavailable")
)

// OCREngine recognises text in a PNG encoded image.
type OCREngine interface {
	Recognize(ctx context.Context, filename string, png []byte) (string, error)
}

// ImageExtractor OCRs images and falls back to a synthesized description so
// that every image yields at least one chunk.
type ImageExtractor struct {
	ocr     OCREngine
	maxSide int
	minText int
}

// NewImageExtractor returns an image extractor; a nil engine disables OCR.
func NewImageExtractor(ocr OCREngine) *ImageExtractor {
	return &ImageExtractor{ocr: ocr, maxSide: MaxOCRSide, minText: MinOCRText}
}

func (e *ImageExtractor) Extract(ctx context.Context, doc knowledge.Document) Result {
	var res Result
	if len(doc.Payload) == 0 {
		return res
	}

	text, err := e.recognize(ctx, doc)
	switch {
	case err == nil && utf8.RuneCountInString(text) >= e.minText:
		res.Chunks = append(res.Chunks, knowledge.RawChunk{
			Content: text,
			Type:    knowledge.ChunkTypeImageOCR,
		})
		log.Info("extracted image text", "document_id", doc.ID, "chars", utf8.RuneCountInString(text))
		return res
	case err != nil && !errors.Is(err, errNoOCR):
		log.Error(err, "ocr failed, using image description", "document_id", doc.ID)
		res.fail(doc.ID, 0, err)
	default:
		log.Debug("no usable ocr text, using image description", "document_id", doc.ID)
	}

	res.Chunks = append(res.Chunks, knowledge.RawChunk{
		Content: Describe(doc),
		Type:    knowledge.ChunkTypeImageDescription,
	})
	return res
}

func (e *ImageExtractor) recognize(ctx context.Context, doc knowledge.Document) (string, error) {
	if e.ocr == nil {
		return "", errNoOCR
	}
	img, _, err := image.Decode(bytes.NewReader(doc.Payload))
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, PrepareForOCR(img, e.maxSide)); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}

	raw, err := e.ocr.Recognize(ctx, doc.Name, buf.Bytes())
	if err != nil {
		return "", err
	}
	return CleanOCRText(raw), nil
}

// PrepareForOCR converts an image to grayscale, downscaling it with
// Catmull-Rom resampling when its longest side exceeds maxSide.
func PrepareForOCR(src image.Image, maxSide int) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}

	if maxSide > 0 && longest > maxSide {
		nw := w * maxSide / longest
		nh := h * maxSide / longest
		if nw < 1 {
			nw = 1
		}
		if nh < 1 {
			nh = 1
		}
		dst := image.NewGray(image.Rect(0, 0, nw, nh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		return dst
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// CleanOCRText replaces non-linguistic characters with spaces, collapses
// whitespace inside lines and drops lines shorter than three characters.
func CleanOCRText(s string) string {
	s = controlChars.ReplaceAllString(s, " ")
	s = ocrNoise.ReplaceAllString(s, " ")
	s = NormalizeWhitespace(s)

	var kept []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if utf8.RuneCountInString(line) >= minOCRLine {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// Describe synthesizes the fallback content of an image: file name, MIME
// type, byte size, pixel dimensions and colour model when decodable, and the
// declared document type.
func Describe(doc knowledge.Document) string {
	name := doc.Name
	if name == "" {
		name = "unnamed"
	}
	mimeType := doc.MimeType
	if mimeType == "" {
		mimeType = "unknown"
	}

	parts := []string{
		"Technical image: " + name,
		"Format: " + mimeType,
		fmt.Sprintf("File size: %d bytes", len(doc.Payload)),
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(doc.Payload)); err == nil {
		parts = append(parts,
			fmt.Sprintf("Dimensions: %dx%d pixels", cfg.Width, cfg.Height),
			"Colour mode: "+colorModelName(cfg.ColorModel),
		)
	}
	if doc.DocumentType != "" {
		parts = append(parts, "Document type: "+doc.DocumentType)
	}
	parts = append(parts, "Note: visual content not processed by OCR")
	return strings.Join(parts, ". ")
}

func colorModelName(m color.Model) string {
	switch m {
	case color.GrayModel:
		return "L"
	case color.Gray16Model:
		return "I;16"
	case color.RGBAModel, color.NRGBAModel, color.RGBA64Model, color.NRGBA64Model:
		return "RGBA"
	case color.YCbCrModel:
		return "YCbCr"
	case color.CMYKModel:
		return "CMYK"
	}
	if _, ok := m.(color.Palette); ok {
		return "P"
	}
	return "unknown"
}
