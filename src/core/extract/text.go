package extract

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"docrag/src/core/knowledge"
	"docrag/src/infrastructure/log"
)

var (
	scriptBlock = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	styleBlock  = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`)
	blockTag    = regexp.MustCompile(`(?i)</?(?:br|p|div|h[1-6])\b[^>]*>`)
	anyTag      = regexp.MustCompile(`<[^>]*>`)
	htmlStart   = regexp.MustCompile(`(?i)^\s*<(?:!doctype\s+html|html|head|body)\b`)

	horizontalSpace = regexp.MustCompile(`[^\S\n]+`)
	lineEdges       = regexp.MustCompile(` *\n *`)
	blankLines      = regexp.MustCompile(`\n{3,}`)

	entities = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
)

// legacyEncodings are tried, in order, when the payload is not valid UTF-8.
var legacyEncodings = []struct {
	name string
	enc  encoding.Encoding
}{
	{"latin-1", charmap.ISO8859_1},
	{"cp1252", charmap.Windows1252},
	{"iso-8859-1", charmap.ISO8859_1},
}

// TextExtractor handles plain text and HTML payloads. It emits the whole
// cleaned text as one raw chunk; segmentation happens downstream.
type TextExtractor struct{}

func NewTextExtractor() *TextExtractor {
	return &TextExtractor{}
}

func (e *TextExtractor) Extract(ctx context.Context, doc knowledge.Document) Result {
	var res Result
	if len(doc.Payload) == 0 {
		return res
	}

	text, enc := Decode(doc.Payload)
	log.Debug("decoded text document", "document_id", doc.ID, "encoding", enc)

	if IsHTML(doc.MimeType, text) {
		text = StripHTML(text)
	}
	text = NormalizeWhitespace(text)
	if text == "" {
		return res
	}

	res.Chunks = append(res.Chunks, knowledge.RawChunk{
		Content: text,
		Type:    knowledge.ChunkTypeText,
	})
	return res
}

// Decode converts raw bytes to a string. Strict UTF-8 is tried first, then
// the legacy single-byte encodings; a legacy decoding is accepted only when
// it produces no C1 control characters. The last resort is UTF-8 with every
// invalid sequence replaced by U+FFFD.
func Decode(b []byte) (string, string) {
	if utf8.Valid(b) {
		return string(b), "utf-8"
	}
	for _, le := range legacyEncodings {
		out, err := le.enc.NewDecoder().Bytes(b)
		if err != nil {
			continue
		}
		s := string(out)
		if !hasC1Controls(s) {
			return s, le.name
		}
	}
	return strings.ToValidUTF8(string(b), "�"), "utf-8-replace"
}

func hasC1Controls(s string) bool {
	for _, r := range s {
		if r == utf8.RuneError || (r >= 0x80 && r <= 0x9f) {
			return true
		}
	}
	return false
}

// IsHTML reports whether a payload should be treated as HTML.
func IsHTML(mimeType, text string) bool {
	if kind, err := KindFor(mimeType); err == nil && kind == KindText &&
		strings.Contains(strings.ToLower(mimeType), "html") {
		return true
	}
	return htmlStart.MatchString(text)
}

// StripHTML drops script and style blocks, turns block level tags into line
// breaks, removes the remaining tags and decodes a fixed set of entities.
func StripHTML(s string) string {
	s = scriptBlock.ReplaceAllString(s, "")
	s = styleBlock.ReplaceAllString(s, "")
	s = blockTag.ReplaceAllString(s, "\n")
	s = anyTag.ReplaceAllString(s, "")
	return entities.Replace(s)
}

// NormalizeWhitespace collapses runs of horizontal whitespace to one space,
// trims every line and collapses two or more blank lines to exactly one.
func NormalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = horizontalSpace.ReplaceAllString(s, " ")
	s = lineEdges.ReplaceAllString(s, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
