package segment

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 1000
	DefaultOverlap      = 200
	DefaultMinChunkSize = 100
	// DefaultWindow is how far back from the window edge a cut point is searched.
	DefaultWindow = 200
)

// CutPoint is a boundary pattern. A chunk is cut right after the last match
// of the first pattern found inside the search window.
type CutPoint struct {
	Name    string
	Pattern *regexp.Regexp
}

var (
	Paragraph    = CutPoint{Name: "paragraph", Pattern: regexp.MustCompile(`\n\n`)}
	SentenceDot  = CutPoint{Name: "sentence_dot", Pattern: regexp.MustCompile(`\. `)}
	SentenceEnd  = CutPoint{Name: "sentence_end", Pattern: regexp.MustCompile(`[.!?] `)}
	Comma        = CutPoint{Name: "comma", Pattern: regexp.MustCompile(`, `)}
	Space        = CutPoint{Name: "space", Pattern: regexp.MustCompile(` `)}
	textCuts     = []CutPoint{Paragraph, SentenceDot, SentenceEnd, Comma, Space}
	compactCuts  = []CutPoint{Paragraph, SentenceEnd, Space}
	defaultSplit = New()
)

// Splitter cuts text into overlapping windows that prefer natural boundaries.
// A Splitter is immutable and safe for concurrent use.
type Splitter struct {
	chunkSize    int
	overlap      int
	minChunkSize int
	window       int
	cuts         []CutPoint
}

type Option func(*Splitter)

func WithChunkSize(n int) Option {
	return func(s *Splitter) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

func WithOverlap(n int) Option {
	return func(s *Splitter) {
		if n >= 0 {
			s.overlap = n
		}
	}
}

func WithMinChunkSize(n int) Option {
	return func(s *Splitter) {
		if n >= 0 {
			s.minChunkSize = n
		}
	}
}

func WithWindow(n int) Option {
	return func(s *Splitter) {
		if n >= 0 {
			s.window = n
		}
	}
}

// WithCutPoints replaces the boundary preference list, most preferred first.
func WithCutPoints(cuts ...CutPoint) Option {
	return func(s *Splitter) {
		s.cuts = append([]CutPoint(nil), cuts...)
	}
}

// New returns a splitter configured for plain text: 1000 runes per chunk,
// 200 runes of overlap and a 100 rune minimum.
func New(opts ...Option) *Splitter {
	s := &Splitter{
		chunkSize:    DefaultChunkSize,
		overlap:      DefaultOverlap,
		minChunkSize: DefaultMinChunkSize,
		window:       DefaultWindow,
		cuts:         textCuts,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.overlap >= s.chunkSize {
		s.overlap = s.chunkSize - 1
	}
	return s
}

// TextProfile is the splitter used for extracted plain text and HTML.
func TextProfile(minChunkSize int) *Splitter {
	return New(WithMinChunkSize(minChunkSize))
}

// CompactProfile is the splitter used for PDF pages and OCR output: fewer cut
// points and no overlap.
func CompactProfile(minChunkSize int) *Splitter {
	return New(
		WithMinChunkSize(minChunkSize),
		WithOverlap(0),
		WithCutPoints(compactCuts...),
	)
}

func (s *Splitter) ChunkSize() int    { return s.chunkSize }
func (s *Splitter) Overlap() int      { return s.overlap }
func (s *Splitter) MinChunkSize() int { return s.minChunkSize }

// Split is a shortcut for New with the given sizes and the text cut points.
func Split(text string, chunkSize, overlap, minChunkSize int) []string {
	if chunkSize == defaultSplit.chunkSize && overlap == defaultSplit.overlap && minChunkSize == defaultSplit.minChunkSize {
		return defaultSplit.Split(text)
	}
	return New(WithChunkSize(chunkSize), WithOverlap(overlap), WithMinChunkSize(minChunkSize)).Split(text)
}

// Split cuts text into chunks. Lengths are measured in runes.
//
// Text no longer than the chunk size yields exactly one chunk whatever its
// length. Longer text is walked with a greedy window; trimmed chunks shorter
// than the minimum are dropped and the next window starts inside the overlap
// zone of the previous one, on a whitespace when there is one.
func (s *Splitter) Split(text string) []string {
	runes := []rune(text)
	n := len(runes)
	if n <= s.chunkSize {
		chunk := strings.TrimSpace(text)
		if chunk == "" {
			return nil
		}
		return []string{chunk}
	}

	var chunks []string
	start := 0
	for start < n {
		end := start + s.chunkSize
		if end < n {
			end = s.cut(runes, start, end)
		} else {
			end = n
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" && utf8.RuneCountInString(chunk) >= s.minChunkSize {
			chunks = append(chunks, chunk)
		}
		if end >= n {
			break
		}
		start = s.next(runes, start, end)
	}
	return chunks
}

// cut returns the chunk end for a window [start, end) that stops before the
// end of the text.
func (s *Splitter) cut(runes []rune, start, end int) int {
	from := end - s.window
	if from < start {
		from = start
	}
	segment := string(runes[from:end])
	for _, c := range s.cuts {
		matches := c.Pattern.FindAllStringIndex(segment, -1)
		if len(matches) == 0 {
			continue
		}
		last := matches[len(matches)-1]
		pos := from + utf8.RuneCountInString(segment[:last[1]])
		if pos > start {
			return pos
		}
	}
	return end
}

// next returns the start of the chunk following [start, end).
func (s *Splitter) next(runes []rune, start, end int) int {
	if s.overlap == 0 {
		return end
	}
	overlapStart := end - s.overlap
	if overlapStart < start {
		overlapStart = start
	}
	next := end
	for i := overlapStart; i < end; i++ {
		if unicode.IsSpace(runes[i]) {
			next = i
			break
		}
	}
	if next <= start {
		next = end
	}
	return next
}
