package knowledge

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// stopWords are dropped from keyword queries, Spanish and English.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`el la de que y a en un es se no te lo le da su por son con para al del los las una como
		the and or but in on at to for of with by is are`) {
		stopWords[w] = struct{}{}
	}
}

// Words splits text into lower-cased words of at least minLen runes, in order
// of appearance, keeping duplicates.
func Words(text string, minLen int) []string {
	var out []string
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if utf8.RuneCountInString(w) >= minLen {
			out = append(out, w)
		}
	}
	return out
}

// ExtractKeywords returns the distinct non stop-word terms of a query longer
// than two runes.
func ExtractKeywords(query string) []string {
	seen := make(map[string]struct{})
	var keywords []string
	for _, w := range Words(query, 3) {
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
	}
	return keywords
}

// KeywordScore is min(total occurrences / (3 * len(keywords)), 1), counting
// case-insensitive substring occurrences of every keyword in content.
func KeywordScore(content string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	total := 0
	for _, k := range keywords {
		if k == "" {
			continue
		}
		total += strings.Count(lower, strings.ToLower(k))
	}
	score := float64(total) / float64(len(keywords)*3)
	if score > 1 {
		return 1
	}
	return score
}
