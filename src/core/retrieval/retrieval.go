package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"docrag/src/core/knowledge"
	"docrag/src/infrastructure/log"
)

type SearchType string

const (
	SearchSemantic SearchType = "semantic"
	SearchKeyword  SearchType = "keyword"
	SearchHybrid   SearchType = "hybrid"
)

type RelevanceLevel string

const (
	RelevanceHigh   RelevanceLevel = "high"
	RelevanceMedium RelevanceLevel = "medium"
	RelevanceLow    RelevanceLevel = "low"
)

// Relevance labels a final score.
func Relevance(score float64) RelevanceLevel {
	switch {
	case score >= 0.8:
		return RelevanceHigh
	case score >= 0.6:
		return RelevanceMedium
	default:
		return RelevanceLow
	}
}

// Context is the workflow state of the task a query comes from.
type Context struct {
	EquipmentCategoryID *int64
	EquipmentIDs        []int64
	ServiceNatureID     *int64
	ServiceAreaID       *int64
	ServiceComplexityID *int64
	FSMState            string
}

type Query struct {
	Text       string
	MaxResults int
	// Threshold is the minimum semantic similarity. Nil means the default.
	Threshold     *float64
	SearchType    SearchType
	Context       Context
	DocumentTypes []string
	BoostRecent   bool
	// DateFrom and DateTo bound the chunk creation time, inclusive.
	DateFrom *time.Time
	DateTo   *time.Time
}

// Factors explains how a final score was obtained.
type Factors struct {
	Source       string   `json:"source"`
	Semantic     *float64 `json:"semantic,omitempty"`
	Keyword      *float64 `json:"keyword,omitempty"`
	Fused        float64  `json:"fused"`
	KeywordBoost float64  `json:"keyword_boost"`
	RecencyBoost float64  `json:"recency_boost"`
	Unclamped    float64  `json:"unclamped"`
}

type Result struct {
	Chunk knowledge.Chunk
	// Similarity is the semantic similarity when the chunk was found by the
	// semantic search, the keyword score otherwise.
	Similarity      float64
	Score           float64
	Relevance       RelevanceLevel
	MatchedKeywords []string
	Factors         Factors
}

type Response struct {
	Results       []Result
	Total         int
	AvgScore      float64
	MaxScore      float64
	MinScore      float64
	DocumentTypes []string
	// Degraded is set when a sub-search failed.
	Degraded bool
}

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Engine answers queries with hybrid semantic and keyword ranking.
type Engine struct {
	store    knowledge.Store
	embedder Embedder
	cfg      RankingConfig
	rules    RuleSet
	now      func() time.Time
}

type Option func(*Engine)

func WithRules(r RuleSet) Option {
	return func(e *Engine) { e.rules = r }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store knowledge.Store, embedder Embedder, cfg RankingConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		rules:    DefaultRules(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// candidate is a chunk during fusion.
type candidate struct {
	chunk   knowledge.Chunk
	score   float64
	factors Factors
	matched []string
}

// Search never fails: sub-search errors are logged and the response is
// built from whatever succeeded.
func (e *Engine) Search(ctx context.Context, q Query) Response {
	start := time.Now()

	types := q.DocumentTypes
	if len(types) == 0 {
		types = e.rules.Infer(q.Text, q.Context)
	}
	resp := Response{DocumentTypes: types, Results: []Result{}}

	if q.Text == "" {
		return resp
	}

	filters := e.filters(q, types)
	semantic, keyword, degraded := e.retrieve(ctx, q, filters)
	resp.Degraded = degraded

	fused := e.fuse(semantic, keyword)
	fused = e.dropNoise(fused)
	fused = e.diversify(fused)
	e.boostKeywords(fused, q.Text)
	if q.BoostRecent {
		e.boostRecent(fused)
	}

	sort.SliceStable(fused, func(i, j int) bool { return fused[i].score > fused[j].score })
	if n := e.limit(q.MaxResults); len(fused) > n {
		fused = fused[:n]
	}

	resp.Results = e.finish(fused)
	resp.Total = len(resp.Results)
	if resp.Total > 0 {
		resp.MaxScore, resp.MinScore = resp.Results[0].Score, resp.Results[0].Score
		var sum float64
		for _, r := range resp.Results {
			sum += r.Score
			resp.MaxScore = math.Max(resp.MaxScore, r.Score)
			resp.MinScore = math.Min(resp.MinScore, r.Score)
		}
		resp.AvgScore = sum / float64(resp.Total)
	}

	log.Info("search completed",
		"results", resp.Total,
		"semantic_hits", len(semantic),
		"keyword_hits", len(keyword),
		"document_types", types,
		"degraded", resp.Degraded,
		"duration", time.Since(start))
	return resp
}

// filters maps the query context to store filters. Inferred document types
// also admit chunks without a document type.
func (e *Engine) filters(q Query, types []string) knowledge.Filters {
	f := knowledge.Filters{}
	if len(q.DocumentTypes) > 0 {
		f.DocumentTypes = q.DocumentTypes
	} else if len(types) > 0 {
		f.DocumentTypes = append(append([]string(nil), types...), "")
	}
	if q.Context.EquipmentCategoryID != nil {
		f.EquipmentCategoryIDs = []int64{*q.Context.EquipmentCategoryID}
	}
	if q.Context.ServiceNatureID != nil {
		f.ServiceNatureIDs = []int64{*q.Context.ServiceNatureID}
	}
	f.CreatedAfter = q.DateFrom
	f.CreatedBefore = q.DateTo
	return f
}

// threshold is the stricter of the caller's threshold and the noise floor.
func (e *Engine) threshold(q Query) float64 {
	t := e.cfg.DefaultThreshold
	if q.Threshold != nil {
		t = *q.Threshold
	}
	return math.Max(t, e.cfg.NoiseFloor)
}

func (e *Engine) limit(maxResults int) int {
	if maxResults <= 0 {
		maxResults = e.cfg.DefaultMaxResults
	}
	if maxResults > e.cfg.FinalCap {
		return e.cfg.FinalCap
	}
	return maxResults
}

func (e *Engine) retrieve(ctx context.Context, q Query, filters knowledge.Filters) (semantic, keyword []knowledge.ScoredChunk, degraded bool) {
	mode := q.SearchType
	if mode == "" {
		mode = SearchHybrid
	}
	keywords := knowledge.ExtractKeywords(q.Text)

	var semErr, kwErr error
	var g errgroup.Group
	if mode != SearchKeyword {
		g.Go(func() error {
			semantic, semErr = e.semanticSearch(ctx, q, filters)
			return nil
		})
	}
	if mode != SearchSemantic {
		g.Go(func() error {
			keyword, kwErr = e.store.KeywordSearch(ctx, keywords, e.cfg.CandidateK, filters)
			return nil
		})
	}
	_ = g.Wait()

	if semErr != nil {
		degraded = true
		log.Error(semErr, "semantic search failed", "search_type", mode)
		if mode == SearchSemantic {
			keyword, kwErr = e.store.KeywordSearch(ctx, keywords, e.cfg.CandidateK, filters)
		}
	}
	if kwErr != nil {
		degraded = true
		keyword = nil
		log.Error(kwErr, "keyword search failed", "search_type", mode)
	}
	return semantic, keyword, degraded
}

func (e *Engine) semanticSearch(ctx context.Context, q Query, filters knowledge.Filters) ([]knowledge.ScoredChunk, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("no embedding provider configured")
	}
	vec, err := e.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return e.store.SimilaritySearch(ctx, vec, e.cfg.CandidateK, e.threshold(q), filters)
}

// fuse merges both hit lists by chunk id: semantic hits first in their
// order, then keyword-only hits.
func (e *Engine) fuse(semantic, keyword []knowledge.ScoredChunk) []*candidate {
	byID := make(map[string]*candidate, len(semantic)+len(keyword))
	var out []*candidate

	for _, h := range semantic {
		if _, dup := byID[h.Chunk.ID]; dup {
			continue
		}
		s := h.Score
		c := &candidate{
			chunk: h.Chunk,
			score: s * e.cfg.SemanticWeight,
			factors: Factors{
				Source:   string(SearchSemantic),
				Semantic: &s,
			},
		}
		byID[h.Chunk.ID] = c
		out = append(out, c)
	}

	for _, h := range keyword {
		k := h.Score
		if c, ok := byID[h.Chunk.ID]; ok {
			if c.factors.Keyword != nil {
				continue
			}
			c.factors.Keyword = &k
			c.factors.Source = string(SearchHybrid)
			c.score = (*c.factors.Semantic + k) / 2
			continue
		}
		c := &candidate{
			chunk: h.Chunk,
			score: k,
			factors: Factors{
				Source:  string(SearchKeyword),
				Keyword: &k,
			},
		}
		byID[h.Chunk.ID] = c
		out = append(out, c)
	}

	for _, c := range out {
		c.factors.Fused = c.score
	}
	return out
}

func (e *Engine) dropNoise(in []*candidate) []*candidate {
	out := in[:0]
	for _, c := range in {
		if c.score > e.cfg.NoiseFloor {
			out = append(out, c)
		}
	}
	return out
}

// diversify keeps the best MaxPerType results of each document type once
// there are more than DiversifyMin results.
func (e *Engine) diversify(in []*candidate) []*candidate {
	if len(in) <= e.cfg.DiversifyMin {
		return in
	}
	sorted := append([]*candidate(nil), in...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].score > sorted[j].score })

	perType := make(map[string]int)
	var out []*candidate
	for _, c := range sorted {
		t := c.chunk.Metadata.DocumentType
		if t == "" {
			t = "other"
		}
		if perType[t] >= e.cfg.MaxPerType {
			continue
		}
		perType[t]++
		out = append(out, c)
	}
	return out
}

func (e *Engine) boostKeywords(in []*candidate, query string) {
	terms := uniqueWords(query)
	if len(terms) == 0 {
		return
	}
	for _, c := range in {
		content := make(map[string]struct{})
		for _, w := range knowledge.Words(c.chunk.Content, 3) {
			content[w] = struct{}{}
		}
		var matched []string
		for _, t := range terms {
			if _, ok := content[t]; ok {
				matched = append(matched, t)
			}
		}
		c.factors.KeywordBoost = 1
		if len(matched) == 0 {
			continue
		}
		boost := 1 + float64(len(matched))/float64(len(terms))*e.cfg.KeywordBoostFactor
		c.score *= boost
		c.matched = matched
		c.factors.KeywordBoost = boost
	}
}

func (e *Engine) boostRecent(in []*candidate) {
	now := e.now()
	for _, c := range in {
		c.factors.RecencyBoost = 1
		if c.chunk.CreatedAt.IsZero() {
			continue
		}
		age := now.Sub(c.chunk.CreatedAt)
		fresh := math.Max(0, 1-float64(age)/float64(e.cfg.RecencyWindow))
		if fresh > 1 {
			fresh = 1
		}
		boost := 1 + e.cfg.RecencyBoost*fresh
		c.score *= boost
		c.factors.RecencyBoost = boost
	}
}

func (e *Engine) finish(in []*candidate) []Result {
	out := make([]Result, 0, len(in))
	for _, c := range in {
		c.factors.Unclamped = c.score
		if c.factors.KeywordBoost == 0 {
			c.factors.KeywordBoost = 1
		}
		if c.factors.RecencyBoost == 0 {
			c.factors.RecencyBoost = 1
		}
		score := math.Min(math.Max(c.score, 0), 1)
		sim := 0.0
		if c.factors.Semantic != nil {
			sim = *c.factors.Semantic
		} else if c.factors.Keyword != nil {
			sim = *c.factors.Keyword
		}
		out = append(out, Result{
			Chunk:           c.chunk,
			Similarity:      sim,
			Score:           score,
			Relevance:       Relevance(score),
			MatchedKeywords: c.matched,
			Factors:         c.factors,
		})
	}
	return out
}

// uniqueWords returns the distinct words of at least three runes of text in
// order of appearance.
func uniqueWords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range knowledge.Words(text, 3) {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
