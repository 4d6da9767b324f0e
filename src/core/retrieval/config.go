package retrieval

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// RankingConfig holds the tunable constants of the ranking pipeline.
type RankingConfig struct {
	// SemanticWeight multiplies hits found only by the semantic search.
	SemanticWeight float64 `mapstructure:"semantic_weight" validate:"gt=0"`
	// KeywordBoostFactor scales the query-term overlap boost.
	KeywordBoostFactor float64 `mapstructure:"keyword_boost_factor" validate:"gte=0"`
	// NoiseFloor drops fused scores at or below it.
	NoiseFloor float64 `mapstructure:"noise_floor" validate:"gte=0,lt=1"`
	// MaxPerType caps results per document type once diversification applies.
	MaxPerType int `mapstructure:"max_per_type" validate:"gte=1"`
	// DiversifyMin is the result count up to which diversification is skipped.
	DiversifyMin int `mapstructure:"diversify_min" validate:"gte=0"`
	// CandidateK is the number of hits requested from each sub-search.
	CandidateK int `mapstructure:"candidate_k" validate:"gte=1,lte=200"`
	// FinalCap bounds the number of returned results whatever the caller asks.
	FinalCap int `mapstructure:"final_cap" validate:"gte=1"`
	// DefaultMaxResults applies when a query does not set MaxResults.
	DefaultMaxResults int `mapstructure:"default_max_results" validate:"gte=1"`
	// DefaultThreshold applies when a query does not set a threshold.
	DefaultThreshold float64 `mapstructure:"default_threshold" validate:"gte=0,lte=1"`
	// RecencyBoost is the largest boost given to a brand new chunk.
	RecencyBoost float64 `mapstructure:"recency_boost" validate:"gte=0"`
	// RecencyWindow is the age after which a chunk gets no recency boost.
	RecencyWindow time.Duration `mapstructure:"recency_window" validate:"gt=0"`
}

func DefaultRankingConfig() RankingConfig {
	return RankingConfig{
		SemanticWeight:     1.2,
		KeywordBoostFactor: 0.2,
		NoiseFloor:         0.3,
		MaxPerType:         2,
		DiversifyMin:       3,
		CandidateK:         8,
		FinalCap:           5,
		DefaultMaxResults:  8,
		DefaultThreshold:   0.65,
		RecencyBoost:       0.05,
		RecencyWindow:      180 * 24 * time.Hour,
	}
}

var validate = validator.New()

// Validate reports the first invalid field of the configuration.
func (c RankingConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid ranking config: %w", err)
	}
	return nil
}
