package v2

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"docrag/src/core/knowledge"
	"docrag/src/core/retrieval"
)

const noResultsMessage = "no relevant information found"

type searchRequest struct {
	Query               string     `json:"query" binding:"max=1000"`
	MaxResults          int        `json:"max_results" binding:"omitempty,min=1,max=50"`
	SimilarityThreshold *float64   `json:"similarity_threshold" binding:"omitempty,gte=0,lte=1"`
	SearchType          string     `json:"search_type" binding:"omitempty,oneof=semantic keyword hybrid"`
	EquipmentCategoryID *int64     `json:"equipment_category_id"`
	EquipmentIDs        []int64    `json:"equipment_ids"`
	ServiceNatureID     *int64     `json:"service_nature_id"`
	ServiceAreaID       *int64     `json:"service_area_id"`
	ServiceComplexityID *int64     `json:"service_complexity_id"`
	FSMState            string     `json:"fsm_state"`
	DocumentTypes       []string   `json:"document_types" binding:"omitempty,max=10,dive,required"`
	BoostRecent         bool       `json:"boost_recent"`
	IncludeMetadata     *bool      `json:"include_metadata"`
	DateFrom            *time.Time `json:"date_from"`
	DateTo              *time.Time `json:"date_to"`
}

func (r searchRequest) query() retrieval.Query {
	return retrieval.Query{
		Text:       r.Query,
		MaxResults: r.MaxResults,
		Threshold:  r.SimilarityThreshold,
		SearchType: retrieval.SearchType(r.SearchType),
		Context: retrieval.Context{
			EquipmentCategoryID: r.EquipmentCategoryID,
			EquipmentIDs:        r.EquipmentIDs,
			ServiceNatureID:     r.ServiceNatureID,
			ServiceAreaID:       r.ServiceAreaID,
			ServiceComplexityID: r.ServiceComplexityID,
			FSMState:            r.FSMState,
		},
		DocumentTypes: r.DocumentTypes,
		BoostRecent:   r.BoostRecent,
		DateFrom:      r.DateFrom,
		DateTo:        r.DateTo,
	}
}

type searchResult struct {
	AttachmentID    int64                    `json:"attachment_id"`
	ChunkIndex      int                      `json:"chunk_index"`
	Content         string                   `json:"content"`
	Similarity      float64                  `json:"similarity"`
	FinalScore      float64                  `json:"final_score"`
	Metadata        *knowledge.ChunkMetadata `json:"metadata,omitempty"`
	DocumentName    string                   `json:"document_name"`
	DocumentType    string                   `json:"document_type"`
	RelevanceLevel  retrieval.RelevanceLevel `json:"relevance_level"`
	MatchedKeywords []string                 `json:"matched_keywords"`
	ScoringFactors  retrieval.Factors        `json:"scoring_factors"`
}

type searchResponse struct {
	Results       []searchResult `json:"results"`
	TotalResults  int            `json:"total_results"`
	AvgSimilarity float64        `json:"avg_similarity"`
	MaxSimilarity float64        `json:"max_similarity"`
	MinSimilarity float64        `json:"min_similarity"`
	DocumentTypes []string       `json:"document_types"`
	Degraded      bool           `json:"degraded,omitempty"`
	Message       string         `json:"message,omitempty"`
}

func newSearchResponse(resp retrieval.Response, includeMetadata bool) searchResponse {
	out := searchResponse{
		Results:       make([]searchResult, 0, len(resp.Results)),
		TotalResults:  resp.Total,
		AvgSimilarity: resp.AvgScore,
		MaxSimilarity: resp.MaxScore,
		MinSimilarity: resp.MinScore,
		DocumentTypes: resp.DocumentTypes,
		Degraded:      resp.Degraded,
	}
	for _, r := range resp.Results {
		res := searchResult{
			AttachmentID:    r.Chunk.DocumentID,
			ChunkIndex:      r.Chunk.Index,
			Content:         r.Chunk.Content,
			Similarity:      r.Similarity,
			FinalScore:      r.Score,
			DocumentName:    r.Chunk.Metadata.DocumentName,
			DocumentType:    r.Chunk.Metadata.DocumentType,
			RelevanceLevel:  r.Relevance,
			MatchedKeywords: r.MatchedKeywords,
			ScoringFactors:  r.Factors,
		}
		if res.MatchedKeywords == nil {
			res.MatchedKeywords = []string{}
		}
		if includeMetadata {
			md := r.Chunk.Metadata
			res.Metadata = &md
		}
		out.Results = append(out.Results, res)
	}
	if len(out.Results) == 0 {
		out.Message = noResultsMessage
	}
	return out
}

// Search godoc
// @Summary Search the document knowledge base
// @Tags search
// @Accept json
// @Produce json
// @Param body body searchRequest true "Search parameters"
// @Success 200 {object} searchResponse
// @Failure 400 {object} ErrorResponse
// @Router /knowledge/search [post]
func (h *Handler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	includeMetadata := req.IncludeMetadata == nil || *req.IncludeMetadata
	resp := h.searcher.Search(c.Request.Context(), req.query())
	sendJSON(c, http.StatusOK, newSearchResponse(resp, includeMetadata))
}
