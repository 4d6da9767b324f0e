package documentctrl

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"docrag/src/core/extract"
	"docrag/src/core/knowledge"
	"docrag/src/infrastructure/log"
)

// maxErrorLength caps the stored indexing error, in runes.
const maxErrorLength = 1000

// Attachment is the subset of Odoo's ir_attachment the indexer reads and
// writes.
type Attachment struct {
	ID                   int64         `gorm:"primaryKey" json:"id"`
	Name                 string        `json:"name"`
	Datas                *string       `gorm:"column:datas" json:"-"`
	Mimetype             string        `gorm:"column:mimetype" json:"mimetype"`
	ResModel             *string       `gorm:"column:res_model" json:"res_model"`
	ResID                *int64        `gorm:"column:res_id" json:"res_id"`
	DocumentType         *string       `gorm:"column:x_document_type" json:"document_type"`
	EquipmentCategoryIDs pq.Int64Array `gorm:"column:x_equipment_category_ids;type:bigint[]" json:"equipment_category_ids"`
	ServiceNatureIDs     pq.Int64Array `gorm:"column:x_service_nature_ids;type:bigint[]" json:"service_nature_ids"`
	IsIndexed            bool          `gorm:"column:x_is_indexed" json:"is_indexed"`
	IndexedDate          *time.Time    `gorm:"column:x_indexed_date" json:"indexed_date"`
	IndexingError        *string       `gorm:"column:x_indexing_error" json:"indexing_error"`
	StoreURL             *string       `gorm:"column:x_store_url" json:"store_url"`
	CreateDate           time.Time     `gorm:"column:create_date" json:"create_date"`
}

func (Attachment) TableName() string {
	return "ir_attachment"
}

// PayloadStore reads attachment payloads kept in object storage.
type PayloadStore interface {
	GetByURL(ctx context.Context, objectURL string) ([]byte, error)
}

type DocumentService struct {
	db       *gorm.DB
	payloads PayloadStore
	now      func() time.Time
}

// NewDocumentService creates the attachment repository. payloads may be nil
// when every payload lives in the datas column.
func NewDocumentService(db *gorm.DB, payloads PayloadStore) *DocumentService {
	return &DocumentService{
		db:       db,
		payloads: payloads,
		now:      time.Now,
	}
}

// GetPendingDocuments returns up to limit attachments that are not indexed,
// have no recorded error, a supported MIME type and a payload, newest first.
// Attachments whose payload cannot be loaded are marked with an error and
// left out.
func (s *DocumentService) GetPendingDocuments(ctx context.Context, limit int) ([]knowledge.Document, error) {
	var attachments []Attachment
	result := s.db.WithContext(ctx).
		Where("x_is_indexed = ?", false).
		Where("x_indexing_error IS NULL").
		Where("mimetype IN ?", extract.SupportedMimeTypes()).
		Where("(datas IS NOT NULL OR x_store_url IS NOT NULL)").
		Order("create_date DESC").
		Limit(limit).
		Find(&attachments)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get pending documents: %w", result.Error)
	}

	docs := make([]knowledge.Document, 0, len(attachments))
	for _, a := range attachments {
		payload, err := s.payload(ctx, a)
		if err != nil {
			log.Error(err, "failed to load attachment payload", "document_id", a.ID)
			if merr := s.MarkError(ctx, a.ID, err.Error()); merr != nil {
				log.Error(merr, "failed to record payload error", "document_id", a.ID)
			}
			continue
		}
		docs = append(docs, a.toDocument(payload))
	}

	log.Info("found pending documents", "count", len(docs))
	return docs, nil
}

func (s *DocumentService) payload(ctx context.Context, a Attachment) ([]byte, error) {
	if a.Datas != nil && *a.Datas != "" {
		return DecodeDatas(*a.Datas)
	}
	if a.StoreURL == nil || *a.StoreURL == "" {
		return nil, errors.New("attachment has no payload")
	}
	if s.payloads == nil {
		return nil, fmt.Errorf("no object storage configured for %s", *a.StoreURL)
	}
	data, err := s.payloads.GetByURL(ctx, *a.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload from object storage: %w", err)
	}
	return data, nil
}

// DecodeDatas decodes Odoo's base64 datas value, which may be wrapped.
func DecodeDatas(datas string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, datas)
	b, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to decode datas: %w", err)
	}
	return b, nil
}

func (a Attachment) toDocument(payload []byte) knowledge.Document {
	doc := knowledge.Document{
		ID:                   a.ID,
		Name:                 a.Name,
		MimeType:             a.Mimetype,
		Payload:              payload,
		EquipmentCategoryIDs: []int64(a.EquipmentCategoryIDs),
		ServiceNatureIDs:     []int64(a.ServiceNatureIDs),
		CreatedAt:            a.CreateDate,
	}
	if a.DocumentType != nil {
		doc.DocumentType = *a.DocumentType
	}
	return doc
}

// MarkIndexed flags a document as indexed and clears any previous error.
func (s *DocumentService) MarkIndexed(ctx context.Context, documentID int64) error {
	now := s.now()
	return s.update(ctx, documentID, map[string]interface{}{
		"x_is_indexed":     true,
		"x_indexed_date":   now,
		"x_indexing_error": nil,
		"write_date":       now,
	})
}

// MarkError records why a document could not be indexed. Documents with an
// error are not picked up again until ClearError.
func (s *DocumentService) MarkError(ctx context.Context, documentID int64, reason string) error {
	if reason == "" {
		reason = "unknown error"
	}
	if utf8.RuneCountInString(reason) > maxErrorLength {
		reason = string([]rune(reason)[:maxErrorLength])
	}
	log.Info("marking document with indexing error", "document_id", documentID, "reason", reason)
	return s.update(ctx, documentID, map[string]interface{}{
		"x_indexing_error": reason,
		"write_date":       s.now(),
	})
}

// ClearError makes a document eligible for indexing again.
func (s *DocumentService) ClearError(ctx context.Context, documentID int64) error {
	return s.update(ctx, documentID, map[string]interface{}{
		"x_indexing_error": nil,
		"x_is_indexed":     false,
		"write_date":       s.now(),
	})
}

func (s *DocumentService) update(ctx context.Context, documentID int64, values map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&Attachment{}).Where("id = ?", documentID).Updates(values)
	if result.Error != nil {
		return fmt.Errorf("failed to update document %d: %w", documentID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", knowledge.ErrDocumentNotFound, documentID)
	}
	return nil
}

var _ knowledge.DocumentSource = (*DocumentService)(nil)
