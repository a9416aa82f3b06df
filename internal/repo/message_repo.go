// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model. Most writers run inside a per-conversation transaction opened by the
// service layer, so these helpers take the handle directly instead of
// context-wrapping it themselves.
package repo

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/loopdesk/go-helpdesk-backend/internal/domain"
)

// CreateMessage inserts a new message row. ID and CreatedAt are populated
// here; everything else comes from the caller.
func CreateMessage(db *gorm.DB, m *domain.Message) (*domain.Message, error) {
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	return m, db.Create(m).Error
}

// ListMessages returns a conversation's messages ordered deterministically
// (CreatedAt ASC, ID ASC). When includeInternal is false, staff-only notes
// are excluded, which is the public read path.
func ListMessages(db *gorm.DB, conversationID string, includeInternal bool) ([]domain.Message, error) {
	var out []domain.Message
	q := db.Where("conversation_id = ?", conversationID)
	if !includeInternal {
		q = q.Where("is_internal = ?", false)
	}
	err := q.Order("created_at ASC, id ASC").Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC).
func ListMessagesPage(db *gorm.DB, conversationID string, includeInternal bool, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.Where("conversation_id = ?", conversationID)
	if !includeInternal {
		q = q.Where("is_internal = ?", false)
	}
	err := q.
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetMessage fetches a message by ID.
func GetMessage(db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}
