// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model, including the atomic message-counter bump that keeps
// message_count equal to the number of persisted messages under concurrent
// sends.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/loopdesk/go-helpdesk-backend/internal/domain"
)

// CreateConversation inserts a new conversation row. The caller sets the
// organization, optional end user, subject, status, and channel; ID and
// CreatedAt are populated here.
func CreateConversation(ctx context.Context, db *gorm.DB, conv *domain.Conversation) (*domain.Conversation, error) {
	conv.ID = uuid.NewString()
	conv.CreatedAt = time.Now().UTC()
	if conv.Status == "" {
		conv.Status = domain.StatusOpen
	}
	if conv.Channel == "" {
		conv.Channel = domain.ChannelWidget
	}
	if err := db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation fetches a conversation by id, scoped to the organization,
// with the linked end user preloaded.
func GetConversation(ctx context.Context, db *gorm.DB, orgID, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := db.WithContext(ctx).
		Preload("EndUser").
		Where("id = ? AND organization_id = ?", id, orgID).
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// CountConversations returns the number of conversations for the
// organization, optionally filtered by status ("" = all).
func CountConversations(ctx context.Context, db *gorm.DB, orgID, status string) (int64, error) {
	q := db.WithContext(ctx).Model(&domain.Conversation{}).Where("organization_id = ?", orgID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	err := q.Count(&total).Error
	return total, err
}

// ListConversationsPage returns a page of conversations for the organization
// ordered by most recent activity first (last_message_at DESC, created_at
// DESC), optionally filtered by status.
func ListConversationsPage(ctx context.Context, db *gorm.DB, orgID, status string, offset, limit int) ([]domain.Conversation, error) {
	q := db.WithContext(ctx).
		Preload("EndUser").
		Where("organization_id = ?", orgID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []domain.Conversation
	err := q.
		Order("last_message_at DESC, created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// BumpConversationOnMessage increments message_count and advances
// last_message_at for a single message insert. The increment is a SQL
// expression, never a Go read-modify-write, so concurrent sends to the same
// conversation cannot lose updates; last_message_at only moves forward.
//
// Call inside the same transaction as the message insert.
func BumpConversationOnMessage(db *gorm.DB, id string, at time.Time) error {
	res := db.Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"message_count":   gorm.Expr("message_count + 1"),
			"last_message_at": gorm.Expr("CASE WHEN last_message_at IS NULL OR last_message_at < ? THEN ? ELSE last_message_at END", at, at),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateConversation applies a partial update (status, assignment) to a
// conversation scoped to the organization. Returns ErrNotFound when no row
// matches.
func UpdateConversation(ctx context.Context, db *gorm.DB, orgID, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND organization_id = ?", id, orgID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteConversation hard-deletes a conversation and its messages. The
// message cascade relies on the foreign key; SQLite needs foreign_keys=ON
// (set in OpenSQLite), so the messages are removed explicitly as well to be
// safe with drivers that skip the pragma.
func DeleteConversation(ctx context.Context, db *gorm.DB, orgID, id string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND organization_id = ?", id, orgID).Delete(&domain.Conversation{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("conversation_id = ?", id).Delete(&domain.Message{}).Error
	})
}

// ConversationStats returns aggregate metadata for an organization's
// conversations: the total number of rows and the maximum UpdatedAt among
// them. Used for weak ETag generation on the staff list endpoint. When the
// organization has no conversations, count is 0 and maxUpdatedAt is nil.
func ConversationStats(ctx context.Context, db *gorm.DB, orgID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Conversation{}).Where("organization_id = ?", orgID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// NewID returns a fresh UUID string. Exposed so services can pre-allocate
// identifiers for rows created inside transactions.
func NewID() string { return uuid.NewString() }
