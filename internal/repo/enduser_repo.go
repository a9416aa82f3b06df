// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the EndUser
// model. Lookup helpers mirror the identity-resolution order used by the
// service layer: internal id, then (org, external_id), then (org, email).
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/loopdesk/go-helpdesk-backend/internal/domain"
)

// CreateEndUser inserts a new end-user row for the organization. The caller
// populates the optional identity fields; ID and CreatedAt are set here.
func CreateEndUser(ctx context.Context, db *gorm.DB, eu *domain.EndUser) (*domain.EndUser, error) {
	eu.ID = uuid.NewString()
	eu.CreatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(eu).Error; err != nil {
		return nil, err
	}
	return eu, nil
}

// GetEndUser fetches an end user by id, scoped to the organization.
func GetEndUser(ctx context.Context, db *gorm.DB, orgID, id string) (*domain.EndUser, error) {
	var eu domain.EndUser
	err := db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", id, orgID).
		First(&eu).Error
	if err != nil {
		return nil, err
	}
	return &eu, nil
}

// GetEndUserByExternalID fetches the single end user carrying the host
// application's identifier within the organization.
func GetEndUserByExternalID(ctx context.Context, db *gorm.DB, orgID, externalID string) (*domain.EndUser, error) {
	var eu domain.EndUser
	err := db.WithContext(ctx).
		Where("organization_id = ? AND external_id = ?", orgID, externalID).
		First(&eu).Error
	if err != nil {
		return nil, err
	}
	return &eu, nil
}

// GetEndUserByEmail fetches the canonical end user for an email within the
// organization. When several rows share the email the oldest one wins, so
// repeat contacts keep merging into the same record.
func GetEndUserByEmail(ctx context.Context, db *gorm.DB, orgID, email string) (*domain.EndUser, error) {
	var eu domain.EndUser
	err := db.WithContext(ctx).
		Where("organization_id = ? AND email = ?", orgID, email).
		Order("created_at ASC").
		First(&eu).Error
	if err != nil {
		return nil, err
	}
	return &eu, nil
}

// UpdateEndUserFields applies a partial update to an end user. Callers pass
// only the columns that actually changed; an empty map is a no-op.
func UpdateEndUserFields(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	res := db.WithContext(ctx).
		Model(&domain.EndUser{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
