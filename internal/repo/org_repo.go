// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Organization model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When an organization is not found, functions return
//     gorm.ErrRecordNotFound (also exported here as ErrNotFound).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/loopdesk/go-helpdesk-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateOrganization inserts a new tenant with the given slug, name, and
// settings. The organization ID is a randomly generated UUID.
func CreateOrganization(ctx context.Context, db *gorm.DB, slug, name string, settings domain.OrganizationSettings) (*domain.Organization, error) {
	o := &domain.Organization{
		ID:        uuid.NewString(),
		Slug:      slug,
		Name:      name,
		Settings:  settings,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(o).Error; err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrganizationBySlug fetches an organization by its slug.
func GetOrganizationBySlug(ctx context.Context, db *gorm.DB, slug string) (*domain.Organization, error) {
	var o domain.Organization
	if err := db.WithContext(ctx).Where("slug = ?", slug).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrganizationByID fetches an organization by its primary key.
func GetOrganizationByID(ctx context.Context, db *gorm.DB, id string) (*domain.Organization, error) {
	var o domain.Organization
	if err := db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// ResolveOrganization looks up an organization by a request-supplied reference
// that may be either a slug or an id. Slug wins; the id path is only tried
// when the reference parses as a UUID, so slugs that merely look id-ish never
// collide with foreign tenants.
func ResolveOrganization(ctx context.Context, db *gorm.DB, ref string) (*domain.Organization, error) {
	o, err := GetOrganizationBySlug(ctx, db, ref)
	if err == nil {
		return o, nil
	}
	if _, perr := uuid.Parse(ref); perr == nil {
		return GetOrganizationByID(ctx, db, ref)
	}
	return nil, err
}

// UpdateOrganizationSettings replaces the settings document of an
// organization. Returns ErrNotFound when the organization does not exist.
func UpdateOrganizationSettings(ctx context.Context, db *gorm.DB, id string, settings domain.OrganizationSettings) error {
	res := db.WithContext(ctx).
		Model(&domain.Organization{}).
		Where("id = ?", id).
		Update("settings", settings)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
