package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/loopdesk/go-helpdesk-backend/internal/domain"
)

// test DB helper
func newOrgRepoDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("org_repo_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&domain.Organization{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestCreateOrganization_PopulatesIdentity(t *testing.T) {
	db := newOrgRepoDB(t)

	o, err := CreateOrganization(context.Background(), db, "acme", "Acme Inc", domain.OrganizationSettings{
		WebhookURL: "https://hooks.example.com/acme",
	})
	if err != nil {
		t.Fatalf("CreateOrganization error: %v", err)
	}
	if o.ID == "" || o.Slug != "acme" || o.Name != "Acme Inc" {
		t.Fatalf("unexpected organization: %+v", o)
	}
	if o.CreatedAt.IsZero() || time.Since(o.CreatedAt) > time.Minute {
		t.Fatalf("CreatedAt not set: %v", o.CreatedAt)
	}
	if o.Settings.WebhookURL != "https://hooks.example.com/acme" {
		t.Fatalf("settings not persisted: %+v", o.Settings)
	}
}

func TestCreateOrganization_DuplicateSlugFails(t *testing.T) {
	db := newOrgRepoDB(t)
	ctx := context.Background()

	if _, err := CreateOrganization(ctx, db, "acme", "Acme", domain.OrganizationSettings{}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := CreateOrganization(ctx, db, "acme", "Other", domain.OrganizationSettings{}); err == nil {
		t.Fatalf("expected unique violation for duplicate slug")
	}
}

func TestGetOrganization_BySlugAndByID(t *testing.T) {
	db := newOrgRepoDB(t)
	ctx := context.Background()

	o, err := CreateOrganization(ctx, db, "globex", "Globex", domain.OrganizationSettings{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	bySlug, err := GetOrganizationBySlug(ctx, db, "globex")
	if err != nil || bySlug.ID != o.ID {
		t.Fatalf("GetOrganizationBySlug: %v %+v", err, bySlug)
	}
	byID, err := GetOrganizationByID(ctx, db, o.ID)
	if err != nil || byID.Slug != "globex" {
		t.Fatalf("GetOrganizationByID: %v %+v", err, byID)
	}

	if _, err := GetOrganizationBySlug(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveOrganization_SlugWinsOverID(t *testing.T) {
	db := newOrgRepoDB(t)
	ctx := context.Background()

	o, err := CreateOrganization(ctx, db, "initech", "Initech", domain.OrganizationSettings{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := ResolveOrganization(ctx, db, "initech")
	if err != nil || got.ID != o.ID {
		t.Fatalf("resolve by slug: %v %+v", err, got)
	}
	got, err = ResolveOrganization(ctx, db, o.ID)
	if err != nil || got.Slug != "initech" {
		t.Fatalf("resolve by id: %v %+v", err, got)
	}
	// A non-UUID reference must never hit the id path.
	if _, err := ResolveOrganization(ctx, db, "not-a-slug-or-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown ref, got %v", err)
	}
}

func TestUpdateOrganizationSettings_ReplacesDocument(t *testing.T) {
	db := newOrgRepoDB(t)
	ctx := context.Background()

	o, err := CreateOrganization(ctx, db, "umbrella", "Umbrella", domain.OrganizationSettings{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	next := domain.OrganizationSettings{
		WebhookURL:      "https://hooks.example.com/u",
		SlackWebhookURL: "https://hooks.slack.com/services/T/B/x",
	}
	if err := UpdateOrganizationSettings(ctx, db, o.ID, next); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	got, err := GetOrganizationByID(ctx, db, o.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Settings.WebhookURL != next.WebhookURL || got.Settings.SlackWebhookURL != next.SlackWebhookURL {
		t.Fatalf("settings not replaced: %+v", got.Settings)
	}

	if err := UpdateOrganizationSettings(ctx, db, "missing-id", next); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing org, got %v", err)
	}
}
