// Package services – IdentityService
//
// This file implements the end-user identity resolver. Public endpoints carry
// optional identity hints (internal id, external id, email, name parts) and
// the resolver maps them onto exactly one EndUser row per organization,
// creating the row lazily on first contact and enriching it on later contacts.
//
// Observability: ResolveOrCreate is OpenTelemetry-instrumented; spans include
// the organization id and which match path was taken.
package services

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/loopdesk/go-helpdesk-backend/internal/domain"
	"github.com/loopdesk/go-helpdesk-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// IdentityInput carries the optional identity hints accompanying a public
// request. All fields may be empty; an empty input resolves to a fresh
// anonymous end user.
type IdentityInput struct {
	// ID is the internal EndUser id, when the client already knows it.
	ID string `json:"id,omitempty"`
	// ExternalID is the host application's identifier for this user.
	ExternalID string `json:"external_id,omitempty"`
	Email      string `json:"email,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// FullName derives the display name from the name parts: "first last" when
// both are present, the first name alone otherwise, empty when neither is
// given. Names are never invented from the email address.
func (in IdentityInput) FullName() string {
	first := strings.TrimSpace(in.FirstName)
	last := strings.TrimSpace(in.LastName)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	default:
		return ""
	}
}

// IdentityService resolves or lazily creates the EndUser behind a public
// request.
type IdentityService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
}

// NewIdentityService constructs an IdentityService.
func NewIdentityService(db *gorm.DB) *IdentityService {
	return &IdentityService{DB: db}
}

// ResolveOrCreate maps the identity hints onto one EndUser row within the
// organization. The first matching rule wins:
//
//  1. internal id, looked up within the org
//  2. (org, external_id)
//  3. (org, email), oldest row winning when duplicates exist
//  4. none given or nothing found without a create key: a fresh anonymous row
//
// Matched rows are synced: name, email, avatar and external id are
// overwritten only when the incoming value is non-empty and different, and
// the row is written back only when at least one field changed.
func (s *IdentityService) ResolveOrCreate(ctx context.Context, orgID string, in IdentityInput) (*domain.EndUser, error) {
	tr := otel.Tracer("services/IdentityService")
	ctx, span := tr.Start(ctx, "ResolveOrCreate",
		trace.WithAttributes(attribute.String("org.id", orgID)),
	)
	defer span.End()

	externalID := strings.TrimSpace(in.ExternalID)
	email := normalizeEmail(in.Email)

	if id := strings.TrimSpace(in.ID); id != "" {
		eu, err := repo.GetEndUser(ctx, s.DB, orgID, id)
		if err == nil {
			span.SetAttributes(attribute.String("identity.match", "internal_id"))
			return s.sync(ctx, eu, in)
		}
		if err != repo.ErrNotFound {
			return nil, err
		}
	}

	if externalID != "" {
		eu, err := repo.GetEndUserByExternalID(ctx, s.DB, orgID, externalID)
		if err == nil {
			span.SetAttributes(attribute.String("identity.match", "external_id"))
			return s.sync(ctx, eu, in)
		}
		if err != repo.ErrNotFound {
			return nil, err
		}
		span.SetAttributes(attribute.String("identity.match", "create_external"))
		return s.create(ctx, orgID, in, &externalID, emailPtr(email))
	}

	if email != "" {
		eu, err := repo.GetEndUserByEmail(ctx, s.DB, orgID, email)
		if err == nil {
			span.SetAttributes(attribute.String("identity.match", "email"))
			return s.sync(ctx, eu, in)
		}
		if err != repo.ErrNotFound {
			return nil, err
		}
		span.SetAttributes(attribute.String("identity.match", "create_email"))
		return s.create(ctx, orgID, in, nil, &email)
	}

	// Anonymous: every unidentified contact gets its own row.
	span.SetAttributes(attribute.String("identity.match", "create_anonymous"))
	return s.create(ctx, orgID, in, nil, nil)
}

// create inserts a fresh EndUser row with the given keys and profile fields.
func (s *IdentityService) create(ctx context.Context, orgID string, in IdentityInput, externalID, email *string) (*domain.EndUser, error) {
	eu := &domain.EndUser{
		OrganizationID: orgID,
		ExternalID:     externalID,
		Email:          email,
		Name:           in.FullName(),
		AvatarURL:      strings.TrimSpace(in.AvatarURL),
		Metadata:       in.Metadata,
	}
	return repo.CreateEndUser(ctx, s.DB, eu)
}

// sync overwrites profile fields on an existing row with non-empty, changed
// incoming values and persists only when something actually changed.
func (s *IdentityService) sync(ctx context.Context, eu *domain.EndUser, in IdentityInput) (*domain.EndUser, error) {
	fields := map[string]any{}

	if name := in.FullName(); name != "" && name != eu.Name {
		fields["name"] = name
		eu.Name = name
	}
	if email := normalizeEmail(in.Email); email != "" && (eu.Email == nil || *eu.Email != email) {
		fields["email"] = email
		eu.Email = &email
	}
	if avatar := strings.TrimSpace(in.AvatarURL); avatar != "" && avatar != eu.AvatarURL {
		fields["avatar_url"] = avatar
		eu.AvatarURL = avatar
	}
	if extID := strings.TrimSpace(in.ExternalID); extID != "" && (eu.ExternalID == nil || *eu.ExternalID != extID) {
		fields["external_id"] = extID
		eu.ExternalID = &extID
	}

	if len(fields) == 0 {
		return eu, nil
	}
	if err := repo.UpdateEndUserFields(ctx, s.DB, eu.ID, fields); err != nil {
		return nil, err
	}
	return eu, nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func emailPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
