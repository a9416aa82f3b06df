// Package domain defines the persistence models for organizations, end users,
// conversations, and messages. These types are mapped with GORM and form the
// core data layer of the helpdesk messaging backend.
package domain

import (
	"time"
)

// Conversation status values. A conversation starts open, is promoted to
// assigned when a staff member takes it, and ends resolved or closed. End-user
// replies reopen resolved/closed conversations.
const (
	StatusOpen     = "open"
	StatusAssigned = "assigned"
	StatusResolved = "resolved"
	StatusClosed   = "closed"
)

// Conversation channel values, recording where the thread originated.
const (
	ChannelWidget = "widget"
	ChannelPortal = "portal"
	ChannelEmail  = "email"
)

// Message sender types.
const (
	SenderEndUser = "end_user"
	SenderAdmin   = "admin"
	SenderSystem  = "system"
)

// ValidStatus reports whether s is one of the four conversation states.
func ValidStatus(s string) bool {
	switch s {
	case StatusOpen, StatusAssigned, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// ValidChannel reports whether c is a known conversation channel.
func ValidChannel(c string) bool {
	switch c {
	case ChannelWidget, ChannelPortal, ChannelEmail:
		return true
	}
	return false
}

// Organization is the tenant root. Every end user and conversation belongs to
// exactly one organization. The immutable ID and the mutable Slug are both
// valid lookup keys for incoming requests.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Slug: URL-safe mutable identifier, unique across tenants.
//   - Name: display name.
//   - Settings: typed settings document (webhook URLs, integration secrets),
//     stored as a JSON column.
type Organization struct {
	ID        string               `json:"id"       gorm:"type:char(36);primaryKey"`
	Slug      string               `json:"slug"     gorm:"type:varchar(64);not null;uniqueIndex:ux_org_slug"`
	Name      string               `json:"name"     gorm:"type:varchar(255);not null"`
	Settings  OrganizationSettings `json:"settings" gorm:"serializer:json"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// TableName returns the database table name for Organization.
func (Organization) TableName() string { return "organizations" }

// EndUser is a customer/contact of one organization. A row is created lazily
// on first public contact and enriched ("synced") on subsequent contacts.
//
// Invariant: at most one EndUser per (organization, external_id); when
// external_id is absent the email is the canonical match key. Anonymous
// contacts (no external id, no email) each get their own row.
type EndUser struct {
	ID             string            `json:"id"                    gorm:"type:char(36);primaryKey"`
	OrganizationID string            `json:"organization_id"       gorm:"type:char(36);not null;index;uniqueIndex:ux_enduser_org_external,priority:1"`
	ExternalID     *string           `json:"external_id,omitempty" gorm:"type:varchar(128);uniqueIndex:ux_enduser_org_external,priority:2"`
	Email          *string           `json:"email,omitempty"       gorm:"type:varchar(255);index:idx_enduser_org_email"`
	Name           string            `json:"name,omitempty"        gorm:"type:varchar(255)"`
	AvatarURL      string            `json:"avatar_url,omitempty"  gorm:"type:varchar(512)"`
	Metadata       map[string]string `json:"metadata,omitempty"    gorm:"serializer:json"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`

	// Organization is the owning tenant. End users are removed with it.
	Organization Organization `json:"-" gorm:"foreignKey:OrganizationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for EndUser.
func (EndUser) TableName() string { return "end_users" }

// Conversation is a chat thread between one end user and organization staff.
//
// Fields:
//   - EndUserID: the contact behind the thread; nil for staff-created threads
//     not yet linked to a contact.
//   - AssignedToID: the staff member handling the thread. Staff identities
//     are referenced, never owned, so this is a plain string id.
//   - MessageCount / LastMessageAt: derived counters maintained atomically in
//     the same transaction as each message insert.
type Conversation struct {
	ID             string     `json:"id"                       gorm:"type:char(36);primaryKey"`
	OrganizationID string     `json:"organization_id"          gorm:"type:char(36);not null;index:idx_conv_org"`
	EndUserID      *string    `json:"end_user_id,omitempty"    gorm:"type:char(36);index"`
	AssignedToID   *string    `json:"assigned_to_id,omitempty" gorm:"type:varchar(64)"`
	Subject        string     `json:"subject,omitempty"        gorm:"type:varchar(255)"`
	Status         string     `json:"status"                   gorm:"type:varchar(16);not null;default:'open';check:status IN ('open','assigned','resolved','closed')"`
	Channel        string     `json:"channel"                  gorm:"type:varchar(16);not null;default:'widget';check:channel IN ('widget','portal','email')"`
	MessageCount   int        `json:"message_count"            gorm:"not null;default:0"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Organization is the owning tenant.
	Organization Organization `json:"-" gorm:"foreignKey:OrganizationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	// EndUser is the contact behind the thread, when known.
	EndUser *EndUser `json:"end_user,omitempty" gorm:"foreignKey:EndUserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Attachment is an opaque reference to an uploaded file. The upload itself is
// handled by the storage collaborator; the core only records the returned key
// and display metadata.
type Attachment struct {
	Key      string `json:"key"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is one turn within a conversation. Messages are immutable after
// creation and ordered by creation time within their conversation.
//
// Fields:
//   - SenderType: end_user, admin, or system.
//   - SenderID: nil for anonymous end users and system messages.
//   - IsInternal: staff-only note, never exposed on public endpoints.
//   - Attachments: opaque storage keys plus metadata (JSON column).
type Message struct {
	ID             string       `json:"id"                    gorm:"type:char(36);primaryKey"`
	ConversationID string       `json:"conversation_id"       gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	SenderType     string       `json:"sender_type"           gorm:"type:varchar(16);not null;check:sender_type IN ('end_user','admin','system')"`
	SenderID       *string      `json:"sender_id,omitempty"   gorm:"type:varchar(64)"`
	Body           string       `json:"body"                  gorm:"type:text;not null"`
	IsInternal     bool         `json:"is_internal"           gorm:"not null;default:false"`
	Attachments    []Attachment `json:"attachments,omitempty" gorm:"serializer:json"`
	PageURL        string       `json:"page_url,omitempty"    gorm:"type:varchar(512)"`
	CreatedAt      time.Time    `json:"created_at"            gorm:"index:idx_conv_msgs,priority:2"`

	// Conversation is the parent thread. Messages are cascade-deleted
	// if their conversation is removed.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }
