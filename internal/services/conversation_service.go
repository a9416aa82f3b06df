// Package services – ConversationService
//
// This file implements the conversation state machine: creating threads from
// public contact, appending end-user and staff messages, status/assignment
// transitions, and the derived message accounting (message_count,
// last_message_at). Every mutation publishes events on the bus and, for
// end-user-visible creations, dispatches webhooks, both without ever failing
// the originating call.
//
// Transitions are embedded in the operations rather than a generic engine:
// public creation starts open, staff sends auto-assign and promote open to
// assigned, end-user replies reopen resolved/closed threads.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include organization/conversation identifiers.
package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/loopdesk/go-helpdesk-backend/internal/bus"
	"github.com/loopdesk/go-helpdesk-backend/internal/domain"
	"github.com/loopdesk/go-helpdesk-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PublicConversationInput is the payload for starting a conversation from the
// widget or portal.
type PublicConversationInput struct {
	Body        string              `json:"body"`
	Subject     string              `json:"subject,omitempty"`
	Channel     string              `json:"channel,omitempty"`
	PageURL     string              `json:"page_url,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	EndUser     IdentityInput       `json:"end_user,omitempty"`
}

// PublicMessageInput is the payload for an end-user reply on an existing
// conversation.
type PublicMessageInput struct {
	Body        string              `json:"body"`
	PageURL     string              `json:"page_url,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

// StaffMessageInput is the payload for a staff message. Internal notes stay
// invisible to end users: they are excluded from public reads, the
// per-conversation stream, and webhooks.
type StaffMessageInput struct {
	Body        string              `json:"body"`
	IsInternal  bool                `json:"is_internal,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

// ConversationService owns the conversation/message lifecycle.
type ConversationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Identity resolves the end user behind public requests.
	Identity *IdentityService
	// Bus receives conversation/message events; may be nil in tests.
	Bus *bus.Bus
	// Webhooks dispatches outbound notifications; may be nil in tests.
	Webhooks *WebhookService

	// MaxBodyRunes caps message bodies by rune length; 0 disables the cap.
	MaxBodyRunes int
}

// NewConversationService wires the conversation state machine to its
// collaborators.
func NewConversationService(db *gorm.DB, identity *IdentityService, b *bus.Bus, webhooks *WebhookService, maxBodyRunes int) *ConversationService {
	return &ConversationService{
		DB:           db,
		Identity:     identity,
		Bus:          b,
		Webhooks:     webhooks,
		MaxBodyRunes: maxBodyRunes,
	}
}

// ResolveOrg looks the organization up by slug or id.
func (s *ConversationService) ResolveOrg(ctx context.Context, orgRef string) (*domain.Organization, error) {
	org, err := repo.ResolveOrganization(ctx, s.DB, orgRef)
	if err == repo.ErrNotFound {
		return nil, ErrOrgNotFound
	}
	return org, err
}

// PublicCreate starts a conversation from public contact: the end user is
// resolved (or created), and the conversation plus its first message are
// persisted in one transaction. The new thread always starts open with
// message_count 1.
func (s *ConversationService) PublicCreate(ctx context.Context, orgRef string, in PublicConversationInput) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "PublicCreate",
		trace.WithAttributes(attribute.String("org.ref", orgRef)),
	)
	defer span.End()

	org, err := s.ResolveOrg(ctx, orgRef)
	if err != nil {
		return nil, err
	}

	body, err := s.validBody(in.Body)
	if err != nil {
		return nil, err
	}
	channel := strings.TrimSpace(in.Channel)
	if channel == "" {
		channel = domain.ChannelWidget
	}
	if !domain.ValidChannel(channel) {
		return nil, ErrInvalidChannel
	}

	eu, err := s.Identity.ResolveOrCreate(ctx, org.ID, in.EndUser)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var conv *domain.Conversation
	var msg *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := repo.CreateConversation(ctx, tx, &domain.Conversation{
			OrganizationID: org.ID,
			EndUserID:      &eu.ID,
			Subject:        strings.TrimSpace(in.Subject),
			Status:         domain.StatusOpen,
			Channel:        channel,
		})
		if err != nil {
			return err
		}
		m, err := repo.CreateMessage(tx, &domain.Message{
			ConversationID: c.ID,
			SenderType:     domain.SenderEndUser,
			SenderID:       &eu.ID,
			Body:           body,
			Attachments:    in.Attachments,
			PageURL:        strings.TrimSpace(in.PageURL),
		})
		if err != nil {
			return err
		}
		if err := repo.BumpConversationOnMessage(tx, c.ID, now); err != nil {
			return err
		}
		c.MessageCount = 1
		c.LastMessageAt = &now
		conv, msg = c, m
		return nil
	})
	if err != nil {
		return nil, err
	}
	conv.EndUser = eu

	s.publish(ctx, conv, bus.Event{ID: conv.ID, Type: bus.EventConversationCreated, Data: asEventData(conv)}, false)
	s.publish(ctx, conv, bus.Event{ID: msg.ID, Type: bus.EventMessageCreated, Data: asEventData(msg)}, false)
	if s.Webhooks != nil {
		s.Webhooks.Go(org, WebhookEvent{
			Type:    bus.EventConversationCreated,
			Data:    asEventData(conv),
			Body:    body,
			Sender:  eu.Name,
			Channel: conv.Channel,
		})
	}
	return conv, nil
}

// PublicGet returns the conversation and its end-user-visible messages.
// Internal notes are excluded.
func (s *ConversationService) PublicGet(ctx context.Context, orgRef, convID string) (*domain.Conversation, []domain.Message, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "PublicGet",
		trace.WithAttributes(attribute.String("conversation.id", convID)),
	)
	defer span.End()

	org, err := s.ResolveOrg(ctx, orgRef)
	if err != nil {
		return nil, nil, err
	}
	conv, err := s.getConversation(ctx, org.ID, convID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := repo.ListMessages(s.DB.WithContext(ctx), conv.ID, false)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// PublicReply appends an end-user message. Replying to a resolved or closed
// conversation reopens it; assignment is never touched.
func (s *ConversationService) PublicReply(ctx context.Context, orgRef, convID string, in PublicMessageInput) (*domain.Message, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "PublicReply",
		trace.WithAttributes(attribute.String("conversation.id", convID)),
	)
	defer span.End()

	org, err := s.ResolveOrg(ctx, orgRef)
	if err != nil {
		return nil, err
	}
	conv, err := s.getConversation(ctx, org.ID, convID)
	if err != nil {
		return nil, err
	}
	body, err := s.validBody(in.Body)
	if err != nil {
		return nil, err
	}

	reopened := conv.Status == domain.StatusResolved || conv.Status == domain.StatusClosed

	now := time.Now().UTC()
	var msg *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := repo.CreateMessage(tx, &domain.Message{
			ConversationID: conv.ID,
			SenderType:     domain.SenderEndUser,
			SenderID:       conv.EndUserID,
			Body:           body,
			Attachments:    in.Attachments,
			PageURL:        strings.TrimSpace(in.PageURL),
		})
		if err != nil {
			return err
		}
		if err := repo.BumpConversationOnMessage(tx, conv.ID, now); err != nil {
			return err
		}
		if reopened {
			if err := repo.UpdateConversation(ctx, tx, org.ID, conv.ID, map[string]any{"status": domain.StatusOpen}); err != nil {
				return err
			}
			conv.Status = domain.StatusOpen
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	conv.MessageCount++
	conv.LastMessageAt = &now

	s.publish(ctx, conv, bus.Event{ID: msg.ID, Type: bus.EventMessageCreated, Data: asEventData(msg)}, false)
	if reopened {
		s.publish(ctx, conv, bus.Event{ID: conv.ID, Type: bus.EventConversationUpdated, Data: asEventData(conv)}, false)
	}
	if s.Webhooks != nil {
		sender := ""
		if conv.EndUser != nil {
			sender = conv.EndUser.Name
		}
		s.Webhooks.Go(org, WebhookEvent{
			Type:    bus.EventMessageCreated,
			Data:    asEventData(msg),
			Body:    body,
			Sender:  sender,
			Channel: conv.Channel,
		})
	}
	return msg, nil
}

// StaffSend appends a staff message. An unassigned conversation is
// auto-assigned to the sender, and an open conversation is promoted to
// assigned. Internal notes reach the staff inbox stream only.
func (s *ConversationService) StaffSend(ctx context.Context, orgRef, adminID, convID string, in StaffMessageInput) (*domain.Message, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "StaffSend",
		trace.WithAttributes(
			attribute.String("conversation.id", convID),
			attribute.String("admin.id", adminID),
			attribute.Bool("internal", in.IsInternal),
		),
	)
	defer span.End()

	org, err := s.ResolveOrg(ctx, orgRef)
	if err != nil {
		return nil, err
	}
	conv, err := s.getConversation(ctx, org.ID, convID)
	if err != nil {
		return nil, err
	}
	body, err := s.validBody(in.Body)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if conv.AssignedToID == nil || *conv.AssignedToID == "" {
		fields["assigned_to_id"] = adminID
		conv.AssignedToID = &adminID
	}
	if conv.Status == domain.StatusOpen {
		fields["status"] = domain.StatusAssigned
		conv.Status = domain.StatusAssigned
	}

	now := time.Now().UTC()
	var msg *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := repo.CreateMessage(tx, &domain.Message{
			ConversationID: conv.ID,
			SenderType:     domain.SenderAdmin,
			SenderID:       &adminID,
			Body:           body,
			IsInternal:     in.IsInternal,
			Attachments:    in.Attachments,
		})
		if err != nil {
			return err
		}
		if err := repo.BumpConversationOnMessage(tx, conv.ID, now); err != nil {
			return err
		}
		if len(fields) > 0 {
			if err := repo.UpdateConversation(ctx, tx, org.ID, conv.ID, fields); err != nil {
				return err
			}
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	conv.MessageCount++
	conv.LastMessageAt = &now

	s.publish(ctx, conv, bus.Event{ID: msg.ID, Type: bus.EventMessageCreated, Data: asEventData(msg)}, in.IsInternal)
	if len(fields) > 0 {
		s.publish(ctx, conv, bus.Event{ID: conv.ID, Type: bus.EventConversationUpdated, Data: asEventData(conv)}, false)
	}
	if s.Webhooks != nil && !in.IsInternal {
		s.Webhooks.Go(org, WebhookEvent{
			Type:    bus.EventMessageCreated,
			Data:    asEventData(msg),
			Body:    body,
			Sender:  "agent " + adminID,
			Channel: conv.Channel,
		})
	}
	return msg, nil
}

// StaffList returns a page of the organization's conversations, newest
// activity first, optionally filtered by status.
func (s *ConversationService) StaffList(ctx context.Context, orgRef, status string, page, pageSize int) ([]domain.Conversation, int64, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "StaffList",
		trace.WithAttributes(
			attribute.String("org.ref", orgRef),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	org, err := s.ResolveOrg(ctx, orgRef)
	if err != nil {
		return nil, 0, err
	}
	if status != "" && !domain.ValidStatus(status) {
		return nil, 0, ErrInvalidStatus
	}

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountConversations(ctx, s.DB, org.ID, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Conversation{}, 0, nil
	}
	items, err := repo.ListConversationsPage(ctx, s.DB, org.ID, status, offset, pageSize)
	return items, total, err
}

// Stats returns the conversation count and latest update time for the
// organization, used by handlers to derive weak ETags.
func (s *ConversationService) Stats(ctx context.Context, orgRef string) (int64, *time.Time, error) {
	org, err := s.ResolveOrg(ctx, orgRef)
	if err != nil {
		return 0, nil, err
	}
	return repo.ConversationStats(ctx, s.DB, org.ID)
}

// StaffGet returns the conversation and all its messages, internal notes
// included.
func (s *ConversationService) StaffGet(ctx context.Context, orgRef, convID string) (*domain.Conversation, []domain.Message, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "StaffGet",
		trace.WithAttributes(attribute.String("conversation.id", convID)),
	)
	defer span.End()

	org, err := s.ResolveOrg(ctx, orgRef)
	if err != nil {
		return nil, nil, err
	}
	conv, err := s.getConversation(ctx, org.ID, convID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := repo.ListMessages(s.DB.WithContext(ctx), conv.ID, true)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// UpdateStatus sets the conversation status directly. When an assignee is
// supplied in the same update and the conversation was open, the thread is
// promoted to assigned.
func (s *ConversationService) UpdateStatus(ctx context.Context, orgRef, convID, status string, assigneeID *string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "UpdateStatus",
		trace.WithAttributes(
			attribute.String("conversation.id", convID),
			attribute.String("status", status),
		),
	)
	defer span.End()

	if !domain.ValidStatus(status) {
		return nil, ErrInvalidStatus
	}
	org, err := s.ResolveOrg(ctx, orgRef)
	if err != nil {
		return nil, err
	}
	conv, err := s.getConversation(ctx, org.ID, convID)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{"status": status}
	if assigneeID != nil && *assigneeID != "" {
		fields["assigned_to_id"] = *assigneeID
		conv.AssignedToID = assigneeID
		if conv.Status == domain.StatusOpen && status == domain.StatusOpen {
			fields["status"] = domain.StatusAssigned
			status = domain.StatusAssigned
		}
	}
	if err := repo.UpdateConversation(ctx, s.DB, org.ID, conv.ID, fields); err != nil {
		return nil, err
	}
	conv.Status = status

	s.publish(ctx, conv, bus.Event{ID: conv.ID, Type: bus.EventConversationUpdated, Data: asEventData(conv)}, false)
	return conv, nil
}

// UpdateAssignment sets or clears the assignee. Assigning an open
// conversation promotes it to assigned.
func (s *ConversationService) UpdateAssignment(ctx context.Context, orgRef, convID string, assigneeID *string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "UpdateAssignment",
		trace.WithAttributes(attribute.String("conversation.id", convID)),
	)
	defer span.End()

	org, err := s.ResolveOrg(ctx, orgRef)
	if err != nil {
		return nil, err
	}
	conv, err := s.getConversation(ctx, org.ID, convID)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if assigneeID == nil || *assigneeID == "" {
		fields["assigned_to_id"] = nil
		conv.AssignedToID = nil
	} else {
		fields["assigned_to_id"] = *assigneeID
		conv.AssignedToID = assigneeID
		if conv.Status == domain.StatusOpen {
			fields["status"] = domain.StatusAssigned
			conv.Status = domain.StatusAssigned
		}
	}
	if err := repo.UpdateConversation(ctx, s.DB, org.ID, conv.ID, fields); err != nil {
		return nil, err
	}

	s.publish(ctx, conv, bus.Event{ID: conv.ID, Type: bus.EventConversationUpdated, Data: asEventData(conv)}, false)
	return conv, nil
}

// Delete hard-deletes the conversation and all its messages. Irreversible.
func (s *ConversationService) Delete(ctx context.Context, orgRef, convID string) error {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("conversation.id", convID)),
	)
	defer span.End()

	org, err := s.ResolveOrg(ctx, orgRef)
	if err != nil {
		return err
	}
	conv, err := s.getConversation(ctx, org.ID, convID)
	if err != nil {
		return err
	}
	if err := repo.DeleteConversation(ctx, s.DB, org.ID, conv.ID); err != nil {
		return err
	}

	s.publish(ctx, conv, bus.Event{
		ID:   conv.ID,
		Type: bus.EventConversationDeleted,
		Data: map[string]any{"id": conv.ID, "organization_id": org.ID},
	}, false)
	return nil
}

// GetForOrg fetches one conversation scoped to an already-resolved
// organization id, without loading messages. Used by the streaming endpoints
// to reject unknown conversations before committing to a stream.
func (s *ConversationService) GetForOrg(ctx context.Context, orgID, convID string) (*domain.Conversation, error) {
	return s.getConversation(ctx, orgID, convID)
}

// getConversation fetches an org-scoped conversation, mapping not-found to
// the service sentinel.
func (s *ConversationService) getConversation(ctx context.Context, orgID, convID string) (*domain.Conversation, error) {
	conv, err := repo.GetConversation(ctx, s.DB, orgID, convID)
	if err == repo.ErrNotFound {
		return nil, ErrConversationNotFound
	}
	return conv, err
}

// validBody trims and validates a message body against the configured cap.
func (s *ConversationService) validBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyBody
	}
	if s.MaxBodyRunes > 0 && utf8.RuneCountInString(body) > s.MaxBodyRunes {
		return "", ErrTooLong
	}
	return body, nil
}

// publish emits the event on the staff inbox channel and, unless the event is
// staff-internal, on the per-conversation channel.
func (s *ConversationService) publish(ctx context.Context, conv *domain.Conversation, ev bus.Event, internal bool) {
	if s.Bus == nil {
		return
	}
	if !internal {
		s.Bus.Publish(ctx, bus.ConversationChannel(conv.ID), ev)
	}
	s.Bus.Publish(ctx, bus.OrgInboxChannel(conv.OrganizationID), ev)
}

// asEventData serializes an entity into the generic map carried by events and
// webhooks. Serialization failures yield an empty map rather than an error;
// event payloads are best-effort.
func asEventData(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
