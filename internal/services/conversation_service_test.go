package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/loopdesk/go-helpdesk-backend/internal/bus"
	"github.com/loopdesk/go-helpdesk-backend/internal/domain"
	"github.com/loopdesk/go-helpdesk-backend/internal/repo"
)

func newConvService(db *gorm.DB) *ConversationService {
	return NewConversationService(db, NewIdentityService(db), nil, nil, 0)
}

func publicCreate(t *testing.T, svc *ConversationService, orgRef string) *domain.Conversation {
	t.Helper()
	conv, err := svc.PublicCreate(context.Background(), orgRef, PublicConversationInput{
		Body:    "Hi, I need help with my order.",
		EndUser: IdentityInput{Email: "jane@example.com", FirstName: "Jane"},
	})
	if err != nil {
		t.Fatalf("PublicCreate: %v", err)
	}
	return conv
}

func TestPublicCreate_StartsOpenWithFirstMessage(t *testing.T) {
	db := newTestDB(t)
	org := seedOrg(t, db, "acme")
	svc := newConvService(db)

	conv := publicCreate(t, svc, "acme")

	if conv.OrganizationID != org.ID {
		t.Fatalf("wrong org: %s", conv.OrganizationID)
	}
	if conv.Status != domain.StatusOpen {
		t.Fatalf("expected open, got %s", conv.Status)
	}
	if conv.MessageCount != 1 {
		t.Fatalf("expected message_count 1, got %d", conv.MessageCount)
	}
	if conv.LastMessageAt == nil {
		t.Fatalf("expected last_message_at set")
	}
	if conv.EndUser == nil || conv.EndUser.Email == nil || *conv.EndUser.Email != "jane@example.com" {
		t.Fatalf("expected resolved end user with email, got %+v", conv.EndUser)
	}

	msgs, err := repo.ListMessages(db, conv.ID, true)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].SenderType != domain.SenderEndUser || msgs[0].Body != "Hi, I need help with my order." {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
}

func TestPublicCreate_ReusesEndUserAcrossConversations(t *testing.T) {
	db := newTestDB(t)
	org := seedOrg(t, db, "acme")
	svc := newConvService(db)

	a := publicCreate(t, svc, "acme")
	b := publicCreate(t, svc, "acme")

	if a.ID == b.ID {
		t.Fatalf("expected two conversations")
	}
	if *a.EndUserID != *b.EndUserID {
		t.Fatalf("expected shared end user, got %s and %s", *a.EndUserID, *b.EndUserID)
	}
	if n := countEndUsers(t, db, org.ID); n != 1 {
		t.Fatalf("expected 1 end user, got %d", n)
	}
}

func TestPublicCreate_ResolvesOrgBySlugOrID(t *testing.T) {
	db := newTestDB(t)
	org := seedOrg(t, db, "acme")
	svc := newConvService(db)

	bySlug := publicCreate(t, svc, "acme")
	byID := publicCreate(t, svc, org.ID)

	if bySlug.OrganizationID != org.ID || byID.OrganizationID != org.ID {
		t.Fatalf("org resolution failed: %s / %s", bySlug.OrganizationID, byID.OrganizationID)
	}
}

func TestPublicCreate_Validation(t *testing.T) {
	db := newTestDB(t)
	seedOrg(t, db, "acme")
	svc := newConvService(db)
	svc.MaxBodyRunes = 10

	if _, err := svc.PublicCreate(context.Background(), "missing", PublicConversationInput{Body: "hi"}); !errors.Is(err, ErrOrgNotFound) {
		t.Fatalf("expected ErrOrgNotFound, got %v", err)
	}
	if _, err := svc.PublicCreate(context.Background(), "acme", PublicConversationInput{Body: "   "}); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}
	if _, err := svc.PublicCreate(context.Background(), "acme", PublicConversationInput{Body: strings.Repeat("x", 11)}); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
	if _, err := svc.PublicCreate(context.Background(), "acme", PublicConversationInput{Body: "hi", Channel: "carrier-pigeon"}); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
}

func TestPublicGet_ExcludesInternalNotes(t *testing.T) {
	db := newTestDB(t)
	seedOrg(t, db, "acme")
	svc := newConvService(db)

	conv := publicCreate(t, svc, "acme")
	if _, err := svc.StaffSend(context.Background(), "acme", "admin-1", conv.ID, StaffMessageInput{Body: "internal context", IsInternal: true}); err != nil {
		t.Fatalf("StaffSend internal: %v", err)
	}
	if _, err := svc.StaffSend(context.Background(), "acme", "admin-1", conv.ID, StaffMessageInput{Body: "Hello Jane!"}); err != nil {
		t.Fatalf("StaffSend: %v", err)
	}

	_, publicMsgs, err := svc.PublicGet(context.Background(), "acme", conv.ID)
	if err != nil {
		t.Fatalf("PublicGet: %v", err)
	}
	if len(publicMsgs) != 2 {
		t.Fatalf("expected 2 public messages, got %d", len(publicMsgs))
	}
	for _, m := range publicMsgs {
		if m.IsInternal {
			t.Fatalf("internal note leaked to public read: %+v", m)
		}
	}

	_, staffMsgs, err := svc.StaffGet(context.Background(), "acme", conv.ID)
	if err != nil {
		t.Fatalf("StaffGet: %v", err)
	}
	if len(staffMsgs) != 3 {
		t.Fatalf("expected 3 staff-visible messages, got %d", len(staffMsgs))
	}
}

func TestPublicReply_ReopensResolvedConversation(t *testing.T) {
	db := newTestDB(t)
	seedOrg(t, db, "acme")
	svc := newConvService(db)

	conv := publicCreate(t, svc, "acme")
	admin := "admin-1"
	if _, err := svc.UpdateStatus(context.Background(), "acme", conv.ID, domain.StatusResolved, &admin); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if _, err := svc.PublicReply(context.Background(), "acme", conv.ID, PublicMessageInput{Body: "it broke again"}); err != nil {
		t.Fatalf("PublicReply: %v", err)
	}

	got, _, err := svc.StaffGet(context.Background(), "acme", conv.ID)
	if err != nil {
		t.Fatalf("StaffGet: %v", err)
	}
	if got.Status != domain.StatusOpen {
		t.Fatalf("expected reopen to open, got %s", got.Status)
	}
	if got.AssignedToID == nil || *got.AssignedToID != admin {
		t.Fatalf("reply must never change assignment, got %v", got.AssignedToID)
	}
	if got.MessageCount != 2 {
		t.Fatalf("expected message_count 2, got %d", got.MessageCount)
	}
}

func TestPublicReply_KeepsAssignedStatus(t *testing.T) {
	db := newTestDB(t)
	seedOrg(t, db, "acme")
	svc := newConvService(db)

	conv := publicCreate(t, svc, "acme")
	if _, err := svc.StaffSend(context.Background(), "acme", "admin-1", conv.ID, StaffMessageInput{Body: "on it"}); err != nil {
		t.Fatalf("StaffSend: %v", err)
	}

	if _, err := svc.PublicReply(context.Background(), "acme", conv.ID, PublicMessageInput{Body: "thanks"}); err != nil {
		t.Fatalf("PublicReply: %v", err)
	}

	got, _, err := svc.StaffGet(context.Background(), "acme", conv.ID)
	if err != nil {
		t.Fatalf("StaffGet: %v", err)
	}
	if got.Status != domain.StatusAssigned {
		t.Fatalf("reply to an assigned conversation must not change status, got %s", got.Status)
	}
}

func TestStaffSend_AutoAssignsAndPromotes(t *testing.T) {
	db := newTestDB(t)
	seedOrg(t, db, "acme")
	svc := newConvService(db)

	conv := publicCreate(t, svc, "acme")
	msg, err := svc.StaffSend(context.Background(), "acme", "admin-1", conv.ID, StaffMessageInput{Body: "Hello, how can I help?"})
	if err != nil {
		t.Fatalf("StaffSend: %v", err)
	}
	if msg.SenderType != domain.SenderAdmin || msg.SenderID == nil || *msg.SenderID != "admin-1" {
		t.Fatalf("unexpected sender: %+v", msg)
	}

	got, _, err := svc.StaffGet(context.Background(), "acme", conv.ID)
	if err != nil {
		t.Fatalf("StaffGet: %v", err)
	}
	if got.Status != domain.StatusAssigned {
		t.Fatalf("expected assigned, got %s", got.Status)
	}
	if got.AssignedToID == nil || *got.AssignedToID != "admin-1" {
		t.Fatalf("expected auto-assign to admin-1, got %v", got.AssignedToID)
	}
	if got.MessageCount != 2 {
		t.Fatalf("expected message_count 2, got %d", got.MessageCount)
	}
}

func TestStaffSend_DoesNotReassign(t *testing.T) {
	db := newTestDB(t)
	seedOrg(t, db, "acme")
	svc := newConvService(db)

	conv := publicCreate(t, svc, "acme")
	if _, err := svc.StaffSend(context.Background(), "acme", "admin-1", conv.ID, StaffMessageInput{Body: "first"}); err != nil {
		t.Fatalf("StaffSend 1: %v", err)
	}
	if _, err := svc.StaffSend(context.Background(), "acme", "admin-2", conv.ID, StaffMessageInput{Body: "second"}); err != nil {
		t.Fatalf("StaffSend 2: %v", err)
	}

	got, _, err := svc.StaffGet(context.Background(), "acme", conv.ID)
	if err != nil {
		t.Fatalf("StaffGet: %v", err)
	}
	if got.AssignedToID == nil || *got.AssignedToID != "admin-1" {
		t.Fatalf("assignment must stick with the first responder, got %v", got.AssignedToID)
	}
}

func TestMessageCount_SurvivesConcurrentSends(t *testing.T) {
	db := newTestDB(t)
	seedOrg(t, db, "acme")
	svc := newConvService(db)

	conv := publicCreate(t, svc, "acme")

	const senders = 8
	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PublicReply(context.Background(), "acme", conv.ID, PublicMessageInput{Body: "ping"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent reply: %v", err)
		}
	}

	got, msgs, err := svc.StaffGet(context.Background(), "acme", conv.ID)
	if err != nil {
		t.Fatalf("StaffGet: %v", err)
	}
	if got.MessageCount != senders+1 {
		t.Fatalf("message_count lost updates: got %d, want %d", got.MessageCount, senders+1)
	}
	if len(msgs) != senders+1 {
		t.Fatalf("expected %d rows, got %d", senders+1, len(msgs))
	}
}

func TestUpdateStatus_DirectAndPromotion(t *testing.T) {
	db := newTestDB(t)
	seedOrg(t, db, "acme")
	svc := newConvService(db)

	conv := publicCreate(t, svc, "acme")

	if _, err := svc.UpdateStatus(context.Background(), "acme", conv.ID, "escalated", nil); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}

	got, err := svc.UpdateStatus(context.Background(), "acme", conv.ID, domain.StatusClosed, nil)
	if err != nil {
		t.Fatalf("UpdateStatus closed: %v", err)
	}
	if got.Status != domain.StatusClosed {
		t.Fatalf("expected closed, got %s", got.Status)
	}

	if _, err := svc.UpdateStatus(context.Background(), "acme", conv.ID, domain.StatusOpen, nil); err != nil {
		t.Fatalf("UpdateStatus open: %v", err)
	}
	admin := "admin-1"
	got, err = svc.UpdateStatus(context.Background(), "acme", conv.ID, domain.StatusOpen, &admin)
	if err != nil {
		t.Fatalf("UpdateStatus with assignee: %v", err)
	}
	if got.Status != domain.StatusAssigned {
		t.Fatalf("assigning an open conversation must promote it, got %s", got.Status)
	}
	if got.AssignedToID == nil || *got.AssignedToID != admin {
		t.Fatalf("expected assignee set, got %v", got.AssignedToID)
	}
}

func TestUpdateAssignment_SetAndClear(t *testing.T) {
	db := newTestDB(t)
	seedOrg(t, db, "acme")
	svc := newConvService(db)

	conv := publicCreate(t, svc, "acme")

	admin := "admin-1"
	got, err := svc.UpdateAssignment(context.Background(), "acme", conv.ID, &admin)
	if err != nil {
		t.Fatalf("UpdateAssignment set: %v", err)
	}
	if got.Status != domain.StatusAssigned || got.AssignedToID == nil || *got.AssignedToID != admin {
		t.Fatalf("expected assigned to admin-1, got %+v", got)
	}

	got, err = svc.UpdateAssignment(context.Background(), "acme", conv.ID, nil)
	if err != nil {
		t.Fatalf("UpdateAssignment clear: %v", err)
	}
	if got.AssignedToID != nil {
		t.Fatalf("expected cleared assignment, got %v", got.AssignedToID)
	}

	reloaded, _, err := svc.StaffGet(context.Background(), "acme", conv.ID)
	if err != nil {
		t.Fatalf("StaffGet: %v", err)
	}
	if reloaded.AssignedToID != nil {
		t.Fatalf("clear not persisted, got %v", reloaded.AssignedToID)
	}
}

func TestStaffList_FiltersAndPaginates(t *testing.T) {
	db := newTestDB(t)
	seedOrg(t, db, "acme")
	svc := newConvService(db)

	a := publicCreate(t, svc, "acme")
	publicCreate(t, svc, "acme")
	if _, err := svc.UpdateStatus(context.Background(), "acme", a.ID, domain.StatusResolved, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	all, total, err := svc.StaffList(context.Background(), "acme", "", 1, 20)
	if err != nil {
		t.Fatalf("StaffList: %v", err)
	}
	if total != 2 || len(all) != 2 {
		t.Fatalf("expected 2 conversations, got total=%d len=%d", total, len(all))
	}

	resolved, total, err := svc.StaffList(context.Background(), "acme", domain.StatusResolved, 1, 20)
	if err != nil {
		t.Fatalf("StaffList resolved: %v", err)
	}
	if total != 1 || len(resolved) != 1 || resolved[0].ID != a.ID {
		t.Fatalf("status filter failed: total=%d len=%d", total, len(resolved))
	}

	if _, _, err := svc.StaffList(context.Background(), "acme", "bogus", 1, 20); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestDelete_CascadesMessages(t *testing.T) {
	db := newTestDB(t)
	seedOrg(t, db, "acme")
	svc := newConvService(db)

	conv := publicCreate(t, svc, "acme")
	if err := svc.Delete(context.Background(), "acme", conv.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, _, err := svc.StaffGet(context.Background(), "acme", conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	var n int64
	if err := db.Model(&domain.Message{}).Where("conversation_id = ?", conv.ID).Count(&n).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected cascade delete of messages, %d left", n)
	}
}

func TestConversation_OrgScoping(t *testing.T) {
	db := newTestDB(t)
	seedOrg(t, db, "acme")
	seedOrg(t, db, "globex")
	svc := newConvService(db)

	conv := publicCreate(t, svc, "acme")

	if _, _, err := svc.StaffGet(context.Background(), "globex", conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("cross-org read must 404, got %v", err)
	}
	if _, err := svc.StaffSend(context.Background(), "globex", "admin-1", conv.ID, StaffMessageInput{Body: "hi"}); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("cross-org write must 404, got %v", err)
	}
}

func TestEvents_PublishedOnBothChannels(t *testing.T) {
	db := newTestDB(t)
	org := seedOrg(t, db, "acme")

	broker := bus.NewLocalBroker()
	defer broker.Close()
	b := bus.New(broker, zerolog.Nop())
	defer b.Close()

	svc := NewConversationService(db, NewIdentityService(db), b, nil, 0)

	inbox := make(chan bus.Event, 8)
	inboxSub, err := b.Subscribe(bus.OrgInboxChannel(org.ID), func(ev bus.Event) { inbox <- ev })
	if err != nil {
		t.Fatalf("subscribe inbox: %v", err)
	}
	defer inboxSub.Close()

	conv := publicCreate(t, svc, "acme")

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-inbox:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	if !seen[bus.EventConversationCreated] || !seen[bus.EventMessageCreated] {
		t.Fatalf("expected created events, saw %v", seen)
	}

	// Internal notes must stay off the per-conversation channel.
	convCh := make(chan bus.Event, 8)
	convSub, err := b.Subscribe(bus.ConversationChannel(conv.ID), func(ev bus.Event) { convCh <- ev })
	if err != nil {
		t.Fatalf("subscribe conversation: %v", err)
	}
	defer convSub.Close()

	if _, err := svc.StaffSend(context.Background(), "acme", "admin-1", conv.ID, StaffMessageInput{Body: "internal", IsInternal: true}); err != nil {
		t.Fatalf("StaffSend internal: %v", err)
	}

	for {
		select {
		case ev := <-convCh:
			if ev.Type == bus.EventMessageCreated {
				t.Fatalf("internal note leaked to conversation channel: %+v", ev)
			}
			// conversation.updated from the auto-assign is fine
		case <-time.After(300 * time.Millisecond):
			return
		}
	}
}
