// Public conversation HTTP handlers.
//
// This file exposes the unauthenticated, widget/portal-facing endpoints:
//   - POST /public/orgs/{org}/conversations               (start a conversation)
//   - GET  /public/orgs/{org}/conversations/{id}          (read, internal notes excluded)
//   - POST /public/orgs/{org}/conversations/{id}/messages (end-user reply)
//
// Identity hints carried in the create payload are resolved server-side; the
// caller never supplies an end-user row directly.
//
// Idempotency:
// If the client supplies an Idempotency-Key header on a reply and a previous
// successful result exists for (conversation, key), the handler returns the
// recorded message and sets `Idempotency-Replayed: true`.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loopdesk/go-helpdesk-backend/internal/http/middleware"
	"github.com/loopdesk/go-helpdesk-backend/internal/repo"
	"github.com/loopdesk/go-helpdesk-backend/internal/services"
)

// CreateConversationRequest is the JSON payload for starting a conversation
// from the widget or portal.
type CreateConversationRequest struct {
	// Body is the first message text. It must be non-empty.
	Body string `json:"body" binding:"required,min=1" example:"Hi, my invoice looks wrong."`
	// Subject optionally titles the thread.
	Subject string `json:"subject" example:"Billing question"`
	// Channel records where the thread originated; defaults to widget.
	Channel string `json:"channel" example:"widget" enums:"widget,portal,email"`
	// PageURL is the page the widget was embedded on.
	PageURL string `json:"page_url" example:"https://app.example.com/billing"`
	// EndUser carries optional identity hints for the contact.
	EndUser services.IdentityInput `json:"end_user"`
}

// PublicMessageRequest is the JSON payload for an end-user reply.
type PublicMessageRequest struct {
	// Body is the message text. It must be non-empty.
	Body string `json:"body" binding:"required,min=1" example:"It still shows the old amount."`
	// PageURL is the page the widget was embedded on.
	PageURL string `json:"page_url" example:"https://app.example.com/billing"`
}

// CreatePublicConversation godoc
// @ID          createPublicConversation
// @Summary     Start a conversation
// @Description Resolves (or lazily creates) the end user behind the request and opens a conversation with its first message.
// @Tags        Public
// @Accept      json
// @Produce     json
//
// @Param       org  path string true "Organization slug or id" example(acme)
// @Param       body body handlers.CreateConversationRequest true "Conversation payload"
//
// @Success     201 {object} handlers.ConversationResponse
// @Failure     400 {object} handlers.ErrorResponse "Bad request"
// @Failure     404 {object} handlers.ErrorResponse "Organization not found"
// @Failure     500 {object} handlers.ErrorResponse "Internal error"
// @Router      /public/orgs/{org}/conversations [post]
func (h *Handlers) CreatePublicConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body required")
		return
	}

	conv, err := h.convSvc.PublicCreate(c.Request.Context(), c.Param("org"), services.PublicConversationInput{
		Body:    req.Body,
		Subject: req.Subject,
		Channel: req.Channel,
		PageURL: req.PageURL,
		EndUser: req.EndUser,
	})
	if err != nil {
		failService(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, ConversationResponse{Data: conv})
}

// GetPublicConversation godoc
// @ID          getPublicConversation
// @Summary     Read a conversation
// @Description Returns the conversation with its end-user-visible messages. Internal staff notes are excluded.
// @Tags        Public
// @Produce     json
//
// @Param       org path string true "Organization slug or id" example(acme)
// @Param       id  path string true "Conversation ID (UUID)"  format(uuid)
//
// @Success     200 {object} handlers.ConversationDetailResponse
// @Failure     400 {object} handlers.ErrorResponse "Bad request"
// @Failure     404 {object} handlers.ErrorResponse "Not found"
// @Failure     500 {object} handlers.ErrorResponse "Internal error"
// @Router      /public/orgs/{org}/conversations/{id} [get]
func (h *Handlers) GetPublicConversation(c *gin.Context) {
	id, okID := requireConversationID(c)
	if !okID {
		return
	}

	conv, msgs, err := h.convSvc.PublicGet(c.Request.Context(), c.Param("org"), id)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, ConversationDetailResponse{
		Data: ConversationDetail{Conversation: *conv, Messages: msgs},
	})
}

// PostPublicMessage godoc
// @ID          postPublicMessage
// @Summary     Reply to a conversation
// @Description Appends an end-user message. Replying to a resolved or closed conversation reopens it.
// @Description Supports idempotency via the Idempotency-Key header (same key → same result).
// @Tags        Public
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key header string false "Idempotency key for safe retries (UUID recommended)" example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       org             path   string true  "Organization slug or id" example(acme)
// @Param       id              path   string true  "Conversation ID (UUID)"  format(uuid)
// @Param       body            body   handlers.PublicMessageRequest true "Message payload"
//
// @Success     200 {object} handlers.MessageResponse "Replayed result"
// @Success     201 {object} handlers.MessageResponse
// @Failure     400 {object} handlers.ErrorResponse "Bad request"
// @Failure     404 {object} handlers.ErrorResponse "Not found"
// @Failure     500 {object} handlers.ErrorResponse "Internal error"
// @Router      /public/orgs/{org}/conversations/{id}/messages [post]
func (h *Handlers) PostPublicMessage(c *gin.Context) {
	ctx := c.Request.Context()
	id, okID := requireConversationID(c)
	if !okID {
		return
	}

	var req PublicMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body required")
		return
	}

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" && h.convSvc.DB != nil {
		if rec, err := repo.GetIdempotencyByConversation(ctx, h.convSvc.DB, id, idemKey, time.Now().UTC()); err == nil && rec != nil {
			if prev, err2 := repo.GetMessage(h.convSvc.DB, rec.MessageID); err2 == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusOK, MessageResponse{Data: prev})
				return
			}
		}
	}

	msg, err := h.convSvc.PublicReply(ctx, c.Param("org"), id, services.PublicMessageInput{
		Body:    req.Body,
		PageURL: req.PageURL,
	})
	if err != nil {
		failService(c, err, ErrCodeSendFailed)
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" && h.convSvc.DB != nil {
		endUserID := ""
		if msg.SenderID != nil {
			endUserID = *msg.SenderID
		}
		_, _ = repo.CreateIdempotency(ctx, h.convSvc.DB, endUserID, id, idemKey, msg.ID, http.StatusCreated, h.IdempotencyTTL)
	}

	ok(c, http.StatusCreated, MessageResponse{Data: msg})
}
