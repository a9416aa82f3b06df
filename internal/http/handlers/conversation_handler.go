// Staff conversation HTTP handlers.
//
// This file exposes the authenticated, org-scoped REST endpoints used by the
// helpdesk inbox:
//   - GET    /orgs/{org}/conversations                (paginated list, ETag)
//   - GET    /orgs/{org}/conversations/{id}           (detail with all messages)
//   - POST   /orgs/{org}/conversations/{id}/messages  (staff reply or internal note)
//   - PATCH  /orgs/{org}/conversations/{id}/status
//   - PATCH  /orgs/{org}/conversations/{id}/assignment
//   - DELETE /orgs/{org}/conversations/{id}
//
// Handlers are transport-thin:
//   - validate & normalize inputs
//   - delegate to application services (ConversationService)
//   - map service sentinels to stable error envelopes
//
// The acting staff member's id is taken from upstream auth middleware; the
// handlers trust it without re-verifying.
package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loopdesk/go-helpdesk-backend/internal/bus"
	"github.com/loopdesk/go-helpdesk-backend/internal/domain"
	"github.com/loopdesk/go-helpdesk-backend/internal/services"
	"github.com/loopdesk/go-helpdesk-backend/internal/sysutil"
	"github.com/loopdesk/go-helpdesk-backend/internal/utils"
)

//
// Wiring
//

// Handlers groups the HTTP endpoints for public and staff conversation
// access. It depends on the conversation service for all business logic and
// on the bus for the streaming endpoints.
type Handlers struct {
	convSvc *services.ConversationService
	bus     *bus.Bus

	// Heartbeat is the SSE keep-alive comment interval.
	Heartbeat time.Duration
	// IdempotencyTTL bounds how long recorded public POST results replay.
	IdempotencyTTL time.Duration
}

// New constructs a Handlers instance bound to the given collaborators.
func New(convSvc *services.ConversationService, b *bus.Bus) *Handlers {
	return &Handlers{
		convSvc:        convSvc,
		bus:            b,
		Heartbeat:      30 * time.Second,
		IdempotencyTTL: 24 * time.Hour,
	}
}

// adminID extracts the authenticated staff id from Gin context (set by
// upstream auth middleware). If absent, it falls back to the "X-Admin-ID"
// header (tests use it), and finally to "demo-admin". It never touches
// c.Request if it's nil.
func adminID(c *gin.Context) string {
	var fromCtx, fromHeader string
	if v, ok := c.Get("adminID"); ok {
		fromCtx, _ = v.(string)
	}
	if c != nil && c.Request != nil {
		fromHeader = c.GetHeader("X-Admin-ID")
	}
	return sysutil.FirstNonEmpty(fromCtx, fromHeader, "demo-admin")
}

//
// DTOs
//

// Pagination describes the page window returned by list endpoints.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ConversationResponse wraps a single conversation.
type ConversationResponse struct {
	Data *domain.Conversation `json:"data"`
}

// ConversationDetail is a conversation flattened together with its messages.
type ConversationDetail struct {
	domain.Conversation
	Messages []domain.Message `json:"messages"`
}

// ConversationDetailResponse wraps a conversation detail payload.
type ConversationDetailResponse struct {
	Data ConversationDetail `json:"data"`
}

// MessageResponse wraps a single message.
type MessageResponse struct {
	Data *domain.Message `json:"data"`
}

// ListConversationsResponse contains a page of conversations and pagination
// metadata.
type ListConversationsResponse struct {
	Data       []domain.Conversation `json:"data"`
	Pagination Pagination            `json:"pagination"`
}

// StaffMessageRequest is the JSON payload for a staff message.
type StaffMessageRequest struct {
	// Body is the message text. It must be non-empty.
	Body string `json:"body" binding:"required,min=1" example:"Thanks for reaching out, looking into it now."`
	// IsInternal marks the message as a staff-only note.
	IsInternal bool `json:"is_internal" example:"false"`
	// Attachments carries opaque storage keys plus display metadata.
	Attachments []domain.Attachment `json:"attachments"`
}

// UpdateStatusRequest is the JSON payload for a status update.
type UpdateStatusRequest struct {
	// Status is one of open, assigned, resolved, closed.
	Status string `json:"status" binding:"required" example:"resolved"`
	// AssignedToID optionally sets the assignee in the same update.
	AssignedToID *string `json:"assigned_to_id" example:"adm_9f2c"`
}

// UpdateAssignmentRequest is the JSON payload for an assignment update.
// A null or empty assigned_to_id clears the assignment.
type UpdateAssignmentRequest struct {
	AssignedToID *string `json:"assigned_to_id" example:"adm_9f2c"`
}

//
// Helpers
//

// clampPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.ClampPage(utils.AtoiDefault(c.Query("page"), defaultPage))
	pageSize = utils.ClampPageSize(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), maxPageSize)
	return
}

// requireConversationID validates the :id path parameter shape.
func requireConversationID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return "", false
	}
	return id, true
}

// failService maps service sentinels onto the error envelope, using the given
// code for unexpected failures.
func failService(c *gin.Context, err error, internalCode string) {
	switch err {
	case services.ErrOrgNotFound:
		fail(c, http.StatusNotFound, ErrCodeNotFound, "organization not found")
	case services.ErrConversationNotFound:
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	case services.ErrEmptyBody:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body required")
	case services.ErrTooLong:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body too long")
	case services.ErrInvalidStatus:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid status")
	case services.ErrInvalidChannel:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid channel")
	default:
		fail(c, http.StatusInternalServerError, internalCode, err.Error())
	}
}

//
// Handlers
//

// ListConversations godoc
// @ID          listConversations
// @Summary     List conversations
// @Description Returns a paginated, newest-activity-first page of the organization's conversations, optionally filtered by status. Supports conditional requests via a weak ETag.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-Admin-ID header string true  "Acting staff member"            example(adm_9f2c)
// @Param       org        path   string true  "Organization slug or id"        example(acme)
// @Param       status     query  string false "Status filter"                  Enums(open, assigned, resolved, closed)
// @Param       page       query  int    false "Page number"                    minimum(1) default(1)
// @Param       page_size  query  int    false "Items per page"                 minimum(1) maximum(100) default(20)
//
// @Success     200 {object} handlers.ListConversationsResponse
// @Success     304 {string} string "Not modified"
// @Failure     400 {object} handlers.ErrorResponse "Bad request"
// @Failure     404 {object} handlers.ErrorResponse "Organization not found"
// @Failure     500 {object} handlers.ErrorResponse "Internal error"
// @Router      /orgs/{org}/conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	orgRef := c.Param("org")

	// ETag pre-check (best effort).
	if count, maxTS, err := h.convSvc.Stats(ctx, orgRef); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.Unix()
		}
		etag := fmt.Sprintf(`W/"conversations:%s:%d:%d"`, orgRef, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	page, pageSize := clampPagination(c)
	items, total, err := h.convSvc.StaffList(ctx, orgRef, c.Query("status"), page, pageSize)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListConversationsResponse{
		Data: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetConversation godoc
// @ID          getConversation
// @Summary     Get a conversation
// @Description Returns the conversation with all its messages, internal notes included.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-Admin-ID header string true "Acting staff member"     example(adm_9f2c)
// @Param       org        path   string true "Organization slug or id" example(acme)
// @Param       id         path   string true "Conversation ID (UUID)"  format(uuid)
//
// @Success     200 {object} handlers.ConversationDetailResponse
// @Failure     400 {object} handlers.ErrorResponse "Bad request"
// @Failure     404 {object} handlers.ErrorResponse "Not found"
// @Failure     500 {object} handlers.ErrorResponse "Internal error"
// @Router      /orgs/{org}/conversations/{id} [get]
func (h *Handlers) GetConversation(c *gin.Context) {
	id, okID := requireConversationID(c)
	if !okID {
		return
	}

	conv, msgs, err := h.convSvc.StaffGet(c.Request.Context(), c.Param("org"), id)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, ConversationDetailResponse{
		Data: ConversationDetail{Conversation: *conv, Messages: msgs},
	})
}

// PostStaffMessage godoc
// @ID          postStaffMessage
// @Summary     Send a staff message
// @Description Appends a staff message (or internal note) to the conversation. Auto-assigns the sender when the thread is unassigned and promotes open threads to assigned.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-Admin-ID header string true "Acting staff member"          example(adm_9f2c)
// @Param       org        path   string true "Organization slug or id"      example(acme)
// @Param       id         path   string true "Conversation ID (UUID)"       format(uuid)
// @Param       body       body   handlers.StaffMessageRequest true "Message payload"
//
// @Success     201 {object} handlers.MessageResponse
// @Failure     400 {object} handlers.ErrorResponse "Bad request"
// @Failure     404 {object} handlers.ErrorResponse "Not found"
// @Failure     500 {object} handlers.ErrorResponse "Internal error"
// @Router      /orgs/{org}/conversations/{id}/messages [post]
func (h *Handlers) PostStaffMessage(c *gin.Context) {
	id, okID := requireConversationID(c)
	if !okID {
		return
	}

	var req StaffMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body required")
		return
	}

	msg, err := h.convSvc.StaffSend(c.Request.Context(), c.Param("org"), adminID(c), id, services.StaffMessageInput{
		Body:        req.Body,
		IsInternal:  req.IsInternal,
		Attachments: req.Attachments,
	})
	if err != nil {
		failService(c, err, ErrCodeSendFailed)
		return
	}
	ok(c, http.StatusCreated, MessageResponse{Data: msg})
}

// UpdateStatus godoc
// @ID          updateConversationStatus
// @Summary     Update conversation status
// @Description Sets the conversation status directly. Supplying an assignee while the thread is open promotes it to assigned.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-Admin-ID header string true "Acting staff member"          example(adm_9f2c)
// @Param       org        path   string true "Organization slug or id"      example(acme)
// @Param       id         path   string true "Conversation ID (UUID)"       format(uuid)
// @Param       body       body   handlers.UpdateStatusRequest true "Status payload"
//
// @Success     200 {object} handlers.ConversationResponse
// @Failure     400 {object} handlers.ErrorResponse "Bad request"
// @Failure     404 {object} handlers.ErrorResponse "Not found"
// @Failure     500 {object} handlers.ErrorResponse "Internal error"
// @Router      /orgs/{org}/conversations/{id}/status [patch]
func (h *Handlers) UpdateStatus(c *gin.Context) {
	id, okID := requireConversationID(c)
	if !okID {
		return
	}

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status required")
		return
	}

	conv, err := h.convSvc.UpdateStatus(c.Request.Context(), c.Param("org"), id, req.Status, req.AssignedToID)
	if err != nil {
		failService(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, ConversationResponse{Data: conv})
}

// UpdateAssignment godoc
// @ID          updateConversationAssignment
// @Summary     Update conversation assignment
// @Description Sets or clears the assignee. Assigning an open thread promotes it to assigned.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-Admin-ID header string true "Acting staff member"              example(adm_9f2c)
// @Param       org        path   string true "Organization slug or id"          example(acme)
// @Param       id         path   string true "Conversation ID (UUID)"           format(uuid)
// @Param       body       body   handlers.UpdateAssignmentRequest true "Assignment payload"
//
// @Success     200 {object} handlers.ConversationResponse
// @Failure     400 {object} handlers.ErrorResponse "Bad request"
// @Failure     404 {object} handlers.ErrorResponse "Not found"
// @Failure     500 {object} handlers.ErrorResponse "Internal error"
// @Router      /orgs/{org}/conversations/{id}/assignment [patch]
func (h *Handlers) UpdateAssignment(c *gin.Context) {
	id, okID := requireConversationID(c)
	if !okID {
		return
	}

	var req UpdateAssignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload")
		return
	}

	conv, err := h.convSvc.UpdateAssignment(c.Request.Context(), c.Param("org"), id, req.AssignedToID)
	if err != nil {
		failService(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, ConversationResponse{Data: conv})
}

// DeleteConversation godoc
// @ID          deleteConversation
// @Summary     Delete a conversation
// @Description Hard-deletes the conversation and all its messages. Irreversible.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-Admin-ID header string true "Acting staff member"     example(adm_9f2c)
// @Param       org        path   string true "Organization slug or id" example(acme)
// @Param       id         path   string true "Conversation ID (UUID)"  format(uuid)
//
// @Success     204 {string} string "Deleted"
// @Failure     400 {object} handlers.ErrorResponse "Bad request"
// @Failure     404 {object} handlers.ErrorResponse "Not found"
// @Failure     500 {object} handlers.ErrorResponse "Internal error"
// @Router      /orgs/{org}/conversations/{id} [delete]
func (h *Handlers) DeleteConversation(c *gin.Context) {
	id, okID := requireConversationID(c)
	if !okID {
		return
	}

	if err := h.convSvc.Delete(c.Request.Context(), c.Param("org"), id); err != nil {
		failService(c, err, ErrCodeDeleteFailed)
		return
	}
	noContent(c)
}
