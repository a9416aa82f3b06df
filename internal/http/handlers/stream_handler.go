// SSE streaming handlers.
//
// This file exposes the long-lived streaming endpoints:
//   - GET /public/orgs/{org}/conversations/{id}/stream (per-conversation events)
//   - GET /orgs/{org}/inbox/stream                     (org-wide staff inbox)
//
// The handler sends headers immediately, emits an initial comment to make
// intermediary proxies flush, bridges bus events into `data: <json>` frames,
// and keeps idle connections alive with periodic `: ping` comments. It
// returns only when the client disconnects, at which point the heartbeat
// ticker and the bus subscription are released.
//
// Bus handlers run on a bus-owned goroutine while the response writer lives
// on the request goroutine, so events are bridged through a channel rather
// than written directly from the handler callback.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loopdesk/go-helpdesk-backend/internal/bus"
)

// streamEventBuffer bounds the per-connection bridge between the bus handler
// and the response writer. Events beyond it are dropped for that connection.
const streamEventBuffer = 64

// StreamPublicConversation godoc
// @ID          streamPublicConversation
// @Summary     Stream conversation events
// @Description Server-sent events for one conversation: message.created, conversation.updated, conversation.deleted. Internal staff notes never appear here.
// @Tags        Public
// @Produce     text/event-stream
//
// @Param       org path string true "Organization slug or id" example(acme)
// @Param       id  path string true "Conversation ID (UUID)"  format(uuid)
//
// @Success     200 {string} string "event stream"
// @Failure     400 {object} handlers.ErrorResponse "Bad request"
// @Failure     404 {object} handlers.ErrorResponse "Not found"
// @Router      /public/orgs/{org}/conversations/{id}/stream [get]
func (h *Handlers) StreamPublicConversation(c *gin.Context) {
	id, okID := requireConversationID(c)
	if !okID {
		return
	}

	// 404 before committing to a stream.
	org, err := h.convSvc.ResolveOrg(c.Request.Context(), c.Param("org"))
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	if _, err := h.convSvc.GetForOrg(c.Request.Context(), org.ID, id); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}

	h.stream(c, bus.ConversationChannel(id))
}

// StreamStaffInbox godoc
// @ID          streamStaffInbox
// @Summary     Stream the organization inbox
// @Description Server-sent events for every conversation in the organization, internal notes included.
// @Tags        Conversations
// @Produce     text/event-stream
//
// @Param       X-Admin-ID header string true "Acting staff member"     example(adm_9f2c)
// @Param       org        path   string true "Organization slug or id" example(acme)
//
// @Success     200 {string} string "event stream"
// @Failure     404 {object} handlers.ErrorResponse "Organization not found"
// @Router      /orgs/{org}/inbox/stream [get]
func (h *Handlers) StreamStaffInbox(c *gin.Context) {
	org, err := h.convSvc.ResolveOrg(c.Request.Context(), c.Param("org"))
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}

	h.stream(c, bus.OrgInboxChannel(org.ID))
}

// stream runs the SSE loop for one channel until the client disconnects.
func (h *Handlers) stream(c *gin.Context, channel string) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Tell nginx-style proxies not to buffer the stream.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	events := make(chan bus.Event, streamEventBuffer)
	sub, err := h.bus.Subscribe(channel, func(ev bus.Event) {
		select {
		case events <- ev:
		default:
			// Slow client; drop rather than stall the bus.
		}
	})
	if err != nil {
		// Headers are already sent; all we can do is end the stream.
		return
	}
	defer sub.Close()

	// Initial comment forces intermediaries to flush the headers.
	fmt.Fprint(w, ": connected\n\n")
	w.Flush()

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			w.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			w.Flush()
		}
	}
}
