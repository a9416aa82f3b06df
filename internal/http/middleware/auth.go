// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the trusted-identity guard for staff endpoints. The
// service sits behind an authenticating gateway that verifies staff sessions
// and forwards the acting staff member's id in the X-Admin-ID header; the
// messaging core trusts that identity without re-verifying it.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAdminID carries the authenticated staff member's id, set by the
// upstream gateway.
const HeaderAdminID = "X-Admin-ID"

// ctxKeyAdminID is the Gin context key under which the staff id is stored.
const ctxKeyAdminID = "adminID"

// AdminIDFrom returns the staff id stashed by StaffAuth. The second return
// value indicates presence.
func AdminIDFrom(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyAdminID)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// StaffAuth rejects requests without a forwarded staff identity and stashes
// the id in the context for handlers, logging, and rate limiting.
func StaffAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderAdminID))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": "staff identity required",
			})
			return
		}
		c.Set(ctxKeyAdminID, id)
		c.Next()
	}
}
