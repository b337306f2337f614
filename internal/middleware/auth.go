package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"watchsync/internal/config"
	"watchsync/internal/models"
)

const identityKey = "identity"

// Headers set by the upstream gateway that authenticated the user.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
	HeaderUserRole = "X-User-Role"
	HeaderBanned   = "X-User-Banned"
	HeaderDeviceID = "X-Device-ID"
)

func IdentityFromContext(c *gin.Context) models.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(models.Identity); ok {
			return id
		}
	}
	return models.Identity{}
}

// Auth checks the shared bearer token when one is configured and resolves the caller's
// identity from gateway headers. Without a token every request is the "default" user
// unless it names one.
func Auth(cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(cfg.AuthToken)
		enforceExplicitUser := token != ""
		if token != "" && bearer(c) != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id := models.Identity{
			ID:       strings.TrimSpace(c.GetHeader(HeaderUserID)),
			Username: strings.TrimSpace(c.GetHeader(HeaderUserName)),
			Admin:    strings.EqualFold(strings.TrimSpace(c.GetHeader(HeaderUserRole)), "admin"),
		}
		if banned, err := strconv.ParseBool(strings.TrimSpace(c.GetHeader(HeaderBanned))); err == nil {
			id.Banned = banned
		}
		if id.ID == "" {
			if enforceExplicitUser {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "x-user-id required"})
				return
			}
			id.ID = "default"
		}
		if id.Banned {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// bearer also accepts an access_token query parameter since browsers cannot set
// headers on websocket upgrades.
func bearer(c *gin.Context) string {
	h := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(c.Query("access_token"))
}
