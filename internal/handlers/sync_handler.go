package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"watchsync/internal/fanout"
	"watchsync/internal/logging"
	"watchsync/internal/middleware"
	"watchsync/internal/models"
	"watchsync/internal/repos"
	"watchsync/internal/services"
)

type SyncHandler struct {
	svc *services.SyncService
	hub *fanout.Hub
	log *logging.Logger
}

func NewSyncHandler(svc *services.SyncService, hub *fanout.Hub, log *logging.Logger) *SyncHandler {
	if log == nil {
		log = logging.Nop()
	}
	return &SyncHandler{svc: svc, hub: hub, log: log}
}

// ConflictBody is the 409 payload. ServerVersion.UpdatedAt is the basis a forced
// resubmission should carry.
type ConflictBody struct {
	Error           string            `json:"error"`
	Kind            models.RecordKind `json:"kind"`
	RecordKey       models.RecordKey  `json:"record_key"`
	Proposed        models.Value      `json:"proposed"`
	ClientUpdatedAt int64             `json:"client_updated_at"`
	ServerVersion   models.Record     `json:"server_version"`
}

func (h *SyncHandler) Snapshot(c *gin.Context) {
	snap, err := h.svc.Snapshot(c.Request.Context(), middleware.IdentityFromContext(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *SyncHandler) SetFavorite(c *gin.Context) {
	var body services.FavoriteInput
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	res, err := h.svc.SetFavorite(c.Request.Context(), middleware.IdentityFromContext(c), body)
	h.respond(c, res, err)
}

func (h *SyncHandler) SetStatus(c *gin.Context) {
	var body services.StatusInput
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	res, err := h.svc.SetStatus(c.Request.Context(), middleware.IdentityFromContext(c), body)
	h.respond(c, res, err)
}

func (h *SyncHandler) SetEpisodeReview(c *gin.Context) {
	var body services.EpisodeReviewInput
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	res, err := h.svc.SetEpisodeReview(c.Request.Context(), middleware.IdentityFromContext(c), body)
	h.respond(c, res, err)
}

// Sessions reports how many live event sessions a user has. Admins may ask about
// any user through ?user_id=.
func (h *SyncHandler) Sessions(c *gin.Context) {
	id := middleware.IdentityFromContext(c)
	userID := id.ID
	if q := strings.TrimSpace(c.Query("user_id")); q != "" && q != id.ID {
		if !id.Admin {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		userID = q
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "sessions": h.hub.Count(userID)})
}

func (h *SyncHandler) respond(c *gin.Context, res services.MutationResult, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *SyncHandler) writeError(c *gin.Context, err error) {
	var conflict *services.ConflictError
	switch {
	case errors.As(err, &conflict):
		cf := conflict.Conflict
		c.JSON(http.StatusConflict, ConflictBody{
			Error:           "conflict",
			Kind:            cf.Kind,
			RecordKey:       cf.Key,
			Proposed:        cf.Proposed,
			ClientUpdatedAt: cf.ClientUpdatedAt,
			ServerVersion:   cf.ServerVersion,
		})
	case errors.Is(err, services.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, repos.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		h.log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
