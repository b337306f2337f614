package http

import (
	"context"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"watchsync/internal/config"
	"watchsync/internal/handlers"
	"watchsync/internal/logging"
	"watchsync/internal/middleware"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

func NewRouter(cfg config.Config, h *handlers.SyncHandler, db Pinger, log *logging.Logger) *gin.Engine {
	if log == nil {
		log = logging.Nop()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Authorization", "Content-Type",
			middleware.HeaderUserID, middleware.HeaderUserName, middleware.HeaderUserRole,
			middleware.HeaderBanned, middleware.HeaderDeviceID,
		},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		if db != nil {
			if err := db.Ping(c.Request.Context()); err != nil {
				c.JSON(503, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/watchsync/v1")
	v1.Use(middleware.Auth(cfg))
	{
		v1.GET("/snapshot", h.Snapshot)
		v1.POST("/favorites", h.SetFavorite)
		v1.POST("/statuses", h.SetStatus)
		v1.POST("/episode-reviews", h.SetEpisodeReview)
		v1.GET("/events", h.Events)
		v1.GET("/sessions", h.Sessions)
	}
	return r
}
