package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"watchsync/internal/logging"
)

func RequestLogger(log *logging.Logger) gin.HandlerFunc {
	zl := log.Zerolog()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		evt := zl.Info()
		switch {
		case status >= 500:
			evt = zl.Error()
		case status >= 400:
			evt = zl.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("user", IdentityFromContext(c).ID).
			Msg("request")
	}
}
