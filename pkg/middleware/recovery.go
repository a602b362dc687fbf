package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"whiteboard-collab/pkg/httpx"
	"whiteboard-collab/pkg/logger"
)

// Recovery 错误恢复中间件
func Recovery(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error(c.Request.Context(), "Panic recovered",
			logger.F("panic", recovered),
			logger.F("method", c.Request.Method),
			logger.F("path", c.Request.URL.Path))
		httpx.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	})
}
