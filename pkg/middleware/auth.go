package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"whiteboard-collab/pkg/auth"
	tracecontext "whiteboard-collab/pkg/context"
	"whiteboard-collab/pkg/httpx"
	"whiteboard-collab/pkg/logger"
	"whiteboard-collab/pkg/metrics"
)

const identityKey = "collab.identity"

// RequireToken 查询接口的令牌校验，令牌来源与 WebSocket 握手一致
func RequireToken(gate *auth.Gate, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := auth.ExtractToken(c.Request)
		if token == "" {
			metrics.AuthFailures.WithLabelValues(auth.CodeTokenMissing).Inc()
			httpx.Error(c, http.StatusUnauthorized, auth.CodeTokenMissing, "missing access token")
			return
		}

		id, err := gate.Verify(token)
		if err != nil {
			code := auth.CodeOf(err)
			metrics.AuthFailures.WithLabelValues(code).Inc()
			log.Debug(c.Request.Context(), "Rejected query token",
				logger.F("path", c.FullPath()),
				logger.F("code", code))
			httpx.Error(c, http.StatusUnauthorized, code, "invalid access token")
			return
		}

		c.Set(identityKey, id)
		c.Request = c.Request.WithContext(tracecontext.WithUserID(c.Request.Context(), id.UserID))
		c.Next()
	}
}

// IdentityFrom 取出 RequireToken 校验过的身份
func IdentityFrom(c *gin.Context) (*auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(*auth.Identity)
	return id, ok
}
