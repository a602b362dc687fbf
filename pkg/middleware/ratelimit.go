package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"whiteboard-collab/pkg/httpx"
	"whiteboard-collab/pkg/metrics"
	"whiteboard-collab/pkg/ratelimit"
)

// CodeRateLimited 查询接口超限的错误码
const CodeRateLimited = "RATE_LIMITED"

// RateLimit 按身份（无身份时按客户端地址）对查询接口限流
func RateLimit(limiter *ratelimit.Limiter, operation string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var userID string
		if id, ok := IdentityFrom(c); ok {
			userID = id.UserID
		}
		res := limiter.Check(userID, operation, c.ClientIP())
		if !res.Allowed {
			metrics.RateLimited.WithLabelValues(operation).Inc()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			httpx.Error(c, http.StatusTooManyRequests, CodeRateLimited, "too many requests")
			return
		}
		c.Next()
	}
}
