package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"whiteboard-collab/pkg/auth"
	tracecontext "whiteboard-collab/pkg/context"
	"whiteboard-collab/pkg/httpx"
	"whiteboard-collab/pkg/logger"
	"whiteboard-collab/pkg/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newGate(t *testing.T) (*auth.Gate, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	gate, err := auth.NewGate(auth.Config{
		Secret:      "middleware-secret",
		MaxTokenAge: time.Hour,
		TokenTTL:    time.Hour,
	}, clk)
	require.NoError(t, err)
	return gate, clk
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body httpx.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Code
}

func TestRequireToken(t *testing.T) {
	gate, _ := newGate(t)
	r := gin.New()
	r.GET("/q", RequireToken(gate, logger.NewNop()), func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, id.UserID+"|"+tracecontext.GetUserID(c.Request.Context()))
	})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/q", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, auth.CodeTokenMissing, errorCode(t, w))

	req := httptest.NewRequest(http.MethodGet, "/q", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = serve(r, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, auth.CodeTokenInvalid, errorCode(t, w))

	tok, err := gate.GenerateToken(auth.Identity{UserID: "u1"})
	require.NoError(t, err)
	w = serve(r, httptest.NewRequest(http.MethodGet, "/q?token="+tok, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1|u1", w.Body.String())
}

func TestRateLimitByClientAddress(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		DefaultRule: ratelimit.Rule{Limit: 2, Window: time.Minute, BlockDuration: 90 * time.Second},
	}, clk)
	r := gin.New()
	r.GET("/q", RateLimit(limiter, "http_query"), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusNoContent, serve(r, httptest.NewRequest(http.MethodGet, "/q", nil)).Code)
	}
	w := serve(r, httptest.NewRequest(http.MethodGet, "/q", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "90", w.Header().Get("Retry-After"))
	assert.Equal(t, CodeRateLimited, errorCode(t, w))

	clk.Step(91 * time.Second)
	assert.Equal(t, http.StatusNoContent, serve(r, httptest.NewRequest(http.MethodGet, "/q", nil)).Code)
}

func TestRecoveryWritesErrorBody(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(logger.NewNop()))
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, w))
}

func TestOTelMiddlewarePropagatesTraceID(t *testing.T) {
	m := NewOTelMiddleware("collab-test", "/health")
	r := gin.New()
	r.Use(m.GinMiddleware()...)
	r.GET("/api/:id", func(c *gin.Context) {
		ctx := c.Request.Context()
		assert.NotEmpty(t, tracecontext.GetRequestID(ctx))
		assert.Equal(t, "collab-test", tracecontext.GetServiceName(ctx))
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/wb-1", nil)
	req.Header.Set(HeaderTraceID, "trace-123")
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trace-123", w.Header().Get(HeaderTraceID))
}
