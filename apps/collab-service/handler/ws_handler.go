package handler

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"whiteboard-collab/apps/collab-service/connection"
	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/apps/collab-service/service"
	"whiteboard-collab/pkg/auth"
	tracecontext "whiteboard-collab/pkg/context"
	"whiteboard-collab/pkg/httpx"
	"whiteboard-collab/pkg/logger"
	"whiteboard-collab/pkg/metrics"
	"whiteboard-collab/pkg/ratelimit"
)

// WSPath WebSocket 接入路径
const WSPath = "/api/v1/whiteboard/ws"

// WSConfig WebSocket 处理参数。FrameRate 是每连接每秒帧数上限，先于按操作的限流生效，<=0 不限
type WSConfig struct {
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	FrameRate       float64
	FrameBurst      int
	WarnDebounce    time.Duration
}

// WSHandler WebSocket协议处理器
type WSHandler struct {
	cfg     WSConfig
	gate    *auth.Gate
	limiter *ratelimit.Limiter
	conns   *connection.Manager
	orch    *service.Orchestrator
	clk     clock.WithTickerAndDelayedExecution
	log     logger.Logger
}

// NewWSHandler 创建WebSocket处理器
func NewWSHandler(cfg WSConfig, gate *auth.Gate, limiter *ratelimit.Limiter, conns *connection.Manager, orch *service.Orchestrator, clk clock.WithTickerAndDelayedExecution, log logger.Logger) *WSHandler {
	return &WSHandler{
		cfg:     cfg,
		gate:    gate,
		limiter: limiter,
		conns:   conns,
		orch:    orch,
		clk:     clk,
		log:     log,
	}
}

// client 单个连接的读循环状态，只在读协程内访问
type client struct {
	conn   *connection.ManagedConnection
	frames *rate.Limiter
	warned map[string]time.Time
}

func (h *WSHandler) newClient(conn *connection.ManagedConnection) *client {
	limit := rate.Inf
	if h.cfg.FrameRate > 0 {
		limit = rate.Limit(h.cfg.FrameRate)
	}
	burst := h.cfg.FrameBurst
	if burst <= 0 {
		burst = 1
	}
	return &client{
		conn:   conn,
		frames: rate.NewLimiter(limit, burst),
		warned: make(map[string]time.Time),
	}
}

// HandleUpgrade 握手：限流、鉴权通过后才升级，升级后准入、挂载会话清理，进入读循环
func (h *WSHandler) HandleUpgrade(c *gin.Context, upgrader *websocket.Upgrader) {
	ctx := c.Request.Context()
	addr := c.ClientIP()

	if res := h.limiter.CheckHandshake(addr); !res.Allowed {
		metrics.RateLimited.WithLabelValues(ratelimit.HandshakeOperation).Inc()
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
		httpx.Error(c, http.StatusTooManyRequests, model.CodeRateLimited, "too many connection attempts")
		return
	}

	token, source := auth.ExtractToken(c.Request)
	identity, err := h.gate.Verify(token)
	if err != nil {
		code := auth.CodeOf(err)
		metrics.AuthFailures.WithLabelValues(code).Inc()
		h.log.Warn(ctx, "WebSocket handshake rejected",
			logger.F("remote_addr", addr), logger.F("source", source), logger.F("code", code))
		httpx.Error(c, http.StatusUnauthorized, code, "authentication failed")
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error(ctx, "WebSocket upgrade failed", logger.F("error", err.Error()))
		return
	}
	if h.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	tr := newWSTransport(ws, addr, h.cfg.WriteTimeout)
	adm := h.conns.Register(tr, uuid.NewString(), identity)
	if !adm.Allowed {
		_ = tr.Close(adm.Reason)
		return
	}
	conn := adm.Connection
	h.orch.Attach(conn)
	h.scheduleExpiry(conn)
	ws.SetPongHandler(func(string) error {
		conn.MarkHeartbeat()
		return nil
	})

	h.log.Info(ctx, "WebSocket connected",
		logger.F("connection_id", conn.ID), logger.F("user_id", identity.UserID), logger.F("source", source))

	// 读循环比握手请求活得久，只继承请求上下文里的值
	connCtx := tracecontext.WithUserID(context.WithoutCancel(ctx), identity.UserID)
	connCtx = tracecontext.WithConnectionID(connCtx, conn.ID)
	h.readLoop(connCtx, ws, h.newClient(conn))
	h.conns.Unregister(conn.ID, model.ReasonTransportClosed)
}

func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, cl *client) {
	for {
		mt, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug(ctx, "WebSocket read failed", logger.F("connection_id", cl.conn.ID), logger.F("error", err.Error()))
			}
			return
		}
		if mt != websocket.TextMessage {
			cl.conn.RecordError()
			h.sendError(ctx, cl.conn, model.InvalidInput(model.CodeInvalidPayload, "only text frames are accepted"))
			continue
		}
		h.handleFrame(ctx, cl, frame)
	}
}

// handleFrame 处理一个上行帧。超过帧速率的直接丢弃
func (h *WSHandler) handleFrame(ctx context.Context, cl *client, frame []byte) {
	cl.conn.Touch(len(frame))
	metrics.MessagesReceived.Inc()
	if !cl.frames.AllowN(h.clk.Now(), 1) {
		cl.conn.RecordError()
		metrics.RateLimited.WithLabelValues("frame").Inc()
		return
	}
	h.dispatch(ctx, cl, frame)
}

// dispatch 解码、限流、新鲜度校验后交给编排器。任何错误都转成 error 事件回给发送方
func (h *WSHandler) dispatch(ctx context.Context, cl *client, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error(ctx, "Event handler panicked",
				logger.F("connection_id", cl.conn.ID),
				logger.F("panic", fmt.Sprint(r)),
				logger.F("stack", string(debug.Stack())))
			h.sendError(ctx, cl.conn, model.NewError(model.KindInternal, model.CodeInternal, "internal error"))
		}
	}()

	ev, err := Decode(frame, h.cfg.MaxMessageBytes)
	if err != nil {
		cl.conn.RecordError()
		h.sendError(ctx, cl.conn, err)
		return
	}

	if op := OperationFor(ev); op != "" {
		res := h.limiter.Check(cl.conn.UserID(), op, cl.conn.RemoteAddr)
		if !res.Allowed {
			metrics.RateLimited.WithLabelValues(op).Inc()
			h.warnRateLimited(cl, op, res)
			return
		}
	}

	if requiresFreshAuth(ev) {
		if err := h.gate.CheckFreshness(cl.conn.Identity()); err != nil {
			code := auth.CodeOf(err)
			metrics.AuthFailures.WithLabelValues(code).Inc()
			h.sendError(ctx, cl.conn, model.WrapError(model.KindAuthFailure, code, "re-authenticate to continue", err))
			return
		}
	}

	if err := h.handle(ctx, cl.conn, ev); err != nil {
		h.sendError(ctx, cl.conn, err)
	}
}

func (h *WSHandler) handle(ctx context.Context, conn *connection.ManagedConnection, ev model.Event) error {
	ctx = h.orch.SessionContext(ctx, conn.ID)
	var err error
	switch e := ev.(type) {
	case model.JoinEvent:
		_, err = h.orch.Join(ctx, conn, e)
	case model.LeaveEvent:
		err = h.orch.Leave(ctx, conn, e)
	case model.CanvasChangeEvent:
		_, err = h.orch.CanvasChange(ctx, conn, e)
	case model.PresenceEvent:
		_, err = h.orch.Presence(ctx, conn, e)
	case model.HeartbeatEvent:
		err = h.orch.Heartbeat(ctx, conn)
	case model.CursorMoveEvent:
		_, err = h.orch.CursorMove(ctx, conn, e)
	case model.SelectionChangedEvent:
		_, err = h.orch.SelectionChanged(ctx, conn, e)
	case model.ResolveConflictEvent:
		_, err = h.orch.ResolveConflict(ctx, conn, e)
	case model.RequestSyncEvent:
		_, err = h.orch.RequestSync(ctx, conn)
	case model.SyncResponseEvent:
		_, err = h.orch.SyncResponse(ctx, conn, e)
	case model.RefreshTokenEvent:
		err = h.refreshToken(ctx, conn, e)
	default:
		err = model.InvalidInput(model.CodeUnknownEvent, "unsupported event %s", ev.Name())
	}
	return err
}

// refreshToken 换新令牌：用户必须一致，过期定时器按新令牌重新挂
func (h *WSHandler) refreshToken(ctx context.Context, conn *connection.ManagedConnection, ev model.RefreshTokenEvent) error {
	id, err := h.gate.Verify(ev.Token)
	if err != nil {
		code := auth.CodeOf(err)
		metrics.AuthFailures.WithLabelValues(code).Inc()
		return model.WrapError(model.KindAuthFailure, code, "token refresh rejected", err)
	}
	if err := conn.SetIdentity(id); err != nil {
		return model.WrapError(model.KindAuthFailure, auth.CodeTokenInvalid, "token belongs to another user", err)
	}
	h.scheduleExpiry(conn)
	h.log.Debug(ctx, "Token refreshed", logger.F("connection_id", conn.ID), logger.F("expires_at", id.ExpiresAt))
	return conn.Send(model.EventTokenRefreshed, model.TokenRefreshed{ExpiresAt: id.ExpiresAt})
}

// scheduleExpiry 令牌到期时断开。到期前已刷新的，旧定时器触发后什么也不做
func (h *WSHandler) scheduleExpiry(conn *connection.ManagedConnection) {
	id := conn.Identity()
	if id == nil || id.ExpiresAt.IsZero() {
		return
	}
	conn.AfterFunc(id.ExpiresAt.Sub(h.clk.Now()), func() {
		h.expire(conn)
	})
}

// expire 当前身份已过期则断开，返回是否断开
func (h *WSHandler) expire(conn *connection.ManagedConnection) bool {
	if cur := conn.Identity(); cur != nil && cur.ExpiresAt.After(h.clk.Now()) {
		return false
	}
	h.log.Info(context.Background(), "Token expired, closing connection",
		logger.F("connection_id", conn.ID), logger.F("user_id", conn.UserID()))
	return h.conns.Unregister(conn.ID, model.ReasonAuthExpired)
}

// warnRateLimited 同一连接同一操作在防抖间隔内只提示一次，其余静默丢弃
func (h *WSHandler) warnRateLimited(cl *client, op string, res ratelimit.Result) {
	now := h.clk.Now()
	if last, ok := cl.warned[op]; ok && now.Sub(last) < h.cfg.WarnDebounce {
		return
	}
	cl.warned[op] = now
	_ = cl.conn.Send(model.RateLimitedEvent(op), model.RateLimitWarning{
		Code:         model.CodeRateLimited,
		RetryAfterMs: res.RetryAfter.Milliseconds(),
		Guidance:     guidance(op),
	})
}

func guidance(op string) string {
	switch op {
	case model.OpCursorMove:
		return "cursor updates are being dropped; throttle pointer events"
	case model.OpCanvasChange:
		return "batch canvas edits before sending"
	case model.OpJoin:
		return "too many join attempts; wait before rejoining"
	case model.OpRequestSync:
		return "wait for the pending sync before requesting another"
	default:
		return "slow down and retry after the indicated delay"
	}
}

func (h *WSHandler) sendError(ctx context.Context, conn *connection.ManagedConnection, err error) {
	payload := model.NewErrorPayload(err)
	if payload.Kind == string(model.KindInternal) {
		h.log.Error(ctx, "Event handling failed", logger.F("connection_id", conn.ID), logger.F("error", err.Error()))
	} else {
		h.log.Debug(ctx, "Event rejected",
			logger.F("connection_id", conn.ID), logger.F("code", payload.Code), logger.F("error", err.Error()))
	}
	if sendErr := conn.Send(model.EventError, payload); sendErr != nil {
		h.log.Debug(ctx, "Failed to send error event", logger.F("connection_id", conn.ID), logger.F("error", sendErr))
	}
}
