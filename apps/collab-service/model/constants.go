package model

// 客户端 → 服务端事件
const (
	EventJoin             = "whiteboard:join"
	EventLeave            = "whiteboard:leave"
	EventCanvasChange     = "whiteboard:canvas_change"
	EventPresence         = "whiteboard:presence"
	EventHeartbeat        = "whiteboard:heartbeat"
	EventCursorMove       = "whiteboard:cursor_move"
	EventSelectionChanged = "whiteboard:selection_changed"
	EventResolveConflict  = "whiteboard:resolve_conflict"
	EventRequestSync      = "whiteboard:request_sync"
	EventSyncResponse     = "whiteboard:sync_response"
	EventRefreshToken     = "whiteboard:refresh_token"
)

// 服务端 → 客户端事件
const (
	EventSessionStarted     = "whiteboard:session_started"
	EventUserJoined         = "whiteboard:user_joined"
	EventUserLeft           = "whiteboard:user_left"
	EventCanvasAck          = "whiteboard:canvas_ack"
	EventPresenceUpdated    = "whiteboard:presence_updated"
	EventHeartbeatAck       = "whiteboard:heartbeat_ack"
	EventCursorUpdated      = "whiteboard:cursor_updated"
	EventCursorRemoved      = "whiteboard:cursor_removed"
	EventSelectionUpdated   = "whiteboard:selection_updated"
	EventSelectionConflicts = "whiteboard:selection_conflicts"
	EventConflictResolved   = "whiteboard:conflict_resolved"
	EventSyncRequested      = "whiteboard:sync_requested"
	EventTokenRefreshed     = "whiteboard:token_refreshed"
	EventError              = "whiteboard:error"
	EventServerShutdown     = "server:shutdown"
)

// RateLimitedEvent 限流提示事件名，如 whiteboard:cursor_move_rate_limited
func RateLimitedEvent(operation string) string {
	return "whiteboard:" + operation + "_rate_limited"
}

// 限流操作名
const (
	OpJoin            = "join"
	OpCanvasChange    = "canvas_change"
	OpCursorMove      = "cursor_move"
	OpPresence        = "presence"
	OpSelection       = "selection"
	OpResolveConflict = "resolve_conflict"
	OpRequestSync     = "request_sync"
	OpSyncResponse    = "sync_response"
	OpHeartbeat       = "heartbeat"
)

// 断开原因
const (
	ReasonClientLeave      = "CLIENT_LEAVE"
	ReasonTransportClosed  = "TRANSPORT_CLOSED"
	ReasonMaxAge           = "MAX_AGE"
	ReasonIdleTimeout      = "IDLE_TIMEOUT"
	ReasonErrorThreshold   = "ERROR_THRESHOLD"
	ReasonHeartbeatDead    = "HEARTBEAT_DEAD"
	ReasonHeartbeatError   = "HEARTBEAT_ERROR"
	ReasonForceShutdown    = "FORCE_SHUTDOWN"
	ReasonSwitchWhiteboard = "SWITCH_WHITEBOARD"
	ReasonSessionInactive  = "SESSION_INACTIVE"
	ReasonAuthExpired      = "AUTH_EXPIRED"
	ReasonPresenceOffline  = "PRESENCE_OFFLINE"
)

// 准入拒绝原因
const (
	AdmitGlobalLimit = "GLOBAL_LIMIT_EXCEEDED"
	AdmitUserLimit   = "USER_LIMIT_EXCEEDED"
	AdmitIPLimit     = "IP_LIMIT_EXCEEDED"
	AdmitShutdown    = "SHUTTING_DOWN"
)

// 会话活动类型
const (
	ActivityJoined = "joined"
	ActivityLeft   = "left"
)

// ChannelGroup 白板频道组名
func ChannelGroup(whiteboardID string) string {
	return "whiteboard:" + whiteboardID
}

// PresenceGroup 白板在线状态频道组名
func PresenceGroup(whiteboardID string) string {
	return "whiteboard:" + whiteboardID + ":presence"
}
