package model

import (
	"encoding/json"
	"time"
)

// 输入上限
const (
	MaxIDLength      = 128
	MaxPayloadBytes  = 256 * 1024
	MaxCoordinate    = 1e7
	MaxReasonLength  = 256
	MaxSnapshotBytes = 4 * 1024 * 1024
)

// Envelope 客户端上行帧
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event 解码后的上行事件
type Event interface {
	Name() string
	Validate() error
}

// JoinEvent .
type JoinEvent struct {
	WhiteboardID string `json:"whiteboardId"`
	WorkspaceID  string `json:"workspaceId"`
}

func (JoinEvent) Name() string { return EventJoin }

func (e JoinEvent) Validate() error {
	if err := requireID("whiteboardId", e.WhiteboardID); err != nil {
		return err
	}
	return requireID("workspaceId", e.WorkspaceID)
}

// LeaveEvent .
type LeaveEvent struct {
	WhiteboardID string `json:"whiteboardId"`
	Reason       string `json:"reason,omitempty"`
}

func (LeaveEvent) Name() string { return EventLeave }

func (e LeaveEvent) Validate() error {
	if err := requireID("whiteboardId", e.WhiteboardID); err != nil {
		return err
	}
	if len(e.Reason) > MaxReasonLength {
		return InvalidInput(CodeOutOfBounds, "reason too long")
	}
	return nil
}

// OperationInput 客户端提交的画布操作
type OperationInput struct {
	ElementID   string          `json:"elementId"`
	ElementType string          `json:"elementType,omitempty"`
	Type        OperationKind   `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// CanvasChangeEvent .
type CanvasChangeEvent struct {
	Operation     *OperationInput `json:"operation"`
	ClientVersion *int64          `json:"clientVersion"`
}

func (CanvasChangeEvent) Name() string { return EventCanvasChange }

func (e CanvasChangeEvent) Validate() error {
	if e.Operation == nil {
		return InvalidInput(CodeMissingField, "operation is required")
	}
	if e.ClientVersion == nil {
		return InvalidInput(CodeMissingField, "clientVersion is required")
	}
	if *e.ClientVersion < 0 {
		return InvalidInput(CodeOutOfBounds, "clientVersion must not be negative")
	}
	if err := requireID("operation.elementId", e.Operation.ElementID); err != nil {
		return err
	}
	if !e.Operation.Type.Valid() {
		return InvalidInput(CodeInvalidPayload, "unknown operation type %q", e.Operation.Type)
	}
	if len(e.Operation.Payload) > MaxPayloadBytes {
		return InvalidInput(CodeOutOfBounds, "operation payload exceeds %d bytes", MaxPayloadBytes)
	}
	return nil
}

// PresenceEvent .
type PresenceEvent struct {
	Status    PresenceStatus `json:"status,omitempty"`
	Cursor    *Position      `json:"cursor,omitempty"`
	Viewport  *Viewport      `json:"viewport,omitempty"`
	Selection []string       `json:"selection,omitempty"`
}

func (PresenceEvent) Name() string { return EventPresence }

func (e PresenceEvent) Validate() error {
	switch e.Status {
	case "", StatusOnline, StatusBusy, StatusAway:
	default:
		return InvalidInput(CodeInvalidPayload, "status %q cannot be set", e.Status)
	}
	if e.Cursor != nil {
		if err := e.Cursor.validate(); err != nil {
			return err
		}
	}
	if e.Viewport != nil && (e.Viewport.Width < 0 || e.Viewport.Height < 0 || e.Viewport.Zoom < 0) {
		return InvalidInput(CodeOutOfBounds, "viewport dimensions must not be negative")
	}
	return nil
}

// HeartbeatEvent .
type HeartbeatEvent struct{}

func (HeartbeatEvent) Name() string { return EventHeartbeat }

func (HeartbeatEvent) Validate() error { return nil }

// CursorMoveEvent .
type CursorMoveEvent struct {
	Position  *Position `json:"position"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

func (CursorMoveEvent) Name() string { return EventCursorMove }

func (e CursorMoveEvent) Validate() error {
	if e.Position == nil {
		return InvalidInput(CodeMissingField, "position is required")
	}
	return e.Position.validate()
}

func (p *Position) validate() error {
	for _, v := range []float64{p.X, p.Y, p.CanvasX, p.CanvasY} {
		if v > MaxCoordinate || v < -MaxCoordinate || v != v {
			return InvalidInput(CodeOutOfBounds, "coordinate out of range")
		}
	}
	return nil
}

// SelectionChangedEvent .
type SelectionChangedEvent struct {
	ElementIDs    []string `json:"elementIds"`
	Bounds        *Bounds  `json:"bounds,omitempty"`
	IsMultiSelect bool     `json:"isMultiSelect"`
}

func (SelectionChangedEvent) Name() string { return EventSelectionChanged }

func (e SelectionChangedEvent) Validate() error {
	if e.ElementIDs == nil {
		return InvalidInput(CodeMissingField, "elementIds is required")
	}
	for _, id := range e.ElementIDs {
		if err := requireID("elementIds[]", id); err != nil {
			return err
		}
	}
	return nil
}

// ResolveConflictEvent .
type ResolveConflictEvent struct {
	ConflictID string             `json:"conflictId"`
	Resolution ConflictResolution `json:"resolution"`
}

func (ResolveConflictEvent) Name() string { return EventResolveConflict }

func (e ResolveConflictEvent) Validate() error {
	if err := requireID("conflictId", e.ConflictID); err != nil {
		return err
	}
	switch e.Resolution {
	case ResolveOwnership, ResolveShared, ResolveCancel:
		return nil
	}
	return InvalidInput(CodeInvalidPayload, "unknown resolution %q", e.Resolution)
}

// RequestSyncEvent .
type RequestSyncEvent struct{}

func (RequestSyncEvent) Name() string { return EventRequestSync }

func (RequestSyncEvent) Validate() error { return nil }

// SyncResponseEvent 应答方回传的快照，服务端只转发
type SyncResponseEvent struct {
	RequestID          string          `json:"requestId"`
	TargetConnectionID string          `json:"targetConnectionId,omitempty"`
	Snapshot           json.RawMessage `json:"snapshot"`
	Version            int64           `json:"version"`
}

func (SyncResponseEvent) Name() string { return EventSyncResponse }

func (e SyncResponseEvent) Validate() error {
	if err := requireID("requestId", e.RequestID); err != nil {
		return err
	}
	if len(e.Snapshot) == 0 {
		return InvalidInput(CodeMissingField, "snapshot is required")
	}
	if len(e.Snapshot) > MaxSnapshotBytes {
		return InvalidInput(CodeOutOfBounds, "snapshot exceeds %d bytes", MaxSnapshotBytes)
	}
	return nil
}

// RefreshTokenEvent .
type RefreshTokenEvent struct {
	Token string `json:"token"`
}

func (RefreshTokenEvent) Name() string { return EventRefreshToken }

func (e RefreshTokenEvent) Validate() error {
	if e.Token == "" {
		return InvalidInput(CodeMissingField, "token is required")
	}
	return nil
}

func requireID(field, v string) error {
	if v == "" {
		return InvalidInput(CodeMissingField, "%s is required", field)
	}
	if len(v) > MaxIDLength {
		return InvalidInput(CodeOutOfBounds, "%s exceeds %d characters", field, MaxIDLength)
	}
	return nil
}

// 下行载荷

// SessionStarted 加入成功
type SessionStarted struct {
	SessionID     string               `json:"sessionId"`
	ConnectionID  string               `json:"connectionId"`
	WhiteboardID  string               `json:"whiteboardId"`
	CanvasVersion int64                `json:"canvasVersion"`
	Presence      []PresenceRecord     `json:"presenceState"`
	Selections    []SelectionHighlight `json:"selections"`
	Conflicts     []Conflict           `json:"conflicts"`
	Cursors       []CursorState        `json:"cursors"`
	Permissions   Permissions          `json:"permissions"`
	Color         string               `json:"color"`
	Rejoined      bool                 `json:"rejoined"`
}

// UserJoined .
type UserJoined struct {
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	Color        string `json:"color"`
	WhiteboardID string `json:"whiteboardId"`
}

// UserLeft .
type UserLeft struct {
	UserID       string `json:"userId"`
	WhiteboardID string `json:"whiteboardId"`
	Reason       string `json:"reason"`
}

// CanvasAck .
type CanvasAck struct {
	OperationID string `json:"operationId"`
	NewVersion  int64  `json:"newVersion"`
	Success     bool   `json:"success"`
	Rebased     bool   `json:"rebased"`
}

// CursorUpdated .
type CursorUpdated struct {
	Cursor   CursorState `json:"cursor"`
	Degraded bool        `json:"degraded"`
}

// CursorRemoved .
type CursorRemoved struct {
	UserID       string `json:"userId"`
	WhiteboardID string `json:"whiteboardId"`
}

// SelectionUpdated .
type SelectionUpdated struct {
	UserID        string   `json:"userId"`
	UserName      string   `json:"userName"`
	Color         string   `json:"color"`
	ElementIDs    []string `json:"elementIds"`
	Bounds        *Bounds  `json:"bounds,omitempty"`
	IsMultiSelect bool     `json:"isMultiSelect"`
}

// SelectionConflicts .
type SelectionConflicts struct {
	Conflicts []Conflict `json:"conflicts"`
}

// ConflictResolved .
type ConflictResolved struct {
	Conflict  Conflict          `json:"conflict"`
	Ownership *ElementOwnership `json:"ownership,omitempty"`
}

// SyncRequested .
type SyncRequested struct {
	RequestID             string `json:"requestId"`
	RequesterID           string `json:"requesterId"`
	RequesterConnectionID string `json:"requesterConnectionId"`
	CurrentVersion        int64  `json:"currentVersion"`
}

// SyncDelivered 转发给请求方的快照
type SyncDelivered struct {
	RequestID   string          `json:"requestId"`
	ResponderID string          `json:"responderId"`
	Snapshot    json.RawMessage `json:"snapshot"`
	Version     int64           `json:"version"`
}

// HeartbeatAck .
type HeartbeatAck struct {
	ServerTime int64 `json:"serverTime"`
}

// ErrorPayload .
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Kind         string `json:"kind"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// RateLimitWarning .
type RateLimitWarning struct {
	Code         string `json:"code"`
	RetryAfterMs int64  `json:"retryAfterMs"`
	Guidance     string `json:"guidance"`
}

// TokenRefreshed .
type TokenRefreshed struct {
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// NewErrorPayload 错误转为下行载荷
func NewErrorPayload(err error) ErrorPayload {
	ce := AsCollabError(err)
	msg := ce.Message
	if ce.Kind == KindInternal {
		msg = "internal error"
	}
	return ErrorPayload{
		Code:         ce.Code,
		Message:      msg,
		Kind:         string(ce.Kind),
		RetryAfterMs: ce.RetryAfter.Milliseconds(),
	}
}
