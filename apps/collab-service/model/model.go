package model

import (
	"encoding/json"
	"time"
)

// Permissions 白板权限
type Permissions struct {
	CanEdit    bool `json:"canEdit"`
	CanComment bool `json:"canComment"`
	CanManage  bool `json:"canManage"`
}

// WhiteboardSession 连接在某块白板上的会话
type WhiteboardSession struct {
	SessionID    string      `json:"sessionId"`
	ConnectionID string      `json:"connectionId"`
	UserID       string      `json:"userId"`
	UserName     string      `json:"userName"`
	Email        string      `json:"email,omitempty"`
	TenantID     string      `json:"tenantId,omitempty"`
	WhiteboardID string      `json:"whiteboardId"`
	WorkspaceID  string      `json:"workspaceId"`
	Color        string      `json:"color"`
	Permissions  Permissions `json:"permissions"`
	JoinedAt     time.Time   `json:"joinedAt"`
	LastActivity time.Time   `json:"lastActivity"`
}

// Position 光标位置，屏幕坐标与画布坐标
type Position struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	CanvasX float64 `json:"canvasX"`
	CanvasY float64 `json:"canvasY"`
}

// Viewport 视口
type Viewport struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Zoom   float64 `json:"zoom"`
}

// Bounds 选区包围盒
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// PresenceStatus 在线状态
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusIdle    PresenceStatus = "idle"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// PresenceRecord 用户在白板上的在线记录
type PresenceRecord struct {
	UserID        string         `json:"userId"`
	WhiteboardID  string         `json:"whiteboardId"`
	UserName      string         `json:"userName"`
	Email         string         `json:"email,omitempty"`
	Color         string         `json:"color"`
	Status        PresenceStatus `json:"status"`
	Cursor        *Position      `json:"cursor,omitempty"`
	Viewport      *Viewport      `json:"viewport,omitempty"`
	Selection     []string       `json:"selection,omitempty"`
	JoinedAt      time.Time      `json:"joinedAt"`
	LastHeartbeat time.Time      `json:"lastHeartbeat"`
	LastActivity  time.Time      `json:"lastActivity"`
	Connections   int            `json:"connections"`
}

// CursorState 光标状态
type CursorState struct {
	UserID       string    `json:"userId"`
	WhiteboardID string    `json:"whiteboardId"`
	UserName     string    `json:"userName"`
	Color        string    `json:"color"`
	SessionID    string    `json:"sessionId,omitempty"`
	Position     Position  `json:"position"`
	Timestamp    time.Time `json:"timestamp"`
}

// Claimant 元素的持有者或争用者
type Claimant struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Color     string `json:"color"`
	SessionID string `json:"sessionId"`
}

// ElementOwnership 元素所有权
type ElementOwnership struct {
	ElementID    string     `json:"elementId"`
	WhiteboardID string     `json:"whiteboardId"`
	Owners       []Claimant `json:"owners"`
	Shared       bool       `json:"shared"`
	AcquiredAt   time.Time  `json:"acquiredAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
}

// SelectionState 用户当前选区
type SelectionState struct {
	UserID        string    `json:"userId"`
	UserName      string    `json:"userName"`
	Color         string    `json:"color"`
	WhiteboardID  string    `json:"whiteboardId"`
	SessionID     string    `json:"sessionId"`
	ElementIDs    []string  `json:"elementIds"`
	Bounds        *Bounds   `json:"bounds,omitempty"`
	IsMultiSelect bool      `json:"isMultiSelect"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SelectionHighlight 供其他用户渲染的选区高亮
type SelectionHighlight struct {
	UserID     string   `json:"userId"`
	UserName   string   `json:"userName"`
	Color      string   `json:"color"`
	ElementIDs []string `json:"elementIds"`
	Bounds     *Bounds  `json:"bounds,omitempty"`
}

// ConflictResolution 冲突解决方式
type ConflictResolution string

const (
	ResolveOwnership ConflictResolution = "ownership"
	ResolveShared    ConflictResolution = "shared"
	ResolveCancel    ConflictResolution = "cancel"
)

// Conflict 选区争用记录
type Conflict struct {
	ID           string             `json:"id"`
	WhiteboardID string             `json:"whiteboardId"`
	ElementID    string             `json:"elementId"`
	Claimants    []Claimant         `json:"claimants"`
	CreatedAt    time.Time          `json:"createdAt"`
	Resolved     bool               `json:"resolved"`
	Resolution   ConflictResolution `json:"resolution,omitempty"`
	ResolvedBy   string             `json:"resolvedBy,omitempty"`
	ResolvedAt   time.Time          `json:"resolvedAt,omitempty"`
}

// HasClaimant 判断用户是否是争用者之一
func (c *Conflict) HasClaimant(userID string) bool {
	for _, cl := range c.Claimants {
		if cl.UserID == userID {
			return true
		}
	}
	return false
}

// SelectionResult 选区更新结果
type SelectionResult struct {
	Success    bool               `json:"success"`
	Selection  SelectionState     `json:"selection"`
	Conflicts  []Conflict         `json:"conflicts"`
	Ownerships []ElementOwnership `json:"ownerships"`
	Latency    time.Duration      `json:"latency"`
}

// OperationKind 画布操作类型
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
	OpMove   OperationKind = "move"
	OpStyle  OperationKind = "style"
)

// Valid 是否为已知操作类型
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete, OpMove, OpStyle:
		return true
	}
	return false
}

// CanvasOperation 画布操作，仅在接受/变基/广播期间存在
type CanvasOperation struct {
	ID            string          `json:"id"`
	WhiteboardID  string          `json:"whiteboardId"`
	UserID        string          `json:"userId"`
	ElementID     string          `json:"elementId"`
	ElementType   string          `json:"elementType,omitempty"`
	Type          OperationKind   `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ClientVersion int64           `json:"clientVersion"`
	TargetVersion int64           `json:"targetVersion"`
	Rebased       bool            `json:"rebased"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ApplyResult 画布操作应用结果
type ApplyResult struct {
	Operation  CanvasOperation `json:"operation"`
	NewVersion int64           `json:"newVersion"`
	Rebased    bool            `json:"rebased"`
}

// JoinResult 加入白板后回放给客户端的状态
type JoinResult struct {
	Session       WhiteboardSession    `json:"session"`
	CanvasVersion int64                `json:"canvasVersion"`
	Presence      []PresenceRecord     `json:"presenceState"`
	Selections    []SelectionHighlight `json:"selections"`
	Conflicts     []Conflict           `json:"conflicts"`
	Cursors       []CursorState        `json:"cursors"`
	Rejoined      bool                 `json:"rejoined"`
}

// CleanupStep 清理流水线单步结果
type CleanupStep struct {
	Name     string        `json:"name"`
	Critical bool          `json:"critical"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// CleanupReport 清理流水线报告
type CleanupReport struct {
	ConnectionID string        `json:"connectionId"`
	WhiteboardID string        `json:"whiteboardId"`
	Reason       string        `json:"reason"`
	Steps        []CleanupStep `json:"steps"`
	Skipped      bool          `json:"skipped"`
}

// Failed 失败的步骤
func (r *CleanupReport) Failed() []CleanupStep {
	var out []CleanupStep
	for _, s := range r.Steps {
		if s.Err != "" {
			out = append(out, s)
		}
	}
	return out
}

// SessionActivity 会话活动记录
type SessionActivity struct {
	Type         string    `json:"type" bson:"type"`
	SessionID    string    `json:"sessionId" bson:"session_id"`
	ConnectionID string    `json:"connectionId" bson:"connection_id"`
	UserID       string    `json:"userId" bson:"user_id"`
	WhiteboardID string    `json:"whiteboardId" bson:"whiteboard_id"`
	WorkspaceID  string    `json:"workspaceId" bson:"workspace_id"`
	Reason       string    `json:"reason,omitempty" bson:"reason,omitempty"`
	At           time.Time `json:"at" bson:"at"`
}
