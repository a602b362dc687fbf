package dao

import (
	"context"
	"time"

	"whiteboard-collab/apps/collab-service/model"
)

// WhiteboardDirectory 白板目录，加入时校验身份范围并给出权限
type WhiteboardDirectory interface {
	Authorize(ctx context.Context, req model.AccessRequest) (model.Permissions, error)
}

// CursorStore 光标状态存储
type CursorStore interface {
	Save(ctx context.Context, state model.CursorState, ttl time.Duration) error
	Delete(ctx context.Context, whiteboardID, userID string) error
	List(ctx context.Context, whiteboardID string) ([]model.CursorState, error)
}

// SessionMirror 会话记录镜像
type SessionMirror interface {
	Put(ctx context.Context, session *model.WhiteboardSession, ttl time.Duration) error
	Delete(ctx context.Context, connectionID string) error
}

// OperationSink 已接受画布操作的下游
type OperationSink interface {
	Publish(ctx context.Context, op model.CanvasOperation) error
	Close() error
}

// ActivityRecorder 会话活动记录
type ActivityRecorder interface {
	Record(ctx context.Context, activity model.SessionActivity) error
}

// resolveAccess 按白板记录和成员角色计算权限，board 为 nil 表示不存在
func resolveAccess(board *model.Whiteboard, role string, req model.AccessRequest) (model.Permissions, error) {
	if board == nil {
		return model.Permissions{}, model.ErrNotFound
	}
	if req.WorkspaceID != "" && board.WorkspaceID != req.WorkspaceID {
		return model.Permissions{}, model.ErrForbidden
	}
	if board.TenantID != "" && req.TenantID != "" && board.TenantID != req.TenantID {
		return model.Permissions{}, model.ErrForbidden
	}
	if board.OwnerID == req.UserID {
		role = model.RoleOwner
	}
	if role == "" {
		if !board.IsPublic {
			return model.Permissions{}, model.ErrForbidden
		}
		role = model.RoleViewer
	}
	perms := model.PermissionsForRole(role)
	if board.Archived {
		perms.CanEdit = false
	}
	return perms, nil
}
