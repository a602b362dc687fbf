package dao

import (
	"context"
	"fmt"
	"time"

	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/redis"
)

// sessionMirror 会话记录镜像到 Redis，供运维和其他进程只读查看
type sessionMirror struct {
	rdb *redis.RedisClient
}

// NewSessionMirror 创建会话镜像
func NewSessionMirror(rdb *redis.RedisClient) SessionMirror {
	return &sessionMirror{rdb: rdb}
}

func sessionKey(connectionID string) string {
	return "whiteboard:session:" + connectionID
}

// Put 写入会话
func (m *sessionMirror) Put(ctx context.Context, s *model.WhiteboardSession, ttl time.Duration) error {
	key := sessionKey(s.ConnectionID)
	fields := map[string]interface{}{
		"session_id":    s.SessionID,
		"user_id":       s.UserID,
		"user_name":     s.UserName,
		"whiteboard_id": s.WhiteboardID,
		"workspace_id":  s.WorkspaceID,
		"color":         s.Color,
		"can_edit":      s.Permissions.CanEdit,
		"joined_at":     s.JoinedAt.UnixMilli(),
		"last_activity": s.LastActivity.UnixMilli(),
	}
	if err := m.rdb.HMSet(ctx, key, fields); err != nil {
		return fmt.Errorf("failed to mirror session: %v", err)
	}
	if err := m.rdb.Expire(ctx, key, ttl); err != nil {
		return fmt.Errorf("failed to set session ttl: %v", err)
	}
	return nil
}

// Delete 删除会话
func (m *sessionMirror) Delete(ctx context.Context, connectionID string) error {
	if err := m.rdb.Del(ctx, sessionKey(connectionID)); err != nil {
		return fmt.Errorf("failed to delete session mirror: %v", err)
	}
	return nil
}
