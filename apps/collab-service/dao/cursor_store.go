package dao

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/redis"
)

// cursorStore Redis 光标存储，每块白板一个 hash，字段为用户ID
type cursorStore struct {
	rdb *redis.RedisClient
}

// NewCursorStore 创建Redis光标存储
func NewCursorStore(rdb *redis.RedisClient) CursorStore {
	return &cursorStore{rdb: rdb}
}

func cursorKey(whiteboardID string) string {
	return "whiteboard:cursors:" + whiteboardID
}

// Save 保存光标
func (s *cursorStore) Save(ctx context.Context, state model.CursorState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %v", err)
	}
	if err := s.rdb.HSetWithTTL(ctx, cursorKey(state.WhiteboardID), state.UserID, data, ttl); err != nil {
		return fmt.Errorf("failed to save cursor: %v", err)
	}
	return nil
}

// Delete 删除光标
func (s *cursorStore) Delete(ctx context.Context, whiteboardID, userID string) error {
	if err := s.rdb.HDel(ctx, cursorKey(whiteboardID), userID); err != nil {
		return fmt.Errorf("failed to delete cursor: %v", err)
	}
	return nil
}

// List 列出白板上的光标，无法解析的条目跳过
func (s *cursorStore) List(ctx context.Context, whiteboardID string) ([]model.CursorState, error) {
	raw, err := s.rdb.HGetAll(ctx, cursorKey(whiteboardID))
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %v", err)
	}
	out := make([]model.CursorState, 0, len(raw))
	for _, v := range raw {
		var st model.CursorState
		if err := json.Unmarshal([]byte(v), &st); err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}
