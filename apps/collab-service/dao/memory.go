package dao

import (
	"context"
	"sort"
	"sync"
	"time"

	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/logger"
)

// MemoryDirectory 进程内白板目录。open 为 true 时未登记的白板对所有人开放编辑
type MemoryDirectory struct {
	mu      sync.RWMutex
	open    bool
	boards  map[string]*model.Whiteboard
	members map[string]string
}

// NewMemoryDirectory 创建进程内目录
func NewMemoryDirectory(open bool) *MemoryDirectory {
	return &MemoryDirectory{
		open:    open,
		boards:  make(map[string]*model.Whiteboard),
		members: make(map[string]string),
	}
}

// AddBoard 登记白板
func (d *MemoryDirectory) AddBoard(board model.Whiteboard) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := board
	d.boards[board.ID] = &b
}

// AddMember 登记成员
func (d *MemoryDirectory) AddMember(whiteboardID, userID, role string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[whiteboardID+"|"+userID] = role
}

// Authorize .
func (d *MemoryDirectory) Authorize(_ context.Context, req model.AccessRequest) (model.Permissions, error) {
	d.mu.RLock()
	board, ok := d.boards[req.WhiteboardID]
	role := d.members[req.WhiteboardID+"|"+req.UserID]
	d.mu.RUnlock()

	if !ok {
		if d.open {
			return model.PermissionsForRole(model.RoleEditor), nil
		}
		return resolveAccess(nil, "", req)
	}
	return resolveAccess(board, role, req)
}

// MemoryCursorStore 进程内光标存储，可注入故障
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]map[string]model.CursorState
	fail    error
}

// NewMemoryCursorStore 创建进程内光标存储
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]map[string]model.CursorState)}
}

// Fail 之后的调用都返回 err，传 nil 恢复
func (s *MemoryCursorStore) Fail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Save .
func (s *MemoryCursorStore) Save(_ context.Context, state model.CursorState, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	board, ok := s.cursors[state.WhiteboardID]
	if !ok {
		board = make(map[string]model.CursorState)
		s.cursors[state.WhiteboardID] = board
	}
	board[state.UserID] = state
	return nil
}

// Delete .
func (s *MemoryCursorStore) Delete(_ context.Context, whiteboardID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if board, ok := s.cursors[whiteboardID]; ok {
		delete(board, userID)
		if len(board) == 0 {
			delete(s.cursors, whiteboardID)
		}
	}
	return nil
}

// List .
func (s *MemoryCursorStore) List(_ context.Context, whiteboardID string) ([]model.CursorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	out := make([]model.CursorState, 0, len(s.cursors[whiteboardID]))
	for _, c := range s.cursors[whiteboardID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// NopSessionMirror 不做镜像
type NopSessionMirror struct{}

// Put .
func (NopSessionMirror) Put(context.Context, *model.WhiteboardSession, time.Duration) error {
	return nil
}

// Delete .
func (NopSessionMirror) Delete(context.Context, string) error { return nil }

// NopOperationSink 丢弃操作
type NopOperationSink struct{}

// Publish .
func (NopOperationSink) Publish(context.Context, model.CanvasOperation) error { return nil }

// Close .
func (NopOperationSink) Close() error { return nil }

// logActivityRecorder 没有 Mongo 时把活动写进日志
type logActivityRecorder struct {
	log logger.Logger
}

// NewLogActivityRecorder 创建日志活动记录器
func NewLogActivityRecorder(log logger.Logger) ActivityRecorder {
	return &logActivityRecorder{log: log}
}

// Record .
func (r *logActivityRecorder) Record(ctx context.Context, a model.SessionActivity) error {
	r.log.Debug(ctx, "session activity",
		logger.F("type", a.Type),
		logger.F("session_id", a.SessionID),
		logger.F("user_id", a.UserID),
		logger.F("whiteboard_id", a.WhiteboardID),
		logger.F("reason", a.Reason))
	return nil
}
