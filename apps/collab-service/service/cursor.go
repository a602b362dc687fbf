package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"whiteboard-collab/apps/collab-service/dao"
	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/logger"
	"whiteboard-collab/pkg/metrics"
)

// CursorMeta 光标附带的展示信息
type CursorMeta struct {
	UserName  string
	Color     string
	SessionID string
}

// CursorService 光标服务。存储不可用时用本地最近状态降级，不做节流
type CursorService struct {
	store dao.CursorStore
	ttl   time.Duration
	clk   clock.PassiveClock
	log   logger.Logger

	mu    sync.RWMutex
	local map[string]map[string]model.CursorState
}

// NewCursorService 创建光标服务
func NewCursorService(store dao.CursorStore, ttl time.Duration, clk clock.PassiveClock, log logger.Logger) *CursorService {
	return &CursorService{
		store: store,
		ttl:   ttl,
		clk:   clk,
		log:   log,
		local: make(map[string]map[string]model.CursorState),
	}
}

// Update 更新光标位置
func (s *CursorService) Update(ctx context.Context, userID, whiteboardID string, pos model.Position, meta CursorMeta) Outcome[model.CursorState] {
	state := model.CursorState{
		UserID:       userID,
		WhiteboardID: whiteboardID,
		UserName:     meta.UserName,
		Color:        meta.Color,
		SessionID:    meta.SessionID,
		Position:     pos,
		Timestamp:    s.clk.Now(),
	}

	err := s.store.Save(ctx, state, s.ttl)
	if err != nil {
		state = s.synthesize(state)
	}

	s.mu.Lock()
	board, ok := s.local[whiteboardID]
	if !ok {
		board = make(map[string]model.CursorState)
		s.local[whiteboardID] = board
	}
	board[userID] = state
	s.mu.Unlock()

	if err != nil {
		metrics.CursorDegraded.Inc()
		s.log.Debug(ctx, "Cursor store unavailable, using local state",
			logger.F("user_id", userID), logger.F("whiteboard_id", whiteboardID), logger.F("error", err))
		return degraded(state, model.WrapError(model.KindServiceDegraded, model.CodeStoreUnavailable, "cursor store unavailable", err))
	}
	return healthy(state)
}

// synthesize 用最近一次已知的名字和颜色补齐最小状态
func (s *CursorService) synthesize(state model.CursorState) model.CursorState {
	s.mu.RLock()
	last, ok := s.local[state.WhiteboardID][state.UserID]
	s.mu.RUnlock()
	if ok {
		if last.UserName != "" {
			state.UserName = last.UserName
		}
		if last.Color != "" {
			state.Color = last.Color
		}
	}
	return state
}

// Remove 移除光标，本地状态总是删除，存储失败返回错误
func (s *CursorService) Remove(ctx context.Context, userID, whiteboardID, reason string) error {
	s.mu.Lock()
	if board, ok := s.local[whiteboardID]; ok {
		delete(board, userID)
		if len(board) == 0 {
			delete(s.local, whiteboardID)
		}
	}
	s.mu.Unlock()

	if err := s.store.Delete(ctx, whiteboardID, userID); err != nil {
		return model.WrapError(model.KindServiceDegraded, model.CodeStoreUnavailable, "remove cursor", err)
	}
	s.log.Debug(ctx, "Cursor removed",
		logger.F("user_id", userID), logger.F("whiteboard_id", whiteboardID), logger.F("reason", reason))
	return nil
}

// List 白板上的光标，存储失败时返回本地快照
func (s *CursorService) List(ctx context.Context, whiteboardID string) Outcome[[]model.CursorState] {
	states, err := s.store.List(ctx, whiteboardID)
	if err == nil {
		return healthy(states)
	}

	s.mu.RLock()
	out := make([]model.CursorState, 0, len(s.local[whiteboardID]))
	for _, st := range s.local[whiteboardID] {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return degraded(out, err)
}

// LocalCount 本地缓存的光标数
func (s *CursorService) LocalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.local {
		n += len(b)
	}
	return n
}
