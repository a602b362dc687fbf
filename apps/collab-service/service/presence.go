package service

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/cache"
)

// DefaultPalette 在线用户配色
var DefaultPalette = []string{
	"#E57373", "#64B5F6", "#81C784", "#FFB74D",
	"#BA68C8", "#4DB6AC", "#F06292", "#7986CB",
	"#A1887F", "#4FC3F7", "#AED581", "#FF8A65",
}

// PresenceConfig 在线状态阈值
type PresenceConfig struct {
	IdleAfter    time.Duration
	AwayAfter    time.Duration
	OfflineAfter time.Duration
}

// UserInfo 加入时的用户信息
type UserInfo struct {
	Name  string
	Email string
}

// ActivityUpdate 活动更新，nil 字段保持不变
type ActivityUpdate struct {
	Cursor    *model.Position
	Viewport  *model.Viewport
	Selection []string
}

type presenceEntry struct {
	record   model.PresenceRecord
	manual   model.PresenceStatus
	sessions map[string]struct{}
}

// PresenceService 在线状态服务。状态由心跳间隔推导，不为每个用户维护定时器
type PresenceService struct {
	cfg    PresenceConfig
	clk    clock.PassiveClock
	colors *cache.Cache[string, string]

	mu     sync.RWMutex
	boards map[string]map[string]*presenceEntry

	paletteMu sync.Mutex
	next      int
}

// NewPresenceService 创建在线状态服务
func NewPresenceService(cfg PresenceConfig, colors *cache.Cache[string, string], clk clock.PassiveClock) *PresenceService {
	return &PresenceService{
		cfg:    cfg,
		clk:    clk,
		colors: colors,
		boards: make(map[string]map[string]*presenceEntry),
	}
}

// Color 用户配色，首次分配后缓存
func (s *PresenceService) Color(userID string) string {
	return s.colors.Compute(userID, func(cur string, ok bool) string {
		if ok {
			return cur
		}
		s.paletteMu.Lock()
		defer s.paletteMu.Unlock()
		c := DefaultPalette[s.next%len(DefaultPalette)]
		s.next++
		return c
	})
}

// Join 幂等加入。已有记录时登记新的会话并刷新心跳，返回 existed=true
func (s *PresenceService) Join(userID, whiteboardID, sessionID string, info UserInfo) (model.PresenceRecord, bool) {
	now := s.clk.Now()
	color := s.Color(userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	board, ok := s.boards[whiteboardID]
	if !ok {
		board = make(map[string]*presenceEntry)
		s.boards[whiteboardID] = board
	}
	if e, ok := board[userID]; ok {
		e.sessions[sessionID] = struct{}{}
		e.record.LastHeartbeat = now
		e.record.Connections = len(e.sessions)
		return s.view(e, now), true
	}

	e := &presenceEntry{
		record: model.PresenceRecord{
			UserID:        userID,
			WhiteboardID:  whiteboardID,
			UserName:      info.Name,
			Email:         info.Email,
			Color:         color,
			Status:        model.StatusOnline,
			JoinedAt:      now,
			LastHeartbeat: now,
			LastActivity:  now,
			Connections:   1,
		},
		sessions: map[string]struct{}{sessionID: {}},
	}
	board[userID] = e
	return s.view(e, now), false
}

// Leave 移除一个会话，最后一个会话离开时删除记录。返回记录是否被删除
func (s *PresenceService) Leave(userID, whiteboardID, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	board, ok := s.boards[whiteboardID]
	if !ok {
		return false
	}
	e, ok := board[userID]
	if !ok {
		return false
	}
	delete(e.sessions, sessionID)
	e.record.Connections = len(e.sessions)
	if len(e.sessions) > 0 {
		return false
	}
	delete(board, userID)
	if len(board) == 0 {
		delete(s.boards, whiteboardID)
	}
	return true
}

// Heartbeat 刷新心跳
func (s *PresenceService) Heartbeat(userID, whiteboardID string) (model.PresenceRecord, error) {
	return s.mutate(userID, whiteboardID, func(e *presenceEntry, now time.Time) error {
		e.record.LastHeartbeat = now
		return nil
	})
}

// UpdateActivity 更新光标、视口、选区等活动描述，同时视为一次心跳
func (s *PresenceService) UpdateActivity(userID, whiteboardID string, u ActivityUpdate) (model.PresenceRecord, error) {
	return s.mutate(userID, whiteboardID, func(e *presenceEntry, now time.Time) error {
		if u.Cursor != nil {
			p := *u.Cursor
			e.record.Cursor = &p
		}
		if u.Viewport != nil {
			v := *u.Viewport
			e.record.Viewport = &v
		}
		if u.Selection != nil {
			e.record.Selection = append([]string(nil), u.Selection...)
		}
		e.record.LastActivity = now
		e.record.LastHeartbeat = now
		return nil
	})
}

// UpdateStatus 手动设置状态。online 清除手动状态，busy/away 在心跳新鲜时生效
func (s *PresenceService) UpdateStatus(userID, whiteboardID string, status model.PresenceStatus) (model.PresenceRecord, error) {
	switch status {
	case model.StatusOnline, model.StatusBusy, model.StatusAway:
	default:
		return model.PresenceRecord{}, model.InvalidInput(model.CodeInvalidPayload, "status %q cannot be set manually", status)
	}
	return s.mutate(userID, whiteboardID, func(e *presenceEntry, now time.Time) error {
		if status == model.StatusOnline {
			e.manual = ""
		} else {
			e.manual = status
		}
		e.record.LastHeartbeat = now
		e.record.LastActivity = now
		return nil
	})
}

func (s *PresenceService) mutate(userID, whiteboardID string, fn func(e *presenceEntry, now time.Time) error) (model.PresenceRecord, error) {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.boards[whiteboardID][userID]
	if !ok {
		return model.PresenceRecord{}, model.ErrNoActiveSession
	}
	if err := fn(e, now); err != nil {
		return model.PresenceRecord{}, err
	}
	return s.view(e, now), nil
}

// Get 单个用户的在线记录
func (s *PresenceService) Get(userID, whiteboardID string) (model.PresenceRecord, bool) {
	now := s.clk.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.boards[whiteboardID][userID]
	if !ok {
		return model.PresenceRecord{}, false
	}
	return s.view(e, now), true
}

// WhiteboardPresence 白板在线快照，按加入时间排序
func (s *PresenceService) WhiteboardPresence(whiteboardID string) []model.PresenceRecord {
	now := s.clk.Now()
	s.mu.RLock()
	out := make([]model.PresenceRecord, 0, len(s.boards[whiteboardID]))
	for _, e := range s.boards[whiteboardID] {
		out = append(out, s.view(e, now))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// PruneOffline 删除已衰减为离线的记录并返回它们。live 返回 true 的用户仍有会话，保留记录
func (s *PresenceService) PruneOffline(live func(userID, whiteboardID string) bool) []model.PresenceRecord {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned []model.PresenceRecord
	for boardID, board := range s.boards {
		for userID, e := range board {
			if s.status(e, now) != model.StatusOffline {
				continue
			}
			if live != nil && live(userID, boardID) {
				continue
			}
			pruned = append(pruned, s.view(e, now))
			delete(board, userID)
		}
		if len(board) == 0 {
			delete(s.boards, boardID)
		}
	}
	return pruned
}

// Counts 白板数和记录数
func (s *PresenceService) Counts() (boards, records int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.boards {
		records += len(b)
	}
	return len(s.boards), records
}

func (s *PresenceService) status(e *presenceEntry, now time.Time) model.PresenceStatus {
	elapsed := now.Sub(e.record.LastHeartbeat)
	switch {
	case s.cfg.OfflineAfter > 0 && elapsed >= s.cfg.OfflineAfter:
		return model.StatusOffline
	case s.cfg.AwayAfter > 0 && elapsed >= s.cfg.AwayAfter:
		return model.StatusAway
	case s.cfg.IdleAfter > 0 && elapsed >= s.cfg.IdleAfter:
		return model.StatusIdle
	case e.manual != "":
		return e.manual
	}
	return model.StatusOnline
}

func (s *PresenceService) view(e *presenceEntry, now time.Time) model.PresenceRecord {
	rec := e.record
	rec.Status = s.status(e, now)
	if rec.Selection != nil {
		rec.Selection = append([]string(nil), rec.Selection...)
	}
	return rec
}
