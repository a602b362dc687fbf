package service

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/metrics"
)

// SelectionConfig 选区配置
type SelectionConfig struct {
	ClaimTTL          time.Duration
	MaxSelectingUsers int
	MaxElements       int
}

// SelectionRequest 选区更新请求
type SelectionRequest struct {
	UserID        string
	UserName      string
	Color         string
	WhiteboardID  string
	SessionID     string
	ElementIDs    []string
	Bounds        *model.Bounds
	IsMultiSelect bool
}

// ResolveOutcome 冲突解决结果，Ownership 为 nil 表示元素已释放
type ResolveOutcome struct {
	Conflict  model.Conflict          `json:"conflict"`
	Ownership *model.ElementOwnership `json:"ownership,omitempty"`
}

type boardSelections struct {
	selections map[string]*model.SelectionState
	owners     map[string]*model.ElementOwnership
	// 每个元素最多一个未解决冲突
	conflicts map[string]*model.Conflict
}

// SelectionService 选区与元素所有权服务
type SelectionService struct {
	cfg SelectionConfig
	clk clock.PassiveClock

	mu     sync.Mutex
	boards map[string]*boardSelections
}

// NewSelectionService 创建选区服务
func NewSelectionService(cfg SelectionConfig, clk clock.PassiveClock) *SelectionService {
	return &SelectionService{
		cfg:    cfg,
		clk:    clk,
		boards: make(map[string]*boardSelections),
	}
}

func (s *SelectionService) boardLocked(whiteboardID string, create bool) *boardSelections {
	b, ok := s.boards[whiteboardID]
	if !ok && create {
		b = &boardSelections{
			selections: make(map[string]*model.SelectionState),
			owners:     make(map[string]*model.ElementOwnership),
			conflicts:  make(map[string]*model.Conflict),
		}
		s.boards[whiteboardID] = b
	}
	return b
}

func (s *SelectionService) dropIfEmptyLocked(whiteboardID string, b *boardSelections) {
	if len(b.selections) == 0 && len(b.owners) == 0 && len(b.conflicts) == 0 {
		delete(s.boards, whiteboardID)
	}
}

// UpdateSelection 更新用户选区：空闲或过期的元素直接获得所有权，被他人持有的元素生成冲突
func (s *SelectionService) UpdateSelection(req SelectionRequest) (model.SelectionResult, error) {
	start := s.clk.Now()
	elementIDs := dedupe(req.ElementIDs)
	if s.cfg.MaxElements > 0 && len(elementIDs) > s.cfg.MaxElements {
		return model.SelectionResult{}, model.InvalidInput(model.CodeOutOfBounds,
			"selection of %d elements exceeds limit %d", len(elementIDs), s.cfg.MaxElements)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.boardLocked(req.WhiteboardID, true)
	if len(elementIDs) > 0 && s.cfg.MaxSelectingUsers > 0 {
		if cur, ok := b.selections[req.UserID]; !ok || len(cur.ElementIDs) == 0 {
			if len(b.selections) >= s.cfg.MaxSelectingUsers {
				s.dropIfEmptyLocked(req.WhiteboardID, b)
				return model.SelectionResult{}, model.NewError(model.KindConflict, model.CodeSelectionCapacity,
					"too many users are selecting on this whiteboard")
			}
		}
	}

	me := model.Claimant{UserID: req.UserID, UserName: req.UserName, Color: req.Color, SessionID: req.SessionID}
	wanted := make(map[string]struct{}, len(elementIDs))
	for _, id := range elementIDs {
		wanted[id] = struct{}{}
	}

	// 放弃不再选中的元素
	for elementID, own := range b.owners {
		if _, keep := wanted[elementID]; keep {
			continue
		}
		if removeClaimant(&own.Owners, req.UserID) && len(own.Owners) == 0 {
			delete(b.owners, elementID)
		}
	}
	for elementID, c := range b.conflicts {
		if _, keep := wanted[elementID]; keep {
			continue
		}
		if removeClaimant(&c.Claimants, req.UserID) && len(c.Claimants) < 2 {
			delete(b.conflicts, elementID)
		}
	}

	result := model.SelectionResult{Success: true}
	expires := start.Add(s.cfg.ClaimTTL)
	for _, elementID := range elementIDs {
		own, held := b.owners[elementID]
		switch {
		case !held || !start.Before(own.ExpiresAt):
			own = &model.ElementOwnership{
				ElementID:    elementID,
				WhiteboardID: req.WhiteboardID,
				Owners:       []model.Claimant{me},
				AcquiredAt:   start,
				ExpiresAt:    expires,
			}
			b.owners[elementID] = own
			delete(b.conflicts, elementID)
		case hasClaimant(own.Owners, req.UserID):
			own.ExpiresAt = expires
		case own.Shared:
			own.Owners = append(own.Owners, me)
			own.ExpiresAt = expires
		default:
			result.Success = false
			result.Conflicts = append(result.Conflicts, s.contestLocked(b, own, me, start))
			continue
		}
		result.Ownerships = append(result.Ownerships, copyOwnership(own))
	}

	if len(elementIDs) == 0 {
		delete(b.selections, req.UserID)
	} else {
		b.selections[req.UserID] = &model.SelectionState{
			UserID:        req.UserID,
			UserName:      req.UserName,
			Color:         req.Color,
			WhiteboardID:  req.WhiteboardID,
			SessionID:     req.SessionID,
			ElementIDs:    elementIDs,
			Bounds:        req.Bounds,
			IsMultiSelect: req.IsMultiSelect,
			UpdatedAt:     start,
		}
	}

	result.Selection = model.SelectionState{
		UserID:        req.UserID,
		UserName:      req.UserName,
		Color:         req.Color,
		WhiteboardID:  req.WhiteboardID,
		SessionID:     req.SessionID,
		ElementIDs:    append([]string{}, elementIDs...),
		Bounds:        req.Bounds,
		IsMultiSelect: req.IsMultiSelect,
		UpdatedAt:     start,
	}
	s.dropIfEmptyLocked(req.WhiteboardID, b)
	result.Latency = s.clk.Since(start)
	return result, nil
}

// contestLocked 为被他人持有的元素创建或扩充冲突记录
func (s *SelectionService) contestLocked(b *boardSelections, own *model.ElementOwnership, me model.Claimant, now time.Time) model.Conflict {
	c, ok := b.conflicts[own.ElementID]
	if !ok {
		c = &model.Conflict{
			ID:           uuid.NewString(),
			WhiteboardID: own.WhiteboardID,
			ElementID:    own.ElementID,
			Claimants:    append([]model.Claimant{}, own.Owners...),
			CreatedAt:    now,
		}
		b.conflicts[own.ElementID] = c
	}
	if !hasClaimant(c.Claimants, me.UserID) {
		c.Claimants = append(c.Claimants, me)
		metrics.SelectionConflicts.Inc()
	}
	return copyConflict(c)
}

// ResolveConflict 冲突方解决冲突：ownership 独占、shared 共享、cancel 释放
func (s *SelectionService) ResolveConflict(whiteboardID, conflictID, resolverID string, resolution model.ConflictResolution) (ResolveOutcome, error) {
	switch resolution {
	case model.ResolveOwnership, model.ResolveShared, model.ResolveCancel:
	default:
		return ResolveOutcome{}, model.InvalidInput(model.CodeInvalidPayload, "unknown resolution %q", resolution)
	}

	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.boardLocked(whiteboardID, false)
	var c *model.Conflict
	if b != nil {
		for _, candidate := range b.conflicts {
			if candidate.ID == conflictID {
				c = candidate
				break
			}
		}
	}
	if c == nil {
		return ResolveOutcome{}, model.NewError(model.KindConflict, model.CodeConflictNotFound, "conflict not found")
	}
	if !c.HasClaimant(resolverID) {
		return ResolveOutcome{}, model.NewError(model.KindForbidden, model.CodeNotConflictParty, "only a claimant can resolve the conflict")
	}

	delete(b.conflicts, c.ElementID)
	c.Resolved = true
	c.Resolution = resolution
	c.ResolvedBy = resolverID
	c.ResolvedAt = now
	out := ResolveOutcome{Conflict: copyConflict(c)}

	switch resolution {
	case model.ResolveOwnership:
		var resolver model.Claimant
		for _, cl := range c.Claimants {
			if cl.UserID == resolverID {
				resolver = cl
			} else {
				s.deselectLocked(b, cl.UserID, c.ElementID)
			}
		}
		own := &model.ElementOwnership{
			ElementID:    c.ElementID,
			WhiteboardID: whiteboardID,
			Owners:       []model.Claimant{resolver},
			AcquiredAt:   now,
			ExpiresAt:    now.Add(s.cfg.ClaimTTL),
		}
		b.owners[c.ElementID] = own
		cp := copyOwnership(own)
		out.Ownership = &cp
	case model.ResolveShared:
		own := &model.ElementOwnership{
			ElementID:    c.ElementID,
			WhiteboardID: whiteboardID,
			Owners:       append([]model.Claimant{}, c.Claimants...),
			Shared:       true,
			AcquiredAt:   now,
			ExpiresAt:    now.Add(s.cfg.ClaimTTL),
		}
		b.owners[c.ElementID] = own
		cp := copyOwnership(own)
		out.Ownership = &cp
	case model.ResolveCancel:
		delete(b.owners, c.ElementID)
		for _, cl := range c.Claimants {
			s.deselectLocked(b, cl.UserID, c.ElementID)
		}
	}
	s.dropIfEmptyLocked(whiteboardID, b)
	return out, nil
}

func (s *SelectionService) deselectLocked(b *boardSelections, userID, elementID string) {
	sel, ok := b.selections[userID]
	if !ok {
		return
	}
	kept := sel.ElementIDs[:0]
	for _, id := range sel.ElementIDs {
		if id != elementID {
			kept = append(kept, id)
		}
	}
	sel.ElementIDs = kept
	if len(kept) == 0 {
		delete(b.selections, userID)
	}
}

// ClearUserSelections 释放用户在某个会话下的所有声明；sessionID 为空时释放该用户全部声明。返回被释放的元素
func (s *SelectionService) ClearUserSelections(userID, whiteboardID, sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.boardLocked(whiteboardID, false)
	if b == nil {
		return nil
	}
	match := func(cl model.Claimant) bool {
		return cl.UserID == userID && (sessionID == "" || cl.SessionID == sessionID)
	}

	if sel, ok := b.selections[userID]; ok && (sessionID == "" || sel.SessionID == sessionID) {
		delete(b.selections, userID)
	}

	var released []string
	for elementID, own := range b.owners {
		if removeMatching(&own.Owners, match) {
			released = append(released, elementID)
			if len(own.Owners) == 0 {
				delete(b.owners, elementID)
			}
		}
	}
	for elementID, c := range b.conflicts {
		if removeMatching(&c.Claimants, match) && len(c.Claimants) < 2 {
			delete(b.conflicts, elementID)
		}
	}
	s.dropIfEmptyLocked(whiteboardID, b)
	sort.Strings(released)
	return released
}

// SweepExpired 删除过期的所有权声明
func (s *SelectionService) SweepExpired() int {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for boardID, b := range s.boards {
		for elementID, own := range b.owners {
			if !now.Before(own.ExpiresAt) {
				delete(b.owners, elementID)
				n++
			}
		}
		s.dropIfEmptyLocked(boardID, b)
	}
	return n
}

// ElementOwnership 元素当前所有权，过期视为无主
func (s *SelectionService) ElementOwnership(whiteboardID, elementID string) (model.ElementOwnership, bool) {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.boardLocked(whiteboardID, false)
	if b == nil {
		return model.ElementOwnership{}, false
	}
	own, ok := b.owners[elementID]
	if !ok || !now.Before(own.ExpiresAt) {
		return model.ElementOwnership{}, false
	}
	return copyOwnership(own), true
}

// WhiteboardSelections 白板上所有用户的选区
func (s *SelectionService) WhiteboardSelections(whiteboardID string) []model.SelectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.boardLocked(whiteboardID, false)
	if b == nil {
		return []model.SelectionState{}
	}
	out := make([]model.SelectionState, 0, len(b.selections))
	for _, sel := range b.selections {
		cp := *sel
		cp.ElementIDs = append([]string{}, sel.ElementIDs...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// SelectionHighlights 供其他用户渲染的高亮，排除 excludeUserID
func (s *SelectionService) SelectionHighlights(whiteboardID, excludeUserID string) []model.SelectionHighlight {
	selections := s.WhiteboardSelections(whiteboardID)
	out := make([]model.SelectionHighlight, 0, len(selections))
	for _, sel := range selections {
		if sel.UserID == excludeUserID {
			continue
		}
		out = append(out, model.SelectionHighlight{
			UserID:     sel.UserID,
			UserName:   sel.UserName,
			Color:      sel.Color,
			ElementIDs: sel.ElementIDs,
			Bounds:     sel.Bounds,
		})
	}
	return out
}

// WhiteboardConflicts 白板上未解决的冲突
func (s *SelectionService) WhiteboardConflicts(whiteboardID string) []model.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.boardLocked(whiteboardID, false)
	if b == nil {
		return []model.Conflict{}
	}
	out := make([]model.Conflict, 0, len(b.conflicts))
	for _, c := range b.conflicts {
		out = append(out, copyConflict(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ElementID < out[j].ElementID })
	return out
}

// Counts 白板数、选区数、冲突数
func (s *SelectionService) Counts() (boards, selections, conflicts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.boards {
		selections += len(b.selections)
		conflicts += len(b.conflicts)
	}
	return len(s.boards), selections, conflicts
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func hasClaimant(list []model.Claimant, userID string) bool {
	for _, c := range list {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

func removeClaimant(list *[]model.Claimant, userID string) bool {
	return removeMatching(list, func(c model.Claimant) bool { return c.UserID == userID })
}

func removeMatching(list *[]model.Claimant, match func(model.Claimant) bool) bool {
	kept := (*list)[:0]
	removed := false
	for _, c := range *list {
		if match(c) {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	*list = kept
	return removed
}

func copyOwnership(o *model.ElementOwnership) model.ElementOwnership {
	cp := *o
	cp.Owners = append([]model.Claimant{}, o.Owners...)
	return cp
}

func copyConflict(c *model.Conflict) model.Conflict {
	cp := *c
	cp.Claimants = append([]model.Claimant{}, c.Claimants...)
	return cp
}
