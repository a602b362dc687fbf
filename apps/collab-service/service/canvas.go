package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"whiteboard-collab/apps/collab-service/dao"
	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/cache"
	"whiteboard-collab/pkg/logger"
	"whiteboard-collab/pkg/metrics"
	"whiteboard-collab/pkg/snowflake"
)

const (
	publishQueueSize = 1024
	publishTimeout   = 10 * time.Second
)

// SyncRequest 同步握手请求
type SyncRequest struct {
	RequestID           string    `json:"requestId"`
	WhiteboardID        string    `json:"whiteboardId"`
	RequesterID         string    `json:"requesterId"`
	RequesterConnection string    `json:"requesterConnectionId"` // 应答按它定向回传
	CreatedAt           time.Time `json:"createdAt"`
}

// CanvasEngine 画布同步引擎。每块白板一个单调递增的版本号，只做版本对齐，不做字段级合并
type CanvasEngine struct {
	versions *cache.Cache[string, int64]
	ids      *snowflake.Snowflake
	sink     dao.OperationSink
	clk      clock.PassiveClock
	log      logger.Logger

	syncMu  sync.Mutex
	pending map[string]SyncRequest

	queueMu  sync.RWMutex
	stopped  bool
	queue    chan model.CanvasOperation
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCanvasEngine 创建画布引擎
func NewCanvasEngine(versions *cache.Cache[string, int64], ids *snowflake.Snowflake, sink dao.OperationSink, clk clock.PassiveClock, log logger.Logger) *CanvasEngine {
	return &CanvasEngine{
		versions: versions,
		ids:      ids,
		sink:     sink,
		clk:      clk,
		log:      log,
		pending:  make(map[string]SyncRequest),
		queue:    make(chan model.CanvasOperation, publishQueueSize),
	}
}

// Version 当前版本，首次访问时初始化为 1
func (e *CanvasEngine) Version(whiteboardID string) int64 {
	return e.versions.Compute(whiteboardID, func(cur int64, ok bool) int64 {
		if !ok {
			return 1
		}
		return cur
	})
}

// PeekVersion 只读当前版本，不创建
func (e *CanvasEngine) PeekVersion(whiteboardID string) (int64, bool) {
	return e.versions.Peek(whiteboardID)
}

// Apply 接受一次操作并把版本加一。客户端版本与当前不一致时变基到新版本
func (e *CanvasEngine) Apply(ctx context.Context, op model.CanvasOperation, clientVersion int64) (model.ApplyResult, error) {
	if op.WhiteboardID == "" || op.ElementID == "" {
		return model.ApplyResult{}, model.InvalidInput(model.CodeMissingField, "whiteboardId and elementId are required")
	}
	if !op.Type.Valid() {
		return model.ApplyResult{}, model.InvalidInput(model.CodeInvalidPayload, "unknown operation type %q", op.Type)
	}
	if clientVersion < 0 {
		return model.ApplyResult{}, model.InvalidInput(model.CodeOutOfBounds, "clientVersion must not be negative")
	}
	if e.isStopped() {
		return model.ApplyResult{}, model.NewError(model.KindServiceDegraded, model.CodeShuttingDown, "canvas engine stopped")
	}

	var current int64
	next := e.versions.Compute(op.WhiteboardID, func(cur int64, ok bool) int64 {
		if !ok {
			cur = 1
		}
		current = cur
		return cur + 1
	})

	op.ID = e.ids.GenerateString()
	op.ClientVersion = clientVersion
	op.TargetVersion = next
	op.Rebased = clientVersion != current
	op.Timestamp = e.clk.Now()

	outcome := "applied"
	if op.Rebased {
		outcome = "rebased"
		e.log.Debug(ctx, "Canvas operation rebased",
			logger.F("whiteboard_id", op.WhiteboardID),
			logger.F("client_version", clientVersion),
			logger.F("current_version", current),
			logger.F("target_version", next))
	}
	metrics.CanvasOperations.WithLabelValues(outcome).Inc()

	e.enqueue(ctx, op)
	return model.ApplyResult{Operation: op, NewVersion: next, Rebased: op.Rebased}, nil
}

func (e *CanvasEngine) isStopped() bool {
	e.queueMu.RLock()
	defer e.queueMu.RUnlock()
	return e.stopped
}

// enqueue 停止后的操作只记日志丢弃，队列已关闭
func (e *CanvasEngine) enqueue(ctx context.Context, op model.CanvasOperation) {
	e.queueMu.RLock()
	defer e.queueMu.RUnlock()
	if e.stopped {
		e.log.Warn(ctx, "Canvas engine stopped, dropping operation",
			logger.F("whiteboard_id", op.WhiteboardID), logger.F("operation_id", op.ID))
		return
	}
	select {
	case e.queue <- op:
	default:
		e.log.Warn(ctx, "Operation publish queue full, dropping",
			logger.F("whiteboard_id", op.WhiteboardID), logger.F("operation_id", op.ID))
	}
}

// Start 启动下游发布协程，单协程保证发布顺序与版本顺序一致
func (e *CanvasEngine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for op := range e.queue {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := e.sink.Publish(ctx, op); err != nil {
				e.log.Error(ctx, "Failed to publish canvas operation",
					logger.F("whiteboard_id", op.WhiteboardID),
					logger.F("operation_id", op.ID),
					logger.F("version", op.TargetVersion),
					logger.F("error", err))
			}
			cancel()
		}
	}()
}

// Stop 排空队列后关闭下游
func (e *CanvasEngine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.queueMu.Lock()
		e.stopped = true
		close(e.queue)
		e.queueMu.Unlock()
		e.wg.Wait()
		err = e.sink.Close()
	})
	return err
}

// RequestSync 登记一次同步请求，返回的请求ID由应答方回带
func (e *CanvasEngine) RequestSync(whiteboardID, requesterID, requesterConnection string) SyncRequest {
	req := SyncRequest{
		RequestID:           uuid.NewString(),
		WhiteboardID:        whiteboardID,
		RequesterID:         requesterID,
		RequesterConnection: requesterConnection,
		CreatedAt:           e.clk.Now(),
	}
	e.syncMu.Lock()
	e.pending[req.RequestID] = req
	e.syncMu.Unlock()
	return req
}

// CompleteSync 第一个应答完成请求，之后的应答返回 false
func (e *CanvasEngine) CompleteSync(requestID, whiteboardID string) (SyncRequest, bool) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	req, ok := e.pending[requestID]
	if !ok || req.WhiteboardID != whiteboardID {
		return SyncRequest{}, false
	}
	delete(e.pending, requestID)
	return req, true
}

// ExpireSyncRequests 删除超时未应答的请求
func (e *CanvasEngine) ExpireSyncRequests(maxAge time.Duration) int {
	now := e.clk.Now()
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	n := 0
	for id, req := range e.pending {
		if now.Sub(req.CreatedAt) > maxAge {
			delete(e.pending, id)
			n++
		}
	}
	return n
}

// DropConnectionRequests 连接离开时丢弃它发起的同步请求
func (e *CanvasEngine) DropConnectionRequests(connectionID string) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	for id, req := range e.pending {
		if req.RequesterConnection == connectionID {
			delete(e.pending, id)
		}
	}
}
