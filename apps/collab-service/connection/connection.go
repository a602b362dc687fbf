package connection

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"whiteboard-collab/pkg/auth"
)

// Transport 底层传输，WebSocket 或测试替身
type Transport interface {
	Write(frame []byte) error
	Ping() error
	Close(reason string) error
	RemoteAddr() string
}

// Frame 服务端下行帧
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
	TS    int64       `json:"ts"`
}

// Metrics 连接计数
type Metrics struct {
	MessagesIn  int64 `json:"messagesIn"`
	MessagesOut int64 `json:"messagesOut"`
	BytesIn     int64 `json:"bytesIn"`
	BytesOut    int64 `json:"bytesOut"`
	Errors      int64 `json:"errors"`
}

type cleanupFunc struct {
	name string
	fn   func() error
}

// ManagedConnection 受管连接
type ManagedConnection struct {
	ID         string
	SessionID  string
	RemoteAddr string
	CreatedAt  time.Time

	transport Transport
	clk       clock.WithTickerAndDelayedExecution

	messagesIn  atomic.Int64
	messagesOut atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	errors      atomic.Int64
	closing     atomic.Bool

	mu            sync.Mutex
	identity      *auth.Identity
	lastActivity  time.Time
	lastHeartbeat time.Time
	cleanups      []cleanupFunc
	timers        []clock.Timer
	tickers       []chan struct{}
	listeners     map[string]func()
	closeReason   string
	writeMu       sync.Mutex
}

func newManagedConnection(id, sessionID string, t Transport, identity *auth.Identity, clk clock.WithTickerAndDelayedExecution) *ManagedConnection {
	now := clk.Now()
	return &ManagedConnection{
		ID:            id,
		SessionID:     sessionID,
		RemoteAddr:    t.RemoteAddr(),
		CreatedAt:     now,
		transport:     t,
		clk:           clk,
		identity:      identity,
		lastActivity:  now,
		lastHeartbeat: now,
		listeners:     make(map[string]func()),
	}
}

// Identity 当前认证身份，匿名连接返回 nil
func (c *ManagedConnection) Identity() *auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SetIdentity 刷新 token 后替换身份，用户不能变
func (c *ManagedConnection) SetIdentity(id *auth.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != nil && id.UserID != c.identity.UserID {
		return fmt.Errorf("identity user mismatch: %s != %s", id.UserID, c.identity.UserID)
	}
	c.identity = id
	return nil
}

// UserID 用户ID
func (c *ManagedConnection) UserID() string {
	if id := c.Identity(); id != nil {
		return id.UserID
	}
	return ""
}

// Touch 记录一次入站消息
func (c *ManagedConnection) Touch(bytes int) {
	c.messagesIn.Add(1)
	c.bytesIn.Add(int64(bytes))
	c.mu.Lock()
	c.lastActivity = c.clk.Now()
	c.mu.Unlock()
}

// MarkHeartbeat 记录传输层存活信号（pong 或心跳事件），不算作活动
func (c *ManagedConnection) MarkHeartbeat() {
	now := c.clk.Now()
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
}

// RecordError 错误计数加一并返回累计值
func (c *ManagedConnection) RecordError() int64 {
	return c.errors.Add(1)
}

// LastActivity 最近活动时间
func (c *ManagedConnection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// LastHeartbeat 最近存活信号时间
func (c *ManagedConnection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Metrics 计数快照
func (c *ManagedConnection) Metrics() Metrics {
	return Metrics{
		MessagesIn:  c.messagesIn.Load(),
		MessagesOut: c.messagesOut.Load(),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
		Errors:      c.errors.Load(),
	}
}

// CloseReason 注销原因，未注销时为空
func (c *ManagedConnection) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Closed 是否已进入注销流程
func (c *ManagedConnection) Closed() bool {
	return c.closing.Load()
}

// Send 编码并写出一帧
func (c *ManagedConnection) Send(event string, data interface{}) error {
	if c.closing.Load() {
		return fmt.Errorf("connection %s closed", c.ID)
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data, TS: c.clk.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}

	c.writeMu.Lock()
	err = c.transport.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.errors.Add(1)
		return err
	}
	c.messagesOut.Add(1)
	c.bytesOut.Add(int64(len(frame)))
	return nil
}

// OnCleanup 注册注销时执行的回调，按注册顺序执行
func (c *ManagedConnection) OnCleanup(name string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups = append(c.cleanups, cleanupFunc{name: name, fn: fn})
}

// AfterFunc 注册一个随连接注销而取消的定时器
func (c *ManagedConnection) AfterFunc(d time.Duration, fn func()) {
	t := c.clk.AfterFunc(d, fn)
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
}

// Every 周期执行 fn，连接注销时停止
func (c *ManagedConnection) Every(d time.Duration, fn func()) {
	stop := make(chan struct{})
	c.mu.Lock()
	c.tickers = append(c.tickers, stop)
	c.mu.Unlock()

	ticker := c.clk.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				fn()
			}
		}
	}()
}

// AddListener 登记监听器，注销时调用 detach 解除
func (c *ManagedConnection) AddListener(name string, detach func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[name] = detach
}

// RemoveListener 主动解除监听器
func (c *ManagedConnection) RemoveListener(name string) {
	c.mu.Lock()
	detach, ok := c.listeners[name]
	delete(c.listeners, name)
	c.mu.Unlock()
	if ok {
		detach()
	}
}

// teardown 执行清理回调，停止定时器，解除监听器。返回失败的回调
func (c *ManagedConnection) teardown() map[string]error {
	c.mu.Lock()
	cleanups := c.cleanups
	timers := c.timers
	tickers := c.tickers
	listeners := c.listeners
	c.cleanups, c.timers, c.tickers = nil, nil, nil
	c.listeners = make(map[string]func())
	c.mu.Unlock()

	failed := make(map[string]error)
	for _, cb := range cleanups {
		if err := runCleanup(cb.fn); err != nil {
			failed[cb.name] = err
		}
	}
	for _, t := range timers {
		t.Stop()
	}
	for _, stop := range tickers {
		close(stop)
	}
	for _, detach := range listeners {
		detach()
	}
	return failed
}

func runCleanup(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panic: %v", r)
		}
	}()
	return fn()
}
