// Package conntest 提供测试用的内存传输
package conntest

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed 已关闭
var ErrClosed = errors.New("transport closed")

// Frame 解码后的下行帧
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	TS    int64           `json:"ts"`
}

// Transport 记录所有写出帧的内存传输
type Transport struct {
	Addr string

	mu          sync.Mutex
	frames      []Frame
	closed      bool
	closeReason string
	pingErr     error
	writeErr    error
	onClose     func(reason string)
}

// New 创建内存传输
func New(addr string) *Transport {
	return &Transport{Addr: addr}
}

// Write .
func (t *Transport) Write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.writeErr != nil {
		return t.writeErr
	}
	var f Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return err
	}
	t.frames = append(t.frames, f)
	return nil
}

// Ping .
func (t *Transport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return t.pingErr
}

// Close .
func (t *Transport) Close(reason string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	t.closeReason = reason
	cb := t.onClose
	t.mu.Unlock()
	if cb != nil {
		cb(reason)
	}
	return nil
}

// RemoteAddr .
func (t *Transport) RemoteAddr() string { return t.Addr }

// FailPing 之后的 Ping 返回 err
func (t *Transport) FailPing(err error) {
	t.mu.Lock()
	t.pingErr = err
	t.mu.Unlock()
}

// FailWrite 之后的 Write 返回 err
func (t *Transport) FailWrite(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

// OnClose 关闭回调
func (t *Transport) OnClose(fn func(reason string)) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

// Closed 是否已关闭及原因
func (t *Transport) Closed() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeReason
}

// Frames 已写出帧的副本
func (t *Transport) Frames() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Frame, len(t.frames))
	copy(out, t.frames)
	return out
}

// Events 已写出的事件名
func (t *Transport) Events() []string {
	frames := t.Frames()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

// Last 最后一个指定事件的帧
func (t *Transport) Last(event string) (Frame, bool) {
	frames := t.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			return frames[i], true
		}
	}
	return Frame{}, false
}

// Count 指定事件的帧数
func (t *Transport) Count(event string) int {
	n := 0
	for _, f := range t.Frames() {
		if f.Event == event {
			n++
		}
	}
	return n
}

// Reset 清空已记录帧
func (t *Transport) Reset() {
	t.mu.Lock()
	t.frames = nil
	t.mu.Unlock()
}
