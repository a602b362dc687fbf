package handler

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/metrics"
)

// CloseAuthExpired 令牌过期断开使用的应用关闭码
const CloseAuthExpired = 4001

// wsTransport gorilla 连接适配为 connection.Transport。
// gorilla 只允许一个并发写者，数据帧写入串行化；控制帧可并发写
type wsTransport struct {
	conn         *websocket.Conn
	addr         string
	writeTimeout time.Duration

	mu sync.Mutex
}

func newWSTransport(conn *websocket.Conn, addr string, writeTimeout time.Duration) *wsTransport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsTransport{conn: conn, addr: addr, writeTimeout: writeTimeout}
}

// Write 写出一个文本帧。gorilla 的写错误是粘滞的，失败后不重试
func (t *wsTransport) Write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}
	metrics.MessagesSent.Inc()
	return nil
}

// Ping .
func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

// Close 发送关闭帧后关闭底层连接
func (t *wsTransport) Close(reason string) error {
	msg := websocket.FormatCloseMessage(closeCode(reason), reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout))
	return t.conn.Close()
}

// RemoteAddr .
func (t *wsTransport) RemoteAddr() string {
	return t.addr
}

func closeCode(reason string) int {
	switch reason {
	case model.ReasonForceShutdown:
		return websocket.CloseGoingAway
	case model.ReasonAuthExpired:
		return CloseAuthExpired
	case model.ReasonErrorThreshold:
		return websocket.ClosePolicyViolation
	case model.AdmitGlobalLimit, model.AdmitUserLimit, model.AdmitIPLimit, model.AdmitShutdown:
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseNormalClosure
	}
}
