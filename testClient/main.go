package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/auth"
)

// Client 白板调试客户端
type Client struct {
	conn         *websocket.Conn
	userID       string
	whiteboardID string
	workspaceID  string
	version      atomic.Int64
	writeMu      sync.Mutex
	done         chan struct{}
}

func main() {
	var (
		serverURL  = flag.String("url", "ws://localhost:21010/api/v1/whiteboard/ws", "WebSocket地址")
		secret     = flag.String("secret", "", "JWT签名密钥，设置后本地签发令牌")
		token      = flag.String("token", "", "已有的访问令牌，优先于 -secret")
		userID     = flag.String("user", "", "用户ID，留空随机生成")
		whiteboard = flag.String("board", "board-1", "白板ID")
		workspace  = flag.String("workspace", "", "工作区ID")
		autoMode   = flag.Bool("auto", false, "自动移动光标")
		autoEvery  = flag.Duration("interval", time.Second, "自动模式下的发送间隔")
	)
	flag.Parse()

	if *userID == "" {
		*userID = "user-" + uuid.NewString()[:8]
	}

	accessToken := *token
	if accessToken == "" {
		if *secret == "" {
			log.Fatal("需要 -token 或 -secret")
		}
		var err error
		accessToken, err = mintToken(*secret, *userID)
		if err != nil {
			log.Fatalf("签发令牌失败: %v", err)
		}
	}

	client := &Client{
		userID:       *userID,
		whiteboardID: *whiteboard,
		workspaceID:  *workspace,
		done:         make(chan struct{}),
	}
	if err := client.connect(*serverURL, accessToken); err != nil {
		log.Fatalf("WebSocket连接失败: %v", err)
	}
	defer client.conn.Close()

	fmt.Printf("✅ 已连接 %s (user=%s)\n", *serverURL, client.userID)

	go client.receiveMessages()

	if err := client.send(model.EventJoin, model.JoinEvent{
		WhiteboardID: client.whiteboardID,
		WorkspaceID:  client.workspaceID,
	}); err != nil {
		log.Fatalf("加入白板失败: %v", err)
	}

	if *autoMode {
		go client.autoMoveCursor(*autoEvery)
	}

	client.handleUserInput()
}

func mintToken(secret, userID string) (string, error) {
	gate, err := auth.NewGate(auth.Config{Secret: secret}, nil)
	if err != nil {
		return "", err
	}
	return gate.GenerateToken(auth.Identity{UserID: userID, Name: userID})
}

// connect 令牌经子协议携带，与浏览器的握手方式一致
func (c *Client) connect(url, token string) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{auth.ProtocolTokenMarker, token},
	}
	conn, resp, err := dialer.Dial(url, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return err
	}
	c.conn = conn
	return nil
}

func (c *Client) send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(model.Envelope{Event: event, Data: raw})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// receiveMessages 打印下行事件并跟踪画布版本
func (c *Client) receiveMessages() {
	defer close(c.done)
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				fmt.Printf("\n🔌 连接关闭: code=%d reason=%s\n", ce.Code, ce.Text)
			} else {
				fmt.Printf("\n❌ 读取消息失败: %v\n", err)
			}
			return
		}

		event := gjson.GetBytes(frame, "event").String()
		data := gjson.GetBytes(frame, "data")
		switch event {
		case model.EventSessionStarted:
			c.version.Store(data.Get("canvasVersion").Int())
			fmt.Printf("\n🎨 会话开始 session=%s version=%d 在线=%d\n",
				data.Get("sessionId").String(), c.version.Load(), len(data.Get("presenceState").Array()))
		case model.EventCanvasAck:
			if data.Get("success").Bool() {
				c.version.Store(data.Get("newVersion").Int())
			}
			fmt.Printf("\n✅ 操作确认 op=%s version=%d\n", data.Get("operationId").String(), data.Get("newVersion").Int())
		case model.EventCanvasChange:
			if v := data.Get("targetVersion"); v.Exists() {
				c.version.Store(v.Int())
			}
			fmt.Printf("\n✏️  画布变更: %s\n", data.Raw)
		case model.EventCursorUpdated:
			fmt.Printf("\n🖱  %s → (%.0f, %.0f)\n", data.Get("userId").String(),
				data.Get("position.x").Float(), data.Get("position.y").Float())
		case model.EventSyncRequested:
			fmt.Printf("\n🔄 收到同步请求 %s\n", data.Get("requestId").String())
			c.answerSync(data)
		case model.EventError:
			fmt.Printf("\n⚠️  错误 [%s/%s]: %s\n", data.Get("kind").String(), data.Get("code").String(), data.Get("message").String())
		case model.EventHeartbeatAck:
		default:
			if strings.HasSuffix(event, "_rate_limited") {
				fmt.Printf("\n🐢 %s retryAfterMs=%d\n", event, data.Get("retryAfterMs").Int())
				continue
			}
			fmt.Printf("\n📨 %s: %s\n", event, data.Raw)
		}
		fmt.Print("> ")
	}
}

// answerSync 调试客户端不持有画布，回传空快照
func (c *Client) answerSync(req gjson.Result) {
	err := c.send(model.EventSyncResponse, model.SyncResponseEvent{
		RequestID:          req.Get("requestId").String(),
		TargetConnectionID: req.Get("requesterConnectionId").String(),
		Snapshot:           json.RawMessage(`{"elements":[]}`),
		Version:            c.version.Load(),
	})
	if err != nil {
		fmt.Printf("❌ 同步应答失败: %v\n", err)
	}
}

func (c *Client) autoMoveCursor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			x, y := rand.Float64()*1920, rand.Float64()*1080
			if err := c.moveCursor(x, y); err != nil {
				fmt.Printf("❌ 自动发送失败: %v\n", err)
				return
			}
		}
	}
}

func (c *Client) moveCursor(x, y float64) error {
	return c.send(model.EventCursorMove, model.CursorMoveEvent{
		Position:  &model.Position{X: x, Y: y, CanvasX: x, CanvasY: y},
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Client) handleUserInput() {
	scanner := bufio.NewScanner(os.Stdin)
	showHelp()
	fmt.Print("> ")

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Print("> ")
			continue
		}

		var err error
		switch fields[0] {
		case "help":
			showHelp()
		case "move":
			if len(fields) != 3 {
				fmt.Println("用法: move <x> <y>")
				break
			}
			x, errX := strconv.ParseFloat(fields[1], 64)
			y, errY := strconv.ParseFloat(fields[2], 64)
			if errX != nil || errY != nil {
				fmt.Println("坐标必须是数字")
				break
			}
			err = c.moveCursor(x, y)
		case "select":
			err = c.send(model.EventSelectionChanged, model.SelectionChangedEvent{
				ElementIDs:    fields[1:],
				IsMultiSelect: len(fields) > 2,
			})
		case "draw", "delete":
			if len(fields) != 2 {
				fmt.Printf("用法: %s <elementId>\n", fields[0])
				break
			}
			kind, payload := model.OpCreate, json.RawMessage(`{"shape":"rect","w":100,"h":60}`)
			if fields[0] == "delete" {
				kind, payload = model.OpDelete, nil
			}
			version := c.version.Load()
			err = c.send(model.EventCanvasChange, model.CanvasChangeEvent{
				Operation:     &model.OperationInput{ElementID: fields[1], ElementType: "shape", Type: kind, Payload: payload},
				ClientVersion: &version,
			})
		case "resolve":
			if len(fields) != 3 {
				fmt.Println("用法: resolve <conflictId> <ownership|shared|cancel>")
				break
			}
			err = c.send(model.EventResolveConflict, model.ResolveConflictEvent{
				ConflictID: fields[1],
				Resolution: model.ConflictResolution(fields[2]),
			})
		case "status":
			if len(fields) != 2 {
				fmt.Println("用法: status <online|idle|away|busy>")
				break
			}
			err = c.send(model.EventPresence, model.PresenceEvent{Status: model.PresenceStatus(fields[1])})
		case "sync":
			err = c.send(model.EventRequestSync, model.RequestSyncEvent{})
		case "ping":
			err = c.send(model.EventHeartbeat, model.HeartbeatEvent{})
		case "leave":
			err = c.send(model.EventLeave, model.LeaveEvent{WhiteboardID: c.whiteboardID, Reason: "manual"})
		case "exit", "quit":
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			fmt.Println("👋 再见")
			return
		default:
			fmt.Printf("未知命令: %s，输入 help 查看帮助\n", fields[0])
		}
		if err != nil {
			fmt.Printf("❌ 发送失败: %v\n", err)
		}
		fmt.Print("> ")
	}
}

func showHelp() {
	fmt.Println("📋 可用命令:")
	fmt.Println("  move <x> <y>                  - 移动光标")
	fmt.Println("  select <id...>                - 选中元素，不带参数为清空")
	fmt.Println("  draw <elementId>              - 以当前版本创建元素")
	fmt.Println("  delete <elementId>            - 删除元素")
	fmt.Println("  resolve <conflictId> <mode>   - 处理选区冲突")
	fmt.Println("  status <online|idle|away|busy> - 更新在线状态")
	fmt.Println("  sync                          - 向其他协作者请求快照")
	fmt.Println("  ping                          - 发送心跳")
	fmt.Println("  leave                         - 离开白板")
	fmt.Println("  exit                          - 断开连接")
}
