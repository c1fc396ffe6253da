package collab

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventKind 下行事件类型
type EventKind string

const (
	EventUserJoin       EventKind = "user.join"
	EventUserLeave      EventKind = "user.leave"
	EventFileChange     EventKind = "file.change"
	EventCursorUpdate   EventKind = "cursor.update"
	EventMessage        EventKind = "message"
	EventWorkspaceState EventKind = "workspace.state"
	EventPong           EventKind = "pong"
	EventError          EventKind = "error"
)

// 上行消息类型（客户端 -> 服务端）
const (
	MsgFileChange   = "file.change"
	MsgCursorUpdate = "cursor.update"
	MsgChat         = "message"
	MsgPing         = "ping"
)

// Envelope 上行帧 {"type": ..., "data": {...}}
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event 下行事件
type Event struct {
	Type EventKind      `json:"type"`
	Data map[string]any `json:"data"`
}

// BusMessage 跨进程总线消息。Origin 为发布方进程（gateway）ID，
// 订阅端据此丢弃本进程发布的回声，避免同进程用户收到两遍。
type BusMessage struct {
	Type        EventKind      `json:"type"`
	WorkspaceID string         `json:"workspace_id"`
	Data        map[string]any `json:"data"`
	SenderID    string         `json:"sender_id,omitempty"`
	Origin      string         `json:"origin"`
}

// wsWriter 发送所需的最小连接接口（*websocket.Conn 满足；单测用假实现）
type wsWriter interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connection 一条活跃的 websocket 连接，归属本进程的 Registry
type Connection struct {
	ID          string
	UserID      string
	Username    string
	WorkspaceID string
	ConnectedAt time.Time

	ws   wsWriter
	wmu  sync.Mutex // gorilla 只允许单写者
	once sync.Once  // 离场序列只跑一次
}

// send 写一帧文本消息；注册表锁之外调用
func (c *Connection) send(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// UserPresence 工作区在线用户（按 user 去重后的视图）
type UserPresence struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	ConnectedAt string `json:"connected_at"`
}
