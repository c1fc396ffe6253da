package collab

import (
	"context"
	"encoding/json"
	"time"

	"CollabProject/logger"
	"CollabProject/service/activity"
)

// dispatch 分发一帧上行消息。未知类型/非法负载只私发 error 事件，
// 连接保持打开。
func (s *Server) dispatch(conn *Connection, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.sendError(conn, "Invalid JSON")
		return
	}

	switch env.Type {
	case MsgFileChange:
		s.handleFileChange(conn, env.Data)
	case MsgCursorUpdate:
		s.handleCursorUpdate(conn, env.Data)
	case MsgChat:
		s.handleChat(conn, env.Data)
	case MsgPing:
		s.reg.SendToConnection(conn.ID, Event{Type: EventPong, Data: map[string]any{}})
	default:
		s.sendError(conn, "Unknown message type: "+env.Type)
	}
}

func (s *Server) sendError(conn *Connection, msg string) {
	s.reg.SendToConnection(conn.ID, Event{
		Type: EventError,
		Data: map[string]any{"message": msg},
	})
}

// handleJoin 入场序列：
//  1. 向工作区其他本地连接广播 user.join
//  2. 给新连接私发 workspace.state 在线快照（注册在前，快照含自己）
//  3. 跨进程发布 user.join
//  4. 尽力而为写活动记录
func (s *Server) handleJoin(ctx context.Context, conn *Connection) {
	users := s.reg.WorkspaceUsers(conn.WorkspaceID)

	s.reg.Broadcast(conn.WorkspaceID, Event{
		Type: EventUserJoin,
		Data: map[string]any{
			"user_id":   conn.UserID,
			"username":  conn.Username,
			"timestamp": s.timestamp(),
		},
	}, conn.ID)

	s.reg.SendToConnection(conn.ID, Event{
		Type: EventWorkspaceState,
		Data: map[string]any{
			"active_users": users,
			"user_count":   len(users),
		},
	})

	s.bus.Publish(ctx, WorkspaceChannel(conn.WorkspaceID), &BusMessage{
		Type:        EventUserJoin,
		WorkspaceID: conn.WorkspaceID,
		Data: map[string]any{
			"user_id":  conn.UserID,
			"username": conn.Username,
		},
		SenderID: conn.UserID,
		Origin:   s.gwID,
	})

	s.logActivity(ctx, conn, activity.EventUserJoin, map[string]any{"connection_id": conn.ID})
}

// handleLeave 离场序列：时长广播 + 跨进程发布 + 活动记录。
// 对一条连接只会执行一次，无论是正常断开还是发送失败清理。
func (s *Server) handleLeave(conn *Connection) {
	conn.once.Do(func() {
		ctx := context.Background()
		duration := int(s.clock().Sub(conn.ConnectedAt).Seconds())

		s.reg.Broadcast(conn.WorkspaceID, Event{
			Type: EventUserLeave,
			Data: map[string]any{
				"user_id":   conn.UserID,
				"username":  conn.Username,
				"timestamp": s.timestamp(),
			},
		}, "")

		s.bus.Publish(ctx, WorkspaceChannel(conn.WorkspaceID), &BusMessage{
			Type:        EventUserLeave,
			WorkspaceID: conn.WorkspaceID,
			Data: map[string]any{
				"user_id":          conn.UserID,
				"username":         conn.Username,
				"duration_seconds": duration,
			},
			SenderID: conn.UserID,
			Origin:   s.gwID,
		})

		s.logActivity(ctx, conn, activity.EventUserLeave, map[string]any{"duration_seconds": duration})
	})
}

type filePayload struct {
	FilePath     string `json:"file_path"`
	Operation    string `json:"operation"` // create/update/delete/rename
	ContentHash  string `json:"content_hash,omitempty"`
	PreviousPath string `json:"previous_path,omitempty"`
}

// handleFileChange 本地广播（排除发送者）+ 跨进程发布 + 落库
func (s *Server) handleFileChange(conn *Connection, raw json.RawMessage) {
	var p filePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.sendError(conn, "Invalid payload")
		return
	}

	data := map[string]any{
		"user_id":      conn.UserID,
		"username":     conn.Username,
		"file_path":    p.FilePath,
		"operation":    p.Operation,
		"content_hash": p.ContentHash,
		"timestamp":    s.timestamp(),
	}
	if p.PreviousPath != "" {
		data["previous_path"] = p.PreviousPath
	}

	ctx := context.Background()
	s.reg.Broadcast(conn.WorkspaceID, Event{Type: EventFileChange, Data: data}, conn.ID)
	s.bus.Publish(ctx, WorkspaceChannel(conn.WorkspaceID), &BusMessage{
		Type:        EventFileChange,
		WorkspaceID: conn.WorkspaceID,
		Data:        data,
		SenderID:    conn.UserID,
		Origin:      s.gwID,
	})
	s.logActivity(ctx, conn, activity.EventFileChange, map[string]any{
		"file_path":     p.FilePath,
		"operation":     p.Operation,
		"content_hash":  p.ContentHash,
		"previous_path": p.PreviousPath,
	})
}

type cursorPayload struct {
	FilePath  string         `json:"file_path"`
	Position  map[string]any `json:"position"`
	Selection map[string]any `json:"selection,omitempty"`
}

// handleCursorUpdate 高频且短命：本地广播（排除发送者）+ 跨进程发布，
// 不落库——这是与 file.change 的刻意区别。
func (s *Server) handleCursorUpdate(conn *Connection, raw json.RawMessage) {
	var p cursorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.sendError(conn, "Invalid payload")
		return
	}

	data := map[string]any{
		"user_id":   conn.UserID,
		"username":  conn.Username,
		"file_path": p.FilePath,
		"position":  p.Position,
		"selection": p.Selection,
		"timestamp": s.timestamp(),
	}

	s.reg.Broadcast(conn.WorkspaceID, Event{Type: EventCursorUpdate, Data: data}, conn.ID)
	s.bus.Publish(context.Background(), WorkspaceChannel(conn.WorkspaceID), &BusMessage{
		Type:        EventCursorUpdate,
		WorkspaceID: conn.WorkspaceID,
		Data:        data,
		SenderID:    conn.UserID,
		Origin:      s.gwID,
	})
}

type chatPayload struct {
	Message string `json:"message"`
}

// handleChat 聊天广播给所有人（含发送者，客户端以此确认送达）
func (s *Server) handleChat(conn *Connection, raw json.RawMessage) {
	var p chatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.sendError(conn, "Invalid payload")
		return
	}

	data := map[string]any{
		"user_id":   conn.UserID,
		"username":  conn.Username,
		"message":   p.Message,
		"timestamp": s.timestamp(),
	}

	ctx := context.Background()
	s.reg.Broadcast(conn.WorkspaceID, Event{Type: EventMessage, Data: data}, "")
	s.bus.Publish(ctx, WorkspaceChannel(conn.WorkspaceID), &BusMessage{
		Type:        EventMessage,
		WorkspaceID: conn.WorkspaceID,
		Data:        data,
		SenderID:    conn.UserID,
		Origin:      s.gwID,
	})
	s.logActivity(ctx, conn, activity.EventMessage, map[string]any{"message": p.Message})
}

// logActivity 失败只打日志，绝不打断消息循环
func (s *Server) logActivity(ctx context.Context, conn *Connection, typ activity.EventType, payload map[string]any) {
	if s.activity == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[collab] activity log panic: %v", r)
		}
	}()
	s.activity.Log(ctx, activity.Event{
		WorkspaceID: conn.WorkspaceID,
		UserID:      conn.UserID,
		Username:    conn.Username,
		EventType:   typ,
		Payload:     payload,
	})
}

func (s *Server) timestamp() string {
	return s.clock().UTC().Format(time.RFC3339)
}
