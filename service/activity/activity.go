package activity

import (
	"context"
	"encoding/json"
	"time"

	"CollabProject/logger"

	"github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/mongo"
)

// EventType 活动类型（与 websocket 事件同名）
type EventType string

const (
	EventUserJoin   EventType = "user.join"
	EventUserLeave  EventType = "user.leave"
	EventFileChange EventType = "file.change"
	EventMessage    EventType = "message"
)

// Event 落库到 activities 集合的文档
type Event struct {
	ProjectID   string         `bson:"project_id" json:"project_id"`
	WorkspaceID string         `bson:"workspace_id" json:"workspace_id"`
	UserID      string         `bson:"user_id" json:"user_id"`
	Username    string         `bson:"username" json:"username"`
	EventType   EventType      `bson:"event_type" json:"event_type"`
	Payload     map[string]any `bson:"payload" json:"payload"`
	CreatedAt   time.Time      `bson:"created_at" json:"created_at"`
}

// Sink 活动日志旁路：Mongo 落库 + 可选 NATS 转发给任务管线。
// 全部尽力而为，失败只打日志，绝不向调用方冒泡。
type Sink struct {
	col     *mongo.Collection
	nc      *nats.Conn
	subject string
}

func NewSink(col *mongo.Collection, nc *nats.Conn, subject string) *Sink {
	if subject == "" {
		subject = "activity.events"
	}
	return &Sink{col: col, nc: nc, subject: subject}
}

// Log 追加一条活动记录
func (s *Sink) Log(ctx context.Context, ev Event) {
	if s == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if s.col != nil {
		insCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if _, err := s.col.InsertOne(insCtx, ev); err != nil {
			logger.Errorf("[activity] insert failed workspace=%s type=%s err=%v",
				ev.WorkspaceID, ev.EventType, err)
		}
	}

	if s.nc != nil {
		raw, err := json.Marshal(ev)
		if err != nil {
			logger.Errorf("[activity] marshal failed: %v", err)
			return
		}
		if err := s.nc.Publish(s.subject, raw); err != nil {
			logger.Warnf("[activity] nats publish failed subject=%s err=%v", s.subject, err)
		}
	}
}
