package collab

import (
	"context"
	"encoding/json"
	"testing"
)

func TestChannelNames(t *testing.T) {
	if got := WorkspaceChannel("w1"); got != "workspace:w1" {
		t.Fatalf("workspace channel = %q", got)
	}
	if got := UserChannel("u1"); got != "user:u1" {
		t.Fatalf("user channel = %q", got)
	}
	if got := GlobalChannel(); got != "broadcast:all" {
		t.Fatalf("global channel = %q", got)
	}
}

func TestDeliverSkipsOwnOrigin(t *testing.T) {
	b := NewRedisBus(nil, "gw-1")

	mk := func(origin string) []byte {
		raw, err := json.Marshal(&BusMessage{
			Type:        EventMessage,
			WorkspaceID: "w1",
			Data:        map[string]any{"message": "hi"},
			Origin:      origin,
		})
		if err != nil {
			t.Fatal(err)
		}
		return raw
	}

	var got []*BusMessage
	fn := func(msg *BusMessage) { got = append(got, msg) }

	b.deliver(mk("gw-1"), fn) // 本进程回声：丢弃
	if len(got) != 0 {
		t.Fatalf("own-origin message must be dropped")
	}

	b.deliver(mk("gw-2"), fn) // 其他进程：投递
	if len(got) != 1 || got[0].Origin != "gw-2" {
		t.Fatalf("foreign-origin message must be delivered, got %+v", got)
	}

	b.deliver([]byte("not json"), fn) // 非法消息：丢弃
	if len(got) != 1 {
		t.Fatalf("invalid message must be dropped")
	}
}

func TestNilRedisBusDegradesQuietly(t *testing.T) {
	b := NewRedisBus(nil, "gw-1")

	// 单进程部署：发布与订阅都是空操作，不 panic
	b.Publish(context.Background(), WorkspaceChannel("w1"), &BusMessage{Type: EventMessage, WorkspaceID: "w1"})
	b.Subscribe(WorkspaceChannel("w1"), func(*BusMessage) {})
	b.Unsubscribe(WorkspaceChannel("w1"))
	b.Unsubscribe(WorkspaceChannel("w1")) // 重复取消订阅安全
	b.Close()
}
