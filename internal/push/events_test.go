package push

import (
	"testing"
	"time"

	"github.com/fixmarket/casechat/internal/bus"
	"github.com/fixmarket/casechat/internal/chat"
)

func TestDispatchNewMessage(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("push.", 8)
	defer unsub()

	raw := []byte(`{"event":"new_message","data":{"id":"m1","case_id":42,"sender_id":"7","receiver_id":"9","content":"hi","created_at":"2026-08-30T10:00:00Z"}}`)
	if err := dispatch(b, raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	evt := <-ch
	if evt.Kind != bus.PushMessage {
		t.Fatalf("kind = %s", evt.Kind)
	}
	msg, ok := evt.Data.(chat.Message)
	if !ok {
		t.Fatalf("payload type = %T", evt.Data)
	}
	if msg.ID != "m1" || msg.CaseID != "42" || msg.Content != "hi" {
		t.Errorf("message = %+v", msg)
	}
}

func TestDispatchTypingAndRead(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("push.", 8)
	defer unsub()

	if err := dispatch(b, []byte(`{"event":"user_typing","data":{"case_id":"42","user_id":"9","is_typing":true}}`)); err != nil {
		t.Fatal(err)
	}
	evt := <-ch
	te, ok := evt.Data.(TypingEvent)
	if !ok || evt.Kind != bus.PushTyping {
		t.Fatalf("event = %+v", evt)
	}
	if te.UserID != "9" || !te.IsTyping {
		t.Errorf("typing = %+v", te)
	}

	if err := dispatch(b, []byte(`{"event":"messages_read","data":{"case_id":"42","user_id":"9"}}`)); err != nil {
		t.Fatal(err)
	}
	evt = <-ch
	re, ok := evt.Data.(ReadEvent)
	if !ok || evt.Kind != bus.PushRead {
		t.Fatalf("event = %+v", evt)
	}
	if re.CaseID != "42" || re.UserID != "9" {
		t.Errorf("read = %+v", re)
	}
}

func TestDispatchUnknownEventIgnored(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("push.", 8)
	defer unsub()

	if err := dispatch(b, []byte(`{"event":"bid_updated","data":{}}`)); err != nil {
		t.Fatalf("unknown event errored: %v", err)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchMalformedFrame(t *testing.T) {
	b := bus.New()
	if err := dispatch(b, []byte(`{"event":"new_message","data":"not an object"}`)); err == nil {
		t.Error("malformed payload accepted")
	}
	if err := dispatch(b, []byte(`not json`)); err == nil {
		t.Error("malformed frame accepted")
	}
}
