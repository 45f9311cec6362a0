package push

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fixmarket/casechat/internal/bus"
	"github.com/fixmarket/casechat/internal/chat"
)

// Wire event names, matching the backend's socket protocol.
const (
	evtNewMessage   = "new_message"
	evtUserTyping   = "user_typing"
	evtMessagesRead = "messages_read"

	evtJoinCase    = "join_case"
	evtLeaveCase   = "leave_case"
	evtTypingStart = "typing_start"
	evtTypingStop  = "typing_stop"
	evtMarkRead    = "mark_read"
)

// envelope is the JSON frame exchanged on the socket.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StateChange is the payload on bus.PushState.
type StateChange struct {
	State chat.ConnState
}

// TypingEvent is the payload on bus.PushTyping.
type TypingEvent struct {
	CaseID   chat.CaseID `json:"case_id"`
	UserID   chat.UserID `json:"user_id"`
	IsTyping bool        `json:"is_typing"`
}

// ReadEvent is the payload on bus.PushRead: the named user has read
// their messages in the case.
type ReadEvent struct {
	CaseID chat.CaseID `json:"case_id"`
	UserID chat.UserID `json:"user_id"`
}

type casePayload struct {
	CaseID chat.CaseID `json:"case_id"`
}

// dispatch parses one inbound frame and publishes the matching bus
// event. Unknown event names are ignored so protocol additions do not
// break older clients.
func dispatch(b *bus.Bus, raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch env.Event {
	case evtNewMessage:
		var msg chat.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", env.Event, err)
		}
		b.Publish(bus.Event{Kind: bus.PushMessage, At: time.Now(), Data: msg})
	case evtUserTyping:
		var te TypingEvent
		if err := json.Unmarshal(env.Data, &te); err != nil {
			return fmt.Errorf("decode %s: %w", env.Event, err)
		}
		b.Publish(bus.Event{Kind: bus.PushTyping, At: time.Now(), Data: te})
	case evtMessagesRead:
		var re ReadEvent
		if err := json.Unmarshal(env.Data, &re); err != nil {
			return fmt.Errorf("decode %s: %w", env.Event, err)
		}
		b.Publish(bus.Event{Kind: bus.PushRead, At: time.Now(), Data: re})
	}
	return nil
}
