package bus

import "time"

// Kind names an event. Kinds are dot-namespaced so subscribers can
// filter by prefix ("push.", "conv.", ...).
type Kind string

// Event kinds published across the client. Payload types live next to
// their producers (internal/push, internal/sync).
const (
	// Push transport (produced by internal/push).
	PushState   Kind = "push.state"
	PushMessage Kind = "push.message"
	PushTyping  Kind = "push.typing"
	PushRead    Kind = "push.read"

	// Conversation engines (produced by internal/sync).
	ConvState     Kind = "conv.state_changed"
	ConvUpdated   Kind = "conv.updated"
	ConvTyping    Kind = "conv.typing_changed"
	ConvUnhealthy Kind = "conv.unhealthy"
)

// Event is one occurrence published on the bus.
type Event struct {
	Kind Kind
	At   time.Time
	Data any
}
