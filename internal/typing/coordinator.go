// Package typing derives the ephemeral "user is typing" signal for one
// conversation from local keystrokes and remote push events. It never
// touches message flow.
package typing

import (
	"sync"
	"time"

	"github.com/fixmarket/casechat/internal/chat"
)

// Options bounds the signal rate. All fields are required; the debounce
// window is a tuning parameter, not a constant buried in the code.
type Options struct {
	// Debounce is the minimum gap between outbound typing_start events.
	Debounce time.Duration
	// TTL is how long a remote signal lives without a refresh.
	TTL time.Duration
	// Idle is the keystroke silence after which typing_stop is emitted.
	Idle time.Duration
}

// Coordinator tracks local and remote typing state for one case.
type Coordinator struct {
	mu   sync.Mutex
	opts Options
	self chat.UserID

	// emit sends typing_start (true) / typing_stop (false) upstream.
	emit func(isTyping bool)

	localTyping bool
	lastEmit    time.Time
	lastInput   time.Time

	remote map[chat.UserID]chat.TypingSignal
}

// New creates a coordinator. emit may be nil for a receive-only view.
func New(self chat.UserID, opts Options, emit func(isTyping bool)) *Coordinator {
	return &Coordinator{
		opts:   opts,
		self:   self,
		emit:   emit,
		remote: make(map[chat.UserID]chat.TypingSignal),
	}
}

// InputChanged observes the composer content after each keystroke.
// Non-empty input emits typing_start at most once per debounce window;
// input becoming empty emits typing_stop immediately.
func (c *Coordinator) InputChanged(text string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if text == "" {
		if c.localTyping {
			c.localTyping = false
			c.send(false)
		}
		return
	}

	c.lastInput = now
	if c.localTyping && now.Sub(c.lastEmit) < c.opts.Debounce {
		return
	}
	c.localTyping = true
	c.lastEmit = now
	c.send(true)
}

// Tick runs idle detection and remote expiry. Called by the engine's
// sweep timer. Returns true when visible remote state changed.
func (c *Coordinator) Tick(now time.Time) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localTyping && now.Sub(c.lastInput) >= c.opts.Idle {
		c.localTyping = false
		c.send(false)
	}

	for user, sig := range c.remote {
		// Self-expiry covers a lost typing_stop event.
		if sig.Expired(now) {
			delete(c.remote, user)
			changed = true
		}
	}
	return changed
}

// Apply records a remote typing event. Signals from the local user are
// ignored. Returns true when visible state changed.
func (c *Coordinator) Apply(user chat.UserID, isTyping bool, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if user == c.self {
		return false
	}
	if !isTyping {
		if _, ok := c.remote[user]; ok {
			delete(c.remote, user)
			return true
		}
		return false
	}
	_, existed := c.remote[user]
	c.remote[user] = chat.TypingSignal{
		UserID:    user,
		IsTyping:  true,
		ExpiresAt: now.Add(c.opts.TTL),
	}
	return !existed
}

// Active returns users currently typing, excluding the local user and
// anything past its TTL.
func (c *Coordinator) Active(now time.Time) []chat.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []chat.UserID
	for user, sig := range c.remote {
		if !sig.Expired(now) {
			out = append(out, user)
		}
	}
	return out
}

// Stop clears local typing state, emitting typing_stop if needed. Used
// on conversation close so the peer does not see a stuck indicator.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localTyping {
		c.localTyping = false
		c.send(false)
	}
}

func (c *Coordinator) send(isTyping bool) {
	if c.emit != nil {
		c.emit(isTyping)
	}
}
