// Package push maintains the websocket event channel to the backend:
// low latency, not trusted for delivery. It owns no conversation state
// beyond the set of joined cases it must replay after a reconnect; the
// sync engine drives it and the bus carries its inbound events.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fixmarket/casechat/internal/bus"
	"github.com/fixmarket/casechat/internal/chat"
)

// TransportError is a push channel failure. Recoverable: the engines
// fall back to shortened polling while the adapter reconnects.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("push %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	maxBackoff   = 30 * time.Second
)

// Adapter is the websocket client.
type Adapter struct {
	url    string
	token  string
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	state  chat.ConnState
	joined map[chat.CaseID]struct{}

	out    chan envelope
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates an adapter for the given socket URL. The bearer
// token authenticates the connection; case membership is established
// per conversation via Join.
func NewAdapter(url, token string, b *bus.Bus, logger *zap.Logger) *Adapter {
	return &Adapter{
		url:    url,
		token:  token,
		bus:    b,
		logger: logger,
		state:  chat.Disconnected,
		joined: make(map[chat.CaseID]struct{}),
		out:    make(chan envelope, 64),
	}
}

// Start runs the connect/read/reconnect loop until Stop.
func (a *Adapter) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
}

// Stop tears the connection down and waits for the loops to exit.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.setState(chat.Disconnected)
}

// State returns the current connection state.
func (a *Adapter) State() chat.ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Join subscribes to a case's events. Remembered across reconnects.
func (a *Adapter) Join(caseID chat.CaseID) {
	a.mu.Lock()
	a.joined[caseID] = struct{}{}
	a.mu.Unlock()
	a.enqueue(evtJoinCase, casePayload{CaseID: caseID})
}

// Leave unsubscribes from a case's events.
func (a *Adapter) Leave(caseID chat.CaseID) {
	a.mu.Lock()
	delete(a.joined, caseID)
	a.mu.Unlock()
	a.enqueue(evtLeaveCase, casePayload{CaseID: caseID})
}

// SendTyping emits typing_start or typing_stop for a case. Best
// effort: typing signals are ephemeral, a dropped one only delays the
// indicator.
func (a *Adapter) SendTyping(caseID chat.CaseID, isTyping bool) {
	name := evtTypingStart
	if !isTyping {
		name = evtTypingStop
	}
	a.enqueue(name, casePayload{CaseID: caseID})
}

// SendMarkRead emits mark_read for a case. The REST call is the
// durable path; this only speeds up the peer's receipt.
func (a *Adapter) SendMarkRead(caseID chat.CaseID) {
	a.enqueue(evtMarkRead, casePayload{CaseID: caseID})
}

func (a *Adapter) enqueue(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		a.logger.Error("encode outbound event", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case a.out <- envelope{Event: event, Data: raw}:
	default:
		a.logger.Warn("outbound buffer full, dropping event", zap.String("event", event))
	}
}

func (a *Adapter) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		a.setState(chat.Connecting)

		conn, err := a.dial(ctx)
		if err != nil {
			a.logger.Warn("push connect failed", zap.Error(&TransportError{Op: "dial", Err: err}))
			a.setState(chat.Disconnected)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		a.setState(chat.Connected)
		a.replayJoins()

		a.serve(ctx, conn)
		_ = conn.Close()
		a.setState(chat.Disconnected)
	}
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if a.token != "" {
		header.Set("Authorization", "Bearer "+a.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.url, header)
	return conn, err
}

// replayJoins re-establishes case membership after a (re)connect.
func (a *Adapter) replayJoins() {
	a.mu.Lock()
	cases := make([]chat.CaseID, 0, len(a.joined))
	for id := range a.joined {
		cases = append(cases, id)
	}
	a.mu.Unlock()
	for _, id := range cases {
		a.enqueue(evtJoinCase, casePayload{CaseID: id})
	}
}

// serve runs the read and write pumps for one connection and returns
// when either fails or ctx is cancelled.
func (a *Adapter) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	// Unblock a reader stuck in ReadMessage once the connection is done.
	go func() {
		<-connCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		defer connCancel()
		a.writePump(connCtx, conn)
	}()

	a.readPump(connCtx, conn)
	connCancel()
	pumps.Wait()
}

func (a *Adapter) readPump(ctx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Warn("push read failed", zap.Error(err))
			}
			return
		}
		if err := dispatch(a.bus, raw); err != nil {
			// A malformed frame degrades to a stale view at worst;
			// the poll backstop will catch the content up.
			a.logger.Warn("push frame dropped", zap.Error(err))
		}
	}
}

func (a *Adapter) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-a.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				a.logger.Warn("push write failed",
					zap.String("event", env.Event),
					zap.Error(&TransportError{Op: "send", Err: err}))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (a *Adapter) setState(s chat.ConnState) {
	a.mu.Lock()
	if a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	a.mu.Unlock()
	a.bus.Publish(bus.Event{Kind: bus.PushState, At: time.Now(), Data: StateChange{State: s}})
}
