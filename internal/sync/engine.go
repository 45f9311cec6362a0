// Package sync orchestrates one conversation's view: it owns the
// message store and typing state, drives both transports, and
// reconciles whatever arrives into a single consistent ordered view.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fixmarket/casechat/internal/bus"
	"github.com/fixmarket/casechat/internal/chat"
	"github.com/fixmarket/casechat/internal/push"
	"github.com/fixmarket/casechat/internal/status"
	"github.com/fixmarket/casechat/internal/store"
	"github.com/fixmarket/casechat/internal/typing"
)

// Backend is the durable REST surface the engine depends on.
type Backend interface {
	Messages(ctx context.Context, caseID chat.CaseID) ([]chat.Message, error)
	Send(ctx context.Context, caseID chat.CaseID, content string, receiverID chat.UserID, token string) (chat.Message, error)
	MarkRead(ctx context.Context, caseID chat.CaseID) error
}

// PushControl is the outbound half of the push channel. Inbound events
// arrive via the bus.
type PushControl interface {
	Join(caseID chat.CaseID)
	Leave(caseID chat.CaseID)
	SendTyping(caseID chat.CaseID, isTyping bool)
	SendMarkRead(caseID chat.CaseID)
	State() chat.ConnState
}

// HistoryCache is the optional local mirror of confirmed messages.
type HistoryCache interface {
	UpsertMessage(m chat.Message) error
	UpsertBatch(msgs []chat.Message) error
	MarkRead(caseID chat.CaseID, user chat.UserID, at time.Time) error
	History(caseID chat.CaseID, limit int) ([]chat.Message, error)
}

// Options holds the engine's cadence knobs.
type Options struct {
	// ActivePoll is the consistency backstop interval while push is
	// up. Push delivery is not trusted to be exactly-once, or even
	// at-least-once, over a long session.
	ActivePoll time.Duration
	// DegradedPoll is the shortened interval while push is down.
	DegradedPoll time.Duration
	// MinPoll bounds DegradedPoll from below.
	MinPoll time.Duration
	// Typing configures the typing coordinator.
	Typing typing.Options
}

// Updated is the payload on bus.ConvUpdated: the conversation view
// changed, either the merged message set or the connection state.
type Updated struct {
	CaseID chat.CaseID
}

// TypingChanged is the payload on bus.ConvTyping.
type TypingChanged struct {
	CaseID chat.CaseID
	Users  []chat.UserID
}

// Unhealthy is the payload on bus.ConvUnhealthy: polling itself keeps
// failing while push is down, so the view may be stale.
type Unhealthy struct {
	CaseID   chat.CaseID
	Failures int
	LastErr  string
}

// consecutive poll failures before Unhealthy is raised.
const unhealthyAfter = 3

// sweepInterval drives typing idle/expiry checks.
const sweepInterval = 250 * time.Millisecond

// Engine synchronizes one conversation.
type Engine struct {
	caseID chat.CaseID
	self   chat.UserID
	opts   Options

	backend Backend
	push    PushControl
	cache   HistoryCache // nil disables the mirror
	bus     *bus.Bus
	logger  *zap.Logger

	store   *store.Store
	typing  *typing.Coordinator
	machine *status.Machine

	mu           sync.Mutex
	opened       bool
	closed       bool
	pollFailures int

	pollNow chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates an engine for one case. Call Open to start it.
func NewEngine(caseID chat.CaseID, self chat.UserID, backend Backend, pushCtl PushControl, cache HistoryCache, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	e := &Engine{
		caseID:  caseID,
		self:    self,
		opts:    opts,
		backend: backend,
		push:    pushCtl,
		cache:   cache,
		bus:     b,
		logger:  logger.With(zap.String("case", string(caseID))),
		store:   store.New(caseID),
		machine: status.NewMachine(caseID, b),
		pollNow: make(chan struct{}, 1),
	}
	e.typing = typing.New(self, opts.Typing, func(isTyping bool) {
		pushCtl.SendTyping(caseID, isTyping)
	})
	return e
}

// Open brings the conversation up: cache pre-paint, push join, initial
// fetch, then the poll and event loops. Not reentrant; a closed engine
// stays closed, the arena builds a fresh one per open.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.opened || e.closed {
		e.mu.Unlock()
		return fmt.Errorf("case %s: engine already used", e.caseID)
	}
	e.opened = true
	e.mu.Unlock()

	if err := e.machine.Transition(status.Opening); err != nil {
		return err
	}

	// ctx bounds only the open sequence (pre-paint and initial fetch).
	// The loops run until Close; a deadline on the caller's context,
	// such as an app-start timeout, must not stop them mid-session.
	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	// Pre-paint from the local mirror so a reopened conversation is
	// not blank while the fetch runs.
	if e.cache != nil {
		if history, err := e.cache.History(e.caseID, 0); err != nil {
			e.logger.Warn("cache history unavailable", zap.Error(err))
		} else if len(history) > 0 {
			e.store.Reconcile(history)
			e.publishUpdated()
		}
	}

	// Subscribe before joining so nothing delivered during the fetch
	// is lost; the buffered events are applied after the reconcile.
	events, unsub := e.bus.Subscribe("push.", 256)

	e.push.Join(e.caseID)

	if err := e.initialFetch(ctx); err != nil {
		e.logger.Warn("initial fetch failed, view may be stale", zap.Error(err))
		e.recordPollFailure(err)
	}

	// Initial fetch is complete (or failed recoverably): the
	// conversation is usable. Degrade immediately if push is down.
	if err := e.machine.Transition(status.Active); err != nil {
		unsub()
		return err
	}
	if e.push.State() != chat.Connected {
		_ = e.machine.Transition(status.Degraded)
	}

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		defer unsub()
		e.eventLoop(loopCtx, events)
	}()
	go func() {
		defer e.wg.Done()
		e.pollLoop(loopCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.sweepLoop(loopCtx)
	}()
	return nil
}

// Close tears the conversation down: emits a trailing typing_stop,
// leaves the case, cancels every timer and waits for the loops to
// exit. After Close returns no callback can touch the store.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed || !e.opened {
		e.closed = true
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.typing.Stop()
	e.push.Leave(e.caseID)
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	_ = e.machine.Transition(status.Closed)
}

// Send validates and dispatches a new message: optimistic pending
// entry first, then the durable REST call. Never retried silently; on
// failure the pending entry is flagged and kept for the caller to
// resubmit. Returns the correlation token of the created entry.
func (e *Engine) Send(ctx context.Context, content string, receiverID chat.UserID) (string, error) {
	if err := chat.ValidateContent(content); err != nil {
		return "", err
	}
	if err := chat.ValidateUserID("receiver_id", receiverID); err != nil {
		return "", err
	}

	token := uuid.NewString()
	e.store.AddPending(chat.PendingMessage{
		Token:       token,
		CaseID:      e.caseID,
		SenderID:    e.self,
		ReceiverID:  receiverID,
		Content:     content,
		SubmittedAt: time.Now(),
	})
	e.publishUpdated()

	msg, err := e.backend.Send(ctx, e.caseID, content, receiverID, token)
	if err != nil {
		e.logger.Warn("send failed", zap.String("token", token), zap.Error(err))
		e.store.MarkFailed(token, err.Error())
		e.publishUpdated()
		return token, fmt.Errorf("send message: %w", err)
	}

	if msg.ClientToken == "" {
		msg.ClientToken = token
	}
	e.store.Promote(token, msg)
	e.mirror(msg)
	e.publishUpdated()
	return token, nil
}

// Retry resubmits a failed entry under a fresh token. The failed entry
// is removed; duplicate submission is always a caller decision.
func (e *Engine) Retry(ctx context.Context, token string) (string, error) {
	p, ok := e.store.TakeFailed(token)
	if !ok {
		return "", fmt.Errorf("no failed message with token %s", token)
	}
	e.publishUpdated()
	return e.Send(ctx, p.Content, p.ReceiverID)
}

// MarkRead marks everything addressed to the local user as read: the
// push signal for a fast receipt, REST as the durable path, then the
// local stores on success. Idempotent end to end.
func (e *Engine) MarkRead(ctx context.Context) error {
	e.push.SendMarkRead(e.caseID)
	if err := e.backend.MarkRead(ctx, e.caseID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	now := time.Now()
	if e.store.MarkLocalRead(e.self, now) > 0 {
		e.publishUpdated()
	}
	if e.cache != nil {
		if err := e.cache.MarkRead(e.caseID, e.self, now); err != nil {
			e.logger.Warn("cache mark read failed", zap.Error(err))
		}
	}
	return nil
}

// InputChanged feeds composer activity to the typing coordinator.
func (e *Engine) InputChanged(text string) {
	e.typing.InputChanged(text, time.Now())
}

// View returns the merged, sorted conversation.
func (e *Engine) View() []store.Entry {
	return e.store.View()
}

// TypingUsers returns remote users currently typing.
func (e *Engine) TypingUsers() []chat.UserID {
	return e.typing.Active(time.Now())
}

// SyncState returns the conversation lifecycle state.
func (e *Engine) SyncState() status.State {
	return e.machine.Current()
}

// ConnState returns the push channel state for the indicator.
func (e *Engine) ConnState() chat.ConnState {
	return e.push.State()
}

// CaseID returns the conversation id.
func (e *Engine) CaseID() chat.CaseID { return e.caseID }

func (e *Engine) initialFetch(ctx context.Context) error {
	snapshot, err := e.backend.Messages(ctx, e.caseID)
	if err != nil {
		return err
	}
	e.applySnapshot(snapshot)
	return nil
}

func (e *Engine) eventLoop(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case evt := <-events:
			e.handlePushEvent(evt)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handlePushEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.PushState:
		sc, ok := evt.Data.(push.StateChange)
		if !ok {
			return
		}
		e.handleConnState(sc.State)
		// The connection badge reads ConnState at draw time; every
		// change needs a redraw, including connecting, which has no
		// sync-state transition of its own.
		e.publishUpdated()
	case bus.PushMessage:
		msg, ok := evt.Data.(chat.Message)
		if !ok || msg.CaseID != e.caseID {
			return
		}
		outcome := e.store.Upsert(msg)
		if outcome == store.Suppressed {
			// Expected under dual delivery; not an error.
			e.logger.Debug("duplicate suppressed", zap.String("msg", msg.ID))
			return
		}
		e.mirror(msg)
		e.publishUpdated()
	case bus.PushTyping:
		te, ok := evt.Data.(push.TypingEvent)
		if !ok || te.CaseID != e.caseID {
			return
		}
		if e.typing.Apply(te.UserID, te.IsTyping, evt.At) {
			e.publishTyping()
		}
	case bus.PushRead:
		re, ok := evt.Data.(push.ReadEvent)
		if !ok || re.CaseID != e.caseID || re.UserID == e.self {
			return
		}
		// The peer read their messages: receipts on what we sent.
		if e.store.MarkPeerRead(e.self, evt.At) > 0 {
			e.publishUpdated()
		}
	}
}

func (e *Engine) handleConnState(s chat.ConnState) {
	switch s {
	case chat.Connected:
		if err := e.machine.Transition(status.Active); err == nil {
			// Catch up on anything missed during the outage without
			// waiting out the poll interval.
			select {
			case e.pollNow <- struct{}{}:
			default:
			}
		}
	case chat.Disconnected:
		if err := e.machine.Transition(status.Degraded); err == nil {
			// The in-flight timer was armed at the active interval;
			// re-arm at the degraded cadence right away.
			select {
			case e.pollNow <- struct{}{}:
			default:
			}
		}
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	for {
		timer := time.NewTimer(e.pollInterval())
		select {
		case <-timer.C:
			e.pollOnce(ctx)
		case <-e.pollNow:
			timer.Stop()
			e.pollOnce(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// pollInterval derives the current cadence from the sync state.
func (e *Engine) pollInterval() time.Duration {
	if e.machine.Current() == status.Degraded {
		if e.opts.DegradedPoll < e.opts.MinPoll {
			return e.opts.MinPoll
		}
		return e.opts.DegradedPoll
	}
	return e.opts.ActivePoll
}

func (e *Engine) pollOnce(ctx context.Context) {
	snapshot, err := e.backend.Messages(ctx, e.caseID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Warn("poll failed", zap.Error(err))
		e.recordPollFailure(err)
		return
	}
	e.resetPollFailures()
	if e.applySnapshot(snapshot) {
		e.publishUpdated()
	}
}

func (e *Engine) applySnapshot(snapshot []chat.Message) bool {
	changed := e.store.Reconcile(snapshot)
	if e.cache != nil && len(snapshot) > 0 {
		if err := e.cache.UpsertBatch(snapshot); err != nil {
			e.logger.Warn("cache write failed", zap.Error(err))
		}
	}
	return changed
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if e.typing.Tick(now) {
				e.publishTyping()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) recordPollFailure(err error) {
	e.mu.Lock()
	e.pollFailures++
	failures := e.pollFailures
	e.mu.Unlock()

	// Push being down is already surfaced as a state change; raise the
	// persistent-failure signal only once both channels look dead.
	if failures >= unhealthyAfter && e.machine.Current() == status.Degraded {
		e.bus.Publish(bus.Event{
			Kind: bus.ConvUnhealthy,
			Data: Unhealthy{CaseID: e.caseID, Failures: failures, LastErr: err.Error()},
		})
	}
}

func (e *Engine) resetPollFailures() {
	e.mu.Lock()
	e.pollFailures = 0
	e.mu.Unlock()
}

func (e *Engine) publishUpdated() {
	e.bus.Publish(bus.Event{Kind: bus.ConvUpdated, Data: Updated{CaseID: e.caseID}})
}

func (e *Engine) publishTyping() {
	e.bus.Publish(bus.Event{
		Kind: bus.ConvTyping,
		Data: TypingChanged{CaseID: e.caseID, Users: e.typing.Active(time.Now())},
	})
}

func (e *Engine) mirror(msg chat.Message) {
	if e.cache == nil {
		return
	}
	if err := e.cache.UpsertMessage(msg); err != nil {
		e.logger.Warn("cache write failed", zap.Error(err))
	}
}
