package sync

import (
	"context"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/fixmarket/casechat/internal/bus"
	"github.com/fixmarket/casechat/internal/chat"
)

// Arena owns one engine per open conversation, keyed by case id. The
// host view opens and closes conversations through it; there is never
// more than one live subscription to the same case.
type Arena struct {
	self    chat.UserID
	backend Backend
	push    PushControl
	cache   HistoryCache
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options

	// mu is held across engine Close so a reopen of the same case
	// cannot start until the old subscription is fully gone.
	mu      gosync.Mutex
	engines map[chat.CaseID]*Engine
}

// NewArena creates an empty arena.
func NewArena(self chat.UserID, backend Backend, pushCtl PushControl, cache HistoryCache, b *bus.Bus, logger *zap.Logger, opts Options) *Arena {
	return &Arena{
		self:    self,
		backend: backend,
		push:    pushCtl,
		cache:   cache,
		bus:     b,
		logger:  logger,
		opts:    opts,
		engines: make(map[chat.CaseID]*Engine),
	}
}

// Open returns a running engine for the case. An engine already open
// for the same case is fully closed first, so subscriptions never
// overlap.
func (a *Arena) Open(ctx context.Context, caseID chat.CaseID) (*Engine, error) {
	if err := chat.ValidateCaseID(caseID); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.engines[caseID]; ok {
		old.Close()
		delete(a.engines, caseID)
	}

	e := NewEngine(caseID, a.self, a.backend, a.push, a.cache, a.bus, a.logger, a.opts)
	if err := e.Open(ctx); err != nil {
		e.Close()
		return nil, err
	}
	a.engines[caseID] = e
	return e, nil
}

// Get returns the engine for a case if it is open.
func (a *Arena) Get(caseID chat.CaseID) (*Engine, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.engines[caseID]
	return e, ok
}

// Close shuts the case's engine down if it is open.
func (a *Arena) Close(caseID chat.CaseID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.engines[caseID]; ok {
		e.Close()
		delete(a.engines, caseID)
	}
}

// CloseAll shuts every open conversation down. Used on app exit.
func (a *Arena) CloseAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, e := range a.engines {
		e.Close()
		delete(a.engines, id)
	}
}
