package sync

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/fixmarket/casechat/internal/bus"
	"github.com/fixmarket/casechat/internal/chat"
	"github.com/fixmarket/casechat/internal/status"
)

func newTestArena(t *testing.T, backend *fakeBackend, pushCtl *fakePush) *Arena {
	t.Helper()
	a := NewArena("7", backend, pushCtl, nil, bus.New(), zap.NewNop(), testOpts)
	t.Cleanup(a.CloseAll)
	return a
}

func TestArenaOpenAndGet(t *testing.T) {
	a := newTestArena(t, &fakeBackend{}, newFakePush())

	e, err := a.Open(context.Background(), "42")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, ok := a.Get("42")
	if !ok || got != e {
		t.Error("Get did not return the open engine")
	}
	if _, ok := a.Get("99"); ok {
		t.Error("Get returned an engine for an unopened case")
	}
}

func TestArenaRejectsEmptyCaseID(t *testing.T) {
	a := newTestArena(t, &fakeBackend{}, newFakePush())
	if _, err := a.Open(context.Background(), ""); err == nil {
		t.Error("empty case id accepted")
	}
}

func TestArenaReopenClosesOldEngineFirst(t *testing.T) {
	pushCtl := newFakePush()
	a := newTestArena(t, &fakeBackend{}, pushCtl)

	first, err := a.Open(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Open(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("reopen returned the same engine")
	}
	if first.SyncState() != status.Closed {
		t.Errorf("old engine state = %s, want closed", first.SyncState())
	}
	if second.SyncState() != status.Active {
		t.Errorf("new engine state = %s, want active", second.SyncState())
	}

	// Exactly one live subscription: two joins, one leave so far.
	pushCtl.mu.Lock()
	joins, leaves := len(pushCtl.joins), len(pushCtl.leaves)
	pushCtl.mu.Unlock()
	if joins != 2 || leaves != 1 {
		t.Errorf("joins = %d, leaves = %d; want 2 and 1", joins, leaves)
	}
}

func TestArenaCloseAll(t *testing.T) {
	a := newTestArena(t, &fakeBackend{}, newFakePush())

	e1, _ := a.Open(context.Background(), "42")
	e2, _ := a.Open(context.Background(), "43")
	a.CloseAll()

	if e1.SyncState() != status.Closed || e2.SyncState() != status.Closed {
		t.Error("engines not closed by CloseAll")
	}
	if _, ok := a.Get(chat.CaseID("42")); ok {
		t.Error("engine still registered after CloseAll")
	}
}
