package status

import (
	"testing"
	"time"

	"github.com/fixmarket/casechat/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine("42", nil)
	if m.Current() != Closed {
		t.Errorf("initial state = %s, want closed", m.Current())
	}
}

func TestLifecyclePath(t *testing.T) {
	m := NewMachine("42", nil)
	for _, to := range []State{Opening, Active, Degraded, Active, Closed} {
		if err := m.Transition(to); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
	}
}

func TestCloseAllowedFromAnywhere(t *testing.T) {
	for _, path := range [][]State{
		{Opening},
		{Opening, Active},
		{Opening, Degraded},
	} {
		m := NewMachine("42", nil)
		for _, to := range path {
			if err := m.Transition(to); err != nil {
				t.Fatal(err)
			}
		}
		if err := m.Transition(Closed); err != nil {
			t.Errorf("close from %s: %v", path[len(path)-1], err)
		}
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := NewMachine("42", nil)
	if err := m.Transition(Active); err == nil {
		t.Error("closed -> active should fail (initial fetch not started)")
	}
	m = NewMachine("42", nil)
	_ = m.Transition(Opening)
	_ = m.Transition(Closed)
	if err := m.Transition(Active); err == nil {
		t.Error("closed -> active after close should fail")
	}
}

func TestSelfTransitionSilent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conv.", 8)
	defer unsub()

	m := NewMachine("42", b)
	if err := m.Transition(Opening); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Opening); err != nil {
		t.Fatalf("self-transition errored: %v", err)
	}

	<-ch // the real change
	select {
	case evt := <-ch:
		t.Errorf("self-transition published %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransitionPublishesChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conv.", 8)
	defer unsub()

	m := NewMachine("42", b)
	if err := m.Transition(Opening); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Data.(Change)
		if !ok {
			t.Fatalf("payload type = %T", evt.Data)
		}
		if change.CaseID != "42" || change.From != Closed || change.To != Opening {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change event")
	}
}
