package typing

import (
	"testing"
	"time"

	"github.com/fixmarket/casechat/internal/chat"
)

var opts = Options{
	Debounce: 300 * time.Millisecond,
	TTL:      5 * time.Second,
	Idle:     3 * time.Second,
}

var t0 = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

type recorder struct {
	events []bool
}

func (r *recorder) emit(isTyping bool) { r.events = append(r.events, isTyping) }

func TestDebounceBoundsStartRate(t *testing.T) {
	rec := &recorder{}
	c := New("7", opts, rec.emit)

	// Rapid keystrokes inside one debounce window.
	c.InputChanged("h", t0)
	c.InputChanged("he", t0.Add(50*time.Millisecond))
	c.InputChanged("hel", t0.Add(100*time.Millisecond))

	if len(rec.events) != 1 || rec.events[0] != true {
		t.Fatalf("events = %v, want single typing_start", rec.events)
	}

	// Next window re-emits.
	c.InputChanged("hell", t0.Add(400*time.Millisecond))
	if len(rec.events) != 2 {
		t.Errorf("events = %v, want second start after window", rec.events)
	}
}

func TestEmptyInputStopsImmediately(t *testing.T) {
	rec := &recorder{}
	c := New("7", opts, rec.emit)

	c.InputChanged("hey", t0)
	c.InputChanged("", t0.Add(time.Second))

	want := []bool{true, false}
	if len(rec.events) != 2 || rec.events[0] != want[0] || rec.events[1] != want[1] {
		t.Errorf("events = %v, want %v", rec.events, want)
	}

	// Stop without prior start is a no-op.
	c.InputChanged("", t0.Add(2*time.Second))
	if len(rec.events) != 2 {
		t.Errorf("extra stop emitted: %v", rec.events)
	}
}

func TestIdleTimeoutStops(t *testing.T) {
	rec := &recorder{}
	c := New("7", opts, rec.emit)

	c.InputChanged("hey", t0)
	c.Tick(t0.Add(time.Second)) // not idle yet
	if len(rec.events) != 1 {
		t.Fatalf("premature stop: %v", rec.events)
	}
	c.Tick(t0.Add(3100 * time.Millisecond))
	if len(rec.events) != 2 || rec.events[1] != false {
		t.Errorf("events = %v, want stop after idle", rec.events)
	}
}

func TestRemoteSignalExpiresWithoutStop(t *testing.T) {
	c := New("7", opts, nil)

	if !c.Apply("9", true, t0) {
		t.Fatal("Apply start reported no change")
	}
	if got := c.Active(t0.Add(time.Second)); len(got) != 1 || got[0] != chat.UserID("9") {
		t.Fatalf("Active = %v", got)
	}

	// No stop event ever arrives; TTL clears the signal.
	if got := c.Active(t0.Add(6 * time.Second)); len(got) != 0 {
		t.Errorf("signal survived past TTL: %v", got)
	}
	if !c.Tick(t0.Add(6 * time.Second)) {
		t.Error("Tick did not report expiry")
	}
}

func TestRemoteStopClearsImmediately(t *testing.T) {
	c := New("7", opts, nil)
	c.Apply("9", true, t0)
	if !c.Apply("9", false, t0.Add(time.Second)) {
		t.Fatal("Apply stop reported no change")
	}
	if got := c.Active(t0.Add(time.Second)); len(got) != 0 {
		t.Errorf("Active = %v after stop", got)
	}
}

func TestRefreshExtendsTTL(t *testing.T) {
	c := New("7", opts, nil)
	c.Apply("9", true, t0)
	c.Apply("9", true, t0.Add(4*time.Second))

	if got := c.Active(t0.Add(8 * time.Second)); len(got) != 1 {
		t.Errorf("refreshed signal expired early: %v", got)
	}
}

func TestLocalUserNeverShown(t *testing.T) {
	c := New("7", opts, nil)
	if c.Apply("7", true, t0) {
		t.Error("Apply accepted local user's own signal")
	}
	if got := c.Active(t0); len(got) != 0 {
		t.Errorf("Active = %v", got)
	}
}

func TestStopOnCloseEmitsStop(t *testing.T) {
	rec := &recorder{}
	c := New("7", opts, rec.emit)
	c.InputChanged("hey", t0)
	c.Stop()
	if len(rec.events) != 2 || rec.events[1] != false {
		t.Errorf("events = %v, want trailing stop", rec.events)
	}
	c.Stop()
	if len(rec.events) != 2 {
		t.Errorf("Stop not idempotent: %v", rec.events)
	}
}
