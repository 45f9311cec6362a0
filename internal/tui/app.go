// Package tui is the host view over the sync core: one conversation,
// rendered from the engine's merged view, with a connection badge,
// typing line and composer.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"github.com/fixmarket/casechat/internal/bus"
	"github.com/fixmarket/casechat/internal/chat"
	"github.com/fixmarket/casechat/internal/status"
	"github.com/fixmarket/casechat/internal/store"
	syncengine "github.com/fixmarket/casechat/internal/sync"
)

// App renders one open conversation.
type App struct {
	app      *tview.Application
	messages *tview.TextView
	typing   *tview.TextView
	statusV  *tview.TextView
	composer *tview.InputField

	engine *syncengine.Engine
	bus    *bus.Bus
	logger *zap.Logger
	self   chat.UserID
	peer   chat.UserID

	stopEvents func()
}

// NewApp creates the TUI for an already-open engine.
func NewApp(engine *syncengine.Engine, b *bus.Bus, logger *zap.Logger, self, peer chat.UserID) *App {
	a := &App{
		app:    tview.NewApplication(),
		engine: engine,
		bus:    b,
		logger: logger,
		self:   self,
		peer:   peer,
	}

	a.messages = tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	a.messages.SetBorder(true).SetTitle(fmt.Sprintf(" case %s ", engine.CaseID()))

	a.typing = tview.NewTextView().SetDynamicColors(true)
	a.statusV = tview.NewTextView().SetDynamicColors(true)

	a.composer = tview.NewInputField().SetLabel(" > ").SetFieldWidth(0)
	a.composer.SetChangedFunc(func(text string) {
		a.engine.InputChanged(text)
	})
	a.composer.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(a.composer.GetText())
		if text == "" {
			return
		}
		a.composer.SetText("")
		go a.send(text)
	})

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.statusV, 1, 0, false).
		AddItem(a.messages, 0, 1, false).
		AddItem(a.typing, 1, 0, false).
		AddItem(a.composer, 1, 0, true)

	a.app.SetRoot(layout, true)
	return a
}

// Run blocks until the user quits. Bus subscriptions drive redraws.
func (a *App) Run() error {
	a.stopEvents = a.bus.SubscribeFunc("conv.", 64, func(evt bus.Event) {
		a.app.QueueUpdateDraw(a.redraw)
	})
	defer a.stopEvents()

	a.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyEsc {
			a.app.Stop()
			return nil
		}
		return ev
	})

	a.redraw()
	a.markReadSoon()
	return a.app.Run()
}

// Stop ends the UI loop from outside (app shutdown).
func (a *App) Stop() {
	a.app.Stop()
}

func (a *App) send(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if _, err := a.engine.Send(ctx, text, a.peer); err != nil {
		a.logger.Warn("send failed", zap.Error(err))
	}
	a.app.QueueUpdateDraw(a.redraw)
}

// markReadSoon marks the conversation read once the view is up; the
// engine treats duplicates as idempotent.
func (a *App) markReadSoon() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.engine.MarkRead(ctx); err != nil {
			a.logger.Warn("mark read failed", zap.Error(err))
		}
	}()
}

func (a *App) redraw() {
	a.statusV.SetText(statusLine(a.engine.SyncState(), a.engine.ConnState()))
	a.typing.SetText(typingLine(a.engine.TypingUsers()))

	var b strings.Builder
	for _, entry := range a.engine.View() {
		b.WriteString(renderEntry(entry, a.self))
		b.WriteByte('\n')
	}
	a.messages.SetText(b.String())
	a.messages.ScrollToEnd()
}

func statusLine(s status.State, c chat.ConnState) string {
	badge := "[red]●[-] offline"
	switch c {
	case chat.Connected:
		badge = "[green]●[-] live"
	case chat.Connecting:
		badge = "[yellow]●[-] connecting"
	}
	if s == status.Degraded {
		badge += "  [yellow](polling)[-]"
	}
	return " " + badge
}

func typingLine(users []chat.UserID) string {
	if len(users) == 0 {
		return ""
	}
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = string(u)
	}
	return fmt.Sprintf(" [gray]%s is typing…[-]", strings.Join(names, ", "))
}

func renderEntry(e store.Entry, self chat.UserID) string {
	ts := e.Timestamp.Local().Format("15:04")
	who := string(e.SenderID)
	if e.SenderID == self {
		who = "me"
	}

	suffix := ""
	switch {
	case e.Failed:
		suffix = " [red]✗ failed[-]"
	case !e.Confirmed:
		suffix = " [gray]…[-]"
	case e.SenderID == self && e.ReadAt != nil:
		suffix = " [blue]✓✓[-]"
	case e.SenderID == self:
		suffix = " ✓"
	}
	return fmt.Sprintf("[gray]%s[-] [yellow]%s[-]: %s%s", ts, who, tview.Escape(e.Content), suffix)
}
