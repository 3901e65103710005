// Package ui provides the multi-session terminal dashboard
package ui

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"
	"go.uber.org/zap"

	"patterm/pkg/event"
	"patterm/pkg/session"
)

// Controller is the part of the session manager the dashboard drives
type Controller interface {
	ListSessions() []session.Snapshot
	Write(id string, data []byte) error
	DisconnectSession(id string) error
	ReconnectSession(ctx context.Context, id string) error
	CloseSession(id string) error
}

// Config configures a Dashboard
type Config struct {
	Controller Controller
	Bus        *event.Bus
	Logger     *zap.Logger

	// Screen defaults to the process terminal.
	Screen tcell.Screen

	// LineEnding is appended to every line sent from the input field.
	LineEnding []byte

	// Scrollback is the per-tab line limit.
	Scrollback int
}

type tab struct {
	id     string
	name   string
	state  session.State
	lines  *Scrollback
	offset int
	unread bool

	rxTotal, txTotal uint64
	rxRate, txRate   float64
}

// Dashboard renders one tab per session and routes keyboard input to the
// active one. Bus events update state under mu and then request a redraw.
type Dashboard struct {
	ctrl       Controller
	bus        *event.Bus
	logger     *zap.Logger
	screen     tcell.Screen
	lineEnding []byte
	maxLines   int

	mu     sync.Mutex
	tabs   []*tab
	active int
	input  []rune
	status string

	sub *event.Subscription
}

type redrawEvent struct{ tcell.EventTime }

type quitEvent struct{ tcell.EventTime }

// NewDashboard creates a dashboard seeded with the controller's sessions
func NewDashboard(config *Config) (*Dashboard, error) {
	if config == nil || config.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if config.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	screen := config.Screen
	if screen == nil {
		s, err := tcell.NewScreen()
		if err != nil {
			return nil, fmt.Errorf("failed to create screen: %w", err)
		}
		screen = s
	}

	d := &Dashboard{
		ctrl:       config.Controller,
		bus:        config.Bus,
		logger:     logger,
		screen:     screen,
		lineEnding: config.LineEnding,
		maxLines:   config.Scrollback,
	}
	d.sub = d.bus.Subscribe(d.handleEvent)

	d.mu.Lock()
	for _, snap := range d.ctrl.ListSessions() {
		if d.find(snap.ID) == nil {
			d.addTab(snap.ID, snap.Name, snap.State)
		}
	}
	d.mu.Unlock()
	return d, nil
}

// Run takes over the screen until Ctrl+Q or ctx is cancelled. A dashboard runs
// once; its bus subscription ends with Run.
func (d *Dashboard) Run(ctx context.Context) error {
	if err := d.screen.Init(); err != nil {
		return fmt.Errorf("failed to initialize screen: %w", err)
	}
	defer d.screen.Fini()

	d.screen.SetStyle(tcell.StyleDefault)
	d.screen.Clear()

	defer d.sub.Unsubscribe()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for d.post(&quitEvent{}) != nil {
			select {
			case <-ticker.C:
			case <-stop:
				return
			}
		}
	}()

	d.draw()
	for {
		ev := d.screen.PollEvent()
		switch ev := ev.(type) {
		case nil, *quitEvent:
			return nil
		case *redrawEvent:
			d.draw()
		case *tcell.EventResize:
			d.screen.Sync()
			d.draw()
		case *tcell.EventKey:
			if d.handleKey(ctx, ev) {
				return nil
			}
			d.draw()
		}
	}
}

func (d *Dashboard) post(ev tcell.Event) error {
	if te, ok := ev.(interface{ SetEventNow() }); ok {
		te.SetEventNow()
	}
	return d.screen.PostEvent(ev)
}

func (d *Dashboard) handleEvent(e event.Event) {
	d.mu.Lock()
	switch e := e.(type) {
	case event.SessionCreated:
		if d.find(e.ID) == nil {
			d.addTab(e.ID, e.Name, session.StateConnecting)
		}
	case event.SessionConnected:
		if t := d.find(e.ID); t != nil {
			t.state = session.StateConnected
		}
	case event.SessionDisconnected:
		if t := d.find(e.ID); t != nil {
			t.state = session.StateDisconnected
		}
	case event.SessionRenamed:
		if t := d.find(e.ID); t != nil {
			t.name = e.Name
		}
	case event.SessionClosed:
		d.removeTab(e.ID)
	case event.SessionData:
		if t := d.find(e.ID); t != nil {
			if e.Direction == event.DirectionRX {
				t.rxTotal += uint64(len(e.Bytes))
				t.lines.Append(e.Bytes)
				if d.tabs[d.active] != t {
					t.unread = true
				}
			} else {
				t.txTotal += uint64(len(e.Bytes))
			}
		}
	case event.SessionRateUpdated:
		if t := d.find(e.ID); t != nil {
			t.rxRate, t.txRate = e.RxRate, e.TxRate
		}
	case event.SessionError:
		if t := d.find(e.ID); t != nil {
			d.status = fmt.Sprintf("%s: %s", t.name, e.Message)
		}
	}
	d.mu.Unlock()
	// a full queue already holds a pending redraw
	_ = d.post(&redrawEvent{})
}

// handleKey applies a key press and reports whether the dashboard should quit
func (d *Dashboard) handleKey(ctx context.Context, ev *tcell.EventKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch ev.Key() {
	case tcell.KeyCtrlQ, tcell.KeyCtrlC:
		return true
	case tcell.KeyTab:
		d.switchTab(1)
	case tcell.KeyBacktab:
		d.switchTab(-1)
	case tcell.KeyPgUp:
		if t := d.current(); t != nil {
			t.offset += d.pageSize()
		}
	case tcell.KeyPgDn:
		if t := d.current(); t != nil {
			t.offset = max(0, t.offset-d.pageSize())
		}
	case tcell.KeyEnter:
		d.sendInput()
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		if n := len(d.input); n > 0 {
			d.input = d.input[:n-1]
		}
	case tcell.KeyCtrlD:
		d.withCurrent("disconnect", d.ctrl.DisconnectSession)
	case tcell.KeyCtrlR:
		d.withCurrent("reconnect", func(id string) error {
			return d.ctrl.ReconnectSession(ctx, id)
		})
	case tcell.KeyCtrlW:
		d.withCurrent("close", d.ctrl.CloseSession)
	case tcell.KeyCtrlL:
		if t := d.current(); t != nil {
			t.lines.Clear()
			t.offset = 0
		}
	case tcell.KeyRune:
		d.input = append(d.input, ev.Rune())
	}
	return false
}

func (d *Dashboard) sendInput() {
	t := d.current()
	if t == nil {
		d.status = "no open session"
		return
	}
	data := append([]byte(string(d.input)), d.lineEnding...)
	if err := d.ctrl.Write(t.id, data); err != nil {
		d.status = fmt.Sprintf("write failed: %v", err)
		return
	}
	d.input = d.input[:0]
	t.offset = 0
	d.status = ""
}

func (d *Dashboard) withCurrent(action string, fn func(id string) error) {
	t := d.current()
	if t == nil {
		return
	}
	if err := fn(t.id); err != nil {
		d.status = fmt.Sprintf("%s failed: %v", action, err)
		d.logger.Warn("dashboard action failed",
			zap.String("action", action), zap.String("session_id", t.id), zap.Error(err))
		return
	}
	d.status = fmt.Sprintf("%s: %s", action, t.name)
}

func (d *Dashboard) addTab(id, name string, state session.State) {
	d.tabs = append(d.tabs, &tab{
		id:    id,
		name:  name,
		state: state,
		lines: NewScrollback(d.maxLines),
	})
}

func (d *Dashboard) removeTab(id string) {
	i := slices.IndexFunc(d.tabs, func(t *tab) bool { return t.id == id })
	if i < 0 {
		return
	}
	d.tabs = slices.Delete(d.tabs, i, i+1)
	if d.active >= len(d.tabs) {
		d.active = max(0, len(d.tabs)-1)
	}
}

func (d *Dashboard) find(id string) *tab {
	for _, t := range d.tabs {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (d *Dashboard) current() *tab {
	if len(d.tabs) == 0 {
		return nil
	}
	return d.tabs[d.active]
}

func (d *Dashboard) switchTab(delta int) {
	n := len(d.tabs)
	if n == 0 {
		return
	}
	d.active = ((d.active+delta)%n + n) % n
	d.tabs[d.active].unread = false
}

func (d *Dashboard) pageSize() int {
	_, h := d.screen.Size()
	return max(1, h-3)
}

// Tabs returns the session ids in tab order
func (d *Dashboard) Tabs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, len(d.tabs))
	for i, t := range d.tabs {
		ids[i] = t.id
	}
	return ids
}

// Active returns the id of the active tab, or "" when there are none
func (d *Dashboard) Active() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t := d.current(); t != nil {
		return t.id
	}
	return ""
}

var (
	styleTab       = tcell.StyleDefault.Background(tcell.ColorDarkBlue).Foreground(tcell.ColorWhite)
	styleActiveTab = tcell.StyleDefault.Background(tcell.ColorWhite).Foreground(tcell.ColorBlack).Bold(true)
	styleUnreadTab = styleTab.Foreground(tcell.ColorYellow)
	styleStatus    = tcell.StyleDefault.Background(tcell.ColorDarkGray).Foreground(tcell.ColorWhite)
	styleText      = tcell.StyleDefault
)

func stateMarker(s session.State) string {
	switch s {
	case session.StateConnected:
		return "●"
	case session.StateConnecting:
		return "…"
	default:
		return "○"
	}
}

func (d *Dashboard) draw() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.screen.Clear()
	w, h := d.screen.Size()
	if w <= 0 || h < 4 {
		d.screen.Show()
		return
	}

	// tab bar
	fill(d.screen, 0, w, styleTab)
	x := 0
	for i, t := range d.tabs {
		style := styleTab
		if i == d.active {
			style = styleActiveTab
		} else if t.unread {
			style = styleUnreadTab
		}
		x = drawText(d.screen, x, 0, w, fmt.Sprintf(" %d:%s %s ", i+1, t.name, stateMarker(t.state)), style)
		if x >= w {
			break
		}
	}

	// scrollback
	bodyHeight := h - 3
	t := d.current()
	if t == nil {
		drawText(d.screen, 1, 1, w, "no sessions open, Ctrl+Q to quit", styleText)
	} else {
		rows := t.lines.View(w, bodyHeight, t.offset)
		for i, row := range rows {
			drawText(d.screen, 0, 1+i, w, row, styleText)
		}
	}

	// status bar
	fill(d.screen, h-2, w, styleStatus)
	status := d.status
	if t != nil {
		status = fmt.Sprintf(" %s  %s  rx %d (%.0f B/s)  tx %d (%.0f B/s)  %s",
			t.name, t.state, t.rxTotal, t.rxRate, t.txTotal, t.txRate, d.status)
		if t.offset > 0 {
			status += fmt.Sprintf("  [scroll -%d]", t.offset)
		}
	}
	drawText(d.screen, 0, h-2, w, runewidth.Truncate(status, w, "…"), styleStatus)

	// input line
	prompt := "> " + string(d.input)
	end := drawText(d.screen, 0, h-1, w, prompt, styleText)
	d.screen.ShowCursor(min(end, w-1), h-1)

	d.screen.Show()
}

func fill(s tcell.Screen, y, w int, style tcell.Style) {
	for x := 0; x < w; x++ {
		s.SetContent(x, y, ' ', nil, style)
	}
}

// drawText writes text from x on row y, clipped at maxX, and returns the
// column after the last cell written.
func drawText(s tcell.Screen, x, y, maxX int, text string, style tcell.Style) int {
	for _, r := range text {
		rw := runewidth.RuneWidth(r)
		if rw == 0 {
			continue
		}
		if x+rw > maxX {
			break
		}
		s.SetContent(x, y, r, nil, style)
		x += rw
	}
	return x
}
