package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/asheshgoplani/termlink/internal/config"
	"github.com/asheshgoplani/termlink/internal/conn"
	"github.com/asheshgoplani/termlink/internal/identity"
	"github.com/asheshgoplani/termlink/internal/logging"
	"github.com/asheshgoplani/termlink/internal/pane"
)

// Control keys handled locally; everything else goes to the host.
const (
	keyQuit      = 0x11 // Ctrl+Q
	keyReconnect = 0x1d // Ctrl+]
	keyOpenPane  = 0x14 // Ctrl+T
	keySwapFocus = 0x0f // Ctrl+O
	keyClosePane = 0x17 // Ctrl+W
)

var (
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

func runConnect(args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	endpoint := fs.String("endpoint", "", "Override the configured WebSocket endpoint")
	fs.Usage = func() {
		fmt.Println("Usage: termlink connect [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	if *endpoint != "" {
		cfg.Endpoint = *endpoint
	}

	shutdown := setupLogging(cfg)
	defer shutdown()

	// Live config changes only affect the log level and later sessions.
	if watcher, err := config.NewWatcher(config.Path()); err == nil {
		defer watcher.Close()
		go func() {
			for range watcher.ReloadChannel() {
			}
		}()
	}

	store, err := identity.Open(filepath.Join(config.Dir(), "resume.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open resume store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fmt.Fprintln(os.Stderr, "Error: termlink connect requires a terminal")
		os.Exit(1)
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: raw mode: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(fd, oldState)

	cols, rows, err := term.GetSize(fd)
	if err != nil {
		cols, rows = 80, 24
	}

	apiKey, accessToken := cfg.Credentials()
	app := &connectApp{width: cols, quit: make(chan struct{})}

	base := conn.Config{
		Endpoint:          cfg.Endpoint,
		APIKey:            apiKey,
		AccessToken:       accessToken,
		Environment:       cfg.Environment(),
		MaxAttempts:       cfg.MaxAttempts,
		ConnectTimeout:    time.Duration(cfg.ConnectTimeoutSecs) * time.Second,
		InactivityTimeout: time.Duration(cfg.InactivityTimeoutSecs) * time.Second,
		Identity:          store,
	}
	app.orch = pane.New(base, app.newSurface, app.onStatus, cols, rows)
	defer app.orch.CloseAll()

	if err := app.orch.Start(); err != nil {
		term.Restore(fd, oldState)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	app.bindPending(app.orch.Primary())

	// SIGWINCH propagates terminal geometry to the panes.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			if c, r, err := term.GetSize(fd); err == nil {
				app.setWidth(c)
				app.orch.SetSize(c, r)
			}
		}
	}()

	// SIGTERM restores the terminal before exit; Ctrl+C is a raw byte for
	// the remote shell, not a signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		<-sigCh
		app.shutdown()
	}()

	go app.readKeys(os.Stdin)
	<-app.quit

	fmt.Print("\r\n")
}

// connectApp wires the terminal to the pane orchestrator: stdin keys in,
// pane output and the status line out. Panes are tracked by surface+session
// pairs rather than slots so focus survives secondary promotion.
type connectApp struct {
	orch *pane.Orchestrator

	mu      sync.Mutex
	width   int
	focused *terminalSurface
	pending *terminalSurface
	panes   map[*terminalSurface]*conn.Session

	quitOnce sync.Once
	quit     chan struct{}
}

func (a *connectApp) newSurface(pane.Slot) conn.Surface {
	surface := &terminalSurface{app: a}
	a.mu.Lock()
	a.pending = surface
	a.mu.Unlock()
	return surface
}

// bindPending associates the most recently built surface with its session
// and gives it focus.
func (a *connectApp) bindPending(sess *conn.Session) {
	a.mu.Lock()
	surface := a.pending
	a.pending = nil
	if surface != nil && sess != nil {
		if a.panes == nil {
			a.panes = make(map[*terminalSurface]*conn.Session)
		}
		a.panes[surface] = sess
	}
	a.mu.Unlock()
	if surface != nil {
		a.focusSurface(surface)
	}
}

func (a *connectApp) focusedSession() *conn.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.panes[a.focused]
}

// focusSurface moves input focus. The unfocused pane counts as hidden, so
// its inactivity watchdog arms.
func (a *connectApp) focusSurface(surface *terminalSurface) {
	a.mu.Lock()
	a.focused = surface
	panes := make(map[*terminalSurface]*conn.Session, len(a.panes))
	for s, sess := range a.panes {
		panes[s] = sess
	}
	a.mu.Unlock()

	for s, sess := range panes {
		sess.SetVisible(s == surface)
	}
}

// otherSurface returns the non-focused pane's surface, or nil.
func (a *connectApp) otherSurface() *terminalSurface {
	a.mu.Lock()
	defer a.mu.Unlock()
	for s := range a.panes {
		if s != a.focused {
			return s
		}
	}
	return nil
}

func (a *connectApp) surfaceOf(sess *conn.Session) *terminalSurface {
	a.mu.Lock()
	defer a.mu.Unlock()
	for s, bound := range a.panes {
		if bound == sess {
			return s
		}
	}
	return nil
}

func (a *connectApp) unbind(sess *conn.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for s, bound := range a.panes {
		if bound == sess {
			delete(a.panes, s)
		}
	}
}

func (a *connectApp) setWidth(w int) {
	a.mu.Lock()
	a.width = w
	a.mu.Unlock()
}

func (a *connectApp) shutdown() {
	a.quitOnce.Do(func() { close(a.quit) })
}

// onStatus renders the primary pane's status line. Raw PTY output resumes
// right after, so everything is kept to a single line.
func (a *connectApp) onStatus(status conn.Status, detail string) {
	a.mu.Lock()
	width := a.width
	a.mu.Unlock()

	var style lipgloss.Style
	switch status {
	case conn.StatusConnected:
		style = okStyle
	case conn.StatusDisconnected, conn.StatusError:
		style = errorStyle
	default:
		style = statusStyle
	}

	line := runewidth.Truncate(detail, max(width-2, 16), "…")
	fmt.Printf("\r\x1b[K%s\r\n", style.Render(line))
}

// readKeys pumps stdin to the focused pane, peeling off the locally handled
// control keys. Single-byte reads of a control key are intercepted whole;
// anything else passes through untouched.
func (a *connectApp) readKeys(in *os.File) {
	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if err != nil {
			a.shutdown()
			return
		}
		if n == 1 && a.handleControlKey(buf[0]) {
			continue
		}
		sess := a.focusedSession()
		if sess == nil {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if err := sess.Send(data); err != nil {
			logging.Logger().Debug("send_dropped", "error", err.Error())
		}
	}
}

func (a *connectApp) handleControlKey(key byte) bool {
	switch key {
	case keyQuit:
		a.shutdown()
		return true

	case keyReconnect:
		if sess := a.focusedSession(); sess != nil {
			sess.HandleReconnectKey()
		}
		return true

	case keyOpenPane:
		if a.orch.Secondary() != nil {
			return true
		}
		if err := a.orch.Open(); err == nil {
			a.bindPending(a.orch.Secondary())
		}
		return true

	case keySwapFocus:
		if other := a.otherSurface(); other != nil {
			a.focusSurface(other)
		}
		return true

	case keyClosePane:
		a.closeFocusedPane()
		return true
	}
	return false
}

func (a *connectApp) closeFocusedPane() {
	sess := a.focusedSession()
	if sess == nil {
		a.shutdown()
		return
	}

	if sess == a.orch.Secondary() {
		a.orch.CloseSecondary()
		a.unbind(sess)
		if primary := a.orch.Primary(); primary != nil {
			if surface := a.surfaceOf(primary); surface != nil {
				a.focusSurface(surface)
			}
		}
		return
	}

	// Closing the primary promotes the secondary when one exists; the
	// orchestrator focuses the promoted surface. With no pane left the
	// client exits.
	a.orch.ClosePrimary()
	a.unbind(sess)
	if a.orch.Primary() == nil {
		a.shutdown()
	}
}

// terminalSurface renders one pane onto the shared terminal. Only the
// focused pane's output is shown; the other keeps its session alive
// invisibly until focus returns.
type terminalSurface struct {
	app *connectApp

	mu   sync.Mutex
	cols int
	rows int
}

func (t *terminalSurface) Write(p []byte) {
	t.app.mu.Lock()
	focused := t.app.focused == t
	t.app.mu.Unlock()
	if !focused {
		return
	}
	_, _ = os.Stdout.Write(p)
}

func (t *terminalSurface) Focus() {
	t.app.focusSurface(t)
}

func (t *terminalSurface) Resize(cols, rows int) {
	t.mu.Lock()
	t.cols = cols
	t.rows = rows
	t.mu.Unlock()
}
