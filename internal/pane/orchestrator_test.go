package pane

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/termlink/internal/conn"
	"github.com/asheshgoplani/termlink/internal/wire"
)

// paneHost accepts any number of sessions, greets each with a unique hello,
// and holds the socket open until the client closes it.
type paneHost struct {
	srv *httptest.Server

	mu    sync.Mutex
	conns int
}

func newPaneHost(t *testing.T) *paneHost {
	t.Helper()
	h := &paneHost{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer sock.Close()

		// Auth payload first.
		if _, _, err := sock.ReadMessage(); err != nil {
			return
		}

		h.mu.Lock()
		h.conns++
		id := fmt.Sprintf("sess-%d", h.conns)
		h.mu.Unlock()

		frame, err := wire.EncodeControl(wire.ControlMessage{Type: wire.TypeHello, SessionID: id})
		if err != nil {
			return
		}
		if err := sock.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}

		for {
			if _, _, err := sock.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *paneHost) endpoint() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/session"
}

func (h *paneHost) connCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns
}

// paneSurface records what the orchestrator pushes at each slot's renderer.
type paneSurface struct {
	mu      sync.Mutex
	slot    Slot
	resizes [][2]int
	focused int
}

func (p *paneSurface) Write(data []byte) {}

func (p *paneSurface) Focus() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.focused++
}

func (p *paneSurface) Resize(cols, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]int{cols, rows})
}

func (p *paneSurface) lastResize() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.resizes) == 0 {
		return 0, 0
	}
	last := p.resizes[len(p.resizes)-1]
	return last[0], last[1]
}

func (p *paneSurface) focusCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.focused
}

type statusLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *statusLog) record(status conn.Status, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, string(status)+": "+detail)
}

func (l *statusLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *statusLog) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

type orchFixture struct {
	orch     *Orchestrator
	host     *paneHost
	statuses *statusLog

	mu       sync.Mutex
	surfaces map[Slot][]*paneSurface
}

func newOrchFixture(t *testing.T, base conn.Config, cols, rows int) *orchFixture {
	t.Helper()
	f := &orchFixture{
		host:     newPaneHost(t),
		statuses: &statusLog{},
		surfaces: make(map[Slot][]*paneSurface),
	}
	base.Endpoint = f.host.endpoint()

	factory := func(s Slot) conn.Surface {
		surface := &paneSurface{slot: s}
		f.mu.Lock()
		f.surfaces[s] = append(f.surfaces[s], surface)
		f.mu.Unlock()
		return surface
	}

	f.orch = New(base, factory, f.statuses.record, cols, rows)
	t.Cleanup(f.orch.CloseAll)
	return f
}

// surface returns the latest surface built for a slot.
func (f *orchFixture) surface(s Slot) *paneSurface {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.surfaces[s]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func waitActive(t *testing.T, sess *conn.Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess != nil && sess.Active() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never became active")
}

func TestStartConnectsPrimaryAndRoutesStatus(t *testing.T) {
	f := newOrchFixture(t, conn.Config{}, 80, 24)

	require.NoError(t, f.orch.Start())
	waitActive(t, f.orch.Primary())

	assert.Equal(t, "sess-1", f.orch.Primary().SessionID())
	assert.True(t, f.statuses.contains("connected"))
	assert.Nil(t, f.orch.Secondary())

	// Single pane gets the full width.
	cols, rows := f.surface(SlotPrimary).lastResize()
	assert.Equal(t, 80, cols)
	assert.Equal(t, 24, rows)
}

func TestOpenSplitsLayoutAndIsolatesPanes(t *testing.T) {
	f := newOrchFixture(t, conn.Config{}, 81, 24)

	require.NoError(t, f.orch.Start())
	waitActive(t, f.orch.Primary())
	routed := f.statuses.count()

	require.NoError(t, f.orch.Open())
	waitActive(t, f.orch.Secondary())

	assert.NotEqual(t, f.orch.Primary().SessionID(), f.orch.Secondary().SessionID(),
		"panes must hold distinct sessions")

	// The secondary pane's transitions stay local to its pane.
	assert.Equal(t, routed, f.statuses.count(),
		"secondary status must not reach the primary listener")

	// 81 columns minus the divider split evenly.
	pCols, _ := f.surface(SlotPrimary).lastResize()
	sCols, _ := f.surface(SlotSecondary).lastResize()
	assert.Equal(t, 40, pCols)
	assert.Equal(t, 40, sCols)

	// Open is idempotent.
	secondary := f.orch.Secondary()
	require.NoError(t, f.orch.Open())
	assert.Same(t, secondary, f.orch.Secondary())
}

func TestClosePrimaryPromotesLiveSecondary(t *testing.T) {
	f := newOrchFixture(t, conn.Config{}, 81, 24)

	require.NoError(t, f.orch.Start())
	waitActive(t, f.orch.Primary())
	require.NoError(t, f.orch.Open())
	waitActive(t, f.orch.Secondary())

	secondary := f.orch.Secondary()
	secondaryID := secondary.SessionID()
	conns := f.host.connCount()
	promotedSurface := f.surface(SlotSecondary)
	focusBefore := promotedSurface.focusCount()

	f.orch.ClosePrimary()

	// The secondary moved into the primary slot with its session intact.
	assert.Same(t, secondary, f.orch.Primary())
	assert.Nil(t, f.orch.Secondary())
	assert.Equal(t, secondaryID, f.orch.Primary().SessionID())
	assert.True(t, f.orch.Primary().Active(), "promotion must not drop the live session")

	// No reconnect happened for the promotion.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, conns, f.host.connCount(), "promotion must not dial")

	// The promoted pane takes the full width and the focus.
	cols, _ := promotedSurface.lastResize()
	assert.Equal(t, 81, cols)
	assert.Greater(t, promotedSurface.focusCount(), focusBefore)
}

func TestStatusRoutingFollowsPromotion(t *testing.T) {
	base := conn.Config{InactivityTimeout: 60 * time.Millisecond}
	f := newOrchFixture(t, base, 81, 24)

	require.NoError(t, f.orch.Start())
	waitActive(t, f.orch.Primary())
	require.NoError(t, f.orch.Open())
	waitActive(t, f.orch.Secondary())

	f.orch.ClosePrimary()

	// Drive a transition on the promoted pane: hiding it trips the
	// inactivity watchdog, whose status must reach the primary listener.
	f.orch.SetVisible(false)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.statuses.contains("inactivity") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("promoted pane's status never reached the primary listener")
}

func TestCloseSecondaryLeavesPrimaryUntouched(t *testing.T) {
	f := newOrchFixture(t, conn.Config{}, 81, 24)

	require.NoError(t, f.orch.Start())
	waitActive(t, f.orch.Primary())
	require.NoError(t, f.orch.Open())
	waitActive(t, f.orch.Secondary())

	primary := f.orch.Primary()
	primaryID := primary.SessionID()

	f.orch.CloseSecondary()

	assert.Same(t, primary, f.orch.Primary())
	assert.Equal(t, primaryID, primary.SessionID())
	assert.True(t, primary.Active())
	assert.Equal(t, 0, primary.Policy().Attempts(),
		"closing the secondary must not touch the primary's retry state")
	assert.False(t, primary.Policy().Cancelled())

	// Layout returns to full width.
	cols, _ := f.surface(SlotPrimary).lastResize()
	assert.Equal(t, 81, cols)
}

func TestClosePrimaryWithoutSecondaryTearsDown(t *testing.T) {
	f := newOrchFixture(t, conn.Config{}, 80, 24)

	require.NoError(t, f.orch.Start())
	waitActive(t, f.orch.Primary())

	f.orch.ClosePrimary()
	assert.Nil(t, f.orch.Primary())
	assert.Nil(t, f.orch.Secondary())
}

func TestSendRoutesPerSlot(t *testing.T) {
	f := newOrchFixture(t, conn.Config{}, 81, 24)

	require.NoError(t, f.orch.Start())
	waitActive(t, f.orch.Primary())

	require.NoError(t, f.orch.Send(SlotPrimary, []byte("x")))
	assert.Error(t, f.orch.Send(SlotSecondary, []byte("x")),
		"sending to a missing pane must fail")

	require.NoError(t, f.orch.Open())
	waitActive(t, f.orch.Secondary())
	require.NoError(t, f.orch.Send(SlotSecondary, []byte("y")))
}

func TestSetSizeReappliesLayout(t *testing.T) {
	f := newOrchFixture(t, conn.Config{}, 81, 24)

	require.NoError(t, f.orch.Start())
	waitActive(t, f.orch.Primary())
	require.NoError(t, f.orch.Open())
	waitActive(t, f.orch.Secondary())

	f.orch.SetSize(121, 40)

	pCols, pRows := f.surface(SlotPrimary).lastResize()
	sCols, sRows := f.surface(SlotSecondary).lastResize()
	assert.Equal(t, 60, pCols)
	assert.Equal(t, 40, pRows)
	assert.Equal(t, 60, sCols)
	assert.Equal(t, 40, sRows)
}
