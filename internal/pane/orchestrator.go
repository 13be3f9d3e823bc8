// Package pane manages the one- or two-pane layout: each pane is a fully
// independent connection state machine with its own prompt detector,
// reconnect policy and identity slot. Panes never share a socket, buffer or
// policy; closing one leaves the other untouched.
package pane

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/asheshgoplani/termlink/internal/conn"
	"github.com/asheshgoplani/termlink/internal/identity"
	"github.com/asheshgoplani/termlink/internal/logging"
)

var paneLog = logging.ForComponent(logging.CompPane)

// Slot addresses one of the two panes.
type Slot int

const (
	SlotPrimary Slot = iota
	SlotSecondary
)

// SurfaceFactory builds a rendering surface for a pane slot. The orchestrator
// calls it once per pane instantiation.
type SurfaceFactory func(Slot) conn.Surface

type paneSlot struct {
	sess    *conn.Session
	surface conn.Surface
}

// Orchestrator owns the primary pane and lazily a secondary one.
type Orchestrator struct {
	mu sync.Mutex

	base       conn.Config
	newSurface SurfaceFactory

	// onPrimaryStatus only ever observes whichever pane currently occupies
	// the primary slot, including after promotion.
	onPrimaryStatus conn.StatusListener

	cols, rows int

	primary   *paneSlot
	secondary *paneSlot
}

// New creates an orchestrator. base carries the shared connection settings
// (endpoint, credentials, identity store, timeouts); the Purpose and Surface
// fields of base are ignored and set per pane.
func New(base conn.Config, newSurface SurfaceFactory, onPrimaryStatus conn.StatusListener, cols, rows int) *Orchestrator {
	return &Orchestrator{
		base:            base,
		newSurface:      newSurface,
		onPrimaryStatus: onPrimaryStatus,
		cols:            cols,
		rows:            rows,
	}
}

// Start instantiates and connects the primary pane.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.primary != nil {
		o.mu.Unlock()
		return errors.New("pane: already started")
	}
	o.mu.Unlock()

	slot, err := o.newPane(SlotPrimary, identity.PurposePrimary)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.primary = slot
	o.mu.Unlock()

	o.applyLayout()
	slot.sess.Connect()
	return nil
}

// Open lazily instantiates and connects the secondary pane and splits the
// layout. A no-op when the secondary pane already exists.
func (o *Orchestrator) Open() error {
	o.mu.Lock()
	if o.primary == nil {
		o.mu.Unlock()
		return errors.New("pane: not started")
	}
	if o.secondary != nil {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	slot, err := o.newPane(SlotSecondary, identity.PurposeSecondary)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.secondary = slot
	o.mu.Unlock()

	paneLog.Info("secondary_pane_opened")
	o.applyLayout()
	slot.sess.Connect()
	return nil
}

// newPane builds the session+detector+policy triplet for a slot.
func (o *Orchestrator) newPane(s Slot, purpose string) (*paneSlot, error) {
	surface := o.newSurface(s)

	slot := &paneSlot{surface: surface}
	cfg := o.base
	cfg.Purpose = purpose
	cfg.Surface = surface
	cfg.OnStatusChange = func(status conn.Status, detail string) {
		o.routeStatus(slot, status, detail)
	}

	sess, err := conn.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	slot.sess = sess
	return slot, nil
}

// routeStatus forwards status changes from whichever pane is currently in
// the primary slot; secondary status stays local to its pane.
func (o *Orchestrator) routeStatus(from *paneSlot, status conn.Status, detail string) {
	o.mu.Lock()
	isPrimary := o.primary == from
	cb := o.onPrimaryStatus
	o.mu.Unlock()
	if isPrimary && cb != nil {
		cb(status, detail)
	}
}

// ClosePrimary closes the primary pane. With a secondary pane open, the
// secondary is promoted into the primary slot with its live connection,
// buffer and policy intact; nothing reconnects. Without one, this is
// CloseAll.
func (o *Orchestrator) ClosePrimary() {
	o.mu.Lock()
	primary := o.primary
	secondary := o.secondary
	if primary == nil {
		o.mu.Unlock()
		return
	}
	o.primary = secondary
	o.secondary = nil
	o.mu.Unlock()

	primary.sess.Close()

	if secondary != nil {
		paneLog.Info("secondary_promoted",
			slog.String("session_id", secondary.sess.SessionID()))
		// Re-home the promoted pane's resume slot so a future secondary
		// never resumes its session.
		secondary.sess.AdoptPurpose(identity.PurposePrimary)
		o.applyLayout()
		// The promoted pane now owns the single visible slot.
		secondary.surface.Focus()
	}
}

// CloseSecondary tears down only the secondary pane and restores the full
// layout. The primary pane's policy and socket are untouched.
func (o *Orchestrator) CloseSecondary() {
	o.mu.Lock()
	secondary := o.secondary
	o.secondary = nil
	o.mu.Unlock()
	if secondary == nil {
		return
	}
	secondary.sess.Close()
	paneLog.Info("secondary_pane_closed")
	o.applyLayout()
}

// CloseAll tears down both panes.
func (o *Orchestrator) CloseAll() {
	o.mu.Lock()
	primary := o.primary
	secondary := o.secondary
	o.primary = nil
	o.secondary = nil
	o.mu.Unlock()

	if secondary != nil {
		secondary.sess.Close()
	}
	if primary != nil {
		primary.sess.Close()
	}
}

// Primary returns the session currently in the primary slot, or nil.
func (o *Orchestrator) Primary() *conn.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.primary == nil {
		return nil
	}
	return o.primary.sess
}

// Secondary returns the secondary session, or nil.
func (o *Orchestrator) Secondary() *conn.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.secondary == nil {
		return nil
	}
	return o.secondary.sess
}

// Session returns the session for a slot, or nil.
func (o *Orchestrator) Session(s Slot) *conn.Session {
	if s == SlotSecondary {
		return o.Secondary()
	}
	return o.Primary()
}

// Send routes keystrokes to one pane. The interaction handler disambiguates
// the target; the panes themselves never see each other's input.
func (o *Orchestrator) Send(s Slot, data []byte) error {
	sess := o.Session(s)
	if sess == nil {
		return errors.New("pane: no such pane")
	}
	return sess.Send(data)
}

// SetVisible feeds the visibility signal to both panes.
func (o *Orchestrator) SetVisible(visible bool) {
	for _, sess := range []*conn.Session{o.Primary(), o.Secondary()} {
		if sess != nil {
			sess.SetVisible(visible)
		}
	}
}

// SetSize records the available terminal geometry and re-applies the layout.
func (o *Orchestrator) SetSize(cols, rows int) {
	o.mu.Lock()
	o.cols = cols
	o.rows = rows
	o.mu.Unlock()
	o.applyLayout()
}

// applyLayout resizes the pane surfaces: full width for a single pane, an
// even split with a one-column divider for two.
func (o *Orchestrator) applyLayout() {
	o.mu.Lock()
	primary := o.primary
	secondary := o.secondary
	cols, rows := o.cols, o.rows
	o.mu.Unlock()

	if cols <= 0 || rows <= 0 || primary == nil {
		return
	}

	if secondary == nil {
		primary.surface.Resize(cols, rows)
		return
	}
	half := (cols - 1) / 2
	primary.surface.Resize(half, rows)
	secondary.surface.Resize(cols-1-half, rows)
}
