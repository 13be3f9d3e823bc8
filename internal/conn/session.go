// Package conn implements the per-pane connection state machine: it owns the
// WebSocket, the visible status, the activation flow, and the watchdogs, and
// drives the reconnect policy on failure.
package conn

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/termlink/internal/identity"
	"github.com/asheshgoplani/termlink/internal/logging"
	"github.com/asheshgoplani/termlink/internal/prompt"
	"github.com/asheshgoplani/termlink/internal/reconnect"
	"github.com/asheshgoplani/termlink/internal/wire"
)

var connLog = logging.ForComponent(logging.CompConn)

// Status is the user-visible connection state.
type Status string

const (
	StatusInitial      Status = "initial"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Default watchdog settings.
const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultInactivityTimeout = 5 * time.Minute
)

// Surface is the rendering collaborator: it displays bytes and can be
// focused or resized. Keystrokes flow the other way, via Session.Send.
type Surface interface {
	Write(p []byte)
	Focus()
	Resize(cols, rows int)
}

// StatusListener observes transitions. detail carries the human-readable
// status line (countdowns, close reasons, the manual-reconnect prompt).
type StatusListener func(status Status, detail string)

// Config configures one Session.
type Config struct {
	Endpoint    string
	APIKey      string
	AccessToken string
	Environment map[string]string

	// Purpose selects the identity slot (identity.PurposePrimary/Secondary).
	Purpose string

	MaxAttempts       int
	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration

	Surface Surface

	// Identity is optional; without it sessions are never resumed.
	Identity *identity.Store

	// OnStatusChange is optional.
	OnStatusChange StatusListener

	// Dialer defaults to a gorilla dialer with the connect timeout as
	// handshake timeout.
	Dialer *websocket.Dialer
}

// Session is the per-pane connection state machine. One live socket at a
// time; the socket reference is replaced, never shared, on each attempt.
type Session struct {
	mu sync.Mutex

	cfg      Config
	domain   string
	credHash string
	purpose  string

	status    Status
	detail    string
	sessionID string
	startedAt time.Time

	detector *prompt.Detector
	policy   *reconnect.Policy

	sock    *websocket.Conn
	sockGen int
	// failureHandled dedupes the error and close events a single failed
	// socket can deliver in either order.
	failureHandled bool
	// expectedClose marks a close the engine initiated itself (user close,
	// manual reconnect, watchdog) so it doesn't route into failure handling.
	expectedClose bool

	visible         bool
	inactivityTimer *time.Timer

	line   lineModel
	closed bool
}

// NewSession builds a session in the initial state. It does not connect.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Surface == nil {
		return nil, errors.New("conn: surface is required")
	}
	domain, err := identity.DomainForEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	if cfg.Purpose == "" {
		cfg.Purpose = identity.PurposePrimary
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	}

	s := &Session{
		cfg:      cfg,
		domain:   domain,
		credHash: identity.ComputeCredentialHash(cfg.APIKey, cfg.AccessToken),
		purpose:  cfg.Purpose,
		status:   StatusInitial,
		detector: prompt.NewDetector(),
		policy:   reconnect.New(cfg.MaxAttempts),
		visible:  true,
	}
	s.policy.SetCountdown(func(remainingMS int64) {
		s.setStatus(StatusReconnecting,
			fmt.Sprintf("reconnecting in %ds (attempt %d/%d)",
				(remainingMS+999)/1000, s.policy.Attempts(), s.policy.MaxAttempts()))
	})
	return s, nil
}

// Status returns the current state and its detail line.
func (s *Session) Status() (Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.detail
}

// Active reports whether the shell is confirmed interactive.
func (s *Session) Active() bool {
	return s.detector.Active()
}

// SessionID returns the current host-assigned session id, if any.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Policy exposes the reconnect policy (the rendering surface polls it for
// the retry indicator; the orchestrator asserts pane independence with it).
func (s *Session) Policy() *reconnect.Policy {
	return s.policy
}

// Retrying reports whether a reconnect is scheduled or in flight.
func (s *Session) Retrying() bool {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	return status == StatusReconnecting || s.policy.Pending()
}

// Connect starts the pipeline from initial or a terminal state. It resumes a
// stored session id when the credential fingerprint still matches.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.status == StatusConnecting || s.status == StatusConnected {
		s.mu.Unlock()
		return
	}
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.tryResume()
	s.startAttempt()
}

func (s *Session) tryResume() {
	if s.cfg.Identity == nil {
		return
	}
	id, err := s.cfg.Identity.TryResume(s.domain, s.currentPurpose(), s.credHash)
	if err != nil {
		connLog.Warn("resume_lookup_failed", slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
	if id != "" {
		connLog.Info("resuming_session",
			slog.String("domain", s.domain),
			slog.String("purpose", s.currentPurpose()))
	}
}

// startAttempt opens a fresh socket. The previous socket, if any, is closed
// and nulled first so exactly one live socket exists per session.
func (s *Session) startAttempt() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.sock != nil {
		_ = s.sock.Close()
		s.sock = nil
	}
	s.sockGen++
	gen := s.sockGen
	s.failureHandled = false
	s.expectedClose = false
	s.detector.Reset()
	s.policy.NewCycle()
	s.mu.Unlock()

	s.setStatus(StatusConnecting, "connecting to "+s.domain)

	go s.dial(gen)
}

func (s *Session) dial(gen int) {
	defer s.recoverCallback("dial")

	sock, resp, err := s.cfg.Dialer.Dial(s.cfg.Endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		connLog.Warn("dial_failed",
			slog.String("endpoint", s.cfg.Endpoint),
			slog.String("error", err.Error()))
		code := 0
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			code = wire.CloseRateLimited
		}
		s.handleFailure(gen, code, "dial: "+err.Error())
		return
	}

	s.mu.Lock()
	if s.closed || gen != s.sockGen {
		s.mu.Unlock()
		_ = sock.Close()
		return
	}
	s.sock = sock
	sessionID := s.sessionID
	s.mu.Unlock()

	auth, err := wire.EncodeAuth(wire.AuthPayload{
		APIKey:               s.cfg.APIKey,
		AccessToken:          s.cfg.AccessToken,
		SessionID:            sessionID,
		EnvironmentVariables: s.cfg.Environment,
	})
	if err != nil {
		s.handleFailure(gen, 0, "encode auth: "+err.Error())
		return
	}
	if err := s.writeMessage(gen, websocket.TextMessage, auth); err != nil {
		s.handleFailure(gen, 0, "send auth: "+err.Error())
		return
	}

	s.armInactivityWatchdog()
	go s.readLoop(sock, gen)
}

func (s *Session) readLoop(sock *websocket.Conn, gen int) {
	defer s.recoverCallback("read_loop")

	for {
		_, frame, err := sock.ReadMessage()
		if err != nil {
			code, reason := closeCodeOf(err)
			s.handleSocketClosed(gen, code, reason, err)
			return
		}
		s.handleFrame(gen, frame)
	}
}

func closeCodeOf(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return 0, ""
}

func (s *Session) handleFrame(gen int, frame []byte) {
	defer s.recoverCallback("handle_frame")

	s.mu.Lock()
	if s.closed || gen != s.sockGen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	kind, msg, out := wire.Classify(frame)
	switch kind {
	case wire.FrameControl:
		s.handleControl(gen, msg)
	case wire.FrameOutput:
		s.handleOutput(out)
	case wire.FrameDropped:
		// Already logged by the framer.
	}
}

func (s *Session) handleControl(gen int, msg *wire.ControlMessage) {
	switch msg.Type {
	case wire.TypeHello:
		s.mu.Lock()
		s.sessionID = msg.SessionID
		s.mu.Unlock()
		s.persistSession()
		// The host greeting confirms the session without waiting for the
		// prompt heuristic.
		s.activate("hello")

	case wire.TypeStatus:
		switch msg.Payload {
		case wire.StatusConnected:
			s.activate("status")
		case wire.StatusError:
			connLog.Warn("host_reported_error",
				slog.Int("code", msg.Code),
				slog.String("reason", msg.Reason))
			if wire.NonRecoverable(msg.Code) {
				s.failTerminal(msg.Code, msg.Reason)
			}
		case wire.StatusDisconnected:
			s.handleFailure(gen, msg.Code, msg.Reason)
		}

	default:
		connLog.Debug("unknown_control_type", slog.String("type", msg.Type))
	}
}

func (s *Session) handleOutput(out []byte) {
	if !s.detector.Active() {
		if s.detector.Feed(out) {
			s.activate("prompt")
		}
	}
	logging.Aggregate(logging.CompConn, "pty_bytes_received",
		slog.Int("last_chunk", len(out)))
	s.surfaceWrite(out)
}

// activate flips the session to connected+active. Idempotent: only the first
// trigger (prompt heuristic, hello, or explicit status) has effects.
func (s *Session) activate(trigger string) {
	first := s.detector.Activate()
	s.mu.Lock()
	alreadyConnected := s.status == StatusConnected
	s.mu.Unlock()
	if !first && alreadyConnected {
		return
	}

	connLog.Info("session_active",
		slog.String("trigger", trigger),
		slog.String("domain", s.domain))
	s.policy.SuccessReset()
	s.setStatus(StatusConnected, "connected to "+s.domain)
	s.surfaceFocus()
}

func (s *Session) persistSession() {
	s.mu.Lock()
	id := s.sessionID
	purpose := s.purpose
	s.mu.Unlock()
	if s.cfg.Identity == nil || id == "" {
		return
	}
	if err := s.cfg.Identity.Persist(s.domain, purpose, id, s.credHash); err != nil {
		connLog.Warn("persist_session_failed", slog.String("error", err.Error()))
	}
}

func (s *Session) currentPurpose() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purpose
}

// AdoptPurpose re-homes the session's identity slot. Used on pane promotion:
// the old slot is purged so a future pane there starts fresh, and the live
// session id is re-persisted under the new slot.
func (s *Session) AdoptPurpose(purpose string) {
	s.mu.Lock()
	old := s.purpose
	s.purpose = purpose
	id := s.sessionID
	s.mu.Unlock()
	if s.cfg.Identity == nil || old == purpose {
		return
	}
	_ = s.cfg.Identity.Purge(s.domain, old)
	if id != "" {
		if err := s.cfg.Identity.Persist(s.domain, purpose, id, s.credHash); err != nil {
			connLog.Warn("persist_session_failed", slog.String("error", err.Error()))
		}
	}
}

// handleSocketClosed is the close/error sink for one socket generation. The
// dedupe guard in handleFailure keeps error-then-close (or close-then-error)
// from double counting.
func (s *Session) handleSocketClosed(gen int, code int, reason string, err error) {
	s.mu.Lock()
	expected := s.expectedClose
	stale := s.closed || gen != s.sockGen
	s.mu.Unlock()
	if stale {
		return
	}
	if expected {
		connLog.Debug("socket_closed_expected", slog.String("reason", reason))
		return
	}
	if reason == "" && err != nil {
		reason = err.Error()
	}
	s.handleFailure(gen, code, reason)
}

// handleFailure routes a failed attempt: non-recoverable codes terminate
// immediately; otherwise the policy decides between another scheduled
// attempt and the manual-reconnect prompt.
func (s *Session) handleFailure(gen int, code int, reason string) {
	s.mu.Lock()
	if s.closed || gen != s.sockGen || s.failureHandled {
		s.mu.Unlock()
		return
	}
	s.failureHandled = true
	if s.sock != nil {
		_ = s.sock.Close()
		s.sock = nil
	}
	s.mu.Unlock()
	s.disarmInactivityWatchdog()

	if wire.NonRecoverable(code) {
		s.failTerminal(code, reason)
		return
	}

	s.setStatus(StatusError, nonEmpty(reason, "socket closed"))
	s.policy.Increment()

	if s.policy.Cancelled() || s.policy.IsMaxReached() {
		connLog.Warn("retries_exhausted",
			slog.Int("attempts", s.policy.Attempts()),
			slog.String("last_error", reason))
		s.setStatus(StatusDisconnected, manualReconnectPrompt(reason))
		return
	}

	s.setStatus(StatusReconnecting,
		fmt.Sprintf("connection lost (%s), retrying", nonEmpty(reason, "socket closed")))
	if !s.policy.ScheduleReconnect(func() { s.startAttempt() }) {
		s.setStatus(StatusDisconnected, manualReconnectPrompt(reason))
	}
}

// failTerminal handles non-recoverable rejections: the resume id is purged
// and no retry is ever scheduled.
func (s *Session) failTerminal(code int, reason string) {
	connLog.Error("non_recoverable_close",
		slog.Int("code", code),
		slog.String("reason", reason))

	s.mu.Lock()
	s.sessionID = ""
	// The close below is self-inflicted; mark the socket handled so the read
	// loop's close error doesn't route back into transient failure handling.
	s.failureHandled = true
	s.expectedClose = true
	if s.sock != nil {
		_ = s.sock.Close()
		s.sock = nil
	}
	s.mu.Unlock()
	s.disarmInactivityWatchdog()

	if s.cfg.Identity != nil {
		_ = s.cfg.Identity.Purge(s.domain, s.currentPurpose())
	}
	s.setStatus(StatusDisconnected,
		manualReconnectPrompt(fmt.Sprintf("%s (code %d)", nonEmpty(reason, "rejected by host"), code)))
}

func manualReconnectPrompt(reason string) string {
	return fmt.Sprintf("disconnected: %s — press the reconnect key to start a fresh session", reason)
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// HandleReconnectKey implements the designated reconnect key. While a retry
// countdown is running it cancels the policy; while the manual prompt is
// shown it discards the stored session id and restarts the whole pipeline.
func (s *Session) HandleReconnectKey() {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	switch status {
	case StatusReconnecting:
		s.policy.Cancel()
		s.closeSocket(wire.ReasonManualReconnect)
		s.setStatus(StatusDisconnected, "reconnect cancelled — press the reconnect key to start a fresh session")

	case StatusDisconnected, StatusError, StatusInitial:
		if s.cfg.Identity != nil {
			_ = s.cfg.Identity.Purge(s.domain, s.currentPurpose())
		}
		s.mu.Lock()
		s.sessionID = ""
		s.mu.Unlock()
		s.policy.Reset()
		s.startAttempt()
	}
}

// SetVisible feeds the pane visibility signal. A hidden pane with a live
// socket is force-closed after the inactivity timeout and requires a manual
// restart.
func (s *Session) SetVisible(visible bool) {
	s.mu.Lock()
	s.visible = visible
	s.mu.Unlock()
	if visible {
		s.disarmInactivityWatchdog()
	} else {
		s.armInactivityWatchdog()
	}
}

func (s *Session) armInactivityWatchdog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.visible || s.sock == nil || s.inactivityTimer != nil {
		return
	}
	gen := s.sockGen
	s.inactivityTimer = time.AfterFunc(s.cfg.InactivityTimeout, func() {
		s.inactivityTimeout(gen)
	})
}

func (s *Session) disarmInactivityWatchdog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
		s.inactivityTimer = nil
	}
}

func (s *Session) inactivityTimeout(gen int) {
	defer s.recoverCallback("inactivity_timeout")

	s.mu.Lock()
	stale := s.closed || gen != s.sockGen || s.visible || s.sock == nil
	s.inactivityTimer = nil
	s.mu.Unlock()
	if stale {
		return
	}

	connLog.Info("inactivity_close", slog.String("domain", s.domain))
	s.closeSocket(wire.ReasonInactivity)
	s.policy.Cancel()
	s.setStatus(StatusDisconnected, "closed after inactivity — press the reconnect key to start a fresh session")
}

// closeSocket performs a deliberate close with a recognized reason so the
// read loop doesn't treat it as a failure.
func (s *Session) closeSocket(reason string) {
	s.mu.Lock()
	sock := s.sock
	s.sock = nil
	s.expectedClose = true
	s.mu.Unlock()
	if sock == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = sock.Close()
}

// Close tears the session down for good: pane closed or component teardown.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.policy.Cancel()
	s.closeSocket(wire.ReasonUserClosed)
	s.disarmInactivityWatchdog()
	s.setStatus(StatusDisconnected, "closed")
}

func (s *Session) writeMessage(gen int, messageType int, data []byte) error {
	s.mu.Lock()
	sock := s.sock
	stale := s.closed || gen != s.sockGen
	s.mu.Unlock()
	if stale || sock == nil {
		return errors.New("conn: no live socket")
	}
	return sock.WriteMessage(messageType, data)
}

func (s *Session) currentGen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sockGen
}

func (s *Session) setStatus(status Status, detail string) {
	s.mu.Lock()
	if s.closed && status != StatusDisconnected {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.detail = detail
	cb := s.cfg.OnStatusChange
	s.mu.Unlock()

	connLog.Debug("status_changed",
		slog.String("status", string(status)),
		slog.String("detail", detail))
	if cb != nil {
		func() {
			defer s.recoverCallback("status_listener")
			cb(status, detail)
		}()
	}
}

func (s *Session) surfaceWrite(p []byte) {
	defer s.recoverCallback("surface_write")
	s.cfg.Surface.Write(p)
}

func (s *Session) surfaceFocus() {
	defer s.recoverCallback("surface_focus")
	s.cfg.Surface.Focus()
}

// recoverCallback keeps a single malformed event from crashing the session;
// worst case the event is logged and dropped with state left as-is.
func (s *Session) recoverCallback(where string) {
	if r := recover(); r != nil {
		connLog.Error("callback_panic",
			slog.String("where", where),
			slog.Any("panic", r))
	}
}
