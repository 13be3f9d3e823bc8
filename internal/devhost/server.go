// Package devhost runs a local PTY host speaking the termlink wire protocol.
// It exists for development and integration testing: hello/status control
// frames, session resume, and the non-recoverable close codes behave the way
// the client engine expects from a production host.
package devhost

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/termlink/internal/logging"
	"github.com/asheshgoplani/termlink/internal/wire"
)

var hostLog = logging.ForComponent(logging.CompHost)

// Options configures the host.
type Options struct {
	// Listen address, e.g. "127.0.0.1:7681".
	Listen string

	// Shell overrides $SHELL for spawned sessions.
	Shell string

	// APIKey, when set, must match the auth payload's apiKey; mismatches are
	// rejected with the token-expired close code.
	APIKey string

	// MaxSessions caps live sessions; beyond it connections close with the
	// capacity code.
	MaxSessions int

	// ConnectRatePerMin limits connection attempts per client address;
	// beyond it connections close with the rate-limit code.
	ConnectRatePerMin int

	// ResumeWindow keeps a detached session's PTY alive for reattach.
	ResumeWindow time.Duration
}

// Server is the dev host.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	group    *errgroup.Group

	mu       sync.Mutex
	sessions map[string]*hostSession
	limiters map[string]*rate.Limiter
}

// New creates a host with unset options defaulted.
func New(opts Options) *Server {
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:7681"
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 8
	}
	if opts.ConnectRatePerMin <= 0 {
		opts.ConnectRatePerMin = 30
	}
	if opts.ResumeWindow <= 0 {
		opts.ResumeWindow = 5 * time.Minute
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local dev host: the client is a native process, not a browser.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*hostSession),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Run serves until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", s.handleSession)

	s.httpSrv = &http.Server{Addr: s.opts.Listen, Handler: mux}

	group, ctx := errgroup.WithContext(ctx)
	s.group = group

	group.Go(func() error {
		hostLog.Info("host_listening", slog.String("addr", s.opts.Listen))
		err := s.httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		s.closeAllSessions()
		return nil
	})

	return group.Wait()
}

func (s *Server) limiterFor(addr string) *rate.Limiter {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[host]
	if !ok {
		perMin := rate.Limit(float64(s.opts.ConnectRatePerMin) / 60.0)
		lim = rate.NewLimiter(perMin, s.opts.ConnectRatePerMin)
		s.limiters[host] = lim
	}
	return lim
}

func (s *Server) liveSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	writer := newConnWriter(conn)

	if !s.limiterFor(r.RemoteAddr).Allow() {
		hostLog.Warn("connection_rate_limited", slog.String("remote", r.RemoteAddr))
		closeWith(conn, wire.CloseRateLimited, "connection rate limit exceeded")
		return
	}

	// First inbound message must be the auth payload.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var auth wire.AuthPayload
	if err := json.Unmarshal(payload, &auth); err != nil {
		closeWith(conn, wire.ClosePolicyViolation, "malformed auth payload")
		return
	}
	if s.opts.APIKey != "" && auth.APIKey != s.opts.APIKey {
		hostLog.Warn("auth_rejected", slog.String("remote", r.RemoteAddr))
		closeWith(conn, wire.CloseTokenExpired, "invalid credentials")
		return
	}

	// Resume takes priority; an unknown id is a hard rejection so the
	// client purges it instead of retrying forever.
	if auth.SessionID != "" {
		sess := s.takeSession(auth.SessionID)
		if sess == nil {
			hostLog.Info("resume_rejected", slog.String("session_id", auth.SessionID))
			closeWith(conn, wire.CloseResumeRejected, "unknown session id")
			return
		}
		hostLog.Info("session_resumed", slog.String("session_id", sess.id))
		sess.attach(writer)
		sess.serve(conn)
		s.parkOrReap(sess)
		return
	}

	if s.liveSessionCount() >= s.opts.MaxSessions {
		closeWith(conn, wire.CloseCapacity, "session capacity reached")
		return
	}

	sess, err := newHostSession(s.opts.Shell, auth.EnvironmentVariables)
	if err != nil {
		hostLog.Error("pty_start_failed", slog.String("error", err.Error()))
		closeWith(conn, wire.CloseServerError, "failed to start shell")
		return
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	hostLog.Info("session_started", slog.String("session_id", sess.id))
	sess.attach(writer)
	sess.serve(conn)
	s.parkOrReap(sess)
}

// takeSession claims a parked session for reattachment. A session already
// serving a socket cannot be taken a second time.
func (s *Server) takeSession(id string) *hostSession {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok || sess.closed() || !sess.tryClaim() {
		return nil
	}
	return sess
}

// parkOrReap keeps a detached session alive for the resume window, then
// reaps it unless a client reattached in the meantime.
func (s *Server) parkOrReap(sess *hostSession) {
	if sess.closed() {
		s.dropSession(sess.id)
		return
	}
	gen := sess.park()
	hostLog.Info("session_parked",
		slog.String("session_id", sess.id),
		slog.Duration("resume_window", s.opts.ResumeWindow))

	time.AfterFunc(s.opts.ResumeWindow, func() {
		if sess.reapable(gen) {
			hostLog.Info("session_reaped", slog.String("session_id", sess.id))
			sess.close()
			s.dropSession(sess.id)
		}
	})
}

func (s *Server) dropSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) closeAllSessions() {
	s.mu.Lock()
	sessions := make([]*hostSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*hostSession)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
