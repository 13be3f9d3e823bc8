package devhost

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/termlink/internal/logging"
	"github.com/asheshgoplani/termlink/internal/wire"
)

// connWriter serializes writes to one websocket connection.
type connWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newConnWriter(conn *websocket.Conn) *connWriter {
	return &connWriter{conn: conn}
}

func (w *connWriter) WriteBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *connWriter) WriteControlFrame(msg wire.ControlMessage) error {
	frame, err := wire.EncodeControl(msg)
	if err != nil {
		return err
	}
	return w.WriteBinary(frame)
}

// hostSession owns one shell PTY. It survives socket detach for the resume
// window; output produced while detached is dropped.
type hostSession struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	writer *connWriter
	// claimed reserves the session for one attaching socket at a time.
	claimed bool
	// parkGen invalidates reap timers from earlier resume windows once the
	// session has been resumed and parked again.
	parkGen int

	closeOnce sync.Once
	done      chan struct{}
}

func newHostSession(shell string, env map[string]string) (*hostSession, error) {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("devhost: start pty: %w", err)
	}

	sess := &hostSession{
		id:      uuid.New().String(),
		cmd:     cmd,
		ptmx:    ptmx,
		claimed: true,
		done:    make(chan struct{}),
	}
	go sess.pumpPTY()
	return sess, nil
}

// pumpPTY is the sole PTY reader; it forwards output to whichever socket is
// currently attached.
func (s *hostSession) pumpPTY() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.mu.Lock()
			writer := s.writer
			s.mu.Unlock()
			if writer != nil {
				if werr := writer.WriteBinary(chunk); werr != nil {
					s.detach()
				}
				logging.Aggregate(logging.CompHost, "pty_bytes_sent",
					slog.Int("last_chunk", n))
			}
		}
		if err != nil {
			s.close()
			return
		}
	}
}

// attach binds a socket and sends the greeting: hello with the session id,
// then an explicit connected status.
func (s *hostSession) attach(writer *connWriter) {
	s.mu.Lock()
	s.writer = writer
	s.mu.Unlock()

	_ = writer.WriteControlFrame(wire.ControlMessage{Type: wire.TypeHello, SessionID: s.id})
	_ = writer.WriteControlFrame(wire.ControlMessage{Type: wire.TypeStatus, Payload: wire.StatusConnected})
}

func (s *hostSession) detach() {
	s.mu.Lock()
	s.writer = nil
	s.mu.Unlock()
}

// tryClaim reserves the session for one attaching socket. A resume while
// another socket is serving the session fails the claim.
func (s *hostSession) tryClaim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed {
		return false
	}
	s.claimed = true
	return true
}

// park releases the claim and opens a fresh resume window. The returned
// generation lets the reap timer recognize that a later resume superseded
// its window.
func (s *hostSession) park() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = nil
	s.claimed = false
	s.parkGen++
	return s.parkGen
}

// reapable reports whether the resume window identified by gen is still the
// current one and no socket reattached.
func (s *hostSession) reapable(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.claimed && gen == s.parkGen
}

func (s *hostSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// serve pumps the socket into the PTY until the socket closes. Binary frames
// are raw input; text frames may carry readline-control messages.
func (s *hostSession) serve(conn *websocket.Conn) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				hostLog.Warn("socket_closed_unexpectedly",
					slog.String("session_id", s.id),
					slog.String("error", err.Error()))
			}
			return
		}

		if messageType == websocket.TextMessage && s.handleReadline(payload) {
			continue
		}
		if _, err := s.ptmx.Write(payload); err != nil {
			hostLog.Warn("pty_write_failed",
				slog.String("session_id", s.id),
				slog.String("error", err.Error()))
			return
		}
	}
}

// handleReadline translates a readline-control message into the byte
// sequence the shell's line editor understands. Returns false for frames
// that are not readline-control.
func (s *hostSession) handleReadline(payload []byte) bool {
	var msg wire.ReadlineControl
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Type != wire.TypeReadlineControl {
		return false
	}

	var seq []byte
	switch msg.Action {
	case wire.ActionComplete:
		seq = []byte{'\t'}
	case wire.ActionHistoryUp:
		seq = []byte("\x1b[A")
	case wire.ActionHistoryDown:
		seq = []byte("\x1b[B")
	case wire.ActionHistorySearch:
		seq = []byte{0x12}
	default:
		hostLog.Debug("unknown_readline_action", slog.String("action", msg.Action))
		return true
	}
	if _, err := s.ptmx.Write(seq); err != nil {
		hostLog.Warn("pty_write_failed",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()))
	}
	return true
}

// close tears down the PTY and the shell process.
func (s *hostSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.detach()
		if s.ptmx != nil {
			_ = s.ptmx.Close()
		}
		if s.cmd != nil && s.cmd.Process != nil {
			pgid, err := syscall.Getpgid(s.cmd.Process.Pid)
			if err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGTERM)
			} else {
				_ = s.cmd.Process.Kill()
			}
			_ = s.cmd.Wait()
		}
	})
}
