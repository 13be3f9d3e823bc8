package conn

import (
	"bytes"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/termlink/internal/wire"
)

// Intercepted key sequences. Only whole-sequence matches are translated;
// anything else goes to the host as raw bytes.
var (
	keyTab       = []byte{0x09}
	keyCtrlR     = []byte{0x12}
	keyUpCSI     = []byte("\x1b[A")
	keyUpSS3     = []byte("\x1bOA")
	keyDownCSI   = []byte("\x1b[B")
	keyDownSS3   = []byte("\x1bOB")
	keyLeftCSI   = []byte("\x1b[D")
	keyRightCSI  = []byte("\x1b[C")
	keyBackspace = byte(0x7f)
)

// Send forwards user keystrokes to the host. While the session is active,
// Tab, Up/Down and Ctrl+R become readline-control messages carrying the
// locally tracked line and cursor; everything else is raw PTY input.
func (s *Session) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	gen := s.currentGen()

	if s.detector.Active() {
		if action := readlineAction(data); action != "" {
			s.mu.Lock()
			line, cursor := s.line.String(), s.line.Cursor()
			s.mu.Unlock()
			msg, err := wire.EncodeReadline(action, line, cursor)
			if err != nil {
				return err
			}
			return s.writeMessage(gen, websocket.TextMessage, msg)
		}
	}

	s.mu.Lock()
	s.line.Consume(data)
	s.mu.Unlock()
	return s.writeMessage(gen, websocket.BinaryMessage, data)
}

func readlineAction(data []byte) string {
	switch {
	case bytes.Equal(data, keyTab):
		return wire.ActionComplete
	case bytes.Equal(data, keyUpCSI), bytes.Equal(data, keyUpSS3):
		return wire.ActionHistoryUp
	case bytes.Equal(data, keyDownCSI), bytes.Equal(data, keyDownSS3):
		return wire.ActionHistoryDown
	case bytes.Equal(data, keyCtrlR):
		return wire.ActionHistorySearch
	}
	return ""
}

// lineModel mirrors the host's readline buffer well enough to provide
// line/cursor context for completion and history requests. It is a best
// effort shadow, reset on every newline.
type lineModel struct {
	runes  []rune
	cursor int
}

// Consume applies raw input bytes to the shadow line.
func (l *lineModel) Consume(data []byte) {
	i := 0
	text := string(data)
	runes := []rune(text)
	for i < len(runes) {
		r := runes[i]
		switch {
		case r == '\r' || r == '\n':
			l.reset()
		case r == rune(keyBackspace) || r == 0x08:
			l.backspace()
		case r == 0x15: // Ctrl+U
			l.reset()
		case r == 0x01: // Ctrl+A
			l.cursor = 0
		case r == 0x05: // Ctrl+E
			l.cursor = len(l.runes)
		case r == 0x1b:
			// Arrow keys move the shadow cursor; other escape sequences are
			// ignored wholesale.
			if n, moved := l.consumeEscape(runes[i:]); n > 0 {
				i += n - 1
				_ = moved
			}
		case r >= 0x20:
			l.insert(r)
		}
		i++
	}
}

func (l *lineModel) consumeEscape(runes []rune) (int, bool) {
	seq := string(runes)
	switch {
	case len(seq) >= 3 && (seq[:3] == string(keyLeftCSI)):
		if l.cursor > 0 {
			l.cursor--
		}
		return 3, true
	case len(seq) >= 3 && (seq[:3] == string(keyRightCSI)):
		if l.cursor < len(l.runes) {
			l.cursor++
		}
		return 3, true
	case len(seq) >= 3 && runes[1] == '[':
		// CSI sequence: skip parameter bytes up to the final byte.
		for i := 2; i < len(runes); i++ {
			if runes[i] >= '@' && runes[i] <= '~' {
				return i + 1, false
			}
		}
		return len(runes), false
	}
	return 1, false
}

func (l *lineModel) insert(r rune) {
	l.runes = append(l.runes, 0)
	copy(l.runes[l.cursor+1:], l.runes[l.cursor:])
	l.runes[l.cursor] = r
	l.cursor++
}

func (l *lineModel) backspace() {
	if l.cursor == 0 {
		return
	}
	l.runes = append(l.runes[:l.cursor-1], l.runes[l.cursor:]...)
	l.cursor--
}

func (l *lineModel) reset() {
	l.runes = l.runes[:0]
	l.cursor = 0
}

func (l *lineModel) String() string {
	return string(l.runes)
}

func (l *lineModel) Cursor() int {
	return l.cursor
}
