package prompt

import (
	"strings"
	"testing"
)

func TestDetectShellPromptAtEnd(t *testing.T) {
	cases := []string{
		"Last login: Mon Jan  5\r\nuser@box:~$ ",
		"root@box:/# ",
		"box% ",
		"~/project ❯ ",
		">>> ",
	}
	for _, out := range cases {
		d := NewDetector()
		if !d.Feed([]byte(out)) {
			t.Errorf("expected %q to activate", out)
		}
		if !d.Active() {
			t.Errorf("Active() false after detection for %q", out)
		}
	}
}

func TestPromptMidBufferDoesNotActivate(t *testing.T) {
	d := NewDetector()
	// The prompt-looking line is followed by more output, so the cleaned
	// buffer does not end with it.
	out := "user@box:~$ \r\nUsage: foo [options]\r\n  --help   show help\r\n"
	if d.Feed([]byte(out)) {
		t.Fatal("mid-buffer prompt must not activate")
	}
	if d.Active() {
		t.Fatal("Active() should stay false")
	}
}

func TestAnsiStyledPromptDetected(t *testing.T) {
	d := NewDetector()
	styled := "\x1b[01;32muser@box\x1b[00m:\x1b[01;34m~\x1b[00m$ "
	if !d.Feed([]byte(styled)) {
		t.Fatal("styled prompt should activate")
	}
}

func TestOscTitleSequenceStripped(t *testing.T) {
	d := NewDetector()
	out := "\x1b]0;user@box: ~\x07user@box:~$ "
	if !d.Feed([]byte(out)) {
		t.Fatal("prompt behind OSC title sequence should activate")
	}
}

func TestActivationFiresExactlyOnce(t *testing.T) {
	d := NewDetector()
	if !d.Feed([]byte("box$ ")) {
		t.Fatal("first feed should activate")
	}
	if d.Feed([]byte("box$ ")) {
		t.Fatal("second feed must not re-activate")
	}
}

func TestBufferCapFrontTruncation(t *testing.T) {
	d := NewDetector()

	// Flood with non-prompt output well past the cap.
	junk := strings.Repeat("line of ordinary output without markers\n", 400)
	if d.Feed([]byte(junk)) {
		t.Fatal("junk must not activate")
	}
	if got := d.BufferLen(); got > MaxBuffer {
		t.Fatalf("buffer exceeded cap: %d", got)
	}

	// The prompt arriving after the flood still lands at the buffer end.
	if !d.Feed([]byte("user@box:~$ ")) {
		t.Fatal("prompt after truncation should activate")
	}
}

func TestBufferTruncationKeepsRuneBoundary(t *testing.T) {
	d := NewDetector()

	// 3-byte runes sized so the cap lands mid-rune; truncation must drop
	// whole runes only.
	flood := strings.Repeat("日", 4000)
	if d.Feed([]byte(flood)) {
		t.Fatal("flood must not activate")
	}
	kept := d.BufferLen()
	if kept > MaxBuffer {
		t.Fatalf("buffer exceeded cap: %d", kept)
	}
	if (len(flood)-kept)%len("日") != 0 {
		t.Fatalf("truncation split a rune: kept %d bytes", kept)
	}

	if !d.Feed([]byte("user@box:~$ ")) {
		t.Fatal("prompt after truncation should activate")
	}
}

func TestExplicitActivateShortCircuits(t *testing.T) {
	d := NewDetector()
	if !d.Activate() {
		t.Fatal("first Activate should flip")
	}
	if d.Activate() {
		t.Fatal("second Activate must report already active")
	}
	// PTY bytes without a prompt suffix keep the session active.
	if d.Feed([]byte("booting...")) {
		t.Fatal("Feed after activation must be a no-op")
	}
	if !d.Active() {
		t.Fatal("session should remain active")
	}
}

func TestResetReturnsToBooting(t *testing.T) {
	d := NewDetector()
	d.Feed([]byte("box$ "))
	d.Reset()
	if d.Active() {
		t.Fatal("Reset should clear active")
	}
	if d.BufferLen() != 0 {
		t.Fatal("Reset should clear the buffer")
	}
	if !d.Feed([]byte("box$ ")) {
		t.Fatal("detector should work again after Reset")
	}
}
