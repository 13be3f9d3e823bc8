// Package prompt implements the activation heuristic: a session counts as
// interactive once the shell has printed an idle prompt. The detector is
// best-effort; an explicit host status message supersedes it.
package prompt

import (
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

// MaxBuffer caps the pre-activation accumulation buffer. Older output is
// dropped from the front.
const MaxBuffer = 10000

// shellPromptRe matches a generic idle shell prompt at end of output:
// a line ending in $, #, % or ❯, optionally followed by spacing.
var shellPromptRe = regexp.MustCompile(`(?:\$|#|%|❯)\s{0,2}$`)

// promptSuffixes are literal application prompts recognized in addition to
// the shell regex.
var promptSuffixes = []string{
	">>> ", // python
	"> ",   // node, generic REPLs
	"? ",   // interactive pickers
}

// ansiRe strips SGR/cursor CSI sequences and OSC title sequences before the
// end-of-buffer match so styling never hides a prompt.
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

// Detector accumulates pre-activation PTY output and reports when the
// cleaned buffer ends with a recognized prompt.
type Detector struct {
	mu     sync.Mutex
	buf    strings.Builder
	active bool
}

// NewDetector returns an inactive detector with an empty buffer.
func NewDetector() *Detector {
	return &Detector{}
}

// Active reports whether activation has fired.
func (d *Detector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Feed appends a decoded PTY chunk and tests for a prompt. Returns true on
// the append that flips the detector active; later calls are no-ops.
func (d *Detector) Feed(chunk []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active || len(chunk) == 0 {
		return false
	}

	d.buf.Write(chunk)
	if d.buf.Len() > MaxBuffer {
		trimmed := d.buf.String()
		cut := len(trimmed) - MaxBuffer
		// Never split a multi-byte rune at the truncation point.
		for cut < len(trimmed) && !utf8.RuneStart(trimmed[cut]) {
			cut++
		}
		trimmed = trimmed[cut:]
		d.buf.Reset()
		d.buf.WriteString(trimmed)
	}

	if !endsWithPrompt(d.buf.String()) {
		return false
	}

	d.active = true
	d.buf.Reset()
	return true
}

// Activate marks the session active without the heuristic (host sent an
// explicit connected status or hello). Returns true only on the call that
// flips the state.
func (d *Detector) Activate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		return false
	}
	d.active = true
	d.buf.Reset()
	return true
}

// Reset returns the detector to booting state for a fresh connection.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
	d.buf.Reset()
}

// BufferLen exposes the current accumulation size (diagnostics, tests).
func (d *Detector) BufferLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.Len()
}

// endsWithPrompt strips ANSI styling and checks the cleaned tail. The match
// is anchored to the end of the buffer; a prompt-looking line buried in help
// output must not trigger.
func endsWithPrompt(s string) bool {
	clean := ansiRe.ReplaceAllString(s, "")
	clean = strings.TrimRight(clean, "\r\n")
	if clean == "" {
		return false
	}
	for _, suffix := range promptSuffixes {
		if strings.HasSuffix(clean, suffix) {
			return true
		}
	}
	return shellPromptRe.MatchString(clean)
}
