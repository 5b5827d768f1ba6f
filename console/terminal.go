// Package console shows instructions to operators and collects their
// acknowledgements, on a terminal or in a browser.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// DefaultThrottle limits how often a repeating headline is redrawn.
const DefaultThrottle = 2 * time.Second

// Terminal writes instructions to a writer. Updates that keep the same
// headline, such as the elapsed time while waiting for clients, are written
// at most once per throttle interval. The newest held-back update is written
// when the interval ends, so the last state shown is never stale.
type Terminal struct {
	mu       sync.Mutex
	w        io.Writer
	throttle time.Duration
	clock    func() time.Time
	schedule func(d time.Duration, f func()) (stop func() bool)
	last     string
	lastHead string
	lastAt   time.Time

	pending       string
	pendingUrgent bool
	stopPending   func() bool
}

// NewTerminal creates a terminal sink writing to w.
func NewTerminal(w io.Writer, throttle time.Duration) *Terminal {
	return &Terminal{
		w:        w,
		throttle: throttle,
		clock:    time.Now,
		schedule: func(d time.Duration, f func()) func() bool { return time.AfterFunc(d, f).Stop },
	}
}

func headline(text string) string {
	head, _, _ := strings.Cut(text, "\n")
	return strings.TrimSpace(head)
}

// SetInstruction implements coordinator.InstructionSink.
func (t *Terminal) SetInstruction(text string, urgent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if text == t.last {
		t.dropPending()
		return
	}
	now := t.clock()
	head := headline(text)
	if wait := t.lastAt.Add(t.throttle).Sub(now); head == t.lastHead && wait > 0 {
		t.pending, t.pendingUrgent = text, urgent
		if t.stopPending == nil {
			t.stopPending = t.schedule(wait, t.flush)
		}
		return
	}
	t.dropPending()
	t.write(text, urgent, now)
}

func (t *Terminal) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopPending = nil
	if t.pending == "" {
		return
	}
	text, urgent := t.pending, t.pendingUrgent
	t.pending = ""
	t.write(text, urgent, t.clock())
}

// dropPending discards a held-back update. Callers hold t.mu.
func (t *Terminal) dropPending() {
	t.pending = ""
	if t.stopPending != nil {
		t.stopPending()
		t.stopPending = nil
	}
}

// write draws text. Callers hold t.mu.
func (t *Terminal) write(text string, urgent bool, now time.Time) {
	t.last, t.lastHead, t.lastAt = text, headline(text), now

	marker := "--"
	if urgent {
		marker = "!!"
	}
	fmt.Fprintf(t.w, "\n%s %s\n", marker, strings.Repeat("-", 40))
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(t.w, "%s %s\n", marker, line)
	}
}
