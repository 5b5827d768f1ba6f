package console

import (
	"bufio"
	"context"
	"io"
	"sync/atomic"
)

// Signal is an acknowledgement flag set by an operator action.
type Signal struct {
	acked    atomic.Bool
	released atomic.Bool
}

// Ack records an acknowledgement.
func (s *Signal) Ack() { s.acked.Store(true) }

// Release acknowledges every human action from now on. It is used once no
// operator is left to answer.
func (s *Signal) Release() { s.released.Store(true) }

// Acknowledged implements coordinator.Acknowledger.
func (s *Signal) Acknowledged() bool { return s.released.Load() || s.acked.Load() }

// Reset implements coordinator.Acknowledger.
func (s *Signal) Reset() { s.acked.Store(false) }

// WatchLines acknowledges s for every line read from r until r is exhausted
// or ctx is done. It blocks; run it in its own goroutine.
func (s *Signal) WatchLines(ctx context.Context, r io.Reader) error {
	lines := bufio.NewScanner(r)
	for lines.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Ack()
	}
	return lines.Err()
}
