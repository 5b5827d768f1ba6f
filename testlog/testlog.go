// Package testlog writes one human readable log file per test run.
package testlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"netscript/coordinator"
	"netscript/script"
)

const rule = "========================================"

// Sink is a coordinator.LogSink backed by a file.
type Sink struct {
	mu     sync.Mutex
	file   *os.File
	out    io.Writer
	path   string
	logger zerolog.Logger
	closed bool
}

var _ coordinator.LogSink = (*Sink)(nil)

// FileName returns the log file name for a run of name started at t.
func FileName(name string, t time.Time) string {
	return fmt.Sprintf("%s_%s.log", sanitize(name), t.Format("20060102_150405"))
}

func sanitize(name string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, strings.TrimSpace(name))
	if s == "" {
		return "test"
	}
	return s
}

// Open creates the log file for a run in dir, creating dir if needed.
func Open(dir, name string, started time.Time) (*Sink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create results directory %s", dir)
	}

	path := filepath.Join(dir, FileName(name, started))
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create test log %s", path)
	}

	s := &Sink{file: f, out: f, path: path}
	s.logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        f,
		NoColor:    true,
		TimeFormat: "15:04:05.000",
		PartsOrder: []string{zerolog.TimestampFieldName, zerolog.MessageFieldName},
	}).With().Timestamp().Logger()

	s.raw(rule,
		"NETSCRIPT TEST LOG",
		"Test: "+name,
		"Date: "+started.Format("2006-01-02 15:04:05"),
		fmt.Sprintf("Platform: %s/%s", runtime.GOOS, runtime.GOARCH),
		rule,
		"")
	return s, nil
}

// Opener returns a coordinator.LogOpener writing into dir.
func Opener(dir string) coordinator.LogOpener {
	return func(name string, started time.Time) (coordinator.LogSink, error) {
		return Open(dir, name, started)
	}
}

func (s *Sink) raw(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, l := range lines {
		fmt.Fprintln(s.out, l)
	}
}

func (s *Sink) line(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.logger.Log().Msg(msg)
}

// Path returns the log file path.
func (s *Sink) Path() string { return s.path }

// Log writes a free-form message.
func (s *Sink) Log(message string) { s.line(message) }

// LogStep marks the start of step index of total.
func (s *Sink) LogStep(index, total int, kind script.Kind) {
	s.line(fmt.Sprintf("Step %d/%d: %s", index, total, kind))
}

// LogPass records a passed check.
func (s *Sink) LogPass(name string) {
	s.line("✓ PASS | " + name)
}

// LogFail records a failed check and its reason.
func (s *Sink) LogFail(name, reason string) {
	s.line("✗ FAIL | " + name)
	if reason != "" {
		s.line("  Reason: " + reason)
	}
}

// LogSummary writes the pass/fail totals and the pass rate.
func (s *Sink) LogSummary(passed, failed int) {
	total := passed + failed
	rate := 0.0
	if total > 0 {
		rate = float64(passed) / float64(total) * 100
	}
	s.raw("",
		rule,
		"TEST SUMMARY",
		fmt.Sprintf("Passed: %d", passed),
		fmt.Sprintf("Failed: %d", failed),
		fmt.Sprintf("Total: %d", total),
		fmt.Sprintf("Success Rate: %.1f%%", rate),
		rule)
}

// Close flushes and closes the file. Further writes are ignored.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return errors.Wrap(err, "failed to flush test log")
	}
	return s.file.Close()
}
