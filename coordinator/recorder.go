package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Record is one pass/fail assertion outcome.
type Record struct {
	Name      string    `json:"name"`
	Passed    bool      `json:"passed"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder accumulates the records of a run.
type Recorder struct {
	records []Record
	log     LogSink
	logger  zerolog.Logger
	clock   func() time.Time
}

// NewRecorder creates a recorder forwarding every record to log.
func NewRecorder(log LogSink, logger zerolog.Logger) *Recorder {
	if log == nil {
		log = nopLog{}
	}
	return &Recorder{log: log, logger: logger, clock: time.Now}
}

// Record appends a result.
func (r *Recorder) Record(name string, passed bool, details string) {
	r.records = append(r.records, Record{
		Name:      name,
		Passed:    passed,
		Details:   details,
		Timestamp: r.clock(),
	})

	if passed {
		r.log.LogPass(name)
		r.logger.Info().Str("result", name).Msg(details)
	} else {
		r.log.LogFail(name, details)
		r.logger.Warn().Str("result", name).Msg(details)
	}
}

// Records returns a copy of everything recorded so far.
func (r *Recorder) Records() []Record {
	return append([]Record(nil), r.records...)
}

// Counts returns the number of passed and failed records.
func (r *Recorder) Counts() (passed, failed int) {
	for _, rec := range r.records {
		if rec.Passed {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

// Summarize renders the per-record outcome and totals.
func (r *Recorder) Summarize() (passed, failed int, text string) {
	var b strings.Builder
	for _, rec := range r.records {
		status := "✗ FAIL"
		if rec.Passed {
			status = "✓ PASS"
		}
		fmt.Fprintf(&b, "%s | %s\n", status, rec.Name)
		if rec.Details != "" {
			fmt.Fprintf(&b, "       %s\n", rec.Details)
		}
	}
	passed, failed = r.Counts()
	fmt.Fprintf(&b, "TOTAL: %d passed, %d failed", passed, failed)
	return passed, failed, b.String()
}
