package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"netscript/script"
	"netscript/session"
)

// InstructionSink displays operator-facing status text.
type InstructionSink interface {
	SetInstruction(text string, urgent bool)
}

// LogSink is the append-only run log.
type LogSink interface {
	LogStep(index, total int, kind script.Kind)
	LogPass(name string)
	LogFail(name, reason string)
	LogSummary(passed, failed int)
	Log(message string)
	Path() string
	Close() error
}

// LogOpener creates the log sink for one run.
type LogOpener func(scriptName string, started time.Time) (LogSink, error)

// Acknowledger reports whether an operator confirmed the current human
// action. Reset clears any pending acknowledgement.
type Acknowledger interface {
	Acknowledged() bool
	Reset()
}

// Observer is notified about run events that operators may want to see.
type Observer interface {
	OnSceneChanged(scene string)
	OnValidationRequested(kind script.Kind, ids []session.ObjectID)
}

// History persists finished runs.
type History interface {
	Save(ctx context.Context, report *Report) error
}

// Delivery is the spawn ledger of one peer.
type Delivery struct {
	Peer     session.PeerID     `json:"peer"`
	Expected int                `json:"expected"`
	Actual   []session.ObjectID `json:"actual"`
}

// Shortfall is the number of commanded spawns that never materialized.
func (d Delivery) Shortfall() int {
	return d.Expected - len(d.Actual)
}

// Report is the outcome of one script run.
type Report struct {
	RunID          uuid.UUID     `json:"run_id"`
	ScriptName     string        `json:"script_name"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	Duration       time.Duration `json:"duration"`
	Steps          int           `json:"steps"`
	StepsCompleted int           `json:"steps_completed"`
	Passed         int           `json:"passed"`
	Failed         int           `json:"failed"`
	Records        []Record      `json:"records"`
	Deliveries     []Delivery    `json:"deliveries,omitempty"`
	Aborted        bool          `json:"aborted,omitempty"`
	Error          string        `json:"error,omitempty"`
	Summary        string        `json:"summary"`
	LogPath        string        `json:"log_path,omitempty"`
}

// Success reports whether the run finished with no failed records.
func (r *Report) Success() bool {
	return !r.Aborted && r.Failed == 0
}

type nopInstructions struct{}

func (nopInstructions) SetInstruction(string, bool) {}

type nopLog struct{}

func (nopLog) LogStep(int, int, script.Kind) {}
func (nopLog) LogPass(string)                {}
func (nopLog) LogFail(string, string)        {}
func (nopLog) LogSummary(int, int)           {}
func (nopLog) Log(string)                    {}
func (nopLog) Path() string                  { return "" }
func (nopLog) Close() error                  { return nil }

// autoAck acknowledges immediately, for runs without an operator.
type autoAck struct{}

func (autoAck) Acknowledged() bool { return true }
func (autoAck) Reset()             {}
