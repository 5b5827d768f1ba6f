package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"netscript/coordinator"
	"netscript/history"
	"netscript/script"
)

// Formatter handles result output formatting
type Formatter struct {
	jsonOutput bool
	w          io.Writer
}

// NewFormatter creates a new output formatter writing to stdout
func NewFormatter(jsonOutput bool) *Formatter {
	return NewFormatterTo(os.Stdout, jsonOutput)
}

// NewFormatterTo creates a formatter writing to w
func NewFormatterTo(w io.Writer, jsonOutput bool) *Formatter {
	return &Formatter{jsonOutput: jsonOutput, w: w}
}

// OutputReport outputs a run report in the requested format
func (f *Formatter) OutputReport(r *coordinator.Report) error {
	if f.jsonOutput {
		return f.encode(r)
	}

	fmt.Fprintf(f.w, "\n=== Test Results ===\n")
	fmt.Fprintf(f.w, "Test: %s\n", r.ScriptName)
	fmt.Fprintf(f.w, "Run: %s\n", r.RunID)
	fmt.Fprintf(f.w, "Duration: %v\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(f.w, "Steps: %d/%d\n", r.StepsCompleted, r.Steps)
	fmt.Fprintf(f.w, "Passed: %d\n", r.Passed)
	fmt.Fprintf(f.w, "Failed: %d\n", r.Failed)
	if r.Aborted {
		fmt.Fprintf(f.w, "Aborted: %s\n", r.Error)
	}
	fmt.Fprintln(f.w)

	for i, rec := range r.Records {
		fmt.Fprintf(f.w, "%d. %s | %s\n", i+1, statusString(rec.Passed), rec.Name)
		if rec.Details != "" {
			fmt.Fprintf(f.w, "   %s\n", rec.Details)
		}
	}

	if len(r.Deliveries) > 0 {
		fmt.Fprintf(f.w, "\nSpawn deliveries:\n")
		for _, d := range r.Deliveries {
			fmt.Fprintf(f.w, "   peer %d: expected %d, confirmed %d", d.Peer, d.Expected, len(d.Actual))
			if d.Shortfall() > 0 {
				fmt.Fprintf(f.w, " (%d lost)", d.Shortfall())
			}
			fmt.Fprintln(f.w)
		}
	}

	if r.LogPath != "" {
		fmt.Fprintf(f.w, "\nLog saved to: %s\n", r.LogPath)
	}
	return nil
}

// CheckResult is the outcome of parsing one script file
type CheckResult struct {
	Path     string           `json:"path"`
	Name     string           `json:"name"`
	Steps    int              `json:"steps"`
	Warnings []script.Warning `json:"warnings,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// OutputCheck outputs parse results of script files
func (f *Formatter) OutputCheck(results []CheckResult) error {
	if f.jsonOutput {
		return f.encode(results)
	}

	for _, res := range results {
		switch {
		case res.Error != "":
			fmt.Fprintf(f.w, "✗ %s: %s\n", res.Path, res.Error)
		case len(res.Warnings) > 0:
			fmt.Fprintf(f.w, "! %s (%s): %d steps, %d warnings\n", res.Path, res.Name, res.Steps, len(res.Warnings))
			for _, w := range res.Warnings {
				fmt.Fprintf(f.w, "   %s\n", w)
			}
		default:
			fmt.Fprintf(f.w, "✓ %s (%s): %d steps\n", res.Path, res.Name, res.Steps)
		}
	}
	return nil
}

// OutputScript outputs the overview of a parsed script
func (f *Formatter) OutputScript(s *script.Script) error {
	if f.jsonOutput {
		steps := make([]string, len(s.Steps))
		for i, step := range s.Steps {
			steps[i] = step.String()
		}
		return f.encode(map[string]interface{}{
			"metadata":       s.Metadata,
			"steps":          steps,
			"warnings":       s.Warnings,
			"pre_conditions": s.PreTestConditions(),
		})
	}
	fmt.Fprint(f.w, s.String())
	fmt.Fprintf(f.w, "\n%s\n", s.PreTestConditions())
	return nil
}

// OutputRuns outputs stored runs as a table
func (f *Formatter) OutputRuns(runs []history.Run) error {
	if f.jsonOutput {
		return f.encode(runs)
	}

	tw := tabwriter.NewWriter(f.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTEST\tSTARTED\tDURATION\tPASSED\tFAILED\tSTATUS")
	for _, r := range runs {
		status := statusString(r.Failed == 0 && !r.Aborted)
		if r.Aborted {
			status = "ABORTED"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%d\t%d\t%s\n",
			r.RunID, r.ScriptName, r.StartTime.Local().Format("2006-01-02 15:04:05"),
			r.Duration.Round(time.Millisecond), r.Passed, r.Failed, status)
	}
	return tw.Flush()
}

// OutputRun outputs one stored run with its records
func (f *Formatter) OutputRun(run *history.Run, records []coordinator.Record) error {
	if f.jsonOutput {
		return f.encode(map[string]interface{}{"run": run, "records": records})
	}

	fmt.Fprintf(f.w, "Run: %s\n", run.RunID)
	fmt.Fprintf(f.w, "Test: %s\n", run.ScriptName)
	fmt.Fprintf(f.w, "Started: %s\n", run.StartTime.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(f.w, "Steps: %d/%d\n", run.StepsCompleted, run.Steps)
	if run.Error != "" {
		fmt.Fprintf(f.w, "Error: %s\n", run.Error)
	}
	fmt.Fprintln(f.w)
	for _, rec := range records {
		fmt.Fprintf(f.w, "%s | %s\n", statusString(rec.Passed), rec.Name)
		if rec.Details != "" {
			fmt.Fprintf(f.w, "       %s\n", rec.Details)
		}
	}
	fmt.Fprintf(f.w, "TOTAL: %d passed, %d failed\n", run.Passed, run.Failed)
	return nil
}

func (f *Formatter) encode(v interface{}) error {
	encoder := json.NewEncoder(f.w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// statusString returns the pass/fail marker
func statusString(success bool) string {
	if success {
		return "✓ PASS"
	}
	return "✗ FAIL"
}
