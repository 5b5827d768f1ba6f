package cli

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"netscript/output"
	"netscript/script"
)

var checkStrict bool

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkStrict, "strict", false, "Fail when any script has parse warnings")
}

var checkCmd = &cobra.Command{
	Use:   "check <script|glob>...",
	Short: "Parse scripts and report warnings without running them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	var paths []string
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return errors.Wrapf(err, "invalid pattern %q", arg)
		}
		if len(matches) == 0 {
			matches = []string{arg}
		}
		paths = append(paths, matches...)
	}

	results := make([]output.CheckResult, 0, len(paths))
	failed := false
	for _, path := range paths {
		res := output.CheckResult{Path: path}
		s, err := script.ParseFile(path)
		if err != nil {
			res.Error = errors.Cause(err).Error()
			failed = true
		} else {
			res.Name = s.Name
			res.Steps = len(s.Steps)
			res.Warnings = s.Warnings
			if checkStrict && len(s.Warnings) > 0 {
				failed = true
			}
		}
		results = append(results, res)
	}

	if err := output.NewFormatter(flags.JSONOutput).OutputCheck(results); err != nil {
		return err
	}
	if failed {
		return errors.New("script check failed")
	}
	return nil
}
