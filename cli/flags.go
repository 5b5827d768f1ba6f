package cli

import (
	"github.com/spf13/cobra"
)

// Flags holds the flags shared by every command
type Flags struct {
	ConfigFile string
	Verbose    bool
	JSONOutput bool
}

var flags Flags

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.ConfigFile, "config", "c", "", "Path to configuration file (default ./netscript.yaml if present)")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "Enable debug logging")
	pf.BoolVar(&flags.JSONOutput, "json", false, "Output results in JSON format")
}

var rootCmd = &cobra.Command{
	Use:   "netscript",
	Short: "Scripted integration tests for networked game sessions",
	Long: "Runs .gotest scripts against a live client-server session: spawns beacons on\n" +
		"specific peers, waits for eventually-consistent state, changes scenes, pauses\n" +
		"for operator checkpoints and reports pass/fail results.",
	SilenceUsage: true,
}
