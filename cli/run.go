package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"netscript/console"
	"netscript/coordinator"
	"netscript/output"
	"netscript/script"
)

var (
	runSimulate    bool
	runSimOpts     simOptions
	runConsoleAddr string
	runNoStdin     bool
	runLaunch      bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runSimulate, "simulate", false, "Run against an in-process simulated session")
	runCmd.Flags().IntVar(&runSimOpts.clients, "clients", 2, "Clients connected in the simulated session")
	runCmd.Flags().DurationVar(&runSimOpts.lifetime, "lifetime", 0, "Beacon lifetime in the simulated session (0 = until scene change)")
	runCmd.Flags().DurationVar(&runSimOpts.assignLatency, "assign-latency", 0, "Id assignment latency in the simulated session")
	runCmd.Flags().StringVar(&runConsoleAddr, "console", "", "Also serve the operator console on this address")
	runCmd.Flags().BoolVar(&runNoStdin, "no-stdin", false, "Do not acknowledge human actions from stdin")
	runCmd.Flags().BoolVar(&runLaunch, "launch", false, "Launch client peers on the configured hosts first")
}

var runCmd = &cobra.Command{
	Use:   "run <script.gotest>",
	Short: "Run one test script",
	Long: "Parses the script and executes it step by step against the session.\n" +
		"Human actions are acknowledged by pressing Enter or from the web console.\n" +
		"Exits non-zero when any check failed or the run was interrupted.",
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := app.loadConfig()
	if err != nil {
		return err
	}
	s, err := script.ParseFile(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := app.signalContext()
	defer cancel()

	var sim *simOptions
	if runSimulate {
		sim = &runSimOpts
	}
	sess, err := app.newSession(ctx, cfg, sim)
	if err != nil {
		return err
	}

	coord, closeHistory, err := app.newCoordinator(cfg, sess)
	if err != nil {
		return err
	}
	defer closeHistory()

	ack := &console.Signal{}
	sinks := []coordinator.InstructionSink{console.NewTerminal(os.Stderr, console.DefaultThrottle)}
	if runConsoleAddr != "" {
		srv := console.NewServer(nil, ack, coord, nil, app.logger)
		sinks = append(sinks, srv)
		coord.AddObserver(srv)
		go func() {
			if err := srv.Run(ctx, runConsoleAddr); err != nil {
				app.logger.Error().Err(err).Msg("console stopped")
			}
		}()
	}
	coord.SetInstructionSink(console.Tee(sinks...))
	coord.SetAcknowledger(runAcknowledger(ack, runNoStdin, runConsoleAddr))
	if !runNoStdin {
		go watchStdin(ctx, ack, os.Stdin, runConsoleAddr == "")
	}

	if runLaunch && len(cfg.Hosts) > 0 {
		defer coord.Cleanup(context.Background())
		if err := coord.ConnectHosts(ctx); err != nil {
			return err
		}
		if err := coord.LaunchPeers(ctx); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "%s\n%s\n\n", s, s.PreTestConditions())

	report, err := coord.RunScript(ctx, s)
	if report == nil {
		return err
	}
	if err := output.NewFormatter(flags.JSONOutput).OutputReport(report); err != nil {
		return err
	}
	return exitError(report)
}

// runAcknowledger returns where human actions are acknowledged from. With
// neither stdin nor a console there is no operator, so it returns nil and
// human actions are acknowledged automatically.
func runAcknowledger(sig *console.Signal, noStdin bool, consoleAddr string) coordinator.Acknowledger {
	if noStdin && consoleAddr == "" {
		return nil
	}
	return sig
}

// watchStdin acknowledges human actions from r. When r ends and it was the
// only operator input, the remaining human actions are acknowledged
// automatically.
func watchStdin(ctx context.Context, sig *console.Signal, r io.Reader, only bool) {
	err := sig.WatchLines(ctx, r)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		app.logger.Warn().Err(err).Msg("stopped reading acknowledgements from stdin")
	}
	if only {
		app.logger.Info().Msg("stdin closed, human actions are acknowledged automatically")
		sig.Release()
	}
}
