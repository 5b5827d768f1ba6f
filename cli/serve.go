package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"netscript/console"
	"netscript/coordinator"
	"netscript/output"
)

var (
	serveSimulate bool
	serveSim      simOptions
	serveListen   string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveSimulate, "simulate", false, "Run against an in-process simulated session")
	serveCmd.Flags().IntVar(&serveSim.clients, "clients", 2, "Clients connected in the simulated session")
	serveCmd.Flags().DurationVar(&serveSim.lifetime, "lifetime", 0, "Beacon lifetime in the simulated session")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Console address (default console.listen from config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operator console and run tests selected from it",
	Long: "Watches the scripts directory and serves the web console. Operators pick a\n" +
		"test, read its pre-test conditions, start it and acknowledge human actions.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := app.loadConfig()
	if err != nil {
		return err
	}
	addr := serveListen
	if addr == "" {
		addr = cfg.Console.Listen
	}

	ctx, cancel := app.signalContext()
	defer cancel()

	var sim *simOptions
	if serveSimulate {
		sim = &serveSim
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

	if len(cfg.Hosts) > 0 {
		defer coord.Cleanup(context.Background())
		if err := coord.ConnectHosts(ctx); err != nil {
			return err
		}
		if err := coord.LaunchPeers(ctx); err != nil {
			return err
		}
	}

	catalog := console.NewCatalog(cfg.ScriptsDir, app.logger)
	if err := catalog.Refresh(); err != nil {
		return err
	}
	go func() {
		if err := catalog.Watch(ctx); err != nil {
			app.logger.Warn().Err(err).Msg("scripts directory is not watched")
		}
	}()

	start := testStarter(ctx, coord, output.NewFormatter(flags.JSONOutput))

	ack := &console.Signal{}
	srv := console.NewServer(catalog, ack, coord, start, app.logger)
	coord.SetInstructionSink(console.Tee(console.NewTerminal(os.Stderr, console.DefaultThrottle), srv))
	coord.SetAcknowledger(ack)
	coord.AddObserver(srv)

	return srv.Run(ctx, addr)
}

// testStarter starts catalog entries on coord and prints each report when
// its run ends.
func testStarter(ctx context.Context, coord *coordinator.Coordinator, formatter *output.Formatter) console.Starter {
	return func(e *console.Entry) error {
		return coord.Start(ctx, e.Script, func(report *coordinator.Report, err error) {
			if err != nil {
				app.logger.Warn().Err(err).Str("test", e.Name).Msg("run ended with error")
			}
			if report == nil {
				return
			}
			if err := formatter.OutputReport(report); err != nil {
				app.logger.Error().Err(err).Str("test", e.Name).Msg("failed to output report")
			}
		})
	}
}
