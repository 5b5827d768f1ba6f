package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"netscript/config"
	"netscript/coordinator"
	"netscript/history"
	"netscript/session"
	"netscript/simnet"
	"netscript/testlog"
)

const appVersion = "1.0.0"

// errRunFailed makes the process exit non-zero after the report is printed.
var errRunFailed = errors.New("test run failed")

// App represents the main application
type App struct {
	logger zerolog.Logger
}

var app = &App{logger: zerolog.Nop()}

// NewApp creates a new application instance
func NewApp() *App {
	return app
}

// Run executes the command line
func (a *App) Run() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		app.setupLogging()
	}
}

// setupLogging configures the process logger on stderr
func (a *App) setupLogging() {
	level := zerolog.InfoLevel
	if flags.Verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	a.logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05.000",
	}).With().Timestamp().Logger()
}

// loadConfig reads --config, or ./netscript.yaml when present, or defaults
func (a *App) loadConfig() (*config.Config, error) {
	path := flags.ConfigFile
	if path == "" {
		if _, err := os.Stat(config.DefaultFile); err != nil {
			a.logger.Debug().Msg("no configuration file, using defaults")
			return config.Default(), nil
		}
		path = config.DefaultFile
	}

	a.logger.Info().Str("file", path).Msg("loading configuration")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if cfg.Name != "" {
		a.logger.Info().Str("name", cfg.Name).Msg("loaded configuration")
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM
func (a *App) signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			a.logger.Warn().Str("signal", sig.String()).Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// simOptions are the knobs of a simulated session
type simOptions struct {
	clients       int
	lifetime      time.Duration
	assignLatency time.Duration
	dropRate      float64
	seed          int64
}

func (o simOptions) network() *simnet.Network {
	n := simnet.New(simnet.Options{
		AssignLatency: o.assignLatency,
		Lifetime:      o.lifetime,
		DropRate:      o.dropRate,
		Seed:          o.seed,
	})
	for i := 1; i <= o.clients; i++ {
		n.Connect(session.PeerID(i))
	}
	return n
}

// newSession connects to the configured endpoint, or builds a simulated one
func (a *App) newSession(ctx context.Context, cfg *config.Config, sim *simOptions) (session.Session, error) {
	if sim != nil {
		a.logger.Info().Int("clients", sim.clients).Msg("using simulated session")
		return sim.network(), nil
	}

	if cfg.Session.Endpoint == "" {
		return nil, errors.New("session.endpoint is not configured; use --simulate for a local session")
	}
	client := session.NewClient(cfg.Session.Endpoint, cfg.Session.RequestTimeout)
	if err := client.Connect(ctx); err != nil {
		return nil, errors.Wrapf(err, "failed to reach session at %s", cfg.Session.Endpoint)
	}
	a.logger.Info().Str("endpoint", cfg.Session.Endpoint).Uint16("server", uint16(client.ServerPeer())).
		Msg("connected to session")
	return client, nil
}

// newCoordinator wires logging and history into a coordinator. The returned
// closer releases the history database.
func (a *App) newCoordinator(cfg *config.Config, sess session.Session) (*coordinator.Coordinator, func(), error) {
	coord := coordinator.NewCoordinator(cfg, sess, a.logger)
	coord.SetLogOpener(testlog.Opener(cfg.ResultsDir))

	closer := func() {}
	if cfg.HistoryDB != "" {
		store, err := history.Open(cfg.HistoryDB)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to open run history")
		}
		coord.SetHistory(store)
		closer = func() {
			if err := store.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("failed to close run history")
			}
		}
	}
	return coord, closer, nil
}

// exitError maps a finished report to the process outcome
func exitError(r *coordinator.Report) error {
	if r == nil || !r.Success() {
		return errRunFailed
	}
	return nil
}
