package cli

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"netscript/session"
	"netscript/simnet"
)

var (
	simListen string
	simOpts   simOptions
	simJoins  []string
)

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().StringVar(&simListen, "listen", ":7780", "Address of the control endpoint")
	simCmd.Flags().IntVar(&simOpts.clients, "clients", 2, "Clients connected at start")
	simCmd.Flags().DurationVar(&simOpts.lifetime, "lifetime", 0, "Beacon lifetime (0 = until scene change)")
	simCmd.Flags().DurationVar(&simOpts.assignLatency, "assign-latency", 100*time.Millisecond, "Id assignment latency")
	simCmd.Flags().Float64Var(&simOpts.dropRate, "drop-rate", 0, "Probability that a client spawn command is lost")
	simCmd.Flags().Int64Var(&simOpts.seed, "seed", 1, "Seed for drop decisions")
	simCmd.Flags().StringArrayVar(&simJoins, "join", nil, "Late joiner as id@delay, e.g. 3@10s (repeatable)")
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Serve a simulated session over the control protocol",
	Long: "Starts an in-process session and exposes it the way a server peer would,\n" +
		"plus /admin routes to connect or disconnect peers and drop spawn commands.",
	Args: cobra.NoArgs,
	RunE: runSim,
}

func parseJoin(spec string) (session.PeerID, time.Duration, error) {
	idText, delayText, ok := strings.Cut(spec, "@")
	if !ok {
		return 0, 0, errors.Errorf("invalid --join %q, expected id@delay", spec)
	}
	id, err := session.ParsePeerID(idText)
	if err != nil {
		return 0, 0, err
	}
	delay, err := time.ParseDuration(delayText)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid --join delay %q", delayText)
	}
	return id, delay, nil
}

func runSim(cmd *cobra.Command, args []string) error {
	if simOpts.dropRate < 0 || simOpts.dropRate > 1 {
		return errors.New("--drop-rate must be between 0 and 1")
	}
	network := simOpts.network()
	for _, spec := range simJoins {
		id, delay, err := parseJoin(spec)
		if err != nil {
			return err
		}
		network.JoinAfter(id, delay)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	session.NewHandler(network).Register(e.Group(""))
	simnet.RegisterAdmin(e.Group("/admin"), network)

	ctx, cancel := app.signalContext()
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info().Str("addr", simListen).Int("clients", simOpts.clients).Msg("simulated session listening")
		if err := e.Start(simListen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "control endpoint failed")
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return e.Shutdown(shutdownCtx)
}
