package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"netscript/config"
	"netscript/script"
	"netscript/session"
	"netscript/ssh"
)

// ErrRunInProgress is returned when a run is requested while another is
// still executing.
var ErrRunInProgress = errors.New("a test run is already in progress")

// Coordinator wires a session, its sinks and the configured peer hosts
// into test runs.
type Coordinator struct {
	config       *config.Config
	session      session.Session
	instructions InstructionSink
	ack          Acknowledger
	observers    []Observer
	openLog      LogOpener
	history      History
	sshClients   map[string]*ssh.Client
	logger       zerolog.Logger

	mu      sync.Mutex
	running bool
	current string
}

// NewCoordinator creates a new test coordinator
func NewCoordinator(cfg *config.Config, sess session.Session, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		config:     cfg,
		session:    sess,
		sshClients: make(map[string]*ssh.Client),
		logger:     logger.With().Str("component", "coordinator").Logger(),
	}
}

// SetInstructionSink sets where operator instructions are shown.
func (c *Coordinator) SetInstructionSink(sink InstructionSink) { c.instructions = sink }

// SetAcknowledger sets the source of operator acknowledgements.
func (c *Coordinator) SetAcknowledger(ack Acknowledger) { c.ack = ack }

// AddObserver registers an observer for every subsequent run.
func (c *Coordinator) AddObserver(o Observer) { c.observers = append(c.observers, o) }

// SetLogOpener sets how per-run log sinks are created.
func (c *Coordinator) SetLogOpener(open LogOpener) { c.openLog = open }

// SetHistory enables persisting finished runs.
func (c *Coordinator) SetHistory(h History) { c.history = h }

// Running returns the name of the script being run, if any.
func (c *Coordinator) Running() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.running
}

// ConnectHosts establishes SSH connections to all configured hosts
func (c *Coordinator) ConnectHosts(ctx context.Context) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errs   []string
		joined = make(map[string]*ssh.Client)
	)

	for hostName, hostConfig := range c.config.Hosts {
		wg.Add(1)
		go func(name string, cfg *config.HostConfig) {
			defer wg.Done()

			client := ssh.NewClient(cfg.SSH)
			if err := client.Connect(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				mu.Unlock()
				return
			}

			mu.Lock()
			joined[name] = client
			mu.Unlock()
			c.logger.Info().Str("host", name).Str("addr", client.Address()).Msg("connected to host")
		}(hostName, hostConfig)
	}
	wg.Wait()

	c.mu.Lock()
	for name, client := range joined {
		c.sshClients[name] = client
	}
	c.mu.Unlock()

	if len(errs) > 0 {
		sort.Strings(errs)
		return errors.Errorf("failed to connect to hosts: %v", errs)
	}
	return nil
}

// LaunchPeers starts the client peer on every connected host.
func (c *Coordinator) LaunchPeers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range c.hostNames() {
		client := c.sshClients[name]
		host := c.config.Hosts[name]
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := client.Start(host.Launch); err != nil {
			return errors.Wrapf(err, "failed to launch peer %d on %s", host.Peer, name)
		}
		c.logger.Info().Str("host", name).Uint16("peer", host.Peer).Msg("launched client peer")
	}
	return nil
}

// StopPeers runs the configured stop command on every connected host.
func (c *Coordinator) StopPeers(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range c.hostNames() {
		host := c.config.Hosts[name]
		if host.Stop == "" {
			continue
		}
		result, err := c.sshClients[name].Run(ctx, host.Stop)
		if err != nil {
			c.logger.Warn().Err(err).Str("host", name).Msg("failed to stop client peer")
			continue
		}
		if result.ExitCode != 0 {
			c.logger.Warn().Str("host", name).Int("exit_code", result.ExitCode).Str("output", result.Output).
				Msg("stop command failed")
		}
	}
}

// hostNames lists connected hosts in a stable order. Callers hold c.mu.
func (c *Coordinator) hostNames() []string {
	names := make([]string, 0, len(c.sshClients))
	for name := range c.sshClients {
		if c.config.Hosts[name] != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RunFile parses and runs the script at path.
func (c *Coordinator) RunFile(ctx context.Context, path string) (*Report, error) {
	s, err := script.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return c.RunScript(ctx, s)
}

// RunScript executes s to completion. The returned report is non-nil
// whenever the run started, including when ctx was cancelled.
func (c *Coordinator) RunScript(ctx context.Context, s *script.Script) (*Report, error) {
	if err := c.begin(s.Name); err != nil {
		return nil, err
	}
	defer c.end()
	return c.run(ctx, s)
}

// Start reserves the coordinator for s and runs it in the background. It
// returns ErrRunInProgress without starting anything when another run holds
// the coordinator. done, if not nil, receives the outcome after the
// coordinator is free again.
func (c *Coordinator) Start(ctx context.Context, s *script.Script, done func(*Report, error)) error {
	if err := c.begin(s.Name); err != nil {
		return err
	}
	go func() {
		report, err := c.run(ctx, s)
		c.end()
		if done != nil {
			done(report, err)
		}
	}()
	return nil
}

func (c *Coordinator) begin(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrRunInProgress
	}
	c.running = true
	c.current = name
	return nil
}

func (c *Coordinator) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.current = ""
}

func (c *Coordinator) run(ctx context.Context, s *script.Script) (*Report, error) {
	for _, w := range s.Warnings {
		c.logger.Warn().Int("line", w.Line).Msg(w.Message)
	}

	sink := c.openSink(s.Name)
	defer func() {
		if err := sink.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to close test log")
		}
	}()
	sink.Log("Test initialized: " + s.Name)
	sink.Log("Description: " + s.Description)
	sink.Log(fmt.Sprintf("Required clients: %d", s.RequireClients))
	sink.Log(fmt.Sprintf("Total steps: %d", len(s.Steps)))
	for _, w := range s.Warnings {
		sink.Log("Parse warning: " + w.String())
	}

	exec := NewExecutor(s, Collaborators{
		Session:      c.session,
		Instructions: c.instructions,
		Log:          sink,
		Ack:          c.ack,
		Observers:    c.observers,
	}, c.config.Timing, c.config.Timeouts, c.logger)

	report, runErr := exec.Run(ctx)
	c.reportLostSpawns(report)

	if c.history != nil {
		// The run context may already be cancelled; history is still saved.
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.history.Save(saveCtx, report); err != nil {
			c.logger.Warn().Err(err).Msg("failed to save run history")
		}
		cancel()
	}
	return report, runErr
}

// reportLostSpawns names the host of every peer that lost spawn commands.
func (c *Coordinator) reportLostSpawns(report *Report) {
	for _, d := range report.Deliveries {
		if d.Shortfall() <= 0 {
			continue
		}
		ev := c.logger.Warn().Uint16("peer", uint16(d.Peer)).Int("expected", d.Expected).Int("actual", len(d.Actual))
		if name, host := c.config.Host(uint16(d.Peer)); host != nil {
			ev = ev.Str("host", name)
		}
		ev.Msg("spawn commands were lost")
	}
}

func (c *Coordinator) openSink(name string) LogSink {
	if c.openLog == nil {
		return nopLog{}
	}
	sink, err := c.openLog(name, time.Now())
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to open test log, continuing without it")
		return nopLog{}
	}
	c.logger.Info().Str("path", sink.Path()).Msg("test log created")
	return sink
}

// Cleanup stops launched peers and closes all SSH connections
func (c *Coordinator) Cleanup(ctx context.Context) {
	c.StopPeers(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	for hostName, client := range c.sshClients {
		if err := client.Close(); err != nil {
			c.logger.Warn().Err(err).Str("host", hostName).Msg("error closing connection")
		}
	}
	c.sshClients = make(map[string]*ssh.Client)
}
