package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"netscript/ssh"
)

// DefaultFile is the configuration file looked up when none is given.
const DefaultFile = "netscript.yaml"

// Config represents the orchestrator configuration.
type Config struct {
	Name string `yaml:"name,omitempty"`

	// Session control endpoint of the server peer
	Session SessionConfig `yaml:"session"`

	// Where .gotest scripts are found and run logs are written
	ScriptsDir string `yaml:"scripts_dir"`
	ResultsDir string `yaml:"results_dir"`

	// Optional SQLite run history; empty disables it
	HistoryDB string `yaml:"history_db,omitempty"`

	Console ConsoleConfig `yaml:"console"`

	Timing   Timing   `yaml:"timing"`
	Timeouts Timeouts `yaml:"timeouts"`

	// Remote client peers launched over SSH before a run
	Hosts map[string]*HostConfig `yaml:"hosts,omitempty"`
}

// SessionConfig points at the control endpoint of a live session.
type SessionConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ConsoleConfig configures the operator web console.
type ConsoleConfig struct {
	Listen string `yaml:"listen"`
}

// Timing holds the polling intervals and settle delays of the executor.
type Timing struct {
	Tick                 time.Duration `yaml:"tick"`
	ClientPoll           time.Duration `yaml:"client_poll"`
	SpecificClientPoll   time.Duration `yaml:"specific_client_poll"`
	SpawnPoll            time.Duration `yaml:"spawn_poll"`
	SpawnDelay           time.Duration `yaml:"spawn_delay"`
	SpawnConfirmTimeout  time.Duration `yaml:"spawn_confirm_timeout"`
	ClientsSettle        time.Duration `yaml:"clients_settle"`
	SpecificClientSettle time.Duration `yaml:"specific_client_settle"`
	AckSettle            time.Duration `yaml:"ack_settle"`
	SceneSettle          time.Duration `yaml:"scene_settle"`
	DespawnReport        time.Duration `yaml:"despawn_report"`
}

// Timeouts bound the steps that otherwise wait forever. Zero disables the
// bound.
type Timeouts struct {
	WaitClients time.Duration `yaml:"wait_clients"`
	WaitClient  time.Duration `yaml:"wait_client"`
	HumanAction time.Duration `yaml:"human_action"`
}

// HostConfig describes a machine running a client peer.
type HostConfig struct {
	SSH    *ssh.Config `yaml:"ssh"`
	Peer   uint16      `yaml:"peer"`
	Launch string      `yaml:"launch"`
	Stop   string      `yaml:"stop,omitempty"`
}

// DefaultTiming returns the intervals the harness has always used.
func DefaultTiming() Timing {
	return Timing{
		Tick:                 50 * time.Millisecond,
		ClientPoll:           100 * time.Millisecond,
		SpecificClientPoll:   500 * time.Millisecond,
		SpawnPoll:            50 * time.Millisecond,
		SpawnDelay:           300 * time.Millisecond,
		SpawnConfirmTimeout:  5 * time.Second,
		ClientsSettle:        1500 * time.Millisecond,
		SpecificClientSettle: 2 * time.Second,
		AckSettle:            time.Second,
		SceneSettle:          3 * time.Second,
		DespawnReport:        time.Second,
	}
}

// Default returns a configuration usable without a file.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Endpoint:       "http://127.0.0.1:7780",
			RequestTimeout: 5 * time.Second,
		},
		ScriptsDir: "tests",
		ResultsDir: "results",
		Console:    ConsoleConfig{Listen: ":8088"},
		Timing:     DefaultTiming(),
	}
}

// LoadConfig loads configuration from a YAML file. Fields missing from the
// file keep their defaults.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", filename)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", filename)
	}
	cfg.applyDefaults()

	if err := NewValidator().ValidateConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return cfg, nil
}

// applyDefaults fills zero intervals, which would otherwise spin the
// executor.
func (c *Config) applyDefaults() {
	def := DefaultTiming()
	fill := func(v *time.Duration, d time.Duration) {
		if *v == 0 {
			*v = d
		}
	}
	fill(&c.Timing.Tick, def.Tick)
	fill(&c.Timing.ClientPoll, def.ClientPoll)
	fill(&c.Timing.SpecificClientPoll, def.SpecificClientPoll)
	fill(&c.Timing.SpawnPoll, def.SpawnPoll)
	fill(&c.Timing.SpawnConfirmTimeout, def.SpawnConfirmTimeout)
	fill(&c.Timing.DespawnReport, def.DespawnReport)
	fill(&c.Session.RequestTimeout, 5*time.Second)
	if c.ScriptsDir == "" {
		c.ScriptsDir = "tests"
	}
	if c.ResultsDir == "" {
		c.ResultsDir = "results"
	}
}

// Host returns the host configured for peer, if any.
func (c *Config) Host(peer uint16) (string, *HostConfig) {
	for name, h := range c.Hosts {
		if h != nil && h.Peer == peer {
			return name, h
		}
	}
	return "", nil
}

// SaveConfig saves configuration to a YAML file.
func (c *Config) SaveConfig(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write config file %s", filename)
	}
	return nil
}
