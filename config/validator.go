package config

import (
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// Validator handles configuration validation
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates the entire configuration
func (v *Validator) ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config cannot be nil")
	}

	if c.Session.Endpoint != "" {
		if err := v.validateEndpoint(c.Session.Endpoint); err != nil {
			return err
		}
	}

	if err := v.validateTiming(&c.Timing); err != nil {
		return err
	}

	if err := v.validateTimeouts(&c.Timeouts); err != nil {
		return err
	}

	peers := make(map[uint16]string)
	for name, host := range c.Hosts {
		if err := v.validateHost(name, host); err != nil {
			return err
		}
		if other, dup := peers[host.Peer]; dup {
			return errors.Errorf("hosts %s and %s both launch peer %d", other, name, host.Peer)
		}
		peers[host.Peer] = name
	}

	return nil
}

// validateEndpoint checks the session endpoint is an absolute http(s) URL
func (v *Validator) validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return errors.Wrapf(err, "session.endpoint: invalid URL %q", endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("session.endpoint: unsupported scheme %q, must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.Errorf("session.endpoint: host is required in %q", endpoint)
	}
	return nil
}

func (v *Validator) validateTiming(t *Timing) error {
	fields := map[string]time.Duration{
		"tick":                   t.Tick,
		"client_poll":            t.ClientPoll,
		"specific_client_poll":   t.SpecificClientPoll,
		"spawn_poll":             t.SpawnPoll,
		"spawn_delay":            t.SpawnDelay,
		"spawn_confirm_timeout":  t.SpawnConfirmTimeout,
		"clients_settle":         t.ClientsSettle,
		"specific_client_settle": t.SpecificClientSettle,
		"ack_settle":             t.AckSettle,
		"scene_settle":           t.SceneSettle,
		"despawn_report":         t.DespawnReport,
	}
	for name, d := range fields {
		if d < 0 {
			return errors.Errorf("timing.%s: cannot be negative", name)
		}
	}
	if t.Tick == 0 {
		return errors.New("timing.tick: must be positive")
	}
	return nil
}

func (v *Validator) validateTimeouts(t *Timeouts) error {
	if t.WaitClients < 0 {
		return errors.New("timeouts.wait_clients: cannot be negative")
	}
	if t.WaitClient < 0 {
		return errors.New("timeouts.wait_client: cannot be negative")
	}
	if t.HumanAction < 0 {
		return errors.New("timeouts.human_action: cannot be negative")
	}
	return nil
}

// validateHost validates a single host configuration
func (v *Validator) validateHost(name string, host *HostConfig) error {
	if host == nil {
		return errors.Errorf("host %s: configuration is nil", name)
	}

	if host.SSH == nil {
		return errors.Errorf("host %s: SSH configuration is required", name)
	}

	if host.SSH.Host == "" {
		return errors.Errorf("host %s: SSH host is required", name)
	}

	if host.SSH.User == "" {
		return errors.Errorf("host %s: SSH user is required", name)
	}

	if host.SSH.KeyPath == "" && host.SSH.Password == "" {
		return errors.Errorf("host %s: either SSH key path or password is required", name)
	}

	if host.Peer == 0 {
		return errors.Errorf("host %s: peer id is required", name)
	}

	if host.Launch == "" {
		return errors.Errorf("host %s: launch command is required", name)
	}

	return nil
}
