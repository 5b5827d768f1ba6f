package console

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netscript/coordinator"
)

func TestTerminal(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, 2*time.Second)
	now := time.Unix(1000, 0)
	term.clock = func() time.Time { return now }

	term.SetInstruction("🚨 WAITING FOR CLIENTS 🚨\n\nWaiting: 0s", true)
	assert.Contains(t, buf.String(), "!! 🚨 WAITING FOR CLIENTS 🚨\n")
	assert.Contains(t, buf.String(), "!! Waiting: 0s\n")

	buf.Reset()
	term.SetInstruction("🚨 WAITING FOR CLIENTS 🚨\n\nWaiting: 0s", true)
	assert.Empty(t, buf.String(), "identical text is not redrawn")

	now = now.Add(time.Second)
	term.SetInstruction("🚨 WAITING FOR CLIENTS 🚨\n\nWaiting: 1s", true)
	assert.Empty(t, buf.String(), "same headline inside the throttle window")

	now = now.Add(time.Second)
	term.SetInstruction("🚨 WAITING FOR CLIENTS 🚨\n\nWaiting: 2s", true)
	assert.Contains(t, buf.String(), "Waiting: 2s")

	buf.Reset()
	term.SetInstruction("✓ All clients connected!", false)
	assert.Equal(t, "\n-- "+strings.Repeat("-", 40)+"\n-- ✓ All clients connected!\n", buf.String())
}

func TestTerminalFlushesHeldBackUpdate(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, 2*time.Second)
	now := time.Unix(1000, 0)
	term.clock = func() time.Time { return now }
	var (
		fire  func()
		delay time.Duration
	)
	term.schedule = func(d time.Duration, f func()) func() bool {
		delay, fire = d, f
		return func() bool { return true }
	}

	term.SetInstruction("📋 TEST IN PROGRESS 📋\n\nPassed: 1\nFailed: 0", false)
	buf.Reset()

	now = now.Add(100 * time.Millisecond)
	term.SetInstruction("📋 TEST IN PROGRESS 📋\n\nPassed: 1\nFailed: 1", false)
	assert.Empty(t, buf.String())
	require.NotNil(t, fire)
	assert.Equal(t, 1900*time.Millisecond, delay)

	now = now.Add(delay)
	fire()
	assert.Contains(t, buf.String(), "-- Failed: 1\n")

	buf.Reset()
	fire()
	assert.Empty(t, buf.String(), "a held-back update is written once")
}

func TestTerminalDropsHeldBackUpdateOnNewHeadline(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, 2*time.Second)
	now := time.Unix(1000, 0)
	term.clock = func() time.Time { return now }
	var fire func()
	stopped := false
	term.schedule = func(_ time.Duration, f func()) func() bool {
		fire = f
		return func() bool { stopped = true; return true }
	}

	term.SetInstruction("🚨 WAITING FOR CLIENTS 🚨\n\nWaiting: 0s", true)
	term.SetInstruction("🚨 WAITING FOR CLIENTS 🚨\n\nWaiting: 1s", true)
	term.SetInstruction("✓ All clients connected!", false)
	assert.True(t, stopped)

	buf.Reset()
	fire()
	assert.Empty(t, buf.String())
}

func TestSignal(t *testing.T) {
	var s Signal
	assert.False(t, s.Acknowledged())
	s.Ack()
	assert.True(t, s.Acknowledged())
	s.Reset()
	assert.False(t, s.Acknowledged())

	s.Release()
	s.Reset()
	assert.True(t, s.Acknowledged(), "released signals stay acknowledged")

	var _ coordinator.Acknowledger = &s
}

func TestWatchLines(t *testing.T) {
	var s Signal
	err := s.WatchLines(t.Context(), strings.NewReader("\n"))
	assert.NoError(t, err)
	assert.True(t, s.Acknowledged())
}

func TestWatchLinesCancelled(t *testing.T) {
	var s Signal
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.WatchLines(ctx, strings.NewReader("done\n"))
	assert.ErrorIs(t, err, ctx.Err())
	assert.False(t, s.Acknowledged())
}

type captured struct {
	texts  []string
	urgent []bool
}

func (c *captured) SetInstruction(text string, urgent bool) {
	c.texts = append(c.texts, text)
	c.urgent = append(c.urgent, urgent)
}

func TestTee(t *testing.T) {
	a, b := &captured{}, &captured{}
	sink := Tee(a, nil, b)

	sink.SetInstruction("hello", true)

	assert.Equal(t, []string{"hello"}, a.texts)
	assert.Equal(t, []string{"hello"}, b.texts)
	assert.Equal(t, []bool{true}, b.urgent)
}
