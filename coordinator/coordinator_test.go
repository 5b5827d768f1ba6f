package coordinator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netscript/config"
	"netscript/script"
	"netscript/simnet"
	"netscript/ssh"
)

type savedRuns struct {
	mu      sync.Mutex
	reports []*Report
}

func (h *savedRuns) Save(ctx context.Context, r *Report) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, r)
	return ctx.Err()
}

func (h *savedRuns) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reports)
}

func testCoordinator(t *testing.T) (*Coordinator, *simnet.Network) {
	t.Helper()
	cfg := config.Default()
	cfg.Timing = fastTiming()
	net := simnet.New(simnet.Options{})
	net.Connect(1)
	return NewCoordinator(cfg, net, zerolog.Nop()), net
}

func TestCoordinatorRunScript(t *testing.T) {
	c, _ := testCoordinator(t)
	log := &recordingLog{}
	var opened string
	c.SetLogOpener(func(name string, started time.Time) (LogSink, error) {
		opened = name
		return log, nil
	})
	history := &savedRuns{}
	c.SetHistory(history)
	sink := &recordingSink{}
	c.SetInstructionSink(sink)
	obs := &observed{}
	c.AddObserver(obs)

	s := script.Parse("name: Smoke\ndescription: one beacon\nrequire_clients: 1\nwait_clients: 1\nspawn_server: 1\nverify_beacons: all\nscene_change: Empty\n")
	report, err := c.RunScript(context.Background(), s)

	require.NoError(t, err)
	assert.True(t, report.Success())
	assert.Equal(t, 2, report.Passed)
	assert.Equal(t, "Smoke", opened)
	assert.True(t, log.closed)
	assert.Equal(t, []string{
		"Test initialized: Smoke",
		"Description: one beacon",
		"Required clients: 1",
		"Total steps: 4",
	}, log.messages[:4])
	assert.Equal(t, 1, history.count())
	assert.Equal(t, []string{"Empty"}, obs.scenes)
	assert.Contains(t, sink.last().text, "TEST COMPLETE")

	_, running := c.Running()
	assert.False(t, running)
}

func TestCoordinatorRunInProgress(t *testing.T) {
	c, _ := testCoordinator(t)
	c.SetAcknowledger(&manualAck{})
	history := &savedRuns{}
	c.SetHistory(history)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		report *Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := c.RunScript(ctx, script.Parse("name: Blocking\nhuman_action: never acknowledged\n"))
		done <- result{r, err}
	}()

	require.Eventually(t, func() bool {
		_, running := c.Running()
		return running
	}, time.Second, 5*time.Millisecond)

	name, _ := c.Running()
	assert.Equal(t, "Blocking", name)

	_, err := c.RunScript(context.Background(), script.Parse("log: second\n"))
	assert.ErrorIs(t, err, ErrRunInProgress)

	cancel()
	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	assert.ErrorIs(t, res.err, context.Canceled)
	require.NotNil(t, res.report)
	assert.True(t, res.report.Aborted)
	assert.Equal(t, 1, history.count(), "aborted runs are saved")

	_, running := c.Running()
	assert.False(t, running)
}

func TestCoordinatorStartReservesSynchronously(t *testing.T) {
	c, _ := testCoordinator(t)
	c.SetAcknowledger(&manualAck{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan *Report, 2)
	done := func(r *Report, err error) { finished <- r }
	blocking := script.Parse("name: Blocking\nhuman_action: never acknowledged\n")

	const starts = 8
	errs := make(chan error, starts)
	var wg sync.WaitGroup
	for i := 0; i < starts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Start(ctx, blocking, done)
		}()
	}
	wg.Wait()
	close(errs)

	accepted := 0
	for err := range errs {
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, ErrRunInProgress)
	}
	assert.Equal(t, 1, accepted)

	name, running := c.Running()
	assert.True(t, running)
	assert.Equal(t, "Blocking", name)

	cancel()
	select {
	case r := <-finished:
		require.NotNil(t, r)
		assert.True(t, r.Aborted)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	_, running = c.Running()
	assert.False(t, running, "the coordinator is free once done is called")
	require.NoError(t, c.Start(context.Background(), script.Parse("log: again\n"), done))
	select {
	case r := <-finished:
		assert.True(t, r.Success())
	case <-time.After(5 * time.Second):
		t.Fatal("second run did not finish")
	}
}

func TestCoordinatorNamesHostOfLostSpawns(t *testing.T) {
	cfg := config.Default()
	cfg.Timing = fastTiming()
	cfg.Hosts = map[string]*config.HostConfig{
		"lab-1": {SSH: &ssh.Config{Host: "10.0.0.1", User: "test"}, Peer: 1, Launch: "./client"},
	}
	net := simnet.New(simnet.Options{})
	net.Connect(1)
	net.DropNext(1, 1)

	var buf bytes.Buffer
	c := NewCoordinator(cfg, net, zerolog.New(&buf))
	report, err := c.RunScript(context.Background(), script.Parse("spawn_client: 1, count=2\n"))
	require.NoError(t, err)
	require.Len(t, report.Deliveries, 1)
	assert.Equal(t, 1, report.Deliveries[0].Shortfall())

	out := buf.String()
	assert.Contains(t, out, `"message":"spawn commands were lost"`)
	assert.Contains(t, out, `"host":"lab-1"`)
	assert.Contains(t, out, `"expected":2`)
}

func TestCoordinatorLogOpenerFailure(t *testing.T) {
	c, _ := testCoordinator(t)
	c.SetLogOpener(func(string, time.Time) (LogSink, error) {
		return nil, errors.New("disk full")
	})

	report, err := c.RunScript(context.Background(), script.Parse("log: hello\n"))

	require.NoError(t, err)
	assert.Empty(t, report.LogPath)
	assert.Equal(t, 1, report.StepsCompleted)
}

func TestCoordinatorRunFile(t *testing.T) {
	c, _ := testCoordinator(t)
	path := filepath.Join(t.TempDir(), "smoke.gotest")
	require.NoError(t, os.WriteFile(path, []byte("name: From File\nverify_count: 0\n"), 0644))

	report, err := c.RunFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "From File", report.ScriptName)
	assert.Equal(t, 1, report.Passed)

	_, err = c.RunFile(context.Background(), filepath.Join(t.TempDir(), "missing.gotest"))
	assert.Error(t, err)
}

func TestCoordinatorConnectHostsFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Hosts = map[string]*config.HostConfig{
		"client-a": {
			SSH: &ssh.Config{
				Host:           "127.0.0.1",
				Port:           1,
				User:           "tester",
				Password:       "secret",
				ConnectTimeout: time.Second,
			},
			Peer:   1,
			Launch: "./client",
		},
	}
	c := NewCoordinator(cfg, simnet.New(simnet.Options{}), zerolog.Nop())

	err := c.ConnectHosts(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client-a")

	// Nothing connected, so launching and cleanup are no-ops.
	assert.NoError(t, c.LaunchPeers(context.Background()))
	c.Cleanup(context.Background())
}

func TestCoordinatorNoHosts(t *testing.T) {
	c, _ := testCoordinator(t)
	assert.NoError(t, c.ConnectHosts(context.Background()))
	assert.NoError(t, c.LaunchPeers(context.Background()))
	c.Cleanup(context.Background())
}
