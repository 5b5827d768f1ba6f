package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"netscript/config"
	"netscript/script"
	"netscript/session"
)

// ExecutionContext is the mutable state of one run.
type ExecutionContext struct {
	Tracker        *Tracker
	ConnectedPeers []session.PeerID
	StepIndex      int
}

// Collaborators are the external services an Executor drives.
type Collaborators struct {
	Session      session.Session
	Instructions InstructionSink
	Log          LogSink
	Ack          Acknowledger
	Observers    []Observer
}

// Executor interprets a script one step at a time. It is not safe for
// concurrent use; drive it with Run or by calling Advance.
type Executor struct {
	script       *script.Script
	session      session.Session
	instructions InstructionSink
	log          LogSink
	ack          Acknowledger
	observers    []Observer
	timing       config.Timing
	timeouts     config.Timeouts
	logger       zerolog.Logger

	runID    uuid.UUID
	state    *ExecutionContext
	recorder *Recorder
	current  task
	started  bool
	start    time.Time
	now      time.Time
	report   *Report
}

// NewExecutor creates an executor for s. Missing sinks are replaced by
// no-ops; a missing acknowledger acknowledges every human action at once.
func NewExecutor(s *script.Script, c Collaborators, timing config.Timing, timeouts config.Timeouts, logger zerolog.Logger) *Executor {
	if c.Instructions == nil {
		c.Instructions = nopInstructions{}
	}
	if c.Log == nil {
		c.Log = nopLog{}
	}
	if c.Ack == nil {
		c.Ack = autoAck{}
	}

	runID := uuid.New()
	logger = logger.With().Str("run", runID.String()).Str("test", s.Name).Logger()

	e := &Executor{
		script:       s,
		session:      c.Session,
		instructions: c.Instructions,
		log:          c.Log,
		ack:          c.Ack,
		observers:    c.Observers,
		timing:       timing,
		timeouts:     timeouts,
		logger:       logger,
		runID:        runID,
		state:        &ExecutionContext{Tracker: NewTracker()},
	}
	e.recorder = NewRecorder(c.Log, logger)
	e.recorder.clock = func() time.Time { return e.now }
	return e
}

// Context exposes the run state.
func (e *Executor) Context() *ExecutionContext { return e.state }

// Recorder exposes the run's records.
func (e *Executor) Recorder() *Recorder { return e.recorder }

// Report returns the final report, or nil while the run is in progress.
func (e *Executor) Report() *Report { return e.report }

// Run advances the executor on every tick until the script completes or
// ctx is cancelled. A cancelled run still produces a report.
func (e *Executor) Run(ctx context.Context) (*Report, error) {
	tick := e.timing.Tick
	if tick <= 0 {
		tick = config.DefaultTiming().Tick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for !e.Advance(ctx, time.Now()) {
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	if e.report.Aborted {
		return e.report, ctx.Err()
	}
	return e.report, nil
}

// Advance runs the script as far as it can go at time now and reports
// whether the run has finished. Steps that do not suspend all complete
// within one call.
func (e *Executor) Advance(ctx context.Context, now time.Time) bool {
	if e.report != nil {
		return true
	}
	e.now = now
	if !e.started {
		e.begin()
	}

	steps := e.script.Steps
	for {
		if err := ctx.Err(); err != nil {
			e.finish(err)
			return true
		}
		if e.current == nil {
			if e.state.StepIndex >= len(steps) {
				e.finish(nil)
				return true
			}
			step := steps[e.state.StepIndex]
			e.log.LogStep(e.state.StepIndex+1, len(steps), step.Kind())
			e.logger.Info().Msgf("Step %d/%d: %s", e.state.StepIndex+1, len(steps), step)
			e.current = e.handler(step)
		}

		if !e.current.advance(ctx, now) {
			return false
		}

		kind := steps[e.state.StepIndex].Kind()
		e.current = nil
		e.state.StepIndex++
		if !reportsOwnStatus(kind) {
			e.showProgress()
		}
	}
}

func (e *Executor) begin() {
	e.started = true
	e.start = e.now
	e.logger.Info().
		Int("steps", len(e.script.Steps)).
		Int("require_clients", e.script.RequireClients).
		Msg("starting test")
}

// reportsOwnStatus lists the steps that keep the instruction display
// current themselves.
func reportsOwnStatus(k script.Kind) bool {
	switch k {
	case script.KindWaitClients, script.KindHumanAction, script.KindWaitClient, script.KindWaitDespawn:
		return true
	}
	return false
}

func (e *Executor) showProgress() {
	passed, failed := e.recorder.Counts()
	e.instructions.SetInstruction(fmt.Sprintf(
		"📋 TEST IN PROGRESS 📋\n\nTest: %s\nStep %d of %d complete\nPassed: %d | Failed: %d",
		e.script.Name, e.state.StepIndex, len(e.script.Steps), passed, failed), false)
}

func (e *Executor) handler(step script.Step) task {
	switch s := step.(type) {
	case script.WaitForClients:
		return e.waitForClients(s)
	case script.SpawnOnServer:
		return e.spawnOnServer(s)
	case script.SpawnOnClient:
		return e.spawnOnClient(s)
	case script.SpawnOnAllClients:
		return e.spawnOnAllClients(s)
	case script.Wait:
		return sequence(do(func(context.Context) {
			e.logger.Info().Msgf("Waiting %gs...", s.Duration.Seconds())
		}), sleepFor(s.Duration))
	case script.VerifySpawned:
		return do(func(ctx context.Context) { e.verifySpawned(ctx, s) })
	case script.VerifyDespawned:
		return do(func(ctx context.Context) { e.verifyDespawned(ctx, s) })
	case script.VerifyCount:
		return do(func(ctx context.Context) { e.verifyCount(ctx, s) })
	case script.ChangeScene:
		return e.changeScene(s)
	case script.WaitForNaturalDespawn:
		return e.waitForNaturalDespawn(s)
	case script.HumanAction:
		return e.humanAction(s)
	case script.WaitForSpecificClient:
		return e.waitForSpecificClient(s)
	case script.Log:
		return do(func(context.Context) {
			e.log.Log(s.Message)
			e.logger.Info().Msg(s.Message)
		})
	default:
		e.logger.Error().Str("kind", string(step.Kind())).Msg("no handler for step")
		return do(func(context.Context) {})
	}
}

// refreshPeers polls the session for connected clients. On error the last
// known set is kept.
func (e *Executor) refreshPeers(ctx context.Context) []session.PeerID {
	peers, err := e.session.ConnectedPeers(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to poll connected peers")
		return e.state.ConnectedPeers
	}
	session.SortPeers(peers)
	e.state.ConnectedPeers = peers
	return peers
}

func hasPeer(peers []session.PeerID, id session.PeerID) bool {
	for _, p := range peers {
		if p == id {
			return true
		}
	}
	return false
}

func (e *Executor) waitForClients(s script.WaitForClients) task {
	abandoned := false
	return sequence(
		&poll{
			interval: e.timing.ClientPoll,
			timeout:  e.timeouts.WaitClients,
			until: func(ctx context.Context, _ time.Time) bool {
				return len(e.refreshPeers(ctx)) >= s.Count
			},
			onPoll: func(elapsed time.Duration) {
				connected := len(e.state.ConnectedPeers)
				dots := strings.Repeat(".", int(elapsed/(500*time.Millisecond))%4)
				e.instructions.SetInstruction(fmt.Sprintf(
					"🚨 WAITING FOR CLIENTS 🚨\n\nRequired: %d\nConnected: %d\n\nPlease start %d more client(s) now%s\n\nWaiting: %.0fs",
					s.Count, connected, s.Count-connected, dots, elapsed.Seconds()), true)
			},
			onTimeout: func(elapsed time.Duration) {
				abandoned = true
				e.recorder.Record(fmt.Sprintf("Wait For Clients (%d)", s.Count), false,
					fmt.Sprintf("✗ abandoned after %s: %d/%d clients connected",
						elapsed.Round(time.Second), len(e.state.ConnectedPeers), s.Count))
			},
		},
		later(func() task {
			if abandoned {
				return do(func(context.Context) { e.showProgress() })
			}
			return sequence(
				do(func(context.Context) {
					e.instructions.SetInstruction("✓ All clients connected!\n\nTest continuing...", false)
					e.logger.Info().Msgf("✓ All %d clients connected", s.Count)
				}),
				sleepFor(e.timing.ClientsSettle),
				do(func(context.Context) { e.showProgress() }),
			)
		}),
	)
}

func (e *Executor) spawnOnServer(s script.SpawnOnServer) task {
	server := e.session.ServerPeer()
	return sequence(
		do(func(context.Context) {
			e.logger.Info().Msgf("Spawning %d beacons from SERVER...", s.Count)
		}),
		sequence(e.spawnTasks(server, s.Count)...),
	)
}

func (e *Executor) spawnOnClient(s script.SpawnOnClient) task {
	return sequence(
		do(func(context.Context) {
			e.logger.Info().Msgf("Commanding Client%d to spawn %d beacons...", s.Client, s.Count)
		}),
		sequence(e.spawnTasks(s.Client, s.Count)...),
	)
}

func (e *Executor) spawnOnAllClients(s script.SpawnOnAllClients) task {
	var peers []session.PeerID
	return sequence(
		do(func(ctx context.Context) {
			peers = e.refreshPeers(ctx)
			e.logger.Info().Msgf("Commanding ALL clients (%d) to spawn %d beacons each...", len(peers), s.Count)
		}),
		later(func() task {
			var tasks []task
			for _, peer := range peers {
				tasks = append(tasks, e.spawnTasks(peer, s.Count)...)
			}
			return sequence(tasks...)
		}),
	)
}

// spawnTasks issues count single spawns on peer, one at a time.
func (e *Executor) spawnTasks(peer session.PeerID, count int) []task {
	tasks := make([]task, 0, count)
	for i := 0; i < count; i++ {
		tasks = append(tasks, e.spawnOne(peer))
	}
	return tasks
}

// spawnOne expects, requests and confirms a single spawn, then waits the
// inter-spawn delay.
func (e *Executor) spawnOne(peer session.PeerID) task {
	var handle session.SpawnHandle
	issued := false
	return sequence(
		do(func(ctx context.Context) {
			e.state.Tracker.Expect(peer, 1)
			handles, err := e.session.RequestSpawn(ctx, peer, 1)
			if err != nil {
				e.logger.Error().Err(err).Uint16("peer", uint16(peer)).Msg("spawn request failed")
				return
			}
			if len(handles) == 0 {
				e.logger.Error().Uint16("peer", uint16(peer)).Msg("spawn request returned no handle")
				return
			}
			handle = handles[0]
			issued = true
		}),
		later(func() task {
			if !issued {
				return nil
			}
			return &poll{
				interval: e.timing.SpawnPoll,
				timeout:  e.timing.SpawnConfirmTimeout,
				until: func(ctx context.Context, _ time.Time) bool {
					id, ok, err := e.session.ObjectIDAssigned(ctx, handle)
					if err != nil {
						e.logger.Debug().Err(err).Str("handle", string(handle)).Msg("spawn not resolved")
						return false
					}
					if !ok {
						return false
					}
					if e.state.Tracker.Track(peer, id) {
						e.logger.Info().Msgf("Tracked beacon %d from peer %d", id, peer)
					}
					return true
				},
				onTimeout: func(elapsed time.Duration) {
					e.logger.Warn().
						Str("handle", string(handle)).
						Uint16("peer", uint16(peer)).
						Dur("waited", elapsed).
						Msg("spawn never confirmed")
				},
			}
		}),
		sleepFor(e.timing.SpawnDelay),
	)
}

// resolve turns a selector into concrete ids.
func (e *Executor) resolve(sel script.Selector) []session.ObjectID {
	if sel.All {
		return e.state.Tracker.Tracked()
	}
	return append([]session.ObjectID(nil), sel.IDs...)
}

func (e *Executor) notifyValidation(kind script.Kind, ids []session.ObjectID) {
	for _, o := range e.observers {
		o.OnValidationRequested(kind, ids)
	}
}

// exists queries one object. Errors are reported as unknown.
func (e *Executor) exists(ctx context.Context, id session.ObjectID) (exists, known bool) {
	ok, err := e.session.ObjectExists(ctx, id)
	if err != nil {
		e.logger.Error().Err(err).Uint32("beacon", uint32(id)).Msg("existence check failed")
		return false, false
	}
	return ok, true
}

func (e *Executor) verifySpawned(ctx context.Context, s script.VerifySpawned) {
	ids := e.resolve(s.Selector)
	e.logger.Info().Msgf("Verifying beacons: %s", s.Selector)
	e.notifyValidation(s.Kind(), ids)

	var missing []session.ObjectID
	for _, id := range ids {
		if ok, known := e.exists(ctx, id); !ok || !known {
			e.logger.Warn().Msgf("✗ Beacon %d NOT FOUND", id)
			missing = append(missing, id)
		}
	}

	details := fmt.Sprintf("✓ All %d beacons exist", len(ids))
	if len(missing) > 0 {
		details = fmt.Sprintf("✗ %d/%d beacons MISSING: %s", len(missing), len(ids), session.JoinObjectIDs(missing))
	}
	e.recorder.Record(fmt.Sprintf("Verify Beacons (%s)", s.Selector), len(missing) == 0, details)
}

func (e *Executor) verifyDespawned(ctx context.Context, s script.VerifyDespawned) {
	ids := e.resolve(s.Selector)
	e.logger.Info().Msgf("Verifying beacons despawned: %s", s.Selector)
	e.notifyValidation(s.Kind(), ids)

	var remaining []session.ObjectID
	for _, id := range ids {
		if ok, known := e.exists(ctx, id); ok || !known {
			e.logger.Warn().Msgf("✗ Beacon %d STILL EXISTS", id)
			remaining = append(remaining, id)
		}
	}

	details := fmt.Sprintf("✓ All %d beacons despawned", len(ids))
	if len(remaining) > 0 {
		details = fmt.Sprintf("✗ %d/%d beacons STILL EXIST: %s", len(remaining), len(ids), session.JoinObjectIDs(remaining))
	}
	e.recorder.Record(fmt.Sprintf("Verify Despawned (%s)", s.Selector), len(remaining) == 0, details)
}

func (e *Executor) verifyCount(ctx context.Context, s script.VerifyCount) {
	e.notifyValidation(s.Kind(), nil)

	actual, err := e.session.CountObjects(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to count beacons")
		e.recorder.Record("Verify Beacon Count", false,
			fmt.Sprintf("✗ Expected %d beacons, count unavailable: %v", s.Expected, err))
		return
	}

	details := fmt.Sprintf("✓ Beacon count matches: %d", actual)
	if actual != s.Expected {
		details = fmt.Sprintf("✗ Expected %d beacons, found %d", s.Expected, actual)
	}
	e.recorder.Record("Verify Beacon Count", actual == s.Expected, details)
}

func (e *Executor) changeScene(s script.ChangeScene) task {
	var previous []session.ObjectID
	return sequence(
		do(func(ctx context.Context) {
			e.logger.Info().Msgf("Changing scene to: %s", s.Scene)
			previous = e.state.Tracker.ClearAll()
			if err := e.session.ChangeScene(ctx, s.Scene); err != nil {
				e.logger.Error().Err(err).Str("scene", s.Scene).Msg("scene change failed")
				return
			}
			for _, o := range e.observers {
				o.OnSceneChanged(s.Scene)
			}
		}),
		sleepFor(e.timing.SceneSettle),
		do(func(ctx context.Context) {
			var remaining []session.ObjectID
			for _, id := range previous {
				if ok, known := e.exists(ctx, id); ok || !known {
					remaining = append(remaining, id)
				}
			}
			details := fmt.Sprintf("✓ Scene changed, %d beacons cleaned up", len(previous))
			if len(remaining) > 0 {
				details = fmt.Sprintf("✗ Scene changed, but %d beacons still exist: %s",
					len(remaining), session.JoinObjectIDs(remaining))
			}
			e.recorder.Record("Scene Change to "+s.Scene, len(remaining) == 0, details)
		}),
	)
}

func (e *Executor) waitForNaturalDespawn(s script.WaitForNaturalDespawn) task {
	return sequence(
		do(func(context.Context) {
			e.logger.Info().Msgf("Waiting %gs for natural despawn...", s.Duration.Seconds())
		}),
		&countdown{
			total:    s.Duration,
			interval: e.timing.DespawnReport,
			report: func(remaining time.Duration) {
				e.instructions.SetInstruction(fmt.Sprintf(
					"⏱ WAITING FOR DESPAWN ⏱\n\nTime remaining: %.0fs\n\nBeacons should despawn naturally...",
					remaining.Seconds()), false)
			},
		},
		do(func(context.Context) { e.showProgress() }),
	)
}

func (e *Executor) humanAction(s script.HumanAction) task {
	abandoned := false
	return sequence(
		do(func(context.Context) {
			e.logger.Info().Msgf("HUMAN ACTION REQUIRED: %s", s.Instruction)
			e.log.Log("HUMAN ACTION: " + s.Instruction)
			e.ack.Reset()
			e.instructions.SetInstruction(fmt.Sprintf(
				"🚨 HUMAN ACTION REQUIRED 🚨\n\n%s\n\nAcknowledge when complete", s.Instruction), true)
		}),
		&poll{
			interval: e.timing.Tick,
			timeout:  e.timeouts.HumanAction,
			until:    func(context.Context, time.Time) bool { return e.ack.Acknowledged() },
			onTimeout: func(elapsed time.Duration) {
				abandoned = true
				e.recorder.Record("Human Action", false,
					fmt.Sprintf("✗ abandoned after %s: %s", elapsed.Round(time.Second), s.Instruction))
			},
		},
		later(func() task {
			if abandoned {
				return do(func(context.Context) { e.showProgress() })
			}
			return sequence(
				do(func(context.Context) {
					e.instructions.SetInstruction("✓ Action completed!\n\nTest continuing...", false)
					e.logger.Info().Msg("Human action completed")
				}),
				sleepFor(e.timing.AckSettle),
				do(func(context.Context) { e.showProgress() }),
			)
		}),
	)
}

func (e *Executor) waitForSpecificClient(s script.WaitForSpecificClient) task {
	abandoned := false
	return sequence(
		do(func(context.Context) {
			e.logger.Info().Msgf("Waiting for Client%d to connect...", s.Client)
			e.instructions.SetInstruction(fmt.Sprintf(
				"⏳ WAITING FOR CLIENT %d ⏳\n\nPlease start Client%d now", s.Client, s.Client), true)
		}),
		&poll{
			interval: e.timing.SpecificClientPoll,
			timeout:  e.timeouts.WaitClient,
			until: func(ctx context.Context, _ time.Time) bool {
				return hasPeer(e.refreshPeers(ctx), s.Client)
			},
			onTimeout: func(elapsed time.Duration) {
				abandoned = true
				e.recorder.Record(fmt.Sprintf("Wait For Client %d", s.Client), false,
					fmt.Sprintf("✗ abandoned after %s: client %d never connected", elapsed.Round(time.Second), s.Client))
			},
		},
		later(func() task {
			if abandoned {
				return do(func(context.Context) { e.showProgress() })
			}
			return sequence(
				do(func(context.Context) {
					e.instructions.SetInstruction(fmt.Sprintf("✓ Client%d connected!\n\nSynchronizing...", s.Client), false)
					e.logger.Info().Msgf("✓ Client%d connected", s.Client)
				}),
				sleepFor(e.timing.SpecificClientSettle),
				do(func(context.Context) { e.showProgress() }),
			)
		}),
	)
}

// finish renders the summary, flushes it to the log and builds the report.
func (e *Executor) finish(cause error) {
	passed, failed, summary := e.recorder.Summarize()
	e.log.LogSummary(passed, failed)

	deliveries := e.state.Tracker.Deliveries()
	for _, d := range deliveries {
		msg := fmt.Sprintf("Delivery: peer %d expected %d, confirmed %d", d.Peer, d.Expected, len(d.Actual))
		e.log.Log(msg)
		if d.Shortfall() > 0 {
			e.logger.Warn().Uint16("peer", uint16(d.Peer)).Int("shortfall", d.Shortfall()).Msg(msg)
		} else {
			e.logger.Debug().Msg(msg)
		}
	}

	e.report = &Report{
		RunID:          e.runID,
		ScriptName:     e.script.Name,
		StartTime:      e.start,
		EndTime:        e.now,
		Duration:       e.now.Sub(e.start),
		Steps:          len(e.script.Steps),
		StepsCompleted: e.state.StepIndex,
		Passed:         passed,
		Failed:         failed,
		Records:        e.recorder.Records(),
		Deliveries:     deliveries,
		Summary:        summary,
		LogPath:        e.log.Path(),
	}

	if cause != nil {
		e.report.Aborted = true
		e.report.Error = cause.Error()
		e.logger.Warn().Err(cause).Int("steps_completed", e.state.StepIndex).Msg("TEST ABORTED")
		e.log.Log("TEST ABORTED: " + cause.Error())
		e.instructions.SetInstruction(fmt.Sprintf(
			"⛔ TEST ABORTED ⛔\n\n%s\n\nStopped after %d of %d steps\n✓ Passed: %d\n✗ Failed: %d",
			e.script.Name, e.state.StepIndex, len(e.script.Steps), passed, failed), true)
		return
	}

	e.logger.Info().Int("passed", passed).Int("failed", failed).Msg("TEST COMPLETE")
	e.instructions.SetInstruction(fmt.Sprintf(
		"✅ TEST COMPLETE ✅\n\n%s\n\n✓ Passed: %d\n✗ Failed: %d\n\nLog saved to:\n%s",
		e.script.Name, passed, failed, e.log.Path()), failed > 0)
}
