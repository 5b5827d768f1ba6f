package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"netscript/config"
	"netscript/script"
	"netscript/session"
	"netscript/simnet"
)

const tick = 50 * time.Millisecond

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type instruction struct {
	text   string
	urgent bool
}

type recordingSink struct {
	mu   sync.Mutex
	seen []instruction
}

func (s *recordingSink) SetInstruction(text string, urgent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, instruction{text, urgent})
}

func (s *recordingSink) all() []instruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]instruction(nil), s.seen...)
}

func (s *recordingSink) last() instruction {
	all := s.all()
	if len(all) == 0 {
		return instruction{}
	}
	return all[len(all)-1]
}

type recordingLog struct {
	mu       sync.Mutex
	steps    []string
	passes   []string
	fails    []string
	messages []string
	summary  []int
	closed   bool
}

func (l *recordingLog) LogStep(index, total int, kind script.Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, string(kind))
}

func (l *recordingLog) LogPass(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.passes = append(l.passes, name)
}

func (l *recordingLog) LogFail(name, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fails = append(l.fails, name+": "+reason)
}

func (l *recordingLog) LogSummary(passed, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summary = []int{passed, failed}
}

func (l *recordingLog) Log(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, message)
}

func (l *recordingLog) Path() string { return "results/test.log" }

func (l *recordingLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

type manualAck struct {
	mu     sync.Mutex
	acked  bool
	resets int
}

func (a *manualAck) Acknowledged() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked
}

func (a *manualAck) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = false
	a.resets++
}

func (a *manualAck) Ack() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = true
}

type observed struct {
	scenes      []string
	validations []script.Kind
	ids         [][]session.ObjectID
}

func (o *observed) OnSceneChanged(scene string) { o.scenes = append(o.scenes, scene) }

func (o *observed) OnValidationRequested(kind script.Kind, ids []session.ObjectID) {
	o.validations = append(o.validations, kind)
	o.ids = append(o.ids, ids)
}

// stickyScene is a session whose scene changes leave every beacon alive.
type stickyScene struct {
	*simnet.Network
	changed []string
}

func (s *stickyScene) ChangeScene(ctx context.Context, name string) error {
	s.changed = append(s.changed, name)
	return nil
}

// harness bundles an executor with recording collaborators.
type harness struct {
	clock *fakeClock
	net   *simnet.Network
	sink  *recordingSink
	log   *recordingLog
	obs   *observed
	exec  *Executor
}

func newNetwork(clock *fakeClock, clients ...session.PeerID) *simnet.Network {
	n := simnet.New(simnet.Options{Clock: clock.Now})
	n.Connect(clients...)
	return n
}

func newHarness(t *testing.T, content string, sess session.Session, clock *fakeClock, ack Acknowledger, timeouts config.Timeouts) *harness {
	t.Helper()
	h := &harness{
		clock: clock,
		sink:  &recordingSink{},
		log:   &recordingLog{},
		obs:   &observed{},
	}
	if n, ok := sess.(*simnet.Network); ok {
		h.net = n
	}
	s := script.Parse(content)
	h.exec = NewExecutor(s, Collaborators{
		Session:      sess,
		Instructions: h.sink,
		Log:          h.log,
		Ack:          ack,
		Observers:    []Observer{h.obs},
	}, config.DefaultTiming(), timeouts, zerolog.Nop())
	return h
}

// advanceUntil drives the executor tick by tick until cond holds or the run
// finishes. It returns whether the run finished.
func (h *harness) advanceUntil(t *testing.T, cond func() bool) bool {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100000; i++ {
		if cond != nil && cond() {
			return false
		}
		if h.exec.Advance(ctx, h.clock.Now()) {
			return true
		}
		h.clock.Add(tick)
	}
	t.Fatal("executor did not make progress")
	return false
}

func (h *harness) run(t *testing.T) *Report {
	t.Helper()
	if !h.advanceUntil(t, nil) {
		t.Fatal("run did not finish")
	}
	return h.exec.Report()
}
