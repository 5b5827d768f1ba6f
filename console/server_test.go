package console

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netscript/coordinator"
)

type runState struct {
	mu      sync.Mutex
	name    string
	running bool
}

func (r *runState) Running() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name, r.running
}

type startCalls struct {
	mu      sync.Mutex
	started []string
	err     error
}

func (s *startCalls) start(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.started = append(s.started, e.Name)
	return nil
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	writeScript(t, dir, "spawn.gotest", "name: Spawn Test\ndescription: spawns\nrequire_clients: 1\npre_condition: Open the lobby\nspawn_server: 2\nverify_beacons: all\n")
	writeScript(t, dir, "broken.gotest", "name: Broken\nfly: away\nlog: still here\n")
	c := NewCatalog(dir, zerolog.Nop())
	require.NoError(t, c.Refresh())
	return c
}

func request(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServerStatus(t *testing.T) {
	state := &runState{name: "Spawn Test", running: true}
	s := NewServer(nil, &Signal{}, state, nil, zerolog.Nop())
	s.SetInstruction("🚨 HUMAN ACTION REQUIRED 🚨", true)

	rec := request(t, s.Handler(), http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "🚨 HUMAN ACTION REQUIRED 🚨", st.Instruction)
	assert.True(t, st.Urgent)
	assert.True(t, st.Running)
	assert.Equal(t, "Spawn Test", st.Test)
	assert.Equal(t, 0, st.Consoles)
	assert.False(t, st.UpdatedAt.IsZero())
}

func TestServerAck(t *testing.T) {
	ack := &Signal{}
	s := NewServer(nil, ack, nil, nil, zerolog.Nop())

	rec := request(t, s.Handler(), http.MethodPost, "/api/ack")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, ack.Acknowledged())

	disabled := NewServer(nil, nil, nil, nil, zerolog.Nop())
	rec = request(t, disabled.Handler(), http.MethodPost, "/api/ack")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerTests(t *testing.T) {
	s := NewServer(testCatalog(t), nil, nil, nil, zerolog.Nop())

	rec := request(t, s.Handler(), http.MethodGet, "/api/tests")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []TestInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "broken", list[0].Name)
	assert.Equal(t, "spawn", list[1].Name)
	assert.Equal(t, "Spawn Test", list[1].Title)
	assert.Empty(t, list[1].Steps, "the listing is brief")

	rec = request(t, s.Handler(), http.MethodGet, "/api/tests/spawn")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail TestInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "spawns", detail.Description)
	assert.Equal(t, 1, detail.RequireClients)
	assert.Len(t, detail.Steps, 2)
	assert.Equal(t, "PRE-TEST SETUP REQUIRED:\nOpen the lobby", detail.PreConditions)

	rec = request(t, s.Handler(), http.MethodGet, "/api/tests/broken")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Len(t, detail.Warnings, 1)

	rec = request(t, s.Handler(), http.MethodGet, "/api/tests/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerWithoutCatalog(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, zerolog.Nop())

	rec := request(t, s.Handler(), http.MethodGet, "/api/tests")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = request(t, s.Handler(), http.MethodGet, "/api/tests/spawn")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerStartTest(t *testing.T) {
	starter := &startCalls{}
	s := NewServer(testCatalog(t), nil, nil, starter.start, zerolog.Nop())

	rec := request(t, s.Handler(), http.MethodPost, "/api/tests/spawn/start")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"spawn"}, starter.started)

	rec = request(t, s.Handler(), http.MethodPost, "/api/tests/nope/start")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	starter.err = errors.Wrap(coordinator.ErrRunInProgress, "cannot start spawn")
	rec = request(t, s.Handler(), http.MethodPost, "/api/tests/spawn/start")
	assert.Equal(t, http.StatusConflict, rec.Code)

	starter.err = errors.New("boom")
	rec = request(t, s.Handler(), http.MethodPost, "/api/tests/spawn/start")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	disabled := NewServer(testCatalog(t), nil, nil, nil, zerolog.Nop())
	rec = request(t, disabled.Handler(), http.MethodPost, "/api/tests/spawn/start")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev Event
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func TestServerWebSocket(t *testing.T) {
	ack := &Signal{}
	s := NewServer(nil, ack, nil, nil, zerolog.Nop())
	s.SetInstruction("first", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)
	// Let the hub drop the broadcast sent before anyone was attached.
	require.Eventually(t, func() bool { return len(s.hub.broadcast) == 0 }, 5*time.Second, 10*time.Millisecond)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	ev := readEvent(t, ws)
	assert.Equal(t, EventInstruction, ev.Type)
	assert.Equal(t, "first", ev.Instruction)

	require.Eventually(t, func() bool { return s.Hub().Count() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.Status().Consoles)

	s.SetInstruction("second", true)
	ev = readEvent(t, ws)
	assert.Equal(t, EventInstruction, ev.Type)
	assert.Equal(t, "second", ev.Instruction)
	assert.True(t, ev.Urgent)

	s.OnSceneChanged("Arena")
	ev = readEvent(t, ws)
	assert.Equal(t, EventScene, ev.Type)
	assert.Equal(t, "Arena", ev.Scene)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ack"}))
	ev = readEvent(t, ws)
	assert.Equal(t, EventAck, ev.Type)
	assert.True(t, ack.Acknowledged())
}
