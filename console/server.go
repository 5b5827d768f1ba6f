package console

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"netscript/coordinator"
	"netscript/script"
	"netscript/session"
)

// Event types pushed to browsers.
const (
	EventInstruction = "instruction"
	EventScene       = "scene_changed"
	EventValidation  = "validation"
	EventCatalog     = "catalog"
	EventAck         = "ack"
)

// Event is a message pushed to attached browsers.
type Event struct {
	Type        string             `json:"type"`
	Ts          int64              `json:"ts"`
	Instruction string             `json:"instruction,omitempty"`
	Urgent      bool               `json:"urgent,omitempty"`
	Scene       string             `json:"scene,omitempty"`
	Kind        script.Kind        `json:"kind,omitempty"`
	Objects     []session.ObjectID `json:"objects,omitempty"`
}

// Status is the answer to GET /api/status.
type Status struct {
	Instruction string    `json:"instruction"`
	Urgent      bool      `json:"urgent"`
	Running     bool      `json:"running"`
	Test        string    `json:"test,omitempty"`
	Consoles    int       `json:"consoles"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TestInfo describes a catalog entry in the API.
type TestInfo struct {
	Name           string           `json:"name"`
	Title          string           `json:"title"`
	Description    string           `json:"description,omitempty"`
	RequireClients int              `json:"require_clients"`
	Steps          []string         `json:"steps,omitempty"`
	PreConditions  string           `json:"pre_conditions,omitempty"`
	Warnings       []script.Warning `json:"warnings,omitempty"`
}

// RunState reports which test, if any, is executing.
type RunState interface {
	Running() (string, bool)
}

// Starter launches the named catalog entry. It returns
// coordinator.ErrRunInProgress when a run is already executing.
type Starter func(entry *Entry) error

// Server is the browser operator console. It is an instruction sink and a
// run observer, and it acknowledges human actions through a shared Signal.
type Server struct {
	echo     *echo.Echo
	hub      *Hub
	catalog  *Catalog
	ack      *Signal
	state    RunState
	start    Starter
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.RWMutex
	current Status
}

var (
	_ coordinator.InstructionSink = (*Server)(nil)
	_ coordinator.Observer        = (*Server)(nil)
)

// NewServer creates the console. catalog, state and start may be nil, which
// disables the test selection routes.
func NewServer(catalog *Catalog, ack *Signal, state RunState, start Starter, logger zerolog.Logger) *Server {
	s := &Server{
		echo:    echo.New(),
		hub:     NewHub(logger),
		catalog: catalog,
		ack:     ack,
		state:   state,
		start:   start,
		logger:  logger.With().Str("component", "console").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.routes()

	if catalog != nil {
		catalog.OnChange(func() {
			s.hub.BroadcastJSON(Event{Type: EventCatalog, Ts: time.Now().UnixMilli()})
		})
	}
	return s
}

func (s *Server) routes() {
	api := s.echo.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/ack", s.handleAck)
	api.GET("/tests", s.handleListTests)
	api.GET("/tests/:name", s.handleGetTest)
	api.POST("/tests/:name/start", s.handleStartTest)
	s.echo.GET("/ws", s.handleWebSocket)
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Hub returns the broadcast hub.
func (s *Server) Hub() *Hub { return s.hub }

// Run starts the hub and serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("console listening")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "console server failed")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// SetInstruction implements coordinator.InstructionSink.
func (s *Server) SetInstruction(text string, urgent bool) {
	now := time.Now()
	s.mu.Lock()
	s.current.Instruction = text
	s.current.Urgent = urgent
	s.current.UpdatedAt = now
	s.mu.Unlock()

	s.hub.BroadcastJSON(Event{Type: EventInstruction, Ts: now.UnixMilli(), Instruction: text, Urgent: urgent})
}

// OnSceneChanged implements coordinator.Observer.
func (s *Server) OnSceneChanged(scene string) {
	s.hub.BroadcastJSON(Event{Type: EventScene, Ts: time.Now().UnixMilli(), Scene: scene})
}

// OnValidationRequested implements coordinator.Observer.
func (s *Server) OnValidationRequested(kind script.Kind, ids []session.ObjectID) {
	s.hub.BroadcastJSON(Event{Type: EventValidation, Ts: time.Now().UnixMilli(), Kind: kind, Objects: ids})
}

// Status returns the current console status.
func (s *Server) Status() Status {
	s.mu.RLock()
	st := s.current
	s.mu.RUnlock()

	if s.state != nil {
		st.Test, st.Running = s.state.Running()
	}
	st.Consoles = s.hub.Count()
	return st
}

func (s *Server) acknowledge(source string) {
	if s.ack == nil {
		return
	}
	s.ack.Ack()
	s.logger.Info().Str("source", source).Msg("operator acknowledged")
	s.hub.BroadcastJSON(Event{Type: EventAck, Ts: time.Now().UnixMilli()})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Status())
}

func (s *Server) handleAck(c echo.Context) error {
	if s.ack == nil {
		return c.JSON(http.StatusServiceUnavailable, session.ErrorResponse{Error: "acknowledgements are disabled"})
	}
	s.acknowledge(c.RealIP())
	return c.NoContent(http.StatusNoContent)
}

func info(e *Entry, detailed bool) TestInfo {
	ti := TestInfo{
		Name:           e.Name,
		Title:          e.Script.Name,
		Description:    e.Script.Description,
		RequireClients: e.Script.RequireClients,
	}
	if detailed {
		for _, step := range e.Script.Steps {
			ti.Steps = append(ti.Steps, step.String())
		}
		ti.PreConditions = e.Script.PreTestConditions()
		ti.Warnings = e.Script.Warnings
	}
	return ti
}

func (s *Server) handleListTests(c echo.Context) error {
	if s.catalog == nil {
		return c.JSON(http.StatusOK, []TestInfo{})
	}
	entries := s.catalog.List()
	out := make([]TestInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, info(e, false))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) lookup(c echo.Context) (*Entry, error) {
	if s.catalog == nil {
		return nil, c.JSON(http.StatusNotFound, session.ErrorResponse{Error: "no test catalog"})
	}
	e, ok := s.catalog.Get(c.Param("name"))
	if !ok {
		return nil, c.JSON(http.StatusNotFound, session.ErrorResponse{Error: "test not found: " + c.Param("name")})
	}
	return e, nil
}

func (s *Server) handleGetTest(c echo.Context) error {
	e, err := s.lookup(c)
	if e == nil {
		return err
	}
	return c.JSON(http.StatusOK, info(e, true))
}

func (s *Server) handleStartTest(c echo.Context) error {
	e, err := s.lookup(c)
	if e == nil {
		return err
	}
	if s.start == nil {
		return c.JSON(http.StatusServiceUnavailable, session.ErrorResponse{Error: "test selection is disabled"})
	}

	if err := s.start(e); err != nil {
		if errors.Is(err, coordinator.ErrRunInProgress) {
			return c.JSON(http.StatusConflict, session.ErrorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, session.ErrorResponse{Error: err.Error()})
	}
	s.logger.Info().Str("test", e.Name).Msg("test start requested")
	return c.JSON(http.StatusAccepted, info(e, false))
}

type clientMessage struct {
	Type string `json:"type"`
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade websocket")
		return err
	}

	st := s.Status()
	first, _ := json.Marshal(Event{
		Type:        EventInstruction,
		Ts:          time.Now().UnixMilli(),
		Instruction: st.Instruction,
		Urgent:      st.Urgent,
	})
	s.hub.attach(ws, first, func(data []byte) {
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if msg.Type == EventAck {
			s.acknowledge("websocket")
		}
	})
	return nil
}
