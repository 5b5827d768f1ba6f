package session

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// Handler serves a Session over the control protocol.
type Handler struct {
	session Session
}

// NewHandler wraps s.
func NewHandler(s Session) *Handler {
	return &Handler{session: s}
}

// Register mounts the control routes on g.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/health", h.handleHealth)
	g.GET("/peers", h.handlePeers)
	g.POST("/spawn", h.handleSpawn)
	g.GET("/spawn/:handle", h.handleSpawnStatus)
	g.GET("/objects/count", h.handleCount)
	g.GET("/objects/:id", h.handleExists)
	g.POST("/scene", h.handleScene)
}

func (h *Handler) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"server": h.session.ServerPeer(),
	})
}

func (h *Handler) handlePeers(c echo.Context) error {
	peers, err := h.session.ConnectedPeers(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	if peers == nil {
		peers = []PeerID{}
	}
	return c.JSON(http.StatusOK, PeersResponse{
		Server: h.session.ServerPeer(),
		Peers:  SortPeers(peers),
	})
}

func (h *Handler) handleSpawn(c echo.Context) error {
	var req SpawnRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.Count <= 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "count must be positive"})
	}

	handles, err := h.session.RequestSpawn(c.Request().Context(), req.Peer, req.Count)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, SpawnResponse{Handles: handles})
}

func (h *Handler) handleSpawnStatus(c echo.Context) error {
	id, assigned, err := h.session.ObjectIDAssigned(c.Request().Context(), SpawnHandle(c.Param("handle")))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, SpawnStatusResponse{Assigned: assigned, ObjectID: id})
}

func (h *Handler) handleCount(c echo.Context) error {
	n, err := h.session.CountObjects(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}

func (h *Handler) handleExists(c echo.Context) error {
	id, err := ParseObjectID(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}
	exists, err := h.session.ObjectExists(c.Request().Context(), id)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, ExistsResponse{Exists: exists})
}

func (h *Handler) handleScene(c echo.Context) error {
	var req SceneRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "scene name is required"})
	}
	if err := h.session.ChangeScene(c.Request().Context(), req.Name); err != nil {
		return errorJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func errorJSON(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch errors.Cause(err) {
	case ErrUnknownHandle:
		status = http.StatusNotFound
	case ErrPeerNotConnected:
		status = http.StatusConflict
	}
	return c.JSON(status, ErrorResponse{Error: err.Error()})
}
