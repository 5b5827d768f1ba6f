package simnet

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"netscript/session"
)

type dropRequest struct {
	Count int `json:"count"`
}

type joinRequest struct {
	After string `json:"after,omitempty"`
}

// RegisterAdmin mounts routes that let an operator steer the network:
// connecting and disconnecting peers, dropping spawn commands and removing
// beacons.
func RegisterAdmin(g *echo.Group, n *Network) {
	g.GET("/state", func(c echo.Context) error {
		return c.JSON(http.StatusOK, n.State())
	})

	g.POST("/peers/:id/connect", func(c echo.Context) error {
		peer, err := session.ParsePeerID(c.Param("id"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, session.ErrorResponse{Error: err.Error()})
		}
		var req joinRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, session.ErrorResponse{Error: "invalid request body"})
		}
		if req.After == "" {
			n.Connect(peer)
			return c.NoContent(http.StatusNoContent)
		}
		d, err := time.ParseDuration(req.After)
		if err != nil || d < 0 {
			return c.JSON(http.StatusBadRequest, session.ErrorResponse{Error: "invalid duration: " + req.After})
		}
		n.JoinAfter(peer, d)
		return c.NoContent(http.StatusNoContent)
	})

	g.POST("/peers/:id/disconnect", func(c echo.Context) error {
		peer, err := session.ParsePeerID(c.Param("id"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, session.ErrorResponse{Error: err.Error()})
		}
		n.Disconnect(peer)
		return c.NoContent(http.StatusNoContent)
	})

	g.POST("/peers/:id/drop", func(c echo.Context) error {
		peer, err := session.ParsePeerID(c.Param("id"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, session.ErrorResponse{Error: err.Error()})
		}
		var req dropRequest
		if err := c.Bind(&req); err != nil || req.Count <= 0 {
			return c.JSON(http.StatusBadRequest, session.ErrorResponse{Error: "count must be positive"})
		}
		n.DropNext(peer, req.Count)
		return c.NoContent(http.StatusNoContent)
	})

	g.DELETE("/objects/:id", func(c echo.Context) error {
		id, err := session.ParseObjectID(c.Param("id"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, session.ErrorResponse{Error: err.Error()})
		}
		if !n.Despawn(id) {
			return c.JSON(http.StatusNotFound, session.ErrorResponse{Error: "no such beacon"})
		}
		return c.NoContent(http.StatusNoContent)
	})
}
