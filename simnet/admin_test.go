package simnet

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netscript/session"
)

func adminServer(n *Network) *echo.Echo {
	e := echo.New()
	RegisterAdmin(e.Group("/admin"), n)
	return e
}

func serve(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAdminConnect(t *testing.T) {
	c := newClock()
	n := New(Options{Clock: c.Now})
	e := adminServer(n)

	rec := serve(e, http.MethodPost, "/admin/peers/1/connect", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(e, http.MethodPost, "/admin/peers/2/connect", `{"after":"10s"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(e, http.MethodGet, "/admin/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, []session.PeerID{1}, st.Peers)

	c.Add(10 * time.Second)
	assert.Equal(t, []session.PeerID{1, 2}, n.State().Peers)

	rec = serve(e, http.MethodPost, "/admin/peers/3/connect", `{"after":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(e, http.MethodPost, "/admin/peers/x/connect", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminDisconnect(t *testing.T) {
	n := New(Options{})
	n.Connect(1, 2)
	e := adminServer(n)

	rec := serve(e, http.MethodPost, "/admin/peers/1/disconnect", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []session.PeerID{2}, n.State().Peers)
}

func TestAdminDrop(t *testing.T) {
	n := New(Options{})
	n.Connect(1)
	e := adminServer(n)

	rec := serve(e, http.MethodPost, "/admin/peers/1/drop", `{"count":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(e, http.MethodPost, "/admin/peers/1/drop", `{"count":1}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	h := spawnOne(t, n, 1)
	_, ok, _ := n.ObjectIDAssigned(t.Context(), h)
	assert.False(t, ok)
}

func TestAdminDespawn(t *testing.T) {
	n := New(Options{})
	spawnOne(t, n, 0)
	e := adminServer(n)

	rec := serve(e, http.MethodDelete, "/admin/objects/1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(e, http.MethodDelete, "/admin/objects/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(e, http.MethodDelete, "/admin/objects/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
