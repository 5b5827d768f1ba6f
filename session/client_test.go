package session_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netscript/session"
	"netscript/simnet"
)

func newEndpoint(t *testing.T, n *simnet.Network) *session.Client {
	t.Helper()
	e := echo.New()
	session.NewHandler(n).Register(e.Group(""))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return session.NewClient(srv.URL+"/", time.Second)
}

func TestClientRoundTrip(t *testing.T) {
	n := simnet.New(simnet.Options{Server: 5})
	n.Connect(2, 1)
	c := newEndpoint(t, n)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, session.PeerID(5), c.ServerPeer())

	peers, err := c.ConnectedPeers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []session.PeerID{1, 2}, peers)

	handles, err := c.RequestSpawn(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, handles, 2)

	id, ok, err := c.ObjectIDAssigned(ctx, handles[0])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, session.ObjectID(1), id)

	exists, err := c.ObjectExists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	count, err := c.CountObjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, c.ChangeScene(ctx, "Arena"))
	count, err = c.CountObjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, "Arena", n.State().Scene)

	exists, err = c.ObjectExists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClientErrors(t *testing.T) {
	n := simnet.New(simnet.Options{})
	c := newEndpoint(t, n)
	ctx := context.Background()

	_, err := c.RequestSpawn(ctx, 9, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peer not connected")
	assert.Contains(t, err.Error(), "status 409")

	_, err = c.RequestSpawn(ctx, 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count must be positive")

	_, _, err = c.ObjectIDAssigned(ctx, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")

	err = c.ChangeScene(ctx, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scene name is required")
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(echo.New())
	url := srv.URL
	srv.Close()

	c := session.NewClient(url, 200*time.Millisecond)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach session endpoint")
}
