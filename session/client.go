package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Wire types of the control protocol.

// PeersResponse is returned by GET /peers.
type PeersResponse struct {
	Server PeerID   `json:"server"`
	Peers  []PeerID `json:"peers"`
}

// SpawnRequest is the body of POST /spawn.
type SpawnRequest struct {
	Peer  PeerID `json:"peer"`
	Count int    `json:"count"`
}

// SpawnResponse is returned by POST /spawn.
type SpawnResponse struct {
	Handles []SpawnHandle `json:"handles"`
}

// SpawnStatusResponse is returned by GET /spawn/:handle.
type SpawnStatusResponse struct {
	Assigned bool     `json:"assigned"`
	ObjectID ObjectID `json:"object_id,omitempty"`
}

// ExistsResponse is returned by GET /objects/:id.
type ExistsResponse struct {
	Exists bool `json:"exists"`
}

// CountResponse is returned by GET /objects/count.
type CountResponse struct {
	Count int `json:"count"`
}

// SceneRequest is the body of POST /scene.
type SceneRequest struct {
	Name string `json:"name"`
}

// ErrorResponse is returned with any non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Client implements Session against a control endpoint exposed by the
// server peer.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// server is learned from the first GET /peers.
	server PeerID
}

// NewClient creates a control client for the endpoint at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Connect verifies the endpoint is reachable and learns the server peer id.
func (c *Client) Connect(ctx context.Context) error {
	var resp PeersResponse
	if err := c.do(ctx, http.MethodGet, "/peers", nil, &resp); err != nil {
		return errors.Wrapf(err, "failed to reach session endpoint %s", c.baseURL)
	}
	c.server = resp.Server
	return nil
}

// ServerPeer returns the server peer id learned by Connect.
func (c *Client) ServerPeer() PeerID {
	return c.server
}

// ConnectedPeers implements Session.
func (c *Client) ConnectedPeers(ctx context.Context) ([]PeerID, error) {
	var resp PeersResponse
	if err := c.do(ctx, http.MethodGet, "/peers", nil, &resp); err != nil {
		return nil, err
	}
	c.server = resp.Server
	return resp.Peers, nil
}

// RequestSpawn implements Session.
func (c *Client) RequestSpawn(ctx context.Context, peer PeerID, count int) ([]SpawnHandle, error) {
	var resp SpawnResponse
	if err := c.do(ctx, http.MethodPost, "/spawn", SpawnRequest{Peer: peer, Count: count}, &resp); err != nil {
		return nil, err
	}
	return resp.Handles, nil
}

// ObjectIDAssigned implements Session.
func (c *Client) ObjectIDAssigned(ctx context.Context, handle SpawnHandle) (ObjectID, bool, error) {
	var resp SpawnStatusResponse
	if err := c.do(ctx, http.MethodGet, "/spawn/"+url.PathEscape(string(handle)), nil, &resp); err != nil {
		return 0, false, err
	}
	return resp.ObjectID, resp.Assigned, nil
}

// ObjectExists implements Session.
func (c *Client) ObjectExists(ctx context.Context, id ObjectID) (bool, error) {
	var resp ExistsResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/objects/%d", id), nil, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// CountObjects implements Session.
func (c *Client) CountObjects(ctx context.Context) (int, error) {
	var resp CountResponse
	if err := c.do(ctx, http.MethodGet, "/objects/count", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// ChangeScene implements Session.
func (c *Client) ChangeScene(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/scene", SceneRequest{Name: name}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return errors.Errorf("%s %s: %s (status %d)", method, path, e.Error, resp.StatusCode)
		}
		return errors.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}
