// Package simnet is an in-process session with a server peer and any number
// of client peers. It models identifier assignment latency, natural despawn
// after a fixed lifetime, scene changes and lost spawn commands.
package simnet

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"netscript/session"
)

// Options configure a Network.
type Options struct {
	// Server is the peer id of the server.
	Server session.PeerID
	// AssignLatency delays identifier assignment after a spawn request.
	AssignLatency time.Duration
	// Lifetime despawns beacons this long after they appear. Zero keeps
	// them until the next scene change.
	Lifetime time.Duration
	// DropRate is the probability that a client spawn command is lost.
	DropRate float64
	// Seed drives the drop decisions.
	Seed int64
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type object struct {
	owner   session.PeerID
	born    time.Time
	expires time.Time
}

type spawn struct {
	peer    session.PeerID
	id      session.ObjectID
	dropped bool
}

// State is a point-in-time view of the network.
type State struct {
	Server  session.PeerID     `json:"server"`
	Peers   []session.PeerID   `json:"peers"`
	Objects []session.ObjectID `json:"objects"`
	Scene   string             `json:"scene"`
}

// Network is a simulated session. It is safe for concurrent use.
type Network struct {
	opts  Options
	clock func() time.Time

	mu       sync.Mutex
	joinAt   map[session.PeerID]time.Time
	objects  map[session.ObjectID]*object
	spawns   map[session.SpawnHandle]*spawn
	dropNext map[session.PeerID]int
	nextID   session.ObjectID
	scene    string
	rand     *rand.Rand
}

var _ session.Session = (*Network)(nil)

// New creates a network with no connected clients.
func New(opts Options) *Network {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Network{
		opts:     opts,
		clock:    clock,
		joinAt:   make(map[session.PeerID]time.Time),
		objects:  make(map[session.ObjectID]*object),
		spawns:   make(map[session.SpawnHandle]*spawn),
		dropNext: make(map[session.PeerID]int),
		nextID:   1,
		rand:     rand.New(rand.NewSource(opts.Seed)),
	}
}

// Connect connects client peers immediately.
func (n *Network) Connect(peers ...session.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock()
	for _, p := range peers {
		n.joinAt[p] = now
	}
}

// JoinAfter connects peer once d has passed.
func (n *Network) JoinAfter(peer session.PeerID, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.joinAt[peer] = n.clock().Add(d)
}

// Disconnect removes a client peer. Its beacons stay alive.
func (n *Network) Disconnect(peer session.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.joinAt, peer)
}

// DropNext loses the next count spawn commands sent to peer.
func (n *Network) DropNext(peer session.PeerID, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropNext[peer] += count
}

// Despawn removes a beacon as if its owner destroyed it.
func (n *Network) Despawn(id session.ObjectID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.objects[id]
	delete(n.objects, id)
	return ok
}

// State returns a snapshot of connected peers and live beacons.
func (n *Network) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock()

	st := State{Server: n.opts.Server, Scene: n.scene, Peers: n.connected(now)}
	for id, o := range n.objects {
		if n.alive(o, now) {
			st.Objects = append(st.Objects, id)
		}
	}
	sort.Slice(st.Objects, func(i, j int) bool { return st.Objects[i] < st.Objects[j] })
	return st
}

// ServerPeer returns the configured server peer id.
func (n *Network) ServerPeer() session.PeerID { return n.opts.Server }

// ConnectedPeers lists client peers whose join time has passed, in ascending
// order.
func (n *Network) ConnectedPeers(ctx context.Context) ([]session.PeerID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected(n.clock()), nil
}

func (n *Network) connected(now time.Time) []session.PeerID {
	peers := make([]session.PeerID, 0, len(n.joinAt))
	for p, at := range n.joinAt {
		if !now.Before(at) {
			peers = append(peers, p)
		}
	}
	session.SortPeers(peers)
	return peers
}

// RequestSpawn commands peer to spawn count beacons. The server is always
// connected; a client must have joined. Each command gets its own handle,
// even when it is lost.
func (n *Network) RequestSpawn(ctx context.Context, peer session.PeerID, count int) ([]session.SpawnHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock()

	if peer != n.opts.Server {
		at, ok := n.joinAt[peer]
		if !ok || now.Before(at) {
			return nil, session.ErrPeerNotConnected
		}
	}

	handles := make([]session.SpawnHandle, 0, count)
	for i := 0; i < count; i++ {
		handle := session.SpawnHandle(uuid.NewString())
		sp := &spawn{peer: peer}
		if n.lose(peer) {
			sp.dropped = true
		} else {
			sp.id = n.nextID
			n.nextID++
			born := now.Add(n.opts.AssignLatency)
			o := &object{owner: peer, born: born}
			if n.opts.Lifetime > 0 {
				o.expires = born.Add(n.opts.Lifetime)
			}
			n.objects[sp.id] = o
		}
		n.spawns[handle] = sp
		handles = append(handles, handle)
	}
	return handles, nil
}

// lose decides whether a spawn command to peer is dropped.
func (n *Network) lose(peer session.PeerID) bool {
	if n.dropNext[peer] > 0 {
		n.dropNext[peer]--
		return true
	}
	if peer == n.opts.Server || n.opts.DropRate <= 0 {
		return false
	}
	return n.rand.Float64() < n.opts.DropRate
}

// ObjectIDAssigned reports the id a spawn command produced once the
// assignment latency has passed. Lost commands never report one.
func (n *Network) ObjectIDAssigned(ctx context.Context, handle session.SpawnHandle) (session.ObjectID, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sp, ok := n.spawns[handle]
	if !ok {
		return 0, false, session.ErrUnknownHandle
	}
	if sp.dropped {
		return 0, false, nil
	}
	o, ok := n.objects[sp.id]
	if ok && n.clock().Before(o.born) {
		return 0, false, nil
	}
	// A beacon cleared by a scene change still had its id assigned.
	return sp.id, true, nil
}

// ObjectExists reports whether beacon id is currently alive.
func (n *Network) ObjectExists(ctx context.Context, id session.ObjectID) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	o, ok := n.objects[id]
	return ok && n.alive(o, n.clock()), nil
}

// CountObjects counts live beacons and forgets those whose lifetime ended.
func (n *Network) CountObjects(ctx context.Context) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock()
	count := 0
	for id, o := range n.objects {
		switch {
		case n.alive(o, now):
			count++
		case !o.expires.IsZero() && !now.Before(o.expires):
			delete(n.objects, id)
		}
	}
	return count, nil
}

// ChangeScene switches to scene name and clears every beacon.
func (n *Network) ChangeScene(ctx context.Context, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scene = name
	n.objects = make(map[session.ObjectID]*object)
	return nil
}

func (n *Network) alive(o *object, now time.Time) bool {
	if now.Before(o.born) {
		return false
	}
	return o.expires.IsZero() || now.Before(o.expires)
}
