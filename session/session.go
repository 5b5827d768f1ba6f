// Package session defines the boundary between the test orchestrator and the
// networked game session it drives. The orchestrator never owns network
// state; it only asks for spawns, scene changes and point-in-time queries.
package session

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PeerID identifies a participant (server or client) by its authority id.
type PeerID uint16

// ObjectID is the network identifier assigned to a spawned object.
type ObjectID uint32

// SpawnHandle refers to a spawn request whose object id may still be pending.
type SpawnHandle string

// Session is the network service consumed by the executor.
type Session interface {
	// ServerPeer returns the authority id of the server peer.
	ServerPeer() PeerID

	// ConnectedPeers returns the client peers currently connected.
	// The server peer is never included.
	ConnectedPeers(ctx context.Context) ([]PeerID, error)

	// RequestSpawn asks peer to spawn count beacons and returns one handle
	// per requested spawn.
	RequestSpawn(ctx context.Context, peer PeerID, count int) ([]SpawnHandle, error)

	// ObjectIDAssigned reports the object id of a spawn once the network
	// layer has assigned one.
	ObjectIDAssigned(ctx context.Context, handle SpawnHandle) (ObjectID, bool, error)

	// ObjectExists reports whether an object with id is currently alive.
	ObjectExists(ctx context.Context, id ObjectID) (bool, error)

	// CountObjects returns how many beacons are currently alive.
	CountObjects(ctx context.Context) (int, error)

	// ChangeScene starts loading the named scene on every peer.
	ChangeScene(ctx context.Context, name string) error
}

// ErrUnknownHandle is returned for spawn handles the session never issued.
var ErrUnknownHandle = errors.New("unknown spawn handle")

// ErrPeerNotConnected is returned when a spawn is requested from a peer that
// is not part of the session.
var ErrPeerNotConnected = errors.New("peer not connected")

// SortPeers sorts peers in ascending order in place and returns them.
func SortPeers(peers []PeerID) []PeerID {
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// ParseObjectID parses a decimal object id.
func ParseObjectID(s string) (ObjectID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid object id %q", s)
	}
	return ObjectID(v), nil
}

// ParsePeerID parses a decimal peer id.
func ParsePeerID(s string) (PeerID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid peer id %q", s)
	}
	return PeerID(v), nil
}

// JoinObjectIDs renders ids as a comma separated list.
func JoinObjectIDs(ids []ObjectID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ", ")
}
