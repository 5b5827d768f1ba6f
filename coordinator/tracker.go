package coordinator

import (
	"sort"

	"netscript/session"
)

// Tracker is the ledger of objects a run believes should exist, plus the
// per-peer record of commanded and confirmed spawns.
type Tracker struct {
	tracked  []session.ObjectID
	isLive   map[session.ObjectID]bool
	expected map[session.PeerID]int
	actual   map[session.PeerID][]session.ObjectID
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		isLive:   make(map[session.ObjectID]bool),
		expected: make(map[session.PeerID]int),
		actual:   make(map[session.PeerID][]session.ObjectID),
	}
}

// Expect notes that peer was commanded to spawn n more objects.
func (t *Tracker) Expect(peer session.PeerID, n int) {
	t.expected[peer] += n
}

// Track records a confirmed spawn. It returns false if id is already
// tracked, in which case nothing changes.
func (t *Tracker) Track(peer session.PeerID, id session.ObjectID) bool {
	if t.isLive[id] {
		return false
	}
	t.isLive[id] = true
	t.tracked = append(t.tracked, id)
	t.actual[peer] = append(t.actual[peer], id)
	return true
}

// ExpectedFor returns how many spawns peer was commanded to perform.
func (t *Tracker) ExpectedFor(peer session.PeerID) int {
	return t.expected[peer]
}

// ActualFor returns the confirmed spawns of peer in confirmation order.
func (t *Tracker) ActualFor(peer session.PeerID) []session.ObjectID {
	return append([]session.ObjectID(nil), t.actual[peer]...)
}

// Tracked returns the ids currently believed to exist.
func (t *Tracker) Tracked() []session.ObjectID {
	return append([]session.ObjectID(nil), t.tracked...)
}

// ClearAll forgets every tracked id and returns what was tracked. The
// per-peer ledgers are kept for the rest of the run.
func (t *Tracker) ClearAll() []session.ObjectID {
	snapshot := t.tracked
	t.tracked = nil
	t.isLive = make(map[session.ObjectID]bool)
	return snapshot
}

// Deliveries returns the per-peer ledger ordered by peer.
func (t *Tracker) Deliveries() []Delivery {
	peers := make(map[session.PeerID]struct{})
	for p := range t.expected {
		peers[p] = struct{}{}
	}
	for p := range t.actual {
		peers[p] = struct{}{}
	}

	out := make([]Delivery, 0, len(peers))
	for p := range peers {
		out = append(out, Delivery{Peer: p, Expected: t.expected[p], Actual: t.ActualFor(p)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}
