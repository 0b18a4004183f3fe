package membership

import (
	"bytes"
	"net"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

const (
	DefaultLivenessTimeout = 10 * time.Second
	DefaultLostHistory     = 256
)

// Directory is the live-peer view.
type Directory struct {
	self    wire.NodeID
	timeout time.Duration
	nodes   map[wire.NodeID]*Node
	lost    *lru.Cache[wire.NodeID, Node]
}

// NewDirectory creates a directory that never lists self. A non-positive
// timeout selects DefaultLivenessTimeout.
func NewDirectory(self wire.NodeID, timeout time.Duration) *Directory {
	if timeout <= 0 {
		timeout = DefaultLivenessTimeout
	}
	lost, _ := lru.New[wire.NodeID, Node](DefaultLostHistory)
	return &Directory{
		self:    self,
		timeout: timeout,
		nodes:   make(map[wire.NodeID]*Node),
		lost:    lost,
	}
}

func (d *Directory) LivenessTimeout() time.Duration { return d.timeout }

// Touch records traffic from id at endpoint. It returns true when id was
// not known, which is the only time a discovery should be announced.
// Broadcast and self are ignored.
func (d *Directory) Touch(id wire.NodeID, endpoint *net.UDPAddr, now time.Time) bool {
	if id.IsBroadcast() || id == d.self {
		return false
	}
	if n, ok := d.nodes[id]; ok {
		if now.After(n.LastSeen) {
			n.LastSeen = now
		}
		if endpoint != nil && !sameEndpoint(n.Endpoint, endpoint) {
			n.Endpoint = cloneAddr(endpoint)
		}
		return false
	}
	d.nodes[id] = &Node{
		ID:       id,
		Endpoint: cloneAddr(endpoint),
		LastSeen: now,
		State:    StateDiscovered,
	}
	return true
}

// SweepExpired removes and returns every node silent for longer than the
// liveness timeout. A node is returned at most once per loss.
func (d *Directory) SweepExpired(now time.Time) []Node {
	var lost []Node
	for id, n := range d.nodes {
		if n.Alive(now, d.timeout) {
			continue
		}
		delete(d.nodes, id)
		gone := *n
		gone.State = StateLost
		d.lost.Add(id, gone)
		lost = append(lost, gone)
	}
	slices.SortFunc(lost, compareNodes)
	return lost
}

// Lookup returns the live node with the given id.
func (d *Directory) Lookup(id wire.NodeID) (Node, bool) {
	n, ok := d.nodes[id]
	if !ok {
		return Node{}, false
	}
	cp := *n
	cp.Endpoint = cloneAddr(n.Endpoint)
	return cp, true
}

// Endpoint is Lookup without the copy, for the send path.
func (d *Directory) Endpoint(id wire.NodeID) (*net.UDPAddr, bool) {
	n, ok := d.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Endpoint, true
}

// LastLost returns how a node looked when it was last reported lost, if
// that is still remembered.
func (d *Directory) LastLost(id wire.NodeID) (Node, bool) {
	return d.lost.Peek(id)
}

// Snapshot copies the live nodes, ordered by id.
func (d *Directory) Snapshot() []Node {
	out := make([]Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		cp := *n
		cp.Endpoint = cloneAddr(n.Endpoint)
		out = append(out, cp)
	}
	slices.SortFunc(out, compareNodes)
	return out
}

func (d *Directory) Len() int { return len(d.nodes) }

func compareNodes(a, b Node) int { return bytes.Compare(a.ID[:], b.ID[:]) }
