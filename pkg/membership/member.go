package membership

import (
	"net"
	"time"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

type State uint8

const (
	StateDiscovered State = iota + 1
	StateLost
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Node is a peer as last observed.
type Node struct {
	ID       wire.NodeID  `json:"id"`
	Endpoint *net.UDPAddr `json:"endpoint"`
	LastSeen time.Time    `json:"last_seen"`
	State    State        `json:"state"`
}

// Alive reports whether the node is still within timeout of now.
func (n Node) Alive(now time.Time, timeout time.Duration) bool {
	return now.Sub(n.LastSeen) <= timeout
}

func sameEndpoint(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP) && a.Zone == b.Zone
}

func cloneAddr(a *net.UDPAddr) *net.UDPAddr {
	if a == nil {
		return nil
	}
	return &net.UDPAddr{IP: append(net.IP(nil), a.IP...), Port: a.Port, Zone: a.Zone}
}
