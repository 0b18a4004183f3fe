package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeID identifies one running transport instance. The zero value is
// Broadcast and addresses every node.
type NodeID [16]byte

// Broadcast is the reserved all-zero NodeID meaning "publish to everyone".
var Broadcast NodeID

// NewNodeID returns a random NodeID. It never returns Broadcast.
func NewNodeID() NodeID {
	for {
		id := NodeID(uuid.New())
		if !id.IsBroadcast() {
			return id
		}
	}
}

// ParseNodeID parses the canonical UUID text form.
func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Broadcast, fmt.Errorf("parse node id %q: %w", s, err)
	}
	return NodeID(u), nil
}

func (id NodeID) IsBroadcast() bool { return id == Broadcast }

func (id NodeID) String() string { return uuid.UUID(id).String() }

// Short is the first eight hex digits, handy in log lines.
func (id NodeID) Short() string { return id.String()[:8] }

func (id NodeID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *NodeID) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
