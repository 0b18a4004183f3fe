package node

import (
	"net"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/inbox"
	"github.com/ryandielhenn/zephyrbus/pkg/membership"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

// Bus is the part of a transport the admin API drives.
type Bus interface {
	ID() wire.NodeID
	LocalAddr() *net.UDPAddr
	Nodes() []membership.Node
	Send(msg []byte, recipients []wire.NodeID) bool
}

const DefaultMaxBody = 1 << 20

type Node struct {
	bus     Bus
	inbox   *inbox.Inbox
	addr    string
	log     *zap.Logger
	maxBody int64
}

// NewNode serves the admin API for bus. addr is the advertised endpoint
// shown by /info.
func NewNode(bus Bus, box *inbox.Inbox, addr string, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		bus:     bus,
		inbox:   box,
		addr:    addr,
		log:     log,
		maxBody: DefaultMaxBody,
	}
}

// SetMaxBody caps the payload accepted by /send.
func (n *Node) SetMaxBody(limit int64) {
	if limit > 0 {
		n.maxBody = limit
	}
}

func (n *Node) Addr() string {
	return n.addr
}
