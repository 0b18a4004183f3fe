// Package transport moves serialized messages between zephyrbus nodes over
// plain UDP.
//
// A Transport binds a unicast socket (and optionally joins a multicast
// group), runs one receive loop per socket and a single Processor
// goroutine that owns all protocol state: the node directory, the
// reassembler and the send path. Messages larger than one datagram are
// segmented on the way out and reassembled on the way in; peers find each
// other through periodic announcements on the multicast group.
//
// Typical usage:
//
//	t := transport.New[[]byte](transport.DefaultConfig(), transport.BytesCodec{},
//		transport.WithLogger(logger))
//	t.OnMessageReassembled(func(msg []byte, from wire.NodeID) { ... })
//	if err := t.Start(); err != nil {
//		return err
//	}
//	defer t.Stop()
//	t.Send([]byte("hello"), nil) // publish to every node
//
// Delivery is best effort: a message arrives whole or not at all, with no
// ordering between messages and no retransmission.
package transport
