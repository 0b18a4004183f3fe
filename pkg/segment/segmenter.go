// Package segment splits serialized messages into wire segments and puts
// them back together on the receiving side.
package segment

import (
	"iter"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

// DefaultMaxPayload keeps a full segment datagram comfortably below a
// 1500 byte MTU so the IP layer never fragments it.
const DefaultMaxPayload = 1024

// Segmenter cuts payloads into chunks of at most MaxPayload bytes. A
// non-positive MaxPayload means DefaultMaxPayload.
type Segmenter struct {
	MaxPayload int
}

func NewSegmenter(maxPayload int) Segmenter {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return Segmenter{MaxPayload: maxPayload}
}

// Count is the number of segments a payload of n bytes produces. An empty
// payload still needs one segment.
func (s Segmenter) Count(n int) uint32 {
	if n == 0 {
		return 1
	}
	size := s.size()
	return uint32((n + size - 1) / size)
}

func (s Segmenter) size() int {
	if s.MaxPayload <= 0 {
		return DefaultMaxPayload
	}
	return s.MaxPayload
}

// Split yields the segments of payload in index order. Each call starts a
// new iteration; the segments alias payload.
func (s Segmenter) Split(sender wire.NodeID, messageID uint64, payload []byte) iter.Seq[wire.Segment] {
	count := s.Count(len(payload))
	size := s.size()
	return func(yield func(wire.Segment) bool) {
		for i := uint32(0); i < count; i++ {
			lo := int(i) * size
			hi := min(lo+size, len(payload))
			seg := wire.Segment{
				Sender:    sender,
				MessageID: messageID,
				Index:     i,
				Count:     count,
				Payload:   payload[lo:hi],
			}
			if !yield(seg) {
				return
			}
		}
	}
}
