package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ProtocolVersion is written into every datagram. Datagrams carrying
	// any other value are rejected.
	ProtocolVersion byte = 1

	// MarkerAnnounce tags the second byte of an announcement datagram.
	MarkerAnnounce byte = 0xA5

	// SegmentHeaderSize is the fixed part of a segment datagram.
	SegmentHeaderSize = 1 + 16 + 8 + 4 + 4 + 4

	// AnnouncementSize is the exact length of an announcement datagram.
	AnnouncementSize = 1 + 1 + 16
)

var (
	ErrTruncated = errors.New("wire: datagram truncated")
	ErrVersion   = errors.New("wire: unsupported protocol version")
	ErrMalformed = errors.New("wire: malformed datagram")
)

// Kind tells a decoded datagram apart.
type Kind uint8

const (
	KindSegment Kind = iota + 1
	KindAnnouncement
)

func (k Kind) String() string {
	switch k {
	case KindSegment:
		return "segment"
	case KindAnnouncement:
		return "announcement"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Segment is one UDP-sized fragment of a serialized message.
type Segment struct {
	Sender    NodeID
	MessageID uint64
	Index     uint32 // 0-based, always < Count
	Count     uint32 // total segments of the message, >= 1
	Payload   []byte
}

// Size is the encoded length of the segment.
func (s *Segment) Size() int { return SegmentHeaderSize + len(s.Payload) }

// AppendBinary appends the encoded segment to b.
func (s *Segment) AppendBinary(b []byte) []byte {
	b = append(b, ProtocolVersion)
	b = append(b, s.Sender[:]...)
	b = binary.BigEndian.AppendUint64(b, s.MessageID)
	b = binary.BigEndian.AppendUint32(b, s.Index)
	b = binary.BigEndian.AppendUint32(b, s.Count)
	b = binary.BigEndian.AppendUint32(b, uint32(len(s.Payload)))
	return append(b, s.Payload...)
}

// MarshalBinary encodes the segment into a fresh buffer.
func (s *Segment) MarshalBinary() ([]byte, error) {
	return s.AppendBinary(make([]byte, 0, s.Size())), nil
}

// Announcement is the periodic discovery heartbeat.
type Announcement struct {
	Sender NodeID
}

func (a *Announcement) AppendBinary(b []byte) []byte {
	b = append(b, ProtocolVersion, MarkerAnnounce)
	return append(b, a.Sender[:]...)
}

func (a *Announcement) MarshalBinary() ([]byte, error) {
	return a.AppendBinary(make([]byte, 0, AnnouncementSize)), nil
}

// Datagram is the result of Decode; exactly one of Segment or Announcement
// is set according to Kind.
type Datagram struct {
	Kind         Kind
	Segment      Segment
	Announcement Announcement
}

// Sender returns the originating node regardless of kind.
func (d *Datagram) Sender() NodeID {
	if d.Kind == KindAnnouncement {
		return d.Announcement.Sender
	}
	return d.Segment.Sender
}

// Decode parses one datagram. The returned segment payload aliases data.
//
// A datagram of exactly AnnouncementSize bytes is an announcement; anything
// at least SegmentHeaderSize long is a segment. Both sizes are fixed so the
// two can be told apart without a type byte in the segment header.
func Decode(data []byte) (Datagram, error) {
	var d Datagram
	if len(data) == 0 {
		return d, ErrTruncated
	}
	if data[0] != ProtocolVersion {
		return d, fmt.Errorf("%w: got %d, want %d", ErrVersion, data[0], ProtocolVersion)
	}

	switch {
	case len(data) == AnnouncementSize:
		if data[1] != MarkerAnnounce {
			return d, fmt.Errorf("%w: unknown marker 0x%02x", ErrMalformed, data[1])
		}
		d.Kind = KindAnnouncement
		copy(d.Announcement.Sender[:], data[2:18])
		return d, nil

	case len(data) < SegmentHeaderSize:
		return d, fmt.Errorf("%w: %d bytes, segment header needs %d", ErrTruncated, len(data), SegmentHeaderSize)
	}

	s := &d.Segment
	copy(s.Sender[:], data[1:17])
	s.MessageID = binary.BigEndian.Uint64(data[17:25])
	s.Index = binary.BigEndian.Uint32(data[25:29])
	s.Count = binary.BigEndian.Uint32(data[29:33])
	n := binary.BigEndian.Uint32(data[33:37])

	rest := data[SegmentHeaderSize:]
	switch {
	case uint64(n) > uint64(len(rest)):
		return d, fmt.Errorf("%w: payload length %d, %d bytes left", ErrTruncated, n, len(rest))
	case uint64(n) < uint64(len(rest)):
		return d, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest)-int(n))
	case s.Count == 0:
		return d, fmt.Errorf("%w: zero segment count", ErrMalformed)
	case s.Index >= s.Count:
		return d, fmt.Errorf("%w: index %d >= count %d", ErrMalformed, s.Index, s.Count)
	}

	s.Payload = rest
	d.Kind = KindSegment
	return d, nil
}
