package segment

import (
	"container/list"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

const (
	DefaultTimeout          = 10 * time.Second
	DefaultMaxPendingBytes  = 64 << 20
	DefaultCompletedHistory = 4096
)

// ErrPoisoned marks a segment that contradicts itself or the buffer it
// belongs to. Such segments are dropped and never touch the buffer.
var ErrPoisoned = errors.New("segment: poisoned segment")

// EvictReason says why an incomplete message was thrown away.
type EvictReason string

const (
	EvictStale    EvictReason = "stale"
	EvictCapacity EvictReason = "capacity"
)

// Message is a fully reassembled payload.
type Message struct {
	Sender  wire.NodeID
	ID      uint64
	Payload []byte
}

type Config struct {
	// Timeout bounds how long an incomplete message may wait for its
	// missing segments, counted from its first segment.
	Timeout time.Duration
	// MaxPendingBytes caps the bytes held by incomplete messages. The
	// oldest message is evicted first.
	MaxPendingBytes int
	// CompletedHistory is how many finished messages are remembered so
	// late duplicates do not start a new buffer.
	CompletedHistory int
	// OnEvict, if set, is called for every incomplete message dropped.
	OnEvict func(sender wire.NodeID, id uint64, reason EvictReason)
}

type key struct {
	sender wire.NodeID
	id     uint64
}

type buffer struct {
	key       key
	count     uint32
	chunks    map[uint32][]byte
	size      int
	firstSeen time.Time
}

// Reassembler collects segments per (sender, message id). It is not safe
// for concurrent use; a single goroutine owns it.
type Reassembler struct {
	cfg       Config
	buffers   map[key]*list.Element
	ll        *list.List // front is the most recently opened buffer
	used      int
	completed *lru.Cache[key, struct{}]
}

func NewReassembler(cfg Config) *Reassembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxPendingBytes <= 0 {
		cfg.MaxPendingBytes = DefaultMaxPendingBytes
	}
	if cfg.CompletedHistory <= 0 {
		cfg.CompletedHistory = DefaultCompletedHistory
	}
	completed, _ := lru.New[key, struct{}](cfg.CompletedHistory)
	return &Reassembler{
		cfg:       cfg,
		buffers:   make(map[key]*list.Element),
		ll:        list.New(),
		completed: completed,
	}
}

// Ingest adds one segment. It returns the message and true once the last
// missing segment arrives. Duplicates are ignored, including late copies
// of a message that already completed.
func (r *Reassembler) Ingest(seg wire.Segment, now time.Time) (Message, bool, error) {
	if seg.Count == 0 || seg.Index >= seg.Count {
		return Message{}, false, fmt.Errorf("%w: index %d of %d from %s", ErrPoisoned, seg.Index, seg.Count, seg.Sender.Short())
	}

	k := key{sender: seg.Sender, id: seg.MessageID}
	if r.completed.Contains(k) {
		return Message{}, false, nil
	}

	el, ok := r.buffers[k]
	if !ok {
		if seg.Count == 1 {
			r.completed.Add(k, struct{}{})
			return Message{Sender: seg.Sender, ID: seg.MessageID, Payload: append([]byte(nil), seg.Payload...)}, true, nil
		}
		el = r.ll.PushFront(&buffer{
			key:       k,
			count:     seg.Count,
			chunks:    make(map[uint32][]byte),
			firstSeen: now,
		})
		r.buffers[k] = el
	}

	b := el.Value.(*buffer)
	if b.count != seg.Count {
		return Message{}, false, fmt.Errorf("%w: message %d from %s has %d segments, got %d",
			ErrPoisoned, seg.MessageID, seg.Sender.Short(), b.count, seg.Count)
	}
	if _, dup := b.chunks[seg.Index]; dup {
		return Message{}, false, nil
	}

	b.chunks[seg.Index] = append([]byte(nil), seg.Payload...)
	b.size += len(seg.Payload)
	r.used += len(seg.Payload)

	if len(b.chunks) == int(b.count) {
		payload := make([]byte, 0, b.size)
		for i := uint32(0); i < b.count; i++ {
			payload = append(payload, b.chunks[i]...)
		}
		r.removeElement(el)
		r.completed.Add(k, struct{}{})
		return Message{Sender: seg.Sender, ID: seg.MessageID, Payload: payload}, true, nil
	}

	r.evictIfNeeded()
	return Message{}, false, nil
}

// SweepStale drops every incomplete message whose first segment arrived
// more than Timeout before now. It returns the number dropped.
func (r *Reassembler) SweepStale(now time.Time) int {
	n := 0
	for el := r.ll.Back(); el != nil; el = r.ll.Back() {
		b := el.Value.(*buffer)
		if now.Sub(b.firstSeen) <= r.cfg.Timeout {
			break
		}
		r.drop(el, EvictStale)
		n++
	}
	return n
}

// Len is the number of incomplete messages.
func (r *Reassembler) Len() int { return len(r.buffers) }

// PendingBytes is the payload held by incomplete messages.
func (r *Reassembler) PendingBytes() int { return r.used }

func (r *Reassembler) evictIfNeeded() {
	for r.used > r.cfg.MaxPendingBytes && r.ll.Back() != nil {
		r.drop(r.ll.Back(), EvictCapacity)
	}
}

func (r *Reassembler) drop(el *list.Element, reason EvictReason) {
	b := el.Value.(*buffer)
	r.removeElement(el)
	if r.cfg.OnEvict != nil {
		r.cfg.OnEvict(b.key.sender, b.key.id, reason)
	}
}

func (r *Reassembler) removeElement(el *list.Element) {
	b := el.Value.(*buffer)
	delete(r.buffers, b.key)
	r.used -= b.size
	r.ll.Remove(el)
}
