// Package inbox keeps the most recently received messages so operators
// can see what arrived.
package inbox

import (
	"cmp"
	"container/list"
	"slices"
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

// Entry is one received message.
type Entry struct {
	Seq      uint64      `json:"seq"`
	Sender   wire.NodeID `json:"sender"`
	Payload  []byte      `json:"payload"`
	Received time.Time   `json:"received"`
	expireAt time.Time
}

// Inbox is an in-memory message log with TTL and LRU eviction by bytes
// capacity. Reading an entry makes it most recent.
type Inbox struct {
	mu   sync.Mutex
	data map[uint64]*list.Element
	ll   *list.List
	used int
	cap  int
	ttl  time.Duration
	seq  uint64
	now  func() time.Time
}

// New creates an inbox holding at most capacityBytes of payload. ttl <= 0
// keeps entries until they are evicted for space.
func New(capacityBytes int, ttl time.Duration) *Inbox {
	return &Inbox{
		data: make(map[uint64]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
		ttl:  ttl,
		now:  time.Now,
	}
}

// Add stores a copy of payload and returns its sequence number. A payload
// larger than the whole capacity is not stored and gets 0.
func (b *Inbox) Add(sender wire.NodeID, payload []byte) uint64 {
	if len(payload) > b.cap {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.seq++
	e := &Entry{
		Seq:      b.seq,
		Sender:   sender,
		Payload:  append([]byte(nil), payload...),
		Received: now,
	}
	if b.ttl > 0 {
		e.expireAt = now.Add(b.ttl)
	}
	b.data[e.Seq] = b.ll.PushFront(e)
	b.used += len(e.Payload)
	b.evictIfNeeded()
	return e.Seq
}

func (b *Inbox) Get(seq uint64) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.data[seq]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(*Entry)
	if b.expired(e, b.now()) {
		b.removeElement(el)
		return Entry{}, false
	}
	b.ll.MoveToFront(el)
	return e.clone(), true
}

func (b *Inbox) Delete(seq uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.data[seq]
	if ok {
		b.removeElement(el)
	}
	return ok
}

// Recent returns up to limit live entries, newest sequence first; a
// negative limit returns all. Expired entries are dropped on the way and
// recency is unchanged.
func (b *Inbox) Recent(limit int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]Entry, 0, len(b.data))
	for el := b.ll.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry)
		if b.expired(e, now) {
			b.removeElement(el)
		} else {
			out = append(out, e.clone())
		}
		el = next
	}
	slices.SortFunc(out, func(x, y Entry) int { return cmp.Compare(y.Seq, x.Seq) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Bytes is the payload total currently held.
func (b *Inbox) Bytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

func (b *Inbox) expired(e *Entry, now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

func (b *Inbox) evictIfNeeded() {
	for b.used > b.cap && b.ll.Back() != nil {
		b.removeElement(b.ll.Back())
	}
}

func (b *Inbox) removeElement(el *list.Element) {
	e := el.Value.(*Entry)
	delete(b.data, e.Seq)
	b.used -= len(e.Payload)
	b.ll.Remove(el)
}

func (e *Entry) clone() Entry {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	return cp
}
