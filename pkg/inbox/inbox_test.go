package inbox

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestInbox(capacity int, ttl time.Duration) (*Inbox, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(capacity, ttl)
	b.now = c.now
	return b, c
}

func TestAddGetDelete(t *testing.T) {
	b, _ := newTestInbox(1<<20, 0)
	sender := wire.NewNodeID()

	type row struct {
		seq uint64
		v   []byte
	}
	var rows []row
	for _, v := range []string{"alpha", "beta", "gamma"} {
		rows = append(rows, row{b.Add(sender, []byte(v)), []byte(v)})
	}

	if got := b.Len(); got != len(rows) {
		t.Fatalf("Len = %d, want %d", got, len(rows))
	}
	for _, r := range rows {
		e, ok := b.Get(r.seq)
		if !ok {
			t.Fatalf("Get(%d) !ok", r.seq)
		}
		if !bytes.Equal(e.Payload, r.v) || e.Sender != sender {
			t.Fatalf("Get(%d) = %q from %s, want %q from %s", r.seq, e.Payload, e.Sender, r.v, sender)
		}
	}

	if ok := b.Delete(rows[1].seq); !ok {
		t.Fatalf("Delete(%d) = false, want true", rows[1].seq)
	}
	if _, ok := b.Get(rows[1].seq); ok {
		t.Fatalf("Get(%d) ok after delete", rows[1].seq)
	}
	if ok := b.Delete(rows[1].seq); ok {
		t.Fatalf("second Delete = true, want false")
	}
}

func TestAddCopiesPayload(t *testing.T) {
	b, _ := newTestInbox(1<<20, 0)
	buf := []byte("original")
	seq := b.Add(wire.NewNodeID(), buf)
	copy(buf, "XXXXXXXX")

	e, _ := b.Get(seq)
	if string(e.Payload) != "original" {
		t.Fatalf("stored payload = %q, want original", e.Payload)
	}
	e.Payload[0] = 'Z'
	again, _ := b.Get(seq)
	if string(again.Payload) != "original" {
		t.Fatalf("Get returned shared memory: %q", again.Payload)
	}
}

func TestTTLExpiry(t *testing.T) {
	b, c := newTestInbox(1<<20, 50*time.Millisecond)
	seq := b.Add(wire.NewNodeID(), []byte("v"))

	c.t = c.t.Add(50 * time.Millisecond)
	if _, ok := b.Get(seq); !ok {
		t.Fatalf("expired exactly at ttl, want still present")
	}
	c.t = c.t.Add(time.Millisecond)
	if _, ok := b.Get(seq); ok {
		t.Fatalf("expected entry to expire")
	}
	if b.Len() != 0 || b.Bytes() != 0 {
		t.Fatalf("Len/Bytes = %d/%d after expiry, want 0/0", b.Len(), b.Bytes())
	}
}

func TestEvictionByCapacity_LRU(t *testing.T) {
	b, _ := newTestInbox(100, 0)
	s := wire.NewNodeID()

	a := b.Add(s, bytes.Repeat([]byte("a"), 40))
	bb := b.Add(s, bytes.Repeat([]byte("b"), 40))
	if _, ok := b.Get(a); !ok { // touch a so b is the LRU victim
		t.Fatalf("precondition: a missing")
	}
	c := b.Add(s, bytes.Repeat([]byte("c"), 40))

	if _, ok := b.Get(a); !ok {
		t.Fatalf("expected a to remain")
	}
	if _, ok := b.Get(c); !ok {
		t.Fatalf("expected c present")
	}
	if _, ok := b.Get(bb); ok {
		t.Fatalf("expected b to be evicted")
	}
	if b.Bytes() != 80 {
		t.Fatalf("Bytes = %d, want 80", b.Bytes())
	}
}

func TestOversizedPayloadRejected(t *testing.T) {
	b, _ := newTestInbox(10, 0)
	keep := b.Add(wire.NewNodeID(), []byte("small"))

	if seq := b.Add(wire.NewNodeID(), make([]byte, 11)); seq != 0 {
		t.Fatalf("Add(oversized) = %d, want 0", seq)
	}
	if _, ok := b.Get(keep); !ok {
		t.Fatalf("oversized add evicted existing entries")
	}
}

func TestRecentNewestFirst(t *testing.T) {
	b, c := newTestInbox(1<<20, time.Second)
	s := wire.NewNodeID()

	first := b.Add(s, []byte("1"))
	c.t = c.t.Add(600 * time.Millisecond)
	for i := 2; i <= 5; i++ {
		b.Add(s, []byte(fmt.Sprint(i)))
	}
	b.Get(first) // recency must not affect order

	got := b.Recent(3)
	if len(got) != 3 {
		t.Fatalf("Recent(3) len = %d, want 3", len(got))
	}
	for i, want := range []string{"5", "4", "3"} {
		if string(got[i].Payload) != want {
			t.Fatalf("Recent[%d] = %q, want %q", i, got[i].Payload, want)
		}
	}

	c.t = c.t.Add(500 * time.Millisecond) // first is past its ttl now
	all := b.Recent(-1)
	if len(all) != 4 {
		t.Fatalf("Recent(-1) len = %d, want 4", len(all))
	}
	if b.Len() != 4 {
		t.Fatalf("Len = %d after Recent dropped expired, want 4", b.Len())
	}
}

func TestConcurrentAdd(t *testing.T) {
	b := New(1<<20, 0)
	s := wire.NewNodeID()

	const G, N = 16, 500
	var wg sync.WaitGroup
	for g := range G {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range N {
				seq := b.Add(s, fmt.Appendf(nil, "%d-%d", g, i))
				if i%5 == 0 {
					b.Delete(seq)
				}
				b.Recent(10)
			}
		}(g)
	}
	wg.Wait()

	if got, want := b.Len(), G*(N-N/5); got != want {
		t.Fatalf("Len = %d, want %d", got, want)
	}
}
