package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrbus/pkg/segment"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type write struct {
	data []byte
	to   string
	err  error
}

// recordingConn captures every WriteTo and fails the ones aimed at an
// address listed in fail.
type recordingConn struct {
	writes []write
	fail   map[string]error
}

func (c *recordingConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	w := write{data: append([]byte(nil), b...), to: addr.String(), err: c.fail[addr.String()]}
	c.writes = append(c.writes, w)
	if w.err != nil {
		return 0, w.err
	}
	return len(b), nil
}

func (c *recordingConn) to(addr *net.UDPAddr) []wire.Datagram {
	var out []wire.Datagram
	for _, w := range c.writes {
		if w.to != addr.String() || w.err != nil {
			continue
		}
		d, err := wire.Decode(w.data)
		if err != nil {
			panic(err)
		}
		out = append(out, d)
	}
	return out
}

type received struct {
	payload []byte
	sender  wire.NodeID
}

type events struct {
	messages   []received
	discovered []wire.NodeID
	lost       []wire.NodeID
}

func (e *events) handlers() Handlers {
	return Handlers{
		MessageReassembled: func(p []byte, s wire.NodeID) { e.messages = append(e.messages, received{p, s}) },
		NodeDiscovered:     func(id wire.NodeID) { e.discovered = append(e.discovered, id) },
		NodeLost:           func(id wire.NodeID) { e.lost = append(e.lost, id) },
	}
}

var testGroup = &net.UDPAddr{IP: net.IPv4(230, 0, 0, 1), Port: 6666}

func udp(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, 0, byte(port%250)), Port: port}
}

func testConfig() Config {
	return Config{MaxSegmentPayload: 1000, AnnounceInterval: time.Second}
}

func newTestProcessor(t *testing.T, cfg Config, group *net.UDPAddr) (*Processor, *recordingConn, *events) {
	t.Helper()
	conn := &recordingConn{fail: map[string]error{}}
	ev := &events{}
	p := NewProcessor(wire.NewNodeID(), conn, group, cfg, ev.handlers(), zaptest.NewLogger(t))
	return p, conn, ev
}

func announcementFrom(id wire.NodeID) []byte {
	b, _ := (&wire.Announcement{Sender: id}).MarshalBinary()
	return b
}

func segmentsFrom(id wire.NodeID, msgID uint64, payload []byte) [][]byte {
	var out [][]byte
	for seg := range segment.NewSegmenter(1000).Split(id, msgID, payload) {
		out = append(out, seg.AppendBinary(nil))
	}
	return out
}

func payloadOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13 + 1)
	}
	return b
}

// meet makes the processor hear an announcement from each peer at its
// own address.
func meet(p *Processor, now time.Time, peers map[wire.NodeID]*net.UDPAddr) {
	for id, addr := range peers {
		p.handleDatagram(datagram{data: announcementFrom(id), from: addr}, now)
	}
}

func TestProcessorFanOutReachesOnlyRecipients(t *testing.T) {
	p, conn, _ := newTestProcessor(t, testConfig(), testGroup)
	a, b, c := wire.NewNodeID(), wire.NewNodeID(), wire.NewNodeID()
	meet(p, t0, map[wire.NodeID]*net.UDPAddr{a: udp(7001), b: udp(7002), c: udp(7003)})

	require.True(t, p.EnqueueOutbound(payloadOf(2500), []wire.NodeID{a, b}))
	p.drain(t0)

	for _, addr := range []*net.UDPAddr{udp(7001), udp(7002)} {
		got := conn.to(addr)
		require.Len(t, got, 3, "segments to %s", addr)
		for i, d := range got {
			assert.Equal(t, wire.KindSegment, d.Kind)
			assert.Equal(t, p.ID(), d.Segment.Sender)
			assert.Equal(t, uint32(i), d.Segment.Index)
			assert.Equal(t, uint32(3), d.Segment.Count)
		}
	}
	assert.Empty(t, conn.to(udp(7003)))
	assert.Empty(t, conn.to(testGroup))
}

func TestProcessorPublishUsesGroup(t *testing.T) {
	p, conn, _ := newTestProcessor(t, testConfig(), testGroup)

	require.True(t, p.EnqueueOutbound(payloadOf(1500), nil))
	p.drain(t0)

	got := conn.to(testGroup)
	require.Len(t, got, 2)
	assert.Equal(t, got[0].Segment.MessageID, got[1].Segment.MessageID)
}

func TestProcessorMessageIDsIncrease(t *testing.T) {
	p, conn, _ := newTestProcessor(t, testConfig(), testGroup)

	require.True(t, p.EnqueueOutbound([]byte("one"), nil))
	require.True(t, p.EnqueueOutbound([]byte("two"), nil))
	p.drain(t0)

	got := conn.to(testGroup)
	require.Len(t, got, 2)
	assert.Less(t, got[0].Segment.MessageID, got[1].Segment.MessageID)
}

func TestProcessorMessageIDsSurviveRestart(t *testing.T) {
	first, conn, _ := newTestProcessor(t, testConfig(), testGroup)
	require.True(t, first.EnqueueOutbound([]byte("before"), nil))
	first.drain(t0)
	before := conn.to(testGroup)
	require.Len(t, before, 1)
	assert.Greater(t, before[0].Segment.MessageID, uint64(1), "ids are seeded per run")

	// Same node, new run, clock behind the previous run.
	second := NewProcessor(first.ID(), conn, testGroup, testConfig(), Handlers{}, zaptest.NewLogger(t))
	second.nextID.Store(0)
	second.ResumeMessageIDs(first.LastMessageID())
	require.True(t, second.EnqueueOutbound([]byte("after"), nil))
	second.drain(t0)

	got := conn.to(testGroup)
	require.Len(t, got, 2)
	assert.Greater(t, got[1].Segment.MessageID, got[0].Segment.MessageID)

	second.ResumeMessageIDs(1)
	assert.Equal(t, got[1].Segment.MessageID, second.LastMessageID(), "resume never moves backwards")
}

func TestProcessorBroadcastRecipientPublishes(t *testing.T) {
	p, conn, _ := newTestProcessor(t, testConfig(), testGroup)
	a := wire.NewNodeID()
	meet(p, t0, map[wire.NodeID]*net.UDPAddr{a: udp(7001)})

	require.True(t, p.EnqueueOutbound([]byte("to all"), []wire.NodeID{a, wire.Broadcast}))
	p.drain(t0)

	assert.Len(t, conn.to(testGroup), 1)
	assert.Empty(t, conn.to(udp(7001)))

	bare, bareConn, _ := newTestProcessor(t, testConfig(), nil)
	assert.False(t, bare.EnqueueOutbound([]byte("to all"), []wire.NodeID{wire.Broadcast}))
	bare.drain(t0)
	assert.Empty(t, bareConn.writes)
}

func TestIsPublish(t *testing.T) {
	a := wire.NewNodeID()
	assert.True(t, IsPublish(nil))
	assert.True(t, IsPublish([]wire.NodeID{}))
	assert.True(t, IsPublish([]wire.NodeID{a, wire.Broadcast}))
	assert.False(t, IsPublish([]wire.NodeID{a}))
}

func TestProcessorSkipsUnknownRecipient(t *testing.T) {
	p, conn, _ := newTestProcessor(t, testConfig(), testGroup)
	a := wire.NewNodeID()
	meet(p, t0, map[wire.NodeID]*net.UDPAddr{a: udp(7001)})

	require.True(t, p.EnqueueOutbound([]byte("hello"), []wire.NodeID{a, wire.NewNodeID(), a}))
	p.drain(t0)

	assert.Len(t, conn.writes, 1)
	assert.Len(t, conn.to(udp(7001)), 1)
}

func TestProcessorRejectsFanOutOverLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecipients = 2
	p, conn, _ := newTestProcessor(t, cfg, testGroup)

	ok := p.EnqueueOutbound([]byte("x"), []wire.NodeID{wire.NewNodeID(), wire.NewNodeID(), wire.NewNodeID()})
	assert.False(t, ok)
	p.drain(t0)
	assert.Empty(t, conn.writes)
}

func TestProcessorRejectsPublishWithoutGroup(t *testing.T) {
	p, conn, _ := newTestProcessor(t, testConfig(), nil)

	assert.False(t, p.CanPublish())
	assert.False(t, p.EnqueueOutbound([]byte("x"), nil))
	p.drain(t0)
	assert.Empty(t, conn.writes)
}

func TestProcessorOutboundQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 1
	p, _, _ := newTestProcessor(t, cfg, testGroup)

	assert.True(t, p.EnqueueOutbound([]byte("a"), nil))
	assert.False(t, p.EnqueueOutbound([]byte("b"), nil))
}

func TestProcessorDropsBadDatagrams(t *testing.T) {
	p, _, ev := newTestProcessor(t, testConfig(), testGroup)
	a := wire.NewNodeID()

	wrongVersion := announcementFrom(a)
	wrongVersion[0] = wire.ProtocolVersion + 1
	truncated := segmentsFrom(a, 1, payloadOf(100))[0][:20]

	for _, data := range [][]byte{wrongVersion, truncated, {}, []byte("garbage")} {
		p.handleDatagram(datagram{data: data, from: udp(7001)}, t0)
	}

	assert.Empty(t, ev.discovered)
	assert.Empty(t, ev.messages)
	assert.Equal(t, 0, p.dir.Len())
}

func TestProcessorIgnoresOwnDatagrams(t *testing.T) {
	p, _, ev := newTestProcessor(t, testConfig(), testGroup)

	p.handleDatagram(datagram{data: announcementFrom(p.ID()), from: udp(7001)}, t0)
	for _, data := range segmentsFrom(p.ID(), 1, []byte("echo")) {
		p.handleDatagram(datagram{data: data, from: udp(7001)}, t0)
	}

	assert.Empty(t, ev.discovered)
	assert.Empty(t, ev.messages)
}

func TestProcessorReassemblesOutOfOrder(t *testing.T) {
	p, _, ev := newTestProcessor(t, testConfig(), testGroup)
	a := wire.NewNodeID()
	payload := payloadOf(3000)
	segs := segmentsFrom(a, 9, payload)

	for _, i := range []int{2, 0, 1, 1} {
		p.handleDatagram(datagram{data: segs[i], from: udp(7001)}, t0)
	}

	require.Len(t, ev.messages, 1)
	assert.Equal(t, payload, ev.messages[0].payload)
	assert.Equal(t, a, ev.messages[0].sender)
	assert.Equal(t, []wire.NodeID{a}, ev.discovered)
}

func TestProcessorDiscoveryAndLossFireOnce(t *testing.T) {
	p, _, ev := newTestProcessor(t, testConfig(), testGroup)
	a := wire.NewNodeID()

	p.handleDatagram(datagram{data: announcementFrom(a), from: udp(7001)}, t0)
	p.handleDatagram(datagram{data: announcementFrom(a), from: udp(7001)}, t0.Add(time.Second))
	p.tick(t0.Add(2 * time.Second))
	assert.Equal(t, []wire.NodeID{a}, ev.discovered)
	assert.Empty(t, ev.lost)

	timeout := p.cfg.LivenessTimeout
	p.tick(t0.Add(time.Second + timeout + time.Millisecond))
	p.tick(t0.Add(time.Second + 2*timeout))
	assert.Equal(t, []wire.NodeID{a}, ev.lost)
	assert.Empty(t, p.Nodes())

	p.handleDatagram(datagram{data: announcementFrom(a), from: udp(7009)}, t0.Add(time.Minute))
	assert.Equal(t, []wire.NodeID{a, a}, ev.discovered)
}

func TestProcessorStaleMessageNeverCompletes(t *testing.T) {
	p, _, ev := newTestProcessor(t, testConfig(), testGroup)
	a := wire.NewNodeID()
	segs := segmentsFrom(a, 3, payloadOf(3000))

	p.handleDatagram(datagram{data: segs[0], from: udp(7001)}, t0)
	p.handleDatagram(datagram{data: segs[1], from: udp(7001)}, t0)
	p.tick(t0.Add(p.cfg.ReassemblyTimeout + time.Millisecond))
	p.handleDatagram(datagram{data: segs[2], from: udp(7001)}, t0.Add(p.cfg.ReassemblyTimeout+2*time.Millisecond))

	assert.Empty(t, ev.messages)
}

func TestProcessorAnnouncesToGroupAndSeeds(t *testing.T) {
	p, conn, _ := newTestProcessor(t, testConfig(), testGroup)
	seed := udp(7100)
	p.SetSeeds([]*net.UDPAddr{seed})

	p.tick(t0)
	p.tick(t0.Add(500 * time.Millisecond))
	p.tick(t0.Add(time.Second))

	for _, addr := range []*net.UDPAddr{testGroup, seed} {
		got := conn.to(addr)
		require.Len(t, got, 2, "announcements to %s", addr)
		assert.Equal(t, wire.KindAnnouncement, got[0].Kind)
		assert.Equal(t, p.ID(), got[0].Announcement.Sender)
	}
}

func TestProcessorSendErrorDoesNotStopOtherRecipients(t *testing.T) {
	p, conn, _ := newTestProcessor(t, testConfig(), testGroup)
	a, b := wire.NewNodeID(), wire.NewNodeID()
	meet(p, t0, map[wire.NodeID]*net.UDPAddr{a: udp(7001), b: udp(7002)})
	conn.fail[udp(7001).String()] = errors.New("host unreachable")

	require.True(t, p.EnqueueOutbound(payloadOf(2500), []wire.NodeID{a, b}))
	p.drain(t0)

	assert.Empty(t, conn.to(udp(7001)))
	assert.Len(t, conn.to(udp(7002)), 3)
}

func TestProcessorPublishAbortsOnError(t *testing.T) {
	p, conn, _ := newTestProcessor(t, testConfig(), testGroup)
	conn.fail[testGroup.String()] = errors.New("network down")

	require.True(t, p.EnqueueOutbound(payloadOf(2500), nil))
	p.drain(t0)

	assert.Len(t, conn.writes, 1)
}

func TestProcessorServePublishesNodes(t *testing.T) {
	p := NewProcessor(wire.NewNodeID(), discard{}, testGroup, testConfig(), Handlers{}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	a := wire.NewNodeID()
	require.True(t, p.EnqueueInboundSegment(announcementFrom(a), udp(7001)))
	require.Eventually(t, func() bool {
		nodes := p.Nodes()
		return len(nodes) == 1 && nodes[0].ID == a
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type discard struct{}

func (discard) WriteTo(b []byte, _ net.Addr) (int, error) { return len(b), nil }
