package transport

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/membership"
	"github.com/ryandielhenn/zephyrbus/pkg/segment"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

// Handlers receive processor events. They run on the processor goroutine
// and must not block.
type Handlers struct {
	MessageReassembled func(payload []byte, sender wire.NodeID)
	NodeDiscovered     func(id wire.NodeID)
	NodeLost           func(id wire.NodeID)
}

type datagram struct {
	data []byte
	from *net.UDPAddr
}

type outboundMessage struct {
	id         uint64
	payload    []byte
	recipients []wire.NodeID
}

// Processor is the protocol state machine. EnqueueOutbound and
// EnqueueInboundSegment may be called from any goroutine; everything else
// happens inside Serve.
type Processor struct {
	self  wire.NodeID
	cfg   Config
	conn  PacketWriter
	group *net.UDPAddr
	h     Handlers
	log   *zap.Logger
	now   func() time.Time

	inbound  *xsync.MPMCQueueOf[datagram]
	outbound *xsync.MPMCQueueOf[outboundMessage]
	wake     chan struct{}
	nextID   atomic.Uint64
	seeds    atomic.Pointer[[]*net.UDPAddr]
	nodes    atomic.Pointer[[]membership.Node]

	// owned by Serve
	dir          *membership.Directory
	reasm        *segment.Reassembler
	segmenter    segment.Segmenter
	nextAnnounce time.Time
	announcement []byte
	sendBuf      []byte
	dirty        bool
	dropLog      *rate.Limiter
	sendLog      *rate.Limiter
}

// NewProcessor creates a processor that sends through conn. A nil group
// disables publishing and multicast announcements.
func NewProcessor(self wire.NodeID, conn PacketWriter, group *net.UDPAddr, cfg Config, h Handlers, log *zap.Logger) *Processor {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	p := &Processor{
		self:      self,
		cfg:       cfg,
		conn:      conn,
		group:     group,
		h:         h,
		log:       log.With(zap.String("node", self.Short())),
		now:       time.Now,
		inbound:   xsync.NewMPMCQueueOf[datagram](cfg.QueueCapacity),
		outbound:  xsync.NewMPMCQueueOf[outboundMessage](cfg.QueueCapacity),
		wake:      make(chan struct{}, 1),
		dir:       membership.NewDirectory(self, cfg.LivenessTimeout),
		segmenter: segment.NewSegmenter(cfg.MaxSegmentPayload),
		sendBuf:   make([]byte, 0, wire.SegmentHeaderSize+cfg.MaxSegmentPayload),
		dropLog:   rate.NewLimiter(rate.Every(time.Second), 5),
		sendLog:   rate.NewLimiter(rate.Every(time.Second), 5),
	}
	p.reasm = segment.NewReassembler(segment.Config{
		Timeout:         cfg.ReassemblyTimeout,
		MaxPendingBytes: cfg.MaxPendingBytes,
		OnEvict:         p.handleEvict,
	})
	p.announcement, _ = (&wire.Announcement{Sender: self}).MarshalBinary()
	empty := []membership.Node{}
	p.nodes.Store(&empty)
	seeds := cfg.seedAddrs()
	p.seeds.Store(&seeds)
	// Ids start at the wall clock so a node restarted under the same id
	// does not reuse ids its peers still remember as completed.
	p.nextID.Store(uint64(time.Now().UnixNano()))
	return p
}

func (p *Processor) String() string { return "processor" }

// ID is this node's identity.
func (p *Processor) ID() wire.NodeID { return p.self }

// CanPublish reports whether a multicast group is configured.
func (p *Processor) CanPublish() bool { return p.group != nil }

// Nodes returns the live peers as of the last processor pass.
func (p *Processor) Nodes() []membership.Node {
	return slices.Clone(*p.nodes.Load())
}

// SetSeeds replaces the endpoints that get a unicast copy of every
// announcement.
func (p *Processor) SetSeeds(seeds []*net.UDPAddr) {
	cp := slices.Clone(seeds)
	p.seeds.Store(&cp)
}

// LastMessageID is the most recently assigned message id.
func (p *Processor) LastMessageID() uint64 { return p.nextID.Load() }

// ResumeMessageIDs makes sure ids assigned from now on are above last.
func (p *Processor) ResumeMessageIDs(last uint64) {
	for {
		cur := p.nextID.Load()
		if cur >= last || p.nextID.CompareAndSwap(cur, last) {
			return
		}
	}
}

// IsPublish reports whether recipients address every node: either none
// are named or the broadcast id is among them.
func IsPublish(recipients []wire.NodeID) bool {
	return len(recipients) == 0 || slices.Contains(recipients, wire.Broadcast)
}

// EnqueueOutbound schedules payload for sending. No recipients, or the
// broadcast id among them, means publish to the multicast group. It never
// blocks; false means the message was dropped.
func (p *Processor) EnqueueOutbound(payload []byte, recipients []wire.NodeID) bool {
	if len(recipients) > p.cfg.MaxRecipients {
		p.log.Warn("dropping message: too many recipients",
			zap.Int("recipients", len(recipients)), zap.Int("max", p.cfg.MaxRecipients))
		telemetry.OutboundDropped.WithLabelValues("fanout").Inc()
		return false
	}
	if IsPublish(recipients) {
		recipients = nil
	}
	if recipients == nil && p.group == nil {
		p.log.Warn("dropping publish: no multicast group configured")
		telemetry.OutboundDropped.WithLabelValues("no_multicast").Inc()
		return false
	}

	m := outboundMessage{
		id:         p.nextID.Add(1),
		payload:    payload,
		recipients: recipients,
	}
	if !p.outbound.TryEnqueue(m) {
		p.log.Warn("dropping message: outbound queue full", zap.Uint64("message_id", m.id))
		telemetry.OutboundDropped.WithLabelValues("queue_full").Inc()
		return false
	}
	p.signal()
	return true
}

// EnqueueInboundSegment queues one received datagram. data must not be
// reused by the caller.
func (p *Processor) EnqueueInboundSegment(data []byte, from *net.UDPAddr) bool {
	if !p.inbound.TryEnqueue(datagram{data: data, from: from}) {
		telemetry.DatagramsDropped.WithLabelValues("queue_full").Inc()
		return false
	}
	p.signal()
	return true
}

func (p *Processor) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Serve implements suture.Service.
func (p *Processor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	p.tick(p.now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
			p.drain(p.now())
		case <-ticker.C:
			now := p.now()
			p.drain(now)
			p.tick(now)
		}
	}
}

// drain handles what is queued, bounded so ticks are not starved.
func (p *Processor) drain(now time.Time) {
	n := 0
	for ; n < p.cfg.QueueCapacity; n++ {
		dg, ok := p.inbound.TryDequeue()
		if !ok {
			break
		}
		p.handleDatagram(dg, now)
	}
	more := n == p.cfg.QueueCapacity

	for n = 0; n < p.cfg.QueueCapacity; n++ {
		m, ok := p.outbound.TryDequeue()
		if !ok {
			break
		}
		p.handleOutbound(m)
	}
	more = more || n == p.cfg.QueueCapacity

	p.publishNodes()
	if more {
		p.signal()
	}
}

func (p *Processor) tick(now time.Time) {
	if !now.Before(p.nextAnnounce) {
		p.announce()
		p.nextAnnounce = now.Add(p.cfg.AnnounceInterval)
	}

	for _, n := range p.dir.SweepExpired(now) {
		p.log.Info("node lost",
			zap.String("peer", n.ID.String()),
			zap.Stringer("addr", n.Endpoint),
			zap.Duration("silent", now.Sub(n.LastSeen)))
		telemetry.NodeEvents.WithLabelValues("lost").Inc()
		p.dirty = true
		if p.h.NodeLost != nil {
			p.h.NodeLost(n.ID)
		}
	}
	p.reasm.SweepStale(now)
	p.publishNodes()
}

func (p *Processor) announce() {
	if p.group != nil {
		if _, err := p.conn.WriteTo(p.announcement, p.group); err != nil {
			telemetry.SendErrors.WithLabelValues("multicast").Inc()
			if p.sendLog.Allow() {
				p.log.Warn("announcement failed", zap.Stringer("addr", p.group), zap.Error(err))
			}
		}
	}
	for _, seed := range *p.seeds.Load() {
		if _, err := p.conn.WriteTo(p.announcement, seed); err != nil {
			telemetry.SendErrors.WithLabelValues("unicast").Inc()
			if p.sendLog.Allow() {
				p.log.Debug("seed announcement failed", zap.Stringer("addr", seed), zap.Error(err))
			}
		}
	}
}

func (p *Processor) handleDatagram(dg datagram, now time.Time) {
	d, err := wire.Decode(dg.data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, wire.ErrVersion) {
			reason = "version"
		}
		telemetry.DatagramsDropped.WithLabelValues(reason).Inc()
		if p.dropLog.Allow() {
			p.log.Debug("dropping datagram", zap.Stringer("addr", dg.from), zap.Error(err))
		}
		return
	}

	sender := d.Sender()
	if sender == p.self || sender.IsBroadcast() {
		return
	}
	telemetry.DatagramsReceived.WithLabelValues(d.Kind.String()).Inc()
	p.touch(sender, dg.from, now)

	if d.Kind != wire.KindSegment {
		return
	}
	msg, done, err := p.reasm.Ingest(d.Segment, now)
	if err != nil {
		telemetry.DatagramsDropped.WithLabelValues("poisoned").Inc()
		if p.dropLog.Allow() {
			p.log.Warn("dropping segment", zap.Stringer("addr", dg.from), zap.Error(err))
		}
		return
	}
	if !done {
		return
	}

	telemetry.MessagesReassembled.Inc()
	telemetry.MessageBytes.WithLabelValues("in").Observe(float64(len(msg.Payload)))
	if p.h.MessageReassembled != nil {
		p.h.MessageReassembled(msg.Payload, msg.Sender)
	}
}

func (p *Processor) touch(id wire.NodeID, from *net.UDPAddr, now time.Time) {
	p.dirty = true
	if !p.dir.Touch(id, from, now) {
		return
	}

	fields := []zap.Field{zap.String("peer", id.String()), zap.Stringer("addr", from)}
	if prev, ok := p.dir.LastLost(id); ok {
		fields = append(fields, zap.Stringer("previous_addr", prev.Endpoint))
	}
	p.log.Info("node discovered", fields...)
	telemetry.NodeEvents.WithLabelValues("discovered").Inc()
	if p.h.NodeDiscovered != nil {
		p.h.NodeDiscovered(id)
	}
}

func (p *Processor) handleEvict(sender wire.NodeID, id uint64, reason segment.EvictReason) {
	telemetry.ReassemblyEvicted.WithLabelValues(string(reason)).Inc()
	p.log.Debug("incomplete message discarded",
		zap.String("sender", sender.String()), zap.Uint64("message_id", id), zap.String("reason", string(reason)))
}

func (p *Processor) handleOutbound(m outboundMessage) {
	telemetry.MessageBytes.WithLabelValues("out").Observe(float64(len(m.payload)))
	segs := p.segmenter.Split(p.self, m.id, m.payload)

	if len(m.recipients) == 0 {
		for seg := range segs {
			p.sendBuf = seg.AppendBinary(p.sendBuf[:0])
			if _, err := p.conn.WriteTo(p.sendBuf, p.group); err != nil {
				telemetry.SendErrors.WithLabelValues("multicast").Inc()
				p.log.Warn("publish aborted",
					zap.Uint64("message_id", m.id), zap.Uint32("segment", seg.Index), zap.Error(err))
				return
			}
			telemetry.SegmentsSent.WithLabelValues("multicast").Inc()
		}
		return
	}

	targets := p.resolve(m)
	if len(targets) == 0 {
		return
	}
	for seg := range segs {
		p.sendBuf = seg.AppendBinary(p.sendBuf[:0])
		for _, addr := range targets {
			if _, err := p.conn.WriteTo(p.sendBuf, addr); err != nil {
				telemetry.SendErrors.WithLabelValues("unicast").Inc()
				if p.sendLog.Allow() {
					p.log.Warn("segment send failed",
						zap.Stringer("addr", addr), zap.Uint64("message_id", m.id),
						zap.Uint32("segment", seg.Index), zap.Error(err))
				}
				continue
			}
			telemetry.SegmentsSent.WithLabelValues("unicast").Inc()
		}
	}
}

// resolve maps recipients to their last known endpoints, skipping unknown
// nodes and duplicates.
func (p *Processor) resolve(m outboundMessage) []*net.UDPAddr {
	targets := make([]*net.UDPAddr, 0, len(m.recipients))
	seen := make(map[wire.NodeID]struct{}, len(m.recipients))
	for _, id := range m.recipients {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		addr, ok := p.dir.Endpoint(id)
		if !ok {
			p.log.Warn("skipping unknown recipient",
				zap.String("recipient", id.String()), zap.Uint64("message_id", m.id))
			telemetry.OutboundDropped.WithLabelValues("unknown_recipient").Inc()
			continue
		}
		targets = append(targets, addr)
	}
	return targets
}

func (p *Processor) publishNodes() {
	if !p.dirty {
		return
	}
	snap := p.dir.Snapshot()
	p.nodes.Store(&snap)
	telemetry.NodesLive.Set(float64(len(snap)))
	p.dirty = false
}
