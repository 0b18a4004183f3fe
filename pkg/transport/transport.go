package transport

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/membership"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

type Option func(*options)

type options struct {
	log *zap.Logger
	id  wire.NodeID
}

// WithLogger sets the diagnostic logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithNodeID pins the node identity instead of generating one.
func WithNodeID(id wire.NodeID) Option {
	return func(o *options) { o.id = id }
}

type callbacks[M any] struct {
	message    func(msg M, sender wire.NodeID)
	discovered func(id wire.NodeID)
	lost       func(id wire.NodeID)
}

// Transport is what a message bus talks to: it owns the sockets, the
// processor and the codec workers, and turns processor events into
// decoded messages.
type Transport[M any] struct {
	cfg   Config
	codec Codec[M]
	log   *zap.Logger
	id    wire.NodeID
	jobs  chan func()

	proc atomic.Pointer[Processor]
	cbs  atomic.Pointer[callbacks[M]]

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      <-chan error
	unicast   net.PacketConn
	multicast net.PacketConn
	seeds     []*net.UDPAddr
	lastMsgID uint64
}

// New creates a stopped transport. Zero durations, sizes and counts in cfg
// take their defaults, but the addressing mode does not: start from
// DefaultConfig, or set DirectAddressing or MulticastEndpoint, or Start
// fails with ErrInvalidConfig.
func New[M any](cfg Config, codec Codec[M], opts ...Option) *Transport[M] {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id.IsBroadcast() {
		o.id = wire.NewNodeID()
	}
	cfg = cfg.withDefaults()

	t := &Transport[M]{
		cfg:   cfg,
		codec: codec,
		log:   o.log,
		id:    o.id,
		jobs:  make(chan func(), cfg.QueueCapacity),
		seeds: cfg.seedAddrs(),
	}
	t.cbs.Store(&callbacks[M]{})
	return t
}

func (t *Transport[M]) ID() wire.NodeID { return t.id }

// OnMessageReassembled registers the handler for decoded inbound messages.
// It runs on a codec worker.
func (t *Transport[M]) OnMessageReassembled(fn func(msg M, sender wire.NodeID)) {
	t.updateCallbacks(func(c *callbacks[M]) { c.message = fn })
}

// OnNodeDiscovered registers the discovery handler. It runs on the
// processor goroutine and must not block.
func (t *Transport[M]) OnNodeDiscovered(fn func(id wire.NodeID)) {
	t.updateCallbacks(func(c *callbacks[M]) { c.discovered = fn })
}

// OnNodeLost registers the loss handler. It runs on the processor
// goroutine and must not block.
func (t *Transport[M]) OnNodeLost(fn func(id wire.NodeID)) {
	t.updateCallbacks(func(c *callbacks[M]) { c.lost = fn })
}

func (t *Transport[M]) updateCallbacks(f func(*callbacks[M])) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := *t.cbs.Load()
	f(&next)
	t.cbs.Store(&next)
}

// Start binds the sockets and starts the receive loops, the processor and
// the codec workers. It fails only when the mandatory socket cannot be
// bound; a missing optional multicast socket leaves the transport running
// without multicast reception.
func (t *Transport[M]) Start() error {
	if err := t.cfg.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}

	ctx := context.Background()
	log := t.log.With(zap.String("node", t.id.Short()))

	if t.cfg.DirectAddressing {
		conn, err := OpenUnicast(ctx, t.cfg, log)
		if err != nil {
			log.Error("unicast socket failed", zap.String("addr", t.cfg.UnicastEndpoint), zap.Error(err))
			return fmt.Errorf("start transport: unicast socket on %s: %w", t.cfg.UnicastEndpoint, err)
		}
		t.unicast = conn
	}

	if t.cfg.MulticastEndpoint != "" {
		conn, _, err := OpenMulticast(ctx, t.cfg, log)
		switch {
		case err == nil:
			t.multicast = conn
		case t.cfg.DirectAddressing:
			log.Warn("multicast socket failed, continuing without multicast reception",
				zap.String("group", t.cfg.MulticastEndpoint), zap.Int("ttl", t.cfg.MulticastTTL), zap.Error(err))
		default:
			log.Error("multicast socket failed", zap.String("group", t.cfg.MulticastEndpoint), zap.Error(err))
			return fmt.Errorf("start transport: multicast socket on %s: %w", t.cfg.MulticastEndpoint, err)
		}
	}

	send := t.unicast
	if send == nil {
		send = t.multicast
	}
	proc := NewProcessor(t.id, send, t.cfg.multicastGroup(), t.cfg, Handlers{
		MessageReassembled: t.handleReassembled,
		NodeDiscovered:     t.handleDiscovered,
		NodeLost:           t.handleLost,
	}, t.log)
	proc.SetSeeds(t.seeds)
	proc.ResumeMessageIDs(t.lastMsgID)

	sup := suture.New("zephyrbus", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn("supervisor event", zap.String("event", e.String()))
		},
	})
	sup.Add(proc)
	if t.unicast != nil {
		sup.Add(NewReceiver("unicast", t.unicast, proc.EnqueueInboundSegment, log))
	}
	if t.multicast != nil {
		sup.Add(NewReceiver("multicast", t.multicast, proc.EnqueueInboundSegment, log))
	}
	for i := 0; i < t.cfg.CodecWorkers; i++ {
		sup.Add(&codecWorker{id: i, jobs: t.jobs})
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = sup.ServeBackground(runCtx)
	t.proc.Store(proc)

	log.Info("transport started",
		zap.String("unicast", addrOf(t.unicast)),
		zap.String("multicast", addrOf(t.multicast)),
		zap.String("group", t.cfg.MulticastEndpoint))
	return nil
}

// Stop shuts everything down and releases the sockets. Calling it more
// than once, or on a transport that never started, is a no-op.
func (t *Transport[M]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return
	}

	proc := t.proc.Swap(nil)
	t.cancel()
	<-t.done
	t.lastMsgID = proc.LastMessageID()
	t.cancel, t.done = nil, nil

	for _, conn := range []net.PacketConn{t.unicast, t.multicast} {
		if conn != nil {
			conn.Close()
		}
	}
	t.unicast, t.multicast = nil, nil
	t.log.Info("transport stopped", zap.String("node", t.id.Short()))
}

func (t *Transport[M]) Running() bool { return t.proc.Load() != nil }

// LocalAddr is the bound unicast address, or the multicast socket's when
// direct addressing is off. Nil while stopped.
func (t *Transport[M]) LocalAddr() *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range []net.PacketConn{t.unicast, t.multicast} {
		if conn != nil {
			a, _ := conn.LocalAddr().(*net.UDPAddr)
			return a
		}
	}
	return nil
}

// Nodes lists the peers currently considered alive.
func (t *Transport[M]) Nodes() []membership.Node {
	proc := t.proc.Load()
	if proc == nil {
		return nil
	}
	return proc.Nodes()
}

// SetSeeds replaces the unicast announcement targets, now and for later
// starts.
func (t *Transport[M]) SetSeeds(seeds []*net.UDPAddr) {
	t.mu.Lock()
	t.seeds = slices.Clone(seeds)
	t.mu.Unlock()
	if proc := t.proc.Load(); proc != nil {
		proc.SetSeeds(seeds)
	}
}

// Send serializes msg on a codec worker and hands it to the processor. No
// recipients publishes to every node. The return value only says whether
// the message was accepted; delivery is never confirmed.
func (t *Transport[M]) Send(msg M, recipients []wire.NodeID) bool {
	proc := t.proc.Load()
	if proc == nil {
		telemetry.OutboundDropped.WithLabelValues("not_running").Inc()
		return false
	}
	if len(recipients) > t.cfg.MaxRecipients {
		t.log.Warn("message rejected: too many recipients",
			zap.Int("recipients", len(recipients)), zap.Int("max", t.cfg.MaxRecipients))
		telemetry.OutboundDropped.WithLabelValues("fanout").Inc()
		return false
	}
	if IsPublish(recipients) && !proc.CanPublish() {
		t.log.Warn("message rejected: publish needs a multicast group")
		telemetry.OutboundDropped.WithLabelValues("no_multicast").Inc()
		return false
	}

	recipients = slices.Clone(recipients)
	job := func() {
		data, err := t.codec.Marshal(msg)
		if err != nil {
			t.log.Warn("message dropped: encode failed", zap.Error(err))
			telemetry.OutboundDropped.WithLabelValues("encode").Inc()
			return
		}
		if len(data) > t.cfg.MaxMessageSize {
			t.log.Warn("message dropped: too large",
				zap.Int("size", len(data)), zap.Int("max", t.cfg.MaxMessageSize))
			telemetry.OutboundDropped.WithLabelValues("too_large").Inc()
			return
		}
		proc.EnqueueOutbound(data, recipients)
	}

	select {
	case t.jobs <- job:
		return true
	default:
		t.log.Warn("message rejected: codec queue full")
		telemetry.OutboundDropped.WithLabelValues("queue_full").Inc()
		return false
	}
}

func (t *Transport[M]) handleReassembled(payload []byte, sender wire.NodeID) {
	if len(payload) > t.cfg.MaxMessageSize {
		t.log.Warn("message dropped: too large", zap.String("sender", sender.String()),
			zap.Int("size", len(payload)), zap.Int("max", t.cfg.MaxMessageSize))
		telemetry.DatagramsDropped.WithLabelValues("too_large").Inc()
		return
	}
	job := func() {
		fn := t.cbs.Load().message
		if fn == nil {
			return
		}
		msg, err := t.codec.Unmarshal(payload)
		if err != nil {
			t.log.Warn("message dropped: decode failed", zap.String("sender", sender.String()), zap.Error(err))
			return
		}
		fn(msg, sender)
	}
	select {
	case t.jobs <- job:
	default:
		t.log.Warn("message dropped: codec queue full", zap.String("sender", sender.String()))
		telemetry.DatagramsDropped.WithLabelValues("queue_full").Inc()
	}
}

func (t *Transport[M]) handleDiscovered(id wire.NodeID) {
	if fn := t.cbs.Load().discovered; fn != nil {
		fn(id)
	}
}

func (t *Transport[M]) handleLost(id wire.NodeID) {
	if fn := t.cbs.Load().lost; fn != nil {
		fn(id)
	}
}

// codecWorker runs serialization jobs off the caller and processor
// goroutines.
type codecWorker struct {
	id   int
	jobs <-chan func()
}

func (w *codecWorker) String() string { return fmt.Sprintf("codec/%d", w.id) }

func (w *codecWorker) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-w.jobs:
			job()
		}
	}
}

func addrOf(conn net.PacketConn) string {
	if conn == nil {
		return ""
	}
	return conn.LocalAddr().String()
}
