package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ryandielhenn/zephyrbus/pkg/segment"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

var ErrInvalidConfig = errors.New("transport: invalid config")

// Config is read once by Start and never changes for the life of the
// transport.
type Config struct {
	// UnicastEndpoint is the address:port this node binds for direct
	// traffic and for sending.
	UnicastEndpoint string
	// MulticastEndpoint is the group used for announcements and publish.
	// Empty disables multicast entirely.
	MulticastEndpoint string
	MulticastTTL      int
	// MulticastInterface restricts the group join to one interface name.
	MulticastInterface string
	ReceiveBufferSize  int
	// DirectAddressing says this platform can bind its own unicast
	// socket. Without it the multicast socket is mandatory and carries
	// every send.
	DirectAddressing bool

	MaxSegmentPayload int
	MaxRecipients     int
	MaxMessageSize    int

	AnnounceInterval  time.Duration
	LivenessTimeout   time.Duration
	ReassemblyTimeout time.Duration
	MaxPendingBytes   int
	TickInterval      time.Duration

	QueueCapacity int
	CodecWorkers  int

	// Seeds receive a unicast copy of every announcement, for peers that
	// cannot hear the multicast group.
	Seeds []string
}

const (
	DefaultUnicastEndpoint   = "0.0.0.0:0"
	DefaultMulticastEndpoint = "230.0.0.1:6666"
	DefaultMulticastTTL      = 1
	DefaultReceiveBufferSize = 2 << 20
	DefaultMaxRecipients     = 1024
	DefaultMaxMessageSize    = 16 << 20
	DefaultAnnounceInterval  = 2 * time.Second
	DefaultTickInterval      = 100 * time.Millisecond
	DefaultQueueCapacity     = 4096
	DefaultCodecWorkers      = 2
)

func DefaultConfig() Config {
	return Config{
		UnicastEndpoint:   DefaultUnicastEndpoint,
		MulticastEndpoint: DefaultMulticastEndpoint,
		MulticastTTL:      DefaultMulticastTTL,
		ReceiveBufferSize: DefaultReceiveBufferSize,
		DirectAddressing:  true,
		MaxSegmentPayload: segment.DefaultMaxPayload,
		MaxRecipients:     DefaultMaxRecipients,
		MaxMessageSize:    DefaultMaxMessageSize,
		AnnounceInterval:  DefaultAnnounceInterval,
		LivenessTimeout:   5 * DefaultAnnounceInterval,
		ReassemblyTimeout: segment.DefaultTimeout,
		MaxPendingBytes:   segment.DefaultMaxPendingBytes,
		TickInterval:      DefaultTickInterval,
		QueueCapacity:     DefaultQueueCapacity,
		CodecWorkers:      DefaultCodecWorkers,
	}
}

// withDefaults fills every zero field from DefaultConfig. The liveness
// timeout follows the announce interval unless set.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.UnicastEndpoint == "" {
		c.UnicastEndpoint = d.UnicastEndpoint
	}
	if c.MulticastTTL <= 0 {
		c.MulticastTTL = d.MulticastTTL
	}
	if c.ReceiveBufferSize <= 0 {
		c.ReceiveBufferSize = d.ReceiveBufferSize
	}
	if c.MaxSegmentPayload <= 0 {
		c.MaxSegmentPayload = d.MaxSegmentPayload
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = d.MaxRecipients
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = d.AnnounceInterval
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 5 * c.AnnounceInterval
	}
	if c.ReassemblyTimeout <= 0 {
		c.ReassemblyTimeout = d.ReassemblyTimeout
	}
	if c.MaxPendingBytes <= 0 {
		c.MaxPendingBytes = d.MaxPendingBytes
	}
	if c.TickInterval <= 0 {
		c.TickInterval = min(d.TickInterval, c.AnnounceInterval)
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.CodecWorkers <= 0 {
		c.CodecWorkers = d.CodecWorkers
	}
	return c
}

// Validate checks the config after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if _, err := net.ResolveUDPAddr("udp4", c.UnicastEndpoint); err != nil {
		return fmt.Errorf("%w: unicast endpoint %q: %v", ErrInvalidConfig, c.UnicastEndpoint, err)
	}
	if c.MulticastEndpoint != "" {
		group, err := net.ResolveUDPAddr("udp4", c.MulticastEndpoint)
		if err != nil {
			return fmt.Errorf("%w: multicast endpoint %q: %v", ErrInvalidConfig, c.MulticastEndpoint, err)
		}
		if !group.IP.IsMulticast() {
			return fmt.Errorf("%w: %s is not a multicast address", ErrInvalidConfig, group.IP)
		}
		if group.Port == 0 {
			return fmt.Errorf("%w: multicast endpoint needs a port", ErrInvalidConfig)
		}
	} else if !c.DirectAddressing {
		return fmt.Errorf("%w: multicast endpoint is required without direct addressing", ErrInvalidConfig)
	}
	if c.MulticastTTL > 255 {
		return fmt.Errorf("%w: multicast ttl %d out of range", ErrInvalidConfig, c.MulticastTTL)
	}
	if c.MaxSegmentPayload > 65507-wire.SegmentHeaderSize {
		return fmt.Errorf("%w: segment payload %d does not fit a UDP datagram", ErrInvalidConfig, c.MaxSegmentPayload)
	}
	if c.LivenessTimeout <= c.AnnounceInterval {
		return fmt.Errorf("%w: liveness timeout %s must exceed announce interval %s",
			ErrInvalidConfig, c.LivenessTimeout, c.AnnounceInterval)
	}
	for _, s := range c.Seeds {
		if _, err := net.ResolveUDPAddr("udp4", s); err != nil {
			return fmt.Errorf("%w: seed %q: %v", ErrInvalidConfig, s, err)
		}
	}
	return nil
}

func (c Config) multicastGroup() *net.UDPAddr {
	if c.MulticastEndpoint == "" {
		return nil
	}
	group, err := net.ResolveUDPAddr("udp4", c.MulticastEndpoint)
	if err != nil {
		return nil
	}
	return group
}

func (c Config) seedAddrs() []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(c.Seeds))
	for _, s := range c.Seeds {
		if a, err := net.ResolveUDPAddr("udp4", s); err == nil {
			out = append(out, a)
		}
	}
	return out
}
