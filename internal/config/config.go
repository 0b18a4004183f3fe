// Package config loads the daemon's YAML configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/ryandielhenn/zephyrbus/pkg/transport"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

var ErrInvalid = errors.New("config: invalid")

// Duration reads "2s" style strings, or a bare number of seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\" or seconds: %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	Node      Node      `json:"node"`
	Transport Transport `json:"transport"`
	Registry  Registry  `json:"registry"`
	Admin     Admin     `json:"admin"`
	Inbox     Inbox     `json:"inbox"`
	Log       Log       `json:"log"`
}

type Node struct {
	// ID pins the node identity. Empty generates one per start.
	ID string `json:"id,omitempty"`
	// Advertise is the unicast endpoint published to the registry. Empty
	// uses the bound address.
	Advertise string `json:"advertise,omitempty"`
}

type Transport struct {
	Unicast            string   `json:"unicast"`
	Multicast          string   `json:"multicast"`
	MulticastTTL       int      `json:"multicast_ttl"`
	MulticastInterface string   `json:"multicast_interface,omitempty"`
	DirectAddressing   bool     `json:"direct_addressing"`
	ReceiveBuffer      int      `json:"receive_buffer"`
	MaxSegmentPayload  int      `json:"max_segment_payload"`
	MaxRecipients      int      `json:"max_recipients"`
	MaxMessageSize     int      `json:"max_message_size"`
	AnnounceInterval   Duration `json:"announce_interval"`
	LivenessTimeout    Duration `json:"liveness_timeout"`
	ReassemblyTimeout  Duration `json:"reassembly_timeout"`
	MaxPendingBytes    int      `json:"max_pending_bytes"`
	QueueCapacity      int      `json:"queue_capacity"`
	CodecWorkers       int      `json:"codec_workers"`
	Compress           bool     `json:"compress"`
	Seeds              []string `json:"seeds,omitempty"`
}

type Registry struct {
	Endpoints   []string `json:"endpoints,omitempty"`
	LeaseTTL    Duration `json:"lease_ttl"`
	DialTimeout Duration `json:"dial_timeout"`
}

// Enabled reports whether any etcd endpoint is configured.
func (r Registry) Enabled() bool { return len(r.Endpoints) > 0 }

type Admin struct {
	Listen  string `json:"listen"`
	MaxBody int64  `json:"max_body"`
}

type Inbox struct {
	CapacityBytes int      `json:"capacity_bytes"`
	TTL           Duration `json:"ttl"`
}

type Log struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

func Default() Config {
	t := transport.DefaultConfig()
	return Config{
		Transport: Transport{
			Unicast:           t.UnicastEndpoint,
			Multicast:         t.MulticastEndpoint,
			MulticastTTL:      t.MulticastTTL,
			DirectAddressing:  t.DirectAddressing,
			ReceiveBuffer:     t.ReceiveBufferSize,
			MaxSegmentPayload: t.MaxSegmentPayload,
			MaxRecipients:     t.MaxRecipients,
			MaxMessageSize:    t.MaxMessageSize,
			AnnounceInterval:  Duration(t.AnnounceInterval),
			// zero follows announce_interval
			LivenessTimeout:   0,
			ReassemblyTimeout: Duration(t.ReassemblyTimeout),
			MaxPendingBytes:   t.MaxPendingBytes,
			QueueCapacity:     t.QueueCapacity,
			CodecWorkers:      t.CodecWorkers,
		},
		Registry: Registry{
			LeaseTTL:    Duration(10 * time.Second),
			DialTimeout: Duration(5 * time.Second),
		},
		Admin: Admin{Listen: ":6667", MaxBody: 1 << 20},
		Inbox: Inbox{CapacityBytes: 16 << 20, TTL: Duration(10 * time.Minute)},
		Log:   Log{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c Config) Validate() error {
	if c.Node.ID != "" {
		if _, err := wire.ParseNodeID(c.Node.ID); err != nil {
			return fmt.Errorf("%w: node.id: %v", ErrInvalid, err)
		}
	}
	if c.Admin.Listen == "" {
		return fmt.Errorf("%w: admin.listen is empty", ErrInvalid)
	}
	if c.Inbox.CapacityBytes < 0 {
		return fmt.Errorf("%w: inbox.capacity_bytes is negative", ErrInvalid)
	}
	if c.Registry.Enabled() && c.Registry.LeaseTTL.D() < time.Second {
		return fmt.Errorf("%w: registry.lease_ttl must be at least 1s", ErrInvalid)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	if err := c.TransportConfig().Validate(); err != nil {
		return fmt.Errorf("%w: transport: %w", ErrInvalid, err)
	}
	return nil
}

// NodeID returns the configured identity, or false when one should be
// generated.
func (c Config) NodeID() (wire.NodeID, bool) {
	if c.Node.ID == "" {
		return wire.NodeID{}, false
	}
	id, err := wire.ParseNodeID(c.Node.ID)
	return id, err == nil
}

func (c Config) TransportConfig() transport.Config {
	t := c.Transport
	return transport.Config{
		UnicastEndpoint:    t.Unicast,
		MulticastEndpoint:  t.Multicast,
		MulticastTTL:       t.MulticastTTL,
		MulticastInterface: t.MulticastInterface,
		ReceiveBufferSize:  t.ReceiveBuffer,
		DirectAddressing:   t.DirectAddressing,
		MaxSegmentPayload:  t.MaxSegmentPayload,
		MaxRecipients:      t.MaxRecipients,
		MaxMessageSize:     t.MaxMessageSize,
		AnnounceInterval:   t.AnnounceInterval.D(),
		LivenessTimeout:    t.LivenessTimeout.D(),
		ReassemblyTimeout:  t.ReassemblyTimeout.D(),
		MaxPendingBytes:    t.MaxPendingBytes,
		QueueCapacity:      t.QueueCapacity,
		CodecWorkers:       t.CodecWorkers,
		Seeds:              t.Seeds,
	}
}
