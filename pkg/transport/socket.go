package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// PacketWriter is the send half of a socket. The processor is the only
// caller, so implementations need not be safe for concurrent writes.
type PacketWriter interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// OpenUnicast binds the unicast endpoint. The socket also sends to the
// multicast group, so loopback and TTL are set here.
func OpenUnicast(ctx context.Context, cfg Config, log *zap.Logger) (net.PacketConn, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", cfg.UnicastEndpoint)
	if err != nil {
		return nil, err
	}
	setReadBuffer(conn, cfg.ReceiveBufferSize, log)

	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastLoopback(true); err != nil {
		log.Debug("multicast loopback not set", zap.Error(err))
	}
	if err := p.SetMulticastTTL(cfg.MulticastTTL); err != nil {
		log.Debug("multicast ttl not set", zap.Error(err))
	}
	if ifi := lookupInterface(cfg.MulticastInterface, log); ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			log.Warn("multicast interface not set", zap.String("iface", ifi.Name), zap.Error(err))
		}
	}
	return conn, nil
}

// OpenMulticast binds the group port with address reuse, so several nodes
// on one host can share it, and joins the group on every usable interface.
func OpenMulticast(ctx context.Context, cfg Config, log *zap.Logger) (net.PacketConn, *net.UDPAddr, error) {
	group, err := net.ResolveUDPAddr("udp4", cfg.MulticastEndpoint)
	if err != nil {
		return nil, nil, err
	}

	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", group.Port))
	if err != nil {
		return nil, nil, err
	}
	setReadBuffer(conn, cfg.ReceiveBufferSize, log)

	p := ipv4.NewPacketConn(conn)
	if err := joinGroup(p, group, cfg.MulticastInterface, log); err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		log.Debug("multicast loopback not set", zap.Error(err))
	}
	if err := p.SetMulticastTTL(cfg.MulticastTTL); err != nil {
		log.Debug("multicast ttl not set", zap.Error(err))
	}
	return conn, group, nil
}

func joinGroup(p *ipv4.PacketConn, group *net.UDPAddr, iface string, log *zap.Logger) error {
	gaddr := &net.UDPAddr{IP: group.IP}
	if ifi := lookupInterface(iface, log); ifi != nil {
		return p.JoinGroup(ifi, gaddr)
	}

	intfs, err := net.Interfaces()
	if err != nil {
		return err
	}
	joined := 0
	for i := range intfs {
		intf := &intfs[i]
		if intf.Flags&net.FlagUp == 0 || intf.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := p.JoinGroup(intf, gaddr); err != nil {
			log.Debug("multicast join failed", zap.String("iface", intf.Name), zap.Error(err))
			continue
		}
		log.Debug("multicast join", zap.String("iface", intf.Name), zap.Stringer("group", group))
		joined++
	}
	if joined > 0 {
		return nil
	}
	// let the kernel pick
	if err := p.JoinGroup(nil, gaddr); err != nil {
		return errors.New("no multicast interfaces available")
	}
	return nil
}

func lookupInterface(name string, log *zap.Logger) *net.Interface {
	if name == "" {
		return nil
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		log.Warn("unknown multicast interface", zap.String("iface", name), zap.Error(err))
		return nil
	}
	return ifi
}

func setReadBuffer(conn net.PacketConn, size int, log *zap.Logger) {
	udp, ok := conn.(*net.UDPConn)
	if !ok || size <= 0 {
		return
	}
	if err := udp.SetReadBuffer(size); err != nil {
		log.Debug("receive buffer not set", zap.Int("size", size), zap.Error(err))
	}
}
