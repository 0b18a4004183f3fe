// Package registry publishes node endpoints in etcd so peers on networks
// without multicast can still find each other.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

const Prefix = "/zephyrbus/nodes/"

// ErrWatchClosed means etcd ended the peer watch while the caller still
// wanted updates.
var ErrWatchClosed = errors.New("registry watch closed")

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

func Key(id wire.NodeID) string { return Prefix + id.String() }

// RegisterNode writes id -> addr under a lease of ttl seconds and keeps the
// lease alive until the returned cancel func is called.
func RegisterNode(ctx context.Context, cli *clientv3.Client, id wire.NodeID, addr string, ttl int64, log *zap.Logger) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, Key(id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("register %s: %w", id, err)
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		if kctx.Err() == nil {
			log.Warn("registry lease keepalive stopped", zap.Int64("lease", int64(lease.ID)))
		}
	}()
	return lease.ID, cancel, nil
}

// GetPeers returns every registered node and the revision it was read at.
func GetPeers(ctx context.Context, cli *clientv3.Client) (map[wire.NodeID]string, int64, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("get peers: %w", err)
	}
	peers := make(map[wire.NodeID]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id, ok := parseKey(kv.Key); ok {
			peers[id] = string(kv.Value)
		}
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers calls fn with the full peer map once at start and again after
// every change, until ctx is done. fn gets its own copy. If etcd closes the
// watch first it returns ErrWatchClosed.
func WatchPeers(ctx context.Context, cli *clientv3.Client, log *zap.Logger, fn func(map[wire.NodeID]string)) error {
	peers, rev, err := GetPeers(ctx, cli)
	if err != nil {
		return err
	}
	fn(clonePeers(peers))

	wch := cli.Watch(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	return consumeWatch(ctx, wch, peers, log, fn)
}

func consumeWatch(ctx context.Context, wch clientv3.WatchChan, peers map[wire.NodeID]string, log *zap.Logger, fn func(map[wire.NodeID]string)) error {
	for wresp := range wch {
		if err := wresp.Err(); err != nil {
			log.Warn("registry watch error", zap.Error(err))
			continue
		}
		if applyEvents(peers, wresp.Events) {
			fn(clonePeers(peers))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrWatchClosed
}

func applyEvents(peers map[wire.NodeID]string, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		id, ok := parseKey(ev.Kv.Key)
		if !ok {
			continue
		}
		switch ev.Type {
		case mvccpb.PUT:
			if peers[id] != string(ev.Kv.Value) {
				peers[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}

func parseKey(key []byte) (wire.NodeID, bool) {
	rest, ok := strings.CutPrefix(string(key), Prefix)
	if !ok {
		return wire.NodeID{}, false
	}
	id, err := wire.ParseNodeID(rest)
	if err != nil || id.IsBroadcast() {
		return wire.NodeID{}, false
	}
	return id, true
}

// Endpoints resolves the peer map to UDP addresses, leaving out self and
// anything that does not resolve. The result is sorted for stable logs.
func Endpoints(peers map[wire.NodeID]string, self wire.NodeID) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(peers))
	for id, addr := range peers {
		if id == self {
			continue
		}
		a, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b *net.UDPAddr) int { return strings.Compare(a.String(), b.String()) })
	return out
}

func clonePeers(m map[wire.NodeID]string) map[wire.NodeID]string {
	out := make(map[wire.NodeID]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
