package main

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/transport"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

type cli struct {
	N        int           `help:"Messages to send." short:"n" default:"5000"`
	Size     int           `help:"Message size in bytes." default:"4096"`
	Segment  int           `help:"Max segment payload." default:"1024"`
	Compress bool          `help:"LZ4 compress messages."`
	Timeout  time.Duration `help:"How long to wait for stragglers." default:"5s"`
	Verbose  bool          `help:"Log transport diagnostics." short:"v"`
}

func main() {
	var params cli
	kong.Parse(&params, kong.Name("bench"), kong.Description("Loopback throughput of two in-process transports."))
	if err := run(params); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(p cli) error {
	log := zap.NewNop()
	if p.Verbose {
		log, _ = zap.NewDevelopment()
	}

	var codec transport.Codec[[]byte] = transport.BytesCodec{}
	if p.Compress {
		codec = transport.LZ4Codec[[]byte]{Inner: transport.BytesCodec{}}
	}
	cfg := transport.Config{
		UnicastEndpoint:   "127.0.0.1:0",
		DirectAddressing:  true,
		MaxSegmentPayload: p.Segment,
		AnnounceInterval:  100 * time.Millisecond,
		QueueCapacity:     max(4096, p.N),
	}

	tx := transport.New(cfg, codec, transport.WithLogger(log.Named("tx")))
	rx := transport.New(cfg, codec, transport.WithLogger(log.Named("rx")))

	var got, bytes atomic.Int64
	done := make(chan struct{})
	rx.OnMessageReassembled(func(msg []byte, _ wire.NodeID) {
		bytes.Add(int64(len(msg)))
		if got.Add(1) == int64(p.N) {
			close(done)
		}
	})

	for _, tr := range []*transport.Transport[[]byte]{tx, rx} {
		if err := tr.Start(); err != nil {
			return err
		}
		defer tr.Stop()
	}
	tx.SetSeeds([]*net.UDPAddr{rx.LocalAddr()})
	rx.SetSeeds([]*net.UDPAddr{tx.LocalAddr()})

	if err := waitFor(func() bool { return knows(tx, rx.ID()) }, 5*time.Second); err != nil {
		return fmt.Errorf("peers never met: %w", err)
	}

	payload := make([]byte, p.Size)
	for i := range payload {
		payload[i] = byte(i % 61)
	}
	to := []wire.NodeID{rx.ID()}

	start := time.Now()
	accepted := 0
	for i := 0; i < p.N; i++ {
		for !tx.Send(payload, to) {
			time.Sleep(time.Millisecond)
		}
		accepted++
	}

	select {
	case <-done:
	case <-time.After(p.Timeout):
	}
	dur := time.Since(start)

	n := got.Load()
	fmt.Printf("Sent %d, delivered %d (%.1f%%) of %d bytes in %s\n",
		accepted, n, 100*float64(n)/float64(accepted), p.Size, dur)
	fmt.Printf("%.0f msgs/s, %.2f MiB/s\n", float64(n)/dur.Seconds(), float64(bytes.Load())/dur.Seconds()/(1<<20))
	return nil
}

func knows(tr *transport.Transport[[]byte], id wire.NodeID) bool {
	for _, n := range tr.Nodes() {
		if n.ID == id {
			return true
		}
	}
	return false
}

func waitFor(cond func() bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s", timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}
