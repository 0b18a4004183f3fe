package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrbus/internal/config"
	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/inbox"
	"github.com/ryandielhenn/zephyrbus/pkg/node"
	"github.com/ryandielhenn/zephyrbus/pkg/registry"
	"github.com/ryandielhenn/zephyrbus/pkg/transport"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

type cli struct {
	Config      string           `help:"YAML config file." env:"ZEPHYRBUS_CONFIG" type:"path"`
	LogLevel    string           `help:"Override log.level (debug, info, warn, error)." env:"ZEPHYRBUS_LOG_LEVEL"`
	Dev         bool             `help:"Human readable development logging." env:"ZEPHYRBUS_DEV"`
	Listen      string           `help:"Override admin.listen." env:"ZEPHYRBUS_LISTEN"`
	Etcd        []string         `help:"Override registry.endpoints." env:"ZEPHYRBUS_ETCD" sep:","`
	PrintConfig bool             `help:"Print the effective config and exit."`
	Version     kong.VersionFlag `help:"Print the version and exit."`
}

func main() {
	var params cli
	kong.Parse(&params,
		kong.Name("zephyrbusd"),
		kong.Description("UDP message bus node with an admin HTTP API."),
		kong.Vars{"version": version + " (" + gitSHA + ")"},
	)

	cfg, err := loadConfig(params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if params.PrintConfig {
		out, err := cfg.Marshal()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	log, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("zephyrbusd failed", zap.Error(err))
	}
}

func loadConfig(params cli) (config.Config, error) {
	cfg, err := config.Load(params.Config)
	if err != nil {
		return config.Config{}, err
	}
	if params.LogLevel != "" {
		cfg.Log.Level = params.LogLevel
	}
	if params.Dev {
		cfg.Log.Development = true
	}
	if params.Listen != "" {
		cfg.Admin.Listen = params.Listen
	}
	if len(params.Etcd) > 0 {
		cfg.Registry.Endpoints = params.Etcd
	}
	return cfg, cfg.Validate()
}

func buildLogger(c config.Log) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(cfg config.Config, log *zap.Logger) error {
	// 1. Runtime and build info
	if _, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof)); err != nil {
		log.Warn("could not set GOMAXPROCS", zap.Error(err))
	}
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Transport, with received messages landing in the inbox
	box := inbox.New(cfg.Inbox.CapacityBytes, cfg.Inbox.TTL.D())

	var codec transport.Codec[[]byte] = transport.BytesCodec{}
	tcfg := cfg.TransportConfig()
	if cfg.Transport.Compress {
		codec = transport.LZ4Codec[[]byte]{Inner: transport.BytesCodec{}, MaxSize: tcfg.MaxMessageSize}
	}
	opts := []transport.Option{transport.WithLogger(log)}
	if id, ok := cfg.NodeID(); ok {
		opts = append(opts, transport.WithNodeID(id))
	}
	tr := transport.New(tcfg, codec, opts...)
	tr.OnMessageReassembled(func(msg []byte, sender wire.NodeID) {
		box.Add(sender, msg)
	})

	log.Info("starting transport", zap.String("node", tr.ID().String()))
	if err := tr.Start(); err != nil {
		return err
	}
	defer tr.Stop()

	advertise := advertiseAddr(cfg.Node.Advertise, tr.LocalAddr())
	if ip := net.ParseIP(hostOf(advertise)); ip != nil && ip.IsUnspecified() {
		log.Warn("advertised address is unspecified, peers using the registry cannot reach it",
			zap.String("addr", advertise))
	}

	// 3. Registry: register this node and turn the peer list into seeds
	if cfg.Registry.Enabled() {
		cleanup, err := startRegistry(ctx, cfg, tr, advertise, log)
		if err != nil {
			return err
		}
		defer cleanup()
	}

	// 4. Admin HTTP endpoints
	n := node.NewNode(tr, box, advertise, log)
	n.SetMaxBody(cfg.Admin.MaxBody)

	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/nodes", telemetry.Instrument("nodes", http.HandlerFunc(n.Nodes)))
	mux.Handle("/send", telemetry.Instrument("send", http.HandlerFunc(n.Send)))
	mux.Handle("/inbox", telemetry.Instrument("inbox", http.HandlerFunc(n.Inbox)))
	mux.Handle("/metrics", telemetry.MetricsHandler())

	srv := &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("admin listening", zap.String("addr", cfg.Admin.Listen))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		return fmt.Errorf("admin server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func startRegistry(ctx context.Context, cfg config.Config, tr *transport.Transport[[]byte], advertise string, log *zap.Logger) (func(), error) {
	log.Info("creating etcd client", zap.Strings("endpoints", cfg.Registry.Endpoints))
	cli, err := registry.NewClient(cfg.Registry.Endpoints, cfg.Registry.DialTimeout.D())
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}

	ttl := int64(cfg.Registry.LeaseTTL.D() / time.Second)
	leaseID, cancelLease, err := registry.RegisterNode(ctx, cli, tr.ID(), advertise, ttl, log)
	if err != nil {
		cli.Close()
		return nil, err
	}
	log.Info("registered with etcd", zap.String("key", registry.Key(tr.ID())), zap.String("addr", advertise))

	static := resolveSeeds(cfg.Transport.Seeds)
	watchCtx, stopWatch := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := registry.WatchPeers(watchCtx, cli, log, func(peers map[wire.NodeID]string) {
			seeds := append(append([]*net.UDPAddr(nil), static...), registry.Endpoints(peers, tr.ID())...)
			log.Debug("registry peers changed", zap.Int("peers", len(peers)), zap.Int("seeds", len(seeds)))
			tr.SetSeeds(seeds)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("registry watch ended", zap.Error(err))
		}
	}()

	return func() {
		stopWatch()
		<-done
		cancelLease()
		revokeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = cli.Revoke(revokeCtx, leaseID)
		cli.Close()
	}, nil
}

// advertiseAddr is the configured address with the bound port filled in,
// or the bound address itself.
func advertiseAddr(configured string, bound *net.UDPAddr) string {
	if bound == nil {
		return configured
	}
	if configured == "" {
		return bound.String()
	}
	return node.NormalizeHostPort(configured, strconv.Itoa(bound.Port))
}

func hostOf(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

func resolveSeeds(seeds []string) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(seeds))
	for _, s := range seeds {
		if a, err := net.ResolveUDPAddr("udp4", s); err == nil {
			out = append(out, a)
		}
	}
	return out
}
