// Command elastic-driver runs the coordination loop standalone: it
// discovers peers over libp2p, rendezvous's them through a stub endpoint,
// and reports job results once every worker has terminated. The actual
// training process, the rendezvous wire protocol, and SSH-based process
// spawning are all out of scope here — this binary exists to exercise the
// driver end to end with a real discovery backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nmxmxh/elastic-driver/internal/elastic/config"
	"github.com/nmxmxh/elastic-driver/internal/elastic/discovery"
	"github.com/nmxmxh/elastic-driver/internal/elastic/driver"
	"github.com/nmxmxh/elastic-driver/internal/elastic/metrics"
	"github.com/nmxmxh/elastic-driver/internal/elastic/rendezvous"
	"github.com/nmxmxh/elastic-driver/internal/elastic/types"
)

func main() {
	minNP := flag.Int("min-np", 1, "minimum world size to activate at")
	maxNP := flag.Int("max-np", 0, "maximum world size, 0 for unbounded")
	verbose := flag.Int("verbose", config.VerboseInfo, "0=silent 1=info 2=debug")
	metricsAddr := flag.String("metrics-addr", ":9091", "Prometheus /metrics listen address")
	listenAddr := flag.String("listen-addr", "", "libp2p listen multiaddr, e.g. /ip4/0.0.0.0/tcp/4001 (empty uses libp2p's default)")
	flag.Parse()

	logger := newLogger(*verbose)
	defer logger.Sync()

	cfg := config.Load(*minNP, *maxNP, 0, *verbose)

	m := metrics.New("elastic")
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		logger.Fatal("metrics registration failed", zap.Error(err))
	}
	go serveMetrics(*metricsAddr, reg, logger)

	opts, err := libp2pOpts(*listenAddr)
	if err != nil {
		logger.Fatal("invalid listen address", zap.Error(err))
	}
	host, err := libp2p.New(opts...)
	if err != nil {
		logger.Fatal("libp2p host failed to start", zap.Error(err))
	}
	defer host.Close()
	logger.Info("libp2p host up", zap.String("peer_id", host.ID().String()))

	source := discovery.NewPeerDiscoverySource(host, discovery.FixedSlots(1))
	endpoint := stubEndpoint{logger: logger.Named("rendezvous")}

	d := driver.New(cfg, source, endpoint, nil, nil, logger, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Hosts().Run(ctx, d.ShutdownSignal())

	trapSignals(cancel)

	createWorker := func(ctx context.Context, slot types.SlotInfo, shutdown, hostEvent <-chan struct{}) (int, int64) {
		logger.Info("worker would start here", zap.String("worker", slot.Key().String()))
		select {
		case <-shutdown:
		case <-hostEvent:
		case <-ctx.Done():
		}
		return 0, time.Now().Unix()
	}

	if err := d.Start(ctx, createWorker); err != nil {
		logger.Error("activation failed", zap.Error(err))
		os.Exit(1)
	}

	results, err := d.GetResults(ctx)
	if err != nil {
		logger.Error("job did not complete cleanly", zap.Error(err))
		os.Exit(1)
	}
	for key, res := range results {
		logger.Info("worker result", zap.String("worker", key), zap.Int("exit_code", res.ExitCode))
	}
	if jobErr := d.Err(); jobErr != nil {
		logger.Error("job failed", zap.Error(jobErr))
		os.Exit(1)
	}
}

// libp2pOpts turns an optional -listen-addr flag into a libp2p.Option. An
// empty addr defers to libp2p's own default listen set.
func libp2pOpts(addr string) ([]libp2p.Option, error) {
	if addr == "" {
		return nil, nil
	}
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("parse listen multiaddr %q: %w", addr, err)
	}
	return []libp2p.Option{libp2p.ListenAddrs(ma)}, nil
}

func newLogger(verbose int) *zap.Logger {
	var cfg zap.Config
	switch {
	case verbose <= config.VerboseSilent:
		return zap.NewNop()
	case verbose >= config.VerboseDebug:
		cfg = zap.NewDevelopmentConfig()
		cfg.DisableCaller = false
	default:
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	return logger
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server exited", zap.Error(err))
	}
}

func trapSignals(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
}

// stubEndpoint logs the ranking it would otherwise publish over the
// rendezvous wire protocol, which this driver does not implement.
type stubEndpoint struct {
	logger *zap.Logger
}

func (s stubEndpoint) Init(_ context.Context, slots []types.SlotInfo) error {
	pub := rendezvous.NewPublication(slots)
	s.logger.Info("publishing rendezvous generation", zap.String("publication_id", pub.ID.String()), zap.Int("world_size", len(slots)))
	return nil
}
