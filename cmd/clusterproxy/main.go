// clusterproxy is a multi-threaded reverse proxy sitting between many
// concurrent clients and a sharded key-value cluster.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tindra/clusterproxy/internal/bootstrap"
	"github.com/tindra/clusterproxy/internal/config"
	"github.com/tindra/clusterproxy/internal/listener"
	"github.com/tindra/clusterproxy/internal/logger"
	"github.com/tindra/clusterproxy/internal/metrics"
	"github.com/tindra/clusterproxy/internal/proxysocks"
	"github.com/tindra/clusterproxy/internal/ratelimit"
	"github.com/tindra/clusterproxy/internal/scheduler"
	"github.com/tindra/clusterproxy/internal/slotmap"
	"github.com/tindra/clusterproxy/internal/upstream"
)

func main() {
	cfg, help, err := config.Parse(os.Args[1:])
	if help {
		os.Exit(0)
	}
	if err != nil {
		logger.Error("startup: %v", err)
		os.Exit(1)
	}

	lvl, _ := logger.ParseLevel(cfg.LogLevel)
	logger.SetLevel(lvl)
	logger.SetColors(!cfg.DisableColors)

	if cfg.Daemonize {
		logger.Info("daemonize requested; continuing in foreground (process supervision is left to the operator)")
	}

	sharedMap, err := bootstrap.Discover(cfg.Seed, cfg.Auth)
	if err != nil {
		logger.Error("bootstrap: %v", err)
		os.Exit(1)
	}
	logger.Success("bootstrap: discovered %d shards from %s", len(sharedMap.Shards()), cfg.Seed)

	socksDialer, err := proxysocks.NewProxyDialer(&proxysocks.Config{
		Enabled:  cfg.Socks.Enabled,
		Type:     "socks5",
		Host:     cfg.Socks.Host,
		Port:     cfg.Socks.Port,
		Username: cfg.Socks.Username,
		Password: cfg.Socks.Password,
	})
	if err != nil {
		logger.Error("socks dialer: %v", err)
		os.Exit(1)
	}

	mx := metrics.NewCollector()
	metrics.InitPrometheus("clusterproxy", mx)

	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		Enabled:                 cfg.RateLimit.Enabled,
		MaxConnectionsPerIP:     cfg.RateLimit.MaxConnectionsPerIP,
		MaxConnectionsPerMinute: cfg.RateLimit.MaxConnectionsPerMinute,
		BanDurationSeconds:      cfg.RateLimit.BanDurationSeconds,
		CleanupIntervalSeconds:  cfg.RateLimit.CleanupIntervalSeconds,
	})

	pool := upstream.NewPool(cfg.Threads, cfg.Auth, upstream.NewSocksDialer(socksDialer))

	schedCfg := scheduler.Config{
		Auth:        cfg.Auth,
		Multiplex:   cfg.MultiplexMode(),
		MaxClients:  cfg.MaxClients,
		DumpQueries: cfg.DumpQueries,
	}

	workers := make([]*scheduler.Worker, cfg.Threads)
	ifaceWorkers := make([]listener.Worker, cfg.Threads)
	for i := 0; i < cfg.Threads; i++ {
		w := scheduler.NewWorker(i, cfg.Threads, schedCfg, sharedMap, pool, mx, limiter)
		workers[i] = w
		ifaceWorkers[i] = w
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for _, w := range workers {
		go w.Run(ctx)
	}

	lst := listener.New(ifaceWorkers, limiter)
	if err := lst.Listen(cfg.ListenAddr()); err != nil {
		logger.Error("listen: %v", err)
		os.Exit(1)
	}
	go lst.Serve(ctx)
	logger.Success("listening on %s with %d worker threads", cfg.ListenAddr(), cfg.Threads)

	go httpServe(ctx, mx, sharedMap, limiter, cfg)
	go reportLoop(ctx, mx, 60*time.Second)

	<-sigCh
	logger.Info("shutting down...")
	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("shutdown complete")
}

// shardStatus is the per-shard slice reported by /status.
type shardStatus struct {
	Name     string `json:"name"`
	Addr     string `json:"addr"`
	Replica  bool   `json:"replica"`
	NumSlots int    `json:"num_slots"`
}

// statusReport is the full /status payload: worker count, per-shard
// connection state, slot map size, and rate-limit stats.
type statusReport struct {
	metrics.Snapshot
	Workers   int                    `json:"workers"`
	Shards    []shardStatus          `json:"shards"`
	RateLimit map[string]interface{} `json:"rate_limit,omitempty"`
}

func httpServe(ctx context.Context, mx *metrics.Collector, sharedMap *slotmap.Map, limiter *ratelimit.Limiter, cfg *config.Config) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		shards := sharedMap.Shards()
		report := statusReport{
			Snapshot: mx.Snapshot(),
			Workers:  cfg.Threads,
			Shards:   make([]shardStatus, 0, len(shards)),
		}
		if limiter != nil {
			report.RateLimit = limiter.GetGlobalStats()
		}
		for _, s := range shards {
			report.Shards = append(report.Shards, shardStatus{
				Name:     s.Name,
				Addr:     s.Addr(),
				Replica:  s.Replica,
				NumSlots: s.NumSlots(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})

	srv := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warning("http server: %v", err)
	}
}

func reportLoop(ctx context.Context, mx *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastRouted uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := mx.Snapshot()
			delta := snap.RequestsRouted - lastRouted
			rate := float64(delta) / interval.Minutes()
			logger.Info("report: routed=%d (+%d, %.1f/min) cross_slot_rejected=%d protocol_errors=%d reconnects=%d clients=%d private=%d",
				snap.RequestsRouted, delta, rate, snap.CrossSlotRejected, snap.ProtocolErrors, snap.UpstreamReconnects, snap.ClientsActive, snap.ClientsPrivate)
			lastRouted = snap.RequestsRouted
		}
	}
}
