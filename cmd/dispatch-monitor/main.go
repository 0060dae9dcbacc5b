package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/dispatch-monitor/internal/audit"
	"github.com/signalsfoundry/dispatch-monitor/internal/cancel"
	"github.com/signalsfoundry/dispatch-monitor/internal/config"
	"github.com/signalsfoundry/dispatch-monitor/internal/dashboard"
	"github.com/signalsfoundry/dispatch-monitor/internal/feed"
	"github.com/signalsfoundry/dispatch-monitor/internal/logging"
	"github.com/signalsfoundry/dispatch-monitor/internal/observability"
	"github.com/signalsfoundry/dispatch-monitor/model"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file; defaults apply when empty")
	httpAddr := flag.String("http-addr", "", "Overrides http_addr")
	metricsAddr := flag.String("metrics-addr", "", "Serve /metrics on a separate listener instead of the dashboard port")
	backend := flag.String("feed", "", "Overrides feed.backend (memory, mongo, nats, replay)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		if *httpAddr != "" {
			cfg.HTTPAddr = *httpAddr
		}
		if *metricsAddr != "" {
			cfg.MetricsAddr = *metricsAddr
		}
		if *backend != "" {
			cfg.Feed.Backend = *backend
		}
		cfg.Normalize()
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatch-monitor: %v\n", err)
		os.Exit(2)
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, observability.WithTracingLogger(log))
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}

	lis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Error(ctx, "failed to listen", logging.String("addr", cfg.HTTPAddr), logging.Err(err))
		os.Exit(1)
	}

	err = run(ctx, cfg, log, lis)
	observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
	if err != nil {
		log.Error(ctx, "dispatch monitor exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves the dashboard on lis until ctx ends or a fatal error occurs.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis net.Listener) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	metrics, err := observability.NewDashboardCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	auditLog, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	backend, err := openFeed(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backend.close()

	srv, err := dashboard.New(dashboard.Options{
		Config:  cfg,
		Source:  backend.source,
		Deleter: backend.deleter,
		Logger:  log,
		Metrics: metrics,
		Audit:   auditLog,
	})
	if err != nil {
		return err
	}

	metricsSrv := serveMetrics(cfg.MetricsAddr, metrics, log)
	httpSrv := &http.Server{
		Handler:           srv.Handler(cfg.MetricsAddr == ""),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(lis) }()

	log.Info(ctx, "dispatch monitor listening",
		logging.String("addr", lis.Addr().String()),
		logging.String("feed", cfg.Feed.Backend),
	)

	var result error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			result = fmt.Errorf("http server: %w", err)
		}
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			result = err
		} else {
			log.Warn(ctx, "every collection feed has ended; serving the last state")
			<-ctx.Done()
		}
	}

	log.Info(context.Background(), "shutting down dispatch monitor")
	cancelRun()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http shutdown", logging.Err(err))
	}
	srv.Close(shutdownTimeout)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return result
}

type feedBackend struct {
	source  feed.Source
	deleter cancel.Deleter
	close   func()
}

func openFeed(ctx context.Context, cfg config.Config, log logging.Logger) (feedBackend, error) {
	switch cfg.Feed.Backend {
	case config.BackendMongo:
		client, err := feed.DialMongo(ctx, cfg.Feed.Mongo.URI)
		if err != nil {
			return feedBackend{}, err
		}
		m := feed.NewMongo(client.Database(cfg.Feed.Mongo.Database), log)
		return feedBackend{source: m, deleter: m, close: func() {
			_ = client.Disconnect(context.Background())
		}}, nil

	case config.BackendNATS:
		nc, err := nats.Connect(cfg.Feed.NATS.URL, nats.Name("dispatch-monitor"))
		if err != nil {
			return feedBackend{}, fmt.Errorf("connect nats: %w", err)
		}
		n, err := feed.NewNATS(nc, cfg.Feed.NATS.Stream, cfg.Feed.NATS.SubjectPrefix, log)
		if err == nil {
			err = n.EnsureStream(ctx)
		}
		if err != nil {
			nc.Close()
			return feedBackend{}, err
		}
		return feedBackend{source: n, deleter: n, close: nc.Close}, nil

	case config.BackendReplay:
		r := &feed.Replay{Path: cfg.Feed.Replay.Path, Interval: cfg.Feed.Replay.Interval, Log: log}
		return feedBackend{source: r, deleter: r, close: func() {}}, nil

	default:
		mem := feed.NewMemory(log)
		if path := cfg.Feed.Replay.Path; path != "" {
			if err := seedMemory(mem, path); err != nil {
				mem.Close()
				return feedBackend{}, err
			}
			log.Info(ctx, "seeded memory feed", logging.String("path", path),
				logging.Int("orders", mem.Len(cfg.Collections.Orders.Name)))
		}
		return feedBackend{source: mem, deleter: mem, close: mem.Close}, nil
	}
}

// seedMemory loads a recording into the in-process store so the dashboard has
// something to show, and to cancel, without an external database.
func seedMemory(mem *feed.Memory, path string) error {
	return feed.ReadFile(path, func(_ int, b model.Batch) error {
		return mem.Apply(b.Collection, b.Changes...)
	})
}

func serveMetrics(addr string, collector *observability.DashboardCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
