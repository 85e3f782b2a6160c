package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kvcache/internal/api"
	"kvcache/internal/cache"
	"kvcache/internal/logging"
	"kvcache/internal/monitor"
	"kvcache/internal/stats"
	statslogger "kvcache/internal/stats/logger"
	statsprom "kvcache/internal/stats/prometheus"
	"kvcache/internal/storage"
	"kvcache/pkg/config"
)

const serviceName = "kvcache"

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	logger, err := logging.InitializeFromConfig(serviceName, cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())

	// net/http runs each connection on its own goroutine; workers bounds the
	// OS threads executing them.
	if cfg.Server.Workers > 0 {
		runtime.GOMAXPROCS(cfg.Server.Workers)
	}

	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "kvcache starting", map[string]interface{}{
		"config_file": cfg.Source,
		"addr":        cfg.Server.Addr(),
		"workers":     runtime.GOMAXPROCS(0),
		"memory":      cfg.Memory.Source,
		"metrics":     cfg.Metrics.Backend,
	})
	if cfg.Source == "" {
		logging.Warn(ctx, logging.ComponentConfig, logging.ActionStart, "Configuration file not found, using defaults", map[string]interface{}{
			"path": configPath,
		})
	}

	collector, metricsHandler, closeMetrics, err := newCollector(cfg.Metrics)
	if err != nil {
		return err
	}
	defer closeMetrics()

	store, err := newStore(cfg)
	if err != nil {
		return err
	}

	mon, err := newMonitor(cfg, store, collector)
	if err != nil {
		return err
	}

	engine, err := cache.NewEngine(engineConfig(cfg.Eviction), store, cache.WithCollector(collector))
	if err != nil {
		return err
	}
	task := cache.NewTask(engine, mon, cfg.Eviction.Interval, cfg.Eviction.FreeOSMemory)

	if err := armEmergencyKick(cfg, store, mon, task); err != nil {
		return err
	}

	opts := []api.Option{
		api.WithEngine(engine),
		api.WithSampler(mon),
		api.WithCollector(collector),
	}
	if metricsHandler != nil {
		opts = append(opts, api.WithMetricsHandler(metricsHandler))
	}
	server := api.New(api.Config{
		Addr:            cfg.Server.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, store, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		task.Start(gctx)
		<-gctx.Done()
		task.Close()
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})

	err = g.Wait()
	logging.Info(nil, logging.ComponentMain, logging.ActionStop, "kvcache stopped", map[string]interface{}{
		"entries": store.Len(),
		"cycles":  engine.State().Cycle,
	})
	return err
}

// applyFlags lets explicitly set flags win over file and environment.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("workers") {
		cfg.Server.Workers = workers
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

// newStore charges the pool the same per-entry overhead the size estimate
// uses, against the same ceiling, so its emergency edge lines up with the
// engine's view of the estimate.
func newStore(cfg *config.Config) (*storage.Store, error) {
	ceiling, err := config.ParseSize(cfg.Memory.Ceiling)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewStore(storage.StoreConfig{
		Name:          cfg.Cache.Name,
		Shards:        cfg.Cache.Shards,
		MaxMemory:     ceiling,
		EntryOverhead: entryOverhead(cfg.Memory),
	})
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return store, nil
}

func entryOverhead(m config.MemoryConfig) int64 {
	if m.EntryOverhead == 0 {
		return monitor.DefaultEntryOverhead
	}
	return int64(m.EntryOverhead)
}

// armEmergencyKick runs an unscheduled cycle when PUTs push the store past
// the emergency threshold, without waiting for the next tick. With no
// configured ceiling the pool adopts the total the monitor reports.
func armEmergencyKick(cfg *config.Config, store *storage.Store, mon *monitor.Monitor, task *cache.Task) error {
	pool := store.MemoryPool()
	if pool.MaxSize() == 0 {
		if err := pool.Resize(int64(mon.Sample().TotalBytes)); err != nil {
			return fmt.Errorf("sizing memory pool: %w", err)
		}
	}
	if err := pool.SetPressureThresholds(cfg.Eviction.PressureThreshold, cfg.Eviction.EmergencyThreshold); err != nil {
		return fmt.Errorf("configuring memory pool: %w", err)
	}
	pool.SetPressureHandlers(func(pressure float64) {
		logging.Info(nil, logging.ComponentStorage, logging.ActionPressure, "Store estimate entered pressure range", map[string]interface{}{
			"pressure": pressure,
		})
	}, func(pressure float64) {
		logging.Warn(nil, logging.ComponentStorage, logging.ActionEmergency, "Store estimate entered emergency range, kicking eviction", map[string]interface{}{
			"pressure": pressure,
		})
		task.Kick()
	})
	return nil
}

func newMonitor(cfg *config.Config, store *storage.Store, collector stats.Collector) (*monitor.Monitor, error) {
	ceiling, err := config.ParseSize(cfg.Memory.Ceiling)
	if err != nil {
		return nil, err
	}
	source, err := monitor.ParseSource(cfg.Memory.Source)
	if err != nil {
		return nil, err
	}
	mon, err := monitor.New(monitor.Config{
		Source:        source,
		Ceiling:       ceiling,
		EntryOverhead: uint64(cfg.Memory.EntryOverhead),
		Smoothing:     cfg.Memory.Smoothing,
		ProcRoot:      cfg.Memory.ProcRoot,
	}, store, collector)
	if err != nil {
		return nil, fmt.Errorf("creating memory monitor: %w", err)
	}
	return mon, nil
}

func engineConfig(c config.EvictionConfig) cache.Config {
	return cache.Config{
		PressureThreshold:    c.PressureThreshold,
		EmergencyThreshold:   c.EmergencyThreshold,
		EmergencyTarget:      c.EmergencyTarget,
		LRUThreshold:         c.LRUThreshold,
		MinCapacityFraction:  c.MinCapacityFraction,
		EmergencyMinFraction: c.EmergencyMinFraction,
		SampleSize:           c.SampleSize,
		SweepFactor:          c.SweepFactor,
		Seed:                 c.Seed,
	}
}

// newCollector builds the configured metrics backend. The returned handler is
// nil unless the backend is prometheus.
func newCollector(c config.MetricsConfig) (stats.Collector, http.Handler, func(), error) {
	switch c.Backend {
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
		return statsprom.New(reg), handler, func() {}, nil
	case "log":
		zl, err := zap.NewProduction()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("creating metrics logger: %w", err)
		}
		return statslogger.New(zl), nil, func() { _ = zl.Sync() }, nil
	case "noop":
		return stats.NewNoop(), nil, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown metrics backend %q", c.Backend)
	}
}
