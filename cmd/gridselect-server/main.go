package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mohammed-shakir/grid-select/internal/cache/indexcache"
	"github.com/mohammed-shakir/grid-select/internal/cache/redisstore"
	"github.com/mohammed-shakir/grid-select/internal/core/config"
	"github.com/mohammed-shakir/grid-select/internal/core/health"
	"github.com/mohammed-shakir/grid-select/internal/core/observability"
	"github.com/mohammed-shakir/grid-select/internal/core/server"
	"github.com/mohammed-shakir/grid-select/internal/dataset"
	"github.com/mohammed-shakir/grid-select/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/grid-select/internal/logger"
	"github.com/mohammed-shakir/grid-select/internal/metrics"
	"github.com/mohammed-shakir/grid-select/internal/pipeline"
	"github.com/mohammed-shakir/grid-select/internal/selevents"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	cfg := config.FromEnv()

	// flags override the environment
	addr := flag.String("addr", cfg.Addr, "listen address")
	dir := flag.String("datasets", cfg.DatasetDir, "directory of *.parquet datasets")
	level := flag.String("log-level", cfg.LogLevel, "log level")
	withCache := flag.Bool("index-cache", cfg.IndexCache.Enabled, "cache index maps in Redis")
	flag.Parse()
	cfg.Addr = strings.TrimSpace(*addr)
	cfg.DatasetDir = strings.TrimSpace(*dir)
	cfg.LogLevel = *level
	cfg.IndexCache.Enabled = *withCache

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Service:   "grid-select",
		Component: "server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	prov := metrics.Init(metrics.Config{
		Build: observability.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})

	appLog.Info("starting grid-select",
		"addr", cfg.Addr,
		"version", Version,
		"datasets", cfg.DatasetDir,
		"index_cache", cfg.IndexCache.Enabled,
		"invalidation", cfg.Invalidation.Enabled,
		"events", cfg.Events.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := dataset.NewRegistry()
	if err := reg.LoadDir(ctx, cfg.DatasetDir); err != nil {
		appLog.Error("dataset load failed", "dir", cfg.DatasetDir, "err", err)
		return 1
	}
	appLog.Info("datasets loaded", "names", reg.Names())

	var opts []pipeline.Option
	ready := []health.ReadinessReporter{reg}

	var idx *indexcache.Cache
	if cfg.IndexCache.Enabled {
		rc, err := redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			appLog.Error("redis unavailable", "addr", cfg.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()

		idx, err = indexcache.New(cfg.IndexCache.LRUSize,
			indexcache.WithStore(rc),
			indexcache.WithTTL(cfg.IndexCache.TTL),
			indexcache.WithOpTimeout(cfg.CacheOpTimeout),
			indexcache.WithLogger(appLog),
		)
		if err != nil {
			appLog.Error("index cache setup failed", "err", err)
			return 1
		}
		opts = append(opts, pipeline.WithIndexCache(idx))
	}

	if cfg.Events.Enabled {
		pub, err := selevents.NewKafka(cfg.Invalidation.Brokers, cfg.Events.Topic, cfg.Events.Queue, appLog)
		if err != nil {
			appLog.Error("event publisher setup failed", "err", err)
			return 1
		}
		defer func() { _ = pub.Close() }()
		opts = append(opts, pipeline.WithPublisher(pub))
	}

	if cfg.Invalidation.Enabled {
		var inv kafkaconsumer.Invalidator
		if idx != nil {
			inv = idx
		}
		cons := kafkaconsumer.New(kafkaconsumer.ConfigFrom(cfg.Invalidation), appLog, &zl, inv, reg)
		ready = append(ready, cons)
		go func() {
			if err := cons.Start(ctx); err != nil {
				appLog.Error("invalidation consumer stopped", "err", err)
			}
		}()
	}

	deps := server.Deps{
		Registry: reg,
		Builder:  pipeline.NewBuilder(appLog, reg, opts...),
		Metrics:  prov.Handler(),
		Ready:    ready,
	}
	if err := server.Run(ctx, cfg, appLog, deps); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
