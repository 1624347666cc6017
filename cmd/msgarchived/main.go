package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"msgarchive/internal/archive"
	"msgarchive/internal/batch"
	"msgarchive/internal/config"
	"msgarchive/internal/ingest/kafka"
	"msgarchive/internal/ingest/mqtt"
	"msgarchive/internal/ingest/rabbitmq"
	"msgarchive/internal/ingest/socket"
	"msgarchive/internal/logging"
	"msgarchive/internal/metrics"
	"msgarchive/internal/storage"
	"msgarchive/internal/storage/memory"
	"msgarchive/internal/storage/redis"
	"msgarchive/internal/storage/sqlite"
	"msgarchive/internal/topic"
	"msgarchive/internal/ulid"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (yaml, toml or json)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("msgarchived stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gen, err := ulid.NewGenerator(cfg.IdentifierFlags())
	if err != nil {
		return fmt.Errorf("identifier generator: %w", err)
	}
	log.WithField("seeding", gen.Seeding().String()).Info("identifier generator ready")

	store := openStore(ctx, cfg, log)
	worker := batch.NewWorker(store, batch.Config{
		BatchSize:     cfg.Archive.BatchSize,
		FlushInterval: cfg.FlushInterval(),
		Logger:        log,
		Metrics:       m,
	})

	acfg := archive.Config{
		Generator: gen,
		Filter:    topic.NewFilter(topic.ParsePatterns(cfg.Archive.ExcludeTopics)),
		Logger:    log,
		Metrics:   m,
	}
	if store != nil {
		worker.Start()
		acfg.Store, acfg.Queue = store, worker
	}
	arch := archive.New(acfg)

	var (
		wg      sync.WaitGroup
		closers []func()
	)
	ingestCtx, cancelIngest := context.WithCancel(ctx)
	defer cancelIngest()

	if cfg.MQTT.Enabled {
		srv, err := mqtt.NewServer(mqtt.Config{Address: cfg.MQTT.Address, Logger: log}, arch)
		if err != nil {
			return err
		}
		if err := srv.Start(ingestCtx); err != nil {
			return err
		}
		closers = append(closers, func() { _ = srv.Close() })
	}

	if cfg.Ingest.Socket.Enabled {
		srv := socket.NewServer(cfg.SocketServer(log), socket.NewArchiveEngine(arch, store))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ingestCtx); err != nil {
				log.WithError(err).Error("socket listener stopped")
			}
		}()
		closers = append(closers, func() { _ = srv.Close() })
	}

	if cfg.Ingest.Kafka.Enabled {
		adapter, err := kafka.NewAdapter(cfg.KafkaAdapter(log), arch)
		if err != nil {
			return fmt.Errorf("kafka adapter: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adapter.Start(ingestCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("kafka bridge stopped")
			}
		}()
		closers = append(closers, adapter.Close)
	}

	if cfg.Ingest.RabbitMQ.Enabled {
		adapter, err := rabbitmq.NewAdapter(cfg.RabbitMQAdapter(log), arch)
		if err != nil {
			return fmt.Errorf("rabbitmq adapter: %w", err)
		}
		if err := adapter.Start(ingestCtx); err != nil {
			return err
		}
		closers = append(closers, func() { _ = adapter.Close() })
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics listener stopped")
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	// Ingest first so nothing is enqueued after the final flush.
	cancelIngest()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	wg.Wait()
	worker.Stop()
	if store != nil {
		if err := store.Close(); err != nil {
			log.WithError(err).Error("close storage")
		}
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// openStore returns nil when the configured backend cannot be opened. The
// daemon keeps running and tags messages without persisting them.
func openStore(ctx context.Context, cfg config.Config, log *logrus.Logger) storage.Store {
	entry := logging.Component(log, "storage").WithField("driver", cfg.Storage.Driver)
	var (
		store storage.Store
		err   error
	)
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		var s *sqlite.Store
		s, err = sqlite.Open(ctx, cfg.Storage.SQLite.Path)
		if err == nil {
			store = s
		}
	case config.DriverRedis:
		var s *redis.Store
		s, err = redis.Open(ctx, cfg.RedisOptions())
		if err == nil {
			store = s
		}
	case config.DriverMemory:
		store = memory.New()
	}
	if err != nil {
		entry.WithError(err).Error("storage unavailable, messages will not be persisted")
		return nil
	}
	entry.Info("storage opened")
	return store
}
