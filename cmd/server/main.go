// Command server runs the matching broker: it recovers the books from the
// newest snapshot and the durability log, then serves gRPC and the admin
// HTTP surface while the background jobs tail the log.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"market/api/admin"
	"market/api/grpcserver"
	"market/config"
	"market/domain/market"
	"market/infra/cache/redis"
	"market/infra/kafka"
	"market/infra/logging"
	"market/infra/metrics"
	"market/infra/postgres"
	"market/jobs/broadcaster"
	"market/jobs/depthcache"
	"market/jobs/projector"
	"market/service"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, File: cfg.Logging.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("market broker starting", zap.String("config", *configPath))
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("broker stopped", zap.Error(err))
	}
	logger.Info("market broker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// ---------------- Instruments + schema store ----------------

	reg := market.NewRegistry()
	for _, ic := range cfg.Instruments {
		if err := reg.Register(ic.Instrument()); err != nil {
			return err
		}
	}

	var db *postgres.Client
	if cfg.Database.Enabled() {
		var err error
		if db, err = openDatabase(ctx, cfg.Database, logger); err != nil {
			return err
		}
		defer db.Close()

		added, err := db.Instruments().LoadInto(ctx, reg)
		if err != nil {
			return err
		}
		logger.Info("instruments loaded", zap.Int("configured", len(cfg.Instruments)), zap.Int("from_database", added))
	}
	if reg.Len() == 0 {
		logger.Warn("no instruments registered; every order will be rejected")
	}

	// ---------------- Durability log + snapshots ----------------

	log, logCursors, err := openLog(cfg.Log, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := log.Close(); err != nil {
			logger.Error("close durability log", zap.Error(err))
		}
	}()

	snapshots, err := openSnapshots(ctx, cfg.Snapshot, logger)
	if err != nil {
		return err
	}

	// ---------------- Engine ----------------

	m := metrics.New()
	engine, err := service.New(service.Config{
		Log:              log,
		Instruments:      reg,
		Snapshots:        snapshots,
		Metrics:          m,
		Logger:           logger,
		SequencerTimeout: cfg.Engine.SequencerTimeout.Duration,
		HistorySize:      cfg.Engine.HistorySize,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	rep, err := engine.Recover(ctx)
	if err != nil {
		return errors.Wrap(err, "recovery")
	}
	logger.Info("recovered",
		zap.Uint64("snapshot_seq", rep.SnapshotSeq),
		zap.Int("replayed", rep.Replayed),
		zap.Uint64("last_seq", rep.LastSeq),
		zap.String("digest", rep.Digest),
		zap.Duration("took", time.Since(start)),
	)

	// Consumer cursors live in postgres when configured, otherwise beside
	// the pebble log.
	var cursors cursorStore = logCursors
	if db != nil {
		cursors = db.Cursors()
	}

	g, ctx := errgroup.WithContext(ctx)

	// ---------------- gRPC ----------------

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", cfg.Server.GRPCAddr)
	}
	grpcSrv := grpcserver.NewGRPCServer(engine, logger)
	g.Go(func() error {
		logger.Info("grpc listening", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return errors.Wrap(err, "grpc: serve")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		grpcSrv.GracefulStop()
		return nil
	})

	// ---------------- Admin HTTP ----------------

	if cfg.Server.AdminAddr != "" {
		adm := admin.NewServer(engine, admin.Config{
			Addr:           cfg.Server.AdminAddr,
			AllowedOrigins: cfg.Server.CORSOrigins,
			Metrics:        m.Handler(),
			Logger:         logger,
		})
		g.Go(func() error { return adm.Run(ctx) })
	}

	// ---------------- Background jobs ----------------

	var consumers []string

	if cfg.Kafka.Enabled() {
		pub, err := kafka.New(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Client:  kafka.Client(cfg.Kafka.Client),
		})
		if err != nil {
			return err
		}
		bc := broadcaster.New(broadcaster.Config{
			Log:       log,
			Publisher: pub,
			Cursors:   cursors,
			Interval:  cfg.Kafka.PollInterval.Duration,
			Batch:     cfg.Kafka.BatchSize,
			Metrics:   m,
			Logger:    logger,
		})
		consumers = append(consumers, bc.Name())
		g.Go(func() error {
			defer func() { _ = bc.Close() }()
			return bc.Run(ctx)
		})
	}

	if db != nil {
		pj := projector.New(projector.Config{
			Log:      log,
			Store:    db.Projections(),
			Cursors:  db.Cursors(),
			Interval: cfg.Database.ProjectInterval.Duration,
			Metrics:  m,
			Logger:   logger,
		})
		consumers = append(consumers, pj.Name())
		g.Go(func() error { return pj.Run(ctx) })
	}

	if cfg.Redis.Enabled() {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		job := depthcache.New(engine, redis.NewDepthCache(rc, cfg.Redis.TTL.Duration),
			cfg.Redis.Depth, cfg.Redis.Interval.Duration, logger)
		g.Go(func() error {
			defer func() { _ = rc.Close() }()
			return job.Run(ctx)
		})
	}

	if snapshots != nil && cfg.Snapshot.Interval.Duration > 0 {
		job := service.NewSnapshotJob(engine, cfg.Snapshot.Interval.Duration, cursors, consumers...)
		g.Go(func() error { return job.Run(ctx) })
	}

	err = g.Wait()

	// Leave a fresh snapshot behind so the next start replays less.
	if snapshots != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if st, serr := engine.SaveSnapshot(saveCtx); serr != nil {
			logger.Warn("shutdown snapshot failed", zap.Error(serr))
		} else {
			logger.Info("shutdown snapshot saved", zap.Uint64("seq", st.Seq))
		}
	}
	return err
}
