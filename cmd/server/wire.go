package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"market/config"
	s3blob "market/infra/blob/s3"
	"market/infra/postgres"
	"market/infra/wal"
	"market/infra/wal/pebblelog"
	"market/infra/wal/segment"
	"market/snapshot"
)

// cursorStore keeps log consumer progress.
type cursorStore interface {
	Load(ctx context.Context, name string) (uint64, error)
	Save(ctx context.Context, name string, seq uint64) error
	All(ctx context.Context) (map[string]uint64, error)
}

// openLog opens the configured backend. The pebble backend also carries
// consumer cursors; the segment backend returns none.
func openLog(cfg config.LogConfig, logger *zap.Logger) (wal.Log, cursorStore, error) {
	switch cfg.Backend {
	case "segment":
		l, err := segment.Open(segment.Config{
			Dir:         cfg.Dir,
			SegmentSize: cfg.SegmentSize,
			MaxBytes:    cfg.MaxBytes,
		})
		if err != nil {
			return nil, nil, errors.Wrap(err, "open segment log")
		}
		if n := l.Repaired(); n > 0 {
			logger.Warn("torn tail discarded from durability log",
				zap.String("dir", cfg.Dir), zap.Int64("bytes", n), zap.Uint64("last_seq", l.LastSeq()))
		}
		return l, nil, nil
	default:
		l, err := pebblelog.Open(pebblelog.Config{Dir: cfg.Dir, MaxEntries: cfg.MaxEntries})
		if err != nil {
			return nil, nil, errors.Wrap(err, "open pebble log")
		}
		return l, l.Cursors(), nil
	}
}

// openSnapshots returns the local file store, mirrored to S3 when a bucket
// is configured.
func openSnapshots(ctx context.Context, cfg config.SnapshotConfig, logger *zap.Logger) (snapshot.Store, error) {
	var store snapshot.Store = &snapshot.FileStore{Dir: cfg.Dir, Retain: cfg.Retain}
	if !cfg.S3.Enabled() {
		return store, nil
	}

	client, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		UseSSL:         cfg.S3.UseSSL,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Health(ctx); err != nil {
		logger.Warn("snapshot bucket unreachable; mirroring anyway", zap.String("bucket", cfg.S3.Bucket), zap.Error(err))
	}
	return &snapshot.Mirror{
		Primary: store,
		Secondary: &snapshot.S3Store{
			Blobs:    client,
			Prefix:   cfg.S3.Prefix,
			Retain:   cfg.Retain,
			NotFound: s3blob.IsNotFound,
		},
		Log: logger,
	}, nil
}

// openDatabase connects to the schema store, optionally applies pending
// migrations, and refuses to continue on an unexpected schema version.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*postgres.Client, error) {
	db, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:            cfg.DSN,
		MaxConns:       cfg.MaxConns,
		MinConns:       cfg.MinConns,
		ConnectTimeout: cfg.ConnectTimeout.Duration,
	})
	if err != nil {
		return nil, err
	}

	if cfg.RunMigrations {
		applied, err := db.RunMigrations(ctx)
		if err != nil {
			db.Close()
			return nil, err
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", zap.Strings("files", applied))
		}
	}
	if err := db.RequireVersion(ctx, postgres.ExpectedVersion()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
