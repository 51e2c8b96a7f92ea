// Command migrate manages the schema store.
//
//	migrate [-config config.toml] up      apply pending migrations
//	migrate [-config config.toml] status  list migrations and the schema version
//	migrate [-config config.toml] seed    upsert configured instruments
//
// The DSN comes from [database] dsn, MARKET_DATABASE_DSN or DATABASE_URL.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"market/config"
	"market/infra/logging"
	"market/infra/postgres"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] up|status|seed\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Arg(0), cfg, logger); err != nil {
		logger.Fatal("migrate failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
}

func run(ctx context.Context, cmd string, cfg *config.Config, logger *zap.Logger) error {
	if !cfg.Database.Enabled() {
		return errors.New("no database configured")
	}
	db, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:            cfg.Database.DSN,
		MaxConns:       2,
		ConnectTimeout: cfg.Database.ConnectTimeout.Duration,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	switch cmd {
	case "up":
		applied, err := db.RunMigrations(ctx)
		if err != nil {
			return err
		}
		v, err := db.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		logger.Info("schema up to date", zap.Strings("applied", applied), zap.Int("version", v))
		return nil

	case "status":
		st, err := db.Status(ctx)
		if err != nil {
			return err
		}
		v, err := db.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED AT")
		for _, s := range st {
			at := "pending"
			if s.Applied {
				at = s.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", s.Version, s.Name, at)
		}
		fmt.Fprintf(w, "\nschema version %d, expected %d\n", v, postgres.ExpectedVersion())
		return w.Flush()

	case "seed":
		if err := db.RequireVersion(ctx, postgres.ExpectedVersion()); err != nil {
			return err
		}
		store := db.Instruments()
		for _, ic := range cfg.Instruments {
			inst := ic.Instrument()
			if err := inst.Validate(); err != nil {
				return err
			}
			if err := store.Upsert(ctx, inst); err != nil {
				return err
			}
		}
		logger.Info("instruments seeded", zap.Int("count", len(cfg.Instruments)))
		return nil
	}
	return errors.Newf("unknown command %q", cmd)
}
