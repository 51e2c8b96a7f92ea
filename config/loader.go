package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults and applies MARKET_*
// overrides. An empty path skips the file. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, errors.Wrapf(err, "config: decode %s", path)
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setStr(&cfg.Server.GRPCAddr, "MARKET_SERVER_GRPC_ADDR")
	setStr(&cfg.Server.AdminAddr, "MARKET_SERVER_ADMIN_ADDR")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKET_SERVER_CORS_ORIGINS")

	// ── Logging ──
	setStr(&cfg.Logging.Level, "MARKET_LOG_LEVEL")
	setStr(&cfg.Logging.File, "MARKET_LOG_FILE")

	// ── Engine ──
	setDuration(&cfg.Engine.SequencerTimeout, "MARKET_ENGINE_SEQUENCER_TIMEOUT")
	setInt(&cfg.Engine.HistorySize, "MARKET_ENGINE_HISTORY_SIZE")

	// ── Durability log ──
	setStr(&cfg.Log.Backend, "MARKET_WAL_BACKEND")
	setStr(&cfg.Log.Dir, "MARKET_WAL_DIR")
	setInt64(&cfg.Log.SegmentSize, "MARKET_WAL_SEGMENT_SIZE")
	setInt64(&cfg.Log.MaxBytes, "MARKET_WAL_MAX_BYTES")
	setUint64(&cfg.Log.MaxEntries, "MARKET_WAL_MAX_ENTRIES")

	// ── Snapshot ──
	setStr(&cfg.Snapshot.Dir, "MARKET_SNAPSHOT_DIR")
	setDuration(&cfg.Snapshot.Interval, "MARKET_SNAPSHOT_INTERVAL")
	setInt(&cfg.Snapshot.Retain, "MARKET_SNAPSHOT_RETAIN")
	setStr(&cfg.Snapshot.S3.Bucket, "MARKET_S3_BUCKET")
	setStr(&cfg.Snapshot.S3.Region, "MARKET_S3_REGION")
	setStr(&cfg.Snapshot.S3.Endpoint, "MARKET_S3_ENDPOINT")
	setStr(&cfg.Snapshot.S3.AccessKey, "MARKET_S3_ACCESS_KEY")
	setStr(&cfg.Snapshot.S3.SecretKey, "MARKET_S3_SECRET_KEY")
	setStr(&cfg.Snapshot.S3.Prefix, "MARKET_S3_PREFIX")
	setBool(&cfg.Snapshot.S3.UseSSL, "MARKET_S3_USE_SSL")
	setBool(&cfg.Snapshot.S3.ForcePathStyle, "MARKET_S3_PATH_STYLE")

	// ── Database ──
	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Database.DSN, "MARKET_DATABASE_DSN")
	setBool(&cfg.Database.RunMigrations, "MARKET_DATABASE_RUN_MIGRATIONS")
	setInt(&cfg.Database.MaxConns, "MARKET_DATABASE_MAX_CONNS")
	setInt(&cfg.Database.MinConns, "MARKET_DATABASE_MIN_CONNS")
	setDuration(&cfg.Database.ProjectInterval, "MARKET_DATABASE_PROJECT_INTERVAL")

	// ── Kafka ──
	setStringSlice(&cfg.Kafka.Brokers, "MARKET_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "MARKET_KAFKA_TOPIC")
	setStr(&cfg.Kafka.Client, "MARKET_KAFKA_CLIENT")
	setDuration(&cfg.Kafka.PollInterval, "MARKET_KAFKA_POLL_INTERVAL")
	setInt(&cfg.Kafka.BatchSize, "MARKET_KAFKA_BATCH_SIZE")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKET_REDIS_DB")
	setInt(&cfg.Redis.Depth, "MARKET_REDIS_DEPTH")
	setDuration(&cfg.Redis.Interval, "MARKET_REDIS_INTERVAL")
}

// Each helper only mutates the target when the variable is set, non-empty
// and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
