// Package config loads the broker configuration: built-in defaults, then a
// TOML file, then .env, then MARKET_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"market/domain/market"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Server      ServerConfig       `toml:"server"`
	Logging     LoggingConfig      `toml:"logging"`
	Engine      EngineConfig       `toml:"engine"`
	Log         LogConfig          `toml:"log"`
	Snapshot    SnapshotConfig     `toml:"snapshot"`
	Database    DatabaseConfig     `toml:"database"`
	Kafka       KafkaConfig        `toml:"kafka"`
	Redis       RedisConfig        `toml:"redis"`
	Instruments []InstrumentConfig `toml:"instruments"`
}

type ServerConfig struct {
	GRPCAddr    string   `toml:"grpc_addr"`
	AdminAddr   string   `toml:"admin_addr"`
	CORSOrigins []string `toml:"cors_origins"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type EngineConfig struct {
	SequencerTimeout duration `toml:"sequencer_timeout"`
	HistorySize      int      `toml:"history_size"`
}

// LogConfig selects and sizes the durability log backend.
type LogConfig struct {
	Backend string `toml:"backend"` // pebble | segment
	Dir     string `toml:"dir"`
	// segment backend
	SegmentSize int64 `toml:"segment_size"`
	MaxBytes    int64 `toml:"max_bytes"`
	// pebble backend
	MaxEntries uint64 `toml:"max_entries"`
}

type SnapshotConfig struct {
	Dir      string   `toml:"dir"`
	Interval duration `toml:"interval"`
	Retain   int      `toml:"retain"`
	S3       S3Config `toml:"s3"`
}

// S3Config enables the off-host snapshot archive when Bucket is set.
type S3Config struct {
	Bucket         string `toml:"bucket"`
	Region         string `toml:"region"`
	Endpoint       string `toml:"endpoint"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	Prefix         string `toml:"prefix"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"path_style"`
}

func (c S3Config) Enabled() bool { return c.Bucket != "" }

// DatabaseConfig enables the schema store when DSN is set.
type DatabaseConfig struct {
	DSN            string   `toml:"dsn"`
	RunMigrations  bool     `toml:"run_migrations"`
	MaxConns       int      `toml:"max_conns"`
	MinConns       int      `toml:"min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	// ProjectInterval paces the trade projector.
	ProjectInterval duration `toml:"project_interval"`
}

func (c DatabaseConfig) Enabled() bool { return c.DSN != "" }

// KafkaConfig enables the trade broadcaster when Brokers is set.
type KafkaConfig struct {
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	Client       string   `toml:"client"` // sarama | kafka-go
	PollInterval duration `toml:"poll_interval"`
	BatchSize    int      `toml:"batch_size"`
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// RedisConfig enables the depth cache when Addr is set.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	PoolSize int      `toml:"pool_size"`
	Depth    int      `toml:"depth"`
	Interval duration `toml:"interval"`
	TTL      duration `toml:"ttl"`
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type InstrumentConfig struct {
	Symbol   string `toml:"symbol"`
	TickSize int64  `toml:"tick_size"`
	LotSize  int64  `toml:"lot_size"`
}

func (i InstrumentConfig) Instrument() market.Instrument {
	return market.Instrument{Symbol: i.Symbol, TickSize: i.TickSize, LotSize: i.LotSize}
}

// duration decodes TOML strings such as "5s" or "250ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			GRPCAddr:  ":9090",
			AdminAddr: ":8080",
		},
		Logging: LoggingConfig{Level: "info"},
		Engine: EngineConfig{
			SequencerTimeout: duration{time.Second},
			HistorySize:      100_000,
		},
		Log: LogConfig{
			Backend:     "pebble",
			Dir:         "data/log",
			SegmentSize: 64 << 20,
		},
		Snapshot: SnapshotConfig{
			Dir:      "data/snapshots",
			Interval: duration{time.Minute},
			Retain:   5,
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "snapshots",
				UseSSL: true,
			},
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        1,
			ConnectTimeout:  duration{10 * time.Second},
			ProjectInterval: duration{time.Second},
		},
		Kafka: KafkaConfig{
			Topic:        "market.trades",
			Client:       "sarama",
			PollInterval: duration{250 * time.Millisecond},
			BatchSize:    512,
		},
		Redis: RedisConfig{
			PoolSize: 10,
			Depth:    20,
			Interval: duration{500 * time.Millisecond},
			TTL:      duration{time.Minute},
		},
	}
}

var (
	validBackends = map[string]bool{"pebble": true, "segment": true}
	validClients  = map[string]bool{"sarama": true, "kafka-go": true}
	validLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Validate reports every problem at once, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.GRPCAddr == "" {
		errs = append(errs, "server.grpc_addr is required")
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("unknown logging.level %q", c.Logging.Level))
	}
	if c.Engine.SequencerTimeout.Duration <= 0 {
		errs = append(errs, "engine.sequencer_timeout must be positive")
	}
	if c.Engine.HistorySize <= 0 {
		errs = append(errs, "engine.history_size must be positive")
	}

	if !validBackends[c.Log.Backend] {
		errs = append(errs, fmt.Sprintf("unknown log.backend %q (valid: pebble, segment)", c.Log.Backend))
	}
	if c.Log.Dir == "" {
		errs = append(errs, "log.dir is required")
	}
	if c.Log.Backend == "segment" && c.Log.SegmentSize <= 0 {
		errs = append(errs, "log.segment_size must be positive")
	}
	if c.Log.MaxBytes < 0 {
		errs = append(errs, "log.max_bytes must not be negative")
	}

	if c.Snapshot.Dir == "" {
		errs = append(errs, "snapshot.dir is required")
	}
	if c.Snapshot.Interval.Duration < 0 {
		errs = append(errs, "snapshot.interval must not be negative")
	}
	if c.Snapshot.Retain < 0 {
		errs = append(errs, "snapshot.retain must not be negative")
	}

	if c.Database.Enabled() && c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, "database.max_conns must be >= database.min_conns")
	}
	if c.Kafka.Enabled() {
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka.topic is required when brokers are set")
		}
		if !validClients[c.Kafka.Client] {
			errs = append(errs, fmt.Sprintf("unknown kafka.client %q (valid: sarama, kafka-go)", c.Kafka.Client))
		}
		// the broadcaster cursor lives in postgres or next to the pebble log
		if !c.Database.Enabled() && c.Log.Backend != "pebble" {
			errs = append(errs, "kafka needs a database or the pebble log backend to keep its cursor")
		}
	}
	if c.Redis.Enabled() && c.Redis.Depth <= 0 {
		errs = append(errs, "redis.depth must be positive")
	}

	seen := make(map[string]bool, len(c.Instruments))
	for i, inst := range c.Instruments {
		switch {
		case inst.Symbol == "":
			errs = append(errs, fmt.Sprintf("instruments[%d]: symbol is required", i))
		case seen[inst.Symbol]:
			errs = append(errs, fmt.Sprintf("instruments[%d]: duplicate symbol %q", i, inst.Symbol))
		}
		seen[inst.Symbol] = true
		if inst.TickSize <= 0 || inst.LotSize <= 0 {
			errs = append(errs, fmt.Sprintf("instruments[%d]: tick_size and lot_size must be positive", i))
		}
	}

	if len(errs) > 0 {
		return errors.Wrap(ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
