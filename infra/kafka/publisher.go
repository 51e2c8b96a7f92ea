// Package kafka publishes keyed messages to a topic. Two clients are
// supported: sarama's SyncProducer and kafka-go's Writer.
package kafka

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

// Message is one record to publish. Key selects the partition.
type Message struct {
	Key   []byte
	Value []byte
}

// Publisher sends a batch synchronously. A nil error means every message in
// the batch was acknowledged by the broker.
type Publisher interface {
	Publish(ctx context.Context, msgs []Message) error
	Close() error
}

type Client string

const (
	ClientSarama  Client = "sarama"
	ClientKafkaGo Client = "kafka-go"
)

type Config struct {
	Brokers []string
	Topic   string
	Client  Client
}

var ErrNoBrokers = errors.New("kafka: no brokers configured")

// New builds the publisher selected by cfg.Client (sarama by default).
func New(cfg Config) (Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	switch Client(strings.ToLower(string(cfg.Client))) {
	case "", ClientSarama:
		return NewSaramaPublisher(cfg.Brokers, cfg.Topic)
	case ClientKafkaGo:
		return NewWriterPublisher(cfg.Brokers, cfg.Topic), nil
	default:
		return nil, errors.Newf("kafka: unknown client %q", cfg.Client)
	}
}
