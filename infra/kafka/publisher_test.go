package kafka

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{Topic: "trades"})
	assert.ErrorIs(t, err, ErrNoBrokers)

	_, err = New(Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	_, err = New(Config{Brokers: []string{"localhost:9092"}, Topic: "trades", Client: "zmq"})
	assert.Error(t, err)

	p, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "trades", Client: ClientKafkaGo})
	require.NoError(t, err)
	assert.IsType(t, &WriterPublisher{}, p)
	require.NoError(t, p.Close())
}

func TestSaramaPublisher_SendsEveryMessage(t *testing.T) {
	mp := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(v []byte) error {
		if string(v) != "a" {
			return errors.Newf("got %q", v)
		}
		return nil
	})
	mp.ExpectSendMessageAndSucceed()

	p := NewSaramaPublisherWithProducer(mp, "trades")
	err := p.Publish(context.Background(), []Message{
		{Key: []byte("BTC-USD"), Value: []byte("a")},
		{Key: []byte("BTC-USD"), Value: []byte("b")},
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestSaramaPublisher_ReportsFailure(t *testing.T) {
	mp := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	mp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	p := NewSaramaPublisherWithProducer(mp, "trades")
	err := p.Publish(context.Background(), []Message{{Value: []byte("x")}})
	assert.Error(t, err)
	require.NoError(t, p.Close())
}

func TestSaramaPublisher_EmptyBatch(t *testing.T) {
	mp := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	p := NewSaramaPublisherWithProducer(mp, "trades")
	require.NoError(t, p.Publish(context.Background(), nil))
	require.NoError(t, p.Close())
}

type fakeWriter struct {
	got    []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.got = append(w.got, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestWriterPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &WriterPublisher{writer: w}

	require.NoError(t, p.Publish(context.Background(), []Message{{Key: []byte("k"), Value: []byte("v")}}))
	require.Len(t, w.got, 1)
	assert.Equal(t, []byte("k"), w.got[0].Key)

	w.err = errors.New("broker down")
	assert.Error(t, p.Publish(context.Background(), []Message{{Value: []byte("v")}}))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
