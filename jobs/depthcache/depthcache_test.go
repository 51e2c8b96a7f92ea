package depthcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market/domain/market"
	"market/domain/matching"
	"market/domain/orderbook"
	"market/infra/cache/redis"
	"market/infra/wal/memlog"
	"market/service"
)

type memSink struct{ got map[string]redis.Depth }

func (s *memSink) Set(_ context.Context, d redis.Depth) error {
	s.got[d.Instrument] = d
	return nil
}

func TestJob_WritesChangedBooks(t *testing.T) {
	ctx := context.Background()
	reg := market.NewRegistry()
	require.NoError(t, reg.Register(market.Instrument{Symbol: "BTC-USD", TickSize: 1, LotSize: 1}))
	require.NoError(t, reg.Register(market.Instrument{Symbol: "ETH-USD", TickSize: 1, LotSize: 1}))
	e, err := service.New(service.Config{Log: memlog.New(0), Instruments: reg})
	require.NoError(t, err)

	for p := int64(1); p <= 3; p++ {
		_, err := e.Submit(ctx, matching.Request{Instrument: "BTC-USD", Side: orderbook.Bid, Type: orderbook.Limit, Price: p, Qty: 1})
		require.NoError(t, err)
	}

	sink := &memSink{got: map[string]redis.Depth{}}
	job := New(e, sink, 2, 0, zap.NewNop())

	n, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []orderbook.Level{{Price: 3, Qty: 1, Count: 1}, {Price: 2, Qty: 1, Count: 1}}, sink.got["BTC-USD"].Bids)
	assert.Equal(t, uint64(3), sink.got["BTC-USD"].Seq)

	n, err = job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing moved")

	_, err = e.Submit(ctx, matching.Request{Instrument: "ETH-USD", Side: orderbook.Ask, Type: orderbook.Limit, Price: 5, Qty: 1})
	require.NoError(t, err)
	n, err = job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the view sequence is global")
}
