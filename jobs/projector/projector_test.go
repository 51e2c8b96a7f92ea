package projector

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market/domain/market"
	"market/domain/matching"
	"market/domain/orderbook"
	"market/infra/postgres"
	"market/infra/wal"
	"market/infra/wal/memlog"
	"market/service"
)

type fakeStore struct {
	cursors map[string]uint64
	applied []postgres.Projection
	fail    error
}

func (s *fakeStore) Load(_ context.Context, name string) (uint64, error) { return s.cursors[name], nil }

func (s *fakeStore) Apply(_ context.Context, name string, through uint64, p postgres.Projection) error {
	if s.fail != nil {
		return s.fail
	}
	s.applied = append(s.applied, p)
	s.cursors[name] = through
	return nil
}

func engine(t *testing.T) (*service.Engine, *memlog.Log) {
	t.Helper()
	reg := market.NewRegistry()
	require.NoError(t, reg.Register(market.Instrument{Symbol: "BTC-USD", TickSize: 1, LotSize: 1}))
	log := memlog.New(0)
	e, err := service.New(service.Config{Log: log, Instruments: reg})
	require.NoError(t, err)
	return e, log
}

func TestProjector_ProjectsEngineTraffic(t *testing.T) {
	ctx := context.Background()
	e, log := engine(t)

	_, err := e.Submit(ctx, matching.Request{Instrument: "BTC-USD", Side: orderbook.Ask, Type: orderbook.Limit, Price: 10, Qty: 5})
	require.NoError(t, err)
	_, err = e.Submit(ctx, matching.Request{Instrument: "BTC-USD", Side: orderbook.Bid, Type: orderbook.Limit, Price: 10, Qty: 3})
	require.NoError(t, err)
	_, err = e.Cancel(ctx, 1)
	require.NoError(t, err)

	store := &fakeStore{cursors: map[string]uint64{}}
	p := New(Config{Log: log, Store: store, Cursors: store})

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(3), store.cursors[DefaultName])

	require.Len(t, store.applied, 1)
	proj := store.applied[0]
	require.Len(t, proj.Orders, 2)
	assert.Equal(t, orderbook.Filled, proj.Orders[1].Status)
	assert.Equal(t, []postgres.Fill{{OrderID: 1, Qty: 3, Seq: 2}}, proj.Fills)
	assert.Equal(t, []postgres.Cancel{{OrderID: 1, Seq: 3}}, proj.Cancels)
	require.Len(t, proj.Trades, 1)
	assert.Equal(t, uint64(2), proj.Trades[0].BuyOrderID)
	assert.Equal(t, 0, proj.Trades[0].Index)
	assert.False(t, proj.Trades[0].ExecutedAt.IsZero())

	n, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProjector_FailedApplyRetriesSameRange(t *testing.T) {
	ctx := context.Background()
	e, log := engine(t)
	_, err := e.Submit(ctx, matching.Request{Instrument: "BTC-USD", Side: orderbook.Ask, Type: orderbook.Limit, Price: 10, Qty: 5})
	require.NoError(t, err)

	store := &fakeStore{cursors: map[string]uint64{}, fail: errors.New("connection reset")}
	p := New(Config{Log: log, Store: store, Cursors: store, Batch: 10})

	_, err = p.RunOnce(ctx)
	require.Error(t, err)
	assert.Zero(t, store.cursors[DefaultName])

	store.fail = nil
	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), store.cursors[DefaultName])
}

func TestProjector_StopsWhenCursorWasTruncated(t *testing.T) {
	ctx := context.Background()
	e, log := engine(t)
	for i := 0; i < 3; i++ {
		_, err := e.Submit(ctx, matching.Request{Instrument: "BTC-USD", Side: orderbook.Ask, Type: orderbook.Limit, Price: 10, Qty: 5})
		require.NoError(t, err)
	}
	require.NoError(t, log.TruncateBefore(2))

	store := &fakeStore{cursors: map[string]uint64{}}
	p := New(Config{Log: log, Store: store, Cursors: store, Interval: time.Millisecond})

	_, err := p.RunOnce(ctx)
	require.ErrorIs(t, err, wal.ErrCursorTruncated)
	assert.Empty(t, store.applied)

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.Run(runCtx))
	assert.NoError(t, runCtx.Err(), "Run returned on its own")

	store.cursors[DefaultName] = 2
	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a reseeded cursor resumes")
}

func TestProject_SellTakerFillsRestingBid(t *testing.T) {
	ctx := context.Background()
	e, log := engine(t)
	_, err := e.Submit(ctx, matching.Request{Instrument: "BTC-USD", Side: orderbook.Bid, Type: orderbook.Limit, Price: 10, Qty: 2})
	require.NoError(t, err)
	_, err = e.Submit(ctx, matching.Request{Instrument: "BTC-USD", Side: orderbook.Ask, Type: orderbook.Market, Qty: 2})
	require.NoError(t, err)

	store := &fakeStore{cursors: map[string]uint64{}}
	_, err = New(Config{Log: log, Store: store, Cursors: store}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []postgres.Fill{{OrderID: 1, Qty: 2, Seq: 2}}, store.applied[0].Fills)
}
