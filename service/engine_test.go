package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market/domain/event"
	"market/domain/market"
	"market/domain/matching"
	"market/domain/orderbook"
	"market/infra/metrics"
	"market/infra/wal"
	"market/infra/wal/memlog"
	"market/snapshot"
)

const (
	btc = "BTC-USD"
	eth = "ETH-USD"
)

func registry(t *testing.T) *market.Registry {
	t.Helper()
	reg := market.NewRegistry()
	require.NoError(t, reg.Register(market.Instrument{Symbol: btc, TickSize: 1, LotSize: 1}))
	require.NoError(t, reg.Register(market.Instrument{Symbol: eth, TickSize: 5, LotSize: 2}))
	return reg
}

func newEngine(t *testing.T, log wal.Log, store snapshot.Store) *Engine {
	t.Helper()
	e, err := New(Config{
		Log:         log,
		Instruments: registry(t),
		Snapshots:   store,
		Logger:      zap.NewNop(),
		HistorySize: 128,
	})
	require.NoError(t, err)
	return e
}

func limit(sym string, side orderbook.Side, price, qty int64) matching.Request {
	return matching.Request{Instrument: sym, Side: side, Type: orderbook.Limit, Price: price, Qty: qty}
}

func marketOrder(sym string, side orderbook.Side, qty int64) matching.Request {
	return matching.Request{Instrument: sym, Side: side, Type: orderbook.Market, Qty: qty}
}

func submit(t *testing.T, e *Engine, req matching.Request) SubmitResult {
	t.Helper()
	res, err := e.Submit(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestEngine_BuyThenSmallerSell(t *testing.T) {
	e := newEngine(t, memlog.New(0), nil)

	buy := submit(t, e, limit(btc, orderbook.Bid, 10, 100))
	assert.Equal(t, uint64(1), buy.Order.ID)
	assert.Equal(t, orderbook.Open, buy.Order.Status)

	sell := submit(t, e, limit(btc, orderbook.Ask, 10, 50))
	require.Len(t, sell.Trades, 1)
	tr := sell.Trades[0]
	assert.Equal(t, int64(50), tr.Qty)
	assert.Equal(t, int64(10), tr.Price)
	assert.Equal(t, uint64(1), tr.BuyOrderID)
	assert.Equal(t, uint64(2), tr.SellOrderID)
	assert.Equal(t, uint64(2), tr.Seq)
	assert.Equal(t, orderbook.Filled, sell.Order.Status)

	resting, err := e.GetOrder(1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), resting.Remaining())
	assert.Equal(t, orderbook.PartiallyFilled, resting.Status)

	filled, err := e.GetOrder(2)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Filled, filled.Status)
	assert.Equal(t, uint64(2), e.CurrentSequence())
}

func TestEngine_SellCrossesAtRestingPrice(t *testing.T) {
	e := newEngine(t, memlog.New(0), nil)
	submit(t, e, limit(btc, orderbook.Bid, 10, 5))

	sell := submit(t, e, limit(btc, orderbook.Ask, 9, 10))
	require.Len(t, sell.Trades, 1)
	assert.Equal(t, int64(10), sell.Trades[0].Price)
	assert.Equal(t, int64(5), sell.Trades[0].Qty)
	assert.Equal(t, int64(5), sell.Order.Remaining())
	assert.Equal(t, orderbook.PartiallyFilled, sell.Order.Status)

	view, err := e.QueryBook(btc, 0)
	require.NoError(t, err)
	assert.Empty(t, view.Bids)
	assert.Equal(t, []orderbook.Level{{Price: 9, Qty: 5, Count: 1}}, view.Asks)
	assert.Equal(t, uint64(2), view.Seq)
}

func TestEngine_CancelPartiallyFilled(t *testing.T) {
	e := newEngine(t, memlog.New(0), nil)
	ctx := context.Background()
	submit(t, e, limit(btc, orderbook.Bid, 10, 100))
	submit(t, e, limit(btc, orderbook.Ask, 10, 30))

	o, err := e.Cancel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Cancelled, o.Status)
	assert.Equal(t, int64(30), o.Filled)
	assert.Equal(t, uint64(3), e.CurrentSequence(), "cancel consumes a sequence number")

	view, err := e.QueryBook(btc, 0)
	require.NoError(t, err)
	assert.Empty(t, view.Bids)

	hist, err := e.GetOrder(1)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Cancelled, hist.Status)
	assert.Equal(t, int64(30), hist.Filled)

	_, err = e.Cancel(ctx, 1)
	assert.ErrorIs(t, err, orderbook.ErrOrderNotFound)
	assert.Equal(t, ClassValidation, Classify(err))
	assert.Equal(t, uint64(3), e.CurrentSequence())
}

func TestEngine_MarketOrderRunsOutOfLiquidity(t *testing.T) {
	e := newEngine(t, memlog.New(0), nil)
	submit(t, e, limit(btc, orderbook.Ask, 10, 3))
	submit(t, e, limit(btc, orderbook.Ask, 11, 2))

	res, err := e.Submit(context.Background(), marketOrder(btc, orderbook.Bid, 8))
	require.ErrorIs(t, err, matching.ErrInsufficientLiquidity)
	assert.Equal(t, ClassLiquidity, Classify(err))
	assert.False(t, Retryable(err))

	assert.Len(t, res.Trades, 2)
	assert.Equal(t, int64(5), res.Order.Filled)
	assert.Equal(t, int64(3), res.Unfilled)
	assert.Equal(t, orderbook.Cancelled, res.Order.Status)

	view, err := e.QueryBook(btc, 0)
	require.NoError(t, err)
	assert.Empty(t, view.Asks)
	assert.Empty(t, view.Bids, "market orders never rest")
}

func TestEngine_ValidationConsumesNoSequence(t *testing.T) {
	e := newEngine(t, memlog.New(0), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  matching.Request
	}{
		{"unknown instrument", limit("DOGE-USD", orderbook.Bid, 10, 1)},
		{"zero quantity", limit(btc, orderbook.Bid, 10, 0)},
		{"off tick", limit(eth, orderbook.Bid, 12, 2)},
		{"off lot", limit(eth, orderbook.Bid, 10, 3)},
		{"market with price", matching.Request{Instrument: btc, Side: orderbook.Bid, Type: orderbook.Market, Price: 5, Qty: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Submit(ctx, tt.req)
			require.ErrorIs(t, err, matching.ErrInvalidOrder)
			assert.Equal(t, ClassValidation, Classify(err))
		})
	}
	assert.Equal(t, uint64(0), e.CurrentSequence())

	res := submit(t, e, limit(eth, orderbook.Bid, 10, 2))
	assert.Equal(t, uint64(1), res.Order.ID)
}

func TestEngine_DurabilityFailureLeavesNoTrace(t *testing.T) {
	log := memlog.New(0)
	e := newEngine(t, log, nil)
	ctx := context.Background()
	submit(t, e, limit(btc, orderbook.Ask, 10, 5))

	log.FailWith(wal.MarkIO(assert.AnError, "fsync"))
	_, err := e.Submit(ctx, limit(btc, orderbook.Bid, 10, 5))
	require.ErrorIs(t, err, wal.ErrIO)
	assert.True(t, Retryable(err))
	assert.Equal(t, uint64(1), e.CurrentSequence())

	_, err = e.Cancel(ctx, 1)
	require.ErrorIs(t, err, wal.ErrIO)

	view, err := e.QueryBook(btc, 0)
	require.NoError(t, err)
	assert.Equal(t, []orderbook.Level{{Price: 10, Qty: 5, Count: 1}}, view.Asks)

	log.FailWith(nil)
	res := submit(t, e, limit(btc, orderbook.Bid, 10, 5))
	assert.Equal(t, uint64(2), res.Order.ID, "the failed append did not consume a number")
	require.Len(t, res.Trades, 1)
}

func TestEngine_LogFull(t *testing.T) {
	e := newEngine(t, memlog.New(2), nil)
	submit(t, e, limit(btc, orderbook.Bid, 10, 1))
	submit(t, e, limit(btc, orderbook.Bid, 11, 1))

	_, err := e.Submit(context.Background(), limit(btc, orderbook.Bid, 12, 1))
	require.ErrorIs(t, err, wal.ErrLogFull)
	assert.Equal(t, ClassDurability, Classify(err))

	view, err := e.QueryBook(btc, 0)
	require.NoError(t, err)
	assert.Len(t, view.Bids, 2)
}

func TestEngine_PriceTimePriority(t *testing.T) {
	e := newEngine(t, memlog.New(0), nil)
	submit(t, e, limit(btc, orderbook.Ask, 10, 2)) // 1
	submit(t, e, limit(btc, orderbook.Ask, 9, 2))  // 2
	submit(t, e, limit(btc, orderbook.Ask, 10, 2)) // 3

	res := submit(t, e, limit(btc, orderbook.Bid, 10, 5))
	require.Len(t, res.Trades, 3)
	assert.Equal(t, uint64(2), res.Trades[0].SellOrderID)
	assert.Equal(t, uint64(1), res.Trades[1].SellOrderID)
	assert.Equal(t, uint64(3), res.Trades[2].SellOrderID)
	assert.Equal(t, int64(1), res.Trades[2].Qty)
}

func TestEngine_HaltedInstrumentRefusesWork(t *testing.T) {
	e := newEngine(t, memlog.New(0), nil)
	submit(t, e, limit(btc, orderbook.Bid, 10, 1))

	sh, err := e.shard(btc)
	require.NoError(t, err)
	sh.mu.Lock()
	e.halt(sh, btc, 1, matching.ErrCrossedBook)
	sh.mu.Unlock()

	_, err = e.Submit(context.Background(), limit(btc, orderbook.Bid, 10, 1))
	require.ErrorIs(t, err, ErrInstrumentHalted)
	assert.Equal(t, ClassConsistency, Classify(err))

	_, err = e.Cancel(context.Background(), 1)
	require.ErrorIs(t, err, ErrInstrumentHalted)

	_, err = e.Snapshot()
	require.ErrorIs(t, err, ErrInstrumentHalted)
	assert.Contains(t, e.Halted(), btc)

	// Other instruments keep matching.
	submit(t, e, limit(eth, orderbook.Bid, 10, 2))
}

func TestEngine_SequenceGapHaltsEverything(t *testing.T) {
	log := memlog.New(0)
	m := metrics.New()
	e, err := New(Config{Log: log, Instruments: registry(t), Metrics: m, Logger: zap.NewNop()})
	require.NoError(t, err)
	submit(t, e, limit(btc, orderbook.Bid, 10, 1))
	assert.Empty(t, e.Halted())

	// A writer outside the engine moves the log on.
	require.NoError(t, log.Append(wal.NewRecord(log.LastSeq()+1, 0, nil)))

	_, err = e.Submit(context.Background(), limit(btc, orderbook.Bid, 10, 1))
	require.ErrorIs(t, err, wal.ErrSequenceGap)
	assert.Equal(t, ClassConsistency, Classify(err))

	halted := e.Halted()
	require.Contains(t, halted, SequencerHalt)
	assert.ErrorIs(t, halted[SequencerHalt], wal.ErrSequenceGap)

	_, err = e.Submit(context.Background(), limit(eth, orderbook.Ask, 10, 2))
	require.ErrorIs(t, err, wal.ErrSequenceGap, "every instrument is stopped")
	_, err = e.Cancel(context.Background(), 1)
	require.ErrorIs(t, err, wal.ErrSequenceGap)
	assert.Equal(t, uint64(1), e.CurrentSequence())

	var gauge float64
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "market_instruments_halted" {
			gauge = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1.0, gauge)
}

func TestEngine_ConcurrentInstrumentsKeepIDsInLogOrder(t *testing.T) {
	log := memlog.New(0)
	e := newEngine(t, log, nil)

	const each = 50
	var wg sync.WaitGroup
	for _, sym := range []string{btc, eth} {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				side := orderbook.Bid
				if i%2 == 1 {
					side = orderbook.Ask
				}
				res, err := e.Submit(context.Background(), limit(sym, side, 10, 2))
				if !assert.NoError(t, err) {
					return
				}
				for _, tr := range res.Trades {
					assert.Equal(t, res.Order.ID, tr.Seq)
					if side == orderbook.Bid {
						assert.Equal(t, res.Order.ID, tr.BuyOrderID)
					} else {
						assert.Equal(t, res.Order.ID, tr.SellOrderID)
					}
				}
			}
		}(sym)
	}
	wg.Wait()

	assert.Equal(t, uint64(2*each), e.CurrentSequence())
	r, err := log.NewReader(1)
	require.NoError(t, err)
	defer r.Close()
	var want uint64 = 1
	for r.Next() {
		ev, err := event.UnmarshalSubmit(r.Record().Data)
		require.NoError(t, err)
		assert.Equal(t, want, r.Record().Seq)
		for _, f := range ev.Fills {
			taker := f.SellOrderID
			if ev.Side == orderbook.Bid {
				taker = f.BuyOrderID
			}
			assert.Equal(t, want, taker, "logged fill carries the taker id")
		}
		o, err := e.GetOrder(want)
		require.NoError(t, err)
		assert.Equal(t, ev.Instrument, o.Instrument)
		want++
	}
	assert.Equal(t, uint64(2*each+1), want)
}

func TestEngine_QueryBookDepth(t *testing.T) {
	e := newEngine(t, memlog.New(0), nil)
	for p := int64(1); p <= 5; p++ {
		submit(t, e, limit(btc, orderbook.Bid, p, 1))
	}
	view, err := e.QueryBook(btc, 2)
	require.NoError(t, err)
	assert.Equal(t, []orderbook.Level{{Price: 5, Qty: 1, Count: 1}, {Price: 4, Qty: 1, Count: 1}}, view.Bids)

	_, err = e.QueryBook("DOGE-USD", 2)
	assert.ErrorIs(t, err, market.ErrUnknownInstrument)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{nil, ClassNone},
		{matching.ErrInvalidOrder, ClassValidation},
		{orderbook.ErrOrderNotFound, ClassValidation},
		{matching.ErrInsufficientLiquidity, ClassLiquidity},
		{wal.ErrLogFull, ClassDurability},
		{wal.MarkIO(assert.AnError, "write"), ClassDurability},
		{wal.ErrSequenceGap, ClassConsistency},
		{matching.ErrQuantityConservation, ClassConsistency},
		{ErrReplayDivergence, ClassConsistency},
		{assert.AnError, ClassUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}
