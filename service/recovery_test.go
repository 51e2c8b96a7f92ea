package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market/domain/event"
	"market/domain/matching"
	"market/domain/orderbook"
	"market/infra/wal"
	"market/infra/wal/memlog"
	"market/infra/wal/pebblelog"
	"market/infra/wal/segment"
	"market/snapshot"
)

// workload drives a mix of crossing, resting, market and cancel traffic.
func workload(t *testing.T, e *Engine, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		side := orderbook.Bid
		if i%2 == 1 {
			side = orderbook.Ask
		}
		price := int64(95 + (i*7)%11)
		switch {
		case i%9 == 8:
			_, err := e.Submit(ctx, marketOrder(btc, side, int64(1+i%4)))
			if err != nil {
				require.ErrorIs(t, err, matching.ErrInsufficientLiquidity)
			}
		case i%5 == 4:
			id := e.CurrentSequence() - 1
			if _, err := e.Cancel(ctx, id); err != nil {
				require.ErrorIs(t, err, orderbook.ErrOrderNotFound)
			}
		default:
			submit(t, e, limit(btc, side, price, int64(1+i%6)))
			submit(t, e, limit(eth, side, price*5, int64(2*(1+i%3))))
		}
	}
}

func digest(t *testing.T, e *Engine) (uint64, string) {
	t.Helper()
	st, err := e.Snapshot()
	require.NoError(t, err)
	return st.Seq, snapshot.Digest(st.Books)
}

func TestRecover_FromGenesis(t *testing.T) {
	log := memlog.New(0)
	live := newEngine(t, log, nil)
	workload(t, live, 60)
	seq, want := digest(t, live)

	restarted := newEngine(t, log, nil)
	rep, err := restarted.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rep.SnapshotSeq)
	assert.Equal(t, int(seq), rep.Replayed)
	assert.Equal(t, seq, rep.LastSeq)
	assert.Equal(t, want, rep.Digest)

	gotSeq, got := digest(t, restarted)
	assert.Equal(t, seq, gotSeq)
	assert.Equal(t, want, got)
}

func TestRecover_SnapshotPlusTailOnDisk(t *testing.T) {
	ctx := context.Background()
	logDir, snapDir := t.TempDir(), t.TempDir()
	store := &snapshot.FileStore{Dir: snapDir, Retain: 3}

	log, err := pebblelog.Open(pebblelog.Config{Dir: logDir})
	require.NoError(t, err)
	live := newEngine(t, log, store)
	workload(t, live, 40)
	snap, err := live.SaveSnapshot(ctx)
	require.NoError(t, err)
	workload(t, live, 30)
	seq, want := digest(t, live)

	liveOrder, err := live.GetOrder(seq - 1)
	liveFound := err == nil
	require.NoError(t, log.Close())

	log, err = pebblelog.Open(pebblelog.Config{Dir: logDir})
	require.NoError(t, err)
	defer log.Close()
	restarted := newEngine(t, log, store)
	rep, err := restarted.Recover(ctx)
	require.NoError(t, err)

	assert.Equal(t, snap.Seq, rep.SnapshotSeq)
	assert.Equal(t, int(seq-snap.Seq), rep.Replayed)
	assert.Equal(t, want, rep.Digest)

	gotSeq, got := digest(t, restarted)
	assert.Equal(t, seq, gotSeq)
	assert.Equal(t, want, got)

	if liveFound {
		o, err := restarted.GetOrder(seq - 1)
		require.NoError(t, err)
		assert.Equal(t, liveOrder, o)
	}

	res := submit(t, restarted, limit(btc, orderbook.Bid, 1, 1))
	assert.Equal(t, seq+1, res.Order.ID)
}

func TestRecover_SegmentLogAfterTruncation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := &snapshot.FileStore{Dir: t.TempDir()}

	log, err := segment.Open(segment.Config{Dir: dir, SegmentSize: 512})
	require.NoError(t, err)
	live := newEngine(t, log, store)
	workload(t, live, 50)

	job := NewSnapshotJob(live, 0, nil)
	through, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, live.CurrentSequence(), through)

	workload(t, live, 20)
	seq, want := digest(t, live)
	require.NoError(t, log.Close())

	log, err = segment.Open(segment.Config{Dir: dir, SegmentSize: 512})
	require.NoError(t, err)
	defer log.Close()
	restarted := newEngine(t, log, store)
	rep, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, rep.Digest)
	assert.Equal(t, seq, rep.LastSeq)
}

func TestRecover_MissingTailIsAGap(t *testing.T) {
	log := memlog.New(0)
	live := newEngine(t, log, nil)
	workload(t, live, 20)
	require.NoError(t, log.TruncateBefore(5))

	restarted := newEngine(t, log, nil)
	_, err := restarted.Recover(context.Background())
	require.ErrorIs(t, err, wal.ErrSequenceGap)
	assert.Equal(t, ClassConsistency, Classify(err))

	_, err = restarted.Submit(context.Background(), limit(btc, orderbook.Bid, 10, 1))
	assert.ErrorIs(t, err, ErrInstrumentHalted)
}

func TestRecover_DetectsDivergence(t *testing.T) {
	log := memlog.New(0)
	forged := event.Submit{
		Instrument: btc, Side: orderbook.Bid, OrderType: orderbook.Limit, Price: 10, Qty: 5,
		Status: orderbook.Filled, Filled: 5,
		Fills: []event.Fill{{Price: 10, Qty: 5, BuyOrderID: 1, SellOrderID: 99}},
	}
	require.NoError(t, log.Append(wal.NewRecord(1, uint8(event.TypeSubmit), forged.Marshal())))

	e := newEngine(t, log, nil)
	_, err := e.Recover(context.Background())
	require.ErrorIs(t, err, ErrReplayDivergence)
	assert.NotEmpty(t, e.Halted())
}

func TestRecover_CancelOfUnknownOrderDiverges(t *testing.T) {
	log := memlog.New(0)
	ev := event.Cancel{Instrument: btc, OrderID: 7, Remaining: 1}
	require.NoError(t, log.Append(wal.NewRecord(1, uint8(event.TypeCancel), ev.Marshal())))

	e := newEngine(t, log, nil)
	_, err := e.Recover(context.Background())
	require.ErrorIs(t, err, ErrReplayDivergence)
}

func TestReplayRange_MatchesLiveState(t *testing.T) {
	ctx := context.Background()
	store := &snapshot.FileStore{Dir: t.TempDir()}
	e := newEngine(t, memlog.New(0), store)

	workload(t, e, 20)
	_, err := e.SaveSnapshot(ctx)
	require.NoError(t, err)
	workload(t, e, 20)
	mid, midDigest := digest(t, e)
	workload(t, e, 20)
	end, endDigest := digest(t, e)

	rep, err := e.ReplayRange(ctx, mid-3, mid)
	require.NoError(t, err)
	assert.Equal(t, midDigest, rep.Digest)
	assert.Equal(t, 4, rep.Entries)

	rep, err = e.ReplayRange(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, end, rep.To)
	assert.Equal(t, endDigest, rep.Digest)
	assert.Equal(t, uint64(0), rep.BaseSeq)
	assert.Equal(t, int(end), rep.Entries)

	_, err = e.ReplayRange(ctx, 5, 2)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = e.ReplayRange(ctx, 1, end+1)
	assert.ErrorIs(t, err, ErrInvalidRange)

	// Live state is untouched by replays.
	_, again := digest(t, e)
	assert.Equal(t, endDigest, again)
}

func TestEngine_ConcurrentSubmissionsStayContiguous(t *testing.T) {
	log := memlog.New(0)
	e := newEngine(t, log, nil)
	ctx := context.Background()

	const workers, each = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sym := btc
			price := int64(100 + w%3)
			qty := int64(1 + w%4)
			if w%2 == 1 {
				sym, price, qty = eth, 500+int64(w%3)*5, 2
			}
			side := orderbook.Bid
			if w%4 >= 2 {
				side = orderbook.Ask
			}
			for i := 0; i < each; i++ {
				_, err := e.Submit(ctx, limit(sym, side, price, qty))
				assert.NoError(t, err, fmt.Sprintf("worker %d", w))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, uint64(workers*each), e.CurrentSequence())
	last, err := wal.Replay(ctx, log, 1, 0, func(wal.Record) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(workers*each), last)

	_, want := digest(t, e)
	restarted := newEngine(t, log, nil)
	rep, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, rep.Digest)
}

type staticCursors map[string]uint64

func (c staticCursors) All(context.Context) (map[string]uint64, error) { return c, nil }

func TestSnapshotJob_TruncatesToSlowestConsumer(t *testing.T) {
	ctx := context.Background()
	log := memlog.New(0)
	e := newEngine(t, log, &snapshot.FileStore{Dir: t.TempDir()})

	job := NewSnapshotJob(e, 0, staticCursors{"broadcaster": 4, "projector": 9}, "broadcaster", "projector")
	through, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, through, "nothing to snapshot yet")

	workload(t, e, 10)
	through, err = job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), through)
	assert.Equal(t, uint64(5), log.FirstSeq())

	through, err = job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, through, "sequence did not move")

	lagging := NewSnapshotJob(e, 0, staticCursors{}, "projector")
	submit(t, e, limit(btc, orderbook.Bid, 1, 1))
	through, err = lagging.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, through, "a consumer without a cursor pins the log")
}

func TestSaveSnapshot_RequiresStore(t *testing.T) {
	e := newEngine(t, memlog.New(0), nil)
	_, err := e.SaveSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrNoSnapshotStore)
}
