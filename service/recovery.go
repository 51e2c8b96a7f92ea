package service

import (
	"bytes"
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"market/domain/event"
	"market/domain/market"
	"market/domain/matching"
	"market/domain/orderbook"
	"market/infra/wal"
	"market/snapshot"
)

// Snapshot captures every book at one sequence. All shards are held while
// copying, so no match is in flight; submissions queue behind the locks.
func (e *Engine) Snapshot() (snapshot.State, error) {
	symbols, shards, unlock := e.lockAll()
	defer unlock()

	st := snapshot.State{
		Seq:     e.seq.Current(),
		Created: time.Now().UTC(),
		Books:   make([]orderbook.BookState, 0, len(symbols)),
	}
	for _, sym := range symbols {
		sh := shards[sym]
		if sh.halted != nil {
			return snapshot.State{}, errors.Wrapf(ErrInstrumentHalted, "%s", sym)
		}
		st.Books = append(st.Books, sh.book.State())
	}
	return st, nil
}

// SaveSnapshot captures and persists a snapshot.
func (e *Engine) SaveSnapshot(ctx context.Context) (snapshot.State, error) {
	if e.snapshots == nil {
		return snapshot.State{}, ErrNoSnapshotStore
	}
	start := time.Now()
	st, err := e.Snapshot()
	if err != nil {
		return snapshot.State{}, err
	}
	if err := e.snapshots.Save(ctx, st); err != nil {
		return snapshot.State{}, errors.Wrapf(err, "save snapshot %d", st.Seq)
	}
	e.metrics.Snapshot(st.Seq, time.Since(start))
	e.logger.Info("snapshot saved", zap.Uint64("seq", st.Seq), zap.Int("books", len(st.Books)))
	return st, nil
}

// RecoveryReport describes what Recover rebuilt.
type RecoveryReport struct {
	SnapshotSeq uint64
	Replayed    int
	Trades      int
	LastSeq     uint64
	Digest      string
}

// Recover rebuilds every book from the newest snapshot and the log entries
// after it, re-executing each event and requiring the logged outcome. It
// must finish before the engine serves requests. It also clears halts.
func (e *Engine) Recover(ctx context.Context) (rep RecoveryReport, err error) {
	symbols, shards, unlock := e.lockAll()
	defer unlock()
	defer func() {
		if err != nil {
			for _, sh := range shards {
				sh.halted = err
			}
			e.halted.Store(int32(len(shards)))
			e.reportHalted()
			e.logger.Error("recovery failed", zap.Error(err))
		}
	}()

	base, err := e.loadBase(ctx, snapshot.Newest)
	if err != nil {
		return RecoveryReport{}, err
	}
	last := e.log.LastSeq()
	if base.Seq > last {
		return RecoveryReport{}, errors.Wrapf(wal.ErrSequenceGap, "snapshot %d is ahead of log end %d", base.Seq, last)
	}
	for _, st := range base.Books {
		if _, ok := shards[st.Instrument]; !ok {
			return RecoveryReport{}, errors.Wrapf(market.ErrUnknownInstrument, "snapshot %d holds book %q", base.Seq, st.Instrument)
		}
	}

	books := make(map[string]*orderbook.OrderBook, len(symbols))
	for _, sym := range symbols {
		st, ok := base.Book(sym)
		if !ok {
			st = orderbook.BookState{Instrument: sym}
		}
		if err := shards[sym].book.Restore(st); err != nil {
			return RecoveryReport{}, errors.Wrapf(err, "restore %s from snapshot %d", sym, base.Seq)
		}
		books[sym] = shards[sym].book
	}
	e.locator.reset(base.Books)
	e.history.Purge()

	rep = RecoveryReport{SnapshotSeq: base.Seq, LastSeq: base.Seq}
	r := &replayer{
		books:    bookLookup(books, nil),
		onSubmit: e.settle,
		onCancel: e.retire,
	}
	if last > base.Seq {
		if err := e.checkRetained(base.Seq); err != nil {
			return RecoveryReport{}, err
		}
		rep.LastSeq, err = wal.Replay(ctx, e.log, base.Seq+1, last, func(rec wal.Record) error {
			rep.Replayed++
			return r.apply(rec)
		})
		if err != nil {
			return RecoveryReport{}, err
		}
	}
	rep.Trades = r.trades

	if err := e.seq.Reset(ctx, rep.LastSeq); err != nil {
		return RecoveryReport{}, err
	}
	for _, sh := range shards {
		sh.halted = nil
	}
	e.halted.Store(0)
	e.reportHalted()
	e.metrics.Sequence(rep.LastSeq)

	states := make([]orderbook.BookState, 0, len(symbols))
	for _, sym := range symbols {
		states = append(states, books[sym].State())
	}
	rep.Digest = snapshot.Digest(states)

	e.logger.Info("recovered",
		zap.Uint64("snapshot_seq", rep.SnapshotSeq),
		zap.Int("replayed", rep.Replayed),
		zap.Uint64("last_seq", rep.LastSeq),
		zap.String("digest", rep.Digest),
	)
	return rep, nil
}

// ReplayReport is the result of rebuilding a scratch copy of the books
// through a log range. Entries and Trades count only records in [From, To].
type ReplayReport struct {
	From    uint64
	To      uint64
	BaseSeq uint64
	Entries int
	Trades  int
	Books   []orderbook.BookState
	Digest  string
}

// ReplayRange rebuilds the books as of To from the newest snapshot before
// From, verifying every logged outcome on the way. The live books are not
// touched. to == 0 means the current sequence.
func (e *Engine) ReplayRange(ctx context.Context, from, to uint64) (ReplayReport, error) {
	cur := e.seq.Current()
	if from == 0 {
		from = 1
	}
	if to == 0 {
		to = cur
	}
	if from > to || to > cur {
		return ReplayReport{}, errors.Wrapf(ErrInvalidRange, "[%d, %d] with current sequence %d", from, to, cur)
	}

	base, err := e.loadBase(ctx, from-1)
	if err != nil {
		return ReplayReport{}, err
	}
	books := make(map[string]*orderbook.OrderBook)
	for _, inst := range e.instruments.List() {
		books[inst.Symbol] = orderbook.New(inst.Symbol)
	}
	for _, st := range base.Books {
		b := orderbook.New(st.Instrument)
		if err := b.Restore(st); err != nil {
			return ReplayReport{}, errors.Wrapf(err, "restore %s from snapshot %d", st.Instrument, base.Seq)
		}
		books[st.Instrument] = b
	}

	rep := ReplayReport{From: from, To: to, BaseSeq: base.Seq}
	r := &replayer{
		books: bookLookup(books, e.instruments),
		onSubmit: func(p orderbook.Plan) {
			if p.Incoming.Seq >= from {
				rep.Trades += len(p.Trades)
			}
		},
	}
	if to > base.Seq {
		if err := e.checkRetained(base.Seq); err != nil {
			return ReplayReport{}, err
		}
		_, err = wal.Replay(ctx, e.log, base.Seq+1, to, func(rec wal.Record) error {
			if rec.Seq >= from {
				rep.Entries++
			}
			return r.apply(rec)
		})
		if err != nil {
			return ReplayReport{}, err
		}
	}

	rep.Books = make([]orderbook.BookState, 0, len(books))
	for _, b := range books {
		rep.Books = append(rep.Books, b.State())
	}
	snapshot.SortBooks(rep.Books)
	rep.Digest = snapshot.Digest(rep.Books)
	return rep, nil
}

func (e *Engine) loadBase(ctx context.Context, atOrBefore uint64) (snapshot.State, error) {
	if e.snapshots == nil {
		return snapshot.State{}, nil
	}
	st, err := e.snapshots.Load(ctx, atOrBefore)
	if errors.Is(err, snapshot.ErrNotFound) {
		return snapshot.State{}, nil
	}
	if err != nil {
		return snapshot.State{}, errors.Wrap(err, "load snapshot")
	}
	return st, nil
}

// checkRetained fails when the log no longer holds the entry after seq.
func (e *Engine) checkRetained(seq uint64) error {
	first := e.log.FirstSeq()
	if first == 0 || first > seq+1 {
		return errors.Wrapf(wal.ErrSequenceGap, "log starts at %d, need %d", first, seq+1)
	}
	return nil
}

func bookLookup(books map[string]*orderbook.OrderBook, instruments matching.Instruments) func(string) (*orderbook.OrderBook, error) {
	return func(symbol string) (*orderbook.OrderBook, error) {
		if b, ok := books[symbol]; ok {
			return b, nil
		}
		if instruments != nil {
			if _, err := instruments.Get(symbol); err == nil {
				b := orderbook.New(symbol)
				books[symbol] = b
				return b, nil
			}
		}
		return nil, errors.Mark(errors.Wrapf(market.ErrUnknownInstrument, "%q", symbol), ErrReplayDivergence)
	}
}

// replayer re-executes logged events. Each submit is planned again and its
// encoding compared with the logged bytes, which covers fills, final status
// and the cancelled market remainder.
type replayer struct {
	books    func(symbol string) (*orderbook.OrderBook, error)
	onSubmit func(orderbook.Plan)
	onCancel func(orderbook.Order)
	trades   int
}

func (r *replayer) apply(rec wal.Record) error {
	switch event.Type(rec.Type) {
	case event.TypeSubmit:
		ev, err := event.UnmarshalSubmit(rec.Data)
		if err != nil {
			return errors.Wrapf(err, "seq %d", rec.Seq)
		}
		book, err := r.books(ev.Instrument)
		if err != nil {
			return errors.Wrapf(err, "seq %d", rec.Seq)
		}
		req := matching.Request{
			Instrument: ev.Instrument,
			Side:       ev.Side,
			Type:       ev.OrderType,
			Price:      ev.Price,
			Qty:        ev.Qty,
		}
		plan := matching.Plan(book, matching.NewOrder(req, rec.Seq))
		if got := event.NewSubmit(plan); !bytes.Equal(got.Marshal(), rec.Data) {
			return errors.Wrapf(ErrReplayDivergence, "seq %d: logged %d fills filled %d, replay %d fills filled %d",
				rec.Seq, len(ev.Fills), ev.Filled, len(got.Fills), got.Filled)
		}
		if err := matching.Apply(book, plan); err != nil {
			return errors.Wrapf(err, "seq %d", rec.Seq)
		}
		r.trades += len(plan.Trades)
		if r.onSubmit != nil {
			r.onSubmit(plan)
		}

	case event.TypeCancel:
		ev, err := event.UnmarshalCancel(rec.Data)
		if err != nil {
			return errors.Wrapf(err, "seq %d", rec.Seq)
		}
		book, err := r.books(ev.Instrument)
		if err != nil {
			return errors.Wrapf(err, "seq %d", rec.Seq)
		}
		o, err := book.Cancel(ev.OrderID)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "seq %d", rec.Seq), ErrReplayDivergence)
		}
		if o.Remaining() != ev.Remaining || o.Filled != ev.Filled {
			return errors.Wrapf(ErrReplayDivergence, "seq %d: cancel of %d removed %d (filled %d), logged %d (filled %d)",
				rec.Seq, ev.OrderID, o.Remaining(), o.Filled, ev.Remaining, ev.Filled)
		}
		if r.onCancel != nil {
			r.onCancel(o)
		}

	default:
		return errors.Wrapf(event.ErrMalformed, "seq %d: record type %d", rec.Seq, rec.Type)
	}
	return nil
}
