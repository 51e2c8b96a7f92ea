// Package service runs the matching engine: it ties the instrument registry,
// the per-instrument books, the sequencer and the durability log together
// and is the only write entry point into the system.
package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"market/domain/event"
	"market/domain/market"
	"market/domain/matching"
	"market/domain/orderbook"
	"market/infra/logging"
	"market/infra/metrics"
	"market/infra/sequence"
	"market/infra/wal"
	"market/snapshot"
)

const defaultHistorySize = 100_000

// SequencerHalt is the key Halted uses for a sequencer stopped by a gap in
// the log. It halts every instrument.
const SequencerHalt = "*"

type Config struct {
	Log         wal.Log
	Instruments *market.Registry
	// Snapshots may be nil; snapshot and recovery then run from genesis.
	Snapshots snapshot.Store
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	SequencerTimeout time.Duration
	// HistorySize bounds the in-memory set of closed orders.
	HistorySize int
}

// Engine owns one book per instrument. Each book is guarded by its shard
// mutex; the sequencer serializes the log append across shards.
type Engine struct {
	log         wal.Log
	seq         *sequence.Sequencer
	instruments *market.Registry
	snapshots   snapshot.Store
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu     sync.RWMutex
	shards map[string]*shard

	locator locator
	history *lru.Cache[uint64, orderbook.Order]
	halted  atomic.Int32
}

type shard struct {
	mu     sync.Mutex
	book   *orderbook.OrderBook
	halted error
}

func New(cfg Config) (*Engine, error) {
	if cfg.Log == nil {
		return nil, errors.New("service: durability log is required")
	}
	if cfg.Instruments == nil {
		cfg.Instruments = market.NewRegistry()
	}
	size := cfg.HistorySize
	if size <= 0 {
		size = defaultHistorySize
	}
	history, err := lru.New[uint64, orderbook.Order](size)
	if err != nil {
		return nil, errors.Wrap(err, "service: order history")
	}

	e := &Engine{
		log:         cfg.Log,
		instruments: cfg.Instruments,
		snapshots:   cfg.Snapshots,
		metrics:     cfg.Metrics,
		logger:      logging.Component(cfg.Logger, "engine"),
		shards:      make(map[string]*shard),
		locator:     locator{ids: make(map[uint64]string)},
		history:     history,
	}
	e.seq = sequence.New(cfg.Log,
		sequence.WithTimeout(cfg.SequencerTimeout),
		sequence.WithObserver(cfg.Metrics.Append),
		sequence.WithHaltHandler(e.sequencerHalted),
	)
	for _, inst := range cfg.Instruments.List() {
		e.shards[inst.Symbol] = &shard{book: orderbook.New(inst.Symbol)}
	}
	return e, nil
}

// AddInstrument registers inst and opens an empty book for it.
func (e *Engine) AddInstrument(inst market.Instrument) error {
	if err := e.instruments.Register(inst); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.shards[inst.Symbol]; !ok {
		e.shards[inst.Symbol] = &shard{book: orderbook.New(inst.Symbol)}
	}
	return nil
}

func (e *Engine) Instruments() []market.Instrument {
	return e.instruments.List()
}

func (e *Engine) shard(symbol string) (*shard, error) {
	e.mu.RLock()
	sh, ok := e.shards[symbol]
	e.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(market.ErrUnknownInstrument, "%q", symbol)
	}
	return sh, nil
}

// lockAll takes every shard in symbol order and returns the unlock func.
func (e *Engine) lockAll() ([]string, map[string]*shard, func()) {
	e.mu.RLock()
	symbols := make([]string, 0, len(e.shards))
	shards := make(map[string]*shard, len(e.shards))
	for sym, sh := range e.shards {
		symbols = append(symbols, sym)
		shards[sym] = sh
	}
	e.mu.RUnlock()

	sort.Strings(symbols)
	for _, sym := range symbols {
		shards[sym].mu.Lock()
	}
	return symbols, shards, func() {
		for i := len(symbols) - 1; i >= 0; i-- {
			shards[symbols[i]].mu.Unlock()
		}
	}
}

// ---- commands ----

// SubmitResult is the outcome of a submission. Order is the incoming order
// in its final state; Unfilled is the cancelled market remainder.
type SubmitResult struct {
	Order    orderbook.Order
	Trades   []orderbook.Trade
	Unfilled int64
}

// Submit validates, sequences, logs and matches one order. The result is
// returned only after the event is durable. A market order that runs out of
// liquidity returns its result together with ErrInsufficientLiquidity.
func (e *Engine) Submit(ctx context.Context, req matching.Request) (SubmitResult, error) {
	if _, err := matching.Validate(e.instruments, req); err != nil {
		e.metrics.Order(req.Instrument, "rejected")
		return SubmitResult{}, err
	}
	sh, err := e.shard(req.Instrument)
	if err != nil {
		return SubmitResult{}, errors.Mark(err, matching.ErrInvalidOrder)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.halted != nil {
		return SubmitResult{}, errors.Wrapf(ErrInstrumentHalted, "%s", req.Instrument)
	}

	// The shard lock keeps the plan current until it is applied; only the
	// id needs the sequence.
	plan := matching.Plan(sh.book, matching.NewOrder(req, 0))
	seq, err := e.seq.Commit(ctx, uint8(event.TypeSubmit), func(seq uint64) ([]byte, error) {
		plan.Stamp(seq)
		return event.NewSubmit(plan).Marshal(), nil
	})
	if err != nil {
		e.metrics.Order(req.Instrument, Classify(err).String())
		return SubmitResult{}, err
	}

	if err := matching.Apply(sh.book, plan); err != nil {
		e.halt(sh, req.Instrument, seq, err)
		return SubmitResult{}, errors.Wrapf(err, "seq %d", seq)
	}
	e.settle(plan)

	e.metrics.Sequence(seq)
	e.metrics.Order(req.Instrument, plan.Incoming.Status.String())
	for _, t := range plan.Trades {
		e.metrics.Trade(t.Instrument, t.Qty)
	}
	return SubmitResult{Order: plan.Incoming, Trades: plan.Trades, Unfilled: plan.Unfilled}, matching.Outcome(plan)
}

// Cancel removes a resting order. The cancel consumes a sequence number and
// is durable before it is applied.
func (e *Engine) Cancel(ctx context.Context, id uint64) (orderbook.Order, error) {
	symbol, ok := e.locator.get(id)
	if !ok {
		e.metrics.Cancel("", "not_found")
		return orderbook.Order{}, errors.Wrapf(orderbook.ErrOrderNotFound, "order %d", id)
	}
	sh, err := e.shard(symbol)
	if err != nil {
		return orderbook.Order{}, err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.halted != nil {
		return orderbook.Order{}, errors.Wrapf(ErrInstrumentHalted, "%s", symbol)
	}
	o, ok := sh.book.Lookup(id)
	if !ok {
		e.metrics.Cancel(symbol, "not_found")
		return orderbook.Order{}, errors.Wrapf(orderbook.ErrOrderNotFound, "order %d", id)
	}

	ev := event.Cancel{Instrument: symbol, OrderID: id, Remaining: o.Remaining(), Filled: o.Filled}
	seq, err := e.seq.Commit(ctx, uint8(event.TypeCancel), func(uint64) ([]byte, error) {
		return ev.Marshal(), nil
	})
	if err != nil {
		e.metrics.Cancel(symbol, Classify(err).String())
		return orderbook.Order{}, err
	}

	cancelled, err := sh.book.Cancel(id)
	if err != nil {
		e.halt(sh, symbol, seq, err)
		return orderbook.Order{}, errors.Wrapf(err, "seq %d", seq)
	}
	e.retire(cancelled)

	e.metrics.Sequence(seq)
	e.metrics.Cancel(symbol, "cancelled")
	return cancelled, nil
}

// settle moves orders the plan closed into history and tracks the incoming
// order if it rests.
func (e *Engine) settle(p orderbook.Plan) {
	for _, r := range p.Resting {
		if r.Remaining() == 0 {
			e.retire(r)
		}
	}
	if p.Rests {
		e.locator.put(p.Incoming.ID, p.Incoming.Instrument)
	} else {
		e.history.Add(p.Incoming.ID, p.Incoming)
	}
}

func (e *Engine) retire(o orderbook.Order) {
	e.locator.remove(o.ID)
	e.history.Add(o.ID, o)
}

// halt stops matching on an instrument after an invariant violation.
// Callers hold sh.mu.
func (e *Engine) halt(sh *shard, symbol string, seq uint64, cause error) {
	sh.halted = cause
	e.halted.Add(1)
	e.reportHalted()
	e.logger.Error("instrument halted",
		zap.String("instrument", symbol),
		zap.Uint64("seq", seq),
		zap.Error(cause),
	)
}

func (e *Engine) sequencerHalted(seq uint64, cause error) {
	e.reportHalted()
	e.logger.Error("sequencer halted, all instruments stopped",
		zap.Uint64("seq", seq),
		zap.Uint64("last_durable", e.seq.Current()),
		zap.Error(cause),
	)
}

// reportHalted sets the gauge to the halted shards, plus one for a halted
// sequencer.
func (e *Engine) reportHalted() {
	n := int(e.halted.Load())
	if e.seq.Fatal() != nil {
		n++
	}
	e.metrics.Halted(n)
}

// ---- queries ----

// BookView is the visible depth of one instrument at Seq.
type BookView struct {
	Instrument string
	Seq        uint64
	Bids       []orderbook.Level
	Asks       []orderbook.Level
	Halted     bool
}

// QueryBook returns up to depth levels per side; depth <= 0 returns all.
func (e *Engine) QueryBook(symbol string, depth int) (BookView, error) {
	sh, err := e.shard(symbol)
	if err != nil {
		return BookView{}, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return BookView{
		Instrument: symbol,
		Seq:        e.seq.Current(),
		Bids:       sh.book.Depth(orderbook.Bid, depth),
		Asks:       sh.book.Depth(orderbook.Ask, depth),
		Halted:     sh.halted != nil,
	}, nil
}

// GetOrder finds a resting order, or a closed one still in history.
func (e *Engine) GetOrder(id uint64) (orderbook.Order, error) {
	if symbol, ok := e.locator.get(id); ok {
		if sh, err := e.shard(symbol); err == nil {
			sh.mu.Lock()
			o, ok := sh.book.Lookup(id)
			sh.mu.Unlock()
			if ok {
				return o, nil
			}
		}
	}
	if o, ok := e.history.Get(id); ok {
		return o, nil
	}
	return orderbook.Order{}, errors.Wrapf(orderbook.ErrOrderNotFound, "order %d", id)
}

// CurrentSequence is the last durable sequence number.
func (e *Engine) CurrentSequence() uint64 {
	return e.seq.Current()
}

// Halted lists halted instruments with their cause. A halted sequencer is
// reported under SequencerHalt.
func (e *Engine) Halted() map[string]error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := map[string]error{}
	if err := e.seq.Fatal(); err != nil {
		out[SequencerHalt] = err
	}
	for sym, sh := range e.shards {
		sh.mu.Lock()
		if sh.halted != nil {
			out[sym] = sh.halted
		}
		sh.mu.Unlock()
	}
	return out
}

// locator maps resting order ids to their instrument.
type locator struct {
	mu  sync.RWMutex
	ids map[uint64]string
}

func (l *locator) get(id uint64) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.ids[id]
	return s, ok
}

func (l *locator) put(id uint64, symbol string) {
	l.mu.Lock()
	l.ids[id] = symbol
	l.mu.Unlock()
}

func (l *locator) remove(id uint64) {
	l.mu.Lock()
	delete(l.ids, id)
	l.mu.Unlock()
}

// reset replaces the index with the orders of states.
func (l *locator) reset(states []orderbook.BookState) {
	ids := make(map[uint64]string)
	for _, s := range states {
		for _, o := range s.Bids {
			ids[o.ID] = s.Instrument
		}
		for _, o := range s.Asks {
			ids[o.ID] = s.Instrument
		}
	}
	l.mu.Lock()
	l.ids = ids
	l.mu.Unlock()
}
