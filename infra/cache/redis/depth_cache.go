package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"market/domain/orderbook"
)

var ErrNotFound = errors.New("redis: depth not cached")

// Depth is the cached top-N view of one instrument at a sequence.
type Depth struct {
	Instrument string
	Seq        uint64
	Bids       []orderbook.Level
	Asks       []orderbook.Level
	At         time.Time
}

// DepthCache stores depth per instrument.
//
// Key schema:
//
//	depth:{sym}:bids    sorted set of bid prices (score = price)
//	depth:{sym}:asks    sorted set of ask prices
//	depth:{sym}:qty     hash "b:<price>" / "a:<price>" -> resting qty
//	depth:{sym}:count   hash "b:<price>" / "a:<price>" -> resting orders
//	depth:{sym}:meta    hash with seq and ts
type DepthCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewDepthCache returns a cache whose keys expire after ttl (0 keeps them).
func NewDepthCache(c *Client, ttl time.Duration) *DepthCache {
	return &DepthCache{rdb: c.rdb, ttl: ttl}
}

func bidsKey(sym string) string  { return "depth:" + sym + ":bids" }
func asksKey(sym string) string  { return "depth:" + sym + ":asks" }
func qtyKey(sym string) string   { return "depth:" + sym + ":qty" }
func countKey(sym string) string { return "depth:" + sym + ":count" }
func metaKey(sym string) string  { return "depth:" + sym + ":meta" }

func keys(sym string) []string {
	return []string{bidsKey(sym), asksKey(sym), qtyKey(sym), countKey(sym), metaKey(sym)}
}

func field(side byte, price int64) string {
	return string(side) + ":" + strconv.FormatInt(price, 10)
}

// Set replaces the cached depth in one MULTI/EXEC.
func (c *DepthCache) Set(ctx context.Context, d Depth) error {
	sym := d.Instrument
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, keys(sym)...)

	add := func(zkey string, side byte, levels []orderbook.Level) {
		for _, l := range levels {
			p := strconv.FormatInt(l.Price, 10)
			pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(l.Price), Member: p})
			pipe.HSet(ctx, qtyKey(sym), field(side, l.Price), l.Qty)
			pipe.HSet(ctx, countKey(sym), field(side, l.Price), l.Count)
		}
	}
	add(bidsKey(sym), 'b', d.Bids)
	add(asksKey(sym), 'a', d.Asks)

	pipe.HSet(ctx, metaKey(sym), "seq", d.Seq, "ts", d.At.UnixNano())
	if c.ttl > 0 {
		for _, k := range keys(sym) {
			pipe.Expire(ctx, k, c.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "redis: set depth %s", sym)
	}
	return nil
}

func (c *DepthCache) Get(ctx context.Context, sym string) (Depth, error) {
	pipe := c.rdb.Pipeline()
	bidsCmd := pipe.ZRevRangeWithScores(ctx, bidsKey(sym), 0, -1)
	asksCmd := pipe.ZRangeWithScores(ctx, asksKey(sym), 0, -1)
	qtyCmd := pipe.HGetAll(ctx, qtyKey(sym))
	countCmd := pipe.HGetAll(ctx, countKey(sym))
	metaCmd := pipe.HGetAll(ctx, metaKey(sym))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Depth{}, errors.Wrapf(err, "redis: get depth %s", sym)
	}

	meta := metaCmd.Val()
	if len(meta) == 0 {
		return Depth{}, ErrNotFound
	}
	d := Depth{Instrument: sym}
	d.Seq, _ = strconv.ParseUint(meta["seq"], 10, 64)
	if ts, err := strconv.ParseInt(meta["ts"], 10, 64); err == nil {
		d.At = time.Unix(0, ts)
	}

	qty, count := qtyCmd.Val(), countCmd.Val()
	d.Bids = levelsFrom(bidsCmd.Val(), 'b', qty, count)
	d.Asks = levelsFrom(asksCmd.Val(), 'a', qty, count)
	return d, nil
}

func levelsFrom(zs []redis.Z, side byte, qty, count map[string]string) []orderbook.Level {
	out := make([]orderbook.Level, 0, len(zs))
	for _, z := range zs {
		price := int64(z.Score)
		f := field(side, price)
		q, _ := strconv.ParseInt(qty[f], 10, 64)
		n, _ := strconv.Atoi(count[f])
		out = append(out, orderbook.Level{Price: price, Qty: q, Count: n})
	}
	return out
}
