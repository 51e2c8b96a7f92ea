package event

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market/domain/orderbook"
)

func TestSubmit_FromPlanKeepsTrades(t *testing.T) {
	book := orderbook.New("X")
	_, err := book.MatchAgainst(orderbook.Order{ID: 1, Seq: 1, Instrument: "X", Side: orderbook.Ask, Type: orderbook.Limit, Price: 10, Qty: 4})
	require.NoError(t, err)
	p, err := book.MatchAgainst(orderbook.Order{ID: 2, Seq: 2, Instrument: "X", Side: orderbook.Bid, Type: orderbook.Market, Qty: 6})
	require.NoError(t, err)

	s := NewSubmit(p)
	got, err := UnmarshalSubmit(s.Marshal())
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Equal(t, p.Trades, got.Trades(2))
	assert.Equal(t, p.Incoming, got.Order(2))
	assert.Equal(t, int64(2), got.Unfilled)
}

func TestEncodingIsDeterministic(t *testing.T) {
	s := Submit{Instrument: "X", Side: orderbook.Bid, OrderType: orderbook.Limit, Price: 10, Qty: 5,
		Status: orderbook.Open, Fills: []Fill{{Price: 9, Qty: 1, BuyOrderID: 5, SellOrderID: 3}}}
	assert.Equal(t, s.Marshal(), s.Marshal())

	sym, err := Instrument(TypeSubmit, s.Marshal())
	require.NoError(t, err)
	assert.Equal(t, "X", sym)
}

func TestCancel_Decode(t *testing.T) {
	c := Cancel{Instrument: "BTC-USD", OrderID: 42, Remaining: 7, Filled: 3}
	got, err := UnmarshalCancel(c.Marshal())
	require.NoError(t, err)
	assert.Equal(t, c, got)

	sym, err := Instrument(TypeCancel, c.Marshal())
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", sym)
}

func TestUnmarshal_Truncated(t *testing.T) {
	b := Cancel{Instrument: "BTC-USD", OrderID: 42}.Marshal()
	_, err := UnmarshalCancel(b[:len(b)-1])
	assert.True(t, errors.Is(err, ErrMalformed))
}
