package grpcserver

// Prices and quantities are integer ticks and lots.

type SubmitOrderRequest struct {
	Instrument string `json:"instrument"`
	Side       string `json:"side"` // buy | sell
	Type       string `json:"type"` // limit | market
	Price      int64  `json:"price,omitempty"`
	Qty        int64  `json:"qty"`
}

type Trade struct {
	Seq         uint64 `json:"seq"`
	Price       int64  `json:"price"`
	Qty         int64  `json:"qty"`
	BuyOrderID  uint64 `json:"buy_order_id"`
	SellOrderID uint64 `json:"sell_order_id"`
}

type Order struct {
	ID         uint64 `json:"id"`
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	Price      int64  `json:"price,omitempty"`
	Qty        int64  `json:"qty"`
	Filled     int64  `json:"filled"`
	Remaining  int64  `json:"remaining"`
	Status     string `json:"status"`
}

// SubmitOrderResponse carries a partial market fill too: Unfilled is the
// cancelled remainder and InsufficientLiquidity is set.
type SubmitOrderResponse struct {
	Order                 Order   `json:"order"`
	Trades                []Trade `json:"trades,omitempty"`
	Unfilled              int64   `json:"unfilled,omitempty"`
	InsufficientLiquidity bool    `json:"insufficient_liquidity,omitempty"`
}

type CancelOrderRequest struct {
	OrderID uint64 `json:"order_id"`
}

type CancelOrderResponse struct {
	Order Order `json:"order"`
}

type GetOrderRequest struct {
	OrderID uint64 `json:"order_id"`
}

type GetOrderResponse struct {
	Order Order `json:"order"`
}

type QueryBookRequest struct {
	Instrument string `json:"instrument"`
	Depth      int    `json:"depth,omitempty"`
}

type Level struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
	Count int   `json:"count"`
}

type QueryBookResponse struct {
	Instrument string  `json:"instrument"`
	Seq        uint64  `json:"seq"`
	Bids       []Level `json:"bids"`
	Asks       []Level `json:"asks"`
	Halted     bool    `json:"halted,omitempty"`
}

type CurrentSequenceRequest struct{}

type CurrentSequenceResponse struct {
	Seq uint64 `json:"seq"`
}
