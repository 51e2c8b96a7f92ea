// Package grpcserver exposes the engine over gRPC as market.v1.Broker.
// Messages are JSON encoded; the service descriptor is declared by hand.
package grpcserver

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"market/domain/matching"
	"market/domain/orderbook"
	"market/infra/logging"
	"market/infra/wal"
	"market/service"
)

const requestIDKey = "x-request-id"

// Engine is what the server needs from service.Engine.
type Engine interface {
	Submit(ctx context.Context, req matching.Request) (service.SubmitResult, error)
	Cancel(ctx context.Context, id uint64) (orderbook.Order, error)
	GetOrder(id uint64) (orderbook.Order, error)
	QueryBook(symbol string, depth int) (service.BookView, error)
	CurrentSequence() uint64
}

// Server adapts the engine to gRPC.
type Server struct {
	engine Engine
}

var _ BrokerServer = (*Server)(nil)

func NewServer(e Engine) *Server {
	return &Server{engine: e}
}

// NewGRPCServer builds a grpc.Server with the broker registered and request
// logging installed.
func NewGRPCServer(e Engine, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(requestLogger(logging.Component(logger, "grpc"))))
	s := grpc.NewServer(opts...)
	RegisterBrokerServer(s, NewServer(e))
	return s
}

// -------------------- Commands --------------------

func (s *Server) SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (*SubmitOrderResponse, error) {
	res, err := s.engine.Submit(ctx, matching.Request{
		Instrument: req.Instrument,
		Side:       toSide(req.Side),
		Type:       toType(req.Type),
		Price:      req.Price,
		Qty:        req.Qty,
	})
	short := errors.Is(err, matching.ErrInsufficientLiquidity)
	if err != nil && !short {
		return nil, toStatus(err)
	}

	resp := &SubmitOrderResponse{
		Order:                 fromOrder(res.Order),
		Unfilled:              res.Unfilled,
		InsufficientLiquidity: short,
	}
	for _, t := range res.Trades {
		resp.Trades = append(resp.Trades, Trade{
			Seq:         t.Seq,
			Price:       t.Price,
			Qty:         t.Qty,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
		})
	}
	return resp, nil
}

func (s *Server) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*CancelOrderResponse, error) {
	o, err := s.engine.Cancel(ctx, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CancelOrderResponse{Order: fromOrder(o)}, nil
}

// -------------------- Queries --------------------

func (s *Server) GetOrder(_ context.Context, req *GetOrderRequest) (*GetOrderResponse, error) {
	o, err := s.engine.GetOrder(req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetOrderResponse{Order: fromOrder(o)}, nil
}

func (s *Server) QueryBook(_ context.Context, req *QueryBookRequest) (*QueryBookResponse, error) {
	view, err := s.engine.QueryBook(req.Instrument, req.Depth)
	if err != nil {
		return nil, toStatus(err)
	}
	return &QueryBookResponse{
		Instrument: view.Instrument,
		Seq:        view.Seq,
		Bids:       fromLevels(view.Bids),
		Asks:       fromLevels(view.Asks),
		Halted:     view.Halted,
	}, nil
}

func (s *Server) CurrentSequence(context.Context, *CurrentSequenceRequest) (*CurrentSequenceResponse, error) {
	return &CurrentSequenceResponse{Seq: s.engine.CurrentSequence()}, nil
}

// -------------------- Errors --------------------

// toStatus maps the engine's error taxonomy to gRPC codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, service.ErrInstrumentHalted):
		code = codes.FailedPrecondition
	default:
		switch service.Classify(err) {
		case service.ClassValidation:
			code = codes.InvalidArgument
			if errors.Is(err, orderbook.ErrOrderNotFound) {
				code = codes.NotFound
			}
		case service.ClassDurability:
			code = codes.Unavailable
			if errors.Is(err, wal.ErrLogFull) {
				code = codes.ResourceExhausted
			}
		case service.ClassConsistency:
			code = codes.Internal
		}
	}
	return status.Error(code, err.Error())
}

// requestLogger tags every call with a request id, echoed back in the
// response header, and logs its outcome.
func requestLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(requestIDKey); len(v) > 0 {
				id = v[0]
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDKey, id))

		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("request_id", id),
			zap.Duration("took", time.Since(start)),
		}
		if err != nil {
			st, _ := status.FromError(err)
			fields = append(fields, zap.String("code", st.Code().String()), zap.String("error", st.Message()))
			if st.Code() == codes.Internal {
				logger.Error("rpc failed", fields...)
			} else {
				logger.Info("rpc rejected", fields...)
			}
			return resp, err
		}
		logger.Debug("rpc", fields...)
		return resp, nil
	}
}

// -------------------- Converters --------------------

func toSide(s string) orderbook.Side {
	switch s {
	case "buy", "bid", "BUY", "BID":
		return orderbook.Bid
	case "sell", "ask", "SELL", "ASK":
		return orderbook.Ask
	default:
		return 0
	}
}

func toType(t string) orderbook.OrderType {
	switch t {
	case "limit", "LIMIT", "":
		return orderbook.Limit
	case "market", "MARKET":
		return orderbook.Market
	default:
		return 0
	}
}

func fromOrder(o orderbook.Order) Order {
	return Order{
		ID:         o.ID,
		Instrument: o.Instrument,
		Side:       o.Side.String(),
		Type:       o.Type.String(),
		Price:      o.Price,
		Qty:        o.Qty,
		Filled:     o.Filled,
		Remaining:  o.Remaining(),
		Status:     o.Status.String(),
	}
}

func fromLevels(ls []orderbook.Level) []Level {
	out := make([]Level, len(ls))
	for i, l := range ls {
		out[i] = Level{Price: l.Price, Qty: l.Qty, Count: l.Count}
	}
	return out
}
