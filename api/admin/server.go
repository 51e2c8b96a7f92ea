// Package admin serves the operator HTTP surface: health, sequence, manual
// snapshot, range replay, book inspection and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"market/domain/market"
	"market/domain/orderbook"
	"market/infra/logging"
	"market/service"
	"market/snapshot"
)

// Engine is the part of service.Engine the admin surface drives.
type Engine interface {
	CurrentSequence() uint64
	Halted() map[string]error
	Instruments() []market.Instrument
	QueryBook(symbol string, depth int) (service.BookView, error)
	SaveSnapshot(ctx context.Context) (snapshot.State, error)
	ReplayRange(ctx context.Context, from, to uint64) (service.ReplayReport, error)
}

type Config struct {
	Addr           string
	AllowedOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

type Server struct {
	engine Engine
	router *mux.Router
	http   *http.Server
	logger *zap.Logger
}

func NewServer(e Engine, cfg Config) *Server {
	s := &Server{
		engine: e,
		router: mux.NewRouter(),
		logger: logging.Component(cfg.Logger, "admin"),
	}
	s.setupRoutes(cfg.Metrics)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           c.Handler(s.router),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(metrics http.Handler) {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/admin").Subrouter()
	api.HandleFunc("/sequence", s.handleSequence).Methods(http.MethodGet)
	api.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodPost)
	api.HandleFunc("/replay", s.handleReplay).Methods(http.MethodPost)
	api.HandleFunc("/books/{symbol}", s.handleBook).Methods(http.MethodGet)
}

// Handler exposes the routed handler, CORS included.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "admin: serve")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// ==============================
// Handlers
// ==============================

type healthResponse struct {
	Status   string            `json:"status"`
	Sequence uint64            `json:"sequence"`
	Halted   map[string]string `json:"halted,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Sequence: s.engine.CurrentSequence()}
	halted := s.engine.Halted()
	if len(halted) == 0 {
		respondJSON(w, http.StatusOK, resp)
		return
	}
	resp.Status = "degraded"
	resp.Halted = make(map[string]string, len(halted))
	for sym, cause := range halted {
		resp.Halted[sym] = cause.Error()
	}
	respondJSON(w, http.StatusServiceUnavailable, resp)
}

func (s *Server) handleSequence(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]uint64{"sequence": s.engine.CurrentSequence()})
}

type snapshotResponse struct {
	Seq     uint64    `json:"seq"`
	Created time.Time `json:"created"`
	Books   int       `json:"books"`
	Digest  string    `json:"digest"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.SaveSnapshot(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("manual snapshot", zap.Uint64("seq", st.Seq))
	respondJSON(w, http.StatusOK, snapshotResponse{
		Seq:     st.Seq,
		Created: st.Created,
		Books:   len(st.Books),
		Digest:  snapshot.Digest(st.Books),
	})
}

type replayResponse struct {
	From    uint64 `json:"from"`
	To      uint64 `json:"to"`
	BaseSeq uint64 `json:"base_seq"`
	Entries int    `json:"entries"`
	Trades  int    `json:"trades"`
	Books   int    `json:"books"`
	Digest  string `json:"digest"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	from, err := seqParam(r, "from")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid from", err.Error())
		return
	}
	to, err := seqParam(r, "to")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid to", err.Error())
		return
	}

	rep, err := s.engine.ReplayRange(r.Context(), from, to)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, replayResponse{
		From:    rep.From,
		To:      rep.To,
		BaseSeq: rep.BaseSeq,
		Entries: rep.Entries,
		Trades:  rep.Trades,
		Books:   len(rep.Books),
		Digest:  rep.Digest,
	})
}

// seqParam reads an optional sequence query parameter; absent means 0.
func seqParam(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

type level struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
	Count int   `json:"count"`
}

type bookResponse struct {
	Instrument string  `json:"instrument"`
	Seq        uint64  `json:"seq"`
	Bids       []level `json:"bids"`
	Asks       []level `json:"asks"`
	Halted     bool    `json:"halted"`
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	depth := 0
	if raw := r.URL.Query().Get("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			respondError(w, http.StatusBadRequest, "invalid depth", raw)
			return
		}
		depth = d
	}

	view, err := s.engine.QueryBook(symbol, depth)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, bookResponse{
		Instrument: view.Instrument,
		Seq:        view.Seq,
		Bids:       levels(view.Bids),
		Asks:       levels(view.Asks),
		Halted:     view.Halted,
	})
}

func levels(ls []orderbook.Level) []level {
	out := make([]level, len(ls))
	for i, l := range ls {
		out[i] = level{Price: l.Price, Qty: l.Qty, Count: l.Count}
	}
	return out
}

// ==============================
// Responses
// ==============================

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// fail maps an engine error to an HTTP status by its class.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, market.ErrUnknownInstrument):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrNoSnapshotStore):
		code = http.StatusNotImplemented
	case errors.Is(err, service.ErrInstrumentHalted):
		code = http.StatusConflict
	default:
		switch service.Classify(err) {
		case service.ClassValidation:
			code = http.StatusBadRequest
		case service.ClassDurability:
			code = http.StatusServiceUnavailable
		}
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", zap.Error(err))
	}
	respondError(w, code, http.StatusText(code), err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg, detail string) {
	respondJSON(w, status, ErrorResponse{Error: msg, Message: detail})
}
