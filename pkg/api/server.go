package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/replex/pkg/exchange"
	"github.com/uhyunpark/replex/pkg/orderbook"
	"github.com/uhyunpark/replex/pkg/util"
)

const (
	defaultTradesLimit = 50
	maxTradesLimit     = 1000
)

// Server handles REST API and WebSocket connections of one exchange node
type Server struct {
	node   *exchange.Node
	router *mux.Router
	hub    *Hub // WebSocket hub
	log    *zap.SugaredLogger

	// SubmitTimeout bounds a POST /orders end to end
	SubmitTimeout  time.Duration
	AllowedOrigins []string
}

// NewServer creates a new API server. hub should be registered as a listener
// of node (exchange.WithListener(hub.OnApplied)) for WebSocket updates.
func NewServer(node *exchange.Node, hub *Hub, log *zap.SugaredLogger) *Server {
	s := &Server{
		node:           node,
		router:         mux.NewRouter(),
		hub:            hub,
		log:            util.OrNop(log),
		SubmitTimeout:  30 * time.Second,
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.Handle("/metrics", s.node.Metrics().Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the WebSocket hub and serves HTTP on addr until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, snapshotOf(s.node.Book()))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxTradesLimit)
	}

	trades, err := s.node.Journal().RecentTrades(limit)
	if err != nil {
		s.log.Warnw("trades_read_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to read trades", err.Error())
		return
	}
	respondJSON(w, tradeInfos(trades))
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	sideStr := req.Side
	if sideStr == "" {
		sideStr = req.Type
	}
	side, err := orderbook.ParseSide(sideStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}
	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = r.RemoteAddr
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.SubmitTimeout)
	defer cancel()
	ack, err := s.node.SubmitOrder(ctx, clientID, orderbook.Order{
		ID:        req.ID,
		Symbol:    req.Symbol,
		Side:      side,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Timestamp: ts,
	})
	switch {
	case errors.Is(err, orderbook.ErrInvalidOrder):
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	case !exchange.Accepted(err):
		status := http.StatusInternalServerError
		if exchange.Retryable(err) {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(ErrorResponse{
			Error:     "order not accepted",
			Message:   err.Error(),
			Retryable: exchange.Retryable(err),
		})
		return
	}

	resp := SubmitOrderResponse{
		Status: "accepted",
		Ref:    ack.Ref,
		Seq:    ack.Seq,
		Trades: tradeInfos(ack.Trades),
		Stale:  ack.Stale,
	}
	if err != nil {
		resp.Message = err.Error()
	}
	respondJSON(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok", "node": s.node.ID()})
}

// ==============================
// Helper Functions
// ==============================

// snapshotOf derives best bid/ask from the same read as the book sides.
func snapshotOf(book *orderbook.OrderBook) OrderbookSnapshot {
	snap, last := book.SnapshotWithLastPrice()
	out := OrderbookSnapshot{
		Symbol:    book.Symbol(),
		Buy:       snap.Buy,
		Sell:      snap.Sell,
		Timestamp: time.Now().UnixMilli(),
	}
	if len(snap.Buy) > 0 {
		out.BestBid = snap.Buy[0].Price
	}
	if len(snap.Sell) > 0 {
		out.BestAsk = snap.Sell[0].Price
	}
	if !last.IsZero() {
		out.LastPrice = last.String()
	}
	return out
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
