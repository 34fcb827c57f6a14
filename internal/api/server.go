package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dobby-dex/dobby/internal/book"
	"github.com/dobby-dex/dobby/internal/fills"
	"github.com/dobby-dex/dobby/internal/health"
	"github.com/dobby-dex/dobby/internal/ledger"
	"github.com/dobby-dex/dobby/internal/lifecycle"
	"github.com/dobby-dex/dobby/internal/oracle"
)

// BookSource is the read model for the reconstructed order book.
type BookSource interface {
	View() (book.View, bool)
	Err() error
}

// FillSource is the read model for recent trade history.
type FillSource interface {
	Fills() ([]fills.Fill, bool)
	Err() error
}

// PriceSource is the read model for the reconciled oracle price.
type PriceSource interface {
	Price() (oracle.Price, bool)
	Loading() bool
	Err() error
}

// OrderPlacer submits one order intent at a time.
type OrderPlacer interface {
	Place(ctx context.Context, intent lifecycle.Intent) (lifecycle.Result, error)
	Step() lifecycle.Step
}

// UserOrderSource reads one trader's open orders from the ledger.
type UserOrderSource interface {
	UserOrders(ctx context.Context, trader common.Address) ([]ledger.Order, error)
}

// Server exposes the sync engine's read models and the order entry path
// over HTTP.
type Server struct {
	books  BookSource
	fills  FillSource
	prices PriceSource
	orders OrderPlacer
	open   UserOrderSource
	gate   *health.Gate
	log    *zap.Logger
}

// NewServer wires the read models and order controller into a Server.
func NewServer(books BookSource, fills FillSource, prices PriceSource,
	orders OrderPlacer, open UserOrderSource, gate *health.Gate, log *zap.Logger) *Server {
	return &Server{books: books, fills: fills, prices: prices, orders: orders, open: open, gate: gate, log: log}
}

// Register mounts all routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/book", s.getBook)
	mux.HandleFunc("/api/fills", s.getFills)
	mux.HandleFunc("/api/price", s.getPrice)
	mux.HandleFunc("/api/health", s.getHealth)
	mux.HandleFunc("/api/orders", s.orderRoute)
}

func (s *Server) orderRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getUserOrders(w, r)
	case http.MethodPost:
		s.postOrder(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	}
}

type userOrder struct {
	ID        string `json:"id"`
	IsBuy     bool   `json:"isBuy"`
	Price     string `json:"price"`
	Amount    string `json:"amount"`
	Timestamp uint64 `json:"timestamp"`
}

func (s *Server) getUserOrders(w http.ResponseWriter, r *http.Request) {
	trader := r.URL.Query().Get("trader")
	if !common.IsHexAddress(trader) {
		writeError(w, http.StatusBadRequest, "missing or invalid trader address", nil)
		return
	}

	orders, err := s.open.UserOrders(r.Context(), common.HexToAddress(trader))
	if err != nil {
		writeError(w, http.StatusBadGateway, "reading open orders failed", err)
		return
	}

	out := make([]userOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, userOrder{
			ID:        o.ID.String(),
			IsBuy:     o.IsBuy,
			Price:     decimal.NewFromBigInt(o.Price, -18).String(),
			Amount:    decimal.NewFromBigInt(o.Amount, -18).String(),
			Timestamp: o.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getBook(w http.ResponseWriter, _ *http.Request) {
	view, ok := s.books.View()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no book snapshot yet", s.books.Err())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getFills(w http.ResponseWriter, _ *http.Request) {
	history, ok := s.fills.Fills()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no fill history yet", s.fills.Err())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type priceResponse struct {
	Value       string `json:"value"`
	Conf        string `json:"conf"`
	PublishTime int64  `json:"publishTime"`
}

func (s *Server) getPrice(w http.ResponseWriter, _ *http.Request) {
	p, ok := s.prices.Price()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "price not reconciled yet", s.prices.Err())
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{
		Value:       p.Value.String(),
		Conf:        p.Conf.String(),
		PublishTime: p.PublishTime,
	})
}

type healthResponse struct {
	CanTrade  bool   `json:"canTrade"`
	BookErr   string `json:"bookErr,omitempty"`
	FillsErr  string `json:"fillsErr,omitempty"`
	OracleErr string `json:"oracleErr,omitempty"`
}

func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{CanTrade: s.gate.CanTrade()}
	if err := s.books.Err(); err != nil {
		resp.BookErr = err.Error()
	}
	if err := s.fills.Err(); err != nil {
		resp.FillsErr = err.Error()
	}
	if err := s.prices.Err(); err != nil {
		resp.OracleErr = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type orderRequest struct {
	BaseToken  string `json:"baseToken"`
	QuoteToken string `json:"quoteToken"`
	IsBuy      bool   `json:"isBuy"`
	Price      string `json:"price"`
	Amount     string `json:"amount"`
	ApproveMax bool   `json:"approveMax"`
}

type orderResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Step    string `json:"step"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) postOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", err)
		return
	}

	intent := lifecycle.Intent{
		BaseToken:  common.HexToAddress(req.BaseToken),
		QuoteToken: common.HexToAddress(req.QuoteToken),
		IsBuy:      req.IsBuy,
		Price:      req.Price,
		Amount:     req.Amount,
		ApproveMax: req.ApproveMax,
	}

	res, err := s.orders.Place(r.Context(), intent)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, lifecycle.ErrBusy):
			status = http.StatusConflict
		case errors.Is(err, lifecycle.ErrInvalidIntent):
			status = http.StatusBadRequest
		case errors.Is(err, lifecycle.ErrNoSigner), errors.Is(err, lifecycle.ErrTradingGated):
			status = http.StatusServiceUnavailable
		}
		s.log.Warn("order rejected", zap.Error(err))
		writeJSON(w, status, orderResponse{
			Success: false,
			Step:    string(s.orders.Step()),
			Error:   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, orderResponse{
		Success: res.Success,
		TxHash:  res.TxHash.Hex(),
		Step:    string(s.orders.Step()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := map[string]string{"error": msg}
	if err != nil {
		body["details"] = err.Error()
	}
	writeJSON(w, status, body)
}
