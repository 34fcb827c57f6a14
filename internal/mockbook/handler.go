package mockbook

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Handler exposes the Store over the mock order API:
//
//	GET  /api/mock-orders  → full book
//	POST /api/mock-orders  → submit {side, price, amount}
type Handler struct {
	store *Store
	log   *zap.Logger
}

// NewHandler creates a Handler backed by store.
func NewHandler(store *Store, log *zap.Logger) *Handler {
	return &Handler{store: store, log: log}
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/mock-orders", h.serve)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getBook(w, r)
	case http.MethodPost:
		h.postOrder(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (h *Handler) getBook(w http.ResponseWriter, _ *http.Request) {
	data, err := h.store.Book()
	if err != nil {
		h.log.Error("reading mock book failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read mock orders"})
		return
	}
	writeJSON(w, http.StatusOK, data)
}

type orderRequest struct {
	Side   string `json:"side"`
	Price  string `json:"price"`
	Amount string `json:"amount"`
}

func (h *Handler) postOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	res, err := h.store.Submit(req.Side, req.Price, req.Amount)
	switch {
	case errors.Is(err, ErrInvalidSide):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid side"})
		return
	case errors.Is(err, ErrMissingFields):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing price or amount"})
		return
	case err != nil:
		h.log.Error("saving mock order failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save mock order"})
		return
	}

	if res.Filled {
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "filled": true})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "filled": false, "entry": res.Entry})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
