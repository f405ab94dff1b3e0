package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/efreitasn/stockmarket/internal/domain"
	"github.com/efreitasn/stockmarket/internal/service"
)

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	svc *service.ExchangeService
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(svc *service.ExchangeService) *OrderHandler {
	return &OrderHandler{svc: svc}
}

// createOrderRequest is the JSON request body for POST /orders. Price is a
// decimal string.
type createOrderRequest struct {
	Client    string `json:"client"`
	Side      string `json:"side"`
	Ticker    string `json:"ticker"`
	Amount    int64  `json:"amount"`
	Price     string `json:"price"`
	ExpiresAt string `json:"expires_at"`
}

// orderResponse is one order in a GET /orders listing.
type orderResponse struct {
	ID        int64  `json:"id"`
	Side      string `json:"side"`
	Ticker    string `json:"ticker"`
	Amount    int64  `json:"amount"`
	Price     string `json:"price"`
	ExpiresAt string `json:"expires_at"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

// CreateOrder handles POST /orders.
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	price, err := domain.ParsePrice(req.Price)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "expires_at must be a valid RFC 3339 timestamp")
		return
	}

	code, err := h.svc.CreateOrder(r.Context(), service.CreateOrderRequest{
		Client:    req.Client,
		Side:      domain.OrderSide(req.Side),
		Ticker:    req.Ticker,
		Amount:    req.Amount,
		Price:     price,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteResult(w, code)
}

// ListOrders handles GET /orders?client=a&client=b&active_only=true.
// The response maps each requested client to its orders.
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	clients := queryList(r, "client")
	if len(clients) == 0 {
		WriteError(w, http.StatusBadRequest, "validation_error", "at least one client is required")
		return
	}
	activeOnly := false
	if v := r.URL.Query().Get("active_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "active_only must be a boolean")
			return
		}
		activeOnly = b
	}

	orders, err := h.svc.GetOrders(r.Context(), clients, activeOnly)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make(map[string][]orderResponse, len(orders))
	for client, list := range orders {
		out := make([]orderResponse, len(list))
		for i, o := range list {
			out[i] = orderResponse{
				ID:        o.ID,
				Side:      string(o.Side),
				Ticker:    o.Ticker,
				Amount:    o.Amount,
				Price:     o.Price.String(),
				ExpiresAt: o.ExpiresAt.UTC().Format(timeFormat),
				Active:    o.Active,
				CreatedAt: o.CreatedAt.UTC().Format(timeFormat),
			}
		}
		resp[client] = out
	}
	WriteJSON(w, http.StatusOK, resp)
}
