package handler

import (
	"net/http"
	"time"

	"github.com/efreitasn/stockmarket/internal/domain"
	"github.com/efreitasn/stockmarket/internal/service"
)

// TransactionHandler serves the trade log.
type TransactionHandler struct {
	svc *service.ExchangeService
}

// NewTransactionHandler creates a new TransactionHandler.
func NewTransactionHandler(svc *service.ExchangeService) *TransactionHandler {
	return &TransactionHandler{svc: svc}
}

type tradeResponse struct {
	TradeID       string `json:"trade_id"`
	TransactionID int64  `json:"transaction_id"`
	SellOrderID   int64  `json:"sell_order_id"`
	BuyOrderID    int64  `json:"buy_order_id"`
	Ticker        string `json:"ticker"`
	Seller        string `json:"seller"`
	Buyer         string `json:"buyer"`
	Amount        int64  `json:"amount"`
	Price         string `json:"price"`
	Total         string `json:"total"`
	Timestamp     string `json:"timestamp"`
}

// ListTransactions handles GET /transactions?client=a&since=RFC3339.
func (h *TransactionHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	clients := queryList(r, "client")
	if len(clients) == 0 {
		WriteError(w, http.StatusBadRequest, "validation_error", "at least one client is required")
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "since must be a valid RFC 3339 timestamp")
			return
		}
		since = t
	}

	trades, err := h.svc.GetTransactions(r.Context(), clients, since)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make(map[string][]tradeResponse, len(trades))
	for client, list := range trades {
		out := make([]tradeResponse, len(list))
		for i, t := range list {
			out[i] = buildTradeResponse(t)
		}
		resp[client] = out
	}
	WriteJSON(w, http.StatusOK, resp)
}

func buildTradeResponse(t *domain.TradeLogEntry) tradeResponse {
	return tradeResponse{
		TradeID:       t.TradeID,
		TransactionID: t.TransactionID,
		SellOrderID:   t.SellOrderID,
		BuyOrderID:    t.BuyOrderID,
		Ticker:        t.Ticker,
		Seller:        t.Seller,
		Buyer:         t.Buyer,
		Amount:        t.Amount,
		Price:         t.Price.String(),
		Total:         domain.Notional(t.Amount, t.Price).String(),
		Timestamp:     t.Timestamp.UTC().Format(timeFormat),
	}
}
