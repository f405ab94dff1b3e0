package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/stockmarket/internal/domain"
	"github.com/efreitasn/stockmarket/internal/service"
)

// MarketHandler handles HTTP requests for ticker and quote endpoints.
type MarketHandler struct {
	svc *service.ExchangeService
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(svc *service.ExchangeService) *MarketHandler {
	return &MarketHandler{svc: svc}
}

type tickerResponse struct {
	Ticker string `json:"ticker"`
	Exists bool   `json:"exists"`
}

// quoteResponse carries a null price for tickers the market does not know.
type quoteResponse struct {
	Ticker string  `json:"ticker"`
	Price  *string `json:"price"`
}

// GetTicker handles GET /tickers/{ticker}.
func (h *MarketHandler) GetTicker(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	ok, err := h.svc.CheckTickerExists(r.Context(), ticker)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !ok {
		writeServiceError(w, fmt.Errorf("%w: %s", domain.ErrTickerNotFound, ticker))
		return
	}
	WriteJSON(w, http.StatusOK, tickerResponse{Ticker: ticker, Exists: true})
}

// GetQuotes handles GET /quotes?ticker=A&ticker=B. Quotes are returned in
// request order.
func (h *MarketHandler) GetQuotes(w http.ResponseWriter, r *http.Request) {
	tickers := queryList(r, "ticker")
	if len(tickers) == 0 {
		WriteError(w, http.StatusBadRequest, "validation_error", "at least one ticker is required")
		return
	}

	quotes, err := h.svc.GetQuotes(r.Context(), tickers)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make([]quoteResponse, 0, len(tickers))
	seen := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		if seen[t] {
			continue
		}
		seen[t] = true
		q := quoteResponse{Ticker: t}
		if p := quotes[t]; p != nil {
			s := p.String()
			q.Price = &s
		}
		resp = append(resp, q)
	}
	WriteJSON(w, http.StatusOK, resp)
}
