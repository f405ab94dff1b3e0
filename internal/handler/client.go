package handler

import (
	"maps"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/stockmarket/internal/service"
)

// ClientHandler handles HTTP requests for client endpoints.
type ClientHandler struct {
	svc *service.ExchangeService
}

// NewClientHandler creates a new ClientHandler.
func NewClientHandler(svc *service.ExchangeService) *ClientHandler {
	return &ClientHandler{svc: svc}
}

type addClientRequest struct {
	Name string `json:"name"`
}

// holdingResponse is one line of a client's portfolio.
type holdingResponse struct {
	Ticker   string `json:"ticker"`
	Quantity int64  `json:"quantity"`
}

type stockResponse struct {
	Client   string            `json:"client"`
	Holdings []holdingResponse `json:"holdings"`
}

// AddClient handles POST /clients.
func (h *ClientHandler) AddClient(w http.ResponseWriter, r *http.Request) {
	var req addClientRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	code, err := h.svc.AddClient(r.Context(), req.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteResult(w, code)
}

// GetStock handles GET /clients/{name}/stock. Holdings are sorted by ticker.
func (h *ClientHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	owned, err := h.svc.GetStockOwnedByClient(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := stockResponse{Client: name, Holdings: make([]holdingResponse, 0, len(owned))}
	for _, ticker := range slices.Sorted(maps.Keys(owned)) {
		resp.Holdings = append(resp.Holdings, holdingResponse{Ticker: ticker, Quantity: owned[ticker]})
	}
	WriteJSON(w, http.StatusOK, resp)
}
