package inventory

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
	"github.com/joao-fontenele/pickup-orderflow/internal/httpx"
)

// Handler exposes stock reads and the admin seed endpoint. Reservations
// only happen through the order workflow.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{
		ledger: ledger,
		logger: logger,
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/stock", h.HandleListStock)
	r.Get("/stock/{productID}", h.HandleGetStock)
	r.Put("/stock/{productID}", h.HandleSetStock)
}

func (h *Handler) HandleListStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.ledger.List(r.Context())
	if err != nil {
		httpx.WriteDomainError(w, h.logger, err)
		return
	}

	h.logger.Info("stock listed", "count", len(items))
	httpx.WriteJSON(w, h.logger, http.StatusOK, items)
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	stock, err := h.ledger.Get(r.Context(), productID)
	if err != nil {
		httpx.WriteDomainError(w, h.logger, err, "product_id", productID)
		return
	}

	httpx.WriteJSON(w, h.logger, http.StatusOK, stock)
}

type setStockRequest struct {
	Available *int `json:"available"`
}

func (h *Handler) HandleSetStock(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFromRequest(r)
	if err != nil {
		httpx.WriteError(w, h.logger, http.StatusUnauthorized, err.Error())
		return
	}
	if actor.Role != domain.RoleMaster {
		httpx.WriteError(w, h.logger, http.StatusForbidden, "only masters can set stock")
		return
	}

	productID := chi.URLParam(r, "productID")

	var req setStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Available == nil {
		httpx.WriteError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}

	stock, err := h.ledger.Set(r.Context(), productID, *req.Available)
	if err != nil {
		httpx.WriteDomainError(w, h.logger, err, "product_id", productID)
		return
	}

	h.logger.Info("stock set", "product_id", productID, "available", stock.Available, "by", actor.Tag())
	httpx.WriteJSON(w, h.logger, http.StatusOK, stock)
}
