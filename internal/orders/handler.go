package orders

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
	"github.com/joao-fontenele/pickup-orderflow/internal/httpx"
)

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/orders", h.HandlePlace)
	r.Get("/orders", h.HandleList)
	r.Post("/orders/scan", h.HandleScan)
	r.Get("/orders/{id}", h.HandleGet)
	r.Post("/orders/{id}/accept", h.HandleAccept)
	r.Post("/orders/{id}/reject", h.HandleReject)
	r.Post("/orders/{id}/cancel", h.HandleCancel)
	r.Post("/orders/{id}/master-cancel", h.HandleMasterCancel)
	r.Patch("/orders/{id}/status", h.HandleOverrideStatus)
}

func (h *Handler) HandlePlace(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var in PlaceInput
	if !h.decode(w, r, &in, false) {
		return
	}

	order, err := h.service.Place(r.Context(), actor, in)
	if err != nil {
		httpx.WriteDomainError(w, h.logger, err, "product_id", in.ProductID)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusCreated, viewFor(actor, order))
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	order, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		httpx.WriteDomainError(w, h.logger, err, "order_id", id)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, viewFor(actor, order))
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := Filter{
		UserID:   q.Get("user_id"),
		SellerID: q.Get("seller_id"),
		Status:   domain.OrderStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			httpx.WriteError(w, h.logger, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	orders, err := h.service.List(r.Context(), actor, filter)
	if err != nil {
		httpx.WriteDomainError(w, h.logger, err)
		return
	}

	views := make([]*domain.Order, 0, len(orders))
	for _, o := range orders {
		views = append(views, viewFor(actor, o))
	}

	h.logger.Info("orders listed", "count", len(views), "actor", actor.Tag())
	httpx.WriteJSON(w, h.logger, http.StatusOK, views)
}

func (h *Handler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	order, err := h.service.Accept(r.Context(), actor, id)
	h.respond(w, actor, order, err, id)
}

type reasonRequest struct {
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req reasonRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	order, err := h.service.Reject(r.Context(), actor, id, req.Reason)
	h.respond(w, actor, order, err, id)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req reasonRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	order, err := h.service.Cancel(r.Context(), actor, id, req.Note)
	h.respond(w, actor, order, err, id)
}

type masterCancelRequest struct {
	ConfirmationCode string `json:"confirmation_code"`
	Reason           string `json:"reason"`
}

func (h *Handler) HandleMasterCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req masterCancelRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	order, err := h.service.MasterCancel(r.Context(), actor, id, req.ConfirmationCode, req.Reason)
	h.respond(w, actor, order, err, id)
}

type overrideStatusRequest struct {
	Status domain.OrderStatus `json:"status"`
	Note   string             `json:"note"`
}

func (h *Handler) HandleOverrideStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req overrideStatusRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	order, err := h.service.OverrideStatus(r.Context(), actor, id, req.Status, req.Note)
	h.respond(w, actor, order, err, id)
}

type scanRequest struct {
	QR          string      `json:"qr"`
	Token       string      `json:"token"`
	Role        domain.Role `json:"role"`
	OrderID     string      `json:"order_id"`
	OrderNumber string      `json:"order_number"`
}

func (h *Handler) HandleScan(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req scanRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	var (
		order *domain.Order
		err   error
	)
	in := ScanInput{Token: req.Token, OrderID: req.OrderID, OrderNumber: req.OrderNumber}
	switch {
	case req.QR != "":
		order, err = h.service.Scan(r.Context(), actor, req.QR)
	case req.Role == domain.RoleSeller:
		order, err = h.service.ScanSellerToken(r.Context(), actor, in)
	case req.Role == domain.RoleUser:
		order, err = h.service.ScanUserToken(r.Context(), actor, in)
	default:
		httpx.WriteError(w, h.logger, http.StatusBadRequest, "either qr or token with role user or seller is required")
		return
	}
	h.respond(w, actor, order, err, req.OrderID)
}

func (h *Handler) respond(w http.ResponseWriter, actor domain.Actor, order *domain.Order, err error, orderID string) {
	if err != nil {
		httpx.WriteDomainError(w, h.logger, err, "order_id", orderID, "actor", actor.Tag())
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, viewFor(actor, order))
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, err := httpx.ActorFromRequest(r)
	if err != nil {
		httpx.WriteError(w, h.logger, http.StatusUnauthorized, err.Error())
		return domain.Actor{}, false
	}
	return actor, true
}

// decode reads a JSON body into v. An empty body is accepted when optional.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	httpx.WriteError(w, h.logger, http.StatusBadRequest, "invalid request body")
	return false
}

// viewFor hides what the actor must not see: a party only ever gets its
// own token and QR, and nobody but a master sees the cancellation code.
func viewFor(actor domain.Actor, o *domain.Order) *domain.Order {
	v := o.Clone()
	switch actor.Role {
	case domain.RoleUser:
		v.SecureTokenSeller = ""
	case domain.RoleSeller:
		v.SecureTokenUser = ""
		v.QRCodeData = ""
		if v.SecureTokenSeller != "" {
			v.QRCodeData = domain.QRPayload(v.OrderNumber, domain.RoleSeller, v.SecureTokenSeller)
		}
	default:
		v.SecureTokenUser = ""
		v.SecureTokenSeller = ""
		v.QRCodeData = ""
	}
	if actor.Role != domain.RoleMaster {
		v.CancellationCode = ""
	}
	return v
}
