package notify

import (
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/joao-fontenele/pickup-orderflow/internal/httpx"
)

// SendRequest is the body of POST /send.
type SendRequest struct {
	Channel string `json:"channel" validate:"required,oneof=email sms"`
	To      string `json:"to" validate:"required"`
	Subject string `json:"subject"`
	Body    string `json:"body" validate:"required"`
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Handler stands in for the email and SMS providers: it validates,
// simulates provider latency and logs the delivery.
type Handler struct {
	logger   *slog.Logger
	validate *validator.Validate
	latency  func() time.Duration
}

type Option func(*Handler)

func WithLatency(f func() time.Duration) Option {
	return func(h *Handler) { h.latency = f }
}

func NewHandler(logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		logger:   logger,
		validate: validator.New(),
		latency: func() time.Duration {
			return time.Duration(50+rand.IntN(151)) * time.Millisecond
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.WriteError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	select {
	case <-time.After(h.latency()):
	case <-r.Context().Done():
		return
	}

	id := uuid.NewString()
	h.logger.Info("notification sent", "id", id, "channel", req.Channel, "to", req.To, "subject", req.Subject)

	httpx.WriteJSON(w, h.logger, http.StatusOK, sendResponse{ID: id, Status: "sent"})
}
