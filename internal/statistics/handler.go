package statistics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
	"github.com/joao-fontenele/pickup-orderflow/internal/httpx"
)

type Reader interface {
	Monthly(ctx context.Context, period string) ([]MonthlyRevenue, error)
}

// Handler exposes the monthly totals to master accounts.
type Handler struct {
	reader Reader
	logger *slog.Logger
	now    func() time.Time
}

func NewHandler(reader Reader, logger *slog.Logger) *Handler {
	return &Handler{reader: reader, logger: logger, now: time.Now}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/statistics", h.HandleMonthly)
}

func (h *Handler) HandleMonthly(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFromRequest(r)
	if err != nil {
		httpx.WriteError(w, h.logger, http.StatusUnauthorized, err.Error())
		return
	}
	if actor.Role != domain.RoleMaster {
		httpx.WriteError(w, h.logger, http.StatusForbidden, "statistics are restricted to master accounts")
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = Period(h.now())
	} else if _, err := time.Parse("2006-01", period); err != nil {
		httpx.WriteError(w, h.logger, http.StatusBadRequest, "period must be YYYY-MM")
		return
	}

	rows, err := h.reader.Monthly(r.Context(), period)
	if err != nil {
		httpx.WriteDomainError(w, h.logger, err, "period", period)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, rows)
}
