// Package httpx holds the HTTP plumbing shared by the services: router
// defaults, JSON responses, error mapping and actor headers.
package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

// Identity headers are set by the gateway after upstream authentication.
const (
	HeaderActorRole = "X-Actor-Role"
	HeaderActorID   = "X-Actor-ID"
)

func NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Timeout bounds request handling; streaming routes are mounted outside it.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return middleware.Timeout(d)
}

func ActorFromRequest(r *http.Request) (domain.Actor, error) {
	role := r.Header.Get(HeaderActorRole)
	id := r.Header.Get(HeaderActorID)
	if role == "" || id == "" {
		return domain.Actor{}, errors.New("missing actor headers")
	}
	return domain.NewActor(role, id)
}

func WriteJSON(w http.ResponseWriter, logger *slog.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func WriteError(w http.ResponseWriter, logger *slog.Logger, status int, message string) {
	WriteJSON(w, logger, status, map[string]string{"error": message})
}

// StatusFor maps the domain error taxonomy to HTTP status codes. Anything
// else is a 500 and its message is not shown to the caller.
func StatusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, true
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, true
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, domain.ErrOutOfStock),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, true
	case errors.Is(err, domain.ErrTokenRejected):
		return http.StatusUnprocessableEntity, true
	}
	return http.StatusInternalServerError, false
}

// WriteDomainError writes err with its mapped status, logging unexpected ones.
func WriteDomainError(w http.ResponseWriter, logger *slog.Logger, err error, attrs ...any) {
	status, known := StatusFor(err)
	if !known {
		logger.Error("request failed", append([]any{"error", err}, attrs...)...)
		WriteError(w, logger, status, "internal server error")
		return
	}
	WriteError(w, logger, status, err.Error())
}
