package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/joao-fontenele/pickup-orderflow/internal/httpx"
)

type Handler struct {
	ordersProxy    *ServiceProxy
	inventoryProxy *ServiceProxy
	eventsProxy    *ServiceProxy
	scanLimiter    *Limiter
	trustedPeers   *TrustedPeers
	logger         *slog.Logger
}

type Option func(*Handler)

// WithEventsProxy routes the long-lived event stream through its own
// proxy, whose client must not have a request timeout.
func WithEventsProxy(p *ServiceProxy) Option {
	return func(h *Handler) { h.eventsProxy = p }
}

func WithScanLimiter(l *Limiter) Option {
	return func(h *Handler) { h.scanLimiter = l }
}

// WithTrustedPeers lets requests from these peers carry actor headers.
// Without it every client-supplied identity is dropped.
func WithTrustedPeers(t *TrustedPeers) Option {
	return func(h *Handler) { h.trustedPeers = t }
}

func NewHandler(ordersProxy, inventoryProxy *ServiceProxy, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		ordersProxy:    ordersProxy,
		inventoryProxy: inventoryProxy,
		eventsProxy:    ordersProxy,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) HandleOrders(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.ordersProxy, r.URL.Path)
}

// HandleScan forwards token scans, rate limited per client IP when a
// limiter is configured.
func (h *Handler) HandleScan(w http.ResponseWriter, r *http.Request) {
	if h.scanLimiter != nil && !h.scanLimiter.Allow(clientIP(r)) {
		h.logger.Warn("scan rate limit exceeded", "client_ip", clientIP(r))
		httpx.WriteError(w, h.logger, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	h.proxyRequest(w, r, h.ordersProxy, r.URL.Path)
}

func (h *Handler) HandleInventory(w http.ResponseWriter, r *http.Request) {
	path := strings.Replace(r.URL.Path, "/inventory/", "/", 1)
	h.proxyRequest(w, r, h.inventoryProxy, path)
}

// HandleEvents relays the server-sent event stream, flushing each chunk
// as it arrives.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, h.logger, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	resp, err := h.eventsProxy.ForwardRequest(r.Context(), h.withTrustedIdentity(r), r.URL.Path)
	if err != nil {
		h.logger.Error("failed to open event stream", "error", err)
		httpx.WriteError(w, h.logger, http.StatusBadGateway, "service unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeaders(w, resp, "Content-Type", "Cache-Control")
	w.WriteHeader(resp.StatusCode)
	flusher.Flush()

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && r.Context().Err() == nil {
				h.logger.Warn("event stream ended", "error", err)
			}
			return
		}
	}
}

func (h *Handler) proxyRequest(w http.ResponseWriter, r *http.Request, proxy *ServiceProxy, path string) {
	resp, err := proxy.ForwardRequest(r.Context(), h.withTrustedIdentity(r), path)
	if err != nil {
		h.logger.Error("failed to forward request", "error", err, "path", path)
		httpx.WriteError(w, h.logger, http.StatusBadGateway, "service unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeaders(w, resp, "Content-Type")
	w.WriteHeader(resp.StatusCode)

	h.logger.Info("request proxied", "method", r.Method, "path", path, "status", resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("failed to copy response body", "error", err)
	}
}

func copyHeaders(w http.ResponseWriter, resp *http.Response, names ...string) {
	for _, name := range names {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
}
