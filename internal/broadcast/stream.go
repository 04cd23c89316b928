package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
	"github.com/joao-fontenele/pickup-orderflow/internal/httpx"
)

var roles = []domain.Role{domain.RoleUser, domain.RoleSeller, domain.RoleOutlet, domain.RoleMaster}

// Presence counts connected stream clients per role.
type Presence struct {
	counts map[domain.Role]*atomic.Int64
}

func NewPresence() *Presence {
	p := &Presence{counts: make(map[domain.Role]*atomic.Int64, len(roles))}
	for _, r := range roles {
		p.counts[r] = new(atomic.Int64)
	}

	_, _ = otel.Meter("broadcast").Int64ObservableGauge("broadcast.connected_clients",
		metric.WithDescription("Live event stream connections by role"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for _, r := range roles {
				o.Observe(p.counts[r].Load(), metric.WithAttributes(attribute.String("role", string(r))))
			}
			return nil
		}),
	)
	return p
}

func (p *Presence) Count(r domain.Role) int64 {
	c, ok := p.counts[r]
	if !ok {
		return 0
	}
	return c.Load()
}

func (p *Presence) connect(r domain.Role) func() {
	c := p.counts[r]
	c.Add(1)
	return func() { c.Add(-1) }
}

// Stream serves GET /events as server-sent events relayed from Redis.
type Stream struct {
	client    *redis.Client
	presence  *Presence
	logger    *slog.Logger
	heartbeat time.Duration
}

func NewStream(client *redis.Client, presence *Presence, logger *slog.Logger) *Stream {
	return &Stream{
		client:    client,
		presence:  presence,
		logger:    logger,
		heartbeat: 15 * time.Second,
	}
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFromRequest(r)
	if err != nil {
		httpx.WriteError(w, s.logger, http.StatusUnauthorized, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, s.logger, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	sub := s.client.Subscribe(ctx, ChannelsFor(actor)...)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription so nothing published after the client
	// sees the 200 is lost.
	if _, err := sub.Receive(ctx); err != nil {
		s.logger.Error("failed to subscribe", "error", err, "actor", actor.Tag())
		httpx.WriteError(w, s.logger, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	disconnect := s.presence.connect(actor.Role)
	defer disconnect()
	s.logger.Info("stream client connected", "actor", actor.Tag())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	messages := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stream client disconnected", "actor", actor.Tag())
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.logger.Warn("dropping malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, env.Payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
