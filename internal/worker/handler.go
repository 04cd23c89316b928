// Package worker delivers queued notifications through the notify service.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
	"github.com/joao-fontenele/pickup-orderflow/internal/messaging"
	"github.com/joao-fontenele/pickup-orderflow/internal/notify"
)

// ErrPermanent marks a message that will never be deliverable.
var ErrPermanent = errors.New("permanent delivery failure")

type NotificationHandler struct {
	notifyServiceURL string
	httpClient       *http.Client
	logger           *slog.Logger
	attempts         int
	backoff          time.Duration
}

type Option func(*NotificationHandler)

func WithRetry(attempts int, backoff time.Duration) Option {
	return func(h *NotificationHandler) {
		h.attempts = attempts
		h.backoff = backoff
	}
}

func NewNotificationHandler(notifyServiceURL string, client *http.Client, logger *slog.Logger, opts ...Option) *NotificationHandler {
	h := &NotificationHandler{
		notifyServiceURL: notifyServiceURL,
		httpClient:       client,
		logger:           logger,
		attempts:         3,
		backoff:          200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *NotificationHandler) Handle(ctx context.Context, msg messaging.Message) error {
	var n domain.Notification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		return fmt.Errorf("%w: unmarshal notification: %v", ErrPermanent, err)
	}

	h.logger.Info("processing notification",
		"order_id", n.OrderID,
		"event", n.Event,
		"channel", n.Channel,
		"recipient", n.Recipient.Role,
	)

	var err error
	for attempt := 1; attempt <= h.attempts; attempt++ {
		err = h.send(ctx, n)
		if err == nil || errors.Is(err, ErrPermanent) {
			break
		}
		h.logger.Warn("notification delivery failed", "error", err, "order_id", n.OrderID, "attempt", attempt)
		if attempt < h.attempts {
			select {
			case <-time.After(h.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err != nil {
		return fmt.Errorf("deliver %s for order %s: %w", n.Channel, n.OrderID, err)
	}

	h.logger.Info("notification delivered", "order_id", n.OrderID, "channel", n.Channel)
	return nil
}

func (h *NotificationHandler) send(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(notify.SendRequest{
		Channel: string(n.Channel),
		To:      n.Recipient.Address,
		Subject: n.Subject,
		Body:    n.Message,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal send request: %v", ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.notifyServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: notify service returned status %d", ErrPermanent, resp.StatusCode)
	}
	return fmt.Errorf("notify service returned status %d", resp.StatusCode)
}

// SkipPermanent commits messages that can never succeed and stops the
// consumer on anything else, leaving the message to be redelivered.
func SkipPermanent(logger *slog.Logger) messaging.ErrorPolicy {
	return func(_ context.Context, msg messaging.Message, err error) error {
		if errors.Is(err, ErrPermanent) {
			logger.Error("skipping undeliverable notification",
				"error", err,
				"offset", msg.Offset,
				"channel", msg.Header(notify.HeaderChannel),
			)
			return nil
		}
		return err
	}
}
