// Package directory reads products, buyers and sellers from the services
// that own them.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

// ErrUnavailable is returned while the upstream breaker is open.
var ErrUnavailable = errors.New("upstream unavailable")

// errAbandoned marks calls that failed because the caller gave up. They say
// nothing about upstream health and never count towards tripping.
var errAbandoned = errors.New("request abandoned")

// Client does JSON GETs against one upstream behind a circuit breaker.
// A 404 is an answer, not a failure, and does not count towards tripping.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

type ClientOption func(*gobreaker.Settings)

// WithTripAfter opens the breaker after n consecutive failures and tries
// again after cooldown.
func WithTripAfter(n uint32, cooldown time.Duration) ClientOption {
	return func(s *gobreaker.Settings) {
		s.Timeout = cooldown
		s.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= n }
	}
}

func NewClient(name, baseURL string, httpClient *http.Client, logger *slog.Logger, opts ...ClientOption) *Client {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "upstream", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, errAbandoned)
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}

	return &Client{
		name:    name,
		baseURL: baseURL,
		http:    httpClient,
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("call %s: %w", c.name, err)
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		body, err := c.get(ctx, path)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errAbandoned, err)
		}
		return body, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, c.name, err)
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s response: %w", c.name, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s%s", domain.ErrNotFound, c.name, path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s returned status %d", c.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", c.name, err)
	}
	return body, nil
}

func escape(id string) string {
	return url.PathEscape(id)
}
