package gateway

import (
	"context"
	"net/http"

	"github.com/joao-fontenele/pickup-orderflow/internal/httpx"
)

// forwardedHeaders are copied from the client request to the upstream.
var forwardedHeaders = []string{
	"Content-Type",
	"Accept",
	"Last-Event-ID",
	"X-Request-ID",
	httpx.HeaderActorRole,
	httpx.HeaderActorID,
}

type ServiceProxy struct {
	baseURL string
	client  *http.Client
}

func NewServiceProxy(baseURL string, client *http.Client) *ServiceProxy {
	return &ServiceProxy{
		baseURL: baseURL,
		client:  client,
	}
}

func (p *ServiceProxy) ForwardRequest(ctx context.Context, r *http.Request, path string) (*http.Response, error) {
	target := p.baseURL + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}

	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	return p.client.Do(req)
}
