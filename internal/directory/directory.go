package directory

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

const defaultLookupTimeout = 5 * time.Second

// Catalog resolves products. Concurrent lookups of one product share a
// single upstream call. The shared call is detached from whichever caller
// started it; each caller only stops waiting when its own context ends.
type Catalog struct {
	client  *Client
	group   singleflight.Group
	timeout time.Duration
}

func NewCatalog(client *Client) *Catalog {
	return &Catalog{client: client, timeout: defaultLookupTimeout}
}

func (c *Catalog) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	ch := c.group.DoChan(id, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		var p domain.Product
		if err := c.client.getJSON(lookupCtx, "/products/"+escape(id), &p); err != nil {
			return domain.Product{}, err
		}
		if p.ID == "" {
			p.ID = id
		}
		return p, nil
	})

	select {
	case <-ctx.Done():
		return domain.Product{}, fmt.Errorf("get product %s: %w", id, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return domain.Product{}, fmt.Errorf("get product %s: %w", id, res.Err)
		}
		return res.Val.(domain.Product), nil
	}
}

type Identity struct {
	client *Client
}

func NewIdentity(client *Client) *Identity {
	return &Identity{client: client}
}

func (i *Identity) GetUser(ctx context.Context, id string) (domain.PartySnapshot, error) {
	return i.party(ctx, "/users/", id)
}

func (i *Identity) GetSeller(ctx context.Context, id string) (domain.PartySnapshot, error) {
	return i.party(ctx, "/sellers/", id)
}

func (i *Identity) party(ctx context.Context, prefix, id string) (domain.PartySnapshot, error) {
	var p domain.PartySnapshot
	if err := i.client.getJSON(ctx, prefix+escape(id), &p); err != nil {
		return domain.PartySnapshot{}, fmt.Errorf("get %s%s: %w", prefix, id, err)
	}
	if p.ID == "" {
		p.ID = id
	}
	return p, nil
}
