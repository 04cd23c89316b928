package domain

import "time"

type StockLevel struct {
	ProductID string    `json:"product_id" bson:"_id"`
	Available int       `json:"available" bson:"available"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Product is what the catalog reports for a product id.
type Product struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Thumbnail         string  `json:"thumbnail"`
	Price             int64   `json:"price"`
	AvailableQuantity int     `json:"available_quantity"`
	SellerRef         string  `json:"seller_id"`
	CommissionRate    float64 `json:"commission_rate"`
}

func (p Product) Snapshot() ProductSnapshot {
	rate := p.CommissionRate
	if rate <= 0 {
		rate = DefaultCommissionRate
	}
	return ProductSnapshot{
		ID:                p.ID,
		Name:              p.Name,
		Thumbnail:         p.Thumbnail,
		Price:             p.Price,
		SellerRef:         p.SellerRef,
		AvailableQuantity: p.AvailableQuantity,
		CommissionRate:    rate,
	}
}
