// Package statistics keeps monthly revenue and commission totals for the
// platform and for each seller.
package statistics

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

// PlatformSeller is the seller id of the platform-wide row.
const PlatformSeller = ""

type MonthlyRevenue struct {
	Period        string    `json:"period" bson:"period"`
	SellerID      string    `json:"seller_id,omitempty" bson:"seller_id"`
	Revenue       int64     `json:"revenue" bson:"revenue"`
	Commission    int64     `json:"commission" bson:"commission"`
	SellerRevenue int64     `json:"seller_revenue" bson:"seller_revenue"`
	Orders        int       `json:"orders" bson:"orders"`
	UpdatedAt     time.Time `json:"updated_at" bson:"updated_at"`
}

// Period is the month a completion is booked in.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func commission(c domain.Completion) int64 {
	return int64(math.Round(float64(c.TotalAmount) * c.CommissionRate))
}

// MemorySink is the in-process sink used by tests and the memory driver.
type MemorySink struct {
	mu       sync.Mutex
	rows     map[[2]string]*MonthlyRevenue
	recorded map[string]bool
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		rows:     make(map[[2]string]*MonthlyRevenue),
		recorded: make(map[string]bool),
	}
}

// RecordCompletion books each order once, however often it is called.
func (s *MemorySink) RecordCompletion(_ context.Context, c domain.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recorded[c.OrderID] {
		return nil
	}
	s.recorded[c.OrderID] = true

	period := Period(c.CompletedAt)
	fee := commission(c)
	sellers := []string{PlatformSeller}
	if c.SellerID != "" {
		sellers = append(sellers, c.SellerID)
	}
	for _, seller := range sellers {
		key := [2]string{period, seller}
		row, ok := s.rows[key]
		if !ok {
			row = &MonthlyRevenue{Period: period, SellerID: seller}
			s.rows[key] = row
		}
		row.Revenue += c.TotalAmount
		row.Commission += fee
		row.SellerRevenue += c.TotalAmount - fee
		row.Orders++
		row.UpdatedAt = c.CompletedAt
	}
	return nil
}

func (s *MemorySink) Monthly(_ context.Context, period string) ([]MonthlyRevenue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []MonthlyRevenue{}
	for key, row := range s.rows {
		if key[0] == period {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SellerID < out[j].SellerID })
	return out, nil
}
