// Package listing is the escrow engine's view of the marketplace catalog:
// it reads a listing's price terms and flips its availability as escrows
// reserve, complete or release it. Catalog editing lives elsewhere.
package listing

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/tradeescrow/internal/escrow"
	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned when creating a listing whose ID already exists.
var ErrDuplicate = errors.New("listing already exists")

// Listing is a catalog entry.
type Listing struct {
	ID          string               `json:"id"`
	SellerID    string               `json:"sellerId"`
	Title       string               `json:"title"`
	Description string               `json:"description,omitempty"`
	Category    string               `json:"category,omitempty"`
	Type        escrow.ListingType   `json:"type"`
	Price       decimal.Decimal      `json:"price"`
	PriceUnit   escrow.PriceUnit     `json:"priceUnit"`
	Status      escrow.ListingStatus `json:"status"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// Terms projects the fields the escrow engine prices from.
func (l *Listing) Terms() *escrow.Listing {
	return &escrow.Listing{
		ID:        l.ID,
		SellerID:  l.SellerID,
		Title:     l.Title,
		Type:      l.Type,
		Price:     l.Price,
		PriceUnit: l.PriceUnit,
		Status:    l.Status,
	}
}

// Store persists listings. Get and GetListing return
// escrow.ErrListingNotFound for unknown IDs.
type Store interface {
	escrow.ListingCatalog
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
}

func validStatus(s escrow.ListingStatus) bool {
	switch s {
	case escrow.ListingActive, escrow.ListingReserved, escrow.ListingSold, escrow.ListingRented:
		return true
	}
	return false
}
