package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mbd888/tradeescrow/internal/escrow"
	"github.com/mbd888/tradeescrow/internal/listing"
	"github.com/shopspring/decimal"
)

// demoListings is the catalog served in development mode without a
// database. Listing CRUD lives in the catalog service, not here.
var demoListings = []listing.Listing{
	{
		ID:        "lst_demo_camera",
		SellerID:  "demo_seller",
		Title:     "Mirrorless camera body",
		Category:  "electronics",
		Type:      escrow.ListingSell,
		Price:     decimal.RequireFromString("450"),
		PriceUnit: escrow.PriceFixed,
	},
	{
		ID:        "lst_demo_tent",
		SellerID:  "demo_seller",
		Title:     "Four-person tent",
		Category:  "outdoors",
		Type:      escrow.ListingRent,
		Price:     decimal.RequireFromString("12.5"),
		PriceUnit: escrow.PricePerDay,
	},
	{
		ID:        "lst_demo_drill",
		SellerID:  "demo_lender",
		Title:     "Cordless drill",
		Category:  "tools",
		Type:      escrow.ListingRent,
		Price:     decimal.RequireFromString("4"),
		PriceUnit: escrow.PricePerHour,
	},
}

func seedDemoListings(ctx context.Context, store listing.Store, logger *slog.Logger) {
	for i := range demoListings {
		l := demoListings[i]
		if err := store.Create(ctx, &l); err != nil && !errors.Is(err, listing.ErrDuplicate) {
			logger.Warn("failed to seed demo listing", "listing_id", l.ID, "error", err)
		}
	}
	logger.Info("seeded demo listings", "count", len(demoListings))
}
