package escrow

import (
	"fmt"
	"time"

	"github.com/mbd888/tradeescrow/internal/money"
	"github.com/shopspring/decimal"
)

// PriceUnit is how a listing's price scales with a rental window.
type PriceUnit string

const (
	PriceFixed   PriceUnit = "fixed"
	PricePerHour PriceUnit = "per_hour"
	PricePerDay  PriceUnit = "per_day"
)

// DefaultFeePercent is the platform fee when none is configured.
var DefaultFeePercent = decimal.NewFromInt(1)

var depositRatio = decimal.RequireFromString("0.5")

const (
	msPerHour = int64(time.Hour / time.Millisecond)
	msPerDay  = 24 * msPerHour
)

// CalculateFee splits amount into the platform fee and the seller's
// proceeds. The fee is rounded to micro-units; sellerReceives is the exact
// remainder, so fee + sellerReceives == amount always holds.
func CalculateFee(amount, percent decimal.Decimal) (fee, sellerReceives decimal.Decimal) {
	fee = money.Percent(amount, percent)
	return fee, amount.Sub(fee)
}

// RentalQuote is the priced result of a rental window.
type RentalQuote struct {
	Units      int64           `json:"units"`
	RentAmount decimal.Decimal `json:"rentAmount"`
	Deposit    decimal.Decimal `json:"deposit"`
	Amount     decimal.Decimal `json:"amount"`
}

// QuoteRental prices a rental window. Partial hours or days always round up.
func QuoteRental(price decimal.Decimal, unit PriceUnit, period RentalPeriod) (RentalQuote, error) {
	ms := period.To.Sub(period.From).Milliseconds()
	if ms <= 0 {
		return RentalQuote{}, fmt.Errorf("%w: rental period must end after it starts", ErrValidation)
	}
	if price.IsNegative() {
		return RentalQuote{}, fmt.Errorf("%w: price must not be negative", ErrValidation)
	}

	var units int64
	var rent decimal.Decimal
	switch unit {
	case PricePerHour:
		units = ceilDiv(ms, msPerHour)
		rent = price.Mul(decimal.NewFromInt(units))
	case PricePerDay:
		units = ceilDiv(ms, msPerDay)
		rent = price.Mul(decimal.NewFromInt(units))
	case PriceFixed, "":
		units = 1
		rent = price
	default:
		return RentalQuote{}, fmt.Errorf("%w: unknown price unit %q", ErrValidation, unit)
	}

	rent = money.Round(rent)
	deposit := money.Round(rent.Mul(depositRatio))
	return RentalQuote{
		Units:      units,
		RentAmount: rent,
		Deposit:    deposit,
		Amount:     rent.Add(deposit),
	}, nil
}

func ceilDiv(n, d int64) int64 {
	return (n + d - 1) / d
}

// Quote is the full set of financial fields baked into a new escrow.
type Quote struct {
	Amount         decimal.Decimal
	PlatformFee    decimal.Decimal
	SellerReceives decimal.Decimal
	Deposit        decimal.Decimal
	RentalPeriod   *RentalPeriod
}

// QuoteListing prices a purchase or rental of l. A rent listing with a
// rental period is priced per unit plus deposit. Without a period, and for
// sale listings, the listing price is charged flat with no deposit. The fee
// is levied on the non-deposit portion only.
func QuoteListing(l *Listing, period *RentalPeriod, feePercent decimal.Decimal) (Quote, error) {
	if l.Type == ListingRent && period != nil {
		rq, err := QuoteRental(l.Price, l.PriceUnit, *period)
		if err != nil {
			return Quote{}, err
		}
		fee, seller := CalculateFee(rq.RentAmount, feePercent)
		p := *period
		return Quote{
			Amount:         rq.Amount,
			PlatformFee:    fee,
			SellerReceives: seller,
			Deposit:        rq.Deposit,
			RentalPeriod:   &p,
		}, nil
	}

	if l.Price.IsNegative() {
		return Quote{}, fmt.Errorf("%w: price must not be negative", ErrValidation)
	}
	amount := money.Round(l.Price)
	fee, seller := CalculateFee(amount, feePercent)
	return Quote{
		Amount:         amount,
		PlatformFee:    fee,
		SellerReceives: seller,
		Deposit:        decimal.Zero,
	}, nil
}
