// Package report answers read-only aggregate questions over bikes and
// rentals. It never writes.
package report

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/semanticallynull/bikerental-backend/rental"
)

// DefaultRecent is how many rentals Dashboard lists when asked for none.
const DefaultRecent = 5

type Dashboard struct {
	TotalBikes       int
	AvailableBikes   int
	UnavailableBikes int
	TotalRentals     int
	OpenRentals      int
	// Revenue is the sum of fees of closed rentals.
	Revenue       decimal.Decimal
	RecentRentals []rental.Detail
}

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// CountBikes counts all bikes, or only those whose availability equals
// *available.
func (r *Repository) CountBikes(ctx context.Context, available *bool) (int, error) {
	var n int
	var err error
	if available == nil {
		err = r.db.GetContext(ctx, &n, countBikesQuery)
	} else {
		err = r.db.GetContext(ctx, &n, r.db.Rebind(countBikesByAvailabilityQuery), *available)
	}
	return n, err
}

const countBikesQuery = `SELECT COUNT(*) FROM bikes`
const countBikesByAvailabilityQuery = `SELECT COUNT(*) FROM bikes WHERE is_available = ?`

func (r *Repository) CountRentals(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, countRentalsQuery)
	return n, err
}

const countRentalsQuery = `SELECT COUNT(*) FROM rentals`

func (r *Repository) CountOpenRentals(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, countOpenRentalsQuery)
	return n, err
}

const countOpenRentalsQuery = `SELECT COUNT(*) FROM rentals WHERE end_time IS NULL`

// Revenue sums the fees of closed rentals.
func (r *Repository) Revenue(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.GetContext(ctx, &total, revenueQuery)
	if err != nil {
		return decimal.Decimal{}, err
	}
	// SQLite sums NUMERIC columns as floating point.
	return total.Round(2), nil
}

const revenueQuery = `SELECT COALESCE(SUM(total_fee), 0) FROM rentals WHERE end_time IS NOT NULL`

// Recent returns the n most recently started rentals.
func (r *Repository) Recent(ctx context.Context, n int) ([]rental.Detail, error) {
	rentals := []rental.Detail{}
	if n <= 0 {
		return rentals, nil
	}
	err := r.db.SelectContext(ctx, &rentals, r.db.Rebind(recentQuery), n)
	return rentals, err
}

const recentQuery = `
SELECT r.*, b.name AS bike_name
FROM rentals r
JOIN bikes b ON b.id = r.bike_id
ORDER BY r.start_time DESC
LIMIT ?
`

func (r *Repository) Dashboard(ctx context.Context, recent int) (Dashboard, error) {
	if recent <= 0 {
		recent = DefaultRecent
	}

	var d Dashboard
	var err error
	if d.TotalBikes, err = r.CountBikes(ctx, nil); err != nil {
		return Dashboard{}, err
	}
	available := true
	if d.AvailableBikes, err = r.CountBikes(ctx, &available); err != nil {
		return Dashboard{}, err
	}
	d.UnavailableBikes = d.TotalBikes - d.AvailableBikes
	if d.TotalRentals, err = r.CountRentals(ctx); err != nil {
		return Dashboard{}, err
	}
	if d.OpenRentals, err = r.CountOpenRentals(ctx); err != nil {
		return Dashboard{}, err
	}
	if d.Revenue, err = r.Revenue(ctx); err != nil {
		return Dashboard{}, err
	}
	if d.RecentRentals, err = r.Recent(ctx, recent); err != nil {
		return Dashboard{}, err
	}
	return d, nil
}
