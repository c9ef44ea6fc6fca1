// Package rental is the rental ledger. It owns rental records, keeps at most
// one open rental per bike and computes the fee when a rental is closed.
//
// Opening and closing a rental are the only ways a bike's availability
// changes: both write the rental and flip the flag in one transaction, using
// compare-and-swap updates so concurrent callers cannot both succeed.
package rental

import (
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status int

const (
	StatusOpen Status = iota
	StatusClosed
)

func (s Status) String() string {
	return [...]string{"open", "closed"}[s]
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

type Rental struct {
	ID        uuid.UUID `db:"id"`
	BikeID    uuid.UUID `db:"bike_id"`
	UserID    uuid.UUID `db:"user_id"`
	StartTime time.Time `db:"start_time"`
	// EndTime is null while the rental is open.
	EndTime sql.NullTime `db:"end_time"`
	// TotalFee is zero while open and set exactly once on close.
	TotalFee decimal.Decimal `db:"total_fee"`
}

func (r Rental) Status() Status {
	if r.EndTime.Valid {
		return StatusClosed
	}
	return StatusOpen
}

// Duration is the billed duration of a closed rental, or the time elapsed
// until now for an open one.
func (r Rental) Duration(now time.Time) time.Duration {
	if r.EndTime.Valid {
		return r.EndTime.Time.Sub(r.StartTime)
	}
	return now.Sub(r.StartTime)
}

// Detail is a rental joined with the name of its bike.
type Detail struct {
	Rental
	BikeName string `db:"bike_name"`
}
