// Package bike is the bike registry: it owns bike records and their
// availability flag. The flag is flipped by the rental ledger, through
// SwapAvailability inside the ledger's own transaction.
package bike

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Bike represents a bike which can be rented by the hour.
type Bike struct {
	ID uuid.UUID `db:"id"`
	// Name is unique across the registry (e.g. "Trek").
	Name        string `db:"name"`
	Description string `db:"description"`

	// Available is false exactly while an open rental references the bike.
	Available bool `db:"is_available"`

	HourlyRate decimal.Decimal `db:"hourly_rate"`
	CreatedAt  time.Time       `db:"created_at"`
}

const maxNameLength = 200

var (
	DefaultHourlyRate = decimal.RequireFromString("50.00")
	maxHourlyRate     = decimal.NewFromInt(1_000_000)
)

// NewBike holds the fields accepted by Create. A nil HourlyRate means
// DefaultHourlyRate.
type NewBike struct {
	Name        string
	HourlyRate  *decimal.Decimal
	Description string
}

// Update holds the fields accepted by Repository.Update; nil fields are left
// unchanged. Availability cannot be set here.
type Update struct {
	Name        *string
	HourlyRate  *decimal.Decimal
	Description *string
}

// Filter narrows List. Matching is case-insensitive.
type Filter struct {
	// NameContains matches a substring of the name.
	NameContains string
	// Search matches a substring of the name or the description.
	Search string
	// Available keeps only bikes whose availability matches. Nil keeps all.
	Available *bool
}

func normaliseName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		return "", ErrInvalidName
	}
	return name, nil
}

func normaliseRate(rate decimal.Decimal) (decimal.Decimal, error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(maxHourlyRate) {
		return decimal.Decimal{}, ErrInvalidRate
	}
	return rate.RoundBank(2), nil
}

// DeletePolicy decides what happens to a bike's rental history when the bike
// is deleted. A bike with an open rental is never deleted.
type DeletePolicy int

const (
	// Restrict refuses to delete a bike that has any rental history, so
	// revenue records survive.
	Restrict DeletePolicy = iota
	// Cascade deletes the bike's closed rentals along with it.
	Cascade
)

func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch strings.ToLower(s) {
	case "", "restrict":
		return Restrict, nil
	case "cascade":
		return Cascade, nil
	}
	return Restrict, fmt.Errorf("unknown bike delete policy %q", s)
}

func (p DeletePolicy) String() string {
	return [...]string{"restrict", "cascade"}[p]
}

func (p DeletePolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}
