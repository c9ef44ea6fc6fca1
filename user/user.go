// Package user maps authenticated identities onto the opaque user references
// that rentals point at.
package user

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID uuid.UUID `db:"id"`
	// Subject is the identity provider's stable identifier (the JWT "sub").
	Subject   string         `db:"subject"`
	StripeID  sql.NullString `db:"stripe_id"`
	Email     sql.NullString `db:"email"`
	Name      sql.NullString `db:"name"`
	CreatedAt time.Time      `db:"created_at"`
}
