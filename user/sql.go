package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/semanticallynull/bikerental-backend/internal/apperr"
	"github.com/semanticallynull/bikerental-backend/internal/database"
)

var (
	ErrNotFound       = fmt.Errorf("%w: user not found", apperr.ErrNotFound)
	ErrInvalidSubject = fmt.Errorf("%w: user subject must not be empty", apperr.ErrValidation)
)

type Repository struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{
		db:  db,
		now: time.Now,
	}
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (User, error) {
	var u User
	err := r.db.GetContext(ctx, &u, r.db.Rebind(getUserQuery), id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

const getUserQuery = `SELECT * FROM users WHERE id = ?`

func (r *Repository) GetBySubject(ctx context.Context, subject string) (User, error) {
	var u User
	err := r.db.GetContext(ctx, &u, r.db.Rebind(getUserBySubjectQuery), subject)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

const getUserBySubjectQuery = `SELECT * FROM users WHERE subject = ?`

// GetOrCreate returns the user for subject, creating it on first sight.
func (r *Repository) GetOrCreate(ctx context.Context, subject string) (User, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return User{}, ErrInvalidSubject
	}

	u, err := r.GetBySubject(ctx, subject)
	if !errors.Is(err, ErrNotFound) {
		return u, err
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(createUserQuery), uuid.New(), subject, database.Timestamp(r.now()))
	if err != nil && !database.IsUniqueViolation(err) {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	// A unique violation means a concurrent first request created it.
	return r.GetBySubject(ctx, subject)
}

const createUserQuery = `INSERT INTO users (id, subject, created_at) VALUES (?, ?, ?)`

// ClaimStripeID records stripeID as the user's Stripe customer unless one is
// already stored, and returns the id that is stored afterwards.
func (r *Repository) ClaimStripeID(ctx context.Context, id uuid.UUID, stripeID string) (string, error) {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(claimStripeIDQuery), stripeID, id)
	if err != nil {
		return "", err
	}

	var stored sql.NullString
	err = r.db.GetContext(ctx, &stored, r.db.Rebind(getStripeIDQuery), id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return stored.String, nil
}

const claimStripeIDQuery = `UPDATE users SET stripe_id = ? WHERE id = ? AND stripe_id IS NULL`

const getStripeIDQuery = `SELECT stripe_id FROM users WHERE id = ?`

func (r *Repository) UpdateProfile(ctx context.Context, id uuid.UUID, email, name string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(updateProfileQuery), email, name, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

const updateProfileQuery = `UPDATE users SET email = NULLIF(?, ''), name = NULLIF(?, '') WHERE id = ?`

// Delete removes the user together with all of their rentals. An open rental
// keeps its bike unavailable, so the bike is released in the same transaction.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Rentals being opened hold the user row share-locked; wait for them so
	// their bikes are released below.
	q := lockUserQuery
	if tx.DriverName() == database.DriverPostgres {
		q += " FOR UPDATE"
	}
	var locked uuid.UUID
	err = tx.GetContext(ctx, &locked, tx.Rebind(q), id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(releaseOpenBikesQuery), id)
	if err != nil {
		return fmt.Errorf("release bikes: %w", err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(deleteUserQuery), id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if err := expectOne(res); err != nil {
		return err
	}

	return tx.Commit()
}

const lockUserQuery = `SELECT id FROM users WHERE id = ?`

const releaseOpenBikesQuery = `
UPDATE bikes SET is_available = TRUE
WHERE id IN (SELECT bike_id FROM rentals WHERE user_id = ? AND end_time IS NULL)
`

const deleteUserQuery = `DELETE FROM users WHERE id = ?`

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
