package bike

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/semanticallynull/bikerental-backend/internal/apperr"
	"github.com/semanticallynull/bikerental-backend/internal/database"
)

var (
	ErrInvalidName = fmt.Errorf("%w: bike name must be 1-%d characters", apperr.ErrValidation, maxNameLength)
	ErrNameTaken   = fmt.Errorf("%w: bike name already taken", apperr.ErrValidation)
	ErrInvalidRate = fmt.Errorf("%w: hourly rate must be between 0 and %s", apperr.ErrValidation, maxHourlyRate)

	ErrNotFound         = fmt.Errorf("%w: bike not found", apperr.ErrNotFound)
	ErrNotAvailable     = fmt.Errorf("%w: bike not available", apperr.ErrConflict)
	ErrAlreadyAvailable = fmt.Errorf("%w: bike already available", apperr.ErrConflict)
	ErrHasOpenRental    = fmt.Errorf("%w: bike has an open rental", apperr.ErrConflict)
	ErrHasHistory       = fmt.Errorf("%w: bike has rental history", apperr.ErrConflict)
)

type Repository struct {
	db     *sqlx.DB
	policy DeletePolicy
	now    func() time.Time
}

type Option func(*Repository)

func WithDeletePolicy(p DeletePolicy) Option {
	return func(r *Repository) { r.policy = p }
}

func NewRepository(db *sqlx.DB, opts ...Option) *Repository {
	r := &Repository{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) DeletePolicy() DeletePolicy {
	return r.policy
}

// Create registers a new, available bike.
func (r *Repository) Create(ctx context.Context, nb NewBike) (Bike, error) {
	name, err := normaliseName(nb.Name)
	if err != nil {
		return Bike{}, err
	}
	rate := DefaultHourlyRate
	if nb.HourlyRate != nil {
		if rate, err = normaliseRate(*nb.HourlyRate); err != nil {
			return Bike{}, err
		}
	}

	var taken int
	err = r.db.GetContext(ctx, &taken, r.db.Rebind(countByNameQuery), name)
	if err != nil {
		return Bike{}, err
	}
	if taken > 0 {
		return Bike{}, ErrNameTaken
	}

	id := uuid.New()
	_, err = r.db.ExecContext(ctx, r.db.Rebind(createBikeQuery),
		id, name, strings.TrimSpace(nb.Description), rate, database.Timestamp(r.now()))
	if database.IsUniqueViolation(err) {
		return Bike{}, ErrNameTaken
	}
	if err != nil {
		return Bike{}, fmt.Errorf("insert bike: %w", err)
	}
	return r.Get(ctx, id)
}

const countByNameQuery = `SELECT COUNT(*) FROM bikes WHERE name = ?`

const createBikeQuery = `
INSERT INTO bikes (id, name, description, is_available, hourly_rate, created_at)
VALUES (?, ?, ?, TRUE, ?, ?)
`

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Bike, error) {
	var b Bike
	err := r.db.GetContext(ctx, &b, r.db.Rebind(getBikeQuery), id)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	return b, err
}

const getBikeQuery = `SELECT * FROM bikes WHERE id = ?`

// List yields the bikes matching f, most expensive first. The sequence holds a
// database connection until it is exhausted or the loop stops, so the loop
// body must not query the database itself.
func (r *Repository) List(ctx context.Context, f Filter) iter.Seq2[Bike, error] {
	return func(yield func(Bike, error) bool) {
		where, args := f.where()
		rows, err := r.db.QueryxContext(ctx, r.db.Rebind(listBikesQuery+where+listBikesOrder), args...)
		if err != nil {
			yield(Bike{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var b Bike
			if err := rows.StructScan(&b); err != nil {
				yield(Bike{}, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Bike{}, err)
		}
	}
}

// All collects List into a slice.
func (r *Repository) All(ctx context.Context, f Filter) ([]Bike, error) {
	bikes := []Bike{}
	for b, err := range r.List(ctx, f) {
		if err != nil {
			return nil, err
		}
		bikes = append(bikes, b)
	}
	return bikes, nil
}

const listBikesQuery = `SELECT * FROM bikes`
const listBikesOrder = ` ORDER BY hourly_rate DESC, name ASC`

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.NameContains != "" {
		conds = append(conds, `LOWER(name) LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(f.NameContains))
	}
	if f.Search != "" {
		p := likePattern(f.Search)
		conds = append(conds, `(LOWER(name) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\')`)
		args = append(args, p, p)
	}
	if f.Available != nil {
		conds = append(conds, `is_available = ?`)
		args = append(args, *f.Available)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(s string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(s)) + "%"
}

// Update changes a bike's name, rate or description.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, u Update) (Bike, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Bike{}, err
	}
	defer tx.Rollback()

	var b Bike
	err = tx.GetContext(ctx, &b, tx.Rebind(getBikeQuery), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Bike{}, ErrNotFound
	}
	if err != nil {
		return Bike{}, err
	}

	if u.Name != nil {
		name, err := normaliseName(*u.Name)
		if err != nil {
			return Bike{}, err
		}
		if name != b.Name {
			var taken int
			if err := tx.GetContext(ctx, &taken, tx.Rebind(countByNameQuery), name); err != nil {
				return Bike{}, err
			}
			if taken > 0 {
				return Bike{}, ErrNameTaken
			}
		}
		b.Name = name
	}
	if u.HourlyRate != nil {
		rate, err := normaliseRate(*u.HourlyRate)
		if err != nil {
			return Bike{}, err
		}
		b.HourlyRate = rate
	}
	if u.Description != nil {
		b.Description = strings.TrimSpace(*u.Description)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(updateBikeQuery), b.Name, b.Description, b.HourlyRate, id)
	if database.IsUniqueViolation(err) {
		return Bike{}, ErrNameTaken
	}
	if err != nil {
		return Bike{}, fmt.Errorf("update bike: %w", err)
	}

	if b, err = GetTx(ctx, tx, id); err != nil {
		return Bike{}, err
	}
	return b, tx.Commit()
}

const updateBikeQuery = `UPDATE bikes SET name = ?, description = ?, hourly_rate = ? WHERE id = ?`

// Delete removes a bike. It fails with ErrHasOpenRental while the bike is out,
// and under the Restrict policy with ErrHasHistory once it has been rented.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query, args := deleteBikeQuery, []any{id}
	if r.policy == Restrict {
		query, args = deleteBikeRestrictQuery, []any{id, id}
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("delete bike: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return tx.Commit()
	}

	b, err := GetTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if !b.Available {
		return ErrHasOpenRental
	}
	return ErrHasHistory
}

const deleteBikeQuery = `DELETE FROM bikes WHERE id = ? AND is_available = TRUE`

const deleteBikeRestrictQuery = `
DELETE FROM bikes
WHERE id = ?
  AND is_available = TRUE
  AND NOT EXISTS (SELECT 1 FROM rentals WHERE bike_id = ?)
`

// GetTx reads a bike inside the caller's transaction.
func GetTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (Bike, error) {
	var b Bike
	err := tx.GetContext(ctx, &b, tx.Rebind(getBikeQuery), id)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	return b, err
}

// SwapAvailability atomically flips a bike's availability from one value to
// the other inside tx. The rental ledger pairs it with the rental insert or
// close in the same transaction. A bike not in the expected state yields ErrNotAvailable (from
// true) or ErrAlreadyAvailable (from false).
func SwapAvailability(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, from, to bool) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(swapAvailabilityQuery), to, id, from)
	if err != nil {
		return fmt.Errorf("swap availability: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	if _, err := GetTx(ctx, tx, id); err != nil {
		return err
	}
	if from {
		return ErrNotAvailable
	}
	return ErrAlreadyAvailable
}

const swapAvailabilityQuery = `UPDATE bikes SET is_available = ? WHERE id = ? AND is_available = ?`
