package rental

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/semanticallynull/bikerental-backend/bike"
	"github.com/semanticallynull/bikerental-backend/fee"
	"github.com/semanticallynull/bikerental-backend/internal/apperr"
	"github.com/semanticallynull/bikerental-backend/internal/database"
	"github.com/semanticallynull/bikerental-backend/user"
)

var (
	ErrNotFound        = fmt.Errorf("%w: rental not found", apperr.ErrNotFound)
	ErrBikeNotFound    = bike.ErrNotFound
	ErrUserNotFound    = user.ErrNotFound
	ErrBikeUnavailable = fmt.Errorf("%w: bike is already rented", apperr.ErrConflict)
	ErrAlreadyClosed   = fmt.Errorf("%w: rental already closed", apperr.ErrConflict)
	ErrEndBeforeStart  = fmt.Errorf("%w: end time is before start time", apperr.ErrValidation)
	ErrEndTimeTooLate  = fmt.Errorf("%w: rental cannot last more than %d years", apperr.ErrValidation, MaxYears)
	ErrFeeOutOfRange   = fmt.Errorf("%w: fee exceeds %s", apperr.ErrValidation, fee.Max)
)

// MaxYears bounds how long after its start a rental may be closed.
const MaxYears = 10

type Ledger struct {
	db      *sqlx.DB
	now     func() time.Time
	tracer  trace.Tracer
	metrics *metrics
}

type Option func(*Ledger)

// WithClock replaces time.Now as the source of start and default end times.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRegisterer registers the ledger's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(l *Ledger) { l.metrics.register(reg) }
}

func NewLedger(db *sqlx.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:      db,
		now:     time.Now,
		tracer:  otel.Tracer("rental"),
		metrics: newMetrics(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open checks a bike out to a user. The bike must be available; it becomes
// unavailable in the same transaction that inserts the rental.
func (l *Ledger) Open(ctx context.Context, userID, bikeID uuid.UUID) (Rental, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.Open", trace.WithAttributes(
		attribute.String("bike.id", bikeID.String()),
		attribute.String("user.id", userID.String()),
	))
	defer span.End()

	r, err := l.open(ctx, userID, bikeID)
	if err != nil {
		l.fail(span, "open", err)
		return Rental{}, err
	}

	span.SetAttributes(attribute.String("rental.id", r.ID.String()))
	l.metrics.opened.Inc()
	return r, nil
}

func (l *Ledger) open(ctx context.Context, userID, bikeID uuid.UUID) (Rental, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return Rental{}, err
	}
	defer tx.Rollback()

	// The user row stays share-locked until commit so a concurrent user
	// deletion waits for the rental instead of orphaning it.
	q := lockUserQuery
	if tx.DriverName() == database.DriverPostgres {
		q += " FOR SHARE"
	}
	var locked uuid.UUID
	err = tx.GetContext(ctx, &locked, tx.Rebind(q), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Rental{}, ErrUserNotFound
	}
	if err != nil {
		return Rental{}, err
	}

	err = bike.SwapAvailability(ctx, tx, bikeID, true, false)
	if errors.Is(err, bike.ErrNotAvailable) {
		return Rental{}, ErrBikeUnavailable
	}
	if err != nil {
		return Rental{}, err
	}

	id := uuid.New()
	_, err = tx.ExecContext(ctx, tx.Rebind(openRentalQuery),
		id, bikeID, userID, database.Timestamp(l.now()))
	if database.IsUniqueViolation(err) {
		return Rental{}, ErrBikeUnavailable
	}
	if database.IsForeignKeyViolation(err) {
		return Rental{}, ErrUserNotFound
	}
	if err != nil {
		return Rental{}, fmt.Errorf("insert rental: %w", err)
	}

	var r Rental
	if err := tx.GetContext(ctx, &r, tx.Rebind(getRentalQuery), id); err != nil {
		return Rental{}, err
	}
	return r, tx.Commit()
}

const lockUserQuery = `SELECT id FROM users WHERE id = ?`

const openRentalQuery = `
INSERT INTO rentals (id, bike_id, user_id, start_time, end_time, total_fee)
VALUES (?, ?, ?, ?, NULL, 0)
`

// Close checks a rental in at endTime, or now when endTime is zero. The fee is
// computed from the bike's hourly rate and stored once; closing an already
// closed rental fails with ErrAlreadyClosed and leaves it untouched.
func (l *Ledger) Close(ctx context.Context, id uuid.UUID, endTime time.Time) (Rental, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.Close", trace.WithAttributes(
		attribute.String("rental.id", id.String()),
	))
	defer span.End()

	r, err := l.close(ctx, id, endTime)
	if err != nil {
		l.fail(span, "close", err)
		return Rental{}, err
	}

	span.SetAttributes(attribute.String("rental.fee", r.TotalFee.StringFixed(fee.Places)))
	l.metrics.closed.Inc()
	l.metrics.revenue.Add(r.TotalFee.InexactFloat64())
	return r, nil
}

func (l *Ledger) close(ctx context.Context, id uuid.UUID, endTime time.Time) (Rental, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return Rental{}, err
	}
	defer tx.Rollback()

	var r Rental
	err = tx.GetContext(ctx, &r, tx.Rebind(getRentalQuery), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Rental{}, ErrNotFound
	}
	if err != nil {
		return Rental{}, err
	}
	if r.EndTime.Valid {
		return Rental{}, ErrAlreadyClosed
	}

	if endTime.IsZero() {
		endTime = l.now()
	}
	endTime = database.Timestamp(endTime)
	if endTime.Before(r.StartTime) {
		return Rental{}, ErrEndBeforeStart
	}
	if endTime.After(r.StartTime.AddDate(MaxYears, 0, 0)) {
		return Rental{}, ErrEndTimeTooLate
	}

	b, err := bike.GetTx(ctx, tx, r.BikeID)
	if err != nil {
		return Rental{}, err
	}
	total := fee.Compute(endTime.Sub(r.StartTime), b.HourlyRate)
	if total.GreaterThan(fee.Max) {
		return Rental{}, ErrFeeOutOfRange
	}

	// The end_time guard makes this the single winner among concurrent closes.
	res, err := tx.ExecContext(ctx, tx.Rebind(closeRentalQuery), endTime, total, id)
	if err != nil {
		return Rental{}, fmt.Errorf("close rental: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Rental{}, err
	}
	if n == 0 {
		return Rental{}, ErrAlreadyClosed
	}

	if err := bike.SwapAvailability(ctx, tx, r.BikeID, false, true); err != nil {
		return Rental{}, fmt.Errorf("release bike: %w", err)
	}

	r.EndTime = sql.NullTime{Time: endTime, Valid: true}
	r.TotalFee = total
	return r, tx.Commit()
}

const getRentalQuery = `SELECT * FROM rentals WHERE id = ?`

const closeRentalQuery = `UPDATE rentals SET end_time = ?, total_fee = ? WHERE id = ? AND end_time IS NULL`

func (l *Ledger) fail(span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, apperr.ErrConflict) {
		l.metrics.conflicts.WithLabelValues(op).Inc()
	}
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (Detail, error) {
	var d Detail
	err := l.db.GetContext(ctx, &d, l.db.Rebind(getDetailQuery), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Detail{}, ErrNotFound
	}
	return d, err
}

const detailSelect = `SELECT r.*, b.name AS bike_name FROM rentals r JOIN bikes b ON b.id = r.bike_id`

const getDetailQuery = detailSelect + ` WHERE r.id = ?`

// OpenForBike returns the bike's open rental, or nil when the bike is
// available.
func (l *Ledger) OpenForBike(ctx context.Context, bikeID uuid.UUID) (*Rental, error) {
	var r Rental
	err := l.db.GetContext(ctx, &r, l.db.Rebind(openForBikeQuery), bikeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

const openForBikeQuery = `SELECT * FROM rentals WHERE bike_id = ? AND end_time IS NULL`

// CurrentForUser returns the user's most recently opened rental that is still
// open, or nil.
func (l *Ledger) CurrentForUser(ctx context.Context, userID uuid.UUID) (*Detail, error) {
	var d Detail
	err := l.db.GetContext(ctx, &d, l.db.Rebind(currentForUserQuery), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

const currentForUserQuery = detailSelect + `
WHERE r.user_id = ? AND r.end_time IS NULL
ORDER BY r.start_time DESC
LIMIT 1
`

// ListForUser returns all of a user's rentals, newest first.
func (l *Ledger) ListForUser(ctx context.Context, userID uuid.UUID) ([]Detail, error) {
	rentals := []Detail{}
	err := l.db.SelectContext(ctx, &rentals, l.db.Rebind(listForUserQuery), userID)
	return rentals, err
}

const listForUserQuery = detailSelect + ` WHERE r.user_id = ? ORDER BY r.start_time DESC`
