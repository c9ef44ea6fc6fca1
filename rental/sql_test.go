package rental

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semanticallynull/bikerental-backend/bike"
	"github.com/semanticallynull/bikerental-backend/internal/apperr"
	"github.com/semanticallynull/bikerental-backend/internal/dbtest"
	"github.com/semanticallynull/bikerental-backend/user"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	ledger *Ledger
	bikes  *bike.Repository
	users  *user.Repository
	clock  *clock
	reg    *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	f := &fixture{
		bikes: bike.NewRepository(db),
		users: user.NewRepository(db),
		clock: &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
		reg:   prometheus.NewRegistry(),
	}
	f.ledger = NewLedger(db, WithClock(f.clock.Now), WithRegisterer(f.reg))
	return f
}

func (f *fixture) bike(t *testing.T, name, hourly string) bike.Bike {
	t.Helper()
	rate := decimal.RequireFromString(hourly)
	b, err := f.bikes.Create(context.Background(), bike.NewBike{Name: name, HourlyRate: &rate})
	require.NoError(t, err)
	return b
}

func (f *fixture) user(t *testing.T, subject string) user.User {
	t.Helper()
	u, err := f.users.GetOrCreate(context.Background(), subject)
	require.NoError(t, err)
	return u
}

func (f *fixture) available(t *testing.T, id uuid.UUID) bool {
	t.Helper()
	b, err := f.bikes.Get(context.Background(), id)
	require.NoError(t, err)
	return b.Available
}

// assertConsistent checks that a bike is unavailable exactly when it has an
// open rental.
func (f *fixture) assertConsistent(t *testing.T, id uuid.UUID) {
	t.Helper()
	open, err := f.ledger.OpenForBike(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, open == nil, f.available(t, id))
}

func (f *fixture) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestRentalLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trek := f.bike(t, "Trek", "10.00")
	alice := f.user(t, "alice")

	r, err := f.ledger.Open(ctx, alice.ID, trek.ID)
	require.NoError(t, err)
	assert.Equal(t, trek.ID, r.BikeID)
	assert.Equal(t, alice.ID, r.UserID)
	assert.Equal(t, StatusOpen, r.Status())
	assert.True(t, r.StartTime.Equal(f.clock.Now()))
	assert.True(t, r.TotalFee.IsZero())
	assert.False(t, f.available(t, trek.ID))
	f.assertConsistent(t, trek.ID)

	f.clock.Advance(2 * time.Hour)

	closed, err := f.ledger.Close(ctx, r.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status())
	assert.Equal(t, "20.00", closed.TotalFee.StringFixed(2))
	assert.Equal(t, 2*time.Hour, closed.Duration(time.Time{}))
	assert.True(t, f.available(t, trek.ID))
	f.assertConsistent(t, trek.ID)

	stored, err := f.ledger.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "Trek", stored.BikeName)
	assert.Equal(t, "20.00", stored.TotalFee.StringFixed(2))
	assert.True(t, stored.EndTime.Time.Equal(f.clock.Now()))

	assert.Equal(t, 1.0, f.counter(t, "rentals_opened_total"))
	assert.Equal(t, 1.0, f.counter(t, "rentals_closed_total"))
	assert.Equal(t, 20.0, f.counter(t, "rental_revenue_total"))
}

func TestOpenUnavailableBike(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trek := f.bike(t, "Trek", "10.00")
	alice, bob := f.user(t, "alice"), f.user(t, "bob")

	_, err := f.ledger.Open(ctx, alice.ID, trek.ID)
	require.NoError(t, err)

	_, err = f.ledger.Open(ctx, bob.ID, trek.ID)
	assert.ErrorIs(t, err, ErrBikeUnavailable)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	rentals, err := f.ledger.ListForUser(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, rentals)
	f.assertConsistent(t, trek.ID)
	assert.Equal(t, 1.0, f.counter(t, "rental_conflicts_total"))
}

func TestOpenUnknownReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trek := f.bike(t, "Trek", "10.00")
	alice := f.user(t, "alice")

	_, err := f.ledger.Open(ctx, alice.ID, uuid.New())
	assert.ErrorIs(t, err, ErrBikeNotFound)

	_, err = f.ledger.Open(ctx, uuid.New(), trek.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.True(t, f.available(t, trek.ID))
}

func TestCloseTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trek := f.bike(t, "Trek", "10.00")
	alice := f.user(t, "alice")

	r, err := f.ledger.Open(ctx, alice.ID, trek.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.ledger.Close(ctx, r.ID, time.Time{})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.ledger.Close(ctx, r.ID, time.Time{})
	assert.ErrorIs(t, err, ErrAlreadyClosed)

	stored, err := f.ledger.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.00", stored.TotalFee.StringFixed(2))
	assert.True(t, f.available(t, trek.ID))
}

func TestCloseValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trek := f.bike(t, "Trek", "10.00")
	alice := f.user(t, "alice")

	_, err := f.ledger.Close(ctx, uuid.New(), time.Time{})
	assert.ErrorIs(t, err, ErrNotFound)

	r, err := f.ledger.Open(ctx, alice.ID, trek.ID)
	require.NoError(t, err)

	_, err = f.ledger.Close(ctx, r.ID, r.StartTime.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrEndBeforeStart)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	f.assertConsistent(t, trek.ID)

	closed, err := f.ledger.Close(ctx, r.ID, r.StartTime)
	require.NoError(t, err)
	assert.True(t, closed.TotalFee.IsZero())
}

func TestCloseEndTimeBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trek := f.bike(t, "Trek", "1.00")
	alice := f.user(t, "alice")

	r, err := f.ledger.Open(ctx, alice.ID, trek.ID)
	require.NoError(t, err)
	limit := r.StartTime.AddDate(MaxYears, 0, 0)

	_, err = f.ledger.Close(ctx, r.ID, r.StartTime.AddDate(400, 0, 0))
	assert.ErrorIs(t, err, ErrEndTimeTooLate)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.ledger.Close(ctx, r.ID, limit.Add(time.Second))
	assert.ErrorIs(t, err, ErrEndTimeTooLate)
	f.assertConsistent(t, trek.ID)
	assert.False(t, f.available(t, trek.ID))

	closed, err := f.ledger.Close(ctx, r.ID, limit)
	require.NoError(t, err)
	hours := decimal.NewFromInt(int64(limit.Sub(r.StartTime) / time.Hour))
	assert.Equal(t, hours.StringFixed(2), closed.TotalFee.StringFixed(2))
	assert.True(t, f.available(t, trek.ID))
}

func TestCloseRejectsFeeBeyondStorage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gold := f.bike(t, "Gold", "999999.99")
	alice := f.user(t, "alice")

	r, err := f.ledger.Open(ctx, alice.ID, gold.ID)
	require.NoError(t, err)

	_, err = f.ledger.Close(ctx, r.ID, r.StartTime.AddDate(1, 0, 0))
	assert.ErrorIs(t, err, ErrFeeOutOfRange)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	f.assertConsistent(t, gold.ID)

	closed, err := f.ledger.Close(ctx, r.ID, r.StartTime.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "23999999.76", closed.TotalFee.StringFixed(2))
}

func TestCloseExplicitEndTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trek := f.bike(t, "Trek", "50.00")
	alice := f.user(t, "alice")

	r, err := f.ledger.Open(ctx, alice.ID, trek.ID)
	require.NoError(t, err)

	closed, err := f.ledger.Close(ctx, r.ID, r.StartTime.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "25.00", closed.TotalFee.StringFixed(2))
}

func TestCloseUsesCurrentRate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trek := f.bike(t, "Trek", "10.00")
	alice := f.user(t, "alice")

	r, err := f.ledger.Open(ctx, alice.ID, trek.ID)
	require.NoError(t, err)

	newRate := decimal.RequireFromString("12.00")
	_, err = f.bikes.Update(ctx, trek.ID, bike.Update{HourlyRate: &newRate})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	closed, err := f.ledger.Close(ctx, r.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "12.00", closed.TotalFee.StringFixed(2))
}

func TestConcurrentOpens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trek := f.bike(t, "Trek", "10.00")

	const n = 8
	riders := make([]user.User, n)
	for i := range riders {
		riders[i] = f.user(t, uuid.NewString())
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.ledger.Open(ctx, riders[i].ID, trek.ID)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrBikeUnavailable)
	}
	assert.Equal(t, 1, succeeded)
	f.assertConsistent(t, trek.ID)
}

func TestConcurrentCloses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trek := f.bike(t, "Trek", "10.00")
	alice := f.user(t, "alice")

	r, err := f.ledger.Open(ctx, alice.ID, trek.ID)
	require.NoError(t, err)
	f.clock.Advance(90 * time.Minute)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.ledger.Close(ctx, r.ID, time.Time{})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyClosed)
	}
	assert.Equal(t, 1, succeeded)

	stored, err := f.ledger.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "15.00", stored.TotalFee.StringFixed(2))
	f.assertConsistent(t, trek.ID)
}

// Deleting a user while one of their rentals is being opened must never leave
// a bike unavailable with no open rental. The interleaving only exists on
// Postgres; SQLite serialises the two transactions.
func TestOpenRacesUserDeletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := range 20 {
		b := f.bike(t, fmt.Sprintf("Race %d", i), "10.00")
		u := f.user(t, uuid.NewString())

		var openErr, deleteErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, openErr = f.ledger.Open(ctx, u.ID, b.ID)
		}()
		go func() {
			defer wg.Done()
			deleteErr = f.users.Delete(ctx, u.ID)
		}()
		wg.Wait()

		require.NoError(t, deleteErr)
		if openErr != nil {
			assert.ErrorIs(t, openErr, ErrUserNotFound)
		}
		f.assertConsistent(t, b.ID)
		assert.True(t, f.available(t, b.ID), "bike %d left unavailable", i)
	}
}

func TestCurrentAndListForUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trek, cube := f.bike(t, "Trek", "10.00"), f.bike(t, "Cube", "20.00")
	alice := f.user(t, "alice")

	current, err := f.ledger.CurrentForUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, current)

	first, err := f.ledger.Open(ctx, alice.ID, trek.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.ledger.Close(ctx, first.ID, time.Time{})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	second, err := f.ledger.Open(ctx, alice.ID, cube.ID)
	require.NoError(t, err)

	current, err = f.ledger.CurrentForUser(ctx, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, second.ID, current.ID)
	assert.Equal(t, "Cube", current.BikeName)

	rentals, err := f.ledger.ListForUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, rentals, 2)
	assert.Equal(t, second.ID, rentals[0].ID)
	assert.Equal(t, first.ID, rentals[1].ID)

	open, err := f.ledger.OpenForBike(ctx, trek.ID)
	require.NoError(t, err)
	assert.Nil(t, open)
	open, err = f.ledger.OpenForBike(ctx, cube.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, second.ID, open.ID)
}

func TestDeletedBikeHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trek := f.bike(t, "Trek", "10.00")
	alice := f.user(t, "alice")

	r, err := f.ledger.Open(ctx, alice.ID, trek.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, f.bikes.Delete(ctx, trek.ID), bike.ErrHasOpenRental)

	f.clock.Advance(time.Hour)
	_, err = f.ledger.Close(ctx, r.ID, time.Time{})
	require.NoError(t, err)

	assert.ErrorIs(t, f.bikes.Delete(ctx, trek.ID), bike.ErrHasHistory)
	_, err = f.ledger.Get(ctx, r.ID)
	assert.NoError(t, err)
}

func TestStatusJSON(t *testing.T) {
	b, err := StatusClosed.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"closed"`, string(b))
	assert.Equal(t, "open", StatusOpen.String())
}
