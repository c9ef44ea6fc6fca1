// Package billing invoices closed rentals through Stripe.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	stripecustomer "github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/invoice"

	"github.com/semanticallynull/bikerental-backend/fee"
	"github.com/semanticallynull/bikerental-backend/rental"
	"github.com/semanticallynull/bikerental-backend/user"
)

var ErrRentalOpen = errors.New("cannot invoice an open rental")

// Invoicer bills a user for a closed rental.
type Invoicer interface {
	InvoiceRental(ctx context.Context, u user.User, r rental.Detail) error
}

// CustomerStore remembers the Stripe customer created for a user.
type CustomerStore interface {
	Get(ctx context.Context, id uuid.UUID) (user.User, error)
	// ClaimStripeID stores stripeID unless the user already has one and
	// returns the stored id.
	ClaimStripeID(ctx context.Context, id uuid.UUID, stripeID string) (string, error)
}

// StripeInvoicer creates a Stripe customer for the user on first use, then a
// finalized invoice with one line for the rental.
type StripeInvoicer struct {
	users    CustomerStore
	currency string

	// customers serialises customer creation within this process.
	customers      sync.Mutex
	newCustomer    func(*stripe.CustomerParams) (*stripe.Customer, error)
	deleteCustomer func(id string) error
}

func NewStripeInvoicer(key, currency string, users CustomerStore) *StripeInvoicer {
	stripe.Key = key
	return &StripeInvoicer{
		users:       users,
		currency:    currency,
		newCustomer: stripecustomer.New,
		deleteCustomer: func(id string) error {
			_, err := stripecustomer.Del(id, nil)
			return err
		},
	}
}

func (s *StripeInvoicer) InvoiceRental(ctx context.Context, u user.User, r rental.Detail) error {
	if !r.EndTime.Valid {
		return ErrRentalOpen
	}

	customerID, err := s.ensureCustomer(ctx, u)
	if err != nil {
		return err
	}

	inParams := &stripe.InvoiceParams{
		Customer: stripe.String(customerID),
		Currency: stripe.String(s.currency),
	}
	inParams.AddMetadata("rental_id", r.ID.String())
	in, err := invoice.New(inParams)
	if err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}

	_, err = invoice.AddLines(in.ID, &stripe.InvoiceAddLinesParams{
		Lines: []*stripe.InvoiceAddLinesLineParams{lineFor(r)},
	})
	if err != nil {
		return fmt.Errorf("add invoice lines: %w", err)
	}

	_, err = invoice.FinalizeInvoice(in.ID, &stripe.InvoiceFinalizeInvoiceParams{})
	if err != nil {
		return fmt.Errorf("finalize invoice: %w", err)
	}
	return nil
}

func (s *StripeInvoicer) ensureCustomer(ctx context.Context, u user.User) (string, error) {
	if u.StripeID.Valid {
		return u.StripeID.String, nil
	}

	s.customers.Lock()
	defer s.customers.Unlock()

	// Another close may have created the customer since u was loaded.
	stored, err := s.users.Get(ctx, u.ID)
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if stored.StripeID.Valid {
		return stored.StripeID.String, nil
	}

	params := &stripe.CustomerParams{
		Metadata: map[string]string{
			"subject": u.Subject,
			"id":      u.ID.String(),
		},
	}
	if u.Email.Valid {
		params.Email = stripe.String(u.Email.String)
	}
	c, err := s.newCustomer(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}

	claimed, err := s.users.ClaimStripeID(ctx, u.ID, c.ID)
	if err != nil {
		return "", fmt.Errorf("save stripe customer id: %w", err)
	}
	if claimed != c.ID {
		// Another instance won; drop the customer nobody will bill.
		if err := s.deleteCustomer(c.ID); err != nil {
			slog.WarnContext(ctx, "failed to delete duplicate stripe customer",
				"customerId", c.ID, "userId", u.ID, "error", err)
		}
	}
	return claimed, nil
}

// lineFor builds the invoice line for a closed rental. Amounts are in the
// currency's minor unit.
func lineFor(r rental.Detail) *stripe.InvoiceAddLinesLineParams {
	minutes := int(r.EndTime.Time.Sub(r.StartTime).Minutes())
	return &stripe.InvoiceAddLinesLineParams{
		Amount:      stripe.Int64(r.TotalFee.Shift(fee.Places).IntPart()),
		Description: stripe.String(fmt.Sprintf("%s - %d minutes", r.BikeName, minutes)),
	}
}

// Nop skips invoicing; it is used when no Stripe key is configured.
type Nop struct {
	Logger *slog.Logger
}

func (n Nop) InvoiceRental(ctx context.Context, u user.User, r rental.Detail) error {
	if n.Logger != nil {
		n.Logger.DebugContext(ctx, "billing disabled, skipping invoice",
			"rentalId", r.ID, "fee", r.TotalFee.StringFixed(fee.Places))
	}
	return nil
}
