package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/semanticallynull/bikerental-backend/fee"
	"github.com/semanticallynull/bikerental-backend/internal/middleware"
	"github.com/semanticallynull/bikerental-backend/rental"
	"github.com/semanticallynull/bikerental-backend/user"
)

type rentalResponse struct {
	ID              uuid.UUID     `json:"id"`
	BikeID          uuid.UUID     `json:"bikeId"`
	BikeName        string        `json:"bikeName"`
	UserID          uuid.UUID     `json:"userId"`
	StartTime       time.Time     `json:"startTime"`
	EndTime         *time.Time    `json:"endTime"`
	Status          rental.Status `json:"status"`
	DurationMinutes int           `json:"durationMinutes"`
	TotalFee        string        `json:"totalFee"`
}

func toRentalResponse(d rental.Detail, now time.Time) rentalResponse {
	resp := rentalResponse{
		ID:              d.ID,
		BikeID:          d.BikeID,
		BikeName:        d.BikeName,
		UserID:          d.UserID,
		StartTime:       d.StartTime,
		Status:          d.Status(),
		DurationMinutes: int(d.Duration(now).Minutes()),
		TotalFee:        d.TotalFee.StringFixed(fee.Places),
	}
	if d.EndTime.Valid {
		end := d.EndTime.Time
		resp.EndTime = &end
	}
	return resp
}

func toRentalResponses(rentals []rental.Detail, now time.Time) []rentalResponse {
	responses := make([]rentalResponse, 0, len(rentals))
	for _, d := range rentals {
		responses = append(responses, toRentalResponse(d, now))
	}
	return responses
}

type closeRentalRequest struct {
	EndTime *time.Time `json:"endTime"`
}

func (a *API) openRentalHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	bikeID, ok := parseID(c, "id")
	if !ok {
		return
	}
	u := currentUser(c)

	r, err := a.l.Open(c, u.ID, bikeID)
	if err != nil {
		writeError(c, err)
		return
	}

	d, err := a.l.Get(c, r.ID)
	if err != nil {
		writeError(c, err)
		return
	}

	logger.InfoContext(c, "rental opened", "rentalId", r.ID, "bikeId", bikeID, "userId", u.ID)
	c.JSON(http.StatusCreated, toRentalResponse(d, a.now()))
}

func (a *API) closeRentalHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req closeRentalRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	d, ok := a.ownRental(c, id)
	if !ok {
		return
	}

	var end time.Time
	if req.EndTime != nil {
		end = *req.EndTime
	}
	closed, err := a.l.Close(c, id, end)
	if err != nil {
		writeError(c, err)
		return
	}
	d.Rental = closed

	logger.InfoContext(c, "rental closed",
		"rentalId", id, "bikeId", d.BikeID, "fee", d.TotalFee.StringFixed(fee.Places))

	a.invoice(context.WithoutCancel(c.Request.Context()), currentUser(c), d)
	c.JSON(http.StatusOK, toRentalResponse(d, a.now()))
}

// invoice bills a closed rental in the background; the response does not wait
// on Stripe.
func (a *API) invoice(ctx context.Context, u user.User, d rental.Detail) {
	a.jobs.Add(1)
	go func() {
		defer a.jobs.Done()
		if err := a.invoicer.InvoiceRental(ctx, u, d); err != nil {
			a.obs.Logger.ErrorContext(ctx, "failed to invoice rental", "rentalId", d.ID, "error", err)
		}
	}()
}

func (a *API) getRentalHandler(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	d, ok := a.ownRental(c, id)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toRentalResponse(d, a.now()))
}

// ownRental loads a rental and checks that it belongs to the caller. It writes
// the error response itself.
func (a *API) ownRental(c *gin.Context, id uuid.UUID) (rental.Detail, bool) {
	d, err := a.l.Get(c, id)
	if err != nil {
		writeError(c, err)
		return rental.Detail{}, false
	}
	if d.UserID != currentUser(c).ID {
		c.JSON(http.StatusForbidden, gin.H{"code": "NOT_AUTHORIZED", "message": "Not authorized to access this rental"})
		return rental.Detail{}, false
	}
	return d, true
}

func (a *API) listRentalsHandler(c *gin.Context) {
	rentals, err := a.l.ListForUser(c, currentUser(c).ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRentalResponses(rentals, a.now()))
}

func (a *API) currentRentalHandler(c *gin.Context) {
	d, err := a.l.CurrentForUser(c, currentUser(c).ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if d == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, toRentalResponse(*d, a.now()))
}
