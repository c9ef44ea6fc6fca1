package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/semanticallynull/bikerental-backend/bike"
	"github.com/semanticallynull/bikerental-backend/fee"
	"github.com/semanticallynull/bikerental-backend/internal/middleware"
)

type bikeResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Available   bool      `json:"available"`
	HourlyRate  string    `json:"hourlyRate"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toBikeResponse(b bike.Bike) bikeResponse {
	return bikeResponse{
		ID:          b.ID,
		Name:        b.Name,
		Description: b.Description,
		Available:   b.Available,
		HourlyRate:  b.HourlyRate.StringFixed(fee.Places),
		CreatedAt:   b.CreatedAt,
	}
}

type createBikeRequest struct {
	Name        string           `json:"name"`
	HourlyRate  *decimal.Decimal `json:"hourlyRate"`
	Description string           `json:"description"`
}

type updateBikeRequest struct {
	Name        *string          `json:"name"`
	HourlyRate  *decimal.Decimal `json:"hourlyRate"`
	Description *string          `json:"description"`
}

func (a *API) listBikesHandler(c *gin.Context) {
	f := bike.Filter{
		NameContains: c.Query("name"),
		Search:       c.Query("q"),
	}
	if s := c.Query("available"); s != "" {
		available, err := strconv.ParseBool(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "available must be a boolean"})
			return
		}
		f.Available = &available
	}

	bikes, err := a.br.All(c, f)
	if err != nil {
		writeError(c, err)
		return
	}

	responses := make([]bikeResponse, 0, len(bikes))
	for _, b := range bikes {
		responses = append(responses, toBikeResponse(b))
	}
	c.JSON(http.StatusOK, responses)
}

func (a *API) createBikeHandler(c *gin.Context) {
	var req createBikeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	b, err := a.br.Create(c, bike.NewBike{
		Name:        req.Name,
		HourlyRate:  req.HourlyRate,
		Description: req.Description,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	middleware.GetLogger(c).InfoContext(c, "bike registered", "bikeId", b.ID, "name", b.Name)
	c.JSON(http.StatusCreated, toBikeResponse(b))
}

func (a *API) getBikeHandler(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	b, err := a.br.Get(c, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBikeResponse(b))
}

func (a *API) updateBikeHandler(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req updateBikeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	b, err := a.br.Update(c, id, bike.Update{
		Name:        req.Name,
		HourlyRate:  req.HourlyRate,
		Description: req.Description,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBikeResponse(b))
}

func (a *API) deleteBikeHandler(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := a.br.Delete(c, id); err != nil {
		writeError(c, err)
		return
	}

	middleware.GetLogger(c).InfoContext(c, "bike deleted", "bikeId", id, "policy", a.br.DeletePolicy())
	c.Status(http.StatusNoContent)
}

// bikeRentalHandler returns the bike's open rental, or null when it is
// available.
func (a *API) bikeRentalHandler(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if _, err := a.br.Get(c, id); err != nil {
		writeError(c, err)
		return
	}

	r, err := a.l.OpenForBike(c, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if r == nil {
		c.JSON(http.StatusOK, nil)
		return
	}

	d, err := a.l.Get(c, r.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRentalResponse(d, a.now()))
}
