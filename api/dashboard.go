package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/semanticallynull/bikerental-backend/fee"
	"github.com/semanticallynull/bikerental-backend/report"
)

type dashboardResponse struct {
	TotalBikes       int              `json:"totalBikes"`
	AvailableBikes   int              `json:"availableBikes"`
	UnavailableBikes int              `json:"unavailableBikes"`
	TotalRentals     int              `json:"totalRentals"`
	OpenRentals      int              `json:"openRentals"`
	Revenue          string           `json:"revenue"`
	RecentRentals    []rentalResponse `json:"recentRentals"`
}

func (a *API) dashboardHandler(c *gin.Context) {
	recent := report.DefaultRecent
	if s := c.Query("recent"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "recent must be between 1 and 100"})
			return
		}
		recent = n
	}

	d, err := a.rr.Dashboard(c, recent)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dashboardResponse{
		TotalBikes:       d.TotalBikes,
		AvailableBikes:   d.AvailableBikes,
		UnavailableBikes: d.UnavailableBikes,
		TotalRentals:     d.TotalRentals,
		OpenRentals:      d.OpenRentals,
		Revenue:          d.Revenue.StringFixed(fee.Places),
		RecentRentals:    toRentalResponses(d.RecentRentals, a.now()),
	})
}
