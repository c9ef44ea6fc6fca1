package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/semanticallynull/bikerental-backend/bike"
	"github.com/semanticallynull/bikerental-backend/billing"
	"github.com/semanticallynull/bikerental-backend/internal/apperr"
	"github.com/semanticallynull/bikerental-backend/internal/auth0"
	"github.com/semanticallynull/bikerental-backend/internal/middleware"
	"github.com/semanticallynull/bikerental-backend/internal/o11y"
	"github.com/semanticallynull/bikerental-backend/rental"
	"github.com/semanticallynull/bikerental-backend/report"
	"github.com/semanticallynull/bikerental-backend/user"
)

type Config struct {
	// Auth0Domain enables JWT validation. Without it callers are identified
	// by the X-User-ID header.
	Auth0Domain string
	Audience    string

	MetricsUsername string
	MetricsPassword string

	// AdminSubjects may manage bikes and read the dashboard.
	AdminSubjects []string
}

type API struct {
	r  *gin.Engine
	br *bike.Repository
	l  *rental.Ledger
	ur *user.Repository
	rr *report.Repository

	invoicer billing.Invoicer
	profiles auth0.ProfileSource
	obs      *o11y.Observability
	now      func() time.Time

	// background invoicing
	jobs sync.WaitGroup
}

type Option func(*API)

// WithInvoicer bills closed rentals. The default skips billing.
func WithInvoicer(inv billing.Invoicer) Option {
	return func(a *API) { a.invoicer = inv }
}

// WithProfiles fills in the email and name of new users from their token.
func WithProfiles(p auth0.ProfileSource) Option {
	return func(a *API) { a.profiles = p }
}

// WithClock replaces time.Now when reporting elapsed rental time.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

func New(
	br *bike.Repository,
	l *rental.Ledger,
	ur *user.Repository,
	rr *report.Repository,
	obs *o11y.Observability,
	cfg Config,
	opts ...Option,
) (*API, error) {
	a := &API{
		r:        gin.New(),
		br:       br,
		l:        l,
		ur:       ur,
		rr:       rr,
		invoicer: billing.Nop{Logger: obs.Logger},
		obs:      obs,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	// Handlers pass *gin.Context on as a context.Context; fall back to the
	// request context so spans and cancellation propagate.
	a.r.ContextWithFallback = true

	auth := middleware.HeaderIdentity()
	if cfg.Auth0Domain != "" {
		var err error
		auth, err = middleware.EnsureValidToken(cfg.Auth0Domain, cfg.Audience)
		if err != nil {
			return nil, err
		}
	}

	a.r.Use(
		gin.Recovery(),
		middleware.Tracing(),
		middleware.Logging(obs.Logger),
		middleware.Metrics(obs.Registry),
	)

	a.r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	metrics := a.r.Group("/metrics")
	if cfg.MetricsUsername != "" {
		metrics.Use(gin.BasicAuth(gin.Accounts{cfg.MetricsUsername: cfg.MetricsPassword}))
	}
	metrics.GET("", gin.WrapH(promhttp.HandlerFor(obs.Registry, promhttp.HandlerOpts{
		Registry: obs.Registry,
	})))

	protected := a.r.Group("/", auth, a.identify)
	admin := middleware.RequireSubject(cfg.AdminSubjects...)
	{
		protected.GET("/bikes", a.listBikesHandler)
		protected.POST("/bikes", admin, a.createBikeHandler)
		protected.GET("/bikes/:id", a.getBikeHandler)
		protected.PATCH("/bikes/:id", admin, a.updateBikeHandler)
		protected.DELETE("/bikes/:id", admin, a.deleteBikeHandler)
		protected.GET("/bikes/:id/rental", a.bikeRentalHandler)
		protected.POST("/bikes/:id/rentals", a.openRentalHandler)

		protected.GET("/rentals", a.listRentalsHandler)
		protected.GET("/rentals/current", a.currentRentalHandler)
		protected.GET("/rentals/:id", a.getRentalHandler)
		protected.POST("/rentals/:id/close", a.closeRentalHandler)

		protected.GET("/dashboard", admin, a.dashboardHandler)
	}

	return a, nil
}

func (a *API) Router() *gin.Engine {
	return a.r
}

// Wait blocks until background invoicing has finished.
func (a *API) Wait() {
	a.jobs.Wait()
}

const userKey = "user"

// identify resolves the authenticated subject to a user, creating the user on
// first sight.
func (a *API) identify(c *gin.Context) {
	logger := middleware.GetLogger(c)

	subject, ok := middleware.GetSubject(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "Authentication required"})
		return
	}

	u, err := a.ur.GetOrCreate(c, subject)
	if err != nil {
		logger.ErrorContext(c, "failed to resolve user", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "internal error"})
		return
	}

	if a.profiles != nil && !u.Email.Valid {
		a.syncProfile(c, &u)
	}

	c.Set(userKey, u)
	c.Next()
}

func (a *API) syncProfile(c *gin.Context, u *user.User) {
	logger := middleware.GetLogger(c)

	token, ok := middleware.GetAccessToken(c)
	if !ok {
		return
	}
	p, err := a.profiles.Profile(c, token)
	if err != nil {
		logger.WarnContext(c, "failed to fetch user profile", "error", err)
		return
	}
	if err := a.ur.UpdateProfile(c, u.ID, p.Email, p.Name); err != nil {
		logger.WarnContext(c, "failed to save user profile", "error", err)
		return
	}
	u.Email.String, u.Email.Valid = p.Email, p.Email != ""
	u.Name.String, u.Name.Valid = p.Name, p.Name != ""
}

func currentUser(c *gin.Context) user.User {
	return c.MustGet(userKey).(user.User)
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "Invalid " + param})
		return uuid.Nil, false
	}
	return id, true
}

var errorCodes = []struct {
	err  error
	code string
}{
	{bike.ErrNotFound, "BIKE_NOT_FOUND"},
	{bike.ErrNameTaken, "NAME_TAKEN"},
	{bike.ErrHasOpenRental, "BIKE_RENTED"},
	{bike.ErrHasHistory, "BIKE_HAS_HISTORY"},
	{rental.ErrNotFound, "RENTAL_NOT_FOUND"},
	{rental.ErrBikeUnavailable, "BIKE_UNAVAILABLE"},
	{rental.ErrAlreadyClosed, "RENTAL_ALREADY_CLOSED"},
	{rental.ErrEndBeforeStart, "INVALID_END_TIME"},
	{rental.ErrEndTimeTooLate, "INVALID_END_TIME"},
	{rental.ErrFeeOutOfRange, "FEE_OUT_OF_RANGE"},
}

// writeError maps domain errors onto HTTP responses. Anything that is not a
// validation, not-found or conflict error is logged and reported as a 500.
func writeError(c *gin.Context, err error) {
	var status int
	code := ""
	switch {
	case errors.Is(err, apperr.ErrValidation):
		status, code = http.StatusBadRequest, "VALIDATION_FAILED"
	case errors.Is(err, apperr.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, apperr.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	default:
		middleware.GetLogger(c).ErrorContext(c, "request failed", "error", err)
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "internal error"})
		return
	}

	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			code = ec.code
			break
		}
	}
	c.JSON(status, gin.H{"code": code, "message": err.Error()})
}
