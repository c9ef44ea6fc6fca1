package acceptance

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/semanticallynull/bikerental-backend/api"
	"github.com/semanticallynull/bikerental-backend/bike"
	"github.com/semanticallynull/bikerental-backend/internal/dbtest"
	"github.com/semanticallynull/bikerental-backend/internal/o11y"
	"github.com/semanticallynull/bikerental-backend/rental"
	"github.com/semanticallynull/bikerental-backend/report"
	"github.com/semanticallynull/bikerental-backend/user"
)

type TestServer struct {
	DB       *sqlx.DB
	API      *api.API
	Router   *gin.Engine
	Clock    *Clock
	Invoicer *RecordingInvoicer
}

type serverOptions struct {
	policy bike.DeletePolicy
	cfg    api.Config
}

type ServerOption func(*serverOptions)

func WithDeletePolicy(p bike.DeletePolicy) ServerOption {
	return func(o *serverOptions) { o.policy = p }
}

func WithMetricsAuth(username, password string) ServerOption {
	return func(o *serverOptions) {
		o.cfg.MetricsUsername = username
		o.cfg.MetricsPassword = password
	}
}

// WithAdminSubjects replaces the default "admin" administrator.
func WithAdminSubjects(subjects ...string) ServerOption {
	return func(o *serverOptions) { o.cfg.AdminSubjects = subjects }
}

func NewTestServer(t *testing.T, opts ...ServerOption) *TestServer {
	t.Helper()

	gin.SetMode(gin.TestMode)

	so := serverOptions{cfg: api.Config{AdminSubjects: []string{"admin"}}}
	for _, opt := range opts {
		opt(&so)
	}

	db := dbtest.Open(t)
	clock := &Clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	inv := &RecordingInvoicer{}
	obs := o11y.Discard()

	a, err := api.New(
		bike.NewRepository(db, bike.WithDeletePolicy(so.policy)),
		rental.NewLedger(db, rental.WithClock(clock.Now), rental.WithRegisterer(obs.Registry)),
		user.NewRepository(db),
		report.NewRepository(db),
		obs,
		so.cfg,
		api.WithInvoicer(inv),
		api.WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("failed to create api: %v", err)
	}

	return &TestServer{
		DB:       db,
		API:      a,
		Router:   a.Router(),
		Clock:    clock,
		Invoicer: inv,
	}
}

func (ts *TestServer) Close() {
	ts.API.Wait()
}

type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// RecordingInvoicer remembers every rental it is asked to bill.
type RecordingInvoicer struct {
	mu       sync.Mutex
	invoiced []rental.Detail
	subjects []string
}

func (r *RecordingInvoicer) InvoiceRental(_ context.Context, u user.User, d rental.Detail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invoiced = append(r.invoiced, d)
	r.subjects = append(r.subjects, u.Subject)
	return nil
}

func (r *RecordingInvoicer) Invoiced() ([]rental.Detail, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rental.Detail(nil), r.invoiced...), append([]string(nil), r.subjects...)
}

func as(userID string) map[string]string {
	return map[string]string{"X-User-ID": userID}
}

// Helper methods for making requests
func (ts *TestServer) GET(path string, headers map[string]string) *httptest.ResponseRecorder {
	return ts.do(http.MethodGet, path, nil, headers)
}

func (ts *TestServer) POST(path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	return ts.do(http.MethodPost, path, body, headers)
}

func (ts *TestServer) PATCH(path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	return ts.do(http.MethodPatch, path, body, headers)
}

func (ts *TestServer) DELETE(path string, headers map[string]string) *httptest.ResponseRecorder {
	return ts.do(http.MethodDelete, path, nil, headers)
}

func (ts *TestServer) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.Router.ServeHTTP(w, req)
	return w
}

// CreateTestBike registers a bike through the API and returns its id.
func (ts *TestServer) CreateTestBike(t *testing.T, name, hourlyRate string) string {
	t.Helper()
	w := ts.POST("/bikes", map[string]string{"name": name, "hourlyRate": hourlyRate}, as("admin"))
	if w.Code != http.StatusCreated {
		t.Fatalf("failed to create test bike: %d %s", w.Code, w.Body.String())
	}
	var resp bikeResponse
	decode(t, w, &resp)
	return resp.ID
}

// OpenTestRental checks a bike out and returns the rental id.
func (ts *TestServer) OpenTestRental(t *testing.T, bikeID, userID string) string {
	t.Helper()
	w := ts.POST("/bikes/"+bikeID+"/rentals", nil, as(userID))
	if w.Code != http.StatusCreated {
		t.Fatalf("failed to open test rental: %d %s", w.Code, w.Body.String())
	}
	var resp rentalResponse
	decode(t, w, &resp)
	return resp.ID
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", w.Body.String(), err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, w.Code, w.Body.String())
	}
}

func expectCode(t *testing.T, w *httptest.ResponseRecorder, code string) {
	t.Helper()
	var resp errorResponse
	decode(t, w, &resp)
	if resp.Code != code {
		t.Errorf("expected code %s, got %s (%s)", code, resp.Code, resp.Message)
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type bikeResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Available   bool   `json:"available"`
	HourlyRate  string `json:"hourlyRate"`
}

type rentalResponse struct {
	ID              string     `json:"id"`
	BikeID          string     `json:"bikeId"`
	BikeName        string     `json:"bikeName"`
	UserID          string     `json:"userId"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime"`
	Status          string     `json:"status"`
	DurationMinutes int        `json:"durationMinutes"`
	TotalFee        string     `json:"totalFee"`
}

type dashboardResponse struct {
	TotalBikes       int              `json:"totalBikes"`
	AvailableBikes   int              `json:"availableBikes"`
	UnavailableBikes int              `json:"unavailableBikes"`
	TotalRentals     int              `json:"totalRentals"`
	OpenRentals      int              `json:"openRentals"`
	Revenue          string           `json:"revenue"`
	RecentRentals    []rentalResponse `json:"recentRentals"`
}
