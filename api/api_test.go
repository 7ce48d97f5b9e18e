package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semanticallynull/ridecontrol/account"
	"github.com/semanticallynull/ridecontrol/api"
	"github.com/semanticallynull/ridecontrol/billing"
	"github.com/semanticallynull/ridecontrol/events"
	"github.com/semanticallynull/ridecontrol/internal/clock"
	"github.com/semanticallynull/ridecontrol/internal/memstore"
	"github.com/semanticallynull/ridecontrol/internal/middleware"
	"github.com/semanticallynull/ridecontrol/internal/money"
	"github.com/semanticallynull/ridecontrol/internal/o11y"
	"github.com/semanticallynull/ridecontrol/parking"
	"github.com/semanticallynull/ridecontrol/ride"
	"github.com/semanticallynull/ridecontrol/vehicle"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

// fakeAuth trusts X-User-ID and X-Permissions instead of a bearer token.
func fakeAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub := c.GetHeader("X-User-ID")
		if sub == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "Authentication required"})
			return
		}
		id := middleware.Identity{Subject: sub}
		if p := c.GetHeader("X-Permissions"); p != "" {
			id.Permissions = strings.Split(p, ",")
		}
		middleware.SetIdentity(c, id)
		c.Next()
	}
}

type server struct {
	store   *memstore.Store
	clock   *clock.Mock
	machine *ride.Machine
	router  *gin.Engine
	vehicle uuid.UUID
	parking uuid.UUID
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &server{
		store:   memstore.New(),
		clock:   clock.NewMock(t0),
		vehicle: uuid.New(),
		parking: uuid.New(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	metrics := o11y.NewMetrics(reg)
	guard := account.NewGuard(s.store, s.clock, account.DefaultPolicy(), logger)
	s.machine = ride.NewMachine(ride.Deps{
		Store:   s.store,
		Billing: billing.New(billing.DefaultTariff()),
		Guard:   guard,
		Events:  events.NewEmitter(&events.Recorder{}, events.DefaultTopics(), time.Second, logger, metrics),
		Clock:   s.clock,
		Policy:  ride.DefaultPolicy(),
		Logger:  logger,
		Metrics: metrics,
	})

	v := vehicle.Vehicle{ID: s.vehicle, Label: "SC-7", Type: vehicle.Scooter, State: vehicle.Available}
	v.SetBattery(80)
	s.store.PutVehicle(v)
	s.store.PutParking(parking.Parking{ID: s.parking, Name: "Gare", Capacity: 20})

	s.router = api.New(s.machine, guard, s.store, s.clock, logger, reg, api.Config{
		Auth:            gin.HandlersChain{fakeAuth()},
		MetricsUsername: "prom",
		MetricsPassword: "secret",
	}).Router()
	return s
}

type request struct {
	method  string
	path    string
	body    any
	user    string
	perms   string
	headers map[string]string
}

func (s *server) do(t *testing.T, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	req := httptest.NewRequest(r.method, r.path, body)
	req.Header.Set("Content-Type", "application/json")
	if r.user != "" {
		req.Header.Set("X-User-ID", r.user)
	}
	if r.perms != "" {
		req.Header.Set("X-Permissions", r.perms)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RideID  string `json:"rideId"`
}

type rideBody struct {
	ID              string   `json:"id"`
	State           string   `json:"state"`
	Settlement      string   `json:"settlement"`
	Cost            *float64 `json:"cost"`
	DurationMinutes *int     `json:"durationMinutes"`
	DistanceKm      float64  `json:"distanceKm"`
}

type accountBody struct {
	ID      string  `json:"id"`
	Balance float64 `json:"balance"`
	State   string  `json:"state"`
}

func TestHealth(t *testing.T) {
	s := newServer(t)

	w := s.do(t, request{method: http.MethodGet, path: "/health"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestMetricsRequiresBasicAuth(t *testing.T) {
	s := newServer(t)

	w := s.do(t, request{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "secret")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rides_started_total")
}

func TestRoutesRequireAuthentication(t *testing.T) {
	s := newServer(t)

	w := s.do(t, request{method: http.MethodGet, path: "/account"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", decode[errorBody](t, w).Code)
}

func TestRideLifecycle(t *testing.T) {
	s := newServer(t)
	const user = "auth0|rider"

	w := s.do(t, request{method: http.MethodGet, path: "/account", user: user})
	require.Equal(t, http.StatusOK, w.Code)
	acct := decode[accountBody](t, w)
	assert.Equal(t, 0.0, acct.Balance)
	assert.Equal(t, "active", acct.State)

	// A fresh account has nothing to ride on.
	w = s.do(t, request{method: http.MethodPost, path: "/rides", user: user, body: map[string]any{"vehicleId": s.vehicle}})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "INSUFFICIENT_BALANCE", decode[errorBody](t, w).Code)

	w = s.do(t, request{method: http.MethodPost, path: "/account/recharge", user: user, body: map[string]any{"amount": "10.00"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, request{method: http.MethodPost, path: "/rides", user: user, body: map[string]any{"vehicleId": s.vehicle}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	started := decode[rideBody](t, w)
	assert.Equal(t, "in_progress", started.State)
	assert.Nil(t, started.Cost)

	w = s.do(t, request{method: http.MethodPost, path: "/rides", user: user, body: map[string]any{"vehicleId": s.vehicle}})
	assert.Equal(t, http.StatusConflict, w.Code)
	conflict := decode[errorBody](t, w)
	assert.Equal(t, "RIDE_IN_PROGRESS", conflict.Code)
	assert.Equal(t, started.ID, conflict.RideID)

	w = s.do(t, request{method: http.MethodGet, path: "/rides/active", user: user})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, started.ID, decode[rideBody](t, w).ID)

	s.clock.Advance(40 * time.Minute)
	w = s.do(t, request{method: http.MethodPost, path: "/rides/" + started.ID + "/end", user: user, body: map[string]any{"parkingId": s.parking}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	receipt := decode[struct {
		Ride    rideBody `json:"ride"`
		Charged float64  `json:"charged"`
		Balance float64  `json:"balance"`
	}](t, w)
	assert.Equal(t, "completed", receipt.Ride.State)
	assert.Equal(t, 3.0, receipt.Charged)
	assert.Equal(t, 7.0, receipt.Balance)
	require.NotNil(t, receipt.Ride.DurationMinutes)
	assert.Equal(t, 40, *receipt.Ride.DurationMinutes)
	assert.Equal(t, 10.0, receipt.Ride.DistanceKm)

	w = s.do(t, request{method: http.MethodGet, path: "/rides/active", user: user})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, request{method: http.MethodGet, path: "/account/transactions", user: user})
	require.Equal(t, http.StatusOK, w.Code)
	ledger := decode[[]struct {
		Kind   string  `json:"kind"`
		Amount float64 `json:"amount"`
	}](t, w)
	require.Len(t, ledger, 2)
	assert.Equal(t, "ride_charge", ledger[0].Kind)
	assert.Equal(t, -3.0, ledger[0].Amount)
	assert.Equal(t, "recharge", ledger[1].Kind)
}

func TestRideBelongsToItsRider(t *testing.T) {
	s := newServer(t)
	s.do(t, request{method: http.MethodPost, path: "/account/recharge", user: "auth0|a", body: map[string]any{"amount": 5}})
	w := s.do(t, request{method: http.MethodPost, path: "/rides", user: "auth0|a", body: map[string]any{"vehicleId": s.vehicle}})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[rideBody](t, w).ID

	w = s.do(t, request{method: http.MethodGet, path: "/rides/" + id, user: "auth0|b"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, request{method: http.MethodPost, path: "/rides/" + id + "/cancel", user: "auth0|b"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, request{method: http.MethodPost, path: "/rides/" + id + "/cancel", user: "auth0|a"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decode[rideBody](t, w).State)
}

func TestBadRequests(t *testing.T) {
	s := newServer(t)
	const user = "auth0|rider"

	tests := []struct {
		name string
		req  request
		code int
	}{
		{"missing vehicle", request{method: http.MethodPost, path: "/rides", body: map[string]any{}}, http.StatusBadRequest},
		{"bad ride id", request{method: http.MethodPost, path: "/rides/nope/end", body: map[string]any{"parkingId": s.parking}}, http.StatusBadRequest},
		{"missing parking", request{method: http.MethodPost, path: "/rides/" + uuid.NewString() + "/end", body: map[string]any{}}, http.StatusBadRequest},
		{"unknown ride", request{method: http.MethodPost, path: "/rides/" + uuid.NewString() + "/end", body: map[string]any{"parkingId": s.parking}}, http.StatusNotFound},
		{"unfunded account", request{method: http.MethodPost, path: "/rides", body: map[string]any{"vehicleId": uuid.New()}}, http.StatusPaymentRequired},
		{"recharge too small", request{method: http.MethodPost, path: "/account/recharge", body: map[string]any{"amount": 0.5}}, http.StatusBadRequest},
		{"recharge too precise", request{method: http.MethodPost, path: "/account/recharge", body: map[string]any{"amount": "1.001"}}, http.StatusBadRequest},
		{"reactivate active account", request{method: http.MethodPost, path: "/account/reactivation"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.user = user
			w := s.do(t, tt.req)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestVehicleUnavailable(t *testing.T) {
	s := newServer(t)
	v := s.store.Vehicle(s.vehicle)
	v.State = vehicle.Maintenance
	s.store.PutVehicle(v)
	s.do(t, request{method: http.MethodPost, path: "/account/recharge", user: "auth0|a", body: map[string]any{"amount": 5}})

	w := s.do(t, request{method: http.MethodPost, path: "/rides", user: "auth0|a", body: map[string]any{"vehicleId": s.vehicle}})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "VEHICLE_UNAVAILABLE", decode[errorBody](t, w).Code)
}

func TestAdminReactivation(t *testing.T) {
	s := newServer(t)
	debtor := account.Account{
		ID:      uuid.New(),
		Auth0ID: "auth0|debtor",
		Balance: money.MustParse("-3.00"),
		State:   account.Suspended,
	}
	s.store.PutAccount(debtor)

	w := s.do(t, request{method: http.MethodPost, path: "/account/reactivation", user: debtor.Auth0ID})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "OUTSTANDING_DEBT", decode[errorBody](t, w).Code)

	w = s.do(t, request{method: http.MethodPost, path: "/account/recharge", user: debtor.Auth0ID, body: map[string]any{"amount": 5}})
	require.Equal(t, http.StatusOK, w.Code)

	approve := "/admin/accounts/" + debtor.ID.String() + "/reactivation/approve"
	w = s.do(t, request{method: http.MethodPost, path: approve, user: debtor.Auth0ID})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, request{method: http.MethodPost, path: approve, user: "auth0|ops", perms: middleware.PermissionAdmin})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	acct := decode[accountBody](t, w)
	assert.Equal(t, "active", acct.State)
	assert.Equal(t, 2.0, acct.Balance)

	w = s.do(t, request{method: http.MethodPost, path: approve, user: "auth0|ops", perms: middleware.PermissionAdmin})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdminSettlesDepletedRide(t *testing.T) {
	s := newServer(t)
	s.do(t, request{method: http.MethodPost, path: "/account/recharge", user: "auth0|a", body: map[string]any{"amount": 1}})
	w := s.do(t, request{method: http.MethodPost, path: "/rides", user: "auth0|a", body: map[string]any{"vehicleId": s.vehicle}})
	require.Equal(t, http.StatusCreated, w.Code)
	id := uuid.MustParse(decode[rideBody](t, w).ID)

	s.clock.Advance(50 * time.Minute)
	v := s.store.Vehicle(s.vehicle)
	v.SetBattery(0)
	s.store.PutVehicle(v)
	_, err := s.machine.ForceStopOnBatteryDepletion(t.Context(), id)
	require.NoError(t, err)

	settle := "/admin/rides/" + id.String() + "/settle"
	w = s.do(t, request{method: http.MethodPost, path: settle, user: "auth0|a"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, request{method: http.MethodPost, path: settle, user: "auth0|ops", perms: middleware.PermissionAdmin})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	receipt := decode[struct {
		Ride    rideBody `json:"ride"`
		Charged float64  `json:"charged"`
		Balance float64  `json:"balance"`
	}](t, w)
	assert.Equal(t, "suspended_battery_depleted", receipt.Ride.State)
	assert.Equal(t, "settled", receipt.Ride.Settlement)
	assert.Equal(t, 5.0, receipt.Charged)
	assert.Equal(t, -4.0, receipt.Balance)

	w = s.do(t, request{method: http.MethodGet, path: "/account", user: "auth0|a"})
	assert.Equal(t, "suspended", decode[accountBody](t, w).State)

	w = s.do(t, request{method: http.MethodPost, path: settle, user: "auth0|ops", perms: middleware.PermissionAdmin})
	assert.Equal(t, http.StatusConflict, w.Code)
}
