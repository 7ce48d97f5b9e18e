package acceptance

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose"
	"github.com/prometheus/client_golang/prometheus"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/semanticallynull/ridecontrol/account"
	"github.com/semanticallynull/ridecontrol/api"
	"github.com/semanticallynull/ridecontrol/battery"
	"github.com/semanticallynull/ridecontrol/billing"
	"github.com/semanticallynull/ridecontrol/events"
	"github.com/semanticallynull/ridecontrol/internal/clock"
	"github.com/semanticallynull/ridecontrol/internal/middleware"
	"github.com/semanticallynull/ridecontrol/internal/o11y"
	"github.com/semanticallynull/ridecontrol/ride"
)

var (
	testDB     *sqlx.DB
	skipReason string
)

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		url, terminate, reason := startPostgres(ctx)
		if reason != "" {
			skipReason = reason
			return m.Run()
		}
		defer terminate()
		dbURL = url
	}

	db, err := sqlx.Connect("pgx", dbURL)
	if err != nil {
		log.Printf("failed to connect to database: %v", err)
		return 1
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("failed to set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db.DB, "../migrations"); err != nil {
		log.Printf("failed to migrate: %v", err)
		return 1
	}

	testDB = db
	return m.Run()
}

func startPostgres(ctx context.Context) (string, func(), string) {
	if testing.Short() {
		return "", nil, "acceptance tests need a database"
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return "", nil, "no DATABASE_URL and docker not installed"
	}

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "rides",
		},
		// The server restarts once after initdb.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		return "", nil, fmt.Sprintf("postgres container unavailable: %v", err)
	}
	terminate := func() { _ = cont.Terminate(context.Background()) }

	host, err := cont.Host(ctx)
	if err != nil {
		terminate()
		return "", nil, err.Error()
	}
	port, err := cont.MappedPort(ctx, "5432")
	if err != nil {
		terminate()
		return "", nil, err.Error()
	}
	return fmt.Sprintf("postgres://postgres:postgres@%s:%s/rides?sslmode=disable", host, port.Port()), terminate, ""
}

type TestServer struct {
	DB      *sqlx.DB
	Router  *gin.Engine
	Machine *ride.Machine
	Ticker  *battery.Decrementer
	Events  *events.Recorder
}

func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	if skipReason != "" {
		t.Skip(skipReason)
	}

	gin.SetMode(gin.TestMode)
	cleanupTestData(t, testDB)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	metrics := o11y.NewMetrics(reg)
	clk := clock.System{}
	rec := &events.Recorder{}
	emitter := events.NewEmitter(rec, events.DefaultTopics(), time.Second, logger, metrics)

	rides := ride.NewSQLStore(testDB)
	guard := account.NewGuard(account.NewSQLStore(testDB), clk, account.DefaultPolicy(), logger)
	machine := ride.NewMachine(ride.Deps{
		Store:   rides,
		Billing: billing.New(billing.DefaultTariff()),
		Guard:   guard,
		Events:  emitter,
		Clock:   clk,
		Policy:  ride.DefaultPolicy(),
		Logger:  logger,
		Metrics: metrics,
	})

	return &TestServer{
		DB:      testDB,
		Machine: machine,
		Ticker:  battery.New(rides, machine, emitter, nil, clk, battery.DefaultConfig(), logger, metrics),
		Events:  rec,
		Router: api.New(machine, guard, account.NewRepository(testDB), clk, logger, reg, api.Config{
			Auth: gin.HandlersChain{fakeAuthMiddleware()},
		}).Router(),
	}
}

func cleanupTestData(t *testing.T, db *sqlx.DB) {
	t.Helper()
	if _, err := db.Exec(`TRUNCATE transactions, rides, accounts, vehicles, parkings CASCADE`); err != nil {
		t.Fatalf("failed to clean test data: %v", err)
	}
}

// fakeAuthMiddleware trusts X-User-ID and X-Permissions instead of a bearer token.
func fakeAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "Authentication required"})
			return
		}
		id := middleware.Identity{Subject: userID}
		if p := c.GetHeader("X-Permissions"); p != "" {
			id.Permissions = strings.Split(p, ",")
		}
		middleware.SetIdentity(c, id)
		c.Next()
	}
}

func (ts *TestServer) GET(path string, headers map[string]string) *httptest.ResponseRecorder {
	return ts.do(http.MethodGet, path, nil, headers)
}

func (ts *TestServer) POST(path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	return ts.do(http.MethodPost, path, body, headers)
}

func (ts *TestServer) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
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

func as(user string) map[string]string {
	return map[string]string{"X-User-ID": user}
}

func (ts *TestServer) CreateTestParking(t *testing.T, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := ts.DB.Exec(`INSERT INTO parkings (id, name, location, capacity) VALUES ($1, $2, point(0, 0), 20)`, id, name)
	if err != nil {
		t.Fatalf("failed to create test parking: %v", err)
	}
	return id
}

// CreateTestVehicle inserts an available vehicle. battery is ignored for muscular bikes.
func (ts *TestServer) CreateTestVehicle(t *testing.T, label, kind string, battery int, parkingID uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	var level any = battery
	if kind == "muscular_bike" {
		level = nil
	}
	_, err := ts.DB.Exec(`
		INSERT INTO vehicles (id, label, type, battery, state, parking_id)
		VALUES ($1, $2, $3, $4, 'available', $5)
	`, id, label, kind, level, parkingID)
	if err != nil {
		t.Fatalf("failed to create test vehicle: %v", err)
	}
	return id
}

// BackdateRide moves a ride's start into the past so it can be billed without waiting.
func (ts *TestServer) BackdateRide(t *testing.T, rideID string, by time.Duration) {
	t.Helper()
	_, err := ts.DB.Exec(`UPDATE rides SET started_at = $2 WHERE id = $1`, rideID, time.Now().Add(-by))
	if err != nil {
		t.Fatalf("failed to backdate ride: %v", err)
	}
}

func (ts *TestServer) VehicleState(t *testing.T, id uuid.UUID) (string, *int) {
	t.Helper()
	var row struct {
		State   string `db:"state"`
		Battery *int   `db:"battery"`
	}
	if err := ts.DB.Get(&row, `SELECT state, battery FROM vehicles WHERE id = $1`, id); err != nil {
		t.Fatalf("failed to read vehicle: %v", err)
	}
	return row.State, row.Battery
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
	return v
}
