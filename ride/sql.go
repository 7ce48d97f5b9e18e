package ride

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/semanticallynull/ridecontrol/account"
	"github.com/semanticallynull/ridecontrol/parking"
	"github.com/semanticallynull/ridecontrol/vehicle"
)

type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{
		db: db,
	}
}

const rideColumns = `id, user_id, vehicle_id, start_parking_id, end_parking_id, started_at, ended_at,
duration_minutes, cost, distance_km, loyalty_points_redeemed, state, settlement`

func (r *Repository) GetRide(ctx context.Context, id uuid.UUID) (Ride, error) {
	return r.get(ctx, getRide, id)
}

const getRide = `SELECT ` + rideColumns + ` FROM rides WHERE id = $1`

func (r *Repository) GetRideForUpdate(ctx context.Context, id uuid.UUID) (Ride, error) {
	return r.get(ctx, getRideForUpdate, id)
}

const getRideForUpdate = getRide + ` FOR UPDATE`

func (r *Repository) GetActiveRideForUser(ctx context.Context, userID uuid.UUID) (Ride, error) {
	return r.get(ctx, getActiveRideForUser, userID)
}

// GetActiveRide is GetActiveRideForUser outside a transaction.
func (r *Repository) GetActiveRide(ctx context.Context, userID uuid.UUID) (Ride, error) {
	return r.get(ctx, getActiveRideForUser, userID)
}

const getActiveRideForUser = `SELECT ` + rideColumns + ` FROM rides WHERE user_id = $1 AND state = 'in_progress'`

func (r *Repository) get(ctx context.Context, q string, id uuid.UUID) (Ride, error) {
	var ride Ride
	err := sqlx.GetContext(ctx, r.db, &ride, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ride, ErrNotFound
	}
	if err != nil {
		return ride, fmt.Errorf("get ride: %w", err)
	}
	return ride, nil
}

func (r *Repository) InsertRide(ctx context.Context, ride Ride) error {
	_, err := r.db.ExecContext(ctx, insertRide,
		ride.ID, ride.UserID, ride.VehicleID, ride.StartParkingID, ride.StartedAt, ride.State, ride.Settlement)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

const insertRide = `
INSERT INTO rides (id, user_id, vehicle_id, start_parking_id, started_at, state, settlement)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

func (r *Repository) UpdateRide(ctx context.Context, ride Ride) error {
	_, err := r.db.ExecContext(ctx, updateRide,
		ride.ID, ride.EndParkingID, ride.EndedAt, ride.DurationMinutes, ride.Cost, ride.DistanceKm,
		ride.LoyaltyPointsRedeemed, ride.State, ride.Settlement)
	if err != nil {
		return fmt.Errorf("update ride %s: %w", ride.ID, err)
	}
	return nil
}

const updateRide = `
UPDATE rides
SET end_parking_id = $2, ended_at = $3, duration_minutes = $4, cost = $5, distance_km = $6,
    loyalty_points_redeemed = $7, state = $8, settlement = $9
WHERE id = $1
`

func (r *Repository) ListActive(ctx context.Context) ([]Active, error) {
	var rides []Active
	err := sqlx.SelectContext(ctx, r.db, &rides, listActive)
	if err != nil {
		return nil, fmt.Errorf("list active rides: %w", err)
	}
	return rides, nil
}

const listActive = `
SELECT r.id, r.user_id, r.vehicle_id, r.start_parking_id, r.end_parking_id, r.started_at, r.ended_at,
       r.duration_minutes, r.cost, r.distance_km, r.loyalty_points_redeemed, r.state, r.settlement,
       v.type AS vehicle_type, v.battery AS vehicle_battery
FROM rides r
JOIN vehicles v ON v.id = r.vehicle_id
WHERE r.state IN ('in_progress', 'suspended_battery_depleted')
`

// SQLStore is the Postgres implementation of Store.
type SQLStore struct {
	*Repository
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{
		Repository: NewRepository(db),
		db:         db,
	}
}

func (s *SQLStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(newSQLTx(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

type sqlTx struct {
	*Repository
	accounts *account.Repository
	vehicles *vehicle.Repository
	parkings *parking.Repository
}

func newSQLTx(tx *sqlx.Tx) *sqlTx {
	return &sqlTx{
		Repository: NewRepository(tx),
		accounts:   account.NewRepository(tx),
		vehicles:   vehicle.NewRepository(tx),
		parkings:   parking.NewRepository(tx),
	}
}

func (t *sqlTx) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (account.Account, error) {
	return t.accounts.GetAccountForUpdate(ctx, id)
}

func (t *sqlTx) UpdateAccount(ctx context.Context, a account.Account) error {
	return t.accounts.UpdateAccount(ctx, a)
}

func (t *sqlTx) InsertTransaction(ctx context.Context, tr account.Transaction) error {
	return t.accounts.InsertTransaction(ctx, tr)
}

func (t *sqlTx) GetVehicleForUpdate(ctx context.Context, id uuid.UUID) (vehicle.Vehicle, error) {
	return t.vehicles.GetVehicleForUpdate(ctx, id)
}

func (t *sqlTx) UpdateVehicle(ctx context.Context, v vehicle.Vehicle) error {
	return t.vehicles.UpdateVehicle(ctx, v)
}

func (t *sqlTx) GetParking(ctx context.Context, id uuid.UUID) (parking.Parking, error) {
	return t.parkings.GetParking(ctx, id)
}
