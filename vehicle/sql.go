package vehicle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Repository reads and writes vehicles. It accepts either a *sqlx.DB or a *sqlx.Tx,
// so the row locks taken by GetVehicleForUpdate last until the caller's transaction ends.
type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{db: db}
}

const vehicleColumns = `id, label, type, battery, state, parking_id`

func (r *Repository) GetVehicle(ctx context.Context, id uuid.UUID) (Vehicle, error) {
	return r.get(ctx, getVehicle, id)
}

const getVehicle = `SELECT ` + vehicleColumns + ` FROM vehicles WHERE id = $1`

func (r *Repository) GetVehicleForUpdate(ctx context.Context, id uuid.UUID) (Vehicle, error) {
	return r.get(ctx, getVehicleForUpdate, id)
}

const getVehicleForUpdate = getVehicle + ` FOR UPDATE`

func (r *Repository) get(ctx context.Context, q string, id uuid.UUID) (Vehicle, error) {
	var v Vehicle
	err := sqlx.GetContext(ctx, r.db, &v, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, fmt.Errorf("get vehicle %s: %w", id, err)
	}
	return v, nil
}

func (r *Repository) UpdateVehicle(ctx context.Context, v Vehicle) error {
	res, err := r.db.ExecContext(ctx, updateVehicle, v.ID, v.Battery, v.State, v.ParkingID)
	if err != nil {
		return fmt.Errorf("update vehicle %s: %w", v.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const updateVehicle = `UPDATE vehicles SET battery = $2, state = $3, parking_id = $4 WHERE id = $1`
