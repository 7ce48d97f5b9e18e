package parking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) GetParking(ctx context.Context, id uuid.UUID) (Parking, error) {
	var p Parking
	err := sqlx.GetContext(ctx, r.db, &p, getParking, id)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("get parking %s: %w", id, err)
	}
	return p, nil
}

const getParking = `SELECT id, name, location, capacity FROM parkings WHERE id = $1`
