package ride

import (
	"context"

	"github.com/google/uuid"

	"github.com/semanticallynull/ridecontrol/account"
	"github.com/semanticallynull/ridecontrol/parking"
	"github.com/semanticallynull/ridecontrol/vehicle"
)

// Tx is the storage a ride transition runs against. Rows read through a ForUpdate method stay
// locked until the transaction ends, which is what serialises End, Cancel and the battery ticker
// on the same ride.
type Tx interface {
	account.Store

	GetVehicleForUpdate(ctx context.Context, id uuid.UUID) (vehicle.Vehicle, error)
	UpdateVehicle(ctx context.Context, v vehicle.Vehicle) error

	GetParking(ctx context.Context, id uuid.UUID) (parking.Parking, error)

	GetRideForUpdate(ctx context.Context, id uuid.UUID) (Ride, error)
	// GetActiveRideForUser returns ErrNotFound when the user has no ride in progress.
	GetActiveRideForUser(ctx context.Context, userID uuid.UUID) (Ride, error)
	InsertRide(ctx context.Context, r Ride) error
	UpdateRide(ctx context.Context, r Ride) error
}

type Store interface {
	// InTx runs fn in a transaction, committing only if fn returns nil.
	InTx(ctx context.Context, fn func(Tx) error) error

	GetRide(ctx context.Context, id uuid.UUID) (Ride, error)
	GetActiveRide(ctx context.Context, userID uuid.UUID) (Ride, error)
	// ListActive returns rides in progress or suspended on battery depletion, with their vehicle.
	ListActive(ctx context.Context) ([]Active, error)
}
