package ride

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/semanticallynull/ridecontrol/internal/fault"
	"github.com/semanticallynull/ridecontrol/internal/money"
	"github.com/semanticallynull/ridecontrol/vehicle"
)

var (
	ErrNotFound     = fault.New(fault.NotFound, "ride not found")
	ErrNotOwner     = fault.New(fault.Authorization, "ride belongs to another user")
	ErrInvalidState = fault.New(fault.Conflict, "ride state does not allow this transition")
	ErrNotPending   = fault.New(fault.Conflict, "ride has no pending settlement")
)

type State string

const (
	InProgress               State = "in_progress"
	Completed                State = "completed"
	Cancelled                State = "cancelled"
	SuspendedBatteryDepleted State = "suspended_battery_depleted"
)

func (s State) Terminal() bool {
	return s != InProgress
}

// Settlement tracks whether the rider has paid for a finished ride.
type Settlement string

const (
	SettlementNone    Settlement = "none"
	SettlementPending Settlement = "pending"
	SettlementSettled Settlement = "settled"
)

// Ride is one rental of a vehicle. UserID and VehicleID become NULL if the account or vehicle
// is deleted elsewhere.
type Ride struct {
	ID                    uuid.UUID
	UserID                uuid.NullUUID    `db:"user_id"`
	VehicleID             uuid.NullUUID    `db:"vehicle_id"`
	StartParkingID        uuid.NullUUID    `db:"start_parking_id"`
	EndParkingID          uuid.NullUUID    `db:"end_parking_id"`
	StartedAt             time.Time        `db:"started_at"`
	EndedAt               sql.NullTime     `db:"ended_at"`
	DurationMinutes       sql.NullInt32    `db:"duration_minutes"`
	Cost                  money.NullAmount `db:"cost"`
	DistanceKm            float64          `db:"distance_km"`
	LoyaltyPointsRedeemed int              `db:"loyalty_points_redeemed"`
	State                 State            `db:"state"`
	Settlement            Settlement       `db:"settlement"`
}

func (r Ride) OwnedBy(userID uuid.UUID) bool {
	return r.UserID.Valid && r.UserID.UUID == userID
}

// Active is a ride the battery ticker looks at, joined with its vehicle.
type Active struct {
	Ride
	VehicleType    vehicle.Type  `db:"vehicle_type"`
	VehicleBattery sql.NullInt16 `db:"vehicle_battery"`
}

// Receipt is the outcome of a settled ride.
type Receipt struct {
	Ride           Ride
	Charged        money.Amount
	Balance        money.Amount
	PointsRedeemed int
}

// ActiveRideError is returned by Start when the user already has a ride in progress.
type ActiveRideError struct {
	RideID uuid.UUID
}

func (e *ActiveRideError) Error() string {
	return fmt.Sprintf("ride %s already in progress", e.RideID)
}

func (e *ActiveRideError) Kind() fault.Kind {
	return fault.Conflict
}

// ActiveRideFromError returns the id of the ride that blocked a Start.
func ActiveRideFromError(err error) (uuid.UUID, bool) {
	var are *ActiveRideError
	if errors.As(err, &are) {
		return are.RideID, true
	}
	return uuid.UUID{}, false
}
