package parking

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/semanticallynull/ridecontrol/internal/fault"
)

var ErrNotFound = fault.New(fault.NotFound, "parking not found")

// Parking is a dock area where rides begin and end.
type Parking struct {
	ID       uuid.UUID
	Name     string
	Location pgtype.Point
	Capacity int
}
