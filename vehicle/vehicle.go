// Package vehicle
package vehicle

import (
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/semanticallynull/ridecontrol/internal/fault"
)

var (
	ErrNotFound     = fault.New(fault.NotFound, "vehicle not found")
	ErrNotAvailable = fault.New(fault.VehicleUnavailable, "vehicle not available")
)

type Type int

const (
	Scooter Type = iota
	MuscularBike
	ElectricBike
)

var Types = []Type{Scooter, MuscularBike, ElectricBike}

func (t Type) String() string {
	return [...]string{"scooter", "muscular_bike", "electric_bike"}[t]
}

// HasBattery reports whether vehicles of this type carry a battery.
func (t Type) HasBattery() bool {
	return t != MuscularBike
}

func ParseType(s string) (Type, error) {
	switch s {
	case "scooter":
		return Scooter, nil
	case "muscular_bike":
		return MuscularBike, nil
	case "electric_bike":
		return ElectricBike, nil
	}
	return 0, fault.Validationf("unknown vehicle type %q", s)
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Type) Scan(i any) error {
	var s string
	switch v := i.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into vehicle type", i)
	}
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Type) Value() (driver.Value, error) {
	return t.String(), nil
}

type State string

const (
	Available      State = "available"
	InUse          State = "in_use"
	Maintenance    State = "maintenance"
	NotCollectible State = "not_collectible"
)

// Vehicle is a rentable scooter or bike.
type Vehicle struct {
	ID uuid.UUID
	// Label is the code printed on the vehicle (e.g. "SC-0042").
	Label string
	Type  Type
	// Battery is a percentage from 0 to 100. It is NULL for vehicles without a battery,
	// which is not the same as an empty battery.
	Battery   sql.NullInt16
	State     State
	ParkingID uuid.NullUUID `db:"parking_id"`
}

// BatteryLevel returns the charge percentage and whether the vehicle has a battery at all.
func (v Vehicle) BatteryLevel() (int, bool) {
	if !v.Type.HasBattery() || !v.Battery.Valid {
		return 0, false
	}
	return int(v.Battery.Int16), true
}

func (v *Vehicle) SetBattery(level int) {
	v.Battery = sql.NullInt16{Int16: int16(level), Valid: true}
}

// Rentable reports whether a ride may start on the vehicle.
func (v Vehicle) Rentable() bool {
	if v.State != Available {
		return false
	}
	if level, ok := v.BatteryLevel(); ok && level == 0 {
		return false
	}
	return true
}
