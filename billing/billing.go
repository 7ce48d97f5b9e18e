// Package billing prices rides from their timestamps and the vehicle's tariff class.
// It performs no I/O.
package billing

import (
	"math"
	"time"

	"github.com/semanticallynull/ridecontrol/internal/fault"
	"github.com/semanticallynull/ridecontrol/internal/money"
	"github.com/semanticallynull/ridecontrol/vehicle"
)

// Tariff is the price list. Rides up to FlatMinutes cost FlatFee; every further started minute
// adds the vehicle type's per-minute rate.
type Tariff struct {
	FlatFee         money.Amount
	FlatMinutes     int
	PerMinute       map[vehicle.Type]money.Amount
	AverageSpeedKmh map[vehicle.Type]float64
}

func DefaultTariff() Tariff {
	return Tariff{
		FlatFee:     money.Cents(100),
		FlatMinutes: 30,
		PerMinute: map[vehicle.Type]money.Amount{
			vehicle.MuscularBike: money.Cents(15),
			vehicle.Scooter:      money.Cents(20),
			vehicle.ElectricBike: money.Cents(25),
		},
		AverageSpeedKmh: map[vehicle.Type]float64{
			vehicle.MuscularBike: 12,
			vehicle.Scooter:      15,
			vehicle.ElectricBike: 20,
		},
	}
}

type Engine struct {
	tariff Tariff
}

func New(t Tariff) *Engine {
	return &Engine{tariff: t}
}

type Quote struct {
	DurationMinutes int
	Cost            money.Amount
}

// Duration returns the number of started minutes between start and end, never negative.
func Duration(start, end time.Time) int {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}

func (e *Engine) Price(start, end time.Time, t vehicle.Type) (Quote, error) {
	rate, ok := e.tariff.PerMinute[t]
	if !ok {
		return Quote{}, fault.Validationf("no tariff for vehicle type %d", t)
	}

	minutes := Duration(start, end)
	cost := e.tariff.FlatFee
	if minutes > e.tariff.FlatMinutes {
		cost += rate.Mul(minutes - e.tariff.FlatMinutes)
	}
	return Quote{DurationMinutes: minutes, Cost: cost}, nil
}

// EstimateDistance returns the kilometres a vehicle of type t covers in the elapsed time
// at its average speed, rounded to metres.
func (e *Engine) EstimateDistance(start, end time.Time, t vehicle.Type) float64 {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	km := d.Hours() * e.tariff.AverageSpeedKmh[t]
	return math.Round(km*1000) / 1000
}
