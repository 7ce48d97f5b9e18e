// Package events defines the publish/subscribe contract used to send lock commands and
// battery notifications, and the payloads carried on each topic.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Publisher sends a payload to a topic. Delivery is best-effort; callers treat errors as advisory.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

const (
	TopicLockCommand      = "vehicle-lock-command"
	TopicBatteryTelemetry = "battery-telemetry"
	TopicBatteryAlert     = "battery-alert"
)

type Topics struct {
	LockCommand      string `json:"lock_command"`
	BatteryTelemetry string `json:"battery_telemetry"`
	BatteryAlert     string `json:"battery_alert"`
}

func DefaultTopics() Topics {
	return Topics{
		LockCommand:      TopicLockCommand,
		BatteryTelemetry: TopicBatteryTelemetry,
		BatteryAlert:     TopicBatteryAlert,
	}
}

type Command string

const (
	Unlock Command = "unlock"
	Lock   Command = "lock"
)

type LockCommand struct {
	VehicleID uuid.UUID `json:"vehicleId"`
	RideID    uuid.UUID `json:"rideId"`
	Command   Command   `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

type Telemetry struct {
	VehicleID uuid.UUID `json:"vehicleId"`
	Level     int       `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

type AlertKind string

const (
	AlertLow      AlertKind = "low"
	AlertCritical AlertKind = "critical"
	AlertDepleted AlertKind = "depleted"
)

// Alert is addressed to the rider of the vehicle.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	VehicleID uuid.UUID `json:"vehicleId"`
	RideID    uuid.UUID `json:"rideId"`
	UserID    uuid.UUID `json:"userId"`
	Level     int       `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// Multi fans a publish out to every publisher concurrently and joins their errors.
// A stalled publisher does not eat into the others' deadline.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, topic string, payload []byte) error {
	errs := make([]error, len(m))
	var g errgroup.Group
	for i, p := range m {
		g.Go(func() error {
			errs[i] = p.Publish(ctx, topic, payload)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error {
	return nil
}
