// Package battery simulates battery drain for vehicles out on a ride. Every tick takes one
// percentage point off each active ride's vehicle, warns the rider as the charge runs low, and
// stops the ride when it reaches zero.
package battery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/semanticallynull/ridecontrol/events"
	"github.com/semanticallynull/ridecontrol/internal/clock"
	"github.com/semanticallynull/ridecontrol/internal/o11y"
	"github.com/semanticallynull/ridecontrol/ride"
)

var tracer = otel.Tracer("battery")

// Lease grants the right to run a tick to a single replica.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Config struct {
	Interval time.Duration
	// Workers bounds how many rides are processed at once within a tick.
	Workers int
	// Low and Critical are exclusive upper bounds of the low and critical alert bands.
	Low      int
	Critical int
	LeaseKey string
}

func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		Workers:  8,
		Low:      20,
		Critical: 10,
		LeaseKey: "ridecontrol:battery-tick",
	}
}

type Decrementer struct {
	store   ride.Store
	machine *ride.Machine
	events  *events.Emitter
	lease   Lease
	clock   clock.Clock
	cfg     Config
	logger  *slog.Logger
	metrics *o11y.Metrics
}

// New builds a Decrementer. lease may be nil when only one replica runs.
func New(store ride.Store, machine *ride.Machine, emitter *events.Emitter, lease Lease, clk clock.Clock, cfg Config, logger *slog.Logger, metrics *o11y.Metrics) *Decrementer {
	return &Decrementer{
		store:   store,
		machine: machine,
		events:  emitter,
		lease:   lease,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Run ticks until ctx is cancelled. A tick in flight when ctx is cancelled runs to completion.
// Run returns an error only when the set of active rides cannot be loaded.
func (d *Decrementer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("battery ticker started", slog.Duration("interval", d.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("battery ticker stopped")
			return nil
		case <-ticker.C:
			if _, err := d.Tick(context.WithoutCancel(ctx)); err != nil {
				return err
			}
		}
	}
}

// Report summarises one tick.
type Report struct {
	Decremented int
	Skipped     int
	Failed      int
	Stopped     int
}

func (d *Decrementer) Tick(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "battery.Tick")
	defer span.End()

	if d.lease != nil {
		ok, err := d.lease.Acquire(ctx, d.cfg.LeaseKey, d.cfg.Interval/2)
		if err != nil {
			d.logger.Error("failed to acquire tick lease, skipping tick", slog.Any("error", err))
			return Report{}, nil
		}
		if !ok {
			d.logger.Debug("tick owned by another replica")
			return Report{}, nil
		}
	}

	rides, err := d.store.ListActive(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load active rides: %w", err)
	}
	d.metrics.BatteryTicks.Inc()

	var decremented, skipped, failed, stopped atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(max(d.cfg.Workers, 1))
	for _, r := range rides {
		if r.State != ride.InProgress || !r.VehicleType.HasBattery() || !r.VehicleBattery.Valid {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			out, err := d.drain(ctx, r.ID)
			switch {
			case err != nil:
				failed.Add(1)
				d.metrics.TickRideFailures.Inc()
				d.logger.Error("failed to drain battery", slog.String("ride_id", r.ID.String()), slog.Any("error", err))
			case out.skipped:
				skipped.Add(1)
			default:
				decremented.Add(1)
				if out.stopped {
					stopped.Add(1)
				}
				d.notify(ctx, out)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{
		Decremented: int(decremented.Load()),
		Skipped:     int(skipped.Load()),
		Failed:      int(failed.Load()),
		Stopped:     int(stopped.Load()),
	}
	span.SetAttributes(
		attribute.Int("rides.decremented", rep.Decremented),
		attribute.Int("rides.failed", rep.Failed),
		attribute.Int("rides.stopped", rep.Stopped),
	)
	return rep, nil
}

type outcome struct {
	ride      ride.Ride
	vehicleID uuid.UUID
	level     int
	skipped   bool
	stopped   bool
}

var errNoVehicle = errors.New("ride has no vehicle")

// drain decrements one ride's battery and, at zero, stops the ride in the same transaction.
// The ride row lock makes this atomic with respect to End and Cancel on the same ride.
func (d *Decrementer) drain(ctx context.Context, rideID uuid.UUID) (outcome, error) {
	var out outcome
	err := d.store.InTx(ctx, func(tx ride.Tx) error {
		out = outcome{}
		r, err := tx.GetRideForUpdate(ctx, rideID)
		if err != nil {
			return err
		}
		// The ride may have ended between listing and locking.
		if r.State != ride.InProgress {
			out.skipped = true
			return nil
		}
		if !r.VehicleID.Valid {
			return errNoVehicle
		}

		v, err := tx.GetVehicleForUpdate(ctx, r.VehicleID.UUID)
		if err != nil {
			return err
		}
		level, ok := v.BatteryLevel()
		if !ok {
			out.skipped = true
			return nil
		}

		level = max(level-1, 0)
		v.SetBattery(level)
		if err := tx.UpdateVehicle(ctx, v); err != nil {
			return err
		}
		out = outcome{ride: r, vehicleID: v.ID, level: level}

		if level == 0 {
			stopped, err := d.machine.ForceStopInTx(ctx, tx, r.ID)
			if err != nil {
				return fmt.Errorf("force stop: %w", err)
			}
			out.ride = stopped
			out.stopped = true
		}
		return nil
	})
	return out, err
}

func (d *Decrementer) notify(ctx context.Context, out outcome) {
	ts := d.clock.Now()
	d.events.Telemetry(ctx, events.Telemetry{VehicleID: out.vehicleID, Level: out.level, Timestamp: ts})

	kind, ok := d.alertKind(out.level)
	if !ok {
		return
	}
	d.events.Alert(ctx, events.Alert{
		Kind:      kind,
		VehicleID: out.vehicleID,
		RideID:    out.ride.ID,
		UserID:    out.ride.UserID.UUID,
		Level:     out.level,
		Timestamp: ts,
	})
}

func (d *Decrementer) alertKind(level int) (events.AlertKind, bool) {
	switch {
	case level == 0:
		return events.AlertDepleted, true
	case level < d.cfg.Critical:
		return events.AlertCritical, true
	case level < d.cfg.Low:
		return events.AlertLow, true
	}
	return "", false
}
