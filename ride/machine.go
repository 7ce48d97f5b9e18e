package ride

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/semanticallynull/ridecontrol/account"
	"github.com/semanticallynull/ridecontrol/billing"
	"github.com/semanticallynull/ridecontrol/events"
	"github.com/semanticallynull/ridecontrol/internal/clock"
	"github.com/semanticallynull/ridecontrol/internal/money"
	"github.com/semanticallynull/ridecontrol/internal/o11y"
	"github.com/semanticallynull/ridecontrol/vehicle"
)

var tracer = otel.Tracer("ride")

type SettlementMode string

const (
	// SettleDeferred leaves a depleted ride's charge pending until Settle is called.
	SettleDeferred SettlementMode = "deferred"
	// SettleImmediate charges during the forced stop, falling back to pending if the guard refuses.
	SettleImmediate SettlementMode = "immediate"
	// SettleWaive closes depleted rides without charging.
	SettleWaive SettlementMode = "waive"
)

// Policy decides how rides stopped by battery depletion are paid for, and when loyalty points apply.
type Policy struct {
	Settlement               SettlementMode
	ApplyBalanceGuard        bool
	RedeemLoyaltyOnEnd       bool
	RedeemLoyaltyOnDepletion bool
}

func DefaultPolicy() Policy {
	return Policy{Settlement: SettleDeferred}
}

type Deps struct {
	Store   Store
	Billing *billing.Engine
	Guard   *account.Guard
	Events  *events.Emitter
	Clock   clock.Clock
	Policy  Policy
	Logger  *slog.Logger
	Metrics *o11y.Metrics
}

// Machine owns every ride state transition.
type Machine struct {
	store   Store
	billing *billing.Engine
	guard   *account.Guard
	events  *events.Emitter
	clock   clock.Clock
	policy  Policy
	logger  *slog.Logger
	metrics *o11y.Metrics
}

func NewMachine(d Deps) *Machine {
	return &Machine{
		store:   d.Store,
		billing: d.Billing,
		guard:   d.Guard,
		events:  d.Events,
		clock:   d.Clock,
		policy:  d.Policy,
		logger:  d.Logger,
		metrics: d.Metrics,
	}
}

func (m *Machine) Start(ctx context.Context, userID, vehicleID uuid.UUID) (Ride, error) {
	ctx, span := tracer.Start(ctx, "ride.Start", trace.WithAttributes(
		attribute.String("user.id", userID.String()),
		attribute.String("vehicle.id", vehicleID.String()),
	))
	defer span.End()

	var r Ride
	err := m.store.InTx(ctx, func(tx Tx) error {
		// The account lock serialises concurrent starts by the same user.
		acct, err := tx.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if acct.Balance <= 0 {
			return account.ErrInsufficientBalance
		}
		if acct.State != account.Active {
			return account.ErrSuspended
		}

		active, err := tx.GetActiveRideForUser(ctx, userID)
		switch {
		case err == nil:
			return &ActiveRideError{RideID: active.ID}
		case !errors.Is(err, ErrNotFound):
			return err
		}

		v, err := tx.GetVehicleForUpdate(ctx, vehicleID)
		if err != nil {
			return err
		}
		if !v.Rentable() {
			return vehicle.ErrNotAvailable
		}

		r = Ride{
			ID:             uuid.New(),
			UserID:         uuid.NullUUID{UUID: userID, Valid: true},
			VehicleID:      uuid.NullUUID{UUID: v.ID, Valid: true},
			StartParkingID: v.ParkingID,
			StartedAt:      m.clock.Now(),
			State:          InProgress,
			Settlement:     SettlementNone,
		}
		if err := tx.InsertRide(ctx, r); err != nil {
			return err
		}

		v.State = vehicle.InUse
		return tx.UpdateVehicle(ctx, v)
	})
	if err != nil {
		return Ride{}, err
	}

	m.metrics.RidesStarted.Inc()
	m.logger.Info("ride started", slog.String("ride_id", r.ID.String()), slog.String("vehicle_id", vehicleID.String()))
	m.events.LockCommand(ctx, events.LockCommand{
		VehicleID: vehicleID,
		RideID:    r.ID,
		Command:   events.Unlock,
		Timestamp: r.StartedAt,
	})
	return r, nil
}

func (m *Machine) End(ctx context.Context, rideID, userID, endParkingID uuid.UUID) (Receipt, error) {
	ctx, span := tracer.Start(ctx, "ride.End", trace.WithAttributes(attribute.String("ride.id", rideID.String())))
	defer span.End()

	var rec Receipt
	err := m.store.InTx(ctx, func(tx Tx) error {
		r, err := tx.GetRideForUpdate(ctx, rideID)
		if err != nil {
			return err
		}
		if !r.OwnedBy(userID) {
			return ErrNotOwner
		}
		if r.State != InProgress {
			return ErrInvalidState
		}

		p, err := tx.GetParking(ctx, endParkingID)
		if err != nil {
			return err
		}
		v, err := m.lockVehicle(ctx, tx, r)
		if err != nil {
			return err
		}

		now := m.clock.Now()
		q, err := m.billing.Price(r.StartedAt, now, v.Type)
		if err != nil {
			return err
		}

		posting, err := m.guard.Charge(ctx, tx, userID, q.Cost, account.Reference{
			Kind:         account.RideCharge,
			RideID:       uuid.NullUUID{UUID: r.ID, Valid: true},
			RedeemPoints: m.policy.RedeemLoyaltyOnEnd,
		})
		if err != nil {
			return err
		}

		r.EndedAt = sql.NullTime{Time: now, Valid: true}
		r.DurationMinutes = sql.NullInt32{Int32: int32(q.DurationMinutes), Valid: true}
		r.Cost = money.Some(q.Cost)
		r.DistanceKm = m.billing.EstimateDistance(r.StartedAt, now, v.Type)
		r.EndParkingID = uuid.NullUUID{UUID: p.ID, Valid: true}
		r.LoyaltyPointsRedeemed = posting.PointsRedeemed
		r.State = Completed
		r.Settlement = SettlementSettled
		if err := tx.UpdateRide(ctx, r); err != nil {
			return err
		}

		v.State = vehicle.Available
		v.ParkingID = r.EndParkingID
		if err := tx.UpdateVehicle(ctx, v); err != nil {
			return err
		}

		rec = Receipt{
			Ride:           r,
			Charged:        -posting.Transaction.Amount,
			Balance:        posting.Account.Balance,
			PointsRedeemed: posting.PointsRedeemed,
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}

	m.metrics.RidesFinished.WithLabelValues(string(Completed)).Inc()
	m.lock(ctx, rec.Ride)
	return rec, nil
}

func (m *Machine) Cancel(ctx context.Context, rideID, userID uuid.UUID) (Ride, error) {
	ctx, span := tracer.Start(ctx, "ride.Cancel", trace.WithAttributes(attribute.String("ride.id", rideID.String())))
	defer span.End()

	var r Ride
	err := m.store.InTx(ctx, func(tx Tx) error {
		var err error
		r, err = tx.GetRideForUpdate(ctx, rideID)
		if err != nil {
			return err
		}
		if !r.OwnedBy(userID) {
			return ErrNotOwner
		}
		if r.State != InProgress {
			return ErrInvalidState
		}

		v, err := m.lockVehicle(ctx, tx, r)
		if err != nil {
			return err
		}

		r.EndedAt = sql.NullTime{Time: m.clock.Now(), Valid: true}
		r.State = Cancelled
		if err := tx.UpdateRide(ctx, r); err != nil {
			return err
		}

		// The vehicle never left its start parking as far as bookkeeping is concerned.
		v.State = vehicle.Available
		return tx.UpdateVehicle(ctx, v)
	})
	if err != nil {
		return Ride{}, err
	}

	m.metrics.RidesFinished.WithLabelValues(string(Cancelled)).Inc()
	m.lock(ctx, r)
	return r, nil
}

// ForceStopOnBatteryDepletion stops a ride whose vehicle battery reached zero.
func (m *Machine) ForceStopOnBatteryDepletion(ctx context.Context, rideID uuid.UUID) (Ride, error) {
	var r Ride
	err := m.store.InTx(ctx, func(tx Tx) error {
		var err error
		r, err = m.ForceStopInTx(ctx, tx, rideID)
		return err
	})
	return r, err
}

// ForceStopInTx is ForceStopOnBatteryDepletion within a transaction the caller already holds,
// so a battery decrement and the stop it triggers commit together.
func (m *Machine) ForceStopInTx(ctx context.Context, tx Tx, rideID uuid.UUID) (Ride, error) {
	ctx, span := tracer.Start(ctx, "ride.ForceStop", trace.WithAttributes(attribute.String("ride.id", rideID.String())))
	defer span.End()

	r, err := tx.GetRideForUpdate(ctx, rideID)
	if err != nil {
		return Ride{}, err
	}
	if r.State != InProgress {
		return Ride{}, ErrInvalidState
	}

	v, err := m.lockVehicle(ctx, tx, r)
	if err != nil {
		return Ride{}, err
	}
	level, ok := v.BatteryLevel()
	if !ok {
		return Ride{}, fmt.Errorf("%w: vehicle %s has no battery", ErrInvalidState, v.ID)
	}
	if level != 0 {
		return Ride{}, fmt.Errorf("%w: battery at %d%%", ErrInvalidState, level)
	}

	now := m.clock.Now()
	q, err := m.billing.Price(r.StartedAt, now, v.Type)
	if err != nil {
		return Ride{}, err
	}

	r.EndedAt = sql.NullTime{Time: now, Valid: true}
	r.DurationMinutes = sql.NullInt32{Int32: int32(q.DurationMinutes), Valid: true}
	r.Cost = money.Some(q.Cost)
	r.DistanceKm = m.billing.EstimateDistance(r.StartedAt, now, v.Type)
	r.State = SuspendedBatteryDepleted
	r.Settlement = SettlementPending

	switch m.policy.Settlement {
	case SettleWaive:
		r.Settlement = SettlementSettled
	case SettleImmediate:
		_, err := m.settle(ctx, tx, &r)
		if errors.Is(err, account.ErrInsufficientBalance) {
			m.logger.Warn("depleted ride left pending, balance too low",
				slog.String("ride_id", r.ID.String()))
		} else if err != nil {
			return Ride{}, err
		}
	}

	if err := tx.UpdateRide(ctx, r); err != nil {
		return Ride{}, err
	}

	v.State = vehicle.NotCollectible
	if err := tx.UpdateVehicle(ctx, v); err != nil {
		return Ride{}, err
	}

	m.metrics.ForcedStops.Inc()
	m.metrics.RidesFinished.WithLabelValues(string(SuspendedBatteryDepleted)).Inc()
	m.logger.Info("ride stopped on battery depletion",
		slog.String("ride_id", r.ID.String()),
		slog.String("cost", q.Cost.String()),
		slog.String("settlement", string(r.Settlement)),
	)
	return r, nil
}

// Settle charges the rider for a ride stopped on battery depletion whose payment is pending.
func (m *Machine) Settle(ctx context.Context, rideID uuid.UUID) (Receipt, error) {
	ctx, span := tracer.Start(ctx, "ride.Settle", trace.WithAttributes(attribute.String("ride.id", rideID.String())))
	defer span.End()

	var rec Receipt
	err := m.store.InTx(ctx, func(tx Tx) error {
		r, err := tx.GetRideForUpdate(ctx, rideID)
		if err != nil {
			return err
		}
		if r.State != SuspendedBatteryDepleted || r.Settlement != SettlementPending {
			return ErrNotPending
		}

		rec, err = m.settle(ctx, tx, &r)
		if err != nil {
			return err
		}
		return tx.UpdateRide(ctx, r)
	})
	return rec, err
}

func (m *Machine) settle(ctx context.Context, tx Tx, r *Ride) (Receipt, error) {
	if !r.UserID.Valid {
		return Receipt{}, account.ErrNotFound
	}

	ref := account.Reference{
		Kind:         account.DepletionSettlement,
		RideID:       uuid.NullUUID{UUID: r.ID, Valid: true},
		RedeemPoints: m.policy.RedeemLoyaltyOnDepletion,
	}
	charge := m.guard.Debit
	if m.policy.ApplyBalanceGuard {
		charge = m.guard.Charge
	}
	posting, err := charge(ctx, tx, r.UserID.UUID, r.Cost.Amount, ref)
	if err != nil {
		return Receipt{}, err
	}

	r.Settlement = SettlementSettled
	r.LoyaltyPointsRedeemed = posting.PointsRedeemed
	return Receipt{
		Ride:           *r,
		Charged:        -posting.Transaction.Amount,
		Balance:        posting.Account.Balance,
		PointsRedeemed: posting.PointsRedeemed,
	}, nil
}

func (m *Machine) GetActiveRide(ctx context.Context, userID uuid.UUID) (Ride, error) {
	return m.store.GetActiveRide(ctx, userID)
}

// GetRide returns one of userID's rides.
func (m *Machine) GetRide(ctx context.Context, rideID, userID uuid.UUID) (Ride, error) {
	r, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		return Ride{}, err
	}
	if !r.OwnedBy(userID) {
		return Ride{}, ErrNotOwner
	}
	return r, nil
}

func (m *Machine) lockVehicle(ctx context.Context, tx Tx, r Ride) (vehicle.Vehicle, error) {
	if !r.VehicleID.Valid {
		return vehicle.Vehicle{}, vehicle.ErrNotFound
	}
	return tx.GetVehicleForUpdate(ctx, r.VehicleID.UUID)
}

func (m *Machine) lock(ctx context.Context, r Ride) {
	if !r.VehicleID.Valid {
		return
	}
	m.events.LockCommand(ctx, events.LockCommand{
		VehicleID: r.VehicleID.UUID,
		RideID:    r.ID,
		Command:   events.Lock,
		Timestamp: r.EndedAt.Time,
	})
}
