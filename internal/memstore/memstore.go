// Package memstore is an in-memory implementation of the ride and account stores.
// Transactions are serialised by a single mutex and buffer their writes until commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/semanticallynull/ridecontrol/account"
	"github.com/semanticallynull/ridecontrol/parking"
	"github.com/semanticallynull/ridecontrol/ride"
	"github.com/semanticallynull/ridecontrol/vehicle"
)

type Store struct {
	mu           sync.Mutex
	rides        map[uuid.UUID]ride.Ride
	vehicles     map[uuid.UUID]vehicle.Vehicle
	parkings     map[uuid.UUID]parking.Parking
	accounts     map[uuid.UUID]account.Account
	transactions []account.Transaction
}

func New() *Store {
	return &Store{
		rides:    make(map[uuid.UUID]ride.Ride),
		vehicles: make(map[uuid.UUID]vehicle.Vehicle),
		parkings: make(map[uuid.UUID]parking.Parking),
		accounts: make(map[uuid.UUID]account.Account),
	}
}

func (s *Store) PutAccount(a account.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

func (s *Store) PutVehicle(v vehicle.Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles[v.ID] = v
}

func (s *Store) PutParking(p parking.Parking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parkings[p.ID] = p
}

func (s *Store) PutRide(r ride.Ride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rides[r.ID] = r
}

func (s *Store) DeleteVehicle(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vehicles, id)
}

func (s *Store) Account(id uuid.UUID) account.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}

func (s *Store) Vehicle(id uuid.UUID) vehicle.Vehicle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vehicles[id]
}

func (s *Store) Ride(id uuid.UUID) ride.Ride {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rides[id]
}

// Transactions returns the ledger of an account in insertion order.
func (s *Store) Transactions(accountID uuid.UUID) []account.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []account.Transaction
	for _, t := range s.transactions {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) GetAccount(_ context.Context, id uuid.UUID) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return a, nil
}

func (s *Store) GetAccountByAuth0ID(_ context.Context, auth0ID string) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Auth0ID == auth0ID {
			return a, nil
		}
	}
	return account.Account{}, account.ErrNotFound
}

// CreateAccount returns the existing account when the Auth0 subject is already known.
func (s *Store) CreateAccount(_ context.Context, a account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.Auth0ID == a.Auth0ID {
			return existing, nil
		}
	}
	s.accounts[a.ID] = a
	return a, nil
}

// ListTransactions returns the ledger of an account, newest first.
func (s *Store) ListTransactions(_ context.Context, accountID uuid.UUID) ([]account.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []account.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].AccountID == accountID {
			out = append(out, s.transactions[i])
		}
	}
	return out, nil
}

func (s *Store) InTx(ctx context.Context, fn func(ride.Tx) error) error {
	return s.run(ctx, func(t *tx) error { return fn(t) })
}

func (s *Store) InAccountTx(ctx context.Context, fn func(account.Store) error) error {
	return s.run(ctx, func(t *tx) error { return fn(t) })
}

func (s *Store) run(ctx context.Context, fn func(*tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		s:        s,
		rides:    make(map[uuid.UUID]ride.Ride),
		vehicles: make(map[uuid.UUID]vehicle.Vehicle),
		accounts: make(map[uuid.UUID]account.Account),
	}
	if err := fn(t); err != nil {
		return err
	}
	t.commit()
	return nil
}

func (s *Store) GetRide(_ context.Context, id uuid.UUID) (ride.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return ride.Ride{}, ride.ErrNotFound
	}
	return r, nil
}

func (s *Store) GetActiveRide(_ context.Context, userID uuid.UUID) (ride.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRide(userID, nil)
}

func (s *Store) activeRide(userID uuid.UUID, staged map[uuid.UUID]ride.Ride) (ride.Ride, error) {
	for _, r := range staged {
		if r.OwnedBy(userID) && r.State == ride.InProgress {
			return r, nil
		}
	}
	for id, r := range s.rides {
		if _, ok := staged[id]; ok {
			continue
		}
		if r.OwnedBy(userID) && r.State == ride.InProgress {
			return r, nil
		}
	}
	return ride.Ride{}, ride.ErrNotFound
}

func (s *Store) ListActive(_ context.Context) ([]ride.Active, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ride.Active
	for _, r := range s.rides {
		if r.State != ride.InProgress && r.State != ride.SuspendedBatteryDepleted {
			continue
		}
		v, ok := s.vehicles[r.VehicleID.UUID]
		if !r.VehicleID.Valid || !ok {
			continue
		}
		out = append(out, ride.Active{Ride: r, VehicleType: v.Type, VehicleBattery: v.Battery})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

type tx struct {
	s            *Store
	rides        map[uuid.UUID]ride.Ride
	vehicles     map[uuid.UUID]vehicle.Vehicle
	accounts     map[uuid.UUID]account.Account
	transactions []account.Transaction
}

func (t *tx) commit() {
	for id, r := range t.rides {
		t.s.rides[id] = r
	}
	for id, v := range t.vehicles {
		t.s.vehicles[id] = v
	}
	for id, a := range t.accounts {
		t.s.accounts[id] = a
	}
	t.s.transactions = append(t.s.transactions, t.transactions...)
}

func (t *tx) GetAccountForUpdate(_ context.Context, id uuid.UUID) (account.Account, error) {
	if a, ok := t.accounts[id]; ok {
		return a, nil
	}
	a, ok := t.s.accounts[id]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return a, nil
}

func (t *tx) UpdateAccount(_ context.Context, a account.Account) error {
	if _, err := t.GetAccountForUpdate(context.Background(), a.ID); err != nil {
		return err
	}
	t.accounts[a.ID] = a
	return nil
}

func (t *tx) InsertTransaction(_ context.Context, tr account.Transaction) error {
	t.transactions = append(t.transactions, tr)
	return nil
}

func (t *tx) GetVehicleForUpdate(_ context.Context, id uuid.UUID) (vehicle.Vehicle, error) {
	if v, ok := t.vehicles[id]; ok {
		return v, nil
	}
	v, ok := t.s.vehicles[id]
	if !ok {
		return vehicle.Vehicle{}, vehicle.ErrNotFound
	}
	return v, nil
}

func (t *tx) UpdateVehicle(_ context.Context, v vehicle.Vehicle) error {
	if _, err := t.GetVehicleForUpdate(context.Background(), v.ID); err != nil {
		return err
	}
	t.vehicles[v.ID] = v
	return nil
}

func (t *tx) GetParking(_ context.Context, id uuid.UUID) (parking.Parking, error) {
	p, ok := t.s.parkings[id]
	if !ok {
		return parking.Parking{}, parking.ErrNotFound
	}
	return p, nil
}

func (t *tx) GetRideForUpdate(_ context.Context, id uuid.UUID) (ride.Ride, error) {
	if r, ok := t.rides[id]; ok {
		return r, nil
	}
	r, ok := t.s.rides[id]
	if !ok {
		return ride.Ride{}, ride.ErrNotFound
	}
	return r, nil
}

func (t *tx) GetActiveRideForUser(_ context.Context, userID uuid.UUID) (ride.Ride, error) {
	return t.s.activeRide(userID, t.rides)
}

// InsertRide rejects a second in-progress ride for a user, as the partial unique index does in Postgres.
func (t *tx) InsertRide(ctx context.Context, r ride.Ride) error {
	if _, ok := t.s.rides[r.ID]; ok {
		return fmt.Errorf("ride %s already exists", r.ID)
	}
	if r.State == ride.InProgress && r.UserID.Valid {
		if _, err := t.GetActiveRideForUser(ctx, r.UserID.UUID); err == nil {
			return fmt.Errorf("user %s already has a ride in progress", r.UserID.UUID)
		}
	}
	t.rides[r.ID] = r
	return nil
}

func (t *tx) UpdateRide(ctx context.Context, r ride.Ride) error {
	if _, err := t.GetRideForUpdate(ctx, r.ID); err != nil {
		return err
	}
	t.rides[r.ID] = r
	return nil
}
