package account

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/semanticallynull/ridecontrol/internal/fault"
	"github.com/semanticallynull/ridecontrol/internal/money"
)

var (
	ErrNotFound               = fault.New(fault.NotFound, "account not found")
	ErrInsufficientBalance    = fault.New(fault.InsufficientBalance, "insufficient balance")
	ErrOutstandingDebt        = fault.New(fault.OutstandingDebt, "account has outstanding debt")
	ErrSuspended              = fault.New(fault.Authorization, "account is suspended")
	ErrNotAdmin               = fault.New(fault.Authorization, "administrator capability required")
	ErrNotSuspended           = fault.New(fault.Conflict, "account is not suspended")
	ErrNotPendingReactivation = fault.New(fault.Conflict, "account has no pending reactivation")
)

type State string

const (
	Active              State = "active"
	Suspended           State = "suspended"
	PendingReactivation State = "pending_reactivation"
)

type Account struct {
	ID              uuid.UUID
	Auth0ID         string       `db:"auth0_id"`
	Balance         money.Amount `db:"balance"`
	State           State        `db:"state"`
	SuspensionCount int          `db:"suspension_count"`
	SuspendedAt     sql.NullTime `db:"suspended_at"`
	LoyaltyPoints   int          `db:"loyalty_points"`
	CreatedAt       time.Time    `db:"created_at"`
}

type TransactionKind string

const (
	RideCharge          TransactionKind = "ride_charge"
	Recharge            TransactionKind = "recharge"
	DepletionSettlement TransactionKind = "depletion_settlement"
)

// Transaction is one ledger line. Amount is negative for debits.
type Transaction struct {
	ID            uuid.UUID
	AccountID     uuid.UUID       `db:"account_id"`
	RideID        uuid.NullUUID   `db:"ride_id"`
	Kind          TransactionKind `db:"kind"`
	Amount        money.Amount    `db:"amount"`
	BalanceBefore money.Amount    `db:"balance_before"`
	BalanceAfter  money.Amount    `db:"balance_after"`
	CreatedAt     time.Time       `db:"created_at"`
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	AccountID uuid.UUID
	Admin     bool
}
