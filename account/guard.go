package account

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/semanticallynull/ridecontrol/internal/clock"
	"github.com/semanticallynull/ridecontrol/internal/fault"
	"github.com/semanticallynull/ridecontrol/internal/money"
)

var tracer = otel.Tracer("account")

// Store is the transaction-scoped storage the guard mutates. GetAccountForUpdate must
// hold the account row lock until the surrounding transaction ends.
type Store interface {
	GetAccountForUpdate(ctx context.Context, id uuid.UUID) (Account, error)
	UpdateAccount(ctx context.Context, a Account) error
	InsertTransaction(ctx context.Context, t Transaction) error
}

type TxRunner interface {
	InAccountTx(ctx context.Context, fn func(Store) error) error
}

type Policy struct {
	RechargeMin money.Amount
	RechargeMax money.Amount
	// PointValue is what one loyalty point is worth when redeemed. Zero disables redemption.
	PointValue money.Amount
}

func DefaultPolicy() Policy {
	return Policy{
		RechargeMin: money.Cents(100),
		RechargeMax: money.Cents(50000),
	}
}

// Guard enforces the balance and suspension rules of an account.
type Guard struct {
	tx     TxRunner
	clock  clock.Clock
	policy Policy
	logger *slog.Logger
}

func NewGuard(tx TxRunner, clk clock.Clock, policy Policy, logger *slog.Logger) *Guard {
	return &Guard{
		tx:     tx,
		clock:  clk,
		policy: policy,
		logger: logger,
	}
}

// Reference describes what a debit pays for.
type Reference struct {
	Kind         TransactionKind
	RideID       uuid.NullUUID
	RedeemPoints bool
}

type Posting struct {
	Account        Account
	Transaction    Transaction
	PointsRedeemed int
}

// Charge debits amount inside the caller's transaction. It fails with ErrInsufficientBalance,
// writing nothing, when the balance cannot cover the amount.
func (g *Guard) Charge(ctx context.Context, s Store, accountID uuid.UUID, amount money.Amount, ref Reference) (Posting, error) {
	return g.debit(ctx, s, accountID, amount, ref, true)
}

// Debit is Charge without the balance check. The balance may go negative, which suspends the account.
func (g *Guard) Debit(ctx context.Context, s Store, accountID uuid.UUID, amount money.Amount, ref Reference) (Posting, error) {
	return g.debit(ctx, s, accountID, amount, ref, false)
}

func (g *Guard) debit(ctx context.Context, s Store, accountID uuid.UUID, amount money.Amount, ref Reference, guarded bool) (Posting, error) {
	ctx, span := tracer.Start(ctx, "account.Charge")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID.String()), attribute.Bool("guarded", guarded))

	if amount < 0 {
		return Posting{}, fault.Validationf("cannot charge a negative amount %s", amount)
	}

	a, err := s.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return Posting{}, err
	}

	points, net := 0, amount
	if ref.RedeemPoints {
		points, net = g.redeem(a, amount)
	}
	if guarded && a.Balance < net {
		return Posting{}, ErrInsufficientBalance
	}

	before := a.Balance
	a.Balance -= net
	a.LoyaltyPoints -= points
	if a.Balance < 0 {
		g.suspend(&a)
	}
	if err := s.UpdateAccount(ctx, a); err != nil {
		return Posting{}, err
	}

	t := Transaction{
		ID:            uuid.New(),
		AccountID:     a.ID,
		RideID:        ref.RideID,
		Kind:          ref.Kind,
		Amount:        -net,
		BalanceBefore: before,
		BalanceAfter:  a.Balance,
		CreatedAt:     g.clock.Now(),
	}
	if err := s.InsertTransaction(ctx, t); err != nil {
		return Posting{}, err
	}

	return Posting{Account: a, Transaction: t, PointsRedeemed: points}, nil
}

func (g *Guard) redeem(a Account, cost money.Amount) (int, money.Amount) {
	if g.policy.PointValue <= 0 || a.LoyaltyPoints <= 0 || cost <= 0 {
		return 0, cost
	}
	points := int(cost / g.policy.PointValue)
	if points > a.LoyaltyPoints {
		points = a.LoyaltyPoints
	}
	return points, cost - g.policy.PointValue.Mul(points)
}

// suspend is a no-op for accounts that are already suspended, so the counter counts suspensions
// rather than charges.
func (g *Guard) suspend(a *Account) {
	if a.State == Suspended {
		return
	}
	a.State = Suspended
	a.SuspendedAt = sql.NullTime{Time: g.clock.Now(), Valid: true}
	a.SuspensionCount++
	g.logger.Info("account suspended",
		slog.String("account_id", a.ID.String()),
		slog.String("balance", a.Balance.String()),
		slog.Int("suspension_count", a.SuspensionCount),
	)
}

// Recharge credits the account. A suspended account moves to pending_reactivation, never straight to active.
func (g *Guard) Recharge(ctx context.Context, accountID uuid.UUID, amount money.Amount) (Posting, error) {
	ctx, span := tracer.Start(ctx, "account.Recharge")
	defer span.End()

	if amount < g.policy.RechargeMin || amount > g.policy.RechargeMax {
		return Posting{}, fault.Validationf("recharge amount must be between %s and %s", g.policy.RechargeMin, g.policy.RechargeMax)
	}

	var p Posting
	err := g.tx.InAccountTx(ctx, func(s Store) error {
		a, err := s.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}

		before := a.Balance
		a.Balance += amount
		if a.State == Suspended {
			a.State = PendingReactivation
		}
		if err := s.UpdateAccount(ctx, a); err != nil {
			return err
		}

		t := Transaction{
			ID:            uuid.New(),
			AccountID:     a.ID,
			Kind:          Recharge,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  a.Balance,
			CreatedAt:     g.clock.Now(),
		}
		if err := s.InsertTransaction(ctx, t); err != nil {
			return err
		}
		p = Posting{Account: a, Transaction: t}
		return nil
	})
	return p, err
}

func (g *Guard) RequestReactivation(ctx context.Context, accountID uuid.UUID) (Account, error) {
	ctx, span := tracer.Start(ctx, "account.RequestReactivation")
	defer span.End()

	var a Account
	err := g.tx.InAccountTx(ctx, func(s Store) error {
		var err error
		a, err = s.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if a.State != Suspended && a.State != PendingReactivation {
			return ErrNotSuspended
		}
		if a.Balance < 0 {
			return ErrOutstandingDebt
		}
		a.State = PendingReactivation
		return s.UpdateAccount(ctx, a)
	})
	return a, err
}

func (g *Guard) ApproveReactivation(ctx context.Context, admin Actor, accountID uuid.UUID) (Account, error) {
	ctx, span := tracer.Start(ctx, "account.ApproveReactivation")
	defer span.End()

	if !admin.Admin {
		return Account{}, ErrNotAdmin
	}

	var a Account
	err := g.tx.InAccountTx(ctx, func(s Store) error {
		var err error
		a, err = s.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if a.State != PendingReactivation {
			return ErrNotPendingReactivation
		}
		a.State = Active
		return s.UpdateAccount(ctx, a)
	})
	if err == nil {
		g.logger.Info("account reactivated",
			slog.String("account_id", accountID.String()),
			slog.String("approved_by", admin.AccountID.String()),
		)
	}
	return a, err
}
