package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{
		db: db,
	}
}

const accountColumns = `id, auth0_id, balance, state, suspension_count, suspended_at, loyalty_points, created_at`

func (r *Repository) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	return r.get(ctx, getAccount, id)
}

const getAccount = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

func (r *Repository) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (Account, error) {
	return r.get(ctx, getAccountForUpdate, id)
}

const getAccountForUpdate = getAccount + ` FOR UPDATE`

func (r *Repository) GetAccountByAuth0ID(ctx context.Context, auth0ID string) (Account, error) {
	return r.get(ctx, getAccountByAuth0ID, auth0ID)
}

const getAccountByAuth0ID = `SELECT ` + accountColumns + ` FROM accounts WHERE auth0_id = $1`

func (r *Repository) get(ctx context.Context, q string, arg any) (Account, error) {
	var a Account
	err := sqlx.GetContext(ctx, r.db, &a, q, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// CreateAccount inserts a for its Auth0 subject, or returns the account that subject already has.
func (r *Repository) CreateAccount(ctx context.Context, a Account) (Account, error) {
	var out Account
	err := sqlx.GetContext(ctx, r.db, &out, createAccount, a.ID, a.Auth0ID, a.Balance, a.State, a.CreatedAt)
	if err != nil {
		return out, fmt.Errorf("create account: %w", err)
	}
	return out, nil
}

const createAccount = `
INSERT INTO accounts (id, auth0_id, balance, state, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (auth0_id) DO UPDATE SET auth0_id = EXCLUDED.auth0_id
RETURNING ` + accountColumns

func (r *Repository) UpdateAccount(ctx context.Context, a Account) error {
	_, err := r.db.ExecContext(ctx, updateAccount, a.ID, a.Balance, a.State, a.SuspensionCount, a.SuspendedAt, a.LoyaltyPoints)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.ID, err)
	}
	return nil
}

const updateAccount = `
UPDATE accounts
SET balance = $2, state = $3, suspension_count = $4, suspended_at = $5, loyalty_points = $6
WHERE id = $1
`

func (r *Repository) InsertTransaction(ctx context.Context, t Transaction) error {
	_, err := r.db.ExecContext(ctx, insertTransaction,
		t.ID, t.AccountID, t.RideID, t.Kind, t.Amount, t.BalanceBefore, t.BalanceAfter, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

const insertTransaction = `
INSERT INTO transactions (id, account_id, ride_id, kind, amount, balance_before, balance_after, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

func (r *Repository) ListTransactions(ctx context.Context, accountID uuid.UUID) ([]Transaction, error) {
	var ts []Transaction
	if err := sqlx.SelectContext(ctx, r.db, &ts, listTransactions, accountID); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return ts, nil
}

const listTransactions = `
SELECT id, account_id, ride_id, kind, amount, balance_before, balance_after, created_at
FROM transactions WHERE account_id = $1 ORDER BY created_at DESC
`

// SQLStore runs guard operations in their own Postgres transaction.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) InAccountTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(NewRepository(tx)); err != nil {
		return err
	}
	return tx.Commit()
}
