package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrKeyNotFound is returned when a ledger row does not exist
	ErrKeyNotFound = errors.New("api key not found")
	// ErrKeyExists is returned when inserting a hashed key that already exists
	ErrKeyExists = errors.New("api key already exists")
	// ErrInsufficientBalance is returned when a guarded update finds too few
	// spendable msats; also covers concurrent depletion (rowcount = 0)
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// KeyRepository handles all database operations for the balance ledger.
//
// Every mutation is a single conditional UPDATE (or INSERT/DELETE) whose
// RowsAffected is inspected, so concurrent requests on the same key are
// serialized by the database rather than by application locks.
type KeyRepository struct {
	db *pgxpool.Pool
}

// NewKeyRepository creates a new key repository instance
func NewKeyRepository(db *DB) *KeyRepository {
	return &KeyRepository{
		db: db.pool,
	}
}

const keyColumns = `hashed_key, balance, reserved_balance, total_spent, total_requests,
	refund_address, refund_unit, refund_mint, key_expiry_time, created_at`

func scanKey(row pgx.Row) (*Key, error) {
	var k Key
	var refundUnit string
	err := row.Scan(
		&k.HashedKey,
		&k.Balance,
		&k.ReservedBalance,
		&k.TotalSpent,
		&k.TotalRequests,
		&k.RefundAddress,
		&refundUnit,
		&k.RefundMint,
		&k.KeyExpiryTime,
		&k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to scan key row: %w", err)
	}
	k.RefundUnit = ParseUnit(refundUnit)
	return &k, nil
}

// Create inserts a new ledger row with zero balances.
// Returns ErrKeyExists if the hashed key already exists.
func (r *KeyRepository) Create(ctx context.Context, key *Key) error {
	query := `INSERT INTO api_keys (
		hashed_key,
		balance,
		reserved_balance,
		total_spent,
		total_requests,
		refund_address,
		refund_unit,
		refund_mint,
		key_expiry_time,
		created_at
		)
		VALUES ($1, 0, 0, 0, 0, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(
		ctx,
		query,
		key.HashedKey,
		key.RefundAddress,
		key.RefundUnit.String(),
		key.RefundMint,
		key.KeyExpiryTime,
		key.CreatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrKeyExists
		}
		return fmt.Errorf("failed to create api key: %w", err)
	}

	return nil
}

// Get retrieves a ledger row by hashed key.
// Returns ErrKeyNotFound if the key does not exist.
func (r *KeyRepository) Get(ctx context.Context, hashedKey string) (*Key, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE hashed_key = $1`
	key, err := scanKey(r.db.QueryRow(ctx, query, hashedKey))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return key, nil
}

// Credit adds msats of spendable balance.
func (r *KeyRepository) Credit(ctx context.Context, hashedKey string, msats int64) error {
	query := `UPDATE api_keys SET balance = balance + $2 WHERE hashed_key = $1`

	commandTag, err := r.db.Exec(ctx, query, hashedKey, msats)
	if err != nil {
		return fmt.Errorf("failed to credit api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Reserve moves msats from balance into reserved_balance and counts the
// request, guarded by balance >= msats in the same statement. Returns
// ErrInsufficientBalance when the guard does not hold — callers MUST treat
// that as concurrent depletion, not as a transient error to retry.
func (r *KeyRepository) Reserve(ctx context.Context, hashedKey string, msats int64) error {
	query := `UPDATE api_keys
		SET balance = balance - $2,
			reserved_balance = reserved_balance + $2,
			total_requests = total_requests + 1
		WHERE hashed_key = $1 AND balance >= $2`

	commandTag, err := r.db.Exec(ctx, query, hashedKey, msats)
	if err != nil {
		return fmt.Errorf("failed to reserve balance: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		// Either the row is gone or the guard failed. Distinguish so the
		// caller can answer 401 vs 402.
		if _, getErr := r.Get(ctx, hashedKey); errors.Is(getErr, ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		return ErrInsufficientBalance
	}
	return nil
}

// Finalize releases a reservation and records the actual charge:
// reserved_balance -= reserved, balance += reserved - actual,
// total_spent += actual. The reservation already established the funds,
// so no guard is required.
func (r *KeyRepository) Finalize(ctx context.Context, hashedKey string, reserved, actual int64) error {
	query := `UPDATE api_keys
		SET reserved_balance = reserved_balance - $2,
			balance = balance + ($2 - $3),
			total_spent = total_spent + $3
		WHERE hashed_key = $1`

	commandTag, err := r.db.Exec(ctx, query, hashedKey, reserved, actual)
	if err != nil {
		return fmt.Errorf("failed to finalize charge: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Revert undoes a reservation after an upstream failure: restores exactly
// what Reserve consumed and un-counts the request.
func (r *KeyRepository) Revert(ctx context.Context, hashedKey string, reserved int64) error {
	query := `UPDATE api_keys
		SET reserved_balance = reserved_balance - $2,
			balance = balance + $2,
			total_requests = total_requests - 1
		WHERE hashed_key = $1`

	commandTag, err := r.db.Exec(ctx, query, hashedKey, reserved)
	if err != nil {
		return fmt.Errorf("failed to revert reservation: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Drain zeroes the spendable balance and returns what it was, guarded by
// balance > 0. Used by refunds: drain first, pay out, then Delete on success
// or Credit back on failure.
func (r *KeyRepository) Drain(ctx context.Context, hashedKey string) (int64, error) {
	query := `UPDATE api_keys k SET balance = 0
		FROM (SELECT hashed_key, balance FROM api_keys WHERE hashed_key = $1 FOR UPDATE) prev
		WHERE k.hashed_key = prev.hashed_key AND prev.balance > 0
		RETURNING prev.balance`

	var old int64
	err := r.db.QueryRow(ctx, query, hashedKey).Scan(&old)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row missing or already empty; let the caller disambiguate.
			if _, getErr := r.Get(ctx, hashedKey); errors.Is(getErr, ErrKeyNotFound) {
				return 0, ErrKeyNotFound
			}
			return 0, ErrInsufficientBalance
		}
		return 0, fmt.Errorf("failed to drain balance: %w", err)
	}
	return old, nil
}

// Delete removes a ledger row. Only a successful full refund deletes keys.
func (r *KeyRepository) Delete(ctx context.Context, hashedKey string) error {
	commandTag, err := r.db.Exec(ctx, `DELETE FROM api_keys WHERE hashed_key = $1`, hashedKey)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// SetRefundInfo applies the Refund-LNURL / Key-Expiry-Time headers.
// COALESCE preserves existing values when nil is passed, so partial updates
// need no read-modify-write.
func (r *KeyRepository) SetRefundInfo(ctx context.Context, hashedKey string, refundAddress *string, refundUnit *Unit, refundMint *string, expiry *int64) error {
	var unitStr *string
	if refundUnit != nil {
		s := refundUnit.String()
		unitStr = &s
	}
	query := `UPDATE api_keys
		SET refund_address = COALESCE($2, refund_address),
			refund_unit = COALESCE($3, refund_unit),
			refund_mint = COALESCE($4, refund_mint),
			key_expiry_time = COALESCE($5, key_expiry_time)
		WHERE hashed_key = $1`

	commandTag, err := r.db.Exec(ctx, query, hashedKey, refundAddress, unitStr, refundMint, expiry)
	if err != nil {
		return fmt.Errorf("failed to update refund info: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// TotalUserBalance returns the aggregate msats owed to users (spendable plus
// reserved). The payout sweep subtracts this from the wallet's holdings to
// find the operator surplus.
func (r *KeyRepository) TotalUserBalance(ctx context.Context) (int64, error) {
	query := `SELECT COALESCE(SUM(balance + reserved_balance), 0) FROM api_keys`

	var total int64
	if err := r.db.QueryRow(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get total user balance: %w", err)
	}
	return total, nil
}
