package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/reseller-panel/internal/models"
)

// ErrAccountNotFound is returned when an account row does not exist.
var ErrAccountNotFound = errors.New("account not found")

// AccountRepository handles dealer account persistence
type AccountRepository struct {
	db *PostgresDB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *PostgresDB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `
	id, username, is_active, priority, last_used_at, usage_count,
	cooldown_until, consecutive_failures, total_failures, total_success,
	last_error, last_error_at, created_at, updated_at
`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID,
		&a.Username,
		&a.IsActive,
		&a.Priority,
		&a.LastUsedAt,
		&a.UsageCount,
		&a.CooldownUntil,
		&a.ConsecutiveFailures,
		&a.TotalFailures,
		&a.TotalSuccess,
		&a.LastError,
		&a.LastErrorAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByID retrieves an account by ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM dealer_accounts WHERE id = $1`

	account, err := scanAccount(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// List retrieves all accounts ordered by priority, most idle first.
func (r *AccountRepository) List(ctx context.Context) ([]*models.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM dealer_accounts
		ORDER BY priority DESC, last_used_at ASC NULLS FIRST
	`

	return r.queryAccounts(ctx, query)
}

// ListSelectable retrieves activation-enabled accounts whose cooldown has
// expired or is unset, ordered by priority DESC and least-recently-used first.
func (r *AccountRepository) ListSelectable(ctx context.Context) ([]*models.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM dealer_accounts
		WHERE is_active = TRUE
		  AND (cooldown_until IS NULL OR cooldown_until <= NOW())
		ORDER BY priority DESC, last_used_at ASC NULLS FIRST
	`

	return r.queryAccounts(ctx, query)
}

func (r *AccountRepository) queryAccounts(ctx context.Context, query string, args ...any) ([]*models.Account, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// MarkUsed records that the account was handed out for an operation.
func (r *AccountRepository) MarkUsed(ctx context.Context, id string) error {
	query := `
		UPDATE dealer_accounts
		SET last_used_at = NOW(), usage_count = usage_count + 1, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark account used: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// MarkSucceeded records a success and resets the failure streak.
func (r *AccountRepository) MarkSucceeded(ctx context.Context, id string) error {
	query := `
		UPDATE dealer_accounts
		SET consecutive_failures = 0, total_success = total_success + 1, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark account succeeded: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// MarkFailed increments the failure counters in a single round trip and
// returns the new consecutive failure count so the caller can apply cooldown
// and auto-disable policy without a read-then-write race.
func (r *AccountRepository) MarkFailed(ctx context.Context, id string, errorText string) (int, error) {
	query := `
		UPDATE dealer_accounts
		SET consecutive_failures = consecutive_failures + 1,
			total_failures = total_failures + 1,
			last_error = $2,
			last_error_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures
	`

	var consecutive int
	err := r.db.Pool().QueryRow(ctx, query, id, errorText).Scan(&consecutive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to mark account failed: %w", err)
	}

	return consecutive, nil
}

// SetCooldown suspends the account until the given instant.
func (r *AccountRepository) SetCooldown(ctx context.Context, id string, until time.Time) error {
	query := `
		UPDATE dealer_accounts
		SET cooldown_until = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, until)
	if err != nil {
		return fmt.Errorf("failed to set account cooldown: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// ClearCooldown lifts a cooldown before it expires naturally.
func (r *AccountRepository) ClearCooldown(ctx context.Context, id string) error {
	query := `
		UPDATE dealer_accounts
		SET cooldown_until = NULL, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to clear account cooldown: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// Disable clears the activation flag. Accounts are never deleted by the
// worker, only soft-disabled until an admin re-enables them.
func (r *AccountRepository) Disable(ctx context.Context, id string) error {
	query := `
		UPDATE dealer_accounts
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to disable account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}
