package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/reseller-panel/internal/models"
)

// RefundRepository performs the terminal fail-and-refund write. The terminal
// transition, the balance credit and the ledger row happen in one database
// transaction: an operation that is already terminal is never refunded twice.
type RefundRepository struct {
	db *PostgresDB
}

// NewRefundRepository creates a new refund repository
func NewRefundRepository(db *PostgresDB) *RefundRepository {
	return &RefundRepository{db: db}
}

// FailAndRefund transitions the operation to failed and credits the charged
// amount back to the user, writing an audit transaction row with the balance
// after the movement. Returns false when the operation was already terminal,
// in which case nothing is written.
func (r *RefundRepository) FailAndRefund(ctx context.Context, operationID, userID string, amount int64, errorKind, userMessage, reason string) (bool, error) {
	tx, err := r.db.Pool().BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to begin refund transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // no-op after commit
	}()

	// Guarded terminal transition. Zero rows means another path already
	// finished this operation; skip the refund entirely.
	failQuery := `
		UPDATE operations
		SET status = $2, error_kind = $3, error_message = $4, refunded = $5,
			captcha_image = NULL, captcha_solution = NULL, captcha_expires_at = NULL,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ($6, $7, $8, $9)
	`

	refunding := amount > 0
	result, err := tx.Exec(ctx, failQuery, operationID,
		models.StatusFailed, errorKind, userMessage, refunding,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled, models.StatusExpired,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark operation failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	if refunding {
		var balanceAfter int64
		creditQuery := `
			UPDATE users
			SET balance = balance + $2, updated_at = NOW()
			WHERE id = $1
			RETURNING balance
		`
		if err := tx.QueryRow(ctx, creditQuery, userID, amount).Scan(&balanceAfter); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, fmt.Errorf("refund user not found: %s", userID)
			}
			return false, fmt.Errorf("failed to credit balance: %w", err)
		}

		ledgerQuery := `
			INSERT INTO transactions (id, user_id, operation_id, type, amount, balance_after, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		`
		if _, err := tx.Exec(ctx, ledgerQuery,
			uuid.NewString(), userID, operationID, models.TxRefund, amount, balanceAfter, reason,
		); err != nil {
			return false, fmt.Errorf("failed to write refund transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit refund transaction: %w", err)
	}

	return true, nil
}
