package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/reseller-panel/internal/models"
)

// ErrOperationNotFound is returned when an operation row does not exist.
var ErrOperationNotFound = errors.New("operation not found")

// ErrNoPendingOperations is returned by ClaimNextPending when the backlog is
// empty.
var ErrNoPendingOperations = errors.New("no pending operations")

// OperationRepository handles operation persistence
type OperationRepository struct {
	db *PostgresDB
}

// NewOperationRepository creates a new operation repository
func NewOperationRepository(db *PostgresDB) *OperationRepository {
	return &OperationRepository{db: db}
}

const operationColumns = `
	id, user_id, type, target, duration_hint, status, priority, retry_count, amount,
	account_id, captcha_image, captcha_solution, captcha_expires_at,
	error_kind, error_message, next_retry_at, refunded,
	created_at, updated_at, completed_at
`

func scanOperation(row pgx.Row) (*models.Operation, error) {
	var op models.Operation
	err := row.Scan(
		&op.ID,
		&op.UserID,
		&op.Type,
		&op.Target,
		&op.DurationHint,
		&op.Status,
		&op.Priority,
		&op.RetryCount,
		&op.Amount,
		&op.AccountID,
		&op.CaptchaImage,
		&op.CaptchaSolution,
		&op.CaptchaExpiresAt,
		&op.ErrorKind,
		&op.ErrorMessage,
		&op.NextRetryAt,
		&op.Refunded,
		&op.CreatedAt,
		&op.UpdatedAt,
		&op.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// GetByID retrieves an operation by ID
func (r *OperationRepository) GetByID(ctx context.Context, id string) (*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = $1`

	op, err := scanOperation(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperationNotFound
		}
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	return op, nil
}

// GetStatus retrieves just the status of an operation.
func (r *OperationRepository) GetStatus(ctx context.Context, id string) (models.OperationStatus, error) {
	query := `SELECT status FROM operations WHERE id = $1`

	var status models.OperationStatus
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrOperationNotFound
		}
		return "", fmt.Errorf("failed to get operation status: %w", err)
	}

	return status, nil
}

// ClaimNextPending atomically claims the oldest due pending operation and
// transitions it to processing. SKIP LOCKED keeps concurrent workers from
// claiming the same row.
func (r *OperationRepository) ClaimNextPending(ctx context.Context) (*models.Operation, error) {
	query := `
		UPDATE operations
		SET status = $1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM operations
			WHERE status = $2
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + operationColumns

	op, err := scanOperation(r.db.Pool().QueryRow(ctx, query, models.StatusProcessing, models.StatusPending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoPendingOperations
		}
		return nil, fmt.Errorf("failed to claim pending operation: %w", err)
	}

	return op, nil
}

// AssignAccount links the chosen dealer account to the operation.
func (r *OperationRepository) AssignAccount(ctx context.Context, id, accountID string) error {
	query := `
		UPDATE operations
		SET account_id = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, accountID)
	if err != nil {
		return fmt.Errorf("failed to assign account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrOperationNotFound
	}

	return nil
}

// SetAwaitingCaptcha persists the challenge image and expiry and moves the
// operation to awaiting_captcha. Only a processing operation can transition;
// a false return means the operation was cancelled or expired underneath us.
func (r *OperationRepository) SetAwaitingCaptcha(ctx context.Context, id string, image []byte, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE operations
		SET status = $2, captcha_image = $3, captcha_solution = NULL,
			captcha_expires_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, id, models.StatusAwaitingCaptcha, image, expiresAt, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to set awaiting captcha: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ResumeFromCaptcha moves an awaiting_captcha operation back to processing
// once a solution has been submitted.
func (r *OperationRepository) ResumeFromCaptcha(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE operations
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, id, models.StatusProcessing, models.StatusAwaitingCaptcha)
	if err != nil {
		return false, fmt.Errorf("failed to resume from captcha: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// MarkCompleted transitions a non-terminal operation to completed and clears
// the CAPTCHA fields. Returns false if the operation was already terminal.
func (r *OperationRepository) MarkCompleted(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE operations
		SET status = $2, captcha_image = NULL, captcha_solution = NULL,
			captcha_expires_at = NULL, error_kind = NULL, error_message = NULL,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ($3, $4, $5, $6)
	`

	result, err := r.db.Pool().Exec(ctx, query, id,
		models.StatusCompleted,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled, models.StatusExpired,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark operation completed: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ScheduleRetry resets a non-terminal operation to pending for another
// attempt: increments retry_count, clears CAPTCHA fields and records when the
// next attempt becomes due. Returns false if the operation was already
// terminal.
func (r *OperationRepository) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, errorKind, errorMessage string) (bool, error) {
	query := `
		UPDATE operations
		SET status = $2, retry_count = retry_count + 1,
			captcha_image = NULL, captcha_solution = NULL, captcha_expires_at = NULL,
			account_id = NULL, next_retry_at = $3,
			error_kind = $4, error_message = $5, updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ($6, $7, $8, $9)
	`

	result, err := r.db.Pool().Exec(ctx, query, id,
		models.StatusPending, nextRetryAt, errorKind, errorMessage,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled, models.StatusExpired,
	)
	if err != nil {
		return false, fmt.Errorf("failed to schedule retry: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ListWaitQueueStale returns, out of the given operation IDs, those that no
// longer exist or are already terminal. Used to prune abandoned wait-queue
// entries.
func (r *OperationRepository) ListWaitQueueStale(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, status FROM operations WHERE id = ANY($1)
	`

	rows, err := r.db.Pool().Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query wait queue operations: %w", err)
	}
	defer rows.Close()

	alive := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		var status models.OperationStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("failed to scan operation status: %w", err)
		}
		alive[id] = !status.IsTerminal()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation statuses: %w", err)
	}

	var stale []string
	for _, id := range ids {
		if !alive[id] {
			stale = append(stale, id)
		}
	}

	return stale, nil
}
