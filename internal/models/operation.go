package models

import "time"

// OperationStatus is the state-machine status of an operation.
type OperationStatus string

const (
	StatusPending         OperationStatus = "pending"
	StatusProcessing      OperationStatus = "processing"
	StatusAwaitingCaptcha OperationStatus = "awaiting_captcha"
	StatusCompleted       OperationStatus = "completed"
	StatusFailed          OperationStatus = "failed"
	StatusCancelled       OperationStatus = "cancelled"
	StatusExpired         OperationStatus = "expired"
)

// IsTerminal reports whether the status ends the operation's lifecycle.
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// OperationType enumerates the actions performed against the provider portal.
type OperationType string

const (
	OpRenew         OperationType = "RENEW"
	OpCheckBalance  OperationType = "CHECK_BALANCE"
	OpRefreshSignal OperationType = "REFRESH_SIGNAL"
)

// Operation is one unit of work submitted for execution against the provider
// portal. Created by the dashboard in pending status, owned by a job processor
// until it reaches a terminal status.
type Operation struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"userId" db:"user_id"`
	Type         OperationType   `json:"type" db:"type"`
	Target       string          `json:"target" db:"target"` // card/contract number
	DurationHint *string         `json:"durationHint,omitempty" db:"duration_hint"`
	Status       OperationStatus `json:"status" db:"status"`
	Priority     int             `json:"priority" db:"priority"` // wait-queue precedence, higher first
	RetryCount   int             `json:"retryCount" db:"retry_count"`
	Amount       int64           `json:"amount" db:"amount"` // charged amount, refunded on terminal failure
	AccountID    *string         `json:"accountId,omitempty" db:"account_id"`

	// CAPTCHA round trip.
	CaptchaImage     []byte     `json:"-" db:"captcha_image"`
	CaptchaSolution  *string    `json:"-" db:"captcha_solution"`
	CaptchaExpiresAt *time.Time `json:"captchaExpiresAt,omitempty" db:"captcha_expires_at"`

	ErrorKind    *string    `json:"errorKind,omitempty" db:"error_kind"`
	ErrorMessage *string    `json:"errorMessage,omitempty" db:"error_message"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty" db:"next_retry_at"`
	Refunded     bool       `json:"refunded" db:"refunded"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
	CompletedAt  *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}

// Job is the contract consumed by the job processor when an operation is
// claimed for execution.
type Job struct {
	OperationID  string
	Type         OperationType
	Target       string
	DurationHint *string
	UserID       string
	Amount       int64
}

// JobFromOperation projects an operation onto the processor's job contract.
func JobFromOperation(op *Operation) Job {
	return Job{
		OperationID:  op.ID,
		Type:         op.Type,
		Target:       op.Target,
		DurationHint: op.DurationHint,
		UserID:       op.UserID,
		Amount:       op.Amount,
	}
}
