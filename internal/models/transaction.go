package models

import "time"

// TransactionType enumerates balance movements recorded in the audit ledger.
type TransactionType string

const (
	TxCharge TransactionType = "charge"
	TxRefund TransactionType = "refund"
	TxTopUp  TransactionType = "topup"
)

// Transaction is one audit row in the user balance ledger. Refunds write the
// balance after the movement so the ledger can be replayed for reconciliation.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"userId" db:"user_id"`
	OperationID  *string         `json:"operationId,omitempty" db:"operation_id"`
	Type         TransactionType `json:"type" db:"type"`
	Amount       int64           `json:"amount" db:"amount"`
	BalanceAfter int64           `json:"balanceAfter" db:"balance_after"`
	Reason       string          `json:"reason" db:"reason"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
}
