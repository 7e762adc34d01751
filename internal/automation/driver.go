// Package automation defines the contract with the browser/HTTP automation
// layer that drives the provider portal. The worker treats it as an
// effectful, possibly slow black box that can fail or demand a CAPTCHA.
package automation

import (
	"context"
	"fmt"

	"github.com/reseller-panel/internal/models"
)

// Driver codes reported by structured driver errors.
const (
	CodeLoginFailed     = "LOGIN_FAILED"
	CodeCaptchaFailed   = "CAPTCHA_FAILED"
	CodeTimeout         = "TIMEOUT"
	CodeNetwork         = "NETWORK"
	CodeElementNotFound = "ELEMENT_NOT_FOUND"
)

// DriverError is a structured failure from the automation layer. Drivers that
// can classify their own failures should return one; the error classifier
// falls back to text matching for anything else.
type DriverError struct {
	Code    string
	Message string
}

// Error implements the error interface
func (e *DriverError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoginResult is the outcome of establishing or verifying a portal session.
type LoginResult struct {
	RequiresCaptcha bool
	CaptchaImage    []byte
}

// ActionResult is the outcome of a provider action.
type ActionResult struct {
	Success bool
	Message string
}

// Driver drives an authenticated portal session for a dealer account.
type Driver interface {
	// EnsureLogin establishes or verifies the account's session. It may
	// report a CAPTCHA challenge instead of completing.
	EnsureLogin(ctx context.Context, account *models.Account) (*LoginResult, error)

	// CompleteCaptcha submits a user-provided solution for the account's
	// pending challenge.
	CompleteCaptcha(ctx context.Context, accountID, solution string) error

	// PerformAction executes the requested operation against the portal.
	PerformAction(ctx context.Context, accountID string, opType models.OperationType, target string, durationHint *string) (*ActionResult, error)
}
