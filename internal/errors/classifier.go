// Package errors classifies raw automation failures into a fixed, user-safe
// taxonomy with a recoverability flag. Raw driver text never reaches users.
package errors

import (
	stderrors "errors"
	"strings"

	"github.com/reseller-panel/internal/automation"
)

// ErrorKind is the fixed failure taxonomy.
type ErrorKind string

const (
	KindLoginFailed         ErrorKind = "LOGIN_FAILED"
	KindCaptchaFailed       ErrorKind = "CAPTCHA_FAILED"
	KindCaptchaTimeout      ErrorKind = "CAPTCHA_TIMEOUT"
	KindTimeout             ErrorKind = "TIMEOUT"
	KindNetwork             ErrorKind = "NETWORK"
	KindElementNotFound     ErrorKind = "ELEMENT_NOT_FOUND"
	KindNoAvailableAccounts ErrorKind = "NO_AVAILABLE_ACCOUNTS"
	KindUnknown             ErrorKind = "UNKNOWN"
)

// Sentinel conditions raised by the orchestration core itself.
var (
	// ErrNoAccountsAvailable means the pool was exhausted for the whole wait
	// window. Recoverable even though no single account is to blame.
	ErrNoAccountsAvailable = stderrors.New("no dealer accounts available")

	// ErrCaptchaTimeout means no solution arrived before the challenge
	// expired. Never retried automatically; a fresh attempt needs fresh user
	// input.
	ErrCaptchaTimeout = stderrors.New("captcha solution not submitted in time")

	// ErrCaptchaFailed means the submitted solution was rejected. Treated the
	// same as a timeout: wrong input, not a transient fault.
	ErrCaptchaFailed = stderrors.New("captcha solution rejected")
)

// Classified is the result of mapping a raw failure onto the taxonomy.
type Classified struct {
	Kind        ErrorKind
	Message     string // user-safe, never raw driver text
	Recoverable bool
}

// userMessages are the only failure texts ever shown to users.
var userMessages = map[ErrorKind]string{
	KindLoginFailed:         "The dealer account could not sign in to the provider portal.",
	KindCaptchaFailed:       "The CAPTCHA solution was not accepted. Please start a new request.",
	KindCaptchaTimeout:      "The CAPTCHA was not solved in time. Please start a new request.",
	KindTimeout:             "The provider portal took too long to respond.",
	KindNetwork:             "A network problem interrupted the request.",
	KindElementNotFound:     "The provider portal has changed and needs maintenance.",
	KindNoAvailableAccounts: "All dealer accounts are busy right now. The request will be retried.",
	KindUnknown:             "An unexpected error occurred while processing the request.",
}

// recoverable marks which kinds may be retried by the job-level retry loop.
var recoverable = map[ErrorKind]bool{
	KindLoginFailed:         false,
	KindCaptchaFailed:       false,
	KindCaptchaTimeout:      false,
	KindTimeout:             true,
	KindNetwork:             true,
	KindElementNotFound:     false,
	KindNoAvailableAccounts: true,
	KindUnknown:             true,
}

// Classify maps a failure onto the taxonomy. A structured
// automation.DriverError code wins; free-text matching is the fallback for
// unstructured errors.
func Classify(err error) *Classified {
	if err == nil {
		return nil
	}

	kind := classifyKind(err)
	return &Classified{
		Kind:        kind,
		Message:     userMessages[kind],
		Recoverable: recoverable[kind],
	}
}

func classifyKind(err error) ErrorKind {
	switch {
	case stderrors.Is(err, ErrNoAccountsAvailable):
		return KindNoAvailableAccounts
	case stderrors.Is(err, ErrCaptchaTimeout):
		return KindCaptchaTimeout
	case stderrors.Is(err, ErrCaptchaFailed):
		return KindCaptchaFailed
	}

	var driverErr *automation.DriverError
	if stderrors.As(err, &driverErr) {
		switch driverErr.Code {
		case automation.CodeLoginFailed:
			return KindLoginFailed
		case automation.CodeCaptchaFailed:
			return KindCaptchaFailed
		case automation.CodeTimeout:
			return KindTimeout
		case automation.CodeNetwork:
			return KindNetwork
		case automation.CodeElementNotFound:
			return KindElementNotFound
		}
	}

	return classifyText(err.Error())
}

// classifyText is the legacy substring fallback for drivers that only report
// free text.
func classifyText(text string) ErrorKind {
	lowered := strings.ToLower(text)

	switch {
	case containsAny(lowered, "login failed", "invalid credentials", "incorrect password", "authentication failed"):
		return KindLoginFailed
	case containsAny(lowered, "captcha expired", "captcha timeout"):
		return KindCaptchaTimeout
	case containsAny(lowered, "captcha"):
		return KindCaptchaFailed
	case containsAny(lowered, "timeout", "timed out", "deadline exceeded"):
		return KindTimeout
	case containsAny(lowered, "connection refused", "connection reset", "no such host", "network", "eof"):
		return KindNetwork
	case containsAny(lowered, "element not found", "no such element", "selector", "xpath"):
		return KindElementNotFound
	case containsAny(lowered, "no available accounts", "no dealer accounts"):
		return KindNoAvailableAccounts
	default:
		return KindUnknown
	}
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
