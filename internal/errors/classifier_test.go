package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reseller-panel/internal/automation"
)

func TestClassify_Sentinels(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantKind    ErrorKind
		recoverable bool
	}{
		{"pool exhausted", ErrNoAccountsAvailable, KindNoAvailableAccounts, true},
		{"captcha timeout", ErrCaptchaTimeout, KindCaptchaTimeout, false},
		{"captcha rejected", ErrCaptchaFailed, KindCaptchaFailed, false},
		{"wrapped sentinel", fmt.Errorf("while waiting: %w", ErrNoAccountsAvailable), KindNoAvailableAccounts, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := Classify(tt.err)
			require.NotNil(t, cls)
			assert.Equal(t, tt.wantKind, cls.Kind)
			assert.Equal(t, tt.recoverable, cls.Recoverable)
		})
	}
}

func TestClassify_DriverErrors(t *testing.T) {
	tests := []struct {
		code        string
		wantKind    ErrorKind
		recoverable bool
	}{
		{automation.CodeLoginFailed, KindLoginFailed, false},
		{automation.CodeCaptchaFailed, KindCaptchaFailed, false},
		{automation.CodeTimeout, KindTimeout, true},
		{automation.CodeNetwork, KindNetwork, true},
		{automation.CodeElementNotFound, KindElementNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := &automation.DriverError{Code: tt.code, Message: "raw driver detail"}
			cls := Classify(err)
			require.NotNil(t, cls)
			assert.Equal(t, tt.wantKind, cls.Kind)
			assert.Equal(t, tt.recoverable, cls.Recoverable)
		})
	}

	t.Run("wrapped driver error", func(t *testing.T) {
		err := fmt.Errorf("operation failed after 2 attempts: %w",
			&automation.DriverError{Code: automation.CodeNetwork})
		cls := Classify(err)
		assert.Equal(t, KindNetwork, cls.Kind)
	})
}

func TestClassify_TextFallback(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantKind ErrorKind
	}{
		{"login", "login failed: invalid credentials", KindLoginFailed},
		{"captcha timeout beats captcha", "captcha expired before submission", KindCaptchaTimeout},
		{"captcha", "captcha verification rejected", KindCaptchaFailed},
		{"timeout", "request timed out after 30s", KindTimeout},
		{"network", "dial tcp: connection refused", KindNetwork},
		{"element", "element not found: #renew-button", KindElementNotFound},
		{"unknown", "something odd happened", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := Classify(fmt.Errorf("%s", tt.text))
			assert.Equal(t, tt.wantKind, cls.Kind)
		})
	}
}

func TestClassify_MessagesAreUserSafe(t *testing.T) {
	// Raw driver text must never leak into the user-facing message.
	err := &automation.DriverError{
		Code:    automation.CodeLoginFailed,
		Message: "password for dealer42 rejected at portal.example.com",
	}

	cls := Classify(err)
	require.NotNil(t, cls)
	assert.NotContains(t, cls.Message, "dealer42")
	assert.NotContains(t, cls.Message, "portal.example.com")
	assert.Equal(t, userMessages[KindLoginFailed], cls.Message)
}

func TestClassify_NilError(t *testing.T) {
	assert.Nil(t, Classify(nil))
}
