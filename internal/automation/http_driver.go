package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/reseller-panel/internal/models"
)

// HTTPDriver talks to the browser-automation sidecar over HTTP. The sidecar
// owns the actual portal sessions; this driver only moves requests and
// structured results across.
type HTTPDriver struct {
	baseURL string
	client  *http.Client
}

// HTTPDriverConfig holds configuration for the sidecar connection.
type HTTPDriverConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewHTTPDriver creates a driver backed by the automation sidecar.
func NewHTTPDriver(cfg *HTTPDriverConfig) *HTTPDriver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPDriver{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type loginRequest struct {
	AccountID string `json:"accountId"`
	Username  string `json:"username"`
}

type loginResponse struct {
	RequiresCaptcha bool   `json:"requiresCaptcha"`
	CaptchaImage    []byte `json:"captchaImage,omitempty"`
}

type captchaRequest struct {
	AccountID string `json:"accountId"`
	Solution  string `json:"solution"`
}

type actionRequest struct {
	AccountID    string  `json:"accountId"`
	Type         string  `json:"type"`
	Target       string  `json:"target"`
	DurationHint *string `json:"durationHint,omitempty"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type driverErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// EnsureLogin implements Driver.
func (d *HTTPDriver) EnsureLogin(ctx context.Context, account *models.Account) (*LoginResult, error) {
	var resp loginResponse
	err := d.post(ctx, "/sessions/login", loginRequest{
		AccountID: account.ID,
		Username:  account.Username,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		RequiresCaptcha: resp.RequiresCaptcha,
		CaptchaImage:    resp.CaptchaImage,
	}, nil
}

// CompleteCaptcha implements Driver.
func (d *HTTPDriver) CompleteCaptcha(ctx context.Context, accountID, solution string) error {
	return d.post(ctx, "/sessions/captcha", captchaRequest{
		AccountID: accountID,
		Solution:  solution,
	}, nil)
}

// PerformAction implements Driver.
func (d *HTTPDriver) PerformAction(ctx context.Context, accountID string, opType models.OperationType, target string, durationHint *string) (*ActionResult, error) {
	var resp actionResponse
	err := d.post(ctx, "/actions", actionRequest{
		AccountID:    accountID,
		Type:         string(opType),
		Target:       target,
		DurationHint: durationHint,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &ActionResult{
		Success: resp.Success,
		Message: resp.Message,
	}, nil
}

func (d *HTTPDriver) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode driver request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build driver request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return &DriverError{Code: CodeNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &DriverError{Code: CodeNetwork, Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		var errResp driverErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error.Code != "" {
			return &DriverError{Code: errResp.Error.Code, Message: errResp.Error.Message}
		}
		return fmt.Errorf("driver request %s failed with status %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode driver response: %w", err)
		}
	}

	return nil
}
