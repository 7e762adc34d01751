// Package worker runs the job processors that claim pending operations and
// drive them through the provider portal to a terminal status.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/reseller-panel/internal/automation"
	"github.com/reseller-panel/internal/config"
	apperrors "github.com/reseller-panel/internal/errors"
	"github.com/reseller-panel/internal/logging"
	"github.com/reseller-panel/internal/models"
	"github.com/reseller-panel/internal/notify"
	"github.com/reseller-panel/internal/pool"
	"github.com/reseller-panel/internal/retry"
	"github.com/reseller-panel/internal/storage"
)

// errCaptchaAbandoned signals that the operation reached a terminal status
// while the worker was waiting on a CAPTCHA solution. The only unwinding
// required is releasing the account lock.
var errCaptchaAbandoned = stderrors.New("operation ended while awaiting captcha")

// OperationStore is the operation persistence surface the processor needs.
type OperationStore interface {
	ClaimNextPending(ctx context.Context) (*models.Operation, error)
	GetByID(ctx context.Context, id string) (*models.Operation, error)
	AssignAccount(ctx context.Context, id, accountID string) error
	SetAwaitingCaptcha(ctx context.Context, id string, image []byte, expiresAt time.Time) (bool, error)
	ResumeFromCaptcha(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string) (bool, error)
	ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, errorKind, errorMessage string) (bool, error)
}

// Refunder performs the atomic fail-and-refund transition.
type Refunder interface {
	FailAndRefund(ctx context.Context, operationID, userID string, amount int64, errorKind, userMessage, reason string) (bool, error)
}

// AccountPool is the slice of the pool manager the processor uses.
type AccountPool interface {
	ReportSuccess(ctx context.Context, accountID string) error
	ReportFailure(ctx context.Context, accountID, errorText string) error
	ReleaseAccount(ctx context.Context, accountID string) error
	ExtendLease(ctx context.Context, accountID string) (bool, error)
	RandomDelay() time.Duration
	Runtime() config.Runtime
}

// AccountAcquirer acquires an account for an operation, waiting in the queue
// if the pool is exhausted.
type AccountAcquirer interface {
	AcquireWithWait(ctx context.Context, operationID string, priority int, maxWait time.Duration) (*pool.AcquireResult, error)
}

// ProcessorConfig holds configuration for the job processor.
type ProcessorConfig struct {
	Ops      OperationStore
	Refunds  Refunder
	Pool     AccountPool
	Queue    AccountAcquirer
	Driver   automation.Driver
	Notifier notify.Notifier

	// Concurrency is the number of claim loops run in parallel.
	Concurrency int
	// ClaimRatePerSec throttles how fast pending operations are claimed
	// across all loops.
	ClaimRatePerSec float64
	// PollInterval is the idle sleep when the backlog is empty.
	PollInterval time.Duration

	Logger *logging.Logger
}

// Validate checks if the configuration is valid.
func (c *ProcessorConfig) Validate() error {
	if c.Ops == nil {
		return stderrors.New("operation store is required")
	}
	if c.Refunds == nil {
		return stderrors.New("refunder is required")
	}
	if c.Pool == nil {
		return stderrors.New("account pool is required")
	}
	if c.Queue == nil {
		return stderrors.New("account acquirer is required")
	}
	if c.Driver == nil {
		return stderrors.New("automation driver is required")
	}
	if c.Notifier == nil {
		return stderrors.New("notifier is required")
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.ClaimRatePerSec <= 0 {
		c.ClaimRatePerSec = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	return nil
}

// Processor claims pending operations and executes them.
type Processor struct {
	ops      OperationStore
	refunds  Refunder
	pool     AccountPool
	queue    AccountAcquirer
	driver   automation.Driver
	notifier notify.Notifier

	concurrency  int
	claimLimiter *rate.Limiter
	pollInterval time.Duration
	logger       *logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewProcessor creates a job processor with the given configuration.
func NewProcessor(cfg *ProcessorConfig) (*Processor, error) {
	if cfg == nil {
		return nil, stderrors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Processor{
		ops:          cfg.Ops,
		refunds:      cfg.Refunds,
		pool:         cfg.Pool,
		queue:        cfg.Queue,
		driver:       cfg.Driver,
		notifier:     cfg.Notifier,
		concurrency:  cfg.Concurrency,
		claimLimiter: rate.NewLimiter(rate.Limit(cfg.ClaimRatePerSec), 1),
		pollInterval: cfg.PollInterval,
		logger:       logger.WithField("component", "processor"),
	}, nil
}

// Start launches the claim loops. Returns an error if already running.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return stderrors.New("processor is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.runLoop(runCtx, n)
		}(i)
	}

	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(p.done)

	p.logger.WithField("concurrency", p.concurrency).Info("Job processor started")

	return nil
}

// Stop signals the claim loops to finish and waits for them, bounded by ctx.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()

	select {
	case <-done:
		p.logger.Info("Job processor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for processor to stop: %w", ctx.Err())
	}
}

func (p *Processor) runLoop(ctx context.Context, n int) {
	logger := p.logger.WithField("loop", n)

	for {
		if err := p.claimLimiter.Wait(ctx); err != nil {
			return
		}

		op, err := p.ops.ClaimNextPending(ctx)
		if err != nil {
			if stderrors.Is(err, storage.ErrNoPendingOperations) {
				if !sleep(ctx, p.pollInterval) {
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Error("Failed to claim pending operation")
			if !sleep(ctx, p.pollInterval) {
				return
			}
			continue
		}

		p.process(ctx, op)
	}
}

// process drives one claimed operation to completion, retry or terminal
// failure. The operation is projected onto a Job once up front; the execution
// stages work off that contract. Whatever happens, any acquired account lock
// is released before returning.
func (p *Processor) process(ctx context.Context, op *models.Operation) {
	job := models.JobFromOperation(op)

	logger := p.logger.WithFields(map[string]interface{}{
		"operationId": job.OperationID,
		"type":        string(job.Type),
		"retryCount":  op.RetryCount,
	})
	ctx = logging.WithLogger(ctx, logger)
	rt := p.pool.Runtime()

	result, err := p.queue.AcquireWithWait(ctx, job.OperationID, op.Priority, rt.QueueMaxWait)
	if err != nil {
		if stderrors.Is(err, pool.ErrOperationCancelled) {
			logger.Info("Operation cancelled while waiting for an account")
			return
		}
		p.handleFailure(ctx, job, op.RetryCount, "", err)
		return
	}
	if result.TimedOut {
		logger.WithFields(map[string]interface{}{
			"waitTime": result.WaitTime,
			"retries":  result.Retries,
		}).Warn("No account became available within the wait window")
		p.handleFailure(ctx, job, op.RetryCount, "", apperrors.ErrNoAccountsAvailable)
		return
	}

	account := result.Account
	logger = logger.WithField("accountId", account.ID)
	ctx = logging.WithLogger(ctx, logger)

	if err := p.ops.AssignAccount(ctx, job.OperationID, account.ID); err != nil {
		p.releaseQuietly(ctx, account.ID)
		p.handleFailure(ctx, job, op.RetryCount, "", err)
		return
	}

	// Pace requests against the portal so account traffic looks organic.
	if !sleep(ctx, p.pool.RandomDelay()) {
		p.releaseQuietly(ctx, account.ID)
		p.handleFailure(ctx, job, op.RetryCount, "", ctx.Err())
		return
	}

	login, err := p.driver.EnsureLogin(ctx, account)
	if err != nil {
		p.handleFailure(ctx, job, op.RetryCount, account.ID, err)
		return
	}

	if login.RequiresCaptcha {
		if err := p.awaitCaptcha(ctx, job, account.ID, login.CaptchaImage, rt); err != nil {
			if stderrors.Is(err, errCaptchaAbandoned) {
				p.releaseQuietly(ctx, account.ID)
				return
			}
			p.handleFailure(ctx, job, op.RetryCount, account.ID, err)
			return
		}
	}

	if err := p.performAction(ctx, job, account.ID); err != nil {
		p.handleFailure(ctx, job, op.RetryCount, account.ID, err)
		return
	}

	completed, err := p.ops.MarkCompleted(ctx, job.OperationID)
	if err != nil {
		logger.WithError(err).Error("Failed to mark operation completed")
	}

	if reportErr := p.pool.ReportSuccess(ctx, account.ID); reportErr != nil {
		logger.WithError(reportErr).Error("Failed to report account success")
	}

	if completed {
		logger.Info("Operation completed")
		p.notifier.Notify(ctx, notify.Notification{
			UserID:   job.UserID,
			Title:    "Request completed",
			Message:  fmt.Sprintf("Your %s request for %s has completed.", job.Type, job.Target),
			Severity: notify.SeverityInfo,
			Link:     "/operations/" + job.OperationID,
		})
	}
}

// awaitCaptcha parks the operation in awaiting_captcha, notifies the user and
// polls until a solution arrives, the challenge expires, or the operation is
// cancelled. The account lock is kept alive while waiting.
func (p *Processor) awaitCaptcha(ctx context.Context, job models.Job, accountID string, image []byte, rt config.Runtime) error {
	logger := logging.FromContext(ctx)

	expiresAt := time.Now().Add(rt.CaptchaTimeout)
	ok, err := p.ops.SetAwaitingCaptcha(ctx, job.OperationID, image, expiresAt)
	if err != nil {
		return err
	}
	if !ok {
		return errCaptchaAbandoned
	}

	p.notifier.Notify(ctx, notify.Notification{
		UserID:   job.UserID,
		Title:    "CAPTCHA required",
		Message:  "Your request needs a CAPTCHA solved before it can continue.",
		Severity: notify.SeverityWarning,
		Link:     "/operations/" + job.OperationID + "/captcha",
	})

	logger.WithField("expiresAt", expiresAt).Info("Operation awaiting CAPTCHA solution")

	for {
		if !sleep(ctx, rt.CaptchaPollInterval) {
			return ctx.Err()
		}

		if time.Now().After(expiresAt) {
			return apperrors.ErrCaptchaTimeout
		}

		current, err := p.ops.GetByID(ctx, job.OperationID)
		if err != nil {
			logger.WithError(err).Warn("Failed to poll operation while awaiting CAPTCHA")
			continue
		}

		if current.Status.IsTerminal() {
			return errCaptchaAbandoned
		}

		if current.CaptchaSolution != nil {
			if err := p.driver.CompleteCaptcha(ctx, accountID, *current.CaptchaSolution); err != nil {
				return err
			}
			if _, err := p.ops.ResumeFromCaptcha(ctx, job.OperationID); err != nil {
				return err
			}
			logger.Info("CAPTCHA solved, resuming operation")
			return nil
		}

		// The user may legitimately take minutes; keep the lock from
		// expiring underneath the wait.
		if _, err := p.pool.ExtendLease(ctx, accountID); err != nil {
			logger.WithError(err).Warn("Failed to extend account lease")
		}
	}
}

// performAction executes the portal action with a small bounded retry for
// transient execution errors. Non-recoverable failures are not retried here.
func (p *Processor) performAction(ctx context.Context, job models.Job, accountID string) error {
	cfg := &retry.Config{
		MaxAttempts:  2,
		InitialDelay: 2 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		RetryIf: func(err error) bool {
			return apperrors.Classify(err).Recoverable
		},
	}

	return retry.WithRetry(ctx, cfg, func(ctx context.Context, attempt int) error {
		result, err := p.driver.PerformAction(ctx, accountID, job.Type, job.Target, job.DurationHint)
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("provider action failed: %s", result.Message)
		}
		return nil
	})
}

// handleFailure runs the failure policy for one attempt: account bookkeeping
// when an account was involved, then either a scheduled retry (recoverable,
// budget left) or the atomic fail-and-refund transition.
//
// Uses a detached context so shutdown cannot abandon an operation in
// processing without either a retry schedule or a refund.
func (p *Processor) handleFailure(ctx context.Context, job models.Job, retryCount int, accountID string, cause error) {
	logger := logging.FromContext(ctx).WithError(cause)
	ctx, cancelCtx := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelCtx()

	if accountID != "" {
		if err := p.pool.ReportFailure(ctx, accountID, cause.Error()); err != nil {
			logger.WithError(err).Error("Failed to report account failure")
		}
	}

	cls := apperrors.Classify(cause)
	rt := p.pool.Runtime()

	if cls.Recoverable && retryCount < rt.MaxRetries {
		delay := retry.BackoffDelay(rt.RetryBaseDelay, rt.RetryMaxDelay, 2.0, retryCount+1)
		scheduled, err := p.ops.ScheduleRetry(ctx, job.OperationID, time.Now().Add(delay), string(cls.Kind), cls.Message)
		if err != nil {
			logger.WithError(err).Error("Failed to schedule retry")
			return
		}
		if scheduled {
			logger.WithFields(map[string]interface{}{
				"errorKind": string(cls.Kind),
				"nextRetry": delay,
			}).Warn("Operation attempt failed, retry scheduled")
		}
		return
	}

	transitioned, err := p.refunds.FailAndRefund(ctx, job.OperationID, job.UserID, job.Amount, string(cls.Kind), cls.Message, "operation failed: "+string(cls.Kind))
	if err != nil {
		logger.WithError(err).Error("Failed to fail and refund operation")
		return
	}
	if !transitioned {
		// Already terminal; someone else settled it.
		return
	}

	logger.WithFields(map[string]interface{}{
		"errorKind": string(cls.Kind),
		"refunded":  job.Amount > 0,
	}).Error("Operation failed terminally")

	p.notifier.Notify(ctx, notify.Notification{
		UserID:   job.UserID,
		Title:    "Request failed",
		Message:  cls.Message,
		Severity: notify.SeverityError,
		Link:     "/operations/" + job.OperationID,
	})
}

// releaseQuietly frees the account lock without recording an outcome, for
// unwind paths where the account did nothing wrong.
func (p *Processor) releaseQuietly(ctx context.Context, accountID string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := p.pool.ReleaseAccount(releaseCtx, accountID); err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to release account lock")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
