// Package pool manages the dealer-account pool: selection with rotation and
// health checks, usage/failure bookkeeping, cooldown and auto-disable policy,
// and the wait queue for callers that find the pool exhausted.
package pool

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/reseller-panel/internal/config"
	apperrors "github.com/reseller-panel/internal/errors"
	"github.com/reseller-panel/internal/logging"
	"github.com/reseller-panel/internal/models"
	"github.com/reseller-panel/internal/ratelimit"
)

// Redis keys used by the manager.
const (
	// rotationCounterKey is the shared monotonically increasing counter that
	// rotates the selection start index across workers.
	rotationCounterKey = "pool:rotation"

	// cooldownKeyPrefix is the fast-path cooldown marker, expiring with the
	// cooldown itself.
	cooldownKeyPrefix = "account:cooldown:"
)

// AccountStore is the persistence surface the manager needs for dealer
// accounts.
type AccountStore interface {
	List(ctx context.Context) ([]*models.Account, error)
	ListSelectable(ctx context.Context) ([]*models.Account, error)
	MarkUsed(ctx context.Context, id string) error
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errorText string) (int, error)
	SetCooldown(ctx context.Context, id string, until time.Time) error
	ClearCooldown(ctx context.Context, id string) error
	Disable(ctx context.Context, id string) error
}

// Locker is the per-account mutual exclusion primitive.
type Locker interface {
	Acquire(ctx context.Context, resourceID, ownerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resourceID, ownerID string) (bool, error)
	Extend(ctx context.Context, resourceID, ownerID string, ttl time.Duration) (bool, error)
	IsLocked(ctx context.Context, resourceID string) (bool, error)
	ForceRelease(ctx context.Context, resourceID string) error
}

// Limiter is the per-account sliding window request counter.
type Limiter interface {
	CheckLimit(ctx context.Context, resourceID string, max int, window time.Duration) (*ratelimit.CheckResult, error)
	RecordRequest(ctx context.Context, resourceID string, window time.Duration) error
	Clear(ctx context.Context, resourceID string) error
}

// SettingsSource supplies the raw runtime settings rows.
type SettingsSource interface {
	GetAll(ctx context.Context) (map[string]string, error)
}

// Status is an aggregate snapshot of the pool for observability.
type Status struct {
	Total        int `json:"total"`
	Active       int `json:"active"`
	AvailableNow int `json:"availableNow"`
	InCooldown   int `json:"inCooldown"`
	RateLimited  int `json:"rateLimited"`
}

// Manager selects, health-checks and records outcomes for dealer accounts.
type Manager struct {
	accounts AccountStore
	locks    Locker
	limiter  Limiter
	settings SettingsSource
	redis    redis.Cmdable
	workerID string
	logger   *logging.Logger

	mu sync.RWMutex
	rt config.Runtime
}

// ManagerConfig holds configuration for the pool manager.
type ManagerConfig struct {
	Accounts AccountStore
	Locks    Locker
	Limiter  Limiter
	Settings SettingsSource
	Redis    redis.Cmdable
	// WorkerID is the stable identity of this worker process, used as the
	// lock owner.
	WorkerID string
	Logger   *logging.Logger
}

// Validate checks if the configuration is valid.
func (c *ManagerConfig) Validate() error {
	if c.Accounts == nil {
		return stderrors.New("account store is required")
	}
	if c.Locks == nil {
		return stderrors.New("locker is required")
	}
	if c.Limiter == nil {
		return stderrors.New("limiter is required")
	}
	if c.Redis == nil {
		return stderrors.New("redis client is required")
	}
	if c.WorkerID == "" {
		return stderrors.New("worker id is required")
	}
	return nil
}

// NewManager creates a pool manager with the given configuration.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
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

	return &Manager{
		accounts: cfg.Accounts,
		locks:    cfg.Locks,
		limiter:  cfg.Limiter,
		settings: cfg.Settings,
		redis:    cfg.Redis,
		workerID: cfg.WorkerID,
		logger:   logger.WithField("worker", cfg.WorkerID),
		rt:       config.DefaultRuntime(),
	}, nil
}

// Runtime returns the current runtime settings.
func (m *Manager) Runtime() config.Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rt
}

// WorkerID returns the lock owner identity of this manager.
func (m *Manager) WorkerID() string {
	return m.workerID
}

// ReloadSettings re-reads runtime settings from the settings store so tuning
// changes apply without a restart.
func (m *Manager) ReloadSettings(ctx context.Context) error {
	if m.settings == nil {
		return nil
	}

	values, err := m.settings.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload settings: %w", err)
	}

	rt := config.RuntimeFromMap(values)

	m.mu.Lock()
	m.rt = rt
	m.mu.Unlock()

	return nil
}

func (m *Manager) cooldownKey(accountID string) string {
	return cooldownKeyPrefix + accountID
}

// SelectAccount returns one account the caller may use immediately, with its
// lock held by this worker, or apperrors.ErrNoAccountsAvailable when the pool
// is exhausted.
//
// Candidates are ordered priority-first, least-recently-used first. The scan
// walks equal-priority bands from the top: within a band the start index
// rotates on a shared counter so concurrent callers spread across peers, and
// a lower-priority band is only reached once every account in the bands above
// it failed a health check or lock acquisition.
func (m *Manager) SelectAccount(ctx context.Context) (*models.Account, error) {
	rt := m.Runtime()

	candidates, err := m.accounts.ListSelectable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list selectable accounts: %w", err)
	}
	if len(candidates) == 0 {
		return nil, apperrors.ErrNoAccountsAvailable
	}

	var rotation int64
	counter, err := m.redis.Incr(ctx, rotationCounterKey).Result()
	if err != nil {
		m.logger.WithError(err).Warn("Rotation counter unavailable, starting each band scan at 0")
	} else {
		rotation = counter - 1
	}

	now := time.Now()
	for lo := 0; lo < len(candidates); {
		hi := lo
		for hi < len(candidates) && candidates[hi].Priority == candidates[lo].Priority {
			hi++
		}
		band := candidates[lo:hi]
		lo = hi

		offset := int(rotation % int64(len(band)))
		for i := 0; i < len(band); i++ {
			candidate := band[(offset+i)%len(band)]

			healthy, err := m.healthCheck(ctx, candidate, now, rt)
			if err != nil {
				m.logger.WithError(err).WithField("accountId", candidate.ID).Warn("Account health check failed")
				continue
			}
			if !healthy {
				continue
			}

			acquired, err := m.locks.Acquire(ctx, candidate.ID, m.workerID, rt.LockTTL)
			if err != nil {
				m.logger.WithError(err).WithField("accountId", candidate.ID).Warn("Lock acquisition failed")
				continue
			}
			if !acquired {
				continue
			}

			if err := m.limiter.RecordRequest(ctx, candidate.ID, rt.RateLimitWindow); err != nil {
				m.logger.WithError(err).WithField("accountId", candidate.ID).Warn("Failed to record rate limit entry")
			}

			if err := m.accounts.MarkUsed(ctx, candidate.ID); err != nil {
				if _, relErr := m.locks.Release(ctx, candidate.ID, m.workerID); relErr != nil {
					m.logger.WithError(relErr).WithField("accountId", candidate.ID).Error("Failed to release lock after mark-used failure")
				}
				return nil, fmt.Errorf("failed to mark account used: %w", err)
			}

			m.logger.WithFields(map[string]interface{}{
				"accountId": candidate.ID,
				"priority":  candidate.Priority,
			}).Debug("Account selected")

			return candidate, nil
		}
	}

	return nil, apperrors.ErrNoAccountsAvailable
}

// healthCheck runs the three selection stages: cooldown not active, not
// locked by another caller, under the rate-limit ceiling.
func (m *Manager) healthCheck(ctx context.Context, account *models.Account, now time.Time, rt config.Runtime) (bool, error) {
	if account.InCooldown(now) {
		return false, nil
	}

	// Fast-path cooldown marker covers cooldowns applied by other workers
	// after our candidate list was fetched.
	exists, err := m.redis.Exists(ctx, m.cooldownKey(account.ID)).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown check: %w", err)
	}
	if exists > 0 {
		return false, nil
	}

	locked, err := m.locks.IsLocked(ctx, account.ID)
	if err != nil {
		return false, fmt.Errorf("lock check: %w", err)
	}
	if locked {
		return false, nil
	}

	check, err := m.limiter.CheckLimit(ctx, account.ID, rt.RateLimitMax, rt.RateLimitWindow)
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}

	return check.Allowed, nil
}

// ReportSuccess records a success, clears the failure streak and releases the
// account lock.
func (m *Manager) ReportSuccess(ctx context.Context, accountID string) error {
	err := m.accounts.MarkSucceeded(ctx, accountID)

	if _, relErr := m.locks.Release(ctx, accountID, m.workerID); relErr != nil {
		err = stderrors.Join(err, relErr)
	}

	if err != nil {
		return fmt.Errorf("failed to report success for %s: %w", accountID, err)
	}

	return nil
}

// ReportFailure increments the account's failure counters, applies the
// cooldown and auto-disable policy, and releases the lock. The lock release
// happens on every path.
func (m *Manager) ReportFailure(ctx context.Context, accountID, errorText string) error {
	rt := m.Runtime()

	consecutive, err := m.accounts.MarkFailed(ctx, accountID, errorText)
	if err != nil {
		if _, relErr := m.locks.Release(ctx, accountID, m.workerID); relErr != nil {
			err = stderrors.Join(err, relErr)
		}
		return fmt.Errorf("failed to report failure for %s: %w", accountID, err)
	}

	if rt.CooldownAfterFailures > 0 && consecutive >= rt.CooldownAfterFailures {
		until := time.Now().Add(rt.CooldownDuration)
		if cdErr := m.accounts.SetCooldown(ctx, accountID, until); cdErr != nil {
			err = stderrors.Join(err, cdErr)
		} else if cacheErr := m.redis.Set(ctx, m.cooldownKey(accountID), m.workerID, rt.CooldownDuration).Err(); cacheErr != nil {
			m.logger.WithError(cacheErr).WithField("accountId", accountID).Warn("Failed to set cooldown fast-path key")
		}

		m.logger.WithFields(map[string]interface{}{
			"accountId":           accountID,
			"consecutiveFailures": consecutive,
			"cooldownUntil":       until,
		}).Warn("Account placed in cooldown")
	}

	if rt.AutoDisableEnabled && consecutive >= rt.MaxConsecutiveFailures {
		if disErr := m.accounts.Disable(ctx, accountID); disErr != nil {
			err = stderrors.Join(err, disErr)
		} else {
			m.logger.WithFields(map[string]interface{}{
				"accountId":           accountID,
				"consecutiveFailures": consecutive,
			}).Error("Account auto-disabled after repeated failures")
		}
	}

	if _, relErr := m.locks.Release(ctx, accountID, m.workerID); relErr != nil {
		err = stderrors.Join(err, relErr)
	}

	if err != nil {
		return fmt.Errorf("failure bookkeeping incomplete for %s: %w", accountID, err)
	}

	return nil
}

// ReleaseAccount releases the account lock without recording an outcome.
// Used when an operation is cancelled out-of-band: unwinding must leave no
// side effects beyond freeing the account.
func (m *Manager) ReleaseAccount(ctx context.Context, accountID string) error {
	if _, err := m.locks.Release(ctx, accountID, m.workerID); err != nil {
		return fmt.Errorf("failed to release account %s: %w", accountID, err)
	}
	return nil
}

// ExtendLease refreshes the lock TTL for a long-running operation, e.g. while
// waiting on a CAPTCHA solution.
func (m *Manager) ExtendLease(ctx context.Context, accountID string) (bool, error) {
	rt := m.Runtime()
	return m.locks.Extend(ctx, accountID, m.workerID, rt.LockTTL)
}

// ClearCooldown lifts an account's cooldown ahead of its natural expiry, in
// both the account record and the fast-path cache.
func (m *Manager) ClearCooldown(ctx context.Context, accountID string) error {
	if err := m.accounts.ClearCooldown(ctx, accountID); err != nil {
		return err
	}
	if err := m.redis.Del(ctx, m.cooldownKey(accountID)).Err(); err != nil {
		return fmt.Errorf("failed to clear cooldown fast-path key: %w", err)
	}
	return nil
}

// ForceRelease unconditionally frees an account's lock. Administrative
// recovery path for crashed workers.
func (m *Manager) ForceRelease(ctx context.Context, accountID string) error {
	return m.locks.ForceRelease(ctx, accountID)
}

// RandomDelay returns a uniform delay between the configured min and max
// inter-request delays, used to pace requests against the provider portal.
func (m *Manager) RandomDelay() time.Duration {
	rt := m.Runtime()

	if rt.MaxRequestDelay <= rt.MinRequestDelay {
		return rt.MinRequestDelay
	}

	span := rt.MaxRequestDelay - rt.MinRequestDelay
	return rt.MinRequestDelay + time.Duration(rand.Int64N(int64(span)+1))
}

// Status returns an aggregate snapshot of the pool.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	rt := m.Runtime()

	accounts, err := m.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	status := &Status{Total: len(accounts)}
	now := time.Now()

	for _, account := range accounts {
		if account.InCooldown(now) {
			status.InCooldown++
			continue
		}
		if !account.IsActive {
			continue
		}
		status.Active++

		locked, err := m.locks.IsLocked(ctx, account.ID)
		if err != nil {
			return nil, fmt.Errorf("lock check for %s: %w", account.ID, err)
		}
		if locked {
			continue
		}

		check, err := m.limiter.CheckLimit(ctx, account.ID, rt.RateLimitMax, rt.RateLimitWindow)
		if err != nil {
			return nil, fmt.Errorf("rate limit check for %s: %w", account.ID, err)
		}
		if !check.Allowed {
			status.RateLimited++
			continue
		}

		status.AvailableNow++
	}

	return status, nil
}
