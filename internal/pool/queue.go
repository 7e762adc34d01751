package pool

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	apperrors "github.com/reseller-panel/internal/errors"
	"github.com/reseller-panel/internal/logging"
	"github.com/reseller-panel/internal/models"
)

// waitQueueKey is the Redis sorted set holding operations waiting for an
// account. Lower scores are served first.
const waitQueueKey = "pool:waitqueue"

// priorityScoreShift is subtracted per priority point from the enqueue
// timestamp (unix milliseconds). It is large enough that any priority
// difference outweighs any realistic enqueue-time difference, so ordering is
// priority first, FIFO within a priority.
const priorityScoreShift = float64(1e10)

// nearFrontRank is the highest queue rank allowed to contend for an account.
// A few waiters probing concurrently is fine; the whole queue stampeding on
// one freed account is not.
const nearFrontRank = 2

// ErrOperationCancelled is returned by AcquireWithWait when the operation
// reached a terminal status while still waiting in the queue.
var ErrOperationCancelled = stderrors.New("operation cancelled while waiting for an account")

// OperationStatusSource resolves wait-queue entries back to operation state.
type OperationStatusSource interface {
	GetStatus(ctx context.Context, id string) (models.OperationStatus, error)
	ListWaitQueueStale(ctx context.Context, ids []string) ([]string, error)
}

// AcquireResult is the outcome of a wait-queue acquisition.
type AcquireResult struct {
	Account  *models.Account
	WaitTime time.Duration
	Retries  int
	TimedOut bool
}

// QueueManager parks operations that find the pool exhausted and retries
// selection for them with backoff, in priority order.
type QueueManager struct {
	pool   *Manager
	ops    OperationStatusSource
	redis  redis.Cmdable
	logger *logging.Logger
}

// NewQueueManager creates a wait-queue manager on top of the pool manager.
func NewQueueManager(pool *Manager, ops OperationStatusSource, rdb redis.Cmdable, logger *logging.Logger) *QueueManager {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &QueueManager{
		pool:   pool,
		ops:    ops,
		redis:  rdb,
		logger: logger.WithField("component", "waitqueue"),
	}
}

func queueScore(enqueuedAt time.Time, priority int) float64 {
	return float64(enqueuedAt.UnixMilli()) - float64(priority)*priorityScoreShift
}

// AcquireWithWait tries to select an account immediately and, when the pool
// is exhausted, enqueues the operation and polls with multiplicative backoff
// until an account is acquired, the wait window elapses, or the operation is
// cancelled. The queue entry is removed on every exit path.
//
// A zero maxWait uses the configured default.
func (q *QueueManager) AcquireWithWait(ctx context.Context, operationID string, priority int, maxWait time.Duration) (*AcquireResult, error) {
	rt := q.pool.Runtime()
	if maxWait <= 0 {
		maxWait = rt.QueueMaxWait
	}

	start := time.Now()

	account, err := q.pool.SelectAccount(ctx)
	if err == nil {
		return &AcquireResult{Account: account, WaitTime: time.Since(start)}, nil
	}
	if !stderrors.Is(err, apperrors.ErrNoAccountsAvailable) {
		return nil, err
	}

	score := queueScore(start, priority)
	if err := q.redis.ZAdd(ctx, waitQueueKey, redis.Z{Score: score, Member: operationID}).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue operation %s: %w", operationID, err)
	}

	// The entry must never outlive the wait, whatever the exit path.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := q.redis.ZRem(cleanupCtx, waitQueueKey, operationID).Err(); err != nil {
			q.logger.WithError(err).WithField("operationId", operationID).Error("Failed to remove wait queue entry")
		}
	}()

	q.logger.WithFields(map[string]interface{}{
		"operationId": operationID,
		"priority":    priority,
		"maxWait":     maxWait,
	}).Info("Pool exhausted, operation queued for an account")

	interval := rt.QueuePollInterval
	retries := 0

	for {
		remaining := maxWait - time.Since(start)
		if remaining <= 0 {
			return &AcquireResult{WaitTime: time.Since(start), Retries: retries, TimedOut: true}, nil
		}

		sleep := interval
		if sleep > remaining {
			sleep = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}

		cancelled, err := q.operationCancelled(ctx, operationID)
		if err != nil {
			q.logger.WithError(err).WithField("operationId", operationID).Warn("Failed to check operation status while queued")
		} else if cancelled {
			return nil, ErrOperationCancelled
		}

		rank, err := q.redis.ZRank(ctx, waitQueueKey, operationID).Result()
		if err != nil {
			if stderrors.Is(err, redis.Nil) {
				// Entry pruned out from under us; re-add with the original
				// score so the operation keeps its place.
				if addErr := q.redis.ZAdd(ctx, waitQueueKey, redis.Z{Score: score, Member: operationID}).Err(); addErr != nil {
					return nil, fmt.Errorf("failed to re-enqueue operation %s: %w", operationID, addErr)
				}
				continue
			}
			return nil, fmt.Errorf("failed to read queue rank for %s: %w", operationID, err)
		}

		if rank <= nearFrontRank {
			retries++
			account, err := q.pool.SelectAccount(ctx)
			if err == nil {
				return &AcquireResult{Account: account, WaitTime: time.Since(start), Retries: retries}, nil
			}
			if !stderrors.Is(err, apperrors.ErrNoAccountsAvailable) {
				return nil, err
			}
		}

		interval = time.Duration(float64(interval) * rt.QueueBackoffMultiplier)
		if interval > rt.QueueMaxPollInterval {
			interval = rt.QueueMaxPollInterval
		}
	}
}

func (q *QueueManager) operationCancelled(ctx context.Context, operationID string) (bool, error) {
	status, err := q.ops.GetStatus(ctx, operationID)
	if err != nil {
		return false, err
	}
	return status.IsTerminal(), nil
}

// Depth returns the number of operations currently waiting.
func (q *QueueManager) Depth(ctx context.Context) (int64, error) {
	depth, err := q.redis.ZCard(ctx, waitQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

// CleanStaleEntries removes queue entries whose operations no longer exist or
// are already terminal, and returns how many were removed. Run periodically;
// entries normally remove themselves, this covers crashed waiters.
func (q *QueueManager) CleanStaleEntries(ctx context.Context) (int, error) {
	ids, err := q.redis.ZRange(ctx, waitQueueKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list wait queue entries: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	stale, err := q.ops.ListWaitQueueStale(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve stale wait queue entries: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(stale))
	for i, id := range stale {
		members[i] = id
	}
	if err := q.redis.ZRem(ctx, waitQueueKey, members...).Err(); err != nil {
		return 0, fmt.Errorf("failed to remove stale wait queue entries: %w", err)
	}

	q.logger.WithField("removed", len(stale)).Info("Pruned stale wait queue entries")

	return len(stale), nil
}
