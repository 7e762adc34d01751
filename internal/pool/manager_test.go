package pool

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reseller-panel/internal/config"
	apperrors "github.com/reseller-panel/internal/errors"
	"github.com/reseller-panel/internal/lock"
	"github.com/reseller-panel/internal/models"
	"github.com/reseller-panel/internal/ratelimit"
)

// fakeAccountStore is an in-memory AccountStore whose ListSelectable orders
// by priority descending and otherwise preserves insertion order, mimicking
// the repository's priority/LRU ordering.
type fakeAccountStore struct {
	mu       sync.Mutex
	accounts []*models.Account
}

func newFakeAccountStore(accounts ...*models.Account) *fakeAccountStore {
	return &fakeAccountStore{accounts: accounts}
}

func (s *fakeAccountStore) find(id string) *models.Account {
	for _, a := range s.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (s *fakeAccountStore) List(_ context.Context) ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Account(nil), s.accounts...), nil
}

func (s *fakeAccountStore) ListSelectable(_ context.Context) ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var selectable []*models.Account
	for _, a := range s.accounts {
		if a.IsActive && !a.InCooldown(now) {
			selectable = append(selectable, a)
		}
	}
	sort.SliceStable(selectable, func(i, j int) bool {
		return selectable[i].Priority > selectable[j].Priority
	})
	return selectable, nil
}

func (s *fakeAccountStore) MarkUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.find(id); a != nil {
		now := time.Now()
		a.LastUsedAt = &now
		a.UsageCount++
	}
	return nil
}

func (s *fakeAccountStore) MarkSucceeded(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.find(id); a != nil {
		a.ConsecutiveFailures = 0
		a.TotalSuccess++
	}
	return nil
}

func (s *fakeAccountStore) MarkFailed(_ context.Context, id string, errorText string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.find(id)
	if a == nil {
		return 0, nil
	}
	a.ConsecutiveFailures++
	a.TotalFailures++
	a.LastError = &errorText
	return a.ConsecutiveFailures, nil
}

func (s *fakeAccountStore) SetCooldown(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.find(id); a != nil {
		a.CooldownUntil = &until
	}
	return nil
}

func (s *fakeAccountStore) ClearCooldown(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.find(id); a != nil {
		a.CooldownUntil = nil
	}
	return nil
}

func (s *fakeAccountStore) Disable(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.find(id); a != nil {
		a.IsActive = false
	}
	return nil
}

type fakeSettingsSource struct {
	values map[string]string
}

func (s *fakeSettingsSource) GetAll(_ context.Context) (map[string]string, error) {
	return s.values, nil
}

func account(id string) *models.Account {
	return &models.Account{ID: id, Username: id, IsActive: true}
}

// setupTestManager creates a pool manager over a fake store and a test Redis
// instance.
func setupTestManager(t *testing.T, store *fakeAccountStore) (*Manager, *lock.RedisLock, *ratelimit.SlidingWindowLimiter, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	locks, err := lock.NewRedisLock(client)
	require.NoError(t, err)

	limiter, err := ratelimit.NewSlidingWindowLimiter(client)
	require.NoError(t, err)

	manager, err := NewManager(&ManagerConfig{
		Accounts: store,
		Locks:    locks,
		Limiter:  limiter,
		Redis:    client,
		WorkerID: "worker-test",
	})
	require.NoError(t, err)

	return manager, locks, limiter, client
}

func TestNewManager(t *testing.T) {
	t.Run("requires configuration", func(t *testing.T) {
		m, err := NewManager(nil)
		assert.Error(t, err)
		assert.Nil(t, m)
	})

	t.Run("requires account store", func(t *testing.T) {
		_, err := NewManager(&ManagerConfig{})
		assert.Error(t, err)
	})
}

func TestManager_SelectAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("selects and locks an account", func(t *testing.T) {
		store := newFakeAccountStore(account("a"))
		manager, locks, _, _ := setupTestManager(t, store)

		selected, err := manager.SelectAccount(ctx)
		require.NoError(t, err)
		assert.Equal(t, "a", selected.ID)

		locked, err := locks.IsLocked(ctx, "a")
		require.NoError(t, err)
		assert.True(t, locked)

		// Usage recorded.
		assert.EqualValues(t, 1, store.find("a").UsageCount)
	})

	t.Run("empty pool", func(t *testing.T) {
		manager, _, _, _ := setupTestManager(t, newFakeAccountStore())

		_, err := manager.SelectAccount(ctx)
		assert.ErrorIs(t, err, apperrors.ErrNoAccountsAvailable)
	})

	t.Run("rotation spreads selection", func(t *testing.T) {
		store := newFakeAccountStore(account("a"), account("b"))
		manager, _, _, _ := setupTestManager(t, store)

		first, err := manager.SelectAccount(ctx)
		require.NoError(t, err)
		require.NoError(t, manager.ReportSuccess(ctx, first.ID))

		second, err := manager.SelectAccount(ctx)
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
	})

	t.Run("low priority selected less often than high priority peers", func(t *testing.T) {
		highA := account("p5a")
		highA.Priority = 5
		highB := account("p5b")
		highB.Priority = 5
		low := account("p1")
		low.Priority = 1

		store := newFakeAccountStore(highA, highB, low)
		manager, _, _, _ := setupTestManager(t, store)

		counts := map[string]int{}
		for i := 0; i < 10; i++ {
			selected, err := manager.SelectAccount(ctx)
			require.NoError(t, err)
			counts[selected.ID]++
			require.NoError(t, manager.ReportSuccess(ctx, selected.ID))
		}

		assert.Less(t, counts["p1"], counts["p5a"], "selection counts: %v", counts)
		assert.Less(t, counts["p1"], counts["p5b"], "selection counts: %v", counts)
	})

	t.Run("falls through to lower priority when high band is busy", func(t *testing.T) {
		highA := account("p5a")
		highA.Priority = 5
		highB := account("p5b")
		highB.Priority = 5
		low := account("p1")
		low.Priority = 1

		store := newFakeAccountStore(highA, highB, low)
		manager, locks, _, _ := setupTestManager(t, store)

		for _, id := range []string{"p5a", "p5b"} {
			ok, err := locks.Acquire(ctx, id, "other-worker", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
		}

		selected, err := manager.SelectAccount(ctx)
		require.NoError(t, err)
		assert.Equal(t, "p1", selected.ID)
	})

	t.Run("skips locked accounts", func(t *testing.T) {
		store := newFakeAccountStore(account("a"), account("b"))
		manager, locks, _, _ := setupTestManager(t, store)

		ok, err := locks.Acquire(ctx, "a", "other-worker", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		selected, err := manager.SelectAccount(ctx)
		require.NoError(t, err)
		assert.Equal(t, "b", selected.ID)
	})

	t.Run("skips rate limited accounts", func(t *testing.T) {
		store := newFakeAccountStore(account("a"), account("b"))
		manager, _, limiter, _ := setupTestManager(t, store)

		rt := manager.Runtime()
		for i := 0; i < rt.RateLimitMax; i++ {
			require.NoError(t, limiter.RecordRequest(ctx, "a", rt.RateLimitWindow))
		}

		selected, err := manager.SelectAccount(ctx)
		require.NoError(t, err)
		assert.Equal(t, "b", selected.ID)
	})

	t.Run("skips accounts with cooldown fast-path marker", func(t *testing.T) {
		store := newFakeAccountStore(account("a"), account("b"))
		manager, _, _, client := setupTestManager(t, store)

		require.NoError(t, client.Set(ctx, cooldownKeyPrefix+"a", "other-worker", time.Minute).Err())

		selected, err := manager.SelectAccount(ctx)
		require.NoError(t, err)
		assert.Equal(t, "b", selected.ID)
	})

	t.Run("exhausted when everything is locked", func(t *testing.T) {
		store := newFakeAccountStore(account("a"), account("b"))
		manager, locks, _, _ := setupTestManager(t, store)

		for _, id := range []string{"a", "b"} {
			ok, err := locks.Acquire(ctx, id, "other-worker", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
		}

		_, err := manager.SelectAccount(ctx)
		assert.ErrorIs(t, err, apperrors.ErrNoAccountsAvailable)
	})
}

func TestManager_ReportSuccess(t *testing.T) {
	ctx := context.Background()
	store := newFakeAccountStore(account("a"))
	manager, locks, _, _ := setupTestManager(t, store)

	selected, err := manager.SelectAccount(ctx)
	require.NoError(t, err)

	store.find("a").ConsecutiveFailures = 2

	require.NoError(t, manager.ReportSuccess(ctx, selected.ID))

	assert.Equal(t, 0, store.find("a").ConsecutiveFailures)

	locked, err := locks.IsLocked(ctx, "a")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestManager_ReportFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("below threshold no cooldown", func(t *testing.T) {
		store := newFakeAccountStore(account("a"))
		manager, locks, _, _ := setupTestManager(t, store)

		_, err := manager.SelectAccount(ctx)
		require.NoError(t, err)

		require.NoError(t, manager.ReportFailure(ctx, "a", "timeout"))

		assert.Nil(t, store.find("a").CooldownUntil)

		locked, err := locks.IsLocked(ctx, "a")
		require.NoError(t, err)
		assert.False(t, locked, "lock must be released even on failure")
	})

	t.Run("cooldown applied at threshold", func(t *testing.T) {
		store := newFakeAccountStore(account("a"))
		manager, _, _, client := setupTestManager(t, store)

		rt := manager.Runtime()
		for i := 0; i < rt.CooldownAfterFailures; i++ {
			require.NoError(t, manager.ReportFailure(ctx, "a", "timeout"))
		}

		acct := store.find("a")
		require.NotNil(t, acct.CooldownUntil)
		assert.True(t, acct.CooldownUntil.After(time.Now()))

		exists, err := client.Exists(ctx, cooldownKeyPrefix+"a").Result()
		require.NoError(t, err)
		assert.EqualValues(t, 1, exists)
	})

	t.Run("auto-disable after repeated failures", func(t *testing.T) {
		store := newFakeAccountStore(account("a"))
		manager, _, _, _ := setupTestManager(t, store)

		rt := manager.Runtime()
		for i := 0; i < rt.MaxConsecutiveFailures; i++ {
			require.NoError(t, manager.ReportFailure(ctx, "a", "login failed"))
		}

		assert.False(t, store.find("a").IsActive)
	})
}

func TestManager_ClearCooldown(t *testing.T) {
	ctx := context.Background()
	store := newFakeAccountStore(account("a"))
	manager, _, _, client := setupTestManager(t, store)

	until := time.Now().Add(time.Hour)
	require.NoError(t, store.SetCooldown(ctx, "a", until))
	require.NoError(t, client.Set(ctx, cooldownKeyPrefix+"a", "w", time.Hour).Err())

	require.NoError(t, manager.ClearCooldown(ctx, "a"))

	assert.Nil(t, store.find("a").CooldownUntil)

	exists, err := client.Exists(ctx, cooldownKeyPrefix+"a").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, exists)
}

func TestManager_RandomDelay(t *testing.T) {
	manager, _, _, _ := setupTestManager(t, newFakeAccountStore())
	rt := manager.Runtime()

	for i := 0; i < 100; i++ {
		d := manager.RandomDelay()
		assert.GreaterOrEqual(t, d, rt.MinRequestDelay)
		assert.LessOrEqual(t, d, rt.MaxRequestDelay)
	}
}

func TestManager_ReloadSettings(t *testing.T) {
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	locks, err := lock.NewRedisLock(client)
	require.NoError(t, err)
	limiter, err := ratelimit.NewSlidingWindowLimiter(client)
	require.NoError(t, err)

	manager, err := NewManager(&ManagerConfig{
		Accounts: newFakeAccountStore(),
		Locks:    locks,
		Limiter:  limiter,
		Settings: &fakeSettingsSource{values: map[string]string{
			config.KeyRateLimitMax: "42",
		}},
		Redis:    client,
		WorkerID: "worker-test",
	})
	require.NoError(t, err)

	require.NoError(t, manager.ReloadSettings(ctx))
	assert.Equal(t, 42, manager.Runtime().RateLimitMax)
}

func TestManager_Status(t *testing.T) {
	ctx := context.Background()

	a := account("a")
	b := account("b")
	c := account("c")
	until := time.Now().Add(time.Hour)
	c.CooldownUntil = &until
	d := account("d")
	d.IsActive = false

	store := newFakeAccountStore(a, b, c, d)
	manager, locks, _, _ := setupTestManager(t, store)

	ok, err := locks.Acquire(ctx, "b", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	status, err := manager.Status(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, status.Total)
	assert.Equal(t, 2, status.Active)
	assert.Equal(t, 1, status.AvailableNow)
	assert.Equal(t, 1, status.InCooldown)
	assert.Equal(t, 0, status.RateLimited)
}
