package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reseller-panel/internal/lock"
	"github.com/reseller-panel/internal/models"
	"github.com/reseller-panel/internal/pool"
	"github.com/reseller-panel/internal/ratelimit"
)

// stubAccountStore serves a fixed set of accounts.
type stubAccountStore struct {
	accounts []*models.Account
}

func (s *stubAccountStore) List(_ context.Context) ([]*models.Account, error) {
	return s.accounts, nil
}

func (s *stubAccountStore) ListSelectable(_ context.Context) ([]*models.Account, error) {
	now := time.Now()
	var out []*models.Account
	for _, a := range s.accounts {
		if a.IsActive && !a.InCooldown(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubAccountStore) MarkUsed(_ context.Context, id string) error      { return nil }
func (s *stubAccountStore) MarkSucceeded(_ context.Context, id string) error { return nil }
func (s *stubAccountStore) MarkFailed(_ context.Context, id, errorText string) (int, error) {
	return 1, nil
}
func (s *stubAccountStore) SetCooldown(_ context.Context, id string, until time.Time) error {
	return nil
}

func (s *stubAccountStore) ClearCooldown(_ context.Context, id string) error {
	for _, a := range s.accounts {
		if a.ID == id {
			a.CooldownUntil = nil
		}
	}
	return nil
}

func (s *stubAccountStore) Disable(_ context.Context, id string) error { return nil }

// stubOperationSource treats every queued operation as stale.
type stubOperationSource struct{}

func (s *stubOperationSource) GetStatus(_ context.Context, id string) (models.OperationStatus, error) {
	return models.StatusCancelled, nil
}

func (s *stubOperationSource) ListWaitQueueStale(_ context.Context, ids []string) ([]string, error) {
	return ids, nil
}

func setupTestServer(t *testing.T) (*Server, *lock.RedisLock, *redis.Client) {
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

	store := &stubAccountStore{accounts: []*models.Account{
		{ID: "acct-1", Username: "dealer1", IsActive: true},
		{ID: "acct-2", Username: "dealer2", IsActive: true},
	}}

	manager, err := pool.NewManager(&pool.ManagerConfig{
		Accounts: store,
		Locks:    locks,
		Limiter:  limiter,
		Redis:    client,
		WorkerID: "worker-test",
	})
	require.NoError(t, err)

	queue := pool.NewQueueManager(manager, &stubOperationSource{}, client, nil)

	server := NewServer(&ServerConfig{
		Host:         "127.0.0.1",
		Port:         "0",
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		IdleTimeout:  time.Second,
	}, manager, queue, nil)

	return server, locks, client
}

func doRequest(server *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	server, _, _ := setupTestServer(t)

	rec := doRequest(server, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestServer_PoolStatus(t *testing.T) {
	server, locks, _ := setupTestServer(t)

	ok, err := locks.Acquire(context.Background(), "acct-1", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rec := doRequest(server, http.MethodGet, "/api/v1/pool/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Pool       pool.Status `json:"pool"`
		QueueDepth int64       `json:"queueDepth"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, 2, body.Pool.Total)
	assert.Equal(t, 2, body.Pool.Active)
	assert.Equal(t, 1, body.Pool.AvailableNow)
	assert.EqualValues(t, 0, body.QueueDepth)
}

func TestServer_ForceRelease(t *testing.T) {
	server, locks, _ := setupTestServer(t)
	ctx := context.Background()

	ok, err := locks.Acquire(ctx, "acct-1", "crashed-worker", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	rec := doRequest(server, http.MethodPost, "/api/v1/pool/accounts/acct-1/force-release")
	assert.Equal(t, http.StatusOK, rec.Code)

	locked, err := locks.IsLocked(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestServer_ClearCooldown(t *testing.T) {
	server, _, _ := setupTestServer(t)

	rec := doRequest(server, http.MethodPost, "/api/v1/pool/accounts/acct-1/clear-cooldown")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_QueueClean(t *testing.T) {
	server, _, client := setupTestServer(t)
	ctx := context.Background()

	require.NoError(t, client.ZAdd(ctx, "pool:waitqueue", redis.Z{Score: 1, Member: "op-1"}).Err())
	require.NoError(t, client.ZAdd(ctx, "pool:waitqueue", redis.Z{Score: 2, Member: "op-2"}).Err())

	rec := doRequest(server, http.MethodPost, "/api/v1/queue/clean")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body["removed"])
}
