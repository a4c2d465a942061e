package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay-voice-engine/pkg/redis"
)

// fakeRedis is an in-memory stand-in for the shared counter store. failAll
// makes every operation error to exercise the fail-closed path.
type fakeRedis struct {
	mu      sync.Mutex
	values  map[string]string
	expires int
	failAll bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

var errStoreDown = errors.New("store down")

func (f *fakeRedis) GenerateKey(keyType redis.KeyType, identifier string) string {
	return fmt.Sprintf("%s:%s", string(keyType), identifier)
}

func (f *fakeRedis) GetValue(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return "", errStoreDown
	}
	v, ok := f.values[key]
	if !ok {
		return "", redis.ErrKeyNotExist
	}
	return v, nil
}

func (f *fakeRedis) SetValue(ctx context.Context, key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errStoreDown
	}
	f.values[key] = value
	return nil
}

func (f *fakeRedis) DelValue(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errStoreDown
	}
	delete(f.values, key)
	return nil
}

func (f *fakeRedis) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, errStoreDown
	}
	n, _ := strconv.ParseInt(f.values[key], 10, 64)
	n++
	f.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (f *fakeRedis) Decr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, errStoreDown
	}
	n, _ := strconv.ParseInt(f.values[key], 10, 64)
	n--
	if n < 0 {
		n = 0
	}
	f.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (f *fakeRedis) GetInt(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, errStoreDown
	}
	v, ok := f.values[key]
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func (f *fakeRedis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errStoreDown
	}
	f.expires++
	return nil
}

func (f *fakeRedis) CountKeys(ctx context.Context, pattern string) (int64, error) {
	keys, err := f.ScanKeys(ctx, pattern)
	return int64(len(keys)), err
}

func (f *fakeRedis) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errStoreDown
	}
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for k := range f.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) error {
	return nil
}

func (f *fakeRedis) Subscribe(ctx context.Context, channel string, handler func(string)) error {
	return nil
}

func (f *fakeRedis) expireCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expires
}

func (f *fakeRedis) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = fail
}

func newTestController(rdb redis.RedisServiceInterface, ceiling int) *Controller {
	return NewController(rdb, ceiling, time.Minute, 10*time.Millisecond, time.Minute, nil)
}

func TestAcquireUpToCeiling(t *testing.T) {
	rdb := newFakeRedis()
	c := newTestController(rdb, 2)
	ctx := context.Background()

	slot1, err := c.Acquire(ctx, "CA_1", "tenant_a", 0)
	require.NoError(t, err)
	slot2, err := c.Acquire(ctx, "CA_2", "tenant_a", 0)
	require.NoError(t, err)

	_, err = c.Acquire(ctx, "CA_3", "tenant_a", 0)
	require.Error(t, err)

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "global", denied.Scope)
	assert.Equal(t, "CA_3", denied.CallSID)
	assert.Equal(t, 2, denied.Ceiling)

	// The failed attempt rolled its increment back.
	count, err := c.GetCurrentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	c.Release(slot1)
	c.Release(slot2)

	count, err = c.GetCurrentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestConcurrentAcquiresRespectCeiling(t *testing.T) {
	rdb := newFakeRedis()
	c := newTestController(rdb, 2)

	// Three calls racing for two slots from separate goroutines: exactly
	// two get in, the loser gets a ceiling refusal.
	results := make(chan error, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Acquire(context.Background(), fmt.Sprintf("CA_%d", i), "tenant_a", 0)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	granted, refused := 0, 0
	for err := range results {
		if err == nil {
			granted++
			continue
		}
		var denied *DeniedError
		require.ErrorAs(t, err, &denied)
		refused++
	}
	assert.Equal(t, 2, granted)
	assert.Equal(t, 1, refused)

	count, err := c.GetCurrentCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestConcurrentReleasesNeverUnderflow(t *testing.T) {
	rdb := newFakeRedis()
	c := newTestController(rdb, 100)
	ctx := context.Background()

	slots := make([]*Slot, 20)
	for i := range slots {
		slot, err := c.Acquire(ctx, fmt.Sprintf("CA_%d", i), "tenant_a", 0)
		require.NoError(t, err)
		slots[i] = slot
	}

	// Every slot released twice from racing goroutines. The duplicates
	// must stay no-ops and the counter settles at zero, never below.
	var wg sync.WaitGroup
	for _, slot := range slots {
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(s *Slot) {
				defer wg.Done()
				c.Release(s)
			}(slot)
		}
	}
	wg.Wait()

	count, err := c.GetCurrentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestReleaseIsIdempotent(t *testing.T) {
	rdb := newFakeRedis()
	c := newTestController(rdb, 5)
	ctx := context.Background()

	slot, err := c.Acquire(ctx, "CA_1", "tenant_a", 0)
	require.NoError(t, err)

	c.Release(slot)
	c.Release(slot)
	c.Release(slot)
	c.Release(nil)

	assert.True(t, slot.Released())
	count, err := c.GetCurrentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestAcquireFailsClosedWhenStoreDown(t *testing.T) {
	rdb := newFakeRedis()
	c := newTestController(rdb, 5)
	rdb.setFail(true)

	slot, err := c.Acquire(context.Background(), "CA_1", "tenant_a", 0)
	assert.Nil(t, slot)
	require.Error(t, err)

	// Not a ceiling refusal: capacity could not be verified at all.
	var denied *DeniedError
	assert.False(t, errors.As(err, &denied))
}

func TestTenantCeiling(t *testing.T) {
	rdb := newFakeRedis()
	c := newTestController(rdb, 10)
	ctx := context.Background()

	slot1, err := c.Acquire(ctx, "CA_1", "tenant_a", 1)
	require.NoError(t, err)

	_, err = c.Acquire(ctx, "CA_2", "tenant_a", 1)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "tenant", denied.Scope)
	assert.Equal(t, 1, denied.Ceiling)

	// The tenant refusal rolled back the global increment too.
	count, err := c.GetCurrentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Another tenant is unaffected.
	slot3, err := c.Acquire(ctx, "CA_3", "tenant_b", 1)
	require.NoError(t, err)

	c.Release(slot1)
	c.Release(slot3)

	tenantCount, err := c.GetTenantCount(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), tenantCount)
}

func TestSlotRefreshKeepsTTLAlive(t *testing.T) {
	rdb := newFakeRedis()
	c := newTestController(rdb, 5)

	slot, err := c.Acquire(context.Background(), "CA_1", "tenant_a", 0)
	require.NoError(t, err)
	defer c.Release(slot)

	assert.Eventually(t, func() bool {
		return rdb.expireCalls() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestReconcileCorrectsDrift(t *testing.T) {
	rdb := newFakeRedis()
	c := newTestController(rdb, 10)
	ctx := context.Background()

	// Two live slots but a counter claiming five: the pods holding the
	// other three crashed without releasing.
	require.NoError(t, rdb.SetValue(ctx, c.globalCountKey(), "5", 0))
	require.NoError(t, rdb.SetValue(ctx, c.slotKey("tenant_a", "CA_1"), "1", 0))
	require.NoError(t, rdb.SetValue(ctx, c.slotKey("tenant_a", "CA_2"), "1", 0))
	require.NoError(t, rdb.SetValue(ctx, c.tenantCountKey("tenant_a"), "4", 0))
	require.NoError(t, rdb.SetValue(ctx, c.tenantCountKey("tenant_b"), "2", 0))

	c.reconcile(ctx)

	count, err := c.GetCurrentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	tenantA, err := c.GetTenantCount(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), tenantA)

	// tenant_b has no live slots left; its counter drops to zero.
	tenantB, err := c.GetTenantCount(ctx, "tenant_b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), tenantB)
}
