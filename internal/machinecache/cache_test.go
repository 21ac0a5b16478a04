package machinecache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) MachineType(ctx context.Context, machineID int64) (string, bool, error) {
	args := m.Called(ctx, machineID)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, store Store, maxSize int) (*Cache, *fakeClock) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := New(store, Options{TTL: time.Minute, MaxSize: maxSize, Now: clock.Now}, logger)
	return c, clock
}

func TestLookupHitWithinTTL(t *testing.T) {
	store := new(MockStore)
	store.On("MachineType", mock.Anything, int64(42)).Return("M", true, nil).Once()

	c, clock := newTestCache(t, store, 10)

	for i := 0; i < 3; i++ {
		got, err := c.Lookup(context.Background(), 42)
		require.NoError(t, err)
		assert.Equal(t, "M", got)
		clock.Advance(10 * time.Second)
	}

	store.AssertNumberOfCalls(t, "MachineType", 1)
	info := c.Info()
	assert.Equal(t, uint64(2), info.Hits)
	assert.Equal(t, uint64(1), info.StoreLookups)
}

func TestLookupRequeriesAfterTTL(t *testing.T) {
	store := new(MockStore)
	store.On("MachineType", mock.Anything, int64(42)).Return("M", true, nil).Once()
	store.On("MachineType", mock.Anything, int64(42)).Return("H", true, nil).Once()

	c, clock := newTestCache(t, store, 10)

	got, err := c.Lookup(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "M", got)

	clock.Advance(time.Minute)

	got, err = c.Lookup(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "H", got)

	store.AssertExpectations(t)
	assert.Equal(t, uint64(1), c.Info().Expirations)
}

func TestNotFoundIsNeverCached(t *testing.T) {
	store := new(MockStore)
	store.On("MachineType", mock.Anything, int64(9999)).Return("", false, nil).Twice()
	store.On("MachineType", mock.Anything, int64(9999)).Return("L", true, nil).Once()

	c, _ := newTestCache(t, store, 10)

	for i := 0; i < 2; i++ {
		_, err := c.Lookup(context.Background(), 9999)
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))
	}

	got, err := c.Lookup(context.Background(), 9999)
	require.NoError(t, err)
	assert.Equal(t, "L", got)
	store.AssertExpectations(t)
}

func TestStoreFailureIsRepositoryError(t *testing.T) {
	store := new(MockStore)
	store.On("MachineType", mock.Anything, int64(7)).Return("M", true, nil).Once()
	store.On("MachineType", mock.Anything, int64(7)).Return("", false, errors.New("connection refused")).Once()

	c, clock := newTestCache(t, store, 10)
	_, err := c.Lookup(context.Background(), 7)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	got, err := c.Lookup(context.Background(), 7)
	require.Error(t, err)
	assert.Empty(t, got, "an expired entry is not served when the store fails")
	assert.True(t, apperrors.IsTransient(err))

	var repoErr *apperrors.RepositoryError
	assert.ErrorAs(t, err, &repoErr)
}

func TestLRUEviction(t *testing.T) {
	store := new(MockStore)
	for _, id := range []int64{1, 2, 3} {
		store.On("MachineType", mock.Anything, id).Return("L", true, nil)
	}

	c, _ := newTestCache(t, store, 2)
	ctx := context.Background()

	_, _ = c.Lookup(ctx, 1)
	_, _ = c.Lookup(ctx, 2)
	_, _ = c.Lookup(ctx, 1) // 2 is now least recently used
	_, _ = c.Lookup(ctx, 3)

	info := c.Info()
	assert.Equal(t, []int64{1, 3}, info.CachedMachineIDs)
	assert.Equal(t, uint64(1), info.Evictions)
	assert.Equal(t, 2, info.MaxSize)
}

func TestInvalidateAndClear(t *testing.T) {
	store := new(MockStore)
	store.On("MachineType", mock.Anything, int64(1)).Return("L", true, nil)
	store.On("MachineType", mock.Anything, int64(2)).Return("H", true, nil)

	c, _ := newTestCache(t, store, 10)
	ctx := context.Background()
	_, _ = c.Lookup(ctx, 1)
	_, _ = c.Lookup(ctx, 2)

	assert.True(t, c.Invalidate(1))
	assert.False(t, c.Invalidate(1))
	assert.Equal(t, []int64{2}, c.Info().CachedMachineIDs)

	_, _ = c.Lookup(ctx, 1)
	store.AssertNumberOfCalls(t, "MachineType", 3)

	assert.Equal(t, 2, c.Clear())
	assert.Equal(t, 0, c.Info().CurrentSize)
}

func TestPurgeExpired(t *testing.T) {
	store := new(MockStore)
	store.On("MachineType", mock.Anything, mock.Anything).Return("M", true, nil)

	c, clock := newTestCache(t, store, 10)
	ctx := context.Background()
	_, _ = c.Lookup(ctx, 1)
	clock.Advance(30 * time.Second)
	_, _ = c.Lookup(ctx, 2)
	clock.Advance(40 * time.Second)

	assert.Equal(t, 1, c.PurgeExpired())
	assert.Equal(t, []int64{2}, c.Info().CachedMachineIDs)
}

func TestWarmup(t *testing.T) {
	store := new(MockStore)
	store.On("MachineType", mock.Anything, int64(1)).Return("L", true, nil)
	store.On("MachineType", mock.Anything, int64(2)).Return("", false, nil)
	store.On("MachineType", mock.Anything, int64(3)).Return("", false, errors.New("timeout"))

	c, _ := newTestCache(t, store, 10)
	res := c.Warmup(context.Background(), []int64{1, 2, 3})

	assert.Equal(t, WarmupResult{Success: 1, Failure: 2, Total: 3}, res)
	assert.Equal(t, []int64{1}, c.Info().CachedMachineIDs)
}

func TestConcurrentLookupAndInvalidate(t *testing.T) {
	store := new(MockStore)
	store.On("MachineType", mock.Anything, mock.Anything).Return("M", true, nil)

	c, _ := newTestCache(t, store, 5)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := int64((g + i) % 10)
				if i%7 == 0 {
					c.Invalidate(id)
					continue
				}
				got, err := c.Lookup(ctx, id)
				assert.NoError(t, err)
				assert.Equal(t, "M", got)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Info().CurrentSize, 5)
}

func TestCloseStopsSweeperAndClosesStore(t *testing.T) {
	store := new(MockStore)
	store.On("Close").Return(nil).Once()

	logger, _ := zap.NewDevelopment()
	c := New(store, Options{TTL: time.Minute, MaxSize: 10, CleanupInterval: 10 * time.Millisecond}, logger)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	store.AssertExpectations(t)
}
