package cache

import (
	"context"
	"errors"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
)

type memBackend struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
	gets int
}

func newMemBackend() *memBackend {
	return &memBackend{data: map[string][]byte{}}
}

func (m *memBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func (m *memBackend) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	n, _ := strconv.ParseInt(string(m.data[key]), 10, 64)
	n++
	m.data[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (m *memBackend) queryKeys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.data {
		if strings.HasPrefix(k, keyPrefix) {
			n++
		}
	}
	return n
}

func (m *memBackend) DeleteByPattern(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	var n int64
	for k := range m.data {
		if ok, _ := path.Match(pattern, k); ok {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func TestGetOrComputeCaches(t *testing.T) {
	backend := newMemBackend()
	c := New(backend, config.RedisConfig{CacheTTL: time.Minute}, nil)
	ctx := context.Background()

	calls := 0
	compute := func() ([]uint32, error) {
		calls++
		return []uint32{2, 7, 9}, nil
	}

	ids, hit, err := c.GetOrCompute(ctx, "mode=AND|name=ANA", compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []uint32{2, 7, 9}, ids)

	ids, hit, err = c.GetOrCompute(ctx, "mode=AND|name=ANA", compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []uint32{2, 7, 9}, ids)
	assert.Equal(t, 1, calls)
}

func TestInvalidate(t *testing.T) {
	backend := newMemBackend()
	backend.data["other:key"] = []byte{1}
	c := New(backend, config.RedisConfig{}, nil)
	ctx := context.Background()

	_, _, err := c.GetOrCompute(ctx, "q", func() ([]uint32, error) { return []uint32{1}, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, backend.queryKeys())
	require.NoError(t, c.Invalidate(ctx))
	assert.Zero(t, backend.queryKeys())
	assert.Contains(t, backend.data, "other:key")
	assert.Equal(t, []byte("1"), backend.data[generationKey])

	_, hit, err := c.GetOrCompute(ctx, "q", func() ([]uint32, error) { return []uint32{1}, nil })
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestResultComputedBeforeInvalidateIsNotServed(t *testing.T) {
	backend := newMemBackend()
	c := New(backend, config.RedisConfig{CacheTTL: time.Minute}, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ids, _, err := c.GetOrCompute(ctx, "name=JULIANA", func() ([]uint32, error) {
			close(started)
			<-release
			return []uint32{}, nil
		})
		assert.NoError(t, err)
		assert.Empty(t, ids)
	}()

	<-started
	require.NoError(t, c.Invalidate(ctx))
	close(release)
	<-done

	ids, hit, err := c.GetOrCompute(ctx, "name=JULIANA", func() ([]uint32, error) {
		return []uint32{7}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []uint32{7}, ids)

	ids, hit, err = c.GetOrCompute(ctx, "name=JULIANA", func() ([]uint32, error) {
		return nil, errors.New("should be cached")
	})
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []uint32{7}, ids)
}

func TestBackendFailureFallsBackToCompute(t *testing.T) {
	backend := newMemBackend()
	backend.err = errors.New("connection refused")
	c := New(backend, config.RedisConfig{}, nil)

	for i := 0; i < 5; i++ {
		ids, hit, err := c.GetOrCompute(context.Background(), "q", func() ([]uint32, error) {
			return []uint32{4}, nil
		})
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, []uint32{4}, ids)
	}
	// The breaker opens after three failed calls and stops hitting Redis.
	assert.Less(t, backend.gets, 5)
}

func TestComputeErrorIsReturned(t *testing.T) {
	c := New(newMemBackend(), config.RedisConfig{}, nil)
	boom := errors.New("boom")
	_, _, err := c.GetOrCompute(context.Background(), "q", func() ([]uint32, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestConcurrentIdenticalQueriesShareCompute(t *testing.T) {
	c := New(newMemBackend(), config.RedisConfig{}, nil)
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, _, err := c.GetOrCompute(context.Background(), "q", func() ([]uint32, error) {
				calls.Add(1)
				<-release
				return []uint32{3}, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, []uint32{3}, ids)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, calls.Load(), int32(8))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestEncodeDecodeIDs(t *testing.T) {
	ids, err := decodeIDs(encodeIDs([]uint32{1, 70000, 1 << 31}))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 70000, 1 << 31}, ids)

	_, err = decodeIDs([]byte{1, 2, 3})
	assert.Error(t, err)
}
