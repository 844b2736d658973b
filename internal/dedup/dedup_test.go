package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateCollapsesConcurrentCallers(t *testing.T) {
	g := New()
	var calls int32

	const n = 50
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)

	var start sync.WaitGroup
	start.Add(1)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			start.Wait()
			v, err := GetOrCreate(g, "k", func() (int, error) {
				atomic.AddInt32(&calls, 1)
				return 42, nil
			})
			results[idx] = v
			errs[idx] = err
		}(i)
	}
	start.Done()
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, results[i])
	}
}

func TestGetOrCreateAllowsRetryAfterSettle(t *testing.T) {
	g := New()
	var calls int32

	_, err := GetOrCreate(g, "k", func() (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, fmt.Errorf("boom")
	})
	require.Error(t, err)

	v, err := GetOrCreate(g, "k", func() (int, error) {
		atomic.AddInt32(&calls, 1)
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
