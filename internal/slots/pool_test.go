package slots

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAcquireRelease(t *testing.T) {
	p := NewPool(2)
	assert.Equal(t, 2, p.Available())
	assert.Equal(t, 2, p.Max())

	require.NoError(t, p.Acquire())
	require.NoError(t, p.Acquire())
	assert.Equal(t, 0, p.Available())

	err := p.Acquire()
	assert.ErrorIs(t, err, ErrNoCapacity)

	p.Release()
	assert.Equal(t, 1, p.Available())
	require.NoError(t, p.Acquire())
}

func TestPoolRejectsBeyondCap(t *testing.T) {
	const capacity = 3
	p := NewPool(capacity)

	var wg sync.WaitGroup
	results := make(chan error, capacity+1)

	for i := 0; i < capacity+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- p.Acquire()
		}()
	}
	wg.Wait()
	close(results)

	var ok, rejected int
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrNoCapacity)
			rejected++
		}
	}
	assert.Equal(t, capacity, ok, "first N acquires proceed")
	assert.Equal(t, 1, rejected, "the N+1th is rejected immediately")
}

func TestPoolReleaseNeverExceedsMax(t *testing.T) {
	p := NewPool(1)
	p.Release()
	p.Release()
	assert.Equal(t, 1, p.Available())
}

func TestPoolOnChange(t *testing.T) {
	p := NewPool(1)

	var mu sync.Mutex
	var seen []int
	p.SetOnChange(func(available int) {
		mu.Lock()
		seen = append(seen, available)
		mu.Unlock()
	})

	require.NoError(t, p.Acquire())
	p.Release()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1}, seen)
}
