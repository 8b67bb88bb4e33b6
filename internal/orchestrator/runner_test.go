package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lending-experiment/lendstate/internal/store"
)

func TestRunner_RunsAllFetches(t *testing.T) {
	slice := store.NewSlice("test", 0)
	slice.SetActiveKey("k1")
	r := NewRunner(slice, 4, nil)

	var calls int64
	fetch := func(ctx context.Context, key string) error {
		assert.Equal(t, "k1", key)
		atomic.AddInt64(&calls, 1)
		return nil
	}

	r.Run(context.Background(), "k1", fetch, fetch, fetch)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestRunner_SkipsSupersededKey(t *testing.T) {
	slice := store.NewSlice("test", 0)
	slice.SetActiveKey("k2")
	r := NewRunner(slice, 4, nil)

	called := false
	r.Run(context.Background(), "k1", func(ctx context.Context, key string) error {
		called = true
		return nil
	})
	assert.False(t, called, "fetch group for a stale key should not launch")
}

func TestRunner_ErrorsAreIndependent(t *testing.T) {
	slice := store.NewSlice("test", 0)
	slice.SetActiveKey("k1")

	var mu sync.Mutex
	var failures []string
	r := NewRunner(slice, 4, func(key string, err error) {
		mu.Lock()
		failures = append(failures, err.Error())
		mu.Unlock()
	})

	var survived int64
	boom := func(ctx context.Context, key string) error {
		return errors.New("gateway down")
	}
	ok := func(ctx context.Context, key string) error {
		atomic.AddInt64(&survived, 1)
		return nil
	}

	r.Run(context.Background(), "k1", boom, ok, ok)

	assert.Equal(t, int64(2), atomic.LoadInt64(&survived), "one failing fetch must not cancel its siblings")
	require.Len(t, failures, 1)
	assert.Equal(t, "gateway down", failures[0])
}

func TestRunner_BoundedConcurrency(t *testing.T) {
	slice := store.NewSlice("test", 0)
	slice.SetActiveKey("k1")
	r := NewRunner(slice, 2, nil)

	var inFlight, peak int64
	fetch := func(ctx context.Context, key string) error {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
				break
			}
		}
		defer atomic.AddInt64(&inFlight, -1)
		return nil
	}

	fetches := make([]Fetch, 16)
	for i := range fetches {
		fetches[i] = fetch
	}
	r.Run(context.Background(), "k1", fetches...)

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestRunner_GoAndWait(t *testing.T) {
	slice := store.NewSlice("test", 0)
	slice.SetActiveKey("k1")
	r := NewRunner(slice, 4, nil)

	var calls int64
	fetch := func(ctx context.Context, key string) error {
		atomic.AddInt64(&calls, 1)
		return nil
	}

	r.Go(context.Background(), "k1", fetch, fetch)
	r.Go(context.Background(), "k1", fetch)
	r.Wait()

	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}
