package orchestrator

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lending-experiment/lendstate/internal/store"
)

// DefaultMaxConcurrentFetches bounds parallel gateway calls per runner
const DefaultMaxConcurrentFetches = 8

// Fetch performs one keyed gateway call and commits its result through the
// slice's key-checked setters. The key passed in is the activeKey the fetch
// was issued under; the fetch must not commit under any other key.
type Fetch func(ctx context.Context, key string) error

// Runner launches the fetch fan-out that follows every input change. Fetches
// for one key run in parallel and are independent: one failing does not
// cancel its siblings, since each commits a separate field.
type Runner struct {
	slice   *store.Slice
	sem     chan struct{}
	onError func(key string, err error)

	wg sync.WaitGroup
}

// NewRunner creates a runner bound to slice. onError receives individual
// fetch failures and may be nil; maxConcurrent <= 0 selects the default.
func NewRunner(slice *store.Slice, maxConcurrent int, onError func(key string, err error)) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentFetches
	}
	return &Runner{
		slice:   slice,
		sem:     make(chan struct{}, maxConcurrent),
		onError: onError,
	}
}

// Run executes the fetches for key and waits for all of them. Fetches issued
// for a key that is no longer current still run to completion; their commits
// are discarded by the key check, not by cancellation.
func (r *Runner) Run(ctx context.Context, key string, fetches ...Fetch) {
	if key != r.slice.ActiveKey() {
		log.Printf("[Runner] %s: skipping fetch group for superseded key %q", r.slice.Name(), key)
		return
	}

	g := new(errgroup.Group)
	for _, fetch := range fetches {
		fetch := fetch
		g.Go(func() error {
			r.sem <- struct{}{}
			defer func() { <-r.sem }()

			if err := fetch(ctx, key); err != nil {
				log.Printf("[Runner] %s: fetch failed for key %q: %v", r.slice.Name(), key, err)
				if r.onError != nil {
					r.onError(key, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Go runs the fetch group asynchronously, the usual mode after an input
// change: derive the key, store it, fire the group, return to the caller.
func (r *Runner) Go(ctx context.Context, key string, fetches ...Fetch) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Run(ctx, key, fetches...)
	}()
}

// Wait blocks until every group launched via Go has drained. Used by resets
// and tests that need a quiescent slice.
func (r *Runner) Wait() {
	r.wg.Wait()
}
