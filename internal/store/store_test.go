package store

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type estGas struct {
	EstimatedGas uint64
	IsApproved   bool
}

// TestEqualityGateIdempotence verifies that committing byte-identical
// payloads twice triggers exactly one underlying mutation.
func TestEqualityGateIdempotence(t *testing.T) {
	s := NewSlice("vaultStake", 0)
	f := NewField(s, "formEstGas", func() estGas { return estGas{} })

	before := s.Writes()
	assert.True(t, f.Set(estGas{EstimatedGas: 21000, IsApproved: true}))
	assert.False(t, f.Set(estGas{EstimatedGas: 21000, IsApproved: true}), "identical payload must be a no-op")
	assert.Equal(t, before+1, s.Writes(), "exactly one mutation")

	// A different payload writes again
	assert.True(t, f.Set(estGas{EstimatedGas: 18000, IsApproved: true}))
	assert.Equal(t, before+2, s.Writes())
}

// TestEqualityGateSkipsNotification verifies watchers only fire on real writes
func TestEqualityGateSkipsNotification(t *testing.T) {
	s := NewSlice("vaultStake", 0)
	f := NewField(s, "amount", func() string { return "" })

	var mu sync.Mutex
	notified := 0
	s.Watch(func(slice, field string) {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	f.Set("100")
	f.Set("100")
	f.Set("100")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, notified)
}

// TestKeyedFieldStaleRejection verifies a write for a superseded key is
// discarded silently while the current key's write lands.
func TestKeyedFieldStaleRejection(t *testing.T) {
	s := NewSlice("vaultStake", 0)
	k := NewKeyedField[estGas](s, "formEstGas")

	s.SetActiveKey("k1")
	s.SetActiveKey("k2") // user edited the input before k1's fetch resolved

	// Late result for k1 arrives after k2 became current
	assert.False(t, k.SetIfActive("k1", estGas{EstimatedGas: 21000}))
	_, ok := k.Get("k1")
	assert.False(t, ok, "stale result must not be cached")

	// Result for the current key commits
	assert.True(t, k.SetIfActive("k2", estGas{EstimatedGas: 18000}))
	got, ok := k.Get("k2")
	require.True(t, ok)
	assert.Equal(t, uint64(18000), got.EstimatedGas)
}

func TestFieldSetIfActive(t *testing.T) {
	s := NewSlice("collateralAdd", 0)
	f := NewField(s, "maxRecv", func() string { return "" })

	s.SetActiveKey("k1")
	assert.True(t, f.SetIfActive("k1", "99.5"))
	assert.Equal(t, "99.5", f.Get())

	s.SetActiveKey("k2")
	assert.False(t, f.SetIfActive("k1", "55"))
	assert.Equal(t, "99.5", f.Get(), "stale write must not clobber")
}

// TestBoundedCacheCollapse verifies the collapse-to-newest policy: the cache
// grows to limit+1 entries, then the next write replaces the whole map with
// only that write's entry. It never reaches limit+2 entries.
func TestBoundedCacheCollapse(t *testing.T) {
	const limit = 5
	s := NewSlice("loanCreate", limit)
	k := NewKeyedField[estGas](s, "formEstGas")

	maxSeen := 0
	for i := 0; i < limit+1; i++ {
		k.SetByActiveKey(key(i), estGas{EstimatedGas: uint64(i)})
		if k.Len() > maxSeen {
			maxSeen = k.Len()
		}
	}
	assert.Equal(t, limit+1, k.Len())

	// The write that finds the map over the limit collapses it
	k.SetByActiveKey(key(limit+1), estGas{EstimatedGas: uint64(limit + 1)})
	assert.Equal(t, 1, k.Len(), "cache must collapse to the newest entry")

	got, ok := k.Get(key(limit + 1))
	require.True(t, ok)
	assert.Equal(t, uint64(limit+1), got.EstimatedGas)

	// Older keys became misses
	_, ok = k.Get(key(0))
	assert.False(t, ok)

	// The cache regrows normally after a collapse
	for i := limit + 2; i < limit+5; i++ {
		k.SetByActiveKey(key(i), estGas{EstimatedGas: uint64(i)})
	}
	assert.Equal(t, 4, k.Len())
	assert.LessOrEqual(t, maxSeen, limit+1, "cache never grows unbounded")
}

// TestBoundedCacheManyInserts drives well past the threshold and checks the
// size bound holds throughout.
func TestBoundedCacheManyInserts(t *testing.T) {
	const limit = 5
	s := NewSlice("loanCreate", limit)
	k := NewKeyedField[string](s, "maxRecv")

	for i := 0; i < limit+30; i++ {
		k.SetByActiveKey(key(i), "v")
		assert.LessOrEqual(t, k.Len(), limit+1)
	}
	assert.NotEqual(t, limit+30, k.Len())
}

// TestResetClearsInFlightStaleness verifies that a late result for a
// pre-reset key cannot repopulate freshly reset state.
func TestResetClearsInFlightStaleness(t *testing.T) {
	s := NewSlice("vaultStake", 0)
	k := NewKeyedField[estGas](s, "formEstGas")
	f := NewField(s, "amount", func() string { return "" })

	s.SetActiveKey("k1")
	f.Set("100")
	k.SetIfActive("k1", estGas{EstimatedGas: 21000})

	s.Reset()
	assert.Equal(t, "", s.ActiveKey())
	assert.Equal(t, "", f.Get())
	assert.Equal(t, 0, k.Len())

	// Late async result for the pre-reset key
	assert.False(t, k.SetIfActive("k1", estGas{EstimatedGas: 21000}))
	assert.False(t, f.SetIfActive("k1", "100"))
	assert.Equal(t, 0, k.Len())
	assert.Equal(t, "", f.Get())
}

// TestResetUsesFreshDefaults verifies defaults cannot leak across resets
func TestResetUsesFreshDefaults(t *testing.T) {
	s := NewSlice("user", 0)
	f := NewField(s, "mapper", func() map[string]string { return map[string]string{} })

	m := f.Get()
	m["poisoned"] = "entry"

	s.Reset()
	assert.Empty(t, f.Get(), "reset must produce a fresh default, not the mutated one")
}

func TestUpdateReadModifyWrite(t *testing.T) {
	type status struct {
		Step       string
		IsApproved bool
	}
	s := NewSlice("vaultStake", 0)
	f := NewField(s, "formStatus", func() status { return status{} })

	assert.True(t, f.Update(func(cur status) status {
		cur.Step = "APPROVAL"
		return cur
	}))
	assert.False(t, f.Update(func(cur status) status { return cur }), "no-op update is gated")
	assert.Equal(t, "APPROVAL", f.Get().Step)
}

func TestCommitIfActive(t *testing.T) {
	s := NewSlice("vaultStake", 0)
	s.SetActiveKey("k2")

	ran := false
	assert.False(t, s.CommitIfActive("k1", func() { ran = true }))
	assert.False(t, ran)

	assert.True(t, s.CommitIfActive("k2", func() { ran = true }))
	assert.True(t, ran)
}

// TestConcurrentWrites exercises the engine under racing committers the way
// parallel fetch groups do.
func TestConcurrentWrites(t *testing.T) {
	s := NewSlice("vaultStake", 0)
	k := NewKeyedField[estGas](s, "formEstGas")
	s.SetActiveKey("current")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				k.SetIfActive("current", estGas{EstimatedGas: uint64(i)})
			} else {
				k.SetIfActive("superseded", estGas{EstimatedGas: uint64(i)})
			}
		}(i)
	}
	wg.Wait()

	_, ok := k.Get("superseded")
	assert.False(t, ok)
	_, ok = k.Get("current")
	assert.True(t, ok)
}

func key(i int) string {
	return "1-DEPOSIT-m1-" + strconv.Itoa(i)
}
