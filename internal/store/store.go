// Package store implements the keyed slice-state engine shared by every
// feature: equality-gated writes, per-ActiveKey bounded result caches, and
// the stale-response discard rule that lets concurrent fetches race safely.
package store

import (
	"reflect"
	"sync"
)

// DefaultLimit is the fallback bounded-cache collapse threshold
const DefaultLimit = 30

// Watcher is notified after a write actually mutates slice state. Writes
// skipped by the equality gate never notify.
type Watcher func(slice, field string)

// resettable is implemented by fields registered on a slice; reset is called
// with the slice lock held.
type resettable interface {
	reset()
}

// Slice owns the state bundle for one feature: the current ActiveKey plus any
// number of registered fields. All access goes through the slice's single
// lock so key checks and commits are atomic with respect to each other.
type Slice struct {
	name  string
	limit int

	mu        sync.Mutex
	activeKey string
	writes    uint64
	fields    []resettable
	watchers  []Watcher
}

// NewSlice creates an empty slice. limit bounds every KeyedField registered
// on it; pass 0 for the default.
func NewSlice(name string, limit int) *Slice {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Slice{name: name, limit: limit}
}

// Name returns the slice's registry name
func (s *Slice) Name() string { return s.name }

// ActiveKey returns the current composite input key
func (s *Slice) ActiveKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeKey
}

// SetActiveKey installs the key for the current input combination. Must be
// called synchronously on input change, before any fetch is issued.
func (s *Slice) SetActiveKey(key string) bool {
	return s.write("activeKey", func() bool {
		if s.activeKey == key {
			return false
		}
		s.activeKey = key
		return true
	})
}

// Writes returns the slice's mutation counter. The counter only moves on
// writes that pass the equality gate, so pollers can diff on it cheaply.
func (s *Slice) Writes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Watch registers a notification callback for gated writes
func (s *Slice) Watch(w Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, w)
}

// Reset replaces the whole slice state with fresh defaults. Late results for
// pre-reset keys are discarded afterwards by the key check, since the
// activeKey they were issued under no longer matches.
func (s *Slice) Reset() {
	s.mu.Lock()
	s.activeKey = ""
	for _, f := range s.fields {
		f.reset()
	}
	s.writes++
	watchers := append([]Watcher(nil), s.watchers...)
	s.mu.Unlock()
	for _, w := range watchers {
		w(s.name, "reset")
	}
}

// CommitIfActive runs commit only if key still equals the current activeKey.
// Writes inside commit should themselves use SetIfActive so each one
// re-checks atomically; this coarse check just short-circuits dead work.
func (s *Slice) CommitIfActive(key string, commit func()) bool {
	if s.ActiveKey() != key {
		return false
	}
	commit()
	return true
}

func (s *Slice) register(f resettable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields = append(s.fields, f)
}

// write runs apply under the slice lock; apply reports whether state
// actually changed. Watchers fire outside the lock.
func (s *Slice) write(field string, apply func() bool) bool {
	s.mu.Lock()
	changed := apply()
	var watchers []Watcher
	if changed {
		s.writes++
		watchers = append([]Watcher(nil), s.watchers...)
	}
	s.mu.Unlock()
	for _, w := range watchers {
		w(s.name, field)
	}
	return changed
}

// Field holds a single equality-gated value. T must be a plain data record
// (strings, numbers, small structs); the gate compares structurally.
type Field[T any] struct {
	s    *Slice
	name string
	def  func() T
	v    T
}

// NewField registers a field on the slice. def constructs defaults and is
// invoked per reset so resets never share state.
func NewField[T any](s *Slice, name string, def func() T) *Field[T] {
	f := &Field[T]{s: s, name: name, def: def, v: def()}
	s.register(f)
	return f
}

func (f *Field[T]) reset() { f.v = f.def() }

// Get returns the current value
func (f *Field[T]) Get() T {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.v
}

// Set writes v unless it is structurally equal to the stored value
func (f *Field[T]) Set(v T) bool {
	return f.s.write(f.name, func() bool {
		if reflect.DeepEqual(f.v, v) {
			return false
		}
		f.v = v
		return true
	})
}

// SetIfActive writes v only while key matches the slice's current activeKey,
// checked atomically with the write. A mismatch is a silent no-op: stale
// responses are discarded by design, not surfaced as errors.
func (f *Field[T]) SetIfActive(key string, v T) bool {
	return f.s.write(f.name, func() bool {
		if f.s.activeKey != key {
			return false
		}
		if reflect.DeepEqual(f.v, v) {
			return false
		}
		f.v = v
		return true
	})
}

// UpdateIfActive is Update guarded by the stale-response rule: the mutation
// only applies while key is still the slice's current activeKey.
func (f *Field[T]) UpdateIfActive(key string, mutate func(T) T) bool {
	return f.s.write(f.name, func() bool {
		if f.s.activeKey != key {
			return false
		}
		next := mutate(f.v)
		if reflect.DeepEqual(f.v, next) {
			return false
		}
		f.v = next
		return true
	})
}

// Update applies mutate to the current value and stores the result, all
// under one lock, for read-modify-write transitions on status records.
func (f *Field[T]) Update(mutate func(T) T) bool {
	return f.s.write(f.name, func() bool {
		next := mutate(f.v)
		if reflect.DeepEqual(f.v, next) {
			return false
		}
		f.v = next
		return true
	})
}

// KeyedField maps ActiveKey to a result record with bounded growth: once the
// backing map exceeds the slice's limit, the next write replaces it with a
// single-entry map holding only the newest result. Older keys become cache
// misses and refetch, trading lookups for a hard memory bound.
type KeyedField[T any] struct {
	s    *Slice
	name string
	m    map[string]T
}

// NewKeyedField registers a keyed result cache on the slice
func NewKeyedField[T any](s *Slice, name string) *KeyedField[T] {
	k := &KeyedField[T]{s: s, name: name, m: make(map[string]T)}
	s.register(k)
	return k
}

func (k *KeyedField[T]) reset() { k.m = make(map[string]T) }

// Get returns the cached result for key
func (k *KeyedField[T]) Get(key string) (T, bool) {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	v, ok := k.m[key]
	return v, ok
}

// Len returns the number of cached entries
func (k *KeyedField[T]) Len() int {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	return len(k.m)
}

// Snapshot returns a copy of the backing map
func (k *KeyedField[T]) Snapshot() map[string]T {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	out := make(map[string]T, len(k.m))
	for key, v := range k.m {
		out[key] = v
	}
	return out
}

// SetByActiveKey stores v under key, collapsing the map first when it has
// grown past the limit. Equality-gated like every write.
func (k *KeyedField[T]) SetByActiveKey(key string, v T) bool {
	return k.s.write(k.name, func() bool {
		return k.put(key, v)
	})
}

// SetIfActive stores v under key only while key is still the slice's current
// activeKey; stale results are dropped silently.
func (k *KeyedField[T]) SetIfActive(key string, v T) bool {
	return k.s.write(k.name, func() bool {
		if k.s.activeKey != key {
			return false
		}
		return k.put(key, v)
	})
}

// Delete removes the cached entry for key, making the next lookup a miss
func (k *KeyedField[T]) Delete(key string) bool {
	return k.s.write(k.name, func() bool {
		if _, ok := k.m[key]; !ok {
			return false
		}
		delete(k.m, key)
		return true
	})
}

// put implements the bounded insert; caller holds the slice lock
func (k *KeyedField[T]) put(key string, v T) bool {
	if old, ok := k.m[key]; ok && reflect.DeepEqual(old, v) {
		return false
	}
	if len(k.m) > k.s.limit {
		k.m = map[string]T{key: v}
		return true
	}
	k.m[key] = v
	return true
}
