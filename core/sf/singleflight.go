// Package sf wraps golang.org/x/sync/singleflight with a typed API.
//
// Single-flight deduplicates concurrent calls for the same key: the first
// caller executes the function, later callers block and receive the shared
// result. The query bus uses this to collapse thundering herds on cache
// misses.
package sf

import "golang.org/x/sync/singleflight"

type Singleflight[T any] struct {
	group singleflight.Group
}

// New creates a Singleflight for values of type T.
func New[T any]() *Singleflight[T] { return &Singleflight[T]{} }

// Do executes fn for key, deduplicating concurrent calls. If a call for key
// is already in flight, Do blocks and returns that call's result. shared
// reports whether the result was given to more than one caller.
func (s *Singleflight[T]) Do(key string, fn func() (T, error)) (out T, err error, shared bool) {
	v, err, shared := s.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return out, err, shared
	}
	return v.(T), nil, shared
}

// Forget drops any in-flight record for key so the next Do executes fn anew.
func (s *Singleflight[T]) Forget(key string) { s.group.Forget(key) }
