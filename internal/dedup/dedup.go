// Package dedup collapses concurrent work for identical keys into a single
// awaited result, built on golang.org/x/sync/singleflight.
package dedup

import (
	"golang.org/x/sync/singleflight"
)

// Group deduplicates concurrent factory invocations sharing a key.
type Group struct {
	g singleflight.Group
}

// New creates an empty Group.
func New() *Group {
	return &Group{}
}

// GetOrCreate ensures that for any set of concurrent callers sharing key,
// factory runs exactly once; every caller observes the same value or the
// same error. The pending entry is removed once factory settles, so a
// later call is free to retry.
func GetOrCreate[T any](g *Group, key string, factory func() (T, error)) (T, error) {
	v, err, _ := g.g.Do(key, func() (any, error) {
		return factory()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
