package observation

import (
	"bytes"
	"context"
	"fmt"

	"github.com/maxpert/sqlwatch/db"
	"github.com/maxpert/sqlwatch/encoding"
)

// Reducer turns committed database state into observed values.
//
// Fetch runs once per relevant commit, with a view of exactly the committed
// state. It may run on the writer goroutine or on a helper goroutine, and
// must not touch state that Reduce mutates.
//
// Reduce runs on the observation's reduce queue, one call at a time and in
// commit order, so it may keep state across calls without locking. Returning
// false suppresses the notification for that commit.
type Reducer[F, V any] interface {
	Fetch(ctx context.Context, q db.Querier) (F, error)
	Reduce(fetched F) (V, bool, error)
}

// FuncReducer adapts a pair of functions to the Reducer interface
type FuncReducer[F, V any] struct {
	FetchFunc  func(ctx context.Context, q db.Querier) (F, error)
	ReduceFunc func(fetched F) (V, bool, error)
}

func (r *FuncReducer[F, V]) Fetch(ctx context.Context, q db.Querier) (F, error) {
	return r.FetchFunc(ctx, q)
}

func (r *FuncReducer[F, V]) Reduce(fetched F) (V, bool, error) {
	return r.ReduceFunc(fetched)
}

// fetchReducer notifies every fetched value as is
type fetchReducer[V any] struct {
	fetch func(ctx context.Context, q db.Querier) (V, error)
}

func (r *fetchReducer[V]) Fetch(ctx context.Context, q db.Querier) (V, error) {
	return r.fetch(ctx, q)
}

func (r *fetchReducer[V]) Reduce(fetched V) (V, bool, error) {
	return fetched, true, nil
}

type compactMapReducer[F, V, U any] struct {
	inner Reducer[F, V]
	fn    func(V) (U, bool)
}

// CompactMapReducer wraps inner and transforms each produced value with fn.
// Values for which fn returns false are suppressed.
func CompactMapReducer[F, V, U any](inner Reducer[F, V], fn func(V) (U, bool)) Reducer[F, U] {
	return &compactMapReducer[F, V, U]{inner: inner, fn: fn}
}

// MapReducer wraps inner and transforms each produced value with fn
func MapReducer[F, V, U any](inner Reducer[F, V], fn func(V) U) Reducer[F, U] {
	return CompactMapReducer(inner, func(v V) (U, bool) { return fn(v), true })
}

func (r *compactMapReducer[F, V, U]) Fetch(ctx context.Context, q db.Querier) (F, error) {
	return r.inner.Fetch(ctx, q)
}

func (r *compactMapReducer[F, V, U]) Reduce(fetched F) (U, bool, error) {
	var zero U
	v, ok, err := r.inner.Reduce(fetched)
	if err != nil || !ok {
		return zero, false, err
	}
	u, ok := r.fn(v)
	if !ok {
		return zero, false, nil
	}
	return u, true, nil
}

type distinctReducer[F, V any] struct {
	inner Reducer[F, V]
	equal func(a, b V) bool

	// sum pre-filters the byte comparison of encodings
	sum func(data []byte) uint64

	last     V
	lastData []byte
	lastSum  uint64
	hasLast  bool
}

// DistinctReducer wraps inner and suppresses values equal to the previously
// notified one. Two values are equal when their msgpack encodings are
// byte-for-byte identical; the xxhash of the encoding only short-cuts the
// comparison when it differs.
func DistinctReducer[F, V any](inner Reducer[F, V]) Reducer[F, V] {
	return &distinctReducer[F, V]{inner: inner, sum: encoding.Sum64}
}

// DistinctFuncReducer is DistinctReducer with a custom equality
func DistinctFuncReducer[F, V any](inner Reducer[F, V], equal func(a, b V) bool) Reducer[F, V] {
	return &distinctReducer[F, V]{inner: inner, equal: equal}
}

func (r *distinctReducer[F, V]) Fetch(ctx context.Context, q db.Querier) (F, error) {
	return r.inner.Fetch(ctx, q)
}

func (r *distinctReducer[F, V]) Reduce(fetched F) (V, bool, error) {
	var zero V
	v, ok, err := r.inner.Reduce(fetched)
	if err != nil || !ok {
		return zero, false, err
	}

	if r.equal != nil {
		if r.hasLast && r.equal(r.last, v) {
			return zero, false, nil
		}
		r.last, r.hasLast = v, true
		return v, true, nil
	}

	data, err := encoding.Marshal(v)
	if err != nil {
		return zero, false, fmt.Errorf("failed to encode value for comparison: %w", err)
	}
	sum := r.sum(data)
	if r.hasLast && sum == r.lastSum && bytes.Equal(data, r.lastData) {
		return zero, false, nil
	}
	r.lastData, r.lastSum, r.hasLast = data, sum, true
	return v, true, nil
}
