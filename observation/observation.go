package observation

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/maxpert/sqlwatch/db"
	"github.com/maxpert/sqlwatch/telemetry"
	"github.com/rs/zerolog/log"
)

var handleSeq atomic.Uint64

// Observation describes a live query: the region it tracks and how to build
// a fresh reducer for each start. It is a value; Start may be called on the
// same Observation any number of times.
type Observation[F, V any] struct {
	Name         string     // Used in logs, metrics and the admin API
	Scheduling   Scheduling // Default FetchOnWriter
	InitialValue bool       // Deliver the current value before any change

	region      Region
	makeReducer func() Reducer[F, V]
}

// Tracking returns an observation of region whose values are produced by
// reducers from makeReducer
func Tracking[F, V any](region Region, makeReducer func() Reducer[F, V]) Observation[F, V] {
	return Observation[F, V]{region: region, makeReducer: makeReducer}
}

// TrackingFunc returns an observation that notifies every fetched value
func TrackingFunc[V any](region Region, fetch func(ctx context.Context, q db.Querier) (V, error)) Observation[V, V] {
	return Tracking(region, func() Reducer[V, V] {
		return &fetchReducer[V]{fetch: fetch}
	})
}

func derive[F, V, U any](o Observation[F, V], wrap func(Reducer[F, V]) Reducer[F, U]) Observation[F, U] {
	makeReducer := o.makeReducer
	return Observation[F, U]{
		Name:         o.Name,
		Scheduling:   o.Scheduling,
		InitialValue: o.InitialValue,
		region:       o.region,
		makeReducer: func() Reducer[F, U] {
			return wrap(makeReducer())
		},
	}
}

// Map transforms every value of o with fn
func Map[F, V, U any](o Observation[F, V], fn func(V) U) Observation[F, U] {
	return derive(o, func(r Reducer[F, V]) Reducer[F, U] { return MapReducer(r, fn) })
}

// CompactMap transforms every value of o with fn and drops those for which
// fn returns false
func CompactMap[F, V, U any](o Observation[F, V], fn func(V) (U, bool)) Observation[F, U] {
	return derive(o, func(r Reducer[F, V]) Reducer[F, U] { return CompactMapReducer(r, fn) })
}

// RemoveDuplicates drops values equal to the previously notified one
func RemoveDuplicates[F, V any](o Observation[F, V]) Observation[F, V] {
	return derive(o, func(r Reducer[F, V]) Reducer[F, V] { return DistinctReducer(r) })
}

// RemoveDuplicatesFunc is RemoveDuplicates with a custom equality
func RemoveDuplicatesFunc[F, V any](o Observation[F, V], equal func(a, b V) bool) Observation[F, V] {
	return derive(o, func(r Reducer[F, V]) Reducer[F, V] { return DistinctFuncReducer(r, equal) })
}

// Region returns the tracked region
func (o Observation[F, V]) Region() Region {
	return o.region
}

type startOptions struct {
	onError              func(error)
	reduceQueue          *SerialQueue
	notificationQueue    *SerialQueue
	registry             *Registry
	backlogWarnThreshold int
}

// Option configures Start
type Option func(*startOptions)

// WithErrorHandler receives fetch and reduce errors, in commit order with
// values. Without it errors are dropped.
func WithErrorHandler(fn func(error)) Option {
	return func(o *startOptions) { o.onError = fn }
}

// WithReduceQueue runs reducers on a shared queue instead of a private one.
// The caller owns the queue; cancelling the observation does not stop it.
func WithReduceQueue(q *SerialQueue) Option {
	return func(o *startOptions) { o.reduceQueue = q }
}

// WithNotificationQueue delivers values and errors on q instead of the
// reduce queue
func WithNotificationQueue(q *SerialQueue) Option {
	return func(o *startOptions) { o.notificationQueue = q }
}

// WithRegistry lists the observation in r until it is cancelled
func WithRegistry(r *Registry) Option {
	return func(o *startOptions) { o.registry = r }
}

// WithBacklogWarnThreshold sets when the private reduce queue logs a backlog
// warning (0 = never)
func WithBacklogWarnThreshold(n int) Option {
	return func(o *startOptions) { o.backlogWarnThreshold = n }
}

// Start registers the observation with database. onChange receives every
// value, in commit order, until the returned Handle is cancelled.
//
// Start must not be called from inside a Write callback of the same
// database: it waits for the write lock.
func (o Observation[F, V]) Start(database *db.Database, onChange func(V), opts ...Option) (*Handle, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}
	if onChange == nil {
		return nil, fmt.Errorf("onChange is required")
	}
	if o.region == nil || o.makeReducer == nil {
		return nil, fmt.Errorf("observation has no region or reducer; use Tracking")
	}

	var options startOptions
	for _, opt := range opts {
		opt(&options)
	}

	id := handleSeq.Add(1)
	name := o.Name
	if name == "" {
		name = fmt.Sprintf("observation-%d", id)
	}

	if o.Scheduling == FetchOnSnapshot && !database.SupportsSnapshots() {
		return nil, fmt.Errorf("observation %s: %w", name, db.ErrSnapshotUnsupported)
	}

	reducer := o.makeReducer()
	if reducer == nil {
		return nil, fmt.Errorf("observation %s: reducer factory returned nil", name)
	}

	queue := options.reduceQueue
	ownsQueue := queue == nil
	if ownsQueue {
		queue = NewSerialQueue(name, options.backlogWarnThreshold)
	}

	ctx, cancel := context.WithCancel(context.Background())
	alive := &atomic.Bool{}
	alive.Store(true)
	c := &counters{}

	observer := &ValueObserver[F, V]{
		name:              name,
		region:            o.region,
		reducer:           reducer,
		scheduling:        o.Scheduling,
		ctx:               ctx,
		reduceQueue:       queue,
		notificationQueue: options.notificationQueue,
		onChange:          onChange,
		onError:           options.onError,
		alive:             alive,
		counters:          c,
		relevant:          telemetry.ObservationEventsTotal.With("relevant"),
		ignored:           telemetry.ObservationEventsTotal.With("ignored"),
	}

	h := newHandle(id, name, o.region.String(), o.Scheduling, database, queue, ownsQueue, alive, cancel, c)

	// Registering under the write lock guarantees the initial value and the
	// first change notification see consecutive committed states.
	err := database.WriteAccess(ctx, func(tx *db.TxHandle) error {
		if o.InitialValue {
			observer.enqueue(observer.fetch(tx))
		}
		h.observerID = database.AddObserver(observer, db.ExtentObserverLifetime)
		return nil
	})
	if err != nil {
		cancel()
		if ownsQueue {
			queue.Stop()
		}
		return nil, fmt.Errorf("observation %s: failed to start: %w", name, err)
	}

	if options.registry != nil {
		options.registry.add(h)
	}
	telemetry.ObservationsActive.Inc()

	log.Info().
		Uint64("id", id).
		Str("observation", name).
		Str("region", h.region).
		Str("scheduling", o.Scheduling.String()).
		Bool("initial_value", o.InitialValue).
		Msg("Started observation")

	return h, nil
}
