package observation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/maxpert/sqlwatch/db"
	"github.com/maxpert/sqlwatch/telemetry"
)

// Region is the part of the database an observation depends on.
// *region.Region implements it.
type Region interface {
	IsModifiedByKind(kind db.EventKind) bool
	IsModifiedBy(event db.Event) bool
	String() string
}

// Stats are running counters for one observation
type Stats struct {
	Fetches    uint64 `json:"fetches"`
	Delivered  uint64 `json:"delivered"`
	Suppressed uint64 `json:"suppressed"`
	Errors     uint64 `json:"errors"`
	Dropped    uint64 `json:"errors_dropped"`
	Backlog    int    `json:"backlog"`
}

type counters struct {
	fetches    atomic.Uint64
	delivered  atomic.Uint64
	suppressed atomic.Uint64
	errors     atomic.Uint64
	dropped    atomic.Uint64
}

// ValueObserver connects one observation to the database. The transaction
// observer methods run on the writer goroutine; everything after the fetch
// runs on the reduce queue.
type ValueObserver[F, V any] struct {
	name       string
	region     Region
	reducer    Reducer[F, V]
	scheduling Scheduling

	// ctx is cancelled when the observation is cancelled
	ctx context.Context

	reduceQueue       *SerialQueue
	notificationQueue *SerialQueue
	onChange          func(V)
	onError           func(error)

	alive    *atomic.Bool
	counters *counters

	// writer goroutine only
	isChanged bool

	relevant telemetry.Counter
	ignored  telemetry.Counter
}

// ObservesEventsOfKind reports whether statements of this kind can touch
// the observed region. It is asked before each event is delivered.
func (o *ValueObserver[F, V]) ObservesEventsOfKind(kind db.EventKind) bool {
	return o.region.IsModifiedByKind(kind)
}

// DatabaseDidChange returns false once the transaction is known to matter,
// which mutes the observer until the transaction ends.
func (o *ValueObserver[F, V]) DatabaseDidChange(event db.Event) bool {
	if o.isChanged {
		return false
	}
	if o.region.IsModifiedBy(event) {
		o.relevant.Inc()
		o.isChanged = true
		return false
	}
	o.ignored.Inc()
	return true
}

// DatabaseDidCommit schedules one fetch of the committed state when the
// transaction touched the region, and enqueues its reduction in commit order.
func (o *ValueObserver[F, V]) DatabaseDidCommit(h *db.TxHandle) {
	if !o.isChanged {
		return
	}
	o.isChanged = false

	if !o.alive.Load() {
		return
	}
	o.enqueue(o.fetch(h))
}

// DatabaseDidRollback forgets the changes of the aborted transaction
func (o *ValueObserver[F, V]) DatabaseDidRollback(*db.TxHandle) {
	o.isChanged = false
}

func (o *ValueObserver[F, V]) fetch(h *db.TxHandle) *SnapshotFuture[F] {
	o.counters.fetches.Add(1)
	if o.scheduling == FetchOnSnapshot {
		return fetchOnSnapshot(o.ctx, h, o.reducer.Fetch)
	}
	return fetchOnWriter(o.ctx, h, o.reducer.Fetch)
}

func (o *ValueObserver[F, V]) enqueue(fut *SnapshotFuture[F]) {
	o.reduceQueue.Submit(func() { o.reduce(fut) })
}

// reduce runs on the reduce queue
func (o *ValueObserver[F, V]) reduce(fut *SnapshotFuture[F]) {
	if !o.alive.Load() {
		return
	}

	fetched, err := fut.Wait()
	if err != nil {
		o.notifyError(err)
		return
	}

	start := time.Now()
	value, ok, err := o.reducer.Reduce(fetched)
	telemetry.ObservationReduceSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		o.notifyError(&ReduceError{Err: err})
		return
	}
	if !ok {
		o.counters.suppressed.Add(1)
		telemetry.ObservationDeliveriesTotal.With("suppressed").Inc()
		return
	}

	o.deliver(func() {
		o.counters.delivered.Add(1)
		telemetry.ObservationDeliveriesTotal.With("value").Inc()
		o.onChange(value)
	})
}

// notifyError drops the error when no handler was registered
func (o *ValueObserver[F, V]) notifyError(err error) {
	if o.onError == nil {
		o.counters.dropped.Add(1)
		telemetry.ObservationErrorsDroppedTotal.Inc()
		return
	}
	o.deliver(func() {
		o.counters.errors.Add(1)
		telemetry.ObservationDeliveriesTotal.With("error").Inc()
		o.onError(err)
	})
}

// deliver runs fn inline, or hops to the notification queue if one is set.
// Liveness is checked right before fn runs.
func (o *ValueObserver[F, V]) deliver(fn func()) {
	if o.notificationQueue == nil {
		if o.alive.Load() {
			fn()
		}
		return
	}
	o.notificationQueue.Submit(func() {
		if o.alive.Load() {
			fn()
		}
	})
}
