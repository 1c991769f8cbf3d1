package observation

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/maxpert/sqlwatch/db"
	"github.com/maxpert/sqlwatch/telemetry"
	"github.com/rs/zerolog/log"
)

// Handle controls a running observation
type Handle struct {
	id         uint64
	name       string
	region     string
	scheduling Scheduling

	database   *db.Database
	observerID db.ObserverID

	queue     *SerialQueue
	ownsQueue bool

	alive    *atomic.Bool
	cancel   context.CancelFunc
	counters *counters

	registry   *Registry
	cancelOnce sync.Once
	done       chan struct{}
}

func newHandle(id uint64, name, region string, scheduling Scheduling, database *db.Database,
	queue *SerialQueue, ownsQueue bool, alive *atomic.Bool, cancel context.CancelFunc, c *counters) *Handle {
	return &Handle{
		id:         id,
		name:       name,
		region:     region,
		scheduling: scheduling,
		database:   database,
		queue:      queue,
		ownsQueue:  ownsQueue,
		alive:      alive,
		cancel:     cancel,
		counters:   c,
		done:       make(chan struct{}),
	}
}

// ID returns the process-unique observation id
func (h *Handle) ID() uint64 { return h.id }

// Name returns the observation name
func (h *Handle) Name() string { return h.name }

// Region returns the tracked region, rendered as a string
func (h *Handle) Region() string { return h.region }

// Scheduling returns the fetch strategy
func (h *Handle) Scheduling() Scheduling { return h.scheduling }

// Cancel stops the observation. No value or error is delivered after Cancel
// returns, except by a callback already running. Pending reduce tasks are
// discarded. Cancel never blocks on the writer or on the queues, so it is safe
// to call from onChange. Calling it again is a no-op.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		h.alive.Store(false)
		h.database.RemoveObserver(h.observerID)
		h.cancel()

		if h.registry != nil {
			h.registry.remove(h.id)
		}
		telemetry.ObservationsActive.Dec()
		telemetry.ObservationBacklog.With(h.name).Set(0)

		if h.ownsQueue {
			h.queue.Stop()
			go func() {
				<-h.queue.Done()
				close(h.done)
			}()
		} else {
			close(h.done)
		}

		log.Info().Uint64("id", h.id).Str("observation", h.name).Msg("Cancelled observation")
	})
}

// Done is closed once the observation is cancelled and its private reduce
// queue has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Active reports whether the observation has not been cancelled
func (h *Handle) Active() bool {
	return h.alive.Load()
}

// Stats returns a snapshot of the observation counters
func (h *Handle) Stats() Stats {
	s := Stats{
		Fetches:    h.counters.fetches.Load(),
		Delivered:  h.counters.delivered.Load(),
		Suppressed: h.counters.suppressed.Load(),
		Errors:     h.counters.errors.Load(),
		Dropped:    h.counters.dropped.Load(),
	}
	if h.ownsQueue {
		s.Backlog = h.queue.Len()
	}
	return s
}
