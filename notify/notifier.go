// Package notify fans commit signals out to in-process subscribers.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/sqlwatch/db"
	"github.com/puzpuzpuz/xsync/v3"
)

// defaultSignalBufferSize bounds each subscriber channel. Signals to a full
// channel are dropped; Latest still reports the newest sequence.
const defaultSignalBufferSize = 16

type subscription struct {
	id        uint64
	databases map[string]struct{} // nil = all databases
	ch        chan db.CommitSignal
	closed    atomic.Bool
}

func (s *subscription) matches(database string) bool {
	if s.databases == nil {
		return true
	}
	_, ok := s.databases[database]
	return ok
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub implements db.CommitHub
type Hub struct {
	// mu orders channel sends against channel close
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	latest        *xsync.MapOf[string, uint64]
	dropped       atomic.Uint64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
		latest:        xsync.NewMapOf[string, uint64](),
	}
}

// Signal records seq as the newest commit of database and sends it to every
// matching subscriber without blocking
func (h *Hub) Signal(database string, seq uint64) {
	h.latest.Compute(database, func(old uint64, _ bool) (uint64, bool) {
		if seq > old {
			return seq, false
		}
		return old, false
	})

	signal := db.CommitSignal{Database: database, Seq: seq}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(database) {
			continue
		}
		select {
		case sub.ch <- signal:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a buffered channel of signals matching filter and an
// idempotent cancel function that closes it
func (h *Hub) Subscribe(filter db.CommitFilter) (<-chan db.CommitSignal, func()) {
	sub := &subscription{
		id: h.nextID.Add(1),
		ch: make(chan db.CommitSignal, defaultSignalBufferSize),
	}
	if len(filter.Databases) > 0 {
		sub.databases = make(map[string]struct{}, len(filter.Databases))
		for _, name := range filter.Databases {
			sub.databases[name] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Latest returns the newest commit sequence signalled for database
func (h *Hub) Latest(database string) (uint64, bool) {
	return h.latest.Load(database)
}

// Snapshot returns the newest commit sequence of every database seen so far
func (h *Hub) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	h.latest.Range(func(database string, seq uint64) bool {
		out[database] = seq
		return true
	})
	return out
}

// Dropped returns the number of signals not delivered because subscriber
// buffers were full
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close cancels every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
