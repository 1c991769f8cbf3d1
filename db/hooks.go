package db

import (
	"github.com/rs/zerolog/log"
)

// onUpdate is the SQLite update hook. It runs inside sqlite3_step on the
// writer goroutine and must not touch the connection.
func (d *Database) onUpdate(op int, schema string, table string, rowID int64) {
	kind, ok := opFromSQLite(op)
	if !ok {
		return
	}
	d.sawEvents = true

	event := Event{
		Kind:     EventKind{Op: kind, Table: table},
		Database: schema,
		RowID:    rowID,
	}

	d.observers.Range(func(_ ObserverID, entry *observerEntry) bool {
		if entry.muted || entry.removed.Load() {
			return true
		}
		d.safeCall(entry, "change", func() {
			if !entry.observer.ObservesEventsOfKind(event.Kind) {
				return
			}
			if !entry.observer.DatabaseDidChange(event) {
				entry.muted = true
			}
		})
		return true
	})
}

// onCommit is the SQLite commit hook. Returning non-zero would turn the
// commit into a rollback.
func (d *Database) onCommit() int {
	d.pending.Store(int32(Committed))
	return 0
}

func (d *Database) onRollback() {
	d.pending.Store(int32(RolledBack))
}

// flushOutcome dispatches the outcome recorded by the hooks, if any. Called
// after every statement executed in autocommit mode.
func (d *Database) flushOutcome() {
	switch Outcome(d.pending.Load()) {
	case Committed:
		d.endTransaction(Committed)
	case RolledBack:
		d.endTransaction(RolledBack)
	default:
		// Events without a terminal hook: the implicit transaction ended
		// without reporting, so nothing it touched is visible.
		if d.sawEvents && d.inAutocommit() {
			d.endTransaction(RolledBack)
		}
	}
}

// endTransaction resets per-transaction state and notifies observers.
func (d *Database) endTransaction(outcome Outcome) {
	hookOutcome := Outcome(d.pending.Swap(int32(OutcomeNone)))
	d.sawEvents = false

	seq := d.commitSeq.Load()
	wrote := outcome == Committed && hookOutcome == Committed
	if wrote {
		seq = d.commitSeq.Add(1)
	}
	recordOutcome(outcome)

	h := &TxHandle{d: d, ctx: d.currentCtx, seq: seq}
	d.observers.Range(func(id ObserverID, entry *observerEntry) bool {
		entry.muted = false
		if entry.removed.Load() {
			return true
		}

		if outcome == Committed {
			d.safeCall(entry, "commit", func() { entry.observer.DatabaseDidCommit(h) })
		} else {
			d.safeCall(entry, "rollback", func() { entry.observer.DatabaseDidRollback(h) })
		}

		if entry.extent == ExtentNextTransaction {
			d.RemoveObserver(id)
		}
		return true
	})

	// Observers reading on the writer connection must not leave a stale
	// outcome behind for the next statement.
	d.pending.Store(int32(OutcomeNone))

	if wrote && d.notifier != nil {
		d.notifier.Signal(d.name, seq)
	}
}

// safeCall keeps a misbehaving observer from breaking the write path
func (d *Database) safeCall(entry *observerEntry, phase string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("database", d.name).
				Str("phase", phase).
				Interface("panic", r).
				Msgf("Transaction observer %T panicked", entry.observer)
		}
	}()
	fn()
}
