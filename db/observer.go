package db

// TransactionObserver receives change notifications from a Database.
//
// All methods are called synchronously on the goroutine performing the write,
// while the database write lock is held. They must return quickly and must
// not start another write on the same Database.
type TransactionObserver interface {
	// ObservesEventsOfKind reports whether events of the given kind may be
	// relevant. Returning false skips DatabaseDidChange for that event.
	// False negatives lose notifications; false positives only cost time.
	ObservesEventsOfKind(kind EventKind) bool

	// DatabaseDidChange is called for every row mutation the observer
	// accepted in ObservesEventsOfKind. Returning false stops event delivery
	// to this observer until the current transaction ends.
	DatabaseDidChange(event Event) bool

	// DatabaseDidCommit is called after a transaction was committed. The
	// handle reads the just-committed state and is invalid once the call
	// returns.
	DatabaseDidCommit(h *TxHandle)

	// DatabaseDidRollback is called after a transaction was rolled back.
	DatabaseDidRollback(h *TxHandle)
}

// Extent controls how long an observer stays registered.
type Extent int

const (
	// ExtentObserverLifetime keeps the observer until RemoveObserver.
	ExtentObserverLifetime Extent = iota
	// ExtentNextTransaction removes the observer after the next commit or
	// rollback has been dispatched.
	ExtentNextTransaction
)

// Outcome is the terminal state of a transaction.
type Outcome int

const (
	OutcomeNone Outcome = iota
	Committed
	RolledBack
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "commit"
	case RolledBack:
		return "rollback"
	default:
		return "none"
	}
}

// ObserverID identifies a registered observer.
type ObserverID uint64
