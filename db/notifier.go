package db

// CommitSignal represents notification that a transaction was committed.
type CommitSignal struct {
	Database string
	Seq      uint64
}

// CommitFilter specifies which signals a subscriber wants.
type CommitFilter struct {
	Databases []string // nil or empty = all databases
}

// CommitNotifier is called after every commit, on the writer goroutine.
// Implementations must not block.
type CommitNotifier interface {
	Signal(database string, seq uint64)
}

// CommitSubscriber allows subscribing to commit signals.
type CommitSubscriber interface {
	Subscribe(filter CommitFilter) (signals <-chan CommitSignal, cancel func())
}

// CommitHub combines both interfaces - the full notification system.
type CommitHub interface {
	CommitNotifier
	CommitSubscriber
}
