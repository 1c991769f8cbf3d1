package observation

import (
	"context"
	"fmt"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sqlwatch/db"
	"github.com/maxpert/sqlwatch/telemetry"
	"github.com/rs/zerolog/log"
)

// Scheduling selects how the snapshot for a relevant commit is fetched
type Scheduling int

const (
	// FetchOnWriter runs Reducer.Fetch synchronously on the writer
	// connection before the commit call returns.
	FetchOnWriter Scheduling = iota
	// FetchOnSnapshot pins a WAL read snapshot synchronously, then runs
	// Reducer.Fetch on a reader connection off the writer goroutine.
	FetchOnSnapshot
)

func (s Scheduling) String() string {
	switch s {
	case FetchOnSnapshot:
		return "snapshot"
	default:
		return "writer"
	}
}

// ParseScheduling parses "writer" or "snapshot"
func ParseScheduling(s string) (Scheduling, error) {
	switch s {
	case "", "writer":
		return FetchOnWriter, nil
	case "snapshot":
		return FetchOnSnapshot, nil
	default:
		return 0, fmt.Errorf("unknown scheduling %q", s)
	}
}

// FetchError wraps an error raised while fetching a snapshot
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "fetch failed: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// ReduceError wraps an error raised by Reducer.Reduce
type ReduceError struct {
	Err error
}

func (e *ReduceError) Error() string { return "reduce failed: " + e.Err.Error() }
func (e *ReduceError) Unwrap() error { return e.Err }

// SnapshotFuture is the result of a fetch started at a commit boundary.
// It is written once; Wait may be called any number of times.
type SnapshotFuture[F any] struct {
	f *future.Future[F]
}

// Wait blocks until the fetch completes
func (s *SnapshotFuture[F]) Wait() (F, error) {
	return s.f.Get()
}

func resolvedFuture[F any](value F, err error) *SnapshotFuture[F] {
	p := future.NewPromise[F]()
	p.Set(value, err)
	return &SnapshotFuture[F]{f: p.Future()}
}

type fetchFunc[F any] func(ctx context.Context, q db.Querier) (F, error)

// fetchOnWriter reads through the writer handle before returning
func fetchOnWriter[F any](ctx context.Context, h *db.TxHandle, fetch fetchFunc[F]) *SnapshotFuture[F] {
	telemetry.ObservationFetchesTotal.With(FetchOnWriter.String()).Inc()

	value, err := fetch(ctx, h)
	if err != nil {
		return resolvedFuture(value, error(&FetchError{Err: err}))
	}
	return resolvedFuture(value, nil)
}

// fetchOnSnapshot pins the snapshot before returning and completes the read
// on its own goroutine
func fetchOnSnapshot[F any](ctx context.Context, h *db.TxHandle, fetch fetchFunc[F]) *SnapshotFuture[F] {
	telemetry.ObservationFetchesTotal.With(FetchOnSnapshot.String()).Inc()

	snapshot, err := h.BeginSnapshot(ctx)
	if err != nil {
		var zero F
		return resolvedFuture(zero, error(&FetchError{Err: err}))
	}

	p := future.NewPromise[F]()
	go func() {
		defer func() {
			if err := snapshot.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close snapshot")
			}
		}()

		value, err := fetch(ctx, snapshot)
		if err != nil {
			p.Set(value, &FetchError{Err: err})
			return
		}
		p.Set(value, nil)
	}()
	return &SnapshotFuture[F]{f: p.Future()}
}
