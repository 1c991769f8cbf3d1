// Package observation delivers values derived from a SQLite database each
// time a committed transaction modifies the region they depend on.
//
// An Observation pairs a Region with a Reducer factory. Starting it installs
// a ValueObserver on the database writer:
//
//   - While a transaction runs, the observer tests change events against the
//     region and stops listening as soon as one matches.
//   - When a relevant transaction commits, the snapshot fetch is started
//     before the commit call returns. With FetchOnWriter the fetch runs on
//     the writer connection; with FetchOnSnapshot only a WAL read snapshot is
//     pinned synchronously and the read runs on a reader connection.
//   - Rolled back transactions, and commits that touched nothing in the
//     region, trigger no fetch.
//   - Each fetch is reduced on the observation's SerialQueue, in commit
//     order, and the result is passed to onChange unless the reducer
//     suppressed it.
//
// Consecutive commits are never coalesced: n relevant commits produce n
// fetches and n reductions.
//
// Errors from Fetch or Reduce are wrapped in FetchError or ReduceError and
// delivered through the handler given to WithErrorHandler, ordered with
// values. Without a handler they are dropped silently and only counted in
// the observation_errors_dropped_total metric and in Handle.Stats.
//
// The reduce queue is unbounded. A slow reducer never blocks the writer; the
// backlog grows instead, and a warning is logged past the threshold set by
// WithBacklogWarnThreshold.
package observation
