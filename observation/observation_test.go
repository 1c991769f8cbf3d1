package observation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/sqlwatch/db"
	"github.com/maxpert/sqlwatch/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func openTestDB(t *testing.T) *db.Database {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "observe.db"), db.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	exec(t, d, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	exec(t, d, "CREATE TABLE other (id INTEGER PRIMARY KEY)")
	return d
}

func exec(t *testing.T, d *db.Database, queries ...string) {
	t.Helper()
	err := d.Write(context.Background(), func(tx *db.Tx) error {
		for _, q := range queries {
			if _, err := tx.ExecContext(context.Background(), q); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func insertItem(t *testing.T, d *db.Database) {
	t.Helper()
	exec(t, d, "INSERT INTO items (name) VALUES ('x')")
}

func countItems(ctx context.Context, q db.Querier) (int64, error) {
	return db.FetchInt64(ctx, q, "SELECT COUNT(*) FROM items")
}

// countingReducer notifies how many times it has reduced
func countingReducer() Reducer[int64, int] {
	n := 0
	return &FuncReducer[int64, int]{
		FetchFunc: countItems,
		ReduceFunc: func(int64) (int, bool, error) {
			n++
			return n, true, nil
		},
	}
}

type collector[V any] struct {
	ch chan V
}

func newCollector[V any]() *collector[V] {
	return &collector[V]{ch: make(chan V, 128)}
}

func (c *collector[V]) onChange(v V) {
	c.ch <- v
}

func (c *collector[V]) next(t *testing.T) V {
	t.Helper()
	select {
	case v := <-c.ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for value")
		var zero V
		return zero
	}
}

func (c *collector[V]) take(t *testing.T, n int) []V {
	t.Helper()
	out := make([]V, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, c.next(t))
	}
	return out
}

func (c *collector[V]) expectNone(t *testing.T) {
	t.Helper()
	select {
	case v := <-c.ch:
		t.Fatalf("unexpected value %v", v)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCounter_OneValuePerCommit(t *testing.T) {
	d := openTestDB(t)
	c := newCollector[int]()

	h, err := Tracking(region.Tables("items"), countingReducer).Start(d, c.onChange)
	require.NoError(t, err)
	defer h.Cancel()

	insertItem(t, d)
	insertItem(t, d)

	assert.Equal(t, []int{1, 2}, c.take(t, 2))
	c.expectNone(t)
}

func TestCounter_CompactMapDropsEvens(t *testing.T) {
	dropEvens := func(v int) (int, bool) { return v, v%2 == 1 }

	t.Run("two transactions", func(t *testing.T) {
		d := openTestDB(t)
		c := newCollector[int]()
		h, err := CompactMap(Tracking(region.Tables("items"), countingReducer), dropEvens).Start(d, c.onChange)
		require.NoError(t, err)
		defer h.Cancel()

		insertItem(t, d)
		insertItem(t, d)

		assert.Equal(t, []int{1}, c.take(t, 1))
		c.expectNone(t)
		assert.Eventually(t, func() bool { return h.Stats().Suppressed == 1 }, waitTimeout, 10*time.Millisecond)
	})

	t.Run("four transactions", func(t *testing.T) {
		d := openTestDB(t)
		c := newCollector[int]()
		h, err := CompactMap(Tracking(region.Tables("items"), countingReducer), dropEvens).Start(d, c.onChange)
		require.NoError(t, err)
		defer h.Cancel()

		for i := 0; i < 4; i++ {
			insertItem(t, d)
		}

		assert.Equal(t, []int{1, 3}, c.take(t, 2))
		c.expectNone(t)
	})
}

func TestInitialValue(t *testing.T) {
	d := openTestDB(t)
	c := newCollector[int]()

	obs := CompactMap(Tracking(region.Tables("items"), countingReducer), func(v int) (int, bool) {
		return v, v%2 == 1
	})
	obs.InitialValue = true

	h, err := obs.Start(d, c.onChange)
	require.NoError(t, err)
	defer h.Cancel()

	insertItem(t, d)
	insertItem(t, d)

	assert.Equal(t, []int{1, 3}, c.take(t, 2))
	c.expectNone(t)
}

func TestInitialValue_SeesCurrentState(t *testing.T) {
	d := openTestDB(t)
	insertItem(t, d)
	insertItem(t, d)
	c := newCollector[int64]()

	obs := TrackingFunc(region.Tables("items"), countItems)
	obs.InitialValue = true
	h, err := obs.Start(d, c.onChange)
	require.NoError(t, err)
	defer h.Cancel()

	assert.Equal(t, int64(2), c.next(t))
	insertItem(t, d)
	assert.Equal(t, int64(3), c.next(t))
}

func TestIrrelevantChangesAreIgnored(t *testing.T) {
	d := openTestDB(t)
	c := newCollector[int64]()

	h, err := TrackingFunc(region.Tables("items"), countItems).Start(d, c.onChange)
	require.NoError(t, err)
	defer h.Cancel()

	exec(t, d, "INSERT INTO other (id) VALUES (1)")
	c.expectNone(t)
	assert.Equal(t, uint64(0), h.Stats().Fetches)

	insertItem(t, d)
	assert.Equal(t, int64(1), c.next(t))
}

func TestRowRegion(t *testing.T) {
	d := openTestDB(t)
	exec(t, d, "INSERT INTO items (id, name) VALUES (1, 'a'), (2, 'b')")
	c := newCollector[string]()

	fetchName := func(ctx context.Context, q db.Querier) (string, error) {
		var name string
		err := q.QueryRowContext(ctx, "SELECT name FROM items WHERE id = 1").Scan(&name)
		return name, err
	}
	h, err := TrackingFunc(region.Rows("items", 1), fetchName).Start(d, c.onChange)
	require.NoError(t, err)
	defer h.Cancel()

	exec(t, d, "UPDATE items SET name = 'bb' WHERE id = 2")
	c.expectNone(t)

	exec(t, d, "UPDATE items SET name = 'aa' WHERE id = 1")
	assert.Equal(t, "aa", c.next(t))
}

func TestOneFetchPerTransaction(t *testing.T) {
	d := openTestDB(t)
	c := newCollector[int64]()

	h, err := TrackingFunc(region.Tables("items"), countItems).Start(d, c.onChange)
	require.NoError(t, err)
	defer h.Cancel()

	exec(t, d,
		"INSERT INTO items (name) VALUES ('a')",
		"INSERT INTO items (name) VALUES ('b')",
		"INSERT INTO items (name) VALUES ('c')",
	)
	assert.Equal(t, int64(3), c.next(t))
	c.expectNone(t)

	// Consecutive commits are never coalesced
	for i := 0; i < 3; i++ {
		insertItem(t, d)
	}
	assert.Equal(t, []int64{4, 5, 6}, c.take(t, 3))
	assert.Equal(t, uint64(4), h.Stats().Fetches)
}

func TestWriteWithoutTransaction_NotifiesEachStatement(t *testing.T) {
	ctx := context.Background()
	inserts := map[string]func(conn db.Conn) error{
		"exec": func(conn db.Conn) error {
			_, err := conn.ExecContext(ctx, "INSERT INTO items (name) VALUES ('x')")
			return err
		},
		"returning": func(conn db.Conn) error {
			var id int64
			return conn.QueryRowContext(ctx, "INSERT INTO items (name) VALUES ('x') RETURNING id").Scan(&id)
		},
	}

	for name, insert := range inserts {
		t.Run(name, func(t *testing.T) {
			d := openTestDB(t)
			c := newCollector[int64]()
			h, err := TrackingFunc(region.Tables("items"), countItems).Start(d, c.onChange)
			require.NoError(t, err)
			defer h.Cancel()

			err = d.WriteWithoutTransaction(ctx, func(conn db.Conn) error {
				if err := insert(conn); err != nil {
					return err
				}
				return insert(conn)
			})
			require.NoError(t, err)

			assert.Equal(t, []int64{1, 2}, c.take(t, 2))
			c.expectNone(t)
		})
	}
}

type countingCounter struct {
	n float64
}

func (c *countingCounter) Inc()          { c.n++ }
func (c *countingCounter) Add(v float64) { c.n += v }

func TestDatabaseDidChange_MutedAfterRelevantEvent(t *testing.T) {
	relevant, ignored := &countingCounter{}, &countingCounter{}
	o := &ValueObserver[int64, int64]{
		region:   region.Tables("items"),
		relevant: relevant,
		ignored:  ignored,
	}
	items := db.Event{Kind: db.EventKind{Op: db.OpInsert, Table: "items"}, Database: "main", RowID: 1}
	other := db.Event{Kind: db.EventKind{Op: db.OpInsert, Table: "other"}, Database: "main", RowID: 1}

	assert.True(t, o.DatabaseDidChange(other))
	assert.False(t, o.DatabaseDidChange(items))
	assert.False(t, o.DatabaseDidChange(items))
	assert.False(t, o.DatabaseDidChange(other))

	assert.Equal(t, float64(1), relevant.n)
	assert.Equal(t, float64(1), ignored.n)

	o.DatabaseDidRollback(nil)
	assert.True(t, o.DatabaseDidChange(other))
}

func TestRollbackTriggersNothing(t *testing.T) {
	d := openTestDB(t)
	c := newCollector[int64]()

	h, err := TrackingFunc(region.Tables("items"), countItems).Start(d, c.onChange)
	require.NoError(t, err)
	defer h.Cancel()

	err = d.Write(context.Background(), func(tx *db.Tx) error {
		if _, err := tx.ExecContext(context.Background(), "INSERT INTO items (name) VALUES ('x')"); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)
	c.expectNone(t)
	assert.Equal(t, uint64(0), h.Stats().Fetches)

	insertItem(t, d)
	assert.Equal(t, int64(1), c.next(t))
}

func TestOrderPreservedWithSlowReducer(t *testing.T) {
	d := openTestDB(t)
	c := newCollector[int64]()

	slowFirst := Map(TrackingFunc(region.Tables("items"), countItems), func(v int64) int64 {
		if v == 1 {
			time.Sleep(150 * time.Millisecond)
		}
		return v
	})
	h, err := slowFirst.Start(d, c.onChange)
	require.NoError(t, err)
	defer h.Cancel()

	for i := 0; i < 5; i++ {
		insertItem(t, d)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, c.take(t, 5))
}

func TestSlowReducerDoesNotBlockWriter(t *testing.T) {
	d := openTestDB(t)
	c := newCollector[int64]()
	release := make(chan struct{})

	blocked := Map(TrackingFunc(region.Tables("items"), countItems), func(v int64) int64 {
		<-release
		return v
	})
	h, err := blocked.Start(d, c.onChange)
	require.NoError(t, err)
	defer h.Cancel()

	start := time.Now()
	for i := 0; i < 10; i++ {
		insertItem(t, d)
	}
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Eventually(t, func() bool { return h.Stats().Backlog == 9 }, waitTimeout, 10*time.Millisecond)

	close(release)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, c.take(t, 10))
}

func TestErrorsAreOrderedWithValues(t *testing.T) {
	d := openTestDB(t)
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), events...)
	}

	fetchFailing := func(ctx context.Context, q db.Querier) (int64, error) {
		n, err := countItems(ctx, q)
		if err == nil && n == 2 {
			return 0, fmt.Errorf("count %d rejected", n)
		}
		return n, err
	}
	reduceFailing := func(n int64) (int64, bool, error) {
		if n == 4 {
			return 0, false, errors.New("reduce rejected")
		}
		return n, true, nil
	}
	obs := Tracking(region.Tables("items"), func() Reducer[int64, int64] {
		return &FuncReducer[int64, int64]{FetchFunc: fetchFailing, ReduceFunc: reduceFailing}
	})

	h, err := obs.Start(d,
		func(v int64) { record(fmt.Sprintf("value %d", v)) },
		WithErrorHandler(func(err error) {
			var fetchErr *FetchError
			var reduceErr *ReduceError
			switch {
			case errors.As(err, &fetchErr):
				record("fetch error")
			case errors.As(err, &reduceErr):
				record("reduce error")
			default:
				record("unknown error")
			}
		}),
	)
	require.NoError(t, err)
	defer h.Cancel()

	for i := 0; i < 5; i++ {
		insertItem(t, d)
	}

	expected := []string{"value 1", "fetch error", "value 3", "reduce error", "value 5"}
	assert.Eventually(t, func() bool { return len(snapshot()) == len(expected) }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, expected, snapshot())
	assert.Equal(t, uint64(2), h.Stats().Errors)
}

func TestErrorsDroppedWithoutHandler(t *testing.T) {
	d := openTestDB(t)
	c := newCollector[int64]()

	fetch := func(ctx context.Context, q db.Querier) (int64, error) {
		n, err := countItems(ctx, q)
		if err == nil && n == 1 {
			return 0, errors.New("first fetch fails")
		}
		return n, err
	}
	h, err := TrackingFunc(region.Tables("items"), fetch).Start(d, c.onChange)
	require.NoError(t, err)
	defer h.Cancel()

	insertItem(t, d)
	insertItem(t, d)

	assert.Equal(t, int64(2), c.next(t))
	assert.Equal(t, uint64(1), h.Stats().Dropped)
}

func TestNoDeliveryAfterCancel(t *testing.T) {
	d := openTestDB(t)
	c := newCollector[int64]()
	entered := make(chan struct{}, 16)
	release := make(chan struct{})

	blocked := Map(TrackingFunc(region.Tables("items"), countItems), func(v int64) int64 {
		entered <- struct{}{}
		<-release
		return v
	})
	h, err := blocked.Start(d, c.onChange)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		insertItem(t, d)
	}
	<-entered

	h.Cancel()
	h.Cancel()
	assert.False(t, h.Active())
	close(release)

	select {
	case <-h.Done():
	case <-time.After(waitTimeout):
		t.Fatal("observation did not stop")
	}
	c.expectNone(t)

	insertItem(t, d)
	c.expectNone(t)
}

func TestCancelFromCallback(t *testing.T) {
	d := openTestDB(t)
	var delivered atomic.Int32
	var h *Handle

	var err error
	h, err = TrackingFunc(region.Tables("items"), countItems).Start(d, func(int64) {
		delivered.Add(1)
		h.Cancel()
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		insertItem(t, d)
	}

	select {
	case <-h.Done():
	case <-time.After(waitTimeout):
		t.Fatal("observation did not stop")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), delivered.Load())
}

func TestSnapshotFetchIsIsolated(t *testing.T) {
	d := openTestDB(t)
	c := newCollector[int64]()
	gate := make(chan struct{})

	gated := func(ctx context.Context, q db.Querier) (int64, error) {
		<-gate
		return countItems(ctx, q)
	}
	obs := TrackingFunc(region.Tables("items"), gated)
	obs.Scheduling = FetchOnSnapshot

	h, err := obs.Start(d, c.onChange)
	require.NoError(t, err)
	defer h.Cancel()

	// Neither write waits for the gated reads
	insertItem(t, d)
	insertItem(t, d)
	insertItem(t, d)
	close(gate)

	assert.Equal(t, []int64{1, 2, 3}, c.take(t, 3))
}

func TestSnapshotFetchesBeyondReaderPool(t *testing.T) {
	d := openTestDB(t)
	c := newCollector[int64]()
	gate := make(chan struct{})

	gated := func(ctx context.Context, q db.Querier) (int64, error) {
		<-gate
		return countItems(ctx, q)
	}
	obs := TrackingFunc(region.Tables("items"), gated)
	obs.Scheduling = FetchOnSnapshot

	h, err := obs.Start(d, c.onChange)
	require.NoError(t, err)
	defer h.Cancel()

	const writes = db.DefaultReaderPoolSize + 2
	written := make(chan struct{})
	go func() {
		defer close(written)
		for i := 0; i < writes; i++ {
			err := d.Write(context.Background(), func(tx *db.Tx) error {
				_, err := tx.ExecContext(context.Background(), "INSERT INTO items (name) VALUES ('x')")
				return err
			})
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-written:
	case <-time.After(waitTimeout):
		close(gate)
		t.Fatal("writer blocked while snapshot fetches were pending")
	}
	close(gate)

	want := make([]int64, writes)
	for i := range want {
		want[i] = int64(i + 1)
	}
	assert.Equal(t, want, c.take(t, writes))
}

func TestSnapshotSchedulingRequiresWAL(t *testing.T) {
	d, err := db.Open(":memory:", db.DefaultOptions())
	require.NoError(t, err)
	defer d.Close()

	obs := TrackingFunc(region.Tables("items"), countItems)
	obs.Scheduling = FetchOnSnapshot

	_, err = obs.Start(d, func(int64) {})
	assert.ErrorIs(t, err, db.ErrSnapshotUnsupported)
}

func TestRemoveDuplicates(t *testing.T) {
	d := openTestDB(t)
	exec(t, d, "INSERT INTO items (id, name) VALUES (1, 'a')")
	c := newCollector[[]db.Row]()

	fetch := func(ctx context.Context, q db.Querier) ([]db.Row, error) {
		return db.FetchRows(ctx, q, "SELECT id, name FROM items ORDER BY id")
	}
	h, err := RemoveDuplicates(TrackingFunc(region.Tables("items"), fetch)).Start(d, c.onChange)
	require.NoError(t, err)
	defer h.Cancel()

	exec(t, d, "UPDATE items SET name = 'b' WHERE id = 1")
	first := c.next(t)
	require.Len(t, first, 1)
	assert.Equal(t, "b", first[0]["name"])

	// Same content, different commit
	exec(t, d, "UPDATE items SET name = 'b' WHERE id = 1")
	c.expectNone(t)
}

func TestSharedQueues(t *testing.T) {
	d := openTestDB(t)
	reduceQueue := NewSerialQueue("shared-reduce", 0)
	notifyQueue := NewSerialQueue("shared-notify", 0)
	defer reduceQueue.Stop()
	defer notifyQueue.Stop()

	a := newCollector[int64]()
	b := newCollector[int]()

	ha, err := TrackingFunc(region.Tables("items"), countItems).Start(d, a.onChange,
		WithReduceQueue(reduceQueue), WithNotificationQueue(notifyQueue))
	require.NoError(t, err)
	hb, err := Tracking(region.Tables("items"), countingReducer).Start(d, b.onChange,
		WithReduceQueue(reduceQueue), WithNotificationQueue(notifyQueue))
	require.NoError(t, err)

	insertItem(t, d)
	assert.Equal(t, int64(1), a.next(t))
	assert.Equal(t, 1, b.next(t))

	ha.Cancel()
	<-ha.Done()
	insertItem(t, d)
	assert.Equal(t, 2, b.next(t))
	a.expectNone(t)

	hb.Cancel()
	// Shared queues belong to the caller
	assert.True(t, reduceQueue.Submit(func() {}))
}

func TestStart_Validation(t *testing.T) {
	d := openTestDB(t)

	_, err := TrackingFunc(region.Tables("items"), countItems).Start(nil, func(int64) {})
	assert.Error(t, err)

	_, err = TrackingFunc(region.Tables("items"), countItems).Start(d, nil)
	assert.Error(t, err)

	var zero Observation[int64, int64]
	_, err = zero.Start(d, func(int64) {})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	d := openTestDB(t)
	reg := NewRegistry()

	obs := TrackingFunc(region.Tables("items"), countItems)
	obs.Name = "item-count"
	h1, err := obs.Start(d, func(int64) {}, WithRegistry(reg))
	require.NoError(t, err)
	h2, err := TrackingFunc(region.Tables("other"), countItems).Start(d, func(int64) {}, WithRegistry(reg))
	require.NoError(t, err)

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, h1.ID(), infos[0].ID)
	assert.Equal(t, "item-count", infos[0].Name)
	assert.Equal(t, "items", infos[0].Region)
	assert.Equal(t, "writer", infos[0].Scheduling)
	assert.Equal(t, fmt.Sprintf("observation-%d", h2.ID()), infos[1].Name)
	assert.Len(t, reg.Backlogs(), 2)

	got, ok := reg.Get(h1.ID())
	require.True(t, ok)
	assert.Same(t, h1, got)

	assert.True(t, reg.Cancel(h1.ID()))
	assert.False(t, reg.Cancel(h1.ID()))
	assert.False(t, h1.Active())
	assert.Equal(t, 1, reg.Len())

	reg.CancelAll()
	assert.Equal(t, 0, reg.Len())
	assert.False(t, h2.Active())
}

func TestParseScheduling(t *testing.T) {
	s, err := ParseScheduling("snapshot")
	require.NoError(t, err)
	assert.Equal(t, FetchOnSnapshot, s)

	s, err = ParseScheduling("")
	require.NoError(t, err)
	assert.Equal(t, FetchOnWriter, s)

	_, err = ParseScheduling("eventually")
	assert.Error(t, err)
}
