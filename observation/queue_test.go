package observation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSerialQueue_RunsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewSerialQueue("test", 0)
	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		require.True(t, q.Submit(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	q.Stop()
	<-q.Done()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSerialQueue_StopDiscardsPending(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewSerialQueue("test", 0)
	started := make(chan struct{})
	release := make(chan struct{})
	ran := make(chan int, 10)

	q.Submit(func() {
		close(started)
		<-release
		ran <- 0
	})
	for i := 1; i <= 5; i++ {
		i := i
		q.Submit(func() { ran <- i })
	}
	<-started
	assert.Equal(t, 5, q.Len())

	q.Stop()
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Submit(func() { ran <- 99 }))

	close(release)
	<-q.Done()
	close(ran)

	var got []int
	for v := range ran {
		got = append(got, v)
	}
	assert.Equal(t, []int{0}, got)
}

func TestSerialQueue_StopFromTask(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewSerialQueue("test", 0)
	q.Submit(func() { q.Stop() })

	select {
	case <-q.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not stop")
	}
	q.Stop()
}

func TestSerialQueue_RecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewSerialQueue("test", 0)
	done := make(chan struct{})
	q.Submit(func() { panic("boom") })
	q.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task after panic did not run")
	}
	q.Stop()
	<-q.Done()
}

func TestSerialQueue_SubmitNeverBlocks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewSerialQueue("test", 10)
	release := make(chan struct{})
	q.Submit(func() { <-release })

	start := time.Now()
	for i := 0; i < 10000; i++ {
		q.Submit(func() {})
	}
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.GreaterOrEqual(t, q.Len(), 10000)

	close(release)
	assert.Eventually(t, func() bool { return q.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	q.Stop()
	<-q.Done()
}
