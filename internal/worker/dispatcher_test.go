package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stopDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

func TestDispatcherSerializesPerTenant(t *testing.T) {
	d := NewDispatcher(Options{MinWorkers: 2, MaxWorkers: 4, QueueSize: 64})
	defer stopDispatcher(t, d)

	var (
		mu      sync.Mutex
		order   []int
		active  int32
		overlap int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		err := d.Submit(Job{TenantKey: "tenant-a", Name: "turn", Run: func(context.Context) {
			defer wg.Done()
			if atomic.AddInt32(&active, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&active, -1)
		}})
		require.NoError(t, err, "submit %d", i)
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlap), "jobs of one tenant ran concurrently")
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestDispatcherRunsTenantsInParallel(t *testing.T) {
	d := NewDispatcher(Options{MinWorkers: 0, MaxWorkers: 3, QueueSize: 16})
	defer stopDispatcher(t, d)

	started := make(chan string, 3)
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("tenant-%d", i)
		require.NoError(t, d.Submit(Job{TenantKey: key, Run: func(context.Context) {
			started <- key
			<-release
		}}))
	}
	seen := map[string]bool{}
	for len(seen) < 3 {
		select {
		case key := <-started:
			seen[key] = true
		case <-time.After(2 * time.Second):
			close(release)
			t.Fatalf("only %d tenants started concurrently", len(seen))
		}
	}
	close(release)
	assert.LessOrEqual(t, d.Workers(), 3, "pool grew past max")
}

func TestDispatcherReportsBusy(t *testing.T) {
	d := NewDispatcher(Options{MinWorkers: 0, MaxWorkers: 1, QueueSize: 1})
	release := make(chan struct{})
	block := func(context.Context) { <-release }

	var busy bool
	for i := 0; i < 20 && !busy; i++ {
		err := d.Submit(Job{TenantKey: fmt.Sprintf("t%d", i), Run: block})
		if err != nil {
			require.ErrorIs(t, err, ErrDispatcherBusy)
			busy = true
		}
	}
	close(release)
	assert.True(t, busy, "expected ErrDispatcherBusy once workers and queue are full")
	stopDispatcher(t, d)

	assert.ErrorIs(t, d.Submit(Job{TenantKey: "late", Run: block}), ErrDispatcherStopped)
}

func TestDispatcherSurvivesPanics(t *testing.T) {
	d := NewDispatcher(Options{MaxWorkers: 1, QueueSize: 4})
	defer stopDispatcher(t, d)

	done := make(chan struct{})
	require.NoError(t, d.Submit(Job{TenantKey: "t", Run: func(context.Context) { panic("boom") }}))
	require.NoError(t, d.Submit(Job{TenantKey: "t", Run: func(context.Context) { close(done) }}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job after panic never ran")
	}
}

func TestStopWaitsForQueuedJobs(t *testing.T) {
	d := NewDispatcher(Options{MaxWorkers: 1, QueueSize: 8})
	var ran int32
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Submit(Job{TenantKey: "t", Run: func(context.Context) {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&ran, 1)
		}}))
	}
	stopDispatcher(t, d)
	assert.EqualValues(t, 5, atomic.LoadInt32(&ran))
}
