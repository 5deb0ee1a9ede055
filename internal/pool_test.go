package internal

import (
	"sync"
	"testing"
	"time"
)

// Two pieces of work on a pool of two must run concurrently.
func TestWorkerPool(t *testing.T) {
	wp := NewWorkerPool(2)
	wp.Start()
	defer wp.Stop()

	// with two workers both sleeps overlap, so well under 2s total
	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	wp.Queue(func() {
		time.Sleep(time.Second)
		wg.Done()
	})
	wp.Queue(func() {
		time.Sleep(time.Second)
		wg.Done()
	})
	wg.Wait()
	took := time.Since(start)
	if took > 2*time.Second {
		t.Fatalf("took %v for two concurrent sleeps, want under 2s", took)
	}
}

func TestWorkerPoolDoesWorkPriorToStart(t *testing.T) {
	wp := NewWorkerPool(2)

	// completions land here
	ch := make(chan int, 2)
	wp.Queue(func() {
		ch <- 1
	})
	wp.Queue(func() {
		ch <- 2
	})

	// nothing may run before Start
	time.Sleep(100 * time.Millisecond)
	if len(ch) > 0 {
		t.Fatalf("work ran before Start()")
	}

	wp.Start()
	defer wp.Stop()

	sum := 0
	for {
		select {
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for work to be done")
		case val := <-ch:
			sum += val
		}
		if sum == 3 { // 2 + 1
			break
		}
	}
}

type taskState struct {
	id      int
	state   int             // not running, queued, running, finished
	unblock *sync.WaitGroup // decrement to let this task finish
}

func TestWorkerPoolBackpressure(t *testing.T) {
	// with a chan buffer of n and n in-flight tasks, the (2n+1)th Queue call blocks
	n := 2
	wp := NewWorkerPool(n)
	wp.Start()
	defer wp.Stop()

	var mu sync.Mutex
	stateNotRunning := 0
	stateQueued := 1
	stateRunning := 2
	stateFinished := 3
	size := (2 * n) + 1
	running := make([]*taskState, size)

	go func() {
		// schedule (2n)+1 tasks and watch the states march through:
		// [2,2,1,1,0]  2 running, 2 queued, 1 blocked in Queue
		// [3,2,2,1,1]  1 finished, 2 running, 2 queued
		// [3,3,2,2,1]  2 finished, 2 running, 1 queued
		// [3,3,3,2,2]  3 finished, 2 running
		for i := 0; i < size; i++ {
			wg := &sync.WaitGroup{}
			wg.Add(1)
			state := &taskState{
				id:      i,
				state:   stateNotRunning,
				unblock: wg,
			}
			mu.Lock()
			running[i] = state
			mu.Unlock()

			// the final task blocks inside Queue and stays in stateNotRunning
			// until the first one completes
			wp.Queue(func() {
				mu.Lock()
				if running[state.id].state != stateQueued {
					// the worker beat the goroutine below Queue, let it catch up
					mu.Unlock()
					time.Sleep(10 * time.Millisecond)
					mu.Lock()
				}
				running[state.id].state = stateRunning
				mu.Unlock()

				running[state.id].unblock.Wait()
				mu.Lock()
				running[state.id].state = stateFinished
				mu.Unlock()
			})

			mu.Lock()
			running[i].state = stateQueued
			mu.Unlock()
		}
	}()

	// let the pool settle, then check each task
	time.Sleep(time.Second)

	assertStates(t, &mu, running, []int{
		stateRunning, stateRunning, stateQueued, stateQueued, stateNotRunning,
	})

	running[0].unblock.Done()
	time.Sleep(100 * time.Millisecond)
	assertStates(t, &mu, running, []int{
		stateFinished, stateRunning, stateRunning, stateQueued, stateQueued,
	})

	running[1].unblock.Done()
	time.Sleep(100 * time.Millisecond)
	assertStates(t, &mu, running, []int{
		stateFinished, stateFinished, stateRunning, stateRunning, stateQueued,
	})

	running[2].unblock.Done()
	time.Sleep(100 * time.Millisecond)
	assertStates(t, &mu, running, []int{
		stateFinished, stateFinished, stateFinished, stateRunning, stateRunning,
	})

}

func assertStates(t *testing.T, mu *sync.Mutex, running []*taskState, wantStates []int) {
	t.Helper()
	mu.Lock()
	defer mu.Unlock()
	if len(running) != len(wantStates) {
		t.Fatalf("assertStates: want %d states for %d tasks", len(wantStates), len(running))
	}
	for i := range running {
		if running[i].state != wantStates[i] {
			t.Errorf("task[%d] in state %d, want %d", i, running[i].state, wantStates[i])
		}
	}
}
