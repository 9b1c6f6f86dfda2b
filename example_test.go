//go:build linux

package fiberloop_test

import (
	"fmt"
	"sync"
	"time"

	fiberloop "github.com/fiberloop/fiberloop"
)

// Example_basicUsage demonstrates constructing a Reactor, scheduling a
// fiber-wrapped task, and shutting it down.
func Example_basicUsage() {
	r, err := fiberloop.NewReactor(1, false, "doc-example", nil, nil)
	if err != nil {
		fmt.Println("failed to create reactor:", err)
		return
	}
	r.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	_, _ = r.Schedule(fiberloop.Task{Affinity: fiberloop.AnyWorker, Runnable: func() {
		defer wg.Done()
		fmt.Println("task executed")
	}}, false)
	wg.Wait()

	r.Stop()
	_ = r.Close()

	// Output:
	// task executed
}

// Example_periodicTimer demonstrates a cyclic timer on the reactor's
// embedded TimerManager.
func Example_periodicTimer() {
	r, err := fiberloop.NewReactor(1, false, "doc-example-timer", nil, nil)
	if err != nil {
		fmt.Println("failed to create reactor:", err)
		return
	}
	r.Start()
	defer func() {
		r.Stop()
		_ = r.Close()
	}()

	var mu sync.Mutex
	ticks := 0
	done := make(chan struct{})
	var handle *fiberloop.TimerHandle
	handle = r.AddTimer(10, func() {
		mu.Lock()
		ticks++
		n := ticks
		mu.Unlock()
		if n == 3 {
			_ = handle.Cancel()
			close(done)
		}
	}, true)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	fmt.Println("ticked 3 times")

	// Output:
	// ticked 3 times
}
