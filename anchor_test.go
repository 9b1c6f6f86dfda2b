//go:build linux

package fiberloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCurrent_LazilyCreatesBootstrapFiberPerGoroutine(t *testing.T) {
	var got [2]*Fiber
	var wg sync.WaitGroup
	wg.Add(2)
	for i := range got {
		i := i
		go func() {
			defer wg.Done()
			f := Current()
			require.NotNil(t, f)
			require.Same(t, f, Current(), "repeated calls on the same goroutine return the same bootstrap fiber")
			got[i] = f
		}()
	}
	wg.Wait()
	require.NotSame(t, got[0], got[1], "distinct goroutines get distinct bootstrap fibers")
}

func TestHooksEnabled_DefaultsFalseAndTracksPerGoroutine(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		require.False(t, HooksEnabled())
		setHooksEnabled(true)
		require.True(t, HooksEnabled())
	}()
	<-done

	require.False(t, HooksEnabled(), "hooksEnabled is anchored per goroutine, not global")
}

func TestCurrentScheduler_NilWithoutDispatchLoop(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		require.Nil(t, CurrentScheduler())
		require.Nil(t, CurrentReactor())
	}()
	<-done
}

func TestCurrentScheduler_ReflectsDispatchLoopScheduler(t *testing.T) {
	r, err := NewReactor(1, false, "anchor-test", nil, nil)
	require.NoError(t, err)
	r.Start()
	defer func() {
		r.Stop()
		_ = r.Close()
	}()

	type observed struct {
		sched   *Scheduler
		reactor *Reactor
	}
	seen := make(chan observed, 1)
	_, err = r.Schedule(Task{Affinity: AnyWorker, Runnable: func() {
		seen <- observed{sched: CurrentScheduler(), reactor: CurrentReactor()}
	}}, false)
	require.NoError(t, err)

	select {
	case o := <-seen:
		require.Same(t, r.Scheduler, o.sched)
		require.Same(t, r, o.reactor)
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestReleaseAnchor_DropsRegistryEntry(t *testing.T) {
	done := make(chan uint64)
	go func() {
		Current()
		done <- goroutineID()
	}()
	gid := <-done
	releaseAnchor(gid)
	_, ok := anchors.Load(gid)
	require.False(t, ok)
}
