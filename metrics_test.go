package fiberloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetrics_GaugesAndCounters(t *testing.T) {
	m := &Metrics{}

	m.IncPendingEvents(3)
	m.IncPendingEvents(-1)
	require.Equal(t, int64(2), m.PendingEvents())

	m.IncActiveFibers(5)
	require.Equal(t, int64(5), m.ActiveFibers())

	m.SetQueueDepth(42)
	require.Equal(t, int64(42), m.QueueDepth())

	m.IncTickles()
	m.IncTickles()
	require.Equal(t, int64(2), m.Tickles())

	m.IncTimerFires(7)
	require.Equal(t, int64(7), m.TimerFires())

	snap := m.Snapshot()
	require.Equal(t, int64(2), snap["pending_events"])
	require.Equal(t, int64(5), snap["active_fibers"])
	require.Equal(t, int64(42), snap["queue_depth"])
	require.Equal(t, int64(2), snap["tickles"])
	require.Equal(t, int64(7), snap["timer_fires"])
}

func TestMetrics_GlobalInstanceIsShared(t *testing.T) {
	require.Same(t, GlobalMetrics(), GlobalMetrics())
}
