package fiberloop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogifaceLogger_RespectsMinLevel(t *testing.T) {
	var written []*logifaceEvent
	logger := NewLogifaceLogger(logifaceWriterFunc(func(e *logifaceEvent) error {
		written = append(written, e)
		return nil
	}), LevelWarn)

	require.False(t, logger.IsEnabled(LevelDebug))
	require.False(t, logger.IsEnabled(LevelInfo))
	require.True(t, logger.IsEnabled(LevelWarn))
	require.True(t, logger.IsEnabled(LevelError))

	logger.Log(LogEntry{Level: LevelDebug, Message: "should be dropped"})
	require.Empty(t, written)

	logger.Log(LogEntry{
		Level:       LevelError,
		Category:    "reactor",
		SchedulerID: 1,
		FiberID:     2,
		Message:     "poll error",
		Err:         errors.New("boom"),
	})
	require.Len(t, written, 1)
	require.Equal(t, "reactor", written[0].fields["category"])
	require.Equal(t, 1, written[0].fields["scheduler_id"])
	require.Equal(t, 2, written[0].fields["fiber_id"])
}

func TestNoOpLogger_DiscardsEverything(t *testing.T) {
	logger := NewNoOpLogger()
	require.False(t, logger.IsEnabled(LevelError))
	logger.Log(LogEntry{Level: LevelError, Message: "ignored"})
}

func TestSetStructuredLogger_NilFallsBackToNoOp(t *testing.T) {
	defer SetStructuredLogger(NewNoOpLogger())
	SetStructuredLogger(nil)
	require.False(t, getGlobalLogger().IsEnabled(LevelError))
}
