package fiberloop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContractViolation_ErrorIncludesOpAndMessage(t *testing.T) {
	err := &ContractViolation{Op: "AddEvent", Message: "fd already registered"}
	require.Equal(t, "fiberloop: contract violation in AddEvent: fd already registered", err.Error())
}

func TestResourceError_UnwrapsToCause(t *testing.T) {
	cause := errors.New("epoll_create1 failed")
	err := &ResourceError{Op: "NewReactor", Cause: cause}
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "NewReactor")
	require.Contains(t, err.Error(), "epoll_create1 failed")
}

func TestTimeoutError_DefaultMessageWithoutOp(t *testing.T) {
	err := &TimeoutError{}
	require.Equal(t, "fiberloop: operation timed out", err.Error())
}

func TestTimeoutError_UnwrapsToCause(t *testing.T) {
	cause := errors.New("ETIMEDOUT")
	err := &TimeoutError{Op: "Connect", Cause: cause}
	require.ErrorIs(t, err, cause)
	require.Equal(t, "fiberloop: Connect timed out", err.Error())
}

func TestWrapError_PreservesCauseChain(t *testing.T) {
	cause := errors.New("underlying failure")
	wrapped := WrapError("Schedule", cause)
	require.ErrorIs(t, wrapped, cause)
	require.Contains(t, wrapped.Error(), "Schedule")
}

