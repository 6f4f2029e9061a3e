package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitions_NoSkipsNoBackwards(t *testing.T) {
	// Success path is strictly Pending -> Delivered -> Attested -> Minted.
	assert.True(t, CanTransition(StatusPending, StatusDelivered))
	assert.True(t, CanTransition(StatusDelivered, StatusAttested))
	assert.True(t, CanTransition(StatusAttested, StatusMinted))

	assert.False(t, CanTransition(StatusPending, StatusAttested), "no skipping forward")
	assert.False(t, CanTransition(StatusPending, StatusMinted))
	assert.False(t, CanTransition(StatusDelivered, StatusMinted))
	assert.False(t, CanTransition(StatusDelivered, StatusPending), "no moving backward")
	assert.False(t, CanTransition(StatusAttested, StatusDelivered))
}

func TestTransitions_FailurePaths(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusExpired))
	assert.True(t, CanTransition(StatusDelivered, StatusExpired))
	assert.True(t, CanTransition(StatusAttested, StatusExpired))

	assert.True(t, CanTransition(StatusDelivered, StatusRefunded))
	assert.True(t, CanTransition(StatusAttested, StatusRefunded))
	assert.False(t, CanTransition(StatusPending, StatusRefunded), "nothing to refund before delivery")
}

func TestTransitions_TerminalStatesClosed(t *testing.T) {
	for _, terminal := range []Status{StatusMinted, StatusExpired, StatusRefunded} {
		assert.True(t, terminal.Terminal())
		for _, to := range []Status{StatusPending, StatusDelivered, StatusAttested, StatusMinted, StatusExpired, StatusRefunded} {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestStatus_Valid(t *testing.T) {
	assert.True(t, StatusPending.Valid())
	assert.False(t, Status("bogus").Valid())
}

func TestTransitionError_Unwraps(t *testing.T) {
	err := &TransitionError{RequestID: "r1", From: StatusMinted, To: StatusDelivered}
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Contains(t, err.Error(), "minted")
	assert.Contains(t, err.Error(), "delivered")
}
