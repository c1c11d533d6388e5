package payment

import (
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		res  *GatewayResult
		err  error
		want Outcome
	}{
		{name: "approved", res: &GatewayResult{Status: GatewayAuthorized, ResponseCode: "0"}, want: OutcomeApproved},
		{name: "authorized with error code", res: &GatewayResult{Status: GatewayAuthorized, ResponseCode: "-1"}, want: OutcomeDeclined},
		{name: "failed", res: &GatewayResult{Status: GatewayFailed, ResponseCode: "-1"}, want: OutcomeDeclined},
		{name: "reversed", res: &GatewayResult{Status: GatewayReversed}, want: OutcomeDeclined},
		{name: "pending", res: &GatewayResult{Status: GatewayPending}, want: OutcomeUnknown},
		{name: "rejected request", err: errors.Wrap(ErrGatewayRejected, "422"), want: OutcomeDeclined},
		{name: "unreachable", err: errors.Wrap(ErrGatewayUnreachable, "timeout"), want: OutcomeUnknown},
		{name: "unexpected error", err: errors.New("boom"), want: OutcomeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.res, tt.err))
		})
	}
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateInitiated.CanTransitionTo(StatePendingVerification))
	assert.True(t, StatePendingVerification.CanTransitionTo(StateAuthorized))
	assert.True(t, StateAuthorized.CanTransitionTo(StateReversed))
	assert.False(t, StateRejected.CanTransitionTo(StateAuthorized))
	assert.False(t, StateExpired.CanTransitionTo(StateInitiated))
	assert.False(t, StatePendingVerification.CanTransitionTo(StateExpired))

	assert.True(t, StateInitiated.Open())
	assert.True(t, StatePendingVerification.Open())
	assert.False(t, StateAuthorized.Open())
}

func TestTransactionSuccessful(t *testing.T) {
	assert.True(t, (&Transaction{State: StateAuthorized, ResponseCode: "0"}).Successful())
	assert.False(t, (&Transaction{State: StateAuthorized, ResponseCode: "-1"}).Successful())
	assert.False(t, (&Transaction{State: StatePendingVerification, ResponseCode: "0"}).Successful())
}
