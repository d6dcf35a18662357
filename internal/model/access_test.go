package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResultCodeValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ResultCode
		want string
	}{
		{ResultOK, "OK"},
		{ResultCredentialsError, "CREDENTIALS_ERROR"},
		{ResultAdditionalAuthRequired, "ADDITIONAL_AUTH_REQUIRED"},
		{ResultEqualAccessCollision, "EQUAL_ACCESS_COLLISION"},
		{ResultBalanceSurplus, "BALANCE_SURPLUS"},
		{ResultBalanceDeficit, "BALANCE_DEFICIT_RECOVERED"},
		{ResultUnhandledFailure, "UNHANDLED_FAILURE"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.code))
		})
	}
}

func TestResultCode_Classification(t *testing.T) {
	t.Parallel()

	assert.True(t, ResultCredentialsError.Blocking())
	assert.True(t, ResultAdditionalAuthRequired.Blocking())
	assert.False(t, ResultUnhandledFailure.Blocking())

	assert.True(t, ResultBalanceSurplus.NeedsOperator())
	assert.True(t, ResultAdditionalAuthRequired.NeedsOperator())
	assert.False(t, ResultBalanceDeficit.NeedsOperator())

	assert.True(t, ResultEqualAccessCollision.Aborted())
	assert.False(t, ResultOK.Aborted())

	assert.True(t, ResultOK.Succeeded())
	assert.True(t, ResultBalanceDeficit.Succeeded())
	assert.False(t, ResultBalanceSurplus.Succeeded())
	assert.False(t, ResultCancelled.Succeeded())
}

func TestWorst(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ResultOK, Worst(ResultOK, ResultOK))
	assert.Equal(t, ResultBalanceDeficit, Worst(ResultOK, ResultBalanceDeficit))
	assert.Equal(t, ResultBalanceSurplus, Worst(ResultBalanceSurplus, ResultBalanceDeficit))
	assert.Equal(t, ResultCredentialsError, Worst(ResultBalanceSurplus, ResultCredentialsError))
}

func TestRunState_Stale(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-3 * time.Hour)

	tests := []struct {
		name    string
		state   RunState
		stale   bool
		running bool
	}{
		{"idle", RunState{}, false, false},
		{"fresh", RunState{InProgress: true, LastStartedAt: &now}, false, true},
		{"stale", RunState{InProgress: true, LastStartedAt: &started}, true, false},
		{"no start time", RunState{InProgress: true}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.stale, tt.state.Stale(now, 2*time.Hour))
			assert.Equal(t, tt.running, tt.state.Running(now, 2*time.Hour))
		})
	}
}

func TestAccount_Discriminator(t *testing.T) {
	t.Parallel()

	a := Account{ExternalID: "ES12-0001"}
	assert.Equal(t, "bank-a/ES12-0001", a.Discriminator("bank-a"))
}
