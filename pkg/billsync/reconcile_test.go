package billsync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusIncomplete, StatusTrialing, true},
		{StatusIncomplete, StatusActive, true},
		{StatusIncomplete, StatusCanceled, true},
		{StatusTrialing, StatusActive, true},
		{StatusTrialing, StatusIncomplete, false},
		{StatusActive, StatusPastDue, true},
		{StatusPastDue, StatusActive, true},
		{StatusActive, StatusTrialing, false},
		{StatusActive, StatusCanceled, true},
		{StatusPastDue, StatusCanceled, true},
		{StatusCanceled, StatusActive, false},
		{StatusCanceled, StatusIncomplete, false},
		{StatusCanceled, StatusCanceled, true},
		{StatusActive, StatusActive, true},
		{StatusActive, Status("paused"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestNextState_DoesNotMutateInput(t *testing.T) {
	cur := &Subscription{
		UserID:                 "user1",
		ProviderSubscriptionID: "sub_1",
		Status:                 StatusActive,
		PriceID:                "price_basic",
	}

	next, err := nextState(cur, PaymentFailed{})
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, next.Status)
	assert.Equal(t, StatusActive, cur.Status)
}

func TestNextState_ZeroFieldsKeepCurrent(t *testing.T) {
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cur := &Subscription{Status: StatusActive, PriceID: "price_basic", CurrentPeriodEnd: end, CancelAtPeriodEnd: true}

	next, err := nextState(cur, Updated{Snapshot: Snapshot{Status: StatusActive}})
	require.NoError(t, err)
	assert.Equal(t, "price_basic", next.PriceID)
	assert.True(t, next.CurrentPeriodEnd.Equal(end))
	assert.False(t, next.CancelAtPeriodEnd, "cancel flag is always part of the snapshot")
}

func TestNextState_Conflicts(t *testing.T) {
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cur := &Subscription{Status: StatusActive, CurrentPeriodEnd: end}

	_, err := nextState(cur, PaymentSucceeded{PeriodEnd: end.AddDate(0, -1, 0)})
	assert.True(t, errors.Is(err, ErrConflict))

	_, err = nextState(cur, Created{Snapshot: Snapshot{Status: StatusTrialing}})
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestFieldsChanged(t *testing.T) {
	a := &Subscription{Status: StatusActive, PriceID: "p"}
	b := a.Clone()
	assert.False(t, fieldsChanged(a, b))

	b.Version = 7
	b.LastEventSequence = 99
	assert.False(t, fieldsChanged(a, b), "bookkeeping fields are ignored")

	b.CancelAtPeriodEnd = true
	assert.True(t, fieldsChanged(a, b))
}

func TestStatus_Entitled(t *testing.T) {
	assert.True(t, StatusTrialing.Entitled())
	assert.True(t, StatusActive.Entitled())
	assert.True(t, StatusPastDue.Entitled())
	assert.False(t, StatusIncomplete.Entitled())
	assert.False(t, StatusCanceled.Entitled())
}

func TestSequences(t *testing.T) {
	sec := time.Unix(1_700_000_000, 0)

	assert.Equal(t, int64(1_700_000_000_999), EventSequence(sec))
	assert.Equal(t, int64(1_700_000_000_000), DirectSequence(sec))
	assert.Equal(t, int64(1_700_000_000_500), DirectSequence(sec.Add(500*time.Millisecond)))
	assert.Equal(t, int64(1_700_000_000_998), DirectSequence(sec.Add(999*time.Millisecond+500*time.Microsecond)))

	// A provider event stamped in the same second as the call start outranks the direct write
	for _, offset := range []time.Duration{0, 250 * time.Millisecond, 999 * time.Millisecond} {
		assert.Greater(t, EventSequence(sec), DirectSequence(sec.Add(offset)))
	}
}
