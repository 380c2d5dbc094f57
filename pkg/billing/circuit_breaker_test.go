package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/billingtest"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

func TestCircuitBreakerClient(t *testing.T) {
	ctx := context.Background()
	fake := billingtest.NewClient()
	cb := billsync.NewDefaultCircuitBreaker(billsync.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		IsFailure:        billing.IsUnavailable,
	})
	client := billing.NewCircuitBreakerClient(fake, cb)

	ps, err := client.CreateSubscription(ctx, billing.CreateRequest{UserID: "user1", PriceID: "price_basic"})
	require.NoError(t, err)
	assert.Equal(t, "sub_1", ps.ID)

	t.Run("rejections do not trip the circuit", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, err := client.RetrieveSubscription(ctx, "sub_missing")
			assert.ErrorIs(t, err, billing.ErrProviderRejected)
		}
		assert.Equal(t, billsync.StateClosed, cb.State())
	})

	t.Run("outages open the circuit", func(t *testing.T) {
		fake.SetErr(billing.Unavailable(errors.New("502 bad gateway")))
		for i := 0; i < 2; i++ {
			_, err := client.UpdateSubscription(ctx, ps.ID, billing.UpdateRequest{PriceID: "price_pro"})
			assert.True(t, billing.IsUnavailable(err))
		}
		assert.Equal(t, billsync.StateOpen, cb.State())

		calls := fake.Calls("cancel")
		_, err := client.CancelSubscription(ctx, ps.ID, true)
		assert.ErrorIs(t, err, billsync.ErrCircuitOpen)
		assert.ErrorIs(t, err, billing.ErrProviderUnavailable)
		assert.Equal(t, calls, fake.Calls("cancel"))
	})
}
