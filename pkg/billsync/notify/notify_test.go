package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

func testTransition(from, to billsync.Status) billsync.Transition {
	return billsync.Transition{
		ID:             "tr_1",
		UserID:         "user1",
		SubscriptionID: "sub_1",
		From:           from,
		To:             to,
		Source:         billsync.SourceWebhook,
		Subscription: &billsync.Subscription{
			UserID:                 "user1",
			ProviderSubscriptionID: "sub_1",
			Status:                 to,
			PriceID:                "price_pro",
			Version:                4,
		},
		OccurredAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestTriggerFor(t *testing.T) {
	tests := []struct {
		from, to billsync.Status
		want     string
	}{
		{"", billsync.StatusActive, TriggerActivated},
		{billsync.StatusIncomplete, billsync.StatusTrialing, TriggerActivated},
		{billsync.StatusActive, billsync.StatusPastDue, TriggerPastDue},
		{billsync.StatusPastDue, billsync.StatusCanceled, TriggerCanceled},
		{billsync.StatusActive, billsync.StatusActive, TriggerChanged},
		{billsync.StatusActive, billsync.StatusIncomplete, TriggerChanged},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TriggerFor(testTransition(tt.from, tt.to)), "%s -> %s", tt.from, tt.to)
	}
}

func TestWorkflowSink_Deliver(t *testing.T) {
	var got WorkflowPayload
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink, err := NewWorkflowSink(WorkflowConfig{URL: srv.URL, Token: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "workflow", sink.Name())

	require.NoError(t, sink.Deliver(context.Background(), testTransition(billsync.StatusActive, billsync.StatusCanceled)))

	assert.Equal(t, TriggerCanceled, got.Trigger)
	assert.Equal(t, "user1", got.UserID)
	assert.Equal(t, "price_pro", got.PriceID)
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
	assert.Equal(t, "tr_1", headers.Get("Idempotency-Key"))
}

func TestWorkflowSink_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWorkflowSink(WorkflowConfig{URL: srv.URL, MaxRetries: 3, InitialBackoff: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(context.Background(), testTransition("", billsync.StatusActive)))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWorkflowSink_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink, err := NewWorkflowSink(WorkflowConfig{URL: srv.URL, InitialBackoff: time.Millisecond})
	require.NoError(t, err)

	assert.Error(t, sink.Deliver(context.Background(), testTransition("", billsync.StatusActive)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNewWorkflowSink_RequiresURL(t *testing.T) {
	_, err := NewWorkflowSink(WorkflowConfig{})
	assert.Error(t, err)
}

func TestRedisSink_Deliver(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close() //nolint:errcheck

	ctx := context.Background()
	sub := client.Subscribe(ctx, DefaultChannel)
	defer sub.Close() //nolint:errcheck
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(client, "")
	assert.Equal(t, "redis", sink.Name())
	require.NoError(t, sink.Deliver(ctx, testTransition(billsync.StatusActive, billsync.StatusPastDue)))

	select {
	case msg := <-sub.Channel():
		var inv InvalidationMessage
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &inv))
		assert.Equal(t, "user1", inv.UserID)
		assert.Equal(t, "past_due", inv.Status)
		assert.Equal(t, int64(4), inv.Version)
	case <-time.After(time.Second):
		t.Fatal("no invalidation message received")
	}
}

func TestRedisSink_PublishError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close() //nolint:errcheck
	mr.Close()

	sink := NewRedisSink(client, "custom")
	assert.Error(t, sink.Deliver(context.Background(), testTransition("", billsync.StatusActive)))
}

type capturingLogger struct {
	billsync.NoopLogger
	messages []string
}

func (l *capturingLogger) Info(msg string, _ ...billsync.Field) {
	l.messages = append(l.messages, msg)
}

func TestLogSink(t *testing.T) {
	logger := &capturingLogger{}
	sink := NewLogSink(logger)

	require.NoError(t, sink.Deliver(context.Background(), testTransition("", billsync.StatusActive)))
	assert.Equal(t, []string{"subscription transition"}, logger.messages)
	assert.Equal(t, "log", sink.Name())
}
