package notify

import (
	"context"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// LogSink writes every transition to a structured logger.
type LogSink struct {
	logger billsync.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger billsync.Logger) *LogSink {
	if logger == nil {
		logger = &billsync.NoopLogger{}
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, t billsync.Transition) error {
	s.logger.Info("subscription transition",
		billsync.F("transition_id", t.ID),
		billsync.F("user_id", t.UserID),
		billsync.F("subscription_id", t.SubscriptionID),
		billsync.F("from", string(t.From)),
		billsync.F("to", string(t.To)),
		billsync.F("source", string(t.Source)),
		billsync.F("event_id", t.EventID),
	)
	return nil
}
