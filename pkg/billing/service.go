package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// ServiceConfig configures Service.
type ServiceConfig struct {
	// Engine is the reconciliation engine all writes go through
	Engine *billsync.Engine

	// ProviderName labels metrics (default: "provider")
	ProviderName string

	// CallTimeout bounds every provider call. Default: 10s
	CallTimeout time.Duration

	Logger  billsync.Logger
	Metrics Metrics
}

// Service runs direct calls: it calls the provider through the client passed
// to each method and writes the response through the Engine as an optimistic
// update. The provider's own webhook later confirms or overrides it.
type Service struct {
	engine  *billsync.Engine
	config  ServiceConfig
	logger  billsync.Logger
	metrics Metrics
	group   singleflight.Group
}

// View is the read model returned by Get.
type View struct {
	Subscription *billsync.Subscription

	// Live is the provider snapshot, nil when it could not be fetched
	Live *ProviderSubscription

	// Stale is true when the provider could not be reached and Subscription
	// is the last committed local record
	Stale bool
}

// NewService creates a direct-call service.
func NewService(config ServiceConfig) (*Service, error) {
	if config.Engine == nil {
		return nil, fmt.Errorf("billing service: engine is required")
	}
	if config.ProviderName == "" {
		config.ProviderName = "provider"
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &billsync.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Service{
		engine:  config.Engine,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// Create subscribes the user to priceID. Fails with ErrSubscriptionExists
// when the user already holds an entitled subscription. Concurrent creates for
// one user are serialized, so at most one reaches the provider.
func (s *Service) Create(ctx context.Context, client Client, userID, priceID string) (*billsync.Subscription, error) {
	if userID == "" {
		return nil, billsync.ErrAuthenticationRequired
	}
	if priceID == "" {
		return nil, fmt.Errorf("%w: price_id is required", ErrInvalidRequest)
	}

	release, err := s.engine.LockCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := s.engine.Current(ctx, userID)
	switch {
	case err == nil && current.Status.Entitled():
		return nil, ErrSubscriptionExists
	case err != nil && !errors.Is(err, billsync.ErrNotFound):
		return nil, err
	}

	start := time.Now()
	ps, err := s.call(ctx, "create_subscription", func(ctx context.Context) (*ProviderSubscription, error) {
		return client.CreateSubscription(ctx, CreateRequest{UserID: userID, PriceID: priceID})
	})
	if err != nil {
		return nil, err
	}

	return s.commit(ctx, client, userID, ps, start, billsync.Created{Snapshot: ps.Snapshot()})
}

// Update changes the price of the user's entitled subscription.
func (s *Service) Update(ctx context.Context, client Client, userID string, req UpdateRequest) (*billsync.Subscription, error) {
	if userID == "" {
		return nil, billsync.ErrAuthenticationRequired
	}
	if req.PriceID == "" {
		return nil, fmt.Errorf("%w: price_id is required", ErrInvalidRequest)
	}
	if req.Proration == "" {
		req.Proration = ProrationCreateProrations
	}
	if !req.Proration.Valid() {
		return nil, fmt.Errorf("%w: unknown proration behavior %q", ErrInvalidRequest, req.Proration)
	}

	current, err := s.entitled(ctx, userID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ps, err := s.call(ctx, "update_subscription", func(ctx context.Context) (*ProviderSubscription, error) {
		return client.UpdateSubscription(ctx, current.ProviderSubscriptionID, req)
	})
	if err != nil {
		return nil, err
	}

	return s.commit(ctx, client, userID, ps, start, billsync.Updated{Snapshot: ps.Snapshot()})
}

// Cancel cancels the user's entitled subscription, immediately or at the end
// of the current period.
func (s *Service) Cancel(ctx context.Context, client Client, userID string, atPeriodEnd bool) (*billsync.Subscription, error) {
	if userID == "" {
		return nil, billsync.ErrAuthenticationRequired
	}

	current, err := s.entitled(ctx, userID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ps, err := s.call(ctx, "cancel_subscription", func(ctx context.Context) (*ProviderSubscription, error) {
		return client.CancelSubscription(ctx, current.ProviderSubscriptionID, atPeriodEnd)
	})
	if err != nil {
		return nil, err
	}

	var ev billsync.Event = billsync.Updated{Snapshot: ps.Snapshot()}
	if ps.Status == billsync.StatusCanceled {
		ev = billsync.Canceled{Snapshot: ps.Snapshot(), CanceledAt: start.UTC()}
	}
	return s.commit(ctx, client, userID, ps, start, ev)
}

// Get returns the user's current record merged with a live provider snapshot.
// When the provider is unavailable the local record is returned with Stale set.
func (s *Service) Get(ctx context.Context, client Client, userID string) (*View, error) {
	if userID == "" {
		return nil, billsync.ErrAuthenticationRequired
	}

	local, err := s.engine.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return &View{Subscription: local, Stale: true}, nil
	}

	res, ps, err := s.sync(ctx, client, local.ProviderSubscriptionID, userID)
	if err != nil {
		s.logger.Warn("serving local subscription without live snapshot",
			billsync.F("user_id", userID),
			billsync.F("subscription_id", local.ProviderSubscriptionID),
			billsync.F("error", err.Error()),
		)
		return &View{Subscription: local, Stale: true}, nil
	}

	// A canceled record may have been superseded by a newer one during sync.
	current := res.Current
	if latest, err := s.engine.Current(ctx, userID); err == nil {
		current = latest
	}
	view := &View{Subscription: current}
	if current.ProviderSubscriptionID == ps.ID {
		view.Live = ps
	}
	return view, nil
}

// Sync fetches the provider's snapshot of one subscription and reconciles it.
func (s *Service) Sync(ctx context.Context, client Client, subscriptionID string) (*billsync.CommitResult, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription id is required", ErrInvalidRequest)
	}
	res, _, err := s.sync(ctx, client, subscriptionID, "")
	return res, err
}

type syncResult struct {
	res *billsync.CommitResult
	ps  *ProviderSubscription
}

// sync coalesces concurrent fetches of the same subscription.
func (s *Service) sync(ctx context.Context, client Client, subscriptionID, userID string) (*billsync.CommitResult, *ProviderSubscription, error) {
	v, err, _ := s.group.Do(subscriptionID, func() (interface{}, error) {
		start := time.Now()
		ps, err := s.call(ctx, "retrieve_subscription", func(ctx context.Context) (*ProviderSubscription, error) {
			return client.RetrieveSubscription(ctx, subscriptionID)
		})
		if err != nil {
			status := "error"
			if IsUnavailable(err) {
				status = "unavailable"
			}
			s.metrics.RecordSync(s.config.ProviderName, status)
			return nil, err
		}

		owner := ps.UserID
		if owner == "" {
			owner = userID
		}
		u := billsync.Update{
			Source:         billsync.SourceSync,
			SubscriptionID: ps.ID,
			UserID:         owner,
			Event:          syncEvent(ps),
		}
		order(&u, ps, start)
		res, err := s.engine.Apply(ctx, u)
		s.metrics.RecordSyncDuration(s.config.ProviderName, time.Since(start))
		if err != nil {
			s.metrics.RecordSync(s.config.ProviderName, "error")
			return nil, err
		}
		s.metrics.RecordSync(s.config.ProviderName, "success")
		s.cancelSuperseded(ctx, client, res)
		return &syncResult{res: res, ps: ps}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	r := v.(*syncResult)
	return r.res, r.ps, nil
}

func syncEvent(ps *ProviderSubscription) billsync.Event {
	if ps.Status == billsync.StatusCanceled {
		return billsync.Canceled{Snapshot: ps.Snapshot()}
	}
	return billsync.Updated{Snapshot: ps.Snapshot()}
}

// Purge cancels the user's entitled subscription at the provider, if any,
// and deletes all of the user's records. Used for account deletion.
func (s *Service) Purge(ctx context.Context, client Client, userID string) (int, error) {
	if userID == "" {
		return 0, billsync.ErrAuthenticationRequired
	}

	current, err := s.engine.Current(ctx, userID)
	switch {
	case err == nil && current.Status.Entitled() && client != nil:
		_, err := s.call(ctx, "cancel_subscription", func(ctx context.Context) (*ProviderSubscription, error) {
			return client.CancelSubscription(ctx, current.ProviderSubscriptionID, false)
		})
		if err != nil && IsUnavailable(err) {
			return 0, err
		}
		if err != nil {
			// Already gone at the provider; deleting locally is still correct.
			s.logger.Warn("provider refused cancellation during purge",
				billsync.F("user_id", userID),
				billsync.F("subscription_id", current.ProviderSubscriptionID),
				billsync.F("error", err.Error()),
			)
		}
	case err != nil && !errors.Is(err, billsync.ErrNotFound):
		return 0, err
	}

	return s.engine.Purge(ctx, userID)
}

func (s *Service) entitled(ctx context.Context, userID string) (*billsync.Subscription, error) {
	current, err := s.engine.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !current.Status.Entitled() {
		return nil, fmt.Errorf("%w: user has no active subscription", billsync.ErrNotFound)
	}
	return current, nil
}

// call runs one provider call with the configured timeout. Timeouts are
// reported as ErrProviderUnavailable.
func (s *Service) call(ctx context.Context, op string, fn func(ctx context.Context) (*ProviderSubscription, error)) (*ProviderSubscription, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	start := time.Now()
	ps, err := fn(callCtx)
	if err == nil && ps == nil {
		err = fmt.Errorf("%s: provider returned no subscription", op)
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = Unavailable(err)
	}

	s.metrics.RecordAPICall(s.config.ProviderName, op, CallStatus(err))
	s.metrics.RecordAPICallDuration(s.config.ProviderName, op, time.Since(start))

	if err != nil {
		s.logger.Warn("provider call failed",
			billsync.F("operation", op),
			billsync.F("retriable", IsUnavailable(err)),
			billsync.F("error", err.Error()),
		)
		return nil, err
	}
	return ps, nil
}

func (s *Service) commit(ctx context.Context, client Client, userID string, ps *ProviderSubscription, start time.Time, ev billsync.Event) (*billsync.Subscription, error) {
	u := billsync.Update{
		Source:         billsync.SourceDirectCall,
		SubscriptionID: ps.ID,
		UserID:         userID,
		Event:          ev,
	}
	order(&u, ps, start)
	res, err := s.engine.Apply(ctx, u)
	if err != nil {
		// The provider accepted the call; its webhook will reconcile the record.
		s.logger.Error("failed to record direct call result",
			billsync.F("user_id", userID),
			billsync.F("subscription_id", ps.ID),
			billsync.F("error", err.Error()),
		)
		return nil, err
	}
	s.cancelSuperseded(ctx, client, res)
	return res.Current, nil
}

// cancelSuperseded ends, at the provider, subscriptions the engine retired
// locally. Failures are logged; the record stays canceled either way.
func (s *Service) cancelSuperseded(ctx context.Context, client Client, res *billsync.CommitResult) {
	if client == nil {
		return
	}
	for _, sub := range res.Superseded {
		_, err := s.call(ctx, "cancel_subscription", func(ctx context.Context) (*ProviderSubscription, error) {
			return client.CancelSubscription(ctx, sub.ProviderSubscriptionID, false)
		})
		if err != nil {
			s.logger.Warn("superseded subscription may still be live at provider",
				billsync.F("user_id", sub.UserID),
				billsync.F("subscription_id", sub.ProviderSubscriptionID),
				billsync.F("error", err.Error()),
			)
			continue
		}
		s.logger.Info("superseded subscription canceled at provider",
			billsync.F("user_id", sub.UserID),
			billsync.F("subscription_id", sub.ProviderSubscriptionID),
		)
	}
}

// order stamps a direct-call or sync write. A provider-supplied sequence
// places it among webhook events; otherwise only the local start time orders
// it, against the record's last local write.
func order(u *billsync.Update, ps *ProviderSubscription, start time.Time) {
	if ps.Sequence > 0 {
		u.Sequence = ps.Sequence
	}
	u.IssuedAt = start
}
