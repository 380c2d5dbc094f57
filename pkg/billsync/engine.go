package billsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EngineConfig configures the reconciliation Engine.
type EngineConfig struct {
	// Locker serializes updates per user. Default: in-process KeyedLocker.
	// Use a distributed locker when several processes share one store.
	Locker Locker

	// LockTTL bounds how long a crashed holder keeps a distributed lock. Default: 30s
	LockTTL time.Duration

	// MaxRetries is how often Apply retries after losing a version race. Default: 3
	MaxRetries int

	// Notifier receives committed transitions. Default: NoopNotifier
	Notifier Notifier

	// AuditLogger records conflicts and other operator-visible decisions.
	// Defaults to the store when it implements AuditLogger.
	AuditLogger AuditLogger

	Logger  Logger
	Metrics Metrics
}

// Engine reconciles provider state into the Store. It is the only writer of
// subscription records.
type Engine struct {
	store    Store
	locker   Locker
	notifier Notifier
	audit    AuditLogger
	logger   Logger
	metrics  Metrics
	config   EngineConfig
}

// NewEngine creates a reconciliation engine on top of store.
func NewEngine(store Store, config EngineConfig) (*Engine, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}

	if config.Locker == nil {
		config.Locker = NewKeyedLocker()
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.Notifier == nil {
		config.Notifier = &NoopNotifier{}
	}
	if config.AuditLogger == nil {
		if al, ok := store.(AuditLogger); ok {
			config.AuditLogger = al
		}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Engine{
		store:    store,
		locker:   config.Locker,
		notifier: config.Notifier,
		audit:    config.AuditLogger,
		logger:   config.Logger,
		metrics:  config.Metrics,
		config:   config,
	}, nil
}

// ownerMismatchError is returned when the stored record belongs to another
// user than the lock that was taken.
type ownerMismatchError struct {
	owner string
}

func (e *ownerMismatchError) Error() string {
	return "subscription belongs to user " + e.owner
}

// Apply reconciles one update into the store.
//
// Updates whose sequence is not newer than the stored one return
// OutcomeStale. Updates that would move the record backwards return
// OutcomeConflict and are written to the audit trail. Neither is an error.
// An update for an unknown subscription creates a placeholder record first.
// ErrNotFound is returned only when no user can be resolved for the update.
func (e *Engine) Apply(ctx context.Context, u Update) (*CommitResult, error) {
	start := time.Now()
	res, err := e.apply(ctx, u)

	outcome := "error"
	if err == nil {
		outcome = string(res.Outcome)
	}
	e.metrics.RecordApply(string(u.Source), outcome, time.Since(start))
	return res, err
}

func (e *Engine) apply(ctx context.Context, u Update) (*CommitResult, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}

	userID, err := e.resolveUser(ctx, u)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		res, err := e.applyForUser(ctx, userID, u)
		if err == nil {
			return res, nil
		}
		if attempt >= e.config.MaxRetries {
			return nil, err
		}

		var mismatch *ownerMismatchError
		switch {
		case errors.As(err, &mismatch):
			userID = mismatch.owner
		case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrAlreadyExists):
			e.logger.Debug("retrying after version race",
				F("subscription_id", u.SubscriptionID),
				F("attempt", attempt+1),
			)
		default:
			return nil, err
		}
	}
}

// resolveUser finds the user an update belongs to. A stored record is
// authoritative since its user never changes.
func (e *Engine) resolveUser(ctx context.Context, u Update) (string, error) {
	if u.SubscriptionID != "" {
		sub, err := e.store.GetSubscription(ctx, u.SubscriptionID)
		switch {
		case err == nil:
			if u.UserID != "" && u.UserID != sub.UserID {
				e.logger.Warn("update user differs from stored owner",
					F("subscription_id", u.SubscriptionID),
					F("update_user_id", u.UserID),
					F("user_id", sub.UserID),
				)
			}
			return sub.UserID, nil
		case !errors.Is(err, ErrNotFound):
			return "", fmt.Errorf("get subscription %s: %w", u.SubscriptionID, err)
		}
	}
	if u.UserID == "" {
		return "", fmt.Errorf("%w: no user for subscription %s", ErrNotFound, u.SubscriptionID)
	}
	return u.UserID, nil
}

func userLockKey(userID string) string {
	return "user:" + userID
}

// LockCreate serializes subscription creation for a user across the
// entitlement check, the provider call and the commit. It uses its own key,
// so Apply may be called while it is held.
func (e *Engine) LockCreate(ctx context.Context, userID string) (release func(), err error) {
	if userID == "" {
		return nil, ErrAuthenticationRequired
	}
	release, err = e.locker.Acquire(ctx, "create:"+userID, e.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire create lock for user %s: %w", userID, err)
	}
	return release, nil
}

func (e *Engine) applyForUser(ctx context.Context, userID string, u Update) (*CommitResult, error) {
	waitStart := time.Now()
	release, err := e.locker.Acquire(ctx, userLockKey(userID), e.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lock for user %s: %w", userID, err)
	}
	defer release()
	e.metrics.RecordLockWait(time.Since(waitStart))

	cur, err := e.lookup(ctx, userID, u)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	created := false
	if cur == nil {
		cur = &Subscription{
			UserID:                 userID,
			ProviderSubscriptionID: u.SubscriptionID,
			Status:                 StatusIncomplete,
			CreatedAt:              now,
		}
		created = true
	}

	tie := false
	if !created {
		if reason := staleReason(cur, u); reason != nil {
			e.logger.Debug("discarding stale update",
				F("subscription_id", cur.ProviderSubscriptionID),
				F("event", u.Event.Kind()),
				F("source", string(u.Source)),
				F("sequence", u.Sequence),
				F("last_sequence", cur.LastEventSequence),
			)
			return staleResult(cur, reason), nil
		}
		tie = u.Sequence > 0 && u.Sequence == cur.LastEventSequence
	}

	next, err := nextState(cur, u.Event)
	if err != nil {
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		if tie {
			// Same-second events in the wrong order: the earlier one lost.
			return staleResult(cur, fmt.Errorf("%w: %v", ErrOutOfOrder, err)), nil
		}
		e.recordConflict(ctx, cur, u, err)
		return &CommitResult{
			Outcome:  OutcomeConflict,
			Previous: cur,
			Current:  cur,
			Reason:   err,
		}, nil
	}

	if tie && !advances(cur, next) {
		if !fieldsChanged(cur, next) {
			return staleResult(cur, fmt.Errorf("%w: sequence %d already applied", ErrOutOfOrder, u.Sequence)), nil
		}
		err := fmt.Errorf("%w: same-sequence event with ambiguous order", ErrConflict)
		e.recordConflict(ctx, cur, u, err)
		return &CommitResult{
			Outcome:  OutcomeConflict,
			Previous: cur,
			Current:  cur,
			Reason:   err,
		}, nil
	}

	if u.Sequence > 0 {
		next.LastEventSequence = u.Sequence
		next.LastEventID = u.EventID
	}
	next.Version = cur.Version + 1
	next.LastSource = u.Source
	next.UpdatedAt = now

	var siblings []*Subscription
	lost := false
	if next.Status.Entitled() {
		siblings, err = e.entitledSiblings(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, s := range siblings {
			if newerThan(s, next) {
				// A newer subscription already holds the user's entitlement.
				next.Status = StatusCanceled
				siblings = nil
				e.logger.Warn("entitled subscription superseded locally",
					F("user_id", userID),
					F("subscription_id", next.ProviderSubscriptionID),
					F("winner", s.ProviderSubscriptionID),
				)
				lost = true
				e.writeAudit(ctx, next, u, AuditActionSuperseded, cur.Status,
					supersededReason(s))
				break
			}
		}
	}

	if err := e.store.SaveSubscription(ctx, next, cur.Version); err != nil {
		return nil, fmt.Errorf("save subscription %s: %w", next.ProviderSubscriptionID, err)
	}

	res := &CommitResult{
		Outcome: OutcomeApplied,
		Current: next,
		Created: created,
	}
	if !created {
		res.Previous = cur
	}
	if lost {
		res.Superseded = append(res.Superseded, next)
	}

	if created {
		e.writeAudit(ctx, next, u, AuditActionPlaceholder, "", "record created from "+string(u.Source))
	}

	for _, s := range siblings {
		retired, err := e.retire(ctx, s, next, u, now)
		if err != nil {
			e.logger.Error("failed to retire superseded subscription",
				F("user_id", userID),
				F("subscription_id", s.ProviderSubscriptionID),
				F("error", err.Error()),
			)
			continue
		}
		res.Superseded = append(res.Superseded, retired)
	}

	var from Status
	if !created {
		from = cur.Status
	}
	if created || fieldsChanged(cur, next) {
		e.emit(ctx, from, next, u, now)
	}

	e.logger.Info("subscription reconciled",
		F("user_id", userID),
		F("subscription_id", next.ProviderSubscriptionID),
		F("event", u.Event.Kind()),
		F("source", string(u.Source)),
		F("from", string(from)),
		F("to", string(next.Status)),
		F("sequence", u.Sequence),
		F("version", next.Version),
	)

	return res, nil
}

// lookup returns the record targeted by u, or nil when it does not exist yet.
func (e *Engine) lookup(ctx context.Context, userID string, u Update) (*Subscription, error) {
	if u.SubscriptionID != "" {
		sub, err := e.store.GetSubscription(ctx, u.SubscriptionID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("get subscription %s: %w", u.SubscriptionID, err)
		}
		if sub.UserID != userID {
			return nil, &ownerMismatchError{owner: sub.UserID}
		}
		return sub, nil
	}

	subs, err := e.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for user %s: %w", userID, err)
	}
	if cur := pickCurrent(subs); cur != nil {
		return cur, nil
	}
	return nil, fmt.Errorf("%w: user %s has no subscription", ErrNotFound, userID)
}

// pickCurrent returns the entitled record, or the newest one if none is
// entitled.
func pickCurrent(subs []*Subscription) *Subscription {
	var newest *Subscription
	for _, s := range subs {
		if s.Status.Entitled() {
			return s
		}
		if newest == nil || newerThan(s, newest) {
			newest = s
		}
	}
	return newest
}

// newerThan orders two subscriptions of one user by their last provider
// sequence. A record only written locally so far counts from its creation.
func newerThan(a, b *Subscription) bool {
	return orderKey(a) > orderKey(b)
}

func orderKey(s *Subscription) int64 {
	if s.LastEventSequence > 0 {
		return s.LastEventSequence
	}
	return DirectSequence(s.CreatedAt)
}

// staleReason reports why u is older than what cur already reflects, or nil.
// Provider-ordered updates compare sequences; an equal sequence is only stale
// for the same event. Other updates compare their issue time with the last
// local write.
func staleReason(cur *Subscription, u Update) error {
	if u.Sequence > 0 {
		switch {
		case u.Sequence < cur.LastEventSequence:
			return fmt.Errorf("%w: sequence %d < %d", ErrOutOfOrder, u.Sequence, cur.LastEventSequence)
		case u.Sequence == cur.LastEventSequence && (u.EventID == "" || u.EventID == cur.LastEventID):
			return fmt.Errorf("%w: sequence %d already applied", ErrOutOfOrder, u.Sequence)
		}
		return nil
	}
	if !u.IssuedAt.After(cur.UpdatedAt) {
		return fmt.Errorf("%w: issued %s, record written %s", ErrOutOfOrder,
			u.IssuedAt.UTC().Format(time.RFC3339Nano), cur.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

func staleResult(cur *Subscription, reason error) *CommitResult {
	return &CommitResult{
		Outcome:  OutcomeStale,
		Previous: cur,
		Current:  cur,
		Reason:   reason,
	}
}

// advances reports whether next is strictly further along than cur.
func advances(cur, next *Subscription) bool {
	return statusRank[next.Status] > statusRank[cur.Status] ||
		next.CurrentPeriodEnd.After(cur.CurrentPeriodEnd)
}

func supersededReason(winner *Subscription) string {
	return "superseded by " + winner.ProviderSubscriptionID + "; provider subscription may still be live"
}

func (e *Engine) entitledSiblings(ctx context.Context, sub *Subscription) ([]*Subscription, error) {
	subs, err := e.store.ListByUser(ctx, sub.UserID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for user %s: %w", sub.UserID, err)
	}
	var out []*Subscription
	for _, s := range subs {
		if s.ProviderSubscriptionID != sub.ProviderSubscriptionID && s.Status.Entitled() {
			out = append(out, s)
		}
	}
	return out, nil
}

// retire cancels an older entitled record that lost to winner.
func (e *Engine) retire(ctx context.Context, old, winner *Subscription, u Update, now time.Time) (*Subscription, error) {
	retired := old.Clone()
	retired.Status = StatusCanceled
	retired.Version = old.Version + 1
	retired.LastSource = u.Source
	retired.UpdatedAt = now

	if err := e.store.SaveSubscription(ctx, retired, old.Version); err != nil {
		return nil, err
	}

	e.logger.Warn("entitled subscription superseded locally",
		F("user_id", old.UserID),
		F("subscription_id", old.ProviderSubscriptionID),
		F("winner", winner.ProviderSubscriptionID),
	)
	e.writeAudit(ctx, retired, u, AuditActionSuperseded, old.Status, supersededReason(winner))
	e.emit(ctx, old.Status, retired, u, now)
	return retired, nil
}

func (e *Engine) emit(ctx context.Context, from Status, sub *Subscription, u Update, now time.Time) {
	if from != sub.Status {
		e.metrics.RecordStatusTransition(string(from), string(sub.Status))
	}
	e.notifier.Notify(ctx, Transition{
		ID:             uuid.NewString(),
		UserID:         sub.UserID,
		SubscriptionID: sub.ProviderSubscriptionID,
		From:           from,
		To:             sub.Status,
		Source:         u.Source,
		EventID:        u.EventID,
		Subscription:   sub.Clone(),
		OccurredAt:     now,
	})
}

func (e *Engine) recordConflict(ctx context.Context, cur *Subscription, u Update, reason error) {
	e.logger.Warn("subscription update conflict",
		F("user_id", cur.UserID),
		F("subscription_id", cur.ProviderSubscriptionID),
		F("event", u.Event.Kind()),
		F("event_id", u.EventID),
		F("source", string(u.Source)),
		F("sequence", u.Sequence),
		F("reason", reason.Error()),
	)
	e.writeAudit(ctx, cur, u, AuditActionConflict, cur.Status, reason.Error())
}

func (e *Engine) writeAudit(ctx context.Context, sub *Subscription, u Update, action string, from Status, reason string) {
	if e.audit == nil {
		return
	}
	entry := &AuditLogEntry{
		ID:             uuid.NewString(),
		UserID:         sub.UserID,
		SubscriptionID: sub.ProviderSubscriptionID,
		Action:         action,
		FromStatus:     from,
		ToStatus:       sub.Status,
		Sequence:       u.Sequence,
		Source:         u.Source,
		EventID:        u.EventID,
		Timestamp:      time.Now().UTC(),
		Actor:          "system",
		Reason:         reason,
		Metadata:       map[string]string{"event": u.Event.Kind()},
	}
	if err := e.audit.LogAuditEntry(ctx, entry); err != nil {
		e.logger.Warn("failed to write audit entry",
			F("action", action),
			F("subscription_id", sub.ProviderSubscriptionID),
			F("error", err.Error()),
		)
	}
}

// Get returns the record for a provider subscription id.
func (e *Engine) Get(ctx context.Context, subscriptionID string) (*Subscription, error) {
	return e.store.GetSubscription(ctx, subscriptionID)
}

// Current returns the user's entitled record, or their most recent record if
// none is entitled. Returns ErrNotFound if the user has no records.
func (e *Engine) Current(ctx context.Context, userID string) (*Subscription, error) {
	subs, err := e.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cur := pickCurrent(subs); cur != nil {
		return cur, nil
	}
	return nil, ErrNotFound
}

// Purge deletes every record of a user. It backs the identity provider's
// account deletion and is the only path that physically removes records.
func (e *Engine) Purge(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrAuthenticationRequired
	}

	release, err := e.locker.Acquire(ctx, userLockKey(userID), e.config.LockTTL)
	if err != nil {
		return 0, fmt.Errorf("acquire lock for user %s: %w", userID, err)
	}
	defer release()

	n, err := e.store.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("delete subscriptions for user %s: %w", userID, err)
	}

	if e.audit != nil {
		entry := &AuditLogEntry{
			ID:        uuid.NewString(),
			UserID:    userID,
			Action:    AuditActionPurge,
			Timestamp: time.Now().UTC(),
			Actor:     "system",
			Reason:    "account deleted",
			Metadata:  map[string]string{"deleted": fmt.Sprint(n)},
		}
		if err := e.audit.LogAuditEntry(ctx, entry); err != nil {
			e.logger.Warn("failed to write audit entry", F("action", AuditActionPurge), F("error", err.Error()))
		}
	}

	e.logger.Info("user subscriptions purged", F("user_id", userID), F("deleted", n))
	return n, nil
}

// AuditLogs returns audit entries when an AuditLogger is configured.
func (e *Engine) AuditLogs(ctx context.Context, filter AuditLogFilter) ([]*AuditLogEntry, error) {
	if e.audit == nil {
		return nil, nil
	}
	return e.audit.GetAuditLogs(ctx, filter)
}
