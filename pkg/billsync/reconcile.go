package billsync

import "fmt"

// statusRank orders statuses along the lifecycle
// incomplete -> trialing -> active <-> past_due -> canceled.
var statusRank = map[Status]int{
	StatusIncomplete: 0,
	StatusTrialing:   1,
	StatusActive:     2,
	StatusPastDue:    2,
	StatusCanceled:   3,
}

// CanTransition reports whether a record may move from one status to another.
// Forward skips are allowed because the provider is authoritative; nothing
// leaves canceled.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr >= fr
}

// nextState applies ev to cur and returns the resulting record. cur is not
// modified. The returned error wraps ErrConflict when the result would move
// the record backwards.
func nextState(cur *Subscription, ev Event) (*Subscription, error) {
	next := cur.Clone()

	switch e := ev.(type) {
	case Created:
		if err := applySnapshot(next, e.Snapshot); err != nil {
			return nil, err
		}
	case Updated:
		if err := applySnapshot(next, e.Snapshot); err != nil {
			return nil, err
		}
	case Canceled:
		snap := e.Snapshot
		snap.Status = StatusCanceled
		if err := applySnapshot(next, snap); err != nil {
			return nil, err
		}
	case PaymentFailed:
		if next.Status == StatusActive || next.Status == StatusTrialing {
			next.Status = StatusPastDue
		}
	case PaymentSucceeded:
		if next.Status == StatusPastDue || next.Status == StatusIncomplete {
			next.Status = StatusActive
		}
		if !e.PeriodEnd.IsZero() {
			next.CurrentPeriodEnd = e.PeriodEnd
		}
	default:
		return nil, fmt.Errorf("%w: unsupported event %T", ErrInvalidUpdate, ev)
	}

	if !CanTransition(cur.Status, next.Status) {
		return nil, fmt.Errorf("%w: status %s -> %s not allowed", ErrConflict, cur.Status, next.Status)
	}
	if next.CurrentPeriodEnd.Before(cur.CurrentPeriodEnd) {
		return nil, fmt.Errorf("%w: current_period_end moves back from %s to %s",
			ErrConflict, cur.CurrentPeriodEnd.UTC().Format("2006-01-02T15:04:05Z"),
			next.CurrentPeriodEnd.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return next, nil
}

func applySnapshot(sub *Subscription, s Snapshot) error {
	if s.Status != "" {
		if !s.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, s.Status)
		}
		sub.Status = s.Status
	}
	if s.PriceID != "" {
		sub.PriceID = s.PriceID
	}
	if !s.CurrentPeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = s.CurrentPeriodEnd
	}
	sub.CancelAtPeriodEnd = s.CancelAtPeriodEnd
	return nil
}

// fieldsChanged reports whether any provider-owned field differs.
func fieldsChanged(a, b *Subscription) bool {
	return a.Status != b.Status ||
		a.PriceID != b.PriceID ||
		!a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) ||
		a.CancelAtPeriodEnd != b.CancelAtPeriodEnd
}
