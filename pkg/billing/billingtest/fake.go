// Package billingtest provides an in-memory billing.Client for tests.
package billingtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Client is a fake provider. Subscriptions are held in memory; Err, when set,
// is returned from every call instead.
type Client struct {
	mu sync.Mutex

	subs  map[string]*billing.ProviderSubscription
	next  int
	seq   int64
	calls map[string]int

	// Err is returned by every call while non-nil
	Err error

	// Now is the provider clock (default: time.Now)
	Now func() time.Time

	// InitialStatus is the status of created subscriptions (default: active)
	InitialStatus billsync.Status

	// Period is the billing period length (default: 30 days)
	Period time.Duration
}

// NewClient creates an empty fake provider.
func NewClient() *Client {
	return &Client{
		subs:  make(map[string]*billing.ProviderSubscription),
		calls: make(map[string]int),
	}
}

// Calls returns how many times op was invoked, including failed calls.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// SetErr sets Err under the client lock.
func (c *Client) SetErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Err = err
}

// Put stores sub as the provider state, replacing any existing one. A zero
// Sequence is replaced with the next provider sequence.
func (c *Client) Put(sub billing.ProviderSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := sub
	if s.Sequence == 0 {
		s.Sequence = c.tick()
	}
	c.subs[sub.ID] = &s
}

// Subscription returns a copy of the provider state of id.
func (c *Client) Subscription(id string) (billing.ProviderSubscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[id]
	if !ok {
		return billing.ProviderSubscription{}, false
	}
	return *s, true
}

func (c *Client) begin(op string) error {
	c.calls[op]++
	return c.Err
}

// tick returns a strictly increasing sequence close to the provider clock.
func (c *Client) tick() int64 {
	c.seq++
	if s := billsync.DirectSequence(c.now()); s > c.seq {
		c.seq = s
	}
	return c.seq
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Client) period() time.Duration {
	if c.Period > 0 {
		return c.Period
	}
	return 30 * 24 * time.Hour
}

// CreateSubscription implements billing.Client
func (c *Client) CreateSubscription(_ context.Context, req billing.CreateRequest) (*billing.ProviderSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("create"); err != nil {
		return nil, err
	}
	if req.PriceID == "" {
		return nil, &billing.RejectedError{Code: "parameter_missing", Reason: "price is required", StatusCode: 400}
	}

	status := c.InitialStatus
	if status == "" {
		status = billsync.StatusActive
	}
	c.next++
	sub := &billing.ProviderSubscription{
		ID:               fmt.Sprintf("sub_%d", c.next),
		UserID:           req.UserID,
		Status:           status,
		PriceID:          req.PriceID,
		CurrentPeriodEnd: c.now().Truncate(time.Second).Add(c.period()),
		Sequence:         c.tick(),
	}
	c.subs[sub.ID] = sub
	out := *sub
	return &out, nil
}

// UpdateSubscription implements billing.Client
func (c *Client) UpdateSubscription(_ context.Context, id string, req billing.UpdateRequest) (*billing.ProviderSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("update"); err != nil {
		return nil, err
	}
	sub, err := c.live(id)
	if err != nil {
		return nil, err
	}
	sub.PriceID = req.PriceID
	sub.Sequence = c.tick()
	out := *sub
	return &out, nil
}

// CancelSubscription implements billing.Client
func (c *Client) CancelSubscription(_ context.Context, id string, atPeriodEnd bool) (*billing.ProviderSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("cancel"); err != nil {
		return nil, err
	}
	sub, err := c.live(id)
	if err != nil {
		return nil, err
	}
	if atPeriodEnd {
		sub.CancelAtPeriodEnd = true
	} else {
		sub.Status = billsync.StatusCanceled
	}
	sub.Sequence = c.tick()
	out := *sub
	return &out, nil
}

// RetrieveSubscription implements billing.Client
func (c *Client) RetrieveSubscription(_ context.Context, id string) (*billing.ProviderSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("retrieve"); err != nil {
		return nil, err
	}
	sub, ok := c.subs[id]
	if !ok {
		return nil, &billing.RejectedError{Code: "resource_missing", Reason: "no such subscription: " + id, StatusCode: 404}
	}
	out := *sub
	return &out, nil
}

func (c *Client) live(id string) (*billing.ProviderSubscription, error) {
	sub, ok := c.subs[id]
	if !ok {
		return nil, &billing.RejectedError{Code: "resource_missing", Reason: "no such subscription: " + id, StatusCode: 404}
	}
	if sub.Status == billsync.StatusCanceled {
		return nil, &billing.RejectedError{Code: "subscription_canceled", Reason: "subscription is canceled", StatusCode: 400}
	}
	return sub, nil
}
