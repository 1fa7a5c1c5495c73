// Package ledger records the lifecycle of x402 payments.
//
// Flow:
//  1. Gate challenges a priced request: a payment is recorded as "requested"
//  2. Evidence verifies: "authorized"
//  3. Settlement broadcasts and confirms: "settled" (or "failed")
//
// Every transition also appends an activity event, so agent spend can be
// queried and streamed without replaying payment rows.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"
)

var (
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrDuplicatePayment  = errors.New("payment already recorded")
	ErrInvalidTransition = errors.New("invalid payment status transition")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Status is a payment lifecycle state.
type Status string

const (
	StatusRequested  Status = "requested"
	StatusAuthorized Status = "authorized"
	StatusSettled    Status = "settled"
	StatusFailed     Status = "failed"
)

// validNext enumerates the allowed lifecycle transitions.
var validNext = map[Status]map[Status]bool{
	StatusRequested:  {StatusAuthorized: true, StatusFailed: true},
	StatusAuthorized: {StatusSettled: true, StatusFailed: true},
}

// Payment is one priced request's lifecycle record, keyed by the
// paymentRequestId minted with the 402 challenge.
type Payment struct {
	PaymentRequestID string    `json:"paymentRequestId"`
	AgentID          string    `json:"agentId,omitempty"`
	Payer            string    `json:"payer,omitempty"` // authorization.from
	PayTo            string    `json:"payTo"`
	Asset            string    `json:"asset"`
	Amount           string    `json:"amount"` // base units, decimal string
	Scheme           string    `json:"scheme"`
	Network          string    `json:"network"`
	Resource         string    `json:"resource,omitempty"`
	Status           Status    `json:"status"`
	TxHash           string    `json:"txHash,omitempty"`
	FailureCode      string    `json:"failureCode,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Activity is an immutable event emitted on every payment transition.
type Activity struct {
	ID               int64     `json:"id"`
	PaymentRequestID string    `json:"paymentRequestId"`
	AgentID          string    `json:"agentId,omitempty"`
	EventType        string    `json:"eventType"` // payment.requested etc.
	Amount           string    `json:"amount,omitempty"`
	Resource         string    `json:"resource,omitempty"`
	TxHash           string    `json:"txHash,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Filter narrows payment and activity queries.
type Filter struct {
	AgentID string
	Payer   string
	Status  Status
	Limit   int

	// Cursor position: return only rows strictly older than this
	// (createdAt, paymentRequestId) pair. Zero values mean "from the top".
	Before   time.Time
	BeforeID string
}

// Update carries the fields a lifecycle transition may set.
type Update struct {
	Payer       string
	TxHash      string
	FailureCode string
}

// Store persists payment lifecycle records.
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, paymentRequestID string) (*Payment, error)
	// TransitionPayment atomically moves a payment to the next status,
	// rejecting transitions validNext does not allow.
	TransitionPayment(ctx context.Context, paymentRequestID string, to Status, u Update) (*Payment, error)
	ListPayments(ctx context.Context, f Filter) ([]*Payment, error)
	// AgentSpend sums settled amounts for one agent since the given time.
	AgentSpend(ctx context.Context, agentID string, since time.Time) (*big.Int, error)
}

// ActivityStore persists the activity feed.
type ActivityStore interface {
	Append(ctx context.Context, a *Activity) error
	List(ctx context.Context, f Filter) ([]*Activity, error)
}

// BudgetStatus reports an agent's spend against its configured ceiling.
// Budgets are advisory: the gate records and logs overruns but settlement
// still proceeds.
type BudgetStatus struct {
	AgentID    string `json:"agentId"`
	Ceiling    string `json:"ceiling,omitempty"`
	Spent      string `json:"spent"`
	OverBudget bool   `json:"overBudget"`
}

// Ledger manages payment lifecycle records, the activity feed, and
// per-agent advisory budgets.
type Ledger struct {
	store    Store
	activity ActivityStore
	now      func() time.Time

	// Optional hook invoked after each appended activity, used to fan
	// events out to live subscribers.
	publish func(*Activity)

	mu      sync.RWMutex
	budgets map[string]*big.Int // agentID → ceiling in base units
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPublisher sets the activity fan-out hook.
func WithPublisher(publish func(*Activity)) Option {
	return func(l *Ledger) { l.publish = publish }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over the given stores.
func New(store Store, activity ActivityStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		activity: activity,
		now:      time.Now,
		budgets:  make(map[string]*big.Int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordRequested creates the lifecycle record for a freshly minted 402
// challenge.
func (l *Ledger) RecordRequested(ctx context.Context, p *Payment) error {
	if p.PaymentRequestID == "" {
		return ErrPaymentNotFound
	}
	if _, ok := parseAmount(p.Amount); !ok {
		return ErrInvalidAmount
	}

	now := l.now()
	p.Status = StatusRequested
	p.Payer = strings.ToLower(p.Payer)
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := l.store.CreatePayment(ctx, p); err != nil {
		return err
	}
	paymentsTotal.WithLabelValues(string(StatusRequested)).Inc()
	l.emit(ctx, p, "payment.requested")
	return nil
}

// RecordAuthorized marks a payment as verified, with the payer address the
// evidence carried.
func (l *Ledger) RecordAuthorized(ctx context.Context, paymentRequestID, payer string) (*Payment, error) {
	p, err := l.store.TransitionPayment(ctx, paymentRequestID, StatusAuthorized, Update{Payer: strings.ToLower(payer)})
	if err != nil {
		return nil, err
	}
	paymentsTotal.WithLabelValues(string(StatusAuthorized)).Inc()
	l.emit(ctx, p, "payment.authorized")
	return p, nil
}

// RecordSettled marks a payment as settled with its transaction reference.
func (l *Ledger) RecordSettled(ctx context.Context, paymentRequestID, txHash string) (*Payment, error) {
	p, err := l.store.TransitionPayment(ctx, paymentRequestID, StatusSettled, Update{TxHash: txHash})
	if err != nil {
		return nil, err
	}
	paymentsTotal.WithLabelValues(string(StatusSettled)).Inc()
	l.emit(ctx, p, "payment.settled")
	return p, nil
}

// RecordFailed marks a payment as failed with the protocol error code that
// sank it. Valid from both requested and authorized.
func (l *Ledger) RecordFailed(ctx context.Context, paymentRequestID, failureCode string) (*Payment, error) {
	p, err := l.store.TransitionPayment(ctx, paymentRequestID, StatusFailed, Update{FailureCode: failureCode})
	if err != nil {
		return nil, err
	}
	paymentsTotal.WithLabelValues(string(StatusFailed)).Inc()
	l.emit(ctx, p, "payment.failed")
	return p, nil
}

// GetPayment returns one payment by its request id.
func (l *Ledger) GetPayment(ctx context.Context, paymentRequestID string) (*Payment, error) {
	return l.store.GetPayment(ctx, paymentRequestID)
}

// ListPayments queries payments.
func (l *Ledger) ListPayments(ctx context.Context, f Filter) ([]*Payment, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	f.Payer = strings.ToLower(f.Payer)
	return l.store.ListPayments(ctx, f)
}

// ListActivity queries the activity feed.
func (l *Ledger) ListActivity(ctx context.Context, f Filter) ([]*Activity, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return l.activity.List(ctx, f)
}

// SetBudget configures an agent's advisory spend ceiling in base units.
// An empty ceiling removes the budget.
func (l *Ledger) SetBudget(agentID, ceiling string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ceiling == "" {
		delete(l.budgets, agentID)
		return nil
	}
	amt, ok := parseAmount(ceiling)
	if !ok {
		return ErrInvalidAmount
	}
	l.budgets[agentID] = amt
	return nil
}

// BudgetStatus reports an agent's lifetime settled spend against its
// ceiling. OverBudget never blocks settlement; callers treat it as a
// signal, not a gate.
func (l *Ledger) BudgetStatus(ctx context.Context, agentID string) (*BudgetStatus, error) {
	spent, err := l.store.AgentSpend(ctx, agentID, time.Time{})
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	ceiling, ok := l.budgets[agentID]
	l.mu.RUnlock()

	st := &BudgetStatus{AgentID: agentID, Spent: spent.String()}
	if ok {
		st.Ceiling = ceiling.String()
		st.OverBudget = spent.Cmp(ceiling) > 0
	}
	return st, nil
}

// WouldExceedBudget reports whether settling the given amount would push
// the agent past its ceiling. Advisory only.
func (l *Ledger) WouldExceedBudget(ctx context.Context, agentID, amount string) (bool, error) {
	l.mu.RLock()
	ceiling, ok := l.budgets[agentID]
	l.mu.RUnlock()
	if !ok {
		return false, nil
	}

	amt, okAmt := parseAmount(amount)
	if !okAmt {
		return false, ErrInvalidAmount
	}
	spent, err := l.store.AgentSpend(ctx, agentID, time.Time{})
	if err != nil {
		return false, err
	}
	return new(big.Int).Add(spent, amt).Cmp(ceiling) > 0, nil
}

func (l *Ledger) emit(ctx context.Context, p *Payment, eventType string) {
	a := &Activity{
		PaymentRequestID: p.PaymentRequestID,
		AgentID:          p.AgentID,
		EventType:        eventType,
		Amount:           p.Amount,
		Resource:         p.Resource,
		TxHash:           p.TxHash,
		CreatedAt:        l.now(),
	}
	// Activity is best-effort relative to the payment row; a failed append
	// must not unwind the transition.
	if err := l.activity.Append(ctx, a); err == nil && l.publish != nil {
		l.publish(a)
	}
}

// parseAmount parses a non-negative base-unit decimal amount.
func parseAmount(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	amt, ok := new(big.Int).SetString(s, 10)
	if !ok || amt.Sign() < 0 {
		return nil, false
	}
	return amt, true
}
