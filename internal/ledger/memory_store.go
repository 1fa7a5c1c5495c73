package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment
	order    []string // insertion order, oldest first
}

// NewMemoryStore creates an in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreatePayment(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[p.PaymentRequestID]; exists {
		return ErrDuplicatePayment
	}
	cp := *p
	s.payments[p.PaymentRequestID] = &cp
	s.order = append(s.order, p.PaymentRequestID)
	return nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, paymentRequestID string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[paymentRequestID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) TransitionPayment(ctx context.Context, paymentRequestID string, to Status, u Update) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentRequestID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if !validNext[p.Status][to] {
		return nil, ErrInvalidTransition
	}

	p.Status = to
	if u.Payer != "" {
		p.Payer = u.Payer
	}
	if u.TxHash != "" {
		p.TxHash = u.TxHash
	}
	if u.FailureCode != "" {
		p.FailureCode = u.FailureCode
	}
	p.UpdatedAt = time.Now()

	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPayments(ctx context.Context, f Filter) ([]*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Newest first.
	var out []*Payment
	for i := len(s.order) - 1; i >= 0 && len(out) < f.Limit; i-- {
		p := s.payments[s.order[i]]
		if !f.Before.IsZero() {
			if p.CreatedAt.After(f.Before) {
				continue
			}
			if p.CreatedAt.Equal(f.Before) && p.PaymentRequestID >= f.BeforeID {
				continue
			}
		}
		if f.AgentID != "" && p.AgentID != f.AgentID {
			continue
		}
		if f.Payer != "" && p.Payer != f.Payer {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) AgentSpend(ctx context.Context, agentID string, since time.Time) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := big.NewInt(0)
	for _, p := range s.payments {
		if p.AgentID != agentID || p.Status != StatusSettled {
			continue
		}
		if !since.IsZero() && p.UpdatedAt.Before(since) {
			continue
		}
		if amt, ok := parseAmount(p.Amount); ok {
			total.Add(total, amt)
		}
	}
	return total, nil
}

// MemoryActivityStore is an in-memory ActivityStore.
type MemoryActivityStore struct {
	mu     sync.RWMutex
	events []*Activity
	nextID int64
}

// NewMemoryActivityStore creates an in-memory activity store.
func NewMemoryActivityStore() *MemoryActivityStore {
	return &MemoryActivityStore{nextID: 1}
}

var _ ActivityStore = (*MemoryActivityStore)(nil)

func (s *MemoryActivityStore) Append(ctx context.Context, a *Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = s.nextID
	s.nextID++
	cp := *a
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryActivityStore) List(ctx context.Context, f Filter) ([]*Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Activity
	for i := len(s.events) - 1; i >= 0 && len(out) < f.Limit; i-- {
		a := s.events[i]
		if f.AgentID != "" && a.AgentID != f.AgentID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}
