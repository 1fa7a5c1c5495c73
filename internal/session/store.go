package session

import (
	"context"
	"sync"
	"time"
)

// ChallengeRecord is an ephemeral, single-use wallet sign-in challenge.
type ChallengeRecord struct {
	ID           string    `json:"challengeId"`
	Nonce        string    `json:"nonce"`
	Message      string    `json:"message"`
	OwnerAddress string    `json:"ownerAddress"`
	AgentID      string    `json:"agentId,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ChallengeStore persists pending challenges. Consume must be atomic with
// respect to concurrent consumers: two racing calls for the same id must
// not both observe the record.
type ChallengeStore interface {
	Put(ctx context.Context, rec *ChallengeRecord) error

	// Consume removes the record for id whether or not it is still valid,
	// and returns it only if it existed and had not expired at now. A nil
	// record with nil error means "absent, expired, or already consumed";
	// callers cannot tell which, and must not be able to.
	Consume(ctx context.Context, id string, now time.Time) (*ChallengeRecord, error)

	// Sweep drops entries expired at now and reports how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// RefreshRecord tracks one opaque refresh token, stored by hash.
type RefreshRecord struct {
	TokenHash    string
	OwnerAddress string
	AgentID      string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// RefreshStore persists refresh tokens. Consume has the same at-most-once
// contract as ChallengeStore.Consume: the read deletes, racing consumers
// cannot both win, and a rotated token is indistinguishable from an
// unknown one.
type RefreshStore interface {
	Create(ctx context.Context, rec *RefreshRecord) error
	Consume(ctx context.Context, tokenHash string, now time.Time) (*RefreshRecord, error)
}

// MemoryChallengeStore is an in-memory ChallengeStore.
type MemoryChallengeStore struct {
	mu      sync.Mutex
	records map[string]*ChallengeRecord
}

// NewMemoryChallengeStore creates an in-memory challenge store.
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{records: make(map[string]*ChallengeRecord)}
}

func (s *MemoryChallengeStore) Put(ctx context.Context, rec *ChallengeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryChallengeStore) Consume(ctx context.Context, id string, now time.Time) (*ChallengeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	delete(s.records, id)
	if now.After(rec.ExpiresAt) {
		return nil, nil
	}
	return rec, nil
}

func (s *MemoryChallengeStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.records {
		if now.After(rec.ExpiresAt) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// MemoryRefreshStore is an in-memory RefreshStore.
type MemoryRefreshStore struct {
	mu      sync.Mutex
	records map[string]*RefreshRecord
}

// NewMemoryRefreshStore creates an in-memory refresh token store.
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{records: make(map[string]*RefreshRecord)}
}

func (s *MemoryRefreshStore) Create(ctx context.Context, rec *RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.TokenHash] = rec
	return nil
}

func (s *MemoryRefreshStore) Consume(ctx context.Context, tokenHash string, now time.Time) (*RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[tokenHash]
	if !ok {
		return nil, nil
	}
	delete(s.records, tokenHash)
	if now.After(rec.ExpiresAt) {
		return nil, nil
	}
	return rec, nil
}
