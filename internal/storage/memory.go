package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"botrelay/internal/domain"
)

// memStore keeps accounts in process memory. The file driver embeds it and
// persists every mutation.
type memStore struct {
	mu       sync.Mutex
	accounts map[domain.AccountID]*domain.Account
	order    []domain.AccountID
	now      func() time.Time
}

func newMemStore() *memStore {
	return &memStore{accounts: map[domain.AccountID]*domain.Account{}, now: time.Now}
}

// NewMemory returns an unguarded in-memory store.
func NewMemory() Store { return newMemStore() }

func (s *memStore) ListAccounts(ctx context.Context, excludeBanned bool) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Account, 0, len(s.order))
	for _, id := range s.order {
		a := s.accounts[id]
		if excludeBanned && a.Banned {
			continue
		}
		out = append(out, clone(*a))
	}
	return out, nil
}

func (s *memStore) GetAccount(ctx context.Context, id domain.AccountID) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return clone(*a), nil
}

func (s *memStore) CreateAccount(ctx context.Context, credential []byte, kind domain.TransportKind, label string) (domain.Account, error) {
	if err := validateCreate(kind); err != nil {
		return domain.Account{}, err
	}
	a := domain.Account{
		ID:         newAccountID(),
		Kind:       kind,
		Label:      label,
		Credential: append([]byte(nil), credential...),
		CreatedAt:  s.now().UTC(),
	}
	s.mu.Lock()
	s.putLocked(a)
	s.mu.Unlock()
	return clone(a), nil
}

func (s *memStore) putLocked(a domain.Account) {
	if _, ok := s.accounts[a.ID]; !ok {
		s.order = append(s.order, a.ID)
	}
	cp := clone(a)
	s.accounts[a.ID] = &cp
}

func (s *memStore) update(id domain.AccountID, fn func(a *domain.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	fn(a)
	return nil
}

func (s *memStore) MarkBanned(ctx context.Context, id domain.AccountID) error {
	return s.update(id, func(a *domain.Account) { a.Banned = true })
}

func (s *memStore) Unban(ctx context.Context, id domain.AccountID) error {
	return s.update(id, func(a *domain.Account) { a.Banned = false })
}

func (s *memStore) IncrementDailyCount(ctx context.Context, id domain.AccountID) error {
	return s.update(id, func(a *domain.Account) { a.DailyCount++ })
}

func (s *memStore) TouchActivity(ctx context.Context, id domain.AccountID, at time.Time) error {
	return s.update(id, func(a *domain.Account) { a.LastActivity = at.UTC() })
}

func (s *memStore) UpdateCredential(ctx context.Context, id domain.AccountID, credential []byte) error {
	return s.update(id, func(a *domain.Account) { a.Credential = append([]byte(nil), credential...) })
}

func (s *memStore) ResetDailyCounts(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		a.DailyCount = 0
	}
	return nil
}

func (s *memStore) Close() error { return nil }

func clone(a domain.Account) domain.Account {
	a.Credential = append([]byte(nil), a.Credential...)
	return a
}
