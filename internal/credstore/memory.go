package credstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/inboxkit/syncd/internal/account"
)

// MemoryStore is an in-process Store for development mode and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	creds     map[account.AccountKey]account.Credential
	refresher TokenRefresher
	flight    singleflight.Group
}

// NewMemoryStore creates an empty MemoryStore. refresher may be nil.
func NewMemoryStore(refresher TokenRefresher) *MemoryStore {
	return &MemoryStore{
		creds:     make(map[account.AccountKey]account.Credential),
		refresher: refresher,
	}
}

// GetFresh returns a credential valid for at least FreshnessGrace,
// refreshing it first when needed.
func (s *MemoryStore) GetFresh(ctx context.Context, key account.AccountKey) (account.Credential, error) {
	s.mu.RLock()
	cred, ok := s.creds[key]
	s.mu.RUnlock()
	if !ok {
		return account.Credential{}, fmt.Errorf("%w: no credential for %s", ErrNotAuthorized, key)
	}
	if cred.Fresh(time.Now(), FreshnessGrace) {
		return cred, nil
	}

	v, err, _ := s.flight.Do(key.String(), func() (any, error) {
		s.mu.RLock()
		cred, ok := s.creds[key]
		s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: no credential for %s", ErrNotAuthorized, key)
		}
		if cred.Fresh(time.Now(), FreshnessGrace) {
			return cred, nil
		}
		if s.refresher == nil || cred.RefreshToken == "" {
			return nil, fmt.Errorf("%w: credential expired and not refreshable", ErrNotAuthorized)
		}
		renewed, err := s.refresher.Refresh(ctx, cred.RefreshToken)
		if err != nil {
			return nil, err
		}
		if renewed.RefreshToken == "" {
			renewed.RefreshToken = cred.RefreshToken
		}
		if err := s.Save(ctx, key, renewed); err != nil {
			return nil, err
		}
		return renewed, nil
	})
	if err != nil {
		return account.Credential{}, err
	}
	return v.(account.Credential), nil
}

// Save stores a credential, replacing any previous one for the key.
func (s *MemoryStore) Save(ctx context.Context, key account.AccountKey, cred account.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key] = cred
	return nil
}

// List returns the account keys stored for a user, ordered by email.
func (s *MemoryStore) List(ctx context.Context, userID string) ([]account.AccountKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]account.AccountKey, 0)
	for key := range s.creds {
		if key.UserID == userID {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Email < keys[j].Email })
	return keys, nil
}

// Revoke removes a credential; an empty email removes every credential
// the user has. Revoking an absent credential succeeds.
func (s *MemoryStore) Revoke(ctx context.Context, key account.AccountKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.Email == "" {
		for k := range s.creds {
			if k.UserID == key.UserID {
				delete(s.creds, k)
			}
		}
		return nil
	}
	delete(s.creds, key)
	return nil
}
