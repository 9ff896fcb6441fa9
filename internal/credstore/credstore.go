// Package credstore stores per-account OAuth credentials and hands out
// fresh access tokens, refreshing expired ones transparently. Callers never
// see a token with less than FreshnessGrace of validity left.
package credstore

import (
	"context"
	"errors"
	"time"

	"github.com/inboxkit/syncd/internal/account"
)

// FreshnessGrace is the minimum remaining validity of any credential
// returned by GetFresh.
const FreshnessGrace = 60 * time.Second

// Error types for credential operations. ErrNotAuthorized is definitive
// and parks the owning agent; ErrUnavailable is retryable.
var (
	ErrNotAuthorized = errors.New("credentials not authorized")
	ErrUnavailable   = errors.New("credential source unavailable")
)

// Store holds OAuth credentials keyed by account.
type Store interface {
	// GetFresh returns a credential valid for at least FreshnessGrace,
	// refreshing it first when needed. An unknown account or a rejected
	// refresh yields ErrNotAuthorized; an unreachable store or token
	// endpoint yields ErrUnavailable.
	GetFresh(ctx context.Context, key account.AccountKey) (account.Credential, error)
	// Save stores a credential, replacing any previous one for the key.
	Save(ctx context.Context, key account.AccountKey, cred account.Credential) error
	// List returns the account keys stored for a user.
	List(ctx context.Context, userID string) ([]account.AccountKey, error)
	// Revoke removes a credential. A key with an empty email removes
	// every credential the user has. Revoking an absent credential is
	// not an error.
	Revoke(ctx context.Context, key account.AccountKey) error
}

// TokenRefresher exchanges a refresh token for a new credential.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (account.Credential, error)
}
