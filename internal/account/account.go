// Package account defines the identities, message shapes, and event types
// shared across the sync core.
package account

import (
	"log/slog"
	"time"
)

// AccountKey identifies one synced mailbox: the pair of an opaque user ID
// and an RFC 5321 email address. It is comparable and used directly as a
// map key.
type AccountKey struct {
	UserID string
	Email  string
}

// String renders the key as "userId|email" for logs and diagnostics.
func (k AccountKey) String() string {
	return k.UserID + "|" + k.Email
}

// Credential holds the momentary access material for one account. Agents
// hold only the value returned by CredentialStore.GetFresh and never
// persist it.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// LogValue redacts the credential wherever one is passed to slog.
func (Credential) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

// Fresh reports whether the access token is valid for at least the given
// grace period from now.
func (c Credential) Fresh(now time.Time, grace time.Duration) bool {
	return c.AccessToken != "" && c.ExpiresAt.After(now.Add(grace))
}
